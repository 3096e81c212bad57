package fraud

import (
	"context"
	"fmt"
	"time"

	"heurist/internal/config"
	"heurist/internal/logging"
	"heurist/internal/store"
	"heurist/internal/types"
)

// scanWindow is how far back the scanner reads the confidence journal.
const scanWindow = 7 * 24 * time.Hour

// maxScanEvents bounds how many journal entries one scan will load.
const maxScanEvents = 500

// Scanner runs the registered detectors against one heuristic at a time
// and persists the resulting report. A fraudulent verdict quarantines the
// heuristic immediately.
type Scanner struct {
	store     *store.Store
	cfg       config.FraudConfig
	retries   int
	detectors []Detector
	now       func() time.Time
}

// NewScanner builds a scanner with the built-in detector set.
func NewScanner(s *store.Store, cfg config.FraudConfig, updateRetries int) *Scanner {
	return &Scanner{
		store:   s,
		cfg:     cfg,
		retries: updateRetries,
		detectors: []Detector{
			NewUpdateFrequencyDetector(cfg),
			NewSuccessRateDetector(),
			NewVelocityDetector(cfg),
		},
		now: time.Now,
	}
}

// Register adds a custom detector. Not safe to call once scans have started.
func (sc *Scanner) Register(d Detector) {
	sc.detectors = append(sc.detectors, d)
}

// SetClock overrides the scanner's clock, for tests.
func (sc *Scanner) SetClock(now func() time.Time) { sc.now = now }

// Scan evaluates one heuristic. A clean result only touches last_fraud_check;
// any firing signal produces a persisted report.
func (sc *Scanner) Scan(ctx context.Context, heuristicID int64) (*store.FraudReport, error) {
	timer := logging.StartTimer(logging.CategoryFraud, "Scanner.Scan")
	defer timer.StopWithThreshold(200 * time.Millisecond)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h, err := sc.store.GetHeuristic(heuristicID)
	if err != nil {
		return nil, err
	}

	sample, err := sc.buildSample(h)
	if err != nil {
		return nil, err
	}

	signals := sc.runDetectors(sample)
	if len(signals) == 0 {
		if err := sc.markScanned(h, nil); err != nil {
			logging.Get(logging.CategoryFraud).Error("Failed to mark scan on heuristic %d: %v", heuristicID, err)
		}
		return nil, nil
	}

	report := &store.FraudReport{
		HeuristicID:     heuristicID,
		FraudScore:      Aggregate(signals),
		LikelihoodRatio: LikelihoodRatio(signals),
		Signals:         signals,
	}
	report.Classification = Classify(report.FraudScore, sc.cfg)

	if _, err := sc.store.InsertFraudReport(report); err != nil {
		return nil, fmt.Errorf("failed to persist fraud report: %w", err)
	}

	if err := sc.markScanned(h, report); err != nil {
		return report, err
	}
	return report, nil
}

func (sc *Scanner) buildSample(h *store.Heuristic) (Sample, error) {
	sample := Sample{
		Heuristic:  h,
		WindowDays: scanWindow.Hours() / 24,
	}

	baseline, err := sc.store.GetBaseline(h.Domain)
	if err != nil {
		return sample, fmt.Errorf("failed to load baseline for %s: %w", h.Domain, err)
	}
	sample.Baseline = baseline

	since := sc.now().Add(-scanWindow)
	events, err := sc.store.RecentEvents(h.ID, since, maxScanEvents)
	if err != nil {
		return sample, fmt.Errorf("failed to load events for heuristic %d: %w", h.ID, err)
	}
	sample.RecentEvents = events
	return sample, nil
}

// runDetectors collects firing signals. A panicking detector is logged and
// skipped; it never takes the scan down with it.
func (sc *Scanner) runDetectors(sample Sample) []store.AnomalySignal {
	var signals []store.AnomalySignal
	for _, d := range sc.detectors {
		if sig := sc.safeDetect(d, sample); sig != nil {
			signals = append(signals, *sig)
		}
	}
	return signals
}

func (sc *Scanner) safeDetect(d Detector, sample Sample) (sig *store.AnomalySignal) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryFraud).Error(
				"Detector %s panicked on heuristic %d: %v", d.Name(), sample.Heuristic.ID, r)
			sig = nil
		}
	}()
	return d.Detect(sample)
}

// markScanned stamps the scan on the row and, when the report is fraudulent,
// quarantines: quarantine clears golden and overrides any other status.
func (sc *Scanner) markScanned(h *store.Heuristic, report *store.FraudReport) error {
	fraudulent := report != nil && report.Classification == types.ClassificationFraudulent

	for attempt := 0; attempt <= sc.retries; attempt++ {
		if attempt > 0 {
			fresh, err := sc.store.GetHeuristic(h.ID)
			if err != nil {
				return err
			}
			h = fresh
		}

		now := sc.now().UTC()
		h.LastFraudCheck = &now
		if report != nil {
			h.FraudFlags++
		}
		if fraudulent {
			h.Status = types.StatusQuarantined
			h.IsQuarantined = true
			h.IsGolden = false
		}

		err := sc.store.UpdateHeuristic(h)
		if err == nil {
			if fraudulent {
				logging.Fraud("Heuristic %d quarantined: score=%.2f", h.ID, report.FraudScore)
			}
			return nil
		}
		if !types.IsConcurrentUpdate(err) {
			return err
		}
	}
	return types.Ef(types.KindConcurrentUpdate, "fraud.markScanned",
		"heuristic %d kept changing during scan", h.ID)
}
