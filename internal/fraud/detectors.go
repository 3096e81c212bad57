package fraud

import (
	"fmt"
	"math"

	"heurist/internal/config"
	"heurist/internal/store"
	"heurist/internal/types"
)

// UpdateFrequencyDetector flags heuristics whose recent update rate is a
// statistical outlier against the domain baseline (z-score test).
type UpdateFrequencyDetector struct {
	// Alert fires at ZAlert; severity escalates to high at ZHigh.
	ZAlert float64
	ZHigh  float64
}

// NewUpdateFrequencyDetector builds the detector from fraud config.
func NewUpdateFrequencyDetector(cfg config.FraudConfig) *UpdateFrequencyDetector {
	return &UpdateFrequencyDetector{ZAlert: cfg.ZScoreAlert, ZHigh: cfg.ZScoreHigh}
}

func (d *UpdateFrequencyDetector) Name() string { return "update_frequency" }

func (d *UpdateFrequencyDetector) Detect(sample Sample) *store.AnomalySignal {
	b := sample.Baseline
	if b == nil || b.UpdateFreqStd <= 0 || sample.WindowDays <= 0 {
		return nil
	}

	rate := float64(len(sample.RecentEvents)) / sample.WindowDays
	z := (rate - b.UpdateFreqAvg) / b.UpdateFreqStd
	if z < d.ZAlert {
		return nil
	}

	// Map z onto [0,1]: alert threshold ~0.33, 2x the high threshold saturates.
	score := clamp01(z / (2 * d.ZHigh))
	severity := types.SeverityMedium
	if z > d.ZHigh {
		severity = types.SeverityHigh
	}

	return &store.AnomalySignal{
		HeuristicID:  sample.Heuristic.ID,
		DetectorName: d.Name(),
		Score:        score,
		Severity:     severity,
		Reason:       fmt.Sprintf("update rate %.2f/day is %.1f std above domain mean %.2f/day", rate, z, b.UpdateFreqAvg),
		Evidence: map[string]interface{}{
			"rate_per_day": rate,
			"z_score":      z,
			"baseline_avg": b.UpdateFreqAvg,
			"baseline_std": b.UpdateFreqStd,
		},
	}
}

// SuccessRateDetector flags implausibly perfect records: zero violations with
// a validation volume far above what the domain baseline suggests is organic.
type SuccessRateDetector struct {
	// Minimum validations before a perfect record is considered at all.
	MinVolume int
	// Multiple of the baseline daily volume that marks "far above".
	VolumeMultiplier float64
}

// NewSuccessRateDetector builds the detector with default plausibility bounds.
func NewSuccessRateDetector() *SuccessRateDetector {
	return &SuccessRateDetector{MinVolume: 20, VolumeMultiplier: 3}
}

func (d *SuccessRateDetector) Name() string { return "success_rate" }

func (d *SuccessRateDetector) Detect(sample Sample) *store.AnomalySignal {
	h := sample.Heuristic
	if h.TimesViolated > 0 || h.TimesValidated < d.MinVolume {
		return nil
	}

	// Expected volume from the baseline; fall back to the absolute floor when
	// the domain has no history.
	expected := float64(d.MinVolume)
	if b := sample.Baseline; b != nil && b.UpdateFreqAvg > 0 {
		expected = math.Max(expected, b.UpdateFreqAvg*30) // a month of organic updates
	}
	if float64(h.TimesValidated) < expected*d.VolumeMultiplier/3 {
		return nil
	}

	// Score grows with volume past the plausibility bound and saturates.
	ratio := float64(h.TimesValidated) / expected
	score := clamp01(0.5 + 0.2*ratio)
	severity := types.SeverityMedium
	if score > 0.8 {
		severity = types.SeverityHigh
	}

	return &store.AnomalySignal{
		HeuristicID:  h.ID,
		DetectorName: d.Name(),
		Score:        score,
		Severity:     severity,
		Reason:       fmt.Sprintf("perfect record at implausible volume: %d validations, 0 violations", h.TimesValidated),
		Evidence: map[string]interface{}{
			"times_validated": h.TimesValidated,
			"expected_volume": expected,
		},
	}
}

// VelocityDetector flags confidence swings larger than the EMA damping factor
// can produce organically, which suggests external tampering with the row
// rather than signal from real validation events.
type VelocityDetector struct {
	// Largest per-event swing considered organic once warmup is over.
	MaxOrganicJump float64
}

// NewVelocityDetector builds the detector from fraud config.
func NewVelocityDetector(cfg config.FraudConfig) *VelocityDetector {
	return &VelocityDetector{MaxOrganicJump: cfg.VelocityJump}
}

func (d *VelocityDetector) Name() string { return "velocity" }

func (d *VelocityDetector) Detect(sample Sample) *store.AnomalySignal {
	h := sample.Heuristic
	// Warmup swings are legitimately large; only mature heuristics are damped.
	if h.EMAWarmupRemaining > 0 || len(sample.RecentEvents) == 0 {
		return nil
	}

	// The EMA bounds any organic per-event move by alpha.
	bound := math.Max(h.EMAAlpha, d.MaxOrganicJump)

	var worst float64
	var worstEvent *store.ConfidenceEvent
	for i := range sample.RecentEvents {
		e := &sample.RecentEvents[i]
		swing := math.Abs(e.NewConfidence - e.PriorConfidence)
		if swing > worst {
			worst = swing
			worstEvent = e
		}
	}
	if worstEvent == nil || worst <= bound {
		return nil
	}

	score := clamp01(worst / (2 * bound))
	severity := types.SeverityMedium
	if score > 0.75 {
		severity = types.SeverityHigh
	}

	return &store.AnomalySignal{
		HeuristicID:  h.ID,
		DetectorName: d.Name(),
		Score:        score,
		Severity:     severity,
		Reason:       fmt.Sprintf("confidence swing %.3f exceeds EMA damping bound %.3f", worst, bound),
		Evidence: map[string]interface{}{
			"swing":      worst,
			"bound":      bound,
			"event_id":   worstEvent.ID,
			"request_id": worstEvent.RequestID,
		},
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
