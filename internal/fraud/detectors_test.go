package fraud

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heurist/internal/config"
	"heurist/internal/store"
	"heurist/internal/types"
)

func fraudCfg() config.FraudConfig {
	return config.DefaultConfig().Fraud
}

func eventsAtRate(perDay float64, days float64) []store.ConfidenceEvent {
	n := int(perDay * days)
	events := make([]store.ConfidenceEvent, n)
	return events
}

func TestUpdateFrequencyDetector(t *testing.T) {
	d := NewUpdateFrequencyDetector(fraudCfg())

	baseline := &store.DomainBaseline{UpdateFreqAvg: 2, UpdateFreqStd: 1}
	h := &store.Heuristic{ID: 1}

	t.Run("normal rate is quiet", func(t *testing.T) {
		sig := d.Detect(Sample{
			Heuristic:    h,
			Baseline:     baseline,
			RecentEvents: eventsAtRate(3, 7), // z = 1
			WindowDays:   7,
		})
		assert.Nil(t, sig)
	})

	t.Run("spike fires with high severity", func(t *testing.T) {
		sig := d.Detect(Sample{
			Heuristic:    h,
			Baseline:     baseline,
			RecentEvents: eventsAtRate(10, 7), // z = 8
			WindowDays:   7,
		})
		require.NotNil(t, sig)
		assert.Equal(t, types.SeverityHigh, sig.Severity)
		assert.Greater(t, sig.Score, 0.5)
		assert.Equal(t, "update_frequency", sig.DetectorName)
	})

	t.Run("moderate excess fires medium", func(t *testing.T) {
		sig := d.Detect(Sample{
			Heuristic:    h,
			Baseline:     baseline,
			RecentEvents: eventsAtRate(4.5, 7), // z = 2.5, between alert and high
			WindowDays:   7,
		})
		require.NotNil(t, sig)
		assert.Equal(t, types.SeverityMedium, sig.Severity)
	})

	t.Run("missing baseline degrades to quiet", func(t *testing.T) {
		sig := d.Detect(Sample{
			Heuristic:    h,
			Baseline:     nil,
			RecentEvents: eventsAtRate(100, 7),
			WindowDays:   7,
		})
		assert.Nil(t, sig)
	})

	t.Run("zero std degrades to quiet", func(t *testing.T) {
		sig := d.Detect(Sample{
			Heuristic:    h,
			Baseline:     &store.DomainBaseline{UpdateFreqAvg: 2, UpdateFreqStd: 0},
			RecentEvents: eventsAtRate(100, 7),
			WindowDays:   7,
		})
		assert.Nil(t, sig)
	})
}

func TestSuccessRateDetector(t *testing.T) {
	d := NewSuccessRateDetector()
	baseline := &store.DomainBaseline{UpdateFreqAvg: 1} // ~30 organic updates/month

	t.Run("small perfect record is fine", func(t *testing.T) {
		sig := d.Detect(Sample{
			Heuristic: &store.Heuristic{ID: 1, TimesValidated: 15, TimesViolated: 0},
			Baseline:  baseline,
		})
		assert.Nil(t, sig)
	})

	t.Run("any violation clears suspicion", func(t *testing.T) {
		sig := d.Detect(Sample{
			Heuristic: &store.Heuristic{ID: 1, TimesValidated: 500, TimesViolated: 1},
			Baseline:  baseline,
		})
		assert.Nil(t, sig)
	})

	t.Run("perfect record at huge volume fires", func(t *testing.T) {
		sig := d.Detect(Sample{
			Heuristic: &store.Heuristic{ID: 1, TimesValidated: 500, TimesViolated: 0},
			Baseline:  baseline,
		})
		require.NotNil(t, sig)
		assert.Equal(t, "success_rate", sig.DetectorName)
		assert.GreaterOrEqual(t, sig.Score, 0.5)
	})
}

func TestVelocityDetector(t *testing.T) {
	d := NewVelocityDetector(fraudCfg()) // max organic jump 0.25

	mature := &store.Heuristic{ID: 1, EMAAlpha: 0.05, EMAWarmupRemaining: 0}

	t.Run("organic swings are quiet", func(t *testing.T) {
		sig := d.Detect(Sample{
			Heuristic: mature,
			RecentEvents: []store.ConfidenceEvent{
				{PriorConfidence: 0.80, NewConfidence: 0.82},
				{PriorConfidence: 0.82, NewConfidence: 0.79},
			},
		})
		assert.Nil(t, sig)
	})

	t.Run("impossible swing fires", func(t *testing.T) {
		sig := d.Detect(Sample{
			Heuristic: mature,
			RecentEvents: []store.ConfidenceEvent{
				{ID: 7, PriorConfidence: 0.30, NewConfidence: 0.95, RequestID: "req-7"},
			},
		})
		require.NotNil(t, sig)
		assert.Equal(t, "velocity", sig.DetectorName)
		assert.Equal(t, int64(7), sig.Evidence["event_id"])
	})

	t.Run("warmup swings are exempt", func(t *testing.T) {
		warm := &store.Heuristic{ID: 1, EMAAlpha: 0.5, EMAWarmupRemaining: 5}
		sig := d.Detect(Sample{
			Heuristic: warm,
			RecentEvents: []store.ConfidenceEvent{
				{PriorConfidence: 0.0, NewConfidence: 1.0},
			},
		})
		assert.Nil(t, sig)
	})
}

func TestDetectorPanicIsolation(t *testing.T) {
	s, err := store.Open(":memory:", time.Second)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.CreateHeuristic(&store.Heuristic{Domain: "d", Rule: "r", Confidence: 0.5})
	require.NoError(t, err)

	sc := NewScanner(s, fraudCfg(), 3)
	sc.Register(panicky{})

	report, err := sc.Scan(context.Background(), id)
	require.NoError(t, err, "a panicking detector must not fail the scan")
	assert.Nil(t, report, "remaining detectors found nothing")
}

type panicky struct{}

func (panicky) Name() string                       { return "panicky" }
func (panicky) Detect(Sample) *store.AnomalySignal { panic("boom") }
