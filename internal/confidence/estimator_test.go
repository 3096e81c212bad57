package confidence

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heurist/internal/config"
	"heurist/internal/store"
	"heurist/internal/types"
)

func newTestEstimator(t *testing.T, cfg config.ConfidenceConfig) (*Estimator, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewEstimator(s, cfg, 3), s
}

func defaultCfg() config.ConfidenceConfig {
	return config.DefaultConfig().Confidence
}

func seedHeuristic(t *testing.T, s *store.Store) int64 {
	t.Helper()
	id, err := s.CreateHeuristic(&store.Heuristic{
		Domain:     "testing",
		Rule:       "prefer table-driven tests",
		Confidence: 0.5,
	})
	require.NoError(t, err)
	return id
}

func TestWarmupCumulativeAverage(t *testing.T) {
	e, s := newTestEstimator(t, defaultCfg())
	id := seedHeuristic(t, s)

	// Ten straight validations stay in warmup; the average is exact.
	var h *store.Heuristic
	var err error
	for i := 0; i < 10; i++ {
		h, err = e.Record(id, types.OutcomeValidated, "", "req")
		require.NoError(t, err)
	}
	assert.Equal(t, 1.0, h.Confidence)
	assert.Equal(t, 10, h.TimesValidated)

	// The eleventh event crosses into EMA: a violation dents but does not
	// crater a mature heuristic.
	h, err = e.Record(id, types.OutcomeViolated, "", "req")
	require.NoError(t, err)
	assert.InDelta(t, 0.9091, h.Confidence, 0.0001)
}

func TestWarmupMixedOutcomes(t *testing.T) {
	e, s := newTestEstimator(t, defaultCfg())
	id := seedHeuristic(t, s)

	outcomes := []types.Outcome{
		types.OutcomeValidated, types.OutcomeValidated, types.OutcomeViolated,
		types.OutcomeValidated, types.OutcomeViolated,
	}
	var h *store.Heuristic
	var err error
	for _, o := range outcomes {
		h, err = e.Record(id, o, "", "req")
		require.NoError(t, err)
	}
	assert.Equal(t, 0.6, h.Confidence, "3 of 5 validated")
}

func TestEMAAlphaShrinksWithHistory(t *testing.T) {
	cfg := defaultCfg()
	e := NewEstimator(nil, cfg, 3)
	_ = e

	h := &store.Heuristic{TimesValidated: 50, TimesViolated: 0, ConfidenceEMA: 1.0, Confidence: 1.0}
	require.NoError(t, e.apply(h, types.OutcomeViolated))
	dropAt51 := 1.0 - h.Confidence

	h2 := &store.Heuristic{TimesValidated: 500, TimesViolated: 0, ConfidenceEMA: 1.0, Confidence: 1.0}
	require.NoError(t, e.apply(h2, types.OutcomeViolated))
	dropAt501 := 1.0 - h2.Confidence

	assert.Less(t, dropAt501, dropAt51, "older heuristics move less per event")
	assert.GreaterOrEqual(t, h2.EMAAlpha, cfg.MinAlpha, "alpha is floored")
}

func TestConfidenceStaysBounded(t *testing.T) {
	e := NewEstimator(nil, defaultCfg(), 3)

	rng := rand.New(rand.NewSource(42))
	h := &store.Heuristic{UpdateResetDate: "1970-01-01"}
	day := 0
	e.SetClock(func() time.Time {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, day)
	})

	for i := 0; i < 2000; i++ {
		if i%40 == 0 {
			day++ // stay clear of the daily cap
		}
		outcome := types.OutcomeValidated
		if rng.Float64() < 0.5 {
			outcome = types.OutcomeViolated
		}
		require.NoError(t, e.apply(h, outcome))
		require.GreaterOrEqual(t, h.Confidence, 0.0)
		require.LessOrEqual(t, h.Confidence, 1.0)
	}
}

func TestDailyUpdateCap(t *testing.T) {
	cfg := defaultCfg()
	cfg.DailyUpdateCap = 3
	e, s := newTestEstimator(t, cfg)
	id := seedHeuristic(t, s)

	day := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e.SetClock(func() time.Time { return day })

	for i := 0; i < 3; i++ {
		_, err := e.Record(id, types.OutcomeValidated, "", "req")
		require.NoError(t, err)
	}

	_, err := e.Record(id, types.OutcomeValidated, "", "req")
	require.True(t, types.IsRateLimited(err), "expected rate limit, got %v", err)

	// A rejected update leaves no trace in the journal.
	events, err := s.RecentEvents(id, day.Add(-time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	// The cap resets at UTC midnight.
	day = day.AddDate(0, 0, 1)
	_, err = e.Record(id, types.OutcomeValidated, "", "req")
	assert.NoError(t, err)
}

func TestRecordRejectsQuarantined(t *testing.T) {
	e, s := newTestEstimator(t, defaultCfg())
	id := seedHeuristic(t, s)

	h, err := s.GetHeuristic(id)
	require.NoError(t, err)
	h.Status = types.StatusQuarantined
	h.IsQuarantined = true
	require.NoError(t, s.UpdateHeuristic(h))

	_, err = e.Record(id, types.OutcomeValidated, "", "req")
	assert.True(t, types.IsQuarantined(err))
}

func TestRecordRejectsUnknownOutcome(t *testing.T) {
	e, s := newTestEstimator(t, defaultCfg())
	id := seedHeuristic(t, s)

	_, err := e.Record(id, types.Outcome("maybe"), "", "req")
	assert.True(t, types.IsValidation(err))
}

func TestRecordWritesJournal(t *testing.T) {
	e, s := newTestEstimator(t, defaultCfg())
	id := seedHeuristic(t, s)

	_, err := e.Record(id, types.OutcomeValidated, "ci run passed", "req-42")
	require.NoError(t, err)

	events, err := s.RecentEvents(id, time.Now().Add(-time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "req-42", events[0].RequestID)
	assert.Equal(t, "ci run passed", events[0].Evidence)
	assert.Equal(t, types.OutcomeValidated, events[0].Outcome)
	assert.Equal(t, 1.0, events[0].NewConfidence, "first event is all-validated warmup")
}
