package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heurist/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenInitializesSchema(t *testing.T) {
	s := newTestStore(t)

	assert.Equal(t, CurrentSchemaVersion, GetSchemaVersion(s.DB()))

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["heuristics"])
}

func TestCreateAndGetHeuristic(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateHeuristic(&Heuristic{
		Domain:      "go-errors",
		Rule:        "wrap errors with %w at package boundaries",
		Explanation: "preserves the chain for errors.Is",
		Confidence:  0.5,
	})
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	h, err := s.GetHeuristic(id)
	require.NoError(t, err)
	assert.Equal(t, "go-errors", h.Domain)
	assert.Equal(t, 0.5, h.Confidence)
	assert.Equal(t, types.StatusActive, h.Status)
	assert.False(t, h.IsGolden)
	assert.Equal(t, int64(1), h.RowVersion)
}

func TestCreateHeuristicValidation(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name string
		h    Heuristic
	}{
		{"missing domain", Heuristic{Rule: "r", Confidence: 0.5}},
		{"missing rule", Heuristic{Domain: "d", Confidence: 0.5}},
		{"confidence above one", Heuristic{Domain: "d", Rule: "r", Confidence: 1.5}},
		{"negative confidence", Heuristic{Domain: "d", Rule: "r", Confidence: -0.1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.CreateHeuristic(&tc.h)
			assert.True(t, types.IsValidation(err), "expected validation error, got %v", err)
		})
	}
}

func TestGetHeuristicNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetHeuristic(9999)
	assert.True(t, types.IsNotFound(err))
}

func TestUpdateHeuristicVersionConflict(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateHeuristic(&Heuristic{Domain: "d", Rule: "r", Confidence: 0.5})
	require.NoError(t, err)

	// Two readers of the same version: the second write must lose.
	first, err := s.GetHeuristic(id)
	require.NoError(t, err)
	second, err := s.GetHeuristic(id)
	require.NoError(t, err)

	first.Confidence = 0.6
	require.NoError(t, s.UpdateHeuristic(first))

	second.Confidence = 0.4
	err = s.UpdateHeuristic(second)
	assert.True(t, types.IsConcurrentUpdate(err), "expected concurrent update error, got %v", err)

	// The winning write is intact.
	h, err := s.GetHeuristic(id)
	require.NoError(t, err)
	assert.Equal(t, 0.6, h.Confidence)
	assert.Equal(t, int64(2), h.RowVersion)
}

func TestUpdateHeuristicBumpsVersion(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateHeuristic(&Heuristic{Domain: "d", Rule: "r", Confidence: 0.5})
	require.NoError(t, err)

	h, err := s.GetHeuristic(id)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		h.TimesValidated++
		require.NoError(t, s.UpdateHeuristic(h))
	}
	assert.Equal(t, int64(4), h.RowVersion)
}

func TestListByDomainOrdering(t *testing.T) {
	s := newTestStore(t)

	for i, conf := range []float64{0.3, 0.9, 0.6} {
		_, err := s.CreateHeuristic(&Heuristic{Domain: "d", Rule: fmt.Sprintf("rule-%d", i), Confidence: conf})
		require.NoError(t, err)
	}

	list, err := s.ListByDomain("d", true, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, 0.9, list[0].Confidence)
	assert.Equal(t, 0.6, list[1].Confidence)
	assert.Equal(t, 0.3, list[2].Confidence)
}

func TestListByDomainExcludesQuarantined(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateHeuristic(&Heuristic{Domain: "d", Rule: "bad", Confidence: 0.9})
	require.NoError(t, err)
	_, err = s.CreateHeuristic(&Heuristic{Domain: "d", Rule: "good", Confidence: 0.5})
	require.NoError(t, err)

	h, err := s.GetHeuristic(id)
	require.NoError(t, err)
	h.Status = types.StatusQuarantined
	h.IsQuarantined = true
	require.NoError(t, s.UpdateHeuristic(h))

	list, err := s.ListByDomain("d", true, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "good", list[0].Rule)

	count, err := s.ActiveCount("d")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGoldenRules(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateHeuristic(&Heuristic{Domain: "a", Rule: "golden", Confidence: 0.95})
	require.NoError(t, err)
	_, err = s.CreateHeuristic(&Heuristic{Domain: "b", Rule: "plain", Confidence: 0.95})
	require.NoError(t, err)

	h, err := s.GetHeuristic(id)
	require.NoError(t, err)
	h.IsGolden = true
	require.NoError(t, s.UpdateHeuristic(h))

	golden, err := s.GoldenRules()
	require.NoError(t, err)
	require.Len(t, golden, 1)
	assert.Equal(t, "golden", golden[0].Rule)
}

func TestEvictionCandidatesOrder(t *testing.T) {
	s := newTestStore(t)

	weak, err := s.CreateHeuristic(&Heuristic{Domain: "d", Rule: "weak", Confidence: 0.2})
	require.NoError(t, err)
	_, err = s.CreateHeuristic(&Heuristic{Domain: "d", Rule: "strong", Confidence: 0.8})
	require.NoError(t, err)
	goldenID, err := s.CreateHeuristic(&Heuristic{Domain: "d", Rule: "golden-weak", Confidence: 0.1})
	require.NoError(t, err)

	g, err := s.GetHeuristic(goldenID)
	require.NoError(t, err)
	g.IsGolden = true
	require.NoError(t, s.UpdateHeuristic(g))

	candidates, err := s.EvictionCandidates("d", 10)
	require.NoError(t, err)
	require.Len(t, candidates, 2, "golden heuristics are never eviction candidates")
	assert.Equal(t, weak, candidates[0].ID)
}

func TestDecayStaleConfidence(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateHeuristic(&Heuristic{Domain: "d", Rule: "r", Confidence: 0.8})
	require.NoError(t, err)

	// Everything is fresh; a past cutoff touches nothing.
	n, err := s.DecayStaleConfidence(0.9, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// A future cutoff makes the row stale.
	n, err = s.DecayStaleConfidence(0.9, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h, err := s.GetHeuristic(id)
	require.NoError(t, err)
	assert.InDelta(t, 0.72, h.Confidence, 0.0001)
}

func TestDomainMetadataLifeycle(t *testing.T) {
	s := newTestStore(t)

	defaults := DomainMetadata{SoftLimit: 5, HardLimit: 8, MaxOverflowDays: 7}
	m, err := s.EnsureDomain("d", defaults)
	require.NoError(t, err)
	assert.Equal(t, 5, m.SoftLimit)
	assert.Equal(t, types.DomainNormal, m.State)
	assert.Equal(t, 8, m.EffectiveHardLimit())

	override := 12
	m.CEOOverrideLimit = &override
	require.NoError(t, s.UpdateDomain(m))

	m, err = s.GetDomain("d")
	require.NoError(t, err)
	assert.Equal(t, 12, m.EffectiveHardLimit())

	// Ensure is idempotent and does not reset fields.
	m, err = s.EnsureDomain("d", DomainMetadata{SoftLimit: 99})
	require.NoError(t, err)
	assert.Equal(t, 5, m.SoftLimit)
}

func TestFraudReportRoundTrip(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateHeuristic(&Heuristic{Domain: "d", Rule: "r", Confidence: 0.5})
	require.NoError(t, err)

	report := &FraudReport{
		HeuristicID:     id,
		FraudScore:      0.85,
		Classification:  types.ClassificationFraudulent,
		LikelihoodRatio: 12.5,
		Signals: []AnomalySignal{
			{
				HeuristicID:  id,
				DetectorName: "update_frequency",
				Score:        0.85,
				Severity:     types.SeverityHigh,
				Reason:       "rate spike",
				Evidence:     map[string]interface{}{"z_score": 4.2},
			},
		},
	}
	_, err = s.InsertFraudReport(report)
	require.NoError(t, err)
	require.NotEmpty(t, report.PublicID)

	got, err := s.GetFraudReport(report.PublicID)
	require.NoError(t, err)
	assert.Equal(t, types.ClassificationFraudulent, got.Classification)
	assert.Equal(t, types.ReviewPending, got.ReviewOutcome)
	require.Len(t, got.Signals, 1)
	assert.Equal(t, "update_frequency", got.Signals[0].DetectorName)
	assert.Equal(t, 4.2, got.Signals[0].Evidence["z_score"])

	require.NoError(t, s.RecordReview(report.PublicID, types.ReviewCleared, "alice"))
	got, err = s.GetFraudReport(report.PublicID)
	require.NoError(t, err)
	assert.Equal(t, types.ReviewCleared, got.ReviewOutcome)
	assert.Equal(t, "alice", got.ReviewedBy)
	require.NotNil(t, got.ReviewedAt)
}

func TestPurgeDomain(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateHeuristic(&Heuristic{Domain: "doomed", Rule: "r", Confidence: 0.5})
	require.NoError(t, err)
	keepID, err := s.CreateHeuristic(&Heuristic{Domain: "kept", Rule: "r", Confidence: 0.5})
	require.NoError(t, err)

	require.NoError(t, s.RecordEvent(&ConfidenceEvent{
		HeuristicID: id, Outcome: types.OutcomeValidated,
		PriorConfidence: 0.5, NewConfidence: 0.6, RequestID: "req-1",
	}))
	_, err = s.EnsureDomain("doomed", DomainMetadata{SoftLimit: 5, HardLimit: 8})
	require.NoError(t, err)

	res, err := s.PurgeDomain("doomed")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Heuristics)
	assert.Equal(t, int64(1), res.Events)

	_, err = s.GetHeuristic(id)
	assert.True(t, types.IsNotFound(err))
	_, err = s.GetHeuristic(keepID)
	assert.NoError(t, err, "other domains are untouched")
}

func TestRecomputeBaseline(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		id, err := s.CreateHeuristic(&Heuristic{Domain: "d", Rule: fmt.Sprintf("r%d", i), Confidence: 0.5})
		require.NoError(t, err)

		h, err := s.GetHeuristic(id)
		require.NoError(t, err)
		h.TimesValidated = 8
		h.TimesViolated = 2
		require.NoError(t, s.UpdateHeuristic(h))
	}

	b, err := s.RecomputeBaseline("d", 30*24*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.InDelta(t, 0.8, b.SuccessRateAvg, 0.0001)
	assert.Equal(t, 3, b.SampleCount)

	// Round-trips through the baselines table.
	got, err := s.GetBaseline("d")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.InDelta(t, 0.8, got.SuccessRateAvg, 0.0001)
}

func TestGetBaselineMissingIsNil(t *testing.T) {
	s := newTestStore(t)

	b, err := s.GetBaseline("nowhere")
	require.NoError(t, err)
	assert.Nil(t, b)
}
