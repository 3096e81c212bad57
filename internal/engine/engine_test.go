package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"heurist/internal/config"
	"heurist/internal/query"
	"heurist/internal/store"
	"heurist/internal/types"
)

func newTestEngine(t *testing.T, mutate func(*config.Config)) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.DatabasePath = ":memory:"
	cfg.Fraud.ScansPerSec = 1000
	if mutate != nil {
		mutate(cfg)
	}

	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestCreateRecordQueryRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newTestEngine(t, nil)
	ctx := context.Background()

	res, err := e.Create(ctx, CreateRequest{
		Domain: "go-testing", Rule: "use t.Cleanup over defer in helpers", Novelty: 1,
	})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.NotEmpty(t, res.RequestID)
	id := res.HeuristicID

	for i := 0; i < 4; i++ {
		res, err = e.RecordOutcome(ctx, id, types.OutcomeValidated, "")
		require.NoError(t, err)
	}
	assert.Equal(t, 1.0, res.Confidence, "4 of 4 validated during warmup")
	require.NoError(t, e.Flush(ctx))

	list, err := e.QueryByDomain(ctx, "go-testing", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 4, list[0].TimesValidated)
}

func TestQuarantineBlocksUpdatesUntilCleared(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newTestEngine(t, nil)
	ctx := context.Background()

	res, err := e.Create(ctx, CreateRequest{Domain: "d", Rule: "r", Novelty: 1})
	require.NoError(t, err)
	id := res.HeuristicID

	_, err = e.Quarantine(ctx, id, "manual review requested")
	require.NoError(t, err)

	_, err = e.RecordOutcome(ctx, id, types.OutcomeValidated, "")
	assert.True(t, types.IsQuarantined(err), "quarantined heuristics accept no updates")

	// File a report and clear it; updates resume.
	report := &store.FraudReport{HeuristicID: id, FraudScore: 0.8, Classification: types.ClassificationFraudulent}
	_, err = e.store.InsertFraudReport(report)
	require.NoError(t, err)

	_, err = e.ReviewFraud(ctx, report.PublicID, types.ReviewCleared, "reviewer")
	require.NoError(t, err)

	_, err = e.RecordOutcome(ctx, id, types.OutcomeValidated, "")
	assert.NoError(t, err)
	require.NoError(t, e.Flush(ctx))
}

func TestSixthHeuristicFlipsDomainToOverflow(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Capacity.DefaultSoftLimit = 5
		cfg.Capacity.DefaultHardLimit = 10
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := e.Create(ctx, CreateRequest{Domain: "debugging", Rule: fmt.Sprintf("r%d", i), Novelty: 0})
		require.NoError(t, err)
	}
	meta, err := e.store.GetDomain("debugging")
	require.NoError(t, err)
	assert.Equal(t, types.DomainNormal, meta.State)

	// The sixth admission succeeds unconditionally and tips the domain over.
	_, err = e.Create(ctx, CreateRequest{Domain: "debugging", Rule: "r5", Novelty: 0})
	require.NoError(t, err)

	meta, err = e.store.GetDomain("debugging")
	require.NoError(t, err)
	assert.Equal(t, types.DomainOverflow, meta.State)
	require.NotNil(t, meta.OverflowEnteredAt)
}

func TestOverflowGatesAndHardLimitThroughEngine(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Capacity.DefaultSoftLimit = 2
		cfg.Capacity.DefaultHardLimit = 4
		cfg.Capacity.GracePeriodDays = 0
	})
	ctx := context.Background()

	// Up to and including the soft-limit crossing, admission is unconditional.
	for i := 0; i < 3; i++ {
		_, err := e.Create(ctx, CreateRequest{Domain: "d", Rule: fmt.Sprintf("r%d", i), Novelty: 0})
		require.NoError(t, err)
	}

	// Overflowing now: an unproven candidate is refused by the expansion gates.
	_, err := e.Create(ctx, CreateRequest{Domain: "d", Rule: "r3", Novelty: 1})
	assert.True(t, types.IsCapacityExceeded(err))

	// A candidate with a proven claimed history passes them.
	_, err = e.Create(ctx, CreateRequest{
		Domain: "d", Rule: "r4", Novelty: 1,
		PriorConfidence: 0.9, PriorValidations: 10,
	})
	require.NoError(t, err)

	// At the hard limit even proven candidates bounce.
	_, err = e.Create(ctx, CreateRequest{
		Domain: "d", Rule: "r5", Novelty: 1,
		PriorConfidence: 0.9, PriorValidations: 10,
	})
	assert.True(t, types.IsCapacityExceeded(err))
}

func TestSweepMovesIdleHeuristicsDormant(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newTestEngine(t, nil)
	ctx := context.Background()

	res, err := e.Create(ctx, CreateRequest{Domain: "d", Rule: "r", Novelty: 1})
	require.NoError(t, err)
	id := res.HeuristicID

	// Age the row past the dormancy threshold.
	h, err := e.store.GetHeuristic(id)
	require.NoError(t, err)
	h.LastUsedAt = time.Now().Add(-31 * 24 * time.Hour)
	require.NoError(t, e.store.UpdateHeuristic(h))

	report, err := e.RunSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DormantMoved)
	assert.GreaterOrEqual(t, report.DomainsSwept, 1)

	h, err = e.store.GetHeuristic(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDormant, h.Status)

	// A sweep also leaves domain metadata and health behind.
	meta, err := e.store.GetDomain("d")
	require.NoError(t, err)
	require.NotNil(t, meta.LastHealthCheck)
}

func TestSweepRespectsBudget(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Maintenance.SweepBudget = "1ns"
	})

	// The budget context expires before any domain work begins, yet the
	// sweep returns cleanly rather than erroring.
	report, err := e.RunSweep(context.Background())
	if err != nil {
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		return
	}
	assert.Equal(t, 0, report.DormantMoved)
}

func TestGoldenPromotionFlow(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Lifecycle.GoldenMinValidation = 3
		cfg.Confidence.MinApplications = 3
	})
	ctx := context.Background()

	res, err := e.Create(ctx, CreateRequest{Domain: "d", Rule: "always fsync before rename", Novelty: 1})
	require.NoError(t, err)
	id := res.HeuristicID

	for i := 0; i < 3; i++ {
		_, err = e.RecordOutcome(ctx, id, types.OutcomeValidated, "")
		require.NoError(t, err)
	}
	require.NoError(t, e.Flush(ctx))

	// Unapproved promotion is refused by default.
	_, err = e.Promote(ctx, id, false)
	require.True(t, types.IsValidation(err))

	_, err = e.Promote(ctx, id, true)
	require.NoError(t, err)

	golden, err := e.GoldenRules(ctx)
	require.NoError(t, err)
	require.Len(t, golden, 1)

	out, err := e.Context(ctx, query.ContextRequest{Domain: "d", MaxTokens: 500})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "[golden]")

	_, err = e.Demote(ctx, id, "policy change")
	require.NoError(t, err)
	golden, err = e.GoldenRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, golden)
}

func TestPurgeDomainThroughEngine(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newTestEngine(t, nil)
	ctx := context.Background()

	res, err := e.Create(ctx, CreateRequest{Domain: "doomed", Rule: "r", Novelty: 1})
	require.NoError(t, err)
	_, err = e.RecordOutcome(ctx, res.HeuristicID, types.OutcomeValidated, "")
	require.NoError(t, err)

	purged, err := e.PurgeDomain(ctx, "doomed")
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged.Heuristics)

	list, err := e.QueryByDomain(ctx, "doomed", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMaintenanceStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Maintenance.Interval = "1h" // never fires during the test
	})

	e.StartMaintenance()
	e.StartMaintenance() // second start is a no-op

	require.NoError(t, e.Close())
	require.NoError(t, e.Close(), "close is safe to repeat")
}
