package query

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heurist/internal/config"
	"heurist/internal/lifecycle"
	"heurist/internal/store"
	"heurist/internal/types"
)

type approveAll struct{}

func (approveAll) ApproveGolden(string) error { return nil }

func newTestFacade(t *testing.T) (*Facade, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	lm := lifecycle.NewManager(s, config.DefaultConfig().Lifecycle, approveAll{})
	return NewFacade(s, lm), s
}

func addHeuristic(t *testing.T, s *store.Store, domain, rule string, confidence float64, golden bool) int64 {
	t.Helper()
	id, err := s.CreateHeuristic(&store.Heuristic{Domain: domain, Rule: rule, Confidence: 0.5})
	require.NoError(t, err)
	h, err := s.GetHeuristic(id)
	require.NoError(t, err)
	h.Confidence = confidence
	h.ConfidenceEMA = confidence
	h.IsGolden = golden
	require.NoError(t, s.UpdateHeuristic(h))
	return id
}

func TestByDomain(t *testing.T) {
	f, s := newTestFacade(t)
	addHeuristic(t, s, "d", "strong", 0.9, false)
	addHeuristic(t, s, "d", "weak", 0.3, false)
	addHeuristic(t, s, "other", "elsewhere", 0.8, false)

	list, err := f.ByDomain(context.Background(), "d", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "strong", list[0].Rule)

	_, err = f.ByDomain(context.Background(), "", 10)
	assert.True(t, types.IsValidation(err))
}

func TestContextBudgetTruncatesWeakestFirst(t *testing.T) {
	f, s := newTestFacade(t)
	addHeuristic(t, s, "d", "first rule about caching behavior", 0.9, false)
	addHeuristic(t, s, "d", "second rule about retry budgets", 0.7, false)
	addHeuristic(t, s, "d", "third rule about lock ordering", 0.4, false)

	// Budget for roughly two rule lines.
	res, err := f.Context(context.Background(), ContextRequest{Domain: "d", MaxTokens: 30})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Included)
	assert.Equal(t, 1, res.Truncated)
	assert.Contains(t, res.Text, "first rule")
	assert.Contains(t, res.Text, "second rule")
	assert.NotContains(t, res.Text, "third rule", "lowest confidence is dropped first")
	assert.LessOrEqual(t, res.TokensUsed, 30)
}

func TestContextIncludesGoldenFirst(t *testing.T) {
	f, s := newTestFacade(t)
	addHeuristic(t, s, "d", "domain advice", 0.95, false)
	addHeuristic(t, s, "elsewhere", "golden advice", 0.91, true)

	res, err := f.Context(context.Background(), ContextRequest{Domain: "d", MaxTokens: 1000})
	require.NoError(t, err)
	goldenIdx := strings.Index(res.Text, "golden advice")
	domainIdx := strings.Index(res.Text, "domain advice")
	require.GreaterOrEqual(t, goldenIdx, 0)
	require.GreaterOrEqual(t, domainIdx, 0)
	assert.Less(t, goldenIdx, domainIdx, "golden rules lead even when lower confidence")
	assert.Contains(t, res.Text, "[golden]")
}

func TestContextExcludesQuarantined(t *testing.T) {
	f, s := newTestFacade(t)
	id := addHeuristic(t, s, "d", "tainted advice", 0.99, true)
	addHeuristic(t, s, "d", "honest advice", 0.6, false)

	h, err := s.GetHeuristic(id)
	require.NoError(t, err)
	h.Status = types.StatusQuarantined
	h.IsQuarantined = true
	h.IsGolden = false
	require.NoError(t, s.UpdateHeuristic(h))

	res, err := f.Context(context.Background(), ContextRequest{Domain: "d", MaxTokens: 1000})
	require.NoError(t, err)
	assert.NotContains(t, res.Text, "tainted advice")
	assert.Contains(t, res.Text, "honest advice")
}

func TestContextRevivesMatchingDormant(t *testing.T) {
	f, s := newTestFacade(t)
	id, err := s.CreateHeuristic(&store.Heuristic{
		Domain: "d", Rule: "flush caches on deploy", Confidence: 0.8,
		Revival: store.RevivalConditions{Keywords: []string{"deploy"}},
	})
	require.NoError(t, err)

	h, err := s.GetHeuristic(id)
	require.NoError(t, err)
	at := time.Now().Add(-time.Hour)
	h.Status = types.StatusDormant
	h.DormantSince = &at
	require.NoError(t, s.UpdateHeuristic(h))

	res, err := f.Context(context.Background(), ContextRequest{
		Domain: "d", QueryText: "preparing the deploy pipeline", MaxTokens: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Revived)
	assert.Contains(t, res.Text, "flush caches on deploy")
}

func TestContextIncludesSessionSummary(t *testing.T) {
	f, s := newTestFacade(t)
	addHeuristic(t, s, "d", "some rule", 0.8, false)

	res, err := f.Context(context.Background(), ContextRequest{
		Domain: "d", SessionSummary: "user is debugging a flaky test", MaxTokens: 1000,
	})
	require.NoError(t, err)
	assert.Contains(t, res.Text, "## Session")
	assert.Contains(t, res.Text, "flaky test")
}

func TestContextWithoutDomain(t *testing.T) {
	f, s := newTestFacade(t)
	addHeuristic(t, s, "a", "golden advice", 0.95, true)
	addHeuristic(t, s, "b", "local advice", 0.9, false)

	res, err := f.Context(context.Background(), ContextRequest{
		SessionSummary: "cross-domain planning session", MaxTokens: 1000,
	})
	require.NoError(t, err, "domain is optional")
	assert.Contains(t, res.Text, "golden advice")
	assert.Contains(t, res.Text, "cross-domain planning session")
	assert.NotContains(t, res.Text, "local advice",
		"without a domain only golden rules are loaded")
	assert.Equal(t, 1, res.Included)
	assert.Equal(t, 0, res.Revived)
}

func TestContextValidation(t *testing.T) {
	f, _ := newTestFacade(t)

	_, err := f.Context(context.Background(), ContextRequest{Domain: "d", MaxTokens: 0})
	assert.True(t, types.IsValidation(err))
}

func TestContextTouchesUsage(t *testing.T) {
	f, s := newTestFacade(t)
	id := addHeuristic(t, s, "d", "rule", 0.8, false)

	before, err := s.GetHeuristic(id)
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond) // CURRENT_TIMESTAMP has second resolution

	_, err = f.Context(context.Background(), ContextRequest{Domain: "d", MaxTokens: 1000})
	require.NoError(t, err)

	after, err := s.GetHeuristic(id)
	require.NoError(t, err)
	assert.True(t, after.LastUsedAt.After(before.LastUsedAt), "query refreshes last_used_at")
}
