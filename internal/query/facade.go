// Package query is the read surface: domain listings, golden rules, and
// assembled prompt context under a token budget. Queries are read-mostly but
// have two side effects: matching dormant heuristics are revived, and
// included heuristics get their usage timestamp touched.
package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"heurist/internal/lifecycle"
	"heurist/internal/logging"
	"heurist/internal/store"
	"heurist/internal/types"
)

// charsPerToken is the rough byte-per-token ratio used for budgeting.
// Same estimate everywhere keeps truncation deterministic.
const charsPerToken = 4

// defaultTimeout bounds a single query when the caller's context has no
// earlier deadline.
const defaultTimeout = 2 * time.Second

// Facade exposes the read operations.
type Facade struct {
	store     *store.Store
	lifecycle *lifecycle.Manager
}

// NewFacade builds the query facade.
func NewFacade(s *store.Store, lm *lifecycle.Manager) *Facade {
	return &Facade{store: s, lifecycle: lm}
}

// ByDomain lists active, non-quarantined heuristics in a domain, highest
// confidence first. Quarantined heuristics never appear in query results.
func (f *Facade) ByDomain(ctx context.Context, domain string, limit int) ([]*store.Heuristic, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	if domain == "" {
		return nil, types.Ef(types.KindValidation, "query.ByDomain", "domain required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.store.ListByDomain(domain, true, limit)
}

// GoldenRules lists golden heuristics across all domains.
func (f *Facade) GoldenRules(ctx context.Context) ([]*store.Heuristic, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.store.GoldenRules()
}

// ContextRequest asks for an assembled prompt context. Domain is optional;
// without one the context carries golden rules and the session summary only.
type ContextRequest struct {
	Domain         string
	QueryText      string // matched against revival conditions
	SessionSummary string // caller-provided, always included first
	MaxTokens      int
}

// ContextResult is the assembled context plus accounting for the caller.
type ContextResult struct {
	Text       string
	TokensUsed int
	Included   int // heuristics that made the budget
	Truncated  int // heuristics dropped for budget
	Revived    int // dormant heuristics woken by this query
}

// Context assembles prompt context for a domain: the session summary, golden
// rules, then domain heuristics, highest confidence first until the token
// budget runs out. Dropping from the low-confidence end means a tight budget
// degrades the weakest guidance first. Matching dormant heuristics are
// revived before assembly so they can compete for the budget. With no domain
// the context is golden rules plus the session summary.
func (f *Facade) Context(ctx context.Context, req ContextRequest) (*ContextResult, error) {
	timer := logging.StartTimer(logging.CategoryQuery, "Facade.Context")
	defer timer.StopWithThreshold(100 * time.Millisecond)

	ctx, cancel := withDeadline(ctx)
	defer cancel()

	if req.MaxTokens <= 0 {
		return nil, types.Ef(types.KindValidation, "query.Context",
			"max tokens must be positive, got %d", req.MaxTokens)
	}

	var revived []*store.Heuristic
	if req.Domain != "" {
		var err error
		revived, err = f.lifecycle.ReviveMatching(req.Domain, req.QueryText)
		if err != nil {
			logging.Get(logging.CategoryQuery).Warn("Revival pass failed for %s: %v", req.Domain, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	golden, err := f.store.GoldenRules()
	if err != nil {
		return nil, err
	}
	var domain []*store.Heuristic
	if req.Domain != "" {
		domain, err = f.store.ListByDomain(req.Domain, true, 0)
		if err != nil {
			return nil, err
		}
	}

	// Golden rules outrank domain heuristics at equal confidence; within each
	// group confidence decides. Duplicates (golden rules of this domain) are
	// kept once.
	seen := make(map[int64]bool, len(golden))
	ranked := make([]*store.Heuristic, 0, len(golden)+len(domain))
	for _, h := range golden {
		seen[h.ID] = true
		ranked = append(ranked, h)
	}
	for _, h := range domain {
		if !seen[h.ID] {
			ranked = append(ranked, h)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].IsGolden != ranked[j].IsGolden {
			return ranked[i].IsGolden
		}
		return ranked[i].Confidence > ranked[j].Confidence
	})

	var b strings.Builder
	budget := req.MaxTokens
	if req.SessionSummary != "" {
		b.WriteString("## Session\n")
		b.WriteString(req.SessionSummary)
		b.WriteString("\n\n")
		budget -= estimateTokens(b.String())
	}

	result := &ContextResult{Revived: len(revived)}
	b.WriteString("## Heuristics\n")
	budget -= estimateTokens("## Heuristics\n")

	for _, h := range ranked {
		line := renderLine(h)
		cost := estimateTokens(line)
		if cost > budget {
			result.Truncated = len(ranked) - result.Included
			break
		}
		b.WriteString(line)
		budget -= cost
		result.Included++

		if err := f.store.TouchUsage(h.ID); err != nil {
			logging.Get(logging.CategoryQuery).Warn("Failed to touch heuristic %d: %v", h.ID, err)
		}
	}

	result.Text = b.String()
	result.TokensUsed = estimateTokens(result.Text)
	logging.Query("Context built for %s: included=%d truncated=%d revived=%d tokens=%d",
		req.Domain, result.Included, result.Truncated, result.Revived, result.TokensUsed)
	return result, nil
}

func renderLine(h *store.Heuristic) string {
	marker := ""
	if h.IsGolden {
		marker = " [golden]"
	}
	if h.Explanation != "" {
		return fmt.Sprintf("- (%.2f)%s %s: %s\n", h.Confidence, marker, h.Rule, h.Explanation)
	}
	return fmt.Sprintf("- (%.2f)%s %s\n", h.Confidence, marker, h.Rule)
}

func estimateTokens(s string) int {
	return (len(s) + charsPerToken - 1) / charsPerToken
}

func withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultTimeout)
}
