// Package engine composes the store, estimator, fraud pipeline, capacity
// controller, lifecycle manager, and query facade behind one entry point.
// Every mutating operation returns an ActionResult carrying a request ID so
// outcomes can be traced across the log categories and the event journal.
package engine

import (
	"context"
	"fmt"
	"time"

	"heurist/internal/capacity"
	"heurist/internal/confidence"
	"heurist/internal/config"
	"heurist/internal/fraud"
	"heurist/internal/lifecycle"
	"heurist/internal/logging"
	"heurist/internal/query"
	"heurist/internal/store"
	"heurist/internal/types"
)

// Engine is the top-level heurist instance.
type Engine struct {
	cfg       *config.Config
	store     *store.Store
	estimator *confidence.Estimator
	pipeline  *fraud.Pipeline
	capacity  *capacity.Controller
	lifecycle *lifecycle.Manager
	query     *query.Facade

	maintenance *maintenanceWorker
}

// New opens the store and wires all components. Call Close when done.
func New(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.DatabasePath, cfg.GetBusyTimeout())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	scanner := fraud.NewScanner(st, cfg.Fraud, cfg.Store.UpdateRetries)
	cc := capacity.NewController(st, cfg.Capacity)
	lm := lifecycle.NewManager(st, cfg.Lifecycle, cc)

	e := &Engine{
		cfg:       cfg,
		store:     st,
		estimator: confidence.NewEstimator(st, cfg.Confidence, cfg.Store.UpdateRetries),
		pipeline:  fraud.NewPipeline(scanner, cfg.Fraud),
		capacity:  cc,
		lifecycle: lm,
		query:     query.NewFacade(st, lm),
	}
	e.maintenance = newMaintenanceWorker(e)

	logging.Boot("Engine ready: db=%s", st.Path())
	return e, nil
}

// CreateRequest describes a new heuristic to learn.
type CreateRequest struct {
	Domain      string
	Rule        string
	Explanation string
	Revival     store.RevivalConditions
	ProjectPath string
	// Novelty in [0,1]; gated against expansion_min_novelty while the domain
	// is overflowing.
	Novelty float64
	// History the learning loop claims for the candidate, judged by the
	// expansion gates during overflow. The stored row still starts from seed
	// confidence; local validation history is earned here.
	PriorConfidence  float64
	PriorValidations int
}

// Create learns a new heuristic if the domain has room for it.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*types.ActionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cand := capacity.Candidate{
		Confidence:     req.PriorConfidence,
		TimesValidated: req.PriorValidations,
		Novelty:        req.Novelty,
	}
	if cand.Confidence == 0 {
		cand.Confidence = e.cfg.Confidence.SeedConfidence
	}
	if err := e.capacity.Admit(req.Domain, cand); err != nil {
		return nil, err
	}

	h := &store.Heuristic{
		Domain:             req.Domain,
		Rule:               req.Rule,
		Explanation:        req.Explanation,
		Confidence:         e.cfg.Confidence.SeedConfidence,
		Revival:            req.Revival,
		ProjectPath:        req.ProjectPath,
		EMAWarmupRemaining: e.cfg.Confidence.MinApplications,
	}
	id, err := e.store.CreateHeuristic(h)
	if err != nil {
		return nil, err
	}
	if _, err := e.capacity.RefreshState(req.Domain); err != nil {
		logging.Get(logging.CategoryCapacity).Warn("State refresh failed for %s: %v", req.Domain, err)
	}

	res := types.NewActionResult(id)
	res.Applied = true
	res.Confidence = h.Confidence
	res.Message = fmt.Sprintf("heuristic created in %s", req.Domain)
	return res, nil
}

// RecordOutcome applies a validation or violation to a heuristic and queues
// an async fraud scan. The scan result lands later; callers that need it
// synchronously use Flush.
func (e *Engine) RecordOutcome(ctx context.Context, id int64, outcome types.Outcome, evidence string) (*types.ActionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := types.NewActionResult(id)
	h, err := e.estimator.Record(id, outcome, evidence, res.RequestID)
	if err != nil {
		return nil, err
	}

	if err := e.pipeline.Enqueue(id); err != nil {
		// A full scan queue delays detection, not the accepted update.
		logging.Get(logging.CategoryFraud).Warn("Scan enqueue failed for heuristic %d: %v", id, err)
	}

	res.Applied = true
	res.Confidence = h.Confidence
	res.Message = string(outcome)
	return res, nil
}

// Flush blocks until all queued fraud scans have completed.
func (e *Engine) Flush(ctx context.Context) error {
	return e.pipeline.Flush(ctx)
}

// Promote marks a heuristic golden, subject to the lifecycle gates.
func (e *Engine) Promote(ctx context.Context, id int64, approved bool) (*types.ActionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := e.lifecycle.Promote(id, approved)
	if err != nil {
		return nil, err
	}
	res := types.NewActionResult(id)
	res.Applied = true
	res.Confidence = h.Confidence
	res.Message = "promoted to golden"
	return res, nil
}

// Demote clears a heuristic's golden flag.
func (e *Engine) Demote(ctx context.Context, id int64, reason string) (*types.ActionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := e.lifecycle.Demote(id, reason)
	if err != nil {
		return nil, err
	}
	res := types.NewActionResult(id)
	res.Applied = true
	res.Confidence = h.Confidence
	res.Message = "demoted from golden"
	return res, nil
}

// Quarantine isolates a heuristic outside the automatic fraud path.
func (e *Engine) Quarantine(ctx context.Context, id int64, reason string) (*types.ActionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := e.lifecycle.Quarantine(id, reason); err != nil {
		return nil, err
	}
	res := types.NewActionResult(id)
	res.Applied = true
	res.Message = "quarantined: " + reason
	return res, nil
}

// ReviewFraud applies a human verdict to a pending fraud report.
func (e *Engine) ReviewFraud(ctx context.Context, publicID string, outcome types.ReviewOutcome, reviewer string) (*types.ActionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := e.lifecycle.ReviewFraud(publicID, outcome, reviewer)
	if err != nil {
		return nil, err
	}
	res := types.NewActionResult(h.ID)
	res.Applied = true
	res.Confidence = h.Confidence
	res.Message = "review recorded: " + string(outcome)
	return res, nil
}

// PendingReviews lists fraud reports awaiting a verdict.
func (e *Engine) PendingReviews(limit int) ([]*store.FraudReport, error) {
	return e.store.PendingFraudReports(limit)
}

// QueryByDomain lists active heuristics in a domain, best first.
func (e *Engine) QueryByDomain(ctx context.Context, domain string, limit int) ([]*store.Heuristic, error) {
	return e.query.ByDomain(ctx, domain, limit)
}

// GoldenRules lists golden heuristics across all domains.
func (e *Engine) GoldenRules(ctx context.Context) ([]*store.Heuristic, error) {
	return e.query.GoldenRules(ctx)
}

// Context assembles prompt context under a token budget.
func (e *Engine) Context(ctx context.Context, req query.ContextRequest) (*query.ContextResult, error) {
	return e.query.Context(ctx, req)
}

// SetCEOOverride raises or clears a domain's hard limit.
func (e *Engine) SetCEOOverride(domain string, limit *int) error {
	return e.capacity.SetCEOOverride(domain, limit)
}

// Stats reports row counts, schema version, and domain health.
func (e *Engine) Stats() (map[string]interface{}, error) {
	stats, err := e.store.Stats()
	if err != nil {
		return nil, err
	}

	domains, err := e.store.ListDomainMetadata()
	if err != nil {
		return stats, err
	}
	health := make(map[string]interface{}, len(domains))
	for _, d := range domains {
		health[d.Domain] = map[string]interface{}{
			"state":        string(d.State),
			"health_score": d.HealthScore,
			"soft_limit":   d.SoftLimit,
			"hard_limit":   d.EffectiveHardLimit(),
		}
	}
	stats["domains"] = health
	return stats, nil
}

// PurgeDomain permanently deletes a domain and everything attached to it.
// There is no undo; automatic maintenance never calls this.
func (e *Engine) PurgeDomain(ctx context.Context, domain string) (*store.PurgeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.pipeline.Flush(ctx); err != nil {
		return nil, err
	}
	return e.store.PurgeDomain(domain)
}

// StartMaintenance launches the periodic sweep worker.
func (e *Engine) StartMaintenance() {
	e.maintenance.start()
}

// RunSweep runs one maintenance pass immediately, bounded by the sweep budget.
func (e *Engine) RunSweep(ctx context.Context) (*SweepReport, error) {
	return e.maintenance.sweep(ctx)
}

// Close stops background work and closes the store.
func (e *Engine) Close() error {
	e.maintenance.stop()
	e.pipeline.Stop()
	return e.store.Close()
}

// waitBudget derives the sweep's bounded context.
func waitBudget(ctx context.Context, budget time.Duration) (context.Context, context.CancelFunc) {
	if budget <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, budget)
}
