// Package capacity enforces per-domain heuristic limits. Each domain has a
// soft limit that healthy growth may exceed and a hard limit that nothing
// short of an explicit override may. Domains caught between the two run in
// an overflow state with a deadline, after which the weakest heuristics are
// evicted back under the soft limit.
package capacity

import (
	"time"

	"heurist/internal/config"
	"heurist/internal/logging"
	"heurist/internal/store"
	"heurist/internal/types"
)

// Controller owns domain admission, overflow bookkeeping, and health scores.
type Controller struct {
	store *store.Store
	cfg   config.CapacityConfig
	now   func() time.Time
}

// NewController builds a controller over the given store.
func NewController(s *store.Store, cfg config.CapacityConfig) *Controller {
	return &Controller{store: s, cfg: cfg, now: time.Now}
}

// SetClock overrides the controller's clock, for tests.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// EnsureDomain creates metadata for a domain with configured defaults.
func (c *Controller) EnsureDomain(domain string) (*store.DomainMetadata, error) {
	return c.store.EnsureDomain(domain, store.DomainMetadata{
		SoftLimit:               c.cfg.DefaultSoftLimit,
		HardLimit:               c.cfg.DefaultHardLimit,
		ExpansionMinConfidence:  c.cfg.ExpansionMinConfidence,
		ExpansionMinValidations: c.cfg.ExpansionMinValidations,
		ExpansionMinNovelty:     c.cfg.ExpansionMinNovelty,
		GracePeriodDays:         c.cfg.GracePeriodDays,
		MaxOverflowDays:         c.cfg.MaxOverflowDays,
	})
}

// Candidate is what the expansion gates judge: the confidence and validation
// history the learning loop claims for the incoming heuristic, plus its
// externally computed novelty score.
type Candidate struct {
	Confidence     float64
	TimesValidated int
	Novelty        float64
}

// Admit decides whether a new heuristic may enter the domain. At or below the
// soft limit admission is unconditional; the admission that crosses the limit
// is what tips the domain into overflow. While the domain is already
// overflowing the candidate itself must pass the expansion gates, once the
// grace window after entering overflow has elapsed. At the effective hard
// limit admission always fails.
func (c *Controller) Admit(domain string, cand Candidate) error {
	meta, err := c.EnsureDomain(domain)
	if err != nil {
		return err
	}

	count, err := c.store.ActiveCount(domain)
	if err != nil {
		return err
	}

	if count >= meta.EffectiveHardLimit() {
		return types.Ef(types.KindCapacityExceeded, "capacity.Admit",
			"domain %s at hard limit (%d/%d)", domain, count, meta.EffectiveHardLimit())
	}
	if count <= meta.SoftLimit {
		return nil
	}

	// Overflowing: a freshly overflowed domain gets a grace window to resolve
	// organically before admissions are clamped to proven candidates.
	if meta.OverflowEnteredAt != nil && meta.GracePeriodDays > 0 {
		graceEnd := meta.OverflowEnteredAt.AddDate(0, 0, meta.GracePeriodDays)
		if c.now().Before(graceEnd) {
			logging.Capacity("Grace admission in %s: count=%d soft=%d grace ends %s",
				domain, count, meta.SoftLimit, graceEnd.Format("2006-01-02"))
			return nil
		}
	}

	switch {
	case cand.Confidence < meta.ExpansionMinConfidence:
		return types.Ef(types.KindCapacityExceeded, "capacity.Admit",
			"domain %s overflowing and candidate confidence %.2f below expansion gate %.2f",
			domain, cand.Confidence, meta.ExpansionMinConfidence)
	case cand.TimesValidated < meta.ExpansionMinValidations:
		return types.Ef(types.KindCapacityExceeded, "capacity.Admit",
			"domain %s overflowing and candidate validations %d below expansion gate %d",
			domain, cand.TimesValidated, meta.ExpansionMinValidations)
	case cand.Novelty < meta.ExpansionMinNovelty:
		return types.Ef(types.KindCapacityExceeded, "capacity.Admit",
			"candidate novelty %.2f below expansion gate %.2f for domain %s",
			cand.Novelty, meta.ExpansionMinNovelty, domain)
	}

	logging.Capacity("Expansion admitted in %s: count=%d soft=%d novelty=%.2f",
		domain, count, meta.SoftLimit, cand.Novelty)
	return nil
}

// ApproveGolden gates promotion into the always-loaded golden tier. Golden
// rules share a domain budget capped at the soft limit; a CEO override on the
// domain waives the cap.
func (c *Controller) ApproveGolden(domain string) error {
	meta, err := c.EnsureDomain(domain)
	if err != nil {
		return err
	}
	if meta.CEOOverrideLimit != nil {
		return nil
	}

	golden, err := c.store.GoldenCount(domain)
	if err != nil {
		return err
	}
	if golden >= meta.SoftLimit {
		return types.Ef(types.KindCapacityExceeded, "capacity.ApproveGolden",
			"golden tier full in %s (%d/%d), engage a ceo override to promote more",
			domain, golden, meta.SoftLimit)
	}
	return nil
}

// RefreshState reconciles the overflow flag with the current population.
// Entering overflow stamps the deadline clock; leaving clears it.
func (c *Controller) RefreshState(domain string) (*store.DomainMetadata, error) {
	meta, err := c.store.GetDomain(domain)
	if err != nil {
		return nil, err
	}

	count, err := c.store.ActiveCount(domain)
	if err != nil {
		return nil, err
	}

	switch {
	case count > meta.SoftLimit && meta.State == types.DomainNormal:
		now := c.now().UTC()
		meta.State = types.DomainOverflow
		meta.OverflowEnteredAt = &now
		logging.Capacity("Domain %s entered overflow: count=%d soft=%d", domain, count, meta.SoftLimit)
	case count <= meta.SoftLimit && meta.State == types.DomainOverflow:
		meta.State = types.DomainNormal
		meta.OverflowEnteredAt = nil
		logging.Capacity("Domain %s left overflow: count=%d soft=%d", domain, count, meta.SoftLimit)
	default:
		return meta, nil
	}

	if err := c.store.UpdateDomain(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// ResolveOverflow forces a domain back under its soft limit once it has been
// overflowing past its deadline. Eviction demotes the weakest non-golden
// heuristics to dormant and records each one in the eviction log; nothing is
// deleted. Returns the number of heuristics evicted.
func (c *Controller) ResolveOverflow(domain string) (int, error) {
	meta, err := c.RefreshState(domain)
	if err != nil {
		return 0, err
	}
	if meta.State != types.DomainOverflow || meta.OverflowEnteredAt == nil {
		return 0, nil
	}

	deadline := meta.OverflowEnteredAt.AddDate(0, 0, meta.MaxOverflowDays)
	if c.now().Before(deadline) {
		return 0, nil
	}

	count, err := c.store.ActiveCount(domain)
	if err != nil {
		return 0, err
	}
	excess := count - meta.SoftLimit
	if excess <= 0 {
		return 0, nil
	}

	candidates, err := c.store.EvictionCandidates(domain, excess)
	if err != nil {
		return 0, err
	}

	evicted := 0
	for _, h := range candidates {
		h.Status = types.StatusDormant
		now := c.now().UTC()
		h.DormantSince = &now
		if err := c.store.UpdateHeuristic(h); err != nil {
			logging.Get(logging.CategoryCapacity).Error(
				"Failed to evict heuristic %d from %s: %v", h.ID, domain, err)
			continue
		}
		if err := c.store.RecordEviction(domain, h.ID, h.Confidence, "overflow deadline exceeded"); err != nil {
			logging.Get(logging.CategoryCapacity).Error(
				"Failed to log eviction of heuristic %d: %v", h.ID, err)
		}
		evicted++
	}

	if evicted > 0 {
		logging.Capacity("Domain %s overflow resolved: evicted=%d", domain, evicted)
		if _, err := c.RefreshState(domain); err != nil {
			return evicted, err
		}
	}
	return evicted, nil
}

// SetCEOOverride raises (or clears, with nil) a domain's hard limit.
func (c *Controller) SetCEOOverride(domain string, limit *int) error {
	meta, err := c.store.GetDomain(domain)
	if err != nil {
		return err
	}
	if limit != nil && *limit <= meta.HardLimit {
		return types.Ef(types.KindValidation, "capacity.SetCEOOverride",
			"override %d must exceed hard limit %d", *limit, meta.HardLimit)
	}

	meta.CEOOverrideLimit = limit
	if err := c.store.UpdateDomain(meta); err != nil {
		return err
	}
	if limit != nil {
		logging.Capacity("CEO override set on %s: hard limit %d -> %d", domain, meta.HardLimit, *limit)
	} else {
		logging.Capacity("CEO override cleared on %s", domain)
	}
	return nil
}

// RecomputeHealth refreshes a domain's health score. The score rewards
// confidence and validation ratio and penalizes overflow age and the
// violation rate; it is clamped to [0,1] so weights cannot push it out of
// range.
func (c *Controller) RecomputeHealth(domain string) (float64, error) {
	meta, err := c.store.GetDomain(domain)
	if err != nil {
		return 0, err
	}

	heuristics, err := c.store.ListByDomain(domain, true, 0)
	if err != nil {
		return 0, err
	}

	var confSum, validationRatio, violationRate float64
	var validated, violated int
	for _, h := range heuristics {
		confSum += h.Confidence
		validated += h.TimesValidated
		violated += h.TimesViolated
	}
	avgConf := 0.0
	if len(heuristics) > 0 {
		avgConf = confSum / float64(len(heuristics))
	}
	if total := validated + violated; total > 0 {
		validationRatio = float64(validated) / float64(total)
		violationRate = float64(violated) / float64(total)
	}

	overflowDays := 0.0
	if meta.State == types.DomainOverflow && meta.OverflowEnteredAt != nil {
		overflowDays = c.now().Sub(*meta.OverflowEnteredAt).Hours() / 24
	}

	w := c.cfg.Health
	score := w.ConfidenceWeight*avgConf +
		w.ValidationWeight*validationRatio -
		w.OverflowPenaltyPerDay*overflowDays -
		w.ViolationPenalty*violationRate
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	now := c.now().UTC()
	meta.AvgConfidence = avgConf
	meta.HealthScore = score
	meta.LastHealthCheck = &now
	if err := c.store.UpdateDomain(meta); err != nil {
		return score, err
	}
	return score, nil
}
