// Package lifecycle moves heuristics between active, dormant, and quarantined
// states and manages the golden flag layered on top of them. Quarantine takes
// precedence over every other transition: a quarantined heuristic can only
// leave through fraud review.
package lifecycle

import (
	"time"

	"heurist/internal/config"
	"heurist/internal/logging"
	"heurist/internal/store"
	"heurist/internal/types"
)

// GoldenApprover authorizes promotion into the golden tier. The capacity
// controller implements it; tests may substitute a stub.
type GoldenApprover interface {
	ApproveGolden(domain string) error
}

// Manager owns heuristic state transitions.
type Manager struct {
	store    *store.Store
	cfg      config.LifecycleConfig
	capacity GoldenApprover
	now      func() time.Time
}

// NewManager builds a lifecycle manager over the given store.
func NewManager(s *store.Store, cfg config.LifecycleConfig, capacity GoldenApprover) *Manager {
	return &Manager{store: s, cfg: cfg, capacity: capacity, now: time.Now}
}

// SetClock overrides the manager's clock, for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Promote marks a heuristic golden. The heuristic must be active, clear of
// quarantine, past the confidence and validation gates, and the capacity
// controller must approve room at the golden tier. Unless auto-promotion is
// configured, the caller must also pass approved=true to represent the
// external sign-off.
func (m *Manager) Promote(id int64, approved bool) (*store.Heuristic, error) {
	h, err := m.store.GetHeuristic(id)
	if err != nil {
		return nil, err
	}

	if h.IsQuarantined || h.Status == types.StatusQuarantined {
		return nil, types.Ef(types.KindQuarantined, "lifecycle.Promote",
			"heuristic %d is quarantined", id)
	}
	if h.Status != types.StatusActive {
		return nil, types.Ef(types.KindValidation, "lifecycle.Promote",
			"heuristic %d is %s, only active heuristics can go golden", id, h.Status)
	}
	if h.Confidence < m.cfg.GoldenConfidence {
		return nil, types.Ef(types.KindValidation, "lifecycle.Promote",
			"confidence %.2f below golden gate %.2f", h.Confidence, m.cfg.GoldenConfidence)
	}
	if h.TimesValidated < m.cfg.GoldenMinValidation {
		return nil, types.Ef(types.KindValidation, "lifecycle.Promote",
			"%d validations below golden gate %d", h.TimesValidated, m.cfg.GoldenMinValidation)
	}
	if !approved && !m.cfg.AutoPromote {
		return nil, types.Ef(types.KindValidation, "lifecycle.Promote",
			"golden promotion requires approval")
	}
	if h.IsGolden {
		return h, nil
	}
	if err := m.capacity.ApproveGolden(h.Domain); err != nil {
		return nil, err
	}

	h.IsGolden = true
	if err := m.store.UpdateHeuristic(h); err != nil {
		return nil, err
	}
	logging.Lifecycle("Heuristic %d promoted to golden: confidence=%.2f validations=%d",
		id, h.Confidence, h.TimesValidated)
	return h, nil
}

// Demote clears the golden flag. The heuristic stays active.
func (m *Manager) Demote(id int64, reason string) (*store.Heuristic, error) {
	h, err := m.store.GetHeuristic(id)
	if err != nil {
		return nil, err
	}
	if !h.IsGolden {
		return h, nil
	}

	h.IsGolden = false
	if err := m.store.UpdateHeuristic(h); err != nil {
		return nil, err
	}
	logging.Lifecycle("Heuristic %d demoted from golden: %s", id, reason)
	return h, nil
}

// SweepDormancy moves active non-golden heuristics unused past the dormancy
// threshold into the dormant state. Returns the number transitioned. The
// limit bounds work per sweep so a time-boxed maintenance pass stays cheap.
func (m *Manager) SweepDormancy(limit int) (int, error) {
	cutoff := m.now().Add(-m.cfg.GetDormancyThreshold())

	candidates, err := m.store.DormancyCandidates(cutoff, limit)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, h := range candidates {
		now := m.now().UTC()
		h.Status = types.StatusDormant
		h.DormantSince = &now
		if err := m.store.UpdateHeuristic(h); err != nil {
			if types.IsConcurrentUpdate(err) {
				continue // row moved under us; next sweep reconsiders it
			}
			return moved, err
		}
		moved++
	}

	if moved > 0 {
		logging.Lifecycle("Dormancy sweep: %d heuristics went dormant (cutoff %s)",
			moved, cutoff.UTC().Format(time.RFC3339))
	}
	return moved, nil
}

// Revive reactivates a dormant heuristic whose revival conditions match the
// query context. Confidence and history carry over untouched.
func (m *Manager) Revive(id int64, contextText string) (*store.Heuristic, error) {
	h, err := m.store.GetHeuristic(id)
	if err != nil {
		return nil, err
	}
	if h.IsQuarantined {
		return nil, types.Ef(types.KindQuarantined, "lifecycle.Revive",
			"heuristic %d is quarantined", id)
	}
	if h.Status != types.StatusDormant {
		return nil, types.Ef(types.KindValidation, "lifecycle.Revive",
			"heuristic %d is %s, not dormant", id, h.Status)
	}
	if !h.Revival.Matches(contextText, h.DormantSince, m.now()) {
		return nil, types.Ef(types.KindValidation, "lifecycle.Revive",
			"revival conditions not met for heuristic %d", id)
	}

	h.Status = types.StatusActive
	h.DormantSince = nil
	h.TimesRevived++
	h.LastUsedAt = m.now().UTC()
	if err := m.store.UpdateHeuristic(h); err != nil {
		return nil, err
	}
	logging.Lifecycle("Heuristic %d revived (revival #%d)", id, h.TimesRevived)
	return h, nil
}

// ReviveMatching revives every dormant heuristic in a domain whose conditions
// match the context. Returns the revived heuristics.
func (m *Manager) ReviveMatching(domain, contextText string) ([]*store.Heuristic, error) {
	dormant, err := m.store.DormantByDomain(domain)
	if err != nil {
		return nil, err
	}

	var revived []*store.Heuristic
	for _, h := range dormant {
		if !h.Revival.Matches(contextText, h.DormantSince, m.now()) {
			continue
		}
		r, err := m.Revive(h.ID, contextText)
		if err != nil {
			continue // raced with another transition, skip
		}
		revived = append(revived, r)
	}
	return revived, nil
}

// Quarantine forcibly isolates a heuristic. Golden status is revoked; it must
// be re-earned after review clears the heuristic.
func (m *Manager) Quarantine(id int64, reason string) (*store.Heuristic, error) {
	h, err := m.store.GetHeuristic(id)
	if err != nil {
		return nil, err
	}
	if h.IsQuarantined {
		return h, nil
	}

	h.Status = types.StatusQuarantined
	h.IsQuarantined = true
	h.IsGolden = false
	h.FraudFlags++
	if err := m.store.UpdateHeuristic(h); err != nil {
		return nil, err
	}
	logging.Lifecycle("Heuristic %d quarantined: %s", id, reason)
	return h, nil
}

// ReviewFraud applies a human verdict to a fraud report. A cleared verdict
// releases the heuristic back to active; golden is not restored. A confirmed
// verdict leaves the quarantine in place.
func (m *Manager) ReviewFraud(publicID string, outcome types.ReviewOutcome, reviewer string) (*store.Heuristic, error) {
	if outcome != types.ReviewCleared && outcome != types.ReviewConfirmed {
		return nil, types.Ef(types.KindValidation, "lifecycle.ReviewFraud",
			"invalid review outcome %q", outcome)
	}

	report, err := m.store.GetFraudReport(publicID)
	if err != nil {
		return nil, err
	}
	if err := m.store.RecordReview(publicID, outcome, reviewer); err != nil {
		return nil, err
	}

	h, err := m.store.GetHeuristic(report.HeuristicID)
	if err != nil {
		return nil, err
	}

	if outcome == types.ReviewCleared && h.IsQuarantined {
		h.Status = types.StatusActive
		h.IsQuarantined = false
		if err := m.store.UpdateHeuristic(h); err != nil {
			return nil, err
		}
		logging.Lifecycle("Heuristic %d released from quarantine by %s", h.ID, reviewer)
	} else if outcome == types.ReviewConfirmed {
		logging.Lifecycle("Fraud confirmed on heuristic %d by %s, quarantine upheld", h.ID, reviewer)
	}
	return h, nil
}
