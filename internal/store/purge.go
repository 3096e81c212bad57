package store

import (
	"fmt"

	"heurist/internal/logging"
	"heurist/internal/types"
)

// PurgeResult summarizes a destructive domain purge.
type PurgeResult struct {
	Domain          string
	Heuristics      int64
	FraudReports    int64
	AnomalySignals  int64
	Events          int64
	BaselineDeleted bool
}

// PurgeDomain physically deletes every row belonging to a domain. This is the
// only path in the engine that hard-deletes heuristics; it exists for cleaning
// up corrupted or test domain values and must never run as part of normal
// request handling. Every purge is logged at info level.
func (s *Store) PurgeDomain(domain string) (*PurgeResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Store.PurgeDomain")
	defer timer.Stop()

	if domain == "" {
		return nil, types.Ef(types.KindValidation, "store.PurgeDomain", "domain required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logging.Store("DESTRUCTIVE: purging domain %q", domain)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin purge tx: %w", err)
	}
	defer tx.Rollback()

	result := &PurgeResult{Domain: domain}

	res, err := tx.Exec(`
		DELETE FROM anomaly_signals WHERE heuristic_id IN
			(SELECT id FROM heuristics WHERE domain = ?)`, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to purge signals: %w", err)
	}
	result.AnomalySignals, _ = res.RowsAffected()

	res, err = tx.Exec(`
		DELETE FROM fraud_reports WHERE heuristic_id IN
			(SELECT id FROM heuristics WHERE domain = ?)`, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to purge fraud reports: %w", err)
	}
	result.FraudReports, _ = res.RowsAffected()

	res, err = tx.Exec(`
		DELETE FROM confidence_events WHERE heuristic_id IN
			(SELECT id FROM heuristics WHERE domain = ?)`, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to purge events: %w", err)
	}
	result.Events, _ = res.RowsAffected()

	res, err = tx.Exec("DELETE FROM heuristics WHERE domain = ?", domain)
	if err != nil {
		return nil, fmt.Errorf("failed to purge heuristics: %w", err)
	}
	result.Heuristics, _ = res.RowsAffected()

	res, err = tx.Exec("DELETE FROM domain_baselines WHERE domain = ?", domain)
	if err != nil {
		return nil, fmt.Errorf("failed to purge baseline: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		result.BaselineDeleted = true
	}

	if _, err := tx.Exec("DELETE FROM domain_metadata WHERE domain = ?", domain); err != nil {
		return nil, fmt.Errorf("failed to purge metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit purge: %w", err)
	}

	logging.Store("Domain %q purged: heuristics=%d reports=%d signals=%d events=%d",
		domain, result.Heuristics, result.FraudReports, result.AnomalySignals, result.Events)
	return result, nil
}
