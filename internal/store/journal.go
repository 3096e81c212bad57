package store

import (
	"fmt"
	"time"

	"heurist/internal/logging"
	"heurist/internal/types"
)

// ConfidenceEvent is one accepted validation/violation in the journal.
type ConfidenceEvent struct {
	ID              int64
	HeuristicID     int64
	Outcome         types.Outcome
	PriorConfidence float64
	NewConfidence   float64
	Evidence        string
	RequestID       string
	CreatedAt       time.Time
}

// RecordEvent appends an accepted outcome to the journal.
func (s *Store) RecordEvent(e *ConfidenceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO confidence_events (
			heuristic_id, outcome, prior_confidence, new_confidence, evidence, request_id
		) VALUES (?, ?, ?, ?, ?, ?)
	`, e.HeuristicID, e.Outcome, e.PriorConfidence, e.NewConfidence, e.Evidence, e.RequestID)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to record confidence event: %v", err)
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// RecentEvents returns journal entries for a heuristic since the given time,
// newest first.
func (s *Store) RecentEvents(heuristicID int64, since time.Time, limit int) ([]ConfidenceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, heuristic_id, outcome, prior_confidence, new_confidence,
		       evidence, request_id, created_at
		FROM confidence_events
		WHERE heuristic_id = ? AND created_at >= ?
		ORDER BY created_at DESC, id DESC`
	args := []interface{}{heuristicID, since}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []ConfidenceEvent
	for rows.Next() {
		var e ConfidenceEvent
		if err := rows.Scan(&e.ID, &e.HeuristicID, &e.Outcome, &e.PriorConfidence,
			&e.NewConfidence, &e.Evidence, &e.RequestID, &e.CreatedAt); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEventsSince counts journal entries for a heuristic since the given time.
func (s *Store) CountEventsSince(heuristicID int64, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM confidence_events
		WHERE heuristic_id = ? AND created_at >= ?
	`, heuristicID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// RecordEviction logs a forced eviction for audit.
func (s *Store) RecordEviction(domain string, heuristicID int64, confidence float64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO eviction_log (domain, heuristic_id, confidence, reason)
		VALUES (?, ?, ?, ?)
	`, domain, heuristicID, confidence, reason)
	if err != nil {
		return fmt.Errorf("failed to record eviction: %w", err)
	}

	logging.Capacity("Eviction logged: domain=%s heuristic=%d confidence=%.2f reason=%s",
		domain, heuristicID, confidence, reason)
	return nil
}
