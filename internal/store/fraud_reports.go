package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"heurist/internal/logging"
	"heurist/internal/types"
)

// FraudReport aggregates anomaly signals for one heuristic into a verdict.
type FraudReport struct {
	ID              int64
	PublicID        string
	HeuristicID     int64
	FraudScore      float64
	Classification  types.Classification
	LikelihoodRatio float64
	SignalCount     int
	ReviewedAt      *time.Time
	ReviewedBy      string
	ReviewOutcome   types.ReviewOutcome
	CreatedAt       time.Time
	Signals         []AnomalySignal
}

// AnomalySignal is one detector's finding about a heuristic.
type AnomalySignal struct {
	ID            int64
	FraudReportID int64
	HeuristicID   int64
	DetectorName  string
	Score         float64 // [0,1]
	Severity      types.Severity
	Reason        string
	Evidence      map[string]interface{}
}

// InsertFraudReport writes a report and its signals in one transaction.
func (s *Store) InsertFraudReport(r *FraudReport) (int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Store.InsertFraudReport")
	defer timer.Stop()

	if r.PublicID == "" {
		r.PublicID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin fraud report tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO fraud_reports (
			public_id, heuristic_id, fraud_score, classification,
			likelihood_ratio, signal_count, review_outcome
		) VALUES (?, ?, ?, ?, ?, ?, 'pending')
	`, r.PublicID, r.HeuristicID, r.FraudScore, r.Classification,
		r.LikelihoodRatio, len(r.Signals))
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to insert fraud report: %v", err)
		return 0, fmt.Errorf("failed to insert fraud report: %w", err)
	}

	reportID, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read fraud report id: %w", err)
	}

	for i := range r.Signals {
		sig := &r.Signals[i]
		evidenceJSON, err := json.Marshal(sig.Evidence)
		if err != nil {
			evidenceJSON = []byte("{}")
		}
		if _, err := tx.Exec(`
			INSERT INTO anomaly_signals (
				fraud_report_id, heuristic_id, detector_name, score, severity, reason, evidence
			) VALUES (?, ?, ?, ?, ?, ?, ?)
		`, reportID, r.HeuristicID, sig.DetectorName, sig.Score, sig.Severity,
			sig.Reason, string(evidenceJSON)); err != nil {
			return 0, fmt.Errorf("failed to insert anomaly signal: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit fraud report: %w", err)
	}

	r.ID = reportID
	r.SignalCount = len(r.Signals)
	logging.Fraud("Fraud report recorded: heuristic=%d score=%.2f classification=%s signals=%d",
		r.HeuristicID, r.FraudScore, r.Classification, len(r.Signals))
	return reportID, nil
}

// GetFraudReport fetches a report with its signals, by public ID.
func (s *Store) GetFraudReport(publicID string) (*FraudReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := s.scanReportRow(s.db.QueryRow(`
		SELECT id, public_id, heuristic_id, fraud_score, classification,
		       likelihood_ratio, signal_count, reviewed_at, reviewed_by,
		       review_outcome, created_at
		FROM fraud_reports WHERE public_id = ?`, publicID))
	if err != nil {
		return nil, err
	}

	if err := s.loadSignals(r); err != nil {
		return nil, err
	}
	return r, nil
}

// LatestFraudReport returns the most recent report for a heuristic, nil if none.
func (s *Store) LatestFraudReport(heuristicID int64) (*FraudReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := s.scanReportRow(s.db.QueryRow(`
		SELECT id, public_id, heuristic_id, fraud_score, classification,
		       likelihood_ratio, signal_count, reviewed_at, reviewed_by,
		       review_outcome, created_at
		FROM fraud_reports
		WHERE heuristic_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, heuristicID))
	if types.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadSignals(r); err != nil {
		return nil, err
	}
	return r, nil
}

// PendingFraudReports lists unreviewed reports, newest first.
func (s *Store) PendingFraudReports(limit int) ([]*FraudReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, public_id, heuristic_id, fraud_score, classification,
		       likelihood_ratio, signal_count, reviewed_at, reviewed_by,
		       review_outcome, created_at
		FROM fraud_reports
		WHERE review_outcome = 'pending'
		ORDER BY created_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending reports: %w", err)
	}
	defer rows.Close()

	var reports []*FraudReport
	for rows.Next() {
		r, err := s.scanReportRow(rows)
		if err != nil {
			continue
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// RecordReview stores a human verdict on a fraud report.
func (s *Store) RecordReview(publicID string, outcome types.ReviewOutcome, reviewer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE fraud_reports
		SET review_outcome = ?, reviewed_by = ?, reviewed_at = CURRENT_TIMESTAMP
		WHERE public_id = ?
	`, outcome, reviewer, publicID)
	if err != nil {
		return fmt.Errorf("failed to record review: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return types.Ef(types.KindNotFound, "store.RecordReview", "fraud report %s not found", publicID)
	}

	logging.Fraud("Fraud report %s reviewed: outcome=%s by=%s", publicID, outcome, reviewer)
	return nil
}

func (s *Store) scanReportRow(row rowScanner) (*FraudReport, error) {
	var r FraudReport
	var reviewedAt sql.NullTime
	var reviewedBy sql.NullString

	err := row.Scan(&r.ID, &r.PublicID, &r.HeuristicID, &r.FraudScore, &r.Classification,
		&r.LikelihoodRatio, &r.SignalCount, &reviewedAt, &reviewedBy,
		&r.ReviewOutcome, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Ef(types.KindNotFound, "store.FraudReport", "fraud report not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan fraud report: %w", err)
	}

	if reviewedAt.Valid {
		t := reviewedAt.Time
		r.ReviewedAt = &t
	}
	r.ReviewedBy = reviewedBy.String
	return &r, nil
}

func (s *Store) loadSignals(r *FraudReport) error {
	rows, err := s.db.Query(`
		SELECT id, fraud_report_id, heuristic_id, detector_name, score, severity, reason, evidence
		FROM anomaly_signals WHERE fraud_report_id = ?
		ORDER BY score DESC`, r.ID)
	if err != nil {
		return fmt.Errorf("failed to load signals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sig AnomalySignal
		var evidenceJSON string
		if err := rows.Scan(&sig.ID, &sig.FraudReportID, &sig.HeuristicID,
			&sig.DetectorName, &sig.Score, &sig.Severity, &sig.Reason, &evidenceJSON); err != nil {
			continue
		}
		if evidenceJSON != "" {
			_ = json.Unmarshal([]byte(evidenceJSON), &sig.Evidence)
		}
		r.Signals = append(r.Signals, sig)
	}
	return rows.Err()
}
