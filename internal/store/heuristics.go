package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"heurist/internal/logging"
	"heurist/internal/types"
)

// Heuristic is a learned rule with a confidence score scoped to a domain.
type Heuristic struct {
	ID                 int64
	Domain             string
	Rule               string
	Explanation        string
	Confidence         float64 // always in [0,1]
	ConfidenceEMA      float64
	EMAAlpha           float64
	EMAWarmupRemaining int
	LastEMAUpdate      *time.Time
	TimesValidated     int
	TimesViolated      int
	TimesContradicted  int
	IsGolden           bool
	Status             types.Status
	DormantSince       *time.Time
	Revival            RevivalConditions
	TimesRevived       int
	FraudFlags         int
	IsQuarantined      bool
	LastFraudCheck     *time.Time
	UpdateCountToday   int
	UpdateResetDate    string // UTC day of last counter reset, YYYY-MM-DD
	LastUsedAt         time.Time
	ProjectPath        string // empty = global scope
	RowVersion         int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Applications returns the total number of recorded outcomes.
func (h *Heuristic) Applications() int {
	return h.TimesValidated + h.TimesViolated
}

// SuccessRate returns validated/(validated+violated), 0 with no history.
func (h *Heuristic) SuccessRate() float64 {
	apps := h.Applications()
	if apps == 0 {
		return 0
	}
	return float64(h.TimesValidated) / float64(apps)
}

// RevivalConditions is the stored predicate a dormant heuristic must satisfy
// to be revived by a matching query.
type RevivalConditions struct {
	// Keywords that must appear in the query context (any match suffices).
	Keywords []string `json:"keywords,omitempty"`
	// Minimum time dormant before revival is allowed.
	MinDormancy string `json:"min_dormancy,omitempty"`
}

// Matches evaluates the predicate against a query context.
func (rc RevivalConditions) Matches(contextText string, dormantSince *time.Time, now time.Time) bool {
	if rc.MinDormancy != "" && dormantSince != nil {
		if d, err := time.ParseDuration(rc.MinDormancy); err == nil {
			if now.Sub(*dormantSince) < d {
				return false
			}
		}
	}
	if len(rc.Keywords) == 0 {
		return true
	}
	lower := strings.ToLower(contextText)
	for _, kw := range rc.Keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

const heuristicColumns = `
	id, domain, rule, explanation,
	confidence, confidence_ema, ema_alpha, ema_warmup_remaining, last_ema_update,
	times_validated, times_violated, times_contradicted,
	is_golden, status, dormant_since, revival_conditions, times_revived,
	fraud_flags, is_quarantined, last_fraud_check,
	update_count_today, update_count_reset_date, last_used_at,
	project_path, row_version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHeuristic(row rowScanner) (*Heuristic, error) {
	var h Heuristic
	var explanation, revival, projectPath, resetDate sql.NullString
	var lastEMA, dormantSince, lastFraudCheck, lastUsed sql.NullTime

	err := row.Scan(
		&h.ID, &h.Domain, &h.Rule, &explanation,
		&h.Confidence, &h.ConfidenceEMA, &h.EMAAlpha, &h.EMAWarmupRemaining, &lastEMA,
		&h.TimesValidated, &h.TimesViolated, &h.TimesContradicted,
		&h.IsGolden, &h.Status, &dormantSince, &revival, &h.TimesRevived,
		&h.FraudFlags, &h.IsQuarantined, &lastFraudCheck,
		&h.UpdateCountToday, &resetDate, &lastUsed,
		&projectPath, &h.RowVersion, &h.CreatedAt, &h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	h.Explanation = explanation.String
	h.ProjectPath = projectPath.String
	h.UpdateResetDate = resetDate.String
	if lastEMA.Valid {
		t := lastEMA.Time
		h.LastEMAUpdate = &t
	}
	if dormantSince.Valid {
		t := dormantSince.Time
		h.DormantSince = &t
	}
	if lastFraudCheck.Valid {
		t := lastFraudCheck.Time
		h.LastFraudCheck = &t
	}
	if lastUsed.Valid {
		h.LastUsedAt = lastUsed.Time
	}
	if revival.Valid && revival.String != "" {
		if err := json.Unmarshal([]byte(revival.String), &h.Revival); err != nil {
			logging.Get(logging.CategoryStore).Warn("Bad revival_conditions for heuristic %d: %v", h.ID, err)
		}
	}

	return &h, nil
}

// CreateHeuristic inserts a new heuristic with seed state.
// The learning loop is the only caller; new rows are always active.
func (s *Store) CreateHeuristic(h *Heuristic) (int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Store.CreateHeuristic")
	defer timer.Stop()

	if h.Domain == "" {
		return 0, types.Ef(types.KindValidation, "store.CreateHeuristic", "domain required")
	}
	if h.Rule == "" {
		return 0, types.Ef(types.KindValidation, "store.CreateHeuristic", "rule text required")
	}
	if h.Confidence < 0 || h.Confidence > 1 {
		return 0, types.Ef(types.KindValidation, "store.CreateHeuristic",
			"confidence %.4f out of range [0,1]", h.Confidence)
	}

	revivalJSON, err := json.Marshal(h.Revival)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal revival conditions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Creating heuristic: domain=%s confidence=%.2f", h.Domain, h.Confidence)

	result, err := s.db.Exec(`
		INSERT INTO heuristics (
			domain, rule, explanation, confidence, confidence_ema,
			ema_alpha, ema_warmup_remaining, status, revival_conditions,
			update_count_reset_date, project_path, last_used_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 'active', ?, ?, ?, CURRENT_TIMESTAMP)
	`, h.Domain, h.Rule, h.Explanation, h.Confidence, h.Confidence,
		1.0, h.EMAWarmupRemaining, string(revivalJSON),
		time.Now().UTC().Format("2006-01-02"), h.ProjectPath)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to insert heuristic: %v", err)
		return 0, fmt.Errorf("failed to insert heuristic: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read heuristic id: %w", err)
	}

	logging.Store("Heuristic created: id=%d domain=%s", id, h.Domain)
	return id, nil
}

// GetHeuristic fetches a heuristic by id.
func (s *Store) GetHeuristic(id int64) (*Heuristic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT"+heuristicColumns+" FROM heuristics WHERE id = ?", id)
	h, err := scanHeuristic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Ef(types.KindNotFound, "store.GetHeuristic", "heuristic %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan heuristic %d: %w", id, err)
	}
	return h, nil
}

// UpdateHeuristic writes all mutable fields behind an optimistic version
// check. Returns a ConcurrentUpdate error if another writer advanced the row
// since h was read; callers retry with a fresh read up to a bounded count.
func (s *Store) UpdateHeuristic(h *Heuristic) error {
	if h.Confidence < 0 || h.Confidence > 1 {
		return types.Ef(types.KindValidation, "store.UpdateHeuristic",
			"confidence %.4f out of range [0,1]", h.Confidence)
	}

	revivalJSON, err := json.Marshal(h.Revival)
	if err != nil {
		return fmt.Errorf("failed to marshal revival conditions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE heuristics SET
			explanation = ?,
			confidence = ?, confidence_ema = ?, ema_alpha = ?, ema_warmup_remaining = ?,
			last_ema_update = ?,
			times_validated = ?, times_violated = ?, times_contradicted = ?,
			is_golden = ?, status = ?, dormant_since = ?, revival_conditions = ?,
			times_revived = ?, fraud_flags = ?, is_quarantined = ?, last_fraud_check = ?,
			update_count_today = ?, update_count_reset_date = ?, last_used_at = ?,
			row_version = row_version + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND row_version = ?
	`,
		h.Explanation,
		h.Confidence, h.ConfidenceEMA, h.EMAAlpha, h.EMAWarmupRemaining,
		nullTime(h.LastEMAUpdate),
		h.TimesValidated, h.TimesViolated, h.TimesContradicted,
		h.IsGolden, h.Status, nullTime(h.DormantSince), string(revivalJSON),
		h.TimesRevived, h.FraudFlags, h.IsQuarantined, nullTime(h.LastFraudCheck),
		h.UpdateCountToday, h.UpdateResetDate, h.LastUsedAt,
		h.ID, h.RowVersion,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to update heuristic %d: %v", h.ID, err)
		return fmt.Errorf("failed to update heuristic %d: %w", h.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		logging.StoreDebug("Version conflict on heuristic %d (version %d)", h.ID, h.RowVersion)
		return types.Ef(types.KindConcurrentUpdate, "store.UpdateHeuristic",
			"heuristic %d modified concurrently", h.ID)
	}

	h.RowVersion++
	return nil
}

// ListByDomain returns heuristics in a domain. When activeOnly is set, the
// result is restricted to active (incl. golden), non-quarantined rows ordered
// by confidence then recency.
func (s *Store) ListByDomain(domain string, activeOnly bool, limit int) ([]*Heuristic, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Store.ListByDomain")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT" + heuristicColumns + " FROM heuristics WHERE domain = ?"
	if activeOnly {
		query += " AND status = 'active' AND is_quarantined = 0"
	}
	query += " ORDER BY confidence DESC, last_used_at DESC"
	args := []interface{}{domain}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query domain %s: %w", domain, err)
	}
	defer rows.Close()

	var result []*Heuristic
	for rows.Next() {
		h, err := scanHeuristic(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to scan heuristic row: %v", err)
			continue
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

// GoldenRules returns all golden, non-quarantined heuristics across domains.
func (s *Store) GoldenRules() ([]*Heuristic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT" + heuristicColumns + `
		FROM heuristics
		WHERE is_golden = 1 AND is_quarantined = 0
		ORDER BY confidence DESC, domain ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query golden rules: %w", err)
	}
	defer rows.Close()

	var result []*Heuristic
	for rows.Next() {
		h, err := scanHeuristic(rows)
		if err != nil {
			continue
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

// ActiveCount counts active (incl. golden) non-quarantined heuristics in a domain.
func (s *Store) ActiveCount(domain string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM heuristics
		WHERE domain = ? AND status = 'active' AND is_quarantined = 0
	`, domain).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count domain %s: %w", domain, err)
	}
	return count, nil
}

// GoldenCount counts golden non-quarantined heuristics in a domain.
func (s *Store) GoldenCount(domain string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM heuristics
		WHERE domain = ? AND is_golden = 1 AND is_quarantined = 0
	`, domain).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count golden rules in %s: %w", domain, err)
	}
	return count, nil
}

// DormancyCandidates returns active, non-golden heuristics unused since cutoff.
func (s *Store) DormancyCandidates(cutoff time.Time, limit int) ([]*Heuristic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT"+heuristicColumns+`
		FROM heuristics
		WHERE status = 'active' AND is_golden = 0 AND is_quarantined = 0
		  AND last_used_at < ?
		ORDER BY last_used_at ASC
		LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dormancy candidates: %w", err)
	}
	defer rows.Close()

	var result []*Heuristic
	for rows.Next() {
		h, err := scanHeuristic(rows)
		if err != nil {
			continue
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

// DormantByDomain returns dormant heuristics in a domain for revival checks.
func (s *Store) DormantByDomain(domain string) ([]*Heuristic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT"+heuristicColumns+`
		FROM heuristics
		WHERE domain = ? AND status = 'dormant' AND is_quarantined = 0
		ORDER BY confidence DESC`, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to query dormant heuristics: %w", err)
	}
	defer rows.Close()

	var result []*Heuristic
	for rows.Next() {
		h, err := scanHeuristic(rows)
		if err != nil {
			continue
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

// EvictionCandidates returns non-golden active heuristics in eviction order:
// lowest confidence first, then least recently used, then oldest.
func (s *Store) EvictionCandidates(domain string, limit int) ([]*Heuristic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT"+heuristicColumns+`
		FROM heuristics
		WHERE domain = ? AND status = 'active' AND is_golden = 0 AND is_quarantined = 0
		ORDER BY confidence ASC, last_used_at ASC, created_at ASC
		LIMIT ?`, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query eviction candidates: %w", err)
	}
	defer rows.Close()

	var result []*Heuristic
	for rows.Next() {
		h, err := scanHeuristic(rows)
		if err != nil {
			continue
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

// TouchUsage bumps last_used_at without disturbing the version counter used
// by the confidence write path.
func (s *Store) TouchUsage(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE heuristics SET last_used_at = CURRENT_TIMESTAMP WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to touch heuristic %d: %w", id, err)
	}
	return nil
}

// DecayStaleConfidence reduces confidence of heuristics unused since cutoff.
// Implements "forgetting": rules not reinforced fade toward dormancy, but are
// never deleted here.
func (s *Store) DecayStaleConfidence(factor float64, cutoff time.Time) (int, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Store.DecayStaleConfidence")
	defer timer.Stop()

	if factor <= 0 || factor >= 1 {
		factor = 0.95
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logging.Store("Decaying stale confidence (factor=%.2f, cutoff=%s)", factor, cutoff.Format(time.RFC3339))

	result, err := s.db.Exec(`
		UPDATE heuristics
		SET confidence = confidence * ?,
		    confidence_ema = confidence_ema * ?,
		    row_version = row_version + 1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE last_used_at < ? AND is_golden = 0 AND is_quarantined = 0
	`, factor, factor, cutoff)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to decay confidence: %v", err)
		return 0, fmt.Errorf("failed to decay confidence: %w", err)
	}

	affected, _ := result.RowsAffected()
	logging.StoreDebug("Decayed confidence on %d heuristics", affected)
	return int(affected), nil
}

// Domains returns every domain present in the heuristics table.
func (s *Store) Domains() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT DISTINCT domain FROM heuristics ORDER BY domain")
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			continue
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
