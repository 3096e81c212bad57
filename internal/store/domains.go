package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"heurist/internal/logging"
	"heurist/internal/types"
)

// DomainMetadata tracks per-domain capacity and health bookkeeping.
type DomainMetadata struct {
	Domain                  string
	SoftLimit               int
	HardLimit               int
	CEOOverrideLimit        *int // optional raise of the hard limit
	State                   types.DomainState
	OverflowEnteredAt       *time.Time
	ExpansionMinConfidence  float64
	ExpansionMinValidations int
	ExpansionMinNovelty     float64
	GracePeriodDays         int
	MaxOverflowDays         int
	AvgConfidence           float64
	HealthScore             float64
	LastHealthCheck         *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// EffectiveHardLimit returns the CEO override when set, else the hard limit.
func (m *DomainMetadata) EffectiveHardLimit() int {
	if m.CEOOverrideLimit != nil && *m.CEOOverrideLimit > m.HardLimit {
		return *m.CEOOverrideLimit
	}
	return m.HardLimit
}

// DomainBaseline is the reference distribution for anomaly z-scores.
type DomainBaseline struct {
	Domain         string
	SuccessRateAvg float64
	SuccessRateStd float64
	UpdateFreqAvg  float64 // updates per day
	UpdateFreqStd  float64
	SampleCount    int
	LastUpdated    time.Time
}

const domainColumns = `
	domain, soft_limit, hard_limit, ceo_override_limit, state, overflow_entered_at,
	expansion_min_confidence, expansion_min_validations, expansion_min_novelty,
	grace_period_days, max_overflow_days, avg_confidence, health_score,
	last_health_check, created_at, updated_at`

func scanDomain(row rowScanner) (*DomainMetadata, error) {
	var m DomainMetadata
	var ceoOverride sql.NullInt64
	var overflowAt, healthAt sql.NullTime

	err := row.Scan(
		&m.Domain, &m.SoftLimit, &m.HardLimit, &ceoOverride, &m.State, &overflowAt,
		&m.ExpansionMinConfidence, &m.ExpansionMinValidations, &m.ExpansionMinNovelty,
		&m.GracePeriodDays, &m.MaxOverflowDays, &m.AvgConfidence, &m.HealthScore,
		&healthAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if ceoOverride.Valid {
		v := int(ceoOverride.Int64)
		m.CEOOverrideLimit = &v
	}
	if overflowAt.Valid {
		t := overflowAt.Time
		m.OverflowEnteredAt = &t
	}
	if healthAt.Valid {
		t := healthAt.Time
		m.LastHealthCheck = &t
	}

	return &m, nil
}

// EnsureDomain creates domain metadata with the given defaults if absent and
// returns the current row either way.
func (s *Store) EnsureDomain(domain string, defaults DomainMetadata) (*DomainMetadata, error) {
	if domain == "" {
		return nil, types.Ef(types.KindValidation, "store.EnsureDomain", "domain required")
	}

	s.mu.Lock()
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO domain_metadata (
			domain, soft_limit, hard_limit,
			expansion_min_confidence, expansion_min_validations, expansion_min_novelty,
			grace_period_days, max_overflow_days
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, domain, defaults.SoftLimit, defaults.HardLimit,
		defaults.ExpansionMinConfidence, defaults.ExpansionMinValidations, defaults.ExpansionMinNovelty,
		defaults.GracePeriodDays, defaults.MaxOverflowDays)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to ensure domain %s: %w", domain, err)
	}

	return s.GetDomain(domain)
}

// GetDomain fetches domain metadata.
func (s *Store) GetDomain(domain string) (*DomainMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT"+domainColumns+" FROM domain_metadata WHERE domain = ?", domain)
	m, err := scanDomain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Ef(types.KindNotFound, "store.GetDomain", "unknown domain %q", domain)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan domain %s: %w", domain, err)
	}
	return m, nil
}

// UpdateDomain persists mutable domain metadata fields.
func (s *Store) UpdateDomain(m *DomainMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ceoOverride interface{}
	if m.CEOOverrideLimit != nil {
		ceoOverride = *m.CEOOverrideLimit
	}

	_, err := s.db.Exec(`
		UPDATE domain_metadata SET
			soft_limit = ?, hard_limit = ?, ceo_override_limit = ?,
			state = ?, overflow_entered_at = ?,
			expansion_min_confidence = ?, expansion_min_validations = ?, expansion_min_novelty = ?,
			grace_period_days = ?, max_overflow_days = ?,
			avg_confidence = ?, health_score = ?, last_health_check = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE domain = ?
	`, m.SoftLimit, m.HardLimit, ceoOverride,
		m.State, nullTime(m.OverflowEnteredAt),
		m.ExpansionMinConfidence, m.ExpansionMinValidations, m.ExpansionMinNovelty,
		m.GracePeriodDays, m.MaxOverflowDays,
		m.AvgConfidence, m.HealthScore, nullTime(m.LastHealthCheck),
		m.Domain)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to update domain %s: %v", m.Domain, err)
		return fmt.Errorf("failed to update domain %s: %w", m.Domain, err)
	}
	return nil
}

// ListDomainMetadata returns metadata for all known domains.
func (s *Store) ListDomainMetadata() ([]*DomainMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT" + domainColumns + " FROM domain_metadata ORDER BY domain")
	if err != nil {
		return nil, fmt.Errorf("failed to list domain metadata: %w", err)
	}
	defer rows.Close()

	var result []*DomainMetadata
	for rows.Next() {
		m, err := scanDomain(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to scan domain row: %v", err)
			continue
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// GetBaseline fetches the anomaly baseline for a domain. A missing baseline
// is not an error: detectors degrade to no-ops without one.
func (s *Store) GetBaseline(domain string) (*DomainBaseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b DomainBaseline
	err := s.db.QueryRow(`
		SELECT domain, success_rate_avg, success_rate_std, update_freq_avg,
		       update_freq_std, sample_count, last_updated
		FROM domain_baselines WHERE domain = ?
	`, domain).Scan(&b.Domain, &b.SuccessRateAvg, &b.SuccessRateStd,
		&b.UpdateFreqAvg, &b.UpdateFreqStd, &b.SampleCount, &b.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline for %s: %w", domain, err)
	}
	return &b, nil
}

// UpsertBaseline writes the anomaly baseline for a domain.
func (s *Store) UpsertBaseline(b *DomainBaseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO domain_baselines (
			domain, success_rate_avg, success_rate_std,
			update_freq_avg, update_freq_std, sample_count, last_updated
		) VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(domain) DO UPDATE SET
			success_rate_avg = excluded.success_rate_avg,
			success_rate_std = excluded.success_rate_std,
			update_freq_avg = excluded.update_freq_avg,
			update_freq_std = excluded.update_freq_std,
			sample_count = excluded.sample_count,
			last_updated = CURRENT_TIMESTAMP
	`, b.Domain, b.SuccessRateAvg, b.SuccessRateStd,
		b.UpdateFreqAvg, b.UpdateFreqStd, b.SampleCount)
	if err != nil {
		return fmt.Errorf("failed to upsert baseline for %s: %w", b.Domain, err)
	}

	logging.StoreDebug("Baseline updated: domain=%s samples=%d", b.Domain, b.SampleCount)
	return nil
}

// RecomputeBaseline derives the baseline distribution from the domain's
// current non-quarantined population and recent journal activity.
func (s *Store) RecomputeBaseline(domain string, window time.Duration) (*DomainBaseline, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Store.RecomputeBaseline")
	defer timer.Stop()

	heuristics, err := s.ListByDomain(domain, false, 0)
	if err != nil {
		return nil, err
	}

	b := &DomainBaseline{Domain: domain}
	if len(heuristics) == 0 {
		return b, s.UpsertBaseline(b)
	}

	// Success-rate distribution over heuristics with history.
	var rates []float64
	for _, h := range heuristics {
		if h.IsQuarantined || h.Applications() == 0 {
			continue
		}
		rates = append(rates, h.SuccessRate())
	}
	b.SuccessRateAvg, b.SuccessRateStd = meanStd(rates)

	// Update-frequency distribution from the journal window.
	since := time.Now().UTC().Add(-window)
	days := window.Hours() / 24
	if days <= 0 {
		days = 1
	}
	var freqs []float64
	for _, h := range heuristics {
		if h.IsQuarantined {
			continue
		}
		n, err := s.CountEventsSince(h.ID, since)
		if err != nil {
			continue
		}
		freqs = append(freqs, float64(n)/days)
	}
	b.UpdateFreqAvg, b.UpdateFreqStd = meanStd(freqs)
	b.SampleCount = len(rates)

	if err := s.UpsertBaseline(b); err != nil {
		return nil, err
	}
	return b, nil
}

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		std += (v - mean) * (v - mean)
	}
	std /= float64(len(values))
	return mean, math.Sqrt(std)
}
