// Package store implements persistence for the heurist knowledge engine.
// Heuristics, domain metadata, baselines, fraud reports and the event journal
// live in a single SQLite database. Writes to one heuristic row are serialized
// through optimistic row versioning; see UpdateHeuristic.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"heurist/internal/logging"
)

// Store is the SQLite-backed repository for all engine state.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Open creates or opens the heurist database at dbPath.
// Creates the schema if it doesn't exist and applies pending migrations.
func Open(dbPath string, busyTimeout time.Duration) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	if dbPath == "" {
		return nil, fmt.Errorf("database path required")
	}

	logging.Store("Opening heurist store at: %s", dbPath)

	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on",
		dbPath, busyTimeout.Milliseconds())
	if dbPath == ":memory:" {
		// WAL is meaningless in memory; keep foreign keys on.
		dsn = ":memory:?_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database: %v", err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		logging.Get(logging.CategoryStore).Error("Failed to ping database: %v", err)
		return nil, fmt.Errorf("failed to verify database connection: %w", err)
	}

	// A single connection keeps in-memory databases coherent and sidesteps
	// SQLITE_BUSY between the write path and sweeps.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: dbPath}

	if err := s.initializeSchema(); err != nil {
		db.Close()
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logging.Store("Heurist store ready")
	return s, nil
}

// initializeSchema creates all tables if missing.
func (s *Store) initializeSchema() error {
	timer := logging.StartTimer(logging.CategoryStore, "Store.initializeSchema")
	defer timer.Stop()

	logging.StoreDebug("Initializing heurist schema")

	schema := `
	CREATE TABLE IF NOT EXISTS heuristics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain TEXT NOT NULL,
		rule TEXT NOT NULL,
		explanation TEXT DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0.5,
		confidence_ema REAL NOT NULL DEFAULT 0.5,
		ema_alpha REAL NOT NULL DEFAULT 1.0,
		ema_warmup_remaining INTEGER NOT NULL DEFAULT 10,
		last_ema_update DATETIME,
		times_validated INTEGER NOT NULL DEFAULT 0,
		times_violated INTEGER NOT NULL DEFAULT 0,
		times_contradicted INTEGER NOT NULL DEFAULT 0,
		is_golden INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		dormant_since DATETIME,
		revival_conditions TEXT DEFAULT '{}',
		times_revived INTEGER NOT NULL DEFAULT 0,
		fraud_flags INTEGER NOT NULL DEFAULT 0,
		is_quarantined INTEGER NOT NULL DEFAULT 0,
		last_fraud_check DATETIME,
		update_count_today INTEGER NOT NULL DEFAULT 0,
		update_count_reset_date TEXT NOT NULL DEFAULT '',
		last_used_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		project_path TEXT DEFAULT '',
		row_version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(domain, rule)
	);
	CREATE INDEX IF NOT EXISTS idx_heuristics_domain ON heuristics(domain);
	CREATE INDEX IF NOT EXISTS idx_heuristics_confidence ON heuristics(confidence);
	CREATE INDEX IF NOT EXISTS idx_heuristics_status ON heuristics(status, is_quarantined);
	CREATE INDEX IF NOT EXISTS idx_heuristics_golden ON heuristics(is_golden);

	CREATE TABLE IF NOT EXISTS domain_metadata (
		domain TEXT PRIMARY KEY,
		soft_limit INTEGER NOT NULL,
		hard_limit INTEGER NOT NULL,
		ceo_override_limit INTEGER,
		state TEXT NOT NULL DEFAULT 'normal',
		overflow_entered_at DATETIME,
		expansion_min_confidence REAL NOT NULL DEFAULT 0.7,
		expansion_min_validations INTEGER NOT NULL DEFAULT 5,
		expansion_min_novelty REAL NOT NULL DEFAULT 0.6,
		grace_period_days INTEGER NOT NULL DEFAULT 3,
		max_overflow_days INTEGER NOT NULL DEFAULT 7,
		avg_confidence REAL NOT NULL DEFAULT 0,
		health_score REAL NOT NULL DEFAULT 1.0,
		last_health_check DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS domain_baselines (
		domain TEXT PRIMARY KEY,
		success_rate_avg REAL NOT NULL DEFAULT 0,
		success_rate_std REAL NOT NULL DEFAULT 0,
		update_freq_avg REAL NOT NULL DEFAULT 0,
		update_freq_std REAL NOT NULL DEFAULT 0,
		sample_count INTEGER NOT NULL DEFAULT 0,
		last_updated DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS fraud_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		public_id TEXT NOT NULL UNIQUE,
		heuristic_id INTEGER NOT NULL REFERENCES heuristics(id),
		fraud_score REAL NOT NULL,
		classification TEXT NOT NULL,
		likelihood_ratio REAL NOT NULL DEFAULT 1.0,
		signal_count INTEGER NOT NULL DEFAULT 0,
		reviewed_at DATETIME,
		reviewed_by TEXT DEFAULT '',
		review_outcome TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_fraud_heuristic ON fraud_reports(heuristic_id);

	CREATE TABLE IF NOT EXISTS anomaly_signals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fraud_report_id INTEGER NOT NULL REFERENCES fraud_reports(id),
		heuristic_id INTEGER NOT NULL,
		detector_name TEXT NOT NULL,
		score REAL NOT NULL,
		severity TEXT NOT NULL,
		reason TEXT DEFAULT '',
		evidence TEXT DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_signals_report ON anomaly_signals(fraud_report_id);

	CREATE TABLE IF NOT EXISTS confidence_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		heuristic_id INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		prior_confidence REAL NOT NULL,
		new_confidence REAL NOT NULL,
		evidence TEXT DEFAULT '',
		request_id TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_heuristic ON confidence_events(heuristic_id, created_at);

	CREATE TABLE IF NOT EXISTS eviction_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain TEXT NOT NULL,
		heuristic_id INTEGER NOT NULL,
		confidence REAL NOT NULL,
		reason TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	logging.StoreDebug("Heurist schema initialized")
	return nil
}

// DB exposes the underlying handle for components that compose queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Stats returns row counts and aggregates for diagnostics.
func (s *Store) Stats() (map[string]interface{}, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Store.Stats")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]interface{})

	for _, table := range []string{
		"heuristics", "domain_metadata", "domain_baselines",
		"fraud_reports", "anomaly_signals", "confidence_events", "eviction_log",
	} {
		var count int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err == nil {
			stats[table] = count
		}
	}

	var golden, quarantined, dormant int64
	s.db.QueryRow("SELECT COUNT(*) FROM heuristics WHERE is_golden = 1").Scan(&golden)
	s.db.QueryRow("SELECT COUNT(*) FROM heuristics WHERE is_quarantined = 1").Scan(&quarantined)
	s.db.QueryRow("SELECT COUNT(*) FROM heuristics WHERE status = 'dormant'").Scan(&dormant)
	stats["golden"] = golden
	stats["quarantined"] = quarantined
	stats["dormant"] = dormant

	var avgConfidence float64
	if err := s.db.QueryRow("SELECT COALESCE(AVG(confidence), 0) FROM heuristics WHERE is_quarantined = 0").Scan(&avgConfidence); err == nil {
		stats["avg_confidence"] = avgConfidence
	}

	stats["db_path"] = s.dbPath

	logging.StoreDebug("Store stats: golden=%d, quarantined=%d, dormant=%d", golden, quarantined, dormant)
	return stats, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.Store("Closing heurist store")

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to close database: %v", err)
			return err
		}
		s.db = nil
	}

	return nil
}
