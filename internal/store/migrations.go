// Schema migration support for existing heurist databases. Versioned,
// additive-only: new columns are bolted onto existing tables, never dropped.
package store

import (
	"database/sql"
	"fmt"

	"heurist/internal/logging"
)

// Schema versions:
// v1: Core tables (heuristics, domain_metadata, fraud_reports, anomaly_signals)
// v2: Added domain_baselines and confidence_events journal
// v3: Added row_version optimistic concurrency column and eviction_log
const CurrentSchemaVersion = 3

// Migration defines an additive column migration.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists column additions for databases created before the
// column existed. Tables absent from a DB are skipped quietly.
var pendingMigrations = []Migration{
	{"heuristics", "times_contradicted", "INTEGER NOT NULL DEFAULT 0"},
	{"heuristics", "project_path", "TEXT DEFAULT ''"},
	{"heuristics", "row_version", "INTEGER NOT NULL DEFAULT 0"},
	{"domain_metadata", "ceo_override_limit", "INTEGER"},
	{"domain_metadata", "grace_period_days", "INTEGER NOT NULL DEFAULT 3"},
	{"fraud_reports", "likelihood_ratio", "REAL NOT NULL DEFAULT 1.0"},
}

// RunMigrations applies pending column migrations and records the schema version.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	logging.Store("Running schema migrations (%d pending)", len(pendingMigrations))

	appliedCount := 0
	skippedCount := 0

	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			skippedCount++
			continue
		}

		if !columnExists(db, m.Table, m.Column) {
			query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
			logging.StoreDebug("Executing migration: %s", query)

			if _, err := db.Exec(query); err != nil {
				logging.Get(logging.CategoryStore).Warn("Migration failed (may already exist): %s.%s: %v", m.Table, m.Column, err)
				skippedCount++
			} else {
				logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
				appliedCount++
			}
		} else {
			skippedCount++
		}
	}

	if GetSchemaVersion(db) < CurrentSchemaVersion {
		if err := SetSchemaVersion(db, CurrentSchemaVersion); err != nil {
			return err
		}
	}

	logging.Store("Schema migrations complete: applied=%d, skipped=%d", appliedCount, skippedCount)
	return nil
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	query := fmt.Sprintf("PRAGMA table_info(%s)", table)
	rows, err := db.Query(query)
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var count int
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if err := db.QueryRow(query, table).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// GetSchemaVersion returns the recorded schema version, 0 if untracked.
func GetSchemaVersion(db *sql.DB) int {
	if !tableExists(db, "schema_versions") {
		return 0
	}
	var version int
	query := "SELECT version FROM schema_versions ORDER BY applied_at DESC, id DESC LIMIT 1"
	if err := db.QueryRow(query).Scan(&version); err != nil {
		return 0
	}
	return version
}

// SetSchemaVersion records a new schema version in the database.
func SetSchemaVersion(db *sql.DB, version int) error {
	createTable := `
		CREATE TABLE IF NOT EXISTS schema_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			description TEXT
		)
	`
	if _, err := db.Exec(createTable); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create schema_versions table: %v", err)
		return fmt.Errorf("failed to create schema_versions table: %w", err)
	}

	desc := fmt.Sprintf("Migrated to schema version %d", version)
	_, err := db.Exec(
		"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
		version, desc,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to record schema version %d: %v", version, err)
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	logging.Store("Schema version set to %d", version)
	return nil
}
