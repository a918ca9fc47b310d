package storage

import (
	"database/sql"
	"fmt"
)

// Migration represents a database schema migration.
type Migration struct {
	Version int
	Name    string
	Up      func(*sql.Tx) error
}

// allMigrations defines all migrations in order.
var allMigrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Up:      migration001InitialSchema,
	},
	{
		Version: 2,
		Name:    "add_jobs_table",
		Up:      migration002AddJobsTable,
	},
	{
		Version: 3,
		Name:    "add_audit_and_rejections",
		Up:      migration003AddAuditAndRejections,
	},
}

// runMigrations executes all pending migrations.
func (s *Storage) runMigrations() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range allMigrations {
		if applied[migration.Version] {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", migration.Version, err)
		}

		if err := migration.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", migration.Version, migration.Name, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			migration.Version, migration.Name,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

func (s *Storage) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	return err
}

func (s *Storage) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func migration001InitialSchema(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE transactions (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			transaction_date TIMESTAMP NOT NULL,
			posted_date TIMESTAMP,
			description TEXT NOT NULL DEFAULT '',
			merchant_name TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			location_json TEXT,
			user_id TEXT NOT NULL DEFAULT '',
			account_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'unmatched',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX idx_transactions_org_date ON transactions(org_id, transaction_date)`,
		`CREATE TABLE receipts (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			total_amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			receipt_date TIMESTAMP NOT NULL,
			merchant_name TEXT NOT NULL DEFAULT '',
			merchant_id TEXT NOT NULL DEFAULT '',
			location_json TEXT,
			uploader_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			fields_json TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX idx_receipts_org_date ON receipts(org_id, receipt_date)`,
		`CREATE TABLE matches (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			receipt_id TEXT NOT NULL,
			type TEXT NOT NULL,
			confidence REAL NOT NULL,
			criteria_json TEXT NOT NULL DEFAULT '{}',
			active INTEGER NOT NULL DEFAULT 0,
			matched_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			version INTEGER NOT NULL DEFAULT 1
		)`,
		// The at-most-one-active-match invariant, enforced by the engine
		// and backstopped by the database.
		`CREATE UNIQUE INDEX idx_matches_one_active
			ON matches(transaction_id) WHERE active = 1`,
		`CREATE INDEX idx_matches_pair ON matches(transaction_id, receipt_id)`,
		`CREATE INDEX idx_matches_receipt ON matches(receipt_id)`,
		`CREATE TABLE matching_configs (
			org_id TEXT PRIMARY KEY,
			amount_tolerance_percent REAL NOT NULL,
			amount_tolerance_fixed TEXT NOT NULL,
			date_window_days INTEGER NOT NULL,
			merchant_similarity_min REAL NOT NULL,
			location_radius_km REAL NOT NULL,
			auto_match_threshold REAL NOT NULL,
			suggest_threshold REAL NOT NULL,
			weights_json TEXT NOT NULL,
			max_candidates INTEGER NOT NULL,
			learning_enabled INTEGER NOT NULL DEFAULT 1,
			version INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE merchant_mappings (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			canonical_name TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL,
			verified INTEGER NOT NULL DEFAULT 0,
			usage_count INTEGER NOT NULL DEFAULT 0,
			last_used_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE mapping_variants (
			mapping_id TEXT NOT NULL,
			org_id TEXT NOT NULL,
			variant TEXT NOT NULL,
			PRIMARY KEY (org_id, variant)
		)`,
		`CREATE TABLE learning_feedback (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			match_id TEXT NOT NULL,
			was_correct INTEGER NOT NULL,
			correction_transaction_id TEXT,
			correction_receipt_id TEXT,
			submitted_by TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX idx_feedback_org_created ON learning_feedback(org_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func migration002AddJobsTable(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE match_jobs (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			scope_json TEXT NOT NULL DEFAULT '{}',
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			total INTEGER NOT NULL DEFAULT 0,
			processed INTEGER NOT NULL DEFAULT 0,
			auto_matched INTEGER NOT NULL DEFAULT 0,
			suggested INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			errored INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			progress_at TIMESTAMP
		)`,
		`CREATE INDEX idx_jobs_org_created ON match_jobs(org_id, created_at)`,
		`CREATE INDEX idx_jobs_status ON match_jobs(status)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func migration003AddAuditAndRejections(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE match_rejections (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			receipt_id TEXT NOT NULL,
			original_confidence REAL NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			corrected_receipt_id TEXT,
			rejected_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX idx_rejections_pair ON match_rejections(transaction_id, receipt_id)`,
		`CREATE TABLE match_audit_log (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			action TEXT NOT NULL,
			prev_receipt_id TEXT,
			new_receipt_id TEXT,
			performed_by TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX idx_audit_transaction ON match_audit_log(transaction_id)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
