package store

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/vtxmedia/vtx/internal/apperrors"
)

// migration is a single idempotent DDL step. Ordered application, never
// rewritten once shipped, mirrors original_source/src/storage/database.rs's
// migration runner.
type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "001_videos",
		sql: `CREATE TABLE IF NOT EXISTS videos (
			id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			canonical_uri TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	},
	{
		name: "002_videos_canonical_uri_unique",
		sql:  `CREATE UNIQUE INDEX IF NOT EXISTS idx_videos_canonical_uri ON videos(canonical_uri)`,
	},
	{
		name: "003_sys_plugin_versions",
		sql: `CREATE TABLE IF NOT EXISTS sys_plugin_versions (
			plugin_id TEXT PRIMARY KEY,
			applied_migrations_count INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	},
	{
		name: "004_sys_plugin_resources",
		sql: `CREATE TABLE IF NOT EXISTS sys_plugin_resources (
			plugin_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			physical_name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (plugin_id, kind, physical_name)
		)`,
	},
	{
		name: "005_sys_plugin_installations",
		sql: `CREATE TABLE IF NOT EXISTS sys_plugin_installations (
			plugin_id TEXT PRIMARY KEY,
			file_path TEXT NOT NULL,
			installed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	},
	{
		name: "006_sys_plugin_metadata",
		sql: `CREATE TABLE IF NOT EXISTS sys_plugin_metadata (
			plugin_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version TEXT NOT NULL
		)`,
	},
	{
		name: "007_sys_scan_roots",
		sql: `CREATE TABLE IF NOT EXISTS sys_scan_roots (
			uri TEXT PRIMARY KEY
		)`,
	},
	{
		name: "008_sys_jobs",
		sql: `CREATE TABLE IF NOT EXISTS sys_jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			payload_version INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'queued',
			progress INTEGER NOT NULL DEFAULT 0,
			result TEXT,
			error TEXT,
			retries INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			worker_id TEXT,
			lease_expires_at TIMESTAMP
		)`,
	},
	{
		name: "009_sys_jobs_status_idx",
		sql:  `CREATE INDEX IF NOT EXISTS idx_sys_jobs_status_type ON sys_jobs(status, type)`,
	},
	{
		name: "010_sys_jobs_lease_idx",
		sql:  `CREATE INDEX IF NOT EXISTS idx_sys_jobs_lease_expires ON sys_jobs(lease_expires_at)`,
	},
	{
		name: "011_schema_migrations",
		sql: `CREATE TABLE IF NOT EXISTS sys_schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	},
}

// runMigrations applies every step not already recorded in
// sys_schema_migrations, inside one transaction so startup either leaves the
// schema fully current or unchanged.
func runMigrations(ctx context.Context, db *bun.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "beginning migration transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migrations[len(migrations)-1].sql); err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "creating migrations ledger", err)
	}

	for _, m := range migrations {
		var count int
		row := tx.QueryRowContext(ctx, `SELECT count(*) FROM sys_schema_migrations WHERE name = ?`, m.name)
		if err := row.Scan(&count); err != nil {
			return apperrors.Wrap(apperrors.CodeStoreUnavailable, "checking migration "+m.name, err)
		}
		if count > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return apperrors.Wrap(apperrors.CodeStoreUnavailable, "applying migration "+m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO sys_schema_migrations (name) VALUES (?)`, m.name); err != nil {
			return apperrors.Wrap(apperrors.CodeStoreUnavailable, "recording migration "+m.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "committing migrations", err)
	}
	return nil
}
