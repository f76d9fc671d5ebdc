// Package store implements the Persistence Pool (§4.A): a file-backed
// SQLite database shared by the host and every plugin, reached only
// through the physical names the SQL Gatekeeper authorizes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	"github.com/vtxmedia/vtx/internal/apperrors"
	"github.com/vtxmedia/vtx/internal/config"
	"github.com/vtxmedia/vtx/internal/logger"
)

// Pool wraps the shared bun.DB. SQLite serializes writers internally, so
// the pool caps open connections at one — following the single-writer,
// WAL-readers-concurrent discipline the gatekeeper_test wiring pattern in
// RomanQed-gqs/sql/helper_test.go demonstrates ("important for sqlite").
type Pool struct {
	db      *bun.DB
	acquire chan struct{}
}

// Open builds the DSN from cfg, applies the WAL/synchronous/foreign_keys
// pragmas §4.A requires, and runs the migration set before returning.
func Open(ctx context.Context, cfg config.Database) (*Pool, error) {
	dsn := buildDSN(cfg.Path)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStoreUnavailable, "opening database", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	db := bun.NewDB(sqlDB, sqlitedialect.New())

	p := &Pool{
		db:      db,
		acquire: make(chan struct{}, 1),
	}
	p.acquire <- struct{}{}

	if err := p.ping(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	logger.Store().Info().Str("path", cfg.Path).Msg("persistence pool ready")
	return p, nil
}

func buildDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Add("_pragma", "busy_timeout(5000)")
	return fmt.Sprintf("file:%s?%s", path, q.Encode())
}

func (p *Pool) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.db.PingContext(ctx); err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "pinging database", err)
	}
	return nil
}

// DB returns the shared bun.DB handle for callers that already hold an
// Acquire permit, or for migration-time access before the pool is shared.
func (p *Pool) DB() *bun.DB { return p.db }

// Acquire bounds concurrent access to the single writer connection,
// returning apperrors.CodeStoreUnavailable if ctx expires first. Release
// must be called exactly once for every successful Acquire.
func (p *Pool) Acquire(ctx context.Context) (*bun.DB, func(), error) {
	select {
	case <-p.acquire:
		return p.db, func() { p.acquire <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, nil, apperrors.StoreUnavailable(ctx.Err())
	}
}

// HealthCheck creates and drops a scratch table, mirroring the probe in
// original_source/src/storage/database.rs so a stuck WAL or locked file
// surfaces as a health failure rather than a silent hang.
func (p *Pool) HealthCheck(ctx context.Context) error {
	conn, release, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS vtx_health_probe (id INTEGER PRIMARY KEY)`); err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "health probe create", err)
	}
	if _, err := conn.ExecContext(ctx, `DROP TABLE vtx_health_probe`); err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "health probe drop", err)
	}
	return nil
}

// Close releases the underlying connection.
func (p *Pool) Close() error {
	return p.db.Close()
}
