// Package dbx is the identity core's persistence layer: a sqlx.DB over
// lib/pq for transactional domain queries, plus a pgxpool-backed readiness
// pool for cheap liveness checks, mirroring the reference codebase's split
// between its controlplane/persistence.Store and its pgxpool-based
// database.Connect helper.
package dbx

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store wraps the primary transactional connection pool used by every
// domain package (pats, sessionstore, oauthclients, teams, xsts).
type Store struct {
	db *sqlx.DB
}

// NewStore opens the database, tunes the pool, verifies connectivity, and
// applies any migration not yet recorded in schema_migrations.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbx: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dbx: failed to connect to database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle to domain packages (pats,
// sessionstore, oauthclients, teams, xsts) that live outside this package
// but need direct SelectContext/GetContext/ExecContext access.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// NewStoreFromDB wraps an already-open handle as a Store, skipping
// NewStore's dial/ping/migrate steps. Exported for tests that drive a
// domain package's queries against a mocked *sqlx.DB.
func NewStoreFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// WithTx runs fn inside a transaction, committing on a nil return and
// rolling back otherwise — the shape every multi-statement operation in
// this core (token minting, ownership transfer, batcher flush) builds on.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbx: failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbx: failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`); err != nil {
		return fmt.Errorf("dbx: failed to create schema_migrations table: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("dbx: failed to read embedded migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		applied, err := s.migrationApplied(ctx, name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		contents, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("dbx: failed to read migration %s: %w", name, err)
		}

		stmt := strings.TrimSpace(string(contents))
		if err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
			if stmt != "" {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("dbx: migration %s failed: %w", name, err)
				}
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, NOW())`, name); err != nil {
				return fmt.Errorf("dbx: failed to record migration %s: %w", name, err)
			}
			return nil
		}); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) migrationApplied(ctx context.Context, version string) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(1) FROM schema_migrations WHERE version = $1`, version); err != nil {
		return false, fmt.Errorf("dbx: failed to check migration %s: %w", version, err)
	}
	return count > 0, nil
}

// IsUniqueViolation reports whether err is a Postgres unique-violation
// (23505), optionally scoped to a named constraint. An empty constraint
// matches any unique violation.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return constraint == "" || pqErr.Constraint == constraint
	}
	return false
}
