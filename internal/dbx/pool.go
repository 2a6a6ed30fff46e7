package dbx

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ReadyPool is a lightweight pgxpool.Pool used only for cheap liveness
// checks (the /healthz handler) that
// should never contend with the sqlx pool domain queries run against.
type ReadyPool struct {
	pool *pgxpool.Pool
}

// OpenReadyPool parses dsn and opens a small pgx pool dedicated to health
// checks, mirroring the reference database.Connect's pool-tuning shape.
func OpenReadyPool(ctx context.Context, dsn string) (*ReadyPool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("dbx: failed to parse readiness pool config: %w", err)
	}
	cfg.MaxConns = 3
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("dbx: failed to create readiness pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("dbx: failed to ping database: %w", err)
	}
	return &ReadyPool{pool: pool}, nil
}

// Ping reports whether the database is currently reachable.
func (r *ReadyPool) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *ReadyPool) Close() {
	r.pool.Close()
}
