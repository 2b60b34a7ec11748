// Package identitydb persists agent identities and their reputation
// deltas durably in Postgres, complementing the bounded per-agent
// history in the hot-path internal/kv store. Adapted from the teacher's
// internal/db package: same pgxpool + golang-migrate wiring, repointed
// at the gateway's agents/reputation_deltas schema instead of
// jobs/executions.
package identitydb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool holds a shared pgx connection pool.
var Pool *pgxpool.Pool

// InitPool opens (or returns the existing) connection pool for dbURL.
// Safe to call multiple times; the first call wins.
func InitPool(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	if Pool != nil {
		return Pool, nil
	}
	if dbURL == "" {
		return nil, fmt.Errorf("identitydb: DATABASE_URL is required")
	}

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("identitydb: parse config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 0
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("identitydb: new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := p.Ping(pingCtx); err != nil {
		p.Close()
		return nil, fmt.Errorf("identitydb: ping: %w", err)
	}

	Pool = p
	return Pool, nil
}

// ClosePool closes the shared pool, if open, and clears the package
// singleton so a later InitPool can reopen it (used by tests).
func ClosePool() {
	if Pool != nil {
		Pool.Close()
		Pool = nil
	}
}
