package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UsageStore tracks per-tenant daily request counts. Increments go through
// the increment_usage database function so the upsert is atomic.
type UsageStore struct {
	pool *pgxpool.Pool
}

func NewUsageStore(pool *pgxpool.Pool) *UsageStore {
	return &UsageStore{pool: pool}
}

// Count returns the requests recorded for a tenant on the given UTC day
// (YYYY-MM-DD). A missing row counts as zero.
func (s *UsageStore) Count(ctx context.Context, tenantKey, day string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count FROM usage_counters WHERE tenant_key = $1 AND day = $2::date`,
		tenantKey, day,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: count usage: %w", err)
	}
	return count, nil
}

// Increment bumps the tenant's counter for the day and returns nothing; the
// new value is only needed by the next Count.
func (s *UsageStore) Increment(ctx context.Context, tenantKey, day string) error {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT increment_usage($1, $2::date)`, tenantKey, day,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("store: increment usage: %w", err)
	}
	return nil
}
