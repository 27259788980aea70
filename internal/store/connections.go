// Package store persists connection configurations and usage counters in
// Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkhubhq/linkhub/internal/channel"
	"github.com/linkhubhq/linkhub/internal/message"
)

// ErrNotFound is returned when no connection exists for the given id.
var ErrNotFound = errors.New("connection not found")

// ConnectionStore is the Postgres-backed store of connection configs.
type ConnectionStore struct {
	pool *pgxpool.Pool
}

func NewConnectionStore(pool *pgxpool.Pool) *ConnectionStore {
	return &ConnectionStore{pool: pool}
}

const connectionColumns = `id, channel, token, agent_url, COALESCE(user_id, ''), status, metadata, created_at`

// Create inserts a new connection row.
func (s *ConnectionStore) Create(ctx context.Context, cfg channel.Config) error {
	metadata, err := encodeMetadata(cfg.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO connections (id, channel, token, agent_url, user_id, status, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $8)`,
		cfg.ID, cfg.Channel.String(), cfg.Token, cfg.AgentURL, cfg.UserID, cfg.Status, metadata, cfg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create connection: %w", err)
	}
	return nil
}

// Get loads one connection by id.
func (s *ConnectionStore) Get(ctx context.Context, id string) (channel.Config, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = $1`, id)
	cfg, err := scanConnection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return channel.Config{}, ErrNotFound
	}
	if err != nil {
		return channel.Config{}, fmt.Errorf("store: get connection: %w", err)
	}
	return cfg, nil
}

// List returns every connection, oldest first.
func (s *ConnectionStore) List(ctx context.Context) ([]channel.Config, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+connectionColumns+` FROM connections ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list connections: %w", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

// ListByUser returns the connections owned by one tenant.
func (s *ConnectionStore) ListByUser(ctx context.Context, userID string) ([]channel.Config, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list connections by user: %w", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

// Update rewrites a connection's mutable fields.
func (s *ConnectionStore) Update(ctx context.Context, cfg channel.Config) error {
	metadata, err := encodeMetadata(cfg.Metadata)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE connections
		 SET token = $2, agent_url = $3, user_id = NULLIF($4, ''), status = $5, metadata = $6, updated_at = $7
		 WHERE id = $1`,
		cfg.ID, cfg.Token, cfg.AgentURL, cfg.UserID, cfg.Status, metadata, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: update connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus persists only the lifecycle status.
func (s *ConnectionStore) UpdateStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE connections SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a connection row.
func (s *ConnectionStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("store: encode metadata: %w", err)
	}
	return data, nil
}

func scanConnection(row pgx.Row) (channel.Config, error) {
	var (
		cfg      channel.Config
		ch       string
		metadata []byte
	)
	if err := row.Scan(&cfg.ID, &ch, &cfg.Token, &cfg.AgentURL, &cfg.UserID, &cfg.Status, &metadata, &cfg.CreatedAt); err != nil {
		return channel.Config{}, err
	}
	parsed, err := message.ParseChannel(ch)
	if err != nil {
		return channel.Config{}, err
	}
	cfg.Channel = parsed
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &cfg.Metadata); err != nil {
			return channel.Config{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return cfg, nil
}

func collectConnections(rows pgx.Rows) ([]channel.Config, error) {
	var configs []channel.Config
	for rows.Next() {
		cfg, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan connection: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate connections: %w", err)
	}
	return configs, nil
}
