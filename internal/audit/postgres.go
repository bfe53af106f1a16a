package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Append(ctx context.Context, event Event) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO lease_events (id, kind, client_id, resource_name, manual, detail, at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID,
		string(event.Kind),
		event.ClientID,
		event.ResourceName,
		event.Manual,
		event.Detail,
		event.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert lease event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, kind, client_id, resource_name, manual, detail, at
FROM lease_events
ORDER BY at DESC, seq DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query lease events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var event Event
		var kind string
		if err := rows.Scan(
			&event.ID,
			&kind,
			&event.ClientID,
			&event.ResourceName,
			&event.Manual,
			&event.Detail,
			&event.At,
		); err != nil {
			return nil, err
		}
		event.Kind = Kind(kind)
		event.At = event.At.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS lease_events (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	client_id TEXT NOT NULL,
	resource_name TEXT NOT NULL DEFAULT '',
	manual BOOLEAN NOT NULL DEFAULT FALSE,
	detail TEXT NOT NULL DEFAULT '',
	at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lease_events_at
ON lease_events (at DESC);
`)
	if err != nil {
		return fmt.Errorf("initialize lease_events schema: %w", err)
	}
	return nil
}
