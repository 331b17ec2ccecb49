package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenKitchenCore/internal/config"
	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS machine_events (
	id             UUID PRIMARY KEY,
	sequence       BIGINT NOT NULL,
	kind           TEXT NOT NULL,
	source         TEXT NOT NULL,
	priority       TEXT NOT NULL,
	correlation_id TEXT,
	payload        JSONB,
	occurred_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS machine_events_kind_idx ON machine_events (kind, occurred_at);

CREATE TABLE IF NOT EXISTS order_status_history (
	id         BIGSERIAL PRIMARY KEY,
	order_id   UUID NOT NULL,
	status     TEXT NOT NULL,
	error      TEXT,
	changed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS order_status_history_order_idx ON order_status_history (order_id, changed_at);
`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the event and order history tables if missing.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}

func (p *PostgresStore) SaveEvent(ctx context.Context, e events.Event) error {
	rec, err := toRecord(e)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO machine_events (id, sequence, kind, source, priority, correlation_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, int64(rec.Sequence), rec.Kind, rec.Source, rec.Priority, rec.CorrelationID, rec.Payload, rec.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (p *PostgresStore) SaveOrderStatus(ctx context.Context, r OrderRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO order_status_history (order_id, status, error, changed_at)
		VALUES ($1, $2, NULLIF($3, ''), $4)
	`, r.OrderID, string(r.Status), r.Error, r.ChangedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order status: %w", err)
	}
	return nil
}

func (p *PostgresStore) OrderHistory(ctx context.Context, id uuid.UUID) ([]OrderRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT order_id, status, COALESCE(error, ''), changed_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY changed_at, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query order history: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (OrderRecord, error) {
		var r OrderRecord
		var status string
		if err := row.Scan(&r.OrderID, &status, &r.Error, &r.ChangedAt); err != nil {
			return r, err
		}
		r.Status = types.OrderStatus(status)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan order history: %w", err)
	}
	return records, nil
}
