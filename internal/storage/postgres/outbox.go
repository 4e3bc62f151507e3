package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/outbox"
)

const (
	insertOutboxSQL = `INSERT INTO outbox (event_id, topic, key, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	fetchPendingOutboxSQL = `SELECT id, event_id, topic, key, payload, created_at
		FROM outbox WHERE sent_at IS NULL ORDER BY id LIMIT $1`

	markOutboxSentSQL = `UPDATE outbox SET sent_at = now() WHERE id = ANY($1) AND sent_at IS NULL`

	countPendingOutboxSQL = `SELECT count(*) FROM outbox WHERE sent_at IS NULL`
)

var _ outbox.Store = (*OutboxStore)(nil)

// OutboxStore implements outbox.Store backed by PostgreSQL.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore returns an OutboxStore that uses the given pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

// FetchPending returns up to limit unsent records, oldest first.
func (s *OutboxStore) FetchPending(ctx context.Context, limit int) ([]outbox.Record, error) {
	rows, err := s.pool.Query(ctx, fetchPendingOutboxSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching pending outbox records: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (outbox.Record, error) {
		var rec outbox.Record
		err := row.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &rec.Payload, &rec.CreatedAt)
		return rec, err
	})
}

func (s *OutboxStore) MarkSent(ctx context.Context, ids []int64) error {
	if _, err := s.pool.Exec(ctx, markOutboxSentSQL, ids); err != nil {
		return fmt.Errorf("marking outbox records sent: %w", err)
	}
	return nil
}

func (s *OutboxStore) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, countPendingOutboxSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending outbox records: %w", err)
	}
	return n, nil
}

func insertOutbox(ctx context.Context, q querier, rec outbox.Record) error {
	_, err := q.Exec(ctx, insertOutboxSQL, rec.EventID, rec.Topic, rec.Key, rec.Payload, rec.CreatedAt)
	return err
}
