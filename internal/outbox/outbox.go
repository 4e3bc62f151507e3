// Package outbox carries order events from the database to a message broker.
//
// Events are written to the outbox table in the same transaction as the order
// change they describe. A Relay then publishes pending records and marks them
// sent. Delivery is at-least-once: a record may be published again if the
// relay stops between publishing and marking, so consumers deduplicate on the
// event id.
package outbox

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

// TopicOrders is the logical stream of order lifecycle events.
const TopicOrders = "orders"

// Record is a single outbox row.
type Record struct {
	ID        int64
	EventID   string
	Topic     string
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

// Store reads and acknowledges pending outbox records.
type Store interface {
	FetchPending(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, ids []int64) error
	CountPending(ctx context.Context) (int64, error)
}

// Publisher delivers records to their destination.
type Publisher interface {
	Publish(ctx context.Context, records []Record) error
}

// NewRecord builds the outbox record of an order event. Records are keyed by
// order number so that events of one order stay ordered per partition.
func NewRecord(e order.Event) Record {
	id := uuid.New().String()
	return Record{
		EventID:   id,
		Topic:     TopicOrders,
		Key:       e.Number,
		Payload:   encodeEvent(id, e),
		CreatedAt: e.OccurredAt,
	}
}

func encodeEvent(id string, ev order.Event) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(id) })
		e.Field("type", func(e *jx.Encoder) { e.Str(string(ev.Type)) })
		e.Field("order_id", func(e *jx.Encoder) { e.Int64(ev.OrderID) })
		e.Field("order_number", func(e *jx.Encoder) { e.Str(ev.Number) })
		e.Field("user_id", func(e *jx.Encoder) { e.Int64(ev.UserID) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(ev.Status)) })
		if ev.PrevStatus != "" {
			e.Field("prev_status", func(e *jx.Encoder) { e.Str(string(ev.PrevStatus)) })
		}
		e.Field("total", func(e *jx.Encoder) { e.Str(ev.Total.StringFixed(2)) })
		e.Field("occurred_at", func(e *jx.Encoder) { e.Str(ev.OccurredAt.UTC().Format(time.RFC3339Nano)) })
	})
	return e.Bytes()
}

// RelayConfig controls polling of the outbox.
type RelayConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Relay moves pending records from a Store to a Publisher.
type Relay struct {
	store    Store
	pub      Publisher
	interval time.Duration
	batch    int
}

// NewRelay creates a Relay. Non-positive config values fall back to one
// second and 100 records.
func NewRelay(cfg RelayConfig, store Store, pub Publisher) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Relay{
		store:    store,
		pub:      pub,
		interval: cfg.Interval,
		batch:    cfg.BatchSize,
	}
}

// Run flushes the outbox every interval until ctx is cancelled. Flush
// failures are logged and retried on the next tick.
func (r *Relay) Run(ctx context.Context) error {
	lg := zctx.From(ctx).Named("outbox")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for {
				n, err := r.Flush(ctx)
				if err != nil {
					if ctx.Err() == nil {
						lg.Warn("Outbox flush failed", zap.Error(err))
					}
					break
				}
				// A full batch suggests a backlog; drain it before sleeping.
				if n < r.batch {
					break
				}
			}
		}
	}
}

// Flush publishes one batch of pending records and returns how many were sent.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	records, err := r.store.FetchPending(ctx, r.batch)
	if err != nil {
		return 0, errors.Wrap(err, "fetch pending")
	}
	if len(records) == 0 {
		return 0, nil
	}

	if err := r.pub.Publish(ctx, records); err != nil {
		return 0, errors.Wrap(err, "publish")
	}

	ids := make([]int64, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	if err := r.store.MarkSent(ctx, ids); err != nil {
		return 0, errors.Wrap(err, "mark sent")
	}
	return len(records), nil
}
