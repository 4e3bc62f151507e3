package app

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/domain/user"
	"github.com/xenking/kart-checkout/internal/outbox"
	"github.com/xenking/kart-checkout/internal/seed"
	"github.com/xenking/kart-checkout/internal/storage/memory"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
)

const sequencerConns = 4

// Storage bundles the repositories of one backend.
type Storage struct {
	Catalog   product.Repository
	Users     user.Repository
	Carts     cart.Repository
	Orders    order.Store
	Sequencer order.Sequencer
	Outbox    outbox.Store
	APIKeys   auth.Repository

	CatalogSeed seed.CatalogTarget
	APIKeySeed  seed.APIKeyTarget

	// Ping reports whether the backend is reachable.
	Ping  func(ctx context.Context) error
	Close func()
}

// OpenStorage connects the configured backend. PostgreSQL is migrated before
// it is returned.
func OpenStorage(ctx context.Context, cfg *Config) (*Storage, error) {
	switch cfg.Storage {
	case StorageMemory:
		zctx.From(ctx).Warn("Using in-memory storage, data is lost on exit")
		return memoryStorage(memory.New()), nil
	case StoragePostgres:
		return openPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, errors.Errorf("unknown storage %q", cfg.Storage)
	}
}

func memoryStorage(s *memory.Store) *Storage {
	keys := s.APIKeys()
	return &Storage{
		Catalog:     s.Catalog(),
		Users:       s.Users(),
		Carts:       s.Carts(),
		Orders:      s.Orders(),
		Sequencer:   s.Sequencer(),
		Outbox:      s.Outbox(),
		APIKeys:     keys,
		CatalogSeed: s,
		APIKeySeed:  keys,
		Ping:        func(ctx context.Context) error { return ctx.Err() },
		Close:       func() {},
	}
}

func openPostgres(ctx context.Context, databaseURL string) (*Storage, error) {
	pool, err := postgres.NewPool(ctx, databaseURL, 0)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	seqPool, err := postgres.NewPool(ctx, databaseURL, sequencerConns)
	if err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "create sequencer pool")
	}
	zctx.From(ctx).Info("Connected to PostgreSQL", zap.String("database", pool.Config().ConnConfig.Database))

	catalog := postgres.NewCatalogRepository(pool)
	keys := postgres.NewAPIKeyRepository(pool)
	return &Storage{
		Catalog:     catalog,
		Users:       postgres.NewUserRepository(pool),
		Carts:       postgres.NewCartRepository(pool),
		Orders:      postgres.NewOrderStore(pool),
		Sequencer:   postgres.NewSequencer(seqPool),
		Outbox:      postgres.NewOutboxStore(pool),
		APIKeys:     keys,
		CatalogSeed: catalog,
		APIKeySeed:  keys,
		Ping:        pool.Ping,
		Close: func() {
			seqPool.Close()
			pool.Close()
		},
	}, nil
}
