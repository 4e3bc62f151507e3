// Package app wires the checkout service together.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/handler"
	"github.com/xenking/kart-checkout/internal/outbox"
	"github.com/xenking/kart-checkout/internal/seed"
	"github.com/xenking/kart-checkout/pkg/health"
	"github.com/xenking/kart-checkout/pkg/httpmiddleware"
)

const healthInterval = 10 * time.Second

// NewOrderService builds the order service from cfg on top of st.
func NewOrderService(cfg *Config, st *Storage, m httpmiddleware.Telemetry) (*order.Service, error) {
	loc, err := time.LoadLocation(cfg.Orders.Location)
	if err != nil {
		return nil, errors.Wrap(err, "orders location")
	}
	oc := order.Config{
		RestockOnCancel:  cfg.Orders.RestockOnCancel,
		SequencerRetries: cfg.Orders.SequencerRetries,
		Location:         loc,
	}
	if m != nil {
		oc.TracerProvider = m.TracerProvider()
		oc.MeterProvider = m.MeterProvider()
	}
	return order.NewService(oc, st.Orders, st.Users, st.Sequencer)
}

// Run creates all dependencies, starts the HTTP server and the background
// workers, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
	)
	ctx = zctx.Base(ctx, lg)

	st, err := OpenStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.SeedDemo {
		categories, products, err := seed.Catalog(ctx, st.CatalogSeed)
		if err != nil {
			return errors.Wrap(err, "seed demo catalog")
		}
		lg.Info("Demo catalog loaded", zap.Int("categories", categories), zap.Int("products", products))
	}

	orders, err := NewOrderService(cfg, st, m)
	if err != nil {
		return errors.Wrap(err, "create order service")
	}
	carts := cart.NewService(st.Carts, st.Catalog, st.Users)

	pub, closePub, err := newPublisher(cfg.Outbox)
	if err != nil {
		return err
	}
	defer closePub()
	relay := outbox.NewRelay(outbox.RelayConfig{
		Interval:  cfg.Outbox.Interval,
		BatchSize: cfg.Outbox.BatchSize,
	}, st.Outbox, pub)

	healthSvc := health.New()
	healthSvc.Add(health.Check{
		Name:    "storage",
		Kind:    health.Readiness,
		Timeout: 5 * time.Second,
		Func:    st.Ping,
	})
	healthSvc.Add(health.Check{
		Name:    "outbox",
		Kind:    health.Readiness,
		Timeout: 5 * time.Second,
		Func:    health.BacklogCheck(st.Outbox.CountPending, cfg.Outbox.MaxBacklog),
	})
	if kp, ok := pub.(*outbox.KafkaPublisher); ok {
		healthSvc.Add(health.Check{
			Name:    "kafka",
			Kind:    health.Readiness,
			Timeout: 5 * time.Second,
			Func:    kp.Ping,
		})
	}
	healthSvc.Add(health.Check{
		Name:    "goroutines",
		Kind:    health.Liveness,
		Timeout: time.Second,
		Func:    health.GoroutineCountCheck(10000),
	})

	h := handler.NewHandler(
		handler.HandlerConfig{APIKeyPepper: []byte(cfg.APIKeyPepper)},
		st.Catalog, st.Users, carts, orders, st.APIKeys,
	)
	limiter := httpmiddleware.NewRateLimiter(httpmiddleware.RateLimitConfig{
		Max:    cfg.RateLimit.Max,
		Window: cfg.RateLimit.Window,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/api/", h.Routes())

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.Recovery(),
			httpmiddleware.RequestID(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				Origins:          cfg.CORS.Origins,
				Headers:          []string{"Content-Type", handler.HeaderAPIKey, httpmiddleware.HeaderRequestID},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			limiter.Middleware(),
			httpmiddleware.Instrument("kart-checkout", m),
			httpmiddleware.LogRequests(),
		),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return healthSvc.Run(ctx, healthInterval)
	})
	g.Go(func() error {
		return limiter.Run(ctx)
	})
	g.Go(func() error {
		return relay.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}

		// Publish what the last requests wrote before the store goes away.
		if _, err := relay.Flush(shutdownCtx); err != nil {
			lg.Warn("Final outbox flush failed", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		healthSvc.SetReady(true)
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	return g.Wait()
}

// newPublisher selects Kafka when brokers are configured and the log
// publisher otherwise.
func newPublisher(cfg OutboxConfig) (outbox.Publisher, func(), error) {
	if len(cfg.Brokers) == 0 {
		return outbox.LogPublisher{}, func() {}, nil
	}
	kp, err := outbox.NewKafkaPublisher(cfg.Brokers, cfg.TopicPrefix)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create kafka publisher")
	}
	return kp, kp.Close, nil
}
