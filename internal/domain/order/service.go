package order

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/domain/user"
)

const defaultSequencerRetries = 3

// Config holds order service policy and telemetry providers. Zero values
// select the defaults.
type Config struct {
	// RestockOnCancel returns the quantities of a cancelled order to stock.
	RestockOnCancel bool
	// SequencerRetries bounds order number allocation attempts per checkout.
	SequencerRetries int
	// Location is the time zone of the calendar day in order numbers.
	Location *time.Location

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// CheckoutRequest holds the input for converting a cart into an order.
type CheckoutRequest struct {
	UserID   int64
	Delivery Delivery
}

// Service implements checkout and the order status lifecycle.
type Service struct {
	store     Store
	users     user.Repository
	sequencer Sequencer

	restockOnCancel bool
	retries         int
	loc             *time.Location
	now             func() time.Time

	tracer      trace.Tracer
	checkouts   metric.Int64Counter
	transitions metric.Int64Counter
}

// NewService creates an order Service.
func NewService(cfg Config, store Store, users user.Repository, sequencer Sequencer) (*Service, error) {
	if cfg.SequencerRetries <= 0 {
		cfg.SequencerRetries = defaultSequencerRetries
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}

	meter := cfg.MeterProvider.Meter("kart/order")
	checkouts, err := meter.Int64Counter("kart.order.checkouts",
		metric.WithDescription("Checkout attempts by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "checkouts counter")
	}
	transitions, err := meter.Int64Counter("kart.order.status_changes",
		metric.WithDescription("Applied order status transitions"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "status changes counter")
	}

	return &Service{
		store:           store,
		users:           users,
		sequencer:       sequencer,
		restockOnCancel: cfg.RestockOnCancel,
		retries:         cfg.SequencerRetries,
		loc:             cfg.Location,
		now:             time.Now,
		tracer:          cfg.TracerProvider.Tracer("kart/order"),
		checkouts:       checkouts,
		transitions:     transitions,
	}, nil
}

// Checkout converts the user's cart into a pending order. Stock is decremented,
// prices are copied into the order lines, an order number is allocated and the
// purchased lines are removed from the cart, all in one transaction. On any
// error nothing is changed.
//
// Checkout is not idempotent: each call with a non-empty cart creates an order.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.Checkout",
		trace.WithAttributes(attribute.Int64("user.id", req.UserID)),
	)
	defer func() {
		s.checkouts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", checkoutOutcome(rerr))))
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	delivery, err := normalizeDelivery(req.Delivery)
	if err != nil {
		return nil, err
	}
	if _, err := s.users.GetByID(ctx, req.UserID); err != nil {
		return nil, errors.Wrap(err, "get user")
	}

	var created *Order
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		lines, err := tx.LockCart(ctx, req.UserID)
		if err != nil {
			return errors.Wrap(err, "lock cart")
		}
		if len(lines) == 0 {
			return ErrEmptyCart
		}

		ids := make([]int64, len(lines))
		for i, l := range lines {
			if l.Quantity < 1 {
				return &ValidationError{
					Field:  "cart",
					Reason: fmt.Sprintf("line %d has quantity %d", l.ID, l.Quantity),
				}
			}
			ids[i] = l.ProductID
		}
		slices.Sort(ids)

		products, err := tx.LockProducts(ctx, ids)
		if err != nil {
			return errors.Wrap(err, "lock products")
		}
		byID := make(map[int64]product.Product, len(products))
		for _, p := range products {
			byID[p.ID] = p
		}

		// Availability is checked for every line before any stock check so the
		// caller learns about withdrawn products first.
		for _, l := range lines {
			if p, ok := byID[l.ProductID]; !ok || !p.Active {
				return &ProductUnavailableError{ProductID: l.ProductID}
			}
		}
		for _, l := range lines {
			if p := byID[l.ProductID]; p.Stock < l.Quantity {
				return &InsufficientStockError{ProductID: p.ID, Available: p.Stock, Requested: l.Quantity}
			}
		}

		now := s.now().In(s.loc)
		o := &Order{
			UserID:    req.UserID,
			Status:    StatusPending,
			Delivery:  delivery,
			Lines:     make([]Line, 0, len(lines)),
			CreatedAt: now,
			UpdatedAt: now,
		}
		for _, l := range lines {
			p := byID[l.ProductID]
			o.Lines = append(o.Lines, Line{
				ProductID:   p.ID,
				ProductName: p.Name,
				Quantity:    l.Quantity,
				UnitPrice:   p.Price,
			})
		}
		o.Total = sumLines(o.Lines)

		for _, l := range o.Lines {
			if err := tx.DecrementStock(ctx, l.ProductID, l.Quantity); err != nil {
				if errors.Is(err, product.ErrInsufficientStock) {
					return &InsufficientStockError{
						ProductID: l.ProductID,
						Available: byID[l.ProductID].Stock,
						Requested: l.Quantity,
					}
				}
				return errors.Wrapf(err, "decrement stock of product %d", l.ProductID)
			}
		}

		if err := s.insertNumbered(ctx, tx, o); err != nil {
			return err
		}
		if err := tx.ClearCart(ctx, req.UserID, ids); err != nil {
			return errors.Wrap(err, "clear cart")
		}
		if err := tx.AppendEvent(ctx, Event{
			Type:       EventCreated,
			OrderID:    o.ID,
			Number:     o.Number,
			UserID:     o.UserID,
			Status:     o.Status,
			Total:      o.Total,
			OccurredAt: now,
		}); err != nil {
			return errors.Wrap(err, "append event")
		}

		created = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("order.number", created.Number))
	zctx.From(ctx).Info("Order created",
		zap.String("number", created.Number),
		zap.Int64("user_id", created.UserID),
		zap.Stringer("total", created.Total),
		zap.Int("lines", len(created.Lines)),
	)
	return created, nil
}

// insertNumbered allocates an order number and inserts o, retrying with a
// fresh counter when the number collides with an existing order.
func (s *Service) insertNumbered(ctx context.Context, tx Tx, o *Order) error {
	day := DayKey(o.CreatedAt)
	for attempt := 1; attempt <= s.retries; attempt++ {
		seq, err := s.sequencer.Next(ctx, day)
		if err != nil {
			return errors.Wrap(err, "next order number")
		}
		o.Number = FormatNumber(day, seq)

		err = tx.InsertOrder(ctx, o)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrOrderNumberTaken) {
			return errors.Wrap(err, "insert order")
		}
		zctx.From(ctx).Warn("Order number collision",
			zap.String("number", o.Number),
			zap.Int("attempt", attempt),
		)
	}
	return errors.Wrapf(ErrCheckoutFailed, "no unique order number after %d attempts", s.retries)
}

// UpdateStatus moves an order to a new status if the lifecycle allows it.
// Cancelling restocks the order lines when the service is configured to.
func (s *Service) UpdateStatus(ctx context.Context, orderID int64, to Status) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.UpdateStatus",
		trace.WithAttributes(
			attribute.Int64("order.id", orderID),
			attribute.String("order.status", string(to)),
		),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	if !to.Valid() {
		return nil, &ValidationError{Field: "status", Reason: "unknown status " + string(to)}
	}

	var updated *Order
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return errors.Wrap(err, "lock order")
		}
		from := o.Status
		if !CanTransition(from, to) {
			return &InvalidTransitionError{From: from, To: to}
		}

		if to == StatusCancelled && s.restockOnCancel {
			for _, l := range o.Lines {
				if err := tx.IncrementStock(ctx, l.ProductID, l.Quantity); err != nil {
					return errors.Wrapf(err, "restock product %d", l.ProductID)
				}
			}
		}

		now := s.now().In(s.loc)
		if err := tx.SetStatus(ctx, o.ID, to, now); err != nil {
			return errors.Wrap(err, "set status")
		}
		if err := tx.AppendEvent(ctx, Event{
			Type:       EventStatusChanged,
			OrderID:    o.ID,
			Number:     o.Number,
			UserID:     o.UserID,
			Status:     to,
			PrevStatus: from,
			Total:      o.Total,
			OccurredAt: now,
		}); err != nil {
			return errors.Wrap(err, "append event")
		}

		o.Status = to
		o.UpdatedAt = now
		updated = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(to))))
	zctx.From(ctx).Info("Order status changed",
		zap.String("number", updated.Number),
		zap.String("status", string(to)),
	)
	return updated, nil
}

// UpdateStatusByNumber is UpdateStatus addressed by order number.
func (s *Service) UpdateStatusByNumber(ctx context.Context, number string, to Status) (*Order, error) {
	o, err := s.store.GetByNumber(ctx, number)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	return s.UpdateStatus(ctx, o.ID, to)
}

// Get returns an order by id.
func (s *Service) Get(ctx context.Context, id int64) (*Order, error) {
	return s.store.GetByID(ctx, id)
}

// GetByNumber returns an order by its order number.
func (s *Service) GetByNumber(ctx context.Context, number string) (*Order, error) {
	return s.store.GetByNumber(ctx, strings.TrimSpace(number))
}

// ListUserOrders returns the user's orders newest first. The sequence can be
// iterated more than once.
func (s *Service) ListUserOrders(ctx context.Context, userID int64) iter.Seq2[Order, error] {
	return s.store.ListByUser(ctx, userID)
}

// List returns all orders newest first. An empty status lists every order.
func (s *Service) List(ctx context.Context, status Status) iter.Seq2[Order, error] {
	return s.store.List(ctx, status)
}

// normalizeDelivery trims the delivery fields and checks the required ones.
func normalizeDelivery(d Delivery) (Delivery, error) {
	d.Address = strings.TrimSpace(d.Address)
	d.CustomerName = strings.TrimSpace(d.CustomerName)
	d.CustomerPhone = strings.TrimSpace(d.CustomerPhone)
	d.Notes = strings.TrimSpace(d.Notes)

	switch {
	case !d.Method.Valid():
		return d, &ValidationError{Field: "delivery_method", Reason: "must be one of pickup, courier, post"}
	case d.Address == "":
		return d, &ValidationError{Field: "delivery_address", Reason: "required"}
	case d.CustomerName == "":
		return d, &ValidationError{Field: "customer_name", Reason: "required"}
	case !validPhone(d.CustomerPhone):
		return d, &ValidationError{Field: "customer_phone", Reason: "must contain 7 to 20 digits"}
	}
	return d, nil
}

// validPhone accepts digits with the usual separators and an optional
// leading plus.
func validPhone(phone string) bool {
	digits := 0
	for i, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ', r == '-', r == '(', r == ')':
		default:
			return false
		}
	}
	return digits >= 7 && digits <= 20
}

func checkoutOutcome(err error) string {
	var (
		unavailable *ProductUnavailableError
		stock       *InsufficientStockError
		invalid     *ValidationError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"
	case errors.As(err, &unavailable):
		return "unavailable"
	case errors.As(err, &stock):
		return "insufficient_stock"
	case errors.As(err, &invalid):
		return "invalid"
	case errors.Is(err, ErrCheckoutFailed):
		return "sequencer_exhausted"
	default:
		return "error"
	}
}
