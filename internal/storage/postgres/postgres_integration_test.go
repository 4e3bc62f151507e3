//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/domain/user"
)

var databaseURL string

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "kart",
				"POSTGRES_PASSWORD": "kart",
				"POSTGRES_DB":       "kart",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := pg.Terminate(context.Background()); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	host, err := pg.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := pg.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}
	databaseURL = fmt.Sprintf("postgres://kart:kart@%s:%s/kart?sslmode=disable", host, port.Port())

	pool, err := NewPool(ctx, databaseURL, 0)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	err = RunMigrations(ctx, pool)
	pool.Close()
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}

	return m.Run()
}

// env is one test's view of a freshly truncated database.
type env struct {
	pool    *pgxpool.Pool
	catalog *CatalogRepository
	users   *UserRepository
	carts   *CartRepository
	orders  *OrderStore
	outbox  *OutboxStore
	keys    *APIKeyRepository
	seq     *Sequencer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	pool, err := NewPool(ctx, databaseURL, 16)
	require.NoError(t, err)
	seqPool, err := NewPool(ctx, databaseURL, 2)
	require.NoError(t, err)
	t.Cleanup(func() {
		seqPool.Close()
		pool.Close()
	})

	_, err = pool.Exec(ctx, `TRUNCATE categories, products, users, cart_items, orders,
		order_items, order_sequences, outbox, api_keys RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	return &env{
		pool:    pool,
		catalog: NewCatalogRepository(pool),
		users:   NewUserRepository(pool),
		carts:   NewCartRepository(pool),
		orders:  NewOrderStore(pool),
		outbox:  NewOutboxStore(pool),
		keys:    NewAPIKeyRepository(pool),
		seq:     NewSequencer(seqPool),
	}
}

func (e *env) product(t *testing.T, name, price string, stock int) *product.Product {
	t.Helper()
	ctx := context.Background()
	c, err := e.catalog.UpsertCategory(ctx, product.Category{Name: "Electronics", Active: true})
	require.NoError(t, err)
	p, err := e.catalog.UpsertProduct(ctx, product.Product{
		CategoryID: c.ID,
		Name:       name,
		Price:      decimal.RequireFromString(price),
		Stock:      stock,
		Active:     true,
	})
	require.NoError(t, err)
	return p
}

func (e *env) user(t *testing.T, telegramID int64) int64 {
	t.Helper()
	u, err := e.users.Ensure(context.Background(), &user.User{TelegramID: telegramID, FirstName: "Ann"})
	require.NoError(t, err)
	return u.ID
}

func (e *env) service(t *testing.T, restock bool) (*order.Service, *cart.Service) {
	t.Helper()
	svc, err := order.NewService(order.Config{RestockOnCancel: restock}, e.orders, e.users, e.seq)
	require.NoError(t, err)
	return svc, cart.NewService(e.carts, e.catalog, e.users)
}

func delivery() order.Delivery {
	return order.Delivery{
		Method:        order.DeliveryPickup,
		Address:       "Store #1",
		CustomerName:  "Ann",
		CustomerPhone: "+15550102030",
	}
}

func TestCatalog(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	phone := e.product(t, "Phone", "999.90", 10)
	laptop := e.product(t, "Laptop", "1299.90", 5)

	again, err := e.catalog.UpsertProduct(ctx, product.Product{
		CategoryID: phone.CategoryID,
		Name:       "Phone",
		Price:      decimal.RequireFromString("949.90"),
		Stock:      500,
		Active:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, phone.ID, again.ID)
	assert.Equal(t, 10, again.Stock)
	assert.Equal(t, "949.90", again.Price.StringFixed(2))

	listed, err := e.catalog.ListByCategory(ctx, phone.CategoryID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, laptop.ID, listed[0].ID)

	require.NoError(t, e.catalog.Deactivate(ctx, laptop.ID))
	_, err = e.catalog.GetActive(ctx, laptop.ID)
	require.ErrorIs(t, err, product.ErrNotFound)
	got, err := e.catalog.GetByID(ctx, laptop.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	require.ErrorIs(t, e.catalog.Deactivate(ctx, 999), product.ErrNotFound)
}

func TestUsers_Ensure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	created, err := e.users.Ensure(ctx, &user.User{TelegramID: 5, Username: "ann", Phone: "+1"})
	require.NoError(t, err)
	again, err := e.users.Ensure(ctx, &user.User{TelegramID: 5, Address: "Main St"})
	require.NoError(t, err)

	assert.Equal(t, created.ID, again.ID)
	assert.Equal(t, "ann", again.Username)
	assert.Equal(t, "Main St", again.Address)

	_, err = e.users.GetByID(ctx, created.ID+1)
	require.ErrorIs(t, err, user.ErrNotFound)
}

func TestCarts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	uid := e.user(t, 1)
	p := e.product(t, "Phone", "10.00", 1)

	var g errgroup.Group
	for range 10 {
		g.Go(func() error {
			_, err := e.carts.Add(ctx, uid, p.ID, 1)
			return err
		})
	}
	require.NoError(t, g.Wait())

	var items []cart.Item
	for it, err := range e.carts.Items(ctx, uid) {
		require.NoError(t, err)
		items = append(items, it)
	}
	require.Len(t, items, 1)
	assert.Equal(t, 10, items[0].Quantity)
	assert.Equal(t, "Phone", items[0].ProductName)

	_, err := e.carts.SetQuantity(ctx, items[0].ID+100, 1)
	require.ErrorIs(t, err, cart.ErrNotFound)

	removed, err := e.carts.Remove(ctx, items[0].ID)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = e.carts.Remove(ctx, items[0].ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestCheckout(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	orders, carts := e.service(t, true)
	uid := e.user(t, 1)
	phone := e.product(t, "Phone", "999.90", 3)
	book := e.product(t, "Book", "5.90", 10)

	_, err := carts.Add(ctx, uid, phone.ID, 1)
	require.NoError(t, err)
	_, err = carts.Add(ctx, uid, book.ID, 3)
	require.NoError(t, err)

	o, err := orders.Checkout(ctx, order.CheckoutRequest{UserID: uid, Delivery: delivery()})
	require.NoError(t, err)
	assert.Equal(t, order.FormatNumber(order.DayKey(o.CreatedAt), 1), o.Number)
	assert.Equal(t, "1017.60", o.Total.StringFixed(2))

	got, err := orders.GetByNumber(ctx, o.Number)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	require.Len(t, got.Lines, 2)
	assert.Equal(t, "999.90", got.Lines[0].UnitPrice.StringFixed(2))
	assert.Equal(t, order.DeliveryPickup, got.Delivery.Method)

	p, err := e.catalog.GetByID(ctx, phone.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Stock)

	count, _, err := carts.Total(ctx, uid)
	require.NoError(t, err)
	assert.Zero(t, count)

	pending, err := e.outbox.CountPending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)

	// Cancel restocks and emits a second event.
	_, err = orders.UpdateStatus(ctx, o.ID, order.StatusCancelled)
	require.NoError(t, err)
	p, err = e.catalog.GetByID(ctx, phone.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Stock)

	recs, err := e.outbox.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, o.Number, recs[1].Key)
	assert.Contains(t, string(recs[1].Payload), `"prev_status":"pending"`)

	require.NoError(t, e.outbox.MarkSent(ctx, []int64{recs[0].ID, recs[1].ID}))
	pending, err = e.outbox.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestCheckout_RollbackOnShortage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	orders, carts := e.service(t, true)
	uid := e.user(t, 1)
	plenty := e.product(t, "Book", "5.90", 10)
	scarce := e.product(t, "Phone", "999.90", 1)

	_, err := carts.Add(ctx, uid, plenty.ID, 2)
	require.NoError(t, err)
	_, err = carts.Add(ctx, uid, scarce.ID, 2)
	require.NoError(t, err)

	_, err = orders.Checkout(ctx, order.CheckoutRequest{UserID: uid, Delivery: delivery()})
	var stockErr *order.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)

	p, err := e.catalog.GetByID(ctx, plenty.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, p.Stock)

	count, _, err := carts.Total(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestCheckout_Concurrent(t *testing.T) {
	const (
		stock  = 5
		buyers = 20
	)
	e := newEnv(t)
	ctx := context.Background()
	orders, carts := e.service(t, false)
	p := e.product(t, "Phone", "999.90", stock)

	users := make([]int64, buyers)
	for i := range users {
		users[i] = e.user(t, int64(100+i))
		_, err := carts.Add(ctx, users[i], p.ID, 1)
		require.NoError(t, err)
	}

	results := make([]*order.Order, buyers)
	var g errgroup.Group
	for i, uid := range users {
		g.Go(func() error {
			o, err := orders.Checkout(ctx, order.CheckoutRequest{UserID: uid, Delivery: delivery()})
			var stockErr *order.InsufficientStockError
			if errors.As(err, &stockErr) {
				return nil
			}
			results[i] = o
			return err
		})
	}
	require.NoError(t, g.Wait())

	numbers := make(map[string]bool)
	for _, o := range results {
		if o != nil {
			assert.False(t, numbers[o.Number], o.Number)
			numbers[o.Number] = true
		}
	}
	assert.Len(t, numbers, stock)

	got, err := e.catalog.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Stock)
}

func TestCheckout_SameCartConcurrently(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	orders, carts := e.service(t, false)
	uid := e.user(t, 1)
	p := e.product(t, "Phone", "999.90", 1)
	_, err := carts.Add(ctx, uid, p.ID, 1)
	require.NoError(t, err)

	errs := make([]error, 2)
	var g errgroup.Group
	for i := range errs {
		g.Go(func() error {
			_, errs[i] = orders.Checkout(ctx, order.CheckoutRequest{UserID: uid, Delivery: delivery()})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var created int
	for _, err := range errs {
		var stockErr *order.InsufficientStockError
		switch {
		case err == nil:
			created++
		case errors.Is(err, order.ErrEmptyCart), errors.As(err, &stockErr):
		default:
			t.Fatalf("unexpected checkout error: %v", err)
		}
	}
	assert.Equal(t, 1, created)

	got, err := e.catalog.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Stock)
}

// afterLockStore runs hook once the cart rows of a checkout are locked.
type afterLockStore struct {
	order.Store
	hook func(ctx context.Context)
}

func (s afterLockStore) InTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	return s.Store.InTx(ctx, func(ctx context.Context, tx order.Tx) error {
		return fn(ctx, afterLockTx{Tx: tx, hook: s.hook})
	})
}

type afterLockTx struct {
	order.Tx
	hook func(ctx context.Context)
}

func (t afterLockTx) LockCart(ctx context.Context, userID int64) ([]cart.Line, error) {
	lines, err := t.Tx.LockCart(ctx, userID)
	if err == nil {
		t.hook(ctx)
	}
	return lines, err
}

func TestCheckout_KeepsLineAddedDuringCheckout(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	uid := e.user(t, 1)
	a := e.product(t, "Phone", "999.90", 5)
	b := e.product(t, "Book", "5.90", 5)
	c := e.product(t, "Cable", "9.90", 5)

	for _, id := range []int64{a.ID, b.ID} {
		_, err := e.carts.Add(ctx, uid, id, 1)
		require.NoError(t, err)
	}

	store := afterLockStore{
		Store: e.orders,
		hook: func(context.Context) {
			// Runs on another pooled connection, outside the checkout tx.
			_, err := e.carts.Add(ctx, uid, c.ID, 2)
			require.NoError(t, err)
		},
	}
	svc, err := order.NewService(order.Config{}, store, e.users, e.seq)
	require.NoError(t, err)

	o, err := svc.Checkout(ctx, order.CheckoutRequest{UserID: uid, Delivery: delivery()})
	require.NoError(t, err)
	require.Len(t, o.Lines, 2)

	var left []cart.Item
	for it, err := range e.carts.Items(ctx, uid) {
		require.NoError(t, err)
		left = append(left, it)
	}
	require.Len(t, left, 1)
	assert.Equal(t, c.ID, left[0].ProductID)
	assert.Equal(t, 2, left[0].Quantity)
}

func TestCarts_QuantityOutOfRange(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	uid := e.user(t, 1)
	p := e.product(t, "Phone", "10.00", 1)

	_, err := e.carts.Add(ctx, uid, p.ID, math.MaxInt32)
	require.NoError(t, err)

	_, err = e.carts.Add(ctx, uid, p.ID, 1)
	var verr *cart.ValidationError
	require.ErrorAs(t, err, &verr)

	for it, err := range e.carts.Items(ctx, uid) {
		require.NoError(t, err)
		assert.Equal(t, math.MaxInt32, it.Quantity)
	}
}

func TestInsertOrder_NumberTakenKeepsTxUsable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	uid := e.user(t, 1)
	now := time.Now().UTC()

	newOrder := func(number string) *order.Order {
		return &order.Order{
			Number: number, UserID: uid, Total: decimal.Zero, Status: order.StatusPending,
			Delivery: delivery(), CreatedAt: now, UpdatedAt: now,
		}
	}

	err := e.orders.InTx(ctx, func(ctx context.Context, tx order.Tx) error {
		if err := tx.InsertOrder(ctx, newOrder("ORD-20240101-0001")); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, newOrder("ORD-20240101-0001")); !errors.Is(err, order.ErrOrderNumberTaken) {
			return errors.Errorf("want taken, got %v", err)
		}
		return tx.InsertOrder(ctx, newOrder("ORD-20240101-0002"))
	})
	require.NoError(t, err)

	for _, n := range []string{"ORD-20240101-0001", "ORD-20240101-0002"} {
		_, err := e.orders.GetByNumber(ctx, n)
		require.NoError(t, err, n)
	}
}

func TestSequencer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	seen := make(chan int64, 30)
	var g errgroup.Group
	for range 30 {
		g.Go(func() error {
			v, err := e.seq.Next(ctx, "20240101")
			seen <- v
			return err
		})
	}
	require.NoError(t, g.Wait())
	close(seen)

	got := make(map[int64]bool)
	for v := range seen {
		got[v] = true
	}
	assert.Len(t, got, 30)
	for i := int64(1); i <= 30; i++ {
		assert.True(t, got[i], i)
	}

	v, err := e.seq.Next(ctx, "20240102")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
}

func TestListOrders_Pages(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	uid := e.user(t, 1)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	const total = orderPageSize + 7

	require.NoError(t, e.orders.InTx(ctx, func(ctx context.Context, tx order.Tx) error {
		for i := range total {
			at := base.Add(time.Duration(i/2) * time.Minute) // pairs share a timestamp
			if err := tx.InsertOrder(ctx, &order.Order{
				Number: order.FormatNumber("20240101", int64(i+1)), UserID: uid,
				Total: decimal.Zero, Status: order.StatusPending, Delivery: delivery(),
				CreatedAt: at, UpdatedAt: at,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	var ids []int64
	for o, err := range e.orders.ListByUser(ctx, uid) {
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}
	require.Len(t, ids, total)
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i-1], ids[i])
	}

	var confirmed int
	for _, err := range e.orders.List(ctx, order.StatusConfirmed) {
		require.NoError(t, err)
		confirmed++
	}
	assert.Zero(t, confirmed)
}

func TestAPIKeys(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.keys.Upsert(ctx, auth.APIKeyInfo{ID: "admin", KeyHash: "aa", Name: "admin", Scopes: []string{auth.ScopeAdmin}}))
	info, err := e.keys.FindByHash(ctx, "aa")
	require.NoError(t, err)
	assert.True(t, info.HasScope(auth.ScopeAdmin))

	_, err = e.keys.FindByHash(ctx, "bb")
	require.ErrorIs(t, err, auth.ErrNotFound)
}
