// Package memory implements the storage contracts in process memory.
//
// A single mutex guards all state and every transaction holds it from start to
// commit, so transactions are serializable. Rollback restores a snapshot taken
// when the transaction began. The order number sequencer lives in this process
// only, so a memory store must not back more than one service instance.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/domain/user"
	"github.com/xenking/kart-checkout/internal/outbox"
)

type outboxRow struct {
	outbox.Record
	sent bool
}

// state is everything a transaction may roll back.
type state struct {
	categories map[int64]product.Category
	products   map[int64]product.Product
	users      map[int64]user.User
	lines      map[int64]cart.Line
	orders     map[int64]order.Order
	numbers    map[string]int64
	outbox     []outboxRow
	apiKeys    map[string]auth.APIKeyInfo

	categorySeq int64
	productSeq  int64
	userSeq     int64
	lineSeq     int64
	orderSeq    int64
	outboxSeq   int64
}

func newState() state {
	return state{
		categories: make(map[int64]product.Category),
		products:   make(map[int64]product.Product),
		users:      make(map[int64]user.User),
		lines:      make(map[int64]cart.Line),
		orders:     make(map[int64]order.Order),
		numbers:    make(map[string]int64),
		apiKeys:    make(map[string]auth.APIKeyInfo),
	}
}

// clone copies the containers. Stored values are never mutated in place
// except through map assignment, so a shallow copy is a full snapshot.
func (s state) clone() state {
	c := s
	c.categories = maps.Clone(s.categories)
	c.products = maps.Clone(s.products)
	c.users = maps.Clone(s.users)
	c.lines = maps.Clone(s.lines)
	c.orders = maps.Clone(s.orders)
	c.numbers = maps.Clone(s.numbers)
	c.outbox = slices.Clone(s.outbox)
	c.apiKeys = maps.Clone(s.apiKeys)
	return c
}

// Store is an in-memory database.
type Store struct {
	mu  sync.Mutex
	st  state
	now func() time.Time

	seqMu sync.Mutex
	seq   map[string]int64
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		st:  newState(),
		now: time.Now,
		seq: make(map[string]int64),
	}
}

// Catalog returns the product repository view of the store.
func (s *Store) Catalog() *Catalog { return &Catalog{s: s} }

// Users returns the user repository view of the store.
func (s *Store) Users() *Users { return &Users{s: s} }

// Carts returns the cart repository view of the store.
func (s *Store) Carts() *Carts { return &Carts{s: s} }

// Orders returns the order store view of the store.
func (s *Store) Orders() *Orders { return &Orders{s: s} }

// Sequencer returns the order number sequencer of the store.
func (s *Store) Sequencer() *Sequencer { return &Sequencer{s: s} }

// Outbox returns the outbox view of the store.
func (s *Store) Outbox() *Outbox { return &Outbox{s: s} }

// APIKeys returns the API key repository view of the store.
func (s *Store) APIKeys() *APIKeys { return &APIKeys{s: s} }

// AddCategory stores c with a fresh id and returns it.
func (s *Store) AddCategory(c product.Category) product.Category {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertCategory(c)
}

func (s *Store) insertCategory(c product.Category) product.Category {
	s.st.categorySeq++
	c.ID = s.st.categorySeq
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.st.categories[c.ID] = c
	return c
}

// AddProduct stores p with a fresh id and returns it.
func (s *Store) AddProduct(p product.Product) product.Product {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertProduct(p)
}

func (s *Store) insertProduct(p product.Product) product.Product {
	s.st.productSeq++
	p.ID = s.st.productSeq
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	s.st.products[p.ID] = p
	return p
}

// SetPrice changes a product's catalog price.
func (s *Store) SetPrice(id int64, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.st.products[id]; ok {
		p.Price = price
		s.st.products[id] = p
	}
}

// AddAPIKey stores an API key by its hash.
func (s *Store) AddAPIKey(info auth.APIKeyInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.apiKeys[info.KeyHash] = info
}

// UpsertCategory stores c under its name, updating the description and
// active flag of an existing category.
func (s *Store) UpsertCategory(ctx context.Context, c product.Category) (*product.Category, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.st.categories {
		if existing.Name == c.Name {
			existing.Description = c.Description
			existing.Active = c.Active
			s.st.categories[id] = existing
			return &existing, nil
		}
	}
	created := s.insertCategory(c)
	return &created, nil
}

// UpsertProduct stores p under its (category, name) pair. Existing products
// keep their stock.
func (s *Store) UpsertProduct(ctx context.Context, p product.Product) (*product.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.st.products {
		if existing.CategoryID == p.CategoryID && existing.Name == p.Name {
			existing.Description = p.Description
			existing.Price = p.Price
			existing.PhotoURL = p.PhotoURL
			existing.Active = p.Active
			s.st.products[id] = existing
			return &existing, nil
		}
	}
	created := s.insertProduct(p)
	return &created, nil
}
