package services

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"

	"storefront/database"
	"storefront/models"
)

// memStore is an in-memory Store. WithinTx serializes transactions and rolls
// back every change when fn fails, like the MySQL implementation.
type memStore struct {
	mu sync.Mutex

	addresses map[string]models.Address
	products  map[string]models.Product
	carts     map[string]models.Cart
	orders    map[string]models.Order
	outbox    []database.OutboxEvent
	sent      map[int64]bool

	// failOn makes the named Querier call fail inside a transaction.
	failOn map[string]error
	// beforeTx runs once at the start of the next transaction, standing in for
	// a writer that committed between the snapshot read and the lock.
	beforeTx func(*memStore)
}

func newMemStore() *memStore {
	return &memStore{
		addresses: map[string]models.Address{},
		products:  map[string]models.Product{},
		carts:     map[string]models.Cart{},
		orders:    map[string]models.Order{},
		sent:      map[int64]bool{},
		failOn:    map[string]error{},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memState struct {
	addresses map[string]models.Address
	products  map[string]models.Product
	carts     map[string]models.Cart
	orders    map[string]models.Order
	outbox    []database.OutboxEvent
}

func (s *memStore) snapshot() memState {
	carts := make(map[string]models.Cart, len(s.carts))
	for k, c := range s.carts {
		c.Lines = slices.Clone(c.Lines)
		carts[k] = c
	}
	orders := make(map[string]models.Order, len(s.orders))
	for k, o := range s.orders {
		o.Items = slices.Clone(o.Items)
		orders[k] = o
	}
	return memState{
		addresses: maps.Clone(s.addresses),
		products:  maps.Clone(s.products),
		carts:     carts,
		orders:    orders,
		outbox:    slices.Clone(s.outbox),
	}
}

func (s *memStore) restore(st memState) {
	s.addresses = st.addresses
	s.products = st.products
	s.carts = st.carts
	s.orders = st.orders
	s.outbox = st.outbox
}

func (s *memStore) WithinTx(ctx context.Context, fn func(q database.Querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hook := s.beforeTx; hook != nil {
		s.beforeTx = nil
		hook(s)
	}

	before := s.snapshot()
	if err := fn(memTx{s}); err != nil {
		s.restore(before)
		return err
	}
	return nil
}

func (s *memStore) GetAddress(ctx context.Context, addressID, userID string) (models.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memTx{s}.GetAddress(ctx, addressID, userID)
}

func (s *memStore) GetProduct(ctx context.Context, productID string) (models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memTx{s}.GetProduct(ctx, productID)
}

func (s *memStore) GetCart(ctx context.Context, userID string) (models.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memTx{s}.GetCart(ctx, userID)
}

func (s *memStore) GetOrder(ctx context.Context, orderID string) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memTx{s}.GetOrder(ctx, orderID)
}

func (s *memStore) ListOrders(ctx context.Context, userID string) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memTx{s}.ListOrders(ctx, userID)
}

// Seeding and inspection helpers.

func (s *memStore) putProduct(p models.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

func (s *memStore) putAddress(a models.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addresses[a.ID] = a
}

func (s *memStore) putCart(c models.Cart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[c.UserID] = c
}

func (s *memStore) putOrder(o models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
}

func (s *memStore) product(id string) models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products[id]
}

func (s *memStore) order(id string) models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id]
}

func (s *memStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *memStore) cartLines(userID string) []models.CartLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.carts[userID].Lines)
}

func (s *memStore) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, len(s.outbox))
	for i, e := range s.outbox {
		types[i] = e.EventType
	}
	return types
}

type memTx struct {
	s *memStore
}

var _ database.Querier = memTx{}

func (t memTx) fail(op string) error {
	return t.s.failOn[op]
}

func (t memTx) GetAddress(_ context.Context, addressID, userID string) (models.Address, error) {
	a, ok := t.s.addresses[addressID]
	if !ok || a.UserID != userID {
		return models.Address{}, database.ErrNotFound
	}
	return a, nil
}

func (t memTx) GetProduct(_ context.Context, productID string) (models.Product, error) {
	if err := t.fail("GetProduct"); err != nil {
		return models.Product{}, err
	}
	p, ok := t.s.products[productID]
	if !ok {
		return models.Product{}, database.ErrNotFound
	}
	return p, nil
}

func (t memTx) DecrementStock(_ context.Context, productID string, quantity int) (bool, error) {
	if err := t.fail("DecrementStock"); err != nil {
		return false, err
	}
	p, ok := t.s.products[productID]
	if !ok || p.StockQuantity < quantity {
		return false, nil
	}
	p.StockQuantity -= quantity
	t.s.products[productID] = p
	return true, nil
}

func (t memTx) IncrementStock(_ context.Context, productID string, quantity int) (bool, error) {
	if err := t.fail("IncrementStock"); err != nil {
		return false, err
	}
	p, ok := t.s.products[productID]
	if !ok {
		return false, nil
	}
	p.StockQuantity += quantity
	t.s.products[productID] = p
	return true, nil
}

func (t memTx) GetCart(_ context.Context, userID string) (models.Cart, error) {
	c, ok := t.s.carts[userID]
	if !ok {
		return models.Cart{}, database.ErrNotFound
	}
	c.Lines = slices.Clone(c.Lines)
	return c, nil
}

func (t memTx) LockCart(ctx context.Context, userID string) (models.Cart, error) {
	return t.GetCart(ctx, userID)
}

func (t memTx) CreateCart(_ context.Context, cart models.Cart) error {
	if _, ok := t.s.carts[cart.UserID]; ok {
		return database.ErrDuplicate
	}
	t.s.carts[cart.UserID] = cart
	return nil
}

func (t memTx) UpsertCartLine(_ context.Context, line models.CartLine) error {
	for user, c := range t.s.carts {
		if c.ID != line.CartID {
			continue
		}
		for i, existing := range c.Lines {
			if existing.ProductID == line.ProductID {
				c.Lines[i].Quantity = line.Quantity
				t.s.carts[user] = c
				return nil
			}
		}
		c.Lines = append(c.Lines, line)
		t.s.carts[user] = c
		return nil
	}
	return database.ErrNotFound
}

func (t memTx) ClearCart(_ context.Context, cartID string) (int64, error) {
	if err := t.fail("ClearCart"); err != nil {
		return 0, err
	}
	for user, c := range t.s.carts {
		if c.ID == cartID {
			n := int64(len(c.Lines))
			c.Lines = nil
			t.s.carts[user] = c
			return n, nil
		}
	}
	return 0, nil
}

func (t memTx) InsertOrder(_ context.Context, order models.Order) error {
	if err := t.fail("InsertOrder"); err != nil {
		return err
	}
	for _, o := range t.s.orders {
		if o.ID == order.ID || o.OrderNumber == order.OrderNumber {
			return database.ErrDuplicate
		}
	}
	order.Items = nil
	t.s.orders[order.ID] = order
	return nil
}

func (t memTx) InsertOrderItems(_ context.Context, orderID string, items []models.OrderItem) error {
	if err := t.fail("InsertOrderItems"); err != nil {
		return err
	}
	o, ok := t.s.orders[orderID]
	if !ok {
		return database.ErrNotFound
	}
	o.Items = slices.Clone(items)
	t.s.orders[orderID] = o
	return nil
}

func (t memTx) GetOrder(_ context.Context, orderID string) (models.Order, error) {
	o, ok := t.s.orders[orderID]
	if !ok {
		return models.Order{}, database.ErrNotFound
	}
	o.Items = slices.Clone(o.Items)
	return o, nil
}

func (t memTx) LockOrder(ctx context.Context, orderID string) (models.Order, error) {
	return t.GetOrder(ctx, orderID)
}

func (t memTx) ListOrders(_ context.Context, userID string) ([]models.Order, error) {
	orders := []models.Order{}
	for _, o := range t.s.orders {
		if userID == "" || o.UserID == userID {
			o.Items = slices.Clone(o.Items)
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

func (t memTx) UpdateOrderLifecycle(_ context.Context, order models.Order) (models.Order, error) {
	if err := t.fail("UpdateOrderLifecycle"); err != nil {
		return models.Order{}, err
	}
	cur, ok := t.s.orders[order.ID]
	if !ok || cur.Version != order.Version {
		return models.Order{}, database.ErrVersionConflict
	}
	cur.Status = order.Status
	cur.PaymentStatus = order.PaymentStatus
	cur.PaymentIntentID = order.PaymentIntentID
	cur.TrackingNumber = order.TrackingNumber
	cur.Version++
	t.s.orders[order.ID] = cur

	order.Version = cur.Version
	return order, nil
}

func (t memTx) InsertOutboxEvent(_ context.Context, event database.OutboxEvent) error {
	if err := t.fail("InsertOutboxEvent"); err != nil {
		return err
	}
	event.ID = int64(len(t.s.outbox) + 1)
	t.s.outbox = append(t.s.outbox, event)
	return nil
}

func (t memTx) FetchPendingEvents(_ context.Context, limit int) ([]database.OutboxEvent, error) {
	var pending []database.OutboxEvent
	for _, e := range t.s.outbox {
		if !t.s.sent[e.ID] && len(pending) < limit {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

func (t memTx) MarkEventSent(_ context.Context, id int64) error {
	t.s.sent[id] = true
	return nil
}
