package orders

import (
	"context"
	"sync"
	"time"
)

// fakeStore is an in-memory Store and CatalogStore. WithTx holds the store
// mutex for the whole callback, which gives the same serialization as row
// locks, and restores the snapshot when the callback fails.
type fakeStore struct {
	mu       sync.Mutex
	users    map[string]User
	products map[string]Product
	orders   map[string]Order

	insertErr   error
	commitErr   error
	addStockErr error

	// run with mu held, before the version comparison of the matching CAS
	beforeStockCAS func(f *fakeStore)
	beforeOrderCAS func(f *fakeStore)

	stockCAS int
	addStock int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    map[string]User{},
		products: map[string]Product{},
		orders:   map[string]Order{},
	}
}

func (f *fakeStore) seedUser(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id] = User{ID: id, Name: "user " + id, Email: id + "@example.com"}
}

func (f *fakeStore) seedProduct(id string, stock int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products[id] = Product{ID: id, Name: "product " + id, Category: "misc", Stock: stock, Version: 1}
}

func (f *fakeStore) stock(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.products[id].Stock
}

func (f *fakeStore) order(id string) Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[id]
}

// reserved sums the quantities of live orders for a product.
func (f *fakeStore) reserved(productID string) (sum, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.ProductID == productID && o.Status.Live() {
			sum += o.Quantity
			count++
		}
	}
	return sum, count
}

func (f *fakeStore) GetProduct(_ context.Context, id string) (Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getProduct(id)
}

func (f *fakeStore) GetOrder(_ context.Context, id string) (Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getOrder(id)
}

func (f *fakeStore) WithTx(_ context.Context, fn func(tx Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	products := make(map[string]Product, len(f.products))
	for k, v := range f.products {
		products[k] = v
	}
	orders := make(map[string]Order, len(f.orders))
	for k, v := range f.orders {
		orders[k] = v
	}

	err := fn(fakeTx{f})
	if err == nil {
		err = f.commitErr
	}
	if err != nil {
		f.products, f.orders = products, orders
	}
	return err
}

func (f *fakeStore) CompareAndSwapStock(_ context.Context, productID string, version int64, stock int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stockCAS++
	if f.beforeStockCAS != nil {
		f.beforeStockCAS(f)
	}
	p, err := f.getProduct(productID)
	if err != nil {
		return false, err
	}
	if p.Version != version {
		return false, nil
	}
	if stock < 0 {
		return false, errNotEnoughStock
	}
	p.Stock, p.Version = stock, p.Version+1
	f.products[productID] = p
	return true, nil
}

func (f *fakeStore) CompareAndSwapOrderQuantity(_ context.Context, orderID string, version int64, quantity int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beforeOrderCAS != nil {
		f.beforeOrderCAS(f)
	}
	o, err := f.getOrder(orderID)
	if err != nil {
		return false, err
	}
	if o.Version != version || o.Status != StatusActive {
		return false, nil
	}
	o.Quantity, o.Version = quantity, o.Version+1
	f.orders[orderID] = o
	return true, nil
}

func (f *fakeStore) InsertOrder(_ context.Context, o *Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insertOrder(o)
}

func (f *fakeStore) AddStock(ctx context.Context, productID string, delta int) (Product, error) {
	if err := ctx.Err(); err != nil {
		return Product{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addStock++
	if f.addStockErr != nil {
		return Product{}, f.addStockErr
	}
	p, err := f.getProduct(productID)
	if err != nil {
		return Product{}, err
	}
	if p.Stock+delta < 0 {
		return Product{}, errNotEnoughStock
	}
	p.Stock, p.Version = p.Stock+delta, p.Version+1
	f.products[productID] = p
	return p, nil
}

func (f *fakeStore) product(id string) Product {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.products[id]
}

func (f *fakeStore) getProduct(id string) (Product, error) {
	p, ok := f.products[id]
	if !ok {
		return Product{}, notFound("Product")
	}
	return p, nil
}

func (f *fakeStore) getOrder(id string) (Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return Order{}, notFound("Order")
	}
	return o, nil
}

func (f *fakeStore) insertOrder(o *Order) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	if _, ok := f.users[o.UserID]; !ok {
		return notFound("User")
	}
	if _, ok := f.products[o.ProductID]; !ok {
		return notFound("Product")
	}
	if o.Status == "" {
		o.Status = StatusActive
	}
	now := time.Now()
	o.Version, o.CreatedAt, o.UpdatedAt = 1, now, now
	f.orders[o.ID] = *o
	return nil
}

type fakeTx struct{ f *fakeStore }

func (t fakeTx) LockProduct(_ context.Context, id string) (Product, error) { return t.f.getProduct(id) }
func (t fakeTx) LockOrder(_ context.Context, id string) (Order, error)     { return t.f.getOrder(id) }
func (t fakeTx) InsertOrder(_ context.Context, o *Order) error             { return t.f.insertOrder(o) }

func (t fakeTx) SetStock(_ context.Context, productID string, stock int) error {
	p, err := t.f.getProduct(productID)
	if err != nil {
		return err
	}
	if stock < 0 {
		return errNotEnoughStock
	}
	p.Stock, p.Version = stock, p.Version+1
	t.f.products[productID] = p
	return nil
}

func (t fakeTx) SetOrderQuantity(_ context.Context, orderID string, quantity int) error {
	o, err := t.f.getOrder(orderID)
	if err != nil {
		return err
	}
	o.Quantity, o.Version = quantity, o.Version+1
	t.f.orders[orderID] = o
	return nil
}

func (t fakeTx) SetOrderStatus(_ context.Context, orderID string, status Status) error {
	o, err := t.f.getOrder(orderID)
	if err != nil {
		return err
	}
	o.Status, o.Version = status, o.Version+1
	t.f.orders[orderID] = o
	return nil
}

func (f *fakeStore) CreateUser(_ context.Context, u *User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == u.Email {
			return ErrEmailTaken
		}
	}
	u.CreatedAt, u.UpdatedAt = time.Now(), time.Now()
	f.users[u.ID] = *u
	return nil
}

func (f *fakeStore) GetUser(_ context.Context, id string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return User{}, notFound("User")
	}
	return u, nil
}

func (f *fakeStore) UpdateUser(_ context.Context, id string, patch UserPatch) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return User{}, notFound("User")
	}
	if patch.Email != nil {
		for otherID, other := range f.users {
			if otherID != id && other.Email == *patch.Email {
				return User{}, ErrEmailTaken
			}
		}
		u.Email = *patch.Email
	}
	if patch.Name != nil {
		u.Name = *patch.Name
	}
	if patch.Phone != nil {
		u.Phone = patch.Phone
	}
	u.UpdatedAt = time.Now()
	f.users[id] = u
	return u, nil
}

func (f *fakeStore) CreateProduct(_ context.Context, p *Product) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.CreatedAt, p.UpdatedAt = time.Now(), time.Now()
	f.products[p.ID] = *p
	return nil
}

func (f *fakeStore) UpdateProduct(_ context.Context, id string, patch ProductPatch) (Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.getProduct(id)
	if err != nil {
		return Product{}, err
	}
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.Category != nil {
		p.Category = *patch.Category
	}
	if patch.Price != nil {
		p.Price = *patch.Price
	}
	if patch.Stock != nil {
		p.Stock, p.Version = *patch.Stock, p.Version+1
	}
	f.products[id] = p
	return p, nil
}

func (f *fakeStore) TotalStock(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, p := range f.products {
		n += int64(p.Stock)
	}
	return n, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *recordingEmitter) Emit(_ context.Context, env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
}

func (r *recordingEmitter) all() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.events...)
}
