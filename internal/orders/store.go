package orders

import (
	"context"
	"github.com/shopspring/decimal"
)

// Store is the persistence the mutation service runs on. Lookups return an
// ErrNotFound kind when the row is absent.
type Store interface {
	GetProduct(ctx context.Context, id string) (Product, error)
	GetOrder(ctx context.Context, id string) (Order, error)

	// WithTx runs fn in a single transaction. Any error from fn, or a failed
	// commit, leaves no trace of fn's writes.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Single-row atomic writes for the optimistic strategy. The CAS variants
	// report false when the version moved on; every successful write bumps it.
	CompareAndSwapStock(ctx context.Context, productID string, version int64, stock int) (bool, error)
	CompareAndSwapOrderQuantity(ctx context.Context, orderID string, version int64, quantity int) (bool, error)
	InsertOrder(ctx context.Context, o *Order) error
	// AddStock applies a relative stock change and returns the updated row.
	AddStock(ctx context.Context, productID string, delta int) (Product, error)
}

// Tx is the transactional view used by the pessimistic strategy. Lock* take a
// row lock held until commit or rollback.
type Tx interface {
	LockProduct(ctx context.Context, id string) (Product, error)
	LockOrder(ctx context.Context, id string) (Order, error)
	SetStock(ctx context.Context, productID string, stock int) error
	InsertOrder(ctx context.Context, o *Order) error
	SetOrderQuantity(ctx context.Context, orderID string, quantity int) error
	SetOrderStatus(ctx context.Context, orderID string, status Status) error
}

// CatalogStore persists users and products. Patches are applied atomically in
// the store so a concurrent stock reservation is never overwritten.
type CatalogStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (User, error)
	UpdateUser(ctx context.Context, id string, patch UserPatch) (User, error)

	CreateProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, id string) (Product, error)
	UpdateProduct(ctx context.Context, id string, patch ProductPatch) (Product, error)
	TotalStock(ctx context.Context) (int64, error)
}

type UserPatch struct {
	Name  *string
	Email *string
	Phone *string
}

type ProductPatch struct {
	Name     *string
	Category *string
	Price    *decimal.Decimal
	Stock    *int
}
