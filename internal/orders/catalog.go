package orders

import (
	"context"
	"errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"strings"
)

// ErrEmailTaken is returned by stores when the users.email unique constraint fires.
var ErrEmailTaken error = &Error{Kind: ErrValidation, Msg: "User with this email already exists"}

type NewUser struct {
	Name  string
	Email string
	Phone *string
}

type NewProduct struct {
	Name     string
	Category string
	Price    *decimal.Decimal
	Stock    *int
}

// Catalog validates and stores users and products. Stock set through the
// catalog is published as EventStockAdjusted.
type Catalog struct {
	store    CatalogStore
	log      *zap.Logger
	emitter  Emitter
	producer string
}

type CatalogOption func(*Catalog)

func WithCatalogEmitter(e Emitter, producer string) CatalogOption {
	return func(c *Catalog) { c.emitter, c.producer = e, producer }
}

func NewCatalog(store CatalogStore, log *zap.Logger, opts ...CatalogOption) *Catalog {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Catalog{store: store, log: log, emitter: nopEmitter{}, producer: "shop-api"}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Catalog) CreateUser(ctx context.Context, in NewUser) (User, error) {
	name, email := strings.TrimSpace(in.Name), normalizeEmail(in.Email)
	if name == "" || email == "" {
		return User{}, c.reject("catalog.CreateUser", validation("Missing required fields"))
	}
	u := User{ID: uuid.NewString(), Name: name, Email: email, Phone: in.Phone}
	if err := c.store.CreateUser(ctx, &u); err != nil {
		return User{}, c.reject("catalog.CreateUser", err, zap.String("email", email))
	}
	return u, nil
}

func (c *Catalog) GetUser(ctx context.Context, id string) (User, error) {
	u, err := c.store.GetUser(ctx, id)
	if err != nil {
		return User{}, c.reject("catalog.GetUser", err, zap.String("user_id", id))
	}
	return u, nil
}

// UpdateUser applies the non-nil fields of patch. Uniqueness of a changed
// email is enforced by the store's unique constraint.
func (c *Catalog) UpdateUser(ctx context.Context, id string, patch UserPatch) (User, error) {
	const op = "catalog.UpdateUser"
	if patch.Name != nil {
		n := strings.TrimSpace(*patch.Name)
		if n == "" {
			return User{}, c.reject(op, validation("Name must not be empty"), zap.String("user_id", id))
		}
		patch.Name = &n
	}
	if patch.Email != nil {
		e := normalizeEmail(*patch.Email)
		if e == "" {
			return User{}, c.reject(op, validation("Email must not be empty"), zap.String("user_id", id))
		}
		patch.Email = &e
	}
	u, err := c.store.UpdateUser(ctx, id, patch)
	if errors.Is(err, ErrEmailTaken) {
		err = validation("Email is already taken")
	}
	if err != nil {
		return User{}, c.reject(op, err, zap.String("user_id", id))
	}
	return u, nil
}

func (c *Catalog) CreateProduct(ctx context.Context, in NewProduct) (Product, error) {
	const op = "catalog.CreateProduct"
	name, category := strings.TrimSpace(in.Name), strings.TrimSpace(in.Category)
	if name == "" || category == "" || in.Price == nil || in.Stock == nil {
		return Product{}, c.reject(op, validation("Missing required fields"))
	}
	if in.Price.IsNegative() || *in.Stock < 0 {
		return Product{}, c.reject(op, validation("Price and stock must be non-negative"))
	}
	p := Product{
		ID:       uuid.NewString(),
		Name:     name,
		Category: category,
		Price:    in.Price.Round(2),
		Stock:    *in.Stock,
		Version:  1,
	}
	if err := c.store.CreateProduct(ctx, &p); err != nil {
		return Product{}, c.reject(op, err)
	}
	c.stockSet(ctx, p)
	return p, nil
}

func (c *Catalog) GetProduct(ctx context.Context, id string) (Product, error) {
	p, err := c.store.GetProduct(ctx, id)
	if err != nil {
		return Product{}, c.reject("catalog.GetProduct", err, zap.String("product_id", id))
	}
	return p, nil
}

// UpdateProduct applies the non-nil fields of patch. Setting stock here is a
// restock and bumps the product version like any other stock write.
func (c *Catalog) UpdateProduct(ctx context.Context, id string, patch ProductPatch) (Product, error) {
	const op = "catalog.UpdateProduct"
	if patch.Price != nil {
		if patch.Price.IsNegative() {
			return Product{}, c.reject(op, validation("Price must be non-negative"), zap.String("product_id", id))
		}
		rounded := patch.Price.Round(2)
		patch.Price = &rounded
	}
	if patch.Stock != nil && *patch.Stock < 0 {
		return Product{}, c.reject(op, validation("Stock must be non-negative"), zap.String("product_id", id))
	}
	p, err := c.store.UpdateProduct(ctx, id, patch)
	if err != nil {
		return Product{}, c.reject(op, err, zap.String("product_id", id))
	}
	if patch.Stock != nil {
		c.stockSet(ctx, p)
	}
	return p, nil
}

func (c *Catalog) TotalStock(ctx context.Context) (int64, error) {
	n, err := c.store.TotalStock(ctx)
	if err != nil {
		return 0, c.reject("catalog.TotalStock", err)
	}
	return n, nil
}

func (c *Catalog) stockSet(ctx context.Context, p Product) {
	emit(ctx, c.emitter, c.log, c.producer, EventStockAdjusted, StockMovedPayload{
		ProductID: p.ID, StockAfter: p.Stock, ProductVersion: p.Version,
	})
}

func (c *Catalog) reject(op string, err error, fields ...zap.Field) error {
	fields = append(fields, zap.String("op", op), zap.Error(err))
	if IsRejection(err) {
		c.log.Warn("catalog request rejected", fields...)
	} else {
		c.log.Error("catalog request failed", fields...)
	}
	return err
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
