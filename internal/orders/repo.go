package orders

import (
	"context"
	"errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"strings"
)

// DB is the subset of *pgxpool.Pool the repo uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queryer is what both the pool and a pgx.Tx offer.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repo is the Postgres Store and CatalogStore.
type Repo struct{ DB DB }

var (
	_ Store        = (*Repo)(nil)
	_ CatalogStore = (*Repo)(nil)
)

const (
	productCols = `id, name, category, price, stock, version, created_at, updated_at`
	orderCols   = `id, user_id, product_id, quantity, status, version, created_at, updated_at`
	userCols    = `id, name, email, phone, created_at, updated_at`
)

func (r *Repo) GetProduct(ctx context.Context, id string) (Product, error) {
	return getProduct(ctx, r.DB, `SELECT `+productCols+` FROM products WHERE id=$1`, id)
}

func (r *Repo) GetOrder(ctx context.Context, id string) (Order, error) {
	return getOrder(ctx, r.DB, `SELECT `+orderCols+` FROM orders WHERE id=$1`, id)
}

// WithTx: read committed is enough because every read that feeds a write
// inside fn goes through a FOR UPDATE lock.
func (r *Repo) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&repoTx{tx: tx}); err != nil {
		return err
	}
	return mapErr(tx.Commit(ctx), "")
}

func (r *Repo) CompareAndSwapStock(ctx context.Context, productID string, version int64, stock int) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE products SET stock=$3, version=version+1, updated_at=now()
		WHERE id=$1 AND version=$2`, productID, version, stock)
	if err != nil {
		return false, mapErr(err, "Product")
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repo) CompareAndSwapOrderQuantity(ctx context.Context, orderID string, version int64, quantity int) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET quantity=$3, version=version+1, updated_at=now()
		WHERE id=$1 AND version=$2 AND status='ACTIVE'`, orderID, version, quantity)
	if err != nil {
		return false, mapErr(err, "Order")
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repo) InsertOrder(ctx context.Context, o *Order) error {
	return insertOrder(ctx, r.DB, o)
}

// AddStock is an unconditional relative write; the stock CHECK constraint
// still rejects a result below zero.
func (r *Repo) AddStock(ctx context.Context, productID string, delta int) (Product, error) {
	return getProduct(ctx, r.DB, `
		UPDATE products SET stock=stock+$2, version=version+1, updated_at=now()
		WHERE id=$1 RETURNING `+productCols, productID, delta)
}

type repoTx struct{ tx pgx.Tx }

func (t *repoTx) LockProduct(ctx context.Context, id string) (Product, error) {
	return getProduct(ctx, t.tx, `SELECT `+productCols+` FROM products WHERE id=$1 FOR UPDATE`, id)
}

func (t *repoTx) LockOrder(ctx context.Context, id string) (Order, error) {
	return getOrder(ctx, t.tx, `SELECT `+orderCols+` FROM orders WHERE id=$1 FOR UPDATE`, id)
}

func (t *repoTx) SetStock(ctx context.Context, productID string, stock int) error {
	return execOne(ctx, t.tx, "Product", `
		UPDATE products SET stock=$2, version=version+1, updated_at=now() WHERE id=$1`, productID, stock)
}

func (t *repoTx) InsertOrder(ctx context.Context, o *Order) error {
	return insertOrder(ctx, t.tx, o)
}

func (t *repoTx) SetOrderQuantity(ctx context.Context, orderID string, quantity int) error {
	return execOne(ctx, t.tx, "Order", `
		UPDATE orders SET quantity=$2, version=version+1, updated_at=now() WHERE id=$1`, orderID, quantity)
}

func (t *repoTx) SetOrderStatus(ctx context.Context, orderID string, status Status) error {
	return execOne(ctx, t.tx, "Order", `
		UPDATE orders SET status=$2, version=version+1, updated_at=now() WHERE id=$1`, orderID, string(status))
}

func getProduct(ctx context.Context, q queryer, sql string, args ...any) (Product, error) {
	var p Product
	err := q.QueryRow(ctx, sql, args...).Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.Stock, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Product{}, mapErr(err, "Product")
	}
	return p, nil
}

func getOrder(ctx context.Context, q queryer, sql, id string) (Order, error) {
	var (
		o      Order
		status string
	)
	err := q.QueryRow(ctx, sql, id).Scan(&o.ID, &o.UserID, &o.ProductID, &o.Quantity, &status, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, mapErr(err, "Order")
	}
	o.Status = Status(status)
	return o, nil
}

func insertOrder(ctx context.Context, q queryer, o *Order) error {
	if o.Status == "" {
		o.Status = StatusActive
	}
	err := q.QueryRow(ctx, `
		INSERT INTO orders(id, user_id, product_id, quantity, status)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING version, created_at, updated_at`,
		o.ID, o.UserID, o.ProductID, o.Quantity, string(o.Status),
	).Scan(&o.Version, &o.CreatedAt, &o.UpdatedAt)
	// product was already read, so a bad reference here is the user
	return mapErr(err, "User")
}

func execOne(ctx context.Context, q queryer, entity, sql string, args ...any) error {
	ct, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return mapErr(err, entity)
	}
	if ct.RowsAffected() != 1 {
		return notFound(entity)
	}
	return nil
}

// mapErr translates driver errors into the package's error kinds.
func mapErr(err error, entity string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(entity)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "22P02": // malformed uuid can never match a row
		if entity != "" {
			return notFound(entity)
		}
	case "23505":
		if strings.Contains(pgErr.ConstraintName, "email") {
			return ErrEmailTaken
		}
	case "23503":
		if strings.Contains(pgErr.ConstraintName, "product") {
			return notFound("Product")
		}
		return notFound("User")
	case "23514":
		if strings.Contains(pgErr.ConstraintName, "stock") {
			return errNotEnoughStock
		}
	case "40001", "40P01":
		return errTxAborted
	}
	return err
}
