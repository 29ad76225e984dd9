package orders

import (
	"context"
	"errors"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"time"
)

// RecentWindow is the trailing window of RecentOrders.
const RecentWindow = 7 * 24 * time.Hour

// Queries serves the read side through gorm. Reads run outside any mutation
// transaction, so they only ever see committed rows.
type Queries struct{ db *gorm.DB }

func NewQueries(db *gorm.DB) *Queries { return &Queries{db: db} }

func withSummaries(db *gorm.DB) *gorm.DB {
	return db.
		Preload("User", func(tx *gorm.DB) *gorm.DB { return tx.Select("id", "name", "email") }).
		Preload("Product", func(tx *gorm.DB) *gorm.DB { return tx.Select("id", "name", "price") })
}

func (q *Queries) OrderByID(ctx context.Context, id string) (Order, error) {
	var o Order
	err := withSummaries(q.db.WithContext(ctx)).Where("id = ?", id).First(&o).Error
	if err != nil {
		return Order{}, mapGormErr(err, "Order")
	}
	return o, nil
}

// RecentOrders returns orders created in the RecentWindow before now, newest
// first. Cancelled orders are listed with their status.
func (q *Queries) RecentOrders(ctx context.Context, now time.Time) ([]Order, error) {
	out := []Order{}
	err := withSummaries(q.db.WithContext(ctx)).
		Where("created_at >= ?", now.Add(-RecentWindow)).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

// OrdersByUser lists every order of the user, cancelled ones included, newest first.
func (q *Queries) OrdersByUser(ctx context.Context, userID string) ([]Order, error) {
	out := []Order{}
	err := q.db.WithContext(ctx).
		Preload("Product", func(tx *gorm.DB) *gorm.DB { return tx.Select("id", "name", "price") }).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&out).Error
	if malformedID(err) {
		return []Order{}, nil
	}
	return out, mapGormErr(err, "")
}

// ProductBuyers returns users with at least one active order for the
// product, each with only their active orders for that product. Cancelled
// orders returned their stock and do not make a buyer.
func (q *Queries) ProductBuyers(ctx context.Context, productID string) ([]Buyer, error) {
	out := []Buyer{}
	active := string(StatusActive)
	err := q.db.WithContext(ctx).
		Select("id", "name", "email").
		Where("EXISTS (SELECT 1 FROM orders o WHERE o.user_id = users.id AND o.product_id = ? AND o.status = ?)", productID, active).
		Preload("Orders", func(tx *gorm.DB) *gorm.DB {
			return tx.Select("id", "user_id", "quantity", "created_at").
				Where("product_id = ? AND status = ?", productID, active).
				Order("created_at DESC")
		}).
		Order("name").
		Find(&out).Error
	if malformedID(err) {
		return []Buyer{}, nil
	}
	return out, mapGormErr(err, "")
}

func mapGormErr(err error, entity string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound(entity)
	}
	return mapErr(err, entity)
}

// malformedID reports a uuid the database refused to parse; list reads treat
// it as an id that matches nothing.
func malformedID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
