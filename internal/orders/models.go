package orders

import (
	"github.com/shopspring/decimal"
	"time"
)

func init() {
	// prices go over the wire as JSON numbers, not quoted strings
	decimal.MarshalJSONWithoutQuotes = true
}

type User struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     *string   `json:"phone,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Product struct {
	ID        string          `gorm:"primaryKey" json:"id"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type Order struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	UserID    string    `json:"userId"`
	ProductID string    `json:"productId"`
	Quantity  int       `json:"quantity"`
	Status    Status    `json:"status"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	User    *UserSummary    `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Product *ProductSummary `gorm:"foreignKey:ProductID" json:"product,omitempty"`
}

// UserSummary and ProductSummary are the joined views embedded in order reads.
type UserSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (UserSummary) TableName() string { return "users" }

type ProductSummary struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

func (ProductSummary) TableName() string { return "products" }

// Buyer is a user together with the orders they placed for one product.
type Buyer struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Email  string       `json:"email"`
	Orders []BuyerOrder `gorm:"foreignKey:UserID" json:"orders"`
}

func (Buyer) TableName() string { return "users" }

type BuyerOrder struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"createdAt"`
}

func (BuyerOrder) TableName() string { return "orders" }
