package orders

import (
	"context"
)

func (r *Repo) CreateUser(ctx context.Context, u *User) error {
	err := r.DB.QueryRow(ctx, `
		INSERT INTO users(id, name, email, phone) VALUES ($1,$2,$3,$4)
		RETURNING created_at, updated_at`,
		u.ID, u.Name, u.Email, u.Phone,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	return mapErr(err, "User")
}

func (r *Repo) GetUser(ctx context.Context, id string) (User, error) {
	return scanUser(r.DB.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id=$1`, id))
}

func (r *Repo) UpdateUser(ctx context.Context, id string, patch UserPatch) (User, error) {
	return scanUser(r.DB.QueryRow(ctx, `
		UPDATE users SET
			name=COALESCE($2, name),
			email=COALESCE($3, email),
			phone=COALESCE($4, phone),
			updated_at=now()
		WHERE id=$1
		RETURNING `+userCols,
		id, patch.Name, patch.Email, patch.Phone))
}

func (r *Repo) CreateProduct(ctx context.Context, p *Product) error {
	err := r.DB.QueryRow(ctx, `
		INSERT INTO products(id, name, category, price, stock) VALUES ($1,$2,$3,$4,$5)
		RETURNING version, created_at, updated_at`,
		p.ID, p.Name, p.Category, p.Price, p.Stock,
	).Scan(&p.Version, &p.CreatedAt, &p.UpdatedAt)
	return mapErr(err, "Product")
}

// UpdateProduct bumps version only when stock is part of the patch, so
// renames do not make in-flight optimistic reservations retry.
func (r *Repo) UpdateProduct(ctx context.Context, id string, patch ProductPatch) (Product, error) {
	return getProduct(ctx, r.DB, `
		UPDATE products SET
			name=COALESCE($2, name),
			category=COALESCE($3, category),
			price=COALESCE($4, price),
			stock=COALESCE($5, stock),
			version=CASE WHEN $5::int IS NULL THEN version ELSE version+1 END,
			updated_at=now()
		WHERE id=$1
		RETURNING `+productCols,
		id, patch.Name, patch.Category, patch.Price, patch.Stock)
}

func (r *Repo) TotalStock(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.QueryRow(ctx, `SELECT COALESCE(SUM(stock), 0) FROM products`).Scan(&n)
	return n, err
}

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return User{}, mapErr(err, "User")
	}
	return u, nil
}
