package httpx

import (
	"context"
	"github.com/ariefcatur/go-ecommerce-orders/internal/orders"
	"github.com/ariefcatur/go-ecommerce-orders/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultTopSellers = 10
	maxTopSellers     = 100
)

type ProductCatalog interface {
	CreateProduct(ctx context.Context, in orders.NewProduct) (orders.Product, error)
	GetProduct(ctx context.Context, id string) (orders.Product, error)
	UpdateProduct(ctx context.Context, id string, patch orders.ProductPatch) (orders.Product, error)
	TotalStock(ctx context.Context) (int64, error)
}

// SalesReader serves the projections built by the worker.
type SalesReader interface {
	TopSellers(ctx context.Context, n int64) ([]redisx.ProductSales, error)
	LowStock(ctx context.Context) ([]string, error)
}

// ProductsHandler serves /api/products. Cache is optional; when set, product
// changes retire cached order details that embed the product.
type ProductsHandler struct {
	Catalog ProductCatalog
	Sales   SalesReader
	Cache   *redisx.Cache
	Log     *zap.Logger
}

type productReq struct {
	Name     *string          `json:"name"`
	Category *string          `json:"category"`
	Price    *decimal.Decimal `json:"price"`
	Stock    *int             `json:"stock"`
}

func (h *ProductsHandler) Register(r chi.Router) {
	r.Route("/api/products", func(r chi.Router) {
		r.Post("/", h.createProduct)
		r.Get("/stock/total", h.totalStock)
		r.Get("/stock/low", h.lowStock)
		r.Get("/top-sellers", h.topSellers)
		r.Get("/{id}", h.getProduct)
		r.Put("/{id}", h.updateProduct)
	})
}

func (h *ProductsHandler) createProduct(w http.ResponseWriter, r *http.Request) {
	var req productReq
	if err := decode(r, &req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	p, err := h.Catalog.CreateProduct(ctx, orders.NewProduct{
		Name:     deref(req.Name),
		Category: deref(req.Category),
		Price:    req.Price,
		Stock:    req.Stock,
	})
	if err != nil {
		writeError(w, r, h.Log, "products.create", "Failed to create product", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *ProductsHandler) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	p, err := h.Catalog.GetProduct(ctx, id)
	if err != nil {
		writeError(w, r, h.Log, "products.get", "Failed to fetch product", err, zap.String("product_id", id))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *ProductsHandler) updateProduct(w http.ResponseWriter, r *http.Request) {
	var req productReq
	if err := decode(r, &req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	p, err := h.Catalog.UpdateProduct(ctx, id, orders.ProductPatch{
		Name:     req.Name,
		Category: req.Category,
		Price:    req.Price,
		Stock:    req.Stock,
	})
	if err != nil {
		writeError(w, r, h.Log, "products.update", "Failed to update product", err, zap.String("product_id", id))
		return
	}
	if h.Cache != nil {
		h.Cache.Bump(ctx, redisx.DepCatalog)
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *ProductsHandler) totalStock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	n, err := h.Catalog.TotalStock(ctx)
	if err != nil {
		writeError(w, r, h.Log, "products.totalStock", "Failed to fetch total stock", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"totalStock": n})
}

func (h *ProductsHandler) topSellers(w http.ResponseWriter, r *http.Request) {
	limit := int64(defaultTopSellers)
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTopSellers)
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	top, err := h.Sales.TopSellers(ctx, limit)
	if err != nil {
		writeError(w, r, h.Log, "products.topSellers", "Failed to fetch top sellers", err)
		return
	}
	writeJSON(w, http.StatusOK, top)
}

func (h *ProductsHandler) lowStock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ids, err := h.Sales.LowStock(ctx)
	if err != nil {
		writeError(w, r, h.Log, "products.lowStock", "Failed to fetch low stock products", err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
