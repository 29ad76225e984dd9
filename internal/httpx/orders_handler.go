package httpx

import (
	"context"
	"encoding/json"
	"github.com/ariefcatur/go-ecommerce-orders/internal/orders"
	"github.com/ariefcatur/go-ecommerce-orders/internal/redisx"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"net/http"
	"strconv"
	"time"
)

const (
	HeaderIdempotencyKey   = "Idempotency-Key"
	HeaderIdempotentReplay = "Idempotent-Replay"
)

type OrderService interface {
	CreateOrder(ctx context.Context, in orders.CreateOrderInput) (orders.Order, error)
	CreateOrderOptimistic(ctx context.Context, in orders.CreateOrderInput) (orders.Order, error)
	UpdateOrder(ctx context.Context, orderID string, quantity int) (orders.Order, error)
	UpdateOrderOptimistic(ctx context.Context, orderID string, quantity int) (orders.Order, error)
	CancelOrder(ctx context.Context, orderID string) (orders.Order, error)
}

type OrderReader interface {
	OrderByID(ctx context.Context, id string) (orders.Order, error)
	RecentOrders(ctx context.Context, now time.Time) ([]orders.Order, error)
	OrdersByUser(ctx context.Context, userID string) ([]orders.Order, error)
	ProductBuyers(ctx context.Context, productID string) ([]orders.Buyer, error)
}

// OrdersHandler serves /api/orders. Cache and Idem are optional; without them
// reads go straight to the database and Idempotency-Key is ignored.
type OrdersHandler struct {
	Service OrderService
	Reader  OrderReader
	Cache   *redisx.Cache
	Idem    *redisx.Idempotency
	Log     *zap.Logger
	Now     func() time.Time
}

type createOrderReq struct {
	UserID    string      `json:"userId"`
	ProductID string      `json:"productId"`
	Quantity  json.Number `json:"quantity"`
}

type updateOrderReq struct {
	Quantity json.Number `json:"quantity"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Route("/api/orders", func(r chi.Router) {
		r.Post("/", h.createOrder(false))
		r.Post("/optimistic", h.createOrder(true))
		r.Get("/recent/last7days", h.recentOrders)
		r.Get("/user/{userId}", h.ordersByUser)
		r.Get("/product/{productId}/buyers", h.productBuyers)
		r.Get("/{id}", h.getOrder)
		r.Put("/{id}", h.updateOrder(false))
		r.Put("/{id}/optimistic", h.updateOrder(true))
		r.Delete("/{id}", h.cancelOrder)
	})
}

func (h *OrdersHandler) createOrder(optimistic bool) http.HandlerFunc {
	create, op := h.Service.CreateOrder, "orders.create"
	if optimistic {
		create, op = h.Service.CreateOrderOptimistic, "orders.createOptimistic"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req createOrderReq
		if err := decode(r, &req); err != nil {
			badRequest(w, "Invalid JSON body")
			return
		}
		qty, ok := quantity(req.Quantity)
		if !ok {
			badRequest(w, "Quantity must be a positive integer")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		key := r.Header.Get(HeaderIdempotencyKey)
		if o, ok := h.replay(ctx, key); ok {
			w.Header().Set(HeaderIdempotentReplay, "true")
			writeJSON(w, http.StatusOK, o)
			return
		}

		o, err := create(ctx, orders.CreateOrderInput{UserID: req.UserID, ProductID: req.ProductID, Quantity: qty})
		if err != nil {
			writeError(w, r, h.Log, op, "Failed to create order", err,
				zap.String("user_id", req.UserID), zap.String("product_id", req.ProductID))
			return
		}
		if key != "" && h.Idem != nil {
			if err := h.Idem.Remember(ctx, key, o.ID); err != nil {
				h.log().Warn("remember idempotency key", zap.String("order_id", o.ID), zap.Error(err))
			}
		}
		writeJSON(w, http.StatusCreated, o)
	}
}

// replay returns the order an earlier request with the same key created.
func (h *OrdersHandler) replay(ctx context.Context, key string) (orders.Order, bool) {
	if key == "" || h.Idem == nil {
		return orders.Order{}, false
	}
	id, ok, err := h.Idem.Lookup(ctx, key)
	if err != nil {
		h.log().Warn("idempotency lookup", zap.Error(err))
		return orders.Order{}, false
	}
	if !ok {
		return orders.Order{}, false
	}
	o, err := h.Reader.OrderByID(ctx, id)
	if err != nil {
		h.log().Warn("idempotent replay read", zap.String("order_id", id), zap.Error(err))
		return orders.Order{}, false
	}
	return o, true
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	load := func(ctx context.Context) ([]byte, error) {
		o, err := h.Reader.OrderByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(o)
	}

	var (
		b   []byte
		err error
	)
	if h.Cache != nil {
		b, err = h.Cache.GetOrLoad(ctx, redisx.OrderDetailKey(id), redisx.OrderDetailDeps(id), redisx.TTLOrderDetail, load)
	} else {
		b, err = load(ctx)
	}
	if err != nil {
		writeError(w, r, h.Log, "orders.get", "Failed to fetch order", err, zap.String("order_id", id))
		return
	}
	writeRaw(w, http.StatusOK, b)
}

func (h *OrdersHandler) updateOrder(optimistic bool) http.HandlerFunc {
	update, op := h.Service.UpdateOrder, "orders.update"
	if optimistic {
		update, op = h.Service.UpdateOrderOptimistic, "orders.updateOptimistic"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateOrderReq
		if err := decode(r, &req); err != nil {
			badRequest(w, "Invalid JSON body")
			return
		}
		qty, ok := quantity(req.Quantity)
		if !ok {
			badRequest(w, "Quantity must be a positive integer")
			return
		}
		id := chi.URLParam(r, "id")
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		o, err := update(ctx, id, qty)
		if err != nil {
			writeError(w, r, h.Log, op, "Failed to update order", err, zap.String("order_id", id))
			return
		}
		h.respondDetail(ctx, w, r, op, o)
	}
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Service.CancelOrder(ctx, id)
	if err != nil {
		writeError(w, r, h.Log, "orders.cancel", "Failed to cancel order", err, zap.String("order_id", id))
		return
	}
	h.respondDetail(ctx, w, r, "orders.cancel", o)
}

// respondDetail retires the cached detail of a mutated order and answers with
// a fresh read including user and product.
func (h *OrdersHandler) respondDetail(ctx context.Context, w http.ResponseWriter, r *http.Request, op string, o orders.Order) {
	if h.Cache != nil {
		h.Cache.Bump(ctx, redisx.OrderDep(o.ID))
	}
	detail, err := h.Reader.OrderByID(ctx, o.ID)
	if err != nil {
		// the mutation committed; fall back to the bare order
		h.log().Warn("read order detail after mutation", zap.String("op", op), zap.String("order_id", o.ID), zap.Error(err))
		writeJSON(w, http.StatusOK, o)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *OrdersHandler) recentOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	list, err := h.Reader.RecentOrders(ctx, h.now())
	if err != nil {
		writeError(w, r, h.Log, "orders.recent", "Failed to fetch recent orders", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *OrdersHandler) ordersByUser(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	userID := chi.URLParam(r, "userId")
	list, err := h.Reader.OrdersByUser(ctx, userID)
	if err != nil {
		writeError(w, r, h.Log, "orders.byUser", "Failed to fetch user orders", err, zap.String("user_id", userID))
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *OrdersHandler) productBuyers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	productID := chi.URLParam(r, "productId")
	list, err := h.Reader.ProductBuyers(ctx, productID)
	if err != nil {
		writeError(w, r, h.Log, "orders.productBuyers", "Failed to fetch product buyers", err, zap.String("product_id", productID))
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *OrdersHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *OrdersHandler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

// quantity parses a JSON number that must be an integer. A missing value
// parses as zero and is rejected by the service.
func quantity(n json.Number) (int, bool) {
	if n == "" {
		return 0, true
	}
	q, err := strconv.Atoi(n.String())
	return q, err == nil
}
