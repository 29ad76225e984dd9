package httpx

import (
	"context"
	"github.com/ariefcatur/go-ecommerce-orders/internal/orders"
	"github.com/ariefcatur/go-ecommerce-orders/internal/redisx"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"net/http"
	"time"
)

type UserCatalog interface {
	CreateUser(ctx context.Context, in orders.NewUser) (orders.User, error)
	GetUser(ctx context.Context, id string) (orders.User, error)
	UpdateUser(ctx context.Context, id string, patch orders.UserPatch) (orders.User, error)
}

type UsersHandler struct {
	Catalog UserCatalog
	Cache   *redisx.Cache
	Log     *zap.Logger
}

type createUserReq struct {
	Name  string  `json:"name"`
	Email string  `json:"email"`
	Phone *string `json:"phone"`
}

type updateUserReq struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
	Phone *string `json:"phone"`
}

func (h *UsersHandler) Register(r chi.Router) {
	r.Route("/api/users", func(r chi.Router) {
		r.Post("/", h.createUser)
		r.Get("/{id}", h.getUser)
		r.Put("/{id}", h.updateUser)
	})
}

func (h *UsersHandler) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserReq
	if err := decode(r, &req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	u, err := h.Catalog.CreateUser(ctx, orders.NewUser{Name: req.Name, Email: req.Email, Phone: req.Phone})
	if err != nil {
		writeError(w, r, h.Log, "users.create", "Failed to create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h *UsersHandler) getUser(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	u, err := h.Catalog.GetUser(ctx, id)
	if err != nil {
		writeError(w, r, h.Log, "users.get", "Failed to fetch user", err, zap.String("user_id", id))
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *UsersHandler) updateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserReq
	if err := decode(r, &req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	u, err := h.Catalog.UpdateUser(ctx, id, orders.UserPatch{Name: req.Name, Email: req.Email, Phone: req.Phone})
	if err != nil {
		writeError(w, r, h.Log, "users.update", "Failed to update user", err, zap.String("user_id", id))
		return
	}
	if h.Cache != nil {
		h.Cache.Bump(ctx, redisx.DepCatalog)
	}
	writeJSON(w, http.StatusOK, u)
}
