package httpx

import (
	"encoding/json"
	"errors"
	"github.com/ariefcatur/go-ecommerce-orders/internal/orders"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"net/http"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orders.ErrValidation), errors.Is(err, orders.ErrInsufficientStock):
		return http.StatusBadRequest
	case errors.Is(err, orders.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError answers with the error's own message for known kinds and with
// fallback for anything else. Failures are logged at error, rejections at info.
func writeError(w http.ResponseWriter, r *http.Request, log *zap.Logger, op, fallback string, err error, fields ...zap.Field) {
	code := statusFor(err)
	msg, ok := orders.Message(err)
	if code == http.StatusInternalServerError || !ok {
		msg = fallback
	}
	if log != nil {
		fields = append(fields,
			zap.String("op", op),
			zap.Int("status", code),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		if code == http.StatusInternalServerError {
			log.Error("request failed", fields...)
		} else {
			log.Info("request rejected", fields...)
		}
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
