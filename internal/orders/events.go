package orders

import (
	"context"
	"encoding/json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"time"
)

const (
	EventOrderCreated   = "OrderCreated"
	EventOrderUpdated   = "OrderUpdated"
	EventOrderCancelled = "OrderCancelled"

	// EventStockAdjusted reports a stock write that is not an order mutation:
	// a new product, a restock or a compensation.
	EventStockAdjusted = "StockAdjusted"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	PartitionKey  string          `json:"-"`                        // product id
	Payload       json.RawMessage `json:"payload"`
}

// StockMovedPayload is shared by all stock events. SoldDelta is the change in
// units sold (negative when a reservation shrinks or is cancelled).
// ProductVersion is the product row version that holds StockAfter, so
// consumers can order stock levels across topics.
type StockMovedPayload struct {
	OrderID        string `json:"order_id"`
	UserID         string `json:"user_id"`
	ProductID      string `json:"product_id"`
	OldQuantity    int    `json:"old_quantity"`
	NewQuantity    int    `json:"new_quantity"`
	SoldDelta      int    `json:"sold_delta"`
	StockAfter     int    `json:"stock_after"`
	ProductVersion int64  `json:"product_version"`
	Strategy       string `json:"strategy,omitempty"`
}

// Emitter publishes envelopes after a mutation committed. Implementations must
// not block the caller on broker round trips.
type Emitter interface {
	Emit(ctx context.Context, env Envelope)
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, Envelope) {}

func emit(ctx context.Context, e Emitter, log *zap.Logger, producer, eventType string, p StockMovedPayload) {
	env, err := newEnvelope(ctx, producer, eventType, p)
	if err != nil {
		log.Error("build event envelope", zap.String("event_type", eventType),
			zap.String("product_id", p.ProductID), zap.Error(err))
		return
	}
	e.Emit(ctx, env)
}

func newEnvelope(ctx context.Context, producer, eventType string, p StockMovedPayload) (Envelope, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: p.OrderID,
		PartitionKey:  p.ProductID,
		Payload:       b,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	return env, nil
}
