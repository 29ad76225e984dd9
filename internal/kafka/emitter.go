package kafka

import (
	"context"
	"encoding/json"
	"github.com/ariefcatur/go-ecommerce-orders/internal/orders"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"strconv"
)

type publisher interface {
	Publish(topic string, key, value []byte, headers ...kafka.Header) bool
}

// Emitter publishes order envelopes on the topic of their event type, keyed by
// product id, with the caller's trace context in the headers.
type Emitter struct {
	p   publisher
	log *zap.Logger
}

var _ orders.Emitter = (*Emitter)(nil)

func NewEmitter(p *Producer, log *zap.Logger) *Emitter {
	return newEmitter(p, log)
}

func newEmitter(p publisher, log *zap.Logger) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter{p: p, log: log}
}

func (e *Emitter) Emit(ctx context.Context, env orders.Envelope) {
	topic := orders.TopicFor(env.EventType)
	if topic == "" {
		e.log.Warn("no topic for event type", zap.String("event_type", env.EventType), zap.String("event_id", env.EventID))
		return
	}
	b, err := json.Marshal(env)
	if err != nil {
		e.log.Error("marshal envelope", zap.String("event_id", env.EventID), zap.Error(err))
		return
	}

	headers := []kafka.Header{
		{Key: HeaderEventType, Value: []byte(env.EventType)},
		{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(env.EventVersion))},
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{h: &headers})

	if e.p.Publish(topic, orders.PartitionKey(env.PartitionKey), b, headers...) {
		e.log.Debug("event published", zap.String("topic", topic),
			zap.String("event_id", env.EventID), zap.String("order_id", env.CorrelationID))
	}
}
