package inventory

import (
	"context"
	"fmt"
	kafkax "github.com/ariefcatur/go-ecommerce-orders/internal/kafka"
	"github.com/ariefcatur/go-ecommerce-orders/internal/orders"
	"github.com/ariefcatur/go-ecommerce-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Projector folds stock events into the Redis sales ranking and the low-stock
// set. Each event is applied at most once per service name.
type Projector struct {
	Redis             *redis.Client
	LowStockThreshold int
	ServiceName       string
	Log               *zap.Logger
}

// projectStock applies one stock movement.
// KEYS: product_sales, low_stock, stock_version.
// ARGV: product_id, sold delta, stock after, product version, threshold.
// The sales increment always applies. The low-stock membership only follows
// a product version newer than the last one applied, so events arriving out
// of order across topics cannot resurrect an old stock level. Version 0 is
// unversioned and always applies.
var projectStock = redis.NewScript(`
local delta = tonumber(ARGV[2])
if delta ~= 0 then
  redis.call('ZINCRBY', KEYS[1], delta, ARGV[1])
end
local version = tonumber(ARGV[4])
if version > 0 then
  local seen = tonumber(redis.call('HGET', KEYS[3], ARGV[1]) or '0')
  if version <= seen then
    return 0
  end
  redis.call('HSET', KEYS[3], ARGV[1], version)
end
if tonumber(ARGV[3]) <= tonumber(ARGV[5]) then
  redis.call('SADD', KEYS[2], ARGV[1])
else
  redis.call('SREM', KEYS[2], ARGV[1])
end
return 1
`)

// HandleMessage is the consumer handler. Undecodable messages are logged and
// committed so they do not block the partition.
func (p *Projector) HandleMessage(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		p.log().Warn("skipping undecodable message", zap.String("topic", m.Topic),
			zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	return p.Apply(ctx, env)
}

func (p *Projector) Apply(ctx context.Context, env orders.Envelope) error {
	switch env.EventType {
	case orders.EventOrderCreated, orders.EventOrderUpdated, orders.EventOrderCancelled, orders.EventStockAdjusted:
	default:
		return nil
	}
	mv, err := kafkax.UnwrapPayload[orders.StockMovedPayload](env.Payload)
	if err != nil {
		p.log().Warn("skipping event with bad payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, p.ServiceName, env.EventID)
	fresh, err := redisx.Claim(ctx, p.Redis, dkey, redisx.TTLDedup)
	if err != nil {
		return err
	}
	if !fresh {
		p.log().Debug("duplicate event", zap.String("event_id", env.EventID))
		return nil
	}

	applied, err := projectStock.Run(ctx, p.Redis, projectionKeys(), projectionArgs(mv, p.LowStockThreshold)...).Int()
	if err != nil {
		// give the claim back so a redelivery can apply the event
		if derr := p.Redis.Del(ctx, dkey).Err(); derr != nil {
			p.log().Warn("release dedup claim", zap.String("key", dkey), zap.Error(derr))
		}
		return fmt.Errorf("project event %s: %w", env.EventID, err)
	}

	p.log().Info("event projected",
		zap.String("event_type", env.EventType),
		zap.String("event_id", env.EventID),
		zap.String("product_id", mv.ProductID),
		zap.Int("sold_delta", mv.SoldDelta),
		zap.Int("stock_after", mv.StockAfter),
		zap.Int64("product_version", mv.ProductVersion),
		zap.Bool("stale_stock", applied == 0))
	return nil
}

func projectionKeys() []string {
	return []string{redisx.KeyProductSales, redisx.KeyLowStock, redisx.KeyStockVersion}
}

func projectionArgs(mv orders.StockMovedPayload, threshold int) []interface{} {
	return []interface{}{mv.ProductID, mv.SoldDelta, mv.StockAfter, mv.ProductVersion, threshold}
}

func (p *Projector) log() *zap.Logger {
	if p.Log == nil {
		return zap.NewNop()
	}
	return p.Log
}
