package orders

import (
	"context"
	"errors"
	"fmt"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"time"
)

const (
	StrategyPessimistic = "pessimistic"
	StrategyOptimistic  = "optimistic"

	DefaultMaxAttempts  = 4
	compensationTimeout = 5 * time.Second
)

// errStale marks an optimistic attempt that lost a version race.
var errStale = errors.New("stale version")

// stockLevel is a product's stock together with the row version holding it.
type stockLevel struct {
	stock   int
	version int64
}

type CreateOrderInput struct {
	UserID    string
	ProductID string
	Quantity  int
}

func (in CreateOrderInput) validate() error {
	if in.UserID == "" || in.ProductID == "" {
		return validation("Missing required fields")
	}
	if in.Quantity <= 0 {
		return validation("Quantity must be a positive integer")
	}
	return nil
}

// Service creates, updates and cancels orders while keeping product stock
// consistent with the live orders that reference it.
type Service struct {
	store    Store
	emitter  Emitter
	log      *zap.Logger
	tracer   trace.Tracer
	producer string

	maxAttempts  int
	retryInitial time.Duration
	retryMax     time.Duration
}

type Option func(*Service)

func WithEmitter(e Emitter) Option    { return func(s *Service) { s.emitter = e } }
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = l } }

// WithProducerName sets the producer field of emitted envelopes.
func WithProducerName(name string) Option { return func(s *Service) { s.producer = name } }

// WithMaxAttempts bounds the optimistic strategy; values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithRetryInterval(initial, max time.Duration) Option {
	return func(s *Service) { s.retryInitial, s.retryMax = initial, max }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:        store,
		emitter:      nopEmitter{},
		log:          zap.NewNop(),
		tracer:       otel.Tracer("github.com/ariefcatur/go-ecommerce-orders/internal/orders"),
		producer:     "shop-api",
		maxAttempts:  DefaultMaxAttempts,
		retryInitial: 10 * time.Millisecond,
		retryMax:     200 * time.Millisecond,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateOrder reserves stock and writes the order in one transaction.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (Order, error) {
	const op = "orders.CreateOrder"
	ctx, span := s.startSpan(ctx, op, StrategyPessimistic,
		attribute.String("product.id", in.ProductID),
		attribute.Int("order.quantity", in.Quantity))
	defer span.End()
	fields := []zap.Field{zap.String("product_id", in.ProductID), zap.String("user_id", in.UserID)}

	if err := in.validate(); err != nil {
		return Order{}, s.fail(span, op, err, fields...)
	}

	// cheap short-circuit; the decision that counts is taken under the row lock
	p, err := s.store.GetProduct(ctx, in.ProductID)
	if err != nil {
		return Order{}, s.fail(span, op, err, fields...)
	}
	if _, err := Reserve(p.Stock, in.Quantity); err != nil {
		return Order{}, s.fail(span, op, err, append(fields, zap.Int("stock", p.Stock), zap.Int("quantity", in.Quantity))...)
	}

	order := Order{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		ProductID: in.ProductID,
		Quantity:  in.Quantity,
		Status:    StatusActive,
	}
	var moved stockLevel
	err = s.store.WithTx(ctx, func(tx Tx) error {
		locked, err := tx.LockProduct(ctx, in.ProductID)
		if err != nil {
			return err
		}
		next, err := Reserve(locked.Stock, in.Quantity)
		if err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, &order); err != nil {
			return err
		}
		moved = stockLevel{next, locked.Version + 1}
		return tx.SetStock(ctx, locked.ID, next)
	})
	if err != nil {
		return Order{}, s.fail(span, op, err, fields...)
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	s.emit(ctx, EventOrderCreated, StockMovedPayload{
		OrderID: order.ID, UserID: order.UserID, ProductID: order.ProductID,
		NewQuantity: order.Quantity, SoldDelta: order.Quantity,
		StockAfter: moved.stock, ProductVersion: moved.version, Strategy: StrategyPessimistic,
	})
	return order, nil
}

// CreateOrderOptimistic reserves stock with a version-checked write and retries
// on lost races. A failed order insert gives the reserved stock back.
func (s *Service) CreateOrderOptimistic(ctx context.Context, in CreateOrderInput) (Order, error) {
	const op = "orders.CreateOrderOptimistic"
	ctx, span := s.startSpan(ctx, op, StrategyOptimistic,
		attribute.String("product.id", in.ProductID),
		attribute.Int("order.quantity", in.Quantity))
	defer span.End()
	fields := []zap.Field{zap.String("product_id", in.ProductID), zap.String("user_id", in.UserID)}

	if err := in.validate(); err != nil {
		return Order{}, s.fail(span, op, err, fields...)
	}

	var (
		order    Order
		moved    stockLevel
		attempts int
	)
	err := s.retry(ctx, func() error {
		attempts++
		p, err := s.store.GetProduct(ctx, in.ProductID)
		if err != nil {
			return backoff.Permanent(err)
		}
		next, err := Reserve(p.Stock, in.Quantity)
		if err != nil {
			return backoff.Permanent(err)
		}
		ok, err := s.store.CompareAndSwapStock(ctx, p.ID, p.Version, next)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			s.log.Debug("stock version moved, retrying", zap.String("op", op),
				zap.String("product_id", p.ID), zap.Int64("version", p.Version), zap.Int("attempt", attempts))
			return errStale
		}

		o := Order{
			ID:        uuid.NewString(),
			UserID:    in.UserID,
			ProductID: in.ProductID,
			Quantity:  in.Quantity,
			Status:    StatusActive,
		}
		if err := s.store.InsertOrder(ctx, &o); err != nil {
			if cerr := s.compensate(ctx, op, p.ID, in.Quantity); cerr != nil {
				return backoff.Permanent(errors.Join(err, cerr))
			}
			return backoff.Permanent(err)
		}
		order, moved = o, stockLevel{next, p.Version + 1}
		return nil
	})
	span.SetAttributes(attribute.Int("order.attempts", attempts))
	if err != nil {
		return Order{}, s.fail(span, op, err, append(fields, zap.Int("attempts", attempts))...)
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	s.emit(ctx, EventOrderCreated, StockMovedPayload{
		OrderID: order.ID, UserID: order.UserID, ProductID: order.ProductID,
		NewQuantity: order.Quantity, SoldDelta: order.Quantity,
		StockAfter: moved.stock, ProductVersion: moved.version, Strategy: StrategyOptimistic,
	})
	return order, nil
}

// UpdateOrder moves an order to a new quantity, adjusting stock by the
// difference, in one transaction. The order row is locked before the product.
func (s *Service) UpdateOrder(ctx context.Context, orderID string, quantity int) (Order, error) {
	const op = "orders.UpdateOrder"
	ctx, span := s.startSpan(ctx, op, StrategyPessimistic,
		attribute.String("order.id", orderID),
		attribute.Int("order.quantity", quantity))
	defer span.End()
	fields := []zap.Field{zap.String("order_id", orderID), zap.Int("quantity", quantity)}

	if quantity <= 0 {
		return Order{}, s.fail(span, op, validation("Quantity must be a positive integer"), fields...)
	}

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, s.fail(span, op, err, fields...)
	}
	if !o.Status.Live() {
		return Order{}, s.fail(span, op, validation("Order is cancelled"), fields...)
	}
	p, err := s.store.GetProduct(ctx, o.ProductID)
	if err != nil {
		return Order{}, s.fail(span, op, err, fields...)
	}
	if _, err := AdjustForUpdate(p.Stock, o.Quantity, quantity); err != nil {
		return Order{}, s.fail(span, op, err, append(fields, zap.String("product_id", p.ID), zap.Int("stock", p.Stock))...)
	}

	var (
		updated Order
		moved   stockLevel
	)
	err = s.store.WithTx(ctx, func(tx Tx) error {
		lo, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !lo.Status.Live() {
			return validation("Order is cancelled")
		}
		lp, err := tx.LockProduct(ctx, lo.ProductID)
		if err != nil {
			return err
		}
		next, err := AdjustForUpdate(lp.Stock, lo.Quantity, quantity)
		if err != nil {
			return err
		}
		if err := tx.SetOrderQuantity(ctx, lo.ID, quantity); err != nil {
			return err
		}
		if err := tx.SetStock(ctx, lp.ID, next); err != nil {
			return err
		}
		updated, moved = lo, stockLevel{next, lp.Version + 1}
		return nil
	})
	if err != nil {
		return Order{}, s.fail(span, op, err, fields...)
	}

	old := updated.Quantity
	updated.Quantity = quantity
	updated.Version++
	s.emit(ctx, EventOrderUpdated, StockMovedPayload{
		OrderID: updated.ID, UserID: updated.UserID, ProductID: updated.ProductID,
		OldQuantity: old, NewQuantity: quantity, SoldDelta: quantity - old,
		StockAfter: moved.stock, ProductVersion: moved.version, Strategy: StrategyPessimistic,
	})
	return updated, nil
}

// UpdateOrderOptimistic is UpdateOrder without a transaction. Growing an order
// takes stock first and then claims the order version; shrinking claims the
// order first and then gives stock back. Compensation only ever returns stock.
func (s *Service) UpdateOrderOptimistic(ctx context.Context, orderID string, quantity int) (Order, error) {
	const op = "orders.UpdateOrderOptimistic"
	ctx, span := s.startSpan(ctx, op, StrategyOptimistic,
		attribute.String("order.id", orderID),
		attribute.Int("order.quantity", quantity))
	defer span.End()
	fields := []zap.Field{zap.String("order_id", orderID), zap.Int("quantity", quantity)}

	if quantity <= 0 {
		return Order{}, s.fail(span, op, validation("Quantity must be a positive integer"), fields...)
	}

	var (
		updated  Order
		old      int
		moved    stockLevel
		attempts int
	)
	err := s.retry(ctx, func() error {
		attempts++
		o, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !o.Status.Live() {
			return backoff.Permanent(validation("Order is cancelled"))
		}
		p, err := s.store.GetProduct(ctx, o.ProductID)
		if err != nil {
			return backoff.Permanent(err)
		}
		next, err := AdjustForUpdate(p.Stock, o.Quantity, quantity)
		if err != nil {
			return backoff.Permanent(err)
		}

		released := o.Quantity - quantity
		level := stockLevel{p.Stock, p.Version}
		if released < 0 {
			ok, err := s.store.CompareAndSwapStock(ctx, p.ID, p.Version, next)
			if err != nil {
				return backoff.Permanent(err)
			}
			if !ok {
				return errStale
			}
			level = stockLevel{next, p.Version + 1}
			ok, err = s.store.CompareAndSwapOrderQuantity(ctx, o.ID, o.Version, quantity)
			if err != nil || !ok {
				if cerr := s.compensate(ctx, op, p.ID, -released); cerr != nil {
					return backoff.Permanent(errors.Join(err, cerr))
				}
				if err != nil {
					return backoff.Permanent(err)
				}
				return errStale
			}
		} else {
			ok, err := s.store.CompareAndSwapOrderQuantity(ctx, o.ID, o.Version, quantity)
			if err != nil {
				return backoff.Permanent(err)
			}
			if !ok {
				return errStale
			}
			if released > 0 {
				after, err := s.store.AddStock(ctx, p.ID, released)
				if err != nil {
					if rerr := s.revertQuantity(ctx, op, o); rerr != nil {
						return backoff.Permanent(errors.Join(err, rerr))
					}
					return backoff.Permanent(err)
				}
				level = stockLevel{after.Stock, after.Version}
			}
		}
		updated, old, moved = o, o.Quantity, level
		return nil
	})
	span.SetAttributes(attribute.Int("order.attempts", attempts))
	if err != nil {
		return Order{}, s.fail(span, op, err, append(fields, zap.Int("attempts", attempts))...)
	}

	updated.Quantity = quantity
	updated.Version++
	s.emit(ctx, EventOrderUpdated, StockMovedPayload{
		OrderID: updated.ID, UserID: updated.UserID, ProductID: updated.ProductID,
		OldQuantity: old, NewQuantity: quantity, SoldDelta: quantity - old,
		StockAfter: moved.stock, ProductVersion: moved.version, Strategy: StrategyOptimistic,
	})
	return updated, nil
}

// CancelOrder releases the order's reservation and marks it cancelled.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (Order, error) {
	const op = "orders.CancelOrder"
	ctx, span := s.startSpan(ctx, op, StrategyPessimistic, attribute.String("order.id", orderID))
	defer span.End()
	fields := []zap.Field{zap.String("order_id", orderID)}

	var (
		cancelled Order
		moved     stockLevel
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		lo, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !CanTransition(lo.Status, StatusCancelled) {
			return validation("Order is already cancelled")
		}
		lp, err := tx.LockProduct(ctx, lo.ProductID)
		if err != nil {
			return err
		}
		next := Release(lp.Stock, lo.Quantity)
		if err := tx.SetOrderStatus(ctx, lo.ID, StatusCancelled); err != nil {
			return err
		}
		if err := tx.SetStock(ctx, lp.ID, next); err != nil {
			return err
		}
		cancelled, moved = lo, stockLevel{next, lp.Version + 1}
		return nil
	})
	if err != nil {
		return Order{}, s.fail(span, op, err, fields...)
	}

	cancelled.Status = StatusCancelled
	cancelled.Version++
	s.emit(ctx, EventOrderCancelled, StockMovedPayload{
		OrderID: cancelled.ID, UserID: cancelled.UserID, ProductID: cancelled.ProductID,
		OldQuantity: cancelled.Quantity, SoldDelta: -cancelled.Quantity,
		StockAfter: moved.stock, ProductVersion: moved.version, Strategy: StrategyPessimistic,
	})
	return cancelled, nil
}

func (s *Service) retry(ctx context.Context, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.retryInitial
	eb.MaxInterval = s.retryMax
	eb.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.maxAttempts-1)), ctx)

	err := backoff.Retry(fn, b)
	if errors.Is(err, errStale) {
		return errRetryExhausted
	}
	return err
}

// compensate returns delta units to stock. It runs detached from the request
// context so an abandoned request still restores what it took.
func (s *Service) compensate(ctx context.Context, op, productID string, delta int) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	p, err := s.store.AddStock(cctx, productID, delta)
	if err != nil {
		s.log.Error("stock compensation failed", zap.String("op", op),
			zap.String("product_id", productID), zap.Int("delta", delta), zap.Error(err))
		return fmt.Errorf("compensate stock of product %s: %w", productID, err)
	}
	s.log.Warn("stock compensated", zap.String("op", op),
		zap.String("product_id", productID), zap.Int("delta", delta), zap.Int("stock", p.Stock))
	s.emit(cctx, EventStockAdjusted, StockMovedPayload{
		ProductID: p.ID, StockAfter: p.Stock, ProductVersion: p.Version, Strategy: StrategyOptimistic,
	})
	return nil
}

// revertQuantity puts an order claimed by this attempt back to its old quantity.
func (s *Service) revertQuantity(ctx context.Context, op string, o Order) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	ok, err := s.store.CompareAndSwapOrderQuantity(cctx, o.ID, o.Version+1, o.Quantity)
	if err == nil && !ok {
		err = errors.New("order modified before revert")
	}
	if err != nil {
		s.log.Error("order quantity revert failed", zap.String("op", op),
			zap.String("order_id", o.ID), zap.Int("quantity", o.Quantity), zap.Error(err))
		return fmt.Errorf("revert order %s: %w", o.ID, err)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, eventType string, p StockMovedPayload) {
	emit(ctx, s.emitter, s.log, s.producer, eventType, p)
}

func (s *Service) startSpan(ctx context.Context, op, strategy string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("order.strategy", strategy))
	return s.tracer.Start(ctx, op, trace.WithAttributes(attrs...))
}

// fail records err on the span and logs it: rejections at warn, the rest at error.
func (s *Service) fail(span trace.Span, op string, err error, fields ...zap.Field) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	fields = append(fields, zap.String("op", op), zap.Error(err))
	if IsRejection(err) {
		s.log.Warn("order mutation rejected", fields...)
	} else {
		s.log.Error("order mutation failed", fields...)
	}
	return err
}

// IsRejection reports whether err is a client-caused or concurrency outcome
// rather than an infrastructure failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrConflict)
}
