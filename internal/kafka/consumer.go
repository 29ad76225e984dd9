package kafka

import (
	"context"
	"errors"
	"fmt"
	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"strconv"
	"sync"
	"time"
)

// Handler returns nil only when the message was processed and its offset may
// be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer fans messages out to a fixed set of workers. All messages of one
// partition go to the same worker, so per-key order is kept. A message whose
// handler keeps failing holds its partition: without a dead-letter writer it
// is retried after a pause until it succeeds or the consumer stops, with one
// it is parked on <topic>.dlq and then committed.
type Consumer struct {
	r        messageReader
	dlq      messageWriter
	workers  int
	attempts uint64
	pause    time.Duration
	log      *zap.Logger
	tracer   trace.Tracer
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithDeadLetter parks messages that exhaust their attempts on <topic>.dlq.
func WithDeadLetter(brokers []string) ConsumerOption {
	return func(c *Consumer) {
		c.dlq = &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		}
	}
}

// WithRetryPause sets the wait between retry rounds of a failing message.
func WithRetryPause(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.pause = d
		}
	}
}

func NewConsumer(brokers []string, group string, topics []string, workers int, log *zap.Logger, opts ...ConsumerOption) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return newConsumer(r, workers, log, opts...)
}

func newConsumer(r messageReader, workers int, log *zap.Logger, opts ...ConsumerOption) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Consumer{
		r:        r,
		workers:  workers,
		attempts: 3,
		pause:    5 * time.Second,
		log:      log,
		tracer:   otel.Tracer("github.com/ariefcatur/go-ecommerce-orders/internal/kafka"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start consumes until ctx is done. In-flight messages finish before it returns.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()
	if c.dlq != nil {
		defer c.dlq.Close()
	}

	jobs := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				// drain without handling once stopped; the offsets stay uncommitted
				if ctx.Err() != nil {
					continue
				}
				c.process(ctx, h, m)
			}
		}(jobs[i])
	}
	stop := func() {
		for _, j := range jobs {
			close(j)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case jobs[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

func (c *Consumer) process(ctx context.Context, h Handler, m kafka.Message) {
	headers := m.Headers
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier{h: &headers})
	ctx, span := c.tracer.Start(ctx, "kafka.consume "+m.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", m.Topic),
			attribute.Int("messaging.kafka.partition", m.Partition),
			attribute.Int64("messaging.kafka.offset", m.Offset),
		))
	defer span.End()

	fields := []zap.Field{
		zap.String("topic", m.Topic),
		zap.Int("partition", m.Partition),
		zap.Int64("offset", m.Offset),
		zap.String("event_type", header(m.Headers, HeaderEventType)),
	}

	for {
		err := c.handle(ctx, h, m)
		if err == nil {
			break
		}
		span.RecordError(err)
		if ctx.Err() != nil {
			return
		}
		if c.dlq != nil {
			derr := c.deadLetter(ctx, m, err)
			if derr == nil {
				c.log.Warn("message parked on dead-letter topic", append(fields, zap.Error(err))...)
				break
			}
			err = fmt.Errorf("dead-letter write: %w", derr)
		}
		span.SetStatus(codes.Error, err.Error())
		c.log.Error("message handler failed, holding partition", append(fields,
			zap.Duration("retry_in", c.pause), zap.Error(err))...)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.pause):
		}
	}

	if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		c.log.Error("commit offset", append(fields, zap.Error(err))...)
	}
}

// handle runs one round of retries with exponential backoff.
func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = 2 * time.Second
	err := backoff.Retry(func() error { return h(ctx, m) },
		backoff.WithContext(backoff.WithMaxRetries(eb, c.attempts-1), ctx))
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Consumer) deadLetter(ctx context.Context, m kafka.Message, cause error) error {
	headers := append([]kafka.Header{}, m.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderDLQError, Value: []byte(cause.Error())},
		kafka.Header{Key: HeaderDLQPartition, Value: []byte(strconv.Itoa(m.Partition))},
		kafka.Header{Key: HeaderDLQOffset, Value: []byte(strconv.FormatInt(m.Offset, 10))},
	)
	return c.dlq.WriteMessages(ctx, kafka.Message{
		Topic:   DeadLetterTopic(m.Topic),
		Key:     m.Key,
		Value:   m.Value,
		Headers: headers,
	})
}

// DeadLetterTopic names the topic failed messages of topic are parked on.
func DeadLetterTopic(topic string) string { return topic + ".dlq" }
