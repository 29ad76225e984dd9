package main

import (
	"context"
	"github.com/ariefcatur/go-ecommerce-orders/internal/config"
	"github.com/ariefcatur/go-ecommerce-orders/internal/inventory"
	kafkax "github.com/ariefcatur/go-ecommerce-orders/internal/kafka"
	"github.com/ariefcatur/go-ecommerce-orders/internal/observability"
	"github.com/ariefcatur/go-ecommerce-orders/internal/orders"
	"github.com/ariefcatur/go-ecommerce-orders/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"log"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	cfg.ServiceName += "-worker"

	logger, err := observability.NewLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	projector := &inventory.Projector{
		Redis:             rdb,
		LowStockThreshold: cfg.LowStockThreshold,
		ServiceName:       cfg.ServiceName,
		Log:               logger.Named("projector"),
	}
	consOpts := []kafkax.ConsumerOption{kafkax.WithRetryPause(cfg.WorkerRetryPause)}
	if cfg.WorkerDeadLetter {
		consOpts = append(consOpts, kafkax.WithDeadLetter(cfg.KafkaBrokers))
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.WorkerGroup, orders.Topics, cfg.WorkerConcurrency,
		logger.Named("consumer"), consOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("consumer started",
			zap.String("group", cfg.WorkerGroup),
			zap.Strings("topics", orders.Topics),
			zap.Int("workers", cfg.WorkerConcurrency),
			zap.Bool("dead_letter", cfg.WorkerDeadLetter))
		return cons.Start(gctx, projector.HandleMessage)
	})
	err = g.Wait()
	logger.Info("consumer stopped")
	return err
}
