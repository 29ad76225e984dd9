package main

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-ecommerce-orders/internal/config"
	"github.com/ariefcatur/go-ecommerce-orders/internal/httpx"
	kafkax "github.com/ariefcatur/go-ecommerce-orders/internal/kafka"
	"github.com/ariefcatur/go-ecommerce-orders/internal/observability"
	"github.com/ariefcatur/go-ecommerce-orders/internal/orders"
	"github.com/ariefcatur/go-ecommerce-orders/internal/postgres"
	"github.com/ariefcatur/go-ecommerce-orders/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := observability.NewLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
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

	// DB
	pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	if cfg.AutoMigrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			return err
		}
	}
	gdb, err := postgres.OpenGorm(pool, logger)
	if err != nil {
		return err
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer; its loop outlives ctx only long enough to flush
	prodCtx, cancelProd := context.WithCancel(context.Background())
	defer cancelProd()
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, logger.Named("producer"))
	prod.Start(prodCtx)

	repo := &orders.Repo{DB: pool}
	emitter := kafkax.NewEmitter(prod, logger)
	svc := orders.NewService(repo,
		orders.WithEmitter(emitter),
		orders.WithLogger(logger.Named("orders")),
		orders.WithProducerName(cfg.ServiceName),
		orders.WithMaxAttempts(cfg.OptimisticMaxAttempts),
	)
	catalog := orders.NewCatalog(repo, logger.Named("catalog"), orders.WithCatalogEmitter(emitter, cfg.ServiceName))
	cache := redisx.NewCache(rdb, logger.Named("cache"))

	router := httpx.NewRouter(logger.Named("http"))
	(&httpx.UsersHandler{Catalog: catalog, Cache: cache, Log: logger}).Register(router)
	(&httpx.ProductsHandler{
		Catalog: catalog,
		Sales:   redisx.NewSales(rdb),
		Cache:   cache,
		Log:     logger,
	}).Register(router)
	(&httpx.OrdersHandler{
		Service: svc,
		Reader:  orders.NewQueries(gdb),
		Cache:   cache,
		Idem:    redisx.NewIdempotency(rdb),
		Log:     logger,
	}).Register(router)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(sctx)
		prod.Close()
		prod.WaitClosed()
		return err
	})
	return g.Wait()
}
