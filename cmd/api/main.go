package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coomunity/unitsledger/internal/api"
	"github.com/coomunity/unitsledger/internal/config"
	"github.com/coomunity/unitsledger/internal/events"
	"github.com/coomunity/unitsledger/internal/events/kafka"
	"github.com/coomunity/unitsledger/internal/events/rabbitmq"
	"github.com/coomunity/unitsledger/internal/logging"
	"github.com/coomunity/unitsledger/internal/service"
	"github.com/coomunity/unitsledger/internal/store"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, _, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MigrateOnStart {
		if err := store.MigrateUp(cfg.DBSource); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		logger.Info("migrations applied")
	}

	db, err := store.NewStore(ctx, cfg.DBSource, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal("unable to connect to database", zap.Error(err))
	}
	defer db.Close()

	publisher, err := newPublisher(cfg.Events)
	if err != nil {
		logger.Fatal("unable to start event publisher", zap.String("driver", cfg.Events.Driver), zap.Error(err))
	}
	defer publisher.Close()

	// Initialize Layers
	accounts, entries, users := db.Accounts(), db.Entries(), db.Users()
	transfers := service.NewTransferService(accounts, entries, users,
		db.Transactions().WithLogger(logger),
		service.WithLogger(logger.Named("transfer")),
		service.WithPublisher(publisher, cfg.Events.Driver, cfg.Events.PublishTimeout),
	)
	reader := service.NewAccountService(accounts, entries, users, logger.Named("accounts"))

	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger)
	limiter.StartCleanup(ctx, 10*time.Minute)

	router := api.NewRouter(
		api.NewHandler(transfers, reader, db, logger.Named("http")),
		api.NewAuthenticator(cfg.JWTSecret, cfg.ElevatedRoleList(), logger),
		limiter,
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newPublisher(cfg config.EventsConfig) (events.Publisher, error) {
	switch cfg.Driver {
	case config.EventsDriverRabbitMQ:
		return rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitExchange, cfg.RabbitRoutingKey)
	case config.EventsDriverKafka:
		return kafka.NewPublisher(cfg.KafkaBrokerList(), cfg.KafkaTopic), nil
	}
	return events.Noop{}, nil
}
