package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"Mailflow/internal/campaign"
	"Mailflow/internal/config"
	"Mailflow/internal/db"
	"Mailflow/internal/dispatch"
	"Mailflow/internal/email"
	"Mailflow/internal/metrics"
	"Mailflow/internal/worker"
)

// The standalone worker consumes entry IDs published by the API server when
// AMQP_URL is set.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	var logger *zap.Logger
	if cfg.IsProduction() {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.AMQPURL == "" {
		logger.Fatal("AMQP_URL is required for the standalone worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	metrics.Init()
	metricsServer := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	pool := &worker.Pool{
		Store: store,
		Mailer: &email.Sender{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			Renderer: email.Renderer{TemplateDir: cfg.TemplateDir},
		},
		Reconciler: campaign.NewReconciler(store, logger),
		Limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit),
		Log:        logger,
		Retries:    cfg.RetryAttempts,
	}

	consumer, err := dispatch.NewAMQPConsumer(cfg.AMQPURL, cfg.AMQPQueue, cfg.WorkerCount, logger)
	if err != nil {
		logger.Fatal("amqp consumer failed", zap.Error(err))
	}
	defer consumer.Close()

	if err := consumer.Run(ctx, cfg.WorkerCount, pool.Process); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("worker shutdown complete")
}
