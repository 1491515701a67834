package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"Mailflow/internal/api"
	"Mailflow/internal/campaign"
	"Mailflow/internal/config"
	"Mailflow/internal/db"
	"Mailflow/internal/dispatch"
	"Mailflow/internal/email"
	"Mailflow/internal/metrics"
	"Mailflow/internal/models"
	"Mailflow/internal/oauth"
	"Mailflow/internal/worker"
)

func main() {

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := newLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	reconciler := campaign.NewReconciler(store, logger)

	// ------------------------------------------------
	// Dispatch: RabbitMQ when configured, embedded pool otherwise
	// ------------------------------------------------
	var (
		wg         sync.WaitGroup
		jobs       chan models.EmailJob
		dispatcher campaign.Dispatcher
	)

	if cfg.AMQPURL != "" {
		publisher, err := dispatch.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			logger.Fatal("amqp publisher failed", zap.Error(err))
		}
		defer publisher.Close()

		dispatcher = publisher
		logger.Info("dispatching to rabbitmq", zap.String("queue", cfg.AMQPQueue))
	} else {
		jobs = make(chan models.EmailJob, 100)
		dispatcher = dispatch.NewChannelDispatcher(jobs)

		pool := &worker.Pool{
			Store:      store,
			Mailer:     newSender(cfg),
			Reconciler: reconciler,
			Limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit),
			Log:        logger,
			Retries:    cfg.RetryAttempts,
		}
		pool.Start(ctx, &wg, cfg.WorkerCount, jobs)
	}

	campaigns := &campaign.Service{
		Store:      store,
		Reconciler: reconciler,
		Dispatcher: dispatcher,
		Log:        logger,
	}

	// Entries queued before a restart or a failed dispatch have no job in flight.
	go func() {
		n, err := campaigns.RedispatchQueued(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("redispatch of queued entries failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("redispatched queued entries", zap.Int("count", n))
		}
	}()

	// ------------------------------------------------
	// Google OAuth
	// ------------------------------------------------
	manager, closeCache := newOAuthManager(cfg, store, logger)
	defer closeCache()

	if manager != nil {
		oauth.NewSweeper(manager, cfg.OAuth.SweepInterval, logger).Start(ctx)
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Campaigns:   campaigns,
		Reconciler:  reconciler,
		DB:          store,
		OAuth:       manager,
		Connections: store,
		OAuthLimit:  cfg.OAuth.RateLimit,
		OAuthWindow: cfg.OAuth.RateWindow,
		AppURL:      cfg.AppURL,
		MaxCSVRows:  cfg.MaxCSVRows,
		Log:         logger,
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           apiHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// Stop accepting new sends before the workers go away.
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	wg.Wait()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func newSender(cfg *config.Config) *email.Sender {
	return &email.Sender{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		Renderer: email.Renderer{TemplateDir: cfg.TemplateDir},
	}
}

// newOAuthManager returns nil when the Google credentials are incomplete; the
// integration routes then answer 503 and campaigns keep working.
func newOAuthManager(cfg *config.Config, store *db.Store, logger *zap.Logger) (*oauth.Manager, func()) {
	noop := func() {}

	var tokens oauth.TokenCache
	closeCache := noop
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("invalid redis url", zap.Error(err))
		}
		rc := oauth.NewRedisTokenCache(redis.NewClient(opts), cfg.OAuth.TokenCachePrefix)
		tokens = rc
		closeCache = func() {
			if err := rc.Close(); err != nil {
				logger.Warn("redis close failed", zap.Error(err))
			}
		}
	} else {
		logger.Warn("access token cache is process-local; set REDIS_URL to share it across instances")
	}

	manager, err := oauth.NewManager(oauth.Options{
		Provider:     oauth.ProviderGoogle,
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURI:  cfg.RedirectURI(),
		Scopes:       cfg.Google.Scopes,
		AuthURL:      cfg.Google.AuthURL,
		TokenURL:     cfg.Google.TokenURL,
		StateTTL:     cfg.OAuth.StateTTL,
		States:       store,
		Tokens:       tokens,
		HTTPClient:   &http.Client{Timeout: 15 * time.Second},
		Logger:       logger,
	})
	if err != nil {
		logger.Error("google integration disabled", zap.Error(err))
		closeCache()
		return nil, noop
	}
	return manager, closeCache
}
