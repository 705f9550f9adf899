package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"botfleet/internal/config"
	"botfleet/internal/crypto"
	"botfleet/internal/dispatch"
	"botfleet/internal/metrics"
	"botfleet/internal/provider/telegram"
	"botfleet/internal/queue"
	"botfleet/internal/registry"
	"botfleet/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("public_url", cfg.PublicURL).
		Str("db_driver", cfg.DB.Driver).
		Msg("starting botfleet")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	vault, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize crypto manager")
	}

	m := metrics.Global()
	providerClient := telegram.New(telegram.Config{
		HTTPClient:  &http.Client{Timeout: cfg.Provider.ClientTimeout},
		MaxRetries:  cfg.Provider.MaxRetries,
		BackoffBase: cfg.Provider.BackoffBase,
		APIURL:      cfg.Provider.APIURL,
	})

	reg := registry.New(registry.Config{
		Store:               store,
		Provider:            providerClient,
		Vault:               vault,
		Logger:              log.Logger,
		Metrics:             m,
		PublicURL:           cfg.PublicURL,
		ReRegisterOnResolve: cfg.ReRegisterOnResolve,
		MailboxIdle:         cfg.Dispatch.MailboxIdle,
	})

	var limiter *queue.RateLimiter
	if cfg.Rate.PerMinute > 0 {
		limiter = queue.NewRateLimiter(rdb, cfg.Rate.PerMinute)
	}
	dispatcher := dispatch.New(dispatch.Config{
		Registry:    reg,
		Dedupe:      queue.NewUpdateDeduplicator(rdb, cfg.Redis.UpdateTTL),
		Limiter:     limiter,
		Logger:      log.Logger,
		Metrics:     m,
		MaxRetries:  cfg.Dispatch.MaxRetries,
		BackoffBase: cfg.Dispatch.BackoffBase,
		TaskTimeout: cfg.Dispatch.TaskTimeout,
	})

	api := newAPI(reg, dispatcher, log.Logger)

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	api.register(mux)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	// Stop accepting deliveries first, then drain queued updates.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}
	reg.Close()

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
