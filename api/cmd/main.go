package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/audit"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/changefeed"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/config"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/infrastructure/postgres"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/infrastructure/rabbitmq"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/infrastructure/redis"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/pkg/logger"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/security"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/tracing"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/tracker"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/transport/rest"
	"golang.org/x/sync/errgroup"
)

const serviceName = "registration-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", serviceName).
		Str("env", cfg.AppEnv).
		Logger()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Tracing ----
	tp, err := tracing.Init(rootCtx, tracing.Config{
		ServiceName:  serviceName,
		OTLPEndpoint: cfg.OTel.Endpoint,
		Enabled:      cfg.OTel.Enabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("tracing init failed")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	// ---- Postgres ----
	pool, err := postgres.NewPool(rootCtx, cfg.DB.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connect failed")
	}
	defer pool.Close()
	log.Info().Msg("postgres connected")

	if cfg.DB.MigrateOnStart {
		if err := postgres.Migrate(rootCtx, pool); err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
	}
	store := postgres.New(pool)

	// ---- Redis (optional: count cache + global rate limit) ----
	cache := redis.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.CountTTL)
	defer cache.Close()
	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		if err := cache.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
		} else {
			log.Info().Msg("redis connected")
		}
		cancel()
	}

	// ---- Change feed + tracker ----
	hub := changefeed.NewHub()
	defer hub.Close()

	trk := tracker.New(store, hub,
		tracker.WithCache(cache),
		tracker.WithActionTimeout(cfg.Tracker.ActionTimeout),
		tracker.WithIdleTTL(cfg.Tracker.IdleTTL),
		tracker.WithLogger(logger.Logger.With().Str("component", "tracker").Logger()),
		tracker.WithAuditor(audit.New(logger.Logger)),
	)
	defer trk.Close()

	// ---- HTTP ----
	var limiter domain.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = cache
	}
	router := rest.NewRouter(rest.RouterDeps{
		Handler:     rest.NewHandler(trk, store),
		Verifier:    security.NewHS256Verifier(cfg.JWT.Secret),
		JWTIssuer:   cfg.JWT.Issuer,
		Limiter:     limiter,
		RLLimit:     cfg.RateLimit.Limit,
		RLWindow:    cfg.RateLimit.Window,
		WriteLimit:  cfg.RateLimit.WriteLimit,
		ServiceName: serviceName,
	})

	streamsCtx, stopStreams := context.WithCancel(context.Background())
	defer stopStreams()
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	// capacity streams run until the client leaves; end them on shutdown
	srv.RegisterOnShutdown(stopStreams)
	srv.BaseContext = func(_ net.Listener) context.Context { return streamsCtx }

	g, gctx := errgroup.WithContext(rootCtx)

	g.Go(func() error { return postgres.NewListener(pool, hub).Run(gctx) })
	g.Go(func() error { return trk.RunJanitor(gctx) })
	g.Go(func() error { return store.RunRetention(gctx, cfg.Rabbit.OutboxRetention) })

	if cfg.Rabbit.OutboxEnabled {
		g.Go(func() error {
			return postgres.NewOutboxWorker(store, cfg.Rabbit.URL, cfg.Rabbit.Exchange).Run(gctx)
		})
		log.Info().Msg("outbox worker started")
	}
	if cfg.Rabbit.ConsumerEnabled {
		g.Go(func() error {
			return rabbitmq.NewConsumer(cfg.Rabbit.URL, cfg.Rabbit.Exchange, store).Run(gctx)
		})
	}

	g.Go(func() error {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("service stopped with error")
	}
	log.Info().Msg("shutdown complete")
}
