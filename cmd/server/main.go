package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/atmx/backtest-engine/internal/api"
	"github.com/atmx/backtest-engine/internal/config"
	"github.com/atmx/backtest-engine/internal/metrics"
	"github.com/atmx/backtest-engine/internal/observation"
	"github.com/atmx/backtest-engine/internal/store"
	"github.com/atmx/backtest-engine/internal/strategy"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		zap.NewExample().Fatal("loading config failed", zap.Error(err))
	}
	logger, err := cfg.Logger()
	if err != nil {
		zap.NewExample().Fatal("building logger failed", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("schema migration failed", zap.Error(err))
		}
		st = pg
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				logger.Fatal("invalid REDIS_URL", zap.Error(err))
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			logger.Info("Redis cache enabled", zap.Duration("ttl", cfg.CacheTTL))
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (runs will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Observation history ---
	var opts []api.Option
	if cfg.ObservationsDB != "" {
		obs, err := observation.Open(cfg.ObservationsDB)
		if err != nil {
			logger.Fatal("opening observation storage failed", zap.String("path", cfg.ObservationsDB), zap.Error(err))
		}
		cleanup = append(cleanup, func() { obs.Close() })
		opts = append(opts, api.WithObservations(obs))
		logger.Info("observation storage opened", zap.String("path", obs.Path()))
	}

	// --- WebSocket hub ---
	hub := api.NewWSHub(logger.Named("ws"))
	go hub.Run(ctx)

	// --- Backtest service ---
	svc := api.NewService(strategy.Default(), st, append(opts,
		api.WithHub(hub),
		api.WithWorkers(cfg.Workers),
		api.WithPeriodsPerYear(cfg.PeriodsPerYear),
		api.WithWindow(cfg.WindowSize, cfg.StepSize),
		api.WithLogger(logger.Named("api")),
	)...)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"backtest-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// Runs are synchronous, so only the API is time-bounded; the
	// websocket route lives outside the timeout.
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", hub.HandleWS)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(5 * time.Minute))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("backtest-engine listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("shutting down backtest-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("backtest-engine stopped")
}
