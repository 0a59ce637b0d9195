package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/cointent/dividend-engine/internal/cache"
	"github.com/cointent/dividend-engine/internal/config"
	"github.com/cointent/dividend-engine/internal/engine"
	"github.com/cointent/dividend-engine/internal/metrics"
	"github.com/cointent/dividend-engine/internal/scoring"
	"github.com/cointent/dividend-engine/internal/shares"
	"github.com/cointent/dividend-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.InitSchema(context.Background()); err != nil {
			slog.Error("schema init failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, time.Duration(cfg.Redis.TTLSeconds)*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Derived-value cache ---
	clock := cache.SystemClock{}
	derived := cache.New(clock, time.Duration(cfg.Engine.CoefficientTTLSeconds)*time.Second)

	// --- Scoring and shares ---
	scorer := scoring.New(st, scoring.Params{
		WindowDays:              cfg.Engine.ScoreWindowDays,
		HalfLifeDays:            cfg.Engine.DecayHalfLifeDays,
		GoodInvestmentThreshold: cfg.Engine.GoodInvestmentThreshold,
		ActivityBonusCap:        cfg.Engine.ActivityBonusCap,
		MinCoefficient:          cfg.Engine.CoefficientMin,
		MaxCoefficient:          cfg.Engine.CoefficientMax,
	})
	calc := shares.NewCalculator(st, derived, clock)

	// --- WebSocket hub ---
	hub := engine.NewEventHub()
	go hub.Run()

	// --- Engine service ---
	svc := engine.NewService(st, derived, scorer, calc, engine.Params{
		PoolFraction:   decimal.NewFromFloat(cfg.Engine.DividendPoolFraction),
		EMAWeight:      decimal.NewFromFloat(cfg.Engine.EMAWeight),
		RescoreWorkers: cfg.Engine.RescoreWorkers,
		HistoryLimit:   10,
	}, clock, hub)

	// --- Scheduled batch coefficient updates ---
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Schedule.BatchCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		res, err := svc.BatchUpdateCoefficients(ctx)
		if err != nil {
			slog.Error("scheduled batch update failed", "err", err)
			return
		}
		slog.Info("scheduled batch update finished",
			"succeeded", len(res.Succeeded),
			"failed", len(res.Failed),
		)
	}); err != nil {
		slog.Error("invalid batch cron expression", "cron", cfg.Schedule.BatchCron, "err", err)
		os.Exit(1)
	}
	scheduler.Start()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"dividend-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time investment events.
		r.Get("/ws", hub.HandleWS)

		// Investment execution.
		r.Post("/invest", svc.Invest)

		// User queries.
		r.Get("/users/{username}/performance", svc.GetUserPerformance)
		r.Get("/users/{username}/investments", svc.GetUserInvestments)

		// Content queries.
		r.Get("/contents/{contentID}/shares", svc.GetContentShares)
		r.Get("/contents/{contentID}/history", svc.GetContentHistory)

		// Manual batch coefficient update.
		r.Post("/admin/coefficients/batch", svc.RunBatchUpdate)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("dividend-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down dividend-engine...")
	scheduler.Stop()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("dividend-engine stopped")
}
