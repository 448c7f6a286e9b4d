package main

import (
	"context"
	"errors"
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

	"github.com/stocksim/portfolio-engine/internal/api"
	"github.com/stocksim/portfolio-engine/internal/auth"
	"github.com/stocksim/portfolio-engine/internal/config"
	"github.com/stocksim/portfolio-engine/internal/ledger"
	"github.com/stocksim/portfolio-engine/internal/metrics"
	"github.com/stocksim/portfolio-engine/internal/quote"
	"github.com/stocksim/portfolio-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if cfg.InsecureJWTSecret() {
		slog.Warn("JWT_SECRET not set, using the development secret")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Quotes ---
	// The simulator is in-process and always current; only the live feed
	// goes through the Redis cache.
	sim := quote.NewSimulator(cfg.SimSeed, nil, quote.WithUnknownSymbols())
	var quotes quote.Source = sim

	if cfg.QuoteAPIURL != "" {
		var live quote.Source = quote.NewHTTPSource(cfg.QuoteAPIURL, nil)
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			live = quote.NewCachedSource(live, rdb, cfg.QuoteCacheTTL)
			slog.Info("Redis quote cache enabled", "ttl", cfg.QuoteCacheTTL.String())
		}
		quotes = &quote.Fallback{Primary: live, Secondary: sim}
		slog.Info("live quotes enabled", "url", cfg.QuoteAPIURL)
	} else if cfg.RedisURL != "" {
		slog.Warn("REDIS_URL ignored: the quote cache only fronts QUOTE_API_URL")
	}

	// --- WebSocket hub ---
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.JWTTTL)
	hub := api.NewHub(tokens)
	go hub.Run(ctx)
	go sim.Run(ctx, cfg.SimTick, hub.PriceTick)

	// --- Services ---
	engine := ledger.New(st, quotes,
		ledger.WithNotifier(hub),
		ledger.WithTxTimeout(cfg.TxTimeout),
	)
	accounts := auth.NewService(st, tokens, cfg.StartingBalance).WithResetTTL(cfg.ResetTokenTTL)
	var handlerOpts []api.HandlerOption
	if cfg.Development {
		slog.Warn("APP_ENV=development: password reset tokens are returned in responses")
		handlerOpts = append(handlerOpts, api.WithResetTokensInResponse())
	}
	handler := api.NewHandler(engine, accounts, tokens, quotes, sim, hub, handlerOpts...)

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
		w.Write([]byte(`{"status":"ok","service":"portfolio-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// The WebSocket route must not sit behind the request timeout.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			timeout := middleware.Timeout(30 * time.Second)(next)
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				if req.URL.Path == "/api/v1/ws" {
					next.ServeHTTP(w, req)
					return
				}
				timeout.ServeHTTP(w, req)
			})
		})
		handler.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("portfolio-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down portfolio-engine...")
	stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("portfolio-engine stopped")
}
