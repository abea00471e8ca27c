package main

import (
	"context"
	"flag"
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
	"github.com/shopspring/decimal"

	"github.com/atmx/synth-engine/config"
	"github.com/atmx/synth-engine/internal/api"
	"github.com/atmx/synth-engine/internal/engine"
	"github.com/atmx/synth-engine/internal/fixed"
	"github.com/atmx/synth-engine/internal/metrics"
	"github.com/atmx/synth-engine/internal/oracle"
	"github.com/atmx/synth-engine/internal/store"
	"github.com/atmx/synth-engine/internal/token"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("store init failed", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	// --- Price source ---
	feed := oracle.NewFeed(nil)
	var source oracle.PriceSource = feed
	if cfg.Oracle.Source == config.SourceRedis {
		opt, err := redis.ParseURL(cfg.Oracle.RedisURL)
		if err != nil {
			slog.Error("invalid oracle.redis_url", "err", err)
			os.Exit(1)
		}
		feedRdb := redis.NewClient(opt)
		defer feedRdb.Close()
		source = oracle.NewRedisSource(feedRdb)
		feed = nil
		slog.Info("reading prices from Redis feeder")
	} else if !cfg.Dev.Enabled {
		slog.Warn("in-memory prices are never refreshed without dev routes; they go stale after oracle.max_age",
			"max_age", cfg.Oracle.MaxAge)
	}

	// --- Tokens ---
	tokens := make(map[string]*token.Ledger, len(cfg.Engine.Collaterals)+1)
	collateral := make([]token.Token, 0, len(cfg.Engine.Collaterals))
	for _, col := range cfg.Engine.Collaterals {
		l := token.NewLedger(col.ID, col.Symbol, "")
		tokens[col.ID] = l
		collateral = append(collateral, l)
		if feed != nil && col.InitialPrice != "" {
			answer := decimal.RequireFromString(col.InitialPrice).Shift(fixed.FeedDecimals)
			feed.SetPrice(col.Feed, answer.IntPart())
		}
	}
	synthetic := token.NewLedger(cfg.Engine.Synthetic.ID, cfg.Engine.Synthetic.Symbol, cfg.Engine.Address)
	tokens[synthetic.ID()] = synthetic

	for _, a := range cfg.Engine.Genesis {
		amount, err := fixed.FromUnits(decimal.RequireFromString(a.Amount))
		if err == nil {
			err = tokens[a.Token].Faucet(a.User, amount)
		}
		if err != nil {
			slog.Error("genesis allocation failed", "user", a.User, "token", a.Token, "err", err)
			os.Exit(1)
		}
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- Engine ---
	eng, err := engine.New(engine.Config{
		Address:          cfg.Engine.Address,
		CollateralTokens: cfg.Engine.TokenIDs(),
		PriceFeeds:       cfg.Engine.FeedIDs(),
		Synthetic:        synthetic.ID(),
	}, engine.Deps{
		Tokens:    collateral,
		Synthetic: synthetic,
		Oracle:    oracle.NewGateway(source, oracle.WithTimeout(cfg.Oracle.MaxAge)),
	},
		engine.WithLogger(slog.Default()),
		engine.WithRecorder(st),
		engine.WithListener(wsHub.Publish),
	)
	if err != nil {
		slog.Error("engine init failed", "err", err)
		os.Exit(1)
	}

	var dev *api.DevTools
	if cfg.Dev.Enabled {
		dev = &api.DevTools{Feed: feed, Tokens: tokens}
		slog.Warn("dev routes enabled: faucet and feed prices are open to any caller")
	}
	svc := api.NewService(eng, st, dev)

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
		w.Write([]byte(`{"status":"ok","service":"synth-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for committed ledger events.
		r.Get("/ws", wsHub.HandleWS)

		// Position operations.
		r.Post("/collateral/deposit", svc.Deposit)
		r.Post("/collateral/redeem", svc.Redeem)
		r.Post("/debt/mint", svc.Mint)
		r.Post("/debt/burn", svc.Burn)
		r.Post("/liquidations", svc.Liquidate)

		// Queries.
		r.Get("/accounts/{userID}", svc.GetAccount)
		r.Get("/accounts/{userID}/history", svc.GetHistory)
		r.Get("/collateral-tokens", svc.ListCollateralTokens)
		r.Get("/tokens/{token}/usd-value", svc.GetUsdValue)
		r.Get("/tokens/{token}/amount-from-usd", svc.GetAmountFromUsd)
		r.Get("/solvency", svc.GetSolvency)

		// Development tooling; 404 unless dev.enabled.
		r.Put("/feeds/{feedID}", svc.SetPrice)
		r.Post("/tokens/{token}/faucet", svc.Faucet)
		r.Post("/tokens/{token}/approve", svc.Approve)
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
		slog.Info("synth-engine listening", "port", cfg.Server.Port, "collaterals", cfg.Engine.TokenIDs())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down synth-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("synth-engine stopped")
}

// openStore picks PostgreSQL (optionally behind Redis), then SQLite, then the
// in-memory store. The returned cleanup closes every opened connection.
func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("database migration failed: %w", err)
		}
		slog.Info("connected to PostgreSQL")

		if cfg.RedisURL == "" {
			return pg, closeAll, nil
		}
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		return store.NewCachedStore(pg, rdb, cfg.CacheTTL), closeAll, nil

	case cfg.SQLitePath != "":
		s, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("using SQLite store", "path", cfg.SQLitePath)
		return s, func() { s.Close() }, nil

	default:
		slog.Warn("no storage configured, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
