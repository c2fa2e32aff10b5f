package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/portfolio-engine/internal/config"
	"github.com/atmx/portfolio-engine/internal/instrument"
	"github.com/atmx/portfolio-engine/internal/limits"
	applog "github.com/atmx/portfolio-engine/internal/log"
	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/oracle"
	"github.com/atmx/portfolio-engine/internal/store"
	"github.com/atmx/portfolio-engine/internal/trade"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger, err := applog.NewLogger(cfg.Logging)
		if err != nil {
			return err
		}
		defer logger.Sync()

		return serve(cmd.Context(), cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// --- Initialize store ---
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	// --- Price oracle ---
	px := newOracle(cfg.Oracle, logger)

	// --- Instruments and exposure limits ---
	catalog := instrument.DefaultCatalog()
	catalog.Restrict = cfg.Trade.RestrictSymbols
	limiter := limits.NewExposureLimiter(cfg.Limits.MaxSymbolNotional, cfg.Limits.MaxAssetClassNotional)
	if limiter.Enabled() {
		logger.Info("exposure limits enabled",
			zap.String("max_symbol_notional", cfg.Limits.MaxSymbolNotional.String()),
			zap.String("max_asset_class_notional", cfg.Limits.MaxAssetClassNotional.String()))
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub(logger.Named("ws"))

	// --- Trade service ---
	tradeSvc := trade.NewService(st, px, limiter, wsHub, logger.Named("trade"), trade.Options{
		PriceTimeout: cfg.Trade.PriceTimeout,
		MaxAttempts:  cfg.Trade.MaxAttempts,
		MinBackoff:   cfg.Trade.MinBackoff,
		MaxBackoff:   cfg.Trade.MaxBackoff,
		Catalog:      catalog,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      newRouter(cfg.Server, tradeSvc, wsHub),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("portfolio-engine listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down portfolio-engine")

		// Graceful shutdown.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("portfolio-engine stopped")
	return err
}

func newRouter(cfg config.ServerConfig, svc *trade.Service, wsHub *trade.WSHub) http.Handler {
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
			if r.Method == http.MethodOptions {
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

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived WebSocket stream of committed transactions; no request
		// timeout applies.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			if cfg.RequestTimeout > 0 {
				r.Use(middleware.Timeout(cfg.RequestTimeout))
			}
			svc.Routes(r)
		})
	})
	return r
}

// openStore selects the ledger store from configuration and wraps durable
// stores with the Redis read-through cache when redis.url is set.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	var st store.Store

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pgCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("database url: %w", err)
		}
		if cfg.Database.MaxOpenConns > 0 {
			pgCfg.MaxConns = int32(cfg.Database.MaxOpenConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("database ping: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		st = pg
		logger.Info("connected to PostgreSQL", zap.Int32("max_conns", pgCfg.MaxConns))

	case config.DriverSQLite:
		lite, err := store.NewSQLiteStore(store.SQLiteOptions{
			Path:         cfg.Database.Path,
			MaxOpenConns: cfg.Database.MaxOpenConns,
			BusyTimeout:  cfg.Database.BusyTimeout,
		})
		if err != nil {
			return nil, err
		}
		st = lite
		logger.Info("opened SQLite database", zap.String("path", cfg.Database.Path))

	default:
		logger.Warn("database.driver is memory, data will not persist")
		return store.NewMemoryStore(), nil
	}

	if cfg.Redis.URL == "" {
		return st, nil
	}
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("invalid redis.url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		st.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("Redis cache enabled", zap.Duration("ttl", cfg.Redis.TTL))
	return &closingStore{CachedStore: store.NewCachedStore(st, rdb, cfg.Redis.TTL), rdb: rdb}, nil
}

// closingStore also closes the Redis client the cache was built on.
type closingStore struct {
	*store.CachedStore
	rdb *redis.Client
}

func (s *closingStore) Close() error {
	return errors.Join(s.CachedStore.Close(), s.rdb.Close())
}

func newOracle(cfg config.OracleConfig, logger *zap.Logger) oracle.Oracle {
	var px oracle.Oracle
	switch cfg.Kind {
	case config.OracleChart:
		px = oracle.NewChart(cfg.BaseURL, cfg.Timeout, cfg.Aliases)
		logger.Info("using chart price oracle", zap.String("base_url", cfg.BaseURL))
	default:
		px = oracle.NewStatic(cfg.StaticPrices)
		logger.Info("using static price oracle", zap.Int("symbols", len(cfg.StaticPrices)))
	}
	return oracle.NewCached(px, cfg.CacheTTL)
}
