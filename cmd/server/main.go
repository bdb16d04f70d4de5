package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/bdag/prediction-ledger/internal/archive"
	"github.com/bdag/prediction-ledger/internal/config"
	"github.com/bdag/prediction-ledger/internal/events"
	"github.com/bdag/prediction-ledger/internal/fixed"
	"github.com/bdag/prediction-ledger/internal/ledger"
	"github.com/bdag/prediction-ledger/internal/metrics"
	"github.com/bdag/prediction-ledger/internal/store"
	"github.com/bdag/prediction-ledger/internal/token"
	"github.com/bdag/prediction-ledger/internal/trade"
)

func main() {
	configPath := flag.String("config", os.Getenv("LEDGER_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("prediction-ledger exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("prediction-ledger stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.Postgres.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("invalid postgres url: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Postgres.MaxConns)
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if cfg.Postgres.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			logger.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.String())
		}
	} else {
		logger.Warn("postgres url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Token ---
	// Balances live in process memory; a restart starts every account at
	// zero while the journal keeps markets and positions.
	tok := token.New(cfg.Token.Symbol, logger)
	var faucet fixed.Amount
	if cfg.Token.Faucet {
		faucet, _ = fixed.Parse(cfg.Token.FaucetAmount) // checked by Validate
		logger.Warn("token faucet enabled", "amount", faucet.String(), "symbol", cfg.Token.Symbol)
	}

	// --- Event fan-out ---
	wsHub := trade.NewWSHub(logger)
	notifiers := events.Multi{wsHub}
	if rdb != nil {
		notifiers = append(notifiers, events.NewRedisBus(rdb, cfg.Redis.Channel, cfg.Redis.Stream))
		logger.Info("Redis event bus enabled", "channel", cfg.Redis.Channel, "stream", cfg.Redis.Stream)
	}
	if cfg.S3.Enabled {
		w, err := archive.NewS3Writer(ctx, archive.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		if err := w.Health(ctx); err != nil {
			logger.Warn("settlement archive unreachable, uploads may fail", "err", err)
		}
		notifiers = append(notifiers, archive.New(w, st, cfg.S3.Prefix, logger))
		logger.Info("settlement archive enabled", "bucket", cfg.S3.Bucket, "prefix", cfg.S3.Prefix)
	}

	// --- Ledger ---
	params, err := cfg.Ledger.Params()
	if err != nil {
		return err
	}
	l, err := ledger.New(params, tok,
		ledger.WithStore(st),
		ledger.WithNotifier(notifiers),
		ledger.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	if err := l.Restore(ctx); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}

	svc := trade.NewService(l, tok, faucet, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"prediction-ledger","ws_clients":%d}`, wsHub.Clients())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time ledger events. Outside the
		// timeout middleware so long-lived connections survive.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout.Duration + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return wsHub.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("prediction-ledger listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down prediction-ledger...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// cors allows the configured origins. "*" allows any.
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
