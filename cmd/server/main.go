/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the time bank server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (.env, TIMEBANK_* environment), then apply flags
  2. Open the configured store (memory, sqlite or postgres)
  3. Create the visits service and API handler
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS (override the environment):
  -port          HTTP server port
  -store         memory | sqlite | postgres
  -db            SQLite database path; ":memory:" for an in-memory database
  -database-url  PostgreSQL connection string

POSTGRES:
  Pending goose migrations are applied at startup.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the store
  4. Exit

EXAMPLES:
  ./server -db="./data/timebank.db"
  ./server -store=memory -port=3000
  TIMEBANK_STORE=postgres TIMEBANK_DATABASE_URL=postgres://... ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
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
	"path/filepath"
	"syscall"
	"time"

	"github.com/warp/timebank/api"
	"github.com/warp/timebank/config"
	"github.com/warp/timebank/ledger"
	"github.com/warp/timebank/store/memory"
	"github.com/warp/timebank/store/postgres"
	"github.com/warp/timebank/store/sqlite"
	"github.com/warp/timebank/visits"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// Flags
	port := flag.String("port", cfg.Port, "HTTP server port")
	storeKind := flag.String("store", cfg.Store, "store backend: memory, sqlite or postgres")
	dbPath := flag.String("db", cfg.SQLitePath, "SQLite database path")
	dbURL := flag.String("database-url", cfg.DatabaseURL, "PostgreSQL connection string")
	flag.Parse()

	cfg.Port, cfg.Store, cfg.SQLitePath, cfg.DatabaseURL = *port, *storeKind, *dbPath, *dbURL
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := visits.NewService(store, ledger.SystemClock{})
	handler := api.NewHandler(svc, cfg.DefaultPlanMinutes)

	opts := api.RouterOptions{CORSOrigins: cfg.CORSOrigins}
	if cfg.RateLimitRPS > 0 {
		limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		go limiter.Run(ctx)
		opts.RateLimiter = limiter
	}

	// Create server
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(handler, opts),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", server.Addr, "store", cfg.Store)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// openStore returns the configured gateway and a function releasing it.
func openStore(ctx context.Context, cfg *config.Config) (visits.TxStore, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		return memory.New(), func() {}, nil

	case config.StoreSQLite:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return store, func() { store.Close() }, nil

	case config.StorePostgres:
		if err := postgres.RunMigrations(ctx, cfg.DatabaseURL, "up"); err != nil {
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		store, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return store, store.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}
