/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the stock ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (viper: defaults, config.yaml, STOCKLEDGER_* env)
  2. Build the logger
  3. Open the SQLite store
  4. Connect the Redis availability mirror when configured
  5. Build services, API handler and router
  6. Start the audit scheduler when enabled
  7. Serve with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a config file (default: search ./config and .)
  -port    Overrides server.port
  -db      Overrides database.path (":memory:" for an in-memory database)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close Redis and the database

EXAMPLES:
  ./server -db="./data/stock.db"
  STOCKLEDGER_REDIS_ADDR=localhost:6379 ./server
  ./server -config=/etc/stock-ledger/config.yaml

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/warp/stock-ledger/api"
	"github.com/warp/stock-ledger/audit"
	"github.com/warp/stock-ledger/config"
	"github.com/warp/stock-ledger/incentive"
	"github.com/warp/stock-ledger/inventory"
	"github.com/warp/stock-ledger/metrics"
	"github.com/warp/stock-ledger/money"
	redisstore "github.com/warp/stock-ledger/store/redis"
	"github.com/warp/stock-ledger/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Path to config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger := config.NewLogger(cfg.Log)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("server failed")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	// Initialize store
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path, sqlite.WithUnitTimeout(cfg.Database.UnitTimeout))
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	// Optional availability mirror
	stockOpts := []inventory.Option{inventory.WithLogger(logger)}
	if cfg.Redis.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout+cfg.Redis.ReadTimeout)
		client, err := redisstore.NewClient(ctx, redisstore.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		cancel()
		if err != nil {
			return err
		}
		defer client.Close()
		stockOpts = append(stockOpts, inventory.WithPublisher(redisstore.NewPublisher(client, cfg.Redis.TTL)))
		logger.WithField("addr", cfg.Redis.Addr).Info("availability mirror enabled")
	}

	rules, err := cfg.Incentive.RuleTable()
	if err != nil {
		return err
	}

	// Services
	stock := inventory.NewService(store, stockOpts...)
	audits := audit.NewWorkflow(store, stock, cfg.Audit.Thresholds(), audit.WithLogger(logger))
	retailers := money.NewLedger(store, money.WithLogger(logger))
	incentives := incentive.NewLedger(store, incentive.WithLogger(logger))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	handler := api.NewHandler(api.Deps{
		Stock:        stock,
		Audits:       audits,
		Money:        retailers,
		Incentives:   incentives,
		Rules:        rules,
		Metrics:      metrics.New(reg),
		Logger:       logger,
		BlockExpired: cfg.Audit.BlockExpired,
	})
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Health:         store.Ping,
		Scenarios:      cfg.Server.DemoScenarios,
	})
	if cfg.Server.DemoScenarios {
		logger.Warn("demo scenario loaders are mounted")
	}

	// Monthly audit event
	if cfg.Scheduler.Enabled {
		entities, err := cfg.Scheduler.AuditEntities()
		if err != nil {
			return err
		}
		scheduler := api.NewAuditScheduler(audits, stock, entities, logger)
		scheduler.CheckInterval = cfg.Scheduler.Interval
		scheduler.Start()
		defer scheduler.Stop()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.Server.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return err
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("shutting down server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
