/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Sigma compensation engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and the optional YAML config
  2. Set up structured logging (stdout, optionally a rotating file)
  3. Open the SQLite ledger store
  4. Open the network repository (memory, SQLite file, or Postgres)
  5. Load published plan versions; publish the plan file or the
     built-in plan when none is in force
  6. Create the engine, API handler and router
  7. Start the closing scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -config   YAML config file (see config/config.go)
  -port     HTTP server port, overrides listen
  -db       SQLite ledger path, overrides ledger_db
  -network  memory | sqlite | postgres, overrides network.driver
  -dsn      Network database DSN or file, overrides network.dsn
  -seed     Demo scenario to load at startup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the closing scheduler (waits for an in-flight run)
  2. Stop accepting new connections
  3. Wait for active requests to complete
  4. Close database connections

EXAMPLES:
  # Local run with demo data
  ./server -db=./data/sigma.db -seed=first-cycle

  # Against the hosted network database
  ./server -config=/etc/sigma/server.yaml

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration file
  - compensation/engine.go: Engine
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
	"syscall"

	"github.com/rsprolipsi/sigma-engine/api"
	"github.com/rsprolipsi/sigma-engine/compensation"
	"github.com/rsprolipsi/sigma-engine/config"
	"github.com/rsprolipsi/sigma-engine/generic"
	"github.com/rsprolipsi/sigma-engine/network"
	"github.com/rsprolipsi/sigma-engine/observability/logging"
	"github.com/rsprolipsi/sigma-engine/observability/metrics"
	"github.com/rsprolipsi/sigma-engine/plan"
	"github.com/rsprolipsi/sigma-engine/store/gormdb"
	"github.com/rsprolipsi/sigma-engine/store/sqlite"
	"gorm.io/gorm"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port")
	dbPath := flag.String("db", "", "SQLite ledger database path")
	driver := flag.String("network", "", "Network repository: memory, sqlite or postgres")
	dsn := flag.String("dsn", "", "Network database DSN or SQLite file")
	seed := flag.String("seed", "", "Demo scenario to load at startup")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *port != 0 {
		cfg.ListenAddress = fmt.Sprintf(":%d", *port)
	}
	if *dbPath != "" {
		cfg.LedgerDB = *dbPath
	}
	if *driver != "" {
		cfg.Network.Driver = *driver
	}
	if *dsn != "" {
		cfg.Network.DSN = *dsn
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	var logFile *logging.FileOptions
	if cfg.Log.File != "" {
		logFile = &logging.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}
	}
	logger := logging.Setup("sigma-engine", cfg.Environment, logFile)

	if err := run(cfg, *seed, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, seed string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledgerStore, err := sqlite.New(cfg.LedgerDB)
	if err != nil {
		return fmt.Errorf("open ledger database: %w", err)
	}
	defer ledgerStore.Close()

	net, closeNetwork, err := openNetwork(cfg.Network)
	if err != nil {
		return err
	}
	defer closeNetwork()

	plans, err := loadPlans(ctx, cfg.PlanFile, ledgerStore, logger)
	if err != nil {
		return err
	}

	engine, err := compensation.NewEngine(compensation.Config{
		Network:     net,
		Plans:       plans,
		Records:     ledgerStore,
		Ledger:      generic.NewLedger(ledgerStore),
		Closing:     ledgerStore,
		Logger:      logger,
		Metrics:     metrics.Engine(),
		Concurrency: cfg.Closing.Concurrency,
	})
	if err != nil {
		return err
	}

	handler := api.NewHandler(engine, net, plans, ledgerStore, logger)
	if seed != "" || cfg.SeedDemo {
		if seed == "" {
			seed = "first-cycle"
		}
		if err := handler.LoadScenarioByID(ctx, seed); err != nil {
			logger.Warn("demo scenario not loaded", "scenario", seed, "error", err)
		}
	}

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Scenarios:      !cfg.Production(),
	})

	scheduler := api.NewClosingScheduler(engine, logger)
	scheduler.Enabled = cfg.Closing.Enabled
	scheduler.CheckInterval = cfg.Closing.Interval.Duration
	scheduler.Timeout = cfg.Closing.Timeout.Duration
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout.Duration,
		WriteTimeout: cfg.HTTP.WriteTimeout.Duration,
		IdleTimeout:  cfg.HTTP.IdleTimeout.Duration,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddress, "network", cfg.Network.Driver, "ledger", cfg.LedgerDB)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Duration)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// openNetwork returns the configured repository and a function releasing
// its connections.
func openNetwork(cfg config.NetworkConfig) (network.Store, func(), error) {
	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case config.DriverMemory:
		return network.NewMemoryRepository(cfg.MatrixWidth, cfg.MaxDepth), func() {}, nil
	case config.DriverSQLite:
		db, err = gormdb.OpenSQLite(cfg.DSN)
	case config.DriverPostgres:
		db, err = gormdb.OpenPostgres(cfg.DSN)
	default:
		return nil, nil, fmt.Errorf("unknown network driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, nil, err
	}

	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	repo, err := gormdb.New(db, cfg.MatrixWidth, cfg.MaxDepth)
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	return repo, closeDB, nil
}

// loadPlans restores every persisted version, then publishes the plan
// file (or the built-in plan on a fresh database) if it is not yet known.
func loadPlans(ctx context.Context, planFile string, store plan.VersionStore, logger *slog.Logger) (*plan.VersionedProvider, error) {
	plans, err := plan.NewVersionedProvider()
	if err != nil {
		return nil, err
	}
	if err := plans.LoadFrom(ctx, store); err != nil {
		return nil, err
	}

	var candidate *plan.Plan
	switch {
	case planFile != "":
		candidate, err = plan.LoadFile(planFile)
		if err != nil {
			return nil, err
		}
	case len(plans.Versions()) == 0:
		candidate = plan.Default()
	}
	if candidate != nil {
		if _, err := plans.Version(candidate.Version); err != nil {
			if err := plans.PublishAndSave(ctx, store, candidate); err != nil {
				return nil, fmt.Errorf("publish plan %s: %w", candidate.Version, err)
			}
			logger.Info("plan published", "version", candidate.Version, "effective_from", candidate.EffectiveFrom)
		}
	}

	for _, p := range plans.Versions() {
		logger.Info("plan version loaded", "version", p.Version, "effective_from", p.EffectiveFrom)
	}
	return plans, nil
}
