/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the installment ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, TOML file, environment, flags)
  2. Initialize SQLite store
  3. Optionally put the Redis blacklist cache in front of the store
  4. Build the engine, product catalog and API handler
  5. Start the overdue sweep scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  TOML config file (optional)
  -port    HTTP server port, overrides config
  -db      SQLite database path, overrides config
           Use ":memory:" for in-memory database

ENVIRONMENT:
  See config/config.go. A .env file in the working directory is loaded
  before anything else.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep scheduler (waits for a running sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Redis and the database
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
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"github.com/warp/installment-engine/api"
	"github.com/warp/installment-engine/blacklist"
	"github.com/warp/installment-engine/config"
	"github.com/warp/installment-engine/factory"
	"github.com/warp/installment-engine/installment"
	"github.com/warp/installment-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "TOML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	logger := cfg.NewLogger()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}
	defer store.Close()

	// Blacklist: straight from SQLite, or through Redis when configured
	var bl installment.Blacklist = store
	var cache *blacklist.Cache
	if cfg.Redis.Addr != "" {
		rc, err := blacklist.NewRedisClient(blacklist.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Timeout:  3 * time.Second,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			logger.WithError(err).WithField("addr", cfg.Redis.Addr).Warn("Redis unavailable, blacklist cache disabled")
		} else {
			defer rc.Close()
			cache = blacklist.NewCache(store, rc, cfg.Redis.CacheTTL(), logger)
			bl = cache
			logger.WithField("addr", cfg.Redis.Addr).Info("Blacklist cache enabled")
		}
	}

	formula, err := cfg.Formula()
	if err != nil {
		logger.WithError(err).Fatal("Invalid default formula")
	}
	engine := installment.NewEngine(store, store, bl,
		installment.WithLogger(logger),
		installment.WithDefaultFormula(formula),
	)

	catalog, err := loadCatalog(cfg.Ledger.ProductsFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load product catalog")
	}

	handler := api.NewHandler(engine, store, catalog, logger)
	handler.Cache = cache
	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.Server.CORSOrigins})

	// Sweep scheduler
	var scheduler *api.SweepScheduler
	if cfg.Sweep.Enabled {
		scheduler, err = api.NewSweepScheduler(engine, cfg.Sweep.Schedule, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create sweep scheduler")
		}
		scheduler.Timeout = 10 * time.Minute
		scheduler.Start()
	} else {
		logger.Info("Sweep scheduler disabled")
	}

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.WithFields(logrus.Fields{"port": cfg.Server.Port, "db": cfg.Database.Path}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	if scheduler != nil {
		scheduler.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server stopped")
}

// loadCatalog reads the product catalog file, or the built-in presets when
// path is empty.
func loadCatalog(path string) (*factory.Catalog, error) {
	raw := factory.DefaultCatalogJSON()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		raw = string(data)
	}
	return factory.NewProductFactory().ParseCatalog(raw)
}
