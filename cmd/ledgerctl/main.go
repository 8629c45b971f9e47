// Command ledgerctl operates on the installment ledger database directly:
// running the overdue sweep from cron or systemd, and inspecting or
// correcting plans from a shell.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/warp/installment-engine/blacklist"
	"github.com/warp/installment-engine/config"
	"github.com/warp/installment-engine/installment"
	"github.com/warp/installment-engine/store/sqlite"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

// app carries what every command needs once the root pre-run has opened
// the database.
type app struct {
	configPath string
	dbPath     string

	log    *logrus.Logger
	store  *sqlite.Store
	engine *installment.Engine

	// kv backs the server's blacklist cache. Dialed from config when nil.
	kv    blacklist.KV
	redis *blacklist.RedisClient
	cache *blacklist.Cache
}

func run(args []string, stdout, stderr io.Writer) error {
	return (&app{}).execute(args, stdout, stderr)
}

func (a *app) execute(args []string, stdout, stderr io.Writer) error {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if a.redis != nil {
		a.redis.Close()
	}
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ledgerctl",
		Short:        "Installment ledger admin CLI",
		Long:         "Run the overdue sweep and manage installment plans against the ledger database.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "TOML config file")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "SQLite database path (overrides config)")

	root.AddCommand(a.sweepCmd(), a.planCmd(), a.customerCmd(), a.blacklistCmd())
	return root
}

func (a *app) open(logOut io.Writer) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.Database.Path = a.dbPath
	}
	a.log = cfg.NewLogger()
	a.log.SetOutput(logOut)

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.store = store

	formula, err := cfg.Formula()
	if err != nil {
		return err
	}
	a.engine = installment.NewEngine(store, store, store,
		installment.WithLogger(a.log),
		installment.WithDefaultFormula(formula),
	)

	// Blacklist writes must reach the server's cache too.
	if a.kv == nil && cfg.Redis.Addr != "" {
		rc, err := blacklist.NewRedisClient(blacklist.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			a.log.WithError(err).WithField("addr", cfg.Redis.Addr).
				Warn("Redis unavailable, server blacklist cache may stay stale until its TTL")
		} else {
			a.redis = rc
			a.kv = rc
		}
	}
	if a.kv != nil {
		a.cache = blacklist.NewCache(store, a.kv, cfg.Redis.CacheTTL(), a.log)
	}
	return nil
}

// invalidate drops the customer's cached blacklist decisions.
func (a *app) invalidate(ctx context.Context, customerID installment.CustomerID) error {
	if a.cache == nil {
		return nil
	}
	if err := a.cache.Invalidate(ctx, customerID); err != nil {
		return fmt.Errorf("blacklist updated but cache invalidation failed: %w", err)
	}
	return nil
}
