/*
Package config loads server and CLI settings.

PRECEDENCE (later wins):
 1. DefaultConfig
 2. TOML file, when a path is given
 3. Environment variables (a .env file is loaded by the binaries)
 4. Command-line flags, applied by cmd/server and cmd/ledgerctl

EXAMPLE FILE:

	[server]
	port = 8080
	cors_origins = ["https://backoffice.example.com"]

	[database]
	path = "installments.db"

	[sweep]
	enabled = true
	schedule = "5 0 * * *"

	[redis]
	addr = "localhost:6379"
	ttl = "10m"
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/warp/installment-engine/installment"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Log      LogConfig      `toml:"log"`
	Sweep    SweepConfig    `toml:"sweep"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Redis    RedisConfig    `toml:"redis"`
}

type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

type DatabaseConfig struct {
	Path string `toml:"path"` // ":memory:" for a throwaway database
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json or text
}

// SweepConfig controls the overdue sweep scheduler. Schedule is a standard
// five-field cron expression or a descriptor such as "@hourly".
type SweepConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"`
}

type LedgerConfig struct {
	DefaultFormula string `toml:"default_formula"`
	ProductsFile   string `toml:"products_file,omitempty"`
}

// RedisConfig enables the blacklist cache when Addr is set.
type RedisConfig struct {
	Addr     string `toml:"addr,omitempty"`
	Password string `toml:"password,omitempty"`
	DB       int    `toml:"db"`
	TTL      string `toml:"ttl"`
	Prefix   string `toml:"prefix"`
}

// CacheTTL parses TTL. Validate has already rejected bad values.
func (r RedisConfig) CacheTTL() time.Duration {
	d, err := time.ParseDuration(r.TTL)
	if err != nil {
		return 0
	}
	return d
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Server:   ServerConfig{Port: 8080, CORSOrigins: []string{"*"}},
		Database: DatabaseConfig{Path: "installments.db"},
		Log:      LogConfig{Level: "info", Format: "json"},
		Sweep:    SweepConfig{Enabled: true, Schedule: "5 0 * * *"},
		Ledger:   LedgerConfig{DefaultFormula: string(installment.DefaultFormula)},
		Redis:    RedisConfig{TTL: "10m", Prefix: "installments_"},
	}
}

// Load builds a Config from defaults, the optional TOML file at path and
// the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error

	if c.Server.Port, err = getEnvInt("PORT", c.Server.Port); err != nil {
		return err
	}
	if v := getEnv("CORS_ORIGINS", ""); v != "" {
		c.Server.CORSOrigins = splitList(v)
	}
	c.Database.Path = getEnv("DB_PATH", c.Database.Path)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	if c.Sweep.Enabled, err = getEnvBool("SWEEP_ENABLED", c.Sweep.Enabled); err != nil {
		return err
	}
	c.Sweep.Schedule = getEnv("SWEEP_SCHEDULE", c.Sweep.Schedule)
	c.Ledger.DefaultFormula = getEnv("DEFAULT_FORMULA", c.Ledger.DefaultFormula)
	c.Ledger.ProductsFile = getEnv("PRODUCTS_FILE", c.Ledger.ProductsFile)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if c.Redis.DB, err = getEnvInt("REDIS_DB", c.Redis.DB); err != nil {
		return err
	}
	c.Redis.TTL = getEnv("BLACKLIST_CACHE_TTL", c.Redis.TTL)
	c.Redis.Prefix = getEnv("REDIS_PREFIX", c.Redis.Prefix)
	return nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	if c.Sweep.Enabled {
		if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("sweep.schedule: %w", err))
		}
	}
	if _, err := c.Formula(); err != nil {
		errs = append(errs, fmt.Errorf("ledger.default_formula: %w", err))
	}
	if d, err := time.ParseDuration(c.Redis.TTL); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("redis.ttl %q must be a positive duration", c.Redis.TTL))
	}
	return errors.Join(errs...)
}

// Formula returns the configured default formula.
func (c Config) Formula() (installment.Formula, error) {
	return installment.ParseFormula(c.Ledger.DefaultFormula)
}

// NewLogger builds the process logger from Log.
func (c Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if c.Log.Format == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(c.Log.Level); err == nil {
		log.SetLevel(level)
	}
	return log
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
