package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/installment-engine/config"
	"github.com/warp/installment-engine/installment"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "installments.db", cfg.Database.Path)
	assert.True(t, cfg.Sweep.Enabled)
	assert.Equal(t, 10*time.Minute, cfg.Redis.CacheTTL())
	assert.Empty(t, cfg.Redis.Addr)

	f, err := cfg.Formula()
	require.NoError(t, err)
	assert.Equal(t, installment.FormulaFlat, f)
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: a TOML file setting port and formula
	// WHEN: PORT is also set in the environment
	// THEN: the file value is used for formula and the env value for port

	path := writeFile(t, `
[server]
port = 9000
cors_origins = ["https://a.example"]

[ledger]
default_formula = "simple"

[sweep]
schedule = "@hourly"

[redis]
addr = "localhost:6379"
ttl = "30s"
`)
	t.Setenv("PORT", "9100")
	t.Setenv("CORS_ORIGINS", "https://b.example, https://c.example")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, []string{"https://b.example", "https://c.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "@hourly", cfg.Sweep.Schedule)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 30*time.Second, cfg.Redis.CacheTTL())

	f, err := cfg.Formula()
	require.NoError(t, err)
	assert.Equal(t, installment.FormulaSimple, f)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("SWEEP_ENABLED", "sometimes")
	_, err := config.Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := map[string]func(*config.Config){
		"port":     func(c *config.Config) { c.Server.Port = 0 },
		"db path":  func(c *config.Config) { c.Database.Path = "" },
		"level":    func(c *config.Config) { c.Log.Level = "loud" },
		"format":   func(c *config.Config) { c.Log.Format = "xml" },
		"schedule": func(c *config.Config) { c.Sweep.Schedule = "every day" },
		"formula":  func(c *config.Config) { c.Ledger.DefaultFormula = "compound" },
		"ttl":      func(c *config.Config) { c.Redis.TTL = "-1s" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	// a bad schedule is ignored while the sweep is disabled
	cfg := config.DefaultConfig()
	cfg.Sweep.Enabled = false
	cfg.Sweep.Schedule = "every day"
	assert.NoError(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Log.Level = "debug"
	cfg.Log.Format = "text"

	log := cfg.NewLogger()
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, log.Formatter)
}
