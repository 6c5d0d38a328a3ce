package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"LEDGER_CONFIG", "HTTP_ADDR", "GRPC_ADDR", "STORE", "POSTGRES_URL", "SQLITE_PATH",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "STATS_CACHE_TTL", "COMMISSION_RATE",
	"MAX_RETRIES", "RETRY_BACKOFF", "CURRENCY", "LOG_LEVEL", "RATE_LIMIT", "SHUTDOWN_TIMEOUT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, "GTQ", cfg.Currency)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.True(t, cfg.Commission().Equal(decimal.RequireFromString("0.01")))
	assert.NoError(t, cfg.Validate())
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/x.db")
	t.Setenv("COMMISSION_RATE", "0.0025")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("RETRY_BACKOFF", "20ms")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("RATE_LIMIT", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, "/tmp/x.db", cfg.SQLitePath)
	assert.True(t, cfg.Commission().Equal(decimal.RequireFromString("0.0025")))
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 20*time.Millisecond, cfg.RetryBackoff)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Zero(t, cfg.RateLimit)
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store: postgres
postgres_url: postgres://file
stats_cache_ttl: 1m
currency: USD
redis_addr: localhost:6379
`), 0o644))
	t.Setenv("LEDGER_CONFIG", path)
	t.Setenv("POSTGRES_URL", "postgres://env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, "postgres://env", cfg.PostgresURL)
	assert.Equal(t, time.Minute, cfg.StatsCacheTTL)
	assert.Equal(t, "USD", cfg.Currency)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte("commission_rate: \"0.02\"\n"), 0o644))
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.True(t, cfg.Commission().Equal(decimal.RequireFromString("0.02")))

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string][2]string{
		"bad int":          {"MAX_RETRIES", "many"},
		"bad duration":     {"RETRY_BACKOFF", "soon"},
		"bad store":        {"STORE", "mongo"},
		"bad rate":         {"COMMISSION_RATE", "one percent"},
		"rate too high":    {"COMMISSION_RATE", "1"},
		"negative rate":    {"COMMISSION_RATE", "-0.1"},
		"bad level":        {"LOG_LEVEL", "trace"},
		"negative limit":   {"RATE_LIMIT", "-1"},
		"postgres w/o url": {"STORE", "postgres"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing currency", func(c *Config) { c.Currency = "" }, "currency is required"},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, "max_retries must not be negative"},
		{"sqlite without path", func(c *Config) { c.Store = StoreSQLite; c.SQLitePath = "" }, "sqlite_path is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
