package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config holds all runtime configuration for the ledger server.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	Store       string `yaml:"store"`
	PostgresURL string `yaml:"postgres_url"`
	SQLitePath  string `yaml:"sqlite_path"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	StatsCacheTTL time.Duration `yaml:"stats_cache_ttl"`

	// CommissionRate is a decimal string, e.g. "0.01".
	CommissionRate string        `yaml:"commission_rate"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	Currency       string        `yaml:"currency"`

	LogLevel        string        `yaml:"log_level"`
	RateLimit       int           `yaml:"rate_limit"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns a configuration that runs fully in memory.
func Default() *Config {
	return &Config{
		HTTPAddr:        ":8080",
		GRPCAddr:        ":50051",
		Store:           StoreMemory,
		SQLitePath:      "ledger.db",
		StatsCacheTTL:   30 * time.Second,
		CommissionRate:  "0.01",
		MaxRetries:      3,
		RetryBackoff:    5 * time.Millisecond,
		Currency:        "GTQ",
		LogLevel:        "info",
		RateLimit:       100,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// LEDGER_CONFIG if set, then environment variables. It returns an error for
// any invalid value.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("LEDGER_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.overlayEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile reads a YAML file over the defaults and validates the result.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.overlayFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() error {
	c.HTTPAddr = getStr("HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getStr("GRPC_ADDR", c.GRPCAddr)
	c.Store = strings.ToLower(getStr("STORE", c.Store))
	c.PostgresURL = getStr("POSTGRES_URL", c.PostgresURL)
	c.SQLitePath = getStr("SQLITE_PATH", c.SQLitePath)
	c.RedisAddr = getStr("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getStr("REDIS_PASSWORD", c.RedisPassword)
	c.CommissionRate = getStr("COMMISSION_RATE", c.CommissionRate)
	c.Currency = getStr("CURRENCY", c.Currency)
	c.LogLevel = strings.ToLower(getStr("LOG_LEVEL", c.LogLevel))

	var err error
	if c.RedisDB, err = getInt("REDIS_DB", c.RedisDB); err != nil {
		return fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	if c.StatsCacheTTL, err = getDuration("STATS_CACHE_TTL", c.StatsCacheTTL); err != nil {
		return fmt.Errorf("invalid STATS_CACHE_TTL: %w", err)
	}
	if c.MaxRetries, err = getInt("MAX_RETRIES", c.MaxRetries); err != nil {
		return fmt.Errorf("invalid MAX_RETRIES: %w", err)
	}
	if c.RetryBackoff, err = getDuration("RETRY_BACKOFF", c.RetryBackoff); err != nil {
		return fmt.Errorf("invalid RETRY_BACKOFF: %w", err)
	}
	if c.RateLimit, err = getInt("RATE_LIMIT", c.RateLimit); err != nil {
		return fmt.Errorf("invalid RATE_LIMIT: %w", err)
	}
	if c.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout); err != nil {
		return fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("postgres_url is required for store %q", c.Store)
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required for store %q", c.Store)
		}
	default:
		return fmt.Errorf("store must be one of: memory, postgres, sqlite, got %q", c.Store)
	}
	rate, err := decimal.NewFromString(c.CommissionRate)
	if err != nil {
		return fmt.Errorf("commission_rate %q is not a decimal", c.CommissionRate)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("commission_rate must be in [0, 1), got %s", rate)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.RetryBackoff < 0 || c.StatsCacheTTL < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	if c.RedisDB < 0 {
		return fmt.Errorf("redis_db must not be negative")
	}
	if c.Currency == "" {
		return fmt.Errorf("currency is required")
	}
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("log_level %q, must be one of: debug, info, warn, error", c.LogLevel)
	}
	return nil
}

// Commission returns the validated commission rate.
func (c *Config) Commission() decimal.Decimal {
	return decimal.RequireFromString(c.CommissionRate)
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
