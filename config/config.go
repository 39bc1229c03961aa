// Package config loads runtime configuration for the fulfillment server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides: KISAAN_PORT, KISAAN_REDIS_ADDR, ...
const EnvPrefix = "KISAAN"

const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type AuditorConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	OrphanGrace time.Duration `mapstructure:"orphan_grace"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type NotifyConfig struct {
	Buffer int `mapstructure:"buffer"`
}

// Config holds all runtime configuration. Values come from kisaan.yaml (or
// .toml), KISAAN_* env vars and CLI flags, over the defaults below.
type Config struct {
	Port          int           `mapstructure:"port"`
	DBPath        string        `mapstructure:"db_path"`
	LedgerBackend string        `mapstructure:"ledger_backend"`
	RecordBackend string        `mapstructure:"record_backend"`
	CatalogSeed   string        `mapstructure:"catalog_seed"`
	Redis         RedisConfig   `mapstructure:"redis"`
	Retry         RetryConfig   `mapstructure:"retry"`
	Auditor       AuditorConfig `mapstructure:"auditor"`
	CORS          CORSConfig    `mapstructure:"cors"`
	Notify        NotifyConfig  `mapstructure:"notify"`
}

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("db_path", "./data/kisaan.db")
	v.SetDefault("ledger_backend", BackendSQLite)
	v.SetDefault("record_backend", BackendSQLite)
	v.SetDefault("catalog_seed", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 10*time.Millisecond)
	v.SetDefault("retry.max_delay", 200*time.Millisecond)
	v.SetDefault("auditor.enabled", true)
	v.SetDefault("auditor.interval", 5*time.Minute)
	v.SetDefault("auditor.orphan_grace", 2*time.Minute)
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("notify.buffer", 64)
}

// BindEnv makes every key overridable by KISAAN_<KEY>, with dots as
// underscores.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads configuration from the global viper instance.
func Load() (Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration from v, applying defaults for anything unset.
func LoadFrom(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the server cannot run with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.LedgerBackend {
	case BackendSQLite, BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown ledger_backend %q (sqlite, memory, redis)", c.LedgerBackend)
	}
	switch c.RecordBackend {
	case BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("unknown record_backend %q (sqlite, memory)", c.RecordBackend)
	}
	if (c.LedgerBackend == BackendSQLite || c.RecordBackend == BackendSQLite) && c.DBPath == "" {
		return fmt.Errorf("db_path is required for the sqlite backend")
	}
	if c.LedgerBackend == BackendRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required for the redis ledger backend")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Auditor.Enabled && c.Auditor.Interval <= 0 {
		return fmt.Errorf("auditor.interval must be positive")
	}
	return nil
}
