// Package config loads the credit engine's configuration from a YAML file,
// .env files and CREDITS_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/warp/credit-engine/generic"
)

const envPrefix = "CREDITS"

// Config is the full process configuration.
type Config struct {
	Debug     bool   `mapstructure:"debug"`
	SentryDSN string `mapstructure:"sentry_dsn"`
	PlansFile string `mapstructure:"plans_file"`

	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects and configures the durable store.
type DatabaseConfig struct {
	Driver       string        `mapstructure:"driver"` // sqlite | postgres | memory
	Path         string        `mapstructure:"path"`   // sqlite file
	DSN          string        `mapstructure:"dsn"`    // postgres connection string
	TablePrefix  string        `mapstructure:"table_prefix"`
	ConnectRetry time.Duration `mapstructure:"connect_retry"` // total backoff budget at startup
}

// RedisConfig configures the guest and catalog caches. Disabled means the
// durable store serves guests directly and the catalog caches in process.
type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	URL         string        `mapstructure:"url"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// NATSConfig configures ledger event publishing.
type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	Subject        string        `mapstructure:"subject"`
	ConnectionName string        `mapstructure:"connection_name"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
}

// LedgerConfig holds the credit policy amounts.
type LedgerConfig struct {
	MaxDebit            float64       `mapstructure:"max_debit"`
	NewAccountBonus     float64       `mapstructure:"new_account_bonus"`
	MonthlyAllowance    float64       `mapstructure:"monthly_allowance"`
	GuestInitialBalance float64       `mapstructure:"guest_initial_balance"`
	GuestTTL            time.Duration `mapstructure:"guest_ttl"`
	CatalogTTL          time.Duration `mapstructure:"catalog_ttl"`
	CharsPerCredit      int           `mapstructure:"chars_per_credit"`
	GuestPrefix         string        `mapstructure:"guest_prefix"`
}

// SweepConfig configures the monthly allocation sweep.
type SweepConfig struct {
	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	SchedulerEnabled bool          `mapstructure:"scheduler_enabled"`
	Interval         time.Duration `mapstructure:"interval"`
}

// Load reads configuration. configFile may be empty to search the default
// locations; envPath is the directory holding .env files (default config/).
func Load(configFile string, envPath string) (*Config, error) {
	v := configureViper(configFile, envPath)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/credits.db")
	v.SetDefault("database.table_prefix", "credits_")
	v.SetDefault("database.connect_retry", "30s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.key_prefix", "credits:")
	v.SetDefault("redis.dial_timeout", "2s")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject", "ledger.transaction.created")
	v.SetDefault("nats.connection_name", "credit-engine")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("ledger.max_debit", 10000)
	v.SetDefault("ledger.new_account_bonus", 1000)
	v.SetDefault("ledger.monthly_allowance", 200)
	v.SetDefault("ledger.guest_initial_balance", 200)
	v.SetDefault("ledger.guest_ttl", "24h")
	v.SetDefault("ledger.catalog_ttl", "24h")
	v.SetDefault("ledger.chars_per_credit", 20)
	v.SetDefault("ledger.guest_prefix", "guest_")

	v.SetDefault("sweep.workers", 8)
	v.SetDefault("sweep.queue_size", 1024)
	v.SetDefault("sweep.scheduler_enabled", false)
	v.SetDefault("sweep.interval", "1h")
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if c.Ledger.CharsPerCredit <= 0 {
		return fmt.Errorf("ledger.chars_per_credit must be positive")
	}
	if c.Ledger.MaxDebit <= 0 {
		return fmt.Errorf("ledger.max_debit must be positive")
	}
	if c.Sweep.Workers <= 0 {
		return fmt.Errorf("sweep.workers must be positive")
	}
	return nil
}

// MaxDebitAmount converts the configured cap into a ledger amount.
func (l LedgerConfig) MaxDebitAmount() generic.Amount {
	return generic.NewAmount(l.MaxDebit)
}

func configureViper(configFile string, envPath string) *viper.Viper {
	v := viper.New()

	loadEnv(envPath)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("cmd/server/")
		v.AddConfigPath("config/")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindAllEnvVars(v)
	return v
}

// bindAllEnvVars binds every key so env vars reach Unmarshal even when no
// config file exists.
func bindAllEnvVars(v *viper.Viper) {
	keys := []string{
		"debug", "sentry_dsn", "plans_file",
		"server.host", "server.port", "server.read_timeout", "server.write_timeout",
		"server.idle_timeout", "server.cors_origins",
		"database.driver", "database.path", "database.dsn", "database.table_prefix",
		"database.connect_retry",
		"redis.enabled", "redis.url", "redis.key_prefix", "redis.dial_timeout",
		"nats.enabled", "nats.url", "nats.subject", "nats.connection_name",
		"nats.max_reconnects", "nats.reconnect_wait",
		"ledger.max_debit", "ledger.new_account_bonus", "ledger.monthly_allowance",
		"ledger.guest_initial_balance", "ledger.guest_ttl", "ledger.catalog_ttl",
		"ledger.chars_per_credit", "ledger.guest_prefix",
		"sweep.workers", "sweep.queue_size", "sweep.scheduler_enabled", "sweep.interval",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

func loadEnv(envPath string) {
	if envPath == "" {
		envPath = "config/"
	}
	for _, envFile := range []string{".env", ".env.local"} {
		_ = godotenv.Overload(filepath.Join(envPath, envFile))
	}
}
