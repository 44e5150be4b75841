// Package config provides configuration management for the alert pipeline.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
	_ "time/tzdata" // timezone lookups in slim containers

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// KV backends understood by the state store.
const (
	KVBackendNone   = "none"
	KVBackendMemory = "memory"
	KVBackendRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	Cron        CronConfig    `mapstructure:"cron"`
	KV          KVConfig      `mapstructure:"kv"`
	Prices      PricesConfig  `mapstructure:"prices"`
	Push        PushConfig    `mapstructure:"push"`
	Store       StoreConfig   `mapstructure:"store"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
	Logging     LoggingConfig `mapstructure:"logging"`
	Credentials Credentials   `mapstructure:"-" json:"-"` // Loaded separately
}

// CronConfig controls the scheduled alert pass.
type CronConfig struct {
	Enabled                 bool          `mapstructure:"enabled"`
	Interval                time.Duration `mapstructure:"interval"`
	MinFlushIntervalSeconds int           `mapstructure:"min_flush_interval_seconds"`
	Timezone                string        `mapstructure:"timezone"`
	QuietHoursStart         string        `mapstructure:"quiet_hours_start"` // "22:00", empty disables
	QuietHoursEnd           string        `mapstructure:"quiet_hours_end"`
	MarketHoursOnly         bool          `mapstructure:"market_hours_only"`
}

// MinFlushInterval returns the coalescing window as a duration.
func (c CronConfig) MinFlushInterval() time.Duration {
	return time.Duration(c.MinFlushIntervalSeconds) * time.Second
}

// KVConfig selects and configures the alert state backend.
type KVConfig struct {
	Backend   string `mapstructure:"backend"` // none, memory, redis
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
	StateKey  string `mapstructure:"state_key"`
}

// PricesConfig configures the upstream quote provider.
type PricesConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	BatchSize        int           `mapstructure:"batch_size"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// PushConfig configures the push gateway.
type PushConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	ProjectID string        `mapstructure:"project_id"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// StoreConfig configures the relational store.
type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

// MetricsConfig configures the Prometheus endpoint used in serve mode.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig holds logging options.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
	File  string `mapstructure:"file"`
}

// Credentials holds secrets kept out of config.toml.
type Credentials struct {
	FMP   FMPCredentials   `mapstructure:"fmp"`
	Redis RedisCredentials `mapstructure:"redis"`
	Push  PushCredentials  `mapstructure:"push"`
}

// FMPCredentials holds the market data API key.
type FMPCredentials struct {
	APIKey string `mapstructure:"api_key"`
}

// RedisCredentials holds the Redis password.
type RedisCredentials struct {
	Password string `mapstructure:"password"`
}

// PushCredentials points at the service account used for the push gateway.
// ServiceAccountJSON takes precedence over ServiceAccountFile.
type PushCredentials struct {
	ServiceAccountFile string `mapstructure:"service_account_file"`
	ServiceAccountJSON string `mapstructure:"service_account_json"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/stockly"
	}
	return filepath.Join(home, ".config", "stockly")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// .env is optional; existing environment always wins.
	_ = godotenv.Load(filepath.Join(configDir, ".env"))

	cfg := &Config{}

	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = filepath.Join(configDir, "stockly.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.interval", "5m")
	v.SetDefault("cron.min_flush_interval_seconds", 3600)
	v.SetDefault("cron.timezone", "America/New_York")
	v.SetDefault("cron.market_hours_only", false)

	v.SetDefault("kv.backend", KVBackendRedis)
	v.SetDefault("kv.redis_addr", "localhost:6379")
	v.SetDefault("kv.state_key", "alert_states:v1")

	v.SetDefault("prices.base_url", "https://financialmodelingprep.com/api/v3")
	v.SetDefault("prices.timeout", "30s")
	v.SetDefault("prices.batch_size", 50)
	v.SetDefault("prices.failure_threshold", 3)

	v.SetDefault("push.endpoint", "https://fcm.googleapis.com")
	v.SetDefault("push.timeout", "30s")

	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("logging.level", "info")
}

func loadConfigFile(configDir, name string, target interface{}) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, create template
			return createTemplateConfig(configDir, name)
		}
		return err
	}

	return v.Unmarshal(target)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Secrets can come from the environment alone.
			if os.Getenv("STOCKLY_FMP_API_KEY") != "" {
				return nil
			}
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STOCKLY_FMP_API_KEY"); v != "" {
		cfg.Credentials.FMP.APIKey = v
	}
	if v := os.Getenv("STOCKLY_REDIS_PASSWORD"); v != "" {
		cfg.Credentials.Redis.Password = v
	}
	if v := os.Getenv("STOCKLY_FCM_CREDENTIALS"); v != "" {
		cfg.Credentials.Push.ServiceAccountJSON = v
	}
	if v := os.Getenv("STOCKLY_FCM_CREDENTIALS_FILE"); v != "" {
		cfg.Credentials.Push.ServiceAccountFile = v
	}

	if v := os.Getenv("STOCKLY_REDIS_ADDR"); v != "" {
		cfg.KV.RedisAddr = v
	}
	if v := os.Getenv("STOCKLY_KV_BACKEND"); v != "" {
		cfg.KV.Backend = v
	}
	if v := os.Getenv("STOCKLY_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("STOCKLY_MIN_FLUSH_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cron.MinFlushIntervalSeconds = n
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.KV.Backend {
	case "", KVBackendNone, KVBackendMemory, KVBackendRedis:
	default:
		return fmt.Errorf("invalid kv backend: %s (must be 'none', 'memory' or 'redis')", c.KV.Backend)
	}
	if c.KV.Backend == KVBackendRedis && c.KV.RedisAddr == "" {
		return fmt.Errorf("kv.redis_addr is required for the redis backend")
	}

	if c.Cron.MinFlushIntervalSeconds < 0 {
		return fmt.Errorf("min_flush_interval_seconds must be non-negative")
	}
	if c.Cron.Interval <= 0 {
		return fmt.Errorf("cron.interval must be positive")
	}
	if _, err := time.LoadLocation(c.Cron.Timezone); err != nil {
		return fmt.Errorf("invalid cron.timezone %q: %w", c.Cron.Timezone, err)
	}
	if (c.Cron.QuietHoursStart == "") != (c.Cron.QuietHoursEnd == "") {
		return fmt.Errorf("quiet_hours_start and quiet_hours_end must be set together")
	}
	for _, hhmm := range []string{c.Cron.QuietHoursStart, c.Cron.QuietHoursEnd} {
		if hhmm == "" {
			continue
		}
		if _, err := time.Parse("15:04", hhmm); err != nil {
			return fmt.Errorf("invalid quiet hours value %q (want HH:MM)", hhmm)
		}
	}

	if c.Prices.Timeout <= 0 || c.Push.Timeout <= 0 {
		return fmt.Errorf("outbound timeouts must be positive")
	}

	return nil
}

// KVEnabled returns true if a state backend is configured.
func (c *Config) KVEnabled() bool {
	return c.KV.Backend != "" && c.KV.Backend != KVBackendNone
}
