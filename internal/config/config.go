// Package config loads and validates the service configuration from an
// optional YAML file plus ELOITY_-prefixed environment variables. Threshold
// inconsistencies are fatal at startup, never per-request.
package config

import (
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/Neocreb/eloity-trading/common/errors"
	"github.com/Neocreb/eloity-trading/internal/escrow"
	"github.com/Neocreb/eloity-trading/internal/fees"
	"github.com/Neocreb/eloity-trading/internal/notification"
	"github.com/Neocreb/eloity-trading/internal/risk"
)

// Server holds the HTTP listener settings.
type Server struct {
	Addr         string        `mapstructure:"addr"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Database holds the store connection settings.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Redis holds the quote cache settings.
type Redis struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	QuoteTTL time.Duration `mapstructure:"quote_ttl"`
}

// Kafka holds the event publisher settings.
type Kafka struct {
	Enabled             bool `mapstructure:"enabled"`
	notification.Config `mapstructure:",squash"`
}

// Config is the full service configuration.
type Config struct {
	LogLevel           string        `mapstructure:"log_level"`
	Server             Server        `mapstructure:"server"`
	Database           Database      `mapstructure:"database"`
	Redis              Redis         `mapstructure:"redis"`
	Kafka              Kafka         `mapstructure:"kafka"`
	PlatformFeeAccount string        `mapstructure:"platform_fee_account"`
	Fees               fees.Schedule `mapstructure:"fees"`
	Risk               risk.Config   `mapstructure:"risk"`
	Escrow             escrow.Config `mapstructure:"escrow"`
}

// FeeAccountID parses the configured platform fee account.
func (c *Config) FeeAccountID() uuid.UUID {
	id, _ := uuid.Parse(c.PlatformFeeAccount)
	return id
}

// Load reads configuration from the given file (optional) and the
// environment, fills defaults, and validates. A validation failure is an
// ErrConfiguration and should abort startup.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ELOITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.quote_ttl", time.Second)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "eloity.trading.events")
	v.SetDefault("escrow.auto_release_after", 24*time.Hour)
	v.SetDefault("escrow.sweep_interval", time.Minute)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(errors.ErrConfiguration, "read config %s: %v", path, err)
		}
	}

	cfg := &Config{}
	decode := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, decode); err != nil {
		return nil, errors.Wrap(errors.ErrConfiguration, "decode config: %v", err)
	}

	// Unconfigured schedules fall back to the published defaults.
	if len(cfg.Fees.Tiers) == 0 {
		cfg.Fees = fees.DefaultSchedule()
	}
	if len(cfg.Risk.LevelLimits) == 0 {
		cfg.Risk = risk.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency. Fatal at startup.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return errors.Wrap(errors.ErrConfiguration, "database.dsn is required")
	}
	if c.Server.JWTSecret == "" {
		return errors.Wrap(errors.ErrConfiguration, "server.jwt_secret is required")
	}
	if c.PlatformFeeAccount == "" {
		return errors.Wrap(errors.ErrConfiguration, "platform_fee_account is required")
	}
	if _, err := uuid.Parse(c.PlatformFeeAccount); err != nil {
		return errors.Wrap(errors.ErrConfiguration, "platform_fee_account is not a uuid: %v", err)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.Wrap(errors.ErrConfiguration, "kafka.brokers required when kafka is enabled")
	}
	if err := c.Fees.Validate(); err != nil {
		return err
	}
	if err := c.Risk.Validate(); err != nil {
		return err
	}
	return c.Escrow.Validate()
}
