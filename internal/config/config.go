// Package config loads runtime configuration from an optional YAML file and
// FREELANCEOS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Environments
const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config represents the application configuration
type Config struct {
	Environment string         `mapstructure:"environment" validate:"oneof=development test staging production"`
	Log         LogConfig      `mapstructure:"log"`
	HTTP        HTTPConfig     `mapstructure:"http"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Database    DatabaseConfig `mapstructure:"database"`
	Security    SecurityConfig `mapstructure:"security"`
	Kafka       KafkaConfig    `mapstructure:"kafka"`
	Tracing     TracingConfig  `mapstructure:"tracing"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// HTTPConfig represents HTTP server configuration
type HTTPConfig struct {
	Addr              string        `mapstructure:"addr" validate:"required"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	TrustedProxies    []string      `mapstructure:"trusted_proxies"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
}

type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Address     string        `mapstructure:"address" validate:"required_if=Enabled true"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db" validate:"gte=0"`
	PoolSize    int           `mapstructure:"pool_size"`
	OpTimeout   time.Duration `mapstructure:"op_timeout" validate:"gt=0"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type DatabaseConfig struct {
	// Driver is postgres or sqlite. Empty disables the database.
	Driver          string        `mapstructure:"driver" validate:"omitempty,oneof=postgres sqlite"`
	DSN             string        `mapstructure:"dsn" validate:"required_with=Driver"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SecurityConfig holds the knobs of the security pipeline.
type SecurityConfig struct {
	MasterKey           string        `mapstructure:"master_key" validate:"required,min=32"`
	PIISalt             string        `mapstructure:"pii_salt" validate:"required,min=8"`
	AllowedOrigins      []string      `mapstructure:"allowed_origins" validate:"dive,url"`
	DevPorts            []int         `mapstructure:"dev_ports" validate:"dive,gt=0,lt=65536"`
	AuthPrefixes        []string      `mapstructure:"auth_prefixes"`
	RateLimitPolicyFile string        `mapstructure:"rate_limit_policy_file"`
	RateLimitFailure    string        `mapstructure:"rate_limit_failure" validate:"oneof=fail_open fail_closed"`
	RotationInterval    time.Duration `mapstructure:"rotation_interval" validate:"gt=0"`
	LegacyPlaintext     bool          `mapstructure:"legacy_plaintext"`
	MaxInputLength      int           `mapstructure:"max_input_length" validate:"gt=0"`
	MaxPathLength       int           `mapstructure:"max_path_length" validate:"gt=0"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers" validate:"required_if=Enabled true"`
	Topic   string   `mapstructure:"topic" validate:"required_if=Enabled true"`
}

type TracingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Service string `mapstructure:"service"`
}

// IsProduction reports whether the strict production rules apply.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", EnvDevelopment)
	v.SetDefault("log.level", "info")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.read_header_timeout", 5*time.Second)
	v.SetDefault("http.shutdown_timeout", 20*time.Second)
	v.SetDefault("http.trusted_proxies", []string{"127.0.0.1", "::1"})
	v.SetDefault("http.max_body_bytes", 1<<20)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.op_timeout", 250*time.Millisecond)
	v.SetDefault("redis.dial_timeout", 2*time.Second)

	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("security.pii_salt", "freelanceos-pii-v1")
	v.SetDefault("security.allowed_origins", []string{"https://app.freelanceos.app"})
	v.SetDefault("security.dev_ports", []int{3000, 3001, 4173, 5173, 5174, 8080})
	v.SetDefault("security.auth_prefixes", []string{"/api/auth", "/api/v1/auth"})
	v.SetDefault("security.rate_limit_failure", "fail_open")
	v.SetDefault("security.rotation_interval", 30*24*time.Hour)
	v.SetDefault("security.max_input_length", 10000)
	v.SetDefault("security.max_path_length", 255)

	v.SetDefault("kafka.topic", "freelanceos.security-events")
	v.SetDefault("tracing.service", "freelanceos")
}

// Load reads configuration. Files in paths are merged in order, missing
// ones are skipped. Environment variables override files.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FREELANCEOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	bindEnv(v)

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags on cfg.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// bindEnv registers keys that have no default so AutomaticEnv sees them
// during Unmarshal.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"security.master_key",
		"redis.password",
		"database.driver",
		"database.dsn",
		"kafka.enabled",
		"kafka.brokers",
		"tracing.enabled",
		"security.rate_limit_policy_file",
		"security.legacy_plaintext",
	} {
		_ = v.BindEnv(key)
	}
}
