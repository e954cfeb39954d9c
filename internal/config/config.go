// Package config loads gateway settings from an optional YAML file plus
// MCPGATE_* environment variables, with the environment taking precedence.
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved gateway configuration.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	AuthMode  string            `mapstructure:"auth_mode"` // none, local, token
	AuthToken string            `mapstructure:"auth_token"`
	APIKeys   map[string]string `mapstructure:"api_keys"` // key value → principal name

	RateLimit       int64         `mapstructure:"rate_limit"` // requests per window per caller, 0 disables
	RateWindow      time.Duration `mapstructure:"rate_window"`
	BalanceStrategy string        `mapstructure:"balance_strategy"`

	TemplatesDir string `mapstructure:"templates_dir"`
	LogLevel     string `mapstructure:"log_level"`

	ProbeInterval time.Duration `mapstructure:"probe_interval"`

	OTELEnabled  bool   `mapstructure:"otel_enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"` // empty selects stdout export
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads configuration. path names an explicit config file; empty
// searches the working directory for mcpgate.yaml. A missing file is fine,
// the defaults plus environment cover everything.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MCPGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("mcpgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalize maps accepted aliases onto canonical values and falls back to
// defaults for unknown ones.
func (c *Config) normalize() {
	switch c.AuthMode {
	case "none", "local", "token":
	case "local-trusted":
		c.AuthMode = "local"
	case "external-secure":
		c.AuthMode = "token"
	default:
		log.Printf("config: unknown auth_mode %q, using local", c.AuthMode)
		c.AuthMode = "local"
	}
	switch c.BalanceStrategy {
	case "round-robin", "least-loaded", "performance", "cost", "content-aware":
	default:
		log.Printf("config: unknown balance_strategy %q, using round-robin", c.BalanceStrategy)
		c.BalanceStrategy = "round-robin"
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8870)
	v.SetDefault("auth_mode", "local")
	v.SetDefault("rate_limit", 0)
	v.SetDefault("rate_window", time.Minute)
	v.SetDefault("balance_strategy", "round-robin")
	v.SetDefault("templates_dir", "./templates")
	v.SetDefault("log_level", "info")
	v.SetDefault("probe_interval", 15*time.Second)
	v.SetDefault("otel_enabled", false)
	v.SetDefault("otlp_endpoint", "")
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.AuthMode == "token" && c.AuthToken == "" && len(c.APIKeys) == 0 {
		return fmt.Errorf("auth_mode token requires auth_token or api_keys")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be non-negative")
	}
	return nil
}
