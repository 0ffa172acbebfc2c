package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the service settings.
type Config struct {
	HTTPAddr      string
	DBPath        string
	SweepInterval time.Duration
	LogLevel      string
	LogDevelop    bool
}

// Load reads defaults, an optional emiledger.yaml from the working directory
// or /etc/emiledger, and EMILEDGER_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("db.path", "emiledger.db")
	v.SetDefault("sweep.interval", "1h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetConfigName("emiledger")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/emiledger")

	v.SetEnvPrefix("EMILEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		HTTPAddr:      v.GetString("http.addr"),
		DBPath:        v.GetString("db.path"),
		SweepInterval: v.GetDuration("sweep.interval"),
		LogLevel:      v.GetString("log.level"),
		LogDevelop:    v.GetBool("log.development"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("http.addr is required")
	}
	if c.DBPath == "" {
		return errors.New("db.path is required")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep.interval must be positive, got %s", c.SweepInterval)
	}
	return nil
}
