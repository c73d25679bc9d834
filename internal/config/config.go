package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// State store
	DBPath string `mapstructure:"db-path"`

	// Recovery workflow database
	FSMDBPath string `mapstructure:"fsm-db-path"`

	// AWS configuration
	AWSRegion string `mapstructure:"aws-region"`

	// Notification bus
	QueueURL string `mapstructure:"queue-url"`

	// Launch configuration parameter prefix
	SSMPrefix string `mapstructure:"ssm-prefix"`

	// Metrics listener ("" disables)
	MetricsAddr string `mapstructure:"metrics-addr"`

	// Logging
	LogFormat string `mapstructure:"log-format"`
	LogFile   string `mapstructure:"log-file"`

	// Recovery workflow configuration
	RecoverMaxRetries int `mapstructure:"recover-max-retries"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("db-path", ".artifacts/lifecycle.db")
	viper.SetDefault("fsm-db-path", ".artifacts/recover.db")
	viper.SetDefault("aws-region", "us-east-1")
	viper.SetDefault("queue-url", "")
	viper.SetDefault("ssm-prefix", "/devbox")
	viper.SetDefault("metrics-addr", "")
	viper.SetDefault("log-format", "text")
	viper.SetDefault("log-file", "")
	viper.SetDefault("recover-max-retries", 5)

	// Environment variables (will be DEVBOX_DB_PATH, etc.)
	viper.SetEnvPrefix("DEVBOX")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.devbox-lifecycle")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.AWSRegion == "" {
		return fmt.Errorf("aws-region cannot be empty")
	}
	if c.SSMPrefix == "" {
		return fmt.Errorf("ssm-prefix cannot be empty")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log-format must be text or json")
	}
	if c.RecoverMaxRetries < 0 {
		return fmt.Errorf("recover-max-retries must be non-negative")
	}
	return nil
}
