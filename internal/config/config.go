// Package config loads SDK configuration from an optional yaml file plus
// ENGAGE_-prefixed environment overrides.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all tunables for the SDK runtime core.
type Config struct {
	App struct {
		ID       string `mapstructure:"id"`
		APIURL   string `mapstructure:"api_url"`
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"app"`

	Storage struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"storage"`

	Delivery struct {
		MaxBatchCount  int `mapstructure:"max_batch_count"`
		MaxBatchBytes  int `mapstructure:"max_batch_bytes"`
		SendTimeoutSec int `mapstructure:"send_timeout_seconds"`
		BackoffBaseMS  int `mapstructure:"backoff_base_ms"`
		BackoffMaxSec  int `mapstructure:"backoff_max_seconds"`
	} `mapstructure:"delivery"`
}

// Load reads engage.yaml from the given directory (optional; env can fully
// configure) and applies defaults.
func Load(dir string) (Config, error) {
	v := viper.New()
	v.SetConfigName("engage")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional; env can fully configure

	v.SetEnvPrefix("ENGAGE")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode config: %w", err)
	}
	validate(&cfg)
	return cfg, nil
}

func validate(c *Config) {
	if c.Storage.Path == "" {
		c.Storage.Path = "engage.db"
	}
	if c.Delivery.MaxBatchCount <= 0 {
		c.Delivery.MaxBatchCount = 100
	}
	if c.Delivery.MaxBatchBytes <= 0 {
		c.Delivery.MaxBatchBytes = 256 * 1024
	}
	if c.Delivery.SendTimeoutSec <= 0 {
		c.Delivery.SendTimeoutSec = 30
	}
	if c.Delivery.BackoffBaseMS <= 0 {
		c.Delivery.BackoffBaseMS = 1000
	}
	if c.Delivery.BackoffMaxSec <= 0 {
		c.Delivery.BackoffMaxSec = 300
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
}

func (c Config) SendTimeout() time.Duration {
	return time.Duration(c.Delivery.SendTimeoutSec) * time.Second
}

func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Delivery.BackoffBaseMS) * time.Millisecond
}

func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Delivery.BackoffMaxSec) * time.Second
}
