package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the deployment's yaml configuration. Secrets (database password,
// EMR credentials, JWT secret, API tokens) never live here; they come from
// the environment.
type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	EMR struct {
		BaseURL         string `yaml:"base_url"`
		Role            string `yaml:"role"`
		Headless        bool   `yaml:"headless"`
		MaxPages        int    `yaml:"max_pages"`
		NavTimeoutSec   int    `yaml:"nav_timeout_sec"`
		MarkerWaitSec   int    `yaml:"marker_wait_sec"`
		SettleDelayMs   int    `yaml:"settle_delay_ms"`
		MinDelayMs      int    `yaml:"min_delay_ms"`
	} `yaml:"emr"`

	Pipeline struct {
		SyncIntervalMin int `yaml:"sync_interval_min"`
	} `yaml:"pipeline"`

	Registry struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"registry"`
}

func (c *Config) NavTimeout() time.Duration {
	return secondsOr(c.EMR.NavTimeoutSec, 30*time.Second)
}

func (c *Config) MarkerWait() time.Duration {
	return secondsOr(c.EMR.MarkerWaitSec, 15*time.Second)
}

func (c *Config) SettleDelay() time.Duration {
	if c.EMR.SettleDelayMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.EMR.SettleDelayMs) * time.Millisecond
}

func (c *Config) MinDelay() time.Duration {
	if c.EMR.MinDelayMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.EMR.MinDelayMs) * time.Millisecond
}

func (c *Config) SyncInterval() time.Duration {
	if c.Pipeline.SyncIntervalMin <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Pipeline.SyncIntervalMin) * time.Minute
}

func secondsOr(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

func Load() (*Config, error) {
	// Look for config in multiple locations
	configPaths := []string{
		"./configs/config.yaml",
		"../configs/config.yaml",
		"/etc/emr-bridge/config.yaml",
	}

	var config Config
	for _, path := range configPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}

		configFile, err := os.ReadFile(absPath)
		if err != nil {
			continue
		}

		err = yaml.Unmarshal(configFile, &config)
		if err != nil {
			return nil, err
		}

		return &config, nil
	}

	return nil, fmt.Errorf("no configuration file found")
}
