// Package config loads host and client configuration the same way the
// teacher's config.go does: viper layering a YAML file and environment
// variables over flag-bound defaults, unmarshaled into a mapstructure
// tagged struct.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting spec.md's "External Interfaces" section
// lists for the host process and the client façade it talks to.
type Config struct {
	// Host listener
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Host persistence
	DataDir       string `mapstructure:"data_dir"`
	EnablePersist bool   `mapstructure:"enable_persist"`

	// Host memory pressure
	MaxMemoryPercent float64       `mapstructure:"max_memory_percent"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	PressureInterval time.Duration `mapstructure:"pressure_interval"`

	// Wire limits, shared by host and client
	MaxFrameSize string `mapstructure:"max_frame_size"`

	// Client-side cluster configuration
	CacheHosts        []string      `mapstructure:"cache_hosts"`
	RedundancyLayers  int           `mapstructure:"redundancy_layers"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	CommTimeout       time.Duration `mapstructure:"comm_timeout"`
	SendQueueDepth    int           `mapstructure:"send_queue_depth"`
	RetryBound        int           `mapstructure:"retry_bound"`

	// Logging
	LogLevel string `mapstructure:"log_level"`

	// Diagnostics
	EnableGops bool   `mapstructure:"enable_gops"`
	GopsAddr   string `mapstructure:"gops_addr"`
}

// DefaultConfig mirrors the teacher's DefaultConfig, generalized to
// the new setting list.
func DefaultConfig() *Config {
	return &Config{
		Host:        "localhost",
		Port:        6380,
		MetricsAddr: ":9090",

		DataDir:       "./data",
		EnablePersist: true,

		MaxMemoryPercent: 75,
		SweepInterval:    10 * time.Second,
		PressureInterval: 10 * time.Second,

		MaxFrameSize: "16MB",

		CacheHosts:        nil,
		RedundancyLayers:  1,
		ReconnectInterval: 2 * time.Second,
		CommTimeout:       5 * time.Second,
		SendQueueDepth:    256,
		RetryBound:        3,

		LogLevel: "info",

		EnableGops: false,
		GopsAddr:   "127.0.0.1:6060",
	}
}

// LoadConfig layers a dache.yaml config file and DACHE_-prefixed
// environment variables over the flag-bound defaults already present
// in viper's global instance (set up by cmd/dached's cobra flags,
// exactly as the teacher's cmd.go does for gofast-server).
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("dache")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/dache/")
	viper.AddConfigPath("$HOME/.dache")

	viper.SetEnvPrefix("DACHE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("host", cfg.Host)
	viper.SetDefault("port", cfg.Port)
	viper.SetDefault("metrics_addr", cfg.MetricsAddr)
	viper.SetDefault("data_dir", cfg.DataDir)
	viper.SetDefault("enable_persist", cfg.EnablePersist)
	viper.SetDefault("max_memory_percent", cfg.MaxMemoryPercent)
	viper.SetDefault("sweep_interval", cfg.SweepInterval)
	viper.SetDefault("pressure_interval", cfg.PressureInterval)
	viper.SetDefault("max_frame_size", cfg.MaxFrameSize)
	viper.SetDefault("cache_hosts", cfg.CacheHosts)
	viper.SetDefault("redundancy_layers", cfg.RedundancyLayers)
	viper.SetDefault("reconnect_interval", cfg.ReconnectInterval)
	viper.SetDefault("comm_timeout", cfg.CommTimeout)
	viper.SetDefault("send_queue_depth", cfg.SendQueueDepth)
	viper.SetDefault("retry_bound", cfg.RetryBound)
	viper.SetDefault("log_level", cfg.LogLevel)
	viper.SetDefault("enable_gops", cfg.EnableGops)
	viper.SetDefault("gops_addr", cfg.GopsAddr)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings a malformed config file or flag set
// could otherwise turn into a confusing runtime failure.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}
	if c.RedundancyLayers < 0 {
		return fmt.Errorf("redundancy_layers must not be negative")
	}
	if c.SendQueueDepth < 1 {
		return fmt.Errorf("send_queue_depth must be at least 1")
	}
	if c.MaxMemoryPercent < 0 || c.MaxMemoryPercent > 100 {
		return fmt.Errorf("max_memory_percent must be within 0-100")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	valid := false
	for _, level := range validLogLevels {
		if c.LogLevel == level {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if _, err := c.MaxFrameSizeBytes(); err != nil {
		return err
	}
	return nil
}

// MaxFrameSizeBytes parses the human-readable MaxFrameSize the same
// way the teacher's ParseMemorySize does for MaxMemory.
func (c *Config) MaxFrameSizeBytes() (uint32, error) {
	size := strings.ToUpper(strings.TrimSpace(c.MaxFrameSize))
	if size == "" {
		return 0, fmt.Errorf("max_frame_size must not be empty")
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(size, "KB"):
		multiplier = 1024
		size = strings.TrimSuffix(size, "KB")
	case strings.HasSuffix(size, "MB"):
		multiplier = 1024 * 1024
		size = strings.TrimSuffix(size, "MB")
	case strings.HasSuffix(size, "GB"):
		multiplier = 1024 * 1024 * 1024
		size = strings.TrimSuffix(size, "GB")
	}

	value, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid max_frame_size: %s", c.MaxFrameSize)
	}
	return uint32(value * multiplier), nil
}

// String summarizes the config for startup logging, mirroring the
// teacher's one-line Config.String.
func (c *Config) String() string {
	return fmt.Sprintf("dache config: %s:%d, data_dir=%s, max_frame_size=%s, log_level=%s",
		c.Host, c.Port, c.DataDir, c.MaxFrameSize, c.LogLevel)
}
