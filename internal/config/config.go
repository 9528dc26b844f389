package config

import (
	"fmt"
	"time"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	ClientTTL         time.Duration `mapstructure:"client_ttl" yaml:"client_ttl"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
}

// Default returns configuration with reasonable starter defaults.
// ClientTTL is the grace window before a silently dropped connection's
// client is force-exited.
func Default() Config {
	return Config{
		Addr:              ":8795",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		ClientTTL:         2 * time.Minute,
		LogLevel:          "info",
	}
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if c.ClientTTL <= 0 {
		return fmt.Errorf("client_ttl must be positive, got %s", c.ClientTTL)
	}
	if c.ReadHeaderTimeout < 0 {
		return fmt.Errorf("read_header_timeout must not be negative, got %s", c.ReadHeaderTimeout)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative, got %s", c.ShutdownTimeout)
	}
	return nil
}
