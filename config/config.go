// Package config provides configuration management for the standalone
// stubmail daemon.
package config

import (
	"errors"
	"fmt"
)

// Config holds the daemon configuration.
type Config struct {
	Hostname string         `toml:"hostname"`
	LogLevel string         `toml:"log_level"`
	Users    []UserConfig   `toml:"users"`
	Pop3     ProtocolConfig `toml:"pop3"`
	Smtp     ProtocolConfig `toml:"smtp"`
	TLS      TLSConfig      `toml:"tls"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// UserConfig defines one mailbox to create at startup.
type UserConfig struct {
	Username string `toml:"username"`
	Secret   string `toml:"secret"`
	Email    string `toml:"email"`
}

// ProtocolConfig defines settings for a single protocol server.
type ProtocolConfig struct {
	Enabled                bool     `toml:"enabled"`
	Port                   int      `toml:"port"`
	UseSSL                 bool     `toml:"use_ssl"`
	AuthTypes              []string `toml:"auth_types"`
	AuthenticationRequired bool     `toml:"authentication_required"`
}

// TLSConfig holds the TLS protocol version for SSL listeners.
type TLSConfig struct {
	Protocol string `toml:"protocol"`
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		Pop3: ProtocolConfig{
			Enabled: true,
			Port:    110,
		},
		Smtp: ProtocolConfig{
			Enabled: true,
			Port:    25,
		},
		TLS: TLSConfig{
			Protocol: "TLSv1.2",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9101",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is valid and returns an error
// if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}
	if !c.Pop3.Enabled && !c.Smtp.Enabled {
		return errors.New("at least one protocol must be enabled")
	}
	if err := c.Pop3.validate("pop3"); err != nil {
		return err
	}
	if err := c.Smtp.validate("smtp"); err != nil {
		return err
	}
	for i, u := range c.Users {
		if u.Username == "" {
			return fmt.Errorf("user %d: username is required", i)
		}
		if u.Secret == "" {
			return fmt.Errorf("user %d: secret is required", i)
		}
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New("metrics address is required")
	}
	return nil
}

func (p *ProtocolConfig) validate(name string) error {
	if !p.Enabled {
		return nil
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("%s: port out of range: %d", name, p.Port)
	}
	return nil
}
