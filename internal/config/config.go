// Package config provides optional YAML configuration loading for the
// relaytun Agent and Relay. Neither binary calls these loaders; both are
// configured by their command-line flags alone.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig is the YAML schema read by LoadAgentConfig.
type AgentConfig struct {
	RelayHost        string        `yaml:"relay_host"`
	RelayControlPort int           `yaml:"relay_control_port"`
	QUIC             bool          `yaml:"quic"`
	TargetHost       string        `yaml:"target_host"`
	Interval         time.Duration `yaml:"interval"`
	Lazy             bool          `yaml:"lazy"`
	Ports            []int         `yaml:"ports"`
	Workers          int           `yaml:"workers"`
	LogLevel         string        `yaml:"log_level"`
}

// RelayConfig is the YAML schema read by LoadRelayConfig.
type RelayConfig struct {
	// Dialect is "tcp" or "quic".
	Dialect string `yaml:"dialect"`

	// TCP variant.
	ControlPort int `yaml:"control_port"`

	// QUIC variant.
	QUICHost string `yaml:"quic_host"`
	QUICPort int    `yaml:"quic_port"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	AuditLogPath     string `yaml:"audit_log_path"`
	AdminAddr        string `yaml:"admin_addr"`
	MetricsAddr      string `yaml:"metrics_addr"`
	JWTPublicKeyPath string `yaml:"jwt_pubkey_path"`
	LogLevel         string `yaml:"log_level"`
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// LoadAgentConfig reads and validates the YAML file at path.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := readYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	var errs []error
	if cfg.RelayHost == "" {
		errs = append(errs, errors.New("relay_host is required"))
	}
	if cfg.RelayControlPort <= 0 {
		errs = append(errs, errors.New("relay_control_port must be a positive integer"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return &cfg, nil
}

// LoadRelayConfig reads and validates the YAML file at path.
func LoadRelayConfig(path string) (*RelayConfig, error) {
	var cfg RelayConfig
	if err := readYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	var errs []error
	switch cfg.Dialect {
	case "tcp":
		if cfg.ControlPort <= 0 {
			errs = append(errs, errors.New("control_port must be a positive integer for dialect=tcp"))
		}
	case "quic":
		if cfg.QUICPort <= 0 {
			errs = append(errs, errors.New("quic_port must be a positive integer for dialect=quic"))
		}
	default:
		errs = append(errs, fmt.Errorf("dialect %q must be one of: tcp, quic", cfg.Dialect))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return &cfg, nil
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: cannot read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("config: cannot parse %q: %w", path, err)
	}
	return nil
}
