package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/relaytun/tunnel/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestLoadAgentConfig_Valid(t *testing.T) {
	path := writeTemp(t, `
relay_host: relay.example.com
relay_control_port: 7000
quic: true
target_host: 127.0.0.1
interval: 5s
lazy: true
ports: [22, 80, 443]
workers: 100
log_level: debug
`)
	cfg, err := config.LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RelayHost != "relay.example.com" {
		t.Errorf("RelayHost = %q", cfg.RelayHost)
	}
	if cfg.RelayControlPort != 7000 {
		t.Errorf("RelayControlPort = %d", cfg.RelayControlPort)
	}
	if !cfg.QUIC {
		t.Error("QUIC = false, want true")
	}
	if len(cfg.Ports) != 3 {
		t.Fatalf("len(Ports) = %d, want 3", len(cfg.Ports))
	}
}

func TestLoadAgentConfig_Defaults(t *testing.T) {
	path := writeTemp(t, `
relay_host: relay.example.com
relay_control_port: 7000
`)
	cfg, err := config.LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoadAgentConfig_MissingRelayHost(t *testing.T) {
	path := writeTemp(t, `relay_control_port: 7000`)
	_, err := config.LoadAgentConfig(path)
	if err == nil {
		t.Fatal("expected error for missing relay_host, got nil")
	}
	if !strings.Contains(err.Error(), "relay_host") {
		t.Errorf("error %q does not mention relay_host", err.Error())
	}
}

func TestLoadAgentConfig_InvalidLogLevel(t *testing.T) {
	path := writeTemp(t, `
relay_host: relay.example.com
relay_control_port: 7000
log_level: verbose
`)
	_, err := config.LoadAgentConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
}

func TestLoadAgentConfig_FileNotFound(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nonexistent.yaml")
	if _, err := config.LoadAgentConfig(missing); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadAgentConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	if _, err := config.LoadAgentConfig(path); err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoadRelayConfig_ValidTCP(t *testing.T) {
	path := writeTemp(t, `
dialect: tcp
control_port: 7000
audit_log_path: /var/lib/relaytun/audit.jsonl
admin_addr: 127.0.0.1:8081
metrics_addr: 127.0.0.1:9090
`)
	cfg, err := config.LoadRelayConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ControlPort != 7000 {
		t.Errorf("ControlPort = %d", cfg.ControlPort)
	}
	if cfg.AdminAddr != "127.0.0.1:8081" {
		t.Errorf("AdminAddr = %q", cfg.AdminAddr)
	}
}

func TestLoadRelayConfig_ValidQUIC(t *testing.T) {
	path := writeTemp(t, `
dialect: quic
quic_port: 7443
`)
	cfg, err := config.LoadRelayConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.QUICPort != 7443 {
		t.Errorf("QUICPort = %d", cfg.QUICPort)
	}
}

func TestLoadRelayConfig_InvalidDialect(t *testing.T) {
	path := writeTemp(t, `dialect: udp`)
	_, err := config.LoadRelayConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid dialect, got nil")
	}
	if !strings.Contains(err.Error(), "dialect") {
		t.Errorf("error %q does not mention dialect", err.Error())
	}
}

func TestLoadRelayConfig_MissingControlPort(t *testing.T) {
	path := writeTemp(t, `dialect: tcp`)
	_, err := config.LoadRelayConfig(path)
	if err == nil {
		t.Fatal("expected error for missing control_port, got nil")
	}
}
