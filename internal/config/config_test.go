package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := Default()
	cfg.BrokerWSURI = "wss://broker.example:8142/agents"
	cfg.CACert = writeFile(t, dir, "ca.pem", "ca")
	cfg.Cert = writeFile(t, dir, "cert.pem", "cert")
	cfg.Key = writeFile(t, dir, "key.pem", "key")
	cfg.SpoolDir = filepath.Join(dir, "spool")
	return cfg
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	cfg := validConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if info, err := os.Stat(cfg.SpoolDir); err != nil || !info.IsDir() {
		t.Fatalf("spool dir was not created: %v", err)
	}
	if cfg.Identity == "" {
		t.Fatalf("identity was not derived")
	}
	if cfg.Concurrency != DefaultConcurrency {
		t.Fatalf("unexpected concurrency %d", cfg.Concurrency)
	}
}

func TestValidateRequiresBrokerURI(t *testing.T) {
	cfg := validConfig(t)
	cfg.BrokerWSURI = ""
	if err := cfg.Validate(); !errors.Is(err, ErrUnconfigured) {
		t.Fatalf("expected ErrUnconfigured, got %v", err)
	}
}

func TestValidateRejectsNonWSSURI(t *testing.T) {
	cfg := validConfig(t)
	cfg.BrokerWSURI = "ws://broker.example:8142/agents"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "wss://") {
		t.Fatalf("expected wss:// requirement, got %v", err)
	}
}

func TestValidateRequiresReadableTLSMaterial(t *testing.T) {
	cfg := validConfig(t)
	cfg.Key = filepath.Join(t.TempDir(), "missing.pem")
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "not readable") {
		t.Fatalf("expected unreadable key error, got %v", err)
	}

	cfg = validConfig(t)
	cfg.CACert = ""
	if err := cfg.Validate(); !errors.Is(err, ErrUnconfigured) {
		t.Fatalf("expected ErrUnconfigured for missing CA, got %v", err)
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := validConfig(t)
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid log level error")
	}
}

func TestLoadFileMergesValues(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "warden.conf", `{
		"broker-ws-uri": "wss://broker.example:8142/agents",
		"loglevel": "debug",
		"concurrency": 8
	}`)

	cfg := Default()
	if err := cfg.LoadFile(path); err != nil {
		t.Fatalf("LoadFile returned error: %v", err)
	}
	if cfg.BrokerWSURI != "wss://broker.example:8142/agents" {
		t.Fatalf("broker uri not merged: %q", cfg.BrokerWSURI)
	}
	if cfg.LogLevel != "debug" || cfg.Concurrency != 8 {
		t.Fatalf("file values not merged: %q %d", cfg.LogLevel, cfg.Concurrency)
	}
	if cfg.ModulesDir != DefaultModulesDir {
		t.Fatalf("untouched default was overwritten: %q", cfg.ModulesDir)
	}
}

func TestLoadFileRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "warden.conf", `{"broker-uri": "typo"}`)

	cfg := Default()
	if err := cfg.LoadFile(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadFileIgnoresMissingFile(t *testing.T) {
	cfg := Default()
	if err := cfg.LoadFile(filepath.Join(t.TempDir(), "missing.conf")); err != nil {
		t.Fatalf("missing config file should be ignored, got %v", err)
	}
}

func TestLoadFileRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "warden.conf", `not json`)

	cfg := Default()
	if err := cfg.LoadFile(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
