// Package config holds the agent configuration: defaults, JSON config
// file parsing, and validation. CLI flags are bound in cmd and win over
// file values; file values win over defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fabricmesh/warden/internal/fileutil"
	"github.com/fabricmesh/warden/internal/logging"
)

// Default filesystem layout and timings.
const (
	DefaultConfigFile       = "/etc/warden/warden.conf"
	DefaultModulesDir       = "/usr/libexec/warden/modules"
	DefaultModulesConfigDir = "/etc/warden/modules.d"
	DefaultSpoolDir         = "/var/spool/warden"
	DefaultLogFile          = "-"
	DefaultLogLevel         = "info"
	DefaultConcurrency      = 4

	DefaultConnectionTimeout = 10 * time.Second
)

// ErrUnconfigured indicates a required setting without a usable value.
var ErrUnconfigured = errors.New("config: required setting missing")

// Config is the agent's effective configuration.
type Config struct {
	// BrokerWSURI is the broker's WebSocket endpoint; must use wss.
	BrokerWSURI string `json:"broker-ws-uri"`
	// Identity is the endpoint identifier presented to the broker.
	Identity string `json:"identity"`

	// Mutual-TLS material, PEM file paths.
	CACert string `json:"ssl-ca-cert"`
	Cert   string `json:"ssl-cert"`
	Key    string `json:"ssl-key"`

	// ModulesDir holds the external module executables.
	ModulesDir string `json:"modules-dir"`
	// ModulesConfigDir holds per-module config files named <module>.conf.
	ModulesConfigDir string `json:"modules-config-dir"`
	// SpoolDir holds per-transaction results directories.
	SpoolDir string `json:"spool-dir"`

	// LogFile is a path, or "-" for stderr.
	LogFile string `json:"logfile"`
	// LogLevel is one of debug, info, warning, error.
	LogLevel string `json:"loglevel"`

	// Concurrency bounds the worker pool processing requests.
	Concurrency int `json:"concurrency"`

	// ConnectionTimeoutSecs bounds the broker dial handshake.
	ConnectionTimeoutSecs int `json:"connection-timeout"`

	// PIDFile, when non-empty, receives the agent's pid on startup.
	PIDFile string `json:"pidfile"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ModulesDir:            DefaultModulesDir,
		ModulesConfigDir:      DefaultModulesConfigDir,
		SpoolDir:              DefaultSpoolDir,
		LogFile:               DefaultLogFile,
		LogLevel:              DefaultLogLevel,
		Concurrency:           DefaultConcurrency,
		ConnectionTimeoutSecs: int(DefaultConnectionTimeout / time.Second),
	}
}

// LoadFile merges the JSON config file at path into c. A missing file is
// ignored; unknown fields are rejected so typos fail loudly.
func (c *Config) LoadFile(path string) error {
	if !fileutil.Readable(path) {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Validate normalises paths and checks every setting the agent cannot run
// without. The spool directory is created when absent.
func (c *Config) Validate() error {
	if c.BrokerWSURI == "" {
		return fmt.Errorf("%w: broker-ws-uri", ErrUnconfigured)
	}
	if !strings.HasPrefix(c.BrokerWSURI, "wss://") {
		return errors.New("config: broker-ws-uri must start with wss://")
	}

	for name, field := range map[string]*string{
		"ssl-ca-cert": &c.CACert,
		"ssl-cert":    &c.Cert,
		"ssl-key":     &c.Key,
	} {
		if *field == "" {
			return fmt.Errorf("%w: %s", ErrUnconfigured, name)
		}
		*field = fileutil.Expand(*field)
		if !fileutil.Readable(*field) {
			return fmt.Errorf("config: %s file %s not readable", name, *field)
		}
	}

	c.ModulesDir = fileutil.Expand(c.ModulesDir)
	c.ModulesConfigDir = fileutil.Expand(c.ModulesConfigDir)
	c.SpoolDir = fileutil.Expand(c.SpoolDir)
	if c.SpoolDir == "" {
		return fmt.Errorf("%w: spool-dir", ErrUnconfigured)
	}
	if err := fileutil.EnsureDir(c.SpoolDir, 0o750); err != nil {
		return fmt.Errorf("config: spool-dir: %w", err)
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.ConnectionTimeoutSecs <= 0 {
		c.ConnectionTimeoutSecs = int(DefaultConnectionTimeout / time.Second)
	}

	if c.Identity == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("config: derive identity: %w", err)
		}
		c.Identity = "agent/" + host
	}
	return nil
}

// ConnectionTimeout returns the dial timeout as a duration.
func (c *Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutSecs) * time.Second
}
