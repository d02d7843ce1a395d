package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fabricmesh/warden/internal/agent"
	"github.com/fabricmesh/warden/internal/config"
	"github.com/fabricmesh/warden/internal/fileutil"
	"github.com/fabricmesh/warden/internal/logging"
	"github.com/fabricmesh/warden/internal/version"
)

func main() {
	cfg := config.Default()
	configFile := config.DefaultConfigFile

	rootCmd := &cobra.Command{
		Use:           "wardend",
		Short:         "Warden agent - runs module actions on behalf of the orchestration broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, cfg, configFile)
		},
	}
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	flags := rootCmd.Flags()
	flags.StringVar(&configFile, "config-file", configFile, "Agent config file")
	flags.StringVar(&cfg.BrokerWSURI, "broker-ws-uri", cfg.BrokerWSURI, "WebSocket URI of the broker")
	flags.StringVar(&cfg.Identity, "identity", cfg.Identity, "Endpoint identity presented to the broker")
	flags.StringVar(&cfg.CACert, "ssl-ca-cert", cfg.CACert, "CA certificate")
	flags.StringVar(&cfg.Cert, "ssl-cert", cfg.Cert, "Agent certificate")
	flags.StringVar(&cfg.Key, "ssl-key", cfg.Key, "Agent private key")
	flags.StringVar(&cfg.ModulesDir, "modules-dir", cfg.ModulesDir, "Modules directory")
	flags.StringVar(&cfg.ModulesConfigDir, "modules-config-dir", cfg.ModulesConfigDir, "Module config files directory")
	flags.StringVar(&cfg.SpoolDir, "spool-dir", cfg.SpoolDir, "Spool action results directory")
	flags.StringVar(&cfg.LogFile, "logfile", cfg.LogFile, "Log file, '-' for stderr")
	flags.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Log level: debug, info, warning, error")
	flags.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "Maximum actions running at once")
	flags.StringVar(&cfg.PIDFile, "pidfile", cfg.PIDFile, "PID file path (disabled when empty)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, cfg *config.Config, configFile string) error {
	// Flags win over file values: load the file separately, then copy its
	// values only into the settings whose flag was not set explicitly.
	fileCfg := config.Default()
	if err := fileCfg.LoadFile(configFile); err != nil {
		return err
	}
	mergeUnchanged(cmd, cfg, fileCfg)

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}

	if cfg.PIDFile != "" {
		if err := fileutil.AtomicWrite(cfg.PIDFile, strconv.Itoa(os.Getpid())+"\n", 0o644); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer os.Remove(cfg.PIDFile)
	}

	a, err := agent.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("[Main] Warden agent %s started (PID: %d)", version.String(), os.Getpid())
	err = a.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Printf("[Main] Shutting down")
		return nil
	}
	return err
}

// mergeUnchanged copies file-derived values into cfg for every flag the
// user did not set on the command line.
func mergeUnchanged(cmd *cobra.Command, cfg, fileCfg *config.Config) {
	type binding struct {
		flag string
		dst  func()
	}
	bindings := []binding{
		{"broker-ws-uri", func() { cfg.BrokerWSURI = fileCfg.BrokerWSURI }},
		{"identity", func() { cfg.Identity = fileCfg.Identity }},
		{"ssl-ca-cert", func() { cfg.CACert = fileCfg.CACert }},
		{"ssl-cert", func() { cfg.Cert = fileCfg.Cert }},
		{"ssl-key", func() { cfg.Key = fileCfg.Key }},
		{"modules-dir", func() { cfg.ModulesDir = fileCfg.ModulesDir }},
		{"modules-config-dir", func() { cfg.ModulesConfigDir = fileCfg.ModulesConfigDir }},
		{"spool-dir", func() { cfg.SpoolDir = fileCfg.SpoolDir }},
		{"logfile", func() { cfg.LogFile = fileCfg.LogFile }},
		{"loglevel", func() { cfg.LogLevel = fileCfg.LogLevel }},
		{"concurrency", func() { cfg.Concurrency = fileCfg.Concurrency }},
		{"pidfile", func() { cfg.PIDFile = fileCfg.PIDFile }},
	}
	for _, b := range bindings {
		if !cmd.Flags().Changed(b.flag) {
			b.dst()
		}
	}
	cfg.ConnectionTimeoutSecs = fileCfg.ConnectionTimeoutSecs
}

func setupLogging(cfg *config.Config) error {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logging.SetLevel(level)

	if cfg.LogFile != "" && cfg.LogFile != "-" {
		path := fileutil.Expand(cfg.LogFile)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", path, err)
		}
		log.SetOutput(f)
	}
	return nil
}
