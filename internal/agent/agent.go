// Package agent wires the pieces together: it loads modules, connects to
// the broker, and keeps serving requests until shut down.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fabricmesh/warden/internal/broker"
	"github.com/fabricmesh/warden/internal/config"
	"github.com/fabricmesh/warden/internal/fileutil"
	"github.com/fabricmesh/warden/internal/logging"
	"github.com/fabricmesh/warden/internal/modules"
	"github.com/fabricmesh/warden/internal/spool"
)

const component = "Agent"

const reconnectDelay = 5 * time.Second

// Agent owns the registry, the spool, and the broker link.
type Agent struct {
	cfg      *config.Config
	registry *modules.Registry
	store    *spool.Store
}

// New builds an agent from validated configuration: built-in modules are
// registered, the modules directory is scanned, and every loadable
// executable becomes an external module. A module that fails to load is
// skipped; startup continues.
func New(cfg *config.Config) (*Agent, error) {
	a := &Agent{
		cfg:      cfg,
		registry: modules.NewRegistry(),
		store:    spool.New(cfg.SpoolDir),
	}

	echo, err := modules.NewEchoModule()
	if err != nil {
		return nil, fmt.Errorf("agent: load echo module: %w", err)
	}
	status, err := modules.NewStatusModule(a.store)
	if err != nil {
		return nil, fmt.Errorf("agent: load status module: %w", err)
	}
	for _, m := range []modules.Module{echo, status} {
		if err := a.registry.Add(m); err != nil {
			return nil, err
		}
	}

	a.loadExternalModules()
	logging.Infof(component, "Loaded modules: %s", strings.Join(a.registry.Names(), ", "))
	return a, nil
}

// Registry exposes the loaded modules.
func (a *Agent) Registry() *modules.Registry { return a.registry }

// loadExternalModules scans the modules directory and loads every entry
// that is not a directory as an external module, pairing it with
// <name>.conf from the
// modules config directory when present.
func (a *Agent) loadExternalModules() {
	entries, err := os.ReadDir(a.cfg.ModulesDir)
	if err != nil {
		logging.Warnf(component, "Modules directory %s not readable; no external modules will be loaded: %v",
			a.cfg.ModulesDir, err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(a.cfg.ModulesDir, entry.Name())
		cfg, err := a.moduleConfig(entry.Name())
		if err != nil {
			logging.Errorf(component, "Skipping module %s: %v", entry.Name(), err)
			continue
		}

		mod, err := modules.NewExternal(path, cfg)
		if err != nil {
			var loadErr *modules.LoadingError
			if errors.As(err, &loadErr) {
				logging.Errorf(component, "Failed to load %s: %s", path, loadErr.Message)
			} else {
				logging.Errorf(component, "Failed to load %s: %v", path, err)
			}
			continue
		}
		if err := a.registry.Add(mod); err != nil {
			logging.Errorf(component, "Skipping module %s: %v", mod.Name(), err)
		}
	}
}

// moduleConfig reads <modules-config-dir>/<stem>.conf, returning nil when
// the module has no config file.
func (a *Agent) moduleConfig(fileName string) (json.RawMessage, error) {
	stem := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	path := filepath.Join(a.cfg.ModulesConfigDir, stem+".conf")
	if !fileutil.Exists(path) {
		return nil, nil
	}
	raw, err := fileutil.Read(path)
	if err != nil {
		return nil, err
	}
	cfg := json.RawMessage(raw)
	if !json.Valid(cfg) {
		return nil, fmt.Errorf("agent: config file %s is not valid JSON", path)
	}
	return cfg, nil
}

// Run connects to the broker and serves until ctx is cancelled. A dropped
// connection is re-dialled after a short delay; requests in flight when
// the link drops are logged and abandoned.
func (a *Agent) Run(ctx context.Context) error {
	for {
		if err := a.serveOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Errorf(component, "Broker link lost: %v; reconnecting in %s", err, reconnectDelay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (a *Agent) serveOnce(ctx context.Context) error {
	connector, err := broker.Connect(broker.Options{
		BrokerWSURI:       a.cfg.BrokerWSURI,
		Identity:          a.cfg.Identity,
		CACert:            a.cfg.CACert,
		Cert:              a.cfg.Cert,
		Key:               a.cfg.Key,
		ConnectionTimeout: a.cfg.ConnectionTimeout(),
	})
	if err != nil {
		return err
	}
	defer connector.Close()

	processor := NewProcessor(a.registry, connector, a.store, a.cfg.Concurrency)
	connector.SetRequestHandler(processor.HandleInbound)
	return connector.Run(ctx)
}
