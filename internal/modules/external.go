package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fabricmesh/warden/internal/action"
	"github.com/fabricmesh/warden/internal/execution"
	"github.com/fabricmesh/warden/internal/logging"
	"github.com/fabricmesh/warden/internal/schema"
	"github.com/fabricmesh/warden/internal/spool"
)

// fileErrorExitCode is reserved by the module contract: a child exits with
// it when it failed to open one of its output files.
const fileErrorExitCode = 5

// External wraps an on-disk executable. Loading probes the executable for
// metadata and registers per-action schemas; afterwards the module is
// immutable and safe to share.
type External struct {
	name    string
	path    string
	config  json.RawMessage
	actions []string

	inputValidator   *schema.Validator
	resultsValidator *schema.Validator
	configValidator  *schema.Validator

	runner execution.Runner
}

// NewExternal loads the executable at path as a module. config is the
// module's own configuration document; pass nil when there is none. The
// module name is the file stem of path. Any failure yields a LoadingError
// and no partial registration.
func NewExternal(path string, config json.RawMessage) (*External, error) {
	return newExternal(path, config, execution.ExecRunner{})
}

func newExternal(path string, config json.RawMessage, runner execution.Runner) (*External, error) {
	m := &External{
		name:             fileStem(path),
		path:             path,
		config:           config,
		inputValidator:   schema.NewValidator(),
		resultsValidator: schema.NewValidator(),
		configValidator:  schema.NewValidator(),
		runner:           runner,
	}

	metadata, err := m.probeMetadata()
	if err != nil {
		return nil, err
	}

	if len(metadata.Configuration) > 0 {
		if err := m.registerConfiguration(metadata.Configuration); err != nil {
			return nil, err
		}
	} else {
		logging.Debugf(component, "Found no configuration schema for module %q", m.name)
	}
	if err := m.validateConfiguration(); err != nil {
		return nil, err
	}

	for _, a := range metadata.Actions {
		if err := m.registerAction(a); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func fileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// probeMetadata launches the executable with the single argument
// "metadata", an empty stdin, and the parent's environment, then parses
// and validates what it printed.
func (m *External) probeMetadata() (*Metadata, error) {
	res := m.runner.Run(context.Background(), m.path, []string{"metadata"}, execution.Options{})

	if res.Stderr != "" {
		logging.Errorf(component, "Failed to load the external module metadata from %s: %s", m.path, res.Stderr)
		return nil, loadingErrorf("failed to load external module metadata")
	}

	raw := json.RawMessage(res.Stdout)
	var metadata Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, loadingErrorf("metadata is not in a valid JSON format: %v", err)
	}
	logging.Debugf(component, "External module %s: metadata is valid JSON", m.name)

	if err := metadataValidator.Validate(metadataSchemaName, raw); err != nil {
		return nil, loadingErrorf("metadata validation failure: %v", err)
	}
	logging.Debugf(component, "External module %s: metadata validation OK", m.name)

	return &metadata, nil
}

func (m *External) registerConfiguration(configSchema json.RawMessage) error {
	logging.Debugf(component, "Registering module config schema for %q", m.name)
	if err := m.configValidator.Register(m.name, configSchema); err != nil {
		logging.Errorf(component, "Failed to parse the configuration schema of module %q: %v", m.name, err)
		return loadingErrorf("invalid configuration schema of module %s", m.name)
	}
	return nil
}

func (m *External) validateConfiguration() error {
	if len(m.config) == 0 {
		return nil
	}
	if !m.configValidator.Includes(m.name) {
		logging.Debugf(component, "The %q configuration will not be validated; no schema is available", m.name)
		return nil
	}
	if err := m.configValidator.Validate(m.name, m.config); err != nil {
		return loadingErrorf("configuration validation failure: %v", err)
	}
	return nil
}

// registerAction stores the action's input and result schemas under the
// action name. Duplicate action names within a module are rejected.
func (m *External) registerAction(a ActionMetadata) error {
	logging.Debugf(component, "Validating action '%s %s'", m.name, a.Name)

	if err := m.inputValidator.Register(a.Name, a.Input); err != nil {
		logging.Errorf(component, "Failed to parse metadata schemas of action '%s %s': %v", m.name, a.Name, err)
		return loadingErrorf("invalid schemas of '%s %s'", m.name, a.Name)
	}
	if err := m.resultsValidator.Register(a.Name, a.Results); err != nil {
		logging.Errorf(component, "Failed to parse metadata schemas of action '%s %s': %v", m.name, a.Name, err)
		return loadingErrorf("invalid schemas of '%s %s'", m.name, a.Name)
	}

	logging.Debugf(component, "Action '%s %s' has been validated", m.name, a.Name)
	m.actions = append(m.actions, a.Name)
	return nil
}

// Name returns the module name derived from the executable's file stem.
func (m *External) Name() string { return m.name }

// Path returns the executable path.
func (m *External) Path() string { return m.path }

// Actions returns the advertised action names in metadata order.
func (m *External) Actions() []string {
	out := make([]string, len(m.actions))
	copy(out, m.actions)
	return out
}

// HasAction reports whether the module advertises the action.
func (m *External) HasAction(name string) bool {
	for _, a := range m.actions {
		if a == name {
			return true
		}
	}
	return false
}

// ValidateInput checks doc against the action's input schema.
func (m *External) ValidateInput(actionName string, doc json.RawMessage) error {
	return m.inputValidator.Validate(actionName, doc)
}

// ValidateResults checks doc against the action's result schema.
func (m *External) ValidateResults(actionName string, doc json.RawMessage) error {
	return m.resultsValidator.Validate(actionName, doc)
}

// actionArguments builds the document fed to the child on stdin: the input
// params, the module configuration when present, and for non-blocking
// requests the absolute paths of the files the child must write.
func (m *External) actionArguments(req *action.Request) (string, error) {
	args := map[string]json.RawMessage{
		"input": req.Params(),
	}
	if len(m.config) > 0 {
		args["configuration"] = m.config
	}
	if req.Type() == action.NonBlocking {
		stdoutPath, stderrPath, exitcodePath := spool.OutputFilePaths(req.ResultsDir())
		outputFiles, err := json.Marshal(map[string]string{
			"stdout":   stdoutPath,
			"stderr":   stderrPath,
			"exitcode": exitcodePath,
		})
		if err != nil {
			return "", fmt.Errorf("modules: marshal output files: %w", err)
		}
		args["output_files"] = outputFiles
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("modules: marshal action arguments: %w", err)
	}
	return string(payload), nil
}

// Call executes the action, blocking until the child exits.
func (m *External) Call(actionName string, req *action.Request) (*action.Outcome, error) {
	if !m.HasAction(actionName) {
		return nil, fmt.Errorf("modules: module %s does not advertise action %s", m.name, actionName)
	}
	if req.Type() == action.Blocking {
		return m.callBlocking(actionName, req)
	}
	return m.callNonBlocking(actionName, req)
}

func (m *External) callBlocking(actionName string, req *action.Request) (*action.Outcome, error) {
	args, err := m.actionArguments(req)
	if err != nil {
		return nil, err
	}

	logging.Infof(component, "Executing the %s", req.PrettyLabel())
	logging.Debugf(component, "Input for the %s: %s", req.PrettyLabel(), args)

	res := m.runner.Run(context.Background(), m.path, []string{actionName},
		execution.Options{Stdin: args})

	return parseOutcome(req, res.ExitCode, res.Stdout, res.Stderr)
}

func (m *External) callNonBlocking(actionName string, req *action.Request) (*action.Outcome, error) {
	resultsDir := req.ResultsDir()
	if resultsDir == "" {
		return nil, processingErrorf("no results directory set for the %s", req.PrettyLabel())
	}

	args, err := m.actionArguments(req)
	if err != nil {
		return nil, err
	}

	logging.Infof(component, "Starting a task for the %s; stdout and stderr will be stored in %s",
		req.PrettyLabel(), resultsDir)
	logging.Debugf(component, "Input for the %s: %s", req.PrettyLabel(), args)

	res := m.runner.Run(context.Background(), m.path, []string{actionName},
		execution.Options{
			Stdin: args,
			PIDCallback: func(pid int) {
				if err := spool.WritePID(resultsDir, pid); err != nil {
					logging.Errorf(component, "Failed to write pid file for the %s: %v", req.PrettyLabel(), err)
				}
			},
		})

	if res.ExitCode == fileErrorExitCode {
		// The task outcome will not be available for future status queries.
		logging.Warnf(component, "The task process failed to write output on file for the %s; stdout: %s; stderr: %s",
			req.PrettyLabel(), orEmpty(res.Stdout), orEmpty(res.Stderr))
		return nil, processingErrorf("failed to write output on file")
	}

	outTxt, errTxt, err := spool.ReadOutcomeFiles(resultsDir, req.PrettyLabel())
	if err != nil {
		return nil, processingErrorf("failed to read")
	}

	return parseOutcome(req, res.ExitCode, outTxt, errTxt)
}

func orEmpty(s string) string {
	if s == "" {
		return "(empty)"
	}
	return s
}
