package modules

import (
	"encoding/json"
	"fmt"

	"github.com/fabricmesh/warden/internal/action"
	"github.com/fabricmesh/warden/internal/schema"
)

// ActionFunc is the in-process implementation of a built-in action. It
// returns the results document for the outcome.
type ActionFunc func(req *action.Request) (json.RawMessage, error)

// InternalAction declares one built-in action: its schemas and its
// implementation.
type InternalAction struct {
	Name    string
	Input   map[string]any
	Results map[string]any
	Run     ActionFunc
}

// Internal is a module whose actions run in-process. It registers schemas
// exactly like an external module and presents the same capability set;
// only Call differs.
type Internal struct {
	name    string
	actions []string
	funcs   map[string]ActionFunc

	inputValidator   *schema.Validator
	resultsValidator *schema.Validator
}

// NewInternal builds a built-in module from its action declarations.
func NewInternal(name string, actions []InternalAction) (*Internal, error) {
	m := &Internal{
		name:             name,
		funcs:            make(map[string]ActionFunc, len(actions)),
		inputValidator:   schema.NewValidator(),
		resultsValidator: schema.NewValidator(),
	}
	for _, a := range actions {
		if a.Run == nil {
			return nil, loadingErrorf("missing implementation of '%s %s'", name, a.Name)
		}
		if err := m.inputValidator.RegisterGo(a.Name, a.Input); err != nil {
			return nil, loadingErrorf("invalid schemas of '%s %s': %v", name, a.Name, err)
		}
		if err := m.resultsValidator.RegisterGo(a.Name, a.Results); err != nil {
			return nil, loadingErrorf("invalid schemas of '%s %s': %v", name, a.Name, err)
		}
		m.actions = append(m.actions, a.Name)
		m.funcs[a.Name] = a.Run
	}
	return m, nil
}

// Name returns the module name.
func (m *Internal) Name() string { return m.name }

// Actions returns the advertised action names in declaration order.
func (m *Internal) Actions() []string {
	out := make([]string, len(m.actions))
	copy(out, m.actions)
	return out
}

// HasAction reports whether the module advertises the action.
func (m *Internal) HasAction(name string) bool {
	_, ok := m.funcs[name]
	return ok
}

// ValidateInput checks doc against the action's input schema.
func (m *Internal) ValidateInput(actionName string, doc json.RawMessage) error {
	return m.inputValidator.Validate(actionName, doc)
}

// ValidateResults checks doc against the action's result schema.
func (m *Internal) ValidateResults(actionName string, doc json.RawMessage) error {
	return m.resultsValidator.Validate(actionName, doc)
}

// Call runs the action in-process. A successful run yields exit code 0
// with the results document mirrored on stdout; a failed run yields exit
// code 1 with the error message on stderr and null results.
func (m *Internal) Call(actionName string, req *action.Request) (*action.Outcome, error) {
	fn, ok := m.funcs[actionName]
	if !ok {
		return nil, fmt.Errorf("modules: module %s does not advertise action %s", m.name, actionName)
	}

	results, err := fn(req)
	if err != nil {
		return &action.Outcome{
			ExitCode: 1,
			Stderr:   err.Error(),
			Results:  json.RawMessage("null"),
		}, nil
	}
	if len(results) == 0 {
		results = json.RawMessage("null")
	}
	return &action.Outcome{
		ExitCode: 0,
		Stdout:   string(results),
		Results:  results,
	}, nil
}
