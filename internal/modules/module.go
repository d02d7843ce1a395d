// Package modules implements the module-dispatch core: the Module
// capability set, external executables probed and driven over stdin/stdout,
// in-process built-ins, the registry, and outcome parsing.
package modules

import (
	"encoding/json"
	"fmt"

	"github.com/fabricmesh/warden/internal/action"
)

const component = "Modules"

// Module is the capability set shared by built-in and external modules.
// Implementations register input and result schemas for every advertised
// action before they become visible in the registry, and hold no
// per-request mutable state: a loaded module is safe to share across
// workers.
type Module interface {
	// Name returns the module's unique name.
	Name() string
	// Actions returns the advertised action names, in declaration order.
	Actions() []string
	// HasAction reports whether the module advertises the action.
	HasAction(name string) bool
	// ValidateInput checks an input document against the action's
	// registered input schema.
	ValidateInput(actionName string, doc json.RawMessage) error
	// ValidateResults checks a results document against the action's
	// registered result schema.
	ValidateResults(actionName string, doc json.RawMessage) error
	// Call executes the action for the given request.
	Call(actionName string, req *action.Request) (*action.Outcome, error)
}

// LoadingError reports a module that failed to load: metadata missing,
// unparseable, or schema-invalid, or a schema registration failure. The
// module is skipped; startup continues.
type LoadingError struct {
	Message string
}

func (e *LoadingError) Error() string { return e.Message }

func loadingErrorf(format string, args ...any) *LoadingError {
	return &LoadingError{Message: fmt.Sprintf(format, args...)}
}

// ProcessingError reports an action execution that could not produce a
// usable outcome: result files unreadable, no or invalid JSON on stdout,
// or the reserved file-error exit code.
type ProcessingError struct {
	Message string
}

func (e *ProcessingError) Error() string { return e.Message }

func processingErrorf(format string, args ...any) *ProcessingError {
	return &ProcessingError{Message: fmt.Sprintf(format, args...)}
}
