// Package schema wraps JSON-schema compilation and validation behind a
// registry of named schemas. Modules register the schemas declared by
// their metadata at load time; the registry is read-only afterwards.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrEmptyName indicates a schema registration without a name.
	ErrEmptyName = errors.New("schema: empty schema name")
	// ErrRedefined indicates an attempt to register a name twice.
	ErrRedefined = errors.New("schema: name already registered")
	// ErrUnknownSchema indicates a validation request for an unregistered name.
	ErrUnknownSchema = errors.New("schema: unknown schema")
)

// ValidationError reports a document that failed validation against a
// registered schema.
type ValidationError struct {
	Name   string
	Causes []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema: validation failure against %q: %s",
		e.Name, strings.Join(e.Causes, "; "))
}

// Validator holds compiled schemas keyed by name.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
}

// NewValidator returns an empty schema registry.
func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]*gojsonschema.Schema)}
}

// Register compiles doc as a JSON schema and stores it under name.
// Registering an already-used name fails with ErrRedefined.
func (v *Validator) Register(name string, doc json.RawMessage) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	if len(doc) == 0 {
		return fmt.Errorf("schema: empty schema document for %q", name)
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("schema: compile %q: %w", name, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, dup := v.schemas[name]; dup {
		return fmt.Errorf("%w: %s", ErrRedefined, name)
	}
	v.schemas[name] = compiled
	return nil
}

// RegisterGo is Register for schema documents already held as Go values.
func (v *Validator) RegisterGo(name string, doc map[string]any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("schema: marshal schema for %q: %w", name, err)
	}
	return v.Register(name, raw)
}

// Includes reports whether a schema is registered under name.
func (v *Validator) Includes(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.schemas[name]
	return ok
}

// Validate checks doc against the schema registered under name.
func (v *Validator) Validate(name string, doc json.RawMessage) error {
	v.mu.RLock()
	compiled, ok := v.schemas[name]
	v.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, name)
	}

	if len(doc) == 0 {
		doc = json.RawMessage("null")
	}
	result, err := compiled.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("schema: validate against %q: %w", name, err)
	}
	if result.Valid() {
		return nil
	}

	causes := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		causes = append(causes, desc.String())
	}
	return &ValidationError{Name: name, Causes: causes}
}
