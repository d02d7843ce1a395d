// Package logging layers level filtering on top of the standard library
// logger. Components log through Debugf/Infof/Warnf/Errorf with a short
// component tag; the level is set once at startup from configuration.
package logging

import (
	"fmt"
	"log"
	"sync/atomic"
)

// Level identifies a log severity.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

var current atomic.Int32

func init() {
	current.Store(int32(LevelInfo))
}

// ParseLevel maps a configuration string to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warning":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("logging: invalid log level %q", s)
}

// SetLevel installs the minimum severity that will be emitted.
func SetLevel(l Level) {
	current.Store(int32(l))
}

func enabled(l Level) bool {
	return int32(l) >= current.Load()
}

// Debugf logs a debug message tagged with the component name.
func Debugf(component, format string, args ...any) {
	if enabled(LevelDebug) {
		log.Printf("[%s] DEBUG "+format, prepend(component, args)...)
	}
}

// Infof logs an informational message tagged with the component name.
func Infof(component, format string, args ...any) {
	if enabled(LevelInfo) {
		log.Printf("[%s] "+format, prepend(component, args)...)
	}
}

// Warnf logs a warning tagged with the component name.
func Warnf(component, format string, args ...any) {
	if enabled(LevelWarning) {
		log.Printf("[%s] WARNING "+format, prepend(component, args)...)
	}
}

// Errorf logs an error tagged with the component name.
func Errorf(component, format string, args ...any) {
	if enabled(LevelError) {
		log.Printf("[%s] ERROR "+format, prepend(component, args)...)
	}
}

func prepend(component string, args []any) []any {
	out := make([]any, 0, len(args)+1)
	out = append(out, component)
	return append(out, args...)
}
