// Package scripting hosts sandboxed Lua scripts that extend the query
// classifier with deployment-specific rules.
package scripting

import (
	"context"
	"time"
)

// Engine is the interface for the Lua scripting engine.
type Engine interface {
	// LoadScript loads a Lua script with the given name and content.
	LoadScript(name string, content []byte) error

	// LoadScriptFile loads a Lua script from a file path.
	LoadScriptFile(path string) error

	// LoadScriptDir loads all *.lua files from a directory in name order.
	LoadScriptDir(dir string) error

	// HasFunction reports whether a global function with this name is loaded.
	HasFunction(name string) bool

	// ExecuteFunction calls a Lua function with the given arguments and
	// returns its first result converted to Go.
	ExecuteFunction(ctx context.Context, funcName string, args ...interface{}) (interface{}, error)

	// Close releases resources associated with the engine.
	Close() error
}

// Config contains configuration options for the scripting engine.
type Config struct {
	// EnableSandboxing restricts scripts to the base, string, table and math libraries
	EnableSandboxing bool

	// Timeout bounds a single load or call
	Timeout time.Duration
}

// DefaultConfig returns the default configuration for the scripting engine.
func DefaultConfig() Config {
	return Config{
		EnableSandboxing: true,
		Timeout:          100 * time.Millisecond,
	}
}

// LoadAll loads every directory in dirs.
func LoadAll(engine Engine, dirs ...string) error {
	for _, dir := range dirs {
		if err := engine.LoadScriptDir(dir); err != nil {
			return err
		}
	}
	return nil
}
