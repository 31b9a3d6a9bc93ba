// Package agent defines the validated, immutable descriptors that map a
// declarative task specification onto a concrete CLI invocation, and the
// registry that holds them. Descriptors are constructed once at startup
// and shared read-only across all concurrent task executions.
package agent

import (
	"fmt"
)

// ArgKind is the type of a single CLI argument value.
type ArgKind int

const (
	KindString ArgKind = iota
	KindBool
	KindInt
)

// String returns the wire name of the kind.
func (k ArgKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	}
	return fmt.Sprintf("ArgKind(%d)", int(k))
}

// ParseArgKind maps a wire name ("string", "bool", "int") to an ArgKind.
func ParseArgKind(s string) (ArgKind, error) {
	switch s {
	case "string", "": // untyped args default to string, like the CLI tools themselves
		return KindString, nil
	case "bool":
		return KindBool, nil
	case "int":
		return KindInt, nil
	}
	return 0, fmt.Errorf("unknown arg kind %q", s)
}

// ArgSpec describes one argument of an agent's CLI contract.
// An empty Flag means the argument is positional. Default is nil when the
// argument has no default; otherwise it holds a value matching Kind.
type ArgSpec struct {
	Name        string
	Flag        string
	Kind        ArgKind
	Required    bool
	Default     interface{}
	Description string
}

// Descriptor is one agent's CLI contract: a base command plus an ordered
// list of argument specs. Order is declaration order from the config
// source and defines the deterministic command-vector layout.
type Descriptor struct {
	Key          string
	BaseCommand  string
	Args         []ArgSpec
	Capabilities []string
	Description  string
	Version      string
}

// Arg returns the spec with the given name, if declared.
func (d *Descriptor) Arg(name string) (ArgSpec, bool) {
	for _, a := range d.Args {
		if a.Name == name {
			return a, true
		}
	}
	return ArgSpec{}, false
}

// HasCapability reports whether the descriptor advertises the capability.
// Capabilities are informational only; nothing in dispatch branches on them.
func (d *Descriptor) HasCapability(name string) bool {
	for _, c := range d.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// ConfigError reports a malformed agent descriptor. It is fatal at
// startup: a descriptor that fails validation must never be registered.
type ConfigError struct {
	AgentKey string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("agent config %q: %s", e.AgentKey, e.Reason)
}

// configErrorf builds a ConfigError with a formatted reason.
func configErrorf(key, format string, args ...interface{}) *ConfigError {
	return &ConfigError{AgentKey: key, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the descriptor invariants: non-empty key and base
// command, no duplicate argument names, and defaults matching their
// declared kind.
func (d *Descriptor) Validate() error {
	if d.Key == "" {
		return configErrorf(d.Key, "key must not be empty")
	}
	if d.BaseCommand == "" {
		return configErrorf(d.Key, "command must not be empty")
	}

	seen := make(map[string]bool, len(d.Args))
	for _, a := range d.Args {
		if a.Name == "" {
			return configErrorf(d.Key, "argument with empty name")
		}
		if seen[a.Name] {
			return configErrorf(d.Key, "duplicate argument %q", a.Name)
		}
		seen[a.Name] = true

		switch a.Kind {
		case KindString, KindBool, KindInt:
		default:
			return configErrorf(d.Key, "argument %q has unknown kind", a.Name)
		}

		if a.Default != nil {
			if err := checkDefaultKind(a); err != nil {
				return configErrorf(d.Key, "argument %q: %v", a.Name, err)
			}
		}
	}
	return nil
}

func checkDefaultKind(a ArgSpec) error {
	switch a.Kind {
	case KindString:
		if _, ok := a.Default.(string); !ok {
			return fmt.Errorf("default %v is not a string", a.Default)
		}
	case KindBool:
		if _, ok := a.Default.(bool); !ok {
			return fmt.Errorf("default %v is not a bool", a.Default)
		}
	case KindInt:
		switch v := a.Default.(type) {
		case int:
		case int64:
		case float64:
			if v != float64(int64(v)) {
				return fmt.Errorf("default %v is not an integer", v)
			}
		default:
			return fmt.Errorf("default %v is not an int", a.Default)
		}
	}
	return nil
}
