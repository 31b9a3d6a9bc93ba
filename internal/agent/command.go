package agent

import (
	"fmt"
	"strconv"
)

// BuildError reports that task parameters could not satisfy a descriptor's
// CLI contract, most commonly a required argument left without a value.
type BuildError struct {
	AgentKey   string
	MissingArg string
	Reason     string
}

func (e *BuildError) Error() string {
	if e.MissingArg != "" {
		return fmt.Sprintf("build command for %q: missing required argument %q", e.AgentKey, e.MissingArg)
	}
	return fmt.Sprintf("build command for %q: %s", e.AgentKey, e.Reason)
}

// BuildCommand maps task parameters onto the descriptor's CLI contract
// and returns the full command vector, base command first.
//
// The walk is strictly over the descriptor's declared argument order, so
// the result is deterministic for a fixed (descriptor, params) pair.
// Unknown parameter keys are ignored. Boolean flags are presence markers:
// the flag is emitted exactly once for true and never for false or
// absent, and never followed by a value.
func BuildCommand(d *Descriptor, params map[string]interface{}) ([]string, error) {
	vector := []string{d.BaseCommand}

	for _, spec := range d.Args {
		value := resolveValue(spec, params)
		if value == nil {
			if spec.Required {
				return nil, &BuildError{AgentKey: d.Key, MissingArg: spec.Name}
			}
			continue
		}

		if spec.Kind == KindBool {
			if isTrue(value) {
				if spec.Flag == "" {
					vector = append(vector, formatValue(value))
				} else {
					vector = append(vector, spec.Flag)
				}
			}
			continue
		}

		if spec.Flag != "" {
			vector = append(vector, spec.Flag)
		}
		vector = append(vector, formatValue(value))
	}

	return vector, nil
}

// resolveValue picks the runtime value for one argument: an explicitly
// supplied parameter wins, then the descriptor default, else absent.
// An explicit null parameter counts as absent, not as an override.
func resolveValue(spec ArgSpec, params map[string]interface{}) interface{} {
	if v, ok := params[spec.Name]; ok && v != nil {
		return v
	}
	return spec.Default
}

func isTrue(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}

// formatValue stringifies a parameter value with plain decimal/literal
// formatting. JSON decoding hands us float64 for numbers, so integral
// floats render without an exponent or trailing fraction.
func formatValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
