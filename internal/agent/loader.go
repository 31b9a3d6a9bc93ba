package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// rawArgSpec is the wire form of one argument definition.
type rawArgSpec struct {
	Flag        string      `json:"flag"`
	Type        string      `json:"type"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default"`
	Description string      `json:"description"`
}

// rawDescriptor is the wire form of an agent config document:
//
//	{
//	  "key": "aider",
//	  "command": "aider",
//	  "args": { "<name>": {"flag", "type", "required", "default", "description"}, ... },
//	  "capabilities": ["code_edit"]
//	}
//
// args may alternatively be a list of objects carrying a "name" field.
type rawDescriptor struct {
	Key          string          `json:"key"`
	Command      string          `json:"command"`
	Args         json.RawMessage `json:"args"`
	Capabilities []string        `json:"capabilities"`
	Description  string          `json:"description"`
	Version      string          `json:"version"`
}

// ParseDescriptor parses and validates one agent config document.
// Argument order follows the declaration order in the document; JSON
// object keys are read in stream order, not through a Go map, so the
// resulting command layout is stable.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var raw rawDescriptor
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, &ConfigError{AgentKey: "", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	args, err := parseArgs(raw.Key, raw.Args)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		Key:          raw.Key,
		BaseCommand:  raw.Command,
		Args:         args,
		Capabilities: raw.Capabilities,
		Description:  raw.Description,
		Version:      raw.Version,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// parseArgs decodes the args document in declaration order. A JSON object
// is walked token-by-token because encoding/json maps lose key order.
func parseArgs(key string, raw json.RawMessage) ([]ArgSpec, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}

	trimmed := bytes.TrimSpace(raw)
	if trimmed[0] == '[' {
		return parseArgList(key, trimmed)
	}
	if trimmed[0] != '{' {
		return nil, configErrorf(key, "args must be an object or list")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	// consume opening brace
	if _, err := dec.Token(); err != nil {
		return nil, configErrorf(key, "invalid args: %v", err)
	}

	var specs []ArgSpec
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, configErrorf(key, "invalid args: %v", err)
		}
		name, ok := tok.(string)
		if !ok {
			return nil, configErrorf(key, "unexpected token %v in args", tok)
		}

		var rawSpec rawArgSpec
		if err := dec.Decode(&rawSpec); err != nil {
			return nil, configErrorf(key, "argument %q: %v", name, err)
		}

		spec, err := buildArgSpec(key, name, rawSpec)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	// closing brace
	if _, err := dec.Token(); err != nil && err != io.EOF {
		return nil, configErrorf(key, "invalid args: %v", err)
	}

	return specs, nil
}

// parseArgList decodes the list form, where each entry names itself.
func parseArgList(key string, raw []byte) ([]ArgSpec, error) {
	var entries []struct {
		Name string `json:"name"`
		rawArgSpec
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, configErrorf(key, "invalid args list: %v", err)
	}

	specs := make([]ArgSpec, 0, len(entries))
	for _, e := range entries {
		spec, err := buildArgSpec(key, e.Name, e.rawArgSpec)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func buildArgSpec(key, name string, raw rawArgSpec) (ArgSpec, error) {
	kind, err := ParseArgKind(raw.Type)
	if err != nil {
		return ArgSpec{}, configErrorf(key, "argument %q: %v", name, err)
	}

	def, err := normalizeDefault(kind, raw.Default)
	if err != nil {
		return ArgSpec{}, configErrorf(key, "argument %q: %v", name, err)
	}

	return ArgSpec{
		Name:        name,
		Flag:        raw.Flag,
		Kind:        kind,
		Required:    raw.Required,
		Default:     def,
		Description: raw.Description,
	}, nil
}

// normalizeDefault coerces a decoded JSON default into the canonical Go
// representation for its kind (string, bool, or int).
func normalizeDefault(kind ArgKind, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("default %v is not a string", v)
		}
		return s, nil
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("default %v is not a bool", v)
		}
		return b, nil
	case KindInt:
		switch n := v.(type) {
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				return nil, fmt.Errorf("default %v is not an integer", v)
			}
			return int(i), nil
		case float64:
			if n != float64(int64(n)) {
				return nil, fmt.Errorf("default %v is not an integer", v)
			}
			return int(n), nil
		case int:
			return n, nil
		default:
			return nil, fmt.Errorf("default %v is not an int", v)
		}
	}
	return nil, fmt.Errorf("unknown kind %v", kind)
}
