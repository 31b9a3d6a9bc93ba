package agent

import (
	"reflect"
	"testing"
)

func testDescriptor() *Descriptor {
	return &Descriptor{
		Key:         "aider",
		BaseCommand: "aider",
		Args: []ArgSpec{
			{Name: "message", Flag: "--message", Kind: KindString, Required: true},
			{Name: "model", Flag: "--model", Kind: KindString},
			{Name: "auto_commit", Flag: "--auto-commits", Kind: KindBool, Default: false},
			{Name: "yes", Flag: "--yes", Kind: KindBool, Default: true},
			{Name: "map_tokens", Flag: "--map-tokens", Kind: KindInt, Default: 1024},
		},
	}
}

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]interface{}
		want   []string
	}{
		{
			name:   "defaults only",
			params: map[string]interface{}{"message": "fix the bug"},
			want:   []string{"aider", "--message", "fix the bug", "--yes", "--map-tokens", "1024"},
		},
		{
			name: "explicit params override defaults",
			params: map[string]interface{}{
				"message":     "refactor",
				"model":       "gpt-4o",
				"auto_commit": true,
				"yes":         false,
				"map_tokens":  2048,
			},
			want: []string{"aider", "--message", "refactor", "--model", "gpt-4o", "--auto-commits", "--map-tokens", "2048"},
		},
		{
			name: "false bool emits nothing",
			params: map[string]interface{}{
				"message":     "x",
				"auto_commit": false,
			},
			want: []string{"aider", "--message", "x", "--yes", "--map-tokens", "1024"},
		},
		{
			name: "nil param falls back to default",
			params: map[string]interface{}{
				"message": "x",
				"yes":     nil,
			},
			want: []string{"aider", "--message", "x", "--yes", "--map-tokens", "1024"},
		},
		{
			name: "unknown params ignored",
			params: map[string]interface{}{
				"message": "x",
				"bogus":   "value",
			},
			want: []string{"aider", "--message", "x", "--yes", "--map-tokens", "1024"},
		},
		{
			name: "json numbers arrive as float64",
			params: map[string]interface{}{
				"message":    "x",
				"map_tokens": float64(512),
			},
			want: []string{"aider", "--message", "x", "--yes", "--map-tokens", "512"},
		},
	}

	d := testDescriptor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildCommand(d, tt.params)
			if err != nil {
				t.Fatalf("BuildCommand: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildCommandMissingRequired(t *testing.T) {
	d := testDescriptor()
	_, err := BuildCommand(d, map[string]interface{}{"model": "gpt-4o"})
	if err == nil {
		t.Fatal("expected error for missing required argument")
	}
	buildErr, ok := err.(*BuildError)
	if !ok {
		t.Fatalf("expected *BuildError, got %T", err)
	}
	if buildErr.MissingArg != "message" {
		t.Errorf("got missing arg %q, want %q", buildErr.MissingArg, "message")
	}
}

func TestBuildCommandNilParamForRequired(t *testing.T) {
	// An explicit null is absence, not a value.
	d := testDescriptor()
	_, err := BuildCommand(d, map[string]interface{}{"message": nil})
	if err == nil {
		t.Fatal("expected error for null required argument")
	}
}

func TestBuildCommandPositional(t *testing.T) {
	d := &Descriptor{
		Key:         "claude",
		BaseCommand: "claude",
		Args: []ArgSpec{
			{Name: "prompt", Kind: KindString, Required: true},
			{Name: "print", Flag: "--print", Kind: KindBool, Default: true},
		},
	}

	got, err := BuildCommand(d, map[string]interface{}{"prompt": "summarize main.go"})
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	want := []string{"claude", "summarize main.go", "--print"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBuildCommandPositionalBool(t *testing.T) {
	// A flagless bool renders as a bare literal when true.
	d := &Descriptor{
		Key:         "tool",
		BaseCommand: "tool",
		Args: []ArgSpec{
			{Name: "verbose", Kind: KindBool},
		},
	}

	got, err := BuildCommand(d, map[string]interface{}{"verbose": true})
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	want := []string{"tool", "true"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBuildCommandDeterministic(t *testing.T) {
	d := testDescriptor()
	params := map[string]interface{}{
		"message":     "same",
		"model":       "sonnet",
		"auto_commit": true,
	}

	first, err := BuildCommand(d, params)
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	for i := 0; i < 50; i++ {
		got, err := BuildCommand(d, params)
		if err != nil {
			t.Fatalf("BuildCommand: %v", err)
		}
		if !reflect.DeepEqual(got, first) {
			t.Fatalf("iteration %d: got %v, want %v", i, got, first)
		}
	}
}
