package agent

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Registry holds the descriptor set loaded at startup. It is immutable
// once built and is shared read-only across all concurrent task
// executions, so lookups take no lock.
type Registry struct {
	descriptors map[string]*Descriptor
	aliases     map[string]string
}

// NewRegistry builds a registry from validated descriptors. Duplicate
// keys and aliases that shadow a real key are rejected.
func NewRegistry(descriptors []*Descriptor, aliases map[string]string) (*Registry, error) {
	byKey := make(map[string]*Descriptor, len(descriptors))
	for _, d := range descriptors {
		if _, exists := byKey[d.Key]; exists {
			return nil, configErrorf(d.Key, "duplicate agent key")
		}
		byKey[d.Key] = d
	}

	resolved := make(map[string]string, len(aliases))
	for alias, target := range aliases {
		if _, exists := byKey[alias]; exists {
			return nil, configErrorf(alias, "alias shadows a registered agent")
		}
		if _, ok := byKey[target]; !ok {
			return nil, configErrorf(alias, "alias target %q is not registered", target)
		}
		resolved[alias] = target
	}

	return &Registry{descriptors: byKey, aliases: resolved}, nil
}

// LoadDir reads every *.json agent config in dir (in filename order),
// validates each, and builds the registry. Any malformed descriptor
// fails the whole load; a bad config must halt boot, not surface later
// when a task first references it.
func LoadDir(dir string, aliases map[string]string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read agent config dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	descriptors := make([]*Descriptor, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read agent config %s: %w", path, err)
		}
		d, err := ParseDescriptor(data)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		descriptors = append(descriptors, d)
		log.Printf("[AgentRegistry] Loaded agent %q (%s, %d args)", d.Key, d.BaseCommand, len(d.Args))
	}

	return NewRegistry(descriptors, aliases)
}

// Get returns the descriptor for key, resolving aliases first.
func (r *Registry) Get(key string) (*Descriptor, bool) {
	if target, ok := r.aliases[key]; ok {
		key = target
	}
	d, ok := r.descriptors[key]
	return d, ok
}

// Keys returns the registered agent keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.descriptors))
	for k := range r.descriptors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Descriptors returns all registered descriptors, sorted by key.
func (r *Registry) Descriptors() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.descriptors))
	for _, k := range r.Keys() {
		out = append(out, r.descriptors[k])
	}
	return out
}
