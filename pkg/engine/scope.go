package engine

import (
	"maps"
	"strconv"
	"strings"
)

// Scope is the mutable data an execution branch reads from and writes to.
// Top-level keys hold node results; "trigger", "workflow" and "execution"
// describe the run itself.
type Scope struct {
	values  map[string]any
	written map[string]struct{}
}

// NewScope returns a scope holding values.
func NewScope(values map[string]any) *Scope {
	if values == nil {
		values = make(map[string]any)
	}

	return &Scope{values: values, written: make(map[string]struct{})}
}

// Set stores value under a top-level key.
func (s *Scope) Set(key string, value any) {
	s.values[key] = value
	s.written[key] = struct{}{}
}

// Lookup resolves a dotted path such as "trigger.data.amount" or "items.0.id".
func (s *Scope) Lookup(path string) (any, bool) {
	return lookupPath(s.values, path)
}

// Resolve looks path up in the scope and falls back to the trigger data, so
// predicates may name record fields directly.
func (s *Scope) Resolve(path string) (any, bool) {
	if v, ok := s.Lookup(path); ok {
		return v, true
	}

	return s.Lookup("trigger.data." + path)
}

// Values exposes the underlying map for template rendering.
func (s *Scope) Values() map[string]any {
	return s.values
}

// Written returns the keys set on this scope, with their current values.
func (s *Scope) Written() map[string]any {
	out := make(map[string]any, len(s.written))
	for key := range s.written {
		out[key] = s.values[key]
	}

	return out
}

// Child returns an isolated copy whose writes do not reach s until merged.
func (s *Scope) Child() *Scope {
	return &Scope{values: deepCopyMap(s.values), written: make(map[string]struct{})}
}

// Merge copies the writes of child into s.
func (s *Scope) Merge(child *Scope) {
	for key, value := range child.Written() {
		s.Set(key, value)
	}
}

func lookupPath(root any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}

	current := root

	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}

			current = next
		case []any:
			index, err := strconv.Atoi(part)
			if err != nil || index < 0 || index >= len(node) {
				return nil, false
			}

			current = node[index]
		default:
			return nil, false
		}
	}

	return current, true
}

func deepCopyMap(in map[string]any) map[string]any {
	out := maps.Clone(in)
	for key, value := range out {
		out[key] = deepCopy(value)
	}

	return out
}

func deepCopy(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return deepCopyMap(value)
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = deepCopy(item)
		}

		return out
	default:
		return v
	}
}
