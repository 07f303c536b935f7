// Package settings is the single source of truth for runtime policy:
// a static YAML file layered under admin overrides stored in Postgres.
//
// source.go -- Source contract and dot-path helpers.
package settings

import (
	"context"
	"errors"
	"strings"
)

// ErrPathNotFound is returned by GetValue when nothing is configured at the path.
// Loaders treat it as "use the built-in default", not as a failure.
var ErrPathNotFound = errors.New("settings path not found")

// Source returns merged configuration values by dot path
// ("rate_limit.auth.block_durations").
type Source interface {
	GetValue(ctx context.Context, path string) (any, error)
	// Invalidate drops any cached tree so the next GetValue reloads.
	Invalidate()
}

// Lookup walks tree along a dot path.
func Lookup(tree map[string]any, path string) (any, bool) {
	var cur any = tree
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath stores value at a dot path, creating (or replacing non-map)
// intermediate nodes as needed.
func setPath(tree map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := tree
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// deepCopy clones maps and slices so callers can't mutate a cached tree.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
