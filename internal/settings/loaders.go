// loaders.go -- Decode settings paths into the typed policy model.
//
// The settings tree is addressed by dot paths, but scope names are resolved
// once here into a flat policy.Scopes map so the hot path never parses paths.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/MGallo-Code/bastion/internal/policy"
)

// Settings paths read by the loaders.
const (
	PathRateLimit      = "rate_limit"
	PathAuth           = "rate_limit.auth"
	PathBlockDurations = "rate_limit.auth.block_durations"
	PathAbuse          = "abuse_detection"
	PathGateRoutes     = "policy_gate.routes"
)

// decodeInto decodes a generic settings node onto out, keeping fields of out
// that the node doesn't mention.
func decodeInto(node any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(node)
}

// getMap reads path and requires a map node. found is false on ErrPathNotFound.
func getMap(ctx context.Context, src Source, path string) (m map[string]any, found bool, err error) {
	v, err := src.GetValue(ctx, path)
	if errors.Is(err, ErrPathNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false, fmt.Errorf("%s: expected a mapping, got %T", path, v)
	}
	return m, true, nil
}

// isScopeNode reports whether a node is a scope config rather than a group of scopes.
func isScopeNode(m map[string]any) bool {
	_, hasMax := m["max"]
	_, hasWindow := m["windowMs"]
	return hasMax || hasWindow
}

// flattenScopes walks rate_limit.* and collects scope nodes by full name.
// Non-map children (like block_durations) are skipped.
func flattenScopes(prefix string, m map[string]any, out map[string]map[string]any) {
	for k, v := range m {
		child, ok := v.(map[string]any)
		if !ok {
			continue
		}
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		if isScopeNode(child) {
			out[name] = child
			continue
		}
		flattenScopes(name, child, out)
	}
}

// LoadScopes returns the default scope table overlaid with rate_limit.* settings.
// A configured scope that fails validation is logged and left at its default
// (or dropped when it has none).
func LoadScopes(ctx context.Context, src Source) (policy.Scopes, error) {
	scopes := policy.DefaultScopes()
	root, found, err := getMap(ctx, src, PathRateLimit)
	if err != nil || !found {
		return scopes, err
	}

	nodes := make(map[string]map[string]any)
	flattenScopes("", root, nodes)
	for name, node := range nodes {
		cfg := scopes[name]
		if err := decodeInto(node, &cfg); err != nil {
			slog.Warn("invalid scope config, using default", "scope", name, "error", err)
			continue
		}
		if err := policy.Validate(cfg); err != nil {
			slog.Warn("invalid scope config, using default", "scope", name, "error", err)
			continue
		}
		scopes[name] = cfg
	}
	return scopes, nil
}

// LoadLadder reads rate_limit.auth.block_durations (milliseconds, null for permanent).
// Non-monotonic ladders are used as configured and only logged.
func LoadLadder(ctx context.Context, src Source) (policy.Ladder, error) {
	v, err := src.GetValue(ctx, PathBlockDurations)
	if errors.Is(err, ErrPathNotFound) {
		return policy.DefaultLadder(), nil
	}
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: expected a list, got %T", PathBlockDurations, v)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%s: empty ladder", PathBlockDurations)
	}

	ladder := make(policy.Ladder, 0, len(items))
	for i, item := range items {
		if item == nil {
			ladder = append(ladder, policy.Permanent)
			continue
		}
		ms, ok := toInt64(item)
		if !ok || ms <= 0 {
			return nil, fmt.Errorf("%s[%d]: expected positive milliseconds or null, got %v", PathBlockDurations, i, item)
		}
		ladder = append(ladder, time.Duration(ms)*time.Millisecond)
	}
	for _, w := range ladder.Warnings() {
		slog.Warn("progressive block ladder looks wrong", "warning", w)
	}
	return ladder, nil
}

// LoadAuthConfig reads rate_limit.auth.enabled and the per-auth-type attempt
// policies next to it.
func LoadAuthConfig(ctx context.Context, src Source) (policy.AuthConfig, error) {
	cfg := policy.DefaultAuthConfig()
	root, found, err := getMap(ctx, src, PathAuth)
	if err != nil || !found {
		return cfg, err
	}
	if err := decodeInto(root, &cfg); err != nil {
		return policy.DefaultAuthConfig(), fmt.Errorf("%s.enabled: %w", PathAuth, err)
	}
	for _, at := range policy.AuthTypes {
		node, ok := root[string(at)]
		if !ok {
			continue
		}
		typed := cfg.Types[at]
		if err := decodeInto(node, &typed); err != nil {
			slog.Warn("invalid auth rate limit config, using default", "auth_type", at, "error", err)
			continue
		}
		if err := policy.Validate(typed); err != nil {
			slog.Warn("invalid auth rate limit config, using default", "auth_type", at, "error", err)
			continue
		}
		cfg.Types[at] = typed
	}
	return cfg, nil
}

// LoadAbuseConfig reads abuse_detection.thresholds plus the enabled switch and
// window settings next to it.
func LoadAbuseConfig(ctx context.Context, src Source) (policy.AbuseConfig, error) {
	cfg := policy.DefaultAbuseConfig()
	root, found, err := getMap(ctx, src, PathAbuse)
	if err != nil || !found {
		return cfg, err
	}
	if thresholds, ok := root["thresholds"]; ok {
		if err := decodeInto(thresholds, &cfg); err != nil {
			return policy.DefaultAbuseConfig(), fmt.Errorf("%s.thresholds: %w", PathAbuse, err)
		}
	}
	if err := decodeInto(root, &cfg); err != nil {
		return policy.DefaultAbuseConfig(), fmt.Errorf("%s: %w", PathAbuse, err)
	}
	if err := policy.Validate(cfg); err != nil {
		return policy.DefaultAbuseConfig(), fmt.Errorf("%s: %w", PathAbuse, err)
	}
	return cfg, nil
}

// LoadGateRoutes reads policy_gate.routes, dropping invalid entries.
// Routes are returned longest prefix first.
func LoadGateRoutes(ctx context.Context, src Source) ([]policy.GateRoute, error) {
	v, err := src.GetValue(ctx, PathGateRoutes)
	if errors.Is(err, ErrPathNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: expected a list, got %T", PathGateRoutes, v)
	}

	routes := make([]policy.GateRoute, 0, len(items))
	for i, item := range items {
		var r policy.GateRoute
		if err := decodeInto(item, &r); err != nil {
			slog.Warn("skipping invalid gate route", "index", i, "error", err)
			continue
		}
		if err := policy.Validate(r); err != nil {
			slog.Warn("skipping invalid gate route", "index", i, "error", err)
			continue
		}
		if r.Key == "" {
			r.Key = "ip"
		}
		routes = append(routes, r)
	}
	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].Prefix) > len(routes[j].Prefix)
	})
	return routes, nil
}

// toInt64 accepts the numeric types produced by yaml.v3 and encoding/json.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
