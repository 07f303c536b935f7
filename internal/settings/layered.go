// layered.go -- Source that merges admin overrides over the static file.
package settings

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MGallo-Code/bastion/internal/store"
)

// OverrideStore lists admin overrides. Implemented by *store.PostgresStore.
type OverrideStore interface {
	ListSettingOverrides(ctx context.Context) ([]store.SettingOverride, error)
}

// Layered is the Source used in production. The merged tree is cached for
// ttl; concurrent misses share one rebuild.
type Layered struct {
	file      *FileLayer
	overrides OverrideStore // nil when Postgres is not configured
	ttl       time.Duration
	now       func() time.Time

	mu       sync.Mutex
	merged   map[string]any
	loadedAt time.Time
	gen      uint64
	sf       singleflight.Group

	subsMu sync.Mutex
	subs   []func()
}

var _ Source = (*Layered)(nil)

// NewLayered builds a Source over file and (optionally) overrides.
func NewLayered(file *FileLayer, overrides OverrideStore, ttl time.Duration) *Layered {
	return &Layered{
		file:      file,
		overrides: overrides,
		ttl:       ttl,
		now:       time.Now,
	}
}

// GetValue returns a copy of the merged value at path.
func (l *Layered) GetValue(ctx context.Context, path string) (any, error) {
	tree := l.tree(ctx)
	v, ok := Lookup(tree, path)
	if !ok {
		return nil, ErrPathNotFound
	}
	return deepCopy(v), nil
}

// Invalidate drops the merged tree and notifies subscribers.
func (l *Layered) Invalidate() {
	l.mu.Lock()
	l.merged = nil
	l.gen++
	l.mu.Unlock()
	l.sf.Forget("merge")

	l.subsMu.Lock()
	subs := append([]func(){}, l.subs...)
	l.subsMu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// OnInvalidate registers fn to run after every Invalidate.
// Typed caches built on this source use it to drop their own copies.
func (l *Layered) OnInvalidate(fn func()) {
	l.subsMu.Lock()
	l.subs = append(l.subs, fn)
	l.subsMu.Unlock()
}

func (l *Layered) tree(ctx context.Context) map[string]any {
	l.mu.Lock()
	if l.merged != nil && l.now().Sub(l.loadedAt) < l.ttl {
		tree := l.merged
		l.mu.Unlock()
		return tree
	}
	gen := l.gen
	l.mu.Unlock()

	v, _, _ := l.sf.Do("merge", func() (any, error) {
		tree := l.build(ctx)
		l.mu.Lock()
		if l.gen == gen {
			l.merged = tree
			l.loadedAt = l.now()
		}
		l.mu.Unlock()
		return tree, nil
	})
	return v.(map[string]any)
}

// build merges overrides onto a copy of the file tree. A failing override
// store degrades to the file layer alone.
func (l *Layered) build(ctx context.Context) map[string]any {
	tree := l.file.Tree()
	if l.overrides == nil {
		return tree
	}

	// Detached so one client hanging up doesn't fail the shared rebuild.
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	overrides, err := l.overrides.ListSettingOverrides(loadCtx)
	if err != nil {
		slog.Warn("loading settings overrides failed, using static settings", "error", err)
		return tree
	}
	for _, o := range overrides {
		var v any
		if err := json.Unmarshal(o.Value, &v); err != nil {
			slog.Warn("skipping malformed settings override", "path", o.Path, "error", err)
			continue
		}
		setPath(tree, o.Path, v)
	}
	return tree
}
