// file.go -- Static settings layer read from a YAML file and watched for edits.
package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// watchDebounce coalesces the burst of events editors emit on save.
const watchDebounce = 100 * time.Millisecond

// FileLayer holds the parsed contents of the static settings file.
type FileLayer struct {
	path string

	mu   sync.RWMutex
	tree map[string]any
}

// NewFileLayer reads path once. A missing file is not an error: the layer is
// empty and built-in defaults apply until the file appears.
func NewFileLayer(path string) (*FileLayer, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving settings path: %w", err)
	}
	l := &FileLayer{path: abs, tree: map[string]any{}}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path is the absolute path of the watched file.
func (l *FileLayer) Path() string { return l.path }

// Reload re-reads the file. On a parse error the previous tree is kept.
func (l *FileLayer) Reload() error {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("settings file not found, using built-in defaults", "path", l.path)
		l.mu.Lock()
		l.tree = map[string]any{}
		l.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading settings file %s: %w", l.path, err)
	}

	tree := map[string]any{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("parsing settings file %s: %w", l.path, err)
	}
	if tree == nil {
		tree = map[string]any{}
	}

	l.mu.Lock()
	l.tree = tree
	l.mu.Unlock()
	return nil
}

// Tree returns a copy of the parsed file.
func (l *FileLayer) Tree() map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return deepCopy(l.tree).(map[string]any)
}

// Watch reloads the file whenever it changes and then calls onChange.
// The directory is watched rather than the file so editors that replace the
// file on save are still seen. Returns once the watcher is running; the watch
// stops when ctx is cancelled.
func (l *FileLayer) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating settings watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	go l.watchLoop(ctx, watcher, onChange)
	slog.Info("watching settings file", "path", l.path)
	return nil
}

func (l *FileLayer) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, onChange func()) {
	defer watcher.Close()
	name := filepath.Base(l.path)

	var debounce *time.Timer
	fire := func() {
		if err := l.Reload(); err != nil {
			slog.Error("settings reload failed, keeping previous values", "path", l.path, "error", err)
			return
		}
		slog.Info("settings file reloaded", "path", l.path)
		onChange()
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDebounce, fire)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("settings watcher error", "error", err)
		}
	}
}
