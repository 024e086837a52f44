package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// PresetWatcher serves the sandbox presets of a config file and reloads them
// when the file changes.
type PresetWatcher struct {
	path     string
	log      *zap.Logger
	debounce time.Duration

	mu       sync.RWMutex
	presets  map[string]Sandbox
	ordered  []Sandbox
	watcher  *fsnotify.Watcher
	reloaded chan struct{}
}

// NewPresetWatcher seeds the watcher with initial. Watching starts with Start;
// without it the watcher is a static preset table.
func NewPresetWatcher(path string, initial []Sandbox, log *zap.Logger) *PresetWatcher {
	w := &PresetWatcher{
		path:     path,
		log:      log.With(zap.String("component", "preset-watcher")),
		debounce: 100 * time.Millisecond,
		reloaded: make(chan struct{}, 1),
	}
	w.set(initial)
	return w
}

// Sandbox looks up a preset by id.
func (w *PresetWatcher) Sandbox(id string) (Sandbox, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	sb, ok := w.presets[id]
	return sb, ok
}

// Sandboxes returns all presets in config file order.
func (w *PresetWatcher) Sandboxes() []Sandbox {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Sandbox, len(w.ordered))
	copy(out, w.ordered)
	return out
}

// Reloaded receives a value after each successful reload.
func (w *PresetWatcher) Reloaded() <-chan struct{} {
	return w.reloaded
}

// Start watches the config file's directory until ctx is done. Editors often
// replace files by rename, so the directory is watched, not the file.
func (w *PresetWatcher) Start(ctx context.Context) error {
	if w.path == "" {
		return nil
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fsWatcher.Add(dir); err != nil {
		_ = fsWatcher.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	w.watcher = fsWatcher
	go w.run(ctx)
	return nil
}

func (w *PresetWatcher) run(ctx context.Context) {
	defer w.watcher.Close()

	target := filepath.Clean(w.path)
	var pendingSince time.Time
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pendingSince = time.Now()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("Preset watcher error", zap.Error(err))
		case <-ticker.C:
			if !pendingSince.IsZero() && time.Since(pendingSince) >= w.debounce {
				pendingSince = time.Time{}
				w.reload()
			}
		}
	}
}

func (w *PresetWatcher) reload() {
	cfg, err := LoadFile(w.path)
	if err != nil {
		w.log.Warn("Failed to reload sandbox presets", zap.String("path", w.path), zap.Error(err))
		return
	}
	if err := validateSandboxes(cfg.Sandboxes); err != nil {
		w.log.Warn("Ignoring invalid sandbox presets", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.set(cfg.Sandboxes)
	w.log.Info("Reloaded sandbox presets", zap.Int("count", len(cfg.Sandboxes)))
	select {
	case w.reloaded <- struct{}{}:
	default:
	}
}

func (w *PresetWatcher) set(sandboxes []Sandbox) {
	presets := make(map[string]Sandbox, len(sandboxes))
	ordered := make([]Sandbox, len(sandboxes))
	copy(ordered, sandboxes)
	for _, sb := range sandboxes {
		presets[sb.ID] = sb
	}
	w.mu.Lock()
	w.presets = presets
	w.ordered = ordered
	w.mu.Unlock()
}
