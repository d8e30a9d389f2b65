package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultWatchDebounce is how long the watcher waits after the last change before
// reloading.
const DefaultWatchDebounce = 500 * time.Millisecond

// Watcher reloads an engine's file policies when policy files change. A set that
// fails to load or compile is logged and the engine keeps its current policies.
type Watcher struct {
	engine   *Engine
	paths    []string
	debounce time.Duration
	logger   zerolog.Logger

	// reloaded receives the error of each reload. Tests use it to wait.
	reloaded func(error)
}

// NewWatcher creates a watcher for paths.
func NewWatcher(engine *Engine, paths []string, logger zerolog.Logger) *Watcher {
	return &Watcher{
		engine:   engine,
		paths:    paths,
		debounce: DefaultWatchDebounce,
		logger:   logger.With().Str("component", "policy-watcher").Logger(),
	}
}

// Start begins watching and returns once the watches are registered. Watching
// stops when ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range w.paths {
		if err := addRecursive(fsw, path); err != nil {
			_ = fsw.Close()
			return err
		}
	}

	go w.run(ctx, fsw)
	w.logger.Info().Strs("paths", w.paths).Msg("Watching policy paths")
	return nil
}

// addRecursive watches dir and every directory below it. A file path watches its
// parent directory.
func addRecursive(fsw *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	if !info.IsDir() {
		return fsw.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(p)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()

	// fire is nil while no reload is pending.
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addRecursive(fsw, ev.Name)
				}
			}
			if !isPolicyFile(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			w.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Policy file changed")
			fire = time.After(w.debounce)

		case <-fire:
			fire = nil
			err := w.reload(ctx)
			if err != nil {
				w.logger.Error().Err(err).Msg("Policy reload failed, keeping the current policies")
			}
			if w.reloaded != nil {
				w.reloaded(err)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Policy watcher error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context) error {
	policies, err := Load(ctx, w.paths)
	if err != nil {
		return err
	}
	return w.engine.ReplacePolicies(ctx, policies)
}
