package recipes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/castwork/castwork/pkg/stores"
)

// SyncResult reports what syncing one preset changed.
type SyncResult struct {
	Slug string `json:"slug"`
	stores.SaveResult
}

// Syncer loads presets from a set of paths and upserts them into a recipe store.
type Syncer struct {
	loader   *Loader
	store    stores.RecipeStore
	adapters AdapterSet
	paths    []string
	logger   zerolog.Logger

	// mu serializes syncs started by the watcher and by callers.
	mu sync.Mutex

	watcher *fsnotify.Watcher
}

// NewSyncer creates a syncer. adapters may be nil to skip the provider check.
func NewSyncer(store stores.RecipeStore, adapters AdapterSet, paths []string, logger zerolog.Logger) *Syncer {
	return &Syncer{
		loader:   NewLoader(logger),
		store:    store,
		adapters: adapters,
		paths:    paths,
		logger:   logger.With().Str("component", "recipe-sync").Logger(),
	}
}

// Load reads and validates the presets without touching the store.
func (s *Syncer) Load() ([]Preset, error) {
	result, err := s.loader.LoadPaths(s.paths)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	for i := range result.Presets {
		if err := Validate(result.Presets[i].ToRecipe(), s.adapters); err != nil {
			return nil, fmt.Errorf("%s: %w", result.Presets[i].Source, err)
		}
	}
	return result.Presets, nil
}

// Sync loads every preset and saves it by slug. Nothing is saved unless every preset
// is valid. Steps are replaced and the version bumped only for presets whose steps
// changed.
func (s *Syncer) Sync(ctx context.Context) ([]SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	presets, err := s.Load()
	if err != nil {
		return nil, err
	}

	results := make([]SyncResult, 0, len(presets))
	for i := range presets {
		recipe := presets[i].ToRecipe()
		saved, err := s.store.SaveRecipe(ctx, recipe)
		if err != nil {
			return results, fmt.Errorf("failed to save recipe %s: %w", recipe.Slug, err)
		}

		log := s.logger.With().
			Str("recipe_id", saved.RecipeID).
			Str("slug", recipe.Slug).
			Int("version", saved.Version).
			Logger()
		switch {
		case saved.Created:
			log.Info().Msg("Recipe created")
		case saved.StepsChanged:
			log.Info().Msg("Recipe steps updated")
		default:
			log.Debug().Msg("Recipe unchanged")
		}

		results = append(results, SyncResult{Slug: recipe.Slug, SaveResult: *saved})
	}
	return results, nil
}

// watchDelay debounces bursts of file events into one sync.
const watchDelay = 500 * time.Millisecond

// Watch re-syncs whenever a preset file under the syncer's paths is written, created,
// renamed or removed. It returns once the watcher is set up; watching stops when ctx
// is cancelled.
func (s *Syncer) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	s.watcher = watcher

	for _, path := range s.paths {
		info, err := os.Stat(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}
		if !info.IsDir() {
			// Editors replace files, so watch the directory and filter by name.
			path = filepath.Dir(path)
		}
		if err := s.watchDirectory(path); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
		}
	}

	go s.processEvents(ctx)

	s.logger.Info().Int("paths", len(s.paths)).Msg("Started watching recipe presets")
	return nil
}

func (s *Syncer) watchDirectory(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return s.watcher.Add(path)
		}
		return nil
	})
}

func (s *Syncer) processEvents(ctx context.Context) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = s.watcher.Close()
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 || !isPresetFile(event.Name) {
				continue
			}

			s.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Recipe preset changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDelay, func() {
				if _, err := s.Sync(ctx); err != nil {
					s.logger.Error().Err(err).Msg("Failed to sync recipe presets")
				}
			})

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
