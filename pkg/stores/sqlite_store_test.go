package stores_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/castwork/castwork/pkg/engine"
	"github.com/castwork/castwork/pkg/stores"
	"github.com/castwork/castwork/pkg/stores/storetest"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	return openStore(t, stores.MemoryPath)
}

func openStore(t *testing.T, path string) *stores.SQLiteStore {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) stores.Store {
		return setupTestStore(t)
	})
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: stores.MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := stores.NewSQLiteStore(stores.Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("expected second migrate to be a no-op, got %v", err)
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "castwork.db")
	ctx := context.Background()

	first := openStore(t, path)
	recipe := storetest.Recipe("persisted")
	if _, err := first.SaveRecipe(ctx, recipe); err != nil {
		t.Fatalf("failed to save recipe: %v", err)
	}
	if err := first.CreateExecution(ctx, storetest.Execution("exec-1", recipe)); err != nil {
		t.Fatalf("failed to create execution: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	second := openStore(t, path)
	got, err := second.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("failed to reload execution: %v", err)
	}
	if got.RecipeID != recipe.ID || len(got.Snapshot) != len(recipe.Steps) {
		t.Errorf("unexpected execution after reopen: %+v", got)
	}
}

func TestCreateExecutionRequiresRecipe(t *testing.T) {
	store := setupTestStore(t)
	exec := storetest.Execution("exec-1", &engine.Recipe{ID: "missing", Steps: []engine.Step{{Type: engine.StepTypeLLM}}})

	err := store.CreateExecution(context.Background(), exec)
	if err == nil {
		t.Fatal("expected foreign key violation")
	}
	if errors.Is(err, stores.ErrConflict) {
		t.Errorf("expected a plain store error, got conflict %v", err)
	}
}
