package stores_test

import (
	"context"
	"testing"

	"github.com/castwork/castwork/pkg/stores"
	"github.com/castwork/castwork/pkg/stores/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) stores.Store {
		return stores.NewMemoryStore()
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := stores.NewMemoryStore()

	recipe := storetest.Recipe("copies")
	if _, err := s.SaveRecipe(ctx, recipe); err != nil {
		t.Fatalf("failed to save recipe: %v", err)
	}
	if err := s.CreateExecution(ctx, storetest.Execution("exec-1", recipe)); err != nil {
		t.Fatalf("failed to create execution: %v", err)
	}

	got, err := s.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("failed to get execution: %v", err)
	}
	got.InputData["audio_url"] = "mutated"
	got.Snapshot[0].Config["model"] = "mutated"

	again, _ := s.GetExecution(ctx, "exec-1")
	if again.InputData["audio_url"] == "mutated" || again.Snapshot[0].Config["model"] == "mutated" {
		t.Error("expected stored execution to be isolated from callers")
	}

	r, _ := s.FindRecipeWithSteps(ctx, recipe.ID)
	r.Steps[0].Config["model"] = "mutated"
	r2, _ := s.FindRecipeWithSteps(ctx, recipe.ID)
	if r2.Steps[0].Config["model"] == "mutated" {
		t.Error("expected stored recipe to be isolated from callers")
	}
}
