// Package storetest holds behavior tests shared by every stores.Store backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/castwork/castwork/pkg/engine"
	"github.com/castwork/castwork/pkg/stores"
)

// Factory returns a fresh, migrated, empty store.
type Factory func(t *testing.T) stores.Store

// Run exercises a store implementation.
func Run(t *testing.T, newStore Factory) {
	t.Run("RecipeSync", func(t *testing.T) { testRecipeSync(t, newStore(t)) })
	t.Run("RecipeStatus", func(t *testing.T) { testRecipeStatus(t, newStore(t)) })
	t.Run("ExecutionRoundTrip", func(t *testing.T) { testExecutionRoundTrip(t, newStore(t)) })
	t.Run("ExecutionLease", func(t *testing.T) { testExecutionLease(t, newStore(t)) })
	t.Run("ProgressAndFinalize", func(t *testing.T) { testProgressAndFinalize(t, newStore(t)) })
	t.Run("IdempotencyKey", func(t *testing.T) { testIdempotencyKey(t, newStore(t)) })
	t.Run("StepResults", func(t *testing.T) { testStepResults(t, newStore(t)) })
	t.Run("StaleExecutions", func(t *testing.T) { testStaleExecutions(t, newStore(t)) })
	t.Run("ListAndDelete", func(t *testing.T) { testListAndDelete(t, newStore(t)) })
}

var baseTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// Recipe returns a valid two step recipe.
func Recipe(slug string) *engine.Recipe {
	return &engine.Recipe{
		Slug:              slug,
		Name:              "Transcribe and summarize",
		InputKind:         engine.InputKindAudio,
		AllowedInputModes: []string{"upload", "url"},
		DefaultLanguage:   "en",
		Status:            engine.RecipeStatusActive,
		Steps: []engine.Step{
			{StepIndex: 0, Name: "transcribe", Type: engine.StepTypeSTT, Config: engine.StepConfig{"model": "whisper-1"}},
			{StepIndex: 1, Name: "summarize", Type: engine.StepTypeLLM, Config: engine.StepConfig{
				"prompt":  "Summarize: {{steps.0.output.text}}",
				"skip_if": `empty(prev.get("text"))`,
				"timeout": "30s",
			}},
		},
	}
}

func saveRecipe(t *testing.T, s stores.Store, slug string) *engine.Recipe {
	t.Helper()
	recipe := Recipe(slug)
	if _, err := s.SaveRecipe(context.Background(), recipe); err != nil {
		t.Fatalf("failed to save recipe: %v", err)
	}
	return recipe
}

// Execution returns a pending execution of recipe.
func Execution(id string, recipe *engine.Recipe) *engine.RecipeExecution {
	return &engine.RecipeExecution{
		ID:            id,
		RecipeID:      recipe.ID,
		UserID:        "user-1",
		Status:        engine.ExecutionStatusPending,
		TotalSteps:    len(recipe.Steps),
		InputData:     map[string]interface{}{"audio_url": "https://uploads.example.com/a.wav", "meta": map[string]interface{}{"n": 1.0}},
		RecipeVersion: recipe.Version,
		Snapshot:      recipe.Snapshot(),
		CreatedAt:     baseTime,
		UpdatedAt:     baseTime,
	}
}

func createExecution(t *testing.T, s stores.Store, exec *engine.RecipeExecution) {
	t.Helper()
	if err := s.CreateExecution(context.Background(), exec); err != nil {
		t.Fatalf("failed to create execution %s: %v", exec.ID, err)
	}
}

func start(t *testing.T, s stores.Store, id string) {
	t.Helper()
	err := s.TransitionExecutionStatus(context.Background(), id, engine.StatusChange{
		From: []engine.ExecutionStatus{engine.ExecutionStatusPending},
		To:   engine.ExecutionStatusRunning,
		At:   baseTime.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("failed to start execution %s: %v", id, err)
	}
}

func testRecipeSync(t *testing.T, s stores.Store) {
	ctx := context.Background()

	recipe := Recipe("podcast-summary")
	res, err := s.SaveRecipe(ctx, recipe)
	if err != nil {
		t.Fatalf("failed to save recipe: %v", err)
	}
	if !res.Created || !res.StepsChanged || res.Version != 1 {
		t.Errorf("expected created recipe at version 1, got %+v", res)
	}
	if recipe.ID == "" || recipe.ID != res.RecipeID {
		t.Errorf("expected recipe id to be assigned, got %q", recipe.ID)
	}

	res, err = s.SaveRecipe(ctx, Recipe("podcast-summary"))
	if err != nil {
		t.Fatalf("failed to resave recipe: %v", err)
	}
	if res.Created || res.StepsChanged || res.Version != 1 {
		t.Errorf("expected unchanged recipe, got %+v", res)
	}

	changed := Recipe("podcast-summary")
	changed.Name = "Renamed"
	changed.Steps = append(changed.Steps, engine.Step{StepIndex: 2, Name: "narrate", Type: engine.StepTypeTTS})
	res, err = s.SaveRecipe(ctx, changed)
	if err != nil {
		t.Fatalf("failed to save changed recipe: %v", err)
	}
	if !res.StepsChanged || res.Version != 2 || res.RecipeID != recipe.ID {
		t.Errorf("expected version bump on the same recipe, got %+v", res)
	}

	got, err := s.GetRecipeBySlug(ctx, "podcast-summary")
	if err != nil {
		t.Fatalf("failed to get recipe by slug: %v", err)
	}
	if got.Name != "Renamed" || got.Version != 2 || len(got.Steps) != 3 {
		t.Errorf("unexpected recipe after sync: %+v", got)
	}
	if got.Steps[1].Config.String("skip_if") != `empty(prev.get("text"))` {
		t.Errorf("expected step config to round trip, got %v", got.Steps[1].Config)
	}
	if len(got.AllowedInputModes) != 2 || got.DefaultLanguage != "en" || got.InputKind != engine.InputKindAudio {
		t.Errorf("unexpected recipe attributes: %+v", got)
	}

	byID, err := s.FindRecipeWithSteps(ctx, recipe.ID)
	if err != nil {
		t.Fatalf("failed to find recipe: %v", err)
	}
	if byID.Slug != "podcast-summary" || len(byID.Steps) != 3 {
		t.Errorf("unexpected recipe by id: %+v", byID)
	}
	for i, step := range byID.Steps {
		if step.StepIndex != i {
			t.Errorf("expected steps ordered by index, got %d at %d", step.StepIndex, i)
		}
	}

	saveRecipe(t, s, "another")
	all, err := s.ListRecipes(ctx)
	if err != nil {
		t.Fatalf("failed to list recipes: %v", err)
	}
	if len(all) != 2 || all[0].Slug != "another" || len(all[1].Steps) != 3 {
		t.Errorf("expected two recipes ordered by slug, got %d", len(all))
	}

	if _, err := s.FindRecipeWithSteps(ctx, "missing"); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	invalid := Recipe("invalid")
	invalid.Steps = nil
	if _, err := s.SaveRecipe(ctx, invalid); !errors.Is(err, engine.ErrValidation) {
		t.Errorf("expected validation error for empty recipe, got %v", err)
	}
}

func testRecipeStatus(t *testing.T, s stores.Store) {
	ctx := context.Background()
	recipe := saveRecipe(t, s, "toggle")

	if err := s.SetRecipeStatus(ctx, recipe.ID, engine.RecipeStatusInactive); err != nil {
		t.Fatalf("failed to deactivate recipe: %v", err)
	}
	got, err := s.FindRecipeWithSteps(ctx, recipe.ID)
	if err != nil {
		t.Fatalf("failed to find recipe: %v", err)
	}
	if got.IsActive() {
		t.Error("expected recipe to be inactive")
	}

	if err := s.SetRecipeStatus(ctx, "missing", engine.RecipeStatusActive); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetRecipeStatus(ctx, recipe.ID, "archived"); err == nil {
		t.Error("expected invalid status to be rejected")
	}
}

func testExecutionRoundTrip(t *testing.T, s stores.Store) {
	ctx := context.Background()
	recipe := saveRecipe(t, s, "round-trip")

	original := Execution("exec-1", recipe)
	createExecution(t, s, original)

	retry := Execution("exec-2", recipe)
	retry.RetryOf = "exec-1"
	retry.IdempotencyKey = "key-2"
	createExecution(t, s, retry)

	got, err := s.GetExecution(ctx, "exec-2")
	if err != nil {
		t.Fatalf("failed to get execution: %v", err)
	}
	if got.RecipeID != recipe.ID || got.UserID != "user-1" || got.Status != engine.ExecutionStatusPending {
		t.Errorf("unexpected execution: %+v", got)
	}
	if got.TotalSteps != 2 || got.RecipeVersion != 1 || len(got.Snapshot) != 2 {
		t.Errorf("expected snapshot of two steps, got %+v", got.Snapshot)
	}
	if got.Snapshot[1].Config.String("prompt") != "Summarize: {{steps.0.output.text}}" {
		t.Errorf("expected snapshot config to round trip, got %v", got.Snapshot[1].Config)
	}
	if got.InputData["audio_url"] != "https://uploads.example.com/a.wav" {
		t.Errorf("expected input to round trip, got %v", got.InputData)
	}
	if meta, ok := got.InputData["meta"].(map[string]interface{}); !ok || meta["n"] != 1.0 {
		t.Errorf("expected nested input to round trip, got %v", got.InputData["meta"])
	}
	if got.RetryOf != "exec-1" || got.IdempotencyKey != "key-2" {
		t.Errorf("expected retry_of and key, got %q %q", got.RetryOf, got.IdempotencyKey)
	}
	if !got.CreatedAt.Equal(baseTime) {
		t.Errorf("expected created_at %v, got %v", baseTime, got.CreatedAt)
	}
	if got.StartedAt != nil || got.FinishedAt != nil || got.ConfidenceScore != nil {
		t.Error("expected unset timestamps and score on a new execution")
	}

	if err := s.CreateExecution(ctx, Execution("exec-1", recipe)); !errors.Is(err, stores.ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate id, got %v", err)
	}
	if _, err := s.GetExecution(ctx, "missing"); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testExecutionLease(t *testing.T, s stores.Store) {
	ctx := context.Background()
	recipe := saveRecipe(t, s, "lease")
	createExecution(t, s, Execution("exec-1", recipe))

	start(t, s, "exec-1")

	got, err := s.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("failed to get execution: %v", err)
	}
	if got.Status != engine.ExecutionStatusRunning {
		t.Errorf("expected running, got %s", got.Status)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(baseTime.Add(time.Second)) {
		t.Errorf("expected started_at to be set, got %v", got.StartedAt)
	}

	err = s.TransitionExecutionStatus(ctx, "exec-1", engine.StatusChange{
		From: []engine.ExecutionStatus{engine.ExecutionStatusPending},
		To:   engine.ExecutionStatusRunning,
		At:   baseTime,
	})
	if !errors.Is(err, stores.ErrConflict) {
		t.Errorf("expected second lease to conflict, got %v", err)
	}

	err = s.TransitionExecutionStatus(ctx, "exec-1", engine.StatusChange{
		From:         []engine.ExecutionStatus{engine.ExecutionStatusRunning},
		To:           engine.ExecutionStatusError,
		At:           baseTime.Add(2 * time.Second),
		ErrorMessage: "step 0 (transcribe): boom",
	})
	if err != nil {
		t.Fatalf("failed to fail execution: %v", err)
	}

	got, _ = s.GetExecution(ctx, "exec-1")
	if got.Status != engine.ExecutionStatusError || got.ErrorMessage != "step 0 (transcribe): boom" {
		t.Errorf("unexpected failed execution: %+v", got)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(baseTime.Add(2*time.Second)) {
		t.Errorf("expected finished_at to be set, got %v", got.FinishedAt)
	}

	err = s.TransitionExecutionStatus(ctx, "exec-1", engine.StatusChange{
		From: []engine.ExecutionStatus{engine.ExecutionStatusPending, engine.ExecutionStatusRunning},
		To:   engine.ExecutionStatusCancelled,
	})
	if !errors.Is(err, stores.ErrConflict) {
		t.Errorf("expected cancel of a terminal execution to conflict, got %v", err)
	}

	err = s.TransitionExecutionStatus(ctx, "missing", engine.StatusChange{
		From: []engine.ExecutionStatus{engine.ExecutionStatusPending},
		To:   engine.ExecutionStatusRunning,
	})
	if !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testProgressAndFinalize(t *testing.T, s stores.Store) {
	ctx := context.Background()
	recipe := saveRecipe(t, s, "progress")
	createExecution(t, s, Execution("exec-1", recipe))

	if err := s.UpdateExecutionProgress(ctx, "exec-1", 1, 50); !errors.Is(err, stores.ErrConflict) {
		t.Errorf("expected progress on a pending execution to conflict, got %v", err)
	}

	start(t, s, "exec-1")

	if err := s.UpdateExecutionProgress(ctx, "exec-1", 1, 50); err != nil {
		t.Fatalf("failed to update progress: %v", err)
	}
	if err := s.UpdateExecutionProgress(ctx, "exec-1", 1, 30); err != nil {
		t.Fatalf("failed to update progress: %v", err)
	}
	got, _ := s.GetExecution(ctx, "exec-1")
	if got.Progress != 50 || got.CurrentStep != 1 {
		t.Errorf("expected progress to stay at 50 with current step 1, got %d/%d", got.Progress, got.CurrentStep)
	}

	score := 0.8
	err := s.FinalizeExecution(ctx, "exec-1", engine.Finalization{
		FinishedAt:      baseTime.Add(time.Minute),
		TotalCostCents:  12,
		ConfidenceScore: &score,
		WarningFlag:     true,
		PreviewURL:      "https://cdn.example.com/out.mp3",
	})
	if err != nil {
		t.Fatalf("failed to finalize execution: %v", err)
	}

	got, _ = s.GetExecution(ctx, "exec-1")
	if got.Status != engine.ExecutionStatusDone || got.Progress != 100 || got.CurrentStep != got.TotalSteps {
		t.Errorf("unexpected finalized execution: %+v", got)
	}
	if got.TotalCostCents != 12 || !got.WarningFlag || got.PreviewURL != "https://cdn.example.com/out.mp3" {
		t.Errorf("unexpected aggregates: %+v", got)
	}
	if got.ConfidenceScore == nil || *got.ConfidenceScore != 0.8 {
		t.Errorf("expected confidence 0.8, got %v", got.ConfidenceScore)
	}

	if err := s.FinalizeExecution(ctx, "exec-1", engine.Finalization{}); !errors.Is(err, stores.ErrConflict) {
		t.Errorf("expected second finalize to conflict, got %v", err)
	}
	if err := s.UpdateExecutionProgress(ctx, "exec-1", 2, 100); !errors.Is(err, stores.ErrConflict) {
		t.Errorf("expected progress after done to conflict, got %v", err)
	}
	if err := s.UpdateExecutionProgress(ctx, "missing", 1, 1); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testIdempotencyKey(t *testing.T, s stores.Store) {
	ctx := context.Background()
	recipe := saveRecipe(t, s, "idempotent")

	first := Execution("exec-1", recipe)
	first.IdempotencyKey = "k"
	createExecution(t, s, first)

	got, err := s.FindActiveExecutionByKey(ctx, "k")
	if err != nil {
		t.Fatalf("failed to find execution by key: %v", err)
	}
	if got.ID != "exec-1" {
		t.Errorf("expected exec-1, got %s", got.ID)
	}

	dup := Execution("exec-2", recipe)
	dup.IdempotencyKey = "k"
	if err := s.CreateExecution(ctx, dup); !errors.Is(err, stores.ErrConflict) {
		t.Errorf("expected a second active execution with the key to conflict, got %v", err)
	}

	if _, err := s.FindActiveExecutionByKey(ctx, ""); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("expected empty key to find nothing, got %v", err)
	}

	err = s.TransitionExecutionStatus(ctx, "exec-1", engine.StatusChange{
		From: []engine.ExecutionStatus{engine.ExecutionStatusPending},
		To:   engine.ExecutionStatusCancelled,
	})
	if err != nil {
		t.Fatalf("failed to cancel execution: %v", err)
	}
	if _, err := s.FindActiveExecutionByKey(ctx, "k"); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("expected terminal execution to be ignored, got %v", err)
	}

	createExecution(t, s, dup)

	// Executions without a key never collide.
	createExecution(t, s, Execution("exec-3", recipe))
	createExecution(t, s, Execution("exec-4", recipe))
}

func testStepResults(t *testing.T, s stores.Store) {
	ctx := context.Background()
	recipe := saveRecipe(t, s, "results")
	createExecution(t, s, Execution("exec-1", recipe))

	startedAt := baseTime.Add(time.Second)
	running := &engine.StepResult{
		ExecutionID: "exec-1",
		StepIndex:   1,
		StepName:    "summarize",
		StepType:    engine.StepTypeLLM,
		Status:      engine.StepStatusRunning,
		StartedAt:   &startedAt,
	}
	if err := s.UpsertStepResult(ctx, running); err != nil {
		t.Fatalf("failed to insert running result: %v", err)
	}

	finishedAt := baseTime.Add(3 * time.Second)
	done := &engine.StepResult{
		ExecutionID:        "exec-1",
		StepIndex:          1,
		StepName:           "summarize",
		StepType:           engine.StepTypeLLM,
		Status:             engine.StepStatusDone,
		InputPreview:       "transcript",
		OutputPreview:      "summary",
		OutputFull:         map[string]interface{}{"text": "summary", "finish_reason": "stop"},
		InputHash:          engine.Fingerprint([]byte("transcript")),
		OutputHash:         engine.Fingerprint([]byte("summary")),
		ProviderResponseID: "chatcmpl-1",
		Usage:              engine.Usage{Unit: engine.UsageUnitTokens, Quantity: 42},
		CostCents:          1,
		LatencyMs:          1200,
		StartedAt:          &startedAt,
		FinishedAt:         &finishedAt,
	}
	if err := s.UpsertStepResult(ctx, done); err != nil {
		t.Fatalf("failed to complete result: %v", err)
	}

	for _, status := range []engine.StepStatus{engine.StepStatusRunning, engine.StepStatusError, engine.StepStatusDone} {
		again := *done
		again.Status = status
		if err := s.UpsertStepResult(ctx, &again); !errors.Is(err, stores.ErrConflict) {
			t.Errorf("expected overwrite of a done result with %s to conflict, got %v", status, err)
		}
	}

	skipped := &engine.StepResult{
		ExecutionID: "exec-1",
		StepIndex:   0,
		StepType:    engine.StepTypeSTT,
		Status:      engine.StepStatusSkipped,
		StartedAt:   &startedAt,
		FinishedAt:  &startedAt,
	}
	if err := s.UpsertStepResult(ctx, skipped); err != nil {
		t.Fatalf("failed to insert skipped result: %v", err)
	}

	results, err := s.ListStepResults(ctx, "exec-1")
	if err != nil {
		t.Fatalf("failed to list step results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected exactly one result per index, got %d", len(results))
	}
	if results[0].StepIndex != 0 || results[1].StepIndex != 1 {
		t.Errorf("expected results ordered by index, got %d, %d", results[0].StepIndex, results[1].StepIndex)
	}

	got := results[1]
	if got.Status != engine.StepStatusDone || got.OutputFull["text"] != "summary" || got.OutputFull["finish_reason"] != "stop" {
		t.Errorf("unexpected done result: %+v", got)
	}
	if got.Usage.Unit != engine.UsageUnitTokens || got.Usage.Quantity != 42 || got.CostCents != 1 || got.LatencyMs != 1200 {
		t.Errorf("unexpected usage: %+v", got)
	}
	if got.ProviderResponseID != "chatcmpl-1" || got.InputHash != done.InputHash || got.OutputHash != done.OutputHash {
		t.Errorf("unexpected audit fields: %+v", got)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finishedAt) {
		t.Errorf("expected finished_at %v, got %v", finishedAt, got.FinishedAt)
	}

	if results[0].OutputFull != nil || results[0].InputPreview != "" || results[0].ErrorMessage != "" {
		t.Errorf("expected bare skipped result, got %+v", results[0])
	}

	empty, err := s.ListStepResults(ctx, "missing")
	if err != nil {
		t.Fatalf("failed to list results of unknown execution: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no results, got %d", len(empty))
	}
}

func testStaleExecutions(t *testing.T, s stores.Store) {
	ctx := context.Background()
	recipe := saveRecipe(t, s, "stale")

	for i := 0; i < 3; i++ {
		exec := Execution(fmt.Sprintf("exec-%d", i), recipe)
		exec.CreatedAt = baseTime.Add(time.Duration(i) * time.Minute)
		exec.UpdatedAt = exec.CreatedAt
		createExecution(t, s, exec)
	}
	if err := s.TransitionExecutionStatus(ctx, "exec-2", engine.StatusChange{
		From: []engine.ExecutionStatus{engine.ExecutionStatusPending},
		To:   engine.ExecutionStatusCancelled,
		At:   baseTime.Add(3 * time.Minute),
	}); err != nil {
		t.Fatalf("failed to cancel execution: %v", err)
	}

	stale, err := s.ListStaleExecutions(ctx,
		[]engine.ExecutionStatus{engine.ExecutionStatusPending, engine.ExecutionStatusRunning},
		baseTime.Add(90*time.Second), 10)
	if err != nil {
		t.Fatalf("failed to list stale executions: %v", err)
	}
	if len(stale) != 2 || stale[0].ID != "exec-0" || stale[1].ID != "exec-1" {
		t.Errorf("expected exec-0 and exec-1 oldest first, got %v", ids(stale))
	}

	limited, err := s.ListStaleExecutions(ctx, []engine.ExecutionStatus{engine.ExecutionStatusPending}, baseTime.Add(time.Hour), 1)
	if err != nil {
		t.Fatalf("failed to list stale executions: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "exec-0" {
		t.Errorf("expected only exec-0, got %v", ids(limited))
	}
}

func testListAndDelete(t *testing.T, s stores.Store) {
	ctx := context.Background()
	recipe := saveRecipe(t, s, "listing")

	for i, user := range []string{"alice", "bob", "alice"} {
		exec := Execution(fmt.Sprintf("exec-%d", i), recipe)
		exec.UserID = user
		exec.CreatedAt = baseTime.Add(time.Duration(i) * time.Second)
		if i == 2 {
			exec.RetryOf = "exec-0"
		}
		createExecution(t, s, exec)
	}

	alice, err := s.ListExecutions(ctx, stores.ExecutionFilter{UserID: "alice"})
	if err != nil {
		t.Fatalf("failed to list executions: %v", err)
	}
	if len(alice) != 2 || alice[0].ID != "exec-2" || alice[1].ID != "exec-0" {
		t.Errorf("expected alice's executions newest first, got %v", ids(alice))
	}

	limited, err := s.ListExecutions(ctx, stores.ExecutionFilter{RecipeID: recipe.ID, Status: engine.ExecutionStatusPending, Limit: 1})
	if err != nil {
		t.Fatalf("failed to list executions: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}

	result := &engine.StepResult{ExecutionID: "exec-0", StepIndex: 0, StepType: engine.StepTypeSTT, Status: engine.StepStatusRunning}
	if err := s.UpsertStepResult(ctx, result); err != nil {
		t.Fatalf("failed to upsert result: %v", err)
	}

	if err := s.DeleteExecution(ctx, "exec-0"); err != nil {
		t.Fatalf("failed to delete execution: %v", err)
	}
	results, err := s.ListStepResults(ctx, "exec-0")
	if err != nil {
		t.Fatalf("failed to list step results: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected step results to be deleted with the execution, got %d", len(results))
	}
	retry, err := s.GetExecution(ctx, "exec-2")
	if err != nil {
		t.Fatalf("failed to get retry: %v", err)
	}
	if retry.RetryOf != "" {
		t.Errorf("expected retry_of to be cleared, got %q", retry.RetryOf)
	}
	if err := s.DeleteExecution(ctx, "exec-0"); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func ids(execs []engine.RecipeExecution) []string {
	out := make([]string, len(execs))
	for i, e := range execs {
		out[i] = e.ID
	}
	return out
}
