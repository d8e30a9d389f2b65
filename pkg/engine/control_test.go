package engine

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/castwork/castwork/pkg/telemetry"
)

type denyAll struct{ calls []*AdmissionRequest }

func (d *denyAll) Admit(ctx context.Context, req *AdmissionRequest) error {
	d.calls = append(d.calls, req)
	return NewPermanentError("user quota exceeded", nil).WithCode(ErrCodePolicyDenied)
}

func TestExecuteValidation(t *testing.T) {
	tests := []struct {
		name    string
		recipe  *Recipe
		req     ExecuteRequest
		wantErr error
	}{
		{
			name:    "missing user",
			recipe:  testRecipe(InputKindText, Step{Name: "s", Type: StepTypeLLM}),
			req:     ExecuteRequest{RecipeID: "recipe-1", InputData: map[string]interface{}{"text": "x"}},
			wantErr: ErrValidation,
		},
		{
			name:    "unknown recipe",
			recipe:  testRecipe(InputKindText, Step{Name: "s", Type: StepTypeLLM}),
			req:     ExecuteRequest{RecipeID: "nope", UserID: "u", InputData: map[string]interface{}{"text": "x"}},
			wantErr: ErrNotFound,
		},
		{
			name: "inactive recipe",
			recipe: func() *Recipe {
				r := testRecipe(InputKindText, Step{Name: "s", Type: StepTypeLLM})
				r.Status = RecipeStatusInactive
				return r
			}(),
			req:     ExecuteRequest{RecipeID: "recipe-1", UserID: "u", InputData: map[string]interface{}{"text": "x"}},
			wantErr: ErrRecipeInactive,
		},
		{
			name:    "recipe without steps",
			recipe:  testRecipe(InputKindText),
			req:     ExecuteRequest{RecipeID: "recipe-1", UserID: "u", InputData: map[string]interface{}{"text": "x"}},
			wantErr: ErrValidation,
		},
		{
			name:    "empty text",
			recipe:  testRecipe(InputKindText, Step{Name: "s", Type: StepTypeLLM}),
			req:     ExecuteRequest{RecipeID: "recipe-1", UserID: "u", InputData: map[string]interface{}{"text": "  "}},
			wantErr: ErrValidation,
		},
		{
			name:    "audio recipe without audio url",
			recipe:  testRecipe(InputKindAudio, Step{Name: "s", Type: StepTypeSTT}),
			req:     ExecuteRequest{RecipeID: "recipe-1", UserID: "u", InputData: map[string]interface{}{"text": "x"}},
			wantErr: ErrValidation,
		},
		{
			name: "mode not allowed",
			recipe: func() *Recipe {
				r := testRecipe(InputKindText, Step{Name: "s", Type: StepTypeLLM})
				r.AllowedInputModes = []string{"text"}
				return r
			}(),
			req: ExecuteRequest{RecipeID: "recipe-1", UserID: "u", InputData: map[string]interface{}{
				"text": "x", "mode": "upload",
			}},
			wantErr: ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.recipe, nil, nil)
			_, err := h.controller.Execute(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
			if h.store.executionCount() != 0 {
				t.Errorf("Expected no execution to be created, got %d", h.store.executionCount())
			}
			if len(h.scheduler.scheduled) != 0 {
				t.Errorf("Expected nothing scheduled, got %v", h.scheduler.scheduled)
			}
		})
	}
}

func TestExecuteCreatesPendingExecutionWithSnapshot(t *testing.T) {
	recipe := testRecipe(InputKindText,
		Step{Name: "translate", Type: StepTypeLLM, Config: StepConfig{"model": "gpt-4o-mini"}},
		Step{Name: "narrate", Type: StepTypeTTS, Config: StepConfig{"language": "fr"}},
	)
	recipe.DefaultLanguage = "de"
	h := newHarness(t, recipe, nil, nil)

	input := map[string]interface{}{"text": "hallo", "meta": map[string]interface{}{"source": "cli"}}
	resp, err := h.controller.Execute(context.Background(), ExecuteRequest{
		RecipeID: recipe.ID, UserID: "user-1", InputData: input,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.Status != ExecutionStatusPending {
		t.Errorf("Expected pending, got %s", resp.Status)
	}
	if len(h.scheduler.scheduled) != 1 || h.scheduler.scheduled[0] != resp.ExecutionID {
		t.Errorf("Expected execution to be scheduled once, got %v", h.scheduler.scheduled)
	}

	exec := h.execution(t, resp.ExecutionID)
	if exec.TotalSteps != 2 || exec.CurrentStep != 0 || exec.Progress != 0 {
		t.Errorf("Unexpected initial counters: total=%d current=%d progress=%d", exec.TotalSteps, exec.CurrentStep, exec.Progress)
	}
	if exec.RecipeVersion != recipe.Version {
		t.Errorf("Expected recipe version %d, got %d", recipe.Version, exec.RecipeVersion)
	}
	if got := exec.Snapshot[0].Config.String(ConfigKeyLanguage); got != "de" {
		t.Errorf("Expected default language on step 0, got %q", got)
	}
	if got := exec.Snapshot[1].Config.String(ConfigKeyLanguage); got != "fr" {
		t.Errorf("Expected step language to win, got %q", got)
	}

	// Later edits to the caller's map or the recipe do not reach the execution.
	input["text"] = "changed"
	recipe.Steps[0].Config["model"] = "changed"
	exec = h.execution(t, resp.ExecutionID)
	if exec.InputData["text"] != "hallo" {
		t.Errorf("Expected input data to be copied, got %v", exec.InputData["text"])
	}
	if exec.Snapshot[0].Config["model"] != "gpt-4o-mini" {
		t.Errorf("Expected snapshot to be copied, got %v", exec.Snapshot[0].Config["model"])
	}
}

func TestExecuteIdempotency(t *testing.T) {
	recipe := testRecipe(InputKindText, Step{Name: "s", Type: StepTypeLLM})
	h := newHarness(t, recipe, nil, nil)

	req := ExecuteRequest{RecipeID: recipe.ID, UserID: "user-1", InputData: map[string]interface{}{"text": "same"}}
	first, err := h.controller.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	second, err := h.controller.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if second.ExecutionID != first.ExecutionID || !second.Deduplicated {
		t.Errorf("Expected duplicate request to return %s, got %+v", first.ExecutionID, second)
	}

	other := req
	other.UserID = "user-2"
	third, err := h.controller.Execute(context.Background(), other)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if third.ExecutionID == first.ExecutionID {
		t.Error("Expected a different user to get a new execution")
	}

	// Once the first execution is terminal the key no longer deduplicates.
	if err := h.controller.Cancel(context.Background(), first.ExecutionID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	fourth, err := h.controller.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if fourth.ExecutionID == first.ExecutionID || fourth.Deduplicated {
		t.Errorf("Expected a new execution after the first became terminal, got %+v", fourth)
	}
}

func TestExecuteAdmissionDenied(t *testing.T) {
	recipe := testRecipe(InputKindText, Step{Name: "s", Type: StepTypeLLM})
	store := newFakeStore()
	store.putRecipe(recipe)
	admitter := &denyAll{}
	ctrl, err := NewController(ControllerOptions{Store: store, Scheduler: &inlineScheduler{}, Admitter: admitter})
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}

	_, err = ctrl.Execute(context.Background(), ExecuteRequest{
		RecipeID: recipe.ID, UserID: "user-1", InputData: map[string]interface{}{"text": "x"},
	})
	if !errors.Is(err, ErrPolicyDenied) {
		t.Fatalf("Expected ErrPolicyDenied, got %v", err)
	}
	if len(admitter.calls) != 1 || admitter.calls[0].Operation != OperationExecute {
		t.Errorf("Expected one execute admission request, got %+v", admitter.calls)
	}
	if store.executionCount() != 0 {
		t.Error("Expected no execution to be created")
	}
}

func TestControllerLogsUndeliveredEvents(t *testing.T) {
	recipe := testRecipe(InputKindText, Step{Name: "s", Type: StepTypeLLM})
	store := newFakeStore()
	store.putRecipe(recipe)

	var logs bytes.Buffer
	var err error
	tel := telemetry.NewNop()
	tel.Logger = telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{Level: "debug", Format: "json"}, &logs)
	tel.Events, err = telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 1, EnableAsync: true})
	if err != nil {
		t.Fatalf("Failed to create event publisher: %v", err)
	}
	if err := tel.Events.Shutdown(context.Background()); err != nil {
		t.Fatalf("Failed to close event publisher: %v", err)
	}

	ctrl, err := NewController(ControllerOptions{Store: store, Scheduler: &inlineScheduler{}, Telemetry: tel})
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	resp, err := ctrl.Execute(context.Background(), ExecuteRequest{
		RecipeID: recipe.ID, UserID: "user-1", InputData: map[string]interface{}{"text": "x"},
	})
	if err != nil {
		t.Fatalf("Expected Execute to succeed without events, got %v", err)
	}

	out := logs.String()
	if !strings.Contains(out, "Event not published") || !strings.Contains(out, resp.ExecutionID) {
		t.Errorf("Expected a debug log for the dropped event, got %q", out)
	}
	if !strings.Contains(out, telemetry.ErrPublisherClosed.Error()) {
		t.Errorf("Expected the publish error in the log, got %q", out)
	}
}

func TestExecuteSchedulingFailureIsNotFatal(t *testing.T) {
	recipe := testRecipe(InputKindText, Step{Name: "s", Type: StepTypeLLM})
	h := newHarness(t, recipe, nil, nil)
	h.scheduler.err = errors.New("queue unavailable")

	resp, err := h.controller.Execute(context.Background(), ExecuteRequest{
		RecipeID: recipe.ID, UserID: "user-1", InputData: map[string]interface{}{"text": "x"},
	})
	if err != nil {
		t.Fatalf("Expected Execute to succeed, got %v", err)
	}
	if status := h.execution(t, resp.ExecutionID).Status; status != ExecutionStatusPending {
		t.Errorf("Expected pending execution for the sweeper, got %s", status)
	}
}

func TestCancelRejectsTerminalExecutions(t *testing.T) {
	for _, status := range []ExecutionStatus{ExecutionStatusDone, ExecutionStatusError, ExecutionStatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			recipe := testRecipe(InputKindText, Step{Name: "s", Type: StepTypeLLM})
			h := newHarness(t, recipe, nil, nil)
			resp, err := h.controller.Execute(context.Background(), ExecuteRequest{
				RecipeID: recipe.ID, UserID: "user-1", InputData: map[string]interface{}{"text": "x"},
			})
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			h.store.mu.Lock()
			h.store.executions[resp.ExecutionID].Status = status
			h.store.mu.Unlock()

			err = h.controller.Cancel(context.Background(), resp.ExecutionID)
			if !errors.Is(err, ErrNotCancellable) {
				t.Fatalf("Expected ErrNotCancellable, got %v", err)
			}
			if got := h.execution(t, resp.ExecutionID).Status; got != status {
				t.Errorf("Expected status to stay %s, got %s", status, got)
			}
		})
	}
}

func TestCancelUnknownExecution(t *testing.T) {
	h := newHarness(t, testRecipe(InputKindText, Step{Name: "s", Type: StepTypeLLM}), nil, nil)
	if err := h.controller.Cancel(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRetryRejectsNonFailedExecutions(t *testing.T) {
	for _, status := range []ExecutionStatus{ExecutionStatusPending, ExecutionStatusRunning, ExecutionStatusDone} {
		t.Run(string(status), func(t *testing.T) {
			recipe := testRecipe(InputKindText, Step{Name: "s", Type: StepTypeLLM})
			h := newHarness(t, recipe, nil, nil)
			resp, err := h.controller.Execute(context.Background(), ExecuteRequest{
				RecipeID: recipe.ID, UserID: "user-1", InputData: map[string]interface{}{"text": "x"},
			})
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			h.store.mu.Lock()
			h.store.executions[resp.ExecutionID].Status = status
			h.store.mu.Unlock()

			if _, err := h.controller.Retry(context.Background(), resp.ExecutionID); !errors.Is(err, ErrNotRetryable) {
				t.Fatalf("Expected ErrNotRetryable, got %v", err)
			}
			if h.store.executionCount() != 1 {
				t.Errorf("Expected no new execution, got %d", h.store.executionCount())
			}
		})
	}
}

func TestRetryIsolation(t *testing.T) {
	recipe := testRecipe(InputKindText, Step{Name: "s", Type: StepTypeLLM})
	h := newHarness(t, recipe, nil, nil)
	resp, err := h.controller.Execute(context.Background(), ExecuteRequest{
		RecipeID: recipe.ID,
		UserID:   "user-1",
		InputData: map[string]interface{}{
			"text": "x",
			"tags": []interface{}{"a", "b"},
		},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	h.store.mu.Lock()
	h.store.executions[resp.ExecutionID].Status = ExecutionStatusError
	h.store.executions[resp.ExecutionID].ErrorMessage = "step 0 (s): provider call failed"
	h.store.mu.Unlock()
	before := h.execution(t, resp.ExecutionID)

	newID, err := h.controller.Retry(context.Background(), resp.ExecutionID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if newID == resp.ExecutionID {
		t.Fatal("Expected a new execution id")
	}

	after := h.execution(t, resp.ExecutionID)
	if !reflect.DeepEqual(before, after) {
		t.Errorf("Expected original execution to be unchanged\nbefore: %+v\nafter:  %+v", before, after)
	}

	retried := h.execution(t, newID)
	if !reflect.DeepEqual(retried.InputData, before.InputData) {
		t.Errorf("Expected input data %v, got %v", before.InputData, retried.InputData)
	}
	if retried.Status != ExecutionStatusPending || retried.CurrentStep != 0 {
		t.Errorf("Expected a fresh pending execution, got %s at %d", retried.Status, retried.CurrentStep)
	}
	if retried.UserID != before.UserID || retried.RecipeID != before.RecipeID {
		t.Error("Expected retry to keep recipe and user")
	}
	if retried.IdempotencyKey != "" {
		t.Errorf("Expected retry to carry no idempotency key, got %q", retried.IdempotencyKey)
	}

	// Mutating the retried input must not reach the original.
	h.store.mu.Lock()
	h.store.executions[newID].InputData["tags"].([]interface{})[0] = "z"
	h.store.mu.Unlock()
	if h.execution(t, resp.ExecutionID).InputData["tags"].([]interface{})[0] != "a" {
		t.Error("Expected retried input to be a deep copy")
	}
}

func TestStatusReturnsStepsInOrder(t *testing.T) {
	recipe, adapters := transcribePipeline()
	h := newHarness(t, recipe, adapters, nil).runInline()

	resp, err := h.controller.Execute(context.Background(), ExecuteRequest{
		RecipeID: recipe.ID, UserID: "user-1", InputData: audioInput(),
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	view, err := h.controller.Status(context.Background(), resp.ExecutionID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if view.Execution.ID != resp.ExecutionID {
		t.Errorf("Expected execution %s, got %s", resp.ExecutionID, view.Execution.ID)
	}
	for i, step := range view.Steps {
		if step.StepIndex != i {
			t.Errorf("Expected step %d at position %d", step.StepIndex, i)
		}
	}

	if _, err := h.controller.Status(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestIdempotencyKeyIsStable(t *testing.T) {
	a := IdempotencyKey("r", "u", map[string]interface{}{"text": "x", "language": "en"})
	b := IdempotencyKey("r", "u", map[string]interface{}{"language": "en", "text": "x"})
	if a != b {
		t.Errorf("Expected key to ignore map order, got %s and %s", a, b)
	}
	if c := IdempotencyKey("r", "u", map[string]interface{}{"text": "y"}); c == a {
		t.Error("Expected different input to produce a different key")
	}
}

// racingStore loses every insert to a concurrent request with the same idempotency key.
type racingStore struct {
	*fakeStore
}

func (s *racingStore) CreateExecution(ctx context.Context, exec *RecipeExecution) error {
	winner := copyExecution(exec)
	winner.ID = "winner"
	if err := s.fakeStore.CreateExecution(ctx, winner); err != nil {
		return err
	}
	return NewConflictUpdateError("duplicate idempotency key", exec.ID)
}

func TestExecuteReturnsWinnerOfInsertRace(t *testing.T) {
	recipe := testRecipe(InputKindText, Step{Name: "s", Type: StepTypeLLM})
	store := &racingStore{fakeStore: newFakeStore()}
	store.putRecipe(recipe)
	sched := &inlineScheduler{}
	ctrl, err := NewController(ControllerOptions{Store: store, Scheduler: sched})
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}

	resp, err := ctrl.Execute(context.Background(), ExecuteRequest{
		RecipeID: recipe.ID, UserID: "user-1", InputData: map[string]interface{}{"text": "x"},
	})
	if err != nil {
		t.Fatalf("Expected Execute to succeed, got %v", err)
	}
	if resp.ExecutionID != "winner" || !resp.Deduplicated {
		t.Errorf("Expected the concurrent winner to be returned, got %+v", resp)
	}
	if len(sched.scheduled) != 0 {
		t.Errorf("Expected the loser not to schedule anything, got %v", sched.scheduled)
	}
}
