package engine

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeStore is an in-process ExecutionStore that records the writes it receives.
type fakeStore struct {
	mu         sync.Mutex
	recipes    map[string]*Recipe
	executions map[string]*RecipeExecution
	results    map[string]map[int]StepResult

	// progress records every accepted progress write per execution.
	progress map[string][]int

	// upserts records every accepted step result write per execution.
	upserts map[string][]StepResult

	// afterProgress runs after a progress write is accepted, outside the lock.
	afterProgress func(id string, currentStep int)

	// failUpsert makes UpsertStepResult fail for a step index.
	failUpsert map[int]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		recipes:    make(map[string]*Recipe),
		executions: make(map[string]*RecipeExecution),
		results:    make(map[string]map[int]StepResult),
		progress:   make(map[string][]int),
		upserts:    make(map[string][]StepResult),
		failUpsert: make(map[int]error),
	}
}

func (s *fakeStore) putRecipe(r *Recipe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipes[r.ID] = r
}

func (s *fakeStore) setRecipeStatus(id string, status RecipeStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipes[id].Status = status
}

func (s *fakeStore) putResult(r StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results[r.ExecutionID] == nil {
		s.results[r.ExecutionID] = make(map[int]StepResult)
	}
	s.results[r.ExecutionID][r.StepIndex] = r
}

func (s *fakeStore) executionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.executions)
}

func (s *fakeStore) progressHistory(id string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.progress[id]...)
}

func copyExecution(e *RecipeExecution) *RecipeExecution {
	c := *e
	c.InputData = DeepCopyMap(e.InputData)
	c.Snapshot = make([]Step, len(e.Snapshot))
	for i, step := range e.Snapshot {
		c.Snapshot[i] = Step{StepIndex: step.StepIndex, Name: step.Name, Type: step.Type, Config: step.Config.Clone()}
	}
	return &c
}

func (s *fakeStore) FindRecipeWithSteps(ctx context.Context, recipeID string) (*Recipe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipes[recipeID]
	if !ok {
		return nil, NewNotFoundError("recipe", recipeID)
	}
	c := *r
	c.Steps = r.Snapshot()
	return &c, nil
}

func (s *fakeStore) CreateExecution(ctx context.Context, exec *RecipeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; ok {
		return NewConflictUpdateError("execution already exists", exec.ID)
	}
	s.executions[exec.ID] = copyExecution(exec)
	return nil
}

func (s *fakeStore) GetExecution(ctx context.Context, id string) (*RecipeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, NewNotFoundError("execution", id)
	}
	return copyExecution(e), nil
}

func (s *fakeStore) FindActiveExecutionByKey(ctx context.Context, key string) (*RecipeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.executions {
		if key != "" && e.IdempotencyKey == key && e.Status.IsActive() {
			return copyExecution(e), nil
		}
	}
	return nil, NewNotFoundError("execution", key)
}

func (s *fakeStore) TransitionExecutionStatus(ctx context.Context, id string, change StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return NewNotFoundError("execution", id)
	}
	matched := false
	for _, from := range change.From {
		if e.Status == from {
			matched = true
		}
	}
	if !matched {
		return NewConflictUpdateError("status is "+string(e.Status), id)
	}
	at := change.At
	if e.Status == ExecutionStatusPending && change.To == ExecutionStatusRunning {
		e.StartedAt = &at
	}
	if change.To.IsTerminal() {
		e.FinishedAt = &at
	}
	if change.To == ExecutionStatusError {
		e.ErrorMessage = change.ErrorMessage
	}
	e.Status = change.To
	e.UpdatedAt = at
	return nil
}

func (s *fakeStore) UpdateExecutionProgress(ctx context.Context, id string, currentStep, progress int) error {
	s.mu.Lock()
	e, ok := s.executions[id]
	if !ok {
		s.mu.Unlock()
		return NewNotFoundError("execution", id)
	}
	if e.Status != ExecutionStatusRunning {
		s.mu.Unlock()
		return NewConflictUpdateError("execution is not running", id)
	}
	e.CurrentStep = currentStep
	if progress > e.Progress {
		e.Progress = progress
	}
	s.progress[id] = append(s.progress[id], e.Progress)
	hook := s.afterProgress
	s.mu.Unlock()

	if hook != nil {
		hook(id, currentStep)
	}
	return nil
}

func (s *fakeStore) FinalizeExecution(ctx context.Context, id string, fin Finalization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return NewNotFoundError("execution", id)
	}
	if e.Status != ExecutionStatusRunning {
		return NewConflictUpdateError("execution is not running", id)
	}
	finished := fin.FinishedAt
	e.Status = ExecutionStatusDone
	e.Progress = 100
	e.CurrentStep = e.TotalSteps
	e.FinishedAt = &finished
	e.TotalCostCents = fin.TotalCostCents
	e.ConfidenceScore = fin.ConfidenceScore
	e.WarningFlag = fin.WarningFlag
	e.PreviewURL = fin.PreviewURL
	e.UpdatedAt = finished
	return nil
}

func (s *fakeStore) UpsertStepResult(ctx context.Context, result *StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failUpsert[result.StepIndex]; err != nil {
		return err
	}
	if s.results[result.ExecutionID] == nil {
		s.results[result.ExecutionID] = make(map[int]StepResult)
	}
	if existing, ok := s.results[result.ExecutionID][result.StepIndex]; ok && !existing.Status.CanTransitionTo(result.Status) {
		return NewConflictUpdateError("step result is "+string(existing.Status), result.ExecutionID)
	}
	s.results[result.ExecutionID][result.StepIndex] = *result
	s.upserts[result.ExecutionID] = append(s.upserts[result.ExecutionID], *result)
	return nil
}

func (s *fakeStore) ListStepResults(ctx context.Context, executionID string) ([]StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StepResult, 0, len(s.results[executionID]))
	for _, r := range s.results[executionID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (s *fakeStore) ListStaleExecutions(ctx context.Context, statuses []ExecutionStatus, before time.Time, limit int) ([]RecipeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RecipeExecution
	for _, e := range s.executions {
		for _, st := range statuses {
			if e.Status == st && e.UpdatedAt.Before(before) {
				out = append(out, *copyExecution(e))
			}
		}
	}
	return out, nil
}

// fakeAdapter counts calls and delegates to fn.
type fakeAdapter struct {
	mu    sync.Mutex
	calls []Params
	fn    func(ctx context.Context, p *Params) (*Output, error)
}

func (a *fakeAdapter) Invoke(ctx context.Context, params *Params, timeout time.Duration) (*Output, error) {
	a.mu.Lock()
	a.calls = append(a.calls, *params)
	a.mu.Unlock()
	return a.fn(ctx, params)
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func textAdapter(text string, usage Usage) *fakeAdapter {
	return &fakeAdapter{fn: func(ctx context.Context, p *Params) (*Output, error) {
		return &Output{Payload: map[string]interface{}{"text": text}, Usage: usage, ResponseID: "resp-" + string(p.StepType)}, nil
	}}
}

func mediaAdapter(url string, usage Usage) *fakeAdapter {
	return &fakeAdapter{fn: func(ctx context.Context, p *Params) (*Output, error) {
		return &Output{Payload: map[string]interface{}{"url": url, "content_type": "audio/mpeg"}, Usage: usage}, nil
	}}
}

// conditionFunc adapts a function to ConditionEvaluator.
type conditionFunc func(ctx context.Context, expr string, env ConditionEnv) (bool, error)

func (f conditionFunc) Evaluate(ctx context.Context, expr string, env ConditionEnv) (bool, error) {
	return f(ctx, expr, env)
}

// skipWhenPrevTextEmpty skips any step whose skip_if is set when the previous output
// has no text.
var skipWhenPrevTextEmpty = conditionFunc(func(ctx context.Context, expr string, env ConditionEnv) (bool, error) {
	text, _ := env.Prev["text"].(string)
	return text == "", nil
})

// inlineScheduler records scheduled executions and runs them synchronously when a
// runner is set.
type inlineScheduler struct {
	mu        sync.Mutex
	runner    Runner
	scheduled []string
	err       error
}

func (s *inlineScheduler) Schedule(ctx context.Context, executionID string) error {
	s.mu.Lock()
	s.scheduled = append(s.scheduled, executionID)
	runner, err := s.runner, s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if runner == nil {
		return nil
	}
	return runner.StartExecution(ctx, executionID)
}

type harness struct {
	store      *fakeStore
	engine     *Engine
	controller *Controller
	scheduler  *inlineScheduler
	adapters   map[StepType]*fakeAdapter
	ids        int
}

func newHarness(t *testing.T, recipe *Recipe, adapters map[StepType]*fakeAdapter, conditions ConditionEvaluator) *harness {
	t.Helper()

	h := &harness{
		store:     newFakeStore(),
		scheduler: &inlineScheduler{},
		adapters:  adapters,
	}
	h.store.putRecipe(recipe)

	table := make(AdapterTable, len(adapters))
	for typ, a := range adapters {
		table[typ] = a
	}

	eng, err := NewEngine(Options{
		Store:      h.store,
		Adapters:   table,
		Conditions: conditions,
		Costs: PriceTable{
			StepTypeSTT: {UsageUnitSeconds: 0.1},
			StepTypeLLM: {UsageUnitTokens: 0.002},
			StepTypeTTS: {UsageUnitChars: 0.01},
		},
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	h.engine = eng

	ctrl, err := NewController(ControllerOptions{
		Store:     h.store,
		Scheduler: h.scheduler,
		NewID: func() string {
			h.ids++
			return "exec-" + string(rune('a'+h.ids-1))
		},
	})
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	h.controller = ctrl
	return h
}

// runInline makes Execute and Retry run the engine synchronously.
func (h *harness) runInline() *harness {
	h.scheduler.runner = h.engine
	return h
}

func (h *harness) execution(t *testing.T, id string) *RecipeExecution {
	t.Helper()
	exec, err := h.store.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to get execution %s: %v", id, err)
	}
	return exec
}

func (h *harness) results(t *testing.T, id string) []StepResult {
	t.Helper()
	results, err := h.store.ListStepResults(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to list step results: %v", err)
	}
	return results
}

func testRecipe(kind InputKind, steps ...Step) *Recipe {
	for i := range steps {
		steps[i].StepIndex = i
	}
	return &Recipe{
		ID:        "recipe-1",
		Name:      "Test recipe",
		Slug:      "test-recipe",
		InputKind: kind,
		Status:    RecipeStatusActive,
		Version:   1,
		Steps:     steps,
	}
}
