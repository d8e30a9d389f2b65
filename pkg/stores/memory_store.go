package stores

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castwork/castwork/pkg/engine"
)

// MemoryStore is an in-process Store. Everything is lost when the process exits.
type MemoryStore struct {
	mu         sync.RWMutex
	recipes    map[string]*engine.Recipe
	slugs      map[string]string
	executions map[string]*engine.RecipeExecution
	results    map[string]map[int]engine.StepResult
	now        func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		recipes:    make(map[string]*engine.Recipe),
		slugs:      make(map[string]string),
		executions: make(map[string]*engine.RecipeExecution),
		results:    make(map[string]map[int]engine.StepResult),
		now:        time.Now,
	}
}

// Migrate is a no-op.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func cloneRecipe(r *engine.Recipe) *engine.Recipe {
	c := *r
	c.AllowedInputModes = append([]string(nil), r.AllowedInputModes...)
	c.Steps = r.Snapshot()
	return &c
}

func cloneExecution(e *engine.RecipeExecution) *engine.RecipeExecution {
	c := *e
	c.InputData = engine.DeepCopyMap(e.InputData)
	c.Snapshot = make([]engine.Step, len(e.Snapshot))
	for i, step := range e.Snapshot {
		c.Snapshot[i] = engine.Step{StepIndex: step.StepIndex, Name: step.Name, Type: step.Type, Config: step.Config.Clone()}
	}
	if e.ConfidenceScore != nil {
		score := *e.ConfidenceScore
		c.ConfidenceScore = &score
	}
	return &c
}

func cloneResult(r engine.StepResult) engine.StepResult {
	r.OutputFull = engine.DeepCopyMap(r.OutputFull)
	return r
}

// FindRecipeWithSteps loads a recipe and its ordered steps.
func (s *MemoryStore) FindRecipeWithSteps(_ context.Context, recipeID string) (*engine.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.recipes[recipeID]
	if !ok {
		return nil, engine.NewNotFoundError("recipe", recipeID)
	}
	return cloneRecipe(r), nil
}

// GetRecipeBySlug loads a recipe and its ordered steps by slug.
func (s *MemoryStore) GetRecipeBySlug(_ context.Context, slug string) (*engine.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.slugs[slug]
	if !ok {
		return nil, engine.NewNotFoundError("recipe", slug)
	}
	return cloneRecipe(s.recipes[id]), nil
}

// ListRecipes returns every recipe ordered by slug.
func (s *MemoryStore) ListRecipes(context.Context) ([]engine.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]engine.Recipe, 0, len(s.recipes))
	for _, r := range s.recipes {
		out = append(out, *cloneRecipe(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// SaveRecipe inserts or updates a recipe by slug.
func (s *MemoryStore) SaveRecipe(_ context.Context, recipe *engine.Recipe) (*SaveResult, error) {
	if err := recipe.Validate(); err != nil {
		return nil, engine.NewValidationError("invalid recipe", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if id, ok := s.slugs[recipe.Slug]; ok {
		existing := s.recipes[id]
		result := &SaveResult{RecipeID: id, Version: existing.Version}
		if !StepsEqual(existing.Steps, recipe.Steps) {
			result.StepsChanged = true
			result.Version++
			existing.Steps = recipe.Snapshot()
		}
		existing.Name = recipe.Name
		existing.InputKind = recipe.InputKind
		existing.AllowedInputModes = append([]string(nil), recipe.AllowedInputModes...)
		existing.DefaultLanguage = recipe.DefaultLanguage
		existing.Status = recipe.Status
		existing.Version = result.Version
		existing.UpdatedAt = now

		recipe.ID = id
		recipe.Version = result.Version
		return result, nil
	}

	id := recipe.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, taken := s.recipes[id]; taken {
		return nil, engine.NewConflictUpdateError("recipe id already in use", id)
	}

	stored := cloneRecipe(recipe)
	stored.ID = id
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.recipes[id] = stored
	s.slugs[recipe.Slug] = id

	recipe.ID = id
	recipe.Version = 1
	return &SaveResult{RecipeID: id, Version: 1, Created: true, StepsChanged: true}, nil
}

// SetRecipeStatus activates or deactivates a recipe.
func (s *MemoryStore) SetRecipeStatus(_ context.Context, id string, status engine.RecipeStatus) error {
	if err := status.Validate(); err != nil {
		return engine.NewValidationError("invalid recipe status", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recipes[id]
	if !ok {
		return engine.NewNotFoundError("recipe", id)
	}
	r.Status = status
	r.UpdatedAt = s.now()
	return nil
}

// CreateExecution inserts a new execution.
func (s *MemoryStore) CreateExecution(_ context.Context, exec *engine.RecipeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; ok {
		return engine.NewConflictUpdateError("execution already exists", exec.ID)
	}
	if exec.IdempotencyKey != "" {
		for _, e := range s.executions {
			if e.IdempotencyKey == exec.IdempotencyKey && e.Status.IsActive() {
				return engine.NewConflictUpdateError("an active execution has the same idempotency key", exec.ID)
			}
		}
	}

	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = s.now()
	}
	if exec.UpdatedAt.IsZero() {
		exec.UpdatedAt = exec.CreatedAt
	}
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

// GetExecution loads an execution.
func (s *MemoryStore) GetExecution(_ context.Context, id string) (*engine.RecipeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, engine.NewNotFoundError("execution", id)
	}
	return cloneExecution(e), nil
}

// FindActiveExecutionByKey returns the pending or running execution with the key.
func (s *MemoryStore) FindActiveExecutionByKey(_ context.Context, key string) (*engine.RecipeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key != "" {
		for _, e := range s.executions {
			if e.IdempotencyKey == key && e.Status.IsActive() {
				return cloneExecution(e), nil
			}
		}
	}
	return nil, engine.NewNotFoundError("execution", key)
}

// TransitionExecutionStatus moves an execution to change.To if its status is one of
// change.From.
func (s *MemoryStore) TransitionExecutionStatus(_ context.Context, id string, change engine.StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[id]
	if !ok {
		return engine.NewNotFoundError("execution", id)
	}
	if !statusIn(e.Status, change.From) {
		return engine.NewConflictUpdateError("execution is "+string(e.Status), id)
	}

	at := change.At
	if at.IsZero() {
		at = s.now()
	}
	if change.To == engine.ExecutionStatusRunning {
		started := at
		e.StartedAt = &started
	}
	if change.To.IsTerminal() {
		finished := at
		e.FinishedAt = &finished
	}
	if change.To == engine.ExecutionStatusError {
		e.ErrorMessage = change.ErrorMessage
	}
	e.Status = change.To
	e.UpdatedAt = at
	return nil
}

// UpdateExecutionProgress advances current_step and progress of a running execution.
func (s *MemoryStore) UpdateExecutionProgress(_ context.Context, id string, currentStep, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[id]
	if !ok {
		return engine.NewNotFoundError("execution", id)
	}
	if e.Status != engine.ExecutionStatusRunning {
		return engine.NewConflictUpdateError("execution is "+string(e.Status), id)
	}
	e.CurrentStep = currentStep
	if progress > e.Progress {
		e.Progress = progress
	}
	e.UpdatedAt = s.now()
	return nil
}

// FinalizeExecution moves a running execution to done with its aggregates.
func (s *MemoryStore) FinalizeExecution(_ context.Context, id string, fin engine.Finalization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[id]
	if !ok {
		return engine.NewNotFoundError("execution", id)
	}
	if e.Status != engine.ExecutionStatusRunning {
		return engine.NewConflictUpdateError("execution is "+string(e.Status), id)
	}

	finished := fin.FinishedAt
	if finished.IsZero() {
		finished = s.now()
	}
	e.Status = engine.ExecutionStatusDone
	e.Progress = 100
	e.CurrentStep = e.TotalSteps
	e.FinishedAt = &finished
	e.TotalCostCents = fin.TotalCostCents
	e.ConfidenceScore = nil
	if fin.ConfidenceScore != nil {
		score := *fin.ConfidenceScore
		e.ConfidenceScore = &score
	}
	e.WarningFlag = fin.WarningFlag
	e.PreviewURL = fin.PreviewURL
	e.UpdatedAt = finished
	return nil
}

// UpsertStepResult writes the single result row for (execution, step index).
func (s *MemoryStore) UpsertStepResult(_ context.Context, result *engine.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[result.ExecutionID]; !ok {
		return engine.NewNotFoundError("execution", result.ExecutionID)
	}
	byIndex := s.results[result.ExecutionID]
	if byIndex == nil {
		byIndex = make(map[int]engine.StepResult)
		s.results[result.ExecutionID] = byIndex
	}
	if existing, ok := byIndex[result.StepIndex]; ok && !existing.Status.CanTransitionTo(result.Status) {
		return engine.NewConflictUpdateError("result of step is "+string(existing.Status), result.ExecutionID)
	}
	byIndex[result.StepIndex] = cloneResult(*result)
	return nil
}

// ListStepResults returns the results of an execution ordered by step index.
func (s *MemoryStore) ListStepResults(_ context.Context, executionID string) ([]engine.StepResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]engine.StepResult, 0, len(s.results[executionID]))
	for _, r := range s.results[executionID] {
		out = append(out, cloneResult(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

// ListStaleExecutions returns executions in one of statuses not updated since before.
func (s *MemoryStore) ListStaleExecutions(_ context.Context, statuses []engine.ExecutionStatus, before time.Time, limit int) ([]engine.RecipeExecution, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []engine.RecipeExecution
	for _, e := range s.executions {
		if statusIn(e.Status, statuses) && e.UpdatedAt.Before(before) {
			out = append(out, *cloneExecution(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListExecutions returns executions matching filter, newest first.
func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]engine.RecipeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []engine.RecipeExecution
	for _, e := range s.executions {
		if filter.Matches(e) {
			out = append(out, *cloneExecution(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := filter.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteExecution removes an execution and its step results.
func (s *MemoryStore) DeleteExecution(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[id]; !ok {
		return engine.NewNotFoundError("execution", id)
	}
	delete(s.executions, id)
	delete(s.results, id)
	for _, e := range s.executions {
		if e.RetryOf == id {
			e.RetryOf = ""
		}
	}
	return nil
}

func statusIn(status engine.ExecutionStatus, set []engine.ExecutionStatus) bool {
	for _, s := range set {
		if status == s {
			return true
		}
	}
	return false
}
