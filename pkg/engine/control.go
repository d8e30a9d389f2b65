package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/castwork/castwork/pkg/telemetry"
)

// Admission operations.
const (
	OperationExecute = "execute"
	OperationRetry   = "retry"
)

// ExecuteRequest starts a new execution of a recipe.
type ExecuteRequest struct {
	RecipeID  string                 `json:"recipe_id"`
	UserID    string                 `json:"user_id"`
	InputData map[string]interface{} `json:"input"`

	// IdempotencyKey deduplicates requests while a matching execution is active. When
	// empty it is derived from the recipe, user and input.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ExecuteResponse is returned by Execute.
type ExecuteResponse struct {
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`

	// Deduplicated is true when an active execution with the same idempotency key was
	// returned instead of creating a new one.
	Deduplicated bool `json:"deduplicated,omitempty"`
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	Store     ExecutionStore
	Scheduler TaskScheduler

	// Admitter is consulted before an execution is created. Everything is admitted when nil.
	Admitter Admitter

	Telemetry    *telemetry.Telemetry
	QueryTimeout time.Duration
	Now          func() time.Time
	NewID        func() string
}

// Controller implements job control: execute, status, cancel and retry.
type Controller struct {
	store        ExecutionStore
	scheduler    TaskScheduler
	admitter     Admitter
	tel          *telemetry.Telemetry
	logger       zerolog.Logger
	queryTimeout time.Duration
	now          func() time.Time
	newID        func() string
}

// NewController creates a job controller.
func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("controller requires an execution store")
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("controller requires a task scheduler")
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewNop()
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}

	return &Controller{
		store:        opts.Store,
		scheduler:    opts.Scheduler,
		admitter:     opts.Admitter,
		tel:          opts.Telemetry,
		logger:       *opts.Telemetry.Logger.NewComponentLogger("control").Zerolog(),
		queryTimeout: opts.QueryTimeout,
		now:          opts.Now,
		newID:        opts.NewID,
	}, nil
}

// Execute validates the request, creates a pending execution with a snapshot of the
// recipe's steps and schedules it.
func (c *Controller) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	if req.RecipeID == "" {
		return nil, NewValidationError("recipe id is required", nil)
	}
	if req.UserID == "" {
		return nil, NewValidationError("user id is required", nil)
	}

	recipe, err := c.loadRecipe(ctx, req.RecipeID)
	if err != nil {
		return nil, err
	}
	if !recipe.IsActive() {
		return nil, NewPermanentError(fmt.Sprintf("recipe %s is not active", recipe.Slug), nil).
			WithCode(ErrCodeRecipeInactive).
			WithResource(recipe.ID)
	}
	if len(recipe.Steps) == 0 {
		return nil, NewValidationError(fmt.Sprintf("recipe %s has no steps", recipe.Slug), nil).WithResource(recipe.ID)
	}
	if err := ValidateInput(recipe, req.InputData); err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		key = IdempotencyKey(recipe.ID, req.UserID, req.InputData)
	}

	var existing *RecipeExecution
	err = c.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		existing, err = c.store.FindActiveExecutionByKey(ctx, key)
		return err
	})
	switch {
	case err == nil:
		c.logger.Info().
			Str("execution_id", existing.ID).
			Str("recipe_id", recipe.ID).
			Msg("Returning active execution for duplicate request")
		return &ExecuteResponse{ExecutionID: existing.ID, Status: existing.Status, Deduplicated: true}, nil
	case !errors.Is(err, ErrNotFound):
		return nil, storeError("failed to look up idempotency key", err)
	}

	if err := c.admit(ctx, OperationExecute, req.UserID, recipe, req.InputData); err != nil {
		return nil, err
	}

	exec := c.newExecution(recipe, req.UserID, req.InputData)
	exec.IdempotencyKey = key
	if err := c.create(ctx, exec); err != nil {
		// A concurrent request with the same key won the insert.
		if errors.Is(err, ErrConflict) {
			var winner *RecipeExecution
			lookupErr := c.withTimeout(ctx, func(ctx context.Context) error {
				var err error
				winner, err = c.store.FindActiveExecutionByKey(ctx, key)
				return err
			})
			if lookupErr == nil {
				return &ExecuteResponse{ExecutionID: winner.ID, Status: winner.Status, Deduplicated: true}, nil
			}
		}
		return nil, err
	}

	c.schedule(ctx, exec)
	return &ExecuteResponse{ExecutionID: exec.ID, Status: exec.Status}, nil
}

// Status returns an execution with its step results.
func (c *Controller) Status(ctx context.Context, id string) (*ExecutionStatusView, error) {
	view := &ExecutionStatusView{}
	err := c.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		view.Execution, err = c.store.GetExecution(ctx, id)
		if err != nil {
			return err
		}
		view.Steps, err = c.store.ListStepResults(ctx, id)
		return err
	})
	if err != nil {
		return nil, storeError("failed to load execution", err)
	}
	if view.Steps == nil {
		view.Steps = []StepResult{}
	}
	return view, nil
}

// Cancel moves a pending or running execution to cancelled. An in-flight provider
// call is not interrupted; the engine stops before the next step.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	var exec *RecipeExecution
	err := c.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		exec, err = c.store.GetExecution(ctx, id)
		return err
	})
	if err != nil {
		return storeError("failed to load execution", err)
	}
	if !exec.Status.CanCancel() {
		return notCancellable(exec)
	}

	err = c.withTimeout(ctx, func(ctx context.Context) error {
		return c.store.TransitionExecutionStatus(ctx, id, StatusChange{
			From: []ExecutionStatus{ExecutionStatusPending, ExecutionStatusRunning},
			To:   ExecutionStatusCancelled,
			At:   c.now(),
		})
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			// Reached a terminal status between the read and the write.
			return notCancellable(exec)
		}
		return storeError("failed to cancel execution", err)
	}

	c.tel.Metrics.RecordTerminalStatus(string(ExecutionStatusCancelled))
	c.logger.Info().Str("execution_id", id).Str("from", string(exec.Status)).Msg("Execution cancelled")
	c.publish(exec, telemetry.EventTypeExecutionCancelled, telemetry.EventLevelWarning, "execution cancelled")
	return nil
}

// Retry creates a new execution from a failed or cancelled one, using the current
// recipe steps. The original execution is not modified.
func (c *Controller) Retry(ctx context.Context, id string) (string, error) {
	var orig *RecipeExecution
	err := c.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		orig, err = c.store.GetExecution(ctx, id)
		return err
	})
	if err != nil {
		return "", storeError("failed to load execution", err)
	}
	if !orig.Status.CanRetry() {
		return "", NewPermanentError(fmt.Sprintf("execution in status %s cannot be retried", orig.Status), nil).
			WithCode(ErrCodeNotRetryable).
			WithResource(id)
	}

	recipe, err := c.loadRecipe(ctx, orig.RecipeID)
	if err != nil {
		return "", err
	}
	if !recipe.IsActive() {
		return "", NewPermanentError(fmt.Sprintf("recipe %s is no longer active", recipe.Slug), nil).
			WithCode(ErrCodeRecipeInactive).
			WithResource(recipe.ID)
	}
	if len(recipe.Steps) == 0 {
		return "", NewValidationError(fmt.Sprintf("recipe %s has no steps", recipe.Slug), nil).WithResource(recipe.ID)
	}

	input := DeepCopyMap(orig.InputData)
	if err := c.admit(ctx, OperationRetry, orig.UserID, recipe, input); err != nil {
		return "", err
	}

	exec := c.newExecution(recipe, orig.UserID, input)
	exec.RetryOf = orig.ID
	if err := c.create(ctx, exec); err != nil {
		return "", err
	}

	c.logger.Info().
		Str("execution_id", exec.ID).
		Str("retry_of", orig.ID).
		Int("recipe_version", exec.RecipeVersion).
		Msg("Execution retried")
	c.schedule(ctx, exec)
	return exec.ID, nil
}

func (c *Controller) newExecution(recipe *Recipe, userID string, input map[string]interface{}) *RecipeExecution {
	now := c.now()
	snapshot := recipe.Snapshot()
	if recipe.DefaultLanguage != "" {
		for i := range snapshot {
			if snapshot[i].Config.String(ConfigKeyLanguage) != "" {
				continue
			}
			if snapshot[i].Config == nil {
				snapshot[i].Config = StepConfig{}
			}
			snapshot[i].Config[ConfigKeyLanguage] = recipe.DefaultLanguage
		}
	}
	return &RecipeExecution{
		ID:            c.newID(),
		RecipeID:      recipe.ID,
		UserID:        userID,
		Status:        ExecutionStatusPending,
		TotalSteps:    len(snapshot),
		InputData:     DeepCopyMap(input),
		RecipeVersion: recipe.Version,
		Snapshot:      snapshot,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (c *Controller) create(ctx context.Context, exec *RecipeExecution) error {
	err := c.withTimeout(ctx, func(ctx context.Context) error {
		return c.store.CreateExecution(ctx, exec)
	})
	if err != nil {
		return storeError("failed to create execution", err)
	}
	c.publish(exec, telemetry.EventTypeExecutionCreated, telemetry.EventLevelInfo, "execution created")
	return nil
}

// schedule hands the execution to the scheduler. A failure is logged and not returned:
// the execution is durable and the stale-lease sweeper reschedules pending executions.
func (c *Controller) schedule(ctx context.Context, exec *RecipeExecution) {
	if err := c.scheduler.Schedule(ctx, exec.ID); err != nil {
		c.logger.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to schedule execution")
	}
}

func (c *Controller) admit(ctx context.Context, op, userID string, recipe *Recipe, input map[string]interface{}) error {
	if c.admitter == nil {
		return nil
	}
	err := c.admitter.Admit(ctx, &AdmissionRequest{
		Operation: op,
		UserID:    userID,
		Recipe:    recipe,
		InputData: input,
	})
	if err != nil {
		c.logger.Info().Err(err).
			Str("operation", op).
			Str("user_id", userID).
			Str("recipe_id", recipe.ID).
			Msg("Execution not admitted")
		return err
	}
	return nil
}

func (c *Controller) loadRecipe(ctx context.Context, id string) (*Recipe, error) {
	var recipe *Recipe
	err := c.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		recipe, err = c.store.FindRecipeWithSteps(ctx, id)
		return err
	})
	if err != nil {
		return nil, storeError("failed to load recipe", err)
	}
	return recipe, nil
}

func (c *Controller) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	return fn(ctx)
}

func (c *Controller) publish(exec *RecipeExecution, eventType, level, msg string) {
	err := c.tel.Events.Publish(telemetry.Event{
		Type:        eventType,
		ExecutionID: exec.ID,
		RecipeID:    exec.RecipeID,
		StepIndex:   -1,
		Level:       level,
		Message:     msg,
	})
	if err != nil {
		c.logger.Debug().Err(err).Str("execution_id", exec.ID).Str("event_type", eventType).Msg("Event not published")
	}
}

func notCancellable(exec *RecipeExecution) error {
	return NewPermanentError(fmt.Sprintf("execution in status %s cannot be cancelled", exec.Status), nil).
		WithCode(ErrCodeNotCancellable).
		WithResource(exec.ID)
}

// storeError passes classified errors through and classifies everything else as a
// store failure.
func storeError(msg string, err error) error {
	var ee *EngineError
	if errors.As(err, &ee) {
		return err
	}
	return NewTransientError(msg, err).WithCode(ErrCodeStore)
}

// ValidateInput checks input data against the recipe's input kind and allowed modes.
func ValidateInput(recipe *Recipe, input map[string]interface{}) error {
	if input == nil {
		return NewValidationError("input is required", nil)
	}

	switch recipe.InputKind {
	case InputKindText:
		if text, _ := input["text"].(string); strings.TrimSpace(text) == "" {
			return NewValidationError("input.text must be a non-empty string", nil).WithDetail("field", "text")
		}
	case InputKindAudio:
		if url, _ := input["audio_url"].(string); strings.TrimSpace(url) == "" {
			return NewValidationError("input.audio_url must be a non-empty string", nil).WithDetail("field", "audio_url")
		}
	}

	if mode, ok := input["mode"]; ok && len(recipe.AllowedInputModes) > 0 {
		m, _ := mode.(string)
		allowed := false
		for _, a := range recipe.AllowedInputModes {
			if a == m {
				allowed = true
				break
			}
		}
		if !allowed {
			return NewValidationError(fmt.Sprintf("input mode %q is not allowed for this recipe", m), nil).
				WithDetail("allowed_input_modes", recipe.AllowedInputModes)
		}
	}
	return nil
}

// IdempotencyKey derives the default deduplication key of an execute request.
func IdempotencyKey(recipeID, userID string, input map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(recipeID))
	h.Write([]byte{'|'})
	h.Write([]byte(userID))
	h.Write([]byte{'|'})
	h.Write(canonicalJSON(input))
	return hex.EncodeToString(h.Sum(nil))
}
