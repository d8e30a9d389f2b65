package engine

import (
	"context"
	"time"
)

// ProviderAdapter wraps one external AI capability behind a normalized call.
// Implementations must honour timeout and return an error for which IsTimeout is
// true when it is exceeded.
type ProviderAdapter interface {
	// Invoke runs the provider with normalized parameters.
	Invoke(ctx context.Context, params *Params, timeout time.Duration) (*Output, error)
}

// ProviderAdapterFunc adapts a function to the ProviderAdapter interface.
type ProviderAdapterFunc func(ctx context.Context, params *Params, timeout time.Duration) (*Output, error)

// Invoke calls f.
func (f ProviderAdapterFunc) Invoke(ctx context.Context, params *Params, timeout time.Duration) (*Output, error) {
	return f(ctx, params, timeout)
}

// TimeoutDefaulter is implemented by adapters that carry their own default timeout.
// It applies when the step does not set one.
type TimeoutDefaulter interface {
	DefaultTimeout() time.Duration
}

// AdapterTable maps each step type to the adapter that serves it.
// It is resolved once when the engine is constructed.
type AdapterTable map[StepType]ProviderAdapter

// StatusChange is a conditional execution status transition.
type StatusChange struct {
	// From lists the statuses the execution must currently be in.
	From []ExecutionStatus

	// To is the new status.
	To ExecutionStatus

	// At is written to started_at when leaving pending for running, and to finished_at
	// when entering a terminal status.
	At time.Time

	// ErrorMessage is written when To is error.
	ErrorMessage string
}

// Finalization carries the aggregates written when an execution completes.
type Finalization struct {
	FinishedAt      time.Time
	TotalCostCents  int64
	ConfidenceScore *float64
	WarningFlag     bool
	PreviewURL      string
}

// ExecutionStore persists recipes, executions and step results.
// Every mutating call on an execution is a single-row write scoped by execution ID.
type ExecutionStore interface {
	// FindRecipeWithSteps loads a recipe and its ordered steps.
	FindRecipeWithSteps(ctx context.Context, recipeID string) (*Recipe, error)

	// CreateExecution inserts a new execution row.
	CreateExecution(ctx context.Context, exec *RecipeExecution) error

	// GetExecution loads an execution, including its snapshot.
	GetExecution(ctx context.Context, id string) (*RecipeExecution, error)

	// FindActiveExecutionByKey returns the pending or running execution with the given
	// idempotency key, or an error matching ErrNotFound.
	FindActiveExecutionByKey(ctx context.Context, key string) (*RecipeExecution, error)

	// TransitionExecutionStatus atomically moves an execution to change.To if its current
	// status is one of change.From. It returns an error matching ErrConflict when the
	// status did not match and ErrNotFound when the row does not exist.
	TransitionExecutionStatus(ctx context.Context, id string, change StatusChange) error

	// UpdateExecutionProgress advances current_step and progress while the execution is
	// running. Progress never decreases. It returns an error matching ErrConflict when
	// the execution is no longer running.
	UpdateExecutionProgress(ctx context.Context, id string, currentStep, progress int) error

	// FinalizeExecution moves a running execution to done with its aggregates.
	// It returns an error matching ErrConflict when the execution is no longer running.
	FinalizeExecution(ctx context.Context, id string, fin Finalization) error

	// UpsertStepResult writes the single result row for (execution, step index).
	UpsertStepResult(ctx context.Context, result *StepResult) error

	// ListStepResults returns the results of an execution ordered by step index.
	ListStepResults(ctx context.Context, executionID string) ([]StepResult, error)

	// ListStaleExecutions returns executions in one of statuses whose updated_at is older
	// than before, oldest first.
	ListStaleExecutions(ctx context.Context, statuses []ExecutionStatus, before time.Time, limit int) ([]RecipeExecution, error)
}

// TaskScheduler runs StartExecution for an execution eventually, at least once.
type TaskScheduler interface {
	Schedule(ctx context.Context, executionID string) error
}

// Runner is the entry point schedulers invoke. Engine implements it.
type Runner interface {
	StartExecution(ctx context.Context, executionID string) error
}

// ConditionEnv is the data a skip condition can see.
type ConditionEnv struct {
	// Input is the execution input data.
	Input map[string]interface{}

	// Steps are the results of earlier steps, indexed by step index.
	Steps []ConditionStep

	// Prev is the output of the nearest earlier step that was not skipped, or nil.
	Prev map[string]interface{}

	// Resolved is the resolved input of the step being evaluated.
	Resolved string
}

// ConditionStep is one earlier step as seen by a skip condition.
type ConditionStep struct {
	Index  int
	Type   StepType
	Status StepStatus
	Output map[string]interface{}
}

// ConditionEvaluator evaluates a step's skip condition.
type ConditionEvaluator interface {
	// Evaluate returns true if the step should be skipped.
	Evaluate(ctx context.Context, expr string, env ConditionEnv) (bool, error)
}

// Score is the confidence signal attached to a completed execution.
type Score struct {
	Confidence float64
	Warning    bool
}

// Scorer computes the confidence signal from the final step results.
type Scorer interface {
	Score(exec *RecipeExecution, results []StepResult) Score
}

// CostModel converts reported usage into cents.
type CostModel interface {
	Cost(stepType StepType, usage Usage) int64
}

// AdmissionRequest is evaluated before an execution is created.
type AdmissionRequest struct {
	Operation string                 `json:"operation"`
	UserID    string                 `json:"user_id"`
	Recipe    *Recipe                `json:"recipe"`
	InputData map[string]interface{} `json:"input_data"`
}

// Admitter decides whether an execution may be created. A denial returns an error
// matching ErrPolicyDenied.
type Admitter interface {
	Admit(ctx context.Context, req *AdmissionRequest) error
}
