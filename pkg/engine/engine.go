package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/castwork/castwork/pkg/telemetry"
)

// DefaultQueryTimeout bounds each store call made by the engine and job control.
const DefaultQueryTimeout = 10 * time.Second

// Options configures an Engine.
type Options struct {
	// Store is required.
	Store ExecutionStore

	// Adapters maps step types to provider adapters. It is copied at construction.
	Adapters AdapterTable

	// Conditions evaluates skip_if expressions. Steps with a skip_if fail when nil.
	Conditions ConditionEvaluator

	// Scorer computes the confidence signal. DefaultScorer is used when nil.
	Scorer Scorer

	// Costs converts usage into cents. Costs are zero when nil.
	Costs CostModel

	Telemetry *telemetry.Telemetry

	// DefaultStepTimeout applies to steps without a timeout. Defaults to DefaultStepTimeout.
	DefaultStepTimeout time.Duration

	// PreviewLength is the rune length of previews. Defaults to DefaultPreviewLength.
	PreviewLength int

	// QueryTimeout bounds each store call. Defaults to DefaultQueryTimeout.
	QueryTimeout time.Duration

	// Now is the clock. Defaults to time.Now in UTC.
	Now func() time.Time
}

// Engine drives recipe executions through their steps.
// It holds no per-execution state between StartExecution calls.
type Engine struct {
	store        ExecutionStore
	executor     *Executor
	scorer       Scorer
	tel          *telemetry.Telemetry
	logger       zerolog.Logger
	queryTimeout time.Duration
	now          func() time.Time
}

// NewEngine creates an engine. The adapter table is resolved here and never consulted
// by name again.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine requires an execution store")
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewNop()
	}
	if opts.Scorer == nil {
		opts.Scorer = DefaultScorer{}
	}
	if opts.DefaultStepTimeout <= 0 {
		opts.DefaultStepTimeout = DefaultStepTimeout
	}
	if opts.PreviewLength <= 0 {
		opts.PreviewLength = DefaultPreviewLength
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	adapters := make(AdapterTable, len(opts.Adapters))
	for t, a := range opts.Adapters {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("invalid adapter table: %w", err)
		}
		adapters[t] = a
	}

	logger := *opts.Telemetry.Logger.NewComponentLogger("engine").Zerolog()

	return &Engine{
		store: opts.Store,
		executor: &Executor{
			adapters:       adapters,
			conditions:     opts.Conditions,
			costs:          opts.Costs,
			defaultTimeout: opts.DefaultStepTimeout,
			previewLength:  opts.PreviewLength,
			tel:            opts.Telemetry,
			logger:         logger,
			now:            opts.Now,
		},
		scorer:       opts.Scorer,
		tel:          opts.Telemetry,
		logger:       logger,
		queryTimeout: opts.QueryTimeout,
		now:          opts.Now,
	}, nil
}

// Executor returns the step executor used by the engine.
func (e *Engine) Executor() *Executor {
	return e.executor
}

// StartExecution acquires the execution lease and runs the remaining steps to a
// terminal status. A call that does not acquire the lease returns nil without side
// effects. Step failures are recorded on the execution and are not returned; the
// returned error is reserved for store failures and context cancellation, which leave
// the execution running for the stale-lease sweeper.
func (e *Engine) StartExecution(ctx context.Context, executionID string) error {
	log := e.logger.With().Str("execution_id", executionID).Logger()

	started := e.now()
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		return e.store.TransitionExecutionStatus(ctx, executionID, StatusChange{
			From: []ExecutionStatus{ExecutionStatusPending},
			To:   ExecutionStatusRunning,
			At:   started,
		})
	})
	if err != nil {
		if isConflict(err) {
			log.Debug().Msg("Execution lease not acquired, skipping")
			e.tel.Metrics.RecordLeaseConflict()
			return nil
		}
		return fmt.Errorf("failed to acquire execution lease: %w", err)
	}

	e.tel.Metrics.RecordExecutionStarted()
	finalStatus := ExecutionStatus("")
	defer func() {
		if finalStatus == ExecutionStatusDone || finalStatus == ExecutionStatusError {
			e.tel.Metrics.RecordExecutionFinished(string(finalStatus), e.now().Sub(started))
			return
		}
		e.tel.Metrics.RecordExecutionReleased()
	}()

	var exec *RecipeExecution
	err = e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		exec, err = e.store.GetExecution(ctx, executionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to load execution: %w", err)
	}

	ctx, span := e.tel.Tracer.StartExecutionSpan(ctx, exec.ID, exec.RecipeID)
	defer span.End()

	log = log.With().Str("recipe_id", exec.RecipeID).Logger()
	log.Info().
		Int("current_step", exec.CurrentStep).
		Int("total_steps", exec.TotalSteps).
		Msg("Execution started")
	e.publish(exec, telemetry.EventTypeExecutionStarted, -1, telemetry.EventLevelInfo, "execution started", map[string]interface{}{
		"current_step": exec.CurrentStep,
		"total_steps":  exec.TotalSteps,
	})

	status, err := e.run(ctx, exec, log)
	finalStatus = status
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}

// run is the step loop. It returns the terminal status it wrote, or "" when it stopped
// without writing one.
func (e *Engine) run(ctx context.Context, exec *RecipeExecution, log zerolog.Logger) (ExecutionStatus, error) {
	steps := exec.Snapshot
	total := exec.TotalSteps
	if total <= 0 {
		total = len(steps)
	}

	var stored []StepResult
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		stored, err = e.store.ListStepResults(ctx, exec.ID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to load step results: %w", err)
	}

	results := make([]StepResult, len(steps))
	for _, r := range stored {
		if r.StepIndex >= 0 && r.StepIndex < len(results) {
			results[r.StepIndex] = r
		}
	}

	progress := exec.Progress
	for i := exec.CurrentStep; i < len(steps); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		running, err := e.stillRunning(ctx, exec.ID)
		if err != nil {
			return "", err
		}
		if !running {
			log.Info().Int("step_index", i).Msg("Execution is no longer running, stopping before next step")
			return "", nil
		}

		step := steps[i]
		result, err := e.runStep(ctx, exec, step, results, log)
		if err != nil {
			if isConflict(err) {
				log.Info().Int("step_index", i).Msg("Execution changed status during step, stopping")
				return "", nil
			}
			return "", err
		}
		results[i] = result

		if result.Status == StepStatusError {
			return e.fail(ctx, exec, step, result, log)
		}

		next := int(math.Round(100 * float64(i+1) / float64(total)))
		if next < progress {
			next = progress
		}
		err = e.withTimeout(ctx, func(ctx context.Context) error {
			return e.store.UpdateExecutionProgress(ctx, exec.ID, i+1, next)
		})
		if err != nil {
			if isConflict(err) {
				log.Info().Int("step_index", i).Msg("Execution is no longer running, progress not recorded")
				return "", nil
			}
			return "", fmt.Errorf("failed to update progress: %w", err)
		}
		progress = next
		e.publish(exec, telemetry.EventTypeExecutionProgress, i, telemetry.EventLevelInfo, "progress updated", map[string]interface{}{
			"current_step": i + 1,
			"progress":     progress,
		})
	}

	return e.finalize(ctx, exec, results, log)
}

// runStep runs one step and persists its result. A terminal result left by an earlier
// attempt is reused without calling the provider again. A result still marked running
// means an earlier attempt may have issued the billable call, so it is failed rather
// than repeated.
func (e *Engine) runStep(ctx context.Context, exec *RecipeExecution, step Step, results []StepResult, log zerolog.Logger) (StepResult, error) {
	i := step.StepIndex
	existing := results[i]

	switch existing.Status {
	case StepStatusDone, StepStatusSkipped, StepStatusError:
		log.Debug().Int("step_index", i).Str("status", string(existing.Status)).Msg("Reusing recorded step result")
		return existing, nil
	case StepStatusRunning:
		finished := e.now()
		existing.Status = StepStatusError
		existing.ErrorKind = StepErrorProvider
		existing.ErrorMessage = "step was interrupted while its provider call was in flight"
		existing.FinishedAt = &finished
		if err := e.upsert(ctx, &existing); err != nil {
			return StepResult{}, err
		}
		e.recordStep(exec, existing)
		return existing, nil
	}

	started := e.now()
	marker := StepResult{
		ExecutionID: exec.ID,
		StepIndex:   i,
		StepName:    step.Name,
		StepType:    step.Type,
		Status:      StepStatusRunning,
		StartedAt:   &started,
	}
	if err := e.upsert(ctx, &marker); err != nil {
		return StepResult{}, err
	}
	e.publish(exec, telemetry.EventTypeStepStarted, i, telemetry.EventLevelInfo, StepLabel(step)+" started", nil)

	stepCtx, span := e.tel.Tracer.StartStepSpan(ctx, i, string(step.Type))
	result := e.executor.RunStep(stepCtx, exec, step, results[:i])
	span.SetAttributes(telemetry.AttrStepStatus.String(string(result.Status)))
	span.End()

	// A step that failed only because the engine's own context ended is left running.
	if result.Status == StepStatusError && ctx.Err() != nil {
		return StepResult{}, ctx.Err()
	}

	if err := e.upsert(ctx, &result); err != nil {
		return StepResult{}, err
	}
	e.recordStep(exec, result)
	return result, nil
}

func (e *Engine) recordStep(exec *RecipeExecution, result StepResult) {
	e.tel.Metrics.RecordStep(string(result.StepType), string(result.Status), result.CostCents)

	data := map[string]interface{}{
		"status":     result.Status,
		"cost_cents": result.CostCents,
		"latency_ms": result.LatencyMs,
	}
	switch result.Status {
	case StepStatusDone:
		e.publish(exec, telemetry.EventTypeStepCompleted, result.StepIndex, telemetry.EventLevelInfo, result.OutputPreview, data)
	case StepStatusSkipped:
		e.publish(exec, telemetry.EventTypeStepSkipped, result.StepIndex, telemetry.EventLevelInfo, "step skipped", data)
	case StepStatusError:
		data["error_kind"] = result.ErrorKind
		e.publish(exec, telemetry.EventTypeStepFailed, result.StepIndex, telemetry.EventLevelError, result.ErrorMessage, data)
	}
}

func (e *Engine) fail(ctx context.Context, exec *RecipeExecution, step Step, result StepResult, log zerolog.Logger) (ExecutionStatus, error) {
	msg := fmt.Sprintf("%s: %s", StepLabel(step), result.ErrorMessage)
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		return e.store.TransitionExecutionStatus(ctx, exec.ID, StatusChange{
			From:         []ExecutionStatus{ExecutionStatusRunning},
			To:           ExecutionStatusError,
			At:           e.now(),
			ErrorMessage: msg,
		})
	})
	if err != nil {
		if isConflict(err) {
			log.Info().Int("step_index", step.StepIndex).Msg("Execution is no longer running, failure not recorded on execution")
			return "", nil
		}
		return "", fmt.Errorf("failed to record execution failure: %w", err)
	}

	log.Warn().
		Int("step_index", step.StepIndex).
		Str("step_type", string(step.Type)).
		Str("error_kind", string(result.ErrorKind)).
		Msg(msg)
	e.publish(exec, telemetry.EventTypeExecutionFailed, step.StepIndex, telemetry.EventLevelError, msg, map[string]interface{}{
		"error_kind": result.ErrorKind,
	})
	return ExecutionStatusError, nil
}

func (e *Engine) finalize(ctx context.Context, exec *RecipeExecution, results []StepResult, log zerolog.Logger) (ExecutionStatus, error) {
	fin := Finalization{FinishedAt: e.now()}
	for _, r := range results {
		fin.TotalCostCents += r.CostCents
		if r.Status == StepStatusDone {
			if url, ok := r.OutputFull["url"].(string); ok && url != "" {
				fin.PreviewURL = url
			}
		}
	}

	score := e.scorer.Score(exec, results)
	confidence := score.Confidence
	fin.ConfidenceScore = &confidence
	fin.WarningFlag = score.Warning

	err := e.withTimeout(ctx, func(ctx context.Context) error {
		return e.store.FinalizeExecution(ctx, exec.ID, fin)
	})
	if err != nil {
		if isConflict(err) {
			log.Info().Msg("Execution is no longer running, completion not recorded")
			return "", nil
		}
		return "", fmt.Errorf("failed to finalize execution: %w", err)
	}

	log.Info().
		Int64("total_cost_cents", fin.TotalCostCents).
		Float64("confidence", confidence).
		Bool("warning", fin.WarningFlag).
		Msg("Execution completed")
	e.publish(exec, telemetry.EventTypeExecutionCompleted, -1, telemetry.EventLevelInfo, "execution completed", map[string]interface{}{
		"total_cost_cents": fin.TotalCostCents,
		"confidence_score": confidence,
		"warning_flag":     fin.WarningFlag,
		"preview_url":      fin.PreviewURL,
	})
	return ExecutionStatusDone, nil
}

func (e *Engine) stillRunning(ctx context.Context, id string) (bool, error) {
	var current *RecipeExecution
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		current, err = e.store.GetExecution(ctx, id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to re-read execution status: %w", err)
	}
	return current.Status == ExecutionStatusRunning, nil
}

func (e *Engine) upsert(ctx context.Context, result *StepResult) error {
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		return e.store.UpsertStepResult(ctx, result)
	})
	if err != nil && !isConflict(err) {
		return fmt.Errorf("failed to persist result of step %d: %w", result.StepIndex, err)
	}
	return err
}

func (e *Engine) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()
	return fn(ctx)
}

func (e *Engine) publish(exec *RecipeExecution, eventType string, stepIndex int, level, msg string, data map[string]interface{}) {
	err := e.tel.Events.Publish(telemetry.Event{
		Type:        eventType,
		ExecutionID: exec.ID,
		RecipeID:    exec.RecipeID,
		StepIndex:   stepIndex,
		Level:       level,
		Message:     msg,
		Data:        data,
	})
	if err != nil {
		e.logger.Debug().Err(err).Str("event_type", eventType).Msg("Event not published")
	}
}

func isConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrLeaseConflict)
}
