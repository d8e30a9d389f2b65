package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/castwork/castwork/pkg/telemetry"
)

// DefaultStepTimeout bounds a provider call when neither the step nor the engine
// configures a timeout.
const DefaultStepTimeout = 2 * time.Minute

// Executor runs exactly one recipe step.
type Executor struct {
	adapters       AdapterTable
	conditions     ConditionEvaluator
	costs          CostModel
	defaultTimeout time.Duration
	previewLength  int
	tel            *telemetry.Telemetry
	logger         zerolog.Logger
	now            func() time.Time
}

// RunStep resolves input, evaluates the skip condition, invokes the adapter and builds
// the StepResult. Failures are reported through the result's status and never as a
// Go error or panic.
func (x *Executor) RunStep(ctx context.Context, exec *RecipeExecution, step Step, prior []StepResult) StepResult {
	started := x.now()
	result := StepResult{
		ExecutionID: exec.ID,
		StepIndex:   step.StepIndex,
		StepName:    step.Name,
		StepType:    step.Type,
		Status:      StepStatusRunning,
		StartedAt:   &started,
	}

	log := x.logger.With().
		Str("execution_id", exec.ID).
		Int("step_index", step.StepIndex).
		Str("step_type", string(step.Type)).
		Logger()

	res := newResolver(exec.InputData, prior)

	input, err := res.resolveInput(step)
	if err != nil {
		return x.fail(result, newStepError(StepErrorInputResolution, err, "input resolution failed"), log)
	}

	if expr := step.Config.String(ConfigKeySkipIf); expr != "" {
		if x.conditions == nil {
			return x.fail(result, newStepError(StepErrorSkipCondition, nil, "skip condition set but no evaluator is configured"), log)
		}
		skip, err := x.conditions.Evaluate(ctx, expr, res.conditionEnv(input))
		if err != nil {
			log.Warn().Err(err).Str("skip_if", expr).Msg("Skip condition evaluation failed")
			return x.fail(result, newStepError(StepErrorSkipCondition, err, "skip condition evaluation failed"), log)
		}
		if skip {
			result.Status = StepStatusSkipped
			result.FinishedAt = &started
			log.Debug().Str("skip_if", expr).Msg("Step skipped")
			return result
		}
	}

	params := &Params{
		ExecutionID:    exec.ID,
		StepIndex:      step.StepIndex,
		StepType:       step.Type,
		Input:          input,
		Language:       stepLanguage(step, exec.InputData),
		Config:         step.Config.Clone(),
		IdempotencyKey: fmt.Sprintf("%s:%d", exec.ID, step.StepIndex),
	}
	if tmpl := step.Config.String(ConfigKeyPrompt); tmpl != "" {
		prompt, err := res.render(tmpl, step)
		if err != nil {
			return x.fail(result, newStepError(StepErrorInputResolution, err, "prompt resolution failed"), log)
		}
		params.Prompt = prompt
	}

	result.InputHash = Fingerprint([]byte(input))

	adapter, ok := x.adapters[step.Type]
	if !ok || adapter == nil {
		return x.fail(result, newStepError(StepErrorProvider, nil, "no provider adapter registered for step type %s", step.Type), log)
	}

	timeout, err := x.StepTimeout(step)
	if err != nil {
		return x.fail(result, newStepError(StepErrorInputResolution, err, "invalid step timeout"), log)
	}

	spanCtx, span := x.tel.Tracer.StartProviderSpan(ctx, string(step.Type), step.Config.String("provider"))
	callStart := time.Now()
	out, err := x.invoke(spanCtx, adapter, params, timeout)
	elapsed := time.Since(callStart)

	if err != nil {
		telemetry.RecordError(span, err)
		span.End()
		if IsTimeout(err) {
			x.tel.Metrics.RecordProviderRequest(string(step.Type), "timeout", elapsed)
			return x.fail(result, newStepError(StepErrorTimeout, err, "provider call timed out after %s", timeout), log)
		}
		x.tel.Metrics.RecordProviderRequest(string(step.Type), "error", elapsed)
		log.Warn().Err(err).Str("error_class", string(ClassOf(err))).Msg("Provider call failed")
		return x.fail(result, newStepError(StepErrorProvider, err, "provider call failed"), log)
	}
	if out == nil || out.Payload == nil {
		span.End()
		x.tel.Metrics.RecordProviderRequest(string(step.Type), "malformed", elapsed)
		return x.fail(result, newStepError(StepErrorProvider, nil, "provider returned an empty response"), log)
	}
	telemetry.RecordSuccess(span)
	span.End()
	x.tel.Metrics.RecordProviderRequest(string(step.Type), "ok", elapsed)

	raw := out.Raw
	if raw == nil {
		raw = canonicalJSON(out.Payload)
	}

	latency := out.Latency
	if latency <= 0 {
		latency = elapsed
	}

	finished := x.now()
	result.Status = StepStatusDone
	result.InputPreview = Preview(input, x.previewLength)
	result.OutputPreview = Preview(OutputText(out.Payload), x.previewLength)
	result.OutputFull = out.Payload
	result.OutputHash = Fingerprint(raw)
	result.ProviderResponseID = out.ResponseID
	result.Usage = out.Usage
	result.LatencyMs = latency.Milliseconds()
	result.FinishedAt = &finished
	if x.costs != nil {
		result.CostCents = x.costs.Cost(step.Type, out.Usage)
	}

	log.Debug().
		Int64("latency_ms", result.LatencyMs).
		Int64("cost_cents", result.CostCents).
		Str("provider_response_id", result.ProviderResponseID).
		Msg("Step completed")

	return result
}

type invokeResult struct {
	out *Output
	err error
}

// invoke calls the adapter with a deadline. The call runs on its own goroutine so that
// an adapter which ignores its context still cannot hold the step past the timeout.
func (x *Executor) invoke(ctx context.Context, adapter ProviderAdapter, params *Params, timeout time.Duration) (*Output, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: NewPermanentError(fmt.Sprintf("provider adapter panicked: %v", r), nil).
					WithCode(ErrCodeProviderFailed)}
			}
		}()
		out, err := adapter.Invoke(callCtx, params, timeout)
		done <- invokeResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil && callCtx.Err() == context.DeadlineExceeded {
			return nil, callCtx.Err()
		}
		return r.out, r.err
	case <-callCtx.Done():
		return nil, callCtx.Err()
	}
}

// StepTimeout returns the provider call timeout for step: its own config.timeout, then
// the adapter default, then the executor default.
func (x *Executor) StepTimeout(step Step) (time.Duration, error) {
	timeout, err := step.Config.Timeout()
	if err != nil {
		return 0, err
	}
	if timeout > 0 {
		return timeout, nil
	}
	if d, ok := x.adapters[step.Type].(TimeoutDefaulter); ok && d.DefaultTimeout() > 0 {
		return d.DefaultTimeout(), nil
	}
	return x.defaultTimeout, nil
}

func (x *Executor) fail(result StepResult, stepErr *StepError, log zerolog.Logger) StepResult {
	finished := x.now()
	result.Status = StepStatusError
	result.ErrorKind = stepErr.Kind
	result.ErrorMessage = stepErr.Error()
	result.FinishedAt = &finished
	log.Debug().Str("error_kind", string(stepErr.Kind)).Msg(result.ErrorMessage)
	return result
}

// stepLanguage picks the step's language, then the input's.
func stepLanguage(step Step, input map[string]interface{}) string {
	if lang := step.Config.String(ConfigKeyLanguage); lang != "" {
		return lang
	}
	if lang, ok := input["language"].(string); ok {
		return lang
	}
	return ""
}
