package engine

import (
	"fmt"
)

// ExecutionStatus is the lifecycle status of a RecipeExecution.
// The status column doubles as the execution lease: only the caller that moves an
// execution from pending to running may run its steps.
type ExecutionStatus string

const (
	// ExecutionStatusPending indicates the execution is created and waiting for a worker.
	ExecutionStatusPending ExecutionStatus = "pending"

	// ExecutionStatusRunning indicates a worker holds the lease and is running steps.
	ExecutionStatusRunning ExecutionStatus = "running"

	// ExecutionStatusDone indicates every step finished or was skipped.
	ExecutionStatusDone ExecutionStatus = "done"

	// ExecutionStatusError indicates a step failed and the execution halted.
	ExecutionStatusError ExecutionStatus = "error"

	// ExecutionStatusCancelled indicates the execution was cancelled by a user.
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal returns true if no further transitions are allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusDone || s == ExecutionStatusError || s == ExecutionStatusCancelled
}

// IsActive returns true if the execution is pending or running.
func (s ExecutionStatus) IsActive() bool {
	return s == ExecutionStatusPending || s == ExecutionStatusRunning
}

// CanCancel returns true if Cancel is permitted from this status.
func (s ExecutionStatus) CanCancel() bool {
	return s.IsActive()
}

// CanRetry returns true if Retry is permitted from this status.
func (s ExecutionStatus) CanRetry() bool {
	return s == ExecutionStatusError || s == ExecutionStatusCancelled
}

// Validate checks if the execution status is valid.
func (s ExecutionStatus) Validate() error {
	switch s {
	case ExecutionStatusPending, ExecutionStatusRunning, ExecutionStatusDone,
		ExecutionStatusError, ExecutionStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid execution status: %s", s)
	}
}

// StepStatus is the status of one StepResult.
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusDone    StepStatus = "done"
	StepStatusError   StepStatus = "error"
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal returns true for done, error and skipped.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusDone || s == StepStatusError || s == StepStatusSkipped
}

// rank orders step statuses so that writes can be kept monotonic.
func (s StepStatus) rank() int {
	switch s {
	case StepStatusPending:
		return 0
	case StepStatusRunning:
		return 1
	case StepStatusDone, StepStatusError, StepStatusSkipped:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether a result in status s may be overwritten by next.
func (s StepStatus) CanTransitionTo(next StepStatus) bool {
	if s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	if s.rank() < 0 {
		return fmt.Errorf("invalid step status: %s", s)
	}
	return nil
}

// RecipeStatus controls whether new executions of a recipe may be created.
type RecipeStatus string

const (
	RecipeStatusActive   RecipeStatus = "active"
	RecipeStatusInactive RecipeStatus = "inactive"
)

// Validate checks if the recipe status is valid.
func (s RecipeStatus) Validate() error {
	switch s {
	case RecipeStatusActive, RecipeStatusInactive:
		return nil
	default:
		return fmt.Errorf("invalid recipe status: %s", s)
	}
}

// StepType selects the provider adapter that runs a step.
type StepType string

const (
	StepTypeSTT     StepType = "stt"
	StepTypeLLM     StepType = "llm"
	StepTypeTTS     StepType = "tts"
	StepTypeImage   StepType = "image"
	StepTypeVideo   StepType = "video"
	StepTypeSFX     StepType = "sfx"
	StepTypePublish StepType = "publish"
)

// KnownStepTypes lists every step type an adapter table may serve.
var KnownStepTypes = []StepType{
	StepTypeSTT, StepTypeLLM, StepTypeTTS, StepTypeImage,
	StepTypeVideo, StepTypeSFX, StepTypePublish,
}

// Validate checks if the step type is one of the known types.
func (t StepType) Validate() error {
	for _, known := range KnownStepTypes {
		if t == known {
			return nil
		}
	}
	return fmt.Errorf("unknown step type: %s", t)
}

// InputKind is the shape of input a recipe accepts.
type InputKind string

const (
	InputKindText  InputKind = "text"
	InputKindAudio InputKind = "audio"
)

// Validate checks if the input kind is valid.
func (k InputKind) Validate() error {
	switch k {
	case InputKindText, InputKindAudio:
		return nil
	default:
		return fmt.Errorf("invalid input kind: %s", k)
	}
}
