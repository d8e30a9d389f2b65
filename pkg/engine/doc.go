// Package engine provides the recipe execution engine for castwork.
//
// # Overview
//
// A Recipe is an ordered list of steps, each backed by a hosted AI provider
// (speech-to-text, LLM, text-to-speech, image, video, sound effects) or by the
// built-in publish sink. Running a recipe for one input creates a RecipeExecution,
// which moves through a fixed lifecycle:
//
//	pending -> running -> done | error | cancelled
//
// The engine is split into three parts:
//
//   - Executor: runs exactly one step. Resolves the step input from templates,
//     evaluates the skip condition, calls the provider adapter under a timeout and
//     produces a StepResult with fingerprints and previews.
//   - Engine: owns the lifecycle of one execution. StartExecution acquires the lease,
//     runs the steps in order, records progress and halts on the first failure.
//   - Controller: job control for callers. Execute, Status, Cancel and Retry.
//
// # Lease
//
// The execution status is the lease. StartExecution moves an execution from pending
// to running with a conditional write before any provider call; a second caller sees
// a conflict and returns without side effects. Every later status write is
// conditional on running, so a result that lands after a cancel is stored on its
// StepResult but never moves the execution out of cancelled.
//
// # Templates
//
// Step inputs and prompts are templates over the execution input and earlier outputs:
//
//	{{input.text}}
//	{{steps.0.output.text}}
//	{{prev.output.url}}
//
// When a referenced step was skipped, FallbackFor decides where the value comes from.
//
// # Error Classification
//
// Job control returns *EngineError values classified for callers:
//
//   - Transient: store or network failures that may succeed on retry
//   - Throttled: provider rate limiting
//   - Conflict: a conditional write lost to another writer
//   - Permanent: validation, inactive recipes, policy denials
//
// Step failures never surface as Go errors. They are recorded on the StepResult with
// a StepErrorKind and halt the execution.
package engine
