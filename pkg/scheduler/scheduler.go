// Package scheduler delivers executions to the engine. Every scheduler guarantees that
// StartExecution is eventually called at least once for each scheduled execution; the
// engine's lease makes duplicate deliveries harmless.
package scheduler

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/castwork/castwork/pkg/engine"
	"github.com/castwork/castwork/pkg/telemetry"
)

// Mode names a scheduler implementation.
type Mode string

const (
	ModeInline Mode = "inline"
	ModeAsync  Mode = "async"
	ModeRedis  Mode = "redis"
)

// Inline runs the execution on the caller's goroutine before Schedule returns.
type Inline struct {
	runner engine.Runner
	tel    *telemetry.Telemetry
	logger zerolog.Logger
}

// NewInline creates an inline scheduler.
func NewInline(runner engine.Runner, tel *telemetry.Telemetry) *Inline {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Inline{
		runner: runner,
		tel:    tel,
		logger: *tel.Logger.NewComponentLogger("scheduler").Zerolog(),
	}
}

// Schedule implements engine.TaskScheduler.
func (s *Inline) Schedule(ctx context.Context, executionID string) error {
	s.logger.Debug().Str("execution_id", executionID).Msg("Running execution inline")
	err := s.runner.StartExecution(ctx, executionID)
	s.tel.Metrics.RecordScheduled(string(ModeInline), err)
	return err
}
