package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/castwork/castwork/pkg/engine"
	"github.com/castwork/castwork/pkg/telemetry"
)

// SweeperConfig configures the stale-lease sweeper.
type SweeperConfig struct {
	// Schedule is a cron expression or descriptor such as "@every 1m".
	Schedule string `yaml:"schedule"`

	// StaleAfter is how long an execution may go without an update before it is
	// considered abandoned. A running execution whose current step is still inside
	// its provider timeout is left alone regardless.
	StaleAfter time.Duration `yaml:"stale_after"`

	// BatchSize bounds the executions handled per status and run.
	BatchSize int `yaml:"batch_size" validate:"gte=0"`
}

// DefaultSweeperConfig returns the sweeper defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Schedule:   "@every 1m",
		StaleAfter: 15 * time.Minute,
		BatchSize:  100,
	}
}

// SweepStore is the part of the execution store the sweeper needs.
type SweepStore interface {
	ListStaleExecutions(ctx context.Context, statuses []engine.ExecutionStatus, before time.Time, limit int) ([]engine.RecipeExecution, error)
	TransitionExecutionStatus(ctx context.Context, id string, change engine.StatusChange) error
	ListStepResults(ctx context.Context, executionID string) ([]engine.StepResult, error)
}

// StepTimeouts resolves the provider call timeout of a step. *engine.Executor
// implements it.
type StepTimeouts interface {
	StepTimeout(step engine.Step) (time.Duration, error)
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Reclaimed   int
	Rescheduled int

	// Deferred counts stale running executions left alone because their current
	// step's provider call may still be in flight.
	Deferred int
}

// Sweeper periodically hands abandoned executions back to the scheduler. A running
// execution whose worker died is moved back to pending and resumes from its current
// step; a pending execution whose delivery was lost is scheduled again.
type Sweeper struct {
	store     SweepStore
	scheduler engine.TaskScheduler
	config    SweeperConfig
	timeouts  StepTimeouts
	tel       *telemetry.Telemetry
	logger    zerolog.Logger
	now       func() time.Time

	cron *cron.Cron
}

// NewSweeper creates a sweeper. The cron schedule is parsed here.
func NewSweeper(store SweepStore, scheduler engine.TaskScheduler, config SweeperConfig, tel *telemetry.Telemetry) (*Sweeper, error) {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	d := DefaultSweeperConfig()
	if config.Schedule == "" {
		config.Schedule = d.Schedule
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = d.StaleAfter
	}
	if config.BatchSize <= 0 {
		config.BatchSize = d.BatchSize
	}

	s := &Sweeper{
		store:     store,
		scheduler: scheduler,
		config:    config,
		tel:       tel,
		logger:    *tel.Logger.NewComponentLogger("sweeper").Zerolog(),
		now:       func() time.Time { return time.Now().UTC() },
	}

	logger := cronLogger{logger: s.logger}
	s.cron = cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
	if _, err := s.cron.AddFunc(config.Schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", config.Schedule, err)
	}
	return s, nil
}

// SetStepTimeouts sets how step timeouts are resolved. Without it only a step's own
// config.timeout is honored.
func (s *Sweeper) SetStepTimeouts(t StepTimeouts) {
	s.timeouts = t
}

// Start begins sweeping on the configured schedule.
func (s *Sweeper) Start() {
	s.logger.Info().
		Str("schedule", s.config.Schedule).
		Dur("stale_after", s.config.StaleAfter).
		Msg("Sweeper started")
	s.cron.Start()
}

// Stop stops the schedule and waits for a running sweep to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	result, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Sweep failed")
		return
	}
	if result.Reclaimed > 0 || result.Rescheduled > 0 || result.Deferred > 0 {
		s.logger.Info().
			Int("reclaimed", result.Reclaimed).
			Int("rescheduled", result.Rescheduled).
			Int("deferred", result.Deferred).
			Msg("Swept stale executions")
	}
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := s.now()
	before := now.Add(-s.config.StaleAfter)

	running, err := s.store.ListStaleExecutions(ctx, []engine.ExecutionStatus{engine.ExecutionStatusRunning}, before, s.config.BatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list stale running executions: %w", err)
	}
	for i := range running {
		inFlight, err := s.stepInFlight(ctx, &running[i], now)
		if err != nil {
			return result, err
		}
		if inFlight {
			result.Deferred++
			continue
		}
		ok, err := s.reschedule(ctx, &running[i], engine.ExecutionStatusRunning, now)
		if err != nil {
			return result, err
		}
		if ok {
			result.Reclaimed++
		}
	}

	pending, err := s.store.ListStaleExecutions(ctx, []engine.ExecutionStatus{engine.ExecutionStatusPending}, before, s.config.BatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list stale pending executions: %w", err)
	}
	for i := range pending {
		// Executions reclaimed above were just touched and are not listed again.
		ok, err := s.reschedule(ctx, &pending[i], engine.ExecutionStatusPending, now)
		if err != nil {
			return result, err
		}
		if ok {
			result.Rescheduled++
		}
	}

	return result, nil
}

// stepInFlight reports whether exec's current step has a running result whose
// provider call could still finish: it started less than the step timeout plus
// StaleAfter ago.
func (s *Sweeper) stepInFlight(ctx context.Context, exec *engine.RecipeExecution, now time.Time) (bool, error) {
	var step *engine.Step
	for i := range exec.Snapshot {
		if exec.Snapshot[i].StepIndex == exec.CurrentStep {
			step = &exec.Snapshot[i]
			break
		}
	}
	if step == nil {
		return false, nil
	}

	results, err := s.store.ListStepResults(ctx, exec.ID)
	if err != nil {
		return false, fmt.Errorf("failed to load step results of %s: %w", exec.ID, err)
	}
	for _, r := range results {
		if r.StepIndex != exec.CurrentStep || r.Status != engine.StepStatusRunning || r.StartedAt == nil {
			continue
		}
		timeout := s.stepTimeout(*step)
		deadline := r.StartedAt.Add(timeout + s.config.StaleAfter)
		if now.Before(deadline) {
			s.logger.Debug().
				Str("execution_id", exec.ID).
				Int("current_step", exec.CurrentStep).
				Dur("step_timeout", timeout).
				Time("deadline", deadline).
				Msg("Step still within its timeout, not reclaiming")
			return true, nil
		}
		return false, nil
	}
	return false, nil
}

func (s *Sweeper) stepTimeout(step engine.Step) time.Duration {
	if s.timeouts != nil {
		if d, err := s.timeouts.StepTimeout(step); err == nil {
			return d
		}
		return 0
	}
	d, err := step.Config.Timeout()
	if err != nil {
		return 0
	}
	return d
}

// reschedule moves exec from its stale status to pending, refreshing updated_at so the
// next sweep leaves it alone, and schedules it. It reports false when another writer
// changed the execution first.
func (s *Sweeper) reschedule(ctx context.Context, exec *engine.RecipeExecution, from engine.ExecutionStatus, now time.Time) (bool, error) {
	log := s.logger.With().
		Str("execution_id", exec.ID).
		Str("from", string(from)).
		Time("updated_at", exec.UpdatedAt).
		Logger()

	err := s.store.TransitionExecutionStatus(ctx, exec.ID, engine.StatusChange{
		From: []engine.ExecutionStatus{from},
		To:   engine.ExecutionStatusPending,
		At:   now,
	})
	if err != nil {
		if errors.Is(err, engine.ErrConflict) || errors.Is(err, engine.ErrNotFound) {
			log.Debug().Err(err).Msg("Execution changed before it was swept")
			return false, nil
		}
		return false, fmt.Errorf("failed to reclaim execution %s: %w", exec.ID, err)
	}

	if from == engine.ExecutionStatusRunning {
		log.Warn().Int("current_step", exec.CurrentStep).Msg("Reclaimed abandoned execution")
	}
	s.tel.Metrics.RecordSwept(string(from))

	if err := s.scheduler.Schedule(ctx, exec.ID); err != nil {
		// Still pending; the next sweep tries again.
		log.Error().Err(err).Msg("Failed to reschedule execution")
	}
	return true, nil
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
