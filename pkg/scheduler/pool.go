package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/castwork/castwork/pkg/engine"
	"github.com/castwork/castwork/pkg/telemetry"
)

var (
	// ErrQueueFull is returned by Schedule when the pool's queue has no free slot.
	ErrQueueFull = errors.New("scheduler queue is full")

	// ErrStopped is returned by Schedule after Stop.
	ErrStopped = errors.New("scheduler is stopped")
)

// PoolConfig configures an async pool.
type PoolConfig struct {
	// Workers is the number of executions run concurrently.
	Workers int `yaml:"workers" validate:"gte=0"`

	// QueueSize bounds the executions waiting for a worker.
	QueueSize int `yaml:"queue_size" validate:"gte=0"`

	// MaxAttempts bounds StartExecution calls per delivery. Executions that still fail
	// stay pending and are picked up by the sweeper.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=0"`

	// BaseBackoff is the delay before the first retry.
	BaseBackoff time.Duration `yaml:"base_backoff"`

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// DefaultPoolConfig returns the pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:     4,
		QueueSize:   256,
		MaxAttempts: 5,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
	}
}

func (c *PoolConfig) applyDefaults() {
	d := DefaultPoolConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
}

// Pool runs executions on a fixed set of goroutines in the current process.
type Pool struct {
	runner engine.Runner
	config PoolConfig
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	queue chan string
	wg    sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool

	// ctx is handed to StartExecution; it outlives the request that scheduled the work.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool creates an async pool. Call Start before scheduling.
func NewPool(runner engine.Runner, config PoolConfig, tel *telemetry.Telemetry) *Pool {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	config.applyDefaults()
	return &Pool{
		runner: runner,
		config: config,
		tel:    tel,
		logger: *tel.Logger.NewComponentLogger("scheduler").Zerolog(),
		queue:  make(chan string, config.QueueSize),
	}
}

// Start launches the workers. Executions run under a context derived from ctx.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info().
		Int("workers", p.config.Workers).
		Int("queue_size", p.config.QueueSize).
		Msg("Async scheduler started")
}

// Schedule implements engine.TaskScheduler. It never blocks: when the queue is full the
// execution is left pending for the sweeper.
func (p *Pool) Schedule(ctx context.Context, executionID string) error {
	err := p.enqueue(ctx, executionID)
	p.tel.Metrics.RecordScheduled(string(ModeAsync), err)
	return err
}

func (p *Pool) enqueue(ctx context.Context, executionID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case p.queue <- executionID:
		return nil
	default:
		return fmt.Errorf("%w: execution %s", ErrQueueFull, executionID)
	}
}

// Stop stops accepting work and waits for queued executions to finish. When ctx ends
// first the running executions are cancelled; the engine leaves them resumable.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info().Msg("Async scheduler drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("scheduler stopped before draining: %w", ctx.Err())
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	log := p.logger.With().Int("worker", id).Logger()

	for executionID := range p.queue {
		if p.ctx.Err() != nil {
			log.Debug().Str("execution_id", executionID).Msg("Dropping execution after shutdown")
			continue
		}
		_ = deliver(p.ctx, p.runner, executionID, p.config, log)
	}
}

// deliver calls StartExecution, retrying failures that may clear up on their own.
func deliver(ctx context.Context, runner engine.Runner, executionID string, config PoolConfig, log zerolog.Logger) error {
	log = log.With().Str("execution_id", executionID).Logger()

	var err error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err = runner.StartExecution(ctx, executionID)
		if err == nil {
			return nil
		}

		if !shouldRetry(err) || attempt == config.MaxAttempts-1 {
			log.Error().Err(err).Int("attempts", attempt+1).Msg("Execution delivery failed")
			return err
		}

		backoff := calculateBackoff(attempt, err, config.BaseBackoff, config.MaxBackoff)
		log.Warn().Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Execution delivery failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// shouldRetry treats classified retryable errors and unclassified infrastructure
// failures as worth another attempt.
func shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	class := engine.ClassOf(err)
	return class == "" || engine.IsRetryable(err)
}

// calculateBackoff returns base*2^attempt, with longer bases for throttling and
// conflicts, capped at max and jittered by up to 25%.
func calculateBackoff(attempt int, err error, base, max time.Duration) time.Duration {
	switch engine.ClassOf(err) {
	case engine.ErrorClassThrottled:
		base *= 5
	case engine.ErrorClassConflict:
		base *= 2
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > max || delay <= 0 {
		delay = max
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}
