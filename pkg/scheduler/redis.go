package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/castwork/castwork/pkg/engine"
	"github.com/castwork/castwork/pkg/telemetry"
)

// RedisConfig configures the Redis queue.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required_with=Queue"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`

	// PasswordFile is read into Password when Password is empty.
	PasswordFile string `yaml:"password_file"`

	// Queue is the list executions are pushed to.
	Queue string `yaml:"queue"`

	// PollTimeout bounds each blocking pop so workers notice shutdown.
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

// DefaultRedisConfig returns the Redis defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:        "localhost:6379",
		Queue:       "castwork:executions",
		PollTimeout: 2 * time.Second,
	}
}

// RedisQueue schedules executions by pushing their IDs onto a Redis list. Workers in
// any process consume the list with RedisWorker.
type RedisQueue struct {
	client      *redis.Client
	queue       string
	pollTimeout time.Duration
	tel         *telemetry.Telemetry
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, config RedisConfig, tel *telemetry.Telemetry) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}
	return NewRedisQueueWithClient(client, config, tel), nil
}

// NewRedisQueueWithClient uses an existing client.
func NewRedisQueueWithClient(client *redis.Client, config RedisConfig, tel *telemetry.Telemetry) *RedisQueue {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	d := DefaultRedisConfig()
	if config.Queue == "" {
		config.Queue = d.Queue
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = d.PollTimeout
	}
	return &RedisQueue{
		client:      client,
		queue:       config.Queue,
		pollTimeout: config.PollTimeout,
		tel:         tel,
	}
}

// Schedule implements engine.TaskScheduler.
func (q *RedisQueue) Schedule(ctx context.Context, executionID string) error {
	err := q.client.LPush(ctx, q.queue, executionID).Err()
	if err != nil {
		err = fmt.Errorf("failed to enqueue execution %s: %w", executionID, err)
	}
	q.tel.Metrics.RecordScheduled(string(ModeRedis), err)
	return err
}

// Len returns the number of executions waiting in the queue.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queue).Result()
}

// Close closes the Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) processingKey(worker string) string {
	return q.queue + ":processing:" + worker
}

// RedisWorker consumes a RedisQueue. Each popped ID is moved atomically to a
// per-worker processing list and removed once StartExecution returns, so a worker
// that dies mid-execution finds its unfinished IDs again on restart.
type RedisWorker struct {
	queue  *RedisQueue
	runner engine.Runner
	name   string
	config PoolConfig
	logger zerolog.Logger
}

// NewRedisWorker creates a worker. name identifies the processing list and must be
// stable across restarts of the same worker; it defaults to the hostname.
func NewRedisWorker(queue *RedisQueue, runner engine.Runner, name string, config PoolConfig, tel *telemetry.Telemetry) *RedisWorker {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	if name == "" {
		name, _ = os.Hostname()
		if name == "" {
			name = "worker"
		}
	}
	config.applyDefaults()
	return &RedisWorker{
		queue:  queue,
		runner: runner,
		name:   name,
		config: config,
		logger: *tel.Logger.NewComponentLogger("worker").Zerolog(),
	}
}

// Run consumes the queue with config.Workers goroutines until ctx is cancelled.
func (w *RedisWorker) Run(ctx context.Context) error {
	processing := w.queue.processingKey(w.name)

	requeued, err := w.requeue(ctx, processing)
	if err != nil {
		return err
	}
	if requeued > 0 {
		w.logger.Warn().Int("count", requeued).Msg("Requeued unfinished executions")
	}

	w.logger.Info().
		Str("queue", w.queue.queue).
		Str("worker", w.name).
		Int("concurrency", w.config.Workers).
		Msg("Worker started")

	var wg sync.WaitGroup
	for i := 0; i < w.config.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.consume(ctx, id, processing)
		}(i)
	}
	wg.Wait()

	w.logger.Info().Msg("Worker stopped")
	return nil
}

// requeue moves IDs left in the processing list back onto the queue.
func (w *RedisWorker) requeue(ctx context.Context, processing string) (int, error) {
	n := 0
	for {
		err := w.queue.client.RPopLPush(ctx, processing, w.queue.queue).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to requeue unfinished executions: %w", err)
		}
		n++
	}
}

func (w *RedisWorker) consume(ctx context.Context, id int, processing string) {
	log := w.logger.With().Int("slot", id).Logger()

	for ctx.Err() == nil {
		executionID, err := w.queue.client.BRPopLPush(ctx, w.queue.queue, processing, w.queue.pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Failed to pop execution")
			select {
			case <-time.After(w.config.BaseBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		if err := deliver(ctx, w.runner, executionID, w.config, log); err != nil && ctx.Err() != nil {
			// Left in the processing list for the next start.
			return
		}

		// The execution's own row is the source of truth from here; a lost ack only
		// causes a redelivery the lease turns away.
		if err := w.queue.client.LRem(context.Background(), processing, 1, executionID).Err(); err != nil {
			log.Warn().Err(err).Str("execution_id", executionID).Msg("Failed to acknowledge execution")
		}
	}
}
