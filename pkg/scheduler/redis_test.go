package scheduler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client. Tests are skipped under
// -short or when no container runtime is available.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Redis integration tests in short mode")
	}
	if os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("SKIP_INTEGRATION=true, skipping Redis integration tests")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("skipping: could not start Redis container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	addr, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisQueueDelivers(t *testing.T) {
	client := setupRedis(t)
	queue := NewRedisQueueWithClient(client, RedisConfig{Queue: "test:deliver", PollTimeout: 100 * time.Millisecond}, nil)

	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := queue.Schedule(ctx, id); err != nil {
			t.Fatalf("Schedule %s failed: %v", id, err)
		}
	}
	if n, err := queue.Len(ctx); err != nil || n != 2 {
		t.Fatalf("Expected 2 queued executions, got %d (%v)", n, err)
	}

	runner := newFakeRunner()
	worker := NewRedisWorker(queue, runner, "w1", testPoolConfig(), nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- worker.Run(runCtx) }()

	waitFor(t, runner, "a", "b")
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Acknowledged executions leave the processing list.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := client.LLen(ctx, queue.processingKey("w1")).Result(); n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Expected processing list to be empty")
}

func TestRedisWorkerRequeuesUnfinished(t *testing.T) {
	client := setupRedis(t)
	queue := NewRedisQueueWithClient(client, RedisConfig{Queue: "test:requeue", PollTimeout: 100 * time.Millisecond}, nil)
	ctx := context.Background()

	// A previous run of w2 died holding this execution.
	if err := client.LPush(ctx, queue.processingKey("w2"), "orphan").Err(); err != nil {
		t.Fatalf("Failed to seed processing list: %v", err)
	}

	runner := newFakeRunner()
	worker := NewRedisWorker(queue, runner, "w2", testPoolConfig(), nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = worker.Run(runCtx) }()

	waitFor(t, runner, "orphan")
	if runner.count("orphan") != 1 {
		t.Errorf("Expected orphan to run once, got %d", runner.count("orphan"))
	}
}
