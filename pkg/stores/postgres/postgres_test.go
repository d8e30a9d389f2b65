package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/castwork/castwork/pkg/stores"
	"github.com/castwork/castwork/pkg/stores/storetest"
)

// setupTestDB starts a PostgreSQL container and returns a migrated Store.
// Tests are skipped under -short or when no container runtime is available.
func setupTestDB(t *testing.T) *Store {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping PostgreSQL integration tests in short mode")
	}
	if os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("SKIP_INTEGRATION=true, skipping PostgreSQL integration tests")
	}

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("castwork_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("skipping: could not start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	store, err := New(ctx, Config{
		DSN:            connStr,
		MaxConns:       5,
		MinConns:       1,
		MigrateOnStart: true,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestPostgresStore(t *testing.T) {
	store := setupTestDB(t)

	storetest.Run(t, func(t *testing.T) stores.Store {
		_, err := store.pool.Exec(context.Background(),
			"TRUNCATE step_results, recipe_executions, recipe_steps, recipes CASCADE")
		if err != nil {
			t.Fatalf("failed to truncate tables: %v", err)
		}
		return store
	})
}

func TestPostgresMigrateIsIdempotent(t *testing.T) {
	store := setupTestDB(t)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("expected second migrate to be a no-op, got %v", err)
	}
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
}

func TestMigrateURL(t *testing.T) {
	tests := []struct {
		dsn     string
		want    string
		wantErr bool
	}{
		{dsn: "postgres://u:p@db:5432/castwork?sslmode=disable", want: "pgx5://u:p@db:5432/castwork?sslmode=disable"},
		{dsn: "postgresql://db/castwork", want: "pgx5://db/castwork"},
		{dsn: "pgx5://db/castwork", want: "pgx5://db/castwork"},
		{dsn: "host=db dbname=castwork", wantErr: true},
	}

	for _, tt := range tests {
		got, err := migrateURL(tt.dsn)
		if tt.wantErr {
			if err == nil {
				t.Errorf("expected error for %q", tt.dsn)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tt.dsn, err)
		}
		if got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}
