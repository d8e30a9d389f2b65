package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/castwork/castwork/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db              *sql.DB
	path            string
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
	now             func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance. Call Init before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// An in-memory database lives and dies with its connection.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path:            cfg.Path,
		maxOpenConns:    cfg.MaxOpenConns,
		maxIdleConns:    cfg.MaxIdleConns,
		connMaxLifetime: cfg.ConnMaxLifetime,
		now:             time.Now,
	}, nil
}

// newSQLiteStoreWithDB wraps an already open database.
func newSQLiteStoreWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, path: "external", now: time.Now}
}

// Init opens the database connection and enables WAL mode and foreign keys.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.maxOpenConns)
	db.SetMaxIdleConns(s.maxIdleConns)
	db.SetConnMaxLifetime(s.connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is alive
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// sqlExecutor is satisfied by *sql.DB and *sql.Tx.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// Recipe operations

const recipeColumns = `id, slug, name, input_kind, allowed_input_modes, default_language, status, version, created_at, updated_at`

// FindRecipeWithSteps loads a recipe and its ordered steps.
func (s *SQLiteStore) FindRecipeWithSteps(ctx context.Context, recipeID string) (*engine.Recipe, error) {
	return s.findRecipe(ctx, s.db, "id", recipeID)
}

// GetRecipeBySlug loads a recipe and its ordered steps by slug.
func (s *SQLiteStore) GetRecipeBySlug(ctx context.Context, slug string) (*engine.Recipe, error) {
	return s.findRecipe(ctx, s.db, "slug", slug)
}

func (s *SQLiteStore) findRecipe(ctx context.Context, q sqlExecutor, column, value string) (*engine.Recipe, error) {
	query := "SELECT " + recipeColumns + " FROM recipes WHERE " + column + " = ?"
	recipe, err := scanRecipe(q.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("recipe", value)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recipe: %w", err)
	}

	steps, err := loadSteps(ctx, q, recipe.ID)
	if err != nil {
		return nil, err
	}
	recipe.Steps = steps
	return recipe, nil
}

// ListRecipes returns every recipe with its steps, ordered by slug.
func (s *SQLiteStore) ListRecipes(ctx context.Context) ([]engine.Recipe, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+recipeColumns+" FROM recipes ORDER BY slug")
	if err != nil {
		return nil, fmt.Errorf("failed to list recipes: %w", err)
	}

	var recipes []engine.Recipe
	for rows.Next() {
		recipe, err := scanRecipe(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan recipe: %w", err)
		}
		recipes = append(recipes, *recipe)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("failed to iterate recipes: %w", err)
	}
	_ = rows.Close()

	// Steps are loaded after the cursor is closed so a single connection suffices.
	for i := range recipes {
		steps, err := loadSteps(ctx, s.db, recipes[i].ID)
		if err != nil {
			return nil, err
		}
		recipes[i].Steps = steps
	}
	return recipes, nil
}

// SaveRecipe inserts or updates a recipe by slug in one transaction.
func (s *SQLiteStore) SaveRecipe(ctx context.Context, recipe *engine.Recipe) (*SaveResult, error) {
	if err := recipe.Validate(); err != nil {
		return nil, engine.NewValidationError("invalid recipe", err)
	}

	modes, err := json.Marshal(nonNilStrings(recipe.AllowedInputModes))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input modes: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := toMillis(s.now())
	result := &SaveResult{}

	existing, err := s.findRecipe(ctx, tx, "slug", recipe.Slug)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		result.RecipeID = recipe.ID
		if result.RecipeID == "" {
			result.RecipeID = uuid.NewString()
		}
		result.Version = 1
		result.Created = true
		result.StepsChanged = true

		_, err = tx.ExecContext(ctx, `
			INSERT INTO recipes (`+recipeColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, result.RecipeID, recipe.Slug, recipe.Name, string(recipe.InputKind), string(modes),
			recipe.DefaultLanguage, string(recipe.Status), result.Version, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, engine.NewConflictUpdateError("recipe id already in use", result.RecipeID)
			}
			return nil, fmt.Errorf("failed to insert recipe: %w", err)
		}
		if err := insertSteps(ctx, tx, result.RecipeID, recipe.Steps); err != nil {
			return nil, err
		}

	case err != nil:
		return nil, err

	default:
		result.RecipeID = existing.ID
		result.Version = existing.Version
		if !StepsEqual(existing.Steps, recipe.Steps) {
			result.StepsChanged = true
			result.Version++
			if _, err := tx.ExecContext(ctx, "DELETE FROM recipe_steps WHERE recipe_id = ?", existing.ID); err != nil {
				return nil, fmt.Errorf("failed to delete recipe steps: %w", err)
			}
			if err := insertSteps(ctx, tx, existing.ID, recipe.Steps); err != nil {
				return nil, err
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE recipes
			SET name = ?, input_kind = ?, allowed_input_modes = ?, default_language = ?,
			    status = ?, version = ?, updated_at = ?
			WHERE id = ?
		`, recipe.Name, string(recipe.InputKind), string(modes), recipe.DefaultLanguage,
			string(recipe.Status), result.Version, now, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to update recipe: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit recipe: %w", err)
	}

	recipe.ID = result.RecipeID
	recipe.Version = result.Version
	return result, nil
}

// SetRecipeStatus activates or deactivates a recipe.
func (s *SQLiteStore) SetRecipeStatus(ctx context.Context, id string, status engine.RecipeStatus) error {
	if err := status.Validate(); err != nil {
		return engine.NewValidationError("invalid recipe status", err)
	}
	res, err := s.db.ExecContext(ctx, "UPDATE recipes SET status = ?, updated_at = ? WHERE id = ?",
		string(status), toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update recipe status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.NewNotFoundError("recipe", id)
	}
	return nil
}

func insertSteps(ctx context.Context, q sqlExecutor, recipeID string, steps []engine.Step) error {
	for _, step := range steps {
		config, ok := configJSON(step.Config)
		if !ok {
			return fmt.Errorf("failed to marshal config of step %d", step.StepIndex)
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO recipe_steps (recipe_id, step_index, name, type, config)
			VALUES (?, ?, ?, ?, ?)
		`, recipeID, step.StepIndex, step.Name, string(step.Type), config)
		if err != nil {
			return fmt.Errorf("failed to insert step %d: %w", step.StepIndex, err)
		}
	}
	return nil
}

func loadSteps(ctx context.Context, q sqlExecutor, recipeID string) ([]engine.Step, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT step_index, name, type, config
		FROM recipe_steps
		WHERE recipe_id = ?
		ORDER BY step_index
	`, recipeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load recipe steps: %w", err)
	}
	defer rows.Close()

	var steps []engine.Step
	for rows.Next() {
		var (
			step   engine.Step
			typ    string
			config string
		)
		if err := rows.Scan(&step.StepIndex, &step.Name, &typ, &config); err != nil {
			return nil, fmt.Errorf("failed to scan recipe step: %w", err)
		}
		step.Type = engine.StepType(typ)
		if step.Config, err = decodeConfig([]byte(config)); err != nil {
			return nil, fmt.Errorf("failed to decode config of step %d: %w", step.StepIndex, err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func scanRecipe(row rowScanner) (*engine.Recipe, error) {
	var (
		recipe               engine.Recipe
		inputKind, status    string
		modes                string
		createdAt, updatedAt int64
	)
	err := row.Scan(&recipe.ID, &recipe.Slug, &recipe.Name, &inputKind, &modes,
		&recipe.DefaultLanguage, &status, &recipe.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	recipe.InputKind = engine.InputKind(inputKind)
	recipe.Status = engine.RecipeStatus(status)
	recipe.CreatedAt = fromMillis(createdAt)
	recipe.UpdatedAt = fromMillis(updatedAt)
	if modes != "" {
		if err := json.Unmarshal([]byte(modes), &recipe.AllowedInputModes); err != nil {
			return nil, fmt.Errorf("failed to decode input modes: %w", err)
		}
	}
	return &recipe, nil
}

// Execution operations

const executionColumns = `id, recipe_id, user_id, status, progress, current_step, total_steps,
	started_at, finished_at, error_message, total_cost_cents, input_data, recipe_version,
	snapshot, confidence_score, warning_flag, preview_url, retry_of, idempotency_key,
	created_at, updated_at`

// CreateExecution inserts a new execution row.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *engine.RecipeExecution) error {
	input, err := json.Marshal(exec.InputData)
	if err != nil {
		return fmt.Errorf("failed to marshal input data: %w", err)
	}
	snapshot, err := json.Marshal(exec.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	now := s.now()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	if exec.UpdatedAt.IsZero() {
		exec.UpdatedAt = exec.CreatedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recipe_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		exec.ID, exec.RecipeID, exec.UserID, string(exec.Status), exec.Progress, exec.CurrentStep,
		exec.TotalSteps, nullMillis(exec.StartedAt), nullMillis(exec.FinishedAt), exec.ErrorMessage,
		exec.TotalCostCents, string(input), exec.RecipeVersion, string(snapshot),
		nullFloat(exec.ConfidenceScore), exec.WarningFlag, exec.PreviewURL,
		nullString(exec.RetryOf), nullString(exec.IdempotencyKey),
		toMillis(exec.CreatedAt), toMillis(exec.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.NewConflictUpdateError("execution already exists", exec.ID)
		}
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// GetExecution loads an execution, including its snapshot.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*engine.RecipeExecution, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM recipe_executions WHERE id = ?", id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return exec, nil
}

// FindActiveExecutionByKey returns the pending or running execution with the key.
func (s *SQLiteStore) FindActiveExecutionByKey(ctx context.Context, key string) (*engine.RecipeExecution, error) {
	if key == "" {
		return nil, engine.NewNotFoundError("execution", key)
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM recipe_executions
		WHERE idempotency_key = ? AND status IN ('pending', 'running')
		ORDER BY created_at DESC
		LIMIT 1
	`, key)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("execution", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find execution by key: %w", err)
	}
	return exec, nil
}

// TransitionExecutionStatus moves an execution to change.To if its status is one of
// change.From.
func (s *SQLiteStore) TransitionExecutionStatus(ctx context.Context, id string, change engine.StatusChange) error {
	if len(change.From) == 0 {
		return fmt.Errorf("status change of execution %s has no source status", id)
	}
	at := change.At
	if at.IsZero() {
		at = s.now()
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{string(change.To), toMillis(at)}
	if change.To == engine.ExecutionStatusRunning {
		sets = append(sets, "started_at = ?")
		args = append(args, toMillis(at))
	}
	if change.To.IsTerminal() {
		sets = append(sets, "finished_at = ?")
		args = append(args, toMillis(at))
	}
	if change.To == engine.ExecutionStatusError {
		sets = append(sets, "error_message = ?")
		args = append(args, change.ErrorMessage)
	}

	query := "UPDATE recipe_executions SET " + strings.Join(sets, ", ") +
		" WHERE id = ? AND status IN (" + placeholders(len(change.From)) + ")"
	args = append(args, id)
	for _, from := range change.From {
		args = append(args, string(from))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// UpdateExecutionProgress advances current_step and progress of a running execution.
func (s *SQLiteStore) UpdateExecutionProgress(ctx context.Context, id string, currentStep, progress int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recipe_executions
		SET current_step = ?, progress = MAX(progress, ?), updated_at = ?
		WHERE id = ? AND status = 'running'
	`, currentStep, progress, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update execution progress: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// FinalizeExecution moves a running execution to done with its aggregates.
func (s *SQLiteStore) FinalizeExecution(ctx context.Context, id string, fin engine.Finalization) error {
	finished := fin.FinishedAt
	if finished.IsZero() {
		finished = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE recipe_executions
		SET status = 'done', progress = 100, current_step = total_steps, finished_at = ?,
		    total_cost_cents = ?, confidence_score = ?, warning_flag = ?, preview_url = ?,
		    updated_at = ?
		WHERE id = ? AND status = 'running'
	`, toMillis(finished), fin.TotalCostCents, nullFloat(fin.ConfidenceScore), fin.WarningFlag,
		fin.PreviewURL, toMillis(finished), id)
	if err != nil {
		return fmt.Errorf("failed to finalize execution: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// checkAffected turns a conditional update that matched no row into ErrNotFound or
// ErrConflict.
func (s *SQLiteStore) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, "SELECT status FROM recipe_executions WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.NewNotFoundError("execution", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read execution status: %w", err)
	}
	return engine.NewConflictUpdateError("execution is "+status, id)
}

// ListExecutions returns executions matching filter, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]engine.RecipeExecution, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.RecipeID != "" {
		where = append(where, "recipe_id = ?")
		args = append(args, filter.RecipeID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := "SELECT " + executionColumns + " FROM recipe_executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, filter.EffectiveLimit())

	return s.queryExecutions(ctx, query, args...)
}

// ListStaleExecutions returns executions in one of statuses not updated since before.
func (s *SQLiteStore) ListStaleExecutions(ctx context.Context, statuses []engine.ExecutionStatus, before time.Time, limit int) ([]engine.RecipeExecution, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	args := make([]interface{}, 0, len(statuses)+2)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, toMillis(before), limit)

	query := "SELECT " + executionColumns + " FROM recipe_executions WHERE status IN (" +
		placeholders(len(statuses)) + ") AND updated_at < ? ORDER BY updated_at ASC LIMIT ?"
	return s.queryExecutions(ctx, query, args...)
}

func (s *SQLiteStore) queryExecutions(ctx context.Context, query string, args ...interface{}) ([]engine.RecipeExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var execs []engine.RecipeExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, *exec)
	}
	return execs, rows.Err()
}

// DeleteExecution removes an execution and its step results.
func (s *SQLiteStore) DeleteExecution(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM recipe_executions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.NewNotFoundError("execution", id)
	}
	return nil
}

func scanExecution(row rowScanner) (*engine.RecipeExecution, error) {
	var (
		exec                  engine.RecipeExecution
		status                string
		startedAt, finishedAt sql.NullInt64
		input, snapshot       string
		confidence            sql.NullFloat64
		warning               int64
		retryOf, key          sql.NullString
		createdAt, updatedAt  int64
	)
	err := row.Scan(
		&exec.ID, &exec.RecipeID, &exec.UserID, &status, &exec.Progress, &exec.CurrentStep,
		&exec.TotalSteps, &startedAt, &finishedAt, &exec.ErrorMessage, &exec.TotalCostCents,
		&input, &exec.RecipeVersion, &snapshot, &confidence, &warning, &exec.PreviewURL,
		&retryOf, &key, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.Status = engine.ExecutionStatus(status)
	exec.StartedAt = timePtr(startedAt)
	exec.FinishedAt = timePtr(finishedAt)
	exec.WarningFlag = warning != 0
	exec.RetryOf = retryOf.String
	exec.IdempotencyKey = key.String
	exec.CreatedAt = fromMillis(createdAt)
	exec.UpdatedAt = fromMillis(updatedAt)
	if confidence.Valid {
		score := confidence.Float64
		exec.ConfidenceScore = &score
	}
	if err := json.Unmarshal([]byte(input), &exec.InputData); err != nil {
		return nil, fmt.Errorf("failed to decode input of execution %s: %w", exec.ID, err)
	}
	if err := json.Unmarshal([]byte(snapshot), &exec.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot of execution %s: %w", exec.ID, err)
	}
	return &exec, nil
}

// Step result operations

const stepResultColumns = `execution_id, step_index, step_name, step_type, status,
	input_preview, output_preview, output_full, input_hash, output_hash, provider_response_id,
	usage_unit, usage_quantity, cost_cents, latency_ms, started_at, finished_at,
	error_message, error_kind`

// UpsertStepResult writes the single result row for (execution, step index). A row
// that is already terminal, or a write that would move the status backwards, is
// rejected with ErrConflict.
func (s *SQLiteStore) UpsertStepResult(ctx context.Context, result *engine.StepResult) error {
	output, err := marshalOutput(result.OutputFull)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO step_results (`+stepResultColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, step_index) DO UPDATE SET
			step_name = excluded.step_name,
			step_type = excluded.step_type,
			status = excluded.status,
			input_preview = excluded.input_preview,
			output_preview = excluded.output_preview,
			output_full = excluded.output_full,
			input_hash = excluded.input_hash,
			output_hash = excluded.output_hash,
			provider_response_id = excluded.provider_response_id,
			usage_unit = excluded.usage_unit,
			usage_quantity = excluded.usage_quantity,
			cost_cents = excluded.cost_cents,
			latency_ms = excluded.latency_ms,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			error_message = excluded.error_message,
			error_kind = excluded.error_kind
		WHERE step_results.status = 'pending'
		   OR (step_results.status = 'running' AND excluded.status IN ('done', 'error', 'skipped'))
	`,
		result.ExecutionID, result.StepIndex, result.StepName, string(result.StepType), string(result.Status),
		result.InputPreview, result.OutputPreview, output, result.InputHash, result.OutputHash,
		result.ProviderResponseID, string(result.Usage.Unit), result.Usage.Quantity, result.CostCents,
		result.LatencyMs, nullMillis(result.StartedAt), nullMillis(result.FinishedAt),
		result.ErrorMessage, string(result.ErrorKind),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert step result: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return engine.NewConflictUpdateError(
			fmt.Sprintf("result of step %d cannot move to %s", result.StepIndex, result.Status),
			result.ExecutionID)
	}
	return nil
}

// ListStepResults returns the results of an execution ordered by step index.
func (s *SQLiteStore) ListStepResults(ctx context.Context, executionID string) ([]engine.StepResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepResultColumns+`
		FROM step_results
		WHERE execution_id = ?
		ORDER BY step_index
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step results: %w", err)
	}
	defer rows.Close()

	var results []engine.StepResult
	for rows.Next() {
		var (
			r                     engine.StepResult
			stepType, status      string
			output                sql.NullString
			unit, kind            string
			startedAt, finishedAt sql.NullInt64
		)
		err := rows.Scan(
			&r.ExecutionID, &r.StepIndex, &r.StepName, &stepType, &status,
			&r.InputPreview, &r.OutputPreview, &output, &r.InputHash, &r.OutputHash,
			&r.ProviderResponseID, &unit, &r.Usage.Quantity, &r.CostCents, &r.LatencyMs,
			&startedAt, &finishedAt, &r.ErrorMessage, &kind,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		r.StepType = engine.StepType(stepType)
		r.Status = engine.StepStatus(status)
		r.Usage.Unit = engine.UsageUnit(unit)
		r.ErrorKind = engine.StepErrorKind(kind)
		r.StartedAt = timePtr(startedAt)
		r.FinishedAt = timePtr(finishedAt)
		if output.Valid {
			if err := json.Unmarshal([]byte(output.String), &r.OutputFull); err != nil {
				return nil, fmt.Errorf("failed to decode output of step %d: %w", r.StepIndex, err)
			}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Helpers

func marshalOutput(output map[string]interface{}) (sql.NullString, error) {
	if output == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(output)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal step output: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlitelib.SQLITE_CONSTRAINT_UNIQUE, sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlitelib.SQLITE_CONSTRAINT:
		return strings.Contains(sqliteErr.Error(), "UNIQUE")
	default:
		return false
	}
}
