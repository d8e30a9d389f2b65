// Package postgres provides a PostgreSQL implementation of stores.Store.
// It uses pgx/v5 for connection pooling and JSONB for inputs, snapshots and outputs.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/castwork/castwork/pkg/engine"
	"github.com/castwork/castwork/pkg/stores"
)

// Store is a PostgreSQL-backed stores.Store.
type Store struct {
	pool *pgxpool.Pool
	dsn  string
	now  func() time.Time
}

// Ensure Store implements stores.Store at compile time.
var _ stores.Store = (*Store)(nil)

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied before returning.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{pool: pool, dsn: cfg.DSN, now: time.Now}

	if cfg.MigrateOnStart {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Recipes

const recipeColumns = `id, slug, name, input_kind, allowed_input_modes, default_language, status, version, created_at, updated_at`

// FindRecipeWithSteps loads a recipe and its ordered steps.
func (s *Store) FindRecipeWithSteps(ctx context.Context, recipeID string) (*engine.Recipe, error) {
	return findRecipe(ctx, s.pool, "id", recipeID)
}

// GetRecipeBySlug loads a recipe and its ordered steps by slug.
func (s *Store) GetRecipeBySlug(ctx context.Context, slug string) (*engine.Recipe, error) {
	return findRecipe(ctx, s.pool, "slug", slug)
}

func findRecipe(ctx context.Context, q querier, column, value string) (*engine.Recipe, error) {
	recipe, err := scanRecipe(q.QueryRow(ctx, "SELECT "+recipeColumns+" FROM recipes WHERE "+column+" = $1", value))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engine.NewNotFoundError("recipe", value)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recipe: %w", err)
	}
	if recipe.Steps, err = loadSteps(ctx, q, recipe.ID); err != nil {
		return nil, err
	}
	return recipe, nil
}

// ListRecipes returns every recipe with its steps, ordered by slug.
func (s *Store) ListRecipes(ctx context.Context) ([]engine.Recipe, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+recipeColumns+" FROM recipes ORDER BY slug")
	if err != nil {
		return nil, fmt.Errorf("failed to list recipes: %w", err)
	}

	var recipes []engine.Recipe
	for rows.Next() {
		recipe, err := scanRecipe(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan recipe: %w", err)
		}
		recipes = append(recipes, *recipe)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate recipes: %w", err)
	}

	for i := range recipes {
		if recipes[i].Steps, err = loadSteps(ctx, s.pool, recipes[i].ID); err != nil {
			return nil, err
		}
	}
	return recipes, nil
}

// SaveRecipe inserts or updates a recipe by slug in one transaction.
func (s *Store) SaveRecipe(ctx context.Context, recipe *engine.Recipe) (*stores.SaveResult, error) {
	if err := recipe.Validate(); err != nil {
		return nil, engine.NewValidationError("invalid recipe", err)
	}

	modes := recipe.AllowedInputModes
	if modes == nil {
		modes = []string{}
	}
	modesJSON, err := json.Marshal(modes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input modes: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.now()
	result := &stores.SaveResult{}

	existing, err := findRecipe(ctx, tx, "slug", recipe.Slug)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		result.RecipeID = recipe.ID
		if result.RecipeID == "" {
			result.RecipeID = uuid.NewString()
		}
		result.Version = 1
		result.Created = true
		result.StepsChanged = true

		_, err = tx.Exec(ctx, `
			INSERT INTO recipes (`+recipeColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, result.RecipeID, recipe.Slug, recipe.Name, string(recipe.InputKind), modesJSON,
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
		if !stores.StepsEqual(existing.Steps, recipe.Steps) {
			result.StepsChanged = true
			result.Version++
			if _, err := tx.Exec(ctx, "DELETE FROM recipe_steps WHERE recipe_id = $1", existing.ID); err != nil {
				return nil, fmt.Errorf("failed to delete recipe steps: %w", err)
			}
			if err := insertSteps(ctx, tx, existing.ID, recipe.Steps); err != nil {
				return nil, err
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE recipes
			SET name = $1, input_kind = $2, allowed_input_modes = $3, default_language = $4,
			    status = $5, version = $6, updated_at = $7
			WHERE id = $8
		`, recipe.Name, string(recipe.InputKind), modesJSON, recipe.DefaultLanguage,
			string(recipe.Status), result.Version, now, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to update recipe: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit recipe: %w", err)
	}

	recipe.ID = result.RecipeID
	recipe.Version = result.Version
	return result, nil
}

// SetRecipeStatus activates or deactivates a recipe.
func (s *Store) SetRecipeStatus(ctx context.Context, id string, status engine.RecipeStatus) error {
	if err := status.Validate(); err != nil {
		return engine.NewValidationError("invalid recipe status", err)
	}
	tag, err := s.pool.Exec(ctx, "UPDATE recipes SET status = $1, updated_at = $2 WHERE id = $3",
		string(status), s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to update recipe status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engine.NewNotFoundError("recipe", id)
	}
	return nil
}

func insertSteps(ctx context.Context, q querier, recipeID string, steps []engine.Step) error {
	for _, step := range steps {
		config, err := stores.EncodeStepConfig(step.Config)
		if err != nil {
			return fmt.Errorf("failed to marshal config of step %d: %w", step.StepIndex, err)
		}
		_, err = q.Exec(ctx, `
			INSERT INTO recipe_steps (recipe_id, step_index, name, type, config)
			VALUES ($1, $2, $3, $4, $5)
		`, recipeID, step.StepIndex, step.Name, string(step.Type), config)
		if err != nil {
			return fmt.Errorf("failed to insert step %d: %w", step.StepIndex, err)
		}
	}
	return nil
}

func loadSteps(ctx context.Context, q querier, recipeID string) ([]engine.Step, error) {
	rows, err := q.Query(ctx, `
		SELECT step_index, name, type, config
		FROM recipe_steps
		WHERE recipe_id = $1
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
			config []byte
		)
		if err := rows.Scan(&step.StepIndex, &step.Name, &typ, &config); err != nil {
			return nil, fmt.Errorf("failed to scan recipe step: %w", err)
		}
		step.Type = engine.StepType(typ)
		if step.Config, err = stores.DecodeStepConfig(config); err != nil {
			return nil, fmt.Errorf("failed to decode config of step %d: %w", step.StepIndex, err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func scanRecipe(row pgx.Row) (*engine.Recipe, error) {
	var (
		recipe            engine.Recipe
		inputKind, status string
		modes             []byte
	)
	err := row.Scan(&recipe.ID, &recipe.Slug, &recipe.Name, &inputKind, &modes,
		&recipe.DefaultLanguage, &status, &recipe.Version, &recipe.CreatedAt, &recipe.UpdatedAt)
	if err != nil {
		return nil, err
	}
	recipe.InputKind = engine.InputKind(inputKind)
	recipe.Status = engine.RecipeStatus(status)
	if len(modes) > 0 {
		if err := json.Unmarshal(modes, &recipe.AllowedInputModes); err != nil {
			return nil, fmt.Errorf("failed to decode input modes: %w", err)
		}
	}
	return &recipe, nil
}

// Executions

const executionColumns = `id, recipe_id, user_id, status, progress, current_step, total_steps,
	started_at, finished_at, error_message, total_cost_cents, input_data, recipe_version,
	snapshot, confidence_score, warning_flag, preview_url, retry_of, idempotency_key,
	created_at, updated_at`

// CreateExecution inserts a new execution row.
func (s *Store) CreateExecution(ctx context.Context, exec *engine.RecipeExecution) error {
	input, err := json.Marshal(exec.InputData)
	if err != nil {
		return fmt.Errorf("failed to marshal input data: %w", err)
	}
	snapshot, err := json.Marshal(exec.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = s.now()
	}
	if exec.UpdatedAt.IsZero() {
		exec.UpdatedAt = exec.CreatedAt
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO recipe_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`,
		exec.ID, exec.RecipeID, exec.UserID, string(exec.Status), exec.Progress, exec.CurrentStep,
		exec.TotalSteps, exec.StartedAt, exec.FinishedAt, exec.ErrorMessage, exec.TotalCostCents,
		input, exec.RecipeVersion, snapshot, exec.ConfidenceScore, exec.WarningFlag, exec.PreviewURL,
		nullString(exec.RetryOf), nullString(exec.IdempotencyKey), exec.CreatedAt, exec.UpdatedAt,
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
func (s *Store) GetExecution(ctx context.Context, id string) (*engine.RecipeExecution, error) {
	exec, err := scanExecution(s.pool.QueryRow(ctx, "SELECT "+executionColumns+" FROM recipe_executions WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engine.NewNotFoundError("execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return exec, nil
}

// FindActiveExecutionByKey returns the pending or running execution with the key.
func (s *Store) FindActiveExecutionByKey(ctx context.Context, key string) (*engine.RecipeExecution, error) {
	if key == "" {
		return nil, engine.NewNotFoundError("execution", key)
	}
	exec, err := scanExecution(s.pool.QueryRow(ctx, `
		SELECT `+executionColumns+`
		FROM recipe_executions
		WHERE idempotency_key = $1 AND status IN ('pending', 'running')
		ORDER BY created_at DESC
		LIMIT 1
	`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engine.NewNotFoundError("execution", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find execution by key: %w", err)
	}
	return exec, nil
}

// TransitionExecutionStatus moves an execution to change.To if its status is one of
// change.From.
func (s *Store) TransitionExecutionStatus(ctx context.Context, id string, change engine.StatusChange) error {
	if len(change.From) == 0 {
		return fmt.Errorf("status change of execution %s has no source status", id)
	}
	at := change.At
	if at.IsZero() {
		at = s.now()
	}

	from := make([]string, len(change.From))
	for i, st := range change.From {
		from[i] = string(st)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE recipe_executions
		SET status = $1,
		    updated_at = $2,
		    started_at = CASE WHEN $1 = 'running' THEN $2 ELSE started_at END,
		    finished_at = CASE WHEN $1 IN ('done', 'error', 'cancelled') THEN $2 ELSE finished_at END,
		    error_message = CASE WHEN $1 = 'error' THEN $3 ELSE error_message END
		WHERE id = $4 AND status = ANY($5)
	`, string(change.To), at, change.ErrorMessage, id, from)
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}
	return s.checkAffected(ctx, tag, id)
}

// UpdateExecutionProgress advances current_step and progress of a running execution.
func (s *Store) UpdateExecutionProgress(ctx context.Context, id string, currentStep, progress int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recipe_executions
		SET current_step = $1, progress = GREATEST(progress, $2), updated_at = $3
		WHERE id = $4 AND status = 'running'
	`, currentStep, progress, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to update execution progress: %w", err)
	}
	return s.checkAffected(ctx, tag, id)
}

// FinalizeExecution moves a running execution to done with its aggregates.
func (s *Store) FinalizeExecution(ctx context.Context, id string, fin engine.Finalization) error {
	finished := fin.FinishedAt
	if finished.IsZero() {
		finished = s.now()
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE recipe_executions
		SET status = 'done', progress = 100, current_step = total_steps, finished_at = $1,
		    total_cost_cents = $2, confidence_score = $3, warning_flag = $4, preview_url = $5,
		    updated_at = $1
		WHERE id = $6 AND status = 'running'
	`, finished, fin.TotalCostCents, fin.ConfidenceScore, fin.WarningFlag, fin.PreviewURL, id)
	if err != nil {
		return fmt.Errorf("failed to finalize execution: %w", err)
	}
	return s.checkAffected(ctx, tag, id)
}

func (s *Store) checkAffected(ctx context.Context, tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	err := s.pool.QueryRow(ctx, "SELECT status FROM recipe_executions WHERE id = $1", id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.NewNotFoundError("execution", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read execution status: %w", err)
	}
	return engine.NewConflictUpdateError("execution is "+status, id)
}

// ListExecutions returns executions matching filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, filter stores.ExecutionFilter) ([]engine.RecipeExecution, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.RecipeID != "" {
		add("recipe_id = $%d", filter.RecipeID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}

	query := "SELECT " + executionColumns + " FROM recipe_executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.EffectiveLimit())
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d", len(args))

	return s.queryExecutions(ctx, query, args...)
}

// ListStaleExecutions returns executions in one of statuses not updated since before.
func (s *Store) ListStaleExecutions(ctx context.Context, statuses []engine.ExecutionStatus, before time.Time, limit int) ([]engine.RecipeExecution, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = stores.DefaultListLimit
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+`
		FROM recipe_executions
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, names, before, limit)
}

func (s *Store) queryExecutions(ctx context.Context, query string, args ...any) ([]engine.RecipeExecution, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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
func (s *Store) DeleteExecution(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM recipe_executions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engine.NewNotFoundError("execution", id)
	}
	return nil
}

func scanExecution(row pgx.Row) (*engine.RecipeExecution, error) {
	var (
		exec            engine.RecipeExecution
		status          string
		input, snapshot []byte
		retryOf, key    *string
	)
	err := row.Scan(
		&exec.ID, &exec.RecipeID, &exec.UserID, &status, &exec.Progress, &exec.CurrentStep,
		&exec.TotalSteps, &exec.StartedAt, &exec.FinishedAt, &exec.ErrorMessage, &exec.TotalCostCents,
		&input, &exec.RecipeVersion, &snapshot, &exec.ConfidenceScore, &exec.WarningFlag,
		&exec.PreviewURL, &retryOf, &key, &exec.CreatedAt, &exec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.Status = engine.ExecutionStatus(status)
	if retryOf != nil {
		exec.RetryOf = *retryOf
	}
	if key != nil {
		exec.IdempotencyKey = *key
	}
	exec.CreatedAt = exec.CreatedAt.UTC()
	exec.UpdatedAt = exec.UpdatedAt.UTC()
	if err := json.Unmarshal(input, &exec.InputData); err != nil {
		return nil, fmt.Errorf("failed to decode input of execution %s: %w", exec.ID, err)
	}
	if err := json.Unmarshal(snapshot, &exec.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot of execution %s: %w", exec.ID, err)
	}
	return &exec, nil
}

// Step results

const stepResultColumns = `execution_id, step_index, step_name, step_type, status,
	input_preview, output_preview, output_full, input_hash, output_hash, provider_response_id,
	usage_unit, usage_quantity, cost_cents, latency_ms, started_at, finished_at,
	error_message, error_kind`

// UpsertStepResult writes the single result row for (execution, step index). A row
// that is already terminal, or a write that would move the status backwards, is
// rejected with ErrConflict.
func (s *Store) UpsertStepResult(ctx context.Context, result *engine.StepResult) error {
	var output []byte
	if result.OutputFull != nil {
		var err error
		if output, err = json.Marshal(result.OutputFull); err != nil {
			return fmt.Errorf("failed to marshal step output: %w", err)
		}
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO step_results (`+stepResultColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (execution_id, step_index) DO UPDATE SET
			step_name = EXCLUDED.step_name,
			step_type = EXCLUDED.step_type,
			status = EXCLUDED.status,
			input_preview = EXCLUDED.input_preview,
			output_preview = EXCLUDED.output_preview,
			output_full = EXCLUDED.output_full,
			input_hash = EXCLUDED.input_hash,
			output_hash = EXCLUDED.output_hash,
			provider_response_id = EXCLUDED.provider_response_id,
			usage_unit = EXCLUDED.usage_unit,
			usage_quantity = EXCLUDED.usage_quantity,
			cost_cents = EXCLUDED.cost_cents,
			latency_ms = EXCLUDED.latency_ms,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			error_message = EXCLUDED.error_message,
			error_kind = EXCLUDED.error_kind
		WHERE step_results.status = 'pending'
		   OR (step_results.status = 'running' AND EXCLUDED.status IN ('done', 'error', 'skipped'))
	`,
		result.ExecutionID, result.StepIndex, result.StepName, string(result.StepType), string(result.Status),
		result.InputPreview, result.OutputPreview, output, result.InputHash, result.OutputHash,
		result.ProviderResponseID, string(result.Usage.Unit), result.Usage.Quantity, result.CostCents,
		result.LatencyMs, result.StartedAt, result.FinishedAt, result.ErrorMessage, string(result.ErrorKind),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert step result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engine.NewConflictUpdateError(
			fmt.Sprintf("result of step %d cannot move to %s", result.StepIndex, result.Status),
			result.ExecutionID)
	}
	return nil
}

// ListStepResults returns the results of an execution ordered by step index.
func (s *Store) ListStepResults(ctx context.Context, executionID string) ([]engine.StepResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepResultColumns+`
		FROM step_results
		WHERE execution_id = $1
		ORDER BY step_index
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step results: %w", err)
	}
	defer rows.Close()

	var results []engine.StepResult
	for rows.Next() {
		var (
			r                      engine.StepResult
			stepType, status, unit string
			kind                   string
			output                 []byte
		)
		err := rows.Scan(
			&r.ExecutionID, &r.StepIndex, &r.StepName, &stepType, &status,
			&r.InputPreview, &r.OutputPreview, &output, &r.InputHash, &r.OutputHash,
			&r.ProviderResponseID, &unit, &r.Usage.Quantity, &r.CostCents, &r.LatencyMs,
			&r.StartedAt, &r.FinishedAt, &r.ErrorMessage, &kind,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		r.StepType = engine.StepType(stepType)
		r.Status = engine.StepStatus(status)
		r.Usage.Unit = engine.UsageUnit(unit)
		r.ErrorKind = engine.StepErrorKind(kind)
		if output != nil {
			if err := json.Unmarshal(output, &r.OutputFull); err != nil {
				return nil, fmt.Errorf("failed to decode output of step %d: %w", r.StepIndex, err)
			}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isUniqueViolation checks if the error is a PostgreSQL unique violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
