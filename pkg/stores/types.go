package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/castwork/castwork/pkg/engine"
)

// Sentinel errors shared by every store implementation. They are the engine
// sentinels, so errors.Is works against either package.
var (
	ErrNotFound = engine.ErrNotFound
	ErrConflict = engine.ErrConflict
)

// Store is the full persistence surface used by the server and the CLI.
type Store interface {
	engine.ExecutionStore
	RecipeStore

	// ListExecutions returns executions matching filter, newest first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]engine.RecipeExecution, error)

	// DeleteExecution removes an execution and, by cascade, its step results.
	DeleteExecution(ctx context.Context, id string) error

	// Migrate brings the schema up to date.
	Migrate(ctx context.Context) error

	// HealthCheck verifies the backing database is reachable.
	HealthCheck(ctx context.Context) error

	Close() error
}

// RecipeStore manages recipe definitions.
type RecipeStore interface {
	// SaveRecipe inserts or updates a recipe by slug. The step list is replaced and
	// the version bumped only when the steps differ from the stored ones.
	SaveRecipe(ctx context.Context, recipe *engine.Recipe) (*SaveResult, error)

	// GetRecipeBySlug loads a recipe and its steps by slug.
	GetRecipeBySlug(ctx context.Context, slug string) (*engine.Recipe, error)

	// ListRecipes returns every recipe with its steps, ordered by slug.
	ListRecipes(ctx context.Context) ([]engine.Recipe, error)

	// SetRecipeStatus activates or deactivates a recipe.
	SetRecipeStatus(ctx context.Context, id string, status engine.RecipeStatus) error
}

// SaveResult reports what SaveRecipe changed.
type SaveResult struct {
	RecipeID     string `json:"recipe_id"`
	Version      int    `json:"version"`
	Created      bool   `json:"created"`
	StepsChanged bool   `json:"steps_changed"`
}

// ExecutionFilter narrows ListExecutions. Zero fields match everything.
type ExecutionFilter struct {
	UserID   string
	RecipeID string
	Status   engine.ExecutionStatus
	Limit    int
}

// DefaultListLimit caps ListExecutions when no limit is given.
const DefaultListLimit = 50

// EffectiveLimit returns the limit to apply for f.
func (f ExecutionFilter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return DefaultListLimit
	}
	return f.Limit
}

// Matches reports whether exec satisfies the filter.
func (f ExecutionFilter) Matches(exec *engine.RecipeExecution) bool {
	if f.UserID != "" && exec.UserID != f.UserID {
		return false
	}
	if f.RecipeID != "" && exec.RecipeID != f.RecipeID {
		return false
	}
	if f.Status != "" && exec.Status != f.Status {
		return false
	}
	return true
}

// StepsEqual reports whether two step lists are identical, comparing configs by their
// JSON encoding.
func StepsEqual(a, b []engine.Step) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].StepIndex != b[i].StepIndex || a[i].Name != b[i].Name || a[i].Type != b[i].Type {
			return false
		}
		ca, okA := configJSON(a[i].Config)
		cb, okB := configJSON(b[i].Config)
		if !okA || !okB || ca != cb {
			return false
		}
	}
	return true
}

// configJSON encodes a step config for storage. A nil config and an empty one
// encode the same way.
func configJSON(c engine.StepConfig) (string, bool) {
	if len(c) == 0 {
		return "{}", true
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func decodeConfig(raw []byte) (engine.StepConfig, error) {
	var cfg engine.StepConfig
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg) == 0 {
		return nil, nil
	}
	return cfg, nil
}

// EncodeStepConfig is configJSON for other store backends.
func EncodeStepConfig(c engine.StepConfig) ([]byte, error) {
	s, ok := configJSON(c)
	if !ok {
		return nil, fmt.Errorf("step config is not JSON encodable")
	}
	return []byte(s), nil
}

// DecodeStepConfig is the inverse of EncodeStepConfig.
func DecodeStepConfig(raw []byte) (engine.StepConfig, error) {
	return decodeConfig(raw)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
