package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Recipe is a named, versioned pipeline definition.
type Recipe struct {
	// ID is the unique identifier for the recipe.
	ID string `json:"id"`

	// Name is the human-readable name.
	Name string `json:"name"`

	// Slug is the stable, URL-safe handle used by presets and the CLI.
	Slug string `json:"slug"`

	// InputKind is the shape of input the recipe accepts.
	InputKind InputKind `json:"input_kind"`

	// AllowedInputModes lists how input may be supplied (upload, url, text).
	AllowedInputModes []string `json:"allowed_input_modes,omitempty"`

	// DefaultLanguage is passed to steps that do not configure a language.
	DefaultLanguage string `json:"default_language,omitempty"`

	// Status controls whether new executions may be created.
	Status RecipeStatus `json:"status"`

	// Version increments each time the step list is replaced.
	Version int `json:"version"`

	// Steps are ordered by StepIndex, starting at 0.
	Steps []Step `json:"steps"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive returns true if new executions may be created.
func (r *Recipe) IsActive() bool {
	return r.Status == RecipeStatusActive
}

// Validate checks the structural invariants of a recipe: contiguous step indices from 0,
// at least one step, and known step types.
func (r *Recipe) Validate() error {
	if r.Slug == "" {
		return fmt.Errorf("recipe slug is required")
	}
	if err := r.InputKind.Validate(); err != nil {
		return fmt.Errorf("recipe %s: %w", r.Slug, err)
	}
	if err := r.Status.Validate(); err != nil {
		return fmt.Errorf("recipe %s: %w", r.Slug, err)
	}
	if len(r.Steps) == 0 {
		return fmt.Errorf("recipe %s has no steps", r.Slug)
	}
	for i, step := range r.Steps {
		if step.StepIndex != i {
			return fmt.Errorf("recipe %s: step %q has index %d, expected %d", r.Slug, step.Name, step.StepIndex, i)
		}
		if err := step.Type.Validate(); err != nil {
			return fmt.Errorf("recipe %s step %d: %w", r.Slug, i, err)
		}
		if _, err := step.Config.Timeout(); err != nil {
			return fmt.Errorf("recipe %s step %d: %w", r.Slug, i, err)
		}
	}
	return nil
}

// Snapshot returns a deep copy of the step list for storing on an execution.
func (r *Recipe) Snapshot() []Step {
	steps := make([]Step, len(r.Steps))
	for i, step := range r.Steps {
		steps[i] = Step{
			StepIndex: step.StepIndex,
			Name:      step.Name,
			Type:      step.Type,
			Config:    step.Config.Clone(),
		}
	}
	return steps
}

// Step is one pipeline stage of a recipe.
type Step struct {
	StepIndex int        `json:"step_index"`
	Name      string     `json:"name"`
	Type      StepType   `json:"type"`
	Config    StepConfig `json:"config,omitempty"`
}

// Config keys understood by the executor. Everything else is passed to the adapter.
const (
	ConfigKeyInput    = "input"
	ConfigKeyPrompt   = "prompt"
	ConfigKeySkipIf   = "skip_if"
	ConfigKeyTimeout  = "timeout"
	ConfigKeyLanguage = "language"
)

// StepConfig holds provider parameters, templates and the skip condition of a step.
type StepConfig map[string]interface{}

// String returns the string value for key, or "" when absent or not a string.
func (c StepConfig) String(key string) string {
	if c == nil {
		return ""
	}
	if s, ok := c[key].(string); ok {
		return s
	}
	return ""
}

// Timeout returns the configured step timeout, or 0 when unset.
func (c StepConfig) Timeout() (time.Duration, error) {
	if c == nil {
		return 0, nil
	}
	switch v := c[ConfigKeyTimeout].(type) {
	case nil:
		return 0, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid timeout %q: %w", v, err)
		}
		return d, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	default:
		return 0, fmt.Errorf("invalid timeout type %T", v)
	}
}

// Clone returns a deep copy of the config.
func (c StepConfig) Clone() StepConfig {
	if c == nil {
		return nil
	}
	return StepConfig(DeepCopyMap(c))
}

// RecipeExecution is one run of a Recipe for one user.
type RecipeExecution struct {
	// ID is the unique identifier for the execution.
	ID string `json:"id"`

	RecipeID string `json:"recipe_id"`
	UserID   string `json:"user_id"`

	// Status is the lifecycle status and lease.
	Status ExecutionStatus `json:"status"`

	// Progress is 0 to 100 and never decreases while running.
	Progress int `json:"progress"`

	// CurrentStep is the index of the next step to run.
	CurrentStep int `json:"current_step"`

	// TotalSteps is fixed at creation from the snapshot.
	TotalSteps int `json:"total_steps"`

	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	TotalCostCents int64 `json:"total_cost_cents"`

	// InputData is the triggering input. It is never modified after creation.
	InputData map[string]interface{} `json:"input_data"`

	// RecipeVersion is the recipe version the snapshot was taken from.
	RecipeVersion int `json:"recipe_version"`

	// Snapshot is the step list copied from the recipe at creation.
	Snapshot []Step `json:"snapshot"`

	ConfidenceScore *float64 `json:"confidence_score,omitempty"`
	WarningFlag     bool     `json:"warning_flag"`
	PreviewURL      string   `json:"preview_url,omitempty"`

	// RetryOf is the execution this one retries, if any.
	RetryOf string `json:"retry_of,omitempty"`

	// IdempotencyKey deduplicates Execute calls while an execution is active.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepResult is the durable outcome of one step within one execution.
type StepResult struct {
	ExecutionID string     `json:"execution_id"`
	StepIndex   int        `json:"step_index"`
	StepName    string     `json:"step_name"`
	StepType    StepType   `json:"step_type"`
	Status      StepStatus `json:"status"`

	InputPreview  string `json:"input_preview,omitempty"`
	OutputPreview string `json:"output_preview,omitempty"`

	// OutputFull is the normalized provider payload.
	OutputFull map[string]interface{} `json:"output_full,omitempty"`

	InputHash  string `json:"input_hash,omitempty"`
	OutputHash string `json:"output_hash,omitempty"`

	// ProviderResponseID correlates the result with the provider's own records.
	ProviderResponseID string `json:"provider_response_id,omitempty"`

	Usage     Usage `json:"usage"`
	CostCents int64 `json:"cost_cents"`
	LatencyMs int64 `json:"latency_ms"`

	StartedAt    *time.Time    `json:"started_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorKind    StepErrorKind `json:"error_kind,omitempty"`
}

// UsageUnit names what a provider bills for.
type UsageUnit string

const (
	UsageUnitTokens  UsageUnit = "tokens"
	UsageUnitChars   UsageUnit = "chars"
	UsageUnitSeconds UsageUnit = "seconds"
	UsageUnitImages  UsageUnit = "images"
	UsageUnitBytes   UsageUnit = "bytes"
)

// Usage is the billable quantity reported by an adapter.
type Usage struct {
	Unit     UsageUnit `json:"unit,omitempty"`
	Quantity float64   `json:"quantity"`
}

// Params are the normalized inputs handed to a provider adapter.
type Params struct {
	ExecutionID string
	StepIndex   int
	StepType    StepType

	// Input is the resolved step input.
	Input string

	// Prompt is the resolved prompt template, used by llm steps.
	Prompt string

	Language string

	// Config is the step configuration with executor keys included.
	Config StepConfig

	// IdempotencyKey is stable per (execution, step) and may be forwarded to providers
	// that deduplicate billable requests.
	IdempotencyKey string
}

// Output is the normalized result of a provider adapter call.
type Output struct {
	// Payload is stored as StepResult.OutputFull. Text-producing adapters set "text";
	// media adapters set "url" and "content_type".
	Payload map[string]interface{}

	// Raw is the unnormalized response body used for the output hash. When nil the
	// canonical JSON of Payload is hashed instead.
	Raw []byte

	Usage      Usage
	Latency    time.Duration
	ResponseID string
}

// ExecutionStatusView is what Status returns for polling clients.
type ExecutionStatusView struct {
	Execution *RecipeExecution `json:"execution"`
	Steps     []StepResult     `json:"steps"`
}

// DeepCopyMap copies a JSON-shaped map so that the copy shares no mutable state.
func DeepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return DeepCopyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case json.RawMessage:
		return append(json.RawMessage(nil), val...)
	default:
		return val
	}
}

// StepLabel formats a step for error messages, e.g. "step 1 (summarize)".
func StepLabel(step Step) string {
	var b strings.Builder
	b.WriteString("step ")
	b.WriteString(strconv.Itoa(step.StepIndex))
	if step.Name != "" {
		b.WriteString(" (")
		b.WriteString(step.Name)
		b.WriteString(")")
	}
	return b.String()
}
