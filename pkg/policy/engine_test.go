package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/castwork/castwork/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), true)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func textRecipe() *engine.Recipe {
	return &engine.Recipe{
		Slug:      "blog-to-audio",
		InputKind: engine.InputKindText,
		Status:    engine.RecipeStatusActive,
		Steps: []engine.Step{
			{StepIndex: 0, Name: "rewrite", Type: engine.StepTypeLLM},
			{StepIndex: 1, Name: "narrate", Type: engine.StepTypeTTS},
			{StepIndex: 2, Name: "upload", Type: engine.StepTypePublish},
		},
	}
}

func audioRecipe() *engine.Recipe {
	return &engine.Recipe{
		Slug:      "podcast-summary",
		InputKind: engine.InputKindAudio,
		Status:    engine.RecipeStatusActive,
		Steps: []engine.Step{
			{StepIndex: 0, Name: "transcribe", Type: engine.StepTypeSTT},
		},
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{"audio-url-scheme", "input-size", "publish-last"}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Expected policy %d to be %s, got %s", i, name, policies[i].Name)
		}
		if !policies[i].Builtin {
			t.Errorf("Expected policy %s to be built-in", name)
		}
	}

	bare, err := NewEngine(zerolog.Nop(), false)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if len(bare.ListPolicies()) != 0 {
		t.Errorf("Expected no policies without built-ins, got %d", len(bare.ListPolicies()))
	}
}

func TestEvaluateBuiltins(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name          string
		recipe        *engine.Recipe
		input         map[string]interface{}
		expectAllowed bool
		expectPolicy  string
	}{
		{
			name:          "short text",
			recipe:        textRecipe(),
			input:         map[string]interface{}{"text": "hello"},
			expectAllowed: true,
		},
		{
			name:          "text over the limit",
			recipe:        textRecipe(),
			input:         map[string]interface{}{"text": strings.Repeat("a", 200001)},
			expectAllowed: false,
			expectPolicy:  "input-size",
		},
		{
			name:          "https audio url",
			recipe:        audioRecipe(),
			input:         map[string]interface{}{"audio_url": "https://cdn.example.com/ep1.mp3"},
			expectAllowed: true,
		},
		{
			name:          "file audio url",
			recipe:        audioRecipe(),
			input:         map[string]interface{}{"audio_url": "file:///etc/passwd"},
			expectAllowed: false,
			expectPolicy:  "audio-url-scheme",
		},
		{
			name:          "audio url ignored for text recipes",
			recipe:        textRecipe(),
			input:         map[string]interface{}{"text": "hi", "audio_url": "ftp://x"},
			expectAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.Evaluate(context.Background(), &Input{
				Operation: engine.OperationExecute,
				UserID:    "user-1",
				Recipe:    tt.recipe,
				Input:     tt.input,
			})
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if decision.Allowed != tt.expectAllowed {
				t.Fatalf("Expected allowed=%v, got %v (violations: %+v)", tt.expectAllowed, decision.Allowed, decision.Violations)
			}
			if tt.expectPolicy != "" {
				if len(decision.Violations) != 1 || decision.Violations[0].Policy != tt.expectPolicy {
					t.Errorf("Expected one violation from %s, got %+v", tt.expectPolicy, decision.Violations)
				}
			}
			if len(decision.EvaluatedPolicies) != 3 {
				t.Errorf("Expected 3 evaluated policies, got %d", len(decision.EvaluatedPolicies))
			}
		})
	}
}

func TestEvaluatePublishNotLastWarns(t *testing.T) {
	eng := newTestEngine(t)

	recipe := textRecipe()
	recipe.Steps[1].Type = engine.StepTypePublish
	recipe.Steps[2].Type = engine.StepTypeTTS

	decision, err := eng.Evaluate(context.Background(), &Input{
		Operation: engine.OperationExecute,
		Recipe:    recipe,
		Input:     map[string]interface{}{"text": "hello"},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("Expected warning not to block, got violations %+v", decision.Violations)
	}
	if len(decision.Warnings) != 1 || decision.Warnings[0].Policy != "publish-last" {
		t.Fatalf("Expected one publish-last warning, got %+v", decision.Warnings)
	}
	if decision.Warnings[0].Severity != SeverityWarning {
		t.Errorf("Expected warning severity, got %s", decision.Warnings[0].Severity)
	}
}

func TestAdmit(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	err := eng.Admit(ctx, &engine.AdmissionRequest{
		Operation: engine.OperationExecute,
		UserID:    "user-1",
		Recipe:    textRecipe(),
		InputData: map[string]interface{}{"text": "hello"},
	})
	if err != nil {
		t.Fatalf("Expected admission, got %v", err)
	}

	err = eng.Admit(ctx, &engine.AdmissionRequest{
		Operation: engine.OperationRetry,
		UserID:    "user-1",
		Recipe:    audioRecipe(),
		InputData: map[string]interface{}{"audio_url": "s3://bucket/ep.mp3"},
	})
	if err == nil {
		t.Fatal("Expected denial")
	}
	if !errors.Is(err, engine.ErrPolicyDenied) {
		t.Errorf("Expected ErrPolicyDenied, got %v", err)
	}
	if engine.IsRetryable(err) {
		t.Error("Expected policy denial not to be retryable")
	}
	if !strings.Contains(err.Error(), "audio-url-scheme") {
		t.Errorf("Expected error to name the policy, got %q", err.Error())
	}
}

const tenantPolicy = `package castwork.admission.tenant

import rego.v1

deny contains msg if {
	input.user_id == ""
	msg := "anonymous executions are not allowed"
}
`

func TestReplacePolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	err := eng.ReplacePolicies(ctx, []Policy{{Name: "tenant", Rego: tenantPolicy, Enabled: true}})
	if err != nil {
		t.Fatalf("ReplacePolicies failed: %v", err)
	}

	p, err := eng.GetPolicy("tenant")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("Expected default severity error, got %s", p.Severity)
	}

	decision, err := eng.Evaluate(ctx, &Input{Operation: engine.OperationExecute, Recipe: textRecipe()})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("Expected anonymous execution to be denied")
	}
	if decision.Violations[0].Message != "anonymous executions are not allowed" {
		t.Errorf("Expected string violation message, got %q", decision.Violations[0].Message)
	}

	// A second replace drops the previous custom set but keeps built-ins.
	if err := eng.ReplacePolicies(ctx, nil); err != nil {
		t.Fatalf("ReplacePolicies failed: %v", err)
	}
	if _, err := eng.GetPolicy("tenant"); err == nil {
		t.Error("Expected tenant policy to be removed")
	}
	if len(eng.ListPolicies()) != 3 {
		t.Errorf("Expected built-ins to remain, got %d policies", len(eng.ListPolicies()))
	}
}

func TestReplacePoliciesIsAtomic(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.ReplacePolicies(ctx, []Policy{{Name: "tenant", Rego: tenantPolicy, Enabled: true}}); err != nil {
		t.Fatalf("ReplacePolicies failed: %v", err)
	}

	tests := []struct {
		name     string
		policies []Policy
	}{
		{
			name: "syntax error",
			policies: []Policy{
				{Name: "other", Rego: tenantPolicy, Enabled: true},
				{Name: "broken", Rego: "package broken\n\ndeny contains msg if {", Enabled: true},
			},
		},
		{
			name: "duplicate name",
			policies: []Policy{
				{Name: "dup", Rego: tenantPolicy, Enabled: true},
				{Name: "dup", Rego: tenantPolicy, Enabled: true},
			},
		},
		{
			name:     "shadows built-in",
			policies: []Policy{{Name: "input-size", Rego: tenantPolicy, Enabled: true}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := eng.ReplacePolicies(ctx, tt.policies); err == nil {
				t.Fatal("Expected ReplacePolicies to fail")
			}
			if _, err := eng.GetPolicy("tenant"); err != nil {
				t.Errorf("Expected previous policy set to survive, got %v", err)
			}
			p, err := eng.GetPolicy("input-size")
			if err != nil || !p.Builtin {
				t.Errorf("Expected built-in input-size to survive, got %+v, %v", p, err)
			}
		})
	}
}

func TestSetEnabled(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.SetEnabled("audio-url-scheme", false); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}

	decision, err := eng.Evaluate(ctx, &Input{
		Operation: engine.OperationExecute,
		Recipe:    audioRecipe(),
		Input:     map[string]interface{}{"audio_url": "file:///tmp/a.mp3"},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("Expected disabled policy not to block, got %+v", decision.Violations)
	}
	if len(decision.EvaluatedPolicies) != 2 {
		t.Errorf("Expected 2 evaluated policies, got %d", len(decision.EvaluatedPolicies))
	}

	if err := eng.SetEnabled("missing", true); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestCreateViolation(t *testing.T) {
	p := &Policy{Name: "p", Severity: SeverityError}

	v := createViolation(p, map[string]interface{}{"message": "soft", "severity": "warning"})
	if v.Message != "soft" || v.Severity != SeverityWarning {
		t.Errorf("Expected object violation to override severity, got %+v", v)
	}

	v = createViolation(p, "plain")
	if v.Message != "plain" || v.Severity != SeverityError {
		t.Errorf("Expected string violation with policy severity, got %+v", v)
	}
}
