package condition

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/castwork/castwork/pkg/engine"
)

func testEnv() engine.ConditionEnv {
	return engine.ConditionEnv{
		Input: map[string]interface{}{"text": "hello", "mode": "text", "tags": []interface{}{"a"}},
		Steps: []engine.ConditionStep{
			{Index: 0, Type: engine.StepTypeSTT, Status: engine.StepStatusDone, Output: map[string]interface{}{"text": ""}},
			{Index: 1, Type: engine.StepTypeLLM, Status: engine.StepStatusSkipped},
		},
		Prev:     map[string]interface{}{"text": "", "confidence": 0.42},
		Resolved: "resolved input",
	}
}

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Second, 0)
	ctx := context.Background()

	tests := []struct {
		name    string
		expr    string
		env     engine.ConditionEnv
		want    bool
		wantErr string
	}{
		{name: "empty previous text", expr: `empty(prev.get("text"))`, env: testEnv(), want: true},
		{name: "prev index", expr: `prev["text"] == ""`, env: testEnv(), want: true},
		{name: "numeric comparison", expr: `prev["confidence"] < 0.5`, env: testEnv(), want: true},
		{name: "input field", expr: `input["mode"] == "audio"`, env: testEnv(), want: false},
		{name: "resolved length", expr: `len(resolved) > 100`, env: testEnv(), want: false},
		{name: "steps struct access", expr: `steps[1].status == "skipped" and steps[0].type == "stt"`, env: testEnv(), want: true},
		{name: "any over steps", expr: `any([s.status == "error" for s in steps])`, env: testEnv(), want: false},
		{name: "list membership", expr: `"a" in input["tags"]`, env: testEnv(), want: true},
		{
			name: "no previous output",
			expr: `prev == None`,
			env:  engine.ConditionEnv{Input: map[string]interface{}{}},
			want: true,
		},
		{name: "non bool result", expr: `len(resolved)`, env: testEnv(), wantErr: "must evaluate to a bool"},
		{name: "syntax error", expr: `prev[`, env: testEnv(), wantErr: "skip condition failed"},
		{name: "undefined name", expr: `transcript == ""`, env: testEnv(), wantErr: "undefined"},
		{name: "missing key", expr: `prev["missing"] == ""`, env: testEnv(), wantErr: "skip condition failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Evaluate(ctx, tt.expr, tt.env)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestStarlarkEvaluator_StepLimit(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5*time.Second, 1000)

	_, err := evaluator.Evaluate(context.Background(), `len([x for x in range(1000000)]) > 0`, testEnv())
	if err == nil {
		t.Fatal("Expected runaway expression to be stopped")
	}
}

func TestStarlarkEvaluator_ConditionCannotMutateEnv(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Second, 0)
	env := testEnv()

	_, err := evaluator.Evaluate(context.Background(), `input.pop("text") == "hello"`, env)
	if err == nil {
		t.Fatal("Expected mutation of frozen input to fail")
	}
	if env.Input["text"] != "hello" {
		t.Error("Expected Go input map to be untouched")
	}
}

func TestCompile(t *testing.T) {
	valid := []string{
		`empty(prev.get("text"))`,
		`input["mode"] == "text" and len(resolved) < 20`,
	}
	for _, expr := range valid {
		if err := Compile(expr); err != nil {
			t.Errorf("Expected %q to compile, got %v", expr, err)
		}
	}

	invalid := []string{"", "   ", "prev[", "x = 1"}
	for _, expr := range invalid {
		if err := Compile(expr); err == nil {
			t.Errorf("Expected %q to be rejected", expr)
		}
	}
}

func TestEvaluatorSatisfiesEngineInterface(t *testing.T) {
	var _ engine.ConditionEvaluator = NewStarlarkEvaluator(0, 0)
}
