package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/castwork/castwork/pkg/engine"
)

const denyEmptyUser = `package castwork.admission.users

# Rejects requests without a user.
# Applies to executes and retries.

import rego.v1

deny contains msg if {
	input.user_id == ""
	msg := "user required"
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoadFileRego(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.rego")
	writeFile(t, path, denyEmptyUser)

	policy, err := loadFile(path)
	if err != nil {
		t.Fatalf("failed to load policy: %v", err)
	}

	if policy.Name != "users" {
		t.Errorf("expected name 'users', got '%s'", policy.Name)
	}
	if policy.Rego != denyEmptyUser {
		t.Error("rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("policy should be enabled by default")
	}
	if policy.Severity != SeverityError {
		t.Errorf("expected severity error, got %s", policy.Severity)
	}
	if policy.Source != path {
		t.Errorf("expected source %s, got %s", path, policy.Source)
	}
	if policy.Description != "Rejects requests without a user. Applies to executes and retries." {
		t.Errorf("unexpected description %q", policy.Description)
	}
}

func TestParseRegoHeader(t *testing.T) {
	src := `# Flags long inputs.
# severity: warning
# enabled: false
# name: long-inputs
package castwork.admission.long

# not part of the header
deny contains "long" if { count(input.input.text) > 10 }
`
	policy, err := parseRego("file-name", src)
	if err != nil {
		t.Fatalf("failed to parse policy: %v", err)
	}
	if policy.Name != "long-inputs" {
		t.Errorf("expected name from header, got '%s'", policy.Name)
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("expected severity warning, got %s", policy.Severity)
	}
	if policy.Enabled {
		t.Error("expected policy to be disabled by its header")
	}
	if policy.Description != "Flags long inputs." {
		t.Errorf("unexpected description %q", policy.Description)
	}

	if _, err := parseRego("bad", "# severity: fatal\npackage x\n"); err == nil {
		t.Error("expected error for unknown severity")
	}
}

func TestLoadFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	writeFile(t, path, `{"name": "users-json", "rego": "package x\n", "severity": "warning", "enabled": true, "builtin": true}`)

	policy, err := loadFile(path)
	if err != nil {
		t.Fatalf("failed to load policy: %v", err)
	}
	if policy.Name != "users-json" {
		t.Errorf("expected name 'users-json', got '%s'", policy.Name)
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("expected severity warning, got %s", policy.Severity)
	}
	if policy.Builtin {
		t.Error("file policies must never be marked built-in")
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	writeFile(t, bad, `{"rego": "package x\n"}`)
	if _, err := loadFile(bad); err == nil {
		t.Error("expected error for JSON policy without a name")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested")
	if err := os.Mkdir(nested, 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	writeFile(t, filepath.Join(dir, "a.rego"), denyEmptyUser)
	writeFile(t, filepath.Join(nested, "b.rego"), denyEmptyUser)
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	single := filepath.Join(t.TempDir(), "c.rego")
	writeFile(t, single, denyEmptyUser)

	policies, err := Load(context.Background(), []string{dir, single})
	if err != nil {
		t.Fatalf("failed to load paths: %v", err)
	}
	if len(policies) != 3 {
		t.Fatalf("expected 3 policies, got %d", len(policies))
	}
	if policies[0].Name != "a" || policies[1].Name != "b" || policies[2].Name != "c" {
		t.Errorf("expected policies in path order, got %s, %s, %s", policies[0].Name, policies[1].Name, policies[2].Name)
	}

	if _, err := Load(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeFile(t, filepath.Join(first, "users.rego"), denyEmptyUser)
	writeFile(t, filepath.Join(second, "users.rego"), denyEmptyUser)

	_, err := Load(context.Background(), []string{first, second})
	if err == nil {
		t.Fatal("expected error for duplicate policy names")
	}
	if !strings.Contains(err.Error(), "defined in both") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	eng, err := NewEngine(zerolog.Nop(), true)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "users.rego"), denyEmptyUser)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("failed to load policies: %v", err)
	}

	err = eng.Admit(context.Background(), &engine.AdmissionRequest{
		Operation: engine.OperationExecute,
		Recipe:    textRecipe(),
		InputData: map[string]interface{}{"text": "hi"},
	})
	if err == nil {
		t.Fatal("expected anonymous request to be denied")
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	eng, err := NewEngine(zerolog.Nop(), false)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), denyEmptyUser)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("failed to load policies: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan error, 4)
	w := NewWatcher(eng, []string{dir}, zerolog.Nop())
	w.debounce = 200 * time.Millisecond
	w.reloaded = func(err error) { reloaded <- err }
	if err := w.Start(ctx); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}

	writeFile(t, filepath.Join(dir, "b.rego"), denyEmptyUser)

	select {
	case err := <-reloaded:
		if err != nil {
			t.Fatalf("expected reload to succeed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	if n := len(eng.ListPolicies()); n != 2 {
		t.Errorf("expected 2 policies after reload, got %d", n)
	}

	writeFile(t, filepath.Join(dir, "broken.rego"), "package\n")

	select {
	case err := <-reloaded:
		if err == nil {
			t.Fatal("expected reload of a broken policy to fail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	if n := len(eng.ListPolicies()); n != 2 {
		t.Errorf("expected previous 2 policies to stay loaded, got %d", n)
	}
}
