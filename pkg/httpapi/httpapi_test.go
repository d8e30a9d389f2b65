package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/castwork/castwork/pkg/engine"
	"github.com/castwork/castwork/pkg/stores"
	"github.com/castwork/castwork/pkg/telemetry"
)

type nopScheduler struct{}

func (nopScheduler) Schedule(context.Context, string) error { return nil }

type denyAll struct{}

func (denyAll) Admit(context.Context, *engine.AdmissionRequest) error {
	return engine.NewPermanentError("denied by policy: closed", nil).WithCode(engine.ErrCodePolicyDenied)
}

type failingHealth struct{}

func (failingHealth) HealthCheck(context.Context) error { return errors.New("database is down") }

type fixture struct {
	store    *stores.MemoryStore
	tel      *telemetry.Telemetry
	server   *Server
	recipeID string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()

	store := stores.NewMemoryStore()
	tel := telemetry.NewNop()

	recipe := &engine.Recipe{
		Name:      "Blog to audio",
		Slug:      "blog-to-audio",
		InputKind: engine.InputKindText,
		Status:    engine.RecipeStatusActive,
		Steps: []engine.Step{
			{StepIndex: 0, Name: "rewrite", Type: engine.StepTypeLLM},
			{StepIndex: 1, Name: "narrate", Type: engine.StepTypeTTS},
		},
	}
	res, err := store.SaveRecipe(ctx, recipe)
	if err != nil {
		t.Fatalf("Failed to save recipe: %v", err)
	}

	inactive := &engine.Recipe{
		Name:      "Retired",
		Slug:      "retired",
		InputKind: engine.InputKindText,
		Status:    engine.RecipeStatusInactive,
		Steps:     []engine.Step{{StepIndex: 0, Name: "rewrite", Type: engine.StepTypeLLM}},
	}
	if _, err := store.SaveRecipe(ctx, inactive); err != nil {
		t.Fatalf("Failed to save recipe: %v", err)
	}

	ctrl, err := engine.NewController(engine.ControllerOptions{Store: store, Scheduler: nopScheduler{}, Telemetry: tel})
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	opts.Control = ctrl
	opts.Recipes = store
	opts.Telemetry = tel

	server, err := NewServer(opts)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return &fixture{store: store, tel: tel, server: server, recipeID: res.RecipeID}
}

func (f *fixture) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	decode(t, rec, &body)
	return body.Error.Code
}

func TestExecuteAndStatus(t *testing.T) {
	f := newFixture(t, Options{})

	for _, ref := range []string{"blog-to-audio", f.recipeID} {
		rec := f.do(t, http.MethodPost, "/v1/recipes/"+ref+"/executions", "user-1",
			`{"input": {"text": "hello from `+ref+`"}}`)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("Expected 202 for %s, got %d: %s", ref, rec.Code, rec.Body.String())
		}

		var resp engine.ExecuteResponse
		decode(t, rec, &resp)
		if resp.ExecutionID == "" || resp.Status != engine.ExecutionStatusPending {
			t.Fatalf("Expected pending execution, got %+v", resp)
		}
		if rec.Header().Get("Location") != "/v1/executions/"+resp.ExecutionID {
			t.Errorf("Expected Location header, got %q", rec.Header().Get("Location"))
		}

		rec = f.do(t, http.MethodGet, "/v1/executions/"+resp.ExecutionID, "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var view engine.ExecutionStatusView
		decode(t, rec, &view)
		if view.Execution.ID != resp.ExecutionID || view.Execution.RecipeID != f.recipeID {
			t.Errorf("Expected execution %s of recipe %s, got %+v", resp.ExecutionID, f.recipeID, view.Execution)
		}
		if len(view.Steps) != 0 {
			t.Errorf("Expected no step results yet, got %d", len(view.Steps))
		}
	}
}

func TestExecuteErrors(t *testing.T) {
	tests := []struct {
		name       string
		opts       Options
		path       string
		userID     string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing user header",
			path:       "/v1/recipes/blog-to-audio/executions",
			body:       `{"input": {"text": "hi"}}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   engine.ErrCodeValidation,
		},
		{
			name:       "malformed body",
			path:       "/v1/recipes/blog-to-audio/executions",
			userID:     "user-1",
			body:       `{"input": `,
			wantStatus: http.StatusBadRequest,
			wantCode:   engine.ErrCodeValidation,
		},
		{
			name:       "empty text",
			path:       "/v1/recipes/blog-to-audio/executions",
			userID:     "user-1",
			body:       `{"input": {"text": "  "}}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   engine.ErrCodeValidation,
		},
		{
			name:       "unknown recipe",
			path:       "/v1/recipes/nope/executions",
			userID:     "user-1",
			body:       `{"input": {"text": "hi"}}`,
			wantStatus: http.StatusNotFound,
			wantCode:   engine.ErrCodeNotFound,
		},
		{
			name:       "inactive recipe",
			path:       "/v1/recipes/retired/executions",
			userID:     "user-1",
			body:       `{"input": {"text": "hi"}}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   engine.ErrCodeRecipeInactive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts)
			rec := f.do(t, http.MethodPost, tt.path, tt.userID, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("Expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if code := errorCode(t, rec); code != tt.wantCode {
				t.Errorf("Expected code %s, got %s", tt.wantCode, code)
			}
		})
	}
}

func TestExecutePolicyDenied(t *testing.T) {
	store := stores.NewMemoryStore()
	recipe := &engine.Recipe{
		Slug:      "blog-to-audio",
		InputKind: engine.InputKindText,
		Status:    engine.RecipeStatusActive,
		Steps:     []engine.Step{{StepIndex: 0, Name: "rewrite", Type: engine.StepTypeLLM}},
	}
	if _, err := store.SaveRecipe(context.Background(), recipe); err != nil {
		t.Fatalf("Failed to save recipe: %v", err)
	}
	ctrl, err := engine.NewController(engine.ControllerOptions{
		Store:     store,
		Scheduler: nopScheduler{},
		Admitter:  denyAll{},
	})
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	server, err := NewServer(Options{Control: ctrl, Recipes: store})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/recipes/blog-to-audio/executions", strings.NewReader(`{"input": {"text": "hi"}}`))
	req.Header.Set(UserIDHeader, "user-1")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != engine.ErrCodePolicyDenied {
		t.Errorf("Expected code %s, got %s", engine.ErrCodePolicyDenied, code)
	}
}

func TestCancelAndRetry(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(t, http.MethodPost, "/v1/recipes/blog-to-audio/executions", "user-1", `{"input": {"text": "hi"}}`)
	var resp engine.ExecuteResponse
	decode(t, rec, &resp)

	rec = f.do(t, http.MethodPost, "/v1/executions/"+resp.ExecutionID+"/retry", "user-1", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected 409 retrying a pending execution, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/executions/"+resp.ExecutionID+"/cancel", "user-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/v1/executions/"+resp.ExecutionID+"/cancel", "user-1", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected 409 cancelling twice, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != engine.ErrCodeNotCancellable {
		t.Errorf("Expected code %s, got %s", engine.ErrCodeNotCancellable, code)
	}

	rec = f.do(t, http.MethodPost, "/v1/executions/"+resp.ExecutionID+"/retry", "user-1", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var retry retryResponse
	decode(t, rec, &retry)
	if retry.ExecutionID == "" || retry.ExecutionID == resp.ExecutionID || retry.RetryOf != resp.ExecutionID {
		t.Errorf("Expected a new execution retrying %s, got %+v", resp.ExecutionID, retry)
	}

	rec = f.do(t, http.MethodPost, "/v1/executions/missing/cancel", "user-1", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestRecipes(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(t, http.MethodGet, "/v1/recipes", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var list recipeList
	decode(t, rec, &list)
	if len(list.Recipes) != 2 || list.Recipes[0].Slug != "blog-to-audio" {
		t.Fatalf("Expected 2 recipes ordered by slug, got %+v", list.Recipes)
	}

	rec = f.do(t, http.MethodGet, "/v1/recipes/blog-to-audio", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var recipe engine.Recipe
	decode(t, rec, &recipe)
	if recipe.ID != f.recipeID || len(recipe.Steps) != 2 {
		t.Errorf("Expected recipe %s with 2 steps, got %+v", f.recipeID, recipe)
	}

	rec = f.do(t, http.MethodGet, "/v1/nothing", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown route, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Options{})
	if rec := f.do(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}

	f = newFixture(t, Options{Health: failingHealth{}})
	if rec := f.do(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Options{RateLimit: 0.001, RateBurst: 1})

	rec := f.do(t, http.MethodPost, "/v1/recipes/blog-to-audio/executions", "user-1", `{"input": {"text": "one"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/v1/recipes/blog-to-audio/executions", "user-1", `{"input": {"text": "two"}}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/v1/recipes/blog-to-audio/executions", "user-2", `{"input": {"text": "three"}}`)
	if rec.Code != http.StatusAccepted {
		t.Errorf("Expected other users to be unaffected, got %d", rec.Code)
	}
}

func TestEventsForFinishedExecution(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(t, http.MethodPost, "/v1/recipes/blog-to-audio/executions", "user-1", `{"input": {"text": "hi"}}`)
	var resp engine.ExecuteResponse
	decode(t, rec, &resp)
	f.do(t, http.MethodPost, "/v1/executions/"+resp.ExecutionID+"/cancel", "user-1", "")

	rec = f.do(t, http.MethodGet, "/v1/executions/"+resp.ExecutionID+"/events", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected event stream, got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "event: execution.cancelled") {
		t.Errorf("Expected a cancelled event, got %q", rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/v1/executions/missing/events", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t, Options{})
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	rec := f.do(t, http.MethodPost, "/v1/recipes/blog-to-audio/executions", "user-1", `{"input": {"text": "hi"}}`)
	var resp engine.ExecuteResponse
	decode(t, rec, &resp)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/executions/"+resp.ExecutionID+"/events", nil)
	httpResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	defer httpResp.Body.Close()

	for _, eventType := range []string{telemetry.EventTypeStepStarted, telemetry.EventTypeExecutionCompleted} {
		_ = f.tel.Events.Publish(telemetry.Event{Type: eventType, ExecutionID: resp.ExecutionID})
	}
	_ = f.tel.Events.Publish(telemetry.Event{Type: telemetry.EventTypeStepStarted, ExecutionID: "other"})

	var types []string
	scanner := bufio.NewScanner(httpResp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "event: ") {
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
	}

	want := telemetry.EventTypeStepStarted + "," + telemetry.EventTypeExecutionCompleted
	if strings.Join(types, ",") != want {
		t.Errorf("Expected events %s, got %v", want, types)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{engine.NewNotFoundError("execution", "x"), http.StatusNotFound},
		{engine.NewValidationError("bad", nil), http.StatusBadRequest},
		{engine.NewPermanentError("no", nil).WithCode(engine.ErrCodePolicyDenied), http.StatusForbidden},
		{engine.NewPermanentError("no", nil).WithCode(engine.ErrCodeNotRetryable), http.StatusConflict},
		{engine.NewPermanentError("no", nil).WithCode(engine.ErrCodeRecipeInactive), http.StatusUnprocessableEntity},
		{engine.NewTransientError("db", nil).WithCode(engine.ErrCodeStore), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if status, _ := statusFor(tt.err); status != tt.status {
			t.Errorf("Expected %d for %v, got %d", tt.status, tt.err, status)
		}
	}
}
