// Package httpapi exposes job control over HTTP.
//
// Routes:
//
//	POST /v1/recipes/{recipe}/executions   start an execution (202)
//	GET  /v1/recipes                       list recipes
//	GET  /v1/recipes/{recipe}              one recipe with its steps
//	GET  /v1/executions/{id}               execution status with step results
//	GET  /v1/executions/{id}/events        server-sent lifecycle events
//	POST /v1/executions/{id}/cancel        cancel a pending or running execution
//	POST /v1/executions/{id}/retry         retry a failed or cancelled execution (202)
//	GET  /healthz                          store health
//	GET  /metrics                          Prometheus metrics
//
// {recipe} is a recipe ID or slug. The caller is identified by the X-User-ID header.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/castwork/castwork/pkg/engine"
	"github.com/castwork/castwork/pkg/telemetry"
)

// UserIDHeader carries the caller's user ID.
const UserIDHeader = "X-User-ID"

// JobControl is the part of engine.Controller the API serves.
type JobControl interface {
	Execute(ctx context.Context, req engine.ExecuteRequest) (*engine.ExecuteResponse, error)
	Status(ctx context.Context, id string) (*engine.ExecutionStatusView, error)
	Cancel(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) (string, error)
}

// RecipeReader looks recipes up by ID or slug.
type RecipeReader interface {
	FindRecipeWithSteps(ctx context.Context, recipeID string) (*engine.Recipe, error)
	GetRecipeBySlug(ctx context.Context, slug string) (*engine.Recipe, error)
	ListRecipes(ctx context.Context) ([]engine.Recipe, error)
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Control JobControl
	Recipes RecipeReader

	// Health is checked by /healthz. The endpoint always reports ok when nil.
	Health HealthChecker

	Telemetry *telemetry.Telemetry

	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// RateLimit bounds execute and retry requests per user and second. Zero disables it.
	RateLimit float64
	RateBurst int

	// KeepAlive is the interval of SSE comment frames. Defaults to 15s.
	KeepAlive time.Duration
}

// Server serves the HTTP API.
type Server struct {
	opts    Options
	control JobControl
	recipes RecipeReader
	health  HealthChecker
	tel     *telemetry.Telemetry
	logger  zerolog.Logger
	limiter *rateLimiter
	router  *mux.Router
}

// NewServer creates a server and registers its routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Control == nil {
		return nil, fmt.Errorf("http api requires job control")
	}
	if opts.Recipes == nil {
		return nil, fmt.Errorf("http api requires a recipe reader")
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}

	s := &Server{
		opts:    opts,
		control: opts.Control,
		recipes: opts.Recipes,
		health:  opts.Health,
		tel:     opts.Telemetry,
		logger:  *opts.Telemetry.Logger.NewComponentLogger("httpapi").Zerolog(),
	}
	if opts.RateLimit > 0 {
		s.limiter = newRateLimiter(opts.RateLimit, opts.RateBurst)
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoverMiddleware, s.logMiddleware)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Handle("/recipes/{recipe}/executions", s.limit(http.HandlerFunc(s.handleExecute))).Methods(http.MethodPost)
	v1.HandleFunc("/recipes", s.handleListRecipes).Methods(http.MethodGet)
	v1.HandleFunc("/recipes/{recipe}", s.handleGetRecipe).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}/events", s.handleEvents).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	v1.Handle("/executions/{id}/retry", s.limit(http.HandlerFunc(s.handleRetry))).Methods(http.MethodPost)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.tel.Metrics.Handler()).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, engine.ErrCodeNotFound, "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadTimeout:       s.opts.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams clear their own write deadline.
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("HTTP API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	s.logger.Info().Msg("HTTP API stopped")
	return nil
}
