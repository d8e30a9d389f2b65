package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/castwork/castwork/pkg/engine"
)

// maxBodyBytes bounds request bodies. Text input itself is bounded by admission policy.
const maxBodyBytes = 4 << 20

type executeRequest struct {
	Input          map[string]interface{} `json:"input"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

type retryResponse struct {
	ExecutionID string `json:"execution_id"`
	RetryOf     string `json:"retry_of"`
}

type recipeList struct {
	Recipes []engine.Recipe `json:"recipes"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var body executeRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	recipe, err := s.resolveRecipe(r, mux.Vars(r)["recipe"])
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	resp, err := s.control.Execute(r.Context(), engine.ExecuteRequest{
		RecipeID:       recipe.ID,
		UserID:         userID,
		InputData:      body.Input,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/executions/"+resp.ExecutionID)
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.control.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.control.Cancel(r.Context(), id); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"execution_id": id,
		"status":       string(engine.ExecutionStatusCancelled),
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	newID, err := s.control.Retry(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/executions/"+newID)
	writeJSON(w, http.StatusAccepted, retryResponse{ExecutionID: newID, RetryOf: id})
}

func (s *Server) handleListRecipes(w http.ResponseWriter, r *http.Request) {
	recipes, err := s.recipes.ListRecipes(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if recipes == nil {
		recipes = []engine.Recipe{}
	}
	writeJSON(w, http.StatusOK, recipeList{Recipes: recipes})
}

func (s *Server) handleGetRecipe(w http.ResponseWriter, r *http.Request) {
	recipe, err := s.resolveRecipe(r, mux.Vars(r)["recipe"])
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recipe)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.HealthCheck(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// resolveRecipe looks a recipe up by ID, then by slug.
func (s *Server) resolveRecipe(r *http.Request, ref string) (*engine.Recipe, error) {
	recipe, err := s.recipes.FindRecipeWithSteps(r.Context(), ref)
	if err == nil {
		return recipe, nil
	}
	if !errors.Is(err, engine.ErrNotFound) {
		return nil, err
	}
	return s.recipes.GetRecipeBySlug(r.Context(), ref)
}

func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
	if userID == "" {
		writeError(w, http.StatusBadRequest, engine.ErrCodeValidation, UserIDHeader+" header is required")
		return "", false
	}
	return userID, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, engine.ErrCodeValidation, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}
