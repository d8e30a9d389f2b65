package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/castwork/castwork/pkg/engine"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps an error to its HTTP status and code.
func statusFor(err error) (int, string) {
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		return http.StatusInternalServerError, engine.ErrCodeInternal
	}

	switch ee.Code {
	case engine.ErrCodeNotFound:
		return http.StatusNotFound, ee.Code
	case engine.ErrCodeValidation:
		return http.StatusBadRequest, ee.Code
	case engine.ErrCodePolicyDenied:
		return http.StatusForbidden, ee.Code
	case engine.ErrCodeConflict, engine.ErrCodeLeaseConflict, engine.ErrCodeNotCancellable, engine.ErrCodeNotRetryable:
		return http.StatusConflict, ee.Code
	case engine.ErrCodeRecipeInactive:
		return http.StatusUnprocessableEntity, ee.Code
	case engine.ErrCodeRateLimited:
		return http.StatusTooManyRequests, ee.Code
	}

	if engine.IsRetryable(err) {
		return http.StatusServiceUnavailable, codeOr(ee.Code, engine.ErrCodeStore)
	}
	return http.StatusInternalServerError, codeOr(ee.Code, engine.ErrCodeInternal)
}

func codeOr(code, fallback string) string {
	if code == "" {
		return fallback
	}
	return code
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeEngineError writes err with its mapped status. Internal failures are logged and
// their message is not echoed.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		if status == http.StatusInternalServerError {
			message = "internal error"
		}
	}
	writeError(w, status, code, message)
}
