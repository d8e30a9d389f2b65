package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/castwork/castwork/pkg/engine"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4096

// MapHTTPError classifies a non-2xx provider response.
func MapHTTPError(resp *http.Response) error {
	msg := extractErrorMessage(resp.Body)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return mapStatus(resp.StatusCode, msg).
		WithDetail("status_code", resp.StatusCode).
		WithDetail("request_id", resp.Header.Get("X-Request-Id"))
}

// MapNetworkError classifies a transport failure.
func MapNetworkError(err error) error {
	if err == nil {
		return nil
	}
	if isDeadline(err) {
		return engine.NewTransientError("provider request timed out", err).WithCode(engine.ErrCodeTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return engine.NewPermanentError("provider request cancelled", err).WithCode(engine.ErrCodeProviderFailed)
	}
	return engine.NewTransientError(fmt.Sprintf("provider unreachable: %v", err), err).
		WithCode(engine.ErrCodeProviderFailed)
}

func mapStatus(status int, msg string) *engine.EngineError {
	switch {
	case status == http.StatusTooManyRequests:
		return engine.NewThrottledError("provider rate limit: "+msg, nil).WithCode(engine.ErrCodeRateLimited)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return engine.NewTransientError("provider timed out: "+msg, nil).WithCode(engine.ErrCodeTimeout)
	case status >= 500:
		return engine.NewTransientError(fmt.Sprintf("provider error %d: %s", status, msg), nil).
			WithCode(engine.ErrCodeProviderFailed)
	default:
		return engine.NewPermanentError(fmt.Sprintf("provider rejected request %d: %s", status, msg), nil).
			WithCode(engine.ErrCodeProviderFailed)
	}
}

// extractErrorMessage reads the OpenAI-style {"error":{"message":...}} body, falling
// back to the raw text.
func extractErrorMessage(body io.Reader) string {
	if body == nil {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return ""
	}
	if gjson.ValidBytes(data) {
		for _, path := range []string{"error.message", "error", "message", "detail"} {
			if v := gjson.GetBytes(data, path); v.Type == gjson.String && v.Str != "" {
				return v.Str
			}
		}
	}
	return strings.TrimSpace(string(data))
}

var statusInMessage = regexp.MustCompile(`status code:? (\d{3})`)

// classifyClientError maps errors from SDK clients that only report the HTTP status
// inside the message text.
func classifyClientError(err error) error {
	if err == nil {
		return nil
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return err
	}
	if isDeadline(err) || errors.Is(err, context.Canceled) {
		return MapNetworkError(err)
	}
	if m := statusInMessage.FindStringSubmatch(err.Error()); m != nil {
		status, _ := strconv.Atoi(m[1])
		mapped := mapStatus(status, err.Error())
		mapped.Err = err
		return mapped
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return MapNetworkError(err)
	}
	return engine.NewPermanentError(err.Error(), err).WithCode(engine.ErrCodeProviderFailed)
}

func isDeadline(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
