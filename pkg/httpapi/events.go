package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/castwork/castwork/pkg/engine"
	"github.com/castwork/castwork/pkg/telemetry"
)

// handleEvents streams lifecycle events for one execution as server-sent events. The
// stream ends after a terminal event. For an execution that is already terminal, a
// single event describing the final status is sent.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, engine.ErrCodeInternal, "streaming unsupported")
		return
	}

	// Subscribe before reading the status so no transition is lost in between.
	events, unsubscribe := s.tel.Events.SubscribeExecution(id)
	defer unsubscribe()

	view, err := s.control.Status(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if view.Execution.Status.IsTerminal() {
		_ = writeEvent(w, finalEvent(view.Execution))
		flusher.Flush()
		return
	}

	keepAlive := time.NewTicker(s.opts.KeepAlive)
	defer keepAlive.Stop()

	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event := <-events:
			if err := writeEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
			if event.IsTerminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event telemetry.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
	return err
}

// finalEvent describes an execution that finished before the stream was opened.
func finalEvent(exec *engine.RecipeExecution) telemetry.Event {
	event := telemetry.Event{
		ID:          exec.ID + "-final",
		Timestamp:   exec.UpdatedAt,
		ExecutionID: exec.ID,
		RecipeID:    exec.RecipeID,
		StepIndex:   -1,
		Level:       telemetry.EventLevelInfo,
		Message:     "execution " + string(exec.Status),
	}
	switch exec.Status {
	case engine.ExecutionStatusDone:
		event.Type = telemetry.EventTypeExecutionCompleted
	case engine.ExecutionStatusError:
		event.Type = telemetry.EventTypeExecutionFailed
		event.Level = telemetry.EventLevelError
		event.Message = exec.ErrorMessage
	default:
		event.Type = telemetry.EventTypeExecutionCancelled
		event.Level = telemetry.EventLevelWarning
	}
	return event
}
