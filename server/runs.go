package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/workflow"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Frame types of a run stream.
const (
	FrameStart   = "start"
	FramePartial = "partial"
	FrameDone    = "done"
	FrameError   = "error"
)

// Frame is one server-sent event of a run stream.
type Frame struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Payload any    `json:"payload,omitempty"`
}

// RunRequest is the body of POST /projects/{id}/runs.
type RunRequest struct {
	Prompt  string                   `json:"prompt"`
	Context *workflow.ProjectContext `json:"context,omitempty"`

	// Wait queues behind an active run instead of failing with 409.
	Wait bool `json:"wait,omitempty"`
}

// RunResult is the payload of the done frame.
type RunResult struct {
	Success bool     `json:"success"`
	Summary string   `json:"summary"`
	Trail   []string `json:"trail"`
	Error   string   `json:"error,omitempty"`
}

type frameWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	id      string
}

func (fw *frameWriter) write(frameType string, payload any) error {
	data, err := json.Marshal(Frame{Type: frameType, ID: fw.id, Payload: payload})
	if err != nil {
		return err
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fmt.Fprintf(fw.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if fw.flusher != nil {
		fw.flusher.Flush()
	}
	return nil
}

// Send implements forge.EventSink by wrapping each event in a partial frame.
func (fw *frameWriter) Send(ctx context.Context, event *forge.Event) error {
	return fw.write(FramePartial, event)
}

// handleRun runs the workflow and streams its events. The run is bound to
// the request, so a client that disconnects cancels it between stages.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if !req.Wait && s.opts.Runner.Busy(projectID) {
		writeError(w, http.StatusConflict, workflow.ErrRunInProgress.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fw := &frameWriter{w: w, id: uuid.NewString()}
	fw.flusher, _ = w.(http.Flusher)
	fw.write(FrameStart, nil)

	logger := s.logger.With("project_id", projectID, "run_id", fw.id)
	state, err := s.opts.Runner.Run(r.Context(), workflow.Request{
		ProjectID: projectID,
		Prompt:    req.Prompt,
		Context:   req.Context,
		Events:    fw,
		Wait:      req.Wait,
	})
	if err != nil && state == nil {
		logger.Warn("run failed", "error", err)
		fw.write(FrameError, map[string]string{"error": runErrorMessage(err)})
		return
	}
	result := RunResult{
		Success: state.Base().Success,
		Summary: workflow.Summary(state),
		Trail:   state.Base().Trail(),
	}
	if err != nil {
		result.Error = err.Error()
	}
	fw.write(FrameDone, result)
}

func runErrorMessage(err error) string {
	switch {
	case errors.Is(err, workflow.ErrRunInProgress):
		return workflow.ErrRunInProgress.Error()
	case errors.Is(err, context.Canceled):
		return "run cancelled"
	default:
		return err.Error()
	}
}
