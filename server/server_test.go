package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/deepnoodle-ai/forge/llm/llmtest"
	"github.com/deepnoodle-ai/forge/sandbox"
	"github.com/deepnoodle-ai/forge/sandbox/sandboxtest"
	"github.com/deepnoodle-ai/forge/session"
	"github.com/deepnoodle-ai/forge/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const homePage = `import React from 'react';

export default function Home() {
  return <h1>Hello</h1>;
}
`

const appFile = "/home/user/react-app/src/App.jsx"

type fixture struct {
	server   *Server
	provider *sandboxtest.Provider
	manager  *sandbox.Manager
	store    *session.MemoryStore
}

func newFixture(t *testing.T, model *llmtest.Scripted) *fixture {
	t.Helper()
	provider := sandboxtest.NewProvider()
	provider.Seed = map[string]string{appFile: "export default function App() {}"}
	manager, err := sandbox.NewManager(sandbox.Options{Provider: provider})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close(context.Background()) })

	store := session.NewMemoryStore()
	runner, err := workflow.NewRunner(workflow.RunnerOptions{
		Model:     model,
		Sandboxes: manager,
		Store:     store,
		Settings:  workflow.DefaultSettings(),
	})
	require.NoError(t, err)

	srv, err := New(Options{Runner: runner, Sandboxes: manager, Store: store})
	require.NoError(t, err)
	return &fixture{server: srv, provider: provider, manager: manager, store: store}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(method, target, reader))
	return rec
}

type rawFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func parseFrames(t *testing.T, body string) []rawFrame {
	t.Helper()
	var frames []rawFrame
	for _, chunk := range strings.Split(body, "\n\n") {
		if chunk == "" {
			continue
		}
		require.True(t, strings.HasPrefix(chunk, "data: "), chunk)
		var f rawFrame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(chunk, "data: ")), &f))
		frames = append(frames, f)
	}
	return frames
}

func pageModel() *llmtest.Scripted {
	return llmtest.New(
		llmtest.Text("1. Write a greeting in Home.jsx"),
		llmtest.ToolCall("r1", "read_file", map[string]any{}),
		llmtest.ToolCall("w1", "create_file", map[string]any{"content": homePage}),
	)
}

func TestRunStreamsFrames(t *testing.T) {
	f := newFixture(t, pageModel())

	rec := f.do(t, http.MethodPost, "/projects/p1/runs", `{"prompt": "build a greeting page"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := parseFrames(t, rec.Body.String())
	require.GreaterOrEqual(t, len(frames), 3)
	assert.Equal(t, FrameStart, frames[0].Type)
	assert.Equal(t, FrameDone, frames[len(frames)-1].Type)

	var kinds []string
	for _, frame := range frames {
		assert.Equal(t, frames[0].ID, frame.ID)
		if frame.Type != FramePartial {
			continue
		}
		var payload map[string]any
		require.NoError(t, json.Unmarshal(frame.Payload, &payload))
		kinds = append(kinds, payload["e"].(string))
	}
	assert.Equal(t, "planner_started", kinds[0])
	assert.Equal(t, "complete", kinds[len(kinds)-1])

	var result RunResult
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Payload, &result))
	assert.True(t, result.Success)
	assert.Equal(t, "Plan created\nBuild completed\nApplication is running", result.Summary)
	assert.Equal(t, []string{"planner:completed", "builder:completed", "validator:passed", "executor:completed"}, result.Trail)

	// The run is persisted and served back.
	rec = f.do(t, http.MethodGet, "/projects/p1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Messages []*session.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Messages)
	assert.Equal(t, "build a greeting page", body.Messages[0].Content)
}

type stubRunner struct {
	busy  bool
	state workflow.State
	err   error
}

func (s *stubRunner) Run(ctx context.Context, req workflow.Request) (workflow.State, error) {
	return s.state, s.err
}

func (s *stubRunner) Busy(projectID string) bool { return s.busy }

func newStubServer(t *testing.T, runner Runner) *Server {
	t.Helper()
	manager, err := sandbox.NewManager(sandbox.Options{Provider: sandboxtest.NewProvider()})
	require.NoError(t, err)
	srv, err := New(Options{Runner: runner, Sandboxes: manager})
	require.NoError(t, err)
	return srv
}

func TestRunConflict(t *testing.T) {
	srv := newStubServer(t, &stubRunner{busy: true})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/projects/p1/runs", strings.NewReader(`{"prompt": "x"}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already in progress")
}

func TestRunBadRequests(t *testing.T) {
	srv := newStubServer(t, &stubRunner{})
	for _, body := range []string{`{"prompt": `, `{"prompt": "  "}`} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/projects/p1/runs", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec := httptest.NewRecorder()
	big := `{"prompt": "` + strings.Repeat("a", maxRequestBody) + `"}`
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/projects/p1/runs", strings.NewReader(big)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRunErrorFrame(t *testing.T) {
	srv := newStubServer(t, &stubRunner{err: errors.New("acquire sandbox: provider down")})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/projects/p1/runs", strings.NewReader(`{"prompt": "x"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 2)
	assert.Equal(t, FrameStart, frames[0].Type)
	assert.Equal(t, FrameError, frames[1].Type)
	assert.Contains(t, string(frames[1].Payload), "provider down")
}

func TestSandboxInfoAndRelease(t *testing.T) {
	f := newFixture(t, llmtest.New())

	rec := f.do(t, http.MethodGet, "/sandbox/p1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info sandboxInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "5173-sbx-1.sandbox.test", info.Host)
	assert.Equal(t, []string{"src/App.jsx"}, info.Files)

	rec = f.do(t, http.MethodGet, "/sandbox/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"project_id":"p1"`)

	rec = f.do(t, http.MethodDelete, "/sandbox/p1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"released":true`)
	assert.True(t, f.provider.Last().Killed())
	assert.Empty(t, f.manager.Bindings())

	// Releasing again is not an error.
	rec = f.do(t, http.MethodDelete, "/sandbox/p1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"released":false`)
}

func TestReadFile(t *testing.T) {
	f := newFixture(t, llmtest.New())

	rec := f.do(t, http.MethodGet, "/projects/p1/files/src/App.jsx", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, appFile, body["path"])
	assert.Equal(t, "export default function App() {}", body["content"])

	rec = f.do(t, http.MethodGet, "/projects/p1/files/src/Missing.jsx", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "/home/user/react-app/src/Missing.jsx")

	rec = f.do(t, http.MethodGet, "/projects/p1/files", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"files": ["src/App.jsx"]}`, rec.Body.String())
}

func TestDownload(t *testing.T) {
	f := newFixture(t, llmtest.New())

	rec := f.do(t, http.MethodGet, "/projects/My_Project/download", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "my-project-files.zip")

	data := rec.Body.Bytes()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "src/App.jsx", zr.File[0].Name)
	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "export default function App() {}", string(content))
}

func TestRejectsMalformedProjectIDs(t *testing.T) {
	f := newFixture(t, llmtest.New())
	rec := f.do(t, http.MethodGet, "/projects/a.b/files", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, f.provider.Creates())
}

func TestHealth(t *testing.T) {
	f := newFixture(t, llmtest.New())
	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}
