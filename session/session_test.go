package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{"memory": NewMemoryStore(), "file": fs}
}

func at(projectID string, role Role, content, eventType string, ts time.Time) *Message {
	msg := NewMessage(projectID, role, content, eventType)
	msg.CreatedAt = ts
	return msg
}

func TestCreateAndFindMany(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, at("p1", RoleUser, "first", "", base)))
			require.NoError(t, store.Create(ctx, at("p1", RoleAssistant, "plan", EventTypePlan, base.Add(time.Second))))
			require.NoError(t, store.Create(ctx, at("p1", RoleAssistant, "done", EventTypeSummary, base.Add(2*time.Second))))
			require.NoError(t, store.Create(ctx, at("p2", RoleUser, "other", "", base)))

			msgs, err := store.FindMany(ctx, Filter{ProjectID: "p1"}, OrderAsc)
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			assert.Equal(t, "first", msgs[0].Content)
			assert.Equal(t, "done", msgs[2].Content)
			assert.NotEmpty(t, msgs[0].ID)

			msgs, err = store.FindMany(ctx, Filter{ProjectID: "p1", Limit: 2}, OrderDesc)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, "done", msgs[0].Content)
			assert.Equal(t, "plan", msgs[1].Content)

			msgs, err = store.FindMany(ctx, Filter{ProjectID: "p1", EventTypes: []string{EventTypePlan}}, OrderAsc)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, RoleAssistant, msgs[0].Role)

			msgs, err = store.FindMany(ctx, Filter{ProjectID: "p1", Roles: []Role{RoleUser}}, OrderAsc)
			require.NoError(t, err)
			require.Len(t, msgs, 1)

			msgs, err = store.FindMany(ctx, Filter{ProjectID: "empty"}, OrderAsc)
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	}
}

func TestInvalidProjectID(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"", "..", "../x", "a/b", `a\b`} {
				err := store.Create(ctx, NewMessage(id, RoleUser, "x", ""))
				assert.ErrorIs(t, err, ErrInvalidProjectID, id)
				_, err = store.FindMany(ctx, Filter{ProjectID: id}, OrderAsc)
				assert.ErrorIs(t, err, ErrInvalidProjectID, id)
			}
		})
	}
}

func TestFileStorePersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, NewMessage("p1", RoleUser, "hello\nworld", "")))

	_, err = os.Stat(filepath.Join(dir, "p1.jsonl"))
	require.NoError(t, err)

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	msgs, err := reopened.FindMany(ctx, Filter{ProjectID: "p1"}, OrderAsc)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello\nworld", msgs[0].Content)

	ids, err := reopened.Projects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, ids)
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	mem, err := LoadMemory(ctx, store, "p1")
	require.NoError(t, err)
	assert.Nil(t, mem)

	require.NoError(t, SaveMemory(ctx, store, "p1", &Memory{Semantic: "old"}))
	require.NoError(t, SaveMemory(ctx, store, "p1", &Memory{
		Semantic:     "A todo app",
		Procedural:   "State in useState",
		FilesCreated: []string{"src/pages/Home.jsx"},
	}))

	mem, err = LoadMemory(ctx, store, "p1")
	require.NoError(t, err)
	require.NotNil(t, mem)
	assert.Equal(t, "A todo app", mem.Semantic)
	assert.Equal(t, []string{"src/pages/Home.jsx"}, mem.FilesCreated)
}

func TestLoadMemoryPlainText(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, NewMessage("p1", RoleAssistant, "just notes", EventTypeContextSaved)))

	mem, err := LoadMemory(ctx, store, "p1")
	require.NoError(t, err)
	assert.Equal(t, &Memory{Semantic: "just notes"}, mem)
}

func TestLoadProjectHistoryNewProject(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, NewMessage("p1", RoleUser, "build a counter app", "")))

	history, err := LoadProjectHistory(ctx, store, "p1", 0)
	require.NoError(t, err)
	assert.Nil(t, history)
}

func TestLoadProjectHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	msgs := []*Message{
		at("p1", RoleUser, "build a counter app", "", base),
		at("p1", RoleAssistant, "Created src/pages/Home.jsx", "file_created", base.Add(1*time.Second)),
		at("p1", RoleAssistant, "Build completed", EventTypeSummary, base.Add(2*time.Second)),
		at("p1", RoleUser, "add a reset button", "", base.Add(3*time.Second)),
		at("p1", RoleAssistant, "Created 2 files: src/pages/Home.jsx, src/Reset.jsx", "files_created", base.Add(3500*time.Millisecond)),
		at("p1", RoleAssistant, "Builder agent execution error: boom", "builder_error", base.Add(4*time.Second)),
		at("p1", RoleUser, "make it blue", "", base.Add(5*time.Second)),
	}
	for _, m := range msgs {
		require.NoError(t, store.Create(ctx, m))
	}
	require.NoError(t, store.Create(ctx, at("p1", RoleAssistant,
		`{"semantic":"Counter","files_created":["src/App.jsx"]}`, EventTypeContextSaved, base.Add(2500*time.Millisecond))))

	history, err := LoadProjectHistory(ctx, store, "p1", 0)
	require.NoError(t, err)
	require.NotNil(t, history)
	assert.Equal(t, "Counter", history.Memory.Semantic)
	assert.Equal(t, []string{"src/App.jsx", "src/pages/Home.jsx", "src/Reset.jsx"}, history.Memory.FilesCreated)
	assert.Equal(t, []Request{
		{Prompt: "build a counter app", Success: true},
		{Prompt: "add a reset button", Success: false},
	}, history.Requests)
}
