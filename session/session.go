// Package session stores the per-project message log: user prompts, plans,
// progress events and run summaries. The planner reads it back to give the
// model the history of a project across runs.
//
// In-memory store:
//
//	store := session.NewMemoryStore()
//
// Persistent store, one JSONL file per project:
//
//	store, _ := session.NewFileStore("~/.forge/projects")
//	store.Create(ctx, session.NewMessage("p1", session.RoleUser, "build a counter app", ""))
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidProjectID is returned when a project id contains path
// separators, relative path components or is empty.
var ErrInvalidProjectID = errors.New("invalid project ID")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Event types with special meaning to the planner and the UI. Progress
// events are stored with their event kind as the type.
const (
	EventTypePlan         = "plan"
	EventTypeThinking     = "thinking"
	EventTypeSummary      = "summary"
	EventTypeContextSaved = "context_saved"
)

// Message is one entry of a project's log.
type Message struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	EventType string    `json:"event_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage returns a message with a fresh id and the current time.
func NewMessage(projectID string, role Role, content, eventType string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Role:      role,
		Content:   content,
		EventType: eventType,
		CreatedAt: time.Now().UTC(),
	}
}

// Order sorts messages by creation time.
type Order int

const (
	OrderAsc Order = iota
	OrderDesc
)

// Filter selects messages of one project. Empty slices match everything.
type Filter struct {
	ProjectID  string
	Roles      []Role
	EventTypes []string

	// Limit caps the result after ordering. Zero means no limit.
	Limit int
}

func (f Filter) matches(m *Message) bool {
	if m.ProjectID != f.ProjectID {
		return false
	}
	if len(f.Roles) > 0 && !contains(f.Roles, m.Role) {
		return false
	}
	if len(f.EventTypes) > 0 && !contains(f.EventTypes, m.EventType) {
		return false
	}
	return true
}

func contains[T comparable](items []T, v T) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}

// Store is an append-only message log keyed by project id.
type Store interface {
	Create(ctx context.Context, msg *Message) error
	FindMany(ctx context.Context, filter Filter, order Order) ([]*Message, error)
}

// validateID rejects project ids that could escape a store directory.
func validateID(id string) error {
	if id == "" || id == "." || id == ".." ||
		strings.ContainsAny(id, "/\\") ||
		strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidProjectID, id)
	}
	return nil
}

func prepare(msg *Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if err := validateID(msg.ProjectID); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Role == "" {
		msg.Role = RoleAssistant
	}
	return nil
}

// selectMessages filters, orders and limits msgs. The sort is stable so
// messages sharing a timestamp keep insertion order.
func selectMessages(msgs []*Message, filter Filter, order Order) []*Message {
	var out []*Message
	for _, m := range msgs {
		if filter.matches(m) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if order == OrderDesc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out
}
