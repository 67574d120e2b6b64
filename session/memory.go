package session

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

// DefaultHistoryLimit is how many recent messages LoadProjectHistory reads.
const DefaultHistoryLimit = 50

// Memory is the saved long-term context of a project.
type Memory struct {
	// Semantic describes what the project is.
	Semantic string `json:"semantic"`

	// Procedural describes how the project works.
	Procedural string `json:"procedural"`

	// Episodic describes what has been done so far.
	Episodic string `json:"episodic"`

	FilesCreated []string `json:"files_created,omitempty"`
}

// Empty reports whether the memory holds nothing worth showing.
func (m *Memory) Empty() bool {
	return m == nil || (m.Semantic == "" && m.Procedural == "" &&
		m.Episodic == "" && len(m.FilesCreated) == 0)
}

// SaveMemory appends a context_saved message carrying mem as JSON.
func SaveMemory(ctx context.Context, store Store, projectID string, mem *Memory) error {
	data, err := json.Marshal(mem)
	if err != nil {
		return err
	}
	return store.Create(ctx, NewMessage(projectID, RoleAssistant, string(data), EventTypeContextSaved))
}

// LoadMemory returns the most recently saved memory, or nil if none was
// saved. Content that is not JSON is treated as a semantic description.
func LoadMemory(ctx context.Context, store Store, projectID string) (*Memory, error) {
	msgs, err := store.FindMany(ctx, Filter{
		ProjectID:  projectID,
		EventTypes: []string{EventTypeContextSaved},
		Limit:      1,
	}, OrderDesc)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return parseMemory(msgs[0].Content), nil
}

func parseMemory(content string) *Memory {
	var mem Memory
	if err := json.Unmarshal([]byte(content), &mem); err != nil {
		return &Memory{Semantic: content}
	}
	return &mem
}

// Request is one user prompt from a project's history and whether the run
// it started finished without errors.
type Request struct {
	Prompt  string
	Success bool
}

// ProjectHistory is what the planner knows about an existing project.
type ProjectHistory struct {
	Memory   Memory
	Requests []Request
}

var (
	createdPattern     = regexp.MustCompile(`Created\s+([\w/.\-]+)`)
	createdListPattern = regexp.MustCompile(`Created\s+\d+\s+files?:\s*(.+)`)
)

// createdFiles extracts the paths named by a file_created ("Created a.jsx")
// or files_created ("Created 2 files: a.jsx, b.jsx") message.
func createdFiles(m *Message) []string {
	var out []string
	switch m.EventType {
	case "files_created":
		if match := createdListPattern.FindStringSubmatch(m.Content); match != nil {
			for _, f := range strings.Split(match[1], ",") {
				if f = strings.TrimSpace(f); f != "" {
					out = append(out, f)
				}
			}
		}
	case "file_created":
		for _, match := range createdPattern.FindAllStringSubmatch(m.Content, -1) {
			out = append(out, strings.TrimSuffix(match[1], ","))
		}
	}
	return out
}

// LoadProjectHistory reconstructs a project's context from its most recent
// messages. It returns nil for a new project: one with no assistant
// messages, or with nothing remembered about it.
func LoadProjectHistory(ctx context.Context, store Store, projectID string, limit int) (*ProjectHistory, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	recent, err := store.FindMany(ctx, Filter{ProjectID: projectID, Limit: limit}, OrderDesc)
	if err != nil {
		return nil, err
	}
	// Restore chronological order.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}

	hasAssistant := false
	for _, m := range recent {
		if m.Role == RoleAssistant {
			hasAssistant = true
			break
		}
	}
	if !hasAssistant {
		return nil, nil
	}

	history := &ProjectHistory{}
	mem, err := LoadMemory(ctx, store, projectID)
	if err != nil {
		return nil, err
	}
	if mem != nil {
		history.Memory = *mem
	}

	seen := map[string]bool{}
	for _, f := range history.Memory.FilesCreated {
		seen[f] = true
	}
	addFile := func(f string) {
		if !seen[f] {
			seen[f] = true
			history.Memory.FilesCreated = append(history.Memory.FilesCreated, f)
		}
	}

	current := -1
	for _, m := range recent {
		switch m.Role {
		case RoleUser:
			history.Requests = append(history.Requests, Request{Prompt: m.Content, Success: true})
			current = len(history.Requests) - 1
		case RoleAssistant:
			if current >= 0 && strings.Contains(strings.ToLower(m.Content), "error") {
				history.Requests[current].Success = false
			}
			for _, f := range createdFiles(m) {
				addFile(f)
			}
		}
	}
	// A trailing prompt has no outcome yet; it is the request being planned.
	if current >= 0 && recent[len(recent)-1].Role == RoleUser {
		history.Requests = history.Requests[:current]
	}

	if history.Memory.Empty() && len(history.Requests) == 0 {
		return nil, nil
	}
	return history, nil
}
