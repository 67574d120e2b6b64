package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/deepnoodle-ai/forge/slogger"
)

// EventKind names a progress notification.
type EventKind string

const (
	EventPlannerStarted      EventKind = "planner_started"
	EventGeneratingPlan      EventKind = "generating_plan"
	EventThinking            EventKind = "thinking"
	EventPlannerComplete     EventKind = "planner_complete"
	EventPlannerError        EventKind = "planner_error"
	EventBuilderStarted      EventKind = "builder_started"
	EventToolStarted         EventKind = "tool_started"
	EventToolResponse        EventKind = "tool_response"
	EventFileRead            EventKind = "file_read"
	EventFileCreated         EventKind = "file_created"
	EventFilesCreated        EventKind = "files_created"
	EventFileDeleted         EventKind = "file_deleted"
	EventFileError           EventKind = "file_error"
	EventCommandStarted      EventKind = "command_started"
	EventCommandExecuted     EventKind = "command_executed"
	EventCommandFailed       EventKind = "command_failed"
	EventBuildTestStarted    EventKind = "build_test_started"
	EventBuildTestPassed     EventKind = "build_test_success"
	EventBuildTestFailed     EventKind = "build_test_failed"
	EventMissingDependencies EventKind = "missing_dependencies"
	EventBuilderComplete     EventKind = "builder_complete"
	EventBuilderError        EventKind = "builder_error"
	EventValidatorStarted    EventKind = "validator_started"
	EventValidatorPassed     EventKind = "validator_passed"
	EventValidatorFailed     EventKind = "validator_failed"
	EventCheckerStarted      EventKind = "checker_started"
	EventCheckerPassed       EventKind = "checker_passed"
	EventCheckerFailed       EventKind = "checker_failed"
	EventExecutorStarted     EventKind = "executor_started"
	EventDevServerStarted    EventKind = "dev_server_started"
	EventDevServerError      EventKind = "dev_server_error"
	EventExecutorComplete    EventKind = "executor_complete"
	EventExecutorSkipped     EventKind = "executor_skipped"
	EventContextSaved        EventKind = "context_saved"
	EventStageError          EventKind = "stage_error"
	EventComplete            EventKind = "complete"
)

// Event is a progress notification. Data fields are flattened next to the
// kind and message when encoded, e.g. {"e":"file_created","path":"..."}.
type Event struct {
	Kind    EventKind
	Message string
	Data    map[string]any
}

func NewEvent(kind EventKind, message string) *Event {
	return &Event{Kind: kind, Message: message}
}

// With returns the event with key set in Data.
func (e *Event) With(key string, value any) *Event {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	e.Data[key] = value
	return e
}

func (e *Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Data)+2)
	for k, v := range e.Data {
		out[k] = v
	}
	out["e"] = e.Kind
	if e.Message != "" {
		out["message"] = e.Message
	}
	return json.Marshal(out)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	kind, _ := raw["e"].(string)
	message, _ := raw["message"].(string)
	delete(raw, "e")
	delete(raw, "message")
	e.Kind = EventKind(kind)
	e.Message = message
	e.Data = nil
	if len(raw) > 0 {
		e.Data = raw
	}
	return nil
}

// EventSink receives progress events. Implementations may fail; callers in
// forge always deliver through an Emitter, which swallows failures.
type EventSink interface {
	Send(ctx context.Context, event *Event) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event *Event) error

func (f EventSinkFunc) Send(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Tee fans an event out to every sink, attempting all of them and returning
// the first failure.
func Tee(sinks ...EventSink) EventSink {
	return EventSinkFunc(func(ctx context.Context, event *Event) error {
		var first error
		for _, sink := range sinks {
			if sink == nil {
				continue
			}
			if err := sink.Send(ctx, event); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}

// Emitter delivers events on a best-effort basis: sink errors and panics are
// logged and discarded.
type Emitter struct {
	sink   EventSink
	logger slogger.Logger
}

func NewEmitter(sink EventSink, logger slogger.Logger) *Emitter {
	return &Emitter{sink: sink, logger: slogger.OrDefault(logger)}
}

// Emit sends event, never failing. A nil Emitter or sink drops the event.
func (e *Emitter) Emit(ctx context.Context, event *Event) {
	if e == nil || e.sink == nil || event == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("event sink panicked", "event", event.Kind, "error", fmt.Sprint(r))
		}
	}()
	if err := e.sink.Send(ctx, event); err != nil {
		e.logger.Warn("failed to send event", "event", event.Kind, "error", err)
	}
}

// Send is shorthand for Emit(ctx, NewEvent(kind, message)) with data merged.
func (e *Emitter) Send(ctx context.Context, kind EventKind, message string, data map[string]any) {
	e.Emit(ctx, &Event{Kind: kind, Message: message, Data: data})
}

// EventRecorder is an EventSink that keeps every event in memory.
type EventRecorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *EventRecorder) Send(ctx context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (r *EventRecorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events in order.
func (r *EventRecorder) Kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}
