package llm

import "context"

// EventType identifies a streaming event.
type EventType string

const (
	EventTextDelta     EventType = "text_delta"
	EventThinkingDelta EventType = "thinking_delta"
	EventDone          EventType = "done"
)

// Event is one streaming event. The final event of a successful stream has
// type EventDone and carries the complete Response.
type Event struct {
	Type     EventType `json:"type"`
	Text     string    `json:"text,omitempty"`
	Response *Response `json:"response,omitempty"`
}

// Stream is an iterator over streaming events.
type Stream interface {
	// Next returns the next event, or false when the stream is exhausted or
	// failed. Check Err afterwards.
	Next(ctx context.Context) (*Event, bool)

	Err() error

	Close() error
}

// Collect drains a stream, calling onText for each text delta, and returns
// the final response.
func Collect(ctx context.Context, s Stream, onText func(string)) (*Response, error) {
	defer s.Close()
	var final *Response
	var text string
	for {
		event, ok := s.Next(ctx)
		if !ok {
			break
		}
		switch event.Type {
		case EventTextDelta:
			text += event.Text
			if onText != nil {
				onText(event.Text)
			}
		case EventDone:
			final = event.Response
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if final == nil {
		if text == "" {
			return nil, ErrNoResponse
		}
		final = &Response{Role: Assistant, Content: []*Content{{Type: ContentTypeText, Text: text}}}
	}
	return final, nil
}
