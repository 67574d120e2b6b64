package llm

// Usage contains token usage information for a response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Response from an LLM.
type Response struct {
	ID         string     `json:"id"`
	Model      string     `json:"model"`
	StopReason string     `json:"stop_reason"`
	Role       Role       `json:"role"`
	Content    []*Content `json:"content"`
	Usage      Usage      `json:"usage"`
}

// Message converts the response into an assistant message suitable for
// appending to the conversation.
func (r *Response) Message() *Message {
	return &Message{Role: Assistant, Content: r.Content}
}

func (r *Response) Text() string {
	return r.Message().Text()
}

func (r *Response) ToolCalls() []*ToolCall {
	return r.Message().ToolCalls()
}
