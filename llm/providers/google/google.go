// Package google provides a Gemini-backed llm.StreamingLLM using the
// google.golang.org/genai SDK.
package google

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"sync"
	"time"

	"github.com/deepnoodle-ai/forge/llm"
	"github.com/deepnoodle-ai/forge/retry"
	"google.golang.org/genai"
)

const ProviderName = "google"

var (
	DefaultModel         = "gemini-2.5-flash"
	DefaultMaxTokens     = 8192
	DefaultMaxRetries    = 3
	DefaultRetryBaseWait = 1 * time.Second
)

var _ llm.StreamingLLM = &Provider{}

type Provider struct {
	client        *genai.Client
	apiKey        string
	model         string
	maxTokens     int
	maxRetries    int
	retryBaseWait time.Duration
	mutex         sync.Mutex
}

// New returns a provider. The API key defaults to GEMINI_API_KEY, then
// GOOGLE_API_KEY.
func New(opts ...Option) *Provider {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	p := &Provider{
		apiKey:        apiKey,
		model:         DefaultModel,
		maxTokens:     DefaultMaxTokens,
		maxRetries:    DefaultMaxRetries,
		retryBaseWait: DefaultRetryBaseWait,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string {
	return ProviderName
}

func (p *Provider) initClient(ctx context.Context) (*genai.Client, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google genai client: %w", err)
	}
	p.client = client
	return client, nil
}

func (p *Provider) Generate(ctx context.Context, messages []*llm.Message, opts ...llm.Option) (*llm.Response, error) {
	client, err := p.initClient(ctx)
	if err != nil {
		return nil, err
	}
	config := llm.NewConfig(opts...)
	model := p.modelFor(config)
	contents, err := encodeMessages(messages)
	if err != nil {
		return nil, err
	}
	genConfig := p.buildGenerateConfig(config)

	var result *llm.Response
	err = retry.Do(ctx, func() error {
		resp, err := client.Models.GenerateContent(ctx, model, contents, genConfig)
		if err != nil {
			return classifyError(err)
		}
		result, err = decodeResponse(resp, model)
		return err
	}, retry.WithMaxRetries(p.maxRetries), retry.WithBaseWait(p.retryBaseWait))
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Provider) Stream(ctx context.Context, messages []*llm.Message, opts ...llm.Option) (llm.Stream, error) {
	client, err := p.initClient(ctx)
	if err != nil {
		return nil, err
	}
	config := llm.NewConfig(opts...)
	model := p.modelFor(config)
	contents, err := encodeMessages(messages)
	if err != nil {
		return nil, err
	}
	seq := client.Models.GenerateContentStream(ctx, model, contents, p.buildGenerateConfig(config))
	return newStream(seq, model), nil
}

func (p *Provider) modelFor(config *llm.Config) string {
	if config.Model != "" {
		return config.Model
	}
	return p.model
}

func (p *Provider) buildGenerateConfig(config *llm.Config) *genai.GenerateContentConfig {
	genConfig := &genai.GenerateContentConfig{}
	maxTokens := p.maxTokens
	if config.MaxTokens != nil {
		maxTokens = *config.MaxTokens
	}
	if maxTokens > 0 {
		genConfig.MaxOutputTokens = int32(maxTokens)
	}
	if config.Temperature != nil {
		temp := float32(*config.Temperature)
		genConfig.Temperature = &temp
	}
	if config.SystemPrompt != "" {
		genConfig.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(config.SystemPrompt)},
		}
	}
	if len(config.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(config.Tools))
		for _, tool := range config.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  encodeSchema(tool.Schema()),
			})
		}
		genConfig.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		genConfig.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: functionCallingMode(config.ToolChoice)},
		}
	}
	return genConfig
}

func functionCallingMode(choice llm.ToolChoice) genai.FunctionCallingConfigMode {
	switch choice {
	case llm.ToolChoiceNone:
		return genai.FunctionCallingConfigModeNone
	case llm.ToolChoiceAny:
		return genai.FunctionCallingConfigModeAny
	default:
		return genai.FunctionCallingConfigModeAuto
	}
}

// stream adapts the SDK's pull iterator to llm.Stream. Text deltas are
// forwarded as they arrive and the accumulated response is emitted last.
type stream struct {
	next    func() (*genai.GenerateContentResponse, error, bool)
	stop    func()
	model   string
	text    string
	usage   llm.Usage
	pending []*llm.Event
	done    bool
	err     error
}

func newStream(seq iter.Seq2[*genai.GenerateContentResponse, error], model string) *stream {
	next, stop := iter.Pull2(seq)
	return &stream{next: next, stop: stop, model: model}
}

func (s *stream) Next(ctx context.Context) (*llm.Event, bool) {
	for {
		if len(s.pending) > 0 {
			event := s.pending[0]
			s.pending = s.pending[1:]
			return event, true
		}
		if s.done || s.err != nil {
			return nil, false
		}
		if err := ctx.Err(); err != nil {
			s.err = err
			return nil, false
		}
		resp, err, ok := s.next()
		if !ok {
			s.done = true
			s.pending = append(s.pending, &llm.Event{
				Type: llm.EventDone,
				Response: &llm.Response{
					Model:      s.model,
					Role:       llm.Assistant,
					StopReason: "stop",
					Content:    []*llm.Content{{Type: llm.ContentTypeText, Text: s.text}},
					Usage:      s.usage,
				},
			})
			continue
		}
		if err != nil {
			s.err = fmt.Errorf("error streaming content: %w", err)
			return nil, false
		}
		if resp.UsageMetadata != nil {
			s.usage = llm.Usage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part.Text == "" {
					continue
				}
				eventType := llm.EventTextDelta
				if part.Thought {
					eventType = llm.EventThinkingDelta
				} else {
					s.text += part.Text
				}
				s.pending = append(s.pending, &llm.Event{Type: eventType, Text: part.Text})
			}
		}
	}
}

func (s *stream) Err() error {
	return s.err
}

func (s *stream) Close() error {
	s.stop()
	return nil
}

// classifyError marks rate limits and server errors as retryable.
func classifyError(err error) error {
	wrapped := fmt.Errorf("error generating content: %w", err)
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && retry.ShouldRetryStatus(apiErr.Code) {
		return retry.NewRecoverableError(wrapped)
	}
	return wrapped
}
