// Package openai provides an llm.LLM backed by the OpenAI Responses API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/forge/llm"
	"github.com/deepnoodle-ai/forge/retry"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

const ProviderName = "openai"

var (
	DefaultModel         = "gpt-4.1"
	DefaultMaxTokens     = 8192
	DefaultMaxRetries    = 3
	DefaultRetryBaseWait = 1 * time.Second
)

var _ llm.LLM = &Provider{}

type Provider struct {
	client        openai.Client
	model         string
	maxTokens     int
	maxRetries    int
	retryBaseWait time.Duration
	options       []option.RequestOption
}

// New returns a provider. The API key defaults to OPENAI_API_KEY, which the
// SDK reads itself.
func New(opts ...Option) *Provider {
	p := &Provider{
		model:         DefaultModel,
		maxTokens:     DefaultMaxTokens,
		maxRetries:    DefaultMaxRetries,
		retryBaseWait: DefaultRetryBaseWait,
	}
	for _, opt := range opts {
		opt(p)
	}
	// Retries are handled by retry.Do so the SDK's own retries are disabled.
	p.options = append(p.options, option.WithMaxRetries(0))
	p.client = openai.NewClient(p.options...)
	return p
}

func (p *Provider) Name() string {
	return ProviderName
}

func (p *Provider) Generate(ctx context.Context, messages []*llm.Message, opts ...llm.Option) (*llm.Response, error) {
	config := llm.NewConfig(opts...)
	params, err := p.buildRequestParams(messages, config)
	if err != nil {
		return nil, err
	}
	var result *llm.Response
	err = retry.Do(ctx, func() error {
		response, err := p.client.Responses.New(ctx, params)
		if err != nil {
			return classifyError(err)
		}
		result, err = decodeResponse(response)
		return err
	}, retry.WithMaxRetries(p.maxRetries), retry.WithBaseWait(p.retryBaseWait))
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Provider) buildRequestParams(messages []*llm.Message, config *llm.Config) (responses.ResponseNewParams, error) {
	input, err := encodeMessages(messages)
	if err != nil {
		return responses.ResponseNewParams{}, err
	}
	model := p.model
	if config.Model != "" {
		model = config.Model
	}
	params := responses.ResponseNewParams{
		Model: model,
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: input},
	}
	if config.SystemPrompt != "" {
		params.Instructions = openai.String(config.SystemPrompt)
	}
	maxTokens := p.maxTokens
	if config.MaxTokens != nil {
		maxTokens = *config.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(maxTokens))
	}
	if config.Temperature != nil {
		params.Temperature = openai.Float(*config.Temperature)
	}
	if len(config.Tools) > 0 {
		tools := make([]responses.ToolUnionParam, 0, len(config.Tools))
		for _, tool := range config.Tools {
			tools = append(tools, responses.ToolUnionParam{
				OfFunction: &responses.FunctionToolParam{
					Name:        tool.Name(),
					Strict:      openai.Bool(false),
					Description: openai.String(tool.Description()),
					Parameters:  tool.Schema().AsMap(),
				},
			})
		}
		params.Tools = tools
		switch config.ToolChoice {
		case llm.ToolChoiceNone:
			params.ToolChoice = responses.ResponseNewParamsToolChoiceUnion{
				OfToolChoiceMode: openai.Opt(responses.ToolChoiceOptionsNone),
			}
		case llm.ToolChoiceAny:
			params.ToolChoice = responses.ResponseNewParamsToolChoiceUnion{
				OfToolChoiceMode: openai.Opt(responses.ToolChoiceOptionsRequired),
			}
		}
	}
	return params, nil
}

// classifyError marks rate limits and server errors as retryable.
func classifyError(err error) error {
	wrapped := fmt.Errorf("error making request: %w", err)
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && retry.ShouldRetryStatus(apiErr.StatusCode) {
		return retry.NewRecoverableError(wrapped)
	}
	return wrapped
}
