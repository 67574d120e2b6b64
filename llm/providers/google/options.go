package google

import "time"

type Option func(*Provider)

func WithAPIKey(apiKey string) Option {
	return func(p *Provider) { p.apiKey = apiKey }
}

func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

func WithMaxTokens(maxTokens int) Option {
	return func(p *Provider) { p.maxTokens = maxTokens }
}

func WithMaxRetries(maxRetries int) Option {
	return func(p *Provider) { p.maxRetries = maxRetries }
}

func WithRetryBaseWait(d time.Duration) Option {
	return func(p *Provider) { p.retryBaseWait = d }
}
