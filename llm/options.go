package llm

// Option configures a single generation.
type Option func(*Config)

// Config holds the parameters of one generation request.
type Config struct {
	Model        string
	SystemPrompt string
	MaxTokens    *int
	Temperature  *float64
	Tools        []Tool
	ToolChoice   ToolChoice
}

// Apply applies the options in order.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// NewConfig returns a Config with opts applied.
func NewConfig(opts ...Option) *Config {
	c := &Config{}
	c.Apply(opts...)
	return c
}

func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

func WithSystemPrompt(prompt string) Option {
	return func(c *Config) { c.SystemPrompt = prompt }
}

func WithMaxTokens(maxTokens int) Option {
	return func(c *Config) { c.MaxTokens = &maxTokens }
}

func WithTemperature(temperature float64) Option {
	return func(c *Config) { c.Temperature = &temperature }
}

// WithTools sets the tools available for the generation.
func WithTools(tools ...Tool) Option {
	return func(c *Config) { c.Tools = tools }
}

func WithToolChoice(choice ToolChoice) Option {
	return func(c *Config) { c.ToolChoice = choice }
}
