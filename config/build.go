package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/forge/llm"
	"github.com/deepnoodle-ai/forge/llm/providers/google"
	"github.com/deepnoodle-ai/forge/llm/providers/openai"
	"github.com/deepnoodle-ai/forge/sandbox"
	"github.com/deepnoodle-ai/forge/sandbox/container"
	"github.com/deepnoodle-ai/forge/sandbox/local"
	"github.com/deepnoodle-ai/forge/session"
	"github.com/deepnoodle-ai/forge/slogger"
	"github.com/deepnoodle-ai/forge/toolkit"
	"github.com/deepnoodle-ai/forge/workflow"
)

// MemoryStoreDir selects the in-process message store.
const MemoryStoreDir = "memory"

type BuildOptions struct {
	Logger slogger.Logger

	// Model replaces the configured provider, e.g. in tests.
	Model llm.LLM

	// SandboxProvider replaces the configured provider.
	SandboxProvider sandbox.Provider
}

// Components are the long-lived parts built from a Config.
type Components struct {
	Model    llm.LLM
	Store    session.Store
	Sandbox  *sandbox.Manager
	Runner   *workflow.Runner
	Settings workflow.Settings
}

// Close releases every sandbox.
func (c *Components) Close(ctx context.Context) {
	c.Sandbox.Close(ctx)
}

// Build wires the model, message store, sandbox manager and runner.
func Build(ctx context.Context, cfg *Config, opts BuildOptions) (*Components, error) {
	logger := slogger.OrDefault(opts.Logger)

	model := opts.Model
	if model == nil {
		m, err := NewModel(cfg.LLM)
		if err != nil {
			return nil, err
		}
		model = m
	}
	store, err := NewStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	provider := opts.SandboxProvider
	if provider == nil {
		p, err := NewSandboxProvider(ctx, cfg.Sandbox, logger)
		if err != nil {
			return nil, err
		}
		provider = p
	}
	manager, err := NewManager(cfg.Sandbox, provider, logger)
	if err != nil {
		return nil, err
	}
	settings, err := cfg.RunSettings()
	if err != nil {
		return nil, err
	}

	runner, err := workflow.NewRunner(workflow.RunnerOptions{
		Model:        model,
		Sandboxes:    manager,
		Store:        store,
		Settings:     settings,
		ReleaseDelay: cfg.Sandbox.ReleaseDelay.Std(),
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("components built",
		"llm_provider", cfg.LLM.Provider,
		"sandbox_provider", provider.Name(),
		"variant", settings.Variant)
	return &Components{
		Model:    model,
		Store:    store,
		Sandbox:  manager,
		Runner:   runner,
		Settings: runner.Settings(),
	}, nil
}

// NewModel returns the configured language model.
func NewModel(c LLMConfig) (llm.LLM, error) {
	switch c.Provider {
	case "", ProviderGoogle:
		var opts []google.Option
		if c.APIKey != "" {
			opts = append(opts, google.WithAPIKey(c.APIKey))
		}
		if c.Model != "" {
			opts = append(opts, google.WithModel(c.Model))
		}
		if c.MaxTokens > 0 {
			opts = append(opts, google.WithMaxTokens(c.MaxTokens))
		}
		if c.Retries > 0 {
			opts = append(opts, google.WithMaxRetries(c.Retries))
		}
		if c.RetryWait > 0 {
			opts = append(opts, google.WithRetryBaseWait(c.RetryWait.Std()))
		}
		return google.New(opts...), nil

	case ProviderOpenAI:
		var opts []openai.Option
		if c.APIKey != "" {
			opts = append(opts, openai.WithAPIKey(c.APIKey))
		}
		if c.Endpoint != "" {
			opts = append(opts, openai.WithEndpoint(c.Endpoint))
		}
		if c.Model != "" {
			opts = append(opts, openai.WithModel(c.Model))
		}
		if c.MaxTokens > 0 {
			opts = append(opts, openai.WithMaxTokens(c.MaxTokens))
		}
		if c.Retries > 0 {
			opts = append(opts, openai.WithMaxRetries(c.Retries))
		}
		if c.RetryWait > 0 {
			opts = append(opts, openai.WithRetryBaseWait(c.RetryWait.Std()))
		}
		return openai.New(opts...), nil

	default:
		return nil, fmt.Errorf("unsupported llm provider: %q", c.Provider)
	}
}

// NewStore returns a file store under c.Dir, or a memory store.
func NewStore(c StoreConfig) (session.Store, error) {
	if strings.EqualFold(c.Dir, MemoryStoreDir) {
		return session.NewMemoryStore(), nil
	}
	dir := c.Dir
	if dir == "" {
		dir = DefaultStoreDir
	}
	return session.NewFileStore(dir)
}

// NewSandboxProvider returns the configured provider. "auto" prefers a
// container runtime and falls back to local directories.
func NewSandboxProvider(ctx context.Context, c SandboxConfig, logger slogger.Logger) (sandbox.Provider, error) {
	template := c.Template
	if template == "" {
		template = sandbox.DefaultTemplate
	}
	port := c.DevServerPort
	if port == 0 {
		port = sandbox.DefaultDevServerPort
	}
	localProvider := func() sandbox.Provider {
		opts := local.Options{BaseDir: c.BaseDir, Logger: logger}
		if c.TemplateDir != "" {
			opts.TemplateDirs = map[string]string{template: c.TemplateDir}
		}
		return local.New(opts)
	}
	containerProvider := func() sandbox.Provider {
		return container.New(container.Options{
			Image:  c.Image,
			Ports:  []int{port},
			Logger: logger,
		})
	}
	switch c.Provider {
	case "", SandboxLocal:
		return localProvider(), nil
	case SandboxContainer:
		return containerProvider(), nil
	case SandboxAuto:
		if p := sandbox.SelectProvider(ctx, containerProvider(), localProvider()); p != nil {
			return p, nil
		}
		return nil, errors.New("no sandbox provider is available")
	default:
		return nil, fmt.Errorf("unsupported sandbox provider: %q", c.Provider)
	}
}

// NewManager returns a sandbox manager over provider.
func NewManager(c SandboxConfig, provider sandbox.Provider, logger slogger.Logger) (*sandbox.Manager, error) {
	opts := sandbox.Options{
		Provider:        provider,
		Template:        c.Template,
		TTL:             c.TTL.Std(),
		LeaseTimeout:    c.LeaseTimeout.Std(),
		ReleaseDelay:    c.ReleaseDelay.Std(),
		AppRoot:         c.AppRoot,
		ExcludePatterns: c.Exclude,
		DevServer: sandbox.DevServer{
			Command: c.DevServerCommand,
			Port:    c.DevServerPort,
		},
		Logger: logger,
	}
	if c.SecondaryRoot != "" {
		appRoot := c.AppRoot
		if appRoot == "" {
			appRoot = sandbox.DefaultAppRoot
		}
		opts.ReadRoots = []string{appRoot, c.SecondaryRoot}
	}
	if c.SnapshotDir != "" {
		snapshots, err := sandbox.NewSnapshotStore(c.SnapshotDir)
		if err != nil {
			return nil, err
		}
		opts.Snapshots = snapshots
	}
	return sandbox.NewManager(opts)
}

// RunSettings returns the workflow settings together with the sandbox
// paths the stages need.
func (c *Config) RunSettings() (workflow.Settings, error) {
	s, err := c.Workflow.Settings(c.LLM)
	if err != nil {
		return workflow.Settings{}, err
	}
	s.AppRoot = c.Sandbox.AppRoot
	s.DevServerCommand = c.Sandbox.DevServerCommand
	return s, nil
}

// Settings converts the workflow section to run settings.
func (c WorkflowConfig) Settings(model LLMConfig) (workflow.Settings, error) {
	s := workflow.DefaultSettings()
	if c.Variant != "" {
		s.Variant = workflow.Variant(c.Variant)
	}
	if c.MaxRetries != nil {
		s.MaxRetries = *c.MaxRetries
	}
	if c.GlobalRetryCap > 0 {
		s.GlobalRetryCap = c.GlobalRetryCap
	}
	s.ToolCallLimit = c.BuilderToolCallLimit
	s.BuilderTimeout = c.BuilderTimeout.Std()
	s.ToolMode = workflow.ToolMode(c.ToolMode)
	s.Target = c.TargetFile
	s.Thinking = c.Thinking
	s.HistoryLimit = c.HistoryLimit
	s.LLMRetries = model.Retries
	s.LLMRetryWait = model.RetryWait.Std()
	if model.Temperature != nil {
		s.ModelOptions = append(s.ModelOptions, llm.WithTemperature(*model.Temperature))
	}

	deny := c.CommandDeny
	if deny == nil {
		deny = toolkit.DefaultDeniedCommands
	}
	policy, err := toolkit.NewCommandPolicy(c.CommandAllow, deny)
	if err != nil {
		return workflow.Settings{}, err
	}
	s.CommandPolicy = policy

	if err := s.Validate(); err != nil {
		return workflow.Settings{}, err
	}
	return s, nil
}
