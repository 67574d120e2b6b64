// Package config loads forge settings from YAML files and the environment
// and builds the components a run needs from them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

const (
	ProviderGoogle = "google"
	ProviderOpenAI = "openai"

	SandboxLocal     = "local"
	SandboxContainer = "container"
	SandboxAuto      = "auto"

	DefaultStoreDir      = ".forge/messages"
	DefaultServerAddr    = ":8080"
	DefaultSweepInterval = time.Minute
)

// Config is the file format of forge.yaml.
type Config struct {
	LLM      LLMConfig      `yaml:"llm,omitempty" json:"llm,omitempty"`
	Sandbox  SandboxConfig  `yaml:"sandbox,omitempty" json:"sandbox,omitempty"`
	Workflow WorkflowConfig `yaml:"workflow,omitempty" json:"workflow,omitempty"`
	Store    StoreConfig    `yaml:"store,omitempty" json:"store,omitempty"`
	Server   ServerConfig   `yaml:"server,omitempty" json:"server,omitempty"`
	LogLevel string         `yaml:"log_level,omitempty" json:"log_level,omitempty"`
}

// LLMConfig selects the model provider.
type LLMConfig struct {
	Provider    string   `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model       string   `yaml:"model,omitempty" json:"model,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	APIKey      string   `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// Endpoint overrides the OpenAI base URL.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	Retries   int      `yaml:"retries,omitempty" json:"retries,omitempty"`
	RetryWait Duration `yaml:"retry_wait,omitempty" json:"retry_wait,omitempty"`
}

// SandboxConfig configures the sandbox provider and the lifecycle manager.
type SandboxConfig struct {
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
	Template string `yaml:"template,omitempty" json:"template,omitempty"`

	// Image is the container image of the container provider.
	Image string `yaml:"image,omitempty" json:"image,omitempty"`

	// TemplateDir is copied into every local sandbox.
	TemplateDir string `yaml:"template_dir,omitempty" json:"template_dir,omitempty"`
	BaseDir     string `yaml:"base_dir,omitempty" json:"base_dir,omitempty"`

	TTL              Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	LeaseTimeout     Duration `yaml:"lease_timeout,omitempty" json:"lease_timeout,omitempty"`
	ReleaseDelay     Duration `yaml:"release_delay,omitempty" json:"release_delay,omitempty"`
	SweepInterval    Duration `yaml:"sweep_interval,omitempty" json:"sweep_interval,omitempty"`
	AppRoot          string   `yaml:"app_root,omitempty" json:"app_root,omitempty"`
	SecondaryRoot    string   `yaml:"secondary_root,omitempty" json:"secondary_root,omitempty"`
	DevServerPort    int      `yaml:"dev_server_port,omitempty" json:"dev_server_port,omitempty"`
	DevServerCommand string   `yaml:"dev_server_command,omitempty" json:"dev_server_command,omitempty"`
	SnapshotDir      string   `yaml:"snapshot_dir,omitempty" json:"snapshot_dir,omitempty"`
	Exclude          []string `yaml:"exclude,omitempty" json:"exclude,omitempty"`
}

// WorkflowConfig holds the run tunables.
type WorkflowConfig struct {
	Variant string `yaml:"variant,omitempty" json:"variant,omitempty"`

	// MaxRetries is a pointer because zero retries is a valid setting.
	MaxRetries *int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`

	GlobalRetryCap       int      `yaml:"global_retry_cap,omitempty" json:"global_retry_cap,omitempty"`
	BuilderToolCallLimit int      `yaml:"builder_tool_call_limit,omitempty" json:"builder_tool_call_limit,omitempty"`
	BuilderTimeout       Duration `yaml:"builder_timeout,omitempty" json:"builder_timeout,omitempty"`
	ToolMode             string   `yaml:"tool_mode,omitempty" json:"tool_mode,omitempty"`
	TargetFile           string   `yaml:"target_file,omitempty" json:"target_file,omitempty"`
	Thinking             bool     `yaml:"thinking,omitempty" json:"thinking,omitempty"`
	HistoryLimit         int      `yaml:"history_limit,omitempty" json:"history_limit,omitempty"`

	// CommandAllow and CommandDeny are glob patterns checked against every
	// segment of an execute_command call. A nil deny list uses the default
	// deny list.
	CommandAllow []string `yaml:"command_allow,omitempty" json:"command_allow,omitempty"`
	CommandDeny  []string `yaml:"command_deny,omitempty" json:"command_deny,omitempty"`
}

type StoreConfig struct {
	// Dir holds one JSON Lines file per project. "memory" keeps messages in
	// process only.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`
}

type ServerConfig struct {
	Addr string `yaml:"addr,omitempty" json:"addr,omitempty"`
}

// Default returns the configuration used without a file.
func Default() *Config {
	return &Config{
		LLM:      LLMConfig{Provider: ProviderGoogle},
		Sandbox:  SandboxConfig{Provider: SandboxLocal, SweepInterval: Duration(DefaultSweepInterval)},
		Workflow: WorkflowConfig{Variant: "linear"},
		Store:    StoreConfig{Dir: DefaultStoreDir},
		Server:   ServerConfig{Addr: DefaultServerAddr},
		LogLevel: "info",
	}
}

// Load reads a YAML (or JSON) file, fills unset values from Default and
// applies environment overrides. An empty path loads only the defaults and
// the environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		parsed, err := ParseFile(path)
		if err != nil {
			return nil, err
		}
		cfg = parsed
	}
	cfg.applyDefaults()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseFile decodes a configuration file without defaults or overrides.
func ParseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml", ".json":
		return ParseYAML(data)
	default:
		return nil, fmt.Errorf("unsupported file extension: %s", ext)
	}
}

// ParseYAML decodes YAML strictly, so misspelled keys are errors.
func ParseYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.LLM.Provider == "" {
		c.LLM.Provider = d.LLM.Provider
	}
	if c.Sandbox.Provider == "" {
		c.Sandbox.Provider = d.Sandbox.Provider
	}
	if c.Sandbox.SweepInterval == 0 {
		c.Sandbox.SweepInterval = d.Sandbox.SweepInterval
	}
	if c.Workflow.Variant == "" {
		c.Workflow.Variant = d.Workflow.Variant
	}
	if c.Store.Dir == "" {
		c.Store.Dir = d.Store.Dir
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// ApplyEnv overrides values with FORGE_* variables and fills the API key
// from the provider's usual variable.
func (c *Config) ApplyEnv() error {
	setString(&c.LLM.Provider, "FORGE_LLM_PROVIDER")
	setString(&c.LLM.Model, "FORGE_LLM_MODEL")
	setString(&c.LLM.APIKey, "FORGE_LLM_API_KEY")
	setString(&c.Sandbox.Provider, "FORGE_SANDBOX_PROVIDER")
	setString(&c.Sandbox.Template, "FORGE_SANDBOX_TEMPLATE")
	setString(&c.Sandbox.SnapshotDir, "FORGE_SNAPSHOT_DIR")
	setString(&c.Workflow.Variant, "FORGE_WORKFLOW_VARIANT")
	setString(&c.Store.Dir, "FORGE_STORE_DIR")
	setString(&c.Server.Addr, "FORGE_SERVER_ADDR")
	setString(&c.LogLevel, "FORGE_LOG_LEVEL")

	if v := os.Getenv("FORGE_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FORGE_MAX_RETRIES: %w", err)
		}
		c.Workflow.MaxRetries = &n
	}
	if v := os.Getenv("FORGE_BUILDER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FORGE_BUILDER_TIMEOUT: %w", err)
		}
		c.Workflow.BuilderTimeout = Duration(d)
	}

	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case ProviderGoogle:
			c.LLM.APIKey = firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY")
		case ProviderOpenAI:
			c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// Validate checks enumerations and ranges. It does not require an API key,
// which is only needed once a model is built.
func (c *Config) Validate() error {
	var errs []error
	switch c.LLM.Provider {
	case ProviderGoogle, ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("llm.provider must be %q or %q, got %q", ProviderGoogle, ProviderOpenAI, c.LLM.Provider))
	}
	if t := c.LLM.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("llm.temperature must be between 0 and 2, got %v", *t))
	}
	switch c.Sandbox.Provider {
	case SandboxLocal, SandboxContainer, SandboxAuto:
	default:
		errs = append(errs, fmt.Errorf("sandbox.provider must be local, container or auto, got %q", c.Sandbox.Provider))
	}
	if p := c.Sandbox.DevServerPort; p < 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("sandbox.dev_server_port out of range: %d", p))
	}
	if n := c.Workflow.MaxRetries; n != nil && *n < 0 {
		errs = append(errs, fmt.Errorf("workflow.max_retries must not be negative, got %d", *n))
	}
	if c.Workflow.GlobalRetryCap < 0 {
		errs = append(errs, fmt.Errorf("workflow.global_retry_cap must not be negative, got %d", c.Workflow.GlobalRetryCap))
	}
	if _, err := c.Workflow.Settings(c.LLM); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
