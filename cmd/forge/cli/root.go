// Package cli implements the forge command line.
package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/deepnoodle-ai/forge/config"
	"github.com/deepnoodle-ai/forge/slogger"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	llmModel   string
	provider   string
	variant    string
	maxRetries int
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Build React pages with an agent in a sandbox",
	Long: "forge plans a page from a prompt, writes it inside a project sandbox, " +
		"validates it and starts a preview server.",
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to forge.yaml")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&provider, "provider", "", "LLM provider (google or openai)")
	flags.StringVarP(&llmModel, "model", "m", "", "Model name")
	flags.StringVar(&variant, "variant", "", "Workflow variant (linear or two_gate)")
	flags.IntVar(&maxRetries, "max-retries", 0, "Builder retries per gate")

	rootCmd.AddCommand(runCmd, serveCmd, mcpCmd, sandboxCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the persistent flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if provider != "" {
		cfg.LLM.Provider = provider
	}
	if llmModel != "" {
		cfg.LLM.Model = llmModel
	}
	if variant != "" {
		cfg.Workflow.Variant = variant
	}
	if cmd.Flags().Changed("max-retries") {
		n := maxRetries
		cfg.Workflow.MaxRetries = &n
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer, json bool) slogger.Logger {
	return slogger.NewWithOptions(slogger.Options{
		Level:  slogger.LevelFromString(cfg.LogLevel),
		Writer: w,
		JSON:   json,
	})
}

// signalContext is cancelled on interrupt or termination.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
