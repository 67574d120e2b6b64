package cli

import (
	"context"
	"os"
	"time"

	"github.com/deepnoodle-ai/forge/config"
	"github.com/deepnoodle-ai/forge/server"
	"github.com/deepnoodle-ai/forge/slogger"
	"github.com/spf13/cobra"
)

var (
	serveAddr    string
	serveLogJSON bool
	serveNoWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: "Serve runs, files and sandbox management over HTTP. Runs stream their " +
		"events as server-sent frames. When --config is set, workflow settings " +
		"are reloaded whenever the file changes.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("addr") {
			cfg.Server.Addr = serveAddr
		}
		ctx, stop := signalContext()
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", config.DefaultServerAddr, "Listen address")
	serveCmd.Flags().BoolVar(&serveLogJSON, "log-json", false, "Write JSON logs")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not reload the config file on change")
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg, os.Stderr, serveLogJSON)
	components, err := config.Build(ctx, cfg, config.BuildOptions{Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		components.Close(closeCtx)
	}()

	components.Sandbox.StartSweeper(ctx, cfg.Sandbox.SweepInterval.Std())

	if configPath != "" && !serveNoWatch {
		go watchSettings(ctx, configPath, components, logger)
	}

	srv, err := server.New(server.Options{
		Runner:    components.Runner,
		Sandboxes: components.Sandbox,
		Store:     components.Store,
		Addr:      cfg.Server.Addr,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx)
}

// watchSettings applies workflow settings from the config file to new runs.
// Providers, the store and the listen address need a restart.
func watchSettings(ctx context.Context, path string, components *config.Components, logger slogger.Logger) {
	err := config.Watch(ctx, path, logger, func(cfg *config.Config) {
		settings, err := cfg.RunSettings()
		if err != nil {
			logger.Warn("ignoring reloaded settings", "error", err)
			return
		}
		if err := components.Runner.SetSettings(settings); err != nil {
			logger.Warn("ignoring reloaded settings", "error", err)
			return
		}
		logger.Info("workflow settings reloaded",
			"variant", settings.Variant,
			"max_retries", settings.MaxRetries)
	})
	if err != nil {
		logger.Error("config watcher stopped", "error", err)
	}
}
