package cli

import (
	"context"
	"os"
	"time"

	"github.com/deepnoodle-ai/forge/config"
	"github.com/deepnoodle-ai/forge/mcpserver"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve page builds to an MCP client over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		// stdout carries the protocol.
		logger := newLogger(cfg, os.Stderr, false)
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

		srv, err := mcpserver.New(mcpserver.Options{
			Runner:    components.Runner,
			Sandboxes: components.Sandbox,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		return srv.ServeStdio(ctx, os.Stdin, os.Stdout)
	},
}
