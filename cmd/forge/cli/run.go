package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/deepnoodle-ai/forge/config"
	"github.com/deepnoodle-ai/forge/workflow"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	runProjectID          string
	runPrompt             string
	runProductName        string
	runProductDescription string
	runImageURL           string
	runVerbose            bool
	runKeep               bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Build a page once and print the result",
	Long: "Run the workflow for one request against the configured sandbox provider. " +
		"Pass --product-name to build a landing page instead of a generic page.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			runPrompt = args[0]
		}
		if strings.TrimSpace(runPrompt) == "" {
			return errors.New("a prompt is required")
		}
		if !isTerminal(os.Stdout) {
			color.NoColor = true
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		return runOnce(ctx, cfg)
	},
}

func init() {
	flags := runCmd.Flags()
	flags.StringVarP(&runProjectID, "project", "p", "default", "Project id; runs of a project share a sandbox")
	flags.StringVar(&runPrompt, "prompt", "", "What the page should do")
	flags.StringVar(&runProductName, "product-name", "", "Product name for a landing page")
	flags.StringVar(&runProductDescription, "product-description", "", "Product description for a landing page")
	flags.StringVar(&runImageURL, "image", "", "Image URL the landing page must show")
	flags.BoolVarP(&runVerbose, "verbose", "v", false, "Show every event, including model thinking")
	flags.BoolVar(&runKeep, "keep", false, "Keep the sandbox and preview running until interrupted")
}

func runOnce(ctx context.Context, cfg *config.Config) error {
	// Logs go to stderr so the event stream stays readable.
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

	req := workflow.Request{
		ProjectID: runProjectID,
		Prompt:    runPrompt,
		Events:    newRenderer(os.Stdout, defaultWidth, runVerbose),
	}
	if runProductName != "" {
		req.Context = &workflow.ProjectContext{
			ProductName:        runProductName,
			ProductDescription: runProductDescription,
			ReferenceImageURL:  runImageURL,
		}
	}

	fmt.Println(boldStyle.Sprint("forge") + mutedStyle.Sprintf(" %s %s", components.Settings.Variant, runProjectID))
	started := time.Now()
	state, err := components.Runner.Run(ctx, req)
	if state == nil {
		if err == nil {
			err = errors.New("run produced no state")
		}
		fmt.Println(errorStyle.Sprint(xmark+" ") + err.Error())
		return err
	}

	final := state.Base()
	lines := strings.Split(workflow.Summary(state), "\n")
	lines = append(lines, "", "stages:  "+strings.Join(final.Trail(), " "+arrow+" "))
	if files := append(append([]string(nil), final.FilesCreated...), final.FilesModified...); len(files) > 0 {
		lines = append(lines, "files:   "+strings.Join(files, ", "))
	}
	var host string
	if final.Success {
		if h, err := components.Sandbox.Host(ctx, runProjectID); err == nil {
			host = h
			lines = append(lines, "preview: https://"+host)
		}
	}
	lines = append(lines, fmt.Sprintf("took:    %s", time.Since(started).Round(time.Second)))

	title := successStyle.Sprint(checkmark + " Success")
	if !final.Success {
		title = errorStyle.Sprint(xmark + " Failed")
	}
	fmt.Println()
	fmt.Println(box(title, lines))

	if !final.Success {
		if err == nil {
			err = errors.New("run did not succeed")
		}
		return err
	}
	if runKeep && host != "" {
		fmt.Println(infoStyle.Sprint("Preview is running. Press Ctrl-C to release the sandbox."))
		<-ctx.Done()
	}
	return nil
}
