package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deepnoodle-ai/forge/internal/tablewriter"
	"github.com/deepnoodle-ai/forge/sandbox"
	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"
)

var serverURL string

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect and release the sandboxes of a running server",
}

var sandboxListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List project sandboxes",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var body struct {
			Sandboxes []sandbox.BindingInfo `json:"sandboxes"`
		}
		if err := newAPIClient(serverURL).do(cmd.Context(), http.MethodGet, "/sandbox/", &body); err != nil {
			return err
		}
		return printBindings(cmd.OutOrStdout(), body.Sandboxes, time.Now())
	},
}

var sandboxReleaseCmd = &cobra.Command{
	Use:     "rm <project-id>",
	Aliases: []string{"release"},
	Short:   "Release a project's sandbox",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var body struct {
			Released bool `json:"released"`
		}
		path := "/sandbox/" + url.PathEscape(args[0])
		if err := newAPIClient(serverURL).do(cmd.Context(), http.MethodDelete, path, &body); err != nil {
			return err
		}
		if body.Released {
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Sprint(checkmark+" ")+"released "+args[0])
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Sprint("no sandbox bound to "+args[0]))
		}
		return nil
	},
}

var sandboxFilesCmd = &cobra.Command{
	Use:   "files <project-id>",
	Short: "Show the files of a project's sandbox as a tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var body struct {
			Files []string `json:"files"`
		}
		path := "/projects/" + url.PathEscape(args[0]) + "/files"
		if err := newAPIClient(serverURL).do(cmd.Context(), http.MethodGet, path, &body); err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), fileTree(args[0], body.Files))
		return nil
	},
}

func init() {
	sandboxCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Base URL of forge serve")
	sandboxCmd.AddCommand(sandboxListCmd, sandboxReleaseCmd, sandboxFilesCmd)
}

type apiClient struct {
	base   string
	client *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends a request without a body and decodes the JSON response into out.
func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return json.Unmarshal(data, out)
}

func printBindings(w io.Writer, bindings []sandbox.BindingInfo, now time.Time) error {
	if len(bindings) == 0 {
		_, err := fmt.Fprintln(w, mutedStyle.Sprint("no active sandboxes"))
		return err
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader("PROJECT", "SANDBOX", "IDLE", "SERVER", "EXPIRING")
	for _, b := range bindings {
		server := mutedStyle.Sprint("-")
		if b.ServerReady {
			server = successStyle.Sprint("ready")
		}
		expiring := mutedStyle.Sprint("-")
		if b.ExpiryScheduled {
			expiring = warningStyle.Sprint("yes")
		}
		idle := now.Sub(b.LastAccess).Round(time.Second).String()
		table.Append(b.ProjectID, b.SandboxID, idle, server, expiring)
	}
	return table.Render()
}

// fileTree renders slash separated paths as a tree rooted at root.
func fileTree(root string, files []string) string {
	tree := treeprint.NewWithRoot(root)
	dirs := map[string]treeprint.Tree{"": tree}
	for _, file := range files {
		parts := strings.Split(strings.Trim(file, "/"), "/")
		parent := tree
		for i, part := range parts {
			if i == len(parts)-1 {
				parent.AddNode(part)
				break
			}
			key := strings.Join(parts[:i+1], "/")
			branch, ok := dirs[key]
			if !ok {
				branch = parent.AddBranch(part)
				dirs[key] = branch
			}
			parent = branch
		}
	}
	return tree.String()
}
