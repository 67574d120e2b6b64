// Package sandbox defines the remote execution environment contract and the
// lifecycle manager that binds sandboxes to projects.
package sandbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Filesystem.Read for a missing path.
	ErrNotFound = errors.New("file not found")

	// ErrNoBinding is returned when a project has no live sandbox.
	ErrNoBinding = errors.New("no sandbox bound to project")

	// ErrClosed is returned by operations on a killed or expired sandbox.
	ErrClosed = errors.New("sandbox is closed")

	// ErrManagerClosed is returned by Acquire after Close.
	ErrManagerClosed = errors.New("sandbox manager is closed")
)

// RunOptions configure a shell command.
type RunOptions struct {
	// Background starts the command and returns without waiting for it.
	Background bool

	// Cwd is the working directory inside the sandbox.
	Cwd string

	// Timeout bounds a foreground command. Zero means no limit beyond ctx.
	Timeout time.Duration

	Env map[string]string
}

// CommandResult is the outcome of a foreground command. Background commands
// return a zero result.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Output returns stdout and stderr joined by a newline when both are set.
func (r *CommandResult) Output() string {
	switch {
	case r.Stdout == "":
		return r.Stderr
	case r.Stderr == "":
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

// Entry is one item of a directory listing.
type Entry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
}

// Filesystem operates on absolute paths inside the sandbox.
type Filesystem interface {
	Read(ctx context.Context, path string) (string, error)

	// Write creates parent directories as needed.
	Write(ctx context.Context, path, content string) error

	Remove(ctx context.Context, path string) error

	// List returns the direct children of a directory.
	List(ctx context.Context, path string) ([]Entry, error)
}

// Commands runs shell commands inside the sandbox. A non-zero exit status is
// reported in CommandResult.ExitCode, not as an error.
type Commands interface {
	Run(ctx context.Context, cmd string, opts RunOptions) (*CommandResult, error)
}

// Sandbox is a stateful execution environment with a filesystem, a shell and
// an exposed HTTP port for previews.
type Sandbox interface {
	ID() string
	Files() Filesystem
	Commands() Commands

	// Host returns the externally reachable host:port for a sandbox port.
	Host(ctx context.Context, port int) (string, error)

	// SetTimeout extends the sandbox lease. An error means the sandbox is
	// no longer usable.
	SetTimeout(ctx context.Context, d time.Duration) error

	Kill(ctx context.Context) error
}

// Provider creates sandboxes from a template.
type Provider interface {
	Name() string

	// Available reports whether the provider can create sandboxes here.
	Available(ctx context.Context) bool

	Create(ctx context.Context, template string) (Sandbox, error)
}

// SelectProvider returns the first available provider, or nil.
func SelectProvider(ctx context.Context, providers ...Provider) Provider {
	for _, p := range providers {
		if p != nil && p.Available(ctx) {
			return p
		}
	}
	return nil
}
