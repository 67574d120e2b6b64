// Package local runs sandboxes as directories on the host. Each sandbox owns
// a temporary directory that stands in for the remote filesystem root, and
// commands run through the host shell with virtual paths rewritten.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/forge/sandbox"
	"github.com/deepnoodle-ai/forge/slogger"
	"github.com/google/uuid"
)

// DefaultHome is the virtual directory rewritten in shell commands.
const DefaultHome = "/home/user"

type Options struct {
	// BaseDir holds sandbox directories. Defaults to os.TempDir().
	BaseDir string

	// TemplateDirs maps a template name to a host directory copied into the
	// virtual home of every sandbox created from it.
	TemplateDirs map[string]string

	// Home is the virtual home directory. Defaults to DefaultHome.
	Home string

	// Shell defaults to "sh".
	Shell string

	Logger slogger.Logger
}

type Provider struct {
	opts   Options
	logger slogger.Logger
}

var _ sandbox.Provider = (*Provider)(nil)

func New(opts Options) *Provider {
	if opts.BaseDir == "" {
		opts.BaseDir = os.TempDir()
	}
	if opts.Home == "" {
		opts.Home = DefaultHome
	}
	if opts.Shell == "" {
		opts.Shell = "sh"
	}
	return &Provider{opts: opts, logger: slogger.OrDefault(opts.Logger)}
}

func (p *Provider) Name() string { return "local" }

func (p *Provider) Available(ctx context.Context) bool {
	_, err := exec.LookPath(p.opts.Shell)
	return err == nil
}

func (p *Provider) Create(ctx context.Context, template string) (sandbox.Sandbox, error) {
	if err := os.MkdirAll(p.opts.BaseDir, 0o755); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(p.opts.BaseDir, "forge-sandbox-")
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox directory: %w", err)
	}
	s := &Sandbox{
		id:     "local-" + uuid.New().String()[:8],
		dir:    dir,
		home:   p.opts.Home,
		shell:  p.opts.Shell,
		logger: p.logger,
	}
	home := s.hostPath(p.opts.Home)
	if err := os.MkdirAll(home, 0o755); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if src, ok := p.opts.TemplateDirs[template]; ok {
		if err := os.CopyFS(home, os.DirFS(src)); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to copy template %s: %w", template, err)
		}
	}
	p.logger.Debug("local sandbox created", "sandbox_id", s.id, "dir", dir)
	return s, nil
}

// Sandbox maps virtual absolute paths under its host directory.
type Sandbox struct {
	id     string
	dir    string
	home   string
	shell  string
	logger slogger.Logger

	mu         sync.Mutex
	killed     bool
	lease      *time.Timer
	background []*exec.Cmd
}

var (
	_ sandbox.Sandbox    = (*Sandbox)(nil)
	_ sandbox.Filesystem = (*Sandbox)(nil)
	_ sandbox.Commands   = (*Sandbox)(nil)
)

func (s *Sandbox) ID() string { return s.id }

// Dir returns the host directory backing the sandbox root.
func (s *Sandbox) Dir() string { return s.dir }

func (s *Sandbox) Files() sandbox.Filesystem { return s }

func (s *Sandbox) Commands() sandbox.Commands { return s }

func (s *Sandbox) hostPath(p string) string {
	return filepath.Join(s.dir, filepath.FromSlash(path.Clean("/"+p)))
}

func (s *Sandbox) virtualPath(host string) string {
	rel, err := filepath.Rel(s.dir, host)
	if err != nil {
		return host
	}
	return "/" + filepath.ToSlash(rel)
}

func (s *Sandbox) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed {
		return sandbox.ErrClosed
	}
	return nil
}

func (s *Sandbox) Read(ctx context.Context, p string) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.hostPath(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", p, sandbox.ErrNotFound)
		}
		return "", err
	}
	return string(data), nil
}

func (s *Sandbox) Write(ctx context.Context, p, content string) error {
	if err := s.check(); err != nil {
		return err
	}
	host := s.hostPath(p)
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return err
	}
	return os.WriteFile(host, []byte(content), 0o644)
}

func (s *Sandbox) Remove(ctx context.Context, p string) error {
	if err := s.check(); err != nil {
		return err
	}
	host := s.hostPath(p)
	if _, err := os.Stat(host); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", p, sandbox.ErrNotFound)
	}
	return os.RemoveAll(host)
}

func (s *Sandbox) List(ctx context.Context, p string) ([]sandbox.Entry, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	host := s.hostPath(p)
	items, err := os.ReadDir(host)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", p, sandbox.ErrNotFound)
		}
		return nil, err
	}
	entries := make([]sandbox.Entry, 0, len(items))
	for _, item := range items {
		entries = append(entries, sandbox.Entry{
			Name:  item.Name(),
			Path:  s.virtualPath(filepath.Join(host, item.Name())),
			IsDir: item.IsDir(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// rewrite maps virtual home paths in a command onto the host directory.
func (s *Sandbox) rewrite(cmd string) string {
	return strings.ReplaceAll(cmd, s.home, s.hostPath(s.home))
}

func (s *Sandbox) Run(ctx context.Context, cmd string, opts sandbox.RunOptions) (*sandbox.CommandResult, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	cwd := s.hostPath(s.home)
	if opts.Cwd != "" {
		cwd = s.hostPath(opts.Cwd)
	}
	env := append(os.Environ(), "HOME="+s.hostPath(s.home))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	if opts.Background {
		c := exec.Command(s.shell, "-c", s.rewrite(cmd))
		c.Dir = cwd
		c.Env = env
		if err := c.Start(); err != nil {
			return nil, fmt.Errorf("failed to start background command: %w", err)
		}
		s.mu.Lock()
		s.background = append(s.background, c)
		s.mu.Unlock()
		go func() {
			if err := c.Wait(); err != nil {
				s.logger.Debug("background command exited", "sandbox_id", s.id, "error", err)
			}
		}()
		return &sandbox.CommandResult{}, nil
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, s.shell, "-c", s.rewrite(cmd))
	c.Dir = cwd
	c.Env = env
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()
	result := &sandbox.CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, err
	}
	return result, nil
}

// Host returns a loopback address; local sandboxes share the host network.
func (s *Sandbox) Host(ctx context.Context, port int) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	return fmt.Sprintf("localhost:%d", port), nil
}

// SetTimeout re-arms the lease. The sandbox kills itself when it elapses.
func (s *Sandbox) SetTimeout(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed {
		return sandbox.ErrClosed
	}
	if _, err := os.Stat(s.dir); err != nil {
		return fmt.Errorf("sandbox directory missing: %w", err)
	}
	if s.lease != nil {
		s.lease.Stop()
	}
	s.lease = time.AfterFunc(d, func() {
		s.logger.Info("local sandbox lease expired", "sandbox_id", s.id)
		s.Kill(context.Background())
	})
	return nil
}

func (s *Sandbox) Kill(ctx context.Context) error {
	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		return nil
	}
	s.killed = true
	if s.lease != nil {
		s.lease.Stop()
	}
	background := s.background
	s.background = nil
	s.mu.Unlock()

	for _, c := range background {
		if c.Process != nil {
			c.Process.Kill()
		}
	}
	return os.RemoveAll(s.dir)
}
