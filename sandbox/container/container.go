// Package container runs sandboxes as Docker containers via testcontainers.
package container

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/deepnoodle-ai/forge/sandbox"
	"github.com/deepnoodle-ai/forge/slogger"
	"github.com/docker/go-connections/nat"
	tc "github.com/testcontainers/testcontainers-go"
	tcexec "github.com/testcontainers/testcontainers-go/exec"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DefaultImage is used for templates without an entry in Options.Images.
const DefaultImage = "node:20-bookworm"

type Options struct {
	// Images maps template names to container images.
	Images map[string]string

	// Image is used when a template has no mapping.
	Image string

	// Ports are exposed on every container. Defaults to the dev server port.
	Ports []int

	// StartupTimeout bounds container start. Defaults to two minutes.
	StartupTimeout time.Duration

	Logger slogger.Logger
}

type Provider struct {
	opts   Options
	logger slogger.Logger
}

var _ sandbox.Provider = (*Provider)(nil)

func New(opts Options) *Provider {
	if opts.Image == "" {
		opts.Image = DefaultImage
	}
	if len(opts.Ports) == 0 {
		opts.Ports = []int{sandbox.DefaultDevServerPort}
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 2 * time.Minute
	}
	return &Provider{opts: opts, logger: slogger.OrDefault(opts.Logger)}
}

func (p *Provider) Name() string { return "container" }

// Available reports whether a Docker daemon is reachable.
func (p *Provider) Available(ctx context.Context) bool {
	dp, err := tc.NewDockerProvider()
	if err != nil {
		return false
	}
	defer dp.Close()
	return dp.Health(ctx) == nil
}

func (p *Provider) image(template string) string {
	if image, ok := p.opts.Images[template]; ok {
		return image
	}
	return p.opts.Image
}

func (p *Provider) Create(ctx context.Context, template string) (sandbox.Sandbox, error) {
	exposed := make([]string, 0, len(p.opts.Ports))
	for _, port := range p.opts.Ports {
		exposed = append(exposed, fmt.Sprintf("%d/tcp", port))
	}
	req := tc.ContainerRequest{
		Image:        p.image(template),
		Entrypoint:   []string{"tail", "-f", "/dev/null"},
		ExposedPorts: exposed,
		Labels:       map[string]string{"forge.template": template},
		WaitingFor: wait.ForExec([]string{"true"}).
			WithStartupTimeout(p.opts.StartupTimeout),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if c != nil {
			_ = c.Terminate(context.WithoutCancel(ctx))
		}
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	s := &Sandbox{container: c, logger: p.logger}
	p.logger.Debug("container sandbox created", "sandbox_id", s.ID(), "image", req.Image)
	return s, nil
}

// Sandbox wraps a running container.
type Sandbox struct {
	container tc.Container
	logger    slogger.Logger

	mu     sync.Mutex
	killed bool
	lease  *time.Timer
}

var (
	_ sandbox.Sandbox    = (*Sandbox)(nil)
	_ sandbox.Filesystem = (*Sandbox)(nil)
	_ sandbox.Commands   = (*Sandbox)(nil)
)

func (s *Sandbox) ID() string {
	id := s.container.GetContainerID()
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func (s *Sandbox) Files() sandbox.Filesystem { return s }

func (s *Sandbox) Commands() sandbox.Commands { return s }

func (s *Sandbox) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed {
		return sandbox.ErrClosed
	}
	return nil
}

// exec runs argv and returns the exit code and combined output.
func (s *Sandbox) exec(ctx context.Context, argv []string, opts ...tcexec.ProcessOption) (int, string, error) {
	opts = append(opts, tcexec.Multiplexed())
	code, reader, err := s.container.Exec(ctx, argv, opts...)
	if err != nil {
		return code, "", err
	}
	out, err := io.ReadAll(reader)
	if err != nil {
		return code, "", err
	}
	return code, string(out), nil
}

func (s *Sandbox) Read(ctx context.Context, p string) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	code, _, err := s.exec(ctx, []string{"test", "-f", p})
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", fmt.Errorf("%s: %w", p, sandbox.ErrNotFound)
	}
	rc, err := s.container.CopyFileFromContainer(ctx, p)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Sandbox) Write(ctx context.Context, p, content string) error {
	if err := s.check(); err != nil {
		return err
	}
	code, out, err := s.exec(ctx, []string{"mkdir", "-p", path.Dir(p)})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("mkdir %s failed: %s", path.Dir(p), strings.TrimSpace(out))
	}
	return s.container.CopyToContainer(ctx, []byte(content), p, 0o644)
}

func (s *Sandbox) Remove(ctx context.Context, p string) error {
	if err := s.check(); err != nil {
		return err
	}
	code, _, err := s.exec(ctx, []string{"test", "-e", p})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%s: %w", p, sandbox.ErrNotFound)
	}
	code, out, err := s.exec(ctx, []string{"rm", "-rf", p})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("rm %s failed: %s", p, strings.TrimSpace(out))
	}
	return nil
}

func (s *Sandbox) List(ctx context.Context, p string) ([]sandbox.Entry, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	code, out, err := s.exec(ctx, []string{"ls", "-1Ap", p})
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("%s: %w", p, sandbox.ErrNotFound)
	}
	var entries []sandbox.Entry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, isDir := strings.CutSuffix(line, "/")
		entries = append(entries, sandbox.Entry{Name: name, Path: path.Join(p, name), IsDir: isDir})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (s *Sandbox) Run(ctx context.Context, cmd string, opts sandbox.RunOptions) (*sandbox.CommandResult, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var execOpts []tcexec.ProcessOption
	if opts.Cwd != "" {
		execOpts = append(execOpts, tcexec.WithWorkingDir(opts.Cwd))
	}
	if len(opts.Env) > 0 {
		env := make([]string, 0, len(opts.Env))
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
		sort.Strings(env)
		execOpts = append(execOpts, tcexec.WithEnv(env))
	}
	if opts.Background {
		wrapped := "nohup sh -c " + shellescape.Quote(cmd) + " >/tmp/forge-background.log 2>&1 &"
		if _, _, err := s.exec(ctx, []string{"sh", "-c", wrapped}, execOpts...); err != nil {
			return nil, fmt.Errorf("failed to start background command: %w", err)
		}
		return &sandbox.CommandResult{}, nil
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	code, out, err := s.exec(ctx, []string{"sh", "-c", cmd}, execOpts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	// Multiplexed output merges both streams into stdout.
	return &sandbox.CommandResult{Stdout: out, ExitCode: code}, nil
}

func (s *Sandbox) Host(ctx context.Context, port int) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	host, err := s.container.Host(ctx)
	if err != nil {
		return "", err
	}
	mapped, err := s.container.MappedPort(ctx, nat.Port(fmt.Sprintf("%d/tcp", port)))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", host, mapped.Port()), nil
}

// SetTimeout re-arms the lease after checking the container still runs.
// The container is terminated when the lease elapses.
func (s *Sandbox) SetTimeout(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed {
		return sandbox.ErrClosed
	}
	if !s.container.IsRunning() {
		return fmt.Errorf("container %s is not running", s.ID())
	}
	if s.lease != nil {
		s.lease.Stop()
	}
	s.lease = time.AfterFunc(d, func() {
		s.logger.Info("container sandbox lease expired", "sandbox_id", s.ID())
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
	s.mu.Unlock()
	return s.container.Terminate(ctx)
}
