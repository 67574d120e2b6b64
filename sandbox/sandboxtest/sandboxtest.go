// Package sandboxtest provides an in-memory sandbox provider for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/forge/sandbox"
)

// CommandHandler produces the result of a shell command run in a fake
// sandbox. A nil handler makes every command succeed with empty output.
type CommandHandler func(sb *Sandbox, cmd string, opts sandbox.RunOptions) (*sandbox.CommandResult, error)

// Command records one Run call.
type Command struct {
	Cmd  string
	Opts sandbox.RunOptions
}

// Provider creates in-memory sandboxes.
type Provider struct {
	// CreateDelay is slept inside Create, after ctx is checked.
	CreateDelay time.Duration

	// CreateErr makes Create fail.
	CreateErr error

	// Handler is installed on every created sandbox.
	Handler CommandHandler

	// Seed files are copied into every created sandbox.
	Seed map[string]string

	mu        sync.Mutex
	sandboxes []*Sandbox
	templates []string
}

var _ sandbox.Provider = (*Provider)(nil)

func NewProvider() *Provider {
	return &Provider{}
}

func (p *Provider) Name() string { return "memory" }

func (p *Provider) Available(ctx context.Context) bool { return true }

func (p *Provider) Create(ctx context.Context, template string) (sandbox.Sandbox, error) {
	if p.CreateDelay > 0 {
		select {
		case <-time.After(p.CreateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.templates = append(p.templates, template)
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	sb := NewSandbox(fmt.Sprintf("sbx-%d", len(p.sandboxes)+1))
	sb.handler = p.Handler
	for k, v := range p.Seed {
		sb.files[k] = v
	}
	p.sandboxes = append(p.sandboxes, sb)
	return sb, nil
}

// Creates returns how many sandboxes were created successfully.
func (p *Provider) Creates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sandboxes)
}

// Templates returns the template passed to every Create call.
func (p *Provider) Templates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.templates...)
}

func (p *Provider) Sandboxes() []*Sandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Sandbox(nil), p.sandboxes...)
}

// Last returns the most recently created sandbox, or nil.
func (p *Provider) Last() *Sandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sandboxes) == 0 {
		return nil
	}
	return p.sandboxes[len(p.sandboxes)-1]
}

// Sandbox is an in-memory sandbox. It implements sandbox.Filesystem and
// sandbox.Commands itself.
type Sandbox struct {
	id string

	mu         sync.Mutex
	files      map[string]string
	commands   []Command
	handler    CommandHandler
	killed     bool
	kills      int
	timeouts   int
	timeoutErr error
	listErr    error
	killErr    error
}

var (
	_ sandbox.Sandbox    = (*Sandbox)(nil)
	_ sandbox.Filesystem = (*Sandbox)(nil)
	_ sandbox.Commands   = (*Sandbox)(nil)
)

func NewSandbox(id string) *Sandbox {
	return &Sandbox{id: id, files: map[string]string{}}
}

func (s *Sandbox) ID() string { return s.id }

func (s *Sandbox) Files() sandbox.Filesystem { return s }

func (s *Sandbox) Commands() sandbox.Commands { return s }

func (s *Sandbox) Host(ctx context.Context, port int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed {
		return "", sandbox.ErrClosed
	}
	return fmt.Sprintf("%d-%s.sandbox.test", port, s.id), nil
}

func (s *Sandbox) SetTimeout(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed {
		return sandbox.ErrClosed
	}
	if s.timeoutErr != nil {
		return s.timeoutErr
	}
	s.timeouts++
	return nil
}

func (s *Sandbox) Kill(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed = true
	s.kills++
	return s.killErr
}

// SetHandler replaces the command handler.
func (s *Sandbox) SetHandler(h CommandHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// FailSetTimeout makes SetTimeout return err, simulating a defunct handle.
func (s *Sandbox) FailSetTimeout(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeoutErr = err
}

// FailList makes List return err.
func (s *Sandbox) FailList(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

// FailKill makes Kill return err.
func (s *Sandbox) FailKill(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killErr = err
}

func (s *Sandbox) Killed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}

func (s *Sandbox) Kills() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kills
}

// Timeouts counts successful SetTimeout calls.
func (s *Sandbox) Timeouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeouts
}

// Ran returns every command run so far.
func (s *Sandbox) Ran() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.commands...)
}

// File returns the content at an absolute path.
func (s *Sandbox) File(p string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.files[path.Clean(p)]
	return content, ok
}

// SetFile writes a file without going through the Filesystem interface.
func (s *Sandbox) SetFile(p, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path.Clean(p)] = content
}

// Paths returns every file path, sorted.
func (s *Sandbox) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (s *Sandbox) Read(ctx context.Context, p string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed {
		return "", sandbox.ErrClosed
	}
	content, ok := s.files[path.Clean(p)]
	if !ok {
		return "", fmt.Errorf("%s: %w", p, sandbox.ErrNotFound)
	}
	return content, nil
}

func (s *Sandbox) Write(ctx context.Context, p, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed {
		return sandbox.ErrClosed
	}
	s.files[path.Clean(p)] = content
	return nil
}

func (s *Sandbox) Remove(ctx context.Context, p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed {
		return sandbox.ErrClosed
	}
	p = path.Clean(p)
	if _, ok := s.files[p]; ok {
		delete(s.files, p)
		return nil
	}
	removed := false
	for k := range s.files {
		if strings.HasPrefix(k, p+"/") {
			delete(s.files, k)
			removed = true
		}
	}
	if !removed {
		return fmt.Errorf("%s: %w", p, sandbox.ErrNotFound)
	}
	return nil
}

func (s *Sandbox) List(ctx context.Context, dir string) ([]sandbox.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed {
		return nil, sandbox.ErrClosed
	}
	if s.listErr != nil {
		return nil, s.listErr
	}
	dir = path.Clean(dir)
	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}
	seen := map[string]sandbox.Entry{}
	for p := range s.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		name, _, nested := strings.Cut(rest, "/")
		seen[name] = sandbox.Entry{Name: name, Path: prefix + name, IsDir: nested}
	}
	entries := make([]sandbox.Entry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (s *Sandbox) Run(ctx context.Context, cmd string, opts sandbox.RunOptions) (*sandbox.CommandResult, error) {
	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		return nil, sandbox.ErrClosed
	}
	s.commands = append(s.commands, Command{Cmd: cmd, Opts: opts})
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		return &sandbox.CommandResult{}, nil
	}
	return handler(s, cmd, opts)
}
