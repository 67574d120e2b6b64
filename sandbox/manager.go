package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/deepnoodle-ai/forge/slogger"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTemplate         = "fabwcz4cxczc6d5r09pa"
	DefaultTTL              = 300 * time.Second
	DefaultReleaseDelay     = 5 * time.Minute
	DefaultAppRoot          = "/home/user/react-app"
	DefaultSecondaryRoot    = "/home/user"
	DefaultDevServerPort    = 5173
	DefaultDevServerCommand = "npm run dev"
)

// DefaultExcludePatterns are build and VCS directories left out of listings
// and snapshots. Patterns match paths relative to the app root.
var DefaultExcludePatterns = []string{
	"**/node_modules",
	"**/.git",
	"**/__pycache__",
	"**/.next",
}

// DevServer describes how the preview server is started in a sandbox.
type DevServer struct {
	Command string
	Cwd     string
	Port    int
}

// Options configure a Manager.
type Options struct {
	Provider Provider

	// Template passed to Provider.Create.
	Template string

	// TTL is the idle window within which a binding is reused.
	TTL time.Duration

	// LeaseTimeout is passed to Sandbox.SetTimeout on every reuse.
	LeaseTimeout time.Duration

	// ReleaseDelay is the default delay for ScheduleExpiry.
	ReleaseDelay time.Duration

	// AppRoot is the project directory inside the sandbox.
	AppRoot string

	// ReadRoots are tried in order by ReadFile. Defaults to AppRoot and
	// DefaultSecondaryRoot.
	ReadRoots []string

	DevServer DevServer

	ExcludePatterns []string

	// Snapshots, when set, receives project files on release and seeds newly
	// created sandboxes.
	Snapshots *SnapshotStore

	Logger slogger.Logger

	// Clock defaults to time.Now.
	Clock func() time.Time
}

type binding struct {
	sandbox     Sandbox
	lastAccess  time.Time
	serverReady bool
}

type expiry struct {
	timer *time.Timer
	gen   uint64
}

// BindingInfo describes a live project binding.
type BindingInfo struct {
	ProjectID       string    `json:"project_id"`
	SandboxID       string    `json:"sandbox_id"`
	LastAccess      time.Time `json:"last_access"`
	ServerReady     bool      `json:"server_ready"`
	ExpiryScheduled bool      `json:"expiry_scheduled"`
	InUse           bool      `json:"in_use"`
}

// Manager binds project ids to sandboxes. At most one live sandbox exists
// per project and concurrent Acquire calls for the same project share one
// underlying operation.
type Manager struct {
	opts     Options
	logger   slogger.Logger
	now      func() time.Time
	group    singleflight.Group
	mu       sync.Mutex
	bindings map[string]*binding
	expiries map[string]expiry
	pins     map[string]int
	gen      uint64
	closed   bool
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Provider == nil {
		return nil, errors.New("sandbox provider is required")
	}
	if opts.Template == "" {
		opts.Template = DefaultTemplate
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = opts.TTL
	}
	if opts.ReleaseDelay <= 0 {
		opts.ReleaseDelay = DefaultReleaseDelay
	}
	if opts.AppRoot == "" {
		opts.AppRoot = DefaultAppRoot
	}
	if len(opts.ReadRoots) == 0 {
		opts.ReadRoots = []string{opts.AppRoot, DefaultSecondaryRoot}
	}
	if opts.DevServer.Command == "" {
		opts.DevServer.Command = DefaultDevServerCommand
	}
	if opts.DevServer.Cwd == "" {
		opts.DevServer.Cwd = opts.AppRoot
	}
	if opts.DevServer.Port == 0 {
		opts.DevServer.Port = DefaultDevServerPort
	}
	if opts.ExcludePatterns == nil {
		opts.ExcludePatterns = DefaultExcludePatterns
	}
	for _, pattern := range opts.ExcludePatterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Manager{
		opts:     opts,
		logger:   slogger.OrDefault(opts.Logger),
		now:      now,
		bindings: map[string]*binding{},
		expiries: map[string]expiry{},
		pins:     map[string]int{},
	}, nil
}

// AppRoot returns the project directory inside sandboxes.
func (m *Manager) AppRoot() string {
	return m.opts.AppRoot
}

// Acquire returns a ready sandbox for the project, reusing the live binding
// when its lease can be extended and creating a new one otherwise. Callers
// arriving while an acquire for the same project is in flight join it.
func (m *Manager) Acquire(ctx context.Context, projectID string) (Sandbox, error) {
	if projectID == "" {
		return nil, errors.New("project id is required")
	}
	if m.isClosed() {
		return nil, ErrManagerClosed
	}
	ch := m.group.DoChan(projectID, func() (any, error) {
		// The shared operation must not fail because the first caller left.
		return m.acquire(context.WithoutCancel(ctx), projectID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Sandbox), nil
	}
}

func (m *Manager) acquire(ctx context.Context, projectID string) (Sandbox, error) {
	logger := m.logger.With("project_id", projectID)

	m.mu.Lock()
	b := m.bindings[projectID]
	var idle time.Duration
	pinned := m.pins[projectID] > 0
	if b != nil {
		idle = m.idleLocked(projectID, b)
	}
	m.mu.Unlock()

	if b != nil {
		if pinned || idle < m.opts.TTL {
			if err := b.sandbox.SetTimeout(ctx, m.opts.LeaseTimeout); err != nil {
				logger.Warn("defunct sandbox detected, recreating", "sandbox_id", b.sandbox.ID(), "error", err)
				m.evict(projectID, b)
				m.kill(ctx, projectID, b.sandbox)
			} else {
				m.mu.Lock()
				// A sweep or scheduled release may have taken b meanwhile.
				current := m.bindings[projectID] == b
				if current {
					b.lastAccess = m.now()
					m.cancelExpiryLocked(projectID)
				}
				ready := b.serverReady
				m.mu.Unlock()
				if current {
					logger.Debug("reusing sandbox", "sandbox_id", b.sandbox.ID())
					if !ready {
						m.startDevServer(ctx, projectID, b)
					}
					return b.sandbox, nil
				}
			}
		} else {
			logger.Info("sandbox expired, recreating", "sandbox_id", b.sandbox.ID(), "idle", idle)
			m.evict(projectID, b)
			m.kill(ctx, projectID, b.sandbox)
		}
	}
	return m.create(ctx, projectID)
}

func (m *Manager) create(ctx context.Context, projectID string) (Sandbox, error) {
	logger := m.logger.With("project_id", projectID)
	sb, err := m.opts.Provider.Create(ctx, m.opts.Template)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox for project %s: %w", projectID, err)
	}
	b := &binding{sandbox: sb, lastAccess: m.now()}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.kill(ctx, projectID, sb)
		return nil, ErrManagerClosed
	}
	m.bindings[projectID] = b
	m.mu.Unlock()
	logger.Info("sandbox created", "sandbox_id", sb.ID(), "provider", m.opts.Provider.Name())

	if m.opts.Snapshots != nil {
		n, err := m.opts.Snapshots.Restore(ctx, projectID, sb.Files(), m.opts.AppRoot)
		if err != nil {
			logger.Warn("failed to restore project files", "error", err)
		} else if n > 0 {
			logger.Info("restored project files", "count", n)
		}
	}
	m.startDevServer(ctx, projectID, b)
	return sb, nil
}

// startDevServer launches the preview server in the background. Failures
// are logged and leave serverReady false so the next Acquire retries.
func (m *Manager) startDevServer(ctx context.Context, projectID string, b *binding) {
	cmd := fmt.Sprintf("cd %s && %s", m.opts.DevServer.Cwd, m.opts.DevServer.Command)
	_, err := b.sandbox.Commands().Run(ctx, cmd, RunOptions{Background: true})
	if err != nil {
		m.logger.Warn("failed to start dev server", "project_id", projectID, "error", err)
		return
	}
	m.mu.Lock()
	b.serverReady = true
	m.mu.Unlock()
	m.logger.Debug("dev server started", "project_id", projectID)
}

// evict removes b if it is still the binding for projectID.
func (m *Manager) evict(projectID string, b *binding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bindings[projectID] == b {
		delete(m.bindings, projectID)
	}
}

// kill destroys a sandbox, logging rather than returning failures.
func (m *Manager) kill(ctx context.Context, projectID string, sb Sandbox) {
	if err := sb.Kill(ctx); err != nil {
		m.logger.Warn("failed to kill sandbox", "project_id", projectID, "sandbox_id", sb.ID(), "error", err)
	}
}

// idleLocked is how long b has gone unused. Pinned projects are never idle.
func (m *Manager) idleLocked(projectID string, b *binding) time.Duration {
	if m.pins[projectID] > 0 {
		return 0
	}
	return m.now().Sub(b.lastAccess)
}

// Pin marks the project as in use until the returned function is called.
// Sweeps and scheduled releases skip pinned projects, and Acquire does not
// treat their bindings as expired. Pins nest; unpinning refreshes the
// binding's last access time.
func (m *Manager) Pin(projectID string) (unpin func()) {
	m.mu.Lock()
	m.pins[projectID]++
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.pins[projectID]--; m.pins[projectID] <= 0 {
				delete(m.pins, projectID)
			}
			if b := m.bindings[projectID]; b != nil {
				b.lastAccess = m.now()
			}
		})
	}
}

// Release destroys the project's sandbox and cancels any scheduled expiry.
// It reports whether a binding existed; releasing twice is a no-op.
// Explicit releases ignore pins.
func (m *Manager) Release(ctx context.Context, projectID string) bool {
	m.mu.Lock()
	b := m.bindings[projectID]
	delete(m.bindings, projectID)
	m.cancelExpiryLocked(projectID)
	m.mu.Unlock()
	if b == nil {
		return false
	}
	m.destroy(ctx, projectID, b)
	return true
}

// destroy snapshots and kills a binding already removed from the registry.
func (m *Manager) destroy(ctx context.Context, projectID string, b *binding) {
	if m.opts.Snapshots != nil {
		if _, err := m.snapshot(ctx, projectID, b.sandbox); err != nil {
			m.logger.Warn("failed to snapshot project files", "project_id", projectID, "error", err)
		}
	}
	m.kill(ctx, projectID, b.sandbox)
	m.logger.Info("sandbox released", "project_id", projectID, "sandbox_id", b.sandbox.ID())
}

// ScheduleExpiry arms a deferred Release for the project, replacing any
// timer already armed for it. A non-positive ttl uses Options.ReleaseDelay.
func (m *Manager) ScheduleExpiry(projectID string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.opts.ReleaseDelay
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelExpiryLocked(projectID)
	m.gen++
	gen := m.gen
	timer := time.AfterFunc(ttl, func() {
		m.mu.Lock()
		current, ok := m.expiries[projectID]
		if !ok || current.gen != gen {
			m.mu.Unlock()
			return
		}
		delete(m.expiries, projectID)
		// The binding is detached under the same lock that saw the timer
		// current, so a concurrent Acquire either keeps it or gets a new one.
		b := m.bindings[projectID]
		if b == nil || m.pins[projectID] > 0 {
			m.mu.Unlock()
			return
		}
		delete(m.bindings, projectID)
		m.mu.Unlock()
		m.logger.Info("scheduled release triggered", "project_id", projectID)
		m.destroy(context.Background(), projectID, b)
	})
	m.expiries[projectID] = expiry{timer: timer, gen: gen}
}

// CancelExpiry disarms a scheduled release.
func (m *Manager) CancelExpiry(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelExpiryLocked(projectID)
}

func (m *Manager) cancelExpiryLocked(projectID string) {
	if e, ok := m.expiries[projectID]; ok {
		e.timer.Stop()
		delete(m.expiries, projectID)
	}
}

// ListFiles returns project files relative to the app root, sorted and
// without excluded directories. A project without a binding has no files.
// A listing failure marks the sandbox dead: it is evicted and an empty list
// is returned.
func (m *Manager) ListFiles(ctx context.Context, projectID string) ([]string, error) {
	m.mu.Lock()
	b := m.bindings[projectID]
	m.mu.Unlock()
	if b == nil {
		return []string{}, nil
	}
	files, err := m.walk(ctx, b.sandbox.Files(), m.opts.AppRoot)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Warn("failed to list sandbox files, evicting", "project_id", projectID, "error", err)
		m.evict(projectID, b)
		m.kill(ctx, projectID, b.sandbox)
		return []string{}, nil
	}
	return files, nil
}

func (m *Manager) walk(ctx context.Context, fs Filesystem, root string) ([]string, error) {
	var files []string
	var visit func(dir string) error
	visit = func(dir string) error {
		entries, err := fs.List(ctx, dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			full := entry.Path
			if full == "" {
				full = path.Join(dir, entry.Name)
			}
			rel := strings.TrimPrefix(strings.TrimPrefix(full, root), "/")
			if rel == "" || m.excluded(rel) {
				continue
			}
			if entry.IsDir {
				if err := visit(full); err != nil {
					return err
				}
				continue
			}
			files = append(files, rel)
		}
		return nil
	}
	if err := visit(root); err != nil {
		return nil, err
	}
	sort.Strings(files)
	if files == nil {
		files = []string{}
	}
	return files, nil
}

func (m *Manager) excluded(rel string) bool {
	for _, pattern := range m.opts.ExcludePatterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// ReadFile acquires the project's sandbox and reads rel from the first
// candidate root that has it.
func (m *Manager) ReadFile(ctx context.Context, projectID, rel string) (ReadResult, error) {
	sb, err := m.Acquire(ctx, projectID)
	if err != nil {
		return ReadResult{}, err
	}
	return Resolve(ctx, sb.Files(), m.opts.ReadRoots, rel), nil
}

// Host acquires the project's sandbox and returns the preview host.
func (m *Manager) Host(ctx context.Context, projectID string) (string, error) {
	sb, err := m.Acquire(ctx, projectID)
	if err != nil {
		return "", err
	}
	return sb.Host(ctx, m.opts.DevServer.Port)
}

// IsServerReady reports whether the dev server was started for the project.
func (m *Manager) IsServerReady(projectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bindings[projectID]
	return b != nil && b.serverReady
}

// Snapshot copies the project's files to the snapshot store.
func (m *Manager) Snapshot(ctx context.Context, projectID string) (int, error) {
	if m.opts.Snapshots == nil {
		return 0, errors.New("snapshots are not configured")
	}
	m.mu.Lock()
	b := m.bindings[projectID]
	m.mu.Unlock()
	if b == nil {
		return 0, ErrNoBinding
	}
	return m.snapshot(ctx, projectID, b.sandbox)
}

func (m *Manager) snapshot(ctx context.Context, projectID string, sb Sandbox) (int, error) {
	files, err := m.walk(ctx, sb.Files(), m.opts.AppRoot)
	if err != nil {
		return 0, err
	}
	return m.opts.Snapshots.Save(ctx, projectID, sb.Files(), m.opts.AppRoot, files)
}

// Bindings lists live bindings ordered by project id.
func (m *Manager) Bindings() []BindingInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]BindingInfo, 0, len(m.bindings))
	for id, b := range m.bindings {
		_, scheduled := m.expiries[id]
		infos = append(infos, BindingInfo{
			ProjectID:       id,
			SandboxID:       b.sandbox.ID(),
			LastAccess:      b.lastAccess,
			ServerReady:     b.serverReady,
			ExpiryScheduled: scheduled,
			InUse:           m.pins[id] > 0,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ProjectID < infos[j].ProjectID })
	return infos
}

// Sweep releases unpinned bindings idle for longer than the TTL and
// returns how many were released.
func (m *Manager) Sweep(ctx context.Context) int {
	m.mu.Lock()
	stale := map[string]*binding{}
	for id, b := range m.bindings {
		if m.pins[id] == 0 && m.idleLocked(id, b) >= m.opts.TTL {
			stale[id] = b
			delete(m.bindings, id)
			m.cancelExpiryLocked(id)
		}
	}
	m.mu.Unlock()
	released := 0
	for id, b := range stale {
		m.destroy(ctx, id, b)
		released++
	}
	if released > 0 {
		m.logger.Info("swept idle sandboxes", "count", released)
	}
	return released
}

// StartSweeper runs Sweep every interval until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Close releases every binding and rejects further Acquire calls.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.bindings))
	for id := range m.bindings {
		ids = append(ids, id)
	}
	for id := range m.expiries {
		m.cancelExpiryLocked(id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Release(ctx, id)
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
