// Package environment owns the single shared sandbox: it boots it lazily
// once and installs the test runner's dependencies once.
package environment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/LiangMouse/fe-atlas/internal/logbuf"
	"github.com/LiangMouse/fe-atlas/internal/metrics"
	"github.com/LiangMouse/fe-atlas/internal/process"
	"github.com/LiangMouse/fe-atlas/internal/sandbox"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

// UnsupportedHostMessage is shown when the host lacks a required isolation
// primitive.
const UnsupportedHostMessage = "当前环境不支持沙箱执行（缺少必要的隔离能力）。请检查运行环境配置。"

// InstallFailedMessage is returned when npm install exits nonzero.
const InstallFailedMessage = "依赖安装失败，请检查日志"

const (
	DefaultInstallTimeout = 90 * time.Second
	DefaultBootTimeout    = 2 * time.Minute
)

type BootState string

const (
	NotBooted BootState = "not-booted"
	Booting   BootState = "booting"
	Ready     BootState = "ready"
)

type InstallState string

const (
	NotInstalled InstallState = "not-installed"
	Installing   InstallState = "installing"
	Installed    InstallState = "installed"
)

// UnsupportedHostError wraps a boot failure caused by sandbox.ErrUnsupportedHost.
type UnsupportedHostError struct {
	Cause error
}

func (e *UnsupportedHostError) Error() string {
	return UnsupportedHostMessage
}

func (e *UnsupportedHostError) Unwrap() error {
	return e.Cause
}

// ErrInstallFailed is returned when the dependency install exits nonzero.
var ErrInstallFailed = errors.New(InstallFailedMessage)

// ErrClosed is returned by Acquire once Close has been called.
var ErrClosed = errors.New("environment manager is closed")

type Options struct {
	Booter         sandbox.Booter
	Logger         *log.Logger
	Metrics        *metrics.Metrics
	InstallTimeout time.Duration
	BootTimeout    time.Duration
}

type State struct {
	Boot      BootState    `json:"boot"`
	Install   InstallState `json:"install"`
	Backend   string       `json:"backend"`
	SandboxID string       `json:"sandbox_id,omitempty"`
}

// Manager is safe for concurrent use. Concurrent Acquire and
// EnsureDependencies calls share one in-flight operation each.
type Manager struct {
	booter         sandbox.Booter
	logger         *log.Logger
	metrics        *metrics.Metrics
	installTimeout time.Duration
	bootTimeout    time.Duration

	group singleflight.Group

	mu         sync.Mutex
	sb         sandbox.Sandbox
	booting    bool
	installing bool
	installed  bool
	closed     bool
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.InstallTimeout <= 0 {
		opts.InstallTimeout = DefaultInstallTimeout
	}
	if opts.BootTimeout <= 0 {
		opts.BootTimeout = DefaultBootTimeout
	}
	return &Manager{
		booter:         opts.Booter,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		installTimeout: opts.InstallTimeout,
		bootTimeout:    opts.BootTimeout,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := State{Boot: NotBooted, Install: NotInstalled}
	if m.booter != nil {
		st.Backend = m.booter.Name()
	}
	switch {
	case m.sb != nil:
		st.Boot = Ready
		st.SandboxID = m.sb.ID()
	case m.booting:
		st.Boot = Booting
	}
	switch {
	case m.installed:
		st.Install = Installed
	case m.installing:
		st.Install = Installing
	}
	return st
}

// Acquire returns the shared sandbox, booting it on first use. A failed
// boot is not cached; the next call boots again. The boot itself is not
// bound to ctx so one caller giving up does not fail the others.
func (m *Manager) Acquire(ctx context.Context, logs *logbuf.Buffer) (sandbox.Sandbox, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.sb != nil {
		sb := m.sb
		m.mu.Unlock()
		return sb, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan("boot", func() (any, error) {
		return m.boot(context.WithoutCancel(ctx))
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		var unsupported *UnsupportedHostError
		if !errors.As(res.Err, &unsupported) {
			logs.Appendf("[runtime] sandbox boot failed: %v", res.Err)
		}
		return nil, res.Err
	}
	return res.Val.(sandbox.Sandbox), nil
}

func (m *Manager) boot(ctx context.Context) (sandbox.Sandbox, error) {
	m.mu.Lock()
	if m.sb != nil {
		sb := m.sb
		m.mu.Unlock()
		return sb, nil
	}
	m.booting = true
	m.mu.Unlock()

	if m.booter == nil {
		m.mu.Lock()
		m.booting = false
		m.mu.Unlock()
		return nil, errors.New("no sandbox backend configured")
	}

	bootCtx, cancel := context.WithTimeout(ctx, m.bootTimeout)
	defer cancel()

	start := time.Now()
	m.logger.Info("booting sandbox", "backend", m.booter.Name())
	sb, err := m.booter.Boot(bootCtx)

	m.mu.Lock()
	m.booting = false
	closed := m.closed
	if err == nil && !closed {
		m.sb = sb
	}
	m.mu.Unlock()

	if err == nil && closed {
		m.metrics.ObserveBoot(m.booter.Name(), "closed", time.Since(start))
		m.logger.Info("manager closed during boot; releasing sandbox", "sandbox_id", sb.ID())
		if cerr := sb.Close(); cerr != nil {
			m.logger.Warn("close sandbox failed", "sandbox_id", sb.ID(), "error", cerr)
		}
		return nil, ErrClosed
	}

	switch {
	case err == nil:
		m.metrics.ObserveBoot(m.booter.Name(), "ok", time.Since(start))
		m.logger.Info("sandbox ready", "backend", m.booter.Name(), "sandbox_id", sb.ID(), "duration", time.Since(start).Round(time.Millisecond))
		return sb, nil
	case errors.Is(err, sandbox.ErrUnsupportedHost):
		m.metrics.ObserveBoot(m.booter.Name(), "unsupported", time.Since(start))
		m.logger.Warn("sandbox unsupported on this host", "backend", m.booter.Name(), "error", err)
		return nil, &UnsupportedHostError{Cause: err}
	default:
		m.metrics.ObserveBoot(m.booter.Name(), "error", time.Since(start))
		m.logger.Error("sandbox boot failed", "backend", m.booter.Name(), "error", err)
		return nil, err
	}
}

// EnsureDependencies runs npm install once per sandbox. A failed install
// is retried on the next call.
func (m *Manager) EnsureDependencies(ctx context.Context, sb sandbox.Sandbox, logs *logbuf.Buffer) error {
	m.mu.Lock()
	if m.installed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan("install", func() (any, error) {
		return nil, m.install(context.WithoutCancel(ctx), sb, logs)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// install writes progress lines into the buffer of the run that started
// it; concurrent waiters only see the outcome.
func (m *Manager) install(ctx context.Context, sb sandbox.Sandbox, logs *logbuf.Buffer) error {
	m.mu.Lock()
	if m.installed {
		m.mu.Unlock()
		return nil
	}
	m.installing = true
	m.mu.Unlock()

	logs.Append("[runtime] installing dependencies...")
	m.logger.Info("installing dependencies", "sandbox_id", sb.ID())
	spec := process.Spec{
		Sandbox: sb,
		Command: "npm",
		Args:    []string{"install", "--no-fund", "--no-audit"},
		Dir:     ".",
		Timeout: m.installTimeout,
		Logs:    logs,
		Logger:  m.logger,
		OnTimeout: func() {
			m.metrics.ObserveTimeout("install")
		},
	}
	code := process.Run(ctx, spec)

	m.mu.Lock()
	m.installing = false
	if code == 0 {
		m.installed = true
	}
	m.mu.Unlock()

	if code != 0 {
		m.metrics.ObserveInstall("error")
		m.logger.Warn("dependency install failed", "sandbox_id", sb.ID(), "exit_code", code)
		return ErrInstallFailed
	}
	m.metrics.ObserveInstall("ok")
	logs.Append("[runtime] dependencies ready")
	return nil
}

// Close releases the sandbox. Later Acquire calls fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	sb := m.sb
	m.sb = nil
	m.installed = false
	m.closed = true
	m.mu.Unlock()
	if sb == nil {
		return nil
	}
	m.logger.Info("closing sandbox", "sandbox_id", sb.ID())
	return sb.Close()
}
