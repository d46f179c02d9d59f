// Package local runs sandboxes as private host directories with each
// command in its own process group. It provides no isolation beyond that
// and is meant for development and tests.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/LiangMouse/fe-atlas/internal/paths"
	"github.com/LiangMouse/fe-atlas/internal/sandbox"
	"go.jetify.com/typeid"
	"golang.org/x/sync/errgroup"
)

var defaultRequiredBinaries = []string{"node", "npm", "npx"}

type Options struct {
	// BaseDir holds one working directory per boot. Defaults to the XDG
	// cache sandboxes directory.
	BaseDir string
	// RequiredBinaries must resolve in PATH for Boot to succeed.
	RequiredBinaries []string
	// KeepDir leaves the working directory behind on Close.
	KeepDir bool
}

type Booter struct {
	opts     Options
	lookPath func(string) (string, error)
	goos     string
}

func New(opts Options) *Booter {
	if opts.RequiredBinaries == nil {
		opts.RequiredBinaries = defaultRequiredBinaries
	}
	return &Booter{opts: opts, lookPath: exec.LookPath, goos: runtime.GOOS}
}

func (b *Booter) Name() string {
	return "local"
}

func (b *Booter) Capabilities() map[string]bool {
	return map[string]bool{
		sandbox.CapabilityProcessGroupKill: b.goos != "windows",
	}
}

func (b *Booter) Boot(ctx context.Context) (sandbox.Sandbox, error) {
	if b.goos == "windows" {
		return nil, fmt.Errorf("%w: process groups are unavailable on %s", sandbox.ErrUnsupportedHost, b.goos)
	}
	for _, bin := range b.opts.RequiredBinaries {
		if _, err := b.lookPath(bin); err != nil {
			return nil, fmt.Errorf("%w: %q not found in PATH", sandbox.ErrUnsupportedHost, bin)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	base := b.opts.BaseDir
	if base == "" {
		var err error
		base, err = paths.SandboxBaseDir()
		if err != nil {
			return nil, fmt.Errorf("resolve sandbox base directory: %w", err)
		}
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox base directory: %w", err)
	}
	id := newSandboxID()
	dir, err := os.MkdirTemp(base, id+"-")
	if err != nil {
		return nil, fmt.Errorf("create sandbox directory: %w", err)
	}

	return &Sandbox{
		id:      id,
		dir:     dir,
		keepDir: b.opts.KeepDir,
		procs:   map[*process]struct{}{},
	}, nil
}

// Doctor probes each required binary with --version.
func (b *Booter) Doctor(ctx context.Context) (*sandbox.DoctorReport, error) {
	report := &sandbox.DoctorReport{Backend: b.Name()}
	if b.goos == "windows" {
		report.Add("os", "fail", fmt.Sprintf("process groups are unavailable on %s", b.goos))
	} else {
		report.Add("os", "pass", fmt.Sprintf("%s host detected", b.goos))
	}

	versions := make([]string, len(b.opts.RequiredBinaries))
	probeErrs := make([]error, len(b.opts.RequiredBinaries))
	g, gctx := errgroup.WithContext(ctx)
	for i, bin := range b.opts.RequiredBinaries {
		g.Go(func() error {
			path, err := b.lookPath(bin)
			if err != nil {
				probeErrs[i] = err
				return nil
			}
			probeCtx, cancel := context.WithTimeout(gctx, 10*time.Second)
			defer cancel()
			out, err := exec.CommandContext(probeCtx, path, "--version").Output()
			if err != nil {
				probeErrs[i] = err
				return nil
			}
			versions[i] = strings.TrimSpace(string(out))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, bin := range b.opts.RequiredBinaries {
		switch {
		case errors.Is(probeErrs[i], exec.ErrNotFound):
			report.Add(bin, "fail", fmt.Sprintf("%q not found in PATH", bin))
		case probeErrs[i] != nil:
			report.Add(bin, "warn", fmt.Sprintf("%s --version failed: %v", bin, probeErrs[i]))
		default:
			report.Add(bin, "pass", fmt.Sprintf("%s %s", bin, versions[i]))
		}
	}
	report.Add("isolation", "warn", "local backend shares the host filesystem and network")
	return report, nil
}

type Sandbox struct {
	id      string
	dir     string
	keepDir bool

	mu     sync.Mutex
	procs  map[*process]struct{}
	closed bool
}

func (s *Sandbox) ID() string {
	return s.id
}

// Dir is the host working directory backing the sandbox.
func (s *Sandbox) Dir() string {
	return s.dir
}

func (s *Sandbox) resolve(name string) (string, error) {
	clean, err := sandbox.CleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filepath.FromSlash(clean)), nil
}

func (s *Sandbox) WriteFile(_ context.Context, name string, data []byte) error {
	p, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func (s *Sandbox) ReadFile(_ context.Context, name string) ([]byte, error) {
	p, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (s *Sandbox) RemoveFile(_ context.Context, name string) error {
	p, err := s.resolve(name)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

func (s *Sandbox) Spawn(_ context.Context, spec sandbox.ProcessSpec) (sandbox.Process, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, errors.New("missing command")
	}
	dir := s.dir
	if spec.Dir != "" && spec.Dir != "." {
		var err error
		if dir, err = s.resolve(spec.Dir); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("sandbox is closed")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), sandbox.EnvList(spec.Env)...)
	p, err := startProcess(cmd)
	if err != nil {
		return nil, err
	}
	s.procs[p] = struct{}{}
	go func() {
		<-p.done
		s.mu.Lock()
		delete(s.procs, p)
		s.mu.Unlock()
	}()
	return p, nil
}

// Close kills outstanding processes and removes the working directory.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	procs := make([]*process, 0, len(s.procs))
	for p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		_ = p.Kill()
		<-p.done
	}
	if s.keepDir {
		return nil
	}
	return os.RemoveAll(s.dir)
}

func newSandboxID() string {
	id, err := typeid.WithPrefix("sbx")
	if err != nil {
		return fmt.Sprintf("sbx-%d", time.Now().UTC().UnixNano())
	}
	return id.String()
}
