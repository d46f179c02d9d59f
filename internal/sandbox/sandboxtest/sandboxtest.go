// Package sandboxtest provides an in-memory sandbox for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/LiangMouse/fe-atlas/internal/sandbox"
)

// Result scripts how a spawned command behaves.
type Result struct {
	Output string
	Code   int
	// Hang keeps the process alive until Kill.
	Hang bool
	// Files are written into the sandbox before the process exits.
	Files map[string]string
	// SpawnErr fails Spawn itself.
	SpawnErr error
}

type Handler func(spec sandbox.ProcessSpec) Result

type Sandbox struct {
	Handler Handler

	mu      sync.Mutex
	files   map[string][]byte
	spawned []sandbox.ProcessSpec
	closed  bool
	kills   atomic.Int32
}

func New(h Handler) *Sandbox {
	return &Sandbox{Handler: h, files: map[string][]byte{}}
}

func (s *Sandbox) ID() string { return "sbx_test" }

func (s *Sandbox) WriteFile(_ context.Context, name string, data []byte) error {
	clean, err := sandbox.CleanName(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[clean] = append([]byte(nil), data...)
	return nil
}

func (s *Sandbox) ReadFile(_ context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", name, fs.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

func (s *Sandbox) RemoveFile(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[name]; !ok {
		return fmt.Errorf("remove %s: %w", name, fs.ErrNotExist)
	}
	delete(s.files, name)
	return nil
}

// File returns the current content of name and whether it exists.
func (s *Sandbox) File(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	return string(data), ok
}

// Spawned returns every command spawned so far.
func (s *Sandbox) Spawned() []sandbox.ProcessSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sandbox.ProcessSpec(nil), s.spawned...)
}

// CountSpawned returns how many spawned commands start with prefix.
func (s *Sandbox) CountSpawned(prefix string) int {
	n := 0
	for _, spec := range s.Spawned() {
		if strings.HasPrefix(strings.TrimSpace(spec.Command+" "+strings.Join(spec.Args, " ")), prefix) {
			n++
		}
	}
	return n
}

func (s *Sandbox) Kills() int { return int(s.kills.Load()) }

func (s *Sandbox) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Sandbox) Spawn(_ context.Context, spec sandbox.ProcessSpec) (sandbox.Process, error) {
	s.mu.Lock()
	s.spawned = append(s.spawned, spec)
	s.mu.Unlock()

	var res Result
	if s.Handler != nil {
		res = s.Handler(spec)
	}
	if res.SpawnErr != nil {
		return nil, res.SpawnErr
	}

	pr, pw := io.Pipe()
	p := &Process{output: pr, done: make(chan struct{}), sandbox: s}
	go func() {
		if res.Output != "" {
			_, _ = io.WriteString(pw, res.Output)
		}
		if res.Hang {
			<-p.killed()
			_ = pw.Close()
			p.finish(-1)
			return
		}
		for name, content := range res.Files {
			_ = s.WriteFile(context.Background(), name, []byte(content))
		}
		_ = pw.Close()
		p.finish(res.Code)
	}()
	return p, nil
}

func (s *Sandbox) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type Process struct {
	sandbox  *Sandbox
	output   *io.PipeReader
	done     chan struct{}
	code     int
	killOnce sync.Once
	killCh   chan struct{}
	initOnce sync.Once
}

func (p *Process) killed() chan struct{} {
	p.initOnce.Do(func() { p.killCh = make(chan struct{}) })
	return p.killCh
}

func (p *Process) finish(code int) {
	p.code = code
	close(p.done)
}

func (p *Process) Output() io.Reader { return p.output }

func (p *Process) Wait() (int, error) {
	<-p.done
	return p.code, nil
}

func (p *Process) Kill() error {
	p.sandbox.kills.Add(1)
	ch := p.killed()
	p.killOnce.Do(func() { close(ch) })
	return nil
}

// Booter boots New(handler) and counts boots.
type Booter struct {
	Sandbox *Sandbox
	Err     error
	// Gate, when set, blocks Boot until it is closed.
	Gate  chan struct{}
	boots atomic.Int32
}

func (b *Booter) Name() string { return "test" }

func (b *Booter) Boot(ctx context.Context) (sandbox.Sandbox, error) {
	b.boots.Add(1)
	if b.Gate != nil {
		select {
		case <-b.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.Err != nil {
		return nil, b.Err
	}
	return b.Sandbox, nil
}

func (b *Booter) Boots() int { return int(b.boots.Load()) }
