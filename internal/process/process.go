// Package process runs one command inside a sandbox, streaming its output
// into a log buffer and enforcing a wall-clock timeout.
package process

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/LiangMouse/fe-atlas/internal/logbuf"
	"github.com/LiangMouse/fe-atlas/internal/sandbox"
	"github.com/charmbracelet/log"
)

// drainGrace bounds how long Run waits for output after the process has
// exited. Background children that inherited the pipe can hold it open.
var drainGrace = 2 * time.Second

type Spec struct {
	Sandbox sandbox.Sandbox
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
	Logs    *logbuf.Buffer
	Logger  *log.Logger

	// OnTimeout is called once if Timeout fires.
	OnTimeout func()
}

// CommandLine renders the command the way it appears in timeout markers.
func (s Spec) CommandLine() string {
	return strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
}

// Run never fails. Spawn errors are logged and reported as exit code -1.
// Every log line is written before Run returns.
func Run(ctx context.Context, spec Spec) int {
	logger := spec.Logger
	if logger == nil {
		logger = log.Default()
	}
	sink := &gatedSink{logs: spec.Logs}
	defer sink.close()

	if spec.Sandbox == nil {
		sink.appendf("[runtime] failed to start %s: no sandbox", spec.Command)
		return -1
	}
	proc, err := spec.Sandbox.Spawn(ctx, sandbox.ProcessSpec{
		Command: spec.Command,
		Args:    spec.Args,
		Dir:     spec.Dir,
		Env:     spec.Env,
	})
	if err != nil {
		logger.Warn("spawn failed", "command", spec.CommandLine(), "error", err)
		sink.appendf("[runtime] failed to start %s: %v", spec.Command, err)
		return -1
	}

	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		pump(proc.Output(), sink)
	}()

	exited := make(chan struct{})
	defer close(exited)

	if spec.Timeout > 0 {
		timer := time.AfterFunc(spec.Timeout, func() {
			select {
			case <-exited:
				return
			default:
			}
			logger.Warn("process timeout", "command", spec.CommandLine(), "timeout", spec.Timeout)
			sink.appendf("[runtime] process timeout: %s", spec.CommandLine())
			if spec.OnTimeout != nil {
				spec.OnTimeout()
			}
			if err := proc.Kill(); err != nil {
				logger.Warn("kill after timeout failed", "command", spec.CommandLine(), "error", err)
			}
		})
		defer timer.Stop()
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = proc.Kill()
		case <-exited:
		}
	}()

	code, waitErr := proc.Wait()
	if waitErr != nil {
		logger.Warn("process wait failed", "command", spec.CommandLine(), "error", waitErr)
		sink.appendf("[runtime] process error: %v", waitErr)
	}

	select {
	case <-pumped:
	case <-time.After(drainGrace):
		_ = proc.Kill()
		select {
		case <-pumped:
		case <-time.After(drainGrace):
			logger.Warn("output still open after exit; dropping remainder", "command", spec.CommandLine())
		}
	}
	logger.Debug("process exited", "command", spec.CommandLine(), "exit_code", code)
	return code
}

func pump(r io.Reader, sink *gatedSink) {
	if r == nil {
		return
	}
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		chunk, err := br.ReadString('\n')
		if chunk != "" {
			sink.append(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				sink.appendf("[runtime] output stream error: %v", err)
			}
			return
		}
	}
}

// gatedSink drops writes once Run has returned.
type gatedSink struct {
	mu     sync.Mutex
	logs   *logbuf.Buffer
	closed bool
}

func (s *gatedSink) append(chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.logs.Append(chunk)
	}
}

func (s *gatedSink) appendf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.logs.Appendf(format, args...)
	}
}

func (s *gatedSink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
