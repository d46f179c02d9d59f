package firecracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/LiangMouse/fe-atlas/internal/sandbox"
	"github.com/LiangMouse/fe-atlas/internal/vsockexec"
)

// Sandbox is a running microVM. Every operation opens its own vsock
// connection to the guest agent.
type Sandbox struct {
	id     string
	runDir string
	dial   func(ctx context.Context) (io.ReadWriteCloser, error)
	stop   func()

	closeOnce sync.Once
}

func (s *Sandbox) ID() string {
	return s.id
}

func (s *Sandbox) waitReady(ctx context.Context, waitCh <-chan error) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := s.call(ctx, vsockexec.Request{Type: vsockexec.RequestPing}); err == nil {
			return nil
		}

		select {
		case waitErr := <-waitCh:
			if waitErr == nil {
				return errors.New("firecracker exited before the guest agent became ready")
			}
			return fmt.Errorf("firecracker exited before the guest agent became ready: %w", waitErr)
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for guest agent: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// call sends a single-shot request and returns its result frame.
func (s *Sandbox) call(ctx context.Context, req vsockexec.Request) (vsockexec.Frame, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return vsockexec.Frame{}, err
	}
	defer conn.Close()

	if err := vsockexec.EncodeRequest(conn, req); err != nil {
		return vsockexec.Frame{}, fmt.Errorf("send %s request: %w", req.Type, err)
	}
	res, err := vsockexec.NewFrameDecoder(conn).Next()
	if err != nil {
		return vsockexec.Frame{}, fmt.Errorf("decode %s response: %w", req.Type, err)
	}
	if res.Type != vsockexec.FrameResult {
		return vsockexec.Frame{}, fmt.Errorf("unexpected %s frame for %s", res.Type, req.Type)
	}
	return res, nil
}

func (s *Sandbox) fileCall(ctx context.Context, kind, name string, data []byte) ([]byte, error) {
	clean, err := sandbox.CleanName(name)
	if err != nil {
		return nil, err
	}
	res, err := s.call(ctx, vsockexec.Request{Type: kind, Path: clean, Data: data})
	if err != nil {
		return nil, err
	}
	if res.NotFound {
		return nil, fmt.Errorf("%s %s: %w", strings.TrimSuffix(kind, "_file"), clean, fs.ErrNotExist)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("%s %s: %s", strings.TrimSuffix(kind, "_file"), clean, res.Error)
	}
	return res.Data, nil
}

func (s *Sandbox) WriteFile(ctx context.Context, name string, data []byte) error {
	_, err := s.fileCall(ctx, vsockexec.RequestWriteFile, name, data)
	return err
}

func (s *Sandbox) ReadFile(ctx context.Context, name string) ([]byte, error) {
	data, err := s.fileCall(ctx, vsockexec.RequestReadFile, name, nil)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (s *Sandbox) RemoveFile(ctx context.Context, name string) error {
	_, err := s.fileCall(ctx, vsockexec.RequestRemoveFile, name, nil)
	return err
}

func (s *Sandbox) Spawn(ctx context.Context, spec sandbox.ProcessSpec) (sandbox.Process, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, errors.New("missing command")
	}
	dir := ""
	if spec.Dir != "" && spec.Dir != "." {
		clean, err := sandbox.CleanName(spec.Dir)
		if err != nil {
			return nil, err
		}
		dir = clean
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial guest agent: %w", err)
	}
	req := vsockexec.Request{
		Type:    vsockexec.RequestExec,
		Command: append([]string{spec.Command}, spec.Args...),
		Dir:     dir,
		Env:     sandbox.EnvList(spec.Env),
	}
	if err := vsockexec.EncodeRequest(conn, req); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send exec request: %w", err)
	}

	pr, pw := io.Pipe()
	p := &process{conn: conn, output: pr, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		exit, err := vsockexec.StreamOutput(vsockexec.NewFrameDecoder(conn), pw)
		_ = pw.Close()
		_ = conn.Close()
		switch {
		case err != nil:
			p.code, p.err = -1, fmt.Errorf("exec stream: %w", err)
		case exit.Error != "":
			p.code, p.err = exit.ExitCode, errors.New(exit.Error)
		default:
			p.code = exit.ExitCode
		}
	}()
	return p, nil
}

func (s *Sandbox) Close() error {
	s.closeOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		if s.runDir != "" {
			_ = os.RemoveAll(s.runDir)
		}
	})
	return nil
}

type process struct {
	conn   io.ReadWriteCloser
	output *io.PipeReader
	done   chan struct{}
	killMu sync.Mutex

	code int
	err  error
}

func (p *process) Output() io.Reader {
	return p.output
}

func (p *process) Wait() (int, error) {
	<-p.done
	return p.code, p.err
}

func (p *process) Kill() error {
	p.killMu.Lock()
	defer p.killMu.Unlock()
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := vsockexec.EncodeFrame(p.conn, vsockexec.Frame{Type: vsockexec.FrameKill}); err != nil {
		// The agent also kills on hang-up.
		return p.conn.Close()
	}
	return nil
}
