//go:build unix

package local

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

type process struct {
	cmd    *exec.Cmd
	output *os.File
	done   chan struct{}

	code    int
	waitErr error
	killMu  sync.Mutex
}

// startProcess runs cmd as the leader of a new process group with stdout
// and stderr sharing one pipe.
func startProcess(cmd *exec.Cmd) (*process, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	_ = w.Close()

	p := &process{cmd: cmd, output: r, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

// wait reaps the group leader and then kills whatever is left of its
// group, so background children cannot hold the output pipe open.
func (p *process) wait() {
	err := p.cmd.Wait()
	_ = p.killGroup()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.code = 0
	case errors.As(err, &exitErr):
		p.code = exitErr.ExitCode()
	default:
		p.code = -1
		p.waitErr = err
	}
	close(p.done)
}

// Output reaches EOF once every process in the group has closed the pipe.
// The read end is released at EOF.
func (p *process) Output() io.Reader {
	return closeOnEOF{p.output}
}

type closeOnEOF struct {
	f *os.File
}

func (r closeOnEOF) Read(b []byte) (int, error) {
	n, err := r.f.Read(b)
	if err == io.EOF {
		_ = r.f.Close()
	}
	return n, err
}

func (p *process) Wait() (int, error) {
	<-p.done
	return p.code, p.waitErr
}

// Kill signals the whole group. Once the leader has been reaped wait has
// already killed the group, and Kill is a no-op.
func (p *process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.killGroup()
}

func (p *process) killGroup() error {
	p.killMu.Lock()
	defer p.killMu.Unlock()
	if err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill process group %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}
