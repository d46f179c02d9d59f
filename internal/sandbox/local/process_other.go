//go:build !unix

package local

import (
	"errors"
	"io"
	"os/exec"
)

type process struct {
	done chan struct{}
}

func startProcess(*exec.Cmd) (*process, error) {
	return nil, errors.New("local sandbox processes require a unix host")
}

func (p *process) Output() io.Reader  { return nil }
func (p *process) Wait() (int, error) { return -1, errors.New("unsupported") }
func (p *process) Kill() error        { return nil }
