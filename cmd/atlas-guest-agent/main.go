//go:build linux

package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/LiangMouse/fe-atlas/internal/vsockexec"
	"github.com/mdlayher/vsock"
	"golang.org/x/sys/unix"
)

const defaultWorkdir = "/workspace"

func main() {
	port := vsockexec.DefaultPort
	if raw := os.Getenv("ATLAS_VSOCK_PORT"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid ATLAS_VSOCK_PORT %q: %v\n", raw, err)
			os.Exit(2)
		}
		port = uint32(parsed)
	}
	workdir := os.Getenv("ATLAS_WORKDIR")
	if workdir == "" {
		workdir = defaultWorkdir
	}
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create workdir: %v\n", err)
		os.Exit(1)
	}

	ln, err := vsock.Listen(port, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen vsock: %v\n", err)
		os.Exit(1)
	}
	defer ln.Close()

	a := &agent{workdir: workdir}
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			fmt.Fprintf(os.Stderr, "accept: %v\n", err)
			continue
		}
		go a.handleConn(conn)
	}
}

type agent struct {
	workdir string
}

func (a *agent) handleConn(conn io.ReadWriteCloser) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return
	}
	req, err := vsockexec.DecodeRequest(bytes.NewReader(line))
	if err != nil {
		_ = vsockexec.EncodeFrame(conn, vsockexec.Frame{Type: vsockexec.FrameResult, Error: err.Error()})
		return
	}

	switch req.Type {
	case vsockexec.RequestPing:
		_ = vsockexec.EncodeFrame(conn, vsockexec.Frame{Type: vsockexec.FrameResult})
	case vsockexec.RequestExec:
		a.exec(conn, vsockexec.NewFrameDecoder(r), req)
	default:
		_ = vsockexec.EncodeFrame(conn, a.fileOp(req))
	}
}

func (a *agent) resolve(p string) (string, error) {
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes the workdir", p)
	}
	return filepath.Join(a.workdir, clean), nil
}

func (a *agent) fileOp(req vsockexec.Request) vsockexec.Frame {
	res := vsockexec.Frame{Type: vsockexec.FrameResult}
	full, err := a.resolve(req.Path)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	switch req.Type {
	case vsockexec.RequestWriteFile:
		if err = os.MkdirAll(filepath.Dir(full), 0o755); err == nil {
			err = os.WriteFile(full, req.Data, 0o644)
		}
	case vsockexec.RequestReadFile:
		res.Data, err = os.ReadFile(full)
	case vsockexec.RequestRemoveFile:
		err = os.Remove(full)
	}
	if err != nil {
		res.Error = err.Error()
		res.NotFound = errors.Is(err, fs.ErrNotExist)
	}
	return res
}

// exec runs the command in its own process group. A kill frame from the
// host, or the host hanging up, kills the whole group.
func (a *agent) exec(w io.Writer, dec *vsockexec.FrameDecoder, req vsockexec.Request) {
	dir := a.workdir
	if req.Dir != "" {
		var err error
		if dir, err = a.resolve(req.Dir); err != nil {
			_ = vsockexec.EncodeFrame(w, vsockexec.Frame{Type: vsockexec.FrameExit, ExitCode: -1, Error: err.Error()})
			return
		}
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		_ = vsockexec.EncodeFrame(w, vsockexec.Frame{Type: vsockexec.FrameExit, ExitCode: -1, Error: err.Error()})
		return
	}
	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = buildCommandEnv(req.Env)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		_ = vsockexec.EncodeFrame(w, vsockexec.Frame{Type: vsockexec.FrameExit, ExitCode: -1, Error: err.Error()})
		return
	}
	_ = pw.Close()
	defer pr.Close()

	// The group outlives its leader when children are backgrounded; it is
	// killed once the leader exits so the output pipe reaches EOF.
	exited := make(chan struct{})
	killGroup := func() {
		select {
		case <-exited:
		default:
			_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		}
	}
	waited := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		close(exited)
		waited <- err
	}()
	go func() {
		for {
			frame, err := dec.Next()
			if err != nil || frame.Type == vsockexec.FrameKill {
				killGroup()
				return
			}
		}
	}()

	buf := make([]byte, 32*1024)
	for {
		n, readErr := pr.Read(buf)
		if n > 0 {
			if err := vsockexec.EncodeFrame(w, vsockexec.Frame{Type: vsockexec.FrameOutput, Data: append([]byte(nil), buf[:n]...)}); err != nil {
				killGroup()
			}
		}
		if readErr != nil {
			break
		}
	}

	exit := vsockexec.Frame{Type: vsockexec.FrameExit}
	waitErr := <-waited
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		exit.ExitCode = exitErr.ExitCode()
	default:
		exit.ExitCode = -1
		exit.Error = waitErr.Error()
	}
	_ = vsockexec.EncodeFrame(w, exit)
}

func buildCommandEnv(requestEnv []string) []string {
	base := map[string]string{}
	for _, entry := range append(os.Environ(), requestEnv...) {
		key, value, _ := strings.Cut(entry, "=")
		base[key] = value
	}
	if strings.TrimSpace(base["HOME"]) == "" {
		base["HOME"] = "/root"
	}
	if strings.TrimSpace(base["PATH"]) == "" {
		base["PATH"] = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	}

	out := make([]string, 0, len(base))
	for key, value := range base {
		out = append(out, key+"="+value)
	}
	return out
}
