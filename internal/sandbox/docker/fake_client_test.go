package docker

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

type execResult struct {
	stdout string
	stderr string
	code   int
}

type fakeDockerClient struct {
	mu          sync.Mutex
	pingErr     error
	hasImage    bool
	pulls       []string
	createCalls []*container.HostConfig
	removed     []string
	files       map[string][]byte
	copyToPaths []string
	execs       map[string][]string
	execCodes   map[string]int
	execOrder   [][]string
	onExec      func(cmd []string) execResult
	closed      bool
}

func newFakeDockerClient() *fakeDockerClient {
	return &fakeDockerClient{
		hasImage:  true,
		files:     map[string][]byte{},
		execs:     map[string][]string{},
		execCodes: map[string]int{},
	}
}

func (f *fakeDockerClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDockerClient) Ping(context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.47", OSType: "linux"}, f.pingErr
}

func (f *fakeDockerClient) ImageInspect(_ context.Context, ref string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasImage {
		return image.InspectResponse{}, fmt.Errorf("no such image: %s: %w", ref, cerrdefs.ErrNotFound)
	}
	return image.InspectResponse{ID: "sha256:abc"}, nil
}

func (f *fakeDockerClient) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.pulls = append(f.pulls, ref)
	f.hasImage = true
	f.mu.Unlock()
	return io.NopCloser(bytes.NewReader([]byte(`{"status":"done"}`))), nil
}

func (f *fakeDockerClient) ContainerCreate(_ context.Context, _ *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *specs.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls = append(f.createCalls, hostConfig)
	return container.CreateResponse{ID: fmt.Sprintf("container-%d", len(f.createCalls))}, nil
}

func (f *fakeDockerClient) ContainerStart(context.Context, string, container.StartOptions) error {
	return nil
}

func (f *fakeDockerClient) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	f.removed = append(f.removed, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeDockerClient) CopyToContainer(_ context.Context, _ string, dst string, content io.Reader, _ container.CopyToContainerOptions) error {
	tr := tar.NewReader(content)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copyToPaths = append(f.copyToPaths, dst)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		f.files[dst+"/"+hdr.Name] = data
	}
}

func (f *fakeDockerClient) CopyFromContainer(_ context.Context, _ string, src string) (io.ReadCloser, container.PathStat, error) {
	f.mu.Lock()
	data, ok := f.files[src]
	f.mu.Unlock()
	if !ok {
		return nil, container.PathStat{}, fmt.Errorf("no such file: %w", cerrdefs.ErrNotFound)
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	_ = tw.WriteHeader(&tar.Header{Name: "file", Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg})
	_, _ = tw.Write(data)
	_ = tw.Close()
	return io.NopCloser(&buf), container.PathStat{Name: "file", Size: int64(len(data))}, nil
}

func (f *fakeDockerClient) ContainerStatPath(_ context.Context, _ string, p string) (container.PathStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[p]; !ok {
		return container.PathStat{}, fmt.Errorf("no such file: %w", cerrdefs.ErrNotFound)
	}
	return container.PathStat{Name: p}, nil
}

func (f *fakeDockerClient) ContainerExecCreate(_ context.Context, _ string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("exec-%d", len(f.execs)+1)
	f.execs[id] = options.Cmd
	f.execOrder = append(f.execOrder, options.Cmd)
	return container.ExecCreateResponse{ID: id}, nil
}

func (f *fakeDockerClient) ContainerExecAttach(_ context.Context, execID string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	cmd := f.execs[execID]
	onExec := f.onExec
	f.mu.Unlock()

	res := execResult{}
	if onExec != nil {
		res = onExec(cmd)
	}
	if len(cmd) >= 4 && cmd[0] == "rm" {
		f.mu.Lock()
		delete(f.files, cmd[len(cmd)-1])
		f.mu.Unlock()
	}

	var framed bytes.Buffer
	if res.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&framed, stdcopy.Stdout).Write([]byte(res.stdout))
	}
	if res.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&framed, stdcopy.Stderr).Write([]byte(res.stderr))
	}

	f.mu.Lock()
	f.execCodes[execID] = res.code
	f.mu.Unlock()

	conn, _ := net.Pipe()
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(&framed)}, nil
}

func (f *fakeDockerClient) ContainerExecInspect(_ context.Context, execID string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return container.ExecInspect{ExecID: execID, Running: false, ExitCode: f.execCodes[execID]}, nil
}
