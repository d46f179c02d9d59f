// Package docker runs sandboxes as one long-lived container per boot.
// Files move in and out as tar archives and commands run through exec.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/LiangMouse/fe-atlas/internal/sandbox"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"go.jetify.com/typeid"
)

const (
	DefaultImage   = "node:20-bookworm-slim"
	DefaultWorkdir = "/workspace"

	labelSandbox = "dev.fe-atlas.sandbox"
)

type Options struct {
	Image       string
	Workdir     string
	Network     string // docker network mode; "none" disables egress but breaks npm install
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
}

type Booter struct {
	opts      Options
	newClient func() (dockerClient, error)

	// resolveDigest asks the registry for the manifest digest of ref.
	resolveDigest func(ctx context.Context, ref name.Reference) (string, error)
}

func New(opts Options) *Booter {
	if opts.Image == "" {
		opts.Image = DefaultImage
	}
	if opts.Workdir == "" {
		opts.Workdir = DefaultWorkdir
	}
	if opts.Network == "" {
		opts.Network = "bridge"
	}
	if opts.MemoryBytes <= 0 {
		opts.MemoryBytes = 1 << 30
	}
	if opts.PidsLimit <= 0 {
		opts.PidsLimit = 512
	}
	return &Booter{opts: opts, newClient: newEnvClient, resolveDigest: remoteDigest}
}

func remoteDigest(ctx context.Context, ref name.Reference) (string, error) {
	desc, err := remote.Head(ref, remote.WithContext(ctx))
	if err != nil {
		return "", err
	}
	return desc.Digest.String(), nil
}

func (b *Booter) Name() string {
	return "docker"
}

func (b *Booter) Capabilities() map[string]bool {
	return map[string]bool{
		sandbox.CapabilityFilesystemIsolated: true,
		sandbox.CapabilityNetworkIsolated:    b.opts.Network == "none",
	}
}

func (b *Booter) Boot(ctx context.Context) (sandbox.Sandbox, error) {
	if _, err := name.ParseReference(b.opts.Image); err != nil {
		return nil, fmt.Errorf("invalid sandbox image %q: %w", b.opts.Image, err)
	}
	cli, err := b.newClient()
	if err != nil {
		return nil, fmt.Errorf("%w: docker client: %v", sandbox.ErrUnsupportedHost, err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("%w: docker daemon unreachable: %v", sandbox.ErrUnsupportedHost, err)
	}

	sb, err := b.start(ctx, cli)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	return sb, nil
}

func (b *Booter) start(ctx context.Context, cli dockerClient) (*Sandbox, error) {
	if err := ensureImage(ctx, cli, b.opts.Image); err != nil {
		return nil, err
	}

	id := newSandboxID()
	pids := b.opts.PidsLimit
	resp, err := cli.ContainerCreate(ctx,
		&container.Config{
			Image:      b.opts.Image,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: b.opts.Workdir,
			Labels:     map[string]string{labelSandbox: id},
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(b.opts.Network),
			SecurityOpt: []string{"no-new-privileges"},
			Resources: container.Resources{
				Memory:    b.opts.MemoryBytes,
				NanoCPUs:  b.opts.NanoCPUs,
				PidsLimit: &pids,
			},
		},
		nil, nil, "atlas-"+id,
	)
	if err != nil {
		return nil, fmt.Errorf("create sandbox container: %w", err)
	}

	sb := &Sandbox{id: id, containerID: resp.ID, workdir: b.opts.Workdir, cli: cli}
	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		sb.remove()
		return nil, fmt.Errorf("start sandbox container: %w", err)
	}
	if code, out, err := sb.run(ctx, []string{"mkdir", "-p", b.opts.Workdir}); err != nil || code != 0 {
		sb.remove()
		if err == nil {
			err = fmt.Errorf("exit code %d: %s", code, strings.TrimSpace(out))
		}
		return nil, fmt.Errorf("prepare sandbox workdir: %w", err)
	}
	return sb, nil
}

func ensureImage(ctx context.Context, cli dockerClient, ref string) error {
	if _, err := cli.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}
	rc, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func (b *Booter) Doctor(ctx context.Context) (*sandbox.DoctorReport, error) {
	report := &sandbox.DoctorReport{Backend: b.Name()}

	ref, err := name.ParseReference(b.opts.Image)
	if err != nil {
		report.Add("image_ref", "fail", fmt.Sprintf("invalid image reference %q: %v", b.opts.Image, err))
	} else {
		report.Add("image_ref", "pass", fmt.Sprintf("image %s from registry %s", ref.Name(), ref.Context().RegistryStr()))
	}

	cli, err := b.newClient()
	if err != nil {
		report.Add("daemon", "fail", fmt.Sprintf("docker client: %v", err))
		return report, nil
	}
	defer cli.Close()

	ping, err := cli.Ping(ctx)
	if err != nil {
		report.Add("daemon", "fail", fmt.Sprintf("docker daemon unreachable: %v", err))
		return report, nil
	}
	report.Add("daemon", "pass", fmt.Sprintf("docker daemon reachable (api %s, %s)", ping.APIVersion, ping.OSType))

	if _, err := cli.ImageInspect(ctx, b.opts.Image); err != nil {
		if cerrdefs.IsNotFound(err) {
			report.Add("image", "warn", fmt.Sprintf("image %s not present locally; first boot will pull it", b.opts.Image))
			b.checkRegistry(ctx, report)
		} else {
			report.Add("image", "fail", fmt.Sprintf("inspect image %s: %v", b.opts.Image, err))
		}
	} else {
		report.Add("image", "pass", fmt.Sprintf("image %s present", b.opts.Image))
	}
	if b.opts.Network == "none" {
		report.Add("network", "warn", "network mode none blocks npm install")
	} else {
		report.Add("network", "pass", fmt.Sprintf("network mode %s", b.opts.Network))
	}
	return report, nil
}

// checkRegistry runs only when the image still has to be pulled.
func (b *Booter) checkRegistry(ctx context.Context, report *sandbox.DoctorReport) {
	ref, err := name.ParseReference(b.opts.Image)
	if err != nil {
		return
	}
	digest, err := b.resolveDigest(ctx, ref)
	if err != nil {
		report.Add("registry", "warn", fmt.Sprintf("cannot resolve %s from %s: %v", ref.Name(), ref.Context().RegistryStr(), err))
		return
	}
	report.Add("registry", "pass", fmt.Sprintf("%s resolves to %s", ref.Name(), digest))
}

type Sandbox struct {
	id          string
	containerID string
	workdir     string
	cli         dockerClient

	closeOnce sync.Once
	closeErr  error
}

func (s *Sandbox) ID() string {
	return s.id
}

func (s *Sandbox) resolve(name string) (string, error) {
	clean, err := sandbox.CleanName(name)
	if err != nil {
		return "", err
	}
	return path.Join(s.workdir, clean), nil
}

func (s *Sandbox) WriteFile(ctx context.Context, name string, data []byte) error {
	clean, err := sandbox.CleanName(name)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    clean,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	if err := s.cli.CopyToContainer(ctx, s.containerID, s.workdir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy %s into sandbox: %w", clean, err)
	}
	return nil
}

func (s *Sandbox) ReadFile(ctx context.Context, name string) ([]byte, error) {
	full, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	rc, _, err := s.cli.CopyFromContainer(ctx, s.containerID, full)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("read %s: %w", name, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("copy %s from sandbox: %w", name, err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("read %s: %w", name, fs.ErrNotExist)
		}
		if err != nil {
			return nil, fmt.Errorf("read %s archive: %w", name, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

func (s *Sandbox) RemoveFile(ctx context.Context, name string) error {
	full, err := s.resolve(name)
	if err != nil {
		return err
	}
	if _, err := s.cli.ContainerStatPath(ctx, s.containerID, full); err != nil {
		if cerrdefs.IsNotFound(err) {
			return fmt.Errorf("remove %s: %w", name, fs.ErrNotExist)
		}
		return fmt.Errorf("stat %s: %w", name, err)
	}
	code, out, err := s.run(ctx, []string{"rm", "-f", "--", full})
	if err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	if code != 0 {
		return fmt.Errorf("remove %s: exit code %d: %s", name, code, strings.TrimSpace(out))
	}
	return nil
}

// spawnScript records the shell pid before exec so Kill can find the
// process from a second exec.
const spawnScript = `echo $$ > "$0"; exec "$@"`

const killScript = `pid=$(cat "$0" 2>/dev/null) || exit 0
kill -KILL -"$pid" 2>/dev/null || { pkill -KILL -P "$pid" 2>/dev/null; kill -KILL "$pid" 2>/dev/null; }
exit 0`

func (s *Sandbox) Spawn(ctx context.Context, spec sandbox.ProcessSpec) (sandbox.Process, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, errors.New("missing command")
	}
	workdir := s.workdir
	if spec.Dir != "" && spec.Dir != "." {
		var err error
		if workdir, err = s.resolve(spec.Dir); err != nil {
			return nil, err
		}
	}

	pidFile := "/tmp/atlas-" + newSandboxID() + ".pid"
	cmd := append([]string{"sh", "-c", spawnScript, pidFile, spec.Command}, spec.Args...)
	execID, hijacked, err := s.attachExec(ctx, cmd, workdir, sandbox.EnvList(spec.Env))
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	p := &process{
		sandbox: s,
		execID:  execID,
		pidFile: pidFile,
		output:  pr,
		copied:  make(chan struct{}),
	}
	go func() {
		defer close(p.copied)
		defer hijacked.Close()
		_, copyErr := stdcopy.StdCopy(pw, pw, hijacked.Reader)
		_ = pw.CloseWithError(copyErr)
	}()
	return p, nil
}

func (s *Sandbox) attachExec(ctx context.Context, cmd []string, workdir string, env []string) (string, hijackedStream, error) {
	created, err := s.cli.ContainerExecCreate(ctx, s.containerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workdir,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", hijackedStream{}, fmt.Errorf("create exec: %w", err)
	}
	resp, err := s.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", hijackedStream{}, fmt.Errorf("attach exec: %w", err)
	}
	return created.ID, hijackedStream{Reader: resp.Reader, closeFn: resp.Close}, nil
}

type hijackedStream struct {
	Reader  io.Reader
	closeFn func()
}

func (h hijackedStream) Close() {
	if h.closeFn != nil {
		h.closeFn()
	}
}

// run executes cmd to completion and returns its exit code and combined
// output.
func (s *Sandbox) run(ctx context.Context, cmd []string) (int, string, error) {
	execID, hijacked, err := s.attachExec(ctx, cmd, "/", nil)
	if err != nil {
		return -1, "", err
	}
	var out bytes.Buffer
	_, copyErr := stdcopy.StdCopy(&out, &out, hijacked.Reader)
	hijacked.Close()
	if copyErr != nil {
		return -1, out.String(), fmt.Errorf("read exec output: %w", copyErr)
	}
	code, err := s.exitCode(ctx, execID)
	return code, out.String(), err
}

func (s *Sandbox) exitCode(ctx context.Context, execID string) (int, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		insp, err := s.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return -1, fmt.Errorf("inspect exec: %w", err)
		}
		if !insp.Running {
			return insp.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sandbox) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.remove()
		if err := s.cli.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}

func (s *Sandbox) remove() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.cli.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("remove sandbox container: %w", err)
	}
	return nil
}

type process struct {
	sandbox *Sandbox
	execID  string
	pidFile string
	output  *io.PipeReader
	copied  chan struct{}
}

func (p *process) Output() io.Reader {
	return p.output
}

// Wait returns once the exec output stream has closed and the daemon
// reports the exec as stopped.
func (p *process) Wait() (int, error) {
	<-p.copied
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	code, err := p.sandbox.exitCode(ctx, p.execID)
	p.cleanupPidFile()
	return code, err
}

func (p *process) Kill() error {
	select {
	case <-p.copied:
		return nil
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, _, err := p.sandbox.run(ctx, []string{"sh", "-c", killScript, p.pidFile}); err != nil {
		return fmt.Errorf("kill exec %s: %w", p.execID, err)
	}
	return nil
}

func (p *process) cleanupPidFile() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, _ = p.sandbox.run(ctx, []string{"rm", "-f", p.pidFile})
}

func newSandboxID() string {
	id, err := typeid.WithPrefix("sbx")
	if err != nil {
		return fmt.Sprintf("sbx-%d", time.Now().UTC().UnixNano())
	}
	return id.String()
}
