package docker

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"strings"
	"testing"

	"github.com/LiangMouse/fe-atlas/internal/sandbox"
	"github.com/google/go-containerregistry/pkg/name"
)

func bootFake(t *testing.T, fake *fakeDockerClient) *Sandbox {
	t.Helper()
	b := New(Options{})
	b.newClient = func() (dockerClient, error) { return fake, nil }
	sb, err := b.Boot(context.Background())
	if err != nil {
		t.Fatalf("Boot returned error: %v", err)
	}
	return sb.(*Sandbox)
}

func TestBootUnreachableDaemonIsUnsupportedHost(t *testing.T) {
	fake := newFakeDockerClient()
	fake.pingErr = errors.New("connection refused")
	b := New(Options{})
	b.newClient = func() (dockerClient, error) { return fake, nil }

	_, err := b.Boot(context.Background())
	if !errors.Is(err, sandbox.ErrUnsupportedHost) {
		t.Fatalf("expected ErrUnsupportedHost, got %v", err)
	}
	if !fake.closed {
		t.Fatal("expected client to be closed after failed boot")
	}
}

func TestBootRejectsInvalidImage(t *testing.T) {
	b := New(Options{Image: "Not A Valid:::ref"})
	b.newClient = func() (dockerClient, error) { return newFakeDockerClient(), nil }
	if _, err := b.Boot(context.Background()); err == nil {
		t.Fatal("expected invalid image reference to fail")
	}
}

func TestBootPullsMissingImageAndLimitsResources(t *testing.T) {
	fake := newFakeDockerClient()
	fake.hasImage = false
	bootFake(t, fake)

	if len(fake.pulls) != 1 || fake.pulls[0] != DefaultImage {
		t.Fatalf("unexpected pulls: %v", fake.pulls)
	}
	if len(fake.createCalls) != 1 {
		t.Fatalf("expected one container create, got %d", len(fake.createCalls))
	}
	hc := fake.createCalls[0]
	if hc.Resources.PidsLimit == nil || *hc.Resources.PidsLimit != 512 {
		t.Fatalf("unexpected pids limit: %v", hc.Resources.PidsLimit)
	}
	if hc.Resources.Memory != 1<<30 {
		t.Fatalf("unexpected memory limit: %d", hc.Resources.Memory)
	}
	if got := strings.Join(fake.execOrder[0], " "); got != "mkdir -p /workspace" {
		t.Fatalf("unexpected first exec: %q", got)
	}
}

func TestFileRoundTripAndMissingFiles(t *testing.T) {
	fake := newFakeDockerClient()
	sb := bootFake(t, fake)
	ctx := context.Background()

	if err := sb.WriteFile(ctx, "tests.spec.ts", []byte("test('x', () => {})")); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}
	if fake.copyToPaths[0] != DefaultWorkdir {
		t.Fatalf("unexpected copy destination: %q", fake.copyToPaths[0])
	}
	got, err := sb.ReadFile(ctx, "tests.spec.ts")
	if err != nil {
		t.Fatalf("ReadFile returned error: %v", err)
	}
	if string(got) != "test('x', () => {})" {
		t.Fatalf("unexpected content: %q", got)
	}

	if err := sb.RemoveFile(ctx, "tests.spec.ts"); err != nil {
		t.Fatalf("RemoveFile returned error: %v", err)
	}
	if _, err := sb.ReadFile(ctx, "tests.spec.ts"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
	if err := sb.RemoveFile(ctx, "tests.spec.ts"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist removing missing file, got %v", err)
	}
}

func TestSpawnWrapsCommandAndDemuxesOutput(t *testing.T) {
	fake := newFakeDockerClient()
	fake.onExec = func(cmd []string) execResult {
		if len(cmd) > 4 && cmd[4] == "npx" {
			return execResult{stdout: "ok 1 passed\n", stderr: "warn\n", code: 1}
		}
		return execResult{}
	}
	sb := bootFake(t, fake)

	proc, err := sb.Spawn(context.Background(), sandbox.ProcessSpec{
		Command: "npx",
		Args:    []string{"vitest", "run"},
		Env:     map[string]string{"CI": "1"},
	})
	if err != nil {
		t.Fatalf("Spawn returned error: %v", err)
	}
	out, err := io.ReadAll(proc.Output())
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	code, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if code != 1 {
		t.Fatalf("unexpected exit code: got %d want 1", code)
	}
	if string(out) != "ok 1 passed\nwarn\n" {
		t.Fatalf("unexpected output: %q", out)
	}

	spawned := fake.execOrder[1]
	if spawned[0] != "sh" || spawned[2] != spawnScript || !strings.HasPrefix(spawned[3], "/tmp/atlas-") {
		t.Fatalf("unexpected spawn wrapper: %v", spawned)
	}
	if strings.Join(spawned[4:], " ") != "npx vitest run" {
		t.Fatalf("unexpected wrapped command: %v", spawned[4:])
	}
}

func TestCloseRemovesContainerOnce(t *testing.T) {
	fake := newFakeDockerClient()
	sb := bootFake(t, fake)
	if err := sb.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if err := sb.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
	if len(fake.removed) != 1 || !fake.closed {
		t.Fatalf("unexpected teardown: removed=%v closed=%v", fake.removed, fake.closed)
	}
}

func doctorChecks(t *testing.T, b *Booter) map[string]sandbox.DoctorCheck {
	t.Helper()
	report, err := b.Doctor(context.Background())
	if err != nil {
		t.Fatalf("Doctor returned error: %v", err)
	}
	checks := map[string]sandbox.DoctorCheck{}
	for _, c := range report.Checks {
		checks[c.Name] = c
	}
	return checks
}

func TestDoctorResolvesMissingImageFromRegistry(t *testing.T) {
	fake := newFakeDockerClient()
	fake.hasImage = false
	b := New(Options{})
	b.newClient = func() (dockerClient, error) { return fake, nil }
	var asked string
	b.resolveDigest = func(_ context.Context, ref name.Reference) (string, error) {
		asked = ref.Name()
		return "sha256:0123", nil
	}

	checks := doctorChecks(t, b)
	if checks["daemon"].Status != "pass" || checks["image"].Status != "warn" {
		t.Fatalf("unexpected checks: %+v", checks)
	}
	if got := checks["registry"]; got.Status != "pass" || !strings.Contains(got.Message, "sha256:0123") {
		t.Fatalf("unexpected registry check: %+v", got)
	}
	if asked != "index.docker.io/library/node:20-bookworm-slim" {
		t.Fatalf("unexpected reference resolved: %q", asked)
	}
}

func TestDoctorWarnsWhenRegistryUnreachable(t *testing.T) {
	fake := newFakeDockerClient()
	fake.hasImage = false
	b := New(Options{})
	b.newClient = func() (dockerClient, error) { return fake, nil }
	b.resolveDigest = func(context.Context, name.Reference) (string, error) {
		return "", errors.New("dial tcp: i/o timeout")
	}

	if got := doctorChecks(t, b)["registry"]; got.Status != "warn" {
		t.Fatalf("unexpected registry check: %+v", got)
	}
}

func TestDoctorSkipsRegistryForLocalImage(t *testing.T) {
	b := New(Options{})
	b.newClient = func() (dockerClient, error) { return newFakeDockerClient(), nil }
	b.resolveDigest = func(context.Context, name.Reference) (string, error) {
		t.Fatal("registry should not be queried when the image is present")
		return "", nil
	}

	checks := doctorChecks(t, b)
	if checks["image"].Status != "pass" {
		t.Fatalf("unexpected image check: %+v", checks["image"])
	}
	if _, ok := checks["registry"]; ok {
		t.Fatalf("unexpected registry check: %+v", checks["registry"])
	}
}
