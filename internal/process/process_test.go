package process

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/LiangMouse/fe-atlas/internal/logbuf"
	"github.com/LiangMouse/fe-atlas/internal/sandbox"
	"github.com/LiangMouse/fe-atlas/internal/sandbox/sandboxtest"
)

func TestRunStreamsCleanedOutput(t *testing.T) {
	sb := sandboxtest.New(func(sandbox.ProcessSpec) sandboxtest.Result {
		return sandboxtest.Result{
			Output: "\x1b[2K\x1b[1Gok 1 passed\n\n JSON report written to /x.json\npartial",
			Code:   1,
		}
	})
	logs := logbuf.New()

	code := Run(context.Background(), Spec{
		Sandbox: sb,
		Command: "npx",
		Args:    []string{"vitest", "run"},
		Env:     map[string]string{"CI": "1"},
		Timeout: time.Second,
		Logs:    logs,
	})
	if code != 1 {
		t.Fatalf("unexpected exit code: got %d want 1", code)
	}
	got := logs.Lines()
	want := []string{"ok 1 passed", "partial"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected logs: got %q want %q", got, want)
	}
	spawned := sb.Spawned()
	if len(spawned) != 1 || spawned[0].Env["CI"] != "1" {
		t.Fatalf("unexpected spawn: %+v", spawned)
	}
}

func TestRunSpawnFailureReturnsMinusOne(t *testing.T) {
	sb := sandboxtest.New(func(sandbox.ProcessSpec) sandboxtest.Result {
		return sandboxtest.Result{SpawnErr: errors.New("exec format error")}
	})
	logs := logbuf.New()

	code := Run(context.Background(), Spec{Sandbox: sb, Command: "npm", Args: []string{"install"}, Logs: logs})
	if code != -1 {
		t.Fatalf("unexpected exit code: got %d want -1", code)
	}
	lines := logs.Lines()
	if len(lines) != 1 || !strings.Contains(lines[0], "exec format error") {
		t.Fatalf("expected spawn failure logged, got %q", lines)
	}
}

func TestRunTimeoutKillsAndStillReturns(t *testing.T) {
	sb := sandboxtest.New(func(sandbox.ProcessSpec) sandboxtest.Result {
		return sandboxtest.Result{Output: "starting\n", Hang: true}
	})
	logs := logbuf.New()

	start := time.Now()
	done := make(chan int, 1)
	go func() {
		done <- Run(context.Background(), Spec{
			Sandbox: sb,
			Command: "node",
			Args:    []string{"-e", "setInterval(() => {}, 1000)"},
			Timeout: 50 * time.Millisecond,
			Logs:    logs,
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after timeout")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("returned before timeout elapsed: %v", elapsed)
	}
	if sb.Kills() == 0 {
		t.Fatal("expected Kill to be invoked")
	}
	lines := logs.Lines()
	found := false
	for _, line := range lines {
		if line == "[runtime] process timeout: node -e setInterval(() => {}, 1000)" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected timeout marker, got %q", lines)
	}
	if lines[0] != "starting" {
		t.Fatalf("expected output before marker, got %q", lines)
	}
}

func TestRunContextCancelKills(t *testing.T) {
	sb := sandboxtest.New(func(sandbox.ProcessSpec) sandboxtest.Result {
		return sandboxtest.Result{Hang: true}
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		done <- Run(ctx, Spec{Sandbox: sb, Command: "sleep", Args: []string{"100"}, Logs: logbuf.New()})
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if sb.Kills() == 0 {
		t.Fatal("expected Kill on cancel")
	}
}

func TestRunNoTimeoutMarkerForFastProcess(t *testing.T) {
	sb := sandboxtest.New(func(sandbox.ProcessSpec) sandboxtest.Result {
		return sandboxtest.Result{Output: "done\n"}
	})
	logs := logbuf.New()
	if code := Run(context.Background(), Spec{Sandbox: sb, Command: "true", Timeout: time.Second, Logs: logs}); code != 0 {
		t.Fatalf("unexpected exit code: %d", code)
	}
	for _, line := range logs.Lines() {
		if strings.Contains(line, "timeout") {
			t.Fatalf("unexpected timeout marker: %q", logs.Lines())
		}
	}
}
