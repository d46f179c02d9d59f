package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LiangMouse/fe-atlas/internal/challenge"
	"github.com/LiangMouse/fe-atlas/internal/endpoint"
	"github.com/LiangMouse/fe-atlas/internal/environment"
	"github.com/LiangMouse/fe-atlas/internal/metrics"
	"github.com/LiangMouse/fe-atlas/internal/questions"
	"github.com/LiangMouse/fe-atlas/internal/runlog"
	"github.com/prometheus/client_golang/prometheus"
)

type stubRunner struct {
	mu    sync.Mutex
	reqs  []challenge.Request
	state challenge.RunState
	err   error
}

func (s *stubRunner) TryRun(_ context.Context, req challenge.Request) (challenge.RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return challenge.RunState{}, s.err
	}
	return s.state, nil
}

type stubEnv struct{}

func (stubEnv) State() environment.State {
	return environment.State{Boot: environment.Ready, Install: environment.Installed, Backend: "local", SandboxID: "sbx_1"}
}

type allowGate struct{ allow bool }

func (g allowGate) Allow(*http.Request) bool { return g.allow }

func newStore() *questions.Memory {
	return questions.NewMemory(questions.Question{
		Slug:       "debounce",
		Title:      "Debounce",
		Level:      "中等",
		Category:   "JavaScript",
		TestScript: "test('debounce', () => {})",
	})
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRunEndpointResolvesTestScript(t *testing.T) {
	runner := &stubRunner{state: challenge.RunState{Slug: "debounce", Passed: 1, Total: 1, Checks: []bool{true}}}
	h := New(Options{Runner: runner, Questions: newStore()}).Handler()

	rec := do(t, h, http.MethodPost, "/api/questions/debounce/run", `{"code":"export {}"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d (%s)", rec.Code, http.StatusOK, rec.Body)
	}
	var state challenge.RunState
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if state.Passed != 1 || state.Total != 1 {
		t.Fatalf("unexpected state: %+v", state)
	}
	if len(runner.reqs) != 1 {
		t.Fatalf("unexpected run count: %d", len(runner.reqs))
	}
	got := runner.reqs[0]
	if got.Slug != "debounce" || got.Code != "export {}" || got.TestScript != "test('debounce', () => {})" {
		t.Fatalf("unexpected run request: %+v", got)
	}
}

func TestRunEndpointErrors(t *testing.T) {
	cases := []struct {
		name   string
		runner *stubRunner
		path   string
		body   string
		status int
	}{
		{"unknown question", &stubRunner{}, "/api/questions/nope/run", `{"code":""}`, http.StatusNotFound},
		{"malformed body", &stubRunner{}, "/api/questions/debounce/run", `{`, http.StatusBadRequest},
		{"busy", &stubRunner{err: challenge.ErrRunInProgress}, "/api/questions/debounce/run", `{"code":""}`, http.StatusConflict},
		{"runner failure", &stubRunner{err: errors.New("boom")}, "/api/questions/debounce/run", `{"code":""}`, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := New(Options{Runner: tc.runner, Questions: newStore()}).Handler()
			rec := do(t, h, http.MethodPost, tc.path, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("unexpected status: got %d want %d (%s)", rec.Code, tc.status, rec.Body)
			}
		})
	}
}

func TestRunEndpointRejectsOversizedBody(t *testing.T) {
	h := New(Options{Runner: &stubRunner{}, Questions: newStore(), MaxRunBodyBytes: 16}).Handler()
	rec := do(t, h, http.MethodPost, "/api/questions/debounce/run", `{"code":"`+strings.Repeat("x", 64)+`"}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestRunEndpointRequiresPost(t *testing.T) {
	h := New(Options{Runner: &stubRunner{}, Questions: newStore()}).Handler()
	rec := do(t, h, http.MethodGet, "/api/questions/debounce/run", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestListQuestionsOmitsTestScripts(t *testing.T) {
	h := New(Options{Questions: newStore()}).Handler()
	rec := do(t, h, http.MethodGet, "/api/questions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "test_script") {
		t.Fatalf("test scripts must not be listed: %s", rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"slug":"debounce"`) {
		t.Fatalf("unexpected body: %s", rec.Body)
	}
}

func TestRuntimeState(t *testing.T) {
	h := New(Options{Environment: stubEnv{}}).Handler()
	rec := do(t, h, http.MethodGet, "/api/runtime/state", "")
	var st environment.State
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Boot != environment.Ready || st.Install != environment.Installed || st.SandboxID != "sbx_1" {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestRunLogsRequireAdmin(t *testing.T) {
	ctx := context.Background()
	index := runlog.NewIndex(filepath.Join(t.TempDir(), "index.db"))
	at := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	for i, slug := range []string{"a", "b", "a"} {
		if err := index.Add(ctx, "r"+string(rune('0'+i)), at.Add(time.Duration(i)*time.Minute), runlog.Record{Slug: slug, Outcome: runlog.OutcomeSuccess}); err != nil {
			t.Fatalf("index add: %v", err)
		}
	}

	denied := New(Options{Index: index}).Handler()
	if rec := do(t, denied, http.MethodGet, "/api/admin/run-logs", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("unexpected status without admin: got %d want %d", rec.Code, http.StatusForbidden)
	}

	allowed := New(Options{Index: index, AdminGate: allowGate{allow: true}}).Handler()
	rec := do(t, allowed, http.MethodGet, "/api/admin/run-logs?slug=a&limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d (%s)", rec.Code, rec.Body)
	}
	var entries []runlog.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "r2" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	if rec := do(t, allowed, http.MethodGet, "/api/admin/run-logs?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status for bad limit: %d", rec.Code)
	}
}

type memoryAppender struct {
	mu      sync.Mutex
	records []runlog.Record
}

func (m *memoryAppender) Append(_ context.Context, rec runlog.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func TestRuntimeLogRouteMounted(t *testing.T) {
	store := &memoryAppender{}
	h := New(Options{RunLog: runlog.NewService(store, nil, nil)}).Handler()

	rec := do(t, h, http.MethodPost, runlog.AppendProcedure, `{"slug":"a","outcome":"success","passed":0,"total":0,"logs":["x"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d (%s)", rec.Code, rec.Body)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"ok":true}` {
		t.Fatalf("unexpected body: %s", rec.Body)
	}
	if len(store.records) != 1 {
		t.Fatalf("unexpected records: %+v", store.records)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveRun("passed", time.Second)
	h := New(Options{Gatherer: reg}).Handler()

	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "atlas_runs_total") {
		t.Fatalf("unexpected metrics response: %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("unexpected health status: %d", rec.Code)
	}
}

func TestListenHTTP(t *testing.T) {
	ln, cleanup, err := listen(endpoint.Endpoint{Scheme: "http", Address: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("listen http endpoint: %v", err)
	}
	if cleanup != nil {
		t.Fatal("expected no cleanup callback for tcp listener")
	}
	t.Cleanup(func() { _ = ln.Close() })
	if _, ok := ln.Addr().(*net.TCPAddr); !ok {
		t.Fatalf("expected tcp listener, got %T", ln.Addr())
	}
}

func TestListenRejectsUnsupportedScheme(t *testing.T) {
	if _, _, err := listen(endpoint.Endpoint{Scheme: "tssvc", Address: "127.0.0.1:0"}, nil); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}

type fakeTSNet struct {
	ln     net.Listener
	closed bool
}

func (f *fakeTSNet) Listen(network, addr string) (net.Listener, error) {
	return f.ln, nil
}

func (f *fakeTSNet) Close() error {
	f.closed = true
	return nil
}

func TestListenTSNetUsesStateDir(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = inner.Close() })

	fake := &fakeTSNet{ln: inner}
	var gotDir, gotHost string
	orig := newTSNetServer
	newTSNetServer = func(ep endpoint.Endpoint, stateDir string, _ func(string, ...any)) tsnetServer {
		gotDir, gotHost = stateDir, ep.TSNetHostname
		return fake
	}
	t.Cleanup(func() { newTSNetServer = orig })

	ep, err := endpoint.ResolveListen("tsnet://judge:7000")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ln, cleanup, err := listen(ep, nil)
	if err != nil {
		t.Fatalf("listen tsnet: %v", err)
	}
	if ln != inner || cleanup == nil {
		t.Fatal("expected fake listener and cleanup")
	}
	if gotHost != "judge" || !strings.HasSuffix(gotDir, filepath.Join("fe-atlas", "tsnet")) {
		t.Fatalf("unexpected tsnet setup: host=%q dir=%q", gotHost, gotDir)
	}
	_ = cleanup()
	if !fake.closed {
		t.Fatal("cleanup should close the tsnet server")
	}
}

func TestServeOverUnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "atlas.sock")
	ep := endpoint.Endpoint{Scheme: "unix", Address: sock, BaseURL: "http://unix"}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, ep, New(Options{}).Handler(), nil)
	}()

	client := endpoint.HTTPClient(ep)
	var resp *http.Response
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = client.Get("http://unix/healthz")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("health over unix socket: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}
}
