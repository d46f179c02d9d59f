package cli

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/LiangMouse/fe-atlas/client"
	"github.com/LiangMouse/fe-atlas/internal/auth"
	"github.com/LiangMouse/fe-atlas/internal/challenge"
	"github.com/LiangMouse/fe-atlas/internal/endpoint"
	"github.com/LiangMouse/fe-atlas/internal/environment"
	"github.com/LiangMouse/fe-atlas/internal/metrics"
	"github.com/LiangMouse/fe-atlas/internal/paths"
	"github.com/LiangMouse/fe-atlas/internal/questions"
	"github.com/LiangMouse/fe-atlas/internal/runlog"
	"github.com/LiangMouse/fe-atlas/internal/runtimeconfig"
	"github.com/LiangMouse/fe-atlas/internal/sandbox"
	"github.com/LiangMouse/fe-atlas/internal/server"
	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type runtimeContext struct {
	CWD        string
	Stdout     io.Writer
	Stderr     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
}

type CLI struct {
	Version kong.VersionFlag `help:"Print version and exit"`

	Serve  ServeCommand  `cmd:"" help:"Serve the challenge runner API"`
	Run    RunCommand    `cmd:"" help:"Grade a solution against a question's tests"`
	Doctor DoctorCommand `cmd:"" help:"Run environment and backend diagnostics"`
	Logs   LogsCommand   `cmd:"" help:"List recent run logs"`
}

type ServeCommand struct {
	Listen    string `help:"Listen endpoint (unix://path, http://host:port, or tsnet://hostname[:port]; defaults to the per-user socket)"`
	Backend   string `help:"Sandbox backend (local|docker|firecracker; defaults to runtime config or local)"`
	Questions string `help:"YAML question file (overrides the configured question store)" type:"path"`
	LogLevel  string `help:"Server log level (debug|info|warn|error)"`
}

type RunCommand struct {
	Slug string `arg:"" optional:"" help:"Question slug"`

	Code      string        `short:"f" required:"" help:"Solution file to grade" type:"path"`
	Tests     string        `short:"t" help:"Vitest spec to run instead of the question's test script" type:"path"`
	Questions string        `help:"YAML question file used to resolve the slug" type:"path"`
	Host      string        `help:"Grade on a running server instead of locally (unix://path or http://host:port)"`
	Backend   string        `help:"Sandbox backend for local runs (local|docker|firecracker)"`
	Timeout   time.Duration `help:"Test execution timeout for local runs"`
	JSON      bool          `help:"Print the run result as JSON"`
	LogLevel  string        `help:"Log level (debug|info|warn|error)" default:"warn"`
}

type DoctorCommand struct {
	Backend string `help:"Sandbox backend to diagnose (defaults to runtime config or local)"`
	JSON    bool   `help:"Print doctor report as JSON"`
}

type LogsCommand struct {
	Slug  string `help:"Only list runs of this question"`
	Limit int    `help:"Maximum number of runs to list" default:"20"`
	Host  string `help:"Query a running server's admin endpoint instead of the local index"`
	Token string `help:"OIDC ID token for the admin endpoint" env:"ATLAS_ID_TOKEN"`
	Raw   bool   `help:"Print the raw append-only log file"`
	JSON  bool   `help:"Print entries as JSON"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

// newBooterFn is swapped in tests.
var newBooterFn = newBooter

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Config:     cfg,
		ConfigPath: cfgPath,
	}

	parser, err := newParser(&CLI{}, version)
	if err != nil {
		return err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	runtimeCtx.CWD = cwd

	return ctx.Run(runtimeCtx)
}

func newParser(cli *CLI, version string) (*kong.Kong, error) {
	return kong.New(
		cli,
		kong.Name("atlas"),
		kong.Description("fe-atlas challenge runner"),
		kong.Vars{"version": version},
	)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (s *ServeCommand) Run(rc *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "server")
	if err != nil {
		return err
	}
	color := shouldUseANSI(rc.Stderr)
	styleLogger(logger, color)

	listen := s.Listen
	if listen == "" {
		listen = rc.Config.Server.Listen
	}
	ep, err := endpoint.ResolveListen(listen)
	if err != nil {
		return err
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	backendName := resolveBackendName(s.Backend, rc.Config)
	stack, err := buildRunStack(runCtx, rc.Config, backendName, logger, m)
	if err != nil {
		return err
	}
	defer stack.Close()

	store, closeStore, err := openQuestions(runCtx, rc.Config, s.Questions)
	if err != nil {
		return err
	}
	defer closeStore()

	var gate auth.Gate = auth.Deny{}
	if rc.Config.OIDC.Enabled() {
		g, err := auth.NewOIDCGate(runCtx, rc.Config.OIDC, logger.With("subsystem", "auth"))
		if err != nil {
			return err
		}
		gate = g
	}

	srv := server.New(server.Options{
		Runner:          stack.runner,
		Questions:       store,
		Environment:     stack.env,
		RunLog:          runlog.NewService(stack.recorder, logger.With("subsystem", "runlog"), m),
		Index:           stack.recorder.Index(),
		AdminGate:       gate,
		Gatherer:        reg,
		Logger:          logger.With("subsystem", "http"),
		MaxRunBodyBytes: rc.Config.Server.MaxRunBodyBytes,
	})

	if shouldShowStartupHeader(rc.Stderr) {
		fmt.Fprint(rc.Stderr, renderServeBanner("fe-atlas runner", []bannerField{
			{Label: "listen", Value: endpointDisplay(ep)},
			{Label: "backend", Value: backendName},
			{Label: "run log", Value: stack.logPath},
			{Label: "log level", Value: cmp.Or(strings.ToLower(strings.TrimSpace(s.LogLevel)), "info")},
		}, color))
	}
	return server.Serve(runCtx, ep, srv.Handler(), logger)
}

func (c *RunCommand) Run(rc *runtimeContext) error {
	code, err := os.ReadFile(resolvePath(rc.CWD, c.Code))
	if err != nil {
		return fmt.Errorf("read solution: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if c.Host != "" {
		return c.runRemote(ctx, rc, string(code))
	}

	logger, err := newLogger(c.LogLevel, "run")
	if err != nil {
		return err
	}

	slug := strings.TrimSpace(c.Slug)
	var testScript string
	if c.Tests != "" {
		b, err := os.ReadFile(resolvePath(rc.CWD, c.Tests))
		if err != nil {
			return fmt.Errorf("read tests: %w", err)
		}
		testScript = string(b)
		if slug == "" {
			slug = slugFromTestFile(c.Tests)
		}
	} else {
		if slug == "" {
			return errors.New("a question slug or --tests is required")
		}
		store, closeStore, err := openQuestions(ctx, rc.Config, c.Questions)
		if err != nil {
			return err
		}
		q, err := store.Get(ctx, slug)
		closeStore()
		if err != nil {
			return fmt.Errorf("resolve question %q: %w", slug, err)
		}
		testScript = q.TestScript
	}

	cfg := rc.Config
	if c.Timeout > 0 {
		cfg.Runner.ExecutionTimeout = c.Timeout
	}
	stack, err := buildRunStack(ctx, cfg, resolveBackendName(c.Backend, cfg), logger, nil)
	if err != nil {
		return err
	}
	defer stack.Close()

	req := challenge.Request{Slug: slug, Code: string(code), TestScript: testScript}
	if !c.JSON && shouldShowStartupHeader(rc.Stderr) {
		req.OnStage = func(s challenge.Stage) {
			fmt.Fprintf(rc.Stderr, "… %s\n", s)
		}
	}
	state := stack.runner.Run(ctx, req)
	return c.finish(rc, state)
}

// slugFromTestFile turns "debounce.spec.ts" into "debounce".
func slugFromTestFile(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	for _, suffix := range []string{".spec", ".test"} {
		base = strings.TrimSuffix(base, suffix)
	}
	return base
}

func (c *RunCommand) runRemote(ctx context.Context, rc *runtimeContext, code string) error {
	if c.Tests != "" {
		return errors.New("--tests cannot be combined with --host; the server resolves test scripts by slug")
	}
	if strings.TrimSpace(c.Slug) == "" {
		return errors.New("a question slug is required with --host")
	}
	cl, err := client.New(c.Host)
	if err != nil {
		return err
	}
	state, err := cl.Run(ctx, strings.TrimSpace(c.Slug), code)
	if err != nil {
		return err
	}
	return c.finish(rc, state)
}

func (c *RunCommand) finish(rc *runtimeContext, state challenge.RunState) error {
	if c.JSON {
		enc := json.NewEncoder(rc.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(state); err != nil {
			return err
		}
	} else if _, err := io.WriteString(rc.Stdout, renderRunState(state, shouldUseANSI(rc.Stderr))); err != nil {
		return err
	}
	return runExitError(state)
}

// runExitError maps a run to the process exit status: 0 when every test
// passed, 1 for failing tests, 2 when the run itself failed.
func runExitError(state challenge.RunState) error {
	switch {
	case state.Error != "":
		return exitCodeError{code: 2}
	case state.Total == 0 || state.Passed != state.Total:
		return exitCodeError{code: 1}
	default:
		return nil
	}
}

func (d *DoctorCommand) Run(rc *runtimeContext) error {
	backendName := resolveBackendName(d.Backend, rc.Config)
	booter, err := newBooterFn(backendName, rc.Config)
	if err != nil {
		return err
	}

	configMsg := fmt.Sprintf("using runtime config path %s", rc.ConfigPath)
	if rc.ConfigPath == "" {
		configMsg = "no runtime config path resolved; using defaults"
	}
	checks := []sandbox.DoctorCheck{
		{Name: "runtime_config", Status: "pass", Message: configMsg},
		{Name: "backend", Status: "pass", Message: fmt.Sprintf("selected backend %s", backendName)},
	}

	caps := sandbox.CapabilitiesFor(booter)
	for _, key := range sandbox.SortedCapabilityKeys(caps) {
		status, msg := "pass", "supported"
		if !caps[key] {
			status, msg = "warn", "not provided by this backend"
		}
		checks = append(checks, sandbox.DoctorCheck{Name: "capability." + key, Status: status, Message: msg})
	}

	if checker, ok := booter.(sandbox.DoctorCapable); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		report, err := checker.Doctor(ctx)
		cancel()
		if err != nil {
			return err
		}
		checks = append(checks, report.Checks...)
	} else {
		checks = append(checks, sandbox.DoctorCheck{
			Name:    "backend_doctor",
			Status:  "warn",
			Message: "selected backend does not expose doctor diagnostics",
		})
	}

	if d.JSON {
		enc := json.NewEncoder(rc.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sandbox.DoctorReport{Backend: backendName, Checks: checks}); err != nil {
			return err
		}
	} else if _, err := io.WriteString(rc.Stdout, renderDoctorReport(backendName, checks, shouldUseANSI(rc.Stderr))); err != nil {
		return err
	}

	report := sandbox.DoctorReport{Checks: checks}
	if report.Failed() {
		return exitCodeError{code: 1}
	}
	return nil
}

func (l *LogsCommand) Run(rc *runtimeContext) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if l.Raw {
		dir, err := runLogDir(rc.Config)
		if err != nil {
			return err
		}
		f, err := os.Open(runlog.NewFileStore(dir).Path())
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		defer f.Close()
		_, err = io.Copy(rc.Stdout, f)
		return err
	}

	var entries []runlog.Entry
	if l.Host != "" {
		cl, err := client.New(l.Host)
		if err != nil {
			return err
		}
		if entries, err = cl.RecentRuns(ctx, l.Token, l.Slug, l.Limit); err != nil {
			return err
		}
	} else {
		indexPath, err := runIndexPath(rc.Config)
		if err != nil {
			return err
		}
		if entries, err = runlog.NewIndex(indexPath).Recent(ctx, l.Slug, l.Limit); err != nil {
			return err
		}
	}

	if l.JSON {
		enc := json.NewEncoder(rc.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	_, err := io.WriteString(rc.Stdout, renderRunLogEntries(entries, shouldUseANSI(rc.Stderr)))
	return err
}

type runStack struct {
	env      *environment.Manager
	recorder *runlog.Recorder
	runner   *challenge.Runner
	logPath  string
}

func buildRunStack(ctx context.Context, cfg runtimeconfig.Config, backendName string, logger *log.Logger, m *metrics.Metrics) (*runStack, error) {
	booter, err := newBooterFn(backendName, cfg)
	if err != nil {
		return nil, err
	}
	env := environment.NewManager(environment.Options{
		Booter:         booter,
		Logger:         logger.With("subsystem", "environment"),
		Metrics:        m,
		InstallTimeout: cfg.Runner.InstallTimeout,
		BootTimeout:    cfg.Runner.BootTimeout,
	})

	recorder, logPath, err := newRecorder(ctx, cfg, logger.With("subsystem", "runlog"))
	if err != nil {
		_ = env.Close()
		return nil, err
	}

	runner := challenge.NewRunner(challenge.Options{
		Environment:      env,
		Sink:             recorder,
		Logger:           logger.With("subsystem", "runner"),
		Metrics:          m,
		ExecutionTimeout: cfg.Runner.ExecutionTimeout,
		SinkTimeout:      cfg.Runner.SinkTimeout,
	})
	return &runStack{env: env, recorder: recorder, runner: runner, logPath: logPath}, nil
}

// Close waits for queued run logs before tearing the sandbox down.
func (s *runStack) Close() {
	s.runner.Flush()
	_ = s.env.Close()
}

func newRecorder(ctx context.Context, cfg runtimeconfig.Config, logger *log.Logger) (*runlog.Recorder, string, error) {
	dir, err := runLogDir(cfg)
	if err != nil {
		return nil, "", err
	}
	indexPath, err := runIndexPath(cfg)
	if err != nil {
		return nil, "", err
	}
	files := runlog.NewFileStore(dir)

	var mirror *runlog.Mirror
	if cfg.RunLog.MinIO.Enabled() {
		if mirror, err = runlog.NewMirror(cfg.RunLog.MinIO); err != nil {
			return nil, "", err
		}
		if err := mirror.EnsureBucket(ctx); err != nil {
			return nil, "", fmt.Errorf("prepare run log bucket: %w", err)
		}
	}

	return runlog.NewRecorder(runlog.RecorderOptions{
		Files:  files,
		Index:  runlog.NewIndex(indexPath),
		Mirror: mirror,
		Logger: logger,
	}), files.Path(), nil
}

func runLogDir(cfg runtimeconfig.Config) (string, error) {
	if cfg.RunLog.Dir != "" {
		return cfg.RunLog.Dir, nil
	}
	return paths.RunLogDir()
}

func runIndexPath(cfg runtimeconfig.Config) (string, error) {
	if cfg.RunLog.IndexPath != "" {
		return cfg.RunLog.IndexPath, nil
	}
	return paths.RunIndexDBPath()
}

// openQuestions prefers an explicit file, then Postgres, then the configured
// file. With none of them the store is empty.
func openQuestions(ctx context.Context, cfg runtimeconfig.Config, file string) (questions.Store, func(), error) {
	noop := func() {}
	switch {
	case file != "":
		m, err := questions.LoadFile(file)
		return m, noop, err
	case cfg.Questions.Postgres.URL != "":
		pg, err := questions.OpenPostgres(ctx, cfg.Questions.Postgres)
		if err != nil {
			return nil, noop, err
		}
		return pg, func() { _ = pg.Close() }, nil
	case cfg.Questions.File != "":
		m, err := questions.LoadFile(cfg.Questions.File)
		return m, noop, err
	default:
		return questions.NewMemory(), noop, nil
	}
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}
