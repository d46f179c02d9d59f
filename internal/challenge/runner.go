// Package challenge grades one submission: it writes the candidate code and
// test script into the shared sandbox, runs vitest and turns the JSON report
// into a RunState.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/LiangMouse/fe-atlas/internal/environment"
	"github.com/LiangMouse/fe-atlas/internal/logbuf"
	"github.com/LiangMouse/fe-atlas/internal/metrics"
	"github.com/LiangMouse/fe-atlas/internal/process"
	"github.com/LiangMouse/fe-atlas/internal/report"
	"github.com/LiangMouse/fe-atlas/internal/runlog"
	"github.com/LiangMouse/fe-atlas/internal/sandbox"
	"github.com/charmbracelet/log"
	"go.jetify.com/typeid"
)

const (
	DefaultExecutionTimeout = 20 * time.Second
	DefaultSinkTimeout      = 10 * time.Second
)

const (
	MissingReportMessage = "测试执行失败（未生成测试报告）"
	CrashedRunMessage    = "测试执行失败，请查看下方日志"
	fallbackErrorMessage = "运行失败"
	panicErrorMessage    = "未知运行错误"
)

// ErrRunInProgress is returned by TryRun while another run holds the sandbox.
var ErrRunInProgress = errors.New("a run is already in progress")

type Stage string

const (
	StageIdle           Stage = "idle"
	StageBooting        Stage = "booting-environment"
	StageWritingFiles   Stage = "writing-files"
	StageInstalling     Stage = "installing"
	StageClearingReport Stage = "clearing-stale-report"
	StageExecuting      Stage = "executing-tests"
	StageReadingReport  Stage = "reading-report"
	StageParsingReport  Stage = "parsing-report"
	StageDone           Stage = "done"
	StageFailed         Stage = "failed"
)

// Environment is the shared sandbox the runner executes in.
type Environment interface {
	Acquire(ctx context.Context, logs *logbuf.Buffer) (sandbox.Sandbox, error)
	EnsureDependencies(ctx context.Context, sb sandbox.Sandbox, logs *logbuf.Buffer) error
	State() environment.State
}

// Sink persists run records. Failures are logged and otherwise ignored.
type Sink interface {
	Append(ctx context.Context, rec runlog.Record) error
}

type Request struct {
	Slug       string
	Code       string
	TestScript string

	// OnStage, when set, observes every transition of this run.
	OnStage func(Stage)
}

type RunState struct {
	RunID      string        `json:"run_id"`
	Slug       string        `json:"slug"`
	Passed     int           `json:"passed"`
	Total      int           `json:"total"`
	Checks     []bool        `json:"checks"`
	Cases      []report.Case `json:"cases"`
	Error      string        `json:"error,omitempty"`
	Logs       []string      `json:"logs"`
	DurationMS int64         `json:"duration_ms"`
}

type Options struct {
	Environment      Environment
	Sink             Sink
	Logger           *log.Logger
	Metrics          *metrics.Metrics
	ExecutionTimeout time.Duration
	SinkTimeout      time.Duration
}

// Runner serializes runs: the sandbox's files are shared, so only one run
// may touch them at a time.
type Runner struct {
	env              Environment
	sink             Sink
	logger           *log.Logger
	metrics          *metrics.Metrics
	executionTimeout time.Duration
	sinkTimeout      time.Duration

	slot    chan struct{}
	pending sync.WaitGroup
}

func NewRunner(opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.ExecutionTimeout <= 0 {
		opts.ExecutionTimeout = DefaultExecutionTimeout
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = DefaultSinkTimeout
	}
	return &Runner{
		env:              opts.Environment,
		sink:             opts.Sink,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		executionTimeout: opts.ExecutionTimeout,
		sinkTimeout:      opts.SinkTimeout,
		slot:             make(chan struct{}, 1),
	}
}

// Run waits for any in-flight run to finish, then grades req. It always
// returns a RunState; if ctx ends while waiting the state carries the
// context error and nothing is executed.
func (r *Runner) Run(ctx context.Context, req Request) RunState {
	select {
	case r.slot <- struct{}{}:
	case <-ctx.Done():
		return RunState{
			RunID:  newRunID(),
			Slug:   req.Slug,
			Checks: []bool{},
			Cases:  []report.Case{},
			Logs:   []string{},
			Error:  ctx.Err().Error(),
		}
	}
	defer func() { <-r.slot }()
	return r.run(ctx, req)
}

// TryRun grades req only if no other run is in flight.
func (r *Runner) TryRun(ctx context.Context, req Request) (RunState, error) {
	select {
	case r.slot <- struct{}{}:
	default:
		r.metrics.RunRejected()
		return RunState{}, ErrRunInProgress
	}
	defer func() { <-r.slot }()
	return r.run(ctx, req), nil
}

func (r *Runner) run(ctx context.Context, req Request) (state RunState) {
	start := time.Now()
	runID := newRunID()
	logger := r.logger.With("run_id", runID, "slug", req.Slug)
	logs := logbuf.New()
	stage := func(s Stage) {
		logger.Debug("stage", "stage", string(s))
		if req.OnStage != nil {
			req.OnStage(s)
		}
	}

	r.metrics.RunStarted()
	defer r.metrics.RunFinished()

	outcome := runlog.OutcomeSuccess
	defer func() {
		if p := recover(); p != nil {
			logger.Error("run panicked", "panic", p)
			msg := fmt.Sprint(p)
			logs.Appendf("[runtime] %s", msg)
			state = failedState(panicErrorMessage, logs)
			outcome = runlog.OutcomeError
			stage(StageFailed)
		}
		state.RunID = runID
		state.Slug = req.Slug
		state.DurationMS = time.Since(start).Milliseconds()
		r.metrics.ObserveRun(metricOutcome(outcome, state), time.Since(start))
		logger.Info("run finished", "outcome", outcome, "passed", state.Passed, "total", state.Total, "error", state.Error, "duration_ms", state.DurationMS)
		r.report(req.Slug, outcome, state)
	}()

	stage(StageIdle)
	state, err := r.execute(ctx, req, logs, stage, logger)
	if err != nil {
		msg := err.Error()
		logs.Appendf("[runtime] %s", msg)
		if strings.TrimSpace(msg) == "" {
			msg = fallbackErrorMessage
		}
		stage(StageFailed)
		outcome = runlog.OutcomeError
		return failedState(msg, logs)
	}
	stage(StageDone)
	return state
}

func (r *Runner) execute(ctx context.Context, req Request, logs *logbuf.Buffer, stage func(Stage), logger *log.Logger) (RunState, error) {
	if r.env == nil {
		return RunState{}, errors.New("no execution environment configured")
	}

	stage(StageBooting)
	sb, err := r.env.Acquire(ctx, logs)
	if err != nil {
		return RunState{}, err
	}

	stage(StageWritingFiles)
	for _, f := range scaffold(req.Code, req.TestScript) {
		if err := sb.WriteFile(ctx, f.Name, []byte(f.Content)); err != nil {
			return RunState{}, fmt.Errorf("write %s: %w", f.Name, err)
		}
	}

	if r.env.State().Install != environment.Installed {
		stage(StageInstalling)
	}
	if err := r.env.EnsureDependencies(ctx, sb, logs); err != nil {
		return RunState{}, err
	}

	stage(StageClearingReport)
	if err := sb.RemoveFile(ctx, ReportFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Debug("clear stale report failed", "error", err)
	}

	stage(StageExecuting)
	command, args := testCommand()
	exitCode := process.Run(ctx, process.Spec{
		Sandbox: sb,
		Command: command,
		Args:    args,
		Dir:     ".",
		Env:     maps.Clone(testEnv),
		Timeout: r.executionTimeout,
		Logs:    logs,
		Logger:  logger,
		OnTimeout: func() {
			r.metrics.ObserveTimeout("test")
		},
	})

	stage(StageReadingReport)
	raw, err := sb.ReadFile(ctx, ReportFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("read report failed", "error", err)
		}
		return failedState(MissingReportMessage, logs), nil
	}

	stage(StageParsingReport)
	parsed := report.Parse(raw)
	if parsed.ParseError != nil {
		logs.Appendf("[runtime] failed to parse vitest report: %v", parsed.ParseError)
	}
	state := RunState{
		Passed: parsed.Passed,
		Total:  parsed.Total,
		Checks: parsed.Checks,
		Cases:  parsed.Cases,
		Error:  parsed.Error,
		Logs:   logs.Lines(),
	}
	// A nonzero exit with an empty but well-formed report usually means
	// vitest crashed before collecting tests; it cannot be told apart from a
	// suite that really has zero tests.
	if exitCode != 0 && state.Error == "" && state.Total == 0 {
		state.Error = CrashedRunMessage
	}
	return state, nil
}

// Flush blocks until every record handed to the sink has been written or
// has timed out.
func (r *Runner) Flush() {
	r.pending.Wait()
}

func failedState(msg string, logs *logbuf.Buffer) RunState {
	return RunState{
		Checks: []bool{},
		Cases:  []report.Case{},
		Error:  msg,
		Logs:   logs.Lines(),
	}
}

// report hands the record to the sink on its own goroutine. It is skipped
// when there is nothing to record.
func (r *Runner) report(slug, outcome string, state RunState) {
	if r.sink == nil || (len(state.Logs) == 0 && state.Error == "") {
		return
	}
	rec := runlog.Record{
		Slug:    slug,
		Outcome: outcome,
		Passed:  state.Passed,
		Total:   state.Total,
		Logs:    append([]string(nil), state.Logs...),
		Error:   state.Error,
	}
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.sinkTimeout)
		defer cancel()
		if err := r.sink.Append(ctx, rec); err != nil {
			r.logger.Debug("run log not persisted", "slug", slug, "error", err)
		}
	}()
}

func metricOutcome(outcome string, state RunState) string {
	switch {
	case outcome == runlog.OutcomeError:
		return "error"
	case state.Error == "" && state.Total > 0 && state.Passed == state.Total:
		return "passed"
	default:
		return "failed"
	}
}

func newRunID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		return fmt.Sprintf("run-%d", time.Now().UTC().UnixNano())
	}
	return id.String()
}
