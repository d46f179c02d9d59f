// Package server exposes the challenge runner over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/LiangMouse/fe-atlas/internal/auth"
	"github.com/LiangMouse/fe-atlas/internal/challenge"
	"github.com/LiangMouse/fe-atlas/internal/environment"
	"github.com/LiangMouse/fe-atlas/internal/questions"
	"github.com/LiangMouse/fe-atlas/internal/runlog"
	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const (
	DefaultMaxRunBodyBytes = 256 << 10
	maxListLimit           = 500
)

// Runner is the part of challenge.Runner the server needs.
type Runner interface {
	TryRun(ctx context.Context, req challenge.Request) (challenge.RunState, error)
}

type StateReporter interface {
	State() environment.State
}

type Options struct {
	Runner      Runner
	Questions   questions.Store
	Environment StateReporter
	RunLog      *runlog.Service
	Index       *runlog.Index
	AdminGate   auth.Gate
	Gatherer    prometheus.Gatherer
	Logger      *log.Logger

	MaxRunBodyBytes int64
}

type Server struct {
	opts   Options
	logger *log.Logger
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.MaxRunBodyBytes <= 0 {
		opts.MaxRunBodyBytes = DefaultMaxRunBodyBytes
	}
	if opts.AdminGate == nil {
		opts.AdminGate = auth.Deny{}
	}
	return &Server{opts: opts, logger: opts.Logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/questions/{slug}/run", s.handleRun)
	mux.HandleFunc("GET /api/questions", s.handleListQuestions)
	mux.HandleFunc("GET /api/runtime/state", s.handleRuntimeState)
	mux.Handle("GET /api/admin/run-logs", auth.Require(s.opts.AdminGate, http.HandlerFunc(s.handleRunLogs)))
	if s.opts.RunLog != nil {
		path, handler := s.opts.RunLog.Handler()
		mux.Handle(path, handler)
	}
	if s.opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return h2c.NewHandler(mux, &http2.Server{})
}

type runRequest struct {
	Code string `json:"code"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSpace(r.PathValue("slug"))
	if s.opts.Runner == nil || s.opts.Questions == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "runner is not configured"})
		return
	}

	var body runRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxRunBodyBytes))
	if err := dec.Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "Submission too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid payload"})
		return
	}

	q, err := s.opts.Questions.Get(r.Context(), slug)
	if err != nil {
		if errors.Is(err, questions.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "Question not found"})
			return
		}
		s.logger.Error("question lookup failed", "slug", slug, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Failed to load question"})
		return
	}

	state, err := s.opts.Runner.TryRun(r.Context(), challenge.Request{
		Slug:       q.Slug,
		Code:       body.Code,
		TestScript: q.TestScript,
	})
	if err != nil {
		if errors.Is(err, challenge.ErrRunInProgress) {
			writeJSON(w, http.StatusConflict, errorBody{Error: "A run is already in progress"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type questionSummary struct {
	Slug     string `json:"slug"`
	Title    string `json:"title"`
	Level    string `json:"level"`
	Category string `json:"category"`
}

func (s *Server) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	if s.opts.Questions == nil {
		writeJSON(w, http.StatusOK, []questionSummary{})
		return
	}
	list, err := s.opts.Questions.List(r.Context())
	if err != nil {
		s.logger.Error("list questions failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Failed to list questions"})
		return
	}
	out := make([]questionSummary, 0, len(list))
	for _, q := range list {
		out = append(out, questionSummary{Slug: q.Slug, Title: q.Title, Level: q.Level, Category: q.Category})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRuntimeState(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Environment == nil {
		writeJSON(w, http.StatusOK, environment.State{Boot: environment.NotBooted, Install: environment.NotInstalled})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Environment.State())
}

func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	if s.opts.Index == nil {
		writeJSON(w, http.StatusOK, []runlog.Entry{})
		return
	}
	limit := runlog.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid limit"})
			return
		}
		limit = min(n, maxListLimit)
	}
	entries, err := s.opts.Index.Recent(r.Context(), strings.TrimSpace(r.URL.Query().Get("slug")), limit)
	if err != nil {
		s.logger.Error("list run logs failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Failed to list run logs"})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
