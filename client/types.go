package client

import (
	"github.com/LiangMouse/fe-atlas/internal/challenge"
	"github.com/LiangMouse/fe-atlas/internal/environment"
	"github.com/LiangMouse/fe-atlas/internal/report"
	"github.com/LiangMouse/fe-atlas/internal/runlog"
)

type RunState = challenge.RunState
type CaseResult = report.Case

type RuntimeState = environment.State
type BootState = environment.BootState
type InstallState = environment.InstallState

type RunLogRecord = runlog.Record
type RunLogEntry = runlog.Entry

const (
	OutcomeSuccess = runlog.OutcomeSuccess
	OutcomeError   = runlog.OutcomeError
)

// QuestionSummary is one entry of the public question list.
type QuestionSummary struct {
	Slug     string `json:"slug"`
	Title    string `json:"title"`
	Level    string `json:"level"`
	Category string `json:"category"`
}
