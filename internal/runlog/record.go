// Package runlog persists one transcript block per challenge run. The HTTP
// edge validates payloads, the file store is the primary sink, and a sqlite
// index plus an optional object-store mirror make runs listable.
package runlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/LiangMouse/fe-atlas/internal/report"
	"github.com/getkin/kin-openapi/openapi3"
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

const (
	maxSlugLen   = 120
	maxCount     = report.MaxCount
	maxLogLines  = 300
	maxStringLen = 2000
)

// TimestampLayout is ISO-8601 in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// ErrInvalidRecord wraps every validation failure.
var ErrInvalidRecord = errors.New("invalid run log record")

type Record struct {
	Slug    string   `json:"slug"`
	Outcome string   `json:"outcome"`
	Passed  int      `json:"passed"`
	Total   int      `json:"total"`
	Logs    []string `json:"logs"`
	Error   string   `json:"error,omitempty"`
}

var recordSchema = openapi3.NewObjectSchema().
	WithProperty("slug", openapi3.NewStringSchema().WithMinLength(1).WithMaxLength(maxSlugLen)).
	WithProperty("outcome", openapi3.NewStringSchema().WithEnum(OutcomeSuccess, OutcomeError)).
	WithProperty("passed", openapi3.NewIntegerSchema().WithMin(0).WithMax(maxCount)).
	WithProperty("total", openapi3.NewIntegerSchema().WithMin(0).WithMax(maxCount)).
	WithProperty("logs", openapi3.NewArraySchema().
		WithItems(openapi3.NewStringSchema().WithMaxLength(maxStringLen)).
		WithMaxItems(maxLogLines)).
	WithProperty("error", openapi3.NewStringSchema().WithMaxLength(maxStringLen)).
	WithRequired([]string{"slug", "outcome", "passed", "total", "logs"})

// DecodeRecord parses and validates a JSON payload. The slug is trimmed
// before its length is checked.
func DecodeRecord(raw []byte) (Record, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return Record{}, fmt.Errorf("%w: payload is not an object", ErrInvalidRecord)
	}
	if slug, ok := obj["slug"].(string); ok {
		obj["slug"] = strings.TrimSpace(slug)
	}
	if err := recordSchema.VisitJSON(obj); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	rec := Record{
		Slug:    obj["slug"].(string),
		Outcome: obj["outcome"].(string),
		Passed:  int(obj["passed"].(float64)),
		Total:   int(obj["total"].(float64)),
		Logs:    []string{},
	}
	for _, line := range obj["logs"].([]any) {
		rec.Logs = append(rec.Logs, line.(string))
	}
	if e, ok := obj["error"].(string); ok {
		rec.Error = e
	}
	return rec, nil
}

// Clamp trims rec so it always passes validation. Clients use it before
// sending; a run with a very long assertion message still gets recorded.
func (rec Record) Clamp() Record {
	out := Record{
		Slug:    truncate(strings.TrimSpace(rec.Slug), maxSlugLen),
		Outcome: rec.Outcome,
		Passed:  clampCount(rec.Passed),
		Total:   clampCount(rec.Total),
		Error:   truncate(rec.Error, maxStringLen),
	}
	if out.Outcome != OutcomeError {
		out.Outcome = OutcomeSuccess
	}
	logs := rec.Logs
	if len(logs) > maxLogLines {
		logs = logs[len(logs)-maxLogLines:]
	}
	out.Logs = make([]string, 0, len(logs))
	for _, line := range logs {
		out.Logs = append(out.Logs, truncate(line, maxStringLen))
	}
	return out
}

// FormatBlock renders rec as an append-only transcript block.
func FormatBlock(now time.Time, rec Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] slug=%s outcome=%s passed=%d/%d\n",
		now.UTC().Format(TimestampLayout), rec.Slug, rec.Outcome, rec.Passed, rec.Total)
	if rec.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", rec.Error)
	}
	for _, line := range rec.Logs {
		fmt.Fprintf(&b, "log: %s\n", line)
	}
	b.WriteString("\n")
	return b.String()
}

func clampCount(n int) int {
	switch {
	case n < 0:
		return 0
	case n > maxCount:
		return maxCount
	default:
		return n
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
