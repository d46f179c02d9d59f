package runlog

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDecodeRecordTrimsSlug(t *testing.T) {
	rec, err := DecodeRecord([]byte(`{"slug":"  debounce  ","outcome":"success","passed":2,"total":3,"logs":["a","b"]}`))
	if err != nil {
		t.Fatalf("DecodeRecord returned error: %v", err)
	}
	want := Record{Slug: "debounce", Outcome: OutcomeSuccess, Passed: 2, Total: 3, Logs: []string{"a", "b"}}
	if !reflect.DeepEqual(rec, want) {
		t.Fatalf("unexpected record: got %+v want %+v", rec, want)
	}
}

func TestDecodeRecordKeepsError(t *testing.T) {
	rec, err := DecodeRecord([]byte(`{"slug":"x","outcome":"error","passed":0,"total":0,"logs":[],"error":"boom"}`))
	if err != nil {
		t.Fatalf("DecodeRecord returned error: %v", err)
	}
	if rec.Error != "boom" || rec.Outcome != OutcomeError {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Logs == nil {
		t.Fatal("expected empty logs slice, got nil")
	}
}

func TestDecodeRecordRejectsInvalidPayloads(t *testing.T) {
	long := func(n int) string { return strings.Repeat("x", n) }
	manyLogs := make([]string, 301)
	for i := range manyLogs {
		manyLogs[i] = `"l"`
	}

	cases := map[string]string{
		"malformed":        `{"slug":`,
		"not object":       `["slug"]`,
		"empty slug":       `{"slug":"","outcome":"success","passed":0,"total":0,"logs":[]}`,
		"blank slug":       `{"slug":"   ","outcome":"success","passed":0,"total":0,"logs":[]}`,
		"long slug":        fmt.Sprintf(`{"slug":%q,"outcome":"success","passed":0,"total":0,"logs":[]}`, long(121)),
		"bad outcome":      `{"slug":"a","outcome":"passed","passed":0,"total":0,"logs":[]}`,
		"fractional count": `{"slug":"a","outcome":"success","passed":1.5,"total":2,"logs":[]}`,
		"negative count":   `{"slug":"a","outcome":"success","passed":-1,"total":2,"logs":[]}`,
		"count too large":  `{"slug":"a","outcome":"success","passed":0,"total":10001,"logs":[]}`,
		"string count":     `{"slug":"a","outcome":"success","passed":"1","total":2,"logs":[]}`,
		"missing logs":     `{"slug":"a","outcome":"success","passed":0,"total":0}`,
		"too many logs":    `{"slug":"a","outcome":"success","passed":0,"total":0,"logs":[` + strings.Join(manyLogs, ",") + `]}`,
		"long log line":    fmt.Sprintf(`{"slug":"a","outcome":"success","passed":0,"total":0,"logs":[%q]}`, long(2001)),
		"long error":       fmt.Sprintf(`{"slug":"a","outcome":"error","passed":0,"total":0,"logs":[],"error":%q}`, long(2001)),
		"null error":       `{"slug":"a","outcome":"error","passed":0,"total":0,"logs":[],"error":null}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRecord([]byte(payload))
			if !errors.Is(err, ErrInvalidRecord) {
				t.Fatalf("expected ErrInvalidRecord, got %v", err)
			}
		})
	}
}

func TestDecodeRecordAcceptsLimits(t *testing.T) {
	payload := fmt.Sprintf(`{"slug":%q,"outcome":"success","passed":10000,"total":10000,"logs":[%q],"error":%q}`,
		strings.Repeat("s", 120), strings.Repeat("l", 2000), strings.Repeat("e", 2000))
	if _, err := DecodeRecord([]byte(payload)); err != nil {
		t.Fatalf("DecodeRecord returned error: %v", err)
	}
}

func TestClampProducesValidRecord(t *testing.T) {
	logs := make([]string, 320)
	for i := range logs {
		logs[i] = fmt.Sprintf("line %d", i)
	}
	logs[319] = strings.Repeat("界", 2500)

	got := Record{
		Slug:    "  " + strings.Repeat("s", 130),
		Outcome: "",
		Passed:  -3,
		Total:   20000,
		Logs:    logs,
		Error:   strings.Repeat("e", 2100),
	}.Clamp()

	if len(got.Slug) != 120 {
		t.Fatalf("unexpected slug length: got %d want 120", len(got.Slug))
	}
	if got.Outcome != OutcomeSuccess || got.Passed != 0 || got.Total != 10000 {
		t.Fatalf("unexpected clamped fields: %+v", got)
	}
	if len(got.Logs) != 300 || got.Logs[0] != "line 20" {
		t.Fatalf("expected newest 300 logs, got %d starting %q", len(got.Logs), got.Logs[0])
	}
	if n := len([]rune(got.Logs[299])); n != 2000 {
		t.Fatalf("unexpected last log length: got %d want 2000", n)
	}
	if len(got.Error) != 2000 {
		t.Fatalf("unexpected error length: got %d want 2000", len(got.Error))
	}
}

func TestFormatBlock(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 891000000, time.FixedZone("CST", 8*3600))
	got := FormatBlock(now, Record{
		Slug:    "deep-clone",
		Outcome: OutcomeSuccess,
		Passed:  1,
		Total:   2,
		Logs:    []string{"npx vitest", "FAIL x"},
		Error:   "expected 1",
	})
	want := "[2026-03-03T21:06:07.891Z] slug=deep-clone outcome=success passed=1/2\n" +
		"error: expected 1\n" +
		"log: npx vitest\n" +
		"log: FAIL x\n" +
		"\n"
	if got != want {
		t.Fatalf("unexpected block:\ngot  %q\nwant %q", got, want)
	}
}

func TestFormatBlockWithoutErrorOrLogs(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := FormatBlock(now, Record{Slug: "a", Outcome: OutcomeError, Passed: 0, Total: 0})
	want := "[2026-01-01T00:00:00.000Z] slug=a outcome=error passed=0/0\n\n"
	if got != want {
		t.Fatalf("unexpected block: got %q want %q", got, want)
	}
}
