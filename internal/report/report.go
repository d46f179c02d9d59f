// Package report normalizes the JSON report written by the vitest JSON
// reporter into pass/fail counts and per-case results.
package report

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ErrorParseFailed is the user-facing message for a report that is not JSON.
const ErrorParseFailed = "测试结果解析失败"

const unnamedCase = "Unnamed case"

// MaxCount bounds the aggregate counters read from a report. The report is
// written inside the sandbox, so its numbers are untrusted.
const MaxCount = 10000

type Case struct {
	Name  string `json:"name"`
	Pass  bool   `json:"pass"`
	Error string `json:"error,omitempty"`
}

type Result struct {
	Passed int    `json:"passed"`
	Total  int    `json:"total"`
	Checks []bool `json:"checks"`
	Cases  []Case `json:"cases"`
	Error  string `json:"error,omitempty"`

	// ParseError holds the decoder error when Error is ErrorParseFailed.
	ParseError error `json:"-"`
}

type vitestReport struct {
	NumTotalTests  json.RawMessage `json:"numTotalTests"`
	NumPassedTests json.RawMessage `json:"numPassedTests"`
	TestResults    []struct {
		AssertionResults []struct {
			FullName        string   `json:"fullName"`
			Title           string   `json:"title"`
			Status          string   `json:"status"`
			FailureMessages []string `json:"failureMessages"`
		} `json:"assertionResults"`
	} `json:"testResults"`
}

// Parse never fails: malformed input yields a zero Result carrying
// ErrorParseFailed.
func Parse(raw []byte) Result {
	var rep vitestReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		return Result{
			Checks:     []bool{},
			Cases:      []Case{},
			Error:      ErrorParseFailed,
			ParseError: err,
		}
	}

	cases := make([]Case, 0)
	for _, file := range rep.TestResults {
		for _, a := range file.AssertionResults {
			name := a.FullName
			if name == "" {
				name = a.Title
			}
			if name == "" {
				name = unnamedCase
			}
			c := Case{Name: name, Pass: a.Status == "passed"}
			if len(a.FailureMessages) > 0 {
				c.Error = a.FailureMessages[0]
			}
			cases = append(cases, c)
		}
	}

	if len(cases) > 0 {
		res := Result{Total: len(cases), Cases: cases, Checks: make([]bool, len(cases))}
		for i, c := range cases {
			res.Checks[i] = c.Pass
			if c.Pass {
				res.Passed++
			}
		}
		return res
	}

	total := counter(rep.NumTotalTests)
	passed := min(counter(rep.NumPassedTests), total)
	checks := make([]bool, total)
	for i := range passed {
		checks[i] = true
	}
	return Result{Passed: passed, Total: total, Checks: checks, Cases: []Case{}}
}

// counter reads a JSON number or numeric string. Anything else, including
// negative values, counts as zero. Fractions are truncated and values above
// MaxCount are clamped.
func counter(raw json.RawMessage) int {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0
		}
		if f, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return 0
		}
	}
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	if f > MaxCount {
		return MaxCount
	}
	return int(f)
}
