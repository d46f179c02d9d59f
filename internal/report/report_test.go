package report

import (
	"testing"
)

func TestParsePrefersAssertionResults(t *testing.T) {
	raw := `{
	  "numTotalTests": 9,
	  "numPassedTests": 9,
	  "testResults": [
	    {"assertionResults": [
	      {"fullName": "identity returns input", "title": "returns input", "status": "passed", "failureMessages": []},
	      {"title": "handles null", "status": "failed", "failureMessages": ["expected undefined to be null", "second"]}
	    ]},
	    {"assertionResults": [{"status": "skipped"}]}
	  ]
	}`

	got := Parse([]byte(raw))
	if got.Error != "" {
		t.Fatalf("unexpected error: %q", got.Error)
	}
	if got.Total != 3 || got.Passed != 1 {
		t.Fatalf("unexpected counts: got %d/%d want 1/3", got.Passed, got.Total)
	}
	wantNames := []string{"identity returns input", "handles null", "Unnamed case"}
	for i, name := range wantNames {
		if got.Cases[i].Name != name {
			t.Fatalf("unexpected case %d name: got %q want %q", i, got.Cases[i].Name, name)
		}
	}
	if got.Cases[1].Error != "expected undefined to be null" {
		t.Fatalf("unexpected failure message: %q", got.Cases[1].Error)
	}
	if got.Cases[0].Error != "" {
		t.Fatalf("expected no error on passing case, got %q", got.Cases[0].Error)
	}
	if len(got.Checks) != 3 || !got.Checks[0] || got.Checks[1] || got.Checks[2] {
		t.Fatalf("unexpected checks: %v", got.Checks)
	}
}

func TestParseFallsBackToAggregateCounters(t *testing.T) {
	got := Parse([]byte(`{"numTotalTests": 5, "numPassedTests": 3}`))
	if got.Passed != 3 || got.Total != 5 {
		t.Fatalf("unexpected counts: got %d/%d want 3/5", got.Passed, got.Total)
	}
	if len(got.Cases) != 0 {
		t.Fatalf("expected no cases, got %d", len(got.Cases))
	}
	want := []bool{true, true, true, false, false}
	for i := range want {
		if got.Checks[i] != want[i] {
			t.Fatalf("unexpected checks: got %v want %v", got.Checks, want)
		}
	}
}

func TestParseEmptyAssertionListUsesCounters(t *testing.T) {
	got := Parse([]byte(`{"numTotalTests": 2, "numPassedTests": 2, "testResults": [{"assertionResults": []}]}`))
	if got.Passed != 2 || got.Total != 2 {
		t.Fatalf("unexpected counts: got %d/%d want 2/2", got.Passed, got.Total)
	}
}

func TestParseNonNumericCountersAreZero(t *testing.T) {
	cases := []string{
		`{}`,
		`{"numTotalTests": "five", "numPassedTests": "x"}`,
		`{"numTotalTests": null, "numPassedTests": true}`,
		`{"numTotalTests": -1, "numPassedTests": []}`,
	}
	for _, raw := range cases {
		got := Parse([]byte(raw))
		if got.Passed != 0 || got.Total != 0 || got.Error != "" {
			t.Fatalf("unexpected result for %s: %+v", raw, got)
		}
	}
}

func TestParseNumericStringCounters(t *testing.T) {
	got := Parse([]byte(`{"numTotalTests": "4", "numPassedTests": 2.7}`))
	if got.Passed != 2 || got.Total != 4 {
		t.Fatalf("unexpected counts: got %d/%d want 2/4", got.Passed, got.Total)
	}
}

func TestParseMalformedJSON(t *testing.T) {
	got := Parse([]byte("{not json"))
	if got.Error != ErrorParseFailed {
		t.Fatalf("unexpected error: got %q want %q", got.Error, ErrorParseFailed)
	}
	if got.Passed != 0 || got.Total != 0 {
		t.Fatalf("expected zero counts, got %d/%d", got.Passed, got.Total)
	}
	if got.ParseError == nil {
		t.Fatal("expected parse error detail")
	}
}

func TestParseClampsOversizedCounters(t *testing.T) {
	got := Parse([]byte(`{"numTotalTests": 400000000, "numPassedTests": 400000000}`))
	if got.Total != MaxCount || got.Passed != MaxCount {
		t.Fatalf("unexpected counts: got %d/%d want %d/%d", got.Passed, got.Total, MaxCount, MaxCount)
	}
	if len(got.Checks) != MaxCount {
		t.Fatalf("unexpected checks length: got %d want %d", len(got.Checks), MaxCount)
	}
}

func TestParsePassedNeverExceedsTotal(t *testing.T) {
	got := Parse([]byte(`{"numTotalTests": 2, "numPassedTests": 7}`))
	if got.Passed != 2 || got.Total != 2 {
		t.Fatalf("unexpected counts: got %d/%d want 2/2", got.Passed, got.Total)
	}
	for i, ok := range got.Checks {
		if !ok {
			t.Fatalf("expected check %d to pass: %v", i, got.Checks)
		}
	}
}
