// Package logbuf keeps the bounded, ordered transcript of a single challenge
// run. Output from sandboxed processes arrives as arbitrary chunks; the buffer
// normalises it into plain-text lines.
package logbuf

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// MaxLines is the number of lines retained; older lines are evicted first.
const MaxLines = 300

// NoiseMarker identifies the reporter line vitest prints after writing the
// JSON report. It carries no information for the reader.
const NoiseMarker = "JSON report written to"

var (
	csiPattern    = regexp.MustCompile("\x1b\\[[0-9;?]*[A-Za-z]")
	cursorPattern = regexp.MustCompile(`\[\?25[lh]`)
	lineSplit     = regexp.MustCompile(`\r?\n`)
)

type Buffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func New() *Buffer {
	return &Buffer{max: MaxLines}
}

// NewWithCapacity is used by tests and by callers that want a smaller window.
func NewWithCapacity(max int) *Buffer {
	if max <= 0 {
		max = MaxLines
	}
	return &Buffer{max: max}
}

// Append splits chunk into lines, strips terminal control sequences and keeps
// the non-empty ones.
func (b *Buffer) Append(chunk string) {
	if b == nil || chunk == "" {
		return
	}
	kept := CleanLines(chunk)
	if len(kept) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, kept...)
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = append([]string(nil), b.lines[over:]...)
	}
}

func (b *Buffer) Appendf(format string, args ...any) {
	b.Append(fmt.Sprintf(format, args...))
}

// Lines returns a detached copy of the retained lines, oldest first.
func (b *Buffer) Lines() []string {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// CleanLines applies the transcript normalisation to chunk without storing it.
func CleanLines(chunk string) []string {
	var out []string
	for _, raw := range lineSplit.Split(chunk, -1) {
		line := csiPattern.ReplaceAllString(raw, "")
		line = cursorPattern.ReplaceAllString(line, "")
		line = strings.TrimRight(line, " \t\r\n\v\f")
		if line == "" || strings.Contains(line, NoiseMarker) {
			continue
		}
		out = append(out, line)
	}
	return out
}
