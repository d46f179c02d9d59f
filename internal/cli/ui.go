package cli

import (
	"cmp"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/LiangMouse/fe-atlas/internal/challenge"
	"github.com/LiangMouse/fe-atlas/internal/endpoint"
	"github.com/LiangMouse/fe-atlas/internal/runlog"
	"github.com/LiangMouse/fe-atlas/internal/sandbox"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"golang.org/x/term"
)

type bannerField struct {
	Label string
	Value string
}

// renderServeBanner prints the title and one padded line per non-empty
// field.
func renderServeBanner(title string, fields []bannerField, color bool) string {
	width := 0
	for _, f := range fields {
		width = max(width, len(f.Label))
	}
	var out strings.Builder
	fmt.Fprintf(&out, "\n🧪 %s\n", styled(titleStyle, title, color))
	for _, f := range fields {
		value := strings.TrimSpace(f.Value)
		if value == "" {
			continue
		}
		label := fmt.Sprintf("%-*s", width, f.Label)
		fmt.Fprintf(&out, "   %s  %s\n", styled(dimStyle, label, color), value)
	}
	out.WriteByte('\n')
	return out.String()
}

type checkStatus string

const (
	checkPass    checkStatus = "pass"
	checkWarn    checkStatus = "warn"
	checkFail    checkStatus = "fail"
	checkUnknown checkStatus = "unknown"
)

func parseCheckStatus(raw string) checkStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pass", "ok", "success":
		return checkPass
	case "warn", "warning":
		return checkWarn
	case "fail", "failed", "error":
		return checkFail
	default:
		return checkUnknown
	}
}

func (s checkStatus) mark(color bool) string {
	switch s {
	case checkPass:
		return styled(passStyle, "✓", color)
	case checkWarn:
		return styled(warnStyle, "!", color)
	case checkFail:
		return styled(failStyle, "✗", color)
	default:
		return "?"
	}
}

const capabilityPrefix = "capability."

// renderDoctorReport lists host checks first and isolation capabilities
// after them, then a verdict on whether this host can grade runs.
func renderDoctorReport(backendName string, checks []sandbox.DoctorCheck, color bool) string {
	if backendName = strings.TrimSpace(backendName); backendName == "" {
		backendName = "unknown"
	}
	var host, caps []sandbox.DoctorCheck
	counts := map[checkStatus]int{}
	for _, c := range checks {
		counts[parseCheckStatus(c.Status)]++
		if strings.HasPrefix(c.Name, capabilityPrefix) {
			caps = append(caps, c)
		} else {
			host = append(host, c)
		}
	}

	var out strings.Builder
	fmt.Fprintf(&out, "%s %s\n", styled(titleStyle, "doctor", color), styled(dimStyle, "backend "+backendName, color))
	writeSection := func(heading string, list []sandbox.DoctorCheck, trim string) {
		if len(list) == 0 {
			return
		}
		out.WriteString(styled(dimStyle, heading, color))
		out.WriteByte('\n')
		for _, c := range list {
			name := strings.TrimPrefix(strings.TrimSpace(c.Name), trim)
			if name == "" {
				name = "unnamed"
			}
			status := parseCheckStatus(c.Status)
			fmt.Fprintf(&out, "  %s [%s] %s", status.mark(color), status, name)
			if msg := strings.TrimSpace(c.Message); msg != "" {
				fmt.Fprintf(&out, ": %s", msg)
			}
			out.WriteByte('\n')
		}
	}
	writeSection("host", host, "")
	writeSection("isolation", caps, capabilityPrefix)

	verdict := styled(passStyle, "ready to grade", color)
	if counts[checkFail] > 0 {
		verdict = styled(failStyle, "cannot grade on this host", color)
	}
	fmt.Fprintf(&out, "%d pass, %d warn, %d fail: %s\n", counts[checkPass], counts[checkWarn], counts[checkFail], verdict)
	return out.String()
}

func shouldShowStartupHeader(stderr *os.File) bool {
	return stderr != nil && term.IsTerminal(int(stderr.Fd()))
}

// shouldUseANSI honours NO_COLOR, CLICOLOR=0 and CLICOLOR_FORCE before
// falling back to TTY detection on stderr.
func shouldUseANSI(stderr *os.File) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok || strings.TrimSpace(os.Getenv("CLICOLOR")) == "0" {
		return false
	}
	if force := strings.TrimSpace(os.Getenv("CLICOLOR_FORCE")); force != "" {
		n, err := strconv.Atoi(force)
		return err != nil || n != 0
	}
	return shouldShowStartupHeader(stderr)
}

var levelColors = map[log.Level]string{
	log.DebugLevel: "45",
	log.InfoLevel:  "48",
	log.WarnLevel:  "214",
	log.ErrorLevel: "203",
}

func styleLogger(logger *log.Logger, color bool) {
	if logger == nil || !color {
		return
	}
	styles := log.DefaultStyles()
	styles.Key = styles.Key.Foreground(lipgloss.Color("75"))
	styles.Separator = styles.Separator.Foreground(lipgloss.Color("240"))
	for level, c := range levelColors {
		styles.Levels[level] = styles.Levels[level].Bold(true).Foreground(lipgloss.Color(c))
	}
	logger.SetStyles(styles)
}

func endpointDisplay(ep endpoint.Endpoint) string {
	switch ep.Scheme {
	case "unix":
		return "unix://" + ep.Address
	case "tsnet":
		host := cmp.Or(strings.TrimSpace(ep.TSNetHostname), "fe-atlas")
		if ep.TSNetPort > 0 {
			return fmt.Sprintf("tsnet://%s:%d", host, ep.TSNetPort)
		}
		return "tsnet://" + host
	default:
		return cmp.Or(ep.Address, ep.BaseURL)
	}
}

var (
	passStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("48"))
	failStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("75"))
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
)

func styled(style lipgloss.Style, value string, color bool) string {
	if !color {
		return value
	}
	return style.Render(value)
}

func renderRunState(state challenge.RunState, color bool) string {
	var out strings.Builder

	slug := state.Slug
	if slug == "" {
		slug = "(unnamed)"
	}
	summary := fmt.Sprintf("%d/%d passed", state.Passed, state.Total)
	summaryStyle := passStyle
	if state.Error != "" || state.Total == 0 || state.Passed != state.Total {
		summaryStyle = failStyle
	}
	fmt.Fprintf(&out, "%s  %s  %s\n",
		styled(titleStyle, slug, color),
		styled(summaryStyle, summary, color),
		styled(dimStyle, fmt.Sprintf("%dms", state.DurationMS), color),
	)

	for _, c := range state.Cases {
		if c.Pass {
			fmt.Fprintf(&out, "  %s %s\n", styled(passStyle, "✓", color), c.Name)
			continue
		}
		fmt.Fprintf(&out, "  %s %s\n", styled(failStyle, "✗", color), c.Name)
		for _, line := range strings.Split(strings.TrimSpace(c.Error), "\n") {
			if line != "" {
				fmt.Fprintf(&out, "      %s\n", styled(dimStyle, line, color))
			}
		}
	}

	if state.Error != "" {
		fmt.Fprintf(&out, "%s %s\n", styled(failStyle, "error:", color), state.Error)
	}
	if len(state.Logs) > 0 && (state.Error != "" || state.Passed != state.Total) {
		out.WriteString(styled(dimStyle, "logs:", color))
		out.WriteByte('\n')
		for _, line := range state.Logs {
			out.WriteString("  ")
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}
	return out.String()
}

func renderRunLogEntries(entries []runlog.Entry, color bool) string {
	if len(entries) == 0 {
		return "no runs recorded\n"
	}
	var out strings.Builder
	for _, e := range entries {
		outcome := styled(passStyle, e.Outcome, color)
		if e.Outcome == runlog.OutcomeError {
			outcome = styled(failStyle, e.Outcome, color)
		}
		fmt.Fprintf(&out, "%s  %s  %s  %d/%d",
			styled(dimStyle, e.At.UTC().Format(runlog.TimestampLayout), color),
			e.Slug, outcome, e.Passed, e.Total)
		if e.Error != "" {
			fmt.Fprintf(&out, "  %s", e.Error)
		}
		out.WriteByte('\n')
	}
	return out.String()
}
