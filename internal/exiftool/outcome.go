package exiftool

import (
	"strings"
	"time"
)

// ResponseLine is one line of helper output.
type ResponseLine struct {
	Text     string
	Sentinel bool // the line closed the command
}

// Outcome is the response to one Request: every line up to and including the sentinel.
type Outcome struct {
	File     string
	Lines    []ResponseLine
	Duration time.Duration
}

// Text returns the non-sentinel lines.
func (o Outcome) Text() []string {
	out := make([]string, 0, len(o.Lines))
	for _, l := range o.Lines {
		if l.Sentinel {
			continue
		}
		out = append(out, l.Text)
	}
	return out
}

// Diagnostics returns the lines exiftool uses to report problems with the file.
func (o Outcome) Diagnostics() []string {
	var out []string
	for _, l := range o.Lines {
		if l.Sentinel {
			continue
		}
		if isDiagnostic(l.Text) {
			out = append(out, strings.TrimSpace(l.Text))
		}
	}
	return out
}

// ReportedError reports whether the helper said the file could not be processed.
// This is a per-file soft failure, not a session error.
func (o Outcome) ReportedError() bool {
	for _, l := range o.Lines {
		if l.Sentinel {
			continue
		}
		t := strings.TrimSpace(l.Text)
		if strings.HasPrefix(t, "Error") || strings.Contains(t, "weren't updated due to errors") {
			return true
		}
	}
	return false
}

func isDiagnostic(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "Error") ||
		strings.HasPrefix(t, "Warning") ||
		strings.Contains(t, "weren't updated")
}
