package history

import (
	"context"
	"strings"
	"time"

	"github.com/loykin/medio/internal/exiftool"
)

// EventType defines what happened to a submitted file.
type EventType string

const (
	EventProcessed     EventType = "processed"
	EventReportedError EventType = "reported_error"
	EventFailed        EventType = "failed"
)

// Record is the audit row for one submitted file.
type Record struct {
	File      string        `json:"file"`
	SessionID string        `json:"session_id"`
	Output    string        `json:"output"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Event represents one submit outcome exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// FromOutcome classifies a submit result. err is the error returned by Submit, if any.
func FromOutcome(sessionID string, out exiftool.Outcome, err error) Event {
	e := Event{
		Type:       EventProcessed,
		OccurredAt: time.Now().UTC(),
		Record: Record{
			File:      out.File,
			SessionID: sessionID,
			Output:    strings.Join(out.Text(), "\n"),
			Duration:  out.Duration,
		},
	}
	switch {
	case err != nil:
		e.Type = EventFailed
		e.Record.Error = err.Error()
	case out.ReportedError():
		e.Type = EventReportedError
		e.Record.Error = strings.Join(out.Diagnostics(), "; ")
	}
	return e
}

// NullableError maps an empty error to SQL NULL.
func (r Record) NullableError() any {
	if r.Error == "" {
		return nil
	}
	return r.Error
}
