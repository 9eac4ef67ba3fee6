package taskstream

import "encoding/json"

// EventKind names the server-push event types emitted by the task stream.
type EventKind string

const (
	EventTaskQueued        EventKind = "task_queued"
	EventTaskProgress      EventKind = "task_progress"
	EventTaskCompleted     EventKind = "task_completed"
	EventTaskFailed        EventKind = "task_failed"
	EventTaskRetry         EventKind = "task_retry"
	EventTaskCancelled     EventKind = "task_cancelled"
	EventTaskError         EventKind = "task_error"
	EventTaskStatus        EventKind = "task_status"
	EventHeartbeat         EventKind = "heartbeat"
	EventConnectionTimeout EventKind = "connection_timeout"
	EventStreamError       EventKind = "stream_error"
)

// StatusBearing reports whether the event payload carries a Status.
func (k EventKind) StatusBearing() bool {
	switch k {
	case EventHeartbeat, EventConnectionTimeout, EventStreamError:
		return false
	default:
		return true
	}
}

// Terminates reports whether the event instructs an immediate disconnect
// without reconnect.
func (k EventKind) Terminates() bool {
	return k == EventConnectionTimeout || k == EventStreamError
}

// Terminal task statuses as reported on the stream.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Status is the last-known state of a backend task, received from the
// stream. Events are not merged; each one overwrites the previous Status.
type Status struct {
	Status      string          `json:"status"`
	Progress    int             `json:"progress"`
	Current     int             `json:"current,omitempty"`
	Total       int             `json:"total,omitempty"`
	Message     string          `json:"message,omitempty"`
	TaskID      string          `json:"task_id"`
	Timestamp   float64         `json:"timestamp,omitempty"`
	Error       string          `json:"error,omitempty"`
	Recoverable bool            `json:"recoverable,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Summary     json.RawMessage `json:"summary,omitempty"`
}

// Terminal reports whether no further automatic transitions will occur.
func (s *Status) Terminal() bool {
	if s == nil {
		return false
	}
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
