package taskstream

import "context"

// Event is one framed message from the push channel.
type Event struct {
	Kind EventKind
	Data []byte
}

// EventSource is one open subscription. Events closes when the source ends;
// Err reports the cause (nil for a clean server-side end).
type EventSource interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// Transport opens push-channel subscriptions. It abstracts the concrete
// wire protocol so the reconnection state machine can be driven by a fake
// in tests.
type Transport interface {
	Open(ctx context.Context, taskID string) (EventSource, error)
}
