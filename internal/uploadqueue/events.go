package uploadqueue

// EventKind names observable queue mutations.
type EventKind string

const (
	EventItemAdded         EventKind = "item_added"
	EventItemUpdated       EventKind = "item_updated"
	EventItemRemoved       EventKind = "item_removed"
	EventStateChanged      EventKind = "state_changed"
	EventRetryScheduled    EventKind = "retry_scheduled"
	EventIllegalTransition EventKind = "illegal_transition"
	EventSettingsUpdated   EventKind = "settings_updated"
	EventQueueReset        EventKind = "queue_reset"
)

// Event describes one queue mutation. For state changes From and To carry
// the transition; for illegal transitions they carry the rejected one.
type Event struct {
	Seq    uint64
	Kind   EventKind
	ItemID string
	From   Status
	To     Status
	// Attempt and Delay describe a scheduled retry.
	Attempt int
	DelayMs int64
	Err     error
}

// Subscribe registers a listener called synchronously after each mutation,
// in mutation order. The returned function unregisters it.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// queueEvent stamps a sequence number and buffers the event for delivery
// once the manager lock is released. Callers must hold m.mu.
func (m *Manager) queueEvent(ev Event) {
	m.eventSeq++
	ev.Seq = m.eventSeq
	m.pending = append(m.pending, ev)
}

// flushEvents delivers buffered events to current listeners. Callers must
// NOT hold m.mu; listeners may themselves call back into the manager.
func (m *Manager) flushEvents() {
	m.mu.Lock()
	events := m.pending
	m.pending = nil
	fns := make([]func(Event), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}
