// Package taskstream maintains the live subscription to a backend task's
// server-push status channel.
//
// # Layering
//
// The wire transport is abstracted behind Transport/EventSource so the
// reconnection state machine is testable against a fake. The production
// transport is SSE: one GET per subscription, events framed as
//
//	event: task_progress
//	data: {"status":"processing","progress":42,...}
//
// separated by blank lines.
//
// # Client behavior
//
// One Client serves one task id. On transport failure it reconnects after a
// fixed delay, bounded by a maximum attempt count, unless the last known
// status is terminal. A terminal status event schedules the client's own
// disconnect after a short grace delay so observers see the final event.
// connection_timeout and stream_error events force an immediate disconnect
// with no reconnect. Disconnect is idempotent and clears any pending timer.
package taskstream
