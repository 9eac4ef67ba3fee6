// Package uploadqueue owns the client-side upload queue: item lifecycle,
// bounded-concurrency scheduling, retry wiring, and per-item task stream
// subscriptions.
//
// The Manager is the single writer for the item collection. Consumers read
// derived snapshots (Items, Stats) and observe mutations through Subscribe;
// listeners run synchronously after each mutation. State is mirrored to the
// persistence adapter after every mutation without blocking queue
// operations.
package uploadqueue
