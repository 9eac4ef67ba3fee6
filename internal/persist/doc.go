// Package persist mirrors queue state and settings to a local key-value
// store so they survive restarts.
//
// The store is an injectable interface: the production build uses Pebble,
// tests use the in-memory store, and callers that do not want persistence
// use the no-op store. The adapter on top serializes three records: queue
// settings, the default face limit (versioned separately so it survives a
// settings wipe), and a queue snapshot stamped with its save time. Stale
// snapshots are discarded on load instead of restored.
package persist
