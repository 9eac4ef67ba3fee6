// Package id provides a 128-bit, lexicographically sortable identifier used
// for upload items.
//
// # Format
//
// The ID is 16 bytes big-endian: [8 bytes ms_timestamp][8 bytes sequence].
// Byte-wise comparison preserves chronological order, so sorting items by ID
// reproduces their creation order. The queue relies on this for its FIFO
// scheduling guarantee and for ordering restored snapshots.
//
// # Monotonicity
//
// The Generator ensures per-process monotonicity:
//   - If the system clock regresses, it pins to the last seen millisecond and
//     increments the sequence to avoid going backwards.
//   - If the sequence would overflow within a millisecond, it waits for the
//     next millisecond before emitting the next ID.
package id
