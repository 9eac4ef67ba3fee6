// Package retry wraps fallible operations with bounded retry and a per-key
// circuit breaker.
//
// # Policy
//
// Backoff follows the policy types exp, exp-jitter, fixed, and none, with a
// base delay, a growth factor, a cap, and a bounded attempt count. The
// exp-jitter variant adds up to JitterFrac (default 10%) of randomized
// variance on top of the computed delay to avoid synchronized retry storms.
// A server-provided minimum delay always wins over the computed one.
//
// # Breaker
//
// Failure counters are tracked per operation key, so independent operations
// do not trip each other's breaker. A key opens once consecutive failures
// reach the threshold; while open, Do short-circuits with CircuitOpenError
// until the reset window since the last success elapses, at which point the
// key is reset and the operation proceeds. Relax decrements the failure
// count by one to let a user-initiated retry through an open breaker.
package retry
