// Package transport implements the HTTP boundary to the image2model backend.
//
// It owns two things: the thin upload client (multipart batch POST with a
// progress callback) and the error taxonomy every caller classifies against:
//
//   - NetworkError: connectivity failure, timeout, aborted request. Always
//     retryable.
//   - APIError: non-2xx response. Retryable iff status >= 500, status == 429,
//     or the server flags the error transient; may carry a Retry-After hint.
//   - ValidationError: malformed input or a malformed response (for example a
//     missing task id). Never retryable.
//
// Classification happens once at this boundary; the retry package and the
// queue manager only consult Retryable and RetryAfterHint.
package transport
