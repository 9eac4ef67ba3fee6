package taskstream

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// SSETransport subscribes to the backend task stream over Server-Sent
// Events.
type SSETransport struct {
	baseURL string
	httpc   *http.Client
	// timeout is passed to the server as a query parameter; the server ends
	// the stream with a connection_timeout event once it elapses.
	timeout time.Duration
}

// SSEOption configures an SSETransport.
type SSEOption func(*SSETransport)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(h *http.Client) SSEOption {
	return func(t *SSETransport) { t.httpc = h }
}

// WithServerTimeout sets the server-side stream timeout parameter.
func WithServerTimeout(d time.Duration) SSEOption {
	return func(t *SSETransport) { t.timeout = d }
}

// NewSSETransport creates the production SSE transport.
func NewSSETransport(baseURL string, opts ...SSEOption) *SSETransport {
	t := &SSETransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		// no overall timeout: the response body is a long-lived stream
		httpc: &http.Client{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open starts one SSE subscription for the task id.
func (t *SSETransport) Open(ctx context.Context, taskID string) (EventSource, error) {
	u := t.baseURL + "/api/v1/tasks/" + url.PathEscape(taskID) + "/stream"
	if t.timeout > 0 {
		u += "?timeout=" + strconv.Itoa(int(t.timeout.Seconds()))
	}
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.httpc.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open stream: unexpected status %d", resp.StatusCode)
	}

	src := &sseSource{
		events: make(chan Event, 16),
		cancel: cancel,
		body:   resp,
	}
	go src.read()
	return src, nil
}

type sseSource struct {
	events chan Event
	cancel context.CancelFunc
	body   *http.Response
	err    error
	closed atomic.Bool
}

func (s *sseSource) Events() <-chan Event { return s.events }

// Err is valid once Events has closed.
func (s *sseSource) Err() error { return s.err }

// Close cancels the request; the read loop then drains out. Idempotent.
func (s *sseSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	return nil
}

// read parses the SSE framing: "event:" and "data:" field lines terminated
// by a blank line per dispatched event. Comment lines (":") and fields the
// client does not use (id, retry) are skipped.
func (s *sseSource) read() {
	defer close(s.events)
	defer s.body.Body.Close()

	var kind EventKind
	var data []string

	dispatch := func() {
		if kind == "" && len(data) == 0 {
			return
		}
		if kind == "" {
			kind = EventTaskStatus
		}
		s.events <- Event{Kind: kind, Data: []byte(strings.Join(data, "\n"))}
		kind = ""
		data = nil
	}

	scanner := bufio.NewScanner(s.body.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			dispatch()
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			kind = EventKind(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	dispatch()
	if err := scanner.Err(); err != nil && !s.closed.Load() {
		s.err = err
	}
}
