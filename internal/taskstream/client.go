package taskstream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pranitl/image2model/pkg/log"
)

// ErrReconnectExhausted is surfaced once the client gives up reconnecting.
var ErrReconnectExhausted = errors.New("task stream: reconnect attempts exhausted")

// ErrServerEndedStream is the close error after the server sends a
// connection_timeout or stream_error event.
var ErrServerEndedStream = errors.New("task stream: server ended the stream")

// Options configures a Client.
type Options struct {
	// MaxReconnectAttempts bounds automatic reconnects after transport
	// failures. Zero disables reconnecting.
	MaxReconnectAttempts int
	// ReconnectDelay is the fixed wait before each reconnect attempt.
	ReconnectDelay time.Duration
	// TerminalGrace is how long the client stays open after a terminal
	// status so the final event reaches observers.
	TerminalGrace time.Duration
	Logger        log.Logger
}

func (o *Options) applyDefaults() {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	if o.TerminalGrace <= 0 {
		o.TerminalGrace = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.NewTestLogger()
	}
}

// Client holds one logical subscription to a task's status stream.
type Client struct {
	taskID string
	tr     Transport
	opts   Options
	logger log.Logger

	mu             sync.Mutex
	lastStatus     *Status
	lastHeartbeat  time.Time
	connected      bool
	connecting     bool
	connAttempts   int
	err            error
	source         EventSource
	baseCtx        context.Context
	reconnectTimer *time.Timer
	graceTimer     *time.Timer
	stopped        bool

	onStatus func(Status)
	onClose  func(err error)
}

// NewClient creates a client for one task id. Connect must be called to
// open the subscription.
func NewClient(taskID string, tr Transport, opts Options) *Client {
	opts.applyDefaults()
	return &Client{
		taskID: taskID,
		tr:     tr,
		opts:   opts,
		logger: opts.Logger.WithComponent("taskstream").With(log.Str("task_id", taskID)),
	}
}

// OnStatus registers the status observer. Must be set before Connect;
// callbacks fire from the client's read goroutine.
func (c *Client) OnStatus(fn func(Status)) { c.onStatus = fn }

// OnClose registers an observer for the subscription ending for good: a
// terminal status or clean server-side end (nil err), a server-instructed
// disconnect, or exhausted reconnects (err set). An owner-initiated
// Disconnect does not fire it.
func (c *Client) OnClose(fn func(err error)) { c.onClose = fn }

// Connect opens the push channel. ctx bounds the open call and is retained
// for reconnect attempts. Calling Connect while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.stopped = false
	c.baseCtx = ctx
	c.mu.Unlock()

	return c.open(ctx)
}

func (c *Client) open(ctx context.Context) error {
	src, err := c.tr.Open(ctx, c.taskID)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		if src != nil {
			src.Close()
		}
		return nil
	}
	if err != nil {
		c.connecting = false
		c.mu.Unlock()
		c.handleFailure(err)
		return err
	}
	c.source = src
	c.connected = true
	c.connecting = false
	c.connAttempts = 0
	c.err = nil
	c.mu.Unlock()

	c.logger.Debug("stream connected")
	go c.readLoop(src)
	return nil
}

func (c *Client) readLoop(src EventSource) {
	for ev := range src.Events() {
		c.handleEvent(ev)
	}

	c.mu.Lock()
	explicit := c.stopped || c.source != src
	c.connected = false
	c.mu.Unlock()
	if explicit {
		return
	}

	if err := src.Err(); err != nil {
		c.handleFailure(err)
		return
	}
	// clean server-side end: nothing more will arrive
	c.finish(nil)
}

func (c *Client) handleEvent(ev Event) {
	switch {
	case ev.Kind == EventHeartbeat:
		c.mu.Lock()
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()
		return
	case ev.Kind.Terminates():
		c.logger.Warn("server ended stream", log.Str("event", string(ev.Kind)))
		c.finish(ErrServerEndedStream)
		return
	case !ev.Kind.StatusBearing():
		return
	}

	var st Status
	if err := json.Unmarshal(ev.Data, &st); err != nil {
		c.logger.Warn("dropping undecodable status event",
			log.Str("event", string(ev.Kind)), log.Err(err))
		return
	}
	if st.TaskID == "" {
		st.TaskID = c.taskID
	}

	c.mu.Lock()
	c.lastStatus = &st
	terminal := st.Terminal()
	alreadyScheduled := c.graceTimer != nil
	c.mu.Unlock()

	if c.onStatus != nil {
		c.onStatus(st)
	}

	if terminal && !alreadyScheduled {
		// linger briefly so observers see the final event, then close
		c.mu.Lock()
		if !c.stopped && c.graceTimer == nil {
			c.graceTimer = time.AfterFunc(c.opts.TerminalGrace, func() {
				c.finish(nil)
			})
		}
		c.mu.Unlock()
	}
}

// handleFailure runs the reconnect policy after a transport-level error.
func (c *Client) handleFailure(err error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	terminal := c.lastStatus.Terminal()
	if terminal || c.connAttempts >= c.opts.MaxReconnectAttempts {
		c.mu.Unlock()
		if terminal {
			c.finish(nil)
			return
		}
		c.logger.Error("giving up on stream", log.Err(err),
			log.Int("attempts", c.connAttempts))
		c.finish(errors.Join(ErrReconnectExhausted, err))
		return
	}
	c.connAttempts++
	attempt := c.connAttempts
	ctx := c.baseCtx
	c.reconnectTimer = time.AfterFunc(c.opts.ReconnectDelay, func() {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		c.connecting = true
		c.mu.Unlock()
		_ = c.open(ctx)
	})
	c.mu.Unlock()
	c.logger.Warn("stream error, reconnect scheduled",
		log.Err(err),
		log.Int("attempt", attempt),
		log.Int("max", c.opts.MaxReconnectAttempts),
		log.Duration("delay", c.opts.ReconnectDelay))
}

// finish records the final error (if any), tears the connection down, and
// fires OnClose exactly once.
func (c *Client) finish(err error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.err = err
	}
	c.mu.Unlock()

	c.Disconnect()
	if c.onClose != nil {
		c.onClose(err)
	}
}

// Disconnect closes the channel and cancels any pending reconnect or grace
// timer. Safe to call repeatedly and from timer callbacks.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.connected = false
	c.connecting = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	src := c.source
	c.source = nil
	c.mu.Unlock()

	if src != nil {
		src.Close()
	}
	c.logger.Debug("stream disconnected")
}

// Reconnect force-disconnects and reopens with the attempt counter reset.
func (c *Client) Reconnect(ctx context.Context) error {
	c.Disconnect()
	c.mu.Lock()
	c.connAttempts = 0
	c.err = nil
	c.mu.Unlock()
	return c.Connect(ctx)
}

// Status returns a copy of the last known status, or nil before any event.
func (c *Client) Status() *Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastStatus == nil {
		return nil
	}
	st := *c.lastStatus
	return &st
}

// Connected reports whether the channel is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connecting reports whether an open or reconnect attempt is in flight.
func (c *Client) Connecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connecting
}

// Attempts returns the current reconnect attempt counter.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connAttempts
}

// Err returns the terminal error, if the client gave up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// LastHeartbeat returns the time of the most recent heartbeat event.
func (c *Client) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}
