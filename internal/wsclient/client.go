package wsclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sopworks/playground/internal/envelope"
)

// Client owns a single websocket to the playground server.
//
// Public methods never panic and never return errors; every failure is
// delivered through the registered callbacks. All callbacks are invoked
// without internal locks held, so they may call back into the client.
type Client struct {
	cfg    Config
	logger *slog.Logger

	writeMu sync.Mutex // serializes frame writes across Send, flush, and heartbeat

	mu       sync.Mutex
	state    State
	conn     Conn
	queue    []envelope.Envelope
	attempts int
	manual   bool // set by Disconnect; disables reconnect scheduling
	gen      uint64

	lastHeartbeatResponse time.Time
	reconnectTimer        *time.Timer
	connDone              chan struct{} // closed when the current conn is torn down

	cbMu      sync.Mutex
	onState   []func(State)
	onError   []func(*envelope.ClassifiedError)
	onMessage []func(envelope.Envelope)
}

// New creates a Client. Call Connect to begin dialing.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	return &Client{
		cfg:    cfg,
		logger: logger,
		state:  StateDisconnected,
	}
}

// OnStateChange registers a state observer.
func (c *Client) OnStateChange(fn func(State)) {
	c.cbMu.Lock()
	c.onState = append(c.onState, fn)
	c.cbMu.Unlock()
}

// OnError registers an error observer.
func (c *Client) OnError(fn func(*envelope.ClassifiedError)) {
	c.cbMu.Lock()
	c.onError = append(c.onError, fn)
	c.cbMu.Unlock()
}

// OnMessage registers an observer for inbound envelopes. Heartbeat
// responses are consumed internally and never reach observers.
func (c *Client) OnMessage(fn func(envelope.Envelope)) {
	c.cbMu.Lock()
	c.onMessage = append(c.onMessage, fn)
	c.cbMu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect begins dialing. It is a no-op while a connection attempt is in
// progress or a connection is open.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.manual = false
	c.gen++
	gen := c.gen
	notify := c.setState(StateConnecting)
	c.mu.Unlock()

	notify()
	go c.dial(gen)
}

// Reconnect resets the backoff counter and forces a new attempt. It also
// clears the terminal state left behind by Disconnect or an exhausted
// retry budget.
func (c *Client) Reconnect() {
	c.mu.Lock()
	c.manual = false
	c.attempts = 0
	c.stopReconnectTimer()
	c.closeConn()
	c.gen++
	gen := c.gen
	notify := c.setState(StateConnecting)
	c.mu.Unlock()

	notify()
	go c.dial(gen)
}

// Disconnect closes the connection and disables reconnect scheduling
// until Reconnect is called. Queued sends are rejected immediately.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.gen++
	c.stopReconnectTimer()
	c.closeConn()
	dropped := len(c.queue)
	c.queue = nil
	notify := c.setState(StateDisconnected)
	c.mu.Unlock()

	notify()
	if dropped > 0 {
		c.logger.Debug("rejected queued messages on disconnect", "count", dropped)
		c.emitError(envelope.Classify(envelope.ClassNetwork, ErrDisconnected))
	}
}

// Send delivers an envelope, queueing it when the socket is not open.
// Queued envelopes flush in FIFO order once a connection opens.
func (c *Client) Send(env envelope.Envelope) {
	c.mu.Lock()
	if c.state == StateConnected && c.conn != nil {
		conn := c.conn
		gen := c.gen
		c.mu.Unlock()

		if err := c.write(conn, env); err != nil {
			c.mu.Lock()
			c.queue = append(c.queue, env)
			c.mu.Unlock()
			c.handleFailure(gen, envelope.ClassNetwork, err)
		}
		return
	}

	if len(c.queue) >= c.cfg.QueueLimit {
		c.mu.Unlock()
		c.emitError(envelope.Classify(envelope.ClassNetwork, ErrQueueFull))
		return
	}
	c.queue = append(c.queue, env)
	c.mu.Unlock()
}

// dial attempts to open the websocket for generation gen.
func (c *Client) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()

	conn, err := c.cfg.Dial(ctx, c.cfg.URL)

	c.mu.Lock()
	if gen != c.gen || c.manual {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		notify := c.setState(StateError)
		scheduled := c.scheduleReconnect()
		c.mu.Unlock()

		notify()
		c.emitError(envelope.Classify(envelope.ClassNetwork, err))
		if !scheduled {
			c.logger.Warn("reconnect attempts exhausted", "url", c.cfg.URL)
		}
		return
	}

	c.conn = conn
	c.attempts = 0
	c.lastHeartbeatResponse = time.Now()
	c.connDone = make(chan struct{})
	done := c.connDone
	pending := c.queue
	c.queue = nil
	notify := c.setState(StateConnected)
	c.mu.Unlock()

	notify()
	c.logger.Debug("websocket connected", "url", c.cfg.URL)

	// Flush queued envelopes in FIFO order.
	for i, env := range pending {
		if err := c.write(conn, env); err != nil {
			c.mu.Lock()
			c.queue = append(pending[i:], c.queue...)
			c.mu.Unlock()
			c.handleFailure(gen, envelope.ClassNetwork, err)
			return
		}
	}

	go c.readLoop(gen, conn)
	go c.heartbeatLoop(gen, conn, done)
}

// readLoop consumes frames until the connection fails or is superseded.
func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleFailure(gen, envelope.ClassNetwork, err)
			return
		}

		env, err := envelope.Decode(data)
		if err != nil {
			// Malformed frames do not tear down the connection; protocol
			// errors are surfaced but never drive the retry path.
			c.emitError(envelope.Classify(envelope.ClassProtocol, err))
			continue
		}

		if env.Type == envelope.TypeHeartbeatResponse {
			c.mu.Lock()
			c.lastHeartbeatResponse = time.Now()
			c.mu.Unlock()
			continue
		}

		c.emitMessage(env)
	}
}

// heartbeatLoop sends application heartbeats and arms a deadline per
// send; a response must arrive within HeartbeatTimeout + HeartbeatGrace.
func (c *Client) heartbeatLoop(gen uint64, conn Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		sentAt := time.Now()
		if err := c.write(conn, envelope.Heartbeat()); err != nil {
			c.handleFailure(gen, envelope.ClassNetwork, err)
			return
		}

		time.AfterFunc(c.cfg.HeartbeatTimeout+c.cfg.HeartbeatGrace, func() {
			c.mu.Lock()
			refreshed := c.lastHeartbeatResponse.After(sentAt) || c.lastHeartbeatResponse.Equal(sentAt)
			current := gen == c.gen
			c.mu.Unlock()

			if current && !refreshed {
				c.handleFailure(gen, envelope.ClassTimeout, ErrHeartbeatTimeout)
			}
		})
	}
}

// handleFailure tears down the connection for gen and schedules a
// reconnect unless Disconnect was called.
func (c *Client) handleFailure(gen uint64, class envelope.Class, err error) {
	c.mu.Lock()
	if gen != c.gen || c.manual {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.closeConn()
	notify := c.setState(StateError)
	scheduled := c.scheduleReconnect()
	c.mu.Unlock()

	notify()
	c.emitError(envelope.Classify(class, err))
	if !scheduled {
		c.logger.Warn("reconnect attempts exhausted", "url", c.cfg.URL, "error", err)
	}
}

// scheduleReconnect arms the backoff timer. Caller holds c.mu. Returns
// false when the retry budget is exhausted or reconnection is disabled.
func (c *Client) scheduleReconnect() bool {
	if c.manual {
		return false
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		return false
	}

	delay := c.cfg.ReconnectBase << uint(c.attempts)
	c.attempts++

	c.stopReconnectTimer()
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.manual || c.state == StateConnected || c.state == StateConnecting {
			c.mu.Unlock()
			return
		}
		c.gen++
		gen := c.gen
		notify := c.setState(StateConnecting)
		c.mu.Unlock()

		notify()
		go c.dial(gen)
	})
	return true
}

// write sends one envelope frame, applying the write deadline when the
// connection supports it. Writes are serialized; the websocket permits
// only one writer at a time.
func (c *Client) write(conn Conn, env envelope.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if d, ok := conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		d.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, env.Encode())
}

// setState records a transition and returns the notification closure to
// run after c.mu is released. Caller holds c.mu.
func (c *Client) setState(s State) func() {
	if c.state == s {
		return func() {}
	}
	c.state = s
	return func() {
		c.cbMu.Lock()
		observers := append([]func(State){}, c.onState...)
		c.cbMu.Unlock()
		for _, fn := range observers {
			fn(s)
		}
	}
}

func (c *Client) emitError(cerr *envelope.ClassifiedError) {
	if cerr == nil {
		return
	}
	c.cbMu.Lock()
	observers := append([]func(*envelope.ClassifiedError){}, c.onError...)
	c.cbMu.Unlock()
	for _, fn := range observers {
		fn(cerr)
	}
}

func (c *Client) emitMessage(env envelope.Envelope) {
	c.cbMu.Lock()
	observers := append([]func(envelope.Envelope){}, c.onMessage...)
	c.cbMu.Unlock()
	for _, fn := range observers {
		fn(env)
	}
}

// closeConn closes the current socket if any. Caller holds c.mu.
func (c *Client) closeConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
}

// stopReconnectTimer cancels a pending backoff timer. Caller holds c.mu.
func (c *Client) stopReconnectTimer() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}
