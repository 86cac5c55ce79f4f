package wsclient

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// Errors
var (
	ErrDisconnected     = errors.New("client disconnected")
	ErrQueueFull        = errors.New("outbound queue full")
	ErrHeartbeatTimeout = errors.New("no heartbeat response before deadline")
)

// State is the connection lifecycle state.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Conn is the subset of *websocket.Conn the client uses. Tests inject
// in-memory implementations through DialFunc.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a websocket connection to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Config configures a Client.
type Config struct {
	URL string

	DialTimeout  time.Duration // handshake deadline per attempt
	WriteTimeout time.Duration // per-frame write deadline

	ReconnectBase        time.Duration // backoff is base * 2^attempts
	MaxReconnectAttempts int

	HeartbeatInterval time.Duration // application heartbeat cadence
	HeartbeatTimeout  time.Duration // max wait for a heartbeat_response
	HeartbeatGrace    time.Duration // slack added to HeartbeatTimeout

	QueueLimit int // max envelopes held while disconnected

	// Dial overrides the websocket dialer. Nil means gorilla's default.
	Dial DialFunc
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		DialTimeout:          10 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReconnectBase:        time.Second,
		MaxReconnectAttempts: 5,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     10 * time.Second,
		HeartbeatGrace:       5 * time.Second,
		QueueLimit:           256,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig(c.URL)
	if c.DialTimeout == 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = def.ReconnectBase
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.HeartbeatGrace == 0 {
		c.HeartbeatGrace = def.HeartbeatGrace
	}
	if c.QueueLimit == 0 {
		c.QueueLimit = def.QueueLimit
	}
	if c.Dial == nil {
		c.Dial = gorillaDial(c.DialTimeout)
	}
}

func gorillaDial(timeout time.Duration) DialFunc {
	return func(ctx context.Context, url string) (Conn, error) {
		dialer := websocket.Dialer{HandshakeTimeout: timeout}
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
