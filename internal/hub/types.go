package hub

import "time"

// Socket is the subset of *websocket.Conn the hub uses. Tests inject
// in-memory implementations.
type Socket interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Handler receives every non-heartbeat envelope read from a client.
type Handler func(connID string, data []byte)

// Config configures the Manager.
type Config struct {
	HeartbeatInterval time.Duration // liveness sweep cadence
	PongGrace         time.Duration // max wait for a pong after a ping
	WriteTimeout      time.Duration // per-frame write deadline
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		PongGrace:         5 * time.Second,
		WriteTimeout:      5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.PongGrace == 0 {
		c.PongGrace = def.PongGrace
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
}

// Stats describes the current connection population.
type Stats struct {
	Count      int
	AverageAge time.Duration
	OldestAge  time.Duration
}
