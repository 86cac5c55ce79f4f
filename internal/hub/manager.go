package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sopworks/playground/internal/envelope"
)

// Manager orchestrates the set of live client connections.
type Manager interface {
	// Start begins the liveness sweep loop.
	Start(ctx context.Context) error

	// Stop terminates every connection and halts the sweep loop.
	Stop(ctx context.Context) error

	// AddConnection registers a client socket, starts its read loop, and
	// returns the opaque connection id.
	AddConnection(sock Socket) string

	// RemoveConnection terminates and deregisters a client.
	RemoveConnection(id string)

	// SendToClient delivers an envelope to one client. It reports
	// delivery success and never panics; a failed socket is removed.
	SendToClient(id string, env envelope.Envelope) bool

	// Broadcast fans an envelope out to every client, isolating
	// per-socket failures. It returns the number of successful sends.
	Broadcast(env envelope.Envelope) int

	// Stats returns current connection statistics.
	Stats() Stats
}

// clientConn is the server-side view of one client.
type clientConn struct {
	id          string
	sock        Socket
	connectedAt time.Time

	writeMu sync.Mutex // serializes frame writes

	mu            sync.Mutex
	lastHeartbeat time.Time // refreshed by application heartbeat envelopes
	isAlive       bool      // pong received since the last ping
}

// manager implements the Manager interface.
type manager struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	conns map[string]*clientConn
}

// NewManager creates a connection Manager. handler receives every
// non-heartbeat envelope read from a client socket.
func NewManager(cfg Config, handler Handler, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	return &manager{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		conns:   make(map[string]*clientConn),
	}
}

// Start begins the liveness sweep loop.
func (m *manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.livenessLoop()

	m.logger.Info("connection manager started",
		"heartbeat_interval", m.cfg.HeartbeatInterval,
		"pong_grace", m.cfg.PongGrace,
	)
	return nil
}

// Stop terminates every connection and halts the sweep loop.
func (m *manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping connection manager")

	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	conns := make([]*clientConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*clientConn)
	m.mu.Unlock()

	for _, c := range conns {
		c.sock.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("connection manager stop timed out")
	}

	m.logger.Info("connection manager stopped", "closed", len(conns))
	return nil
}

// AddConnection registers a client socket and starts its read loop.
func (m *manager) AddConnection(sock Socket) string {
	conn := &clientConn{
		id:            uuid.NewString(),
		sock:          sock,
		connectedAt:   time.Now(),
		lastHeartbeat: time.Now(),
		isAlive:       true,
	}

	sock.SetPongHandler(func(string) error {
		conn.mu.Lock()
		conn.isAlive = true
		conn.lastHeartbeat = time.Now()
		conn.mu.Unlock()
		return nil
	})

	m.mu.Lock()
	m.conns[conn.id] = conn
	total := len(m.conns)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.readLoop(conn)

	m.logger.Debug("client connected", "conn_id", conn.id, "total", total)
	return conn.id
}

// RemoveConnection terminates and deregisters a client.
func (m *manager) RemoveConnection(id string) {
	m.remove(id, "removed")
}

// SendToClient delivers an envelope to one client.
func (m *manager) SendToClient(id string, env envelope.Envelope) bool {
	m.mu.RLock()
	conn, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	if err := m.writeConn(conn, env.Encode()); err != nil {
		m.logger.Warn("send failed, removing client", "conn_id", id, "error", err)
		m.remove(id, "send failure")
		return false
	}
	return true
}

// Broadcast fans an envelope out to every client.
func (m *manager) Broadcast(env envelope.Envelope) int {
	m.mu.RLock()
	conns := make([]*clientConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	frame := env.Encode()
	sent := 0
	for _, conn := range conns {
		if err := m.writeConn(conn, frame); err != nil {
			m.logger.Warn("broadcast send failed, removing client",
				"conn_id", conn.id,
				"error", err,
			)
			m.remove(conn.id, "send failure")
			continue
		}
		sent++
	}
	return sent
}

// Stats returns current connection statistics.
func (m *manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{Count: len(m.conns)}
	if stats.Count == 0 {
		return stats
	}

	now := time.Now()
	var total time.Duration
	for _, c := range m.conns {
		age := now.Sub(c.connectedAt)
		total += age
		if age > stats.OldestAge {
			stats.OldestAge = age
		}
	}
	stats.AverageAge = total / time.Duration(stats.Count)
	return stats
}

// readLoop consumes frames from one client until the socket fails.
func (m *manager) readLoop(conn *clientConn) {
	defer m.wg.Done()

	for {
		_, data, err := conn.sock.ReadMessage()
		if err != nil {
			m.remove(conn.id, "read failure")
			return
		}

		env, err := envelope.Decode(data)
		if err != nil {
			m.logger.Warn("malformed frame from client",
				"conn_id", conn.id,
				"error", err,
			)
			continue
		}

		// Heartbeat envelopes refresh liveness and are echoed back;
		// everything else passes through to the router untouched.
		if env.Type == envelope.TypeHeartbeat {
			conn.mu.Lock()
			conn.lastHeartbeat = time.Now()
			conn.isAlive = true
			conn.mu.Unlock()

			if err := m.writeConn(conn, envelope.HeartbeatResponse(env.ID).Encode()); err != nil {
				m.remove(conn.id, "send failure")
				return
			}
			continue
		}

		if m.handler != nil {
			m.handler(conn.id, data)
		}
	}
}

// livenessLoop evicts clients that stop answering. A client whose
// lastHeartbeat is older than 2x the sweep interval is stale; everyone
// else gets a protocol ping and must pong within PongGrace.
func (m *manager) livenessLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep runs one liveness pass over every connection.
func (m *manager) sweep() {
	m.mu.RLock()
	conns := make([]*clientConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	now := time.Now()
	for _, conn := range conns {
		conn.mu.Lock()
		lastHeartbeat := conn.lastHeartbeat
		conn.isAlive = false
		conn.mu.Unlock()

		if now.Sub(lastHeartbeat) > 2*m.cfg.HeartbeatInterval {
			m.logger.Info("evicting stale client",
				"conn_id", conn.id,
				"last_heartbeat", lastHeartbeat,
			)
			m.remove(conn.id, "stale")
			continue
		}

		deadline := time.Now().Add(m.cfg.WriteTimeout)
		if err := conn.sock.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			m.remove(conn.id, "ping failure")
			continue
		}

		id := conn.id
		c := conn
		time.AfterFunc(m.cfg.PongGrace, func() {
			c.mu.Lock()
			alive := c.isAlive
			c.mu.Unlock()
			if !alive {
				m.logger.Info("evicting unresponsive client", "conn_id", id)
				m.remove(id, "pong timeout")
			}
		})
	}
}

// writeConn writes one frame under the connection's write lock.
func (m *manager) writeConn(conn *clientConn, frame []byte) error {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	conn.sock.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	return conn.sock.WriteMessage(websocket.TextMessage, frame)
}

// remove closes and deregisters one connection. Removing an already
// removed id is a no-op, so concurrent failure paths are safe.
func (m *manager) remove(id, reason string) {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	total := len(m.conns)
	m.mu.Unlock()

	if !ok {
		return
	}

	conn.sock.Close()
	m.logger.Debug("client removed", "conn_id", id, "reason", reason, "total", total)
}
