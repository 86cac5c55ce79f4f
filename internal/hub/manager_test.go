package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sopworks/playground/internal/envelope"
)

// fakeSock is an in-memory Socket. respondPong controls whether protocol
// pings are answered.
type fakeSock struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	respondPong bool
	failWrites  bool

	mu          sync.Mutex
	frames      [][]byte
	pings       int
	pongHandler func(string) error
}

func newFakeSock(respondPong bool) *fakeSock {
	return &fakeSock{
		in:          make(chan []byte, 16),
		closed:      make(chan struct{}),
		respondPong: respondPong,
	}
}

func (s *fakeSock) ReadMessage() (int, []byte, error) {
	select {
	case data := <-s.in:
		return websocket.TextMessage, data, nil
	case <-s.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (s *fakeSock) WriteMessage(messageType int, data []byte) error {
	if s.failWrites {
		return errors.New("broken pipe")
	}
	select {
	case <-s.closed:
		return errors.New("use of closed connection")
	default:
	}
	s.mu.Lock()
	s.frames = append(s.frames, append([]byte(nil), data...))
	s.mu.Unlock()
	return nil
}

func (s *fakeSock) WriteControl(messageType int, data []byte, deadline time.Time) error {
	if messageType != websocket.PingMessage {
		return nil
	}
	s.mu.Lock()
	s.pings++
	handler := s.pongHandler
	s.mu.Unlock()

	if s.respondPong && handler != nil {
		handler("")
	}
	return nil
}

func (s *fakeSock) SetPongHandler(h func(string) error) {
	s.mu.Lock()
	s.pongHandler = h
	s.mu.Unlock()
}

func (s *fakeSock) SetWriteDeadline(t time.Time) error { return nil }

func (s *fakeSock) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSock) deliver(frame []byte) {
	select {
	case s.in <- frame:
	case <-s.closed:
	}
}

func (s *fakeSock) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSock) lastFrame(t *testing.T) envelope.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		t.Fatal("no frames written")
	}
	env, err := envelope.Decode(s.frames[len(s.frames)-1])
	if err != nil {
		t.Fatalf("malformed frame: %v", err)
	}
	return env
}

type captured struct {
	connID string
	data   []byte
}

type capturingHandler struct {
	mu   sync.Mutex
	msgs []captured
}

func (h *capturingHandler) handle(connID string, data []byte) {
	h.mu.Lock()
	h.msgs = append(h.msgs, captured{connID: connID, data: append([]byte(nil), data...)})
	h.mu.Unlock()
}

func (h *capturingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testCfg() Config {
	return Config{
		HeartbeatInterval: 20 * time.Millisecond,
		PongGrace:         10 * time.Millisecond,
		WriteTimeout:      time.Second,
	}
}

func TestManager_SendToClient(t *testing.T) {
	m := NewManager(testCfg(), nil, nil)
	sock := newFakeSock(true)
	id := m.AddConnection(sock)

	if !m.SendToClient(id, envelope.New(envelope.TypeConnectionEstablished, nil)) {
		t.Fatal("SendToClient failed")
	}
	if env := sock.lastFrame(t); env.Type != envelope.TypeConnectionEstablished {
		t.Errorf("Type = %q", env.Type)
	}

	if m.SendToClient("no-such-id", envelope.New(envelope.TypeTest, nil)) {
		t.Error("send to unknown id should report failure")
	}
}

func TestManager_HeartbeatInterceptedAndEchoed(t *testing.T) {
	handler := &capturingHandler{}
	m := NewManager(testCfg(), handler.handle, nil)
	sock := newFakeSock(true)
	m.AddConnection(sock)

	hb := envelope.Heartbeat()
	hb.ID = "hb1"
	sock.deliver(hb.Encode())

	waitFor(t, time.Second, func() bool { return sock.frameCount() == 1 })
	echo := sock.lastFrame(t)
	if echo.Type != envelope.TypeHeartbeatResponse {
		t.Errorf("Type = %q, want heartbeat_response", echo.Type)
	}
	if echo.ID != "hb1" {
		t.Errorf("ID = %q, want hb1", echo.ID)
	}

	// Heartbeats never reach the router.
	if handler.count() != 0 {
		t.Errorf("handler received %d messages, want 0", handler.count())
	}
}

func TestManager_ForwardsEnvelopesToHandler(t *testing.T) {
	handler := &capturingHandler{}
	m := NewManager(testCfg(), handler.handle, nil)
	sock := newFakeSock(true)
	id := m.AddConnection(sock)

	msg := envelope.Reply(envelope.TypeChatMessage, "r1", map[string]string{"message": "hi"})
	sock.deliver(msg.Encode())

	waitFor(t, time.Second, func() bool { return handler.count() == 1 })

	handler.mu.Lock()
	got := handler.msgs[0]
	handler.mu.Unlock()

	if got.connID != id {
		t.Errorf("connID = %q, want %q", got.connID, id)
	}
	env, err := envelope.Decode(got.data)
	if err != nil {
		t.Fatalf("decode forwarded frame: %v", err)
	}
	if env.Type != envelope.TypeChatMessage || env.ID != "r1" {
		t.Errorf("forwarded %+v", env)
	}
}

func TestManager_BroadcastIsolatesFailures(t *testing.T) {
	m := NewManager(testCfg(), nil, nil)
	good := newFakeSock(true)
	bad := newFakeSock(true)
	bad.failWrites = true

	goodID := m.AddConnection(good)
	m.AddConnection(bad)

	sent := m.Broadcast(envelope.New(envelope.TypeExecutionPrompt, map[string]string{"prompt": "continue?"}))
	if sent != 1 {
		t.Errorf("Broadcast sent = %d, want 1", sent)
	}
	if good.frameCount() != 1 {
		t.Errorf("good socket frames = %d, want 1", good.frameCount())
	}

	// The bad socket was removed; the good one is untouched.
	if stats := m.Stats(); stats.Count != 1 {
		t.Errorf("Count = %d, want 1", stats.Count)
	}
	if !m.SendToClient(goodID, envelope.New(envelope.TypeTest, nil)) {
		t.Error("good connection should still deliver")
	}
}

func TestManager_EvictsUnresponsiveClient(t *testing.T) {
	cfg := testCfg()
	m := NewManager(cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	silent := newFakeSock(false) // never pongs
	id := m.AddConnection(silent)

	// Eviction happens within 2x the sweep interval plus the pong grace.
	waitFor(t, 2*cfg.HeartbeatInterval+cfg.PongGrace+100*time.Millisecond, func() bool {
		return m.Stats().Count == 0
	})

	if m.SendToClient(id, envelope.New(envelope.TypeTest, nil)) {
		t.Error("evicted connection must not be referenced by unicast")
	}
}

func TestManager_ResponsiveClientSurvivesSweeps(t *testing.T) {
	cfg := testCfg()
	m := NewManager(cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	sock := newFakeSock(true)
	m.AddConnection(sock)

	// Keep the application heartbeat fresh across several sweeps.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(cfg.HeartbeatInterval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sock.deliver(envelope.Heartbeat().Encode())
			}
		}
	}()

	time.Sleep(5 * cfg.HeartbeatInterval)
	if stats := m.Stats(); stats.Count != 1 {
		t.Errorf("Count = %d, want 1", stats.Count)
	}
}

func TestManager_HeartbeatsAloneKeepClientAlive(t *testing.T) {
	// A browser client cannot answer protocol pings from JS; its
	// application heartbeats must be enough to survive the sweeps.
	cfg := testCfg()
	m := NewManager(cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	sock := newFakeSock(false) // never pongs
	m.AddConnection(sock)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(cfg.HeartbeatInterval / 4)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sock.deliver(envelope.Heartbeat().Encode())
			}
		}
	}()

	time.Sleep(5 * cfg.HeartbeatInterval)
	if stats := m.Stats(); stats.Count != 1 {
		t.Errorf("Count = %d, want 1", stats.Count)
	}
}

func TestManager_Stats(t *testing.T) {
	m := NewManager(testCfg(), nil, nil)

	if stats := m.Stats(); stats.Count != 0 {
		t.Errorf("empty Count = %d", stats.Count)
	}

	m.AddConnection(newFakeSock(true))
	time.Sleep(10 * time.Millisecond)
	m.AddConnection(newFakeSock(true))

	stats := m.Stats()
	if stats.Count != 2 {
		t.Errorf("Count = %d, want 2", stats.Count)
	}
	if stats.OldestAge < stats.AverageAge {
		t.Errorf("OldestAge %s < AverageAge %s", stats.OldestAge, stats.AverageAge)
	}
	if stats.OldestAge < 10*time.Millisecond {
		t.Errorf("OldestAge = %s, want >= 10ms", stats.OldestAge)
	}
}

// mockWSServer upgrades inbound requests and registers them with the
// manager, mirroring the production /ws endpoint.
func mockWSServer(t *testing.T, m Manager) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		id := m.AddConnection(conn)
		m.SendToClient(id, envelope.New(envelope.TypeConnectionEstablished, map[string]string{
			"connection_id": id,
		}))
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestManager_RealWebSocketRoundTrip(t *testing.T) {
	handler := &capturingHandler{}
	m := NewManager(testCfg(), handler.handle, nil)
	server := mockWSServer(t, m)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// connection_established arrives first.
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	established, err := envelope.Decode(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if established.Type != envelope.TypeConnectionEstablished {
		t.Fatalf("Type = %q, want connection_established", established.Type)
	}

	var ids struct {
		ConnectionID string `json:"connection_id"`
	}
	if err := established.DecodeData(&ids); err != nil {
		t.Fatalf("decode data: %v", err)
	}

	// Client → server envelope reaches the handler.
	msg := envelope.Reply(envelope.TypeChatMessage, "r1", map[string]string{"message": "hi"})
	if err := conn.WriteMessage(websocket.TextMessage, msg.Encode()); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return handler.count() == 1 })

	// Server → client unicast using the established id.
	reply := envelope.Reply(envelope.TypeChatResponse, "r1", map[string]string{"response": "hello"})
	if !m.SendToClient(ids.ConnectionID, reply) {
		t.Fatal("SendToClient failed")
	}

	_, frame, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read reply failed: %v", err)
	}
	var got envelope.Envelope
	if err := json.Unmarshal(frame, &got); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if got.Type != envelope.TypeChatResponse || got.ID != "r1" {
		t.Errorf("reply = %+v", got)
	}
}
