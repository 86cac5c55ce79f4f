package router

import (
	"context"
	"encoding/json"

	"github.com/sopworks/playground/internal/bridge"
	"github.com/sopworks/playground/internal/envelope"
)

// Worker-facing request types. The worker speaks a flat request schema;
// the router translates between it and client envelopes.
const (
	workerTypeChat      = "chat"
	workerTypeScript    = "script_execute"
	workerTypeMCPConfig = "mcp_config"
)

// WorkerBridge is the slice of the process bridge the router depends on.
type WorkerBridge interface {
	Send(ctx context.Context, msgType string, data json.RawMessage) (json.RawMessage, error)
	IsRunning() bool
	Health() bridge.Health
}

// ClientSender delivers envelopes back to connected clients.
type ClientSender interface {
	SendToClient(id string, env envelope.Envelope) bool
}

// Stats aggregates router and worker state.
type Stats struct {
	InFlight int64         `json:"in_flight"`
	Bridge   bridge.Health `json:"bridge"`
}
