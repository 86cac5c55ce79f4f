package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/sopworks/playground/internal/envelope"
)

// Router translates client envelopes into worker requests and relays the
// correlated results back to the originating client. No failure path
// escapes to the transport layer; every one ends in an error envelope.
type Router struct {
	bridge WorkerBridge
	sender ClientSender
	logger *slog.Logger

	inFlight atomic.Int64
}

// NewRouter creates a Message Router.
func NewRouter(bridge WorkerBridge, sender ClientSender, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		bridge: bridge,
		sender: sender,
		logger: logger,
	}
}

// HandleMessage is the single inbound entry point. Its signature matches
// the hub's Handler so it can be wired directly.
func (r *Router) HandleMessage(connID string, data []byte) {
	env, err := envelope.Decode(data)
	if err != nil {
		r.logger.Warn("undecodable message", "conn_id", connID, "error", err)
		r.reply(connID, envelope.NewError("", envelope.ClassProtocol, "malformed envelope"))
		return
	}

	switch env.Type {
	case envelope.TypeChatMessage:
		go r.relayToWorker(connID, env, workerTypeChat, envelope.TypeChatResponse)

	case envelope.TypeScriptExecute:
		go r.relayToWorker(connID, env, workerTypeScript, envelope.TypeExecutionResult)

	case envelope.TypeMCPConfig:
		go r.relayToWorker(connID, env, workerTypeMCPConfig, envelope.TypeMCPConfigResponse)

	case envelope.TypeTest:
		// Diagnostic echo; answered locally even while the worker is down.
		r.reply(connID, envelope.Reply(envelope.TypeTestResponse, env.ID, map[string]any{
			"echo":      env.Data,
			"timestamp": envelope.Now(),
		}))

	default:
		r.logger.Warn("unknown message type", "conn_id", connID, "type", env.Type)
		r.reply(connID, envelope.NewError(env.ID, envelope.ClassProtocol,
			"unknown message type: "+env.Type))
	}
}

// Stats reports the in-flight request count and the worker health
// snapshot.
func (r *Router) Stats() Stats {
	return Stats{
		InFlight: r.inFlight.Load(),
		Bridge:   r.bridge.Health(),
	}
}

// relayToWorker sends one worker-backed request and relays the outcome.
// The worker availability check happens before the bridge is contacted
// so a down worker answers immediately instead of timing out.
func (r *Router) relayToWorker(connID string, env envelope.Envelope, workerType, responseType string) {
	if !r.bridge.IsRunning() {
		r.reply(connID, envelope.NewError(env.ID, envelope.ClassService, "service unavailable"))
		return
	}

	r.inFlight.Add(1)
	defer r.inFlight.Add(-1)

	raw, err := r.bridge.Send(context.Background(), workerType, env.Data)
	if err != nil {
		r.reply(connID, envelope.NewError(env.ID, envelope.ClassOf(err), err.Error()))
		return
	}

	payload, werr := decodeWorkerReply(raw)
	if werr != "" {
		r.reply(connID, envelope.NewError(env.ID, envelope.ClassService, werr))
		return
	}

	r.reply(connID, envelope.Reply(responseType, env.ID, payload))
}

// decodeWorkerReply strips the correlation id from a flat worker
// response and surfaces an embedded error field when present.
func decodeWorkerReply(raw json.RawMessage) (json.RawMessage, string) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		// The bridge only resolves JSON lines, so this cannot normally
		// happen; treat it as an empty result.
		return json.RawMessage(`{}`), ""
	}

	if errField, ok := fields["error"]; ok {
		var msg string
		if json.Unmarshal(errField, &msg) == nil && msg != "" {
			return nil, msg
		}
	}

	delete(fields, "id")
	delete(fields, "error")

	payload, err := json.Marshal(fields)
	if err != nil {
		return json.RawMessage(`{}`), ""
	}
	return payload, ""
}

// reply delivers an envelope to the originating client. A failed or
// already removed connection is logged and otherwise ignored; the hub
// owns eviction.
func (r *Router) reply(connID string, env envelope.Envelope) {
	if !r.sender.SendToClient(connID, env) {
		r.logger.Debug("reply not delivered", "conn_id", connID, "type", env.Type)
	}
}
