// Package hub implements the server-side connection manager.
//
// The Manager:
//   - owns every client websocket accepted by the server
//   - evicts stale connections via transport ping/pong with a pong grace
//   - intercepts application heartbeat envelopes and echoes them back
//   - forwards all other envelopes to the message router
//   - isolates per-socket failures so one bad client cannot block others
package hub
