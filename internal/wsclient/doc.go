// Package wsclient implements the client-side connection manager.
//
// A Client owns exactly one websocket to the playground server:
//   - queues outbound envelopes while disconnected, flushes FIFO on open
//   - reconnects with exponential backoff, bounded by MaxReconnectAttempts
//   - sends application heartbeats and classifies missed responses
//   - surfaces every failure through observer callbacks, never a panic
package wsclient
