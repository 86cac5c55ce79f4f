// Package router dispatches inbound client envelopes.
//
// The Router is the single entry point for everything a client sends:
// worker-backed types are translated into bridge requests and the
// correlated response (or a structured error) is relayed back to the
// originating client; local types are answered directly; unrecognized
// types get an explicit error instead of being dropped.
package router
