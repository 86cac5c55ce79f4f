// Package envelope defines the uniform message schema shared by every
// boundary in the playground: browser sockets, the server hub, and the
// worker IPC channel all speak envelopes.
package envelope
