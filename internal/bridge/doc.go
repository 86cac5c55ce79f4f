// Package bridge supervises the single long-running agent worker.
//
// The Bridge:
//   - spawns the worker and waits for its readiness marker
//   - speaks newline-delimited JSON over the worker's stdin/stdout
//   - correlates requests and responses by id, one timer per request
//   - restarts the worker on unintentional exits, up to a bounded number
//     of attempts, then parks in a failed state until an explicit Start
//
// The worker process is exclusively owned by the Bridge; nothing else in
// the repository touches it.
package bridge
