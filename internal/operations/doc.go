// Package operations tracks long-running background work for the research
// platform: data loads, model training runs and strategy backtests.
//
// The Service is the single registry every client talks to. It caches
// operation snapshots with a TTL and pulls fresh data from exactly one
// backing per operation: a Bridge when the worker runs in-process, or a
// Proxy when the worker runs on a remote peer exposing the same HTTP
// surface. Cancellation is cooperative through a shared CancelToken; the
// Orchestrator normalizes every worker outcome (return, error, panic,
// cancellation marker) into the operation's terminal state.
//
// Clients never wait on a worker. Reads are either cache hits or bounded
// memory/HTTP pulls, and metrics are delivered at-least-once through a
// monotonic cursor over an append-only log.
package operations
