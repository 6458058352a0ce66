// Package app assembles the operation tracker service: configuration,
// logging, telemetry, the operation registry with its websocket push
// pipeline, one orchestrator per operation type and the HTTP server,
// plus graceful shutdown ordering for all of them.
package app
