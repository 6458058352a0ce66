// Package http is the HTTP surface of the operation tracker: start
// routes per operation type, the uniform read/cancel API under
// /api/operations, websocket push, health probes and the Prometheus
// scrape endpoint.
//
// The same routes a local client calls are the ones a proxying peer
// calls, which is what keeps local and remote execution symmetric.
package http
