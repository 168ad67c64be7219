// Package monitoring exposes Prometheus metrics for the orchestration
// layer: session lifecycle, worker processes, event dispatch and the UI
// event stream.
package monitoring
