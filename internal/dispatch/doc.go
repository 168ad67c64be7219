// Package dispatch applies worker events to host state. A single goroutine
// consumes the supervisor's tagged stream, so all store mutations for one
// session happen in the exact order the worker emitted them and sessions
// can never corrupt each other's state.
package dispatch
