// Package logging wraps zap for the host daemon and the worker binary.
//
// The worker must never log to stdout: stdout is the event protocol
// channel. Worker loggers therefore write to stderr only.
package logging
