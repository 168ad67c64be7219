// Package message keeps per-session conversation history, the streaming
// buffers that accumulate partial output between message events, and the
// host-side follow-up queue used while a session is busy.
package message
