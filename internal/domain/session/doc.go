// Package session holds the authoritative in-memory session state and its
// lifecycle state machine. Every transition is mirrored to storage
// fire-and-forget; storage failures never roll back in-memory state.
package session
