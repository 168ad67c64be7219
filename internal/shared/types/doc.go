// Package types holds the domain model shared across stores, dispatcher,
// storage and API layers: sessions and their lifecycle statuses, persisted
// messages, queued follow-ups and pending tool approvals.
package types
