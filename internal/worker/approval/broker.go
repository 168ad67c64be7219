// Package approval correlates outbound tool-approval requests with the
// approve/deny responses that arrive asynchronously from the host.
//
// Each request registers a single-resolution channel keyed by request id.
// Resolve delivers exactly one decision; an abort rejects every pending
// request so no tool call hangs forever. Grounded on the request/response
// correlation pattern rather than any particular runtime primitive.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrAborted is returned to waiters when the session aborts before a
// decision arrives.
var ErrAborted = errors.New("approval: session aborted")

// Decision is the operator's answer to a tool-approval request.
type Decision struct {
	Allowed            bool
	UpdatedPermissions json.RawMessage
}

// Broker holds the pending resolvers for one worker process.
type Broker struct {
	mu      sync.Mutex
	pending map[string]chan Decision
	aborted bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{pending: make(map[string]chan Decision)}
}

// Wait registers requestID and blocks until the matching Resolve, an Abort,
// or ctx cancellation.
func (b *Broker) Wait(ctx context.Context, requestID string) (Decision, error) {
	b.mu.Lock()
	if b.aborted {
		b.mu.Unlock()
		return Decision{}, ErrAborted
	}
	ch := make(chan Decision, 1)
	b.pending[requestID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
	}()

	select {
	case d, ok := <-ch:
		if !ok {
			return Decision{}, ErrAborted
		}
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Resolve delivers the decision for requestID. An unknown id is a no-op and
// reports false; a request resolves at most once.
func (b *Broker) Resolve(requestID string, d Decision) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.pending[requestID]
	if !ok {
		return false
	}
	delete(b.pending, requestID)
	ch <- d
	return true
}

// Abort rejects every pending request and makes future Waits fail
// immediately.
func (b *Broker) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.aborted {
		return
	}
	b.aborted = true
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
}

// Pending reports the number of unresolved requests.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
