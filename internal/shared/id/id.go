// Package id provides ULID-based identifier generation for the host.
//
// IDs are lexicographically sortable and carry a type prefix so logs stay
// readable (sess_*, msg_*, req_*, queue_*).
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefixes for the identifier kinds the host mints.
const (
	SessionPrefix = "sess"
	MessagePrefix = "msg"
	RequestPrefix = "req"
	QueuePrefix   = "queue"
)

// Generator mints prefixed ULIDs.
type Generator struct {
	entropy io.Reader
	mu      sync.Mutex // entropy readers are not safe for concurrent use
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator(rand.Reader)
	})
	return defaultGenerator
}

// NewGenerator creates a generator with the given entropy source. Tests may
// pass a deterministic reader.
func NewGenerator(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate returns a bare ULID string.
func (g *Generator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

// Prefixed returns "<prefix>_<ulid>".
func (g *Generator) Prefixed(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate())
}

// NewSessionID mints a session identifier.
func NewSessionID() string { return Default().Prefixed(SessionPrefix) }

// NewMessageID mints a message identifier.
func NewMessageID() string { return Default().Prefixed(MessagePrefix) }

// NewRequestID mints a tool-approval request identifier.
func NewRequestID() string { return Default().Prefixed(RequestPrefix) }

// NewQueueID mints a queued-message identifier.
func NewQueueID() string { return Default().Prefixed(QueuePrefix) }

// Prefix reports the type prefix of a prefixed id, or "" for a bare ULID.
func Prefix(s string) string {
	i := strings.IndexByte(s, '_')
	if i < 0 {
		return ""
	}
	return s[:i]
}
