package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/agentdeck/agentdeck/internal/infrastructure/logging"
	"github.com/agentdeck/agentdeck/internal/protocol"
)

// fakeWorker writes a shell script that plays the worker's part on
// stdin/stdout.
func fakeWorker(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func newSupervisor(t *testing.T, binPath string) *Supervisor {
	t.Helper()
	s := New(Options{BinPath: binPath})
	t.Cleanup(s.Close)
	return s
}

func recvEvent(t *testing.T, s *Supervisor) TaggedEvent {
	t.Helper()
	select {
	case evt, ok := <-s.Events():
		require.True(t, ok, "event channel closed early")
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("no event arrived")
		return TaggedEvent{}
	}
}

func TestEventsTaggedAndOrdered(t *testing.T) {
	bin := fakeWorker(t, `
echo '{"type":"session_started","sessionId":"s1","providerConversationId":"p1"}'
echo '{"type":"content_delta","sessionId":"s1","delta":"hi"}'
echo '{"type":"session_completed","sessionId":"s1","providerConversationId":"p1"}'
`)
	s := newSupervisor(t, bin)
	require.NoError(t, s.Spawn("s1"))

	first := recvEvent(t, s)
	assert.Equal(t, "s1", first.SessionID)
	assert.Equal(t, protocol.EvtSessionStarted, first.Event.EventType())
	assert.Equal(t, protocol.EvtContentDelta, recvEvent(t, s).Event.EventType())
	assert.Equal(t, protocol.EvtSessionCompleted, recvEvent(t, s).Event.EventType())
}

func TestUndecodableLinesDropped(t *testing.T) {
	bin := fakeWorker(t, `
echo 'not json at all'
echo '{"type":"session_failed","sessionId":"s1","error":"x"}'
`)
	s := newSupervisor(t, bin)
	require.NoError(t, s.Spawn("s1"))

	// The garbage line is skipped, not forwarded and not fatal.
	evt := recvEvent(t, s)
	assert.Equal(t, protocol.EvtSessionFailed, evt.Event.EventType())
}

func TestSendReachesWorkerStdin(t *testing.T) {
	// The script echoes back a fixed event for every stdin line it reads.
	bin := fakeWorker(t, `
while read line; do
  echo '{"type":"session_started","sessionId":"s1","providerConversationId":"p1"}'
done
`)
	s := newSupervisor(t, bin)
	require.NoError(t, s.Spawn("s1"))

	require.NoError(t, s.Send("s1", protocol.EndSession{Type: protocol.CmdEndSession, SessionID: "s1"}))
	assert.Equal(t, protocol.EvtSessionStarted, recvEvent(t, s).Event.EventType())
}

func TestSendWithoutWorker(t *testing.T) {
	s := newSupervisor(t, "/bin/true")
	err := s.Send("ghost", protocol.EndSession{Type: protocol.CmdEndSession, SessionID: "ghost"})
	assert.ErrorIs(t, err, ErrNoWorker)
}

func TestOneWorkerPerSession(t *testing.T) {
	bin := fakeWorker(t, `cat >/dev/null`)
	s := newSupervisor(t, bin)
	require.NoError(t, s.Spawn("s1"))
	assert.Error(t, s.Spawn("s1"))
	assert.True(t, s.Alive("s1"))
}

func TestWorkerExitUntracked(t *testing.T) {
	bin := fakeWorker(t, `exit 0`)
	s := newSupervisor(t, bin)
	require.NoError(t, s.Spawn("s1"))

	require.Eventually(t, func() bool { return !s.Alive("s1") }, 2*time.Second, 10*time.Millisecond)

	// A dead worker can be replaced.
	require.NoError(t, s.Spawn("s1"))
}

func TestFinalStderrRelayedBeforeReap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	bin := fakeWorker(t, `
echo 'last gasp' >&2
exit 0
`)
	s := New(Options{BinPath: bin, Logger: &logging.Logger{Logger: zap.New(core)}})
	t.Cleanup(s.Close)
	require.NoError(t, s.Spawn("s1"))

	require.Eventually(t, func() bool { return !s.Alive("s1") }, 2*time.Second, 10*time.Millisecond)

	// Once the worker is reaped, every stderr line must already be relayed.
	var found bool
	for _, entry := range logs.All() {
		for _, field := range entry.Context {
			if field.Key == "line" && field.String == "last gasp" {
				found = true
			}
		}
	}
	assert.True(t, found, "final stderr line lost")
}

func TestRemoveKillsWorker(t *testing.T) {
	bin := fakeWorker(t, `cat >/dev/null`)
	s := newSupervisor(t, bin)
	require.NoError(t, s.Spawn("s1"))

	s.Remove("s1")
	require.Eventually(t, func() bool { return !s.Alive("s1") }, 2*time.Second, 10*time.Millisecond)

	// Removing again is a no-op.
	s.Remove("s1")
}

func TestCloseDrainsAndClosesChannel(t *testing.T) {
	bin := fakeWorker(t, `cat >/dev/null`)
	s := New(Options{BinPath: bin})
	require.NoError(t, s.Spawn("s1"))

	s.Close()
	_, ok := <-s.Events()
	assert.False(t, ok)

	assert.Error(t, s.Spawn("s2"))
}
