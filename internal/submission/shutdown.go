package submission

import "github.com/codex-core/session-engine/internal/protocol"

// handleShutdown aborts any active turn (through handleInterrupt, so an
// aborted turn gets its TurnAborted), writes and flushes ShutdownComplete
// to the rollout, publishes it, and then closes the rollout recorder
// before the loop stops (spec §4.2 Shutdown). The recorder is still open
// when ShutdownComplete is published.
func (l *Loop) handleShutdown() {
	l.handleInterrupt()
	l.sess.SendEventRawFlushed(protocol.MsgShutdownComplete{})
	_ = l.sess.ShutdownRollout()
}
