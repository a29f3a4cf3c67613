package submission

import (
	"fmt"

	"github.com/codex-core/session-engine/internal/protocol"
)

// handleInterrupt cancels the active turn (if any) and emits
// TurnAborted itself — the turn's own goroutine does not, since by the
// time Cancel() returns the interrupt handler has already taken
// ownership of that event (spec §4.3 "the interrupt handler already
// emitted TurnAborted").
func (l *Loop) handleInterrupt() {
	if l.sess.InterruptActiveTurn() {
		l.sess.SendEventRawFlushed(protocol.MsgTurnAborted{Reason: protocol.AbortInterrupted})
	}
}

func (l *Loop) handleExecApproval(op protocol.OpExecApproval) {
	l.resolveApproval(op.ID, op.Decision)
}

func (l *Loop) handlePatchApproval(op protocol.OpPatchApproval) {
	l.resolveApproval(op.ID, op.Decision)
}

// resolveApproval delivers a decision to a pending approval. Abort is
// special-cased: it triggers Interrupt instead of being forwarded as a
// plain decision (spec §4.2 "ReviewDecision::Abort triggers Interrupt
// instead").
func (l *Loop) resolveApproval(id string, decision protocol.ReviewDecision) {
	if decision == protocol.ReviewAbort {
		l.handleInterrupt()
		return
	}
	if err := l.sess.ResolveApproval(id, decision); err != nil {
		l.sess.NotifyBackgroundEvent(fmt.Sprintf("approval %s: %v", id, err))
		return
	}
	if decision == protocol.ReviewApprovedExecAmendment {
		// Persisting the amendment to disk and recording a developer-
		// visible note of the approved command prefix belongs to the
		// exec-policy store (out of scope for this core); surface it as
		// a warning instead of silently dropping it, matching spec
		// §4.2's "failures are surfaced as warnings, not fatal".
		l.sess.NotifyBackgroundEvent("execpolicy amendment persistence is not available in this build")
	}
}
