package submission

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codex-core/session-engine/internal/protocol"
	"github.com/codex-core/session-engine/internal/toolrouter"
)

// handleCompact runs a dedicated compaction pass if a Compactor has
// been wired in (spec §4.11); compaction crossing the auto-compact
// limit during a normal turn is already handled inside turnengine, this
// path is for the user-invoked Compact op.
func (l *Loop) handleCompact(ctx context.Context) {
	if l.compactor == nil {
		l.sess.NotifyBackgroundEvent("compaction is not available in this build")
		return
	}
	if l.sess.ActiveTurnSnapshot() != nil {
		l.sess.SendEvent(protocol.MsgError{Message: "a turn is already active", CodexErrorInfo: protocol.ErrInfoBadRequest})
		return
	}
	if err := l.compactor.Compact(ctx); err != nil {
		l.sess.SendEvent(protocol.MsgError{Message: fmt.Sprintf("compaction failed: %v", err)})
	}
}

// handleUndo reverts the last turn by rolling back one user turn (spec
// §4.10 "Undo... share the active-turn slot and interrupt semantics"
// with ThreadRollback).
func (l *Loop) handleUndo() {
	l.rollback(1)
}

func (l *Loop) handleThreadRollback(op protocol.OpThreadRollback) {
	l.rollback(op.NumTurns)
}

func (l *Loop) rollback(numTurns int) {
	if numTurns == 0 || l.sess.ActiveTurnSnapshot() != nil {
		l.sess.SendEvent(protocol.MsgError{Message: "thread rollback rejected: no turns requested or a turn is active", CodexErrorInfo: protocol.ErrInfoThreadRollbackFailed})
		return
	}
	history := l.sess.History()
	history.DropLastNUserTurns(numTurns)
	estimate := history.EstimateTokenCount(l.defaults.BaseInstructions)
	l.sess.UpdateTokenUsageInfo(protocol.TokenUsageInfo{
		TotalTokenUsage:    protocol.TokenUsage{Total: int64(estimate)},
		ModelContextWindow: l.defaults.ModelContextWindow,
	})
	l.sess.SendEventRawFlushed(protocol.MsgThreadRolledBack{NumTurns: numTurns})
}

// handleRunUserShellCommand runs a single exec_command invocation as a
// dedicated session task sharing the active-turn slot, without going
// through the full sampling-request loop (spec §4.10).
func (l *Loop) handleRunUserShellCommand(subID string, op protocol.OpRunUserShellCommand) {
	if l.router == nil {
		l.sess.NotifyBackgroundEvent("run_user_shell_command is not available in this build")
		return
	}
	_, turnCtx, err := l.sess.BeginTurn(subID)
	if err != nil {
		l.sess.SendEvent(protocol.MsgError{Message: err.Error(), CodexErrorInfo: protocol.ErrInfoBadRequest})
		return
	}

	cfg := l.sess.Config()
	args, marshalErr := json.Marshal(struct {
		Command []string `json:"command"`
	}{Command: []string{"sh", "-c", op.Command}})
	if marshalErr != nil {
		l.sess.EndTurn()
		l.sess.SendEvent(protocol.MsgError{Message: marshalErr.Error()})
		return
	}
	call := toolrouter.ToolInvocation{CallID: subID, Name: "exec_command", Arguments: args}
	deps := &toolrouter.Deps{
		ApprovalPolicy: cfg.ApprovalPolicy,
		Cwd:            cfg.Cwd,
		Sandbox:        cfg.SandboxPolicy,
		Sink:           l.sess,
	}

	go func() {
		defer l.sess.EndTurn()
		result, fcErr := l.router.DispatchToolCall(turnCtx, deps, call)
		if fcErr != nil {
			l.sess.SendEvent(protocol.MsgError{Message: fcErr.Message})
			return
		}
		l.sess.RecordConversationItems([]protocol.ResponseItem{result})
	}()
}

// handleReview spawns a review turn: the same sampling-request loop,
// flavored with the "review" collaboration mode so the model's system
// instructions switch into review behavior, seeded with the review
// request as the user input (spec §3 groups Review among the
// turn-spawning ops; no further shape is specified for its payload, so
// the raw JSON request is passed through as review context).
func (l *Loop) handleReview(subID string, op protocol.OpReview) {
	cfg := l.buildTurnConfig(l.sess.Config())
	cfg.CollaborationModeKind = "review"
	injected := []protocol.ResponseItem{
		protocol.ItemMessage{
			Role:    "user",
			Content: []protocol.ContentItem{{Type: protocol.ContentInputText, Text: string(op.Request)}},
		},
	}
	if err := l.runTurn(subID, cfg, injected); err != nil {
		l.sess.SendEvent(protocol.MsgError{Message: err.Error(), CodexErrorInfo: protocol.ErrInfoBadRequest})
	}
}
