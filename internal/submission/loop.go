// Package submission implements the submission loop & handlers (C9): a
// single cooperative consumer of protocol.Submission traffic that
// mutates session state directly or spawns a turnengine.Engine run per
// operation, per spec §4.2.
package submission

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/codex-core/session-engine/internal/mcpconn"
	"github.com/codex-core/session-engine/internal/protocol"
	"github.com/codex-core/session-engine/internal/session"
	"github.com/codex-core/session-engine/internal/toolrouter"
	"github.com/codex-core/session-engine/internal/turnengine"
)

// QueueCapacity is the submission channel's default bound (spec §4.2).
const QueueCapacity = 64

// TurnDefaults is the fixed, non-configuration-derived part of a turn's
// Config — the pieces that come from model capability negotiation and
// static instructions rather than from Session.Configuration.
type TurnDefaults struct {
	ModelContextWindow    int64
	AutoCompactTokenLimit int64
	BaseInstructions      string
	OutputSchema          []byte
	ToolsConfig           toolrouter.ToolsConfig
}

// Loop is the single-session submission consumer. One Loop exists per
// Session for the lifetime of the process (spec §2 "Session is created
// by spawn(), lives until Shutdown").
type Loop struct {
	subs      chan protocol.Submission
	sess      *session.Session
	engine    *turnengine.Engine
	router    *toolrouter.Router
	compactor turnengine.Compactor
	mcp       *mcpconn.Manager
	defaults  TurnDefaults

	shell string
}

// NewLoop wires a submission loop around an already-constructed Session
// and Engine sharing the same history/services. router is used for the
// RunUserShellCommand dedicated-task path; compactor (may be nil until
// C11 is wired in) backs the user-invoked Compact op; mcp (may be nil if
// no MCP servers are configured) backs ListMcpTools/RefreshMcpServers/
// ResolveElicitation.
func NewLoop(sess *session.Session, engine *turnengine.Engine, router *toolrouter.Router, compactor turnengine.Compactor, mcp *mcpconn.Manager, defaults TurnDefaults, shell string) *Loop {
	return &Loop{
		subs:      make(chan protocol.Submission, QueueCapacity),
		sess:      sess,
		engine:    engine,
		router:    router,
		compactor: compactor,
		mcp:       mcp,
		defaults:  defaults,
		shell:     shell,
	}
}

// Submit enqueues a submission, blocking if the queue is full
// (cooperative backpressure, matching the transport's mailbox
// contract) or until ctx is done.
func (l *Loop) Submit(ctx context.Context, sub protocol.Submission) error {
	select {
	case l.subs <- sub:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains submissions until Shutdown is processed or ctx is done.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case sub, ok := <-l.subs:
			if !ok {
				return
			}
			if l.handle(ctx, sub) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// handle dispatches one submission to its handler, returning true if
// the loop should stop (Shutdown processed).
func (l *Loop) handle(ctx context.Context, sub protocol.Submission) (stop bool) {
	// DecodeOp returns payload-carrying variants as pointers; switch on
	// the pointed-to value so wire-decoded submissions match too.
	if v := reflect.ValueOf(sub.Op); v.Kind() == reflect.Pointer && !v.IsNil() {
		if op, ok := v.Elem().Interface().(protocol.Op); ok {
			sub.Op = op
		}
	}
	switch op := sub.Op.(type) {
	case protocol.OpInterrupt:
		l.handleInterrupt()
	case protocol.OpUserInput:
		l.handleUserInput(sub.ID, op)
	case protocol.OpUserTurn:
		l.handleUserTurn(sub.ID, op)
	case protocol.OpOverrideTurnContext:
		l.handleOverrideTurnContext(op)
	case protocol.OpExecApproval:
		l.handleExecApproval(op)
	case protocol.OpPatchApproval:
		l.handlePatchApproval(op)
	case protocol.OpCompact:
		l.handleCompact(ctx)
	case protocol.OpUndo:
		l.handleUndo()
	case protocol.OpThreadRollback:
		l.handleThreadRollback(op)
	case protocol.OpSetThreadName:
		l.sess.SetName(op.Name)
	case protocol.OpRunUserShellCommand:
		l.handleRunUserShellCommand(sub.ID, op)
	case protocol.OpReview:
		l.handleReview(sub.ID, op)
	case protocol.OpListMcpTools:
		l.handleListMcpTools()
	case protocol.OpRefreshMcpServers:
		l.handleRefreshMcpServers(op)
	case protocol.OpResolveElicitation:
		l.handleResolveElicitation(op)
	case protocol.OpListCustomPrompts, protocol.OpListSkills,
		protocol.OpAddToHistory, protocol.OpGetHistoryEntryRequest,
		protocol.OpUserInputAnswer, protocol.OpDynamicToolResponse:
		l.sess.NotifyBackgroundEvent(fmt.Sprintf("operation %q is not available in this build", sub.Op.OpType()))
	case protocol.OpShutdown:
		l.handleShutdown()
		return true
	case protocol.UnknownOp:
		l.sess.NotifyBackgroundEvent(fmt.Sprintf("ignoring unrecognized operation %q", op.Tag))
	default:
		l.sess.NotifyBackgroundEvent(fmt.Sprintf("ignoring unhandled operation %q", sub.Op.OpType()))
	}
	return false
}

// buildTurnConfig assembles a turnengine.Config from the session's
// current Configuration plus the loop's fixed defaults.
func (l *Loop) buildTurnConfig(cfg session.Configuration) turnengine.Config {
	return turnengine.Config{
		Model:                 cfg.Model,
		ModelContextWindow:    l.defaults.ModelContextWindow,
		AutoCompactTokenLimit: l.defaults.AutoCompactTokenLimit,
		CollaborationModeKind: cfg.CollaborationMode,
		BaseInstructions:      l.defaults.BaseInstructions,
		Personality:           cfg.Personality,
		OutputSchema:          l.defaults.OutputSchema,
		ToolsConfig:           l.defaults.ToolsConfig,
		ApprovalPolicy:        cfg.ApprovalPolicy,
		SandboxPolicy:         cfg.SandboxPolicy,
		Cwd:                   cfg.Cwd,
	}
}

// SeedInitialContext records the developer/user instructions and
// environment-context preamble into history before the first submission
// is processed (spec §4.1 "Session is created by spawn()... seeded with
// the initial context"). Callers that don't want a preamble pass empty
// instructions; the environment_context entry is still recorded.
func (l *Loop) SeedInitialContext(developerInstructions, userInstructions string) {
	cfg := l.sess.Config()
	items := session.BuildInitialContext(developerInstructions, userInstructions, l.shell, cfg.Cwd)
	l.sess.RecordConversationItems(items)
}

// runTurn begins a turn, runs it on its own goroutine so the loop keeps
// consuming submissions (approvals, Interrupt) while it streams, and
// reports completion/abort/error back through the session's event
// channel (spec §4.3 invariants: TurnStarted/TurnComplete|TurnAborted
// bracket a turn; RunTurn itself emits TurnStarted/TurnComplete, and
// handleInterrupt emits TurnAborted for a canceled turn).
func (l *Loop) runTurn(subID string, cfg turnengine.Config, injected []protocol.ResponseItem) error {
	_, turnCtx, err := l.sess.BeginTurn(subID)
	if err != nil {
		return err
	}
	go func() {
		defer l.sess.EndTurn()
		_, runErr := l.engine.RunTurn(turnCtx, cfg, injected)
		if runErr == nil {
			return
		}
		if errors.Is(runErr, context.Canceled) {
			// handleInterrupt has already emitted TurnAborted.
			return
		}
		l.sess.SendEvent(protocol.MsgError{Message: runErr.Error()})
	}()
	return nil
}
