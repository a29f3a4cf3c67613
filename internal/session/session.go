// Package session implements session state & services (C8): the
// composition root the submission loop and turn engine share —
// configuration under a lock, the context manager, token/rate-limit
// bookkeeping, the active-turn slot, and the service handles the turn
// engine consumes (rollout recorder, transport, MCP manager).
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codex-core/session-engine/internal/convo"
	"github.com/codex-core/session-engine/internal/protocol"
	"github.com/codex-core/session-engine/internal/rollout"
	"github.com/codex-core/session-engine/internal/toolrouter"
	"github.com/codex-core/session-engine/internal/transport"
)

// Configuration is the mutable per-session configuration the submission
// loop's OverrideTurnContext handler updates (spec §4.7, §4.2).
type Configuration struct {
	Model             string
	Cwd               string
	ApprovalPolicy    protocol.AskForApproval
	SandboxPolicy     protocol.SandboxPolicy
	ReasoningEffort   string
	ReasoningSummary  string
	Personality       string
	CollaborationMode string
}

// Apply overwrites every field supplied as non-nil, leaving the rest
// untouched, matching the teacher's selective-update idiom for
// OverrideTurnContext (spec §4.2).
func (c *Configuration) Apply(u ConfigurationUpdate) {
	if u.Model != nil {
		c.Model = *u.Model
	}
	if u.Cwd != nil {
		c.Cwd = *u.Cwd
	}
	if u.ApprovalPolicy != nil {
		c.ApprovalPolicy = *u.ApprovalPolicy
	}
	if u.SandboxPolicy != nil {
		c.SandboxPolicy = *u.SandboxPolicy
	}
	if u.ReasoningSummary != nil {
		c.ReasoningSummary = *u.ReasoningSummary
	}
	if u.Personality != nil {
		c.Personality = *u.Personality
	}
	if u.CollaborationMode != nil {
		c.CollaborationMode = *u.CollaborationMode
	}
	// Effort uses the Rust double-Option convention: a nil Effort means
	// "leave unchanged"; a non-nil pointer to a nil *string means
	// "explicitly clear".
	if u.Effort != nil {
		if *u.Effort == nil {
			c.ReasoningEffort = ""
		} else {
			c.ReasoningEffort = **u.Effort
		}
	}
}

// ConfigurationUpdate mirrors OpOverrideTurnContext's optional fields.
type ConfigurationUpdate struct {
	Model             *string
	Cwd               *string
	ApprovalPolicy    *protocol.AskForApproval
	SandboxPolicy     *protocol.SandboxPolicy
	Effort            **string
	ReasoningSummary  *string
	Personality       *string
	CollaborationMode *string
}

// ActiveTurn tracks the turn currently in flight, if any, so Interrupt
// and approval routing can find it.
type ActiveTurn struct {
	SubID           string
	Cancel          context.CancelFunc
	PendingApprovals map[string]chan protocol.ReviewDecision
}

// EventPublisher delivers an Event to the transport layer for routing
// to clients (C2); Submission (C9) wires this to transport.Multiplexer.
type EventPublisher interface {
	Publish(ctx context.Context, threadID protocol.ThreadId, ev protocol.Event)
}

// Services bundles the Arc-shared collaborators the turn engine and
// tool router reach through Session (spec §4.7 "services struct").
type Services struct {
	Rollout    *rollout.Recorder
	Publisher  EventPublisher
	MCP        MCPCaller
}

// MCPCaller is the narrow surface Session needs from the MCP connection
// manager (C12) to route dynamic tool calls; satisfied by
// internal/mcpconn.Manager.
type MCPCaller interface {
	CallTool(ctx context.Context, name string, args []byte) (output string, isError bool, err error)
}

// Session is the mutex-guarded composition root for one thread.
type Session struct {
	ID   protocol.ThreadId
	Cwd  string

	mu     sync.Mutex
	config Configuration
	usage  protocol.TokenUsageInfo
	limits *protocol.RateLimitSnapshot
	active *ActiveTurn
	name   string

	history  *convo.Manager
	services Services
}

func New(id protocol.ThreadId, config Configuration, services Services) *Session {
	return &Session{
		ID:       id,
		Cwd:      config.Cwd,
		config:   config,
		history:  convo.NewManager(),
		services: services,
	}
}

// Config returns a copy of the current configuration.
func (s *Session) Config() Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// ApplyConfigUpdate updates configuration atomically under the lock.
func (s *Session) ApplyConfigUpdate(u ConfigurationUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Apply(u)
}

// History exposes the context manager for the turn engine/compactor.
func (s *Session) History() *convo.Manager { return s.history }

// BeginTurn installs a new ActiveTurn, rejecting if one is already
// running (spec §4.10 ThreadRollback's "active turn exists" check
// applies the same exclusivity).
func (s *Session) BeginTurn(subID string) (*ActiveTurn, context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, nil, fmt.Errorf("session: a turn is already active")
	}
	ctx, cancel := context.WithCancel(context.Background())
	turn := &ActiveTurn{SubID: subID, Cancel: cancel, PendingApprovals: make(map[string]chan protocol.ReviewDecision)}
	s.active = turn
	return turn, ctx, nil
}

// EndTurn clears the active-turn slot.
func (s *Session) EndTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
}

// SetName stores a user-assigned thread name (OpSetThreadName).
func (s *Session) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

// Name returns the current thread name, if any has been set.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// ActiveTurnSnapshot reports whether a turn is in flight.
func (s *Session) ActiveTurnSnapshot() *ActiveTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// AbortAllTasks cancels the active turn, if any (spec §4.7 abort_all_tasks).
func (s *Session) AbortAllTasks() {
	s.mu.Lock()
	turn := s.active
	s.mu.Unlock()
	if turn != nil {
		turn.Cancel()
	}
}

// InterruptActiveTurn cancels the active turn (if any), delivers the
// default Denied decision to every pending approval (spec §5 "Approval
// senders dropped due to cancellation cause the waiter to receive the
// default Denied decision"), and clears the active-turn slot. Reports
// whether a turn was actually active.
func (s *Session) InterruptActiveTurn() bool {
	s.mu.Lock()
	turn := s.active
	if turn == nil {
		s.mu.Unlock()
		return false
	}
	s.active = nil
	s.mu.Unlock()

	turn.Cancel()
	for id, ch := range turn.PendingApprovals {
		select {
		case ch <- protocol.ReviewDenied:
		default:
		}
		delete(turn.PendingApprovals, id)
	}
	return true
}

// UpdateTokenUsageInfo stores the latest usage snapshot.
func (s *Session) UpdateTokenUsageInfo(info protocol.TokenUsageInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = info
}

// TokenUsageInfo returns the latest known usage.
func (s *Session) TokenUsageInfo() protocol.TokenUsageInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// UpdateRateLimits merges an update into the stored snapshot, preserving
// Credits/PlanType when the update carries nil for them (spec §4.7).
func (s *Session) UpdateRateLimits(update protocol.RateLimitSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limits == nil {
		s.limits = &update
		return
	}
	merged := s.limits.Merge(update)
	s.limits = &merged
}

// RateLimits returns the latest known snapshot, if any.
func (s *Session) RateLimits() *protocol.RateLimitSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

// RecordConversationItems appends to history and persists to rollout.
func (s *Session) RecordConversationItems(items []protocol.ResponseItem) {
	s.history.RecordItems(items, convo.DefaultTruncationPolicy)
	if s.services.Rollout == nil {
		return
	}
	for _, item := range items {
		s.services.Rollout.Record(protocol.RolloutResponseItem{Item: item})
	}
}

// SendEvent publishes an event once and enqueues it for the rollout.
// Events with a legacy alias go out under the legacy tag, since
// MarshalJSON on protocol.Event performs that translation. Events are
// published with an empty ID; the submission that caused them is not
// attached.
func (s *Session) SendEvent(msg protocol.EventMsg) {
	s.publish(context.Background(), protocol.Event{ID: "", Msg: msg})
	if s.services.Rollout != nil {
		s.services.Rollout.Record(protocol.RolloutEventMsg{Msg: msg})
	}
}

// SendEventRawFlushed blocks until the rollout write durably lands
// before publishing, for events whose receivers read the rollout file
// synchronously (spec §4.7 send_event_raw_flushed). Like SendEvent, it
// publishes with an empty ID.
func (s *Session) SendEventRawFlushed(msg protocol.EventMsg) {
	if s.services.Rollout != nil {
		s.services.Rollout.Record(protocol.RolloutEventMsg{Msg: msg})
		_ = s.services.Rollout.Flush()
	}
	s.publish(context.Background(), protocol.Event{ID: "", Msg: msg})
}

func (s *Session) publish(ctx context.Context, ev protocol.Event) {
	if s.services.Publisher != nil {
		s.services.Publisher.Publish(ctx, s.ID, ev)
	}
}

// NotifyStreamError emits a StreamError event (spec §4.3 "A StreamError
// event is emitted before each sleep").
func (s *Session) NotifyStreamError(attempt, max int, err error) {
	s.SendEvent(protocol.MsgStreamError{Message: err.Error(), Attempt: attempt, Max: max})
}

// NotifyBackgroundEvent emits a warning-level background notice.
func (s *Session) NotifyBackgroundEvent(message string) {
	s.SendEvent(protocol.MsgWarning{Message: message})
}

// FlushRollout durably syncs the rollout recorder.
func (s *Session) FlushRollout() error {
	if s.services.Rollout == nil {
		return nil
	}
	return s.services.Rollout.Flush()
}

// ShutdownRollout flushes and closes the rollout recorder (spec §4.2
// Shutdown: "terminate... flush and close the rollout recorder").
func (s *Session) ShutdownRollout() error {
	if s.services.Rollout == nil {
		return nil
	}
	return s.services.Rollout.Shutdown()
}

// PersistRolloutItems writes items directly (used for session meta and
// turn-context snapshots that don't flow through history).
func (s *Session) PersistRolloutItems(items ...protocol.RolloutItem) {
	if s.services.Rollout == nil {
		return
	}
	for _, item := range items {
		s.services.Rollout.Record(item)
	}
}

// --- toolrouter.EventSink ---

func (s *Session) ExecCommandBegin(callID string, command []string, cwd string, parsed []protocol.ParsedCommand, source string) {
	s.SendEvent(protocol.MsgExecCommandBegin{CallID: callID, Command: command, Cwd: cwd, ParsedCmd: parsed, Source: source})
}

func (s *Session) ExecCommandOutputDelta(callID, stream string, chunk []byte) {
	s.SendEvent(protocol.MsgExecCommandOutputDelta{CallID: callID, Stream: stream, Chunk: chunk})
}

func (s *Session) ExecCommandEnd(callID, stdout, stderr, aggregated string, exitCode int, durationMs int64, formatted string) {
	s.SendEvent(protocol.MsgExecCommandEnd{
		CallID: callID, Stdout: stdout, Stderr: stderr, AggregatedOutput: aggregated,
		ExitCode: exitCode, DurationMs: durationMs, FormattedOutput: formatted,
	})
}

func (s *Session) RequestCommandApproval(ctx context.Context, callID string, command []string, cwd, reason string) (protocol.ReviewDecision, error) {
	return s.awaitApproval(ctx, callID, func(id string) {
		s.SendEvent(protocol.MsgExecApprovalRequest{ID: id, CallID: callID, Command: command, Cwd: cwd, Reason: reason})
	})
}

func (s *Session) RequestPatchApproval(ctx context.Context, callID string, files []string, reason string) (protocol.ReviewDecision, error) {
	return s.awaitApproval(ctx, callID, func(id string) {
		s.SendEvent(protocol.MsgApplyPatchApprovalRequest{ID: id, CallID: callID, Files: files, Reason: reason})
	})
}

// awaitApproval registers a pending decision channel on the active
// turn, emits the request event, and blocks until ResolveApproval
// delivers a decision or ctx is canceled.
func (s *Session) awaitApproval(ctx context.Context, requestID string, emit func(id string)) (protocol.ReviewDecision, error) {
	s.mu.Lock()
	turn := s.active
	if turn == nil {
		s.mu.Unlock()
		return "", fmt.Errorf("session: no active turn to attach an approval to")
	}
	ch := make(chan protocol.ReviewDecision, 1)
	turn.PendingApprovals[requestID] = ch
	s.mu.Unlock()

	emit(requestID)

	select {
	case decision := <-ch:
		return decision, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ResolveApproval delivers a decision to a pending approval, used by the
// submission loop's ExecApproval/PatchApproval handlers.
func (s *Session) ResolveApproval(requestID string, decision protocol.ReviewDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return fmt.Errorf("session: no active turn")
	}
	ch, ok := s.active.PendingApprovals[requestID]
	if !ok {
		return fmt.Errorf("session: no pending approval %s", requestID)
	}
	delete(s.active.PendingApprovals, requestID)
	ch <- decision
	return nil
}

// SandboxState is the session's current sandbox policy and cwd, as
// returned by Session.SandboxState. The session does not pass it to the
// MCP connection manager.
type SandboxState struct {
	Policy protocol.SandboxPolicy
	Cwd    string
}

func (s *Session) SandboxState() SandboxState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SandboxState{Policy: s.config.SandboxPolicy, Cwd: s.config.Cwd}
}

var _ toolrouter.EventSink = (*Session)(nil)

// BuildInitialContext assembles the developer/user-instructions and
// environment entries recorded at session start (spec §4.9).
func BuildInitialContext(developerInstructions, userInstructions, shell, cwd string) []protocol.ResponseItem {
	var items []protocol.ResponseItem
	if developerInstructions != "" {
		items = append(items, protocol.ItemMessage{
			Role:    "developer",
			Content: []protocol.ContentItem{{Type: protocol.ContentInputText, Text: developerInstructions}},
		})
	}
	if userInstructions != "" {
		items = append(items, protocol.ItemMessage{
			Role:    "user",
			Content: []protocol.ContentItem{{Type: protocol.ContentInputText, Text: userInstructions}},
		})
	}
	items = append(items, protocol.ItemMessage{
		Role: "developer",
		Content: []protocol.ContentItem{{
			Type: protocol.ContentInputText,
			Text: fmt.Sprintf("<environment_context>\ncwd: %s\nshell: %s\n</environment_context>", cwd, shell),
		}},
	})
	return items
}

// NewThreadID generates a fresh thread id and records the creation time
// the caller should stamp into RolloutSessionMeta.
func NewThreadID() (protocol.ThreadId, time.Time) {
	return protocol.NewThreadId(), time.Now().UTC()
}

// MultiplexerPublisher adapts transport.Multiplexer to EventPublisher,
// broadcasting every event to all connections whose session is
// initialized (spec §4.1 "emits... out to all clients").
type MultiplexerPublisher struct {
	Mux *transport.Multiplexer
}

func (p *MultiplexerPublisher) Publish(ctx context.Context, threadID protocol.ThreadId, ev protocol.Event) {
	msg, err := protocol.NewEventNotification(ev)
	if err != nil {
		return
	}
	p.Mux.Route(ctx, transport.Envelope{Broadcast: true, Message: msg})
}

var _ EventPublisher = (*MultiplexerPublisher)(nil)
