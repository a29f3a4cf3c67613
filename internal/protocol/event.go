package protocol

import (
	"encoding/json"
	"fmt"
)

// Event is a server-authored notification. ID mirrors the Submission.ID
// that caused it, or "" for the session-opening SessionConfigured event.
type Event struct {
	ID  string   `json:"id"`
	Msg EventMsg `json:"msg"`
}

// EventMsg is the tagged union of everything the session can emit. It is
// explicitly non-exhaustive: new variants are additive and a permissive
// decoder should be used by any forwarding component.
type EventMsg interface {
	EventType() string
}

const (
	EventError                   = "error"
	EventWarning                 = "warning"
	EventSessionConfigured       = "session_configured"
	EventTurnStarted             = "turn_started"
	EventTurnComplete            = "turn_complete"
	EventTurnAborted             = "turn_aborted"
	EventTokenCount              = "token_count"
	EventItemStarted             = "item_started"
	EventItemCompleted           = "item_completed"
	EventAgentMessageContentDelta = "agent_message_content_delta"
	EventReasoningContentDelta    = "reasoning_content_delta"
	EventReasoningRawContentDelta = "reasoning_raw_content_delta"
	EventPlanDelta                = "plan_delta"
	EventExecCommandBegin         = "exec_command_begin"
	EventExecCommandOutputDelta   = "exec_command_output_delta"
	EventExecCommandEnd           = "exec_command_end"
	EventMcpToolCallBegin         = "mcp_tool_call_begin"
	EventMcpToolCallEnd           = "mcp_tool_call_end"
	EventPatchApplyBegin          = "patch_apply_begin"
	EventPatchApplyEnd            = "patch_apply_end"
	EventExecApprovalRequest      = "exec_approval_request"
	EventApplyPatchApprovalRequest = "apply_patch_approval_request"
	EventUserInputRequest         = "user_input_request"
	EventTurnDiff                 = "turn_diff"
	EventContextCompacted         = "context_compacted"
	EventThreadRolledBack         = "thread_rolled_back"
	EventStreamError              = "stream_error"
	EventShutdownComplete         = "shutdown_complete"

	// Legacy aliases (spec §6.2): accepted on input, used on output in
	// place of the canonical turn_started/turn_complete tags.
	EventLegacyTaskStarted  = "task_started"
	EventLegacyTaskComplete = "task_complete"
)

type CodexErrorInfo string

const (
	ErrInfoBadRequest            CodexErrorInfo = "bad_request"
	ErrInfoContextWindowExceeded CodexErrorInfo = "context_window_exceeded"
	ErrInfoUsageLimitReached     CodexErrorInfo = "usage_limit_reached"
	ErrInfoThreadRollbackFailed  CodexErrorInfo = "thread_rollback_failed"
)

type MsgError struct {
	Message        string         `json:"message"`
	CodexErrorInfo CodexErrorInfo `json:"codex_error_info,omitempty"`
}

func (MsgError) EventType() string { return EventError }

type MsgWarning struct {
	Message string `json:"message"`
}

func (MsgWarning) EventType() string { return EventWarning }

type MsgSessionConfigured struct {
	SessionID         ThreadId       `json:"session_id"`
	ForkedFromID      *ThreadId      `json:"forked_from_id,omitempty"`
	Model             string         `json:"model"`
	ApprovalPolicy    AskForApproval `json:"approval_policy"`
	SandboxPolicy     SandboxPolicy  `json:"sandbox_policy"`
	Cwd               string         `json:"cwd"`
	ReasoningEffort    string        `json:"reasoning_effort,omitempty"`
	HistoryLogID      string         `json:"history_log_id,omitempty"`
	HistoryEntryCount int            `json:"history_entry_count"`
	InitialMessages   []ResponseItem `json:"-"`
	RolloutPath       string         `json:"rollout_path"`
}

func (MsgSessionConfigured) EventType() string { return EventSessionConfigured }

type MsgTurnStarted struct {
	ModelContextWindow  int64  `json:"model_context_window"`
	CollaborationModeKind string `json:"collaboration_mode_kind,omitempty"`
}

func (MsgTurnStarted) EventType() string { return EventTurnStarted }

type MsgTurnComplete struct {
	LastAgentMessage string `json:"last_agent_message,omitempty"`
}

func (MsgTurnComplete) EventType() string { return EventTurnComplete }

type TurnAbortReason string

const (
	AbortInterrupted TurnAbortReason = "interrupted"
	AbortReplaced    TurnAbortReason = "replaced"
	AbortReviewEnded TurnAbortReason = "review_ended"
)

type MsgTurnAborted struct {
	Reason TurnAbortReason `json:"reason"`
}

func (MsgTurnAborted) EventType() string { return EventTurnAborted }

type MsgTokenCount struct {
	Info       TokenUsageInfo     `json:"info"`
	RateLimits *RateLimitSnapshot `json:"rate_limits,omitempty"`
}

func (MsgTokenCount) EventType() string { return EventTokenCount }

type MsgItemStarted struct {
	ItemID string `json:"item_id"`
	Kind   string `json:"kind"`
}

func (MsgItemStarted) EventType() string { return EventItemStarted }

type MsgItemCompleted struct {
	ItemID string       `json:"item_id"`
	Item   ResponseItem `json:"-"`
}

func (MsgItemCompleted) EventType() string { return EventItemCompleted }

type MsgAgentMessageContentDelta struct {
	ItemID string `json:"item_id"`
	Delta  string `json:"delta"`
}

func (MsgAgentMessageContentDelta) EventType() string { return EventAgentMessageContentDelta }

type MsgReasoningContentDelta struct {
	ItemID string `json:"item_id"`
	Delta  string `json:"delta"`
}

func (MsgReasoningContentDelta) EventType() string { return EventReasoningContentDelta }

type MsgReasoningRawContentDelta struct {
	ItemID string `json:"item_id"`
	Delta  string `json:"delta"`
}

func (MsgReasoningRawContentDelta) EventType() string { return EventReasoningRawContentDelta }

type MsgPlanDelta struct {
	ItemID string `json:"item_id"`
	Delta  string `json:"delta"`
}

func (MsgPlanDelta) EventType() string { return EventPlanDelta }

type ParsedCommand struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
}

type MsgExecCommandBegin struct {
	CallID      string          `json:"call_id"`
	Command     []string        `json:"command"`
	Cwd         string          `json:"cwd"`
	ParsedCmd   []ParsedCommand `json:"parsed_cmd,omitempty"`
	Source      string          `json:"source,omitempty"`
}

func (MsgExecCommandBegin) EventType() string { return EventExecCommandBegin }

type MsgExecCommandOutputDelta struct {
	CallID string `json:"call_id"`
	Stream string `json:"stream"` // "stdout" | "stderr"
	Chunk  []byte `json:"chunk"`  // base64-encoded by encoding/json
}

func (MsgExecCommandOutputDelta) EventType() string { return EventExecCommandOutputDelta }

type MsgExecCommandEnd struct {
	CallID           string  `json:"call_id"`
	Stdout           string  `json:"stdout"`
	Stderr           string  `json:"stderr"`
	AggregatedOutput string  `json:"aggregated_output"`
	ExitCode         int     `json:"exit_code"`
	DurationMs       int64   `json:"duration_ms"`
	FormattedOutput  string  `json:"formatted_output,omitempty"`
}

func (MsgExecCommandEnd) EventType() string { return EventExecCommandEnd }

type MsgMcpToolCallBegin struct {
	CallID string          `json:"call_id"`
	Server string          `json:"server"`
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args,omitempty"`
}

func (MsgMcpToolCallBegin) EventType() string { return EventMcpToolCallBegin }

type MsgMcpToolCallEnd struct {
	CallID  string `json:"call_id"`
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
}

func (MsgMcpToolCallEnd) EventType() string { return EventMcpToolCallEnd }

type MsgPatchApplyBegin struct {
	CallID string   `json:"call_id"`
	Files  []string `json:"files"`
}

func (MsgPatchApplyBegin) EventType() string { return EventPatchApplyBegin }

type MsgPatchApplyEnd struct {
	CallID  string `json:"call_id"`
	Success bool   `json:"success"`
}

func (MsgPatchApplyEnd) EventType() string { return EventPatchApplyEnd }

type MsgExecApprovalRequest struct {
	ID      string   `json:"id"`
	CallID  string   `json:"call_id"`
	Command []string `json:"command"`
	Cwd     string   `json:"cwd"`
	Reason  string   `json:"reason,omitempty"`
}

func (MsgExecApprovalRequest) EventType() string { return EventExecApprovalRequest }

type MsgApplyPatchApprovalRequest struct {
	ID     string   `json:"id"`
	CallID string   `json:"call_id"`
	Files  []string `json:"files"`
	Reason string   `json:"reason,omitempty"`
}

func (MsgApplyPatchApprovalRequest) EventType() string { return EventApplyPatchApprovalRequest }

type MsgUserInputRequest struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

func (MsgUserInputRequest) EventType() string { return EventUserInputRequest }

type MsgTurnDiff struct {
	UnifiedDiff string `json:"unified_diff"`
}

func (MsgTurnDiff) EventType() string { return EventTurnDiff }

type MsgContextCompacted struct {
	Message string `json:"message"`
}

func (MsgContextCompacted) EventType() string { return EventContextCompacted }

type MsgThreadRolledBack struct {
	NumTurns int `json:"num_turns"`
}

func (MsgThreadRolledBack) EventType() string { return EventThreadRolledBack }

type MsgStreamError struct {
	Message string `json:"message"`
	Attempt int    `json:"attempt"`
	Max     int    `json:"max"`
}

func (MsgStreamError) EventType() string { return EventStreamError }

type MsgShutdownComplete struct{}

func (MsgShutdownComplete) EventType() string { return EventShutdownComplete }

// canonicalEventTag maps an input tag (possibly a legacy alias) to the
// canonical tag used for dispatch.
func canonicalEventTag(tag string) string {
	switch tag {
	case EventLegacyTaskStarted:
		return EventTurnStarted
	case EventLegacyTaskComplete:
		return EventTurnComplete
	default:
		return tag
	}
}

// outputEventTag maps a canonical tag to the tag used when serializing
// for output; turn_started/turn_complete are emitted in their legacy
// form per spec §6.2.
func outputEventTag(tag string) string {
	switch tag {
	case EventTurnStarted:
		return EventLegacyTaskStarted
	case EventTurnComplete:
		return EventLegacyTaskComplete
	default:
		return tag
	}
}

// DecodeEventMsg parses a tagged EventMsg discriminated by "type",
// accepting the task_started/task_complete legacy aliases as input.
func DecodeEventMsg(raw json.RawMessage) (EventMsg, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("protocol: decode event tag: %w", err)
	}
	decode := func(v EventMsg) (EventMsg, error) {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("protocol: decode event %q: %w", tag.Type, err)
		}
		return v, nil
	}
	switch canonicalEventTag(tag.Type) {
	case EventError:
		return decode(&MsgError{})
	case EventWarning:
		return decode(&MsgWarning{})
	case EventSessionConfigured:
		return decode(&MsgSessionConfigured{})
	case EventTurnStarted:
		return decode(&MsgTurnStarted{})
	case EventTurnComplete:
		return decode(&MsgTurnComplete{})
	case EventTurnAborted:
		return decode(&MsgTurnAborted{})
	case EventTokenCount:
		return decode(&MsgTokenCount{})
	case EventItemStarted:
		return decode(&MsgItemStarted{})
	case EventItemCompleted:
		return decode(&MsgItemCompleted{})
	case EventAgentMessageContentDelta:
		return decode(&MsgAgentMessageContentDelta{})
	case EventReasoningContentDelta:
		return decode(&MsgReasoningContentDelta{})
	case EventReasoningRawContentDelta:
		return decode(&MsgReasoningRawContentDelta{})
	case EventPlanDelta:
		return decode(&MsgPlanDelta{})
	case EventExecCommandBegin:
		return decode(&MsgExecCommandBegin{})
	case EventExecCommandOutputDelta:
		return decode(&MsgExecCommandOutputDelta{})
	case EventExecCommandEnd:
		return decode(&MsgExecCommandEnd{})
	case EventMcpToolCallBegin:
		return decode(&MsgMcpToolCallBegin{})
	case EventMcpToolCallEnd:
		return decode(&MsgMcpToolCallEnd{})
	case EventPatchApplyBegin:
		return decode(&MsgPatchApplyBegin{})
	case EventPatchApplyEnd:
		return decode(&MsgPatchApplyEnd{})
	case EventExecApprovalRequest:
		return decode(&MsgExecApprovalRequest{})
	case EventApplyPatchApprovalRequest:
		return decode(&MsgApplyPatchApprovalRequest{})
	case EventUserInputRequest:
		return decode(&MsgUserInputRequest{})
	case EventTurnDiff:
		return decode(&MsgTurnDiff{})
	case EventContextCompacted:
		return decode(&MsgContextCompacted{})
	case EventThreadRolledBack:
		return decode(&MsgThreadRolledBack{})
	case EventStreamError:
		return decode(&MsgStreamError{})
	case EventShutdownComplete:
		return MsgShutdownComplete{}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown event type %q", tag.Type)
	}
}

// MarshalJSON implements json.Marshaler for Event, tagging Msg with its
// EventType() (mapped through outputEventTag for legacy aliases).
func (e Event) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(e.Msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode event msg: %w", err)
	}
	tagged, err := withTypeTag(body, outputEventTag(e.Msg.EventType()))
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		ID  string          `json:"id"`
		Msg json.RawMessage `json:"msg"`
	}{ID: e.ID, Msg: tagged})
}

// UnmarshalJSON implements json.Unmarshaler for Event.
func (e *Event) UnmarshalJSON(data []byte) error {
	var shape struct {
		ID  string          `json:"id"`
		Msg json.RawMessage `json:"msg"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return fmt.Errorf("protocol: decode event: %w", err)
	}
	msg, err := DecodeEventMsg(shape.Msg)
	if err != nil {
		return err
	}
	e.ID = shape.ID
	e.Msg = msg
	return nil
}
