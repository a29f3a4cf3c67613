package protocol

import (
	"encoding/json"
	"fmt"
)

// Submission is a client-authored request. Id is client-chosen and
// correlates outgoing Events back to the submission that caused them.
type Submission struct {
	ID string `json:"id"`
	Op Op     `json:"op"`
}

// Op is the tagged union of operations a client may submit. Concrete
// variants below each implement OpType with their snake_case wire tag.
// The union is explicitly non-exhaustive: DecodeOp returns an
// UnknownOp for any unrecognized tag rather than failing, so the
// submission loop can treat unrecognized variants as no-ops (spec §9).
type Op interface {
	OpType() string
}

const (
	OpTypeInterrupt            = "interrupt"
	OpTypeUserInput            = "user_input"
	OpTypeUserTurn             = "user_turn"
	OpTypeOverrideTurnContext  = "override_turn_context"
	OpTypeExecApproval         = "exec_approval"
	OpTypePatchApproval        = "patch_approval"
	OpTypeUserInputAnswer      = "user_input_answer"
	OpTypeDynamicToolResponse  = "dynamic_tool_response"
	OpTypeResolveElicitation   = "resolve_elicitation"
	OpTypeAddToHistory         = "add_to_history"
	OpTypeGetHistoryEntry      = "get_history_entry_request"
	OpTypeListMcpTools         = "list_mcp_tools"
	OpTypeRefreshMcpServers    = "refresh_mcp_servers"
	OpTypeListCustomPrompts    = "list_custom_prompts"
	OpTypeListSkills           = "list_skills"
	OpTypeCompact              = "compact"
	OpTypeUndo                 = "undo"
	OpTypeThreadRollback       = "thread_rollback"
	OpTypeSetThreadName        = "set_thread_name"
	OpTypeReview               = "review"
	OpTypeRunUserShellCommand  = "run_user_shell_command"
	OpTypeShutdown             = "shutdown"
)

// InputItem is a single piece of user-authored turn input.
type InputItem struct {
	Type  string `json:"type"` // "text" | "image"
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"` // data URL or path, provider-defined
}

type OpInterrupt struct{}

func (OpInterrupt) OpType() string { return OpTypeInterrupt }

type OpUserInput struct {
	Items                 []InputItem     `json:"items"`
	FinalOutputJSONSchema json.RawMessage `json:"final_output_json_schema,omitempty"`
}

func (OpUserInput) OpType() string { return OpTypeUserInput }

type OpUserTurn struct {
	Items                 []InputItem     `json:"items"`
	Cwd                   string          `json:"cwd"`
	ApprovalPolicy        AskForApproval  `json:"approval_policy"`
	SandboxPolicy         SandboxPolicy   `json:"sandbox_policy"`
	Model                 string          `json:"model"`
	Effort                *string         `json:"effort,omitempty"`
	Summary               string          `json:"summary,omitempty"`
	CollaborationMode     string          `json:"collaboration_mode,omitempty"`
	Personality           string          `json:"personality,omitempty"`
	FinalOutputJSONSchema json.RawMessage `json:"final_output_json_schema,omitempty"`
}

func (OpUserTurn) OpType() string { return OpTypeUserTurn }

// OpOverrideTurnContext mutates persistent session defaults without
// running a turn. Every field is a pointer (or double pointer for
// Effort) so that "absent" (nil) and "explicitly cleared" (non-nil
// pointer to nil) can be distinguished, matching the Rust
// Option<Option<T>> convention used for reasoning effort.
type OpOverrideTurnContext struct {
	Cwd               *string         `json:"cwd,omitempty"`
	ApprovalPolicy    *AskForApproval `json:"approval_policy,omitempty"`
	SandboxPolicy     *SandboxPolicy  `json:"sandbox_policy,omitempty"`
	Model             *string         `json:"model,omitempty"`
	Effort            **string        `json:"effort,omitempty"`
	Summary           *string         `json:"summary,omitempty"`
	CollaborationMode *string         `json:"collaboration_mode,omitempty"`
	Personality       *string         `json:"personality,omitempty"`
}

func (OpOverrideTurnContext) OpType() string { return OpTypeOverrideTurnContext }

// ReviewDecision is the outcome of a pending approval request.
type ReviewDecision string

const (
	ReviewApproved              ReviewDecision = "approved"
	ReviewApprovedForSession    ReviewDecision = "approved_for_session"
	ReviewDenied                ReviewDecision = "denied"
	ReviewAbort                 ReviewDecision = "abort"
	ReviewApprovedExecAmendment ReviewDecision = "approved_execpolicy_amendment"
)

type OpExecApproval struct {
	ID       string         `json:"id"`
	Decision ReviewDecision `json:"decision"`
}

func (OpExecApproval) OpType() string { return OpTypeExecApproval }

type OpPatchApproval struct {
	ID       string         `json:"id"`
	Decision ReviewDecision `json:"decision"`
}

func (OpPatchApproval) OpType() string { return OpTypePatchApproval }

type OpUserInputAnswer struct {
	ID       string `json:"id"`
	Response string `json:"response"`
}

func (OpUserInputAnswer) OpType() string { return OpTypeUserInputAnswer }

type OpDynamicToolResponse struct {
	ID       string          `json:"id"`
	Response json.RawMessage `json:"response"`
}

func (OpDynamicToolResponse) OpType() string { return OpTypeDynamicToolResponse }

type OpResolveElicitation struct {
	ServerName string         `json:"server_name"`
	RequestID  string         `json:"request_id"`
	Decision   ReviewDecision `json:"decision"`
}

func (OpResolveElicitation) OpType() string { return OpTypeResolveElicitation }

type OpAddToHistory struct {
	Text string `json:"text"`
}

func (OpAddToHistory) OpType() string { return OpTypeAddToHistory }

type OpGetHistoryEntryRequest struct {
	Offset int    `json:"offset"`
	LogID  string `json:"log_id"`
}

func (OpGetHistoryEntryRequest) OpType() string { return OpTypeGetHistoryEntry }

type OpListMcpTools struct{}

func (OpListMcpTools) OpType() string { return OpTypeListMcpTools }

type OpRefreshMcpServers struct {
	Config json.RawMessage `json:"config"`
}

func (OpRefreshMcpServers) OpType() string { return OpTypeRefreshMcpServers }

type OpListCustomPrompts struct{}

func (OpListCustomPrompts) OpType() string { return OpTypeListCustomPrompts }

type OpListSkills struct {
	Cwds       []string `json:"cwds"`
	ForceReload bool    `json:"force_reload"`
}

func (OpListSkills) OpType() string { return OpTypeListSkills }

type OpCompact struct{}

func (OpCompact) OpType() string { return OpTypeCompact }

type OpUndo struct{}

func (OpUndo) OpType() string { return OpTypeUndo }

type OpThreadRollback struct {
	NumTurns int `json:"num_turns"`
}

func (OpThreadRollback) OpType() string { return OpTypeThreadRollback }

type OpSetThreadName struct {
	Name string `json:"name"`
}

func (OpSetThreadName) OpType() string { return OpTypeSetThreadName }

type OpReview struct {
	Request json.RawMessage `json:"request"`
}

func (OpReview) OpType() string { return OpTypeReview }

type OpRunUserShellCommand struct {
	Command string `json:"command"`
}

func (OpRunUserShellCommand) OpType() string { return OpTypeRunUserShellCommand }

type OpShutdown struct{}

func (OpShutdown) OpType() string { return OpTypeShutdown }

// UnknownOp preserves the tag and raw payload of an Op variant this
// implementation does not recognize, so forward-compatible decoders can
// treat it as a no-op instead of failing the whole submission.
type UnknownOp struct {
	Tag string
	Raw json.RawMessage
}

func (u UnknownOp) OpType() string { return u.Tag }

type opEnvelope struct {
	Type string          `json:"type"`
	Rest json.RawMessage `json:"-"`
}

// DecodeOp parses a tagged-union Op payload discriminated by its "type"
// field. Unrecognized tags decode to UnknownOp rather than erroring.
func DecodeOp(raw json.RawMessage) (Op, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("protocol: decode op tag: %w", err)
	}

	decode := func(v Op) (Op, error) {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("protocol: decode op %q: %w", tag.Type, err)
		}
		return v, nil
	}

	switch tag.Type {
	case OpTypeInterrupt:
		return OpInterrupt{}, nil
	case OpTypeUserInput:
		return decode(&OpUserInput{})
	case OpTypeUserTurn:
		return decode(&OpUserTurn{})
	case OpTypeOverrideTurnContext:
		return decode(&OpOverrideTurnContext{})
	case OpTypeExecApproval:
		return decode(&OpExecApproval{})
	case OpTypePatchApproval:
		return decode(&OpPatchApproval{})
	case OpTypeUserInputAnswer:
		return decode(&OpUserInputAnswer{})
	case OpTypeDynamicToolResponse:
		return decode(&OpDynamicToolResponse{})
	case OpTypeResolveElicitation:
		return decode(&OpResolveElicitation{})
	case OpTypeAddToHistory:
		return decode(&OpAddToHistory{})
	case OpTypeGetHistoryEntry:
		return decode(&OpGetHistoryEntryRequest{})
	case OpTypeListMcpTools:
		return OpListMcpTools{}, nil
	case OpTypeRefreshMcpServers:
		return decode(&OpRefreshMcpServers{})
	case OpTypeListCustomPrompts:
		return OpListCustomPrompts{}, nil
	case OpTypeListSkills:
		return decode(&OpListSkills{})
	case OpTypeCompact:
		return OpCompact{}, nil
	case OpTypeUndo:
		return OpUndo{}, nil
	case OpTypeThreadRollback:
		return decode(&OpThreadRollback{})
	case OpTypeSetThreadName:
		return decode(&OpSetThreadName{})
	case OpTypeReview:
		return decode(&OpReview{})
	case OpTypeRunUserShellCommand:
		return decode(&OpRunUserShellCommand{})
	case OpTypeShutdown:
		return OpShutdown{}, nil
	default:
		return UnknownOp{Tag: tag.Type, Raw: raw}, nil
	}
}

// UnmarshalJSON implements json.Unmarshaler for Submission, decoding the
// nested Op tagged union.
func (s *Submission) UnmarshalJSON(data []byte) error {
	var shape struct {
		ID string          `json:"id"`
		Op json.RawMessage `json:"op"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return fmt.Errorf("protocol: decode submission: %w", err)
	}
	op, err := DecodeOp(shape.Op)
	if err != nil {
		return err
	}
	s.ID = shape.ID
	s.Op = op
	return nil
}

// MarshalJSON implements json.Marshaler for Submission, injecting the
// "type" discriminator derived from the Op's OpType() into the nested
// op object.
func (s Submission) MarshalJSON() ([]byte, error) {
	opBody, err := json.Marshal(s.Op)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode op: %w", err)
	}
	tagged, err := withTypeTag(opBody, s.Op.OpType())
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		ID string          `json:"id"`
		Op json.RawMessage `json:"op"`
	}{ID: s.ID, Op: tagged})
}

// withTypeTag merges a "type" field into an already-marshaled JSON
// object, used by every tagged-union MarshalJSON in this package.
func withTypeTag(body json.RawMessage, tag string) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("protocol: tag merge: %w", err)
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	tagJSON, _ := json.Marshal(tag)
	m["type"] = tagJSON
	return json.Marshal(m)
}
