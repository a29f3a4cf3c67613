package protocol

import (
	"encoding/json"
	"fmt"
)

// RolloutItem is the tagged union persisted, one per line, to the
// session's JSONL transcript.
type RolloutItem interface {
	RolloutItemType() string
}

const (
	RolloutItemSessionMeta   = "session_meta"
	RolloutItemResponseItem  = "response_item"
	RolloutItemCompacted     = "compacted"
	RolloutItemTurnContext   = "turn_context"
	RolloutItemEventMsg      = "event_msg"
)

type RolloutSessionMeta struct {
	ID           ThreadId `json:"id"`
	Timestamp    string   `json:"timestamp"`
	ForkedFromID *ThreadId `json:"forked_from_id,omitempty"`
	Cwd          string   `json:"cwd"`
}

func (RolloutSessionMeta) RolloutItemType() string { return RolloutItemSessionMeta }

// RolloutResponseItem wraps a ResponseItem so it can travel through the
// RolloutItem union; Item is kept unexported from JSON here and handled
// by RolloutRecord's custom (un)marshaling below, which nests the tagged
// item under "payload" so its own "type" tag survives.
type RolloutResponseItem struct {
	Item ResponseItem
}

func (RolloutResponseItem) RolloutItemType() string { return RolloutItemResponseItem }

// RolloutCompacted records a summarization turn's result. When
// ReplacementHistory is non-nil, resuming must use it verbatim instead
// of reconstructing history from collected user messages + Message.
type RolloutCompacted struct {
	Message            string         `json:"message"`
	ReplacementHistory []ResponseItem `json:"-"`
}

func (RolloutCompacted) RolloutItemType() string { return RolloutItemCompacted }

type RolloutTurnContext struct {
	Cwd                   string         `json:"cwd"`
	ApprovalPolicy        AskForApproval `json:"approval_policy"`
	SandboxPolicy         SandboxPolicy  `json:"sandbox_policy"`
	Model                 string         `json:"model"`
	ReasoningEffort        string        `json:"reasoning_effort,omitempty"`
	ReasoningSummary       string        `json:"reasoning_summary,omitempty"`
	Personality            string        `json:"personality,omitempty"`
	CollaborationMode      string        `json:"collaboration_mode,omitempty"`
	UserInstructions       string        `json:"user_instructions,omitempty"`
	DeveloperInstructions  string        `json:"developer_instructions,omitempty"`
	FinalOutputJSONSchema  json.RawMessage `json:"final_output_json_schema,omitempty"`
	TruncationPolicy       string        `json:"truncation_policy,omitempty"`
}

func (RolloutTurnContext) RolloutItemType() string { return RolloutItemTurnContext }

// RolloutEventMsg wraps an EventMsg for persistence (only those events
// the rollout filter decides are durable; see internal/rollout).
type RolloutEventMsg struct {
	Msg EventMsg
}

func (RolloutEventMsg) RolloutItemType() string { return RolloutItemEventMsg }

// RolloutRecord is the on-disk envelope: a timestamp plus the tagged
// RolloutItem payload, per spec §6.3.
type RolloutRecord struct {
	Timestamp string
	Item      RolloutItem
}

func (r RolloutRecord) MarshalJSON() ([]byte, error) {
	var body json.RawMessage
	var err error
	switch v := r.Item.(type) {
	case RolloutResponseItem:
		body, err = MarshalResponseItem(v.Item)
		if err == nil {
			body, err = json.Marshal(map[string]json.RawMessage{"payload": body})
		}
	case RolloutCompacted:
		body, err = marshalCompacted(v)
	case RolloutEventMsg:
		body, err = marshalEventMsg(v.Msg)
		if err == nil {
			body, err = json.Marshal(map[string]json.RawMessage{"payload": body})
		}
	default:
		body, err = json.Marshal(r.Item)
	}
	if err != nil {
		return nil, err
	}
	tagged, err := withTypeTag(body, r.Item.RolloutItemType())
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(tagged, &m); err != nil {
		return nil, fmt.Errorf("protocol: rollout record merge: %w", err)
	}
	ts, _ := json.Marshal(r.Timestamp)
	m["timestamp"] = ts
	return json.Marshal(m)
}

func (r *RolloutRecord) UnmarshalJSON(data []byte) error {
	var shape struct {
		Timestamp string          `json:"timestamp"`
		Type      string          `json:"type"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return fmt.Errorf("protocol: decode rollout record: %w", err)
	}
	r.Timestamp = shape.Timestamp

	switch shape.Type {
	case RolloutItemSessionMeta:
		var v RolloutSessionMeta
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		r.Item = v
	case RolloutItemResponseItem:
		item, err := DecodeResponseItem(shape.Payload)
		if err != nil {
			return err
		}
		r.Item = RolloutResponseItem{Item: item}
	case RolloutItemCompacted:
		v, err := unmarshalCompacted(data)
		if err != nil {
			return err
		}
		r.Item = v
	case RolloutItemTurnContext:
		var v RolloutTurnContext
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		r.Item = v
	case RolloutItemEventMsg:
		msg, err := DecodeEventMsg(shape.Payload)
		if err != nil {
			return err
		}
		r.Item = RolloutEventMsg{Msg: msg}
	default:
		return fmt.Errorf("protocol: unknown rollout item type %q", shape.Type)
	}
	return nil
}

func marshalCompacted(c RolloutCompacted) (json.RawMessage, error) {
	shape := struct {
		Message            string            `json:"message"`
		ReplacementHistory []json.RawMessage `json:"replacement_history,omitempty"`
	}{Message: c.Message}
	for _, item := range c.ReplacementHistory {
		raw, err := MarshalResponseItem(item)
		if err != nil {
			return nil, err
		}
		shape.ReplacementHistory = append(shape.ReplacementHistory, raw)
	}
	return json.Marshal(shape)
}

func unmarshalCompacted(data []byte) (RolloutCompacted, error) {
	var shape struct {
		Message            string            `json:"message"`
		ReplacementHistory []json.RawMessage `json:"replacement_history,omitempty"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return RolloutCompacted{}, fmt.Errorf("protocol: decode compacted: %w", err)
	}
	out := RolloutCompacted{Message: shape.Message}
	for _, raw := range shape.ReplacementHistory {
		item, err := DecodeResponseItem(raw)
		if err != nil {
			return RolloutCompacted{}, err
		}
		out.ReplacementHistory = append(out.ReplacementHistory, item)
	}
	return out, nil
}

func marshalEventMsg(msg EventMsg) (json.RawMessage, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode rollout event msg: %w", err)
	}
	return withTypeTag(body, msg.EventType())
}
