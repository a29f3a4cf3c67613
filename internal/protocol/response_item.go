package protocol

import (
	"encoding/json"
	"fmt"
)

// ContentItem is one piece of message content. Variants are
// discriminated by Type: "input_text", "output_text", "input_image",
// "output_image".
type ContentItem struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

const (
	ContentInputText  = "input_text"
	ContentOutputText = "output_text"
	ContentInputImage = "input_image"
	ContentOutputImage = "output_image"
)

// ResponseItem is the tagged union of conversation items exchanged with
// the model and recorded into history.
type ResponseItem interface {
	ResponseItemType() string
}

const (
	ResponseItemMessage            = "message"
	ResponseItemReasoning          = "reasoning"
	ResponseItemFunctionCall       = "function_call"
	ResponseItemFunctionCallOutput = "function_call_output"
	ResponseItemCustomToolCall     = "custom_tool_call"
	ResponseItemCustomToolCallOutput = "custom_tool_call_output"
	ResponseItemWebSearch           = "web_search"
	ResponseItemPlan                = "plan"
)

type ItemMessage struct {
	Role    string        `json:"role"`
	Content []ContentItem `json:"content"`
	EndTurn bool          `json:"end_turn,omitempty"`
}

func (ItemMessage) ResponseItemType() string { return ResponseItemMessage }

// IsUserTurnBoundary reports whether this message starts a new user
// turn, used by history truncation (e.g. drop_last_n_user_turns) to
// find turn boundaries without depending on a separate turn index.
func (m ItemMessage) IsUserTurnBoundary() bool { return m.Role == "user" }

type ItemReasoning struct {
	Summary []string `json:"summary,omitempty"`
	Content []string `json:"content,omitempty"`
}

func (ItemReasoning) ResponseItemType() string { return ResponseItemReasoning }

type ItemFunctionCall struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (ItemFunctionCall) ResponseItemType() string { return ResponseItemFunctionCall }

type ItemFunctionCallOutput struct {
	CallID  string `json:"call_id"`
	Output  string `json:"output"`
	Success *bool  `json:"success,omitempty"`
}

func (ItemFunctionCallOutput) ResponseItemType() string { return ResponseItemFunctionCallOutput }

type ItemCustomToolCall struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Input  string `json:"input"`
}

func (ItemCustomToolCall) ResponseItemType() string { return ResponseItemCustomToolCall }

type ItemCustomToolCallOutput struct {
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

func (ItemCustomToolCallOutput) ResponseItemType() string {
	return ResponseItemCustomToolCallOutput
}

type ItemWebSearch struct {
	Query   string `json:"query"`
	Results string `json:"results,omitempty"`
}

func (ItemWebSearch) ResponseItemType() string { return ResponseItemWebSearch }

// ItemPlan is the dedicated turn item carrying the text accumulated from
// <proposed_plan>...</proposed_plan> segments during plan-mode streaming
// (spec §4.3 "Plan mode streaming").
type ItemPlan struct {
	Text string `json:"text"`
}

func (ItemPlan) ResponseItemType() string { return ResponseItemPlan }

// DecodeResponseItem parses a tagged ResponseItem discriminated by its
// "type" field.
func DecodeResponseItem(raw json.RawMessage) (ResponseItem, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("protocol: decode response item tag: %w", err)
	}
	decode := func(v ResponseItem) (ResponseItem, error) {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("protocol: decode response item %q: %w", tag.Type, err)
		}
		return v, nil
	}
	switch tag.Type {
	case ResponseItemMessage:
		return decode(&ItemMessage{})
	case ResponseItemReasoning:
		return decode(&ItemReasoning{})
	case ResponseItemFunctionCall:
		return decode(&ItemFunctionCall{})
	case ResponseItemFunctionCallOutput:
		return decode(&ItemFunctionCallOutput{})
	case ResponseItemCustomToolCall:
		return decode(&ItemCustomToolCall{})
	case ResponseItemCustomToolCallOutput:
		return decode(&ItemCustomToolCallOutput{})
	case ResponseItemWebSearch:
		return decode(&ItemWebSearch{})
	case ResponseItemPlan:
		return decode(&ItemPlan{})
	default:
		return nil, fmt.Errorf("protocol: unknown response item type %q", tag.Type)
	}
}

// MarshalResponseItem encodes a ResponseItem with its "type" tag merged
// in, matching the wire shape DecodeResponseItem expects.
func MarshalResponseItem(item ResponseItem) (json.RawMessage, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode response item: %w", err)
	}
	return withTypeTag(body, item.ResponseItemType())
}
