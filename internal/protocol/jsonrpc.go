package protocol

import "encoding/json"

// JSONRPCMessage is the wire envelope every transport frame decodes to
// before the submission loop or transport router interprets it further
// (spec §6.2). It covers requests, notifications and responses in one
// permissive shape, matching JSON-RPC 2.0.
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

const SubmitMethod = "codex/submit"
const EventMethod = "codex/event"

// NewSubmitRequest wraps a Submission as a JSON-RPC 2.0 notification
// with method "codex/submit", per spec §6.2.
func NewSubmitRequest(sub Submission) (JSONRPCMessage, error) {
	params, err := json.Marshal(sub)
	if err != nil {
		return JSONRPCMessage{}, err
	}
	return JSONRPCMessage{JSONRPC: "2.0", Method: SubmitMethod, Params: params}, nil
}

// NewEventNotification wraps an Event as a JSON-RPC 2.0 notification
// with method "codex/event".
func NewEventNotification(ev Event) (JSONRPCMessage, error) {
	params, err := json.Marshal(ev)
	if err != nil {
		return JSONRPCMessage{}, err
	}
	return JSONRPCMessage{JSONRPC: "2.0", Method: EventMethod, Params: params}, nil
}

// DecodeSubmission extracts a Submission from a JSON-RPC message whose
// method is "codex/submit".
func DecodeSubmission(msg JSONRPCMessage) (Submission, error) {
	var sub Submission
	if err := json.Unmarshal(msg.Params, &sub); err != nil {
		return Submission{}, err
	}
	return sub, nil
}

// DecodeEvent extracts an Event from a JSON-RPC message whose method is
// "codex/event".
func DecodeEvent(msg JSONRPCMessage) (Event, error) {
	var ev Event
	if err := json.Unmarshal(msg.Params, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}
