// Package protocol defines the wire and persisted data model shared by the
// submission loop, turn engine, transport multiplexer and rollout recorder:
// submissions, events, rollout items, response items and policy types.
package protocol

import "github.com/google/uuid"

// ThreadId is an opaque identifier for a conversation. It is generated once
// per new session and persisted in rollout metadata.
type ThreadId string

// NewThreadId allocates a fresh, unique ThreadId.
func NewThreadId() ThreadId {
	return ThreadId(uuid.NewString())
}

// ConnectionId identifies a transport connection. 0 is reserved for the
// synthesized stdio connection; websocket connections are allocated
// monotonically starting at 1.
type ConnectionId uint64

const StdioConnectionId ConnectionId = 0
