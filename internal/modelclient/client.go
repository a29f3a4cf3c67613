// Package modelclient defines the model client session contract (C6):
// a stateful streaming session the turn engine drives for exactly one
// turn. No concrete provider is implemented here — providers are out of
// scope (spec §4.6 Non-goals) — this package only carries the contract
// and the event/stream shapes the turn engine consumes.
package modelclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codex-core/session-engine/internal/protocol"
)

// Prompt is everything needed to start one model turn.
type Prompt struct {
	Model        string
	Instructions string
	Input        []protocol.ResponseItem
	Tools        []json.RawMessage
}

// ResponseEventKind discriminates the streaming events a session emits.
type ResponseEventKind int

const (
	ResponseEventCreated ResponseEventKind = iota
	ResponseEventOutputItemAdded
	ResponseEventOutputItemDone
	ResponseEventContentDelta
	ResponseEventReasoningDelta
	ResponseEventReasoningRawDelta
	ResponseEventCompleted
	ResponseEventRateLimits
)

// ResponseEvent is one item in the stream a Session returns from
// Stream. Completed carries the final TokenUsageInfo; the others carry
// only the fields relevant to their kind. OutputItemAdded carries
// ItemKind (one of the protocol.ResponseItem* tags) rather than a full
// Item, since the item's content isn't known until it streams in.
type ResponseEvent struct {
	Kind       ResponseEventKind
	ItemID     string
	ItemKind   string
	Item       protocol.ResponseItem
	Delta      string
	Usage      *protocol.TokenUsageInfo
	RateLimits *protocol.RateLimitSnapshot
	Err        error
}

// Session is the stateful streaming session contract (spec §4.6).
// Implementations may keep a persistent connection (e.g. WebSocket)
// alive across turns; the turn engine owns the Session for the
// duration of a single turn and discards it on interrupt.
type Session interface {
	// Stream opens or reuses a connection and emits events in order
	// until either a Completed event or an error. The returned channel
	// is closed when the stream ends; ctx cancellation must stop
	// delivery promptly.
	Stream(ctx context.Context, prompt Prompt) (<-chan ResponseEvent, error)

	// TrySwitchFallbackTransport swaps to a fallback transport (e.g.
	// HTTPS when WebSocket is preferred) for providers that support
	// dual transports. Returns true if a switch occurred.
	TrySwitchFallbackTransport(ctx context.Context) bool
}

// Client creates new Sessions, one per turn.
type Client interface {
	NewSession(ctx context.Context) (Session, error)
}

// ErrUnsupportedTransport is an error value for implementations that
// have no fallback transport to offer. TrySwitchFallbackTransport itself
// reports that case by returning false, not by returning this error.
var ErrUnsupportedTransport = fmt.Errorf("modelclient: no fallback transport available")
