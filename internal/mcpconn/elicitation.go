package mcpconn

import (
	"context"
	"fmt"
	"sync"

	"github.com/codex-core/session-engine/internal/protocol"
)

// elicitationRegistry tracks elicitation requests a connected server has
// raised mid-tool-call and is blocked waiting on, keyed by request id, so
// a later OpResolveElicitation submission can hand the waiting goroutine
// its decision (spec §4.12 "resolve_elicitation").
type elicitationRegistry struct {
	mu      sync.Mutex
	pending map[string]chan protocol.ReviewDecision
}

func newElicitationRegistry() *elicitationRegistry {
	return &elicitationRegistry{pending: make(map[string]chan protocol.ReviewDecision)}
}

// await registers requestID and blocks until Resolve delivers a decision
// or ctx is canceled.
func (r *elicitationRegistry) await(ctx context.Context, requestID string) (protocol.ReviewDecision, error) {
	ch := make(chan protocol.ReviewDecision, 1)
	r.mu.Lock()
	r.pending[requestID] = ch
	r.mu.Unlock()

	select {
	case decision := <-ch:
		return decision, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, requestID)
		r.mu.Unlock()
		return "", ctx.Err()
	}
}

// Resolve delivers decision to the goroutine awaiting requestID, if any.
func (r *elicitationRegistry) Resolve(requestID string, decision protocol.ReviewDecision) error {
	r.mu.Lock()
	ch, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("mcpconn: no pending elicitation %s", requestID)
	}
	ch <- decision
	return nil
}
