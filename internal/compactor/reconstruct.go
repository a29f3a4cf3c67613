package compactor

import "github.com/codex-core/session-engine/internal/protocol"

// ReconstructCompactedHistory rebuilds the in-memory history for a
// Compacted rollout item that carries no ReplacementHistory: initial
// context + the user messages collected since inception + the stored
// summary text, reassembled as an assistant message (spec §4.11 "else
// rebuild compacted history from collected user messages + the stored
// summary text"). Callers that do have a ReplacementHistory should use
// it verbatim instead of calling this.
func ReconstructCompactedHistory(initialContext, userMessages []protocol.ResponseItem, summary string) []protocol.ResponseItem {
	out := make([]protocol.ResponseItem, 0, len(initialContext)+len(userMessages)+1)
	out = append(out, initialContext...)
	out = append(out, userMessages...)
	out = append(out, protocol.ItemMessage{
		Role:    "assistant",
		Content: []protocol.ContentItem{{Type: protocol.ContentOutputText, Text: summary}},
	})
	return out
}
