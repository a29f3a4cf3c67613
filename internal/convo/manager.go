// Package convo implements the context manager (C4): an in-memory,
// mutex-guarded ordered list of ResponseItems, with truncation, prompt
// assembly and token estimation.
package convo

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/codex-core/session-engine/internal/protocol"
)

// TruncationPolicy governs how record_items truncates oversized items
// before they enter history.
type TruncationPolicy struct {
	MaxItemChars int
}

var DefaultTruncationPolicy = TruncationPolicy{MaxItemChars: 100_000}

// Manager owns the live ResponseItem history for one session. All
// mutation goes through a mutex so concurrent turn-engine and
// submission-loop access stay consistent (spec §5, §9 "interior-mutable
// under locks").
type Manager struct {
	mu      sync.Mutex
	items   []protocol.ResponseItem
	encoder *tiktoken.Tiktoken
}

// NewManager constructs an empty context manager. The token encoder is
// best-effort: if the named encoding cannot be loaded, EstimateTokenCount
// falls back to a character-based heuristic rather than failing.
func NewManager() *Manager {
	enc, _ := tiktoken.GetEncoding("cl100k_base")
	return &Manager{encoder: enc}
}

// RecordItems appends items to history, truncating any item whose
// textual content exceeds the policy's MaxItemChars.
func (m *Manager) RecordItems(items []protocol.ResponseItem, policy TruncationPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		m.items = append(m.items, truncateItem(item, policy))
	}
}

// RawItems returns a defensive copy of the full history, suitable for
// persistence and reconstruction.
func (m *Manager) RawItems() []protocol.ResponseItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.ResponseItem, len(m.items))
	copy(out, m.items)
	return out
}

// Replace performs a wholesale swap of history, used after compaction
// (spec §4.4 replace) and rollout reconstruction.
func (m *Manager) Replace(items []protocol.ResponseItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append([]protocol.ResponseItem(nil), items...)
}

// ForPrompt returns the sanitized history to send on the next model
// call: currently this drops nothing additional beyond what RecordItems
// already truncated, but is kept as a distinct seam so a replay filter
// (e.g. stripping turn_aborted markers) can be introduced without
// touching RawItems callers.
func (m *Manager) ForPrompt() []protocol.ResponseItem {
	return m.RawItems()
}

// DropLastNUserTurns walks history backwards, removing entries back
// through the n-th user-message boundary, for ThreadRollback (spec
// §4.10). It is a no-op if n <= 0, and caps removal at the full history
// length.
func (m *Manager) DropLastNUserTurns(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	boundariesSeen := 0
	cut := len(m.items)
	for i := len(m.items) - 1; i >= 0; i-- {
		if msg, ok := m.items[i].(ItemUserBoundary); ok && msg.IsUserTurnBoundary() {
			boundariesSeen++
			if boundariesSeen == n {
				cut = i
				break
			}
		}
		cut = i
	}
	m.items = m.items[:cut]
}

// UserMessages returns every "user"-role ItemMessage currently in
// history, in order. The compactor (C11) uses this to gather "the set
// of user messages gathered since inception" it folds into the
// reconstructed post-compaction history alongside the initial context
// and the new summary (spec §4.11).
func (m *Manager) UserMessages() []protocol.ResponseItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []protocol.ResponseItem
	for _, item := range m.items {
		if msg, ok := item.(protocol.ItemMessage); ok && msg.Role == "user" {
			out = append(out, msg)
		}
	}
	return out
}

// ItemUserBoundary is implemented by ResponseItem variants that can
// mark the start of a user turn; only ItemMessage with role "user"
// counts (see IsUserTurnBoundary on protocol.ItemMessage below).
type ItemUserBoundary interface {
	IsUserTurnBoundary() bool
}

// ReplaceLastTurnImages sanitizes the most recent turn's image content
// items after an InvalidImageRequest error, replacing each InputImage
// with a textual placeholder so the retried request no longer carries
// the rejected image (spec §4.4, §7 InvalidImageRequest).
func (m *Manager) ReplaceLastTurnImages(placeholder string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.items) - 1; i >= 0; i-- {
		msg, ok := m.items[i].(ItemMessage)
		if !ok {
			break
		}
		changed := false
		content := make([]protocol.ContentItem, len(msg.Content))
		copy(content, msg.Content)
		for j, c := range content {
			if c.Type == protocol.ContentInputImage {
				content[j] = protocol.ContentItem{Type: protocol.ContentInputText, Text: placeholder}
				changed = true
			}
		}
		if changed {
			msg.Content = content
			m.items[i] = msg
		}
		if msg.Role == "user" {
			break
		}
	}
}

// ItemMessage is a local alias re-exported for ReplaceLastTurnImages'
// use of protocol.ItemMessage by value.
type ItemMessage = protocol.ItemMessage

// EstimateTokenCount approximates the token cost of the full history
// plus the given system prompt, using the real BPE tokenizer when
// available and a conservative chars/4 fallback otherwise.
func (m *Manager) EstimateTokenCount(systemPrompt string) int {
	m.mu.Lock()
	items := make([]protocol.ResponseItem, len(m.items))
	copy(items, m.items)
	m.mu.Unlock()

	total := m.estimateText(systemPrompt)
	for _, item := range items {
		total += m.estimateItem(item)
	}
	return total
}

func (m *Manager) estimateItem(item protocol.ResponseItem) int {
	switch v := item.(type) {
	case protocol.ItemMessage:
		n := 0
		for _, c := range v.Content {
			n += m.estimateText(c.Text)
		}
		return n
	case protocol.ItemReasoning:
		n := 0
		for _, s := range v.Summary {
			n += m.estimateText(s)
		}
		for _, s := range v.Content {
			n += m.estimateText(s)
		}
		return n
	case protocol.ItemFunctionCall:
		return m.estimateText(string(v.Arguments))
	case protocol.ItemFunctionCallOutput:
		return m.estimateText(v.Output)
	case protocol.ItemCustomToolCall:
		return m.estimateText(v.Input)
	case protocol.ItemCustomToolCallOutput:
		return m.estimateText(v.Output)
	case protocol.ItemWebSearch:
		return m.estimateText(v.Query) + m.estimateText(v.Results)
	default:
		return 0
	}
}

func (m *Manager) estimateText(s string) int {
	if s == "" {
		return 0
	}
	if m.encoder != nil {
		return len(m.encoder.Encode(s, nil, nil))
	}
	return len(s)/4 + 1
}

func truncateItem(item protocol.ResponseItem, policy TruncationPolicy) protocol.ResponseItem {
	if policy.MaxItemChars <= 0 {
		return item
	}
	switch v := item.(type) {
	case protocol.ItemFunctionCallOutput:
		if len(v.Output) > policy.MaxItemChars {
			v.Output = v.Output[:policy.MaxItemChars] + "... [truncated]"
		}
		return v
	case protocol.ItemCustomToolCallOutput:
		if len(v.Output) > policy.MaxItemChars {
			v.Output = v.Output[:policy.MaxItemChars] + "... [truncated]"
		}
		return v
	default:
		return item
	}
}
