package convo

import (
	"fmt"
	"log"

	"github.com/codex-core/session-engine/internal/protocol"
)

// readOnlyTools are the tool names whose repeated output is safe to
// dedupe: rereading the same file or listing the same directory is
// assumed idempotent, so only the most recent result matters.
var readOnlyTools = map[string]bool{
	"read_file":     true,
	"list_dir":      true,
	"grep_search":   true,
	"find_by_name":  true,
	"read_definitions": true,
}

const (
	evictKeepIntact  = 8
	evictContentSize = 2000
	pruneSafetyBuffer = 1000
)

// OptimizeToolResults walks history and, for read-only tools, blanks
// out every superseded output for a given (tool, arguments) pair, so
// only the latest result of a repeated read survives (spec §4.4
// context-window maintenance).
func (m *Manager) OptimizeToolResults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = optimizeToolResults(m.items)
}

type toolCallKey struct {
	Name string
	Args string
}

func optimizeToolResults(items []protocol.ResponseItem) []protocol.ResponseItem {
	out := make([]protocol.ResponseItem, len(items))
	copy(out, items)

	callInfo := make(map[string]toolCallKey)
	lastSeenAt := make(map[toolCallKey]int)

	for i, item := range out {
		if call, ok := item.(protocol.ItemFunctionCall); ok {
			callInfo[call.CallID] = toolCallKey{Name: call.Name, Args: string(call.Arguments)}
			continue
		}
		output, ok := item.(protocol.ItemFunctionCallOutput)
		if !ok {
			continue
		}
		info, ok := callInfo[output.CallID]
		if !ok || !readOnlyTools[info.Name] {
			continue
		}
		if prevIdx, exists := lastSeenAt[info]; exists {
			prev := out[prevIdx].(protocol.ItemFunctionCallOutput)
			prev.Output = fmt.Sprintf("[Previous output from %s for %s removed to save context. See latest version below.]", info.Name, info.Args)
			out[prevIdx] = prev
			log.Printf("[convo] optimized redundant %s call", info.Name)
		}
		lastSeenAt[info] = i
	}
	return out
}

// EvictFileContent replaces oversized tool outputs in older items with
// a placeholder, keeping the most recent evictKeepIntact items fully
// intact (spec §4.4).
func (m *Manager) EvictFileContent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = evictFileContent(m.items)
}

func evictFileContent(items []protocol.ResponseItem) []protocol.ResponseItem {
	if len(items) <= evictKeepIntact {
		return items
	}
	out := make([]protocol.ResponseItem, len(items))
	copy(out, items)

	for i := 1; i < len(out)-evictKeepIntact; i++ {
		output, ok := out[i].(protocol.ItemFunctionCallOutput)
		if !ok || len(output.Output) <= evictContentSize {
			continue
		}
		output.Output = "[Content evicted to save tokens. Re-run the tool call to view it again if needed.]"
		out[i] = output
	}
	return out
}

// PruneResult reports what Prune did.
type PruneResult struct {
	Items        []protocol.ResponseItem
	WasTruncated bool
}

// Prune reduces history to fit within maxTokens, preserving function
// call/output pairing so no orphaned tool result is ever sent to the
// model (spec §4.4 sliding-window fallback, ported from the teacher's
// PruneMessages pass structure: evict large outputs, reserve budget for
// the system prompt and a safety margin, pin the first item, scan
// backward collecting required call ids, extend the cutoff to avoid
// orphaning calls, then strip anything still orphaned). When maxTokens
// leaves no budget after the system prompt and the safety margin, only
// the last item is kept and the first item is not pinned.
func (m *Manager) Prune(maxTokens int, systemPrompt string) PruneResult {
	m.mu.Lock()
	items := make([]protocol.ResponseItem, len(m.items))
	copy(items, m.items)
	m.mu.Unlock()

	pruned, truncated := m.pruneItems(items, maxTokens, systemPrompt)
	if truncated {
		m.mu.Lock()
		m.items = pruned
		m.mu.Unlock()
	}
	return PruneResult{Items: pruned, WasTruncated: truncated}
}

func (m *Manager) pruneItems(items []protocol.ResponseItem, maxTokens int, systemPrompt string) ([]protocol.ResponseItem, bool) {
	items = evictFileContent(items)

	available := maxTokens - m.estimateText(systemPrompt) - pruneSafetyBuffer
	if available <= 0 {
		if len(items) > 0 {
			return items[len(items)-1:], len(items) > 1
		}
		return items, false
	}
	if len(items) <= 2 {
		return items, false
	}

	first := items[0]
	available -= m.estimateItem(first)

	// Pass 1: scan backward, collecting required call ids for any
	// output we decide to keep.
	requiredCallIDs := make(map[string]bool)
	cutoff := 1
	currentTokens := 0
	for i := len(items) - 1; i >= 1; i-- {
		tokens := m.estimateItem(items[i])
		isRecent := i >= len(items)-3
		isSmall := tokens < available/5

		if currentTokens+tokens > available && !(isRecent && isSmall) {
			if i == len(items)-1 {
				cutoff = i
				currentTokens += tokens
			} else {
				cutoff = i + 1
			}
			break
		}

		if out, ok := items[i].(protocol.ItemFunctionCallOutput); ok {
			requiredCallIDs[out.CallID] = true
		}
		currentTokens += tokens
		cutoff = i
	}

	// Pass 2: extend the cutoff backward so no kept output is orphaned
	// from its call.
	for cutoff > 1 {
		extended := false
		for i := cutoff; i < len(items); i++ {
			out, ok := items[i].(protocol.ItemFunctionCallOutput)
			if !ok {
				continue
			}
			for j := i - 1; j >= 1 && j >= cutoff-1; j-- {
				call, ok := items[j].(protocol.ItemFunctionCall)
				if ok && call.CallID == out.CallID && j < cutoff {
					cutoff = j
					extended = true
					break
				}
			}
			if extended {
				break
			}
		}
		if !extended {
			break
		}
	}

	keep := items[cutoff:]

	// Pass 3: strip any output whose call didn't survive.
	keptCallIDs := make(map[string]bool)
	for _, item := range keep {
		if call, ok := item.(protocol.ItemFunctionCall); ok {
			keptCallIDs[call.CallID] = true
		}
	}
	validKeep := make([]protocol.ResponseItem, 0, len(keep))
	for _, item := range keep {
		if out, ok := item.(protocol.ItemFunctionCallOutput); ok && !keptCallIDs[out.CallID] {
			log.Printf("[convo] dropping orphaned tool result for call %s", out.CallID)
			continue
		}
		validKeep = append(validKeep, item)
	}

	result := []protocol.ResponseItem{first}
	if len(validKeep) < len(items)-1 {
		numPruned := len(items) - 1 - len(validKeep)
		result = append(result, protocol.ItemMessage{
			Role: "user",
			Content: []protocol.ContentItem{{
				Type: protocol.ContentInputText,
				Text: fmt.Sprintf("[Notice: %d older items were hidden to stay within context limits.]", numPruned),
			}},
		})
	}
	result = append(result, validKeep...)

	return result, true
}
