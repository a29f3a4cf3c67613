package convo

import (
	"encoding/json"
	"testing"

	"github.com/codex-core/session-engine/internal/protocol"
)

func userMsg(text string) protocol.ItemMessage {
	return protocol.ItemMessage{Role: "user", Content: []protocol.ContentItem{{Type: protocol.ContentInputText, Text: text}}}
}

func TestRecordAndRawItemsRoundTrip(t *testing.T) {
	m := NewManager()
	m.RecordItems([]protocol.ResponseItem{userMsg("hello")}, DefaultTruncationPolicy)
	items := m.RawItems()
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	msg, ok := items[0].(protocol.ItemMessage)
	if !ok || msg.Content[0].Text != "hello" {
		t.Fatalf("unexpected item: %+v", items[0])
	}
}

func TestRecordItemsTruncatesOversizedOutput(t *testing.T) {
	m := NewManager()
	big := make([]byte, 10)
	for i := range big {
		big[i] = 'a'
	}
	m.RecordItems([]protocol.ResponseItem{
		protocol.ItemFunctionCallOutput{CallID: "c1", Output: string(big)},
	}, TruncationPolicy{MaxItemChars: 5})
	out := m.RawItems()[0].(protocol.ItemFunctionCallOutput)
	if len(out.Output) <= 5 {
		t.Fatalf("expected truncation marker appended, got %q", out.Output)
	}
}

func TestDropLastNUserTurns(t *testing.T) {
	m := NewManager()
	m.RecordItems([]protocol.ResponseItem{
		userMsg("turn1"),
		protocol.ItemMessage{Role: "assistant", Content: []protocol.ContentItem{{Type: protocol.ContentOutputText, Text: "reply1"}}},
		userMsg("turn2"),
		protocol.ItemMessage{Role: "assistant", Content: []protocol.ContentItem{{Type: protocol.ContentOutputText, Text: "reply2"}}},
	}, DefaultTruncationPolicy)

	m.DropLastNUserTurns(1)
	items := m.RawItems()
	if len(items) != 2 {
		t.Fatalf("expected 2 items remaining after dropping last user turn, got %d", len(items))
	}
	first := items[0].(protocol.ItemMessage)
	if first.Content[0].Text != "turn1" {
		t.Fatalf("expected turn1 to survive, got %+v", first)
	}
}

func TestReplaceLastTurnImages(t *testing.T) {
	m := NewManager()
	m.RecordItems([]protocol.ResponseItem{
		userMsg("earlier"),
		protocol.ItemMessage{Role: "user", Content: []protocol.ContentItem{
			{Type: protocol.ContentInputImage, Image: "data:..."},
			{Type: protocol.ContentInputText, Text: "look at this"},
		}},
	}, DefaultTruncationPolicy)

	m.ReplaceLastTurnImages("[image removed]")
	items := m.RawItems()
	last := items[len(items)-1].(protocol.ItemMessage)
	if last.Content[0].Type != protocol.ContentInputText || last.Content[0].Text != "[image removed]" {
		t.Fatalf("expected image replaced with placeholder, got %+v", last.Content[0])
	}
}

func TestEstimateTokenCountNonZero(t *testing.T) {
	m := NewManager()
	m.RecordItems([]protocol.ResponseItem{userMsg("a reasonably long piece of text to tokenize")}, DefaultTruncationPolicy)
	if n := m.EstimateTokenCount("system prompt text"); n <= 0 {
		t.Fatalf("expected positive token estimate, got %d", n)
	}
}

func TestOptimizeToolResultsKeepsOnlyLatestRead(t *testing.T) {
	m := NewManager()
	args, _ := json.Marshal(map[string]string{"path": "a.go"})
	m.RecordItems([]protocol.ResponseItem{
		protocol.ItemFunctionCall{CallID: "c1", Name: "read_file", Arguments: args},
		protocol.ItemFunctionCallOutput{CallID: "c1", Output: "old content"},
		protocol.ItemFunctionCall{CallID: "c2", Name: "read_file", Arguments: args},
		protocol.ItemFunctionCallOutput{CallID: "c2", Output: "new content"},
	}, DefaultTruncationPolicy)

	m.OptimizeToolResults()
	items := m.RawItems()
	first := items[1].(protocol.ItemFunctionCallOutput)
	if first.Output == "old content" {
		t.Fatalf("expected superseded read_file output to be replaced, got %q", first.Output)
	}
	last := items[3].(protocol.ItemFunctionCallOutput)
	if last.Output != "new content" {
		t.Fatalf("expected latest read_file output preserved, got %q", last.Output)
	}
}

func TestPruneKeepsFirstAndStripsOrphans(t *testing.T) {
	m := NewManager()
	items := []protocol.ResponseItem{userMsg("initial task")}
	for i := 0; i < 50; i++ {
		items = append(items,
			protocol.ItemMessage{Role: "assistant", Content: []protocol.ContentItem{{Type: protocol.ContentOutputText, Text: "some moderately long assistant text to burn tokens"}}},
			userMsg("some moderately long user text to burn tokens as well"),
		)
	}
	m.RecordItems(items, DefaultTruncationPolicy)

	result := m.Prune(1200, "system prompt")
	if !result.WasTruncated {
		t.Fatalf("expected pruning to trigger for a tight token budget")
	}
	first := result.Items[0].(protocol.ItemMessage)
	if first.Content[0].Text != "initial task" {
		t.Fatalf("expected first item pinned, got %+v", first)
	}

	keptCallIDs := map[string]bool{}
	for _, item := range result.Items {
		if call, ok := item.(protocol.ItemFunctionCall); ok {
			keptCallIDs[call.CallID] = true
		}
	}
	for _, item := range result.Items {
		if out, ok := item.(protocol.ItemFunctionCallOutput); ok && !keptCallIDs[out.CallID] {
			t.Fatalf("found orphaned tool output for call %s", out.CallID)
		}
	}
}
