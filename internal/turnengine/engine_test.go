package turnengine

import (
	"context"
	"testing"

	"github.com/codex-core/session-engine/internal/convo"
	"github.com/codex-core/session-engine/internal/modelclient"
	"github.com/codex-core/session-engine/internal/protocol"
	"github.com/codex-core/session-engine/internal/toolrouter"
)

type fakeSession struct {
	batches [][]modelclient.ResponseEvent
	call    int
}

func (f *fakeSession) Stream(ctx context.Context, prompt modelclient.Prompt) (<-chan modelclient.ResponseEvent, error) {
	batch := f.batches[f.call]
	f.call++
	ch := make(chan modelclient.ResponseEvent, len(batch))
	for _, e := range batch {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (f *fakeSession) TrySwitchFallbackTransport(ctx context.Context) bool { return false }

type fakeClient struct{ session *fakeSession }

func (f *fakeClient) NewSession(ctx context.Context) (modelclient.Session, error) { return f.session, nil }

type fakeServices struct {
	events  []protocol.EventMsg
	items   []protocol.ResponseItem
}

func (f *fakeServices) ExecCommandBegin(string, []string, string, []protocol.ParsedCommand, string) {}
func (f *fakeServices) ExecCommandOutputDelta(string, string, []byte)                                {}
func (f *fakeServices) ExecCommandEnd(string, string, string, string, int, int64, string)            {}
func (f *fakeServices) RequestCommandApproval(context.Context, string, []string, string, string) (protocol.ReviewDecision, error) {
	return protocol.ReviewApproved, nil
}
func (f *fakeServices) RequestPatchApproval(context.Context, string, []string, string) (protocol.ReviewDecision, error) {
	return protocol.ReviewApproved, nil
}
func (f *fakeServices) RecordConversationItems(items []protocol.ResponseItem) {
	f.items = append(f.items, items...)
}
func (f *fakeServices) SendEvent(msg protocol.EventMsg)          { f.events = append(f.events, msg) }
func (f *fakeServices) SendEventRawFlushed(msg protocol.EventMsg) { f.events = append(f.events, msg) }
func (f *fakeServices) NotifyStreamError(attempt, max int, err error) {}
func (f *fakeServices) UpdateTokenUsageInfo(info protocol.TokenUsageInfo) {}
func (f *fakeServices) UpdateRateLimits(snapshot protocol.RateLimitSnapshot) {}
func (f *fakeServices) RateLimits() *protocol.RateLimitSnapshot { return nil }

func TestRunTurnSimpleAssistantMessageNoFollowUp(t *testing.T) {
	session := &fakeSession{batches: [][]modelclient.ResponseEvent{
		{
			{Kind: modelclient.ResponseEventCreated},
			{
				Kind:   modelclient.ResponseEventOutputItemDone,
				ItemID: "item1",
				Item: protocol.ItemMessage{
					Role:    "assistant",
					Content: []protocol.ContentItem{{Type: protocol.ContentOutputText, Text: "hello there"}},
				},
			},
			{Kind: modelclient.ResponseEventCompleted, Usage: &protocol.TokenUsageInfo{}},
		},
	}}
	client := &fakeClient{session: session}
	router := toolrouter.NewRouter(nil)
	history := convo.NewManager()
	services := &fakeServices{}
	engine := New(client, router, history, services, nil)

	text, err := engine.RunTurn(context.Background(), Config{Model: "m"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hello there" {
		t.Fatalf("unexpected assistant text: %q", text)
	}
	if session.call != 1 {
		t.Fatalf("expected exactly one sampling request, got %d", session.call)
	}
}

func TestRunTurnDispatchesToolCallThenFollowsUp(t *testing.T) {
	toolArgs := []byte(`{"command":["echo","hi"]}`)
	session := &fakeSession{batches: [][]modelclient.ResponseEvent{
		{
			{
				Kind:   modelclient.ResponseEventOutputItemDone,
				ItemID: "call1",
				Item:   protocol.ItemFunctionCall{CallID: "call1", Name: "exec_command", Arguments: toolArgs},
			},
			{Kind: modelclient.ResponseEventCompleted, Usage: &protocol.TokenUsageInfo{}},
		},
		{
			{
				Kind:   modelclient.ResponseEventOutputItemDone,
				ItemID: "item2",
				Item: protocol.ItemMessage{
					Role:    "assistant",
					Content: []protocol.ContentItem{{Type: protocol.ContentOutputText, Text: "done"}},
				},
			},
			{Kind: modelclient.ResponseEventCompleted, Usage: &protocol.TokenUsageInfo{}},
		},
	}}
	client := &fakeClient{session: session}
	router := toolrouter.NewRouter(nil)
	history := convo.NewManager()
	services := &fakeServices{}
	engine := New(client, router, history, services, nil)

	text, err := engine.RunTurn(context.Background(), Config{Model: "m", Cwd: t.TempDir(), ApprovalPolicy: protocol.ApprovalNever}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "done" {
		t.Fatalf("expected final assistant text 'done', got %q", text)
	}
	if session.call != 2 {
		t.Fatalf("expected a follow-up sampling request after the tool call, got %d calls", session.call)
	}

	foundOutput := false
	for _, item := range services.items {
		if out, ok := item.(protocol.ItemFunctionCallOutput); ok && out.CallID == "call1" {
			foundOutput = true
		}
	}
	if !foundOutput {
		t.Fatalf("expected the tool call output to be recorded into history")
	}
}
