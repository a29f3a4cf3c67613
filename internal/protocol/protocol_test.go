package protocol

import (
	"encoding/json"
	"testing"
)

func TestSubmissionRoundTrip(t *testing.T) {
	sub := Submission{ID: "1", Op: OpUserInput{Items: []InputItem{{Type: "text", Text: "hi"}}}}
	data, err := json.Marshal(sub)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Submission
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != sub.ID {
		t.Fatalf("id mismatch: %+v", got)
	}
	ui, ok := got.Op.(*OpUserInput)
	if !ok {
		t.Fatalf("expected *OpUserInput, got %T", got.Op)
	}
	if len(ui.Items) != 1 || ui.Items[0].Text != "hi" {
		t.Fatalf("unexpected items: %+v", ui.Items)
	}
}

func TestDecodeOpUnknownVariant(t *testing.T) {
	op, err := DecodeOp(json.RawMessage(`{"type":"some_future_op","foo":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unk, ok := op.(UnknownOp)
	if !ok {
		t.Fatalf("expected UnknownOp, got %T", op)
	}
	if unk.Tag != "some_future_op" {
		t.Fatalf("unexpected tag: %s", unk.Tag)
	}
}

func TestEventLegacyAliasRoundTrip(t *testing.T) {
	// task_started/task_complete are accepted as input aliases of
	// turn_started/turn_complete, and re-emitted in the legacy form.
	msg, err := DecodeEventMsg(json.RawMessage(`{"type":"task_started","model_context_window":1000}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	started, ok := msg.(*MsgTurnStarted)
	if !ok {
		t.Fatalf("expected *MsgTurnStarted, got %T", msg)
	}
	if started.ModelContextWindow != 1000 {
		t.Fatalf("unexpected window: %d", started.ModelContextWindow)
	}

	ev := Event{ID: "1", Msg: started}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var shape struct {
		Type string `json:"type"`
	}
	var wrapper struct {
		Msg json.RawMessage `json:"msg"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		t.Fatalf("unmarshal wrapper: %v", err)
	}
	if err := json.Unmarshal(wrapper.Msg, &shape); err != nil {
		t.Fatalf("unmarshal msg: %v", err)
	}
	if shape.Type != EventLegacyTaskStarted {
		t.Fatalf("expected legacy tag %q on output, got %q", EventLegacyTaskStarted, shape.Type)
	}
}

func TestSandboxPolicyWorkspaceWriteRoundTrip(t *testing.T) {
	p := WorkspaceWrite([]string{"/work"}, true, false, true)
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got SandboxPolicy
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != SandboxWorkspaceWrite || len(got.WritableRoots) != 1 || got.WritableRoots[0] != "/work" {
		t.Fatalf("unexpected policy: %+v", got)
	}
	if !got.ExcludeSlashTmp || got.ExcludeTmpdirEnvVar {
		t.Fatalf("unexpected flags: %+v", got)
	}
}

func TestRolloutRecordResponseItemRoundTrip(t *testing.T) {
	rec := RolloutRecord{
		Timestamp: "2026-07-29T00:00:00Z",
		Item: RolloutResponseItem{Item: ItemMessage{Role: "user", Content: []ContentItem{{Type: ContentInputText, Text: "hi"}}}},
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got RolloutRecord
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	wrapped, ok := got.Item.(RolloutResponseItem)
	if !ok {
		t.Fatalf("expected RolloutResponseItem, got %T", got.Item)
	}
	msg, ok := wrapped.Item.(*ItemMessage)
	if !ok {
		t.Fatalf("expected *ItemMessage, got %T", wrapped.Item)
	}
	if msg.Role != "user" || len(msg.Content) != 1 || msg.Content[0].Text != "hi" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}
