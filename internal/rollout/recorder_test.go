package rollout

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/codex-core/session-engine/internal/protocol"
)

func mustParseTime(t *testing.T) time.Time {
	t.Helper()
	at, err := time.Parse(time.RFC3339, "2026-07-29T12:00:00Z")
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return at
}

func TestRecorderWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thread.jsonl")

	rec, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	rec.Record(protocol.RolloutSessionMeta{ID: "t1", Timestamp: "2026-07-29T00:00:00Z", Cwd: "/work"})
	rec.Record(protocol.RolloutResponseItem{Item: protocol.ItemMessage{Role: "user", Content: []protocol.ContentItem{{Type: protocol.ContentInputText, Text: "hi"}}}})
	// transient deltas are filtered out and must not appear on disk
	rec.Record(protocol.RolloutEventMsg{Msg: protocol.MsgAgentMessageContentDelta{ItemID: "x", Delta: "partial"}})

	if err := rec.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	records, err := ReadAll(path)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 persisted records (delta filtered out), got %d", len(records))
	}
	if _, ok := records[0].Item.(protocol.RolloutSessionMeta); !ok {
		t.Fatalf("expected first record to be RolloutSessionMeta, got %T", records[0].Item)
	}
}

func TestRecorderPathIncludesDate(t *testing.T) {
	path := Path("/home/u/.codex", protocol.ThreadId("abc"), mustParseTime(t))
	want := filepath.Join("/home/u/.codex", "sessions", "2026-07-29", "abc.jsonl")
	if path != want {
		t.Fatalf("expected %s, got %s", want, path)
	}
}
