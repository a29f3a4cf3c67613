package submission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/codex-core/session-engine/internal/modelclient"
	"github.com/codex-core/session-engine/internal/protocol"
	"github.com/codex-core/session-engine/internal/session"
	"github.com/codex-core/session-engine/internal/toolrouter"
	"github.com/codex-core/session-engine/internal/turnengine"
)

// fakePublisher captures every event a Session publishes, in order.
type fakePublisher struct {
	mu     sync.Mutex
	events []protocol.EventMsg
}

func (p *fakePublisher) Publish(ctx context.Context, threadID protocol.ThreadId, ev protocol.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev.Msg)
}

func (p *fakePublisher) snapshot() []protocol.EventMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.EventMsg, len(p.events))
	copy(out, p.events)
	return out
}

func (p *fakePublisher) waitFor(t *testing.T, kind string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range p.snapshot() {
			if ev.EventType() == kind {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for event %q, got %+v", kind, p.snapshot())
}

// fakeModelSession streams one fixed batch of events, blocking forever
// on the second Stream call so a turn can be held open for Interrupt
// tests.
type fakeModelSession struct {
	batches [][]modelclient.ResponseEvent
	call    int
	block   chan struct{}
}

func (f *fakeModelSession) Stream(ctx context.Context, prompt modelclient.Prompt) (<-chan modelclient.ResponseEvent, error) {
	idx := f.call
	f.call++
	if idx >= len(f.batches) {
		ch := make(chan modelclient.ResponseEvent)
		go func() {
			select {
			case <-f.block:
			case <-ctx.Done():
			}
			close(ch)
		}()
		return ch, nil
	}
	batch := f.batches[idx]
	ch := make(chan modelclient.ResponseEvent, len(batch))
	for _, e := range batch {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (f *fakeModelSession) TrySwitchFallbackTransport(ctx context.Context) bool { return false }

type fakeModelClient struct{ session *fakeModelSession }

func (f *fakeModelClient) NewSession(ctx context.Context) (modelclient.Session, error) {
	return f.session, nil
}

func assistantBatch(text string) []modelclient.ResponseEvent {
	return []modelclient.ResponseEvent{
		{Kind: modelclient.ResponseEventCreated},
		{
			Kind:   modelclient.ResponseEventOutputItemDone,
			ItemID: "item1",
			Item: protocol.ItemMessage{
				Role:    "assistant",
				Content: []protocol.ContentItem{{Type: protocol.ContentOutputText, Text: text}},
			},
		},
		{Kind: modelclient.ResponseEventCompleted, Usage: &protocol.TokenUsageInfo{}},
	}
}

func newTestLoop(t *testing.T, batches [][]modelclient.ResponseEvent) (*Loop, *session.Session, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	sess := session.New("thread-1", session.Configuration{
		Cwd:            t.TempDir(),
		Model:          "gpt-5-codex",
		ApprovalPolicy: protocol.ApprovalNever,
		SandboxPolicy:  protocol.SandboxPolicy{Kind: protocol.SandboxWorkspaceWrite},
	}, session.Services{Publisher: pub})

	modelSess := &fakeModelSession{batches: batches, block: make(chan struct{})}
	client := &fakeModelClient{session: modelSess}
	router := toolrouter.NewRouter(nil)
	engine := turnengine.New(client, router, sess.History(), sess, nil)

	loop := NewLoop(sess, engine, router, nil, nil, TurnDefaults{
		ModelContextWindow:    100000,
		AutoCompactTokenLimit: 90000,
		BaseInstructions:      "be concise",
	}, "/bin/bash")
	return loop, sess, pub
}

func TestSubmitAndRunDrainsUserInput(t *testing.T) {
	loop, _, pub := newTestLoop(t, [][]modelclient.ResponseEvent{assistantBatch("hello there")})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	if err := loop.Submit(ctx, protocol.Submission{ID: "sub1", Op: protocol.OpUserInput{
		Items: []protocol.InputItem{{Type: "text", Text: "hi"}},
	}}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	pub.waitFor(t, protocol.EventTurnComplete)

	if err := loop.Submit(ctx, protocol.Submission{ID: "sub2", Op: protocol.OpShutdown{}}); err != nil {
		t.Fatalf("submit shutdown failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after Shutdown")
	}
	pub.waitFor(t, protocol.EventShutdownComplete)
}

func TestInterruptAbortsActiveTurnExactlyOnce(t *testing.T) {
	loop, sess, pub := newTestLoop(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go loop.Run(ctx)

	if err := loop.Submit(ctx, protocol.Submission{ID: "sub1", Op: protocol.OpUserTurn{
		Items:          []protocol.InputItem{{Type: "text", Text: "keep going"}},
		Cwd:            sess.Config().Cwd,
		ApprovalPolicy: protocol.ApprovalNever,
		SandboxPolicy:  sess.Config().SandboxPolicy,
	}}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	pub.waitFor(t, protocol.EventTurnStarted)

	if err := loop.Submit(ctx, protocol.Submission{ID: "sub2", Op: protocol.OpInterrupt{}}); err != nil {
		t.Fatalf("submit interrupt failed: %v", err)
	}
	pub.waitFor(t, protocol.EventTurnAborted)

	count := 0
	for _, ev := range pub.snapshot() {
		if ev.EventType() == protocol.EventTurnAborted {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one TurnAborted event, got %d", count)
	}
	if sess.ActiveTurnSnapshot() != nil {
		t.Fatalf("expected the active-turn slot to be cleared after interrupt")
	}
}

func TestThreadRollbackRejectsZeroTurnsAndWhileActive(t *testing.T) {
	loop, sess, pub := newTestLoop(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	if err := loop.Submit(ctx, protocol.Submission{ID: "sub1", Op: protocol.OpThreadRollback{NumTurns: 0}}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	pub.waitFor(t, protocol.EventError)

	if err := loop.Submit(ctx, protocol.Submission{ID: "sub2", Op: protocol.OpUserTurn{
		Items:          []protocol.InputItem{{Type: "text", Text: "go"}},
		Cwd:            sess.Config().Cwd,
		ApprovalPolicy: protocol.ApprovalNever,
		SandboxPolicy:  sess.Config().SandboxPolicy,
	}}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	pub.waitFor(t, protocol.EventTurnStarted)

	if err := loop.Submit(ctx, protocol.Submission{ID: "sub3", Op: protocol.OpThreadRollback{NumTurns: 1}}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	rejections := 0
	for time.Now().Before(deadline) {
		rejections = 0
		for _, ev := range pub.snapshot() {
			if msg, ok := ev.(protocol.MsgError); ok && msg.CodexErrorInfo == protocol.ErrInfoThreadRollbackFailed {
				rejections++
			}
		}
		if rejections > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if rejections == 0 {
		t.Fatalf("expected a thread_rollback_failed error while a turn is active, got %+v", pub.snapshot())
	}
}

func TestThreadRollbackSucceedsWhenIdle(t *testing.T) {
	loop, sess, pub := newTestLoop(t, [][]modelclient.ResponseEvent{assistantBatch("hello there")})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	if err := loop.Submit(ctx, protocol.Submission{ID: "sub1", Op: protocol.OpUserInput{
		Items: []protocol.InputItem{{Type: "text", Text: "hi"}},
	}}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	pub.waitFor(t, protocol.EventTurnComplete)

	if err := loop.Submit(ctx, protocol.Submission{ID: "sub2", Op: protocol.OpThreadRollback{NumTurns: 1}}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	pub.waitFor(t, protocol.EventThreadRolledBack)

	if sess.ActiveTurnSnapshot() != nil {
		t.Fatalf("rollback must not leave a turn active")
	}
}

func TestExecApprovalAbortTriggersInterrupt(t *testing.T) {
	loop, sess, pub := newTestLoop(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	if err := loop.Submit(ctx, protocol.Submission{ID: "sub1", Op: protocol.OpUserTurn{
		Items:          []protocol.InputItem{{Type: "text", Text: "go"}},
		Cwd:            sess.Config().Cwd,
		ApprovalPolicy: protocol.ApprovalNever,
		SandboxPolicy:  sess.Config().SandboxPolicy,
	}}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	pub.waitFor(t, protocol.EventTurnStarted)

	if err := loop.Submit(ctx, protocol.Submission{ID: "sub2", Op: protocol.OpExecApproval{
		ID: "req1", Decision: protocol.ReviewAbort,
	}}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	pub.waitFor(t, protocol.EventTurnAborted)
}

func TestOverrideTurnContextUpdatesConfigWithoutSpawningTurn(t *testing.T) {
	loop, sess, pub := newTestLoop(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	newModel := "gpt-5-codex-mini"
	if err := loop.Submit(ctx, protocol.Submission{ID: "sub1", Op: protocol.OpOverrideTurnContext{
		Model: &newModel,
	}}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sess.Config().Model != newModel {
		time.Sleep(time.Millisecond)
	}
	if got := sess.Config().Model; got != newModel {
		t.Fatalf("expected model override to apply, got %q", got)
	}
	if sess.ActiveTurnSnapshot() != nil {
		t.Fatalf("OverrideTurnContext must not spawn a turn")
	}
	_ = pub
}

func TestRunUserShellCommandRunsAsDedicatedTask(t *testing.T) {
	loop, sess, pub := newTestLoop(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	if err := loop.Submit(ctx, protocol.Submission{ID: "sub1", Op: protocol.OpRunUserShellCommand{
		Command: "echo hi",
	}}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sess.ActiveTurnSnapshot() != nil {
		time.Sleep(time.Millisecond)
	}
	if sess.ActiveTurnSnapshot() != nil {
		t.Fatalf("expected the shell-command task to end and clear the active-turn slot")
	}

	found := false
	for _, item := range loop.sess.History().RawItems() {
		if out, ok := item.(protocol.ItemFunctionCallOutput); ok && out.CallID == "sub1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the exec_command result to be recorded into history")
	}
}

func TestSeedInitialContextRecordsEnvironment(t *testing.T) {
	loop, sess, _ := newTestLoop(t, nil)
	loop.SeedInitialContext("be concise", "fix the bug")

	items := sess.History().RawItems()
	if len(items) == 0 {
		t.Fatalf("expected SeedInitialContext to record history items")
	}
}
