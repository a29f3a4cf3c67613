package mcpconn

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/codex-core/session-engine/internal/protocol"
)

// fakeClient is a stand-in for *client.Client that never spawns a
// subprocess, letting Manager's connect/dispatch logic be exercised
// without a real MCP server.
type fakeClient struct {
	started    bool
	tools      []mcp.Tool
	lastCall   mcp.CallToolRequest
	result     *mcp.CallToolResult
	callErr    error
	closed     bool
	initErr    error
	listErr    error
}

func (f *fakeClient) Start(ctx context.Context) error { f.started = true; return nil }

func (f *fakeClient) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &mcp.InitializeResult{}, nil
}

func (f *fakeClient) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.lastCall = req
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.result, nil
}

func (f *fakeClient) Close() error { f.closed = true; return nil }

func newTestManager(t *testing.T, fake *fakeClient) *Manager {
	t.Helper()
	m := NewManager(SandboxState{SandboxPolicy: "workspace-write"})
	m.newClient = func(cfg ServerConfig) (mcpClient, error) { return fake, nil }
	if err := m.Connect(context.Background(), "srv1", ServerConfig{Command: "fake-server"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return m
}

func TestConnectCachesToolsAndStartsClient(t *testing.T) {
	fake := &fakeClient{tools: []mcp.Tool{{Name: "search_web"}, {Name: "read_file"}}}
	m := newTestManager(t, fake)

	if !fake.started {
		t.Fatal("expected Start to be called")
	}
	tools := m.ListAllTools()
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
}

func TestCallToolResolvesOwnerAndRendersTextContent(t *testing.T) {
	fake := &fakeClient{
		tools: []mcp.Tool{{Name: "search_web"}},
		result: &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent("result one")},
		},
	}
	m := newTestManager(t, fake)

	out, isError, err := m.CallTool(context.Background(), "search_web", []byte(`{"query":"go"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if isError {
		t.Fatal("expected isError false")
	}
	if out != "result one\n" {
		t.Fatalf("unexpected rendered output: %q", out)
	}
	if fake.lastCall.Params.Name != "search_web" {
		t.Fatalf("expected the call to target search_web, got %q", fake.lastCall.Params.Name)
	}
}

func TestCallToolUnknownNameErrors(t *testing.T) {
	fake := &fakeClient{tools: []mcp.Tool{{Name: "search_web"}}}
	m := newTestManager(t, fake)

	if _, _, err := m.CallTool(context.Background(), "no_such_tool", nil); err == nil {
		t.Fatal("expected an error for an unresolvable tool name")
	}
}

func TestCallDynamicToolSharesCallToolImplementation(t *testing.T) {
	fake := &fakeClient{
		tools:  []mcp.Tool{{Name: "search_web"}},
		result: &mcp.CallToolResult{IsError: true, Content: []mcp.Content{mcp.NewTextContent("boom")}},
	}
	m := newTestManager(t, fake)

	out, isError, err := m.CallDynamicTool(context.Background(), "search_web", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !isError || out != "boom\n" {
		t.Fatalf("expected an error result carrying boom, got %q isError=%v", out, isError)
	}
}

func TestSetSandboxStateUpdatesRecordedState(t *testing.T) {
	m := NewManager(SandboxState{SandboxPolicy: "read-only"})
	m.SetSandboxState(SandboxState{SandboxPolicy: "danger-full-access"})
	if got := m.SandboxState().SandboxPolicy; got != "danger-full-access" {
		t.Fatalf("expected updated sandbox policy, got %q", got)
	}
}

func TestResolveElicitationDeliversDecisionToWaiter(t *testing.T) {
	m := NewManager(SandboxState{})
	done := make(chan protocol.ReviewDecision, 1)
	go func() {
		decision, err := m.AwaitElicitation(context.Background(), "req-1")
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			return
		}
		done <- decision
	}()

	for {
		if err := m.ResolveElicitation("req-1", protocol.ReviewApproved); err == nil {
			break
		}
	}
	if got := <-done; got != protocol.ReviewApproved {
		t.Fatalf("expected ReviewApproved, got %v", got)
	}
}

func TestResolveElicitationWithNoWaiterErrors(t *testing.T) {
	m := NewManager(SandboxState{})
	if err := m.ResolveElicitation("missing", protocol.ReviewDenied); err == nil {
		t.Fatal("expected an error resolving an unknown request id")
	}
}

func TestCloseClosesEveryConnection(t *testing.T) {
	fake := &fakeClient{}
	m := newTestManager(t, fake)
	if err := m.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fake.closed {
		t.Fatal("expected Close to close the underlying client")
	}
	if len(m.ListAllTools()) != 0 {
		t.Fatal("expected no tools after Close")
	}
}

func TestRefreshSwapsConnectionsAtomically(t *testing.T) {
	oldFake := &fakeClient{tools: []mcp.Tool{{Name: "old_tool"}}}
	m := newTestManager(t, oldFake)

	newFake := &fakeClient{tools: []mcp.Tool{{Name: "new_tool"}}}
	m.newClient = func(cfg ServerConfig) (mcpClient, error) { return newFake, nil }

	if errs := m.Refresh(context.Background(), map[string]ServerConfig{"srv2": {Command: "fake-server-2"}}); len(errs) != 0 {
		t.Fatalf("unexpected connect errors: %v", errs)
	}

	if !oldFake.closed {
		t.Fatal("expected the old connection to be closed on refresh")
	}
	tools := m.ListAllTools()
	if len(tools) != 1 || tools[0].Name != "new_tool" {
		t.Fatalf("expected only the refreshed server's tools, got %+v", tools)
	}
}
