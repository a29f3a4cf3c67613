// Package mcpconn implements the MCP connection manager (C12): one
// sub-connection per configured server, tool discovery/dispatch across
// all of them, sandbox-state propagation, and elicitation routing (spec
// §4.12).
package mcpconn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/codex-core/session-engine/internal/protocol"
)

// callToolTimeout bounds a single tool invocation, matching the
// teacher's hub (internal/mcp/hub.go CallTool).
const callToolTimeout = 60 * time.Second

// listToolsTimeout bounds the tool-discovery call made right after a
// server connects.
const listToolsTimeout = 5 * time.Second

// mcpClient is the narrow surface Manager needs from an MCP client
// connection; *client.Client (github.com/mark3labs/mcp-go/client)
// satisfies it structurally. Narrowed to an interface so tests can
// substitute a fake without spawning a real subprocess.
type mcpClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

type connection struct {
	name   string
	client mcpClient
	tools  []mcp.Tool
}

// Manager owns every connected MCP server for one session. Satisfies
// both internal/session.MCPCaller and internal/toolrouter.DynamicCaller
// via CallTool and CallDynamicTool, which share one implementation.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*connection
	sandbox     SandboxState
	elicit      *elicitationRegistry

	// newClient is a seam over client.NewStdioMCPClient so tests can
	// inject a fake mcpClient instead of spawning a subprocess.
	newClient func(cfg ServerConfig) (mcpClient, error)
}

// NewManager builds an empty manager with no connections. Use Connect
// (or ConnectAll) to bring configured servers up.
func NewManager(sandbox SandboxState) *Manager {
	return &Manager{
		connections: make(map[string]*connection),
		sandbox:     sandbox,
		elicit:      newElicitationRegistry(),
		newClient:   defaultNewClient,
	}
}

func defaultNewClient(cfg ServerConfig) (mcpClient, error) {
	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Args)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ConnectAll connects every non-disabled server in configs, continuing
// past individual failures (spec §4.12 "one sub-connection per
// configured server"; a single misconfigured server should not prevent
// the rest from coming up). Returns one error per failed connection.
func (m *Manager) ConnectAll(ctx context.Context, configs map[string]ServerConfig) []error {
	var errs []error
	for name, cfg := range configs {
		if cfg.Disabled {
			continue
		}
		if err := m.Connect(ctx, name, cfg); err != nil {
			errs = append(errs, fmt.Errorf("mcpconn: connect %s: %w", name, err))
		}
	}
	return errs
}

// Connect brings up a single server: create the stdio client, start the
// subprocess, initialize the protocol handshake, and cache its tool
// list (spec §4.12; grounded on the teacher's Hub.connectInternal).
func (m *Manager) Connect(ctx context.Context, name string, cfg ServerConfig) error {
	c, err := m.newClient(cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = "2024-11-05"
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "codex-core", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	ctxTools, cancel := context.WithTimeout(ctx, listToolsTimeout)
	defer cancel()
	listResult, err := c.ListTools(ctxTools, mcp.ListToolsRequest{})
	var tools []mcp.Tool
	if listResult != nil {
		tools = listResult.Tools
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.connections[name]; ok {
		_ = existing.client.Close()
	}
	m.connections[name] = &connection{name: name, client: c, tools: tools}
	return err
}

// ListAllTools returns the flat union of every connected server's tool
// list (spec §4.12 "list_all_tools").
func (m *Manager) ListAllTools() []mcp.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []mcp.Tool
	for _, conn := range m.connections {
		all = append(all, conn.tools...)
	}
	return all
}

// findOwner resolves which connected server exposes a tool named name,
// mirroring the teacher's linear-scan-across-connections lookup (the
// spec's call_tool(server, tool, args) textual signature collapses to
// this in the teacher's Go implementation, since the server is always
// derivable from the tool name).
func (m *Manager) findOwner(name string) *connection {
	for _, conn := range m.connections {
		for _, tool := range conn.tools {
			if tool.Name == name {
				return conn
			}
		}
	}
	return nil
}

// callTool is the shared implementation behind CallTool and
// CallDynamicTool.
func (m *Manager) callTool(ctx context.Context, name string, args []byte) (string, bool, error) {
	m.mu.RLock()
	conn := m.findOwner(name)
	m.mu.RUnlock()
	if conn == nil {
		return "", false, fmt.Errorf("mcpconn: tool not found: %s", name)
	}

	var argsMap map[string]interface{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argsMap); err != nil {
			return "", false, fmt.Errorf("mcpconn: invalid arguments for %s: %w", name, err)
		}
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, callToolTimeout)
	defer cancel()
	result, err := conn.client.CallTool(ctxTimeout, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: argsMap},
	})
	if err != nil {
		return "", false, fmt.Errorf("mcpconn: call %s: %w", name, err)
	}

	text := renderContent(result.Content)
	return text, result.IsError, nil
}

// renderContent flattens a CallToolResult's content blocks into plain
// text for the function_call_output the model sees, matching the
// teacher's marshal/unmarshal-via-map generic inspection
// (internal/tools/executor.go).
func renderContent(content []mcp.Content) string {
	contentBytes, _ := json.Marshal(content)
	var blocks []map[string]interface{}
	_ = json.Unmarshal(contentBytes, &blocks)

	var sb strings.Builder
	for _, block := range blocks {
		switch block["type"] {
		case "text":
			if text, ok := block["text"].(string); ok {
				sb.WriteString(text)
				sb.WriteString("\n")
			}
		case "image":
			sb.WriteString("[image returned]\n")
		case "resource":
			sb.WriteString("[resource returned]\n")
		}
	}
	return sb.String()
}

// CallTool satisfies internal/session.MCPCaller.
func (m *Manager) CallTool(ctx context.Context, name string, args []byte) (string, bool, error) {
	return m.callTool(ctx, name, args)
}

// CallDynamicTool satisfies internal/toolrouter.DynamicCaller. args is
// json.RawMessage, which is assignable to []byte without conversion, so
// it forwards straight into the shared implementation.
func (m *Manager) CallDynamicTool(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	return m.callTool(ctx, name, args)
}

// SetSandboxState records the session's current sandbox policy in the
// manager's own bookkeeping. The recorded state is returned by
// SandboxState and carried over to the replacement manager a Refresh
// builds; it is not sent to any server, neither to servers already
// connected nor to servers that Connect brings up later.
func (m *Manager) SetSandboxState(state SandboxState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sandbox = state
}

// SandboxState returns the last sandbox state recorded via SetSandboxState
// or passed to NewManager.
func (m *Manager) SandboxState() SandboxState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sandbox
}

// ResolveElicitation delivers a decision to a server-initiated
// elicitation request a tool call is blocked on (spec §4.12
// "resolve_elicitation").
func (m *Manager) ResolveElicitation(requestID string, decision protocol.ReviewDecision) error {
	return m.elicit.Resolve(requestID, decision)
}

// AwaitElicitation blocks until ResolveElicitation is called for
// requestID or ctx is canceled. A server-facing elicitation handler
// (wired through mcp.ClientSession once a concrete server needs it)
// would call this while the server waits on the reply.
func (m *Manager) AwaitElicitation(ctx context.Context, requestID string) (protocol.ReviewDecision, error) {
	return m.elicit.await(ctx, requestID)
}

// Refresh atomically swaps the live connection set for a freshly built
// one (spec §4.12 "a refresh swaps the entire manager atomically at a
// turn boundary"), closing every connection the old set held.
func (m *Manager) Refresh(ctx context.Context, configs map[string]ServerConfig) []error {
	replacement := NewManager(m.SandboxState())
	replacement.newClient = m.newClient
	errs := replacement.ConnectAll(ctx, configs)

	m.mu.Lock()
	old := m.connections
	m.connections = replacement.connections
	m.mu.Unlock()

	for _, conn := range old {
		_ = conn.client.Close()
	}
	return errs
}

// Close shuts down every connected server.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.connections {
		_ = conn.client.Close()
	}
	m.connections = make(map[string]*connection)
	return nil
}
