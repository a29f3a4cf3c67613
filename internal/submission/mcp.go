package submission

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codex-core/session-engine/internal/mcpconn"
	"github.com/codex-core/session-engine/internal/protocol"
)

// handleListMcpTools reports the names of every tool currently exposed
// by a connected MCP server (spec §4.12 "list_all_tools"). There is no
// dedicated response EventMsg in scope for this query, so the listing
// is reported as a background event rather than inventing new protocol
// surface, matching the treatment of the other discovery ops this loop
// does not have a typed response for.
func (l *Loop) handleListMcpTools() {
	if l.mcp == nil {
		l.sess.NotifyBackgroundEvent("no MCP servers are connected")
		return
	}
	tools := l.mcp.ListAllTools()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	l.sess.NotifyBackgroundEvent(fmt.Sprintf("mcp tools: %s", strings.Join(names, ", ")))
}

// handleRefreshMcpServers decodes the new server configuration and
// atomically swaps the manager's connection set (spec §4.12 "a refresh
// swaps the entire manager atomically at a turn boundary").
func (l *Loop) handleRefreshMcpServers(op protocol.OpRefreshMcpServers) {
	if l.mcp == nil {
		l.sess.NotifyBackgroundEvent("no MCP manager configured, cannot refresh")
		return
	}
	var configs map[string]mcpconn.ServerConfig
	if len(op.Config) > 0 {
		if err := json.Unmarshal(op.Config, &configs); err != nil {
			l.sess.NotifyBackgroundEvent(fmt.Sprintf("invalid MCP server config: %v", err))
			return
		}
	}
	if errs := l.mcp.Refresh(context.Background(), configs); len(errs) > 0 {
		l.sess.NotifyBackgroundEvent(fmt.Sprintf("MCP refresh completed with %d error(s): %v", len(errs), errs))
	}
}

// handleResolveElicitation delivers the user's decision to a tool call
// blocked on a server-initiated elicitation (spec §4.12
// "resolve_elicitation"). ServerName is accepted on the wire for parity
// with the spec's call shape but is not needed to route the decision,
// since request ids are already unique across servers.
func (l *Loop) handleResolveElicitation(op protocol.OpResolveElicitation) {
	if l.mcp == nil {
		l.sess.NotifyBackgroundEvent("no MCP manager configured, cannot resolve elicitation")
		return
	}
	if err := l.mcp.ResolveElicitation(op.RequestID, op.Decision); err != nil {
		l.sess.NotifyBackgroundEvent(fmt.Sprintf("resolve_elicitation: %v", err))
	}
}
