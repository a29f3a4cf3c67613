// Package toolrouter implements the tool router (C5): it turns
// FunctionCall/CustomToolCall ResponseItems into ToolInvocations,
// dispatches them to the matching handler, and folds the result back
// into a ResponseItem to record into history.
package toolrouter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codex-core/session-engine/internal/protocol"
)

// ErrorKind discriminates the two ways a tool call can fail.
type ErrorKind int

const (
	// RespondToModel means the call result itself carries the error text
	// back to the model as the function output, so the turn continues.
	RespondToModel ErrorKind = iota
	// Fatal ends the turn with an error event.
	Fatal
)

// FunctionCallError is the error type every handler returns on failure.
type FunctionCallError struct {
	Kind    ErrorKind
	Message string
}

func (e *FunctionCallError) Error() string { return e.Message }

func respondToModel(format string, args ...any) *FunctionCallError {
	return &FunctionCallError{Kind: RespondToModel, Message: fmt.Sprintf(format, args...)}
}

func fatal(format string, args ...any) *FunctionCallError {
	return &FunctionCallError{Kind: Fatal, Message: fmt.Sprintf(format, args...)}
}

// ToolSpec is one descriptor advertised to the model, matching the
// teacher's ToolDefinition shape (name/description/JSON schema).
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolsConfig gates which specs are advertised, mirroring model
// capability/feature-flag/web-search-mode gating in the teacher's
// executor (spec §4.5 "given a ToolsConfig... and a list of dynamic
// tools").
type ToolsConfig struct {
	SupportsWebSearch  bool
	SupportsExec       bool
	SupportsReadDefs   bool
	DynamicTools       []ToolSpec
}

// ToolInvocation is the internal representation build_tool_call
// produces from a ResponseItem.
type ToolInvocation struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
	Custom    bool
}

// Handler executes one tool invocation and returns the output text
// plus whether the call is considered to have succeeded.
type Handler func(ctx context.Context, deps *Deps, call ToolInvocation) (output string, success bool, fcErr *FunctionCallError)

// Deps bundles everything a handler needs: the turn's approval policy,
// the working directory, and the sink events flow through. Handlers
// never talk to the transport directly.
type Deps struct {
	ApprovalPolicy protocol.AskForApproval
	Cwd            string
	Sandbox        protocol.SandboxPolicy
	Sink           EventSink
}

// EventSink receives the lifecycle events a handler emits while
// running, and answers approval requests (spec §4.5 "opens a pending
// approval"). Session (C8) implements this against the live
// transport/rollout stack; tests can supply a fake.
type EventSink interface {
	ExecCommandBegin(callID string, command []string, cwd string, parsed []protocol.ParsedCommand, source string)
	ExecCommandOutputDelta(callID, stream string, chunk []byte)
	ExecCommandEnd(callID, stdout, stderr, aggregated string, exitCode int, durationMs int64, formatted string)
	RequestCommandApproval(ctx context.Context, callID string, command []string, cwd, reason string) (protocol.ReviewDecision, error)
	RequestPatchApproval(ctx context.Context, callID string, files []string, reason string) (protocol.ReviewDecision, error)
}

// Router owns the handler registry and dispatches invocations.
type Router struct {
	handlers map[string]Handler
	dynamic  DynamicCaller
}

// DynamicCaller forwards unknown tool names to the MCP connection
// manager (C12); nil means no MCP tools are wired.
type DynamicCaller interface {
	CallDynamicTool(ctx context.Context, name string, args json.RawMessage) (output string, isError bool, err error)
}

// NewRouter builds a router with the built-in handlers registered.
func NewRouter(dynamic DynamicCaller) *Router {
	r := &Router{handlers: make(map[string]Handler), dynamic: dynamic}
	r.handlers["exec_command"] = execCommandHandler
	r.handlers["read_definitions"] = readDefinitionsHandler
	return r
}

// Register adds or overrides a handler, used by callers that want to
// extend the built-in set (e.g. a host-specific fs toolset).
func (r *Router) Register(name string, h Handler) {
	r.handlers[name] = h
}

// Specs lists the tool descriptors to advertise to the model for the
// given configuration.
func (r *Router) Specs(cfg ToolsConfig) []ToolSpec {
	specs := []ToolSpec{}
	if cfg.SupportsExec {
		specs = append(specs, ToolSpec{
			Name:        "exec_command",
			Description: "Execute a shell command in a pseudo-terminal and return its output.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"command"},
			},
		})
	}
	if cfg.SupportsReadDefs {
		specs = append(specs, ToolSpec{
			Name:        "read_definitions",
			Description: "Read code definitions (functions, types) from a source file.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string"},
				},
				"required": []string{"path"},
			},
		})
	}
	return append(specs, cfg.DynamicTools...)
}

// BuildToolCall converts a FunctionCall/CustomToolCall ResponseItem
// into a ToolInvocation, returning ok=false if the item is not a call
// (spec §4.5 build_tool_call).
func BuildToolCall(item protocol.ResponseItem) (ToolInvocation, bool) {
	switch v := item.(type) {
	case protocol.ItemFunctionCall:
		return ToolInvocation{CallID: v.CallID, Name: v.Name, Arguments: v.Arguments}, true
	case protocol.ItemCustomToolCall:
		return ToolInvocation{CallID: v.CallID, Name: v.Name, Arguments: json.RawMessage(v.Input), Custom: true}, true
	default:
		return ToolInvocation{}, false
	}
}

// DispatchToolCall invokes the matching handler and folds its result
// into a FunctionCallOutput/CustomToolCallOutput ResponseItem (spec
// §4.5 dispatch_tool_call). Unknown tool names are a fatal error.
func (r *Router) DispatchToolCall(ctx context.Context, deps *Deps, call ToolInvocation) (protocol.ResponseItem, *FunctionCallError) {
	if h, ok := r.handlers[call.Name]; ok {
		output, success, fcErr := h(ctx, deps, call)
		if fcErr != nil && fcErr.Kind == Fatal {
			return nil, fcErr
		}
		if fcErr != nil {
			output = fcErr.Message
			success = false
		}
		return wrapOutput(call, output, success), nil
	}

	if r.dynamic != nil {
		output, isError, err := r.dynamic.CallDynamicTool(ctx, call.Name, call.Arguments)
		if err != nil {
			return nil, fatal("mcp tool %q: %v", call.Name, err)
		}
		success := !isError
		return wrapOutput(call, output, success), nil
	}

	return nil, fatal("unknown tool: %s", call.Name)
}

func wrapOutput(call ToolInvocation, output string, success bool) protocol.ResponseItem {
	if call.Custom {
		return protocol.ItemCustomToolCallOutput{CallID: call.CallID, Output: output}
	}
	s := success
	return protocol.ItemFunctionCallOutput{CallID: call.CallID, Output: output, Success: &s}
}
