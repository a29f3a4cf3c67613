package toolrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/creack/pty"

	"github.com/codex-core/session-engine/internal/protocol"
	"github.com/codex-core/session-engine/internal/sandbox"
)

type execArgs struct {
	Command []string `json:"command"`
	Cwd     string   `json:"cwd,omitempty"`
}

// execCommandHandler runs a command through a pseudo-terminal, streaming
// output as ExecCommandOutputDelta events and gating escalated
// permissions through the active AskForApproval policy, grounded on the
// teacher's PTYManager.Start and ExecuteCommand (spec §4.5).
func execCommandHandler(ctx context.Context, deps *Deps, call ToolInvocation) (string, bool, *FunctionCallError) {
	var args execArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return "", false, respondToModel("invalid exec_command arguments: %v", err)
	}
	if len(args.Command) == 0 {
		return "", false, respondToModel("exec_command requires a non-empty command array")
	}

	cwd := args.Cwd
	if cwd == "" {
		cwd = deps.Cwd
	}

	if !sandbox.IsSafeCommand(args.Command) {
		needsApproval, rejection := sandbox.RequiresApproval(deps.ApprovalPolicy)
		if !needsApproval {
			return "", false, respondToModel("%s", rejection)
		}
		decision, err := deps.Sink.RequestCommandApproval(ctx, call.CallID, args.Command, cwd,
			fmt.Sprintf("run %s", strings.Join(args.Command, " ")))
		if err != nil {
			return "", false, fatal("approval request failed: %v", err)
		}
		switch decision {
		case protocol.ReviewApproved, protocol.ReviewApprovedForSession, protocol.ReviewApprovedExecAmendment:
			// fall through to execution
		case protocol.ReviewDenied:
			return "", false, respondToModel("command was not approved")
		case protocol.ReviewAbort:
			return "", false, fatal("turn aborted by user during approval")
		}
	}

	parsed := classifyCommand(args.Command)
	deps.Sink.ExecCommandBegin(call.CallID, args.Command, cwd, parsed, "function_call")

	start := time.Now()
	cmd := exec.CommandContext(ctx, args.Command[0], args.Command[1:]...)
	cmd.Dir = cwd

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return "", false, respondToModel("failed to start command: %v", err)
	}
	defer ptmx.Close()

	var aggregated strings.Builder
	buf := make([]byte, 4096)
	for {
		n, readErr := ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			aggregated.Write(chunk)
			deps.Sink.ExecCommandOutputDelta(call.CallID, "stdout", chunk)
		}
		if readErr != nil {
			if readErr != io.EOF {
				// pty read errors on process exit are expected (EIO); treat as EOF.
			}
			break
		}
	}

	waitErr := cmd.Wait()
	duration := time.Since(start)
	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	output := aggregated.String()
	formatted := output
	deps.Sink.ExecCommandEnd(call.CallID, output, "", output, exitCode, duration.Milliseconds(), formatted)

	return output, exitCode == 0, nil
}

// classifyCommand gives each command word a coarse category, matching
// the ParsedCommand shape the transcript records (spec §4.5
// ExecCommandBegin.parsed_cmd).
func classifyCommand(argv []string) []protocol.ParsedCommand {
	if len(argv) == 0 {
		return nil
	}
	kind := "unknown"
	if sandbox.IsSafeCommand(argv) {
		kind = "read"
	} else {
		kind = "write"
	}
	return []protocol.ParsedCommand{{Type: kind, Command: strings.Join(argv, " ")}}
}
