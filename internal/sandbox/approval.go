package sandbox

import (
	"fmt"

	"github.com/codex-core/session-engine/internal/protocol"
)

// RequiresApproval reports whether a command requesting escalated
// permissions must pause for a human decision under the given policy,
// mirroring the gating check the tool router performs before opening a
// pending approval (spec §4.5). Only AskForApproval == OnRequest allows
// the escalation to proceed to an interactive approval; any other
// policy value causes the handler to reject outright with the
// RespondToModel message the caller should return to the model.
func RequiresApproval(policy protocol.AskForApproval) (needsApproval bool, rejectionMessage string) {
	if policy == protocol.ApprovalOnRequest {
		return true, ""
	}
	return false, fmt.Sprintf("approval policy is %s; reject command requiring escalated permissions", policy)
}

// SafeCommands lists command names the tool router treats as read-only
// and therefore eligible to run without approval even under
// UnlessTrusted, matching the teacher's curated allowlist.
var SafeCommands = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "wc": true,
	"find": true, "grep": true, "rg": true, "sort": true,
	"pwd": true, "whoami": true, "date": true, "echo": true,
	"which": true, "type": true, "file": true, "stat": true,
	"go": true, "git": true, "diff": true, "tree": true,
}

// IsSafeCommand reports whether argv[0] (after stripping any directory
// prefix) names a known-safe read-only command.
func IsSafeCommand(argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	name := argv[0]
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			name = name[i+1:]
			break
		}
	}
	return SafeCommands[name]
}
