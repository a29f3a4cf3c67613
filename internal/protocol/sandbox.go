package protocol

import (
	"encoding/json"
	"fmt"
)

// AskForApproval governs when the tool router must pause for a human
// decision before running an escalated-permission command.
type AskForApproval string

const (
	ApprovalUnlessTrusted AskForApproval = "unless_trusted"
	ApprovalOnFailure     AskForApproval = "on_failure"
	ApprovalOnRequest     AskForApproval = "on_request"
	ApprovalNever         AskForApproval = "never"
)

// SandboxPolicy is the tagged union of OS-level write/network
// constraints applied to tool executions. The zero value decodes from
// no JSON and must not be used directly; always decode it from JSON
// (the "type" field fills Kind) or use one of the constructors below.
type SandboxPolicy struct {
	Kind string `json:"type"`

	// ExternalSandbox / WorkspaceWrite
	NetworkAccess bool `json:"network_access,omitempty"`

	// WorkspaceWrite only
	WritableRoots        []string `json:"writable_roots,omitempty"`
	ExcludeTmpdirEnvVar   bool    `json:"exclude_tmpdir_env_var,omitempty"`
	ExcludeSlashTmp       bool    `json:"exclude_slash_tmp,omitempty"`
}

const (
	SandboxDangerFullAccess = "danger_full_access"
	SandboxReadOnly         = "read_only"
	SandboxExternal         = "external_sandbox"
	SandboxWorkspaceWrite   = "workspace_write"
)

func DangerFullAccess() SandboxPolicy { return SandboxPolicy{Kind: SandboxDangerFullAccess} }
func ReadOnly() SandboxPolicy         { return SandboxPolicy{Kind: SandboxReadOnly} }

func ExternalSandbox(networkAccess bool) SandboxPolicy {
	return SandboxPolicy{Kind: SandboxExternal, NetworkAccess: networkAccess}
}

func WorkspaceWrite(writableRoots []string, networkAccess, excludeTmpdirEnvVar, excludeSlashTmp bool) SandboxPolicy {
	return SandboxPolicy{
		Kind:                SandboxWorkspaceWrite,
		WritableRoots:       writableRoots,
		NetworkAccess:       networkAccess,
		ExcludeTmpdirEnvVar: excludeTmpdirEnvVar,
		ExcludeSlashTmp:     excludeSlashTmp,
	}
}

// WritableRoot is the derived value of a SandboxPolicy for a given cwd:
// a root directory plus the subpaths that remain read-only despite the
// root being writable (e.g. .git, .agents, .codex, and the gitdir a .git
// pointer file resolves to, which may lie outside the root).
type WritableRoot struct {
	Root            string   `json:"root"`
	ReadOnlySubpaths []string `json:"read_only_subpaths"`
}

func (p SandboxPolicy) Validate() error {
	switch p.Kind {
	case SandboxDangerFullAccess, SandboxReadOnly, SandboxExternal, SandboxWorkspaceWrite:
		return nil
	default:
		return fmt.Errorf("protocol: unknown sandbox policy kind %q", p.Kind)
	}
}

// MarshalJSON renders the policy under its "type" discriminator,
// omitting fields that do not apply to the active variant.
func (p SandboxPolicy) MarshalJSON() ([]byte, error) {
	type alias SandboxPolicy
	switch p.Kind {
	case SandboxDangerFullAccess, SandboxReadOnly:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{p.Kind})
	case SandboxExternal:
		return json.Marshal(struct {
			Type          string `json:"type"`
			NetworkAccess bool   `json:"network_access"`
		}{p.Kind, p.NetworkAccess})
	default:
		a := alias(p)
		return json.Marshal(a)
	}
}
