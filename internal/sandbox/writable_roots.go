// Package sandbox computes the writable-root derivation of a
// SandboxPolicy (C10): the directories tool executions may write under,
// each annotated with descendant subpaths that stay read-only.
package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/codex-core/session-engine/internal/protocol"
)

// GetWritableRootsWithCwd computes the writable roots for a policy given
// the turn's cwd, following the upstream algorithm: DangerFullAccess,
// ReadOnly and ExternalSandbox contribute no writable roots (the first
// two don't need them, the sandbox is already externally enforced for
// the third); WorkspaceWrite starts from its explicit roots, always adds
// cwd, adds /tmp unless excluded, adds $TMPDIR unless excluded, and
// computes .git/.agents/.codex read-only subpaths for each root.
func GetWritableRootsWithCwd(policy protocol.SandboxPolicy, cwd string) []protocol.WritableRoot {
	switch policy.Kind {
	case protocol.SandboxDangerFullAccess, protocol.SandboxReadOnly, protocol.SandboxExternal:
		return nil
	case protocol.SandboxWorkspaceWrite:
		// fall through
	default:
		return nil
	}

	roots := append([]string{}, policy.WritableRoots...)

	if abs, err := filepath.Abs(cwd); err == nil {
		roots = append(roots, abs)
	}

	if !policy.ExcludeSlashTmp {
		if info, err := os.Stat("/tmp"); err == nil && info.IsDir() {
			roots = append(roots, "/tmp")
		}
	}

	if !policy.ExcludeTmpdirEnvVar {
		if tmpdir := os.Getenv("TMPDIR"); tmpdir != "" {
			if abs, err := filepath.Abs(tmpdir); err == nil {
				roots = append(roots, abs)
			}
		}
	}

	out := make([]protocol.WritableRoot, 0, len(roots))
	for _, root := range roots {
		out = append(out, protocol.WritableRoot{
			Root:             root,
			ReadOnlySubpaths: readOnlySubpaths(root),
		})
	}
	return out
}

// readOnlySubpaths computes the paths that remain read-only for root:
// the top-level .git (directory or worktree/submodule pointer file, with
// the pointer resolved to its gitdir, which may lie outside root), and
// .agents/.codex when present.
func readOnlySubpaths(root string) []string {
	var subpaths []string

	topLevelGit := filepath.Join(root, ".git")
	info, err := os.Lstat(topLevelGit)
	if err == nil {
		switch {
		case info.Mode().IsRegular():
			if gitdir, ok := resolveGitdirFromFile(topLevelGit); ok {
				if !contains(subpaths, gitdir) {
					subpaths = append(subpaths, gitdir)
				}
			}
			subpaths = append(subpaths, topLevelGit)
		case info.IsDir():
			subpaths = append(subpaths, topLevelGit)
		}
	}

	for _, sub := range []string{".agents", ".codex"} {
		candidate := filepath.Join(root, sub)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			subpaths = append(subpaths, candidate)
		}
	}

	return subpaths
}

// resolveGitdirFromFile reads a ".git" pointer file of the form
// "gitdir: <path>" (as created for git worktrees and submodules) and
// resolves the referenced path to an absolute, existing directory.
func resolveGitdirFromFile(dotGit string) (string, bool) {
	contents, err := os.ReadFile(dotGit)
	if err != nil {
		return "", false
	}
	trimmed := strings.TrimSpace(string(contents))
	prefix, rest, ok := strings.Cut(trimmed, ":")
	_ = prefix
	if !ok {
		return "", false
	}
	gitdirRaw := strings.TrimSpace(rest)
	if gitdirRaw == "" {
		return "", false
	}

	base := filepath.Dir(dotGit)
	gitdirPath := gitdirRaw
	if !filepath.IsAbs(gitdirPath) {
		gitdirPath = filepath.Join(base, gitdirPath)
	}
	gitdirPath = filepath.Clean(gitdirPath)

	if _, err := os.Stat(gitdirPath); err != nil {
		return "", false
	}
	return gitdirPath, true
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
