package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/codex-core/session-engine/internal/protocol"
)

func TestGetWritableRootsWithCwdGitWorktree(t *testing.T) {
	work := t.TempDir()
	realGit := t.TempDir()
	if err := os.WriteFile(filepath.Join(work, ".git"), []byte("gitdir: "+realGit+"\n"), 0o644); err != nil {
		t.Fatalf("write .git pointer: %v", err)
	}

	policy := protocol.WorkspaceWrite(nil, false, true, true)
	roots := GetWritableRootsWithCwd(policy, work)
	if len(roots) != 1 {
		t.Fatalf("expected exactly one root, got %d: %+v", len(roots), roots)
	}
	root := roots[0]
	if root.Root != work {
		t.Fatalf("expected root %s, got %s", work, root.Root)
	}

	wantGit := filepath.Join(work, ".git")
	wantResolved := filepath.Clean(realGit)
	if !containsPath(root.ReadOnlySubpaths, wantGit) {
		t.Fatalf("expected %s among read-only subpaths, got %v", wantGit, root.ReadOnlySubpaths)
	}
	if !containsPath(root.ReadOnlySubpaths, wantResolved) {
		t.Fatalf("expected resolved gitdir %s among read-only subpaths, got %v", wantResolved, root.ReadOnlySubpaths)
	}
	for _, subpath := range root.ReadOnlySubpaths {
		if !strings.HasPrefix(subpath, root.Root) && subpath != wantResolved {
			t.Fatalf("subpath %s is not a descendant of root %s", subpath, root.Root)
		}
	}
}

func TestGetWritableRootsWithCwdNoRestrictionsForFullAccess(t *testing.T) {
	if roots := GetWritableRootsWithCwd(protocol.DangerFullAccess(), "/work"); roots != nil {
		t.Fatalf("expected no writable roots for DangerFullAccess, got %+v", roots)
	}
}

func containsPath(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
