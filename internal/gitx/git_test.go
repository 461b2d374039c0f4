package gitx

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/tiller/internal/model"
)

// setupTestRepo creates a temporary directory with an initialized git
// repository containing a single commit on main. A local user identity is
// configured so `git commit` works in environments without a global git
// config.
func setupTestRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	runTestGit(t, dir, "init", "-b", "main")
	runTestGit(t, dir, "config", "user.email", "test@example.com")
	runTestGit(t, dir, "config", "user.name", "Test User")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test Repo\n"), 0o644))
	runTestGit(t, dir, "add", ".")
	runTestGit(t, dir, "commit", "-m", "initial commit")

	return dir
}

// runTestGit runs a git command in dir and fails the test on a non-zero
// exit.
func runTestGit(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v failed: %s", args, string(output))
	return string(output)
}

// commitFile writes content and commits it.
func commitFile(t *testing.T, dir, name, content, message string) {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	runTestGit(t, dir, "add", name)
	runTestGit(t, dir, "commit", "-m", message)
}

func TestAddWorktree_NewBranch(t *testing.T) {
	repo := setupTestRepo(t)
	c := NewClient(0)
	ctx := context.Background()

	wtPath := filepath.Join(t.TempDir(), "feature-auth")
	require.NoError(t, c.AddWorktree(ctx, repo, "feature-auth", wtPath))

	branch, err := c.CurrentBranch(ctx, wtPath)
	require.NoError(t, err)
	assert.Equal(t, "feature-auth", branch)
}

func TestAddWorktree_ExistingBranch(t *testing.T) {
	repo := setupTestRepo(t)
	c := NewClient(0)
	ctx := context.Background()

	runTestGit(t, repo, "branch", "existing")
	wtPath := filepath.Join(t.TempDir(), "existing")
	require.NoError(t, c.AddWorktree(ctx, repo, "existing", wtPath))

	branch, err := c.CurrentBranch(ctx, wtPath)
	require.NoError(t, err)
	assert.Equal(t, "existing", branch)
}

// TestListWorktrees verifies the porcelain parse includes the main checkout
// and added worktrees with their branch refs.
func TestListWorktrees(t *testing.T) {
	repo := setupTestRepo(t)
	c := NewClient(0)
	ctx := context.Background()

	wtPath := filepath.Join(t.TempDir(), "feature-auth")
	require.NoError(t, c.AddWorktree(ctx, repo, "feature-auth", wtPath))

	worktrees, err := c.ListWorktrees(ctx, repo)
	require.NoError(t, err)
	require.Len(t, worktrees, 2)

	branches := make([]string, 0, len(worktrees))
	for _, wt := range worktrees {
		branches = append(branches, wt.Branch)
		assert.NotEmpty(t, wt.HEAD)
	}
	assert.Contains(t, branches, "refs/heads/main")
	assert.Contains(t, branches, "refs/heads/feature-auth")
}

// TestRemoveWorktree_DirtyRefusal verifies the conflict classification for
// git's refusal and the force escape hatch.
func TestRemoveWorktree_DirtyRefusal(t *testing.T) {
	repo := setupTestRepo(t)
	c := NewClient(0)
	ctx := context.Background()

	wtPath := filepath.Join(t.TempDir(), "feature-auth")
	require.NoError(t, c.AddWorktree(ctx, repo, "feature-auth", wtPath))
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "scratch.txt"), []byte("wip"), 0o644))

	err := c.RemoveWorktree(ctx, repo, wtPath, false)
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))

	require.NoError(t, c.RemoveWorktree(ctx, repo, wtPath, true))
	_, statErr := os.Stat(wtPath)
	assert.True(t, os.IsNotExist(statErr))
}

// TestStatus covers branch, dirty files, last commit and the no-upstream
// case.
func TestStatus(t *testing.T) {
	repo := setupTestRepo(t)
	c := NewClient(0)
	ctx := context.Background()

	status, err := c.Status(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, "main", status.Branch)
	assert.False(t, status.Dirty())
	assert.Equal(t, "initial commit", status.LastCommit)
	assert.False(t, status.HasUpstream)

	require.NoError(t, os.WriteFile(filepath.Join(repo, "new.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("changed"), 0o644))

	status, err = c.Status(ctx, repo)
	require.NoError(t, err)
	assert.True(t, status.Dirty())
	assert.ElementsMatch(t, []string{"new.txt", "README.md"}, status.DirtyFiles)
}

func TestBranchExists(t *testing.T) {
	repo := setupTestRepo(t)
	c := NewClient(0)
	ctx := context.Background()

	assert.True(t, c.BranchExists(ctx, repo, "main"))
	assert.False(t, c.BranchExists(ctx, repo, "nope"))
}

// TestIsMerged distinguishes merged from diverged branches without
// treating "not an ancestor" as a tool failure.
func TestIsMerged(t *testing.T) {
	repo := setupTestRepo(t)
	c := NewClient(0)
	ctx := context.Background()

	// A branch pointing at HEAD is trivially merged.
	runTestGit(t, repo, "branch", "merged-branch")
	merged, err := c.IsMerged(ctx, repo, "merged-branch", "main")
	require.NoError(t, err)
	assert.True(t, merged)

	// A branch with its own commit is not.
	runTestGit(t, repo, "checkout", "-b", "diverged")
	commitFile(t, repo, "feature.go", "package feature\n", "add feature")
	runTestGit(t, repo, "checkout", "main")

	merged, err = c.IsMerged(ctx, repo, "diverged", "main")
	require.NoError(t, err)
	assert.False(t, merged)
}

// TestDeleteBranch surfaces the unmerged refusal as a conflict and honors
// force.
func TestDeleteBranch(t *testing.T) {
	repo := setupTestRepo(t)
	c := NewClient(0)
	ctx := context.Background()

	runTestGit(t, repo, "checkout", "-b", "doomed")
	commitFile(t, repo, "doomed.go", "package doomed\n", "doomed work")
	runTestGit(t, repo, "checkout", "main")

	err := c.DeleteBranch(ctx, repo, "doomed", false)
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))
	assert.True(t, c.BranchExists(ctx, repo, "doomed"))

	require.NoError(t, c.DeleteBranch(ctx, repo, "doomed", true))
	assert.False(t, c.BranchExists(ctx, repo, "doomed"))
}

// TestCommitsSince returns subjects in the window and an empty slice for a
// window with no commits.
func TestCommitsSince(t *testing.T) {
	repo := setupTestRepo(t)
	c := NewClient(0)
	ctx := context.Background()

	since := time.Now().Add(-time.Hour)
	commitFile(t, repo, "a.go", "package a\n", "add a")
	commitFile(t, repo, "b.go", "package b\n", "add b")

	subjects, err := c.CommitsSince(ctx, repo, since)
	require.NoError(t, err)
	assert.Contains(t, subjects, "add a")
	assert.Contains(t, subjects, "add b")

	subjects, err = c.CommitsSince(ctx, repo, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, subjects)
}

// TestChangedFilesSince enumerates committed changes, deduplicated, and
// falls back to the working-tree diff when no commits fall in the window.
func TestChangedFilesSince(t *testing.T) {
	repo := setupTestRepo(t)
	c := NewClient(0)
	ctx := context.Background()

	since := time.Now().Add(-time.Hour)
	commitFile(t, repo, "handlers/auth.go", "package handlers\n", "auth handler")
	commitFile(t, repo, "handlers/auth.go", "package handlers // v2\n", "auth handler fix")

	files, err := c.ChangedFilesSince(ctx, repo, since)
	require.NoError(t, err)
	assert.Equal(t, []string{"handlers/auth.go"}, files, "duplicates collapse to one entry")

	// No commits in a future window, but an uncommitted edit exists: the
	// working-tree fallback reports it.
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("edited"), 0o644))
	files, err = c.ChangedFilesSince(ctx, repo, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md"}, files)
}

// TestUnpushedCount_NoUpstream reports the whole branch as unpushed with
// hasUpstream false.
func TestUnpushedCount_NoUpstream(t *testing.T) {
	repo := setupTestRepo(t)
	c := NewClient(0)
	ctx := context.Background()

	count, hasUpstream, err := c.UnpushedCount(ctx, repo)
	require.NoError(t, err)
	assert.False(t, hasUpstream)
	assert.Equal(t, 1, count)
}

// TestUnpushedCount_WithUpstream uses a local clone so an origin exists
// without any network.
func TestUnpushedCount_WithUpstream(t *testing.T) {
	origin := setupTestRepo(t)
	clone := filepath.Join(t.TempDir(), "clone")
	runTestGit(t, filepath.Dir(clone), "clone", origin, clone)
	runTestGit(t, clone, "config", "user.email", "test@example.com")
	runTestGit(t, clone, "config", "user.name", "Test User")

	c := NewClient(0)
	ctx := context.Background()

	count, hasUpstream, err := c.UnpushedCount(ctx, clone)
	require.NoError(t, err)
	assert.True(t, hasUpstream)
	assert.Equal(t, 0, count)

	commitFile(t, clone, "local.go", "package local\n", "local only")
	count, hasUpstream, err = c.UnpushedCount(ctx, clone)
	require.NoError(t, err)
	assert.True(t, hasUpstream)
	assert.Equal(t, 1, count)
}

// TestRemoteBranchExists checks against a file-path origin.
func TestRemoteBranchExists(t *testing.T) {
	origin := setupTestRepo(t)
	clone := filepath.Join(t.TempDir(), "clone")
	runTestGit(t, filepath.Dir(clone), "clone", origin, clone)

	c := NewClient(0)
	ctx := context.Background()

	exists, err := c.RemoteBranchExists(ctx, clone, "main")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = c.RemoteBranchExists(ctx, clone, "feature-auth")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestIsRepo(t *testing.T) {
	repo := setupTestRepo(t)
	c := NewClient(0)
	ctx := context.Background()

	assert.True(t, c.IsRepo(ctx, repo))
	assert.False(t, c.IsRepo(ctx, t.TempDir()))
}

// TestParsePorcelainOutput covers the block format, detached HEAD and bare
// entries without needing git at all.
func TestParsePorcelainOutput(t *testing.T) {
	output := `worktree /repos/shop
HEAD abc123
branch refs/heads/main

worktree /repos/shop-worktrees/feature-auth
HEAD def456
branch refs/heads/feature-auth

worktree /repos/detached-wt
HEAD 0123abc
detached

worktree /repos/bare.git
HEAD 456def
bare
`

	worktrees := parsePorcelainOutput(output)
	require.Len(t, worktrees, 4)

	assert.Equal(t, "/repos/shop", worktrees[0].Path)
	assert.Equal(t, "refs/heads/main", worktrees[0].Branch)
	assert.Equal(t, "abc123", worktrees[0].HEAD)

	assert.Equal(t, "refs/heads/feature-auth", worktrees[1].Branch)

	assert.Empty(t, worktrees[2].Branch, "detached HEAD has no branch")
	assert.True(t, worktrees[3].IsBare)
}

// TestRun_Timeout surfaces a deadline as an external-tool error rather
// than hanging.
func TestRun_Timeout(t *testing.T) {
	repo := setupTestRepo(t)
	c := NewClient(time.Nanosecond)

	_, err := c.ListWorktrees(context.Background(), repo)
	require.Error(t, err)
	assert.True(t, model.IsExternalTool(err))
}
