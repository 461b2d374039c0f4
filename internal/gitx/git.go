// Package gitx provides the version-control capability for the orchestrator.
//
// This package wraps git CLI commands (via os/exec) to create, list, remove
// and inspect git worktrees, and to answer the branch/commit questions the
// verification engine asks. It is the only place the orchestrator talks to
// git.
//
// Design decisions:
//   - We shell out to `git` rather than using a Go git library (e.g. go-git)
//     because worktree operations require full git CLI compatibility, and
//     go-git's worktree support is limited.
//   - Every invocation runs under a context with a bounded timeout. A git
//     command that hangs must not hang the whole unit of work; a timeout is
//     surfaced as a model.KindExternalTool error.
//   - All errors from git commands are wrapped in model.Error with
//     KindExternalTool (or KindConflict for refusals the operator can
//     resolve, like removing a dirty worktree without force).
package gitx

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mmr-tortoise/tiller/internal/model"
)

// DefaultTimeout bounds a single git invocation when the client is built
// with a zero timeout.
const DefaultTimeout = 30 * time.Second

// WorktreeInfo holds metadata about a single git worktree entry as parsed
// from `git worktree list --porcelain` output.
//
// Example porcelain output for a single worktree block:
//
//	worktree /path/to/feature-branch
//	HEAD abc123def456
//	branch refs/heads/feature-branch
type WorktreeInfo struct {
	// Path is the absolute filesystem path to the worktree directory.
	Path string

	// Branch is the full branch reference (e.g., "refs/heads/main").
	// Empty if the worktree is in a detached HEAD state.
	Branch string

	// HEAD is the commit SHA that the worktree currently points to.
	HEAD string

	// IsBare indicates whether this entry represents a bare repository.
	IsBare bool
}

// BranchInfo describes one local branch for cleanup decisions.
type BranchInfo struct {
	// Name is the short branch name.
	Name string

	// Merged reports whether the branch is fully merged into the branch
	// the listing was computed against.
	Merged bool

	// Current reports whether the branch is checked out in the main
	// working directory.
	Current bool
}

// Client runs git commands with a bounded per-call timeout.
type Client struct {
	// Timeout bounds each git invocation. Zero means DefaultTimeout.
	Timeout time.Duration
}

// NewClient creates a git client. A zero timeout selects DefaultTimeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{Timeout: timeout}
}

// ListWorktrees returns information about all worktrees associated with the
// given repository, parsed from `git worktree list --porcelain`.
func (c *Client) ListWorktrees(ctx context.Context, repoRoot string) ([]WorktreeInfo, error) {
	output, err := c.run(ctx, repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parsePorcelainOutput(output), nil
}

// AddWorktree creates a new git worktree at worktreePath on the named branch.
//
// Two cases:
//  1. The branch does not exist yet: a new branch is created from HEAD with
//     `git worktree add -b <branch> <path>`.
//  2. The branch already exists: it is checked out into the new worktree
//     with `git worktree add <path> <branch>`. This fails if the branch is
//     already checked out elsewhere.
func (c *Client) AddWorktree(ctx context.Context, repoRoot, branch, worktreePath string) error {
	if c.BranchExists(ctx, repoRoot, branch) {
		_, err := c.run(ctx, repoRoot, "worktree", "add", worktreePath, branch)
		return err
	}
	_, err := c.run(ctx, repoRoot, "worktree", "add", "-b", branch, worktreePath)
	return err
}

// RemoveWorktree deletes the git worktree at worktreePath.
//
// Without force, git refuses to remove a worktree with uncommitted changes;
// that refusal is surfaced as a KindConflict error so the caller can offer
// the force escape hatch. With force, uncommitted work is permanently
// discarded.
func (c *Client) RemoveWorktree(ctx context.Context, repoRoot, worktreePath string, force bool) error {
	args := []string{"worktree", "remove", worktreePath}
	if force {
		args = []string{"worktree", "remove", "--force", worktreePath}
	}
	_, err := c.run(ctx, repoRoot, args...)
	if err != nil && isDirtyRefusal(err) {
		return model.Conflictf("worktree %s has uncommitted changes (use force to discard them)", worktreePath)
	}
	return err
}

// isDirtyRefusal reports whether a worktree-remove failure was git refusing
// to delete uncommitted work.
func isDirtyRefusal(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "contains modified or untracked files") ||
		strings.Contains(msg, "use --force")
}

// Status computes the live git status of one worktree: current branch,
// dirty file list, last commit subject and ahead/behind counts against the
// upstream (zero when no upstream is configured).
func (c *Client) Status(ctx context.Context, worktreePath string) (*model.GitStatus, error) {
	branch, err := c.CurrentBranch(ctx, worktreePath)
	if err != nil {
		return nil, err
	}

	status := &model.GitStatus{Branch: branch}

	dirty, err := c.DirtyFiles(ctx, worktreePath)
	if err != nil {
		return nil, err
	}
	status.DirtyFiles = dirty

	// A worktree on an unborn branch has no commits yet; tolerate the
	// log failure and leave LastCommit empty.
	if subject, err := c.run(ctx, worktreePath, "log", "-1", "--format=%s"); err == nil {
		status.LastCommit = strings.TrimSpace(subject)
	}

	ahead, behind, hasUpstream, err := c.AheadBehind(ctx, worktreePath)
	if err != nil {
		return nil, err
	}
	status.Ahead, status.Behind, status.HasUpstream = ahead, behind, hasUpstream

	return status, nil
}

// CurrentBranch returns the short name of the currently checked-out branch,
// or "HEAD" in a detached state.
func (c *Client) CurrentBranch(ctx context.Context, worktreePath string) (string, error) {
	output, err := c.run(ctx, worktreePath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// DirtyFiles lists uncommitted paths (staged, unstaged and untracked) via
// `git status --porcelain`.
func (c *Client) DirtyFiles(ctx context.Context, worktreePath string) ([]string, error) {
	output, err := c.run(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return nil, err
	}

	var files []string
	for _, line := range strings.Split(output, "\n") {
		if len(line) < 4 {
			continue
		}
		// Porcelain format: two status columns, a space, then the path.
		files = append(files, strings.TrimSpace(line[3:]))
	}
	return files, nil
}

// AheadBehind returns the commit counts by which the checked-out branch is
// ahead of and behind its upstream. When no upstream is configured both
// counts are zero and hasUpstream is false — that is a normal state for a
// fresh branch, not an error.
func (c *Client) AheadBehind(ctx context.Context, worktreePath string) (ahead, behind int, hasUpstream bool, err error) {
	// rev-parse @{upstream} fails when no upstream is set.
	if _, upErr := c.run(ctx, worktreePath, "rev-parse", "--abbrev-ref", "@{upstream}"); upErr != nil {
		return 0, 0, false, nil
	}

	output, err := c.run(ctx, worktreePath, "rev-list", "--left-right", "--count", "HEAD...@{upstream}")
	if err != nil {
		return 0, 0, true, err
	}

	// Output is "<ahead>\t<behind>".
	fields := strings.Fields(strings.TrimSpace(output))
	if len(fields) != 2 {
		return 0, 0, true, model.ExternalTool("unexpected rev-list output", fmt.Errorf("%q", output))
	}
	ahead, _ = strconv.Atoi(fields[0])
	behind, _ = strconv.Atoi(fields[1])
	return ahead, behind, true, nil
}

// BranchExists checks whether a branch with the given name exists in the
// repository, using `git rev-parse --verify` (exit code only).
func (c *Client) BranchExists(ctx context.Context, repoRoot, branch string) bool {
	_, err := c.run(ctx, repoRoot, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// RemoteBranchExists checks whether origin has a branch with the given name.
func (c *Client) RemoteBranchExists(ctx context.Context, repoRoot, branch string) (bool, error) {
	output, err := c.run(ctx, repoRoot, "ls-remote", "--heads", "origin", branch)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(output) != "", nil
}

// Branches lists local branches with their merge state relative to
// mergedInto and whether each is the currently checked-out branch.
func (c *Client) Branches(ctx context.Context, repoRoot, mergedInto string) ([]BranchInfo, error) {
	output, err := c.run(ctx, repoRoot, "branch", "--format=%(HEAD) %(refname:short)")
	if err != nil {
		return nil, err
	}

	merged := map[string]bool{}
	if mergedOut, mErr := c.run(ctx, repoRoot, "branch", "--merged", mergedInto, "--format=%(refname:short)"); mErr == nil {
		for _, name := range strings.Split(strings.TrimSpace(mergedOut), "\n") {
			if name != "" {
				merged[name] = true
			}
		}
	}

	var branches []BranchInfo
	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		if len(line) < 2 {
			continue
		}
		// Format is "<marker> <name>" where marker is "*" for the current
		// branch and a space otherwise.
		current := line[0] == '*'
		name := strings.TrimSpace(line[1:])
		branches = append(branches, BranchInfo{
			Name:    name,
			Merged:  merged[name],
			Current: current,
		})
	}
	return branches, nil
}

// DeleteBranch removes a local branch. Without force, git refuses to delete
// a branch that is not fully merged; that refusal is a KindConflict.
func (c *Client) DeleteBranch(ctx context.Context, repoRoot, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := c.run(ctx, repoRoot, "branch", flag, branch)
	if err != nil && strings.Contains(err.Error(), "not fully merged") {
		return model.Conflictf("branch %s is not fully merged (use force to delete anyway)", branch)
	}
	return err
}

// IsMerged reports whether branch is an ancestor of into, i.e. all its
// commits are reachable from into.
func (c *Client) IsMerged(ctx context.Context, repoRoot, branch, into string) (bool, error) {
	_, err := c.run(ctx, repoRoot, "merge-base", "--is-ancestor", branch, into)
	if err == nil {
		return true, nil
	}
	// Exit code 1 means "not an ancestor"; other failures are real errors.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

// CommitsSince returns the subject lines of commits made in the worktree
// after the given time, newest first.
func (c *Client) CommitsSince(ctx context.Context, worktreePath string, since time.Time) ([]string, error) {
	output, err := c.run(ctx, worktreePath, "log", "--since="+since.Format(time.RFC3339), "--format=%s")
	if err != nil {
		return nil, err
	}
	var subjects []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line != "" {
			subjects = append(subjects, line)
		}
	}
	return subjects, nil
}

// ChangedFilesSince enumerates files touched by commits after the given
// time. When no commits exist in the window it falls back to the working
// tree diff against HEAD, so uncommitted work still shows up.
func (c *Client) ChangedFilesSince(ctx context.Context, worktreePath string, since time.Time) ([]string, error) {
	output, err := c.run(ctx, worktreePath, "log", "--since="+since.Format(time.RFC3339), "--name-only", "--format=")
	if err != nil {
		return nil, err
	}

	files := dedupeLines(output)
	if len(files) > 0 {
		return files, nil
	}

	// Fall back to the working-tree diff.
	output, err = c.run(ctx, worktreePath, "diff", "--name-only", "HEAD")
	if err != nil {
		return nil, err
	}
	return dedupeLines(output), nil
}

// UnpushedCount returns the number of commits on the checked-out branch not
// yet on its upstream. hasUpstream is false when no upstream is configured,
// in which case the count is the total that would be lost.
func (c *Client) UnpushedCount(ctx context.Context, worktreePath string) (count int, hasUpstream bool, err error) {
	if _, upErr := c.run(ctx, worktreePath, "rev-parse", "--abbrev-ref", "@{upstream}"); upErr != nil {
		output, cntErr := c.run(ctx, worktreePath, "rev-list", "--count", "HEAD")
		if cntErr != nil {
			return 0, false, cntErr
		}
		count, _ = strconv.Atoi(strings.TrimSpace(output))
		return count, false, nil
	}

	output, err := c.run(ctx, worktreePath, "rev-list", "--count", "@{upstream}..HEAD")
	if err != nil {
		return 0, true, err
	}
	count, _ = strconv.Atoi(strings.TrimSpace(output))
	return count, true, nil
}

// IsRepo reports whether path lies inside a git working tree.
func (c *Client) IsRepo(ctx context.Context, path string) bool {
	_, err := c.run(ctx, path, "rev-parse", "--show-toplevel")
	return err == nil
}

// run executes a git command with the given arguments in the specified
// directory under the client's timeout.
//
// The dir parameter is passed to git via the -C flag, which causes git to
// change to that directory before doing anything else. This avoids mutating
// the process working directory, which would be unsafe with concurrent
// callers.
//
// On success it returns stdout. On failure it returns a model.Error with
// KindExternalTool, including stderr in the message for diagnostics; a
// context deadline is reported as a timeout rather than left to block.
func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fullArgs := append([]string{"-C", dir}, args...)

	// #nosec G204 — args are constructed internally, not from user input
	cmd := exec.CommandContext(ctx, "git", fullArgs...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", model.ExternalTool(
				fmt.Sprintf("git %s timed out after %s", strings.Join(args, " "), timeout), ctx.Err())
		}
		stderrStr := strings.TrimSpace(stderr.String())
		message := fmt.Sprintf("git %s failed", strings.Join(args, " "))
		if stderrStr != "" {
			message = fmt.Sprintf("%s: %s", message, stderrStr)
		}
		return "", model.ExternalTool(message, err)
	}

	return stdout.String(), nil
}

// dedupeLines splits output into lines, dropping blanks and duplicates
// while preserving first-seen order.
func dedupeLines(output string) []string {
	seen := map[string]bool{}
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		lines = append(lines, line)
	}
	return lines
}

// parsePorcelainOutput parses the output of `git worktree list --porcelain`
// into a slice of WorktreeInfo structs.
//
// The porcelain format uses blank lines to separate worktree blocks. Each
// block contains key-value pairs (space-separated) and optional standalone
// markers like "bare" or "detached".
func parsePorcelainOutput(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo

	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")

	var current *WorktreeInfo
	for _, line := range lines {
		if line == "" {
			if current != nil {
				worktrees = append(worktrees, *current)
				current = nil
			}
			continue
		}

		key, value, _ := strings.Cut(line, " ")

		switch key {
		case "worktree":
			current = &WorktreeInfo{Path: value}
		case "HEAD":
			if current != nil {
				current.HEAD = value
			}
		case "branch":
			if current != nil {
				current.Branch = value
			}
		case "bare":
			if current != nil {
				current.IsBare = true
			}
			// "detached" simply leaves Branch empty.
		}
	}

	if current != nil {
		worktrees = append(worktrees, *current)
	}

	return worktrees
}
