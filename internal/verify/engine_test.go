package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/tiller/internal/backlog"
	"github.com/mmr-tortoise/tiller/internal/model"
)

type fakeGit struct {
	status       *model.GitStatus
	statusErr    error
	commits      []string
	changedFiles []string
	unpushed     int
	hasUpstream  bool
	localBranch  bool
	remoteBranch bool
	merged       bool
}

func (g *fakeGit) Status(context.Context, string) (*model.GitStatus, error) {
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	if g.status == nil {
		return &model.GitStatus{Branch: "feature-auth"}, nil
	}
	return g.status, nil
}

func (g *fakeGit) CommitsSince(context.Context, string, time.Time) ([]string, error) {
	return g.commits, nil
}

func (g *fakeGit) ChangedFilesSince(context.Context, string, time.Time) ([]string, error) {
	return g.changedFiles, nil
}

func (g *fakeGit) UnpushedCount(context.Context, string) (int, bool, error) {
	return g.unpushed, g.hasUpstream, nil
}

func (g *fakeGit) BranchExists(context.Context, string, string) bool {
	return g.localBranch
}

func (g *fakeGit) RemoteBranchExists(context.Context, string, string) (bool, error) {
	return g.remoteBranch, nil
}

func (g *fakeGit) IsMerged(context.Context, string, string, string) (bool, error) {
	return g.merged, nil
}

type fakeProbe struct {
	bound map[int]bool
}

func (p *fakeProbe) IsPortBound(port int) bool {
	return p.bound[port]
}

type fakeLint struct {
	ok     bool
	output []string
	calls  int
}

func (l *fakeLint) RunLint(context.Context, string, string) (bool, []string, error) {
	l.calls++
	return l.ok, l.output, nil
}

// batteryFixture is one fully wired engine run scenario.
type batteryFixture struct {
	engine  *Engine
	project *model.Project
	sess    *model.Session
	git     *fakeGit
	probe   *fakeProbe
	lint    *fakeLint
}

// setupBattery wires an engine against fakes and a real backlog document on
// disk. The worktree directory is NOT created; tests that need it present
// create it themselves.
func setupBattery(t *testing.T, items []model.BacklogItem) *batteryFixture {
	t.Helper()

	project := &model.Project{
		ID:   "shop",
		Root: filepath.Join(t.TempDir(), "shop"),
	}
	store := backlog.NewStore(project.Backlog())
	require.NoError(t, store.Save(&backlog.Document{
		Sprints: []model.Sprint{{Name: "auth-hardening"}},
		Items:   items,
	}))

	started := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	sess := &model.Session{
		ID:           "20260831-ah-feature-auth",
		Project:      "shop",
		Sprint:       "auth-hardening",
		Worktree:     "feature-auth",
		FrontendPort: 3001,
		BackendPort:  8001,
		State:        model.StateCompleted,
		CreatedAt:    started.Add(-time.Hour),
		StartedAt:    started,
		CompletedAt:  started.Add(3 * time.Hour),
		Duration:     3 * time.Hour,
	}

	f := &batteryFixture{
		project: project,
		sess:    sess,
		git:     &fakeGit{},
		probe:   &fakeProbe{bound: map[int]bool{}},
		lint:    &fakeLint{ok: true},
	}
	f.engine = NewEngine(f.git, f.probe, f.lint, zap.NewNop())
	return f
}

func (f *batteryFixture) makeWorktree(t *testing.T) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(f.project.Worktrees(), f.sess.Worktree), 0o755))
}

func checkNames(report *model.VerificationReport) []string {
	names := make([]string, len(report.Checks))
	for i, c := range report.Checks {
		names[i] = c.Name
	}
	return names
}

// TestEngineRun_CompleteClean is the happy COMPLETE path: worktree removed,
// ports free, all items done, branch merged and deleted.
func TestEngineRun_CompleteClean(t *testing.T) {
	f := setupBattery(t, []model.BacklogItem{
		{ID: "t-1", Sprint: "auth-hardening", Status: model.ItemDone, Title: "add login form"},
		{ID: "t-2", Sprint: "auth-hardening", Status: model.ItemDone, Title: "wire session cookie"},
	})

	report, err := f.engine.Run(context.Background(), f.project, f.sess, model.ClosureComplete)
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, f.sess.ID, report.SessionID)
	assert.Equal(t, model.ClosureComplete, report.ClosureType)
	assert.Equal(t, []string{
		"Server Shutdown",
		"Git Repository",
		"File Changes",
		"Backlog Status",
		"Worktree State",
		"Test Coverage",
		"Uncommitted Changes",
		"Branch Push Status",
		"Branch Cleanup",
		"Code Quality (Lint)",
		"New Issues Tracked",
		"Session Overview",
	}, checkNames(report))

	assert.Equal(t, model.CheckPassed, report.Check("Server Shutdown").Status)
	assert.Equal(t, model.CheckSkipped, report.Check("Git Repository").Status)
	assert.Equal(t, model.CheckPassed, report.Check("Backlog Status").Status)
	assert.Equal(t, model.CheckPassed, report.Check("Worktree State").Status)
	assert.Equal(t, model.CheckPassed, report.Check("Branch Cleanup").Status)
	assert.Equal(t, model.CheckSkipped, report.Check("Code Quality (Lint)").Status)
	assert.Equal(t, model.CheckInfo, report.Check("Session Overview").Status)

	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 0, report.Warnings)
	assert.Equal(t, model.CheckPassed, report.Aggregate())
	assert.Equal(t, 0, f.lint.calls, "no lint command configured")
}

// TestEngineRun_CompleteViolations stacks up every COMPLETE policy
// violation at once and verifies each check catches its own.
func TestEngineRun_CompleteViolations(t *testing.T) {
	f := setupBattery(t, []model.BacklogItem{
		{ID: "t-1", Sprint: "auth-hardening", Status: model.ItemInProgress, Title: "add login form"},
	})
	f.makeWorktree(t)

	f.project.LintCommand = "make lint"
	f.probe.bound[3001] = true
	f.git.status = &model.GitStatus{Branch: "feature-auth", DirtyFiles: []string{"auth.go"}}
	f.git.unpushed = 2
	f.git.hasUpstream = true
	f.git.localBranch = true
	f.git.merged = false
	f.lint.ok = false
	f.lint.output = []string{"auth.go:14: unused variable"}

	report, err := f.engine.Run(context.Background(), f.project, f.sess, model.ClosureComplete)
	require.NoError(t, err)

	assert.Equal(t, model.CheckFailed, report.Check("Server Shutdown").Status)
	assert.Equal(t, model.CheckFailed, report.Check("Git Repository").Status)
	assert.Equal(t, model.CheckFailed, report.Check("Backlog Status").Status)
	assert.Equal(t, model.CheckFailed, report.Check("Worktree State").Status)
	assert.Equal(t, model.CheckFailed, report.Check("Uncommitted Changes").Status)
	assert.Equal(t, model.CheckFailed, report.Check("Branch Push Status").Status)
	assert.Equal(t, model.CheckFailed, report.Check("Branch Cleanup").Status)
	assert.Equal(t, model.CheckFailed, report.Check("Code Quality (Lint)").Status)

	assert.Equal(t, model.CheckFailed, report.Aggregate())
	assert.Equal(t, 1, f.lint.calls)
}

// TestEngineRun_WIPHandoff verifies the WIP policy: preserved worktree and
// branch pass, but an in-progress item without a hand-off comment warns.
func TestEngineRun_WIPHandoff(t *testing.T) {
	f := setupBattery(t, []model.BacklogItem{
		{ID: "t-1", Sprint: "auth-hardening", Status: model.ItemInProgress, Title: "add login form",
			Comments: []model.Comment{{Text: "HANDOFF: form renders, validation missing"}}},
		{ID: "t-2", Sprint: "auth-hardening", Status: model.ItemInProgress, Title: "wire session cookie"},
	})
	f.makeWorktree(t)

	f.git.commits = []string{"abc1234 add login form skeleton"}
	f.git.hasUpstream = true
	f.git.localBranch = true
	f.git.remoteBranch = true

	report, err := f.engine.Run(context.Background(), f.project, f.sess, model.ClosureWIP)
	require.NoError(t, err)

	backlogCheck := report.Check("Backlog Status")
	assert.Equal(t, model.CheckWarning, backlogCheck.Status)
	assert.Contains(t, backlogCheck.Details[len(backlogCheck.Details)-1], "t-2")

	assert.Equal(t, model.CheckPassed, report.Check("Git Repository").Status)
	assert.Equal(t, model.CheckPassed, report.Check("Worktree State").Status)
	assert.Equal(t, model.CheckPassed, report.Check("Uncommitted Changes").Status)
	assert.Equal(t, model.CheckPassed, report.Check("Branch Cleanup").Status)
	assert.Equal(t, model.CheckWarning, report.Aggregate())
}

// TestEngineRun_AbandonTolerance verifies ABANDON demotes data-loss
// findings to warnings while still failing on un-reset backlog items.
func TestEngineRun_AbandonTolerance(t *testing.T) {
	f := setupBattery(t, []model.BacklogItem{
		{ID: "t-1", Sprint: "auth-hardening", Status: model.ItemDone, Title: "add login form"},
	})
	f.makeWorktree(t)

	f.git.commits = []string{"abc1234 half-done work"}
	f.git.status = &model.GitStatus{Branch: "feature-auth", DirtyFiles: []string{"auth.go"}}
	f.git.unpushed = 1
	f.git.hasUpstream = true

	report, err := f.engine.Run(context.Background(), f.project, f.sess, model.ClosureAbandon)
	require.NoError(t, err)

	// Dirty worktree and unpushed commits are the declared intent.
	assert.Equal(t, model.CheckWarning, report.Check("Git Repository").Status)
	assert.Equal(t, model.CheckWarning, report.Check("Uncommitted Changes").Status)
	assert.Equal(t, model.CheckWarning, report.Check("Branch Push Status").Status)

	// A done item contradicts abandoning the session.
	assert.Equal(t, model.CheckFailed, report.Check("Backlog Status").Status)
	assert.Equal(t, model.CheckFailed, report.Check("Worktree State").Status)
	assert.Equal(t, model.CheckFailed, report.Aggregate())
}

func TestEngineRun_InvalidClosureType(t *testing.T) {
	f := setupBattery(t, nil)

	_, err := f.engine.Run(context.Background(), f.project, f.sess, model.ClosureType("DONE"))
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))
}

// TestEngineRun_Idempotent verifies re-running produces the same outcomes
// with a fresh run identity.
func TestEngineRun_Idempotent(t *testing.T) {
	f := setupBattery(t, []model.BacklogItem{
		{ID: "t-1", Sprint: "auth-hardening", Status: model.ItemDone, Title: "add login form"},
	})

	first, err := f.engine.Run(context.Background(), f.project, f.sess, model.ClosureComplete)
	require.NoError(t, err)
	second, err := f.engine.Run(context.Background(), f.project, f.sess, model.ClosureComplete)
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, checkNames(first), checkNames(second))
	assert.Equal(t, first.Passed, second.Passed)
	assert.Equal(t, first.Warnings, second.Warnings)
	assert.Equal(t, first.Failed, second.Failed)
}

// TestShellLint runs real shell commands.
func TestShellLint(t *testing.T) {
	lint := &ShellLint{}
	dir := t.TempDir()
	ctx := context.Background()

	ok, _, err := lint.RunLint(ctx, dir, "true")
	require.NoError(t, err)
	assert.True(t, ok)

	// Non-zero exit is a finding, not a tool failure.
	ok, output, err := lint.RunLint(ctx, dir, "echo style error; exit 3")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"style error"}, output)
}

func TestShellLint_Timeout(t *testing.T) {
	lint := &ShellLint{Timeout: 50 * time.Millisecond}

	ok, _, err := lint.RunLint(context.Background(), t.TempDir(), "sleep 5")
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, model.IsExternalTool(err))
}
