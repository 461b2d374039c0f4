// Package verify implements the post-closure verification battery: a fixed,
// ordered set of checks run against a closed (or closing) session, producing
// a structured report with pass/warn/fail counts.
//
// The battery is advisory. It runs after the closure has already happened,
// reads git/port/backlog state as of the moment it runs, and is re-runnable:
// repeated runs overwrite the stored report and have no side effects beyond
// read-only probing. Each check is tolerant of its own failure — a git
// command that errors degrades that one check to error or skipped instead
// of aborting the battery.
package verify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/tiller/internal/backlog"
	"github.com/mmr-tortoise/tiller/internal/model"
)

// HandoffMarker is the comment marker an in-progress item should carry when
// a session is closed as WIP: it signals the state of the work was written
// down for whoever picks it up.
const HandoffMarker = "HANDOFF"

// VersionControl is the slice of the git capability the engine needs.
// *gitx.Client satisfies it; tests substitute fakes.
type VersionControl interface {
	Status(ctx context.Context, worktreePath string) (*model.GitStatus, error)
	CommitsSince(ctx context.Context, worktreePath string, since time.Time) ([]string, error)
	ChangedFilesSince(ctx context.Context, worktreePath string, since time.Time) ([]string, error)
	UnpushedCount(ctx context.Context, worktreePath string) (count int, hasUpstream bool, err error)
	BranchExists(ctx context.Context, repoRoot, branch string) bool
	RemoteBranchExists(ctx context.Context, repoRoot, branch string) (bool, error)
	IsMerged(ctx context.Context, repoRoot, branch, into string) (bool, error)
}

// Prober is the slice of the process-probe capability the engine needs.
type Prober interface {
	IsPortBound(port int) bool
}

// LintRunner executes a project's configured lint command and reports
// whether it passed, with its output lines.
type LintRunner interface {
	RunLint(ctx context.Context, dir, command string) (ok bool, output []string, err error)
}

// Engine runs the verification battery.
type Engine struct {
	git    VersionControl
	prober Prober
	lint   LintRunner
	logger *zap.Logger
	now    func() time.Time
	runID  func() string
}

// NewEngine creates a verification engine. The lint runner may be nil, in
// which case the Code Quality check is always skipped.
func NewEngine(git VersionControl, prober Prober, lint LintRunner, logger *zap.Logger) *Engine {
	return &Engine{
		git:    git,
		prober: prober,
		lint:   lint,
		logger: logger,
		now:    time.Now,
		runID:  func() string { return uuid.NewString() },
	}
}

// Run executes the full battery against a session and returns the report.
// The check order is fixed; the aggregate is failed if any check failed,
// else warning if any warned, else passed.
func (e *Engine) Run(ctx context.Context, project *model.Project, sess *model.Session, closureType model.ClosureType) (*model.VerificationReport, error) {
	if !closureType.IsValid() {
		return nil, model.Conflictf("invalid closure type %q", closureType)
	}

	run := &batteryRun{
		engine:   e,
		project:  project,
		sess:     sess,
		closure:  closureType,
		worktree: filepath.Join(project.Worktrees(), sess.Worktree),
		store:    backlog.NewStore(project.Backlog()),
		since:    sess.StartedAt,
	}
	if run.since.IsZero() {
		run.since = sess.CreatedAt
	}
	if _, err := os.Stat(run.worktree); err == nil {
		run.worktreeExists = true
	}

	report := &model.VerificationReport{
		RunID:       e.runID(),
		SessionID:   sess.ID,
		ClosureType: closureType,
		RanAt:       e.now().UTC(),
	}

	checks := []func(ctx context.Context) model.CheckResult{
		run.serverShutdown,
		run.gitRepository,
		run.fileChanges,
		run.backlogStatus,
		run.worktreeState,
		run.testCoverage,
		run.uncommittedChanges,
		run.branchPushStatus,
		run.branchCleanup,
		run.codeQuality,
		run.newIssuesTracked,
	}
	for _, check := range checks {
		report.Checks = append(report.Checks, check(ctx))
	}
	report.Checks = append(report.Checks, run.sessionOverview(report))
	report.Tally()

	e.logger.Info("verification complete",
		zap.String("session", sess.ID),
		zap.String("closure", closureType.String()),
		zap.String("aggregate", report.Aggregate().String()),
		zap.Int("passed", report.Passed),
		zap.Int("warnings", report.Warnings),
		zap.Int("failed", report.Failed))

	return report, nil
}

// batteryRun carries the per-run state shared by the checks.
type batteryRun struct {
	engine         *Engine
	project        *model.Project
	sess           *model.Session
	closure        model.ClosureType
	worktree       string
	worktreeExists bool
	store          *backlog.Store
	since          time.Time

	// changedFiles is cached by fileChanges for testCoverage.
	changedFiles []string
}

// ShellLint runs lint commands through the shell with a bounded timeout.
// It is the production LintRunner.
type ShellLint struct {
	// Timeout bounds the lint command. Zero means one minute.
	Timeout time.Duration
}

// RunLint executes the command in dir via `sh -c`. ok is true on exit code
// zero; output carries the combined stdout/stderr lines either way.
func (l *ShellLint) RunLint(ctx context.Context, dir, command string) (bool, []string, error) {
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	combined, err := cmd.CombinedOutput()

	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(string(combined)), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return false, lines, model.ExternalTool(
				fmt.Sprintf("lint command timed out after %s", timeout), ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is a lint finding, not a tool failure.
			return false, lines, nil
		}
		return false, lines, model.ExternalTool("lint command failed to start", err)
	}
	return true, lines, nil
}
