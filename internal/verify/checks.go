package verify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmr-tortoise/tiller/internal/model"
)

// serverShutdown verifies both assigned ports report not-in-use. Leftover
// dev servers are the most common closure mistake, whatever the closure
// type.
func (r *batteryRun) serverShutdown(ctx context.Context) model.CheckResult {
	result := model.CheckResult{Name: "Server Shutdown"}

	var bound []int
	for _, port := range []int{r.sess.FrontendPort, r.sess.BackendPort} {
		if r.engine.prober.IsPortBound(port) {
			bound = append(bound, port)
		}
	}

	if len(bound) == 0 {
		result.Status = model.CheckPassed
		result.Details = append(result.Details,
			fmt.Sprintf("ports %d and %d are free", r.sess.FrontendPort, r.sess.BackendPort))
		return result
	}

	result.Status = model.CheckFailed
	for _, port := range bound {
		result.Details = append(result.Details, fmt.Sprintf("port %d still has a process bound", port))
	}
	return result
}

// gitRepository verifies commits exist since session start and the worktree
// is clean. Uncommitted changes are tolerated (as a warning) only for
// ABANDON, where discarding work is the declared intent.
func (r *batteryRun) gitRepository(ctx context.Context) model.CheckResult {
	result := model.CheckResult{Name: "Git Repository"}

	if !r.worktreeExists {
		result.Status = model.CheckSkipped
		result.Details = append(result.Details, "worktree directory no longer exists")
		return result
	}

	commits, err := r.engine.git.CommitsSince(ctx, r.worktree, r.since)
	if err != nil {
		result.Status = model.CheckError
		result.Details = append(result.Details, "could not query commit log: "+err.Error())
		return result
	}

	status, err := r.engine.git.Status(ctx, r.worktree)
	if err != nil {
		result.Status = model.CheckError
		result.Details = append(result.Details, "could not query git status: "+err.Error())
		return result
	}

	result.Status = model.CheckPassed
	if len(commits) == 0 {
		result.Status = model.CheckWarning
		result.Details = append(result.Details, "no commits since session start")
	} else {
		result.Details = append(result.Details, fmt.Sprintf("%d commit(s) since session start", len(commits)))
	}

	if status.Dirty() {
		if r.closure == model.ClosureAbandon {
			if result.Status == model.CheckPassed {
				result.Status = model.CheckWarning
			}
			result.Details = append(result.Details,
				fmt.Sprintf("%d uncommitted file(s) will be discarded", len(status.DirtyFiles)))
		} else {
			result.Status = model.CheckFailed
			result.Details = append(result.Details,
				fmt.Sprintf("%d uncommitted file(s) present", len(status.DirtyFiles)))
		}
	}
	return result
}

// fileChanges enumerates the files touched during the session window.
// Informational: the enumeration feeds the test-coverage check and the
// overview, it never blocks.
func (r *batteryRun) fileChanges(ctx context.Context) model.CheckResult {
	result := model.CheckResult{Name: "File Changes", Status: model.CheckInfo}

	if !r.worktreeExists {
		result.Status = model.CheckSkipped
		result.Details = append(result.Details, "worktree directory no longer exists")
		return result
	}

	files, err := r.engine.git.ChangedFilesSince(ctx, r.worktree, r.since)
	if err != nil {
		result.Status = model.CheckError
		result.Details = append(result.Details, "could not enumerate changed files: "+err.Error())
		return result
	}

	r.changedFiles = files
	result.Details = append(result.Details, fmt.Sprintf("%d file(s) changed during the session", len(files)))
	for _, file := range files {
		result.Details = append(result.Details, "  "+file)
	}
	return result
}

// backlogStatus verifies the sprint's live backlog items match the closure
// semantics. The live document is re-fetched here: the session's snapshot
// is deliberately stale, and the drift is exactly what this check detects.
func (r *batteryRun) backlogStatus(ctx context.Context) model.CheckResult {
	result := model.CheckResult{Name: "Backlog Status"}

	items, err := r.store.ItemsForSprint(r.sess.Sprint, false)
	if err != nil {
		result.Status = model.CheckError
		result.Details = append(result.Details, "could not load backlog document: "+err.Error())
		return result
	}

	counts := map[model.ItemStatus]int{}
	for _, item := range items {
		counts[item.Status]++
	}
	result.Details = append(result.Details,
		fmt.Sprintf("%d item(s) in sprint %q: %d done, %d in_progress",
			len(items), r.sess.Sprint, counts[model.ItemDone], counts[model.ItemInProgress]))

	result.Status = model.CheckPassed
	switch r.closure {
	case model.ClosureComplete:
		// A completed sprint may not leave anything mid-flight.
		for _, item := range items {
			if item.Status == model.ItemInProgress {
				result.Status = model.CheckFailed
				result.Details = append(result.Details,
					fmt.Sprintf("item %s (%s) is still in_progress", item.ID, item.Title))
			}
		}
	case model.ClosureAbandon:
		// Abandoned work must be reset: nothing done, nothing in flight.
		for _, item := range items {
			if item.Status == model.ItemDone || item.Status == model.ItemInProgress {
				result.Status = model.CheckFailed
				result.Details = append(result.Details,
					fmt.Sprintf("item %s (%s) is %s but the session was abandoned", item.ID, item.Title, item.Status))
			}
		}
	case model.ClosureWIP:
		// Any state is allowed, but mid-flight items should carry a
		// hand-off note for whoever resumes the work.
		for _, item := range items {
			if item.Status == model.ItemInProgress && !item.HasCommentContaining(HandoffMarker) {
				if result.Status == model.CheckPassed {
					result.Status = model.CheckWarning
				}
				result.Details = append(result.Details,
					fmt.Sprintf("item %s (%s) is in_progress without a %s comment", item.ID, item.Title, HandoffMarker))
			}
		}
	}
	return result
}

// worktreeState verifies the worktree directory's existence matches the
// closure semantics: COMPLETE and ABANDON expect it removed, WIP expects it
// preserved, ARCHIVE accepts either.
func (r *batteryRun) worktreeState(ctx context.Context) model.CheckResult {
	result := model.CheckResult{Name: "Worktree State"}

	existence := "removed"
	if r.worktreeExists {
		existence = "present"
	}
	result.Details = append(result.Details, fmt.Sprintf("worktree directory is %s", existence))

	switch r.closure {
	case model.ClosureComplete, model.ClosureAbandon:
		if r.worktreeExists {
			result.Status = model.CheckFailed
			result.Details = append(result.Details,
				fmt.Sprintf("%s closure expects the worktree removed", r.closure))
		} else {
			result.Status = model.CheckPassed
		}
	case model.ClosureWIP:
		if r.worktreeExists {
			result.Status = model.CheckPassed
		} else {
			result.Status = model.CheckFailed
			result.Details = append(result.Details, "WIP closure expects the worktree preserved")
		}
	default:
		result.Status = model.CheckInfo
	}
	return result
}

// testCoverage looks for test-named files among the session's changed
// files. Absence demotes the check to a warning only for COMPLETE.
func (r *batteryRun) testCoverage(ctx context.Context) model.CheckResult {
	result := model.CheckResult{Name: "Test Coverage"}

	if !r.worktreeExists {
		result.Status = model.CheckSkipped
		result.Details = append(result.Details, "worktree directory no longer exists")
		return result
	}

	var testFiles []string
	for _, file := range r.changedFiles {
		if isTestFile(file) {
			testFiles = append(testFiles, file)
		}
	}

	if len(testFiles) > 0 {
		result.Status = model.CheckPassed
		result.Details = append(result.Details, fmt.Sprintf("%d test file(s) among the changes", len(testFiles)))
		return result
	}

	result.Details = append(result.Details, "no test files among the changed files")
	if r.closure == model.ClosureComplete {
		result.Status = model.CheckWarning
	} else {
		result.Status = model.CheckPassed
	}
	return result
}

// isTestFile reports whether a path looks like a test file.
func isTestFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.Contains(lower, "_test.") ||
		strings.Contains(lower, ".test.") ||
		strings.Contains(lower, ".spec.") ||
		strings.Contains(lower, "/test/") ||
		strings.HasPrefix(lower, "test/")
}

// uncommittedChanges verifies the dirty-file count against the closure
// policy: COMPLETE fails on any, WIP passes regardless, ABANDON and ARCHIVE
// warn.
func (r *batteryRun) uncommittedChanges(ctx context.Context) model.CheckResult {
	result := model.CheckResult{Name: "Uncommitted Changes"}

	if !r.worktreeExists {
		result.Status = model.CheckSkipped
		result.Details = append(result.Details, "worktree directory no longer exists")
		return result
	}

	status, err := r.engine.git.Status(ctx, r.worktree)
	if err != nil {
		result.Status = model.CheckError
		result.Details = append(result.Details, "could not query git status: "+err.Error())
		return result
	}

	dirty := len(status.DirtyFiles)
	result.Details = append(result.Details, fmt.Sprintf("%d uncommitted file(s)", dirty))

	switch {
	case dirty == 0:
		result.Status = model.CheckPassed
	case r.closure == model.ClosureWIP:
		result.Status = model.CheckPassed
	case r.closure == model.ClosureComplete:
		result.Status = model.CheckFailed
	default:
		result.Status = model.CheckWarning
	}
	return result
}

// branchPushStatus verifies the branch has an upstream and no unpushed
// commits. ABANDON demotes unpushed commits to a warning: the work will
// be lost, which is the declared intent but still worth flagging.
func (r *batteryRun) branchPushStatus(ctx context.Context) model.CheckResult {
	result := model.CheckResult{Name: "Branch Push Status"}

	if !r.worktreeExists {
		result.Status = model.CheckSkipped
		result.Details = append(result.Details, "worktree directory no longer exists")
		return result
	}

	count, hasUpstream, err := r.engine.git.UnpushedCount(ctx, r.worktree)
	if err != nil {
		result.Status = model.CheckError
		result.Details = append(result.Details, "could not query push status: "+err.Error())
		return result
	}

	if !hasUpstream {
		result.Status = model.CheckWarning
		result.Details = append(result.Details, "branch has no upstream configured")
		if count > 0 {
			result.Details = append(result.Details, fmt.Sprintf("%d local commit(s) exist only on this machine", count))
		}
		return result
	}

	if count == 0 {
		result.Status = model.CheckPassed
		result.Details = append(result.Details, "all commits pushed to upstream")
		return result
	}

	result.Details = append(result.Details, fmt.Sprintf("%d unpushed commit(s)", count))
	if r.closure == model.ClosureAbandon {
		result.Status = model.CheckWarning
		result.Details = append(result.Details, "abandoning will lose these commits")
	} else {
		result.Status = model.CheckFailed
	}
	return result
}

// branchCleanup verifies local/remote branch existence matches the closure
// semantics: COMPLETE requires the branch merged to the integration branch
// before counting as cleaned up, ABANDON requires both local and remote
// deleted, WIP requires both preserved.
func (r *batteryRun) branchCleanup(ctx context.Context) model.CheckResult {
	result := model.CheckResult{Name: "Branch Cleanup"}

	branch := r.sess.Worktree
	localExists := r.engine.git.BranchExists(ctx, r.project.Root, branch)

	remoteExists, remoteErr := r.engine.git.RemoteBranchExists(ctx, r.project.Root, branch)
	remoteKnown := remoteErr == nil
	if !remoteKnown {
		result.Details = append(result.Details, "could not query remote branches: "+remoteErr.Error())
	}

	switch r.closure {
	case model.ClosureComplete:
		if localExists {
			merged, err := r.engine.git.IsMerged(ctx, r.project.Root, branch, r.project.Main())
			if err != nil {
				result.Status = model.CheckError
				result.Details = append(result.Details, "could not check merge status: "+err.Error())
				return result
			}
			if !merged {
				result.Status = model.CheckFailed
				result.Details = append(result.Details,
					fmt.Sprintf("branch %s is not merged to %s", branch, r.project.Main()))
				return result
			}
			result.Status = model.CheckPassed
			result.Details = append(result.Details,
				fmt.Sprintf("branch %s is merged to %s", branch, r.project.Main()))
		} else {
			result.Status = model.CheckPassed
			result.Details = append(result.Details, fmt.Sprintf("local branch %s already deleted", branch))
		}
	case model.ClosureAbandon:
		result.Status = model.CheckPassed
		if localExists {
			result.Status = model.CheckFailed
			result.Details = append(result.Details, fmt.Sprintf("local branch %s still exists", branch))
		}
		if remoteKnown && remoteExists {
			result.Status = model.CheckFailed
			result.Details = append(result.Details, fmt.Sprintf("remote branch %s still exists", branch))
		}
		if result.Status == model.CheckPassed {
			result.Details = append(result.Details, "local and remote branches deleted")
		}
	case model.ClosureWIP:
		if !localExists {
			result.Status = model.CheckFailed
			result.Details = append(result.Details, fmt.Sprintf("local branch %s was deleted but the session is WIP", branch))
			return result
		}
		result.Status = model.CheckPassed
		result.Details = append(result.Details, fmt.Sprintf("local branch %s preserved", branch))
		if remoteKnown && !remoteExists {
			result.Status = model.CheckWarning
			result.Details = append(result.Details, "no remote branch; the work exists only on this machine")
		}
	default:
		result.Status = model.CheckInfo
		state := "deleted"
		if localExists {
			state = "preserved"
		}
		result.Details = append(result.Details, fmt.Sprintf("local branch %s %s", branch, state))
	}
	return result
}

// codeQuality runs the project's configured lint command. COMPLETE fails
// the check on any lint error; other closures only warn. No configured
// command skips the check.
func (r *batteryRun) codeQuality(ctx context.Context) model.CheckResult {
	result := model.CheckResult{Name: "Code Quality (Lint)"}

	if r.project.LintCommand == "" || r.engine.lint == nil {
		result.Status = model.CheckSkipped
		result.Details = append(result.Details, "no lint command configured")
		return result
	}

	dir := r.worktree
	if !r.worktreeExists {
		dir = r.project.Root
	}

	ok, output, err := r.engine.lint.RunLint(ctx, dir, r.project.LintCommand)
	if err != nil {
		result.Status = model.CheckError
		result.Details = append(result.Details, "lint command failed to run: "+err.Error())
		return result
	}

	if ok {
		result.Status = model.CheckPassed
		result.Details = append(result.Details, "lint passed")
		return result
	}

	if r.closure == model.ClosureComplete {
		result.Status = model.CheckFailed
	} else {
		result.Status = model.CheckWarning
	}
	result.Details = append(result.Details, "lint reported errors")
	for _, line := range output {
		result.Details = append(result.Details, "  "+line)
	}
	return result
}

// newIssuesTracked enumerates backlog items created or moved into the
// sprint during the session window. Purely informational.
func (r *batteryRun) newIssuesTracked(ctx context.Context) model.CheckResult {
	result := model.CheckResult{Name: "New Issues Tracked", Status: model.CheckInfo}

	items, err := r.store.ItemsCreatedOrMovedSince(r.sess.Sprint, r.since)
	if err != nil {
		result.Details = append(result.Details, "could not load backlog document: "+err.Error())
		return result
	}

	result.Details = append(result.Details,
		fmt.Sprintf("%d item(s) created or moved into sprint %q during the session", len(items), r.sess.Sprint))
	for _, item := range items {
		result.Details = append(result.Details, fmt.Sprintf("  %s (%s): %s", item.ID, item.Status, item.Title))
	}
	return result
}

// sessionOverview synthesizes the run: duration, ports, worktree, closure
// type, and rollups from the other checks. Always informational.
func (r *batteryRun) sessionOverview(report *model.VerificationReport) model.CheckResult {
	result := model.CheckResult{Name: "Session Overview", Status: model.CheckInfo}

	result.Details = append(result.Details,
		fmt.Sprintf("session %s closed as %s", r.sess.ID, r.closure))
	if r.sess.Duration > 0 {
		result.Details = append(result.Details, fmt.Sprintf("duration: %s", r.sess.Duration.Round(time.Second)))
	}
	result.Details = append(result.Details,
		fmt.Sprintf("worktree %s (frontend %d, backend %d)", r.sess.Worktree, r.sess.FrontendPort, r.sess.BackendPort))

	var passed, warned, failed int
	for _, check := range report.Checks {
		switch check.Status {
		case model.CheckPassed:
			passed++
		case model.CheckWarning:
			warned++
		case model.CheckFailed:
			failed++
		}
	}
	result.Details = append(result.Details,
		fmt.Sprintf("checks: %d passed, %d warnings, %d failed", passed, warned, failed))
	return result
}
