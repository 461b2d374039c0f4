package model

import (
	"fmt"
	"strings"
	"time"
)

// CheckStatus is the outcome of one verification check.
type CheckStatus string

const (
	// CheckPassed means the check's expectation held.
	CheckPassed CheckStatus = "passed"

	// CheckWarning means the expectation did not fully hold but the
	// closure policy tolerates it.
	CheckWarning CheckStatus = "warning"

	// CheckFailed means the closure policy was violated.
	CheckFailed CheckStatus = "failed"

	// CheckError means the check itself could not run (e.g. a git command
	// failed). An erroring check never aborts the battery.
	CheckError CheckStatus = "error"

	// CheckInfo marks informational checks that never block.
	CheckInfo CheckStatus = "info"

	// CheckSkipped means the check was not applicable.
	CheckSkipped CheckStatus = "skipped"
)

// String returns the string representation of CheckStatus.
func (s CheckStatus) String() string {
	return string(s)
}

// IsValid checks whether the CheckStatus value is one of the predefined
// valid statuses.
func (s CheckStatus) IsValid() bool {
	switch s {
	case CheckPassed, CheckWarning, CheckFailed, CheckError, CheckInfo, CheckSkipped:
		return true
	default:
		return false
	}
}

// ParseCheckStatus converts a string to a CheckStatus.
// Returns an error if the string does not match any valid status.
func ParseCheckStatus(s string) (CheckStatus, error) {
	status := CheckStatus(strings.ToLower(s))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid check status: %q (valid: passed, warning, failed, error, info, skipped)", s)
	}
	return status, nil
}

// CheckResult is one named verification check with its outcome and
// human-readable detail lines.
type CheckResult struct {
	// Name identifies the check (e.g. "Server Shutdown").
	Name string `json:"name"`

	// Status is the check's outcome.
	Status CheckStatus `json:"status"`

	// Details are human-readable lines explaining the outcome.
	Details []string `json:"details,omitempty"`
}

// VerificationReport is the authoritative record of whether a session
// closure met the policy for its declared closure type. It is advisory,
// produced after the closure happened, and re-runnable: repeated runs
// overwrite the stored report without side effects beyond read-only probing.
type VerificationReport struct {
	// RunID uniquely identifies this verification run.
	RunID string `json:"runId"`

	// SessionID is the verified session.
	SessionID string `json:"sessionId"`

	// ClosureType is the policy the battery was evaluated against.
	ClosureType ClosureType `json:"closureType"`

	// Checks is the ordered check list.
	Checks []CheckResult `json:"checks"`

	// Passed, Warnings and Failed are the aggregate counters. Error, info
	// and skipped checks count toward none of them.
	Passed   int `json:"passed"`
	Warnings int `json:"warnings"`
	Failed   int `json:"failed"`

	// RanAt is when the battery ran.
	RanAt time.Time `json:"ranAt"`
}

// Aggregate returns the report's overall status: failed if any check
// failed, else warning if any check warned, else passed.
func (r *VerificationReport) Aggregate() CheckStatus {
	if r.Failed > 0 {
		return CheckFailed
	}
	if r.Warnings > 0 {
		return CheckWarning
	}
	return CheckPassed
}

// Tally recomputes the aggregate counters from the check list.
func (r *VerificationReport) Tally() {
	r.Passed, r.Warnings, r.Failed = 0, 0, 0
	for _, c := range r.Checks {
		switch c.Status {
		case CheckPassed:
			r.Passed++
		case CheckWarning:
			r.Warnings++
		case CheckFailed:
			r.Failed++
		}
	}
}

// Check returns the result with the given name, or nil.
func (r *VerificationReport) Check(name string) *CheckResult {
	for i := range r.Checks {
		if r.Checks[i].Name == name {
			return &r.Checks[i]
		}
	}
	return nil
}
