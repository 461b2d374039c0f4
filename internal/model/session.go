package model

import (
	"fmt"
	"strings"
	"time"
)

// SessionState is the lifecycle state of a development session.
// The transitions are strictly monotonic:
//
//	planned → started → in_progress → testing → closing → completed
//
// No transition is reversible through the state machine itself; going back
// means editing the persisted session document, which is an escape hatch,
// not a modeled transition.
type SessionState string

const (
	// StatePlanned is the initial state after creation.
	StatePlanned SessionState = "planned"

	// StateStarted means the operator has begun the session.
	StateStarted SessionState = "started"

	// StateInProgress means work is underway.
	StateInProgress SessionState = "in_progress"

	// StateTesting means the operator is verifying the work.
	StateTesting SessionState = "testing"

	// StateClosing means the operator is wrapping up; the closure type is
	// chosen from this state.
	StateClosing SessionState = "closing"

	// StateCompleted is the terminal state, holding a verification report.
	StateCompleted SessionState = "completed"
)

// String returns the string representation of SessionState.
func (s SessionState) String() string {
	return string(s)
}

// IsValid checks whether the SessionState value is one of the predefined
// valid states.
func (s SessionState) IsValid() bool {
	switch s {
	case StatePlanned, StateStarted, StateInProgress, StateTesting, StateClosing, StateCompleted:
		return true
	default:
		return false
	}
}

// ParseSessionState converts a string to a SessionState.
// Returns an error if the string does not match any valid state.
func ParseSessionState(s string) (SessionState, error) {
	state := SessionState(strings.ToLower(s))
	if !state.IsValid() {
		return "", fmt.Errorf("invalid session state: %q (valid: planned, started, in_progress, testing, closing, completed)", s)
	}
	return state, nil
}

// ClosureType is the declared outcome of ending a session. It parameterizes
// the verification policy: the same check battery applies different
// expectations depending on how the session was closed.
type ClosureType string

const (
	// ClosureComplete declares the sprint's work finished and the worktree
	// cleaned up.
	ClosureComplete ClosureType = "COMPLETE"

	// ClosureWIP declares the work parked for later: the worktree and
	// branch are preserved and in-progress items carry hand-off notes.
	ClosureWIP ClosureType = "WIP"

	// ClosureArchive declares the work preserved for reference but no
	// longer active.
	ClosureArchive ClosureType = "ARCHIVE"

	// ClosureAbandon declares the work discarded: items reset, branch and
	// worktree deleted.
	ClosureAbandon ClosureType = "ABANDON"
)

// String returns the string representation of ClosureType.
func (c ClosureType) String() string {
	return string(c)
}

// IsValid checks whether the ClosureType value is one of the predefined
// valid closure types.
func (c ClosureType) IsValid() bool {
	switch c {
	case ClosureComplete, ClosureWIP, ClosureArchive, ClosureAbandon:
		return true
	default:
		return false
	}
}

// ParseClosureType converts a string to a ClosureType.
// Returns an error if the string does not match any valid closure type.
func ParseClosureType(s string) (ClosureType, error) {
	ct := ClosureType(strings.ToUpper(s))
	if !ct.IsValid() {
		return "", fmt.Errorf("invalid closure type: %q (valid: COMPLETE, WIP, ARCHIVE, ABANDON)", s)
	}
	return ct, nil
}

// SessionItem is the snapshot of one backlog item taken at session creation.
// The snapshot is not kept in sync with the live backlog document —
// verification re-fetches live items to detect drift.
type SessionItem struct {
	// ID is the backlog item's identifier.
	ID string `json:"id"`

	// Title is the item's summary at snapshot time.
	Title string `json:"title"`

	// Status is the item's status at snapshot time.
	Status ItemStatus `json:"status"`

	// Done is the per-session completion toggle. Toggling it writes the
	// matching status back to the backlog document.
	Done bool `json:"done"`
}

// Session binds one sprint to one worktree for a bounded unit of development
// work. The (project, sprint, worktree) binding is immutable for the
// session's life.
type Session struct {
	// ID is the machine-generated session identifier:
	// "<YYYYMMDD>-<sprint abbreviation>-<worktree name>". Collisions are
	// not expected and not actively checked.
	ID string `json:"id"`

	// Project is the owning project's identifier.
	Project string `json:"project"`

	// Sprint is the bound sprint's name.
	Sprint string `json:"sprint"`

	// Worktree is the bound worktree's name.
	Worktree string `json:"worktree"`

	// FrontendPort and BackendPort are the worktree's port assignment at
	// creation time.
	FrontendPort int `json:"frontendPort"`
	BackendPort  int `json:"backendPort"`

	// State is the current lifecycle state.
	State SessionState `json:"state"`

	// Items is the snapshot of in-scope backlog items taken at creation.
	Items []SessionItem `json:"items"`

	// Notes is free operator text.
	Notes string `json:"notes,omitempty"`

	// ClosureType is set when the session is closed from closing.
	ClosureType ClosureType `json:"closureType,omitempty"`

	// CreatedAt is the session creation timestamp.
	CreatedAt time.Time `json:"createdAt"`

	// StartedAt is recorded by the start transition.
	StartedAt time.Time `json:"startedAt,omitempty"`

	// CompletedAt is recorded by the close transition.
	CompletedAt time.Time `json:"completedAt,omitempty"`

	// Duration is the elapsed time from StartedAt to CompletedAt.
	Duration time.Duration `json:"duration,omitempty"`

	// Report is the latest verification report. Re-running verification
	// overwrites it.
	Report *VerificationReport `json:"report,omitempty"`
}

// Item returns a pointer to the snapshot item with the given ID, or nil.
func (s *Session) Item(id string) *SessionItem {
	for i := range s.Items {
		if s.Items[i].ID == id {
			return &s.Items[i]
		}
	}
	return nil
}
