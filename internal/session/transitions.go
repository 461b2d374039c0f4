// Package session creates, mutates and persists development sessions, and
// drives the session state machine.
//
// The state machine itself lives in this file as pure functions — no I/O,
// no clock reads; callers pass the current time. The persisted documents
// and the two-store item writes live in manager.go.
package session

import (
	"time"

	"github.com/mmr-tortoise/tiller/internal/model"
)

// successor maps each session state to its sole legal successor. The chain
// is strictly monotonic; there are no backward transitions.
var successor = map[model.SessionState]model.SessionState{
	model.StatePlanned:    model.StateStarted,
	model.StateStarted:    model.StateInProgress,
	model.StateInProgress: model.StateTesting,
	model.StateTesting:    model.StateClosing,
	model.StateClosing:    model.StateCompleted,
}

// InitialState returns the state a freshly created session starts in.
func InitialState() model.SessionState {
	return model.StatePlanned
}

// Next returns the successor of the given state. ok is false for the
// terminal state.
func Next(state model.SessionState) (model.SessionState, bool) {
	next, ok := successor[state]
	return next, ok
}

// GuardTransition validates that from → to is the modeled transition.
// Every operator-invoked advance goes through this guard; skipping states
// or moving backward is a conflict. Going backward is possible only by
// editing the persisted session document — an escape hatch, not a
// transition.
func GuardTransition(from, to model.SessionState) error {
	next, ok := successor[from]
	if !ok {
		return model.Conflictf("session is %s, a terminal state", from)
	}
	if to != next {
		return model.Conflictf("cannot transition from %s to %s (next state is %s)", from, to, next)
	}
	return nil
}

// GuardClose validates that a session may be closed with the given closure
// type. Closing is accepted only from the closing state; the closure type
// is chosen at that moment and nowhere else.
func GuardClose(from model.SessionState, closureType model.ClosureType) error {
	if !closureType.IsValid() {
		return model.Conflictf("invalid closure type %q", closureType)
	}
	if from != model.StateClosing {
		return model.Conflictf("cannot close a session in state %s (close is only valid from closing)", from)
	}
	return nil
}

// TransitionEffects captures the timestamps a transition records. Both
// fields are nil for transitions without side effects.
type TransitionEffects struct {
	// StartedAt is set when the transition is planned → started.
	StartedAt *time.Time

	// CompletedAt is set when the transition is closing → completed.
	CompletedAt *time.Time
}

// ApplyTransition returns the timestamps the given transition records.
// The caller passes the current time so the function stays pure and
// testable.
func ApplyTransition(to model.SessionState, now time.Time) TransitionEffects {
	var effects TransitionEffects
	switch to {
	case model.StateStarted:
		effects.StartedAt = &now
	case model.StateCompleted:
		effects.CompletedAt = &now
	}
	return effects
}

// SessionID builds the composite session identifier from its parts:
// "<YYYYMMDD>-<sprint abbreviation>-<worktree name>". Collisions are not
// expected (one session per sprint+worktree per day) and are not actively
// checked.
func SessionID(created time.Time, sprint *model.Sprint, worktree string) string {
	return created.Format("20060102") + "-" + sprint.Abbrev() + "-" + worktree
}
