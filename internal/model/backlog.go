package model

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ItemStatus is the lifecycle status of a backlog item.
type ItemStatus string

const (
	// ItemNew is an item not yet picked up.
	ItemNew ItemStatus = "new"

	// ItemInProgress is an item being actively worked on.
	ItemInProgress ItemStatus = "in_progress"

	// ItemReview is an item waiting for review.
	ItemReview ItemStatus = "review"

	// ItemDone is a finished item.
	ItemDone ItemStatus = "done"

	// ItemClosed is an item closed without completion.
	ItemClosed ItemStatus = "closed"

	// ItemArchived is an item removed from active planning.
	ItemArchived ItemStatus = "archived"
)

// String returns the string representation of ItemStatus.
func (s ItemStatus) String() string {
	return string(s)
}

// IsValid checks whether the ItemStatus value is one of the predefined
// valid statuses.
func (s ItemStatus) IsValid() bool {
	switch s {
	case ItemNew, ItemInProgress, ItemReview, ItemDone, ItemClosed, ItemArchived:
		return true
	default:
		return false
	}
}

// ParseItemStatus converts a string to an ItemStatus.
// Returns an error if the string does not match any valid status.
func ParseItemStatus(s string) (ItemStatus, error) {
	status := ItemStatus(strings.ToLower(s))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid item status: %q (valid: new, in_progress, review, done, closed, archived)", s)
	}
	return status, nil
}

// Comment is one timestamped note on a backlog item.
type Comment struct {
	// Text is the comment body.
	Text string `json:"text"`

	// CreatedAt is when the comment was added.
	CreatedAt time.Time `json:"createdAt"`
}

// BacklogItem is a unit of planned work in a project's backlog document.
//
// The orchestrator does not own this schema — it reads and filters items by
// sprint and status, and writes back status and timestamp changes. Unknown
// fields in the underlying document are preserved by the store, not by this
// struct.
type BacklogItem struct {
	// ID is the item identifier, unique within the document.
	ID string `json:"id"`

	// Sprint is the owning sprint's name. Empty means the item is in the
	// unassigned backlog.
	Sprint string `json:"sprint,omitempty"`

	// Status is the item's lifecycle status.
	Status ItemStatus `json:"status"`

	// Priority orders items within a sprint (lower is more urgent).
	Priority int `json:"priority,omitempty"`

	// Type is a free-form kind marker (bug, feature, task, idea).
	Type string `json:"type,omitempty"`

	// Title is the item's one-line summary.
	Title string `json:"title"`

	// Description is the free-text body.
	Description string `json:"description,omitempty"`

	// Comments is the timestamped comment list, oldest first.
	Comments []Comment `json:"comments,omitempty"`

	// Created is the creation timestamp.
	Created time.Time `json:"created"`

	// Updated is the last-modification timestamp.
	Updated time.Time `json:"updated"`
}

// InBacklog reports whether the item is unassigned (no sprint).
func (i *BacklogItem) InBacklog() bool {
	return i.Sprint == ""
}

// HasCommentContaining reports whether any comment contains the given
// marker. Used by verification to find hand-off notes on in-progress items.
func (i *BacklogItem) HasCommentContaining(marker string) bool {
	for _, c := range i.Comments {
		if strings.Contains(c.Text, marker) {
			return true
		}
	}
	return false
}

// Sprint is a named, time-boxed grouping of backlog items. The name is the
// sprint's identity: renaming a sprint is an identity change that must be
// cascaded to every referencing item.
type Sprint struct {
	// Name is the sprint identifier, unique among the project's sprints.
	Name string `json:"name"`

	// Description is free-form operator text.
	Description string `json:"description,omitempty"`

	// Start is the sprint's start date.
	Start time.Time `json:"start,omitempty"`

	// End is the sprint's end date.
	End time.Time `json:"end,omitempty"`

	// Goals is the sprint's goal list.
	Goals []string `json:"goals,omitempty"`
}

// Abbrev returns a short identifier for the sprint, used in composite
// session IDs: the first letter of each hyphen/space-separated word,
// up to four letters, lowercased. Letters are runes, not bytes, so a
// non-ASCII sprint name still yields a valid identifier.
func (s *Sprint) Abbrev() string {
	fields := strings.FieldsFunc(s.Name, func(r rune) bool {
		return r == '-' || r == '_' || r == ' '
	})
	var b strings.Builder
	for i, f := range fields {
		if i >= 4 {
			break
		}
		r, _ := utf8.DecodeRuneInString(f)
		b.WriteRune(r)
	}
	if b.Len() == 0 {
		return "s"
	}
	return strings.ToLower(b.String())
}
