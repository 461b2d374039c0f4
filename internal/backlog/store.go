// Package backlog reads and writes a project's backlog document: the sprints
// and backlog items the orchestrator binds sessions to.
//
// The document is a single JSON file treated as one read-modify-write unit,
// not a transactional database. Because operators hand-edit it, reads go
// through github.com/tidwall/jsonc so comments and trailing commas do not
// break parsing; writes produce plain indented JSON via a temp-file rename
// so a crash mid-write never corrupts the document.
//
// Sprint names are sprint identity: renaming a sprint cascades to every
// referencing item, and deleting a sprint reassigns its items to the
// unassigned backlog rather than orphaning the references.
package backlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/mmr-tortoise/tiller/internal/model"
)

// Document is the full backlog file: every item plus the sprint list.
type Document struct {
	// Items is the project's backlog items, in document order.
	Items []model.BacklogItem `json:"items"`

	// Sprints is the project's sprint list.
	Sprints []model.Sprint `json:"sprints"`
}

// Sprint returns a pointer to the sprint with the given name, or nil.
func (d *Document) Sprint(name string) *model.Sprint {
	for i := range d.Sprints {
		if d.Sprints[i].Name == name {
			return &d.Sprints[i]
		}
	}
	return nil
}

// Item returns a pointer to the item with the given ID, or nil.
func (d *Document) Item(id string) *model.BacklogItem {
	for i := range d.Items {
		if d.Items[i].ID == id {
			return &d.Items[i]
		}
	}
	return nil
}

// Store performs read-modify-write operations on one backlog document.
type Store struct {
	path string
}

// NewStore creates a Store for the backlog document at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}

// Load reads and parses the backlog document. A missing file yields an
// empty document: a project with no backlog yet is a normal state.
func (s *Store) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{}, nil
		}
		return nil, model.Wrap("failed to read backlog document", err)
	}

	var doc Document
	// Strip JSONC comments/trailing commas before standard parsing.
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return nil, model.Wrap(fmt.Sprintf("failed to parse backlog document %s", s.path), err)
	}
	return &doc, nil
}

// Save writes the document atomically: marshal, write to a temp file in the
// same directory, then rename over the target.
func (s *Store) Save(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return model.Wrap("failed to marshal backlog document", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.Wrap("failed to create backlog directory", err)
	}

	tmp, err := os.CreateTemp(dir, ".backlog-*.json")
	if err != nil {
		return model.Wrap("failed to create temp backlog file", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return model.Wrap("failed to write backlog document", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return model.Wrap("failed to close temp backlog file", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return model.Wrap("failed to replace backlog document", err)
	}
	return nil
}

// ItemsForSprint returns the items referencing the named sprint. With
// excludeDone set, items already done are filtered out — that is the
// session-creation snapshot rule.
func (s *Store) ItemsForSprint(sprint string, excludeDone bool) ([]model.BacklogItem, error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}

	var items []model.BacklogItem
	for _, item := range doc.Items {
		if item.Sprint != sprint {
			continue
		}
		if excludeDone && item.Status == model.ItemDone {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// SprintExists reports whether the named sprint is in the document.
func (s *Store) SprintExists(name string) (bool, error) {
	doc, err := s.Load()
	if err != nil {
		return false, err
	}
	return doc.Sprint(name) != nil, nil
}

// GetSprint returns the named sprint or a KindNotFound error.
func (s *Store) GetSprint(name string) (*model.Sprint, error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}
	sp := doc.Sprint(name)
	if sp == nil {
		return nil, model.NotFoundf("sprint %q not found", name)
	}
	out := *sp
	return &out, nil
}

// SetItemStatus updates one item's status and Updated timestamp.
func (s *Store) SetItemStatus(id string, status model.ItemStatus, now time.Time) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	item := doc.Item(id)
	if item == nil {
		return model.NotFoundf("backlog item %q not found", id)
	}
	item.Status = status
	item.Updated = now
	return s.Save(doc)
}

// AddComment appends a timestamped comment to one item.
func (s *Store) AddComment(id, text string, now time.Time) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	item := doc.Item(id)
	if item == nil {
		return model.NotFoundf("backlog item %q not found", id)
	}
	item.Comments = append(item.Comments, model.Comment{Text: text, CreatedAt: now})
	item.Updated = now
	return s.Save(doc)
}

// MoveItemToSprint reassigns an item to the named sprint, creating the
// sprint implicitly when it does not exist yet. An empty sprint name moves
// the item back to the unassigned backlog.
func (s *Store) MoveItemToSprint(id, sprint string, now time.Time) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	item := doc.Item(id)
	if item == nil {
		return model.NotFoundf("backlog item %q not found", id)
	}

	if sprint != "" && doc.Sprint(sprint) == nil {
		doc.Sprints = append(doc.Sprints, model.Sprint{Name: sprint})
	}

	item.Sprint = sprint
	item.Updated = now
	return s.Save(doc)
}

// CreateSprint adds a new sprint. The name must be unique among the
// project's sprints.
func (s *Store) CreateSprint(sprint model.Sprint) error {
	if sprint.Name == "" {
		return model.Conflictf("sprint name must not be empty")
	}
	doc, err := s.Load()
	if err != nil {
		return err
	}
	if doc.Sprint(sprint.Name) != nil {
		return model.Conflictf("sprint %q already exists", sprint.Name)
	}
	doc.Sprints = append(doc.Sprints, sprint)
	return s.Save(doc)
}

// RenameSprint changes a sprint's name — an identity change — and cascades
// the new name to every referencing item.
func (s *Store) RenameSprint(oldName, newName string, now time.Time) error {
	if newName == "" {
		return model.Conflictf("sprint name must not be empty")
	}
	doc, err := s.Load()
	if err != nil {
		return err
	}
	sp := doc.Sprint(oldName)
	if sp == nil {
		return model.NotFoundf("sprint %q not found", oldName)
	}
	if doc.Sprint(newName) != nil {
		return model.Conflictf("sprint %q already exists", newName)
	}

	sp.Name = newName
	for i := range doc.Items {
		if doc.Items[i].Sprint == oldName {
			doc.Items[i].Sprint = newName
			doc.Items[i].Updated = now
		}
	}
	return s.Save(doc)
}

// DeleteSprint removes a sprint and reassigns every referencing item to the
// unassigned backlog.
func (s *Store) DeleteSprint(name string, now time.Time) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	if doc.Sprint(name) == nil {
		return model.NotFoundf("sprint %q not found", name)
	}

	kept := doc.Sprints[:0]
	for _, sp := range doc.Sprints {
		if sp.Name != name {
			kept = append(kept, sp)
		}
	}
	doc.Sprints = kept

	for i := range doc.Items {
		if doc.Items[i].Sprint == name {
			doc.Items[i].Sprint = ""
			doc.Items[i].Updated = now
		}
	}
	return s.Save(doc)
}

// ItemsCreatedOrMovedSince returns items referencing the sprint whose
// created or updated timestamp falls at or after since. Verification uses
// this to enumerate work that entered the sprint during a session window.
func (s *Store) ItemsCreatedOrMovedSince(sprint string, since time.Time) ([]model.BacklogItem, error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}

	var items []model.BacklogItem
	for _, item := range doc.Items {
		if item.Sprint != sprint {
			continue
		}
		if !item.Created.Before(since) || !item.Updated.Before(since) {
			items = append(items, item)
		}
	}
	return items, nil
}
