package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/tiller/internal/backlog"
	"github.com/mmr-tortoise/tiller/internal/model"
)

// WorktreeResolver is the slice of the registry the manager needs: looking
// up one worktree's enriched view at session creation time.
type WorktreeResolver interface {
	Find(ctx context.Context, project *model.Project, name string) (*model.WorktreeView, error)
}

// Verifier runs the post-closure check battery. *verify.Engine satisfies
// it; tests substitute fakes.
type Verifier interface {
	Run(ctx context.Context, project *model.Project, sess *model.Session, closureType model.ClosureType) (*model.VerificationReport, error)
}

// Manager creates, mutates and persists Session documents. Each session is
// one JSON document under the project's sessions directory.
type Manager struct {
	resolver WorktreeResolver
	verifier Verifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager creates a session manager. The verifier may be nil, in which
// case Close records the closure without producing a report (verification
// can still be run later).
func NewManager(resolver WorktreeResolver, verifier Verifier, logger *zap.Logger) *Manager {
	return &Manager{
		resolver: resolver,
		verifier: verifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Create builds a new session binding the named sprint to the named
// worktree, snapshots the sprint's non-done backlog items, and persists it
// in state planned.
//
// The (project, sprint, worktree) binding is immutable for the session's
// life. The item snapshot is taken once and never synced with the live
// backlog document — verification re-fetches live items to detect drift.
func (m *Manager) Create(ctx context.Context, project *model.Project, sprintName, worktreeName string) (*model.Session, error) {
	store := backlog.NewStore(project.Backlog())
	sprint, err := store.GetSprint(sprintName)
	if err != nil {
		return nil, err
	}

	view, err := m.resolver.Find(ctx, project, worktreeName)
	if err != nil {
		return nil, err
	}

	items, err := store.ItemsForSprint(sprintName, true)
	if err != nil {
		return nil, err
	}

	created := m.now().UTC()
	sess := &model.Session{
		ID:           SessionID(created, sprint, worktreeName),
		Project:      project.ID,
		Sprint:       sprintName,
		Worktree:     worktreeName,
		FrontendPort: view.Config.FrontendPort,
		BackendPort:  view.Config.BackendPort,
		State:        InitialState(),
		CreatedAt:    created,
	}
	for _, item := range items {
		sess.Items = append(sess.Items, model.SessionItem{
			ID:     item.ID,
			Title:  item.Title,
			Status: item.Status,
		})
	}

	if err := m.save(project, sess); err != nil {
		return nil, err
	}

	m.logger.Info("created session",
		zap.String("session", sess.ID),
		zap.String("sprint", sprintName),
		zap.String("worktree", worktreeName),
		zap.Int("items", len(sess.Items)))

	return sess, nil
}

// Get loads one session document by ID.
func (m *Manager) Get(project *model.Project, id string) (*model.Session, error) {
	path := m.sessionPath(project, id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.NotFoundf("session %q not found", id)
		}
		return nil, model.Wrap("failed to read session document", err)
	}

	var sess model.Session
	if err := json.Unmarshal(jsonc.ToJSON(data), &sess); err != nil {
		return nil, model.Wrap("failed to parse session document "+path, err)
	}
	return &sess, nil
}

// List returns every session of a project, newest first.
func (m *Manager) List(project *model.Project) ([]model.Session, error) {
	entries, err := os.ReadDir(project.SessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, model.Wrap("failed to read sessions directory", err)
	}

	var sessions []model.Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sess, err := m.Get(project, strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// Advance moves a session to the target state. The transition is validated
// against the monotonic chain; planned → started records StartedAt.
func (m *Manager) Advance(project *model.Project, id string, target model.SessionState) (*model.Session, error) {
	sess, err := m.Get(project, id)
	if err != nil {
		return nil, err
	}
	if target == model.StateCompleted {
		return nil, model.Conflictf("use close to complete a session (a closure type is required)")
	}
	if err := GuardTransition(sess.State, target); err != nil {
		return nil, err
	}

	effects := ApplyTransition(target, m.now().UTC())
	sess.State = target
	if effects.StartedAt != nil {
		sess.StartedAt = *effects.StartedAt
	}

	if err := m.save(project, sess); err != nil {
		return nil, err
	}

	m.logger.Info("advanced session",
		zap.String("session", id), zap.String("state", target.String()))
	return sess, nil
}

// Close completes a session from the closing state with the declared
// closure type: records CompletedAt and the elapsed duration, persists,
// then runs the verification battery and stores its report.
//
// Verification is advisory and runs after the closure is already recorded;
// a verification failure does not undo the closure, it is reported on the
// returned session's Report.
func (m *Manager) Close(ctx context.Context, project *model.Project, id string, closureType model.ClosureType) (*model.Session, error) {
	sess, err := m.Get(project, id)
	if err != nil {
		return nil, err
	}
	if err := GuardClose(sess.State, closureType); err != nil {
		return nil, err
	}

	effects := ApplyTransition(model.StateCompleted, m.now().UTC())
	sess.State = model.StateCompleted
	sess.ClosureType = closureType
	sess.CompletedAt = *effects.CompletedAt
	if !sess.StartedAt.IsZero() {
		sess.Duration = sess.CompletedAt.Sub(sess.StartedAt)
	}

	if err := m.save(project, sess); err != nil {
		return nil, err
	}

	m.logger.Info("closed session",
		zap.String("session", id), zap.String("closure", closureType.String()))

	if m.verifier != nil {
		report, verr := m.verifier.Run(ctx, project, sess, closureType)
		if verr != nil {
			// The closure already happened; surface the verification
			// failure without undoing it.
			return sess, verr
		}
		sess.Report = report
		if err := m.save(project, sess); err != nil {
			return nil, err
		}
	}

	return sess, nil
}

// Verify re-runs the verification battery for an already-closed session and
// overwrites the stored report. Re-running is idempotent: it has no side
// effects on git or ports beyond read-only probing.
func (m *Manager) Verify(ctx context.Context, project *model.Project, id string) (*model.Session, error) {
	if m.verifier == nil {
		return nil, model.Wrap("no verifier configured", nil)
	}
	sess, err := m.Get(project, id)
	if err != nil {
		return nil, err
	}
	if sess.ClosureType == "" {
		return nil, model.Conflictf("session %s has no closure type yet; close it first", id)
	}

	report, err := m.verifier.Run(ctx, project, sess, sess.ClosureType)
	if err != nil {
		return nil, err
	}
	sess.Report = report
	if err := m.save(project, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// UpdatePatch is the partial-field merge applied by Update. Nil fields are
// left untouched.
type UpdatePatch struct {
	// Notes replaces the session's free-text notes.
	Notes *string `json:"notes,omitempty"`

	// ItemDone toggles per-item completion, keyed by backlog item ID.
	ItemDone map[string]bool `json:"itemDone,omitempty"`
}

// Update merges the patch into the persisted session. Toggling an item's
// completion also writes the matching status (done / in_progress) back to
// the backlog document.
//
// This is a two-store write with no atomicity guarantee: the session
// document is persisted first, then the backlog document. If the backlog
// write fails, the session keeps the toggle and the two stores disagree
// until the next successful toggle or a manual edit. Accepted for a
// single-operator local tool; see the tests that pin this behavior down.
func (m *Manager) Update(project *model.Project, id string, patch UpdatePatch) (*model.Session, error) {
	sess, err := m.Get(project, id)
	if err != nil {
		return nil, err
	}

	if patch.Notes != nil {
		sess.Notes = *patch.Notes
	}

	var toggled []string
	for itemID, done := range patch.ItemDone {
		item := sess.Item(itemID)
		if item == nil {
			return nil, model.NotFoundf("item %q is not in session %s", itemID, id)
		}
		if item.Done != done {
			item.Done = done
			toggled = append(toggled, itemID)
		}
	}

	if err := m.save(project, sess); err != nil {
		return nil, err
	}

	store := backlog.NewStore(project.Backlog())
	now := m.now().UTC()
	sort.Strings(toggled)
	for _, itemID := range toggled {
		status := model.ItemInProgress
		if sess.Item(itemID).Done {
			status = model.ItemDone
		}
		if err := store.SetItemStatus(itemID, status, now); err != nil {
			// No rollback of the session write, see the method comment.
			return sess, err
		}
	}

	return sess, nil
}

// save persists a session document under the project's sessions directory.
func (m *Manager) save(project *model.Project, sess *model.Session) error {
	dir := project.SessionsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.Wrap("failed to create sessions directory", err)
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return model.Wrap("failed to marshal session", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return model.Wrap("failed to create temp session file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return model.Wrap("failed to write session document", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return model.Wrap("failed to close temp session file", err)
	}
	if err := os.Rename(tmpName, m.sessionPath(project, sess.ID)); err != nil {
		_ = os.Remove(tmpName)
		return model.Wrap("failed to replace session document", err)
	}
	return nil
}

// sessionPath returns the document path for a session ID.
func (m *Manager) sessionPath(project *model.Project, id string) string {
	return filepath.Join(project.SessionsDir(), id+".json")
}
