package session

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

type fakeResolver struct {
	views map[string]*model.WorktreeView
}

func (r *fakeResolver) Find(_ context.Context, _ *model.Project, name string) (*model.WorktreeView, error) {
	view, ok := r.views[name]
	if !ok {
		return nil, model.NotFoundf("worktree %q not found", name)
	}
	return view, nil
}

type fakeVerifier struct {
	report *model.VerificationReport
	err    error
	calls  int
}

func (v *fakeVerifier) Run(_ context.Context, _ *model.Project, _ *model.Session, _ model.ClosureType) (*model.VerificationReport, error) {
	v.calls++
	return v.report, v.err
}

// setupManager returns a manager with a fixed clock, a resolver knowing one
// worktree and a seeded backlog: sprint auth-hardening with one open, one
// in-progress and one done item.
func setupManager(t *testing.T) (*Manager, *model.Project, *fakeVerifier) {
	t.Helper()

	project := &model.Project{
		ID:   "shop",
		Root: filepath.Join(t.TempDir(), "shop"),
	}

	store := backlog.NewStore(project.Backlog())
	require.NoError(t, store.Save(&backlog.Document{
		Sprints: []model.Sprint{{Name: "auth-hardening"}},
		Items: []model.BacklogItem{
			{ID: "t-1", Sprint: "auth-hardening", Status: model.ItemNew, Title: "add login form"},
			{ID: "t-2", Sprint: "auth-hardening", Status: model.ItemInProgress, Title: "wire session cookie"},
			{ID: "t-3", Sprint: "auth-hardening", Status: model.ItemDone, Title: "pick a framework"},
		},
	}))

	resolver := &fakeResolver{views: map[string]*model.WorktreeView{
		"feature-auth": {
			Path: filepath.Join(project.Worktrees(), "feature-auth"),
			Config: model.WorktreeConfig{
				Name:         "feature-auth",
				FrontendPort: 3001,
				BackendPort:  8001,
			},
		},
	}}
	verifier := &fakeVerifier{report: &model.VerificationReport{RunID: "fake-run"}}

	m := NewManager(resolver, verifier, zap.NewNop())
	m.now = func() time.Time {
		return time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	}
	return m, project, verifier
}

func TestManagerCreate(t *testing.T) {
	m, project, _ := setupManager(t)

	sess, err := m.Create(context.Background(), project, "auth-hardening", "feature-auth")
	require.NoError(t, err)

	assert.Equal(t, "20260831-ah-feature-auth", sess.ID)
	assert.Equal(t, model.StatePlanned, sess.State)
	assert.Equal(t, 3001, sess.FrontendPort)
	assert.Equal(t, 8001, sess.BackendPort)

	// Done items are excluded from the snapshot.
	require.Len(t, sess.Items, 2)
	assert.Equal(t, "t-1", sess.Items[0].ID)
	assert.Equal(t, "t-2", sess.Items[1].ID)

	loaded, err := m.Get(project, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, loaded.ID)
}

func TestManagerCreate_UnknownInputs(t *testing.T) {
	m, project, _ := setupManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, project, "no-such-sprint", "feature-auth")
	assert.True(t, model.IsNotFound(err))

	_, err = m.Create(ctx, project, "auth-hardening", "no-such-worktree")
	assert.True(t, model.IsNotFound(err))
}

func TestManagerGet_NotFound(t *testing.T) {
	m, project, _ := setupManager(t)

	_, err := m.Get(project, "20990101-xx-nothing")
	assert.True(t, model.IsNotFound(err))
}

func TestManagerList_NewestFirst(t *testing.T) {
	m, project, _ := setupManager(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	older, err := m.Create(ctx, project, "auth-hardening", "feature-auth")
	require.NoError(t, err)

	// A later clock and a distinct worktree yield a distinct document.
	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	resolver := m.resolver.(*fakeResolver)
	resolver.views["feature-rss"] = &model.WorktreeView{
		Config: model.WorktreeConfig{Name: "feature-rss", FrontendPort: 3002, BackendPort: 8002},
	}
	newer, err := m.Create(ctx, project, "auth-hardening", "feature-rss")
	require.NoError(t, err)

	sessions, err := m.List(project)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, newer.ID, sessions[0].ID)
	assert.Equal(t, older.ID, sessions[1].ID)
}

func TestManagerList_NoSessionsDir(t *testing.T) {
	m, project, _ := setupManager(t)

	sessions, err := m.List(project)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestManagerAdvance(t *testing.T) {
	m, project, _ := setupManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, project, "auth-hardening", "feature-auth")
	require.NoError(t, err)

	started, err := m.Advance(project, sess.ID, model.StateStarted)
	require.NoError(t, err)
	assert.Equal(t, model.StateStarted, started.State)
	assert.False(t, started.StartedAt.IsZero())

	// Skipping a state is rejected.
	_, err = m.Advance(project, sess.ID, model.StateTesting)
	assert.True(t, model.IsConflict(err))

	// Completion goes through Close, never Advance.
	_, err = m.Advance(project, sess.ID, model.StateCompleted)
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))
	assert.Contains(t, err.Error(), "use close")
}

func TestManagerClose(t *testing.T) {
	m, project, verifier := setupManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, project, "auth-hardening", "feature-auth")
	require.NoError(t, err)

	base := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	for _, state := range []model.SessionState{
		model.StateStarted, model.StateInProgress, model.StateTesting, model.StateClosing,
	} {
		_, err = m.Advance(project, sess.ID, state)
		require.NoError(t, err)
	}

	m.now = func() time.Time { return base.Add(3 * time.Hour) }
	closed, err := m.Close(ctx, project, sess.ID, model.ClosureComplete)
	require.NoError(t, err)

	assert.Equal(t, model.StateCompleted, closed.State)
	assert.Equal(t, model.ClosureComplete, closed.ClosureType)
	assert.Equal(t, 3*time.Hour, closed.Duration)
	require.NotNil(t, closed.Report)
	assert.Equal(t, "fake-run", closed.Report.RunID)
	assert.Equal(t, 1, verifier.calls)

	// The report survives the round trip.
	loaded, err := m.Get(project, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.Report)
	assert.Equal(t, "fake-run", loaded.Report.RunID)
}

func TestManagerClose_OnlyFromClosing(t *testing.T) {
	m, project, _ := setupManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, project, "auth-hardening", "feature-auth")
	require.NoError(t, err)
	_, err = m.Advance(project, sess.ID, model.StateStarted)
	require.NoError(t, err)

	_, err = m.Close(ctx, project, sess.ID, model.ClosureComplete)
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))

	loaded, err := m.Get(project, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateStarted, loaded.State)
}

func TestManagerVerify(t *testing.T) {
	m, project, verifier := setupManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, project, "auth-hardening", "feature-auth")
	require.NoError(t, err)

	// Verification needs a recorded closure type.
	_, err = m.Verify(ctx, project, sess.ID)
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))

	for _, state := range []model.SessionState{
		model.StateStarted, model.StateInProgress, model.StateTesting, model.StateClosing,
	} {
		_, err = m.Advance(project, sess.ID, state)
		require.NoError(t, err)
	}
	_, err = m.Close(ctx, project, sess.ID, model.ClosureWIP)
	require.NoError(t, err)

	verifier.report = &model.VerificationReport{RunID: "second-run"}
	verified, err := m.Verify(ctx, project, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, verified.Report)
	assert.Equal(t, "second-run", verified.Report.RunID)
	assert.Equal(t, 2, verifier.calls)
}

func TestManagerUpdate(t *testing.T) {
	m, project, _ := setupManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, project, "auth-hardening", "feature-auth")
	require.NoError(t, err)

	notes := "paused for a code review"
	updated, err := m.Update(project, sess.ID, UpdatePatch{
		Notes:    &notes,
		ItemDone: map[string]bool{"t-1": true},
	})
	require.NoError(t, err)
	assert.Equal(t, notes, updated.Notes)
	require.NotNil(t, updated.Item("t-1"))
	assert.True(t, updated.Item("t-1").Done)

	// The toggle writes through to the backlog document.
	store := backlog.NewStore(project.Backlog())
	doc, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, model.ItemDone, doc.Item("t-1").Status)

	// Untoggling moves the backlog item back to in_progress.
	_, err = m.Update(project, sess.ID, UpdatePatch{ItemDone: map[string]bool{"t-1": false}})
	require.NoError(t, err)
	doc, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, model.ItemInProgress, doc.Item("t-1").Status)
}

// TestManagerUpdate_BacklogWriteFailure pins the two-store behavior down:
// when the backlog write fails after the session write succeeded, the
// session keeps the toggle and the error surfaces.
func TestManagerUpdate_BacklogWriteFailure(t *testing.T) {
	m, project, _ := setupManager(t)

	sess, err := m.Create(context.Background(), project, "auth-hardening", "feature-auth")
	require.NoError(t, err)

	// Replace the backlog document with a directory so the store fails.
	require.NoError(t, os.Remove(project.Backlog()))
	require.NoError(t, os.Mkdir(project.Backlog(), 0o755))

	updated, err := m.Update(project, sess.ID, UpdatePatch{ItemDone: map[string]bool{"t-1": true}})
	require.Error(t, err)
	require.NotNil(t, updated)
	assert.True(t, updated.Item("t-1").Done)

	// The persisted session kept the toggle too.
	loaded, err := m.Get(project, sess.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Item("t-1").Done)
}

func TestManagerUpdate_UnknownItem(t *testing.T) {
	m, project, _ := setupManager(t)

	sess, err := m.Create(context.Background(), project, "auth-hardening", "feature-auth")
	require.NoError(t, err)

	_, err = m.Update(project, sess.ID, UpdatePatch{ItemDone: map[string]bool{"nope": true}})
	assert.True(t, model.IsNotFound(err))
}
