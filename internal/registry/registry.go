// Package registry reconciles the worktree directories on disk with the
// worktrees git actually knows about, and produces the canonical enriched
// view (persisted config + live git status + port liveness) per worktree.
//
// Reads and writes are deliberately separate operations:
//
//   - List is read-only. Orphan directories are skipped, never deleted.
//   - Reconcile reports orphans without touching them.
//   - PruneOrphans deletes, and only what it was explicitly told to.
//
// The split exists because a "list" that silently deletes directories is a
// data-loss hazard and untestable; destructive cleanup must be an explicit,
// separately-invoked step.
package registry

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/tiller/internal/gitx"
	"github.com/mmr-tortoise/tiller/internal/model"
	"github.com/mmr-tortoise/tiller/internal/ports"
)

// Prober is the slice of the process-probe capability the registry needs.
type Prober interface {
	// IsPortBound reports whether a process is bound to the TCP port.
	IsPortBound(port int) bool

	// BoundPorts returns the ports in [start, end] with a bound process.
	BoundPorts(start, end int) []int
}

// VersionControl is the slice of the git capability the registry needs.
// *gitx.Client satisfies it; tests substitute fakes.
type VersionControl interface {
	ListWorktrees(ctx context.Context, repoRoot string) ([]gitx.WorktreeInfo, error)
	AddWorktree(ctx context.Context, repoRoot, branch, worktreePath string) error
	RemoveWorktree(ctx context.Context, repoRoot, worktreePath string, force bool) error
	Status(ctx context.Context, worktreePath string) (*model.GitStatus, error)
	Branches(ctx context.Context, repoRoot, mergedInto string) ([]gitx.BranchInfo, error)
	DeleteBranch(ctx context.Context, repoRoot, branch string, force bool) error
	IsRepo(ctx context.Context, path string) bool
}

// Registry manages the worktrees of every configured project.
type Registry struct {
	git      VersionControl
	prober   Prober
	alloc    *ports.Allocator
	projects []model.Project
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Registry over the given project set. The registry is its
// own allocation source: the allocator's exclusion set is built by reading
// every project's persisted worktree configs.
func New(git VersionControl, prober Prober, projects []model.Project, logger *zap.Logger) *Registry {
	r := &Registry{
		git:      git,
		prober:   prober,
		projects: projects,
		logger:   logger,
		now:      time.Now,
	}
	r.alloc = ports.NewAllocator(r, prober)
	return r
}

// Projects returns the configured project set, with each project's
// persisted last-use timestamp filled in.
func (r *Registry) Projects() []model.Project {
	for i := range r.projects {
		if r.projects[i].LastAccessed.IsZero() {
			r.projects[i].LastAccessed = readLastAccessed(r.projects[i].Root)
		}
	}
	return r.projects
}

// Project returns the project with the given identifier.
func (r *Registry) Project(id string) (*model.Project, error) {
	for i := range r.projects {
		if r.projects[i].ID == id {
			p := &r.projects[i]
			if p.LastAccessed.IsZero() {
				p.LastAccessed = readLastAccessed(p.Root)
			}
			return p, nil
		}
	}
	return nil, model.NotFoundf("project %q not found", id)
}

// Touch records the project as just-used. The timestamp is the one mutable
// piece of project state; it lives in the project's own state directory,
// not the config file, so hand-edited configs are never rewritten. A failed
// write only costs the timestamp.
func (r *Registry) Touch(project *model.Project) {
	now := r.now().UTC()
	project.LastAccessed = now

	path := lastAccessedPath(project.Root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		r.logger.Debug("could not create state directory", zap.Error(err))
		return
	}
	if err := os.WriteFile(path, []byte(now.Format(time.RFC3339)+"\n"), 0o644); err != nil {
		r.logger.Debug("could not record last access", zap.Error(err))
	}
}

// Allocator exposes the machine-wide port allocator built over this
// registry's assignment view.
func (r *Registry) Allocator() *ports.Allocator {
	return r.alloc
}

// AllAssignments implements ports.AssignmentSource: every (role, port) pair
// recorded in any worktree's persisted config, across every project.
func (r *Registry) AllAssignments(ctx context.Context) ([]model.PortAssignment, error) {
	var all []model.PortAssignment
	for i := range r.projects {
		project := &r.projects[i]
		names, err := listDirNames(project.Worktrees())
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			cfg, err := readConfig(filepath.Join(project.Worktrees(), name))
			if err != nil || cfg == nil {
				// Missing or unreadable config contributes nothing to
				// the exclusion set; the repair path in List handles it.
				continue
			}
			all = append(all, cfg.Assignments()...)
		}
	}
	return all, nil
}

// List returns the enriched view of every registered worktree of a project.
//
// The authoritative worktree set comes from git; a directory on disk that
// git does not know is an orphan and is skipped (see Reconcile/PruneOrphans
// for the cleanup path). A registered directory without a persisted config
// is a repair case: a fresh config with newly allocated ports is written
// during enrichment.
func (r *Registry) List(ctx context.Context, project *model.Project) ([]model.WorktreeView, error) {
	registered, err := r.registeredNames(ctx, project)
	if err != nil {
		return nil, err
	}

	names, err := listDirNames(project.Worktrees())
	if err != nil {
		return nil, err
	}

	var views []model.WorktreeView
	for _, name := range names {
		if !registered[name] {
			r.logger.Debug("skipping orphan directory",
				zap.String("project", project.ID), zap.String("worktree", name))
			continue
		}
		view, err := r.enrich(ctx, project, name)
		if err != nil {
			return nil, err
		}
		views = append(views, *view)
	}
	return views, nil
}

// Find returns the enriched view of one worktree by name.
func (r *Registry) Find(ctx context.Context, project *model.Project, name string) (*model.WorktreeView, error) {
	if err := model.ValidateName(name); err != nil {
		return nil, model.Wrap("invalid worktree name", err)
	}
	registered, err := r.registeredNames(ctx, project)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(project.Worktrees(), name)
	if _, statErr := os.Stat(path); statErr != nil || !registered[name] {
		return nil, model.NotFoundf("worktree %q not found in project %q", name, project.ID)
	}
	return r.enrich(ctx, project, name)
}

// Reconcile reports the orphan directories of a project: directories under
// the worktree folder that git does not list as worktrees. It never
// deletes anything.
func (r *Registry) Reconcile(ctx context.Context, project *model.Project) ([]string, error) {
	registered, err := r.registeredNames(ctx, project)
	if err != nil {
		return nil, err
	}
	names, err := listDirNames(project.Worktrees())
	if err != nil {
		return nil, err
	}

	var orphans []string
	for _, name := range names {
		if !registered[name] {
			orphans = append(orphans, name)
		}
	}
	sort.Strings(orphans)
	return orphans, nil
}

// PruneOrphans deletes the named orphan directories. A name that is not
// actually an orphan — git still lists it — is refused with a conflict so
// a stale prune list can never delete a live worktree. Names are validated
// before any path is formed: a name carrying separators or dots can never
// address anything outside the worktree folder.
func (r *Registry) PruneOrphans(ctx context.Context, project *model.Project, names []string) error {
	registered, err := r.registeredNames(ctx, project)
	if err != nil {
		return err
	}

	for _, name := range names {
		if err := model.ValidateName(name); err != nil {
			return model.Wrap("invalid orphan name", err)
		}
		if registered[name] {
			return model.Conflictf("%q is a registered worktree, not an orphan", name)
		}
		path := filepath.Join(project.Worktrees(), name)
		if _, statErr := os.Stat(path); statErr != nil {
			return model.NotFoundf("orphan directory %q not found", name)
		}
		if err := os.RemoveAll(path); err != nil {
			return model.Wrap("failed to remove orphan directory "+name, err)
		}
		r.logger.Info("pruned orphan directory",
			zap.String("project", project.ID), zap.String("worktree", name))
	}
	return nil
}

// Create materializes a new branch+worktree pair, allocates a disjoint
// frontend/backend port pair, and persists the worktree config — the
// allocation and the persist happen inside one critical section so a
// concurrent create cannot pick the same ports.
func (r *Registry) Create(ctx context.Context, project *model.Project, branch, description string) (*model.WorktreeView, error) {
	name := SanitizeBranchName(branch)
	if err := model.ValidateName(name); err != nil {
		return nil, model.Wrap("invalid worktree name", err)
	}

	if !r.git.IsRepo(ctx, project.Root) {
		return nil, model.Conflictf("project root %s is not a git repository", project.Root)
	}

	path := filepath.Join(project.Worktrees(), name)
	if _, err := os.Stat(path); err == nil {
		return nil, model.Conflictf("worktree directory %s already exists", path)
	}

	if err := os.MkdirAll(project.Worktrees(), 0o755); err != nil {
		return nil, model.Wrap("failed to create worktree parent directory", err)
	}

	if err := r.git.AddWorktree(ctx, project.Root, branch, path); err != nil {
		return nil, err
	}

	_, _, err := r.alloc.AllocatePairAndPersist(ctx, project, func(frontend, backend int) error {
		cfg := &model.WorktreeConfig{
			Name:         name,
			Project:      project.ID,
			FrontendPort: frontend,
			BackendPort:  backend,
			Description:  description,
			CreatedAt:    r.now().UTC(),
		}
		return writeConfig(path, cfg)
	})
	if err != nil {
		// The worktree exists but has no ports; remove it again rather
		// than leaving a half-created one behind.
		_ = r.git.RemoveWorktree(ctx, project.Root, path, true)
		return nil, err
	}

	r.logger.Info("created worktree",
		zap.String("project", project.ID),
		zap.String("worktree", name),
		zap.String("branch", branch))

	return r.enrich(ctx, project, name)
}

// Archive removes a worktree. A worktree with uncommitted changes is
// refused with a conflict unless force is set, in which case the
// uncommitted work is permanently discarded. The git branch is left alone.
//
// If git does not know the directory but it is present on disk, the removal
// falls back to direct filesystem deletion.
func (r *Registry) Archive(ctx context.Context, project *model.Project, name string, force bool) error {
	if err := model.ValidateName(name); err != nil {
		return model.Wrap("invalid worktree name", err)
	}
	path := filepath.Join(project.Worktrees(), name)
	if _, err := os.Stat(path); err != nil {
		return model.NotFoundf("worktree %q not found in project %q", name, project.ID)
	}

	registered, err := r.registeredNames(ctx, project)
	if err != nil {
		return err
	}

	if !registered[name] {
		// Present on disk but unknown to git: filesystem removal is the
		// only option.
		if err := os.RemoveAll(path); err != nil {
			return model.Wrap("failed to remove directory "+path, err)
		}
		return nil
	}

	if err := r.git.RemoveWorktree(ctx, project.Root, path, force); err != nil {
		return err
	}

	r.logger.Info("archived worktree",
		zap.String("project", project.ID),
		zap.String("worktree", name),
		zap.Bool("force", force))
	return nil
}

// CleanupBranches deletes the local branches already merged to the
// project's integration branch. The integration branch itself, the
// currently checked-out branch and any branch checked out in a worktree
// are never candidates. Unmerged candidates are reported back as skipped,
// not deleted.
func (r *Registry) CleanupBranches(ctx context.Context, project *model.Project) (deleted, skipped []string, err error) {
	main := project.Main()
	branches, err := r.git.Branches(ctx, project.Root, main)
	if err != nil {
		return nil, nil, err
	}

	infos, err := r.git.ListWorktrees(ctx, project.Root)
	if err != nil {
		return nil, nil, err
	}
	checkedOut := make(map[string]bool, len(infos))
	for _, info := range infos {
		checkedOut[strings.TrimPrefix(info.Branch, "refs/heads/")] = true
	}

	for _, b := range branches {
		if b.Name == main || b.Current || checkedOut[b.Name] {
			continue
		}
		if !b.Merged {
			skipped = append(skipped, b.Name)
			continue
		}
		if err := r.git.DeleteBranch(ctx, project.Root, b.Name, false); err != nil {
			return deleted, skipped, err
		}
		deleted = append(deleted, b.Name)
		r.logger.Info("deleted merged branch",
			zap.String("project", project.ID), zap.String("branch", b.Name))
	}
	return deleted, skipped, nil
}

// enrich builds the WorktreeView for one registered worktree: persisted
// config (repaired when missing), live git status and port liveness.
func (r *Registry) enrich(ctx context.Context, project *model.Project, name string) (*model.WorktreeView, error) {
	path := filepath.Join(project.Worktrees(), name)

	view := &model.WorktreeView{Path: path}

	cfg, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		// Repair case: a registered worktree with no config gets a fresh
		// one with newly allocated ports.
		_, _, allocErr := r.alloc.AllocatePairAndPersist(ctx, project, func(frontend, backend int) error {
			cfg = &model.WorktreeConfig{
				Name:         name,
				Project:      project.ID,
				FrontendPort: frontend,
				BackendPort:  backend,
				CreatedAt:    r.now().UTC(),
			}
			return writeConfig(path, cfg)
		})
		if allocErr != nil {
			return nil, allocErr
		}
		view.Repaired = true
		r.logger.Warn("repaired missing worktree config",
			zap.String("project", project.ID), zap.String("worktree", name))
	}
	view.Config = *cfg

	// A failing status query degrades to a nil Git field instead of
	// failing the whole listing.
	if status, statusErr := r.git.Status(ctx, path); statusErr == nil {
		view.Git = status
	} else {
		r.logger.Debug("git status failed",
			zap.String("worktree", name), zap.Error(statusErr))
	}

	view.FrontendInUse = r.prober.IsPortBound(cfg.FrontendPort)
	view.BackendInUse = r.prober.IsPortBound(cfg.BackendPort)

	return view, nil
}

// registeredNames returns the set of directory names under the project's
// worktree folder that git lists as worktrees.
func (r *Registry) registeredNames(ctx context.Context, project *model.Project) (map[string]bool, error) {
	infos, err := r.git.ListWorktrees(ctx, project.Root)
	if err != nil {
		return nil, err
	}

	parent := filepath.Clean(project.Worktrees())
	names := make(map[string]bool, len(infos))
	for _, info := range infos {
		if filepath.Dir(filepath.Clean(info.Path)) == parent {
			names[filepath.Base(info.Path)] = true
		}
	}
	return names, nil
}

// SanitizeBranchName converts a git branch name to a valid worktree name:
// separators become hyphens and anything else non-alphanumeric is dropped.
func SanitizeBranchName(branch string) string {
	name := strings.ReplaceAll(branch, "/", "-")
	name = strings.ReplaceAll(name, "_", "-")

	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		}
	}
	name = strings.Trim(result.String(), "-")

	if name == "" {
		name = "worktree"
	}
	return name
}

// listDirNames returns the names of subdirectories of dir, sorted. A
// missing parent directory yields an empty list: a project that has never
// created a worktree has nothing to list.
func listDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, model.Wrap("failed to read worktree directory "+dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// lastAccessedPath is the file recording when a project was last used.
func lastAccessedPath(root string) string {
	return filepath.Join(root, ".tiller", "last_accessed")
}

// readLastAccessed loads the persisted last-use timestamp; zero when the
// file is absent or unparseable.
func readLastAccessed(root string) time.Time {
	data, err := os.ReadFile(lastAccessedPath(root))
	if err != nil {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}
	}
	return ts
}

// readConfig loads the worktree config document from the worktree
// directory. A missing file returns (nil, nil) — the caller decides whether
// that is a repair case.
func readConfig(worktreePath string) (*model.WorktreeConfig, error) {
	data, err := os.ReadFile(filepath.Join(worktreePath, model.WorktreeConfigFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, model.Wrap("failed to read worktree config", err)
	}

	var cfg model.WorktreeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, model.Wrap("failed to parse worktree config in "+worktreePath, err)
	}
	return &cfg, nil
}

// writeConfig persists the worktree config document into the worktree
// directory.
func writeConfig(worktreePath string, cfg *model.WorktreeConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return model.Wrap("failed to marshal worktree config", err)
	}
	if err := os.WriteFile(filepath.Join(worktreePath, model.WorktreeConfigFile), data, 0o644); err != nil {
		return model.Wrap("failed to write worktree config", err)
	}
	return nil
}
