// Package ports implements machine-wide TCP port allocation for worktrees.
//
// Every worktree holds one frontend and one backend port, drawn from the
// owning project's configured ranges. Ports are a machine-wide scarce
// resource: the exclusion set for a new allocation is the union of every
// persisted assignment across every project and every port the OS reports
// as live-bound within the scanned range.
//
// Allocation by itself does not reserve anything — the chosen port only
// becomes safe once it is persisted into the worktree's config. To close
// the scan-then-persist race, the allocator exposes AllocatePairAndPersist,
// which holds a process-wide mutex across the exclusion-set computation and
// the caller's persistence callback. This is an in-process lock: the tool is
// single-operator and single-process; concurrent processes are out of scope.
package ports

import (
	"context"
	"sync"

	"github.com/mmr-tortoise/tiller/internal/model"
)

// Prober reports live OS port state for a range.
type Prober interface {
	// BoundPorts returns the ports in [start, end] with a bound process.
	BoundPorts(start, end int) []int
}

// AssignmentSource yields every persisted port assignment across all
// projects. The registry implements this by reading each worktree's
// persisted config.
type AssignmentSource interface {
	// AllAssignments returns every (role, port) pair currently recorded
	// in any worktree's config, across every project.
	AllAssignments(ctx context.Context) ([]model.PortAssignment, error)
}

// Allocator computes the next free port in a project's configured range.
type Allocator struct {
	mu     sync.Mutex
	source AssignmentSource
	prober Prober
}

// NewAllocator creates an Allocator. Both dependencies are required.
func NewAllocator(source AssignmentSource, prober Prober) *Allocator {
	return &Allocator{source: source, prober: prober}
}

// Allocate returns the first port in the project's range for the given role
// that is outside the exclusion set computed at call time.
//
// Allocation does not reserve: a caller that does not persist the result
// promptly can race another allocation. Prefer AllocatePairAndPersist for
// worktree creation.
func (a *Allocator) Allocate(ctx context.Context, project *model.Project, role model.PortRole) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	excluded, err := a.exclusionSet(ctx, project.Range(role))
	if err != nil {
		return 0, err
	}
	return scanRange(project.Range(role), role, excluded)
}

// AllocatePair allocates a frontend and a backend port together. The
// backend scan sees the frontend pick, so overlapping ranges cannot hand
// out the same port twice.
func (a *Allocator) AllocatePair(ctx context.Context, project *model.Project) (frontend, backend int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocatePairLocked(ctx, project)
}

// AllocatePairAndPersist allocates a port pair and invokes persist while
// still holding the allocator lock. The persist callback must record both
// ports into the worktree's config; if it fails, the allocation is
// abandoned and the ports remain free.
func (a *Allocator) AllocatePairAndPersist(ctx context.Context, project *model.Project, persist func(frontend, backend int) error) (int, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	frontend, backend, err := a.allocatePairLocked(ctx, project)
	if err != nil {
		return 0, 0, err
	}
	if err := persist(frontend, backend); err != nil {
		return 0, 0, err
	}
	return frontend, backend, nil
}

// allocatePairLocked does the pair allocation; the caller holds a.mu.
func (a *Allocator) allocatePairLocked(ctx context.Context, project *model.Project) (int, int, error) {
	fExcluded, err := a.exclusionSet(ctx, project.FrontendPorts)
	if err != nil {
		return 0, 0, err
	}
	frontend, err := scanRange(project.FrontendPorts, model.RoleFrontend, fExcluded)
	if err != nil {
		return 0, 0, err
	}

	bExcluded, err := a.exclusionSet(ctx, project.BackendPorts)
	if err != nil {
		return 0, 0, err
	}
	// The frontend pick is not persisted yet; exclude it by hand in case
	// the ranges overlap.
	bExcluded[frontend] = true
	backend, err := scanRange(project.BackendPorts, model.RoleBackend, bExcluded)
	if err != nil {
		return 0, 0, err
	}

	return frontend, backend, nil
}

// exclusionSet builds the set of ports a new allocation must avoid:
// every persisted assignment (any role, any project) plus every live-bound
// port within the scanned range.
//
// Persisted assignments outside the range are included too — membership
// checks are cheap and it keeps the set role-agnostic.
func (a *Allocator) exclusionSet(ctx context.Context, r model.PortRange) (map[int]bool, error) {
	assignments, err := a.source.AllAssignments(ctx)
	if err != nil {
		return nil, err
	}

	excluded := make(map[int]bool, len(assignments))
	for _, assignment := range assignments {
		excluded[assignment.Port] = true
	}
	for _, port := range a.prober.BoundPorts(r.Start, r.End) {
		excluded[port] = true
	}
	return excluded, nil
}

// scanRange walks the range in ascending order and returns the first port
// not in the exclusion set. The ascending order is deterministic: given the
// same exclusion set, the same port is always chosen.
func scanRange(r model.PortRange, role model.PortRole, excluded map[int]bool) (int, error) {
	for port := r.Start; port <= r.End; port++ {
		if !excluded[port] {
			return port, nil
		}
	}
	return 0, model.Exhaustedf("no free %s port in range %s", role, r)
}
