package model

import (
	"fmt"
	"time"
)

// WorktreeConfigFile is the name of the per-worktree config document,
// persisted inside the worktree directory at creation time.
const WorktreeConfigFile = ".tiller.yaml"

// PortAssignment is a (role, port) pair scoped to one worktree.
//
// Within a machine-wide allocation pass, the union of all currently-assigned
// ports (config-declared or live-OS-bound) is the exclusion set a new
// allocation must avoid. Ports are a machine-wide scarce resource, not
// per-project: no two worktrees may share a port across any pair of projects.
type PortAssignment struct {
	// Role is the pool the port was drawn from.
	Role PortRole `json:"role" yaml:"role"`

	// Port is the assigned TCP port number.
	Port int `json:"port" yaml:"port"`
}

// WorktreeConfig is the persisted per-worktree document. It is written once
// at creation and never silently re-derived; a pre-existing directory found
// without a config is a repair case that gets a fresh one.
type WorktreeConfig struct {
	// Name is the worktree name, used as both the directory name and,
	// conventionally, the git branch name.
	Name string `json:"name" yaml:"name"`

	// Project is the owning project's identifier.
	Project string `json:"project" yaml:"project"`

	// FrontendPort is the frontend port assigned at creation.
	FrontendPort int `json:"frontendPort" yaml:"frontend_port"`

	// BackendPort is the backend port assigned at creation.
	BackendPort int `json:"backendPort" yaml:"backend_port"`

	// Description is free-form operator text.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// CreatedAt is the timestamp the worktree was materialized.
	CreatedAt time.Time `json:"createdAt" yaml:"created_at"`
}

// Assignments returns the config's port pair as PortAssignment values.
func (c *WorktreeConfig) Assignments() []PortAssignment {
	return []PortAssignment{
		{Role: RoleFrontend, Port: c.FrontendPort},
		{Role: RoleBackend, Port: c.BackendPort},
	}
}

// Validate checks the persisted config for the invariants the registry
// relies on.
func (c *WorktreeConfig) Validate() error {
	if err := ValidateName(c.Name); err != nil {
		return fmt.Errorf("worktree name: %w", err)
	}
	if c.FrontendPort == c.BackendPort {
		return fmt.Errorf("worktree %s: frontend and backend port are both %d", c.Name, c.FrontendPort)
	}
	return nil
}

// GitStatus is the derived per-worktree git state, computed live from the
// version control layer and never persisted.
type GitStatus struct {
	// Branch is the currently checked-out branch, or "HEAD" when detached.
	Branch string `json:"branch"`

	// DirtyFiles lists uncommitted paths (staged, unstaged and untracked).
	DirtyFiles []string `json:"dirtyFiles,omitempty"`

	// LastCommit is the subject line of the most recent commit.
	LastCommit string `json:"lastCommit,omitempty"`

	// Ahead is the number of commits not on the upstream branch.
	Ahead int `json:"ahead"`

	// Behind is the number of upstream commits not in this branch.
	Behind int `json:"behind"`

	// HasUpstream reports whether the branch has an upstream configured.
	HasUpstream bool `json:"hasUpstream"`
}

// Dirty reports whether the worktree has any uncommitted changes.
func (s GitStatus) Dirty() bool {
	return len(s.DirtyFiles) > 0
}

// WorktreeView is the canonical enriched view of one worktree: persisted
// config merged with live git status and live port liveness.
type WorktreeView struct {
	// Config is the persisted worktree document.
	Config WorktreeConfig `json:"config"`

	// Path is the absolute filesystem path of the worktree directory.
	Path string `json:"path"`

	// Git is the live git status. Nil when the status query failed.
	Git *GitStatus `json:"git,omitempty"`

	// FrontendInUse reports whether a process is bound to the frontend port.
	FrontendInUse bool `json:"frontendInUse"`

	// BackendInUse reports whether a process is bound to the backend port.
	BackendInUse bool `json:"backendInUse"`

	// Repaired reports that the config was missing and freshly created
	// during enrichment (ports re-allocated).
	Repaired bool `json:"repaired,omitempty"`
}
