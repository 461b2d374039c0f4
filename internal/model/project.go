package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// PortRole distinguishes the two port pools a project configures.
// Every worktree receives exactly one port from each pool.
type PortRole string

const (
	// RoleFrontend is the pool for dev-server / UI ports.
	RoleFrontend PortRole = "frontend"

	// RoleBackend is the pool for API / service ports.
	RoleBackend PortRole = "backend"
)

// String returns the string representation of PortRole.
func (r PortRole) String() string {
	return string(r)
}

// IsValid checks whether the PortRole value is one of the predefined roles.
func (r PortRole) IsValid() bool {
	switch r {
	case RoleFrontend, RoleBackend:
		return true
	default:
		return false
	}
}

// ParsePortRole converts a string to a PortRole.
// Returns an error if the string does not match any valid role.
func ParsePortRole(s string) (PortRole, error) {
	role := PortRole(strings.ToLower(s))
	if !role.IsValid() {
		return "", fmt.Errorf("invalid port role: %q (valid: frontend, backend)", s)
	}
	return role, nil
}

// PortRange is an inclusive range of TCP ports reserved for one role.
type PortRange struct {
	// Start is the first port of the range (inclusive).
	Start int `json:"start" yaml:"start" koanf:"start"`

	// End is the last port of the range (inclusive).
	End int `json:"end" yaml:"end" koanf:"end"`
}

// Validate checks that the range is well-formed and within the valid
// TCP port space. Ports below 1024 are rejected because binding them
// requires elevated privileges, which a local dev tool should never need.
func (r PortRange) Validate() error {
	if r.Start < 1024 || r.Start > 65535 {
		return fmt.Errorf("port range start %d out of range (1024-65535)", r.Start)
	}
	if r.End < r.Start || r.End > 65535 {
		return fmt.Errorf("port range end %d invalid (must be %d-65535)", r.End, r.Start)
	}
	return nil
}

// Contains reports whether port lies within the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

// String returns the range in "start-end" form.
func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Project is a registered repository managed by the orchestrator.
//
// Projects are provisioned in the tiller config file, read by every
// component, and mutated only to update LastAccessed.
type Project struct {
	// ID is the project identifier, unique within the registry.
	ID string `json:"id" yaml:"id" koanf:"id"`

	// Root is the absolute path to the main repository checkout.
	// Must contain a git repository once worktrees are used.
	Root string `json:"root" yaml:"root" koanf:"root"`

	// WorktreeDir is the directory under which this project's worktrees
	// are created. Defaults to "<Root>-worktrees" when empty.
	WorktreeDir string `json:"worktreeDir,omitempty" yaml:"worktree_dir,omitempty" koanf:"worktree_dir"`

	// FrontendPorts is the inclusive port range for frontend assignments.
	FrontendPorts PortRange `json:"frontendPorts" yaml:"frontend_ports" koanf:"frontend_ports"`

	// BackendPorts is the inclusive port range for backend assignments.
	BackendPorts PortRange `json:"backendPorts" yaml:"backend_ports" koanf:"backend_ports"`

	// BacklogPath is the path to the project's backlog document.
	// Defaults to "<Root>/.tiller/backlog.json" when empty.
	BacklogPath string `json:"backlogPath,omitempty" yaml:"backlog_path,omitempty" koanf:"backlog_path"`

	// LintCommand is an optional shell command run by the Code Quality
	// verification check. When empty the check is skipped.
	LintCommand string `json:"lintCommand,omitempty" yaml:"lint_command,omitempty" koanf:"lint_command"`

	// MainBranch is the integration branch merge status is checked
	// against. Defaults to "main" when empty.
	MainBranch string `json:"mainBranch,omitempty" yaml:"main_branch,omitempty" koanf:"main_branch"`

	// LastAccessed is updated whenever the project is used.
	LastAccessed time.Time `json:"lastAccessed,omitempty" yaml:"last_accessed,omitempty" koanf:"-"`
}

// Range returns the configured port range for the given role.
func (p *Project) Range(role PortRole) PortRange {
	if role == RoleBackend {
		return p.BackendPorts
	}
	return p.FrontendPorts
}

// Backlog returns the backlog document path, defaulting to
// "<Root>/.tiller/backlog.json".
func (p *Project) Backlog() string {
	if p.BacklogPath != "" {
		return p.BacklogPath
	}
	return p.Root + "/.tiller/backlog.json"
}

// Worktrees returns the directory under which this project's worktrees
// live, defaulting to a "<Root>-worktrees" sibling of the main checkout.
func (p *Project) Worktrees() string {
	if p.WorktreeDir != "" {
		return p.WorktreeDir
	}
	return p.Root + "-worktrees"
}

// SessionsDir returns the directory session documents are persisted under.
func (p *Project) SessionsDir() string {
	return p.Root + "/.tiller/sessions"
}

// Main returns the configured integration branch, defaulting to "main".
func (p *Project) Main() string {
	if p.MainBranch == "" {
		return "main"
	}
	return p.MainBranch
}

// Validate checks the project definition for the fields every component
// relies on.
func (p *Project) Validate() error {
	if err := ValidateName(p.ID); err != nil {
		return fmt.Errorf("project id: %w", err)
	}
	if p.Root == "" {
		return fmt.Errorf("project %s: root must not be empty", p.ID)
	}
	if err := p.FrontendPorts.Validate(); err != nil {
		return fmt.Errorf("project %s: frontend ports: %w", p.ID, err)
	}
	if err := p.BackendPorts.Validate(); err != nil {
		return fmt.Errorf("project %s: backend ports: %w", p.ID, err)
	}
	return nil
}

// nameRegex validates entity names: alphanumeric + hyphens only,
// must start and end with alphanumeric.
var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9]$|^[a-zA-Z0-9]$`)

// ValidateName checks if the given name is a valid project or worktree name.
// Valid names contain only alphanumeric characters and hyphens,
// and must start/end with an alphanumeric character.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("invalid name %q: must contain only alphanumeric characters and hyphens, and start/end with alphanumeric", name)
	}
	return nil
}
