package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// RegionScope declares one accessible area inside the workspace root
type RegionScope struct {
	Root       string      `yaml:"root" json:"root"`
	Operations []Operation `yaml:"operations" json:"operations"`
}

// Boundary is the per-workspace declaration of accessible regions and the
// explicit deny-list. Immutable once loaded; the validator consults it but
// never mutates it.
type Boundary struct {
	WorkspaceID  string                 `yaml:"workspace_id" json:"workspace_id"`
	Root         string                 `yaml:"root" json:"root"`
	Regions      map[Region]RegionScope `yaml:"regions" json:"regions"`
	CannotAccess []string               `yaml:"cannot_access" json:"cannot_access"`
}

// LoadBoundary reads a workspace boundary manifest from a YAML file
func LoadBoundary(path string) (*Boundary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read boundary manifest: %w", err)
	}

	var b Boundary
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse boundary manifest: %w", err)
	}

	if err := b.normalize(); err != nil {
		return nil, err
	}
	return &b, nil
}

// NewBoundary builds a boundary programmatically and normalizes it
func NewBoundary(workspaceID, root string, regions map[Region]RegionScope, deny []string) (*Boundary, error) {
	b := &Boundary{
		WorkspaceID:  workspaceID,
		Root:         root,
		Regions:      regions,
		CannotAccess: deny,
	}
	if err := b.normalize(); err != nil {
		return nil, err
	}
	return b, nil
}

// normalize resolves region roots to absolute paths under the workspace root
func (b *Boundary) normalize() error {
	if b.WorkspaceID == "" {
		return fmt.Errorf("boundary missing workspace_id")
	}
	if b.Root == "" {
		return fmt.Errorf("boundary missing root")
	}

	abs, err := filepath.Abs(b.Root)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}
	b.Root = filepath.Clean(abs)
	// Symlinked roots (bind mounts, macOS temp dirs) must compare equal to
	// the paths the OS reports, or every in-bounds file looks like an escape.
	if resolved, err := filepath.EvalSymlinks(b.Root); err == nil {
		b.Root = resolved
	}

	if len(b.Regions) == 0 {
		return fmt.Errorf("boundary declares no regions")
	}

	normalized := make(map[Region]RegionScope, len(b.Regions))
	for name, scope := range b.Regions {
		if scope.Root == "" {
			scope.Root = string(name)
		}
		if !filepath.IsAbs(scope.Root) {
			scope.Root = filepath.Join(b.Root, scope.Root)
		}
		scope.Root = filepath.Clean(scope.Root)
		normalized[name] = scope
	}
	b.Regions = normalized
	return nil
}

// RegionAllows reports whether the named region grants the operation
func (b *Boundary) RegionAllows(region Region, op Operation) bool {
	scope, ok := b.Regions[region]
	if !ok {
		return false
	}
	for _, allowed := range scope.Operations {
		if allowed == op {
			return true
		}
	}
	return false
}

// excludedGitOps are git operations no permission set can ever grant
var excludedGitOps = map[string]bool{
	"push":   true,
	"pull":   true,
	"merge":  true,
	"rebase": true,
	"reset":  true,
}

// GitOpExcluded reports whether a git operation is categorically forbidden
func GitOpExcluded(op string) bool {
	return excludedGitOps[op]
}

// PermissionSet is a per-agent capability grant. Its effective capability is
// clamped so it is never broader than the enclosing workspace boundary.
type PermissionSet struct {
	FileOperations    map[Region][]Operation `yaml:"file_operations" json:"file_operations"`
	GitOperations     []string               `yaml:"git_operations" json:"git_operations"`
	AllowedCommands   []string               `yaml:"allowed_commands" json:"allowed_commands"`
	ForbiddenCommands []string               `yaml:"forbidden_commands" json:"forbidden_commands"`
	ApprovalCommands  []string               `yaml:"approval_commands" json:"approval_commands"`
	MaxMemoryMB       int                    `yaml:"max_memory_mb" json:"max_memory_mb"`
	CommandTimeout    time.Duration          `yaml:"command_timeout" json:"command_timeout"`
}

// DefaultPermissionSet returns the standard grant for a freshly deployed agent:
// context read-only, target read/write, feedback read/append, safe git
// operations, and approval-gated package installs.
func DefaultPermissionSet() *PermissionSet {
	return &PermissionSet{
		FileOperations: map[Region][]Operation{
			RegionContext:  {OpRead},
			RegionTarget:   {OpRead, OpWrite, OpCreate, OpEdit, OpDelete},
			RegionFeedback: {OpRead, OpAppend},
			RegionAgents:   {OpRead},
		},
		GitOperations:     []string{"status", "diff", "log", "add", "commit", "branch", "checkout", "stash"},
		AllowedCommands:   []string{"build", "test", "lint", "run"},
		ForbiddenCommands: []string{"network", "system", "privilege"},
		ApprovalCommands:  []string{"package-install", "git-config"},
		MaxMemoryMB:       2048,
		CommandTimeout:    5 * time.Minute,
	}
}

// Clamp narrows the permission set so no file capability exceeds what the
// boundary grants for that region. Excluded git operations are removed from the
// allow-list regardless of how the set was declared.
func (p *PermissionSet) Clamp(b *Boundary) {
	for region, ops := range p.FileOperations {
		var kept []Operation
		for _, op := range ops {
			if b.RegionAllows(region, op) {
				kept = append(kept, op)
			}
		}
		p.FileOperations[region] = kept
	}

	var gitOps []string
	for _, op := range p.GitOperations {
		if !GitOpExcluded(op) {
			gitOps = append(gitOps, op)
		}
	}
	p.GitOperations = gitOps
}

// AllowsFileOp reports whether the set grants an operation in a region
func (p *PermissionSet) AllowsFileOp(region Region, op Operation) bool {
	for _, allowed := range p.FileOperations[region] {
		if allowed == op {
			return true
		}
	}
	return false
}

// AllowsGitOp reports whether the set's git allow-list contains the operation
func (p *PermissionSet) AllowsGitOp(op string) bool {
	if GitOpExcluded(op) {
		return false
	}
	for _, allowed := range p.GitOperations {
		if allowed == op {
			return true
		}
	}
	return false
}

// CommandCategory classifies a command category against the set's lists.
// Returns "allowed", "forbidden", "approval", or "unknown".
func (p *PermissionSet) CommandCategory(category string) string {
	for _, c := range p.ForbiddenCommands {
		if c == category {
			return "forbidden"
		}
	}
	for _, c := range p.ApprovalCommands {
		if c == category {
			return "approval"
		}
	}
	for _, c := range p.AllowedCommands {
		if c == category {
			return "allowed"
		}
	}
	return "unknown"
}

// Marshal serializes the boundary back to YAML (used for workspace export)
func (b *Boundary) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal boundary: %w", err)
	}
	return data, nil
}
