// Package boundary validates requested operations against a workspace's
// declared scope. All checks are pure: they never panic and never return
// errors, only a Result value the enforcer can act on.
package boundary

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"agentward/internal/workspace"
)

// Result is the outcome of a boundary or capability check
type Result struct {
	Allowed           bool             `json:"allowed"`
	Reason            string           `json:"reason,omitempty"`
	RequiresApproval  bool             `json:"requires_approval,omitempty"`
	Region            workspace.Region `json:"region,omitempty"`
	BoundaryViolation bool             `json:"boundary_violation,omitempty"`
}

func denied(reason string) Result {
	return Result{Allowed: false, Reason: reason}
}

func violation(reason string) Result {
	return Result{Allowed: false, Reason: reason, BoundaryViolation: true}
}

// ValidatePath checks a filesystem operation against the workspace boundary
// and the agent's permission set. The path is normalized first; anything that
// resolves outside the workspace root, or through a symlink leaving it, is a
// boundary violation regardless of the permission set's contents.
func ValidatePath(b *workspace.Boundary, ps *workspace.PermissionSet, rawPath string, op workspace.Operation) Result {
	if b == nil || ps == nil {
		return denied("invalid path")
	}
	if rawPath == "" || strings.ContainsRune(rawPath, 0) {
		return denied("invalid path")
	}

	path := rawPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(b.Root, path)
	}
	path = filepath.Clean(path)

	if !within(b.Root, path) {
		return violation(fmt.Sprintf("path escapes workspace root: %s", rawPath))
	}

	if resolved, ok := resolveSymlinks(path); ok && !within(b.Root, resolved) {
		return violation(fmt.Sprintf("path follows symlink outside workspace: %s", rawPath))
	}

	rel, err := filepath.Rel(b.Root, path)
	if err != nil {
		return denied("invalid path")
	}

	if deniedByList(b.CannotAccess, rel) {
		return violation(fmt.Sprintf("path is on the deny-list: %s", rel))
	}

	region, ok := containingRegion(b, path)
	if !ok {
		return denied(fmt.Sprintf("path is not inside a declared region: %s", rel))
	}

	if !b.RegionAllows(region, op) {
		return Result{
			Allowed: false,
			Region:  region,
			Reason:  fmt.Sprintf("region %s does not permit %s", region, op),
		}
	}
	if !ps.AllowsFileOp(region, op) {
		return Result{
			Allowed: false,
			Region:  region,
			Reason:  fmt.Sprintf("agent permissions do not grant %s in %s", op, region),
		}
	}

	return Result{Allowed: true, Region: region}
}

// ValidateGit checks a git operation against the permission set's allow-list.
// Excluded operations (push, pull, merge, rebase, reset) are denied outright
// and are never approval-gated.
func ValidateGit(ps *workspace.PermissionSet, op string) Result {
	if ps == nil || op == "" {
		return denied("invalid git operation")
	}
	if workspace.GitOpExcluded(op) {
		return denied(fmt.Sprintf("git %s is categorically forbidden", op))
	}
	if !ps.AllowsGitOp(op) {
		return denied(fmt.Sprintf("git %s is not in the allow-list", op))
	}
	return Result{Allowed: true}
}

// ValidateCommand checks a shell command against the permission set's command
// categories and the dangerous-command deny patterns. Unknown categories fall
// through to approval rather than silent allowance.
func ValidateCommand(ps *workspace.PermissionSet, category, command string) Result {
	if ps == nil {
		return denied("invalid command")
	}

	if command != "" {
		if pattern := matchDenyPattern(command); pattern != "" {
			return violation(fmt.Sprintf("command matches forbidden pattern %q", pattern))
		}
	}

	switch ps.CommandCategory(category) {
	case "forbidden":
		return denied(fmt.Sprintf("command category %s is forbidden", category))
	case "approval":
		return Result{Allowed: false, RequiresApproval: true,
			Reason: fmt.Sprintf("command category %s requires approval", category)}
	case "allowed":
		return Result{Allowed: true}
	default:
		return Result{Allowed: false, RequiresApproval: true,
			Reason: fmt.Sprintf("unrecognized command category %s requires approval", category)}
	}
}

// within reports whether path is root or contained in it
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolveSymlinks resolves the deepest existing ancestor of path. Returns
// ok=false when nothing along the path exists yet (a create into a fresh
// directory), in which case the lexical containment check already applied.
func resolveSymlinks(path string) (string, bool) {
	probe := path
	suffix := ""
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			return filepath.Join(resolved, suffix), true
		}
		if !os.IsNotExist(err) {
			return "", false
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return "", false
		}
		suffix = filepath.Join(filepath.Base(probe), suffix)
		probe = parent
	}
}

// containingRegion finds the declared region whose root contains the path,
// preferring the most specific (longest) match
func containingRegion(b *workspace.Boundary, path string) (workspace.Region, bool) {
	var best workspace.Region
	bestLen := -1
	for name, scope := range b.Regions {
		if within(scope.Root, path) && len(scope.Root) > bestLen {
			best = name
			bestLen = len(scope.Root)
		}
	}
	return best, bestLen >= 0
}

// deniedByList matches the relative path against the boundary's deny-list.
// Entries match as glob patterns on the full relative path, on its basename,
// or as a path prefix.
func deniedByList(deny []string, rel string) bool {
	rel = filepath.ToSlash(rel)
	base := filepath.Base(rel)
	for _, entry := range deny {
		entry = filepath.ToSlash(entry)
		if matched, _ := filepath.Match(entry, rel); matched {
			return true
		}
		if matched, _ := filepath.Match(entry, base); matched {
			return true
		}
		if rel == entry || strings.HasPrefix(rel, entry+"/") {
			return true
		}
	}
	return false
}

// denyPatterns are command shapes that are never allowed to reach a shell,
// whatever the command category says
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[rf]+\s+)*[/~]`),
	regexp.MustCompile(`\brm\s+-rf\b`),
	regexp.MustCompile(`\brm\s+-r[fF]?\s+\*`),
	regexp.MustCompile(`\bfind\b.*\b-delete\b`),
	regexp.MustCompile(`\bdd\b.*\bof=/dev/`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`>\s*/dev/`),
	regexp.MustCompile(`\bchmod\s+-R\s+777\b`),
	regexp.MustCompile(`\bshutdown\b`),
	regexp.MustCompile(`\breboot\b`),
	regexp.MustCompile(`\bsystemctl\s+(start|stop|restart|enable|disable)\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh`),
}

func matchDenyPattern(command string) string {
	for _, re := range denyPatterns {
		if re.MatchString(command) {
			return re.String()
		}
	}
	return ""
}
