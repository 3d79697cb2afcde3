// Package enforcer is the single gate every agent-initiated operation passes
// through before the surrounding runtime may execute it.
package enforcer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agentward/internal/approval"
	"agentward/internal/audit"
	"agentward/internal/boundary"
	"agentward/internal/eventhub"
	"agentward/internal/workspace"
)

// Kind classifies what an operation touches
type Kind string

const (
	KindFile    Kind = "file"
	KindGit     Kind = "git"
	KindCommand Kind = "command"
)

// Operation describes one requested agent action. The surrounding runtime's
// tool adapter builds this from its backend-specific tool call.
type Operation struct {
	Kind            Kind
	Path            string              // file operations
	FileOp          workspace.Operation // read/write/create/edit/delete/append
	GitOp           string              // git operations
	Category        string              // command category from the tool adapter
	Command         string              // raw command line, checked against deny patterns
	Justification   string              // shown to the human on approval
	ApprovalTimeout time.Duration       // 0 means the workflow default
}

// Name returns the audit-friendly operation name, e.g. "file:write"
func (o Operation) Name() string {
	switch o.Kind {
	case KindFile:
		return fmt.Sprintf("file:%s", o.FileOp)
	case KindGit:
		return fmt.Sprintf("git:%s", o.GitOp)
	case KindCommand:
		return fmt.Sprintf("command:%s", o.Category)
	default:
		return "unknown"
	}
}

// Target returns what the operation acts on, for audit and approval display
func (o Operation) Target() string {
	switch o.Kind {
	case KindFile:
		return o.Path
	case KindCommand:
		return o.Command
	default:
		return ""
	}
}

// writeClass reports whether a denied audit write must fail the operation
// closed. Reads may degrade; anything that mutates state may not go unaudited.
func (o Operation) writeClass() bool {
	switch o.Kind {
	case KindFile:
		return o.FileOp != workspace.OpRead
	case KindGit:
		switch o.GitOp {
		case "status", "diff", "log":
			return false
		}
		return true
	default:
		return true
	}
}

// ToolMapper translates an abstract tool invocation ("Edit", "Write") into an
// Operation. Backend-specific; the enforcer only calls through it.
type ToolMapper interface {
	MapTool(tool string, args map[string]interface{}) (Operation, error)
}

// Result is the decision returned to the caller, who remains responsible for
// actually performing or refusing the operation.
type Result struct {
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requires_approval"`
	Reason           string `json:"reason,omitempty"`
	AuditEntryID     string `json:"audit_entry_id,omitempty"`
}

// Enforcer orchestrates boundary validation, the approval workflow and audit
// logging for one workspace
type Enforcer struct {
	registry *workspace.Registry
	workflow *approval.Workflow
	log      *audit.Log
	hub      *eventhub.EventHub

	mu         sync.Mutex
	agentLocks map[string]*sync.Mutex
}

// New creates an enforcer for a workspace. The event hub may be nil.
func New(registry *workspace.Registry, workflow *approval.Workflow, log *audit.Log, hub *eventhub.EventHub) *Enforcer {
	return &Enforcer{
		registry:   registry,
		workflow:   workflow,
		log:        log,
		hub:        hub,
		agentLocks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-agent mutex, creating it on first use. Decisions for
// one agent are serialized; different agents proceed in parallel.
func (e *Enforcer) lockFor(agentID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.agentLocks[agentID]
	if !ok {
		l = &sync.Mutex{}
		e.agentLocks[agentID] = l
	}
	return l
}

// ReleaseAgent drops the agent's decision lock. Call after the agent is
// removed from the registry so the lock map does not grow unbounded.
func (e *Enforcer) ReleaseAgent(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.agentLocks, agentID)
}

// CheckOperation evaluates one requested operation. Every call produces
// exactly one audit entry, including timeouts and storage failures. Denials
// are final for this call; repeat attempts are separate, separately logged
// calls.
func (e *Enforcer) CheckOperation(ctx context.Context, agentID string, op Operation) Result {
	lock := e.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	entry := &audit.Entry{
		AgentID:     agentID,
		WorkspaceID: e.registry.WorkspaceID(),
		Operation:   op.Name(),
		Target:      op.Target(),
	}

	agent, err := e.registry.Get(agentID)
	if err != nil {
		return e.conclude(entry, op, Result{Allowed: false, Reason: "agent not found"})
	}

	check := e.validate(agent, op)

	if check.RequiresApproval {
		return e.escalate(ctx, agent, op, entry)
	}

	entry.BoundaryViolationAttempt = check.BoundaryViolation
	return e.conclude(entry, op, Result{Allowed: check.Allowed, Reason: check.Reason})
}

// validate runs the pure boundary check for the operation kind
func (e *Enforcer) validate(agent *workspace.Agent, op Operation) boundary.Result {
	switch op.Kind {
	case KindFile:
		return boundary.ValidatePath(e.registry.Boundary(), agent.Permissions, op.Path, op.FileOp)
	case KindGit:
		return boundary.ValidateGit(agent.Permissions, op.GitOp)
	case KindCommand:
		return boundary.ValidateCommand(agent.Permissions, op.Category, op.Command)
	default:
		return boundary.Result{Allowed: false, Reason: fmt.Sprintf("unknown operation kind: %s", op.Kind)}
	}
}

// escalate suspends the calling agent on the approval workflow. An expired
// request resolves to denied with a distinct reason. On approval the boundary
// check runs once more, so an approval granted against a since-changed
// boundary cannot leak through.
func (e *Enforcer) escalate(ctx context.Context, agent *workspace.Agent, op Operation, entry *audit.Entry) Result {
	req := &approval.Request{
		AgentID:       agent.ID,
		Operation:     op.Name(),
		Target:        op.Target(),
		Justification: op.Justification,
		Timeout:       op.ApprovalTimeout,
	}
	id := e.workflow.Create(req)

	e.hub.EmitApprovalPending(eventhub.ApprovalPendingEvent{
		RequestID:     id,
		AgentID:       agent.ID,
		Operation:     op.Name(),
		Target:        op.Target(),
		Justification: op.Justification,
		TimeoutMS:     req.Timeout.Milliseconds(),
	})

	status, err := e.workflow.Wait(ctx, id)
	e.hub.EmitApprovalResolved(eventhub.ApprovalResolvedEvent{RequestID: id, Status: string(status)})

	switch {
	case err == approval.ErrTimeout:
		return e.conclude(entry, op, Result{
			Allowed:          false,
			RequiresApproval: true,
			Reason:           "timeout",
		})
	case err != nil:
		return e.conclude(entry, op, Result{
			Allowed:          false,
			RequiresApproval: true,
			Reason:           fmt.Sprintf("approval failed: %v", err),
		})
	case status == approval.StatusDenied:
		entry.ApprovalOverridden = true
		return e.conclude(entry, op, Result{
			Allowed:          false,
			RequiresApproval: true,
			Reason:           "denied by human reviewer",
		})
	}

	// Approved: re-run the boundary check against the current state. The
	// recheck still reports requires_approval for gated categories; only a
	// hard denial (violation or forbidden) invalidates the grant.
	recheck := e.validate(agent, op)
	if recheck.BoundaryViolation || (!recheck.Allowed && !recheck.RequiresApproval) {
		entry.BoundaryViolationAttempt = recheck.BoundaryViolation
		return e.conclude(entry, op, Result{
			Allowed:          false,
			RequiresApproval: true,
			Reason:           fmt.Sprintf("approval granted but no longer valid: %s", recheck.Reason),
		})
	}

	entry.EscalationUsed = true
	return e.conclude(entry, op, Result{
		Allowed:          true,
		RequiresApproval: true,
		Reason:           "escalation granted by human reviewer",
	})
}

// conclude records the audit entry and finalizes the result. If the audit
// store is unavailable the decision fails closed for write-class operations.
func (e *Enforcer) conclude(entry *audit.Entry, op Operation, res Result) Result {
	entry.Decision = audit.DecisionDenied
	if res.Allowed {
		entry.Decision = audit.DecisionAllowed
	}
	entry.Reason = res.Reason

	if err := e.log.Record(entry); err != nil {
		slog.Error("audit record failed", "agent_id", entry.AgentID, "operation", entry.Operation, "error", err)
		if res.Allowed && (op.writeClass() || res.RequiresApproval) {
			res = Result{
				Allowed:          false,
				RequiresApproval: res.RequiresApproval,
				Reason:           "audit log unavailable",
			}
		}
	} else {
		res.AuditEntryID = entry.ID
	}

	e.hub.EmitPermissionDecision(eventhub.PermissionDecisionEvent{
		AgentID:           entry.AgentID,
		Operation:         entry.Operation,
		Target:            entry.Target,
		Allowed:           res.Allowed,
		Reason:            res.Reason,
		BoundaryViolation: entry.BoundaryViolationAttempt,
	})
	return res
}

// ReportOutcome records how the caller's execution of an allowed operation
// actually went. The entry's actual_execution field is write-once.
func (e *Enforcer) ReportOutcome(auditEntryID, outcome string) error {
	return e.log.ReportOutcome(auditEntryID, outcome)
}

// ResolveApproval is the human-facing resolution entry point
func (e *Enforcer) ResolveApproval(requestID string, approve bool) error {
	return e.workflow.Resolve(requestID, approve)
}

// PendingApprovals lists unresolved requests for display
func (e *Enforcer) PendingApprovals() []*approval.Request {
	return e.workflow.Pending()
}
