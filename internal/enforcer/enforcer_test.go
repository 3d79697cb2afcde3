package enforcer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agentward/internal/approval"
	"agentward/internal/audit"
	"agentward/internal/eventhub"
	"agentward/internal/workspace"
)

type fixture struct {
	enforcer *Enforcer
	registry *workspace.Registry
	log      *audit.Log
	agent    *workspace.Agent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root, err := os.MkdirTemp("", "enforcer_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(root) })

	for _, dir := range []string{"context", "target", "feedback"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			t.Fatal(err)
		}
	}

	b, err := workspace.NewBoundary("ws-1", root, map[workspace.Region]workspace.RegionScope{
		workspace.RegionContext:  {Operations: []workspace.Operation{workspace.OpRead}},
		workspace.RegionTarget:   {Operations: []workspace.Operation{workspace.OpRead, workspace.OpWrite, workspace.OpCreate, workspace.OpEdit, workspace.OpDelete}},
		workspace.RegionFeedback: {Operations: []workspace.Operation{workspace.OpRead, workspace.OpAppend}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	registry := workspace.NewRegistry(b)
	agent, err := registry.Deploy(nil)
	if err != nil {
		t.Fatal(err)
	}

	log, err := audit.Open(filepath.Join(root, "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })

	e := New(registry, approval.NewWorkflow(), log, eventhub.New(context.Background()))
	return &fixture{enforcer: e, registry: registry, log: log, agent: agent}
}

func TestAllowedWriteProducesOneAuditEntry(t *testing.T) {
	f := newFixture(t)

	res := f.enforcer.CheckOperation(context.Background(), f.agent.ID, Operation{
		Kind: KindFile, Path: "target/app.ts", FileOp: workspace.OpWrite,
	})
	if !res.Allowed {
		t.Fatalf("expected allowed, got reason %q", res.Reason)
	}

	entries, err := f.log.Query(audit.QueryFilter{AgentID: f.agent.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 audit entry, got %d", len(entries))
	}
	if entries[0].Decision != audit.DecisionAllowed {
		t.Errorf("expected decision allowed, got %s", entries[0].Decision)
	}
	if entries[0].BoundaryViolationAttempt {
		t.Error("unexpected boundary violation flag")
	}
}

func TestTraversalEscapeIsLoggedAsViolation(t *testing.T) {
	f := newFixture(t)

	res := f.enforcer.CheckOperation(context.Background(), f.agent.ID, Operation{
		Kind: KindFile, Path: "../../etc/passwd", FileOp: workspace.OpWrite,
	})
	if res.Allowed {
		t.Fatal("expected denial")
	}

	entries, _ := f.log.Query(audit.QueryFilter{AgentID: f.agent.ID})
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if !entries[0].BoundaryViolationAttempt {
		t.Error("expected boundary_violation_attempt=true")
	}
}

func TestGitPushCategoricallyDenied(t *testing.T) {
	f := newFixture(t)

	start := time.Now()
	res := f.enforcer.CheckOperation(context.Background(), f.agent.ID, Operation{
		Kind: KindGit, GitOp: "push",
	})
	if res.Allowed {
		t.Fatal("expected git push to be denied")
	}
	if res.RequiresApproval {
		t.Error("push must not reach the approval workflow")
	}
	// No approval wait should have happened
	if time.Since(start) > time.Second {
		t.Error("denial took suspiciously long; approval workflow may have been invoked")
	}
	if got := len(f.enforcer.PendingApprovals()); got != 0 {
		t.Errorf("expected no pending approvals, got %d", got)
	}
}

func TestApprovalGrantedFlow(t *testing.T) {
	f := newFixture(t)

	go func() {
		// Wait for the request to appear, then approve it
		for i := 0; i < 100; i++ {
			if pending := f.enforcer.PendingApprovals(); len(pending) == 1 {
				f.enforcer.ResolveApproval(pending[0].ID, true)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res := f.enforcer.CheckOperation(context.Background(), f.agent.ID, Operation{
		Kind: KindCommand, Category: "package-install", Command: "npm install leftpad",
		Justification: "project dependency", ApprovalTimeout: 2 * time.Second,
	})
	if !res.Allowed {
		t.Fatalf("expected allowed after approval, got %q", res.Reason)
	}
	if !res.RequiresApproval {
		t.Error("expected requires_approval to be reflected in the result")
	}

	entries, _ := f.log.Query(audit.QueryFilter{AgentID: f.agent.ID})
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if !entries[0].EscalationUsed {
		t.Error("expected escalation_used=true")
	}
}

func TestStaleGrantRevokedByRecheck(t *testing.T) {
	f := newFixture(t)

	go func() {
		for i := 0; i < 100; i++ {
			if pending := f.enforcer.PendingApprovals(); len(pending) == 1 {
				// Revoke the category before the human grant lands
				f.agent.Permissions.ForbiddenCommands = append(f.agent.Permissions.ForbiddenCommands, "package-install")
				f.enforcer.ResolveApproval(pending[0].ID, true)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res := f.enforcer.CheckOperation(context.Background(), f.agent.ID, Operation{
		Kind: KindCommand, Category: "package-install", Command: "npm install x",
		ApprovalTimeout: 2 * time.Second,
	})
	if res.Allowed {
		t.Fatal("a grant over a revoked permission must not pass")
	}
	if !strings.Contains(res.Reason, "approval granted but no longer valid") {
		t.Errorf("unexpected reason %q", res.Reason)
	}

	entries, _ := f.log.Query(audit.QueryFilter{AgentID: f.agent.ID})
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].Decision != audit.DecisionDenied {
		t.Errorf("expected decision denied, got %s", entries[0].Decision)
	}
	if entries[0].EscalationUsed {
		t.Error("a revoked grant must not count as escalation used")
	}
}

func TestApprovalDeniedByHuman(t *testing.T) {
	f := newFixture(t)

	go func() {
		for i := 0; i < 100; i++ {
			if pending := f.enforcer.PendingApprovals(); len(pending) == 1 {
				f.enforcer.ResolveApproval(pending[0].ID, false)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res := f.enforcer.CheckOperation(context.Background(), f.agent.ID, Operation{
		Kind: KindCommand, Category: "package-install", Command: "npm install x",
		ApprovalTimeout: 2 * time.Second,
	})
	if res.Allowed {
		t.Fatal("expected denial")
	}

	entries, _ := f.log.Query(audit.QueryFilter{AgentID: f.agent.ID})
	if len(entries) != 1 || !entries[0].ApprovalOverridden {
		t.Error("expected approval_overridden on the audit entry")
	}
}

func TestApprovalTimeoutResolvesToDenied(t *testing.T) {
	f := newFixture(t)

	res := f.enforcer.CheckOperation(context.Background(), f.agent.ID, Operation{
		Kind: KindCommand, Category: "package-install", Command: "npm install x",
		ApprovalTimeout: 30 * time.Millisecond,
	})
	if res.Allowed {
		t.Fatal("expected timeout to resolve to denied")
	}
	if res.Reason != "timeout" {
		t.Errorf("expected reason %q, got %q", "timeout", res.Reason)
	}

	entries, _ := f.log.Query(audit.QueryFilter{AgentID: f.agent.ID})
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].Decision != audit.DecisionDenied || entries[0].Reason != "timeout" {
		t.Errorf("expected denied/timeout, got %s/%s", entries[0].Decision, entries[0].Reason)
	}
}

func TestFailClosedWhenAuditUnavailable(t *testing.T) {
	f := newFixture(t)
	f.log.Close()

	t.Run("WriteDenied", func(t *testing.T) {
		res := f.enforcer.CheckOperation(context.Background(), f.agent.ID, Operation{
			Kind: KindFile, Path: "target/app.ts", FileOp: workspace.OpWrite,
		})
		if res.Allowed {
			t.Fatal("write must fail closed when the audit log is unavailable")
		}
		if res.Reason != "audit log unavailable" {
			t.Errorf("unexpected reason %q", res.Reason)
		}
	})

	t.Run("ReadDegrades", func(t *testing.T) {
		res := f.enforcer.CheckOperation(context.Background(), f.agent.ID, Operation{
			Kind: KindFile, Path: "target/app.ts", FileOp: workspace.OpRead,
		})
		if !res.Allowed {
			t.Fatalf("read should still be allowed, got %q", res.Reason)
		}
	})
}

func TestUnknownAgentDenied(t *testing.T) {
	f := newFixture(t)

	res := f.enforcer.CheckOperation(context.Background(), "no-such-agent", Operation{
		Kind: KindFile, Path: "target/app.ts", FileOp: workspace.OpRead,
	})
	if res.Allowed {
		t.Fatal("expected unknown agent to be denied")
	}
}

func TestReportOutcome(t *testing.T) {
	f := newFixture(t)

	res := f.enforcer.CheckOperation(context.Background(), f.agent.ID, Operation{
		Kind: KindFile, Path: "target/app.ts", FileOp: workspace.OpWrite,
	})
	if !res.Allowed {
		t.Fatal(res.Reason)
	}

	if err := f.enforcer.ReportOutcome(res.AuditEntryID, audit.ExecutionCompleted); err != nil {
		t.Fatalf("report outcome: %v", err)
	}

	entries, _ := f.log.Query(audit.QueryFilter{AgentID: f.agent.ID})
	if entries[0].ActualExecution != audit.ExecutionCompleted {
		t.Errorf("expected completed, got %q", entries[0].ActualExecution)
	}
}

func TestReleaseAgentDropsLock(t *testing.T) {
	f := newFixture(t)

	f.enforcer.CheckOperation(context.Background(), f.agent.ID, Operation{
		Kind: KindFile, Path: "target/app.ts", FileOp: workspace.OpRead,
	})

	f.enforcer.mu.Lock()
	_, held := f.enforcer.agentLocks[f.agent.ID]
	f.enforcer.mu.Unlock()
	if !held {
		t.Fatal("expected a decision lock after the first check")
	}

	if err := f.registry.Remove(f.agent.ID); err != nil {
		t.Fatal(err)
	}
	f.enforcer.ReleaseAgent(f.agent.ID)

	f.enforcer.mu.Lock()
	_, held = f.enforcer.agentLocks[f.agent.ID]
	f.enforcer.mu.Unlock()
	if held {
		t.Error("expected the decision lock to be dropped with the agent")
	}
}

func TestRepeatAttemptsEachLogged(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		f.enforcer.CheckOperation(context.Background(), f.agent.ID, Operation{
			Kind: KindFile, Path: "../../etc/shadow", FileOp: workspace.OpRead,
		})
	}

	entries, _ := f.log.Query(audit.QueryFilter{AgentID: f.agent.ID})
	if len(entries) != 3 {
		t.Fatalf("expected 3 audit entries for 3 attempts, got %d", len(entries))
	}
	for _, e := range entries {
		if !e.BoundaryViolationAttempt {
			t.Error("every repeated attempt must carry the violation flag")
		}
	}
}
