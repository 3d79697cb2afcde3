package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()

	dir, err := os.MkdirTemp("", "audit_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	l, err := Open(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndQuery(t *testing.T) {
	l := openTestLog(t)

	entries := []*Entry{
		{AgentID: "agent-1", Operation: "file:write", Target: "target/a.go", Decision: DecisionAllowed},
		{AgentID: "agent-1", Operation: "file:write", Target: "../etc/passwd", Decision: DecisionDenied, BoundaryViolationAttempt: true},
		{AgentID: "agent-2", Operation: "git:commit", Decision: DecisionAllowed},
	}
	for i, e := range entries {
		e.Timestamp = time.Now().Add(time.Duration(i) * time.Millisecond)
		if err := l.Record(e); err != nil {
			t.Fatalf("record entry %d: %v", i, err)
		}
	}

	t.Run("All", func(t *testing.T) {
		got, err := l.Query(QueryFilter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(got))
		}
		// Most recent first
		if got[0].Operation != "git:commit" {
			t.Errorf("expected newest entry first, got %s", got[0].Operation)
		}
	})

	t.Run("ByAgent", func(t *testing.T) {
		got, err := l.Query(QueryFilter{AgentID: "agent-1"})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 entries for agent-1, got %d", len(got))
		}
	})

	t.Run("ByOperation", func(t *testing.T) {
		got, err := l.Query(QueryFilter{Operation: "git:commit"})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(got))
		}
	})

	t.Run("ViolationFlagSurvives", func(t *testing.T) {
		got, err := l.Query(QueryFilter{AgentID: "agent-1", Operation: "file:write"})
		if err != nil {
			t.Fatal(err)
		}
		var sawViolation bool
		for _, e := range got {
			if e.BoundaryViolationAttempt {
				sawViolation = true
			}
		}
		if !sawViolation {
			t.Error("expected boundary violation attempt to be recorded")
		}
	})

	t.Run("Limit", func(t *testing.T) {
		got, err := l.Query(QueryFilter{Limit: 1})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(got))
		}
	})

	t.Run("Count", func(t *testing.T) {
		n, err := l.Count(QueryFilter{AgentID: "agent-1"})
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Fatalf("expected count 2 for agent-1, got %d", n)
		}
		// Limit applies to pages, not the total
		n, err = l.Count(QueryFilter{Limit: 1})
		if err != nil {
			t.Fatal(err)
		}
		if n != 3 {
			t.Fatalf("expected total count 3, got %d", n)
		}
	})
}

func TestReportOutcome(t *testing.T) {
	l := openTestLog(t)

	e := &Entry{AgentID: "agent-1", Operation: "file:write", Decision: DecisionAllowed}
	if err := l.Record(e); err != nil {
		t.Fatal(err)
	}

	if err := l.ReportOutcome(e.ID, ExecutionCompleted); err != nil {
		t.Fatalf("report outcome: %v", err)
	}

	got, err := l.Query(QueryFilter{AgentID: "agent-1"})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].ActualExecution != ExecutionCompleted {
		t.Errorf("expected actual_execution %q, got %q", ExecutionCompleted, got[0].ActualExecution)
	}

	// A second report must not overwrite the first
	if err := l.ReportOutcome(e.ID, ExecutionFailed); err == nil {
		t.Error("expected second outcome report to fail")
	}

	if err := l.ReportOutcome("missing-id", ExecutionCompleted); err == nil {
		t.Error("expected missing entry report to fail")
	}
}

func TestRecordAfterClose(t *testing.T) {
	l := openTestLog(t)
	l.Close()

	err := l.Record(&Entry{AgentID: "agent-1", Operation: "file:write", Decision: DecisionAllowed})
	if err == nil {
		t.Fatal("expected record on closed log to fail")
	}
}

func TestDateRangeFilter(t *testing.T) {
	l := openTestLog(t)

	old := &Entry{AgentID: "a", Operation: "file:read", Decision: DecisionAllowed,
		Timestamp: time.Now().Add(-2 * time.Hour)}
	recent := &Entry{AgentID: "a", Operation: "file:read", Decision: DecisionAllowed,
		Timestamp: time.Now()}
	for _, e := range []*Entry{old, recent} {
		if err := l.Record(e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := l.Query(QueryFilter{Since: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry in range, got %d", len(got))
	}
	if got[0].ID != recent.ID {
		t.Error("expected only the recent entry")
	}
}
