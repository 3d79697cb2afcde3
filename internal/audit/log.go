// Package audit provides the append-only record of permission decisions.
package audit

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrUnavailable is returned when the underlying store cannot accept a record.
// The enforcer treats this as a denial for any sensitive operation.
var ErrUnavailable = errors.New("audit log unavailable")

// Decisions recorded for a permission check
const (
	DecisionAllowed = "allowed"
	DecisionDenied  = "denied"
)

// Execution outcomes reported back by the caller after acting on a decision
const (
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionSkipped   = "skipped"
)

// Entry is one immutable audit record. Only actual_execution is filled in
// later, when the caller reports how the approved operation really went.
type Entry struct {
	ID                       string    `json:"id"`
	Timestamp                time.Time `json:"timestamp"`
	AgentID                  string    `json:"agent_id"`
	WorkspaceID              string    `json:"workspace_id,omitempty"`
	Operation                string    `json:"operation"`
	Target                   string    `json:"target,omitempty"`
	Decision                 string    `json:"decision"`
	Reason                   string    `json:"reason,omitempty"`
	BoundaryViolationAttempt bool      `json:"boundary_violation_attempt"`
	EscalationUsed           bool      `json:"escalation_used"`
	ApprovalOverridden       bool      `json:"approval_overridden"`
	ActualExecution          string    `json:"actual_execution,omitempty"`
}

// Log is the SQLite-backed append-only audit sink
type Log struct {
	db *sql.DB
}

// Open creates or opens the audit database at the given path
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	l := &Log{db: db}
	if err := l.init(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		workspace_id TEXT,
		operation TEXT NOT NULL,
		target TEXT,
		decision TEXT NOT NULL,
		reason TEXT,
		boundary_violation_attempt INTEGER NOT NULL DEFAULT 0,
		escalation_used INTEGER NOT NULL DEFAULT 0,
		approval_overridden INTEGER NOT NULL DEFAULT 0,
		actual_execution TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_agent ON audit_log(agent_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_log_operation ON audit_log(operation);
	`
	_, err := l.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("init audit schema: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends an entry. It never fails silently: any storage problem is
// surfaced as an error wrapping ErrUnavailable so the enforcer can fail closed.
func (l *Log) Record(e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	_, err := l.db.Exec(`
		INSERT INTO audit_log
		(id, timestamp, agent_id, workspace_id, operation, target, decision, reason,
		 boundary_violation_attempt, escalation_used, approval_overridden, actual_execution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixNano(), e.AgentID, e.WorkspaceID, e.Operation, e.Target,
		e.Decision, e.Reason, e.BoundaryViolationAttempt, e.EscalationUsed,
		e.ApprovalOverridden, e.ActualExecution)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ReportOutcome fills in the actual_execution field of an existing entry. This
// is the single permitted mutation: everything else about an entry is frozen.
func (l *Log) ReportOutcome(entryID, outcome string) error {
	res, err := l.db.Exec(`
		UPDATE audit_log SET actual_execution = ?
		WHERE id = ? AND (actual_execution IS NULL OR actual_execution = '')`,
		outcome, entryID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("report outcome: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("audit entry not found or already reported: %s", entryID)
	}
	return nil
}

// QueryFilter narrows an audit log query. Zero values match everything.
type QueryFilter struct {
	AgentID   string
	Operation string
	Since     time.Time
	Until     time.Time
	Limit     int
}

func (f QueryFilter) conds() ([]string, []interface{}) {
	var conds []string
	var args []interface{}

	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Operation != "" {
		conds = append(conds, "operation = ?")
		args = append(args, f.Operation)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.Until.UnixNano())
	}
	return conds, args
}

// Query returns matching entries, most recent first
func (l *Log) Query(f QueryFilter) ([]Entry, error) {
	conds, args := f.conds()

	query := `
		SELECT id, timestamp, agent_id, workspace_id, operation, target, decision, reason,
		       boundary_violation_attempt, escalation_used, approval_overridden, actual_execution
		FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		var workspaceID, target, reason, actual sql.NullString
		err := rows.Scan(&e.ID, &ts, &e.AgentID, &workspaceID, &e.Operation, &target,
			&e.Decision, &reason, &e.BoundaryViolationAttempt, &e.EscalationUsed,
			&e.ApprovalOverridden, &actual)
		if err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts)
		e.WorkspaceID = workspaceID.String
		e.Target = target.String
		e.Reason = reason.String
		e.ActualExecution = actual.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of entries matching the filter, ignoring Limit
func (l *Log) Count(f QueryFilter) (int, error) {
	conds, args := f.conds()

	query := "SELECT COUNT(*) FROM audit_log"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	var n int
	if err := l.db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit log: %w", err)
	}
	return n, nil
}
