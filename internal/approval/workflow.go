// Package approval provides the short-lived state machine gating operations
// that need explicit human consent.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the state of an approval request. Approved, Denied and Expired are
// terminal: a request never transitions again once it reaches one of them.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// ErrTimeout marks a request that expired before a human resolved it. The
// enforcer logs it distinctly from an explicit denial.
var ErrTimeout = errors.New("approval request expired")

// DefaultTimeout bounds requests that do not set their own. Requests are never
// allowed to wait forever.
const DefaultTimeout = 5 * time.Minute

// Request is one ephemeral approval record. It lives only in memory while
// pending; the audit log keeps the summary after resolution.
type Request struct {
	ID            string        `json:"id"`
	AgentID       string        `json:"agent_id"`
	Operation     string        `json:"operation"`
	Target        string        `json:"target,omitempty"`
	Justification string        `json:"justification,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	Timeout       time.Duration `json:"timeout"`
	Status        Status        `json:"status"`
}

type pending struct {
	req   *Request
	done  chan Status
	timer *time.Timer
}

// Workflow mediates pending approval requests. Each request suspends only its
// own caller; the workflow itself never blocks other agents.
type Workflow struct {
	mu      sync.Mutex
	pending map[string]*pending
}

// NewWorkflow creates an empty approval workflow
func NewWorkflow() *Workflow {
	return &Workflow{pending: make(map[string]*pending)}
}

// Create registers a new request and starts its expiry timer
func (w *Workflow) Create(req *Request) string {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.Status = StatusPending
	req.CreatedAt = time.Now()
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}

	p := &pending{
		req:  req,
		done: make(chan Status, 1),
	}
	p.timer = time.AfterFunc(req.Timeout, func() {
		w.finish(req.ID, StatusExpired)
	})

	w.mu.Lock()
	w.pending[req.ID] = p
	w.mu.Unlock()

	return req.ID
}

// Wait blocks until the request reaches a terminal state. Context cancellation
// counts as expiry: the caller gave up, which resolves to denied like any
// other timeout.
func (w *Workflow) Wait(ctx context.Context, id string) (Status, error) {
	w.mu.Lock()
	p, ok := w.pending[id]
	w.mu.Unlock()
	if !ok {
		return StatusDenied, fmt.Errorf("no pending approval: %s", id)
	}

	select {
	case status := <-p.done:
		if status == StatusExpired {
			return status, ErrTimeout
		}
		return status, nil
	case <-ctx.Done():
		w.finish(id, StatusExpired)
		return StatusExpired, ErrTimeout
	}
}

// Resolve delivers a human decision for a pending request
func (w *Workflow) Resolve(id string, approve bool) error {
	status := StatusDenied
	if approve {
		status = StatusApproved
	}
	if !w.finish(id, status) {
		return fmt.Errorf("no pending approval: %s", id)
	}
	return nil
}

// ResolveBatch applies one decision to a set of related requests. Each request
// still resolves individually; missing ids are reported, not fatal.
func (w *Workflow) ResolveBatch(ids []string, approve bool) map[string]error {
	errs := make(map[string]error)
	for _, id := range ids {
		if err := w.Resolve(id, approve); err != nil {
			errs[id] = err
		}
	}
	return errs
}

// Pending returns a snapshot of all unresolved requests
func (w *Workflow) Pending() []*Request {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]*Request, 0, len(w.pending))
	for _, p := range w.pending {
		copy := *p.req
		out = append(out, &copy)
	}
	return out
}

// finish moves a request into a terminal state. Returns false when the request
// was already resolved; terminal states never transition again.
func (w *Workflow) finish(id string, status Status) bool {
	w.mu.Lock()
	p, ok := w.pending[id]
	if ok {
		delete(w.pending, id)
	}
	w.mu.Unlock()

	if !ok {
		return false
	}

	p.timer.Stop()
	p.req.Status = status
	p.done <- status
	return true
}
