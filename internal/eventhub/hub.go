package eventhub

import (
	"context"
)

// Broadcaster delivers events to whatever surface the surrounding application
// attaches (websocket, UI bridge, test recorder)
type Broadcaster interface {
	BroadcastEvent(eventType string, payload interface{})
}

// EventHub is the single dispatch point for core events. All emits are no-ops
// until a broadcaster is attached, so the core never depends on a UI being up.
type EventHub struct {
	ctx         context.Context
	broadcaster Broadcaster
}

// New creates a new EventHub
func New(ctx context.Context) *EventHub {
	return &EventHub{ctx: ctx}
}

// SetBroadcaster attaches the outward-facing event sink
func (h *EventHub) SetBroadcaster(b Broadcaster) {
	h.broadcaster = b
}

func (h *EventHub) emit(eventName string, payload interface{}) {
	if h == nil || h.broadcaster == nil {
		return
	}
	h.broadcaster.BroadcastEvent(eventName, payload)
}

// Emit sends an arbitrary event
func (h *EventHub) Emit(eventName string, payload interface{}) {
	h.emit(eventName, payload)
}

// PermissionDecisionEvent reports the outcome of one enforcement check
type PermissionDecisionEvent struct {
	AgentID           string `json:"agentId"`
	Operation         string `json:"operation"`
	Target            string `json:"target,omitempty"`
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason,omitempty"`
	BoundaryViolation bool   `json:"boundaryViolation,omitempty"`
}

func (h *EventHub) EmitPermissionDecision(event PermissionDecisionEvent) {
	h.emit("permission:decision", event)
}

// ApprovalPendingEvent announces a request that needs a human decision
type ApprovalPendingEvent struct {
	RequestID     string `json:"requestId"`
	AgentID       string `json:"agentId"`
	Operation     string `json:"operation"`
	Target        string `json:"target,omitempty"`
	Justification string `json:"justification,omitempty"`
	TimeoutMS     int64  `json:"timeoutMs"`
}

func (h *EventHub) EmitApprovalPending(event ApprovalPendingEvent) {
	h.emit("approval:pending", event)
}

// ApprovalResolvedEvent reports the terminal state of an approval request
type ApprovalResolvedEvent struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"` // approved, denied, expired
}

func (h *EventHub) EmitApprovalResolved(event ApprovalResolvedEvent) {
	h.emit("approval:resolved", event)
}

// CheckpointCreatedEvent announces a newly captured checkpoint
type CheckpointCreatedEvent struct {
	CheckpointID string   `json:"checkpointId"`
	AgentID      string   `json:"agentId"`
	Title        string   `json:"title"`
	Tags         []string `json:"tags,omitempty"`
}

func (h *EventHub) EmitCheckpointCreated(event CheckpointCreatedEvent) {
	h.emit("checkpoint:created", event)
}

// CheckpointRestoredEvent reports a checkpoint rehydrated into an agent
type CheckpointRestoredEvent struct {
	CheckpointID string `json:"checkpointId"`
	AgentID      string `json:"agentId"`
	WorkspaceID  string `json:"workspaceId"`
}

func (h *EventHub) EmitCheckpointRestored(event CheckpointRestoredEvent) {
	h.emit("checkpoint:restored", event)
}

// WorkspaceChangedEvent reports debounced file modifications inside a workspace
type WorkspaceChangedEvent struct {
	WorkspaceID string   `json:"workspaceId"`
	Paths       []string `json:"paths"`
}

func (h *EventHub) EmitWorkspaceChanged(event WorkspaceChangedEvent) {
	h.emit("workspace:changed", event)
}
