package workspace

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AgentStatus represents the lifecycle state of a deployed agent
type AgentStatus string

const (
	StatusActive       AgentStatus = "active"
	StatusIdle         AgentStatus = "idle"
	StatusPaused       AgentStatus = "paused"
	StatusError        AgentStatus = "error"
	StatusCheckpointed AgentStatus = "checkpointed"
)

// Region identifies a declared area of the workspace with its own access rules
type Region string

const (
	RegionContext  Region = "context"
	RegionTarget   Region = "target"
	RegionFeedback Region = "feedback"
	RegionAgents   Region = "agents"
)

// Operation is a filesystem operation kind checked against a region's grant
type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpCreate Operation = "create"
	OpEdit   Operation = "edit"
	OpDelete Operation = "delete"
	OpAppend Operation = "append"
)

// Agent is one running instance bound to exactly one workspace
type Agent struct {
	ID             string         `json:"id"`
	WorkspaceID    string         `json:"workspace_id"`
	ConversationID string         `json:"conversation_id"`
	Status         AgentStatus    `json:"status"`
	Permissions    *PermissionSet `json:"permissions"`
	SystemPrompt   string         `json:"system_prompt,omitempty"`
	Model          string         `json:"model,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// CommandMeta carries execution metadata for messages that ran a command
type CommandMeta struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
}

// Message is a single entry in a conversation thread
type Message struct {
	Role      string       `json:"role"` // user, assistant, system
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
	Command   *CommandMeta `json:"command,omitempty"`
}

// ConversationThread is the ordered, append-only message sequence owned by one
// agent. Once captured into a checkpoint the thread is frozen and rejects writes.
type ConversationThread struct {
	mu       sync.RWMutex
	agentID  string
	messages []Message
	frozen   bool
}

// NewThread creates an empty conversation thread for an agent
func NewThread(agentID string) *ConversationThread {
	return &ConversationThread{agentID: agentID}
}

// AgentID returns the owning agent's ID
func (t *ConversationThread) AgentID() string {
	return t.agentID
}

// Append adds a message to the thread. Frozen threads reject appends.
func (t *ConversationThread) Append(m Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frozen {
		return fmt.Errorf("thread for agent %s is frozen", t.agentID)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	t.messages = append(t.messages, m)
	return nil
}

// Messages returns a copy of the thread's messages
func (t *ConversationThread) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of messages in the thread
func (t *ConversationThread) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Freeze makes the thread read-only
func (t *ConversationThread) Freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frozen = true
}

// Frozen reports whether the thread has been frozen
func (t *ConversationThread) Frozen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.frozen
}

// Replace swaps the thread content wholesale. Used when rehydrating an agent
// from a checkpoint; the replaced thread is unfrozen and owned by the agent again.
func (t *ConversationThread) Replace(messages []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.messages = make([]Message, len(messages))
	copy(t.messages, messages)
	t.frozen = false
}

// NewAgentID generates a new agent identifier
func NewAgentID() string {
	return uuid.New().String()
}
