package workspace

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry tracks the agents deployed into one workspace. Each workspace owns
// its own registry instance; there is no process-wide agent table, so multiple
// workspaces (and tests) run in full isolation.
type Registry struct {
	workspaceID string
	boundary    *Boundary
	mu          sync.RWMutex
	agents      map[string]*Agent
	threads     map[string]*ConversationThread
}

// NewRegistry creates a registry for a workspace
func NewRegistry(boundary *Boundary) *Registry {
	return &Registry{
		workspaceID: boundary.WorkspaceID,
		boundary:    boundary,
		agents:      make(map[string]*Agent),
		threads:     make(map[string]*ConversationThread),
	}
}

// WorkspaceID returns the owning workspace's ID
func (r *Registry) WorkspaceID() string {
	return r.workspaceID
}

// Boundary returns the workspace boundary declaration
func (r *Registry) Boundary() *Boundary {
	return r.boundary
}

// Deploy creates a new agent with the given permission set, clamped to the
// workspace boundary. Nil permissions get the default grant.
func (r *Registry) Deploy(permissions *PermissionSet) (*Agent, error) {
	if permissions == nil {
		permissions = DefaultPermissionSet()
	}
	permissions.Clamp(r.boundary)

	agent := &Agent{
		ID:             NewAgentID(),
		WorkspaceID:    r.workspaceID,
		ConversationID: uuid.New().String(),
		Status:         StatusActive,
		Permissions:    permissions,
		CreatedAt:      time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents[agent.ID] = agent
	r.threads[agent.ID] = NewThread(agent.ID)
	return agent, nil
}

// Get returns an agent by ID
func (r *Registry) Get(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent not found: %s", agentID)
	}
	return agent, nil
}

// Thread returns the conversation thread owned by an agent
func (r *Registry) Thread(agentID string) (*ConversationThread, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	thread, ok := r.threads[agentID]
	if !ok {
		return nil, fmt.Errorf("agent not found: %s", agentID)
	}
	return thread, nil
}

// List returns all agents in the workspace
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	return agents
}

// SetStatus updates an agent's lifecycle status
func (r *Registry) SetStatus(agentID string, status AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("agent not found: %s", agentID)
	}
	agent.Status = status
	return nil
}

// Remove deletes an agent and its thread from the registry
func (r *Registry) Remove(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; !ok {
		return fmt.Errorf("agent not found: %s", agentID)
	}
	delete(r.agents, agentID)
	delete(r.threads, agentID)
	return nil
}
