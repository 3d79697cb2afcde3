package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"agentward/internal/approval"
	"agentward/internal/audit"
	"agentward/internal/checkpoint"
	"agentward/internal/config"
	"agentward/internal/enforcer"
	"agentward/internal/eventhub"
	"agentward/internal/gitops"
	"agentward/internal/watcher"
	"agentward/internal/workspace"
)

// App wires the permission and checkpoint engines together. One App serves
// any number of workspaces; each workspace gets its own registry, enforcer,
// and file tracker, while the audit log and checkpoint store are shared.
type App struct {
	ctx    context.Context
	cfg    *config.Config
	logger *slog.Logger

	hub         *eventhub.EventHub
	auditLog    *audit.Log
	store       *checkpoint.Store
	checkpoints *checkpoint.Manager
	workflow    *approval.Workflow

	mu         sync.RWMutex
	workspaces map[string]*workspaceRuntime
}

// workspaceRuntime is the per-workspace slice of the application
type workspaceRuntime struct {
	registry *workspace.Registry
	enforcer *enforcer.Enforcer
	tracker  *watcher.Tracker
}

// NewApp creates the application shell; Startup opens the stores
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg:        cfg,
		logger:     logger,
		workflow:   approval.NewWorkflow(),
		workspaces: make(map[string]*workspaceRuntime),
	}
}

// Startup opens the audit log and checkpoint store and verifies the
// checkpoint index, rebuilding it if it has drifted
func (a *App) Startup(ctx context.Context) error {
	a.ctx = ctx
	a.hub = eventhub.New(ctx)

	log, err := audit.Open(a.cfg.AuditDBPath)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	a.auditLog = log

	store, err := checkpoint.OpenStore(a.cfg.CheckpointPath)
	if err != nil {
		a.auditLog.Close()
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	a.store = store
	a.checkpoints = checkpoint.NewManager(store, a.hub, nil, a.logger)

	if err := a.checkpoints.Verify(); err != nil {
		a.auditLog.Close()
		store.Close()
		return fmt.Errorf("verify checkpoint index: %w", err)
	}

	a.logger.Info("agentward started",
		"audit_db", a.cfg.AuditDBPath, "checkpoint_db", a.cfg.CheckpointPath)
	return nil
}

// Shutdown closes all workspaces and stores
func (a *App) Shutdown() {
	a.mu.Lock()
	for id, rt := range a.workspaces {
		if rt.tracker != nil {
			rt.tracker.Close()
		}
		delete(a.workspaces, id)
	}
	a.mu.Unlock()

	if a.store != nil {
		a.store.Close()
	}
	if a.auditLog != nil {
		a.auditLog.Close()
	}
}

// SetBroadcaster attaches an outward event sink (UI bridge, websocket)
func (a *App) SetBroadcaster(b eventhub.Broadcaster) {
	a.hub.SetBroadcaster(b)
}

// OpenWorkspace loads a boundary manifest and brings the workspace online.
// Returns the workspace id.
func (a *App) OpenWorkspace(manifestPath string) (string, error) {
	b, err := workspace.LoadBoundary(manifestPath)
	if err != nil {
		return "", fmt.Errorf("open workspace: %w", err)
	}
	return a.openBoundary(b)
}

// OpenWorkspaceWithBoundary brings a programmatically built boundary online
func (a *App) OpenWorkspaceWithBoundary(b *workspace.Boundary) (string, error) {
	return a.openBoundary(b)
}

func (a *App) openBoundary(b *workspace.Boundary) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.workspaces[b.WorkspaceID]; exists {
		return "", fmt.Errorf("workspace %s already open", b.WorkspaceID)
	}

	registry := workspace.NewRegistry(b)
	rt := &workspaceRuntime{
		registry: registry,
		enforcer: enforcer.New(registry, a.workflow, a.auditLog, a.hub),
	}

	tracker, err := watcher.NewTracker(b.WorkspaceID, b.Root, a.hub, a.logger)
	if err != nil {
		// Change tracking is best effort; checkpoints fall back to an empty
		// modified-files list.
		a.logger.Warn("file tracking unavailable", "workspace_id", b.WorkspaceID, "error", err)
	} else {
		rt.tracker = tracker
	}

	a.workspaces[b.WorkspaceID] = rt
	a.logger.Info("workspace opened", "workspace_id", b.WorkspaceID, "root", b.Root)
	return b.WorkspaceID, nil
}

// CloseWorkspace takes a workspace offline
func (a *App) CloseWorkspace(workspaceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rt, ok := a.workspaces[workspaceID]
	if !ok {
		return fmt.Errorf("workspace not open: %s", workspaceID)
	}
	if rt.tracker != nil {
		rt.tracker.Close()
	}
	delete(a.workspaces, workspaceID)
	return nil
}

func (a *App) runtime(workspaceID string) (*workspaceRuntime, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rt, ok := a.workspaces[workspaceID]
	if !ok {
		return nil, fmt.Errorf("workspace not open: %s", workspaceID)
	}
	return rt, nil
}

// DeployAgent creates an agent in the workspace with the given permissions
// (nil for the default grant)
func (a *App) DeployAgent(workspaceID string, permissions *workspace.PermissionSet) (*workspace.Agent, error) {
	rt, err := a.runtime(workspaceID)
	if err != nil {
		return nil, err
	}
	return rt.registry.Deploy(permissions)
}

// RemoveAgent deletes an agent and releases its decision lock
func (a *App) RemoveAgent(workspaceID, agentID string) error {
	rt, err := a.runtime(workspaceID)
	if err != nil {
		return err
	}
	if err := rt.registry.Remove(agentID); err != nil {
		return err
	}
	rt.enforcer.ReleaseAgent(agentID)
	return nil
}

// CheckOperation runs one operation through the workspace's enforcer
func (a *App) CheckOperation(ctx context.Context, workspaceID, agentID string, op enforcer.Operation) (enforcer.Result, error) {
	rt, err := a.runtime(workspaceID)
	if err != nil {
		return enforcer.Result{}, err
	}
	return rt.enforcer.CheckOperation(ctx, agentID, op), nil
}

// ReportOutcome records what actually happened after an allowed operation
func (a *App) ReportOutcome(workspaceID, auditEntryID, outcome string) error {
	rt, err := a.runtime(workspaceID)
	if err != nil {
		return err
	}
	return rt.enforcer.ReportOutcome(auditEntryID, outcome)
}

// ResolveApproval is the human decision entry point
func (a *App) ResolveApproval(requestID string, approve bool) error {
	return a.workflow.Resolve(requestID, approve)
}

// ResolveApprovals resolves a batch of requests with one decision each
func (a *App) ResolveApprovals(requestIDs []string, approve bool) map[string]error {
	return a.workflow.ResolveBatch(requestIDs, approve)
}

// PendingApprovals lists requests still waiting on a human
func (a *App) PendingApprovals() []*approval.Request {
	return a.workflow.Pending()
}

// AppendMessage adds a message to an agent's conversation thread
func (a *App) AppendMessage(workspaceID, agentID string, msg workspace.Message) error {
	rt, err := a.runtime(workspaceID)
	if err != nil {
		return err
	}
	thread, err := rt.registry.Thread(agentID)
	if err != nil {
		return err
	}
	return thread.Append(msg)
}

// CreateCheckpoint captures an agent's conversation and configuration. The
// context snapshot is filled from the file tracker and the workspace git
// branch when available.
func (a *App) CreateCheckpoint(workspaceID, agentID string, opts checkpoint.CaptureOptions) (*checkpoint.Checkpoint, error) {
	rt, err := a.runtime(workspaceID)
	if err != nil {
		return nil, err
	}
	agent, err := rt.registry.Get(agentID)
	if err != nil {
		return nil, err
	}
	thread, err := rt.registry.Thread(agentID)
	if err != nil {
		return nil, err
	}

	opts.Context.WorkspaceID = workspaceID
	if len(opts.Context.ModifiedFiles) == 0 && rt.tracker != nil {
		opts.Context.ModifiedFiles = rt.tracker.Drain()
	}
	if opts.Context.GitBranch == "" {
		if repo, err := gitops.Open(rt.registry.Boundary().Root); err == nil {
			if branch, err := repo.CurrentBranch(); err == nil {
				opts.Context.GitBranch = branch
			}
		}
	}

	cp, err := a.checkpoints.Capture(agent, thread, opts)
	if err != nil {
		return nil, err
	}
	if err := rt.registry.SetStatus(agentID, workspace.StatusCheckpointed); err != nil {
		a.logger.Warn("agent status update failed", "agent_id", agentID, "error", err)
	}
	return cp, nil
}

// RestoreFromCheckpoint replaces the target agent's live state with the
// checkpoint's conversation and configuration. The restored permissions are
// clamped against the destination workspace's boundary, which may be a
// different workspace than the one the checkpoint was captured in.
func (a *App) RestoreFromCheckpoint(workspaceID, agentID, checkpointID string) error {
	rt, err := a.runtime(workspaceID)
	if err != nil {
		return err
	}
	agent, err := rt.registry.Get(agentID)
	if err != nil {
		return err
	}
	thread, err := rt.registry.Thread(agentID)
	if err != nil {
		return err
	}

	state, err := a.checkpoints.Restore(checkpointID, agentID)
	if err != nil {
		return err
	}

	agent.SystemPrompt = state.AgentConfig.SystemPrompt
	agent.Model = state.AgentConfig.Model
	if state.AgentConfig.Permissions != nil {
		permissions := *state.AgentConfig.Permissions
		permissions.Clamp(rt.registry.Boundary())
		agent.Permissions = &permissions
	}

	thread.Replace(state.Messages)
	return rt.registry.SetStatus(agentID, workspace.StatusActive)
}

// SearchCheckpoints answers a checkpoint query
func (a *App) SearchCheckpoints(q checkpoint.Query) *checkpoint.SearchResult {
	return a.checkpoints.Search(q)
}

// RecommendCheckpoints returns the best-performing matches
func (a *App) RecommendCheckpoints(q checkpoint.Query) *checkpoint.SearchResult {
	return a.checkpoints.Recommend(q)
}

// RateCheckpoint records an effectiveness rating for a restored checkpoint
func (a *App) RateCheckpoint(checkpointID string, rating float64) error {
	return a.checkpoints.RateEffectiveness(checkpointID, rating)
}

// DeleteCheckpoint removes a checkpoint and its index entry
func (a *App) DeleteCheckpoint(checkpointID string) error {
	return a.checkpoints.Delete(checkpointID)
}

// QueryAuditLog returns audit entries matching the filter, most recent first
func (a *App) QueryAuditLog(f audit.QueryFilter) ([]audit.Entry, error) {
	return a.auditLog.Query(f)
}
