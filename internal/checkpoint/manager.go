package checkpoint

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agentward/internal/eventhub"
	"agentward/internal/workspace"
)

// Manager coordinates checkpoint capture, restore, and rating on top of the
// store. It owns no agent state; callers pass the agent and thread to
// capture from.
type Manager struct {
	store    *Store
	searcher *Searcher
	scorer   Scorer
	hub      *eventhub.EventHub
	logger   *slog.Logger
}

// NewManager creates a checkpoint manager. A nil scorer falls back to the
// frequency heuristic.
func NewManager(store *Store, hub *eventhub.EventHub, scorer Scorer, logger *slog.Logger) *Manager {
	if scorer == nil {
		scorer = NewHeuristicScorer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		searcher: NewSearcher(store, logger),
		scorer:   scorer,
		hub:      hub,
		logger:   logger,
	}
}

// CaptureOptions carries the caller-supplied metadata for a capture
type CaptureOptions struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	CreatedBy   string          `json:"created_by,omitempty"`
	Context     ContextSnapshot `json:"context"`
}

// Capture snapshots the agent's conversation and configuration into a new
// checkpoint and freezes the source thread. The thread copy is taken before
// the freeze, so the checkpoint sees every message appended up to this call.
func (m *Manager) Capture(agent *workspace.Agent, thread *workspace.ConversationThread, opts CaptureOptions) (*Checkpoint, error) {
	if agent == nil || thread == nil {
		return nil, fmt.Errorf("capture checkpoint: agent and thread required")
	}
	if strings.TrimSpace(opts.Title) == "" {
		return nil, fmt.Errorf("capture checkpoint: title required")
	}

	messages := thread.Messages()

	var text strings.Builder
	var history []workspace.CommandMeta
	for _, msg := range messages {
		text.WriteString(msg.Content)
		text.WriteString("\n")
		if msg.Command != nil {
			history = append(history, *msg.Command)
		}
	}

	tags := opts.Tags
	if len(tags) == 0 {
		tags = m.scorer.Keywords(text.String(), 5)
	}

	cp := &Checkpoint{
		Title:          opts.Title,
		Description:    opts.Description,
		Tags:           tags,
		ExpertiseAreas: m.scorer.ExpertiseAreas(text.String()),
		CreatedAt:      time.Now(),
		CreatedBy:      opts.CreatedBy,
		ContextSnapshot: ContextSnapshot{
			WorkspaceID:   opts.Context.WorkspaceID,
			ContextTypes:  opts.Context.ContextTypes,
			ModifiedFiles: opts.Context.ModifiedFiles,
			GitBranch:     opts.Context.GitBranch,
		},
		ConversationState: ConversationState{
			Messages:       messages,
			CommandHistory: history,
			Summary:        m.scorer.Summarize(messages),
		},
		AgentConfiguration: AgentConfiguration{
			SystemPrompt: agent.SystemPrompt,
			Model:        agent.Model,
			Permissions:  agent.Permissions,
		},
	}

	id, err := m.store.Save(cp)
	if err != nil {
		return nil, fmt.Errorf("capture checkpoint: %w", err)
	}

	thread.Freeze()

	m.logger.Info("checkpoint captured",
		"checkpoint_id", id, "agent_id", agent.ID, "title", cp.Title)
	m.hub.EmitCheckpointCreated(eventhub.CheckpointCreatedEvent{
		CheckpointID: id,
		AgentID:      agent.ID,
		Title:        cp.Title,
		Tags:         cp.Tags,
	})
	return cp, nil
}

// Restore loads a checkpoint and returns a fresh rehydration bundle. The
// stored checkpoint is never aliased: every restore gets its own copies, and
// the only mutation on the source is the usage bump.
func (m *Manager) Restore(checkpointID, agentID string) (*RestoredState, error) {
	cp, err := m.store.Load(checkpointID)
	if err != nil {
		return nil, fmt.Errorf("restore checkpoint %s: %w", checkpointID, err)
	}

	if err := m.store.Touch(checkpointID); err != nil {
		return nil, fmt.Errorf("restore checkpoint %s: %w", checkpointID, err)
	}

	messages := make([]workspace.Message, len(cp.ConversationState.Messages))
	copy(messages, cp.ConversationState.Messages)

	config := cp.AgentConfiguration
	if config.Permissions != nil {
		permissions := *config.Permissions
		config.Permissions = &permissions
	}

	m.logger.Info("checkpoint restored",
		"checkpoint_id", checkpointID, "agent_id", agentID)
	m.hub.EmitCheckpointRestored(eventhub.CheckpointRestoredEvent{
		CheckpointID: checkpointID,
		AgentID:      agentID,
		WorkspaceID:  cp.ContextSnapshot.WorkspaceID,
	})

	return &RestoredState{
		CheckpointID:        checkpointID,
		Messages:            messages,
		AgentConfig:         config,
		WorkspaceContext:    cp.ContextSnapshot,
		InitialSystemPrompt: config.SystemPrompt,
	}, nil
}

// Search answers a checkpoint query from the index
func (m *Manager) Search(q Query) *SearchResult {
	return m.searcher.Search(q)
}

// Recommend returns the best-performing checkpoints matching the query,
// capped at a short list
func (m *Manager) Recommend(q Query) *SearchResult {
	if q.SortBy == "" {
		q.SortBy = "performance"
	}
	if q.Limit <= 0 || q.Limit > 5 {
		q.Limit = 5
	}
	return m.searcher.Search(q)
}

// RateEffectiveness records how well a restored checkpoint worked out.
// Ratings are on a 0-5 scale and fold into the performance score as a
// running mean.
func (m *Manager) RateEffectiveness(checkpointID string, rating float64) error {
	if rating < 0 || rating > 5 {
		return fmt.Errorf("rate checkpoint %s: rating %.1f out of range [0,5]", checkpointID, rating)
	}
	if err := m.store.AddRating(checkpointID, rating); err != nil {
		return fmt.Errorf("rate checkpoint %s: %w", checkpointID, err)
	}
	return nil
}

// Delete removes a checkpoint and its index entry
func (m *Manager) Delete(checkpointID string) error {
	if err := m.store.Delete(checkpointID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", checkpointID, err)
	}
	m.logger.Info("checkpoint deleted", "checkpoint_id", checkpointID)
	return nil
}

// Verify checks record/index consistency and rebuilds the index if the
// projection has drifted
func (m *Manager) Verify() error {
	err := m.store.VerifyIndex()
	if err == nil {
		return nil
	}
	m.logger.Warn("checkpoint index inconsistent, rebuilding", "error", err)
	if rebuildErr := m.store.RebuildIndex(); rebuildErr != nil {
		return fmt.Errorf("rebuild checkpoint index: %w", rebuildErr)
	}
	return nil
}
