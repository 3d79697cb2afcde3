package checkpoint

import (
	"errors"
	"time"

	"agentward/internal/workspace"
)

// ErrNotFound is returned when a checkpoint id has no backing record
var ErrNotFound = errors.New("checkpoint not found")

// ErrIndexInconsistent marks a detected mismatch between the record table and
// its index projection. The store's rebuild path recovers from it.
var ErrIndexInconsistent = errors.New("checkpoint index inconsistent with records")

// ConversationState embeds everything needed to rehydrate a conversation:
// the full message sequence, the command execution history, and a derived
// summary used for search and display.
type ConversationState struct {
	Messages       []workspace.Message     `json:"messages"`
	CommandHistory []workspace.CommandMeta `json:"command_history,omitempty"`
	Summary        string                  `json:"summary"`
}

// AgentConfiguration is the portable part of an agent's setup
type AgentConfiguration struct {
	SystemPrompt string                   `json:"system_prompt,omitempty"`
	Model        string                   `json:"model,omitempty"`
	Permissions  *workspace.PermissionSet `json:"permissions,omitempty"`
}

// ContextSnapshot describes the workspace situation at capture time
type ContextSnapshot struct {
	WorkspaceID   string   `json:"workspace_id"`
	ContextTypes  []string `json:"context_types,omitempty"` // e.g. ticket, email, code-review
	ModifiedFiles []string `json:"modified_files,omitempty"`
	GitBranch     string   `json:"git_branch,omitempty"`
}

// Checkpoint is a durable snapshot of an agent's conversation and
// configuration. Immutable once created, except for usage_count/last_used
// bumps and the accumulating effectiveness ratings.
type Checkpoint struct {
	ID                   string             `json:"id"`
	Title                string             `json:"title"`
	Description          string             `json:"description,omitempty"`
	Tags                 []string           `json:"tags,omitempty"`
	ExpertiseAreas       []string           `json:"expertise_areas,omitempty"`
	PerformanceScore     float64            `json:"performance_score"`
	UsageCount           int                `json:"usage_count"`
	EffectivenessRatings []float64          `json:"effectiveness_ratings,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	CreatedBy            string             `json:"created_by,omitempty"`
	LastUsed             *time.Time         `json:"last_used,omitempty"`
	ContextSnapshot      ContextSnapshot    `json:"context_snapshot"`
	ConversationState    ConversationState  `json:"conversation_state"`
	AgentConfiguration   AgentConfiguration `json:"agent_configuration"`
	ContentHash          string             `json:"content_hash,omitempty"`
}

// IndexEntry is the lightweight projection of a checkpoint used for search.
// It must always be a strict subset of its backing record.
type IndexEntry struct {
	CheckpointID     string     `json:"checkpoint_id"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	ContextTypes     []string   `json:"context_types,omitempty"`
	ExpertiseAreas   []string   `json:"expertise_areas,omitempty"`
	PerformanceScore float64    `json:"performance_score"`
	UsageCount       int        `json:"usage_count"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUsed         *time.Time `json:"last_used,omitempty"`
}

// project builds the index entry for a checkpoint
func project(cp *Checkpoint) *IndexEntry {
	return &IndexEntry{
		CheckpointID:     cp.ID,
		Title:            cp.Title,
		Description:      cp.Description,
		Tags:             cp.Tags,
		ContextTypes:     cp.ContextSnapshot.ContextTypes,
		ExpertiseAreas:   cp.ExpertiseAreas,
		PerformanceScore: cp.PerformanceScore,
		UsageCount:       cp.UsageCount,
		CreatedAt:        cp.CreatedAt,
		LastUsed:         cp.LastUsed,
	}
}

// RestoredState is the bundle the agent runtime uses to rehydrate a live
// agent from a checkpoint. Every restore is a fresh copy; the stored
// checkpoint is never aliased.
type RestoredState struct {
	CheckpointID        string              `json:"checkpoint_id"`
	Messages            []workspace.Message `json:"messages"`
	AgentConfig         AgentConfiguration  `json:"agent_config"`
	WorkspaceContext    ContextSnapshot     `json:"workspace_context"`
	InitialSystemPrompt string              `json:"initial_system_prompt,omitempty"`
}
