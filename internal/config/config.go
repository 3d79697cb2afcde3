package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings are the tunables read from the environment with the AGENTWARD
// prefix
type Settings struct {
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	ApprovalTimeout time.Duration `envconfig:"APPROVAL_TIMEOUT" default:"5m"`
	WatchDebounce   time.Duration `envconfig:"WATCH_DEBOUNCE" default:"200ms"`
	MaxMemoryMB     int           `envconfig:"MAX_MEMORY_MB" default:"2048"`
}

// Config holds resolved paths and runtime settings
type Config struct {
	HomeDir        string
	AgentwardDir   string
	AuditDBPath    string
	CheckpointPath string
	LogDir         string
	Settings       Settings
}

// Load resolves paths under ~/.agentward, creates them, and reads settings
// from the environment
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	return LoadAt(filepath.Join(home, ".agentward"))
}

// LoadAt resolves configuration rooted at the given directory
func LoadAt(dir string) (*Config, error) {
	logDir := filepath.Join(dir, "logs")
	for _, d := range []string{dir, logDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("create config dir %s: %w", d, err)
		}
	}

	var settings Settings
	if err := envconfig.Process("AGENTWARD", &settings); err != nil {
		return nil, fmt.Errorf("read environment settings: %w", err)
	}

	return &Config{
		HomeDir:        filepath.Dir(dir),
		AgentwardDir:   dir,
		AuditDBPath:    filepath.Join(dir, "audit.db"),
		CheckpointPath: filepath.Join(dir, "checkpoints.db"),
		LogDir:         logDir,
		Settings:       settings,
	}, nil
}

// BoundaryManifestPath returns the workspace boundary manifest location
func (c *Config) BoundaryManifestPath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, ".agentward", "boundary.yaml")
}
