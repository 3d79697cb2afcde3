package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"agentward/internal/audit"
	"agentward/internal/checkpoint"
	"agentward/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "agentward",
	Short: "agentward - workspace permission enforcement and agent checkpoints",
	Long:  `agentward enforces workspace boundaries for coding agents, routes risky operations through human approval, and captures restorable agent checkpoints.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	configDir string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "configuration directory (default ~/.agentward)")

	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(verifyCmd)
}

func loadConfig() (*config.Config, error) {
	if configDir != "" {
		return config.LoadAt(configDir)
	}
	return config.Load()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Settings.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

var searchCmd = &cobra.Command{
	Use:   "search [text]",
	Short: "Search stored checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := checkpoint.OpenStore(cfg.CheckpointPath)
		if err != nil {
			return err
		}
		defer store.Close()

		q := checkpoint.Query{Text: strings.Join(args, " ")}
		if tags, _ := cmd.Flags().GetStringSlice("tag"); len(tags) > 0 {
			q.Tags = tags
		}
		if expertise, _ := cmd.Flags().GetStringSlice("expertise"); len(expertise) > 0 {
			q.ExpertiseAreas = expertise
		}
		q.SortBy, _ = cmd.Flags().GetString("sort")
		q.Limit, _ = cmd.Flags().GetInt("limit")

		result := checkpoint.NewSearcher(store, newLogger(cfg)).Search(q)
		if result.TotalCount == 0 {
			fmt.Println("no checkpoints found")
			return nil
		}

		title := color.New(color.FgCyan, color.Bold)
		dim := color.New(color.Faint)
		for _, e := range result.Results {
			title.Printf("%s  %s\n", shortID(e.CheckpointID), e.Title)
			if e.Description != "" {
				fmt.Printf("    %s\n", e.Description)
			}
			dim.Printf("    tags: %s  score: %.1f  used: %d\n",
				strings.Join(e.Tags, ", "), e.PerformanceScore, e.UsageCount)
		}
		dim.Printf("%d of %d shown\n", len(result.Results), result.TotalCount)
		if len(result.SuggestedTags) > 0 {
			dim.Printf("related tags: %s\n", strings.Join(result.SuggestedTags, ", "))
		}
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the permission audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		log, err := audit.Open(cfg.AuditDBPath)
		if err != nil {
			return err
		}
		defer log.Close()

		var f audit.QueryFilter
		f.AgentID, _ = cmd.Flags().GetString("agent")
		f.Operation, _ = cmd.Flags().GetString("operation")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
			f.Since = time.Now().Add(-since)
		}

		entries, err := log.Query(f)
		if err != nil {
			return err
		}

		allowed := color.New(color.FgGreen)
		denied := color.New(color.FgRed)
		warn := color.New(color.FgYellow)
		for _, e := range entries {
			decision := allowed
			if e.Decision == audit.DecisionDenied {
				decision = denied
			}
			decision.Printf("%s  %-8s", e.Timestamp.Format(time.RFC3339), e.Decision)
			fmt.Printf("  %-12s %-14s %s", shortID(e.AgentID), e.Operation, e.Target)
			if e.BoundaryViolationAttempt {
				warn.Print("  [boundary violation]")
			}
			if e.EscalationUsed {
				fmt.Print("  [approved by human]")
			}
			fmt.Println()
		}
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check checkpoint index consistency and rebuild if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := checkpoint.OpenStore(cfg.CheckpointPath)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.VerifyIndex(); err == nil {
			color.Green("checkpoint index consistent")
			return nil
		}
		color.Yellow("index inconsistent, rebuilding from records")
		if err := store.RebuildIndex(); err != nil {
			return err
		}
		color.Green("rebuild complete")
		return nil
	},
}

func init() {
	searchCmd.Flags().StringSlice("tag", nil, "filter by tag (repeatable)")
	searchCmd.Flags().StringSlice("expertise", nil, "filter by expertise area (repeatable)")
	searchCmd.Flags().String("sort", "relevance", "sort order: relevance, performance, recent, usage")
	searchCmd.Flags().Int("limit", 20, "maximum results")

	auditCmd.Flags().String("agent", "", "filter by agent id")
	auditCmd.Flags().String("operation", "", "filter by operation name, e.g. file:write")
	auditCmd.Flags().Int("limit", 50, "maximum entries")
	auditCmd.Flags().Duration("since", 0, "only entries newer than this, e.g. 24h")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
