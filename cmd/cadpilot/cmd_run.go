package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/cadpilot/internal/approval"
	"github.com/user/cadpilot/internal/bridge"
	"github.com/user/cadpilot/internal/coordinator"
	"github.com/user/cadpilot/internal/eventlog"
	"github.com/user/cadpilot/internal/state"
	"github.com/user/cadpilot/internal/tools"
	"github.com/user/cadpilot/internal/tools/local"
	"github.com/user/cadpilot/internal/transcript"
	"github.com/user/cadpilot/internal/types"
	"github.com/user/cadpilot/internal/workspace"
	"github.com/user/cadpilot/pkg/llm"
	"github.com/user/cadpilot/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(runCmd, transcriptCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <session-id> <text>",
	Short: "Run one turn in a session and print the response",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		sessionID := types.SessionID(args[0])
		text := strings.Join(args[1:], " ")

		log := eventLog(cfg)
		sessions := state.NewSessionStore(cfg.DataDir)
		ws := workspace.NewStore(filepath.Join(cfg.DataDir, "workspace.json"))

		provider := openai.New(&llm.Config{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			MaxRounds:   cfg.LLM.MaxRounds,
		})

		budgeter, err := transcript.NewBudgeter(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
		if err != nil {
			return fmt.Errorf("create budgeter: %w", err)
		}

		registry := tools.NewRegistry()
		local.RegisterDashboard(registry, ws)
		local.RegisterEditor(registry)

		coord := coordinator.New(coordinator.Config{
			Log:      log,
			Sessions: sessions,
			Provider: provider,
			Registry: registry,
			Bridge:   bridge.New(log, bridge.WithTimeout(cfg.BridgeTimeoutDuration())),
			Budgeter: budgeter,
			Prefs: &approval.Preferences{
				AutoApproveAll: cfg.Approval.AutoApproveAll,
				AllowTools:     cfg.Approval.AllowTools,
				DenyTools:      cfg.Approval.DenyTools,
			},
			StaleAfter:      cfg.StaleAfterDuration(),
			ApprovalTimeout: cfg.ApprovalTimeoutDuration(),
			MaxConcurrent:   cfg.MaxConcurrent,
		})

		ctx := context.Background()
		result, err := coord.StartRun(ctx, sessionID, text)
		if err != nil {
			return err
		}

		view := eventlog.NewView(log, sessionID)
		if err := view.Refresh(ctx); err != nil {
			return fmt.Errorf("read event stream: %w", err)
		}
		if msg, ok := view.Collections().Message(result.AssistantMessageID); ok {
			fmt.Println(msg.Content)
		}
		return nil
	},
}

var transcriptCmd = &cobra.Command{
	Use:   "transcript <session-id>",
	Short: "Print a session's hydrated transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessionID := types.SessionID(args[0])

		log := eventLog(cfg)
		view := eventlog.NewView(log, sessionID)
		if err := view.Refresh(context.Background()); err != nil {
			return fmt.Errorf("read event stream: %w", err)
		}

		cols := view.Collections()
		messages := transcript.Hydrate(cols.Messages, cols.Chunks)
		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ROLE\tSTATUS\tCONTENT")
		for _, m := range messages {
			content := m.Content
			if m.Role == types.RoleToolCall {
				content = m.ToolName + " " + string(m.ToolArgs)
			}
			if m.Role == types.RoleToolResult {
				content = string(m.ToolResult)
			}
			content = strings.ReplaceAll(content, "\n", " ")
			if len(content) > 120 {
				content = content[:117] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", m.Role, m.Status, content)
		}
		return w.Flush()
	},
}
