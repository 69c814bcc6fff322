package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/cadpilot/internal/state"
	"github.com/user/cadpilot/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionNewCmd, sessionClearCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions := state.NewSessionStore(cfg.DataDir)

		list, err := sessions.List(context.Background())
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCONTEXT\tTITLE\tMESSAGES\tUPDATED")
		for _, s := range list {
			title := s.Title
			if title == "" {
				title = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				s.SessionID,
				s.Context,
				title,
				s.MessageCount,
				s.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionNewCmd = &cobra.Command{
	Use:   "new <dashboard|editor>",
	Short: "Create a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionContext := types.Context(args[0])
		if sessionContext != types.ContextDashboard && sessionContext != types.ContextEditor {
			return fmt.Errorf("context must be dashboard or editor, got %q", args[0])
		}

		cfg := loadConfig()
		sessions := state.NewSessionStore(cfg.DataDir)
		session, err := sessions.Create(context.Background(), sessionContext)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}

		fmt.Println(session.SessionID)
		return nil
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Clear a session's event stream or all of them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		streamsDir := filepath.Join(cfg.DataDir, "streams")

		if args[0] == "all" {
			if err := os.RemoveAll(streamsDir); err != nil {
				return fmt.Errorf("remove streams directory: %w", err)
			}
			fmt.Println("All sessions cleared.")
			return nil
		}

		// Validate path to prevent traversal
		streamDir := filepath.Join(streamsDir, args[0])
		if !strings.HasPrefix(streamDir, streamsDir+string(filepath.Separator)) {
			return fmt.Errorf("invalid session id: %s", args[0])
		}
		if _, err := os.Stat(streamDir); os.IsNotExist(err) {
			return fmt.Errorf("session not found: %s", args[0])
		}
		if err := os.RemoveAll(streamDir); err != nil {
			return fmt.Errorf("remove stream directory: %w", err)
		}
		fmt.Printf("Session %s cleared.\n", args[0])
		return nil
	},
}
