package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/user/cadpilot/internal/approval"
	"github.com/user/cadpilot/internal/bridge"
	"github.com/user/cadpilot/internal/config"
	"github.com/user/cadpilot/internal/coordinator"
	"github.com/user/cadpilot/internal/eventlog"
	"github.com/user/cadpilot/internal/eventlog/httplog"
	"github.com/user/cadpilot/internal/httpapi"
	"github.com/user/cadpilot/internal/metrics"
	"github.com/user/cadpilot/internal/state"
	"github.com/user/cadpilot/internal/tools"
	"github.com/user/cadpilot/internal/tools/local"
	"github.com/user/cadpilot/internal/transcript"
	"github.com/user/cadpilot/internal/workspace"
	"github.com/user/cadpilot/pkg/llm"
	"github.com/user/cadpilot/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the cadpilot daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "cadpilot.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// eventLog selects the log backend: local JSONL files by default, or the
// remote log service when configured.
func eventLog(cfg *config.Config) eventlog.Log {
	if cfg.Log.Backend == "http" && cfg.Log.BaseURL != "" {
		return httplog.New(&httplog.Config{BaseURL: cfg.Log.BaseURL, APIKey: cfg.Log.Token})
	}
	return state.NewLogStore(cfg.DataDir)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Stores
	log := eventLog(cfg)
	sessions := state.NewSessionStore(cfg.DataDir)
	ws := workspace.NewStore(filepath.Join(cfg.DataDir, "workspace.json"))

	// LLM provider
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		MaxRounds:   cfg.LLM.MaxRounds,
	})

	// Context budget
	budgeter, err := transcript.NewBudgeter(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return fmt.Errorf("create budgeter: %w", err)
	}

	// Tool registry
	registry := tools.NewRegistry()
	local.RegisterDashboard(registry, ws)
	local.RegisterEditor(registry)

	// Editor bridge
	br := bridge.New(log, bridge.WithTimeout(cfg.BridgeTimeoutDuration()))

	// Approval preferences
	prefs := &approval.Preferences{
		AutoApproveAll: cfg.Approval.AutoApproveAll,
		AllowTools:     cfg.Approval.AllowTools,
		DenyTools:      cfg.Approval.DenyTools,
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	coord := coordinator.New(coordinator.Config{
		Log:             log,
		Sessions:        sessions,
		Provider:        provider,
		Registry:        registry,
		Bridge:          br,
		Budgeter:        budgeter,
		Metrics:         m,
		Prefs:           prefs,
		StaleAfter:      cfg.StaleAfterDuration(),
		ApprovalTimeout: cfg.ApprovalTimeoutDuration(),
		MaxConcurrent:   cfg.MaxConcurrent,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stale run sweeper
	sweeper := coordinator.NewSweeper(coord, cfg.SweepSchedule)
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sweeper.Stop()

	// HTTP server
	api := httpapi.NewServer(coord, sessions, log, prometheus.DefaultGatherer)
	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: api,
	}
	go func() {
		slog.Info("http server started", "listen", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	slog.Info("cadpilot started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"log_backend", cfg.Log.Backend,
		"max_concurrent", cfg.MaxConcurrent,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		break
	}

	slog.Info("shutting down")
	return nil
}
