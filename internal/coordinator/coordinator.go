// internal/coordinator/coordinator.go
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/user/cadpilot/internal/approval"
	"github.com/user/cadpilot/internal/bridge"
	"github.com/user/cadpilot/internal/eventlog"
	"github.com/user/cadpilot/internal/metrics"
	"github.com/user/cadpilot/internal/tools"
	"github.com/user/cadpilot/internal/transcript"
	"github.com/user/cadpilot/internal/types"
	"github.com/user/cadpilot/pkg/llm"
)

const (
	// DefaultStaleAfter is how long a running run may go without reaching a
	// terminal status before a new turn reclaims it as abandoned.
	DefaultStaleAfter = 5 * time.Minute

	// DefaultMaxConcurrent bounds runs in flight across all sessions.
	DefaultMaxConcurrent = 8

	maxTitleRunes = 80
)

// Config wires a Coordinator. Log, Sessions, Provider and Registry are
// required; everything else has a usable default.
type Config struct {
	Log      eventlog.Log
	Sessions types.SessionStore
	Provider llm.Provider
	Registry *tools.Registry
	Bridge   *bridge.Bridge
	Budgeter *transcript.Budgeter
	Metrics  *metrics.Metrics
	Prefs    *approval.Preferences

	StaleAfter      time.Duration
	ApprovalTimeout time.Duration
	MaxConcurrent   int
}

// Coordinator owns the run lifecycle for every session: it validates turns,
// recovers abandoned runs, hydrates the transcript, drives the model stream,
// and appends every state transition to the session's event log.
type Coordinator struct {
	log      eventlog.Log
	sessions types.SessionStore
	provider llm.Provider
	registry *tools.Registry
	bridge   *bridge.Bridge
	budgeter *transcript.Budgeter
	metrics  *metrics.Metrics
	prefs    *approval.Preferences

	staleAfter      time.Duration
	approvalTimeout time.Duration
	sem             *semaphore.Weighted
}

// New creates a Coordinator from cfg.
func New(cfg Config) *Coordinator {
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	approvalTimeout := cfg.ApprovalTimeout
	if approvalTimeout <= 0 {
		approvalTimeout = tools.DefaultApprovalTimeout
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	prefs := cfg.Prefs
	if prefs == nil {
		prefs = &approval.Preferences{}
	}
	return &Coordinator{
		log:             cfg.Log,
		sessions:        cfg.Sessions,
		provider:        cfg.Provider,
		registry:        cfg.Registry,
		bridge:          cfg.Bridge,
		budgeter:        cfg.Budgeter,
		metrics:         cfg.Metrics,
		prefs:           prefs,
		staleAfter:      staleAfter,
		approvalTimeout: approvalTimeout,
		sem:             semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// StartOption customizes a single StartRun call.
type StartOption func(*startOptions)

type startOptions struct {
	runID types.RunID
}

// WithRunID fixes the run's identifier instead of generating one. Callers
// that need to reference the run before StartRun returns (the editor bridge
// does) pass their own ID.
func WithRunID(id types.RunID) StartOption {
	return func(o *startOptions) { o.runID = id }
}

// StartResult reports the identifiers a finished run produced.
type StartResult struct {
	RunID              types.RunID
	UserMessageID      types.MessageID
	AssistantMessageID types.MessageID
}

// StartRun executes one full turn for the session and blocks until the run
// reaches a terminal status. On conflict or validation failure nothing is
// written to the log.
func (c *Coordinator) StartRun(ctx context.Context, sessionID types.SessionID, text string, opts ...StartOption) (*StartResult, error) {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &ValidationError{Reason: "message text is empty"}
	}

	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire run slot: %w", err)
	}
	defer c.sem.Release(1)

	if err := c.log.Create(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}

	view := eventlog.NewView(c.log, sessionID)
	if err := view.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("failed to read event stream: %w", err)
	}

	now := time.Now().UTC()
	if _, err := c.recoverStale(ctx, view, now); err != nil {
		return nil, fmt.Errorf("failed to recover stale runs: %w", err)
	}

	if active, ok := activeRun(view.Collections()); ok {
		if c.metrics != nil {
			c.metrics.RunConflicts.Inc()
		}
		return nil, &ConflictError{ActiveRunID: active.ID}
	}

	cols := view.Collections()
	history := transcript.ToModelMessages(transcript.Hydrate(cols.Messages, cols.Chunks))

	runID := o.runID
	if runID == "" {
		runID = types.NewRunID()
	}
	userMsgID := types.NewMessageID()
	asstMsgID := types.NewMessageID()

	run := &types.Run{
		ID:                 runID,
		Status:             types.RunRunning,
		UserMessageID:      userMsgID,
		AssistantMessageID: asstMsgID,
		StartedAt:          now,
	}
	userMsg := &types.Message{
		ID:        userMsgID,
		RunID:     runID,
		Role:      types.RoleUser,
		Status:    types.MessageComplete,
		Content:   text,
		CreatedAt: now,
		UpdatedAt: now,
	}
	asstMsg := &types.Message{
		ID:        asstMsgID,
		RunID:     runID,
		Role:      types.RoleAssistant,
		Status:    types.MessageStreaming,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := view.Append(ctx, eventlog.NewRunInsert(run)); err != nil {
		return nil, fmt.Errorf("failed to append run: %w", err)
	}
	if err := view.Append(ctx, eventlog.NewMessageInsert(userMsg)); err != nil {
		return nil, c.fail(ctx, view, session, runID, err)
	}
	if err := view.Append(ctx, eventlog.NewMessageInsert(asstMsg)); err != nil {
		return nil, c.fail(ctx, view, session, runID, err)
	}
	if c.metrics != nil {
		c.metrics.RunsStarted.WithLabelValues(string(session.Context)).Inc()
	}

	messages := append(history, llm.Message{Role: "user", Content: text})
	if c.budgeter != nil {
		messages = c.budgeter.Trim(messages)
	}

	catalog := c.registry.Catalog(tools.CatalogParams{
		Context:         session.Context,
		Stream:          sessionID,
		RunID:           runID,
		Log:             c.log,
		Bridge:          c.bridge,
		Prefs:           c.prefs,
		ApprovalTimeout: c.approvalTimeout,
	})

	stream, err := c.provider.Stream(ctx, c.systemPrompt(session), messages, catalog)
	if err != nil {
		return nil, c.fail(ctx, view, session, runID, fmt.Errorf("failed to start model stream: %w", err))
	}

	content, err := c.consume(ctx, view, session, run, asstMsgID, stream)
	if err != nil {
		return nil, c.fail(ctx, view, session, runID, err)
	}

	if err := c.finish(ctx, view, runID, asstMsgID, content); err != nil {
		return nil, c.fail(ctx, view, session, runID, err)
	}

	c.updateSession(ctx, session, runID, text)

	if c.metrics != nil {
		c.metrics.RunsFinished.WithLabelValues(string(session.Context), string(types.RunComplete)).Inc()
		c.metrics.RunDuration.WithLabelValues(string(session.Context)).Observe(time.Since(now).Seconds())
	}
	slog.Info("run complete", "session", sessionID, "run", runID, "duration", time.Since(now).Round(time.Millisecond))

	return &StartResult{RunID: runID, UserMessageID: userMsgID, AssistantMessageID: asstMsgID}, nil
}

// consume drains the provider stream, appending chunks and tool messages as
// they arrive. It returns the assembled assistant text.
func (c *Coordinator) consume(ctx context.Context, view *eventlog.View, session *types.SessionIndex, run *types.Run, asstMsgID types.MessageID, stream <-chan llm.StreamEvent) (string, error) {
	var (
		content     strings.Builder
		seq         int
		afterTool   bool
		seenResults = make(map[string]bool)
	)

	appendChunk := func(delta string) error {
		now := time.Now().UTC()
		chunk := &types.Chunk{
			ID:        types.ChunkID(asstMsgID, seq),
			MessageID: asstMsgID,
			Seq:       seq,
			Delta:     delta,
			CreatedAt: now,
		}
		if err := view.Append(ctx, eventlog.NewChunkInsert(chunk)); err != nil {
			return fmt.Errorf("failed to append chunk: %w", err)
		}
		seq++
		content.WriteString(delta)
		if c.metrics != nil {
			c.metrics.ChunksAppended.Inc()
		}
		return nil
	}

	for ev := range stream {
		switch ev.Kind {
		case llm.EventContent:
			if ev.Delta == "" {
				continue
			}
			if afterTool && needsSeparator(content.String(), ev.Delta) {
				if err := appendChunk("\n\n"); err != nil {
					return "", err
				}
			}
			afterTool = false
			if err := appendChunk(ev.Delta); err != nil {
				return "", err
			}

		case llm.EventToolCall:
			if err := c.appendToolCall(ctx, view, session, run, asstMsgID, ev); err != nil {
				return "", err
			}
			afterTool = true

		case llm.EventToolResult:
			if seenResults[ev.ToolCallID] {
				continue
			}
			seenResults[ev.ToolCallID] = true
			// Remote tools get their result written into the stream by the
			// editor before the provider reports it here. Refresh and append
			// only when the log has no result for this call yet, so every
			// tool_call_id pairs with exactly one tool_result.
			if err := view.Refresh(ctx); err != nil {
				return "", fmt.Errorf("failed to refresh event stream: %w", err)
			}
			if !hasToolResult(view.Collections(), ev.ToolCallID) {
				if err := c.appendToolResult(ctx, view, run, asstMsgID, ev); err != nil {
					return "", err
				}
			}
			if err := c.completeToolCall(ctx, view, ev.ToolCallID); err != nil {
				return "", err
			}
			afterTool = true

		case llm.EventDone:
			if ev.Err != nil {
				return "", fmt.Errorf("model stream failed: %w", ev.Err)
			}
			return content.String(), nil
		}
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("run canceled: %w", err)
	}
	return "", fmt.Errorf("model stream ended without a done event")
}

func (c *Coordinator) appendToolCall(ctx context.Context, view *eventlog.View, session *types.SessionIndex, run *types.Run, asstMsgID types.MessageID, ev llm.StreamEvent) error {
	remote := false
	if def, ok := c.registry.Lookup(session.Context, ev.ToolName); ok {
		remote = def.Remote
	}
	level := approval.ForTool(ev.ToolName, session.Context, c.prefs)

	status := types.MessageRunning
	requiresApproval := false
	if !remote && level == approval.Confirm {
		status = types.MessagePending
		requiresApproval = true
	}

	now := time.Now().UTC()
	msg := &types.Message{
		ID:               types.NewMessageID(),
		RunID:            run.ID,
		Role:             types.RoleToolCall,
		Status:           status,
		ToolName:         ev.ToolName,
		ToolArgs:         ev.ToolArgs,
		ToolCallID:       ev.ToolCallID,
		RequiresApproval: requiresApproval,
		ParentMessageID:  asstMsgID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := view.Append(ctx, eventlog.NewMessageInsert(msg)); err != nil {
		return fmt.Errorf("failed to append tool call: %w", err)
	}
	if c.metrics != nil {
		mode := "local"
		if remote {
			mode = "remote"
		}
		c.metrics.ToolCalls.WithLabelValues(ev.ToolName, mode).Inc()
	}
	return nil
}

func (c *Coordinator) appendToolResult(ctx context.Context, view *eventlog.View, run *types.Run, asstMsgID types.MessageID, ev llm.StreamEvent) error {
	now := time.Now().UTC()
	msg := &types.Message{
		ID:              types.NewMessageID(),
		RunID:           run.ID,
		Role:            types.RoleToolResult,
		Status:          types.MessageComplete,
		ToolCallID:      ev.ToolCallID,
		ToolResult:      rawJSON(ev.Result),
		ParentMessageID: asstMsgID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := view.Append(ctx, eventlog.NewMessageInsert(msg)); err != nil {
		return fmt.Errorf("failed to append tool result: %w", err)
	}
	return nil
}

// completeToolCall transitions the tool_call message paired with toolCallID
// to complete once its result is in the log. Losing the compare-and-swap to
// a concurrent writer leaves the winner's value in place.
func (c *Coordinator) completeToolCall(ctx context.Context, view *eventlog.View, toolCallID string) error {
	for _, msg := range view.Collections().Messages {
		if msg.Role != types.RoleToolCall || msg.ToolCallID != toolCallID || terminal(msg.Status) {
			continue
		}
		updated := *msg
		updated.Status = types.MessageComplete
		updated.UpdatedAt = time.Now().UTC()
		if err := view.Append(ctx, eventlog.NewMessageUpdate(&updated, msg)); err != nil {
			if errors.Is(err, eventlog.ErrStaleUpdate) {
				slog.Warn("tool call completion lost to a concurrent update",
					"tool_call_id", toolCallID, "message", msg.ID, "error", err)
				continue
			}
			return fmt.Errorf("failed to complete tool call: %w", err)
		}
	}
	return nil
}

func hasToolResult(cols *eventlog.Collections, toolCallID string) bool {
	for _, msg := range cols.Messages {
		if msg.Role == types.RoleToolResult && msg.ToolCallID == toolCallID {
			return true
		}
	}
	return false
}

// finish transitions the assistant message and the run to complete, using
// compare-and-swap updates so a concurrent writer is detected instead of
// overwritten.
func (c *Coordinator) finish(ctx context.Context, view *eventlog.View, runID types.RunID, asstMsgID types.MessageID, content string) error {
	now := time.Now().UTC()
	cols := view.Collections()

	old, ok := cols.Message(asstMsgID)
	if !ok {
		return fmt.Errorf("assistant message %s missing at finish", asstMsgID)
	}
	updated := *old
	updated.Status = types.MessageComplete
	updated.Content = content
	updated.UpdatedAt = now
	if err := view.Append(ctx, eventlog.NewMessageUpdate(&updated, old)); err != nil {
		return fmt.Errorf("failed to complete assistant message: %w", err)
	}

	oldRun, ok := cols.Run(runID)
	if !ok {
		return fmt.Errorf("run %s missing at finish", runID)
	}
	ended := now
	updatedRun := *oldRun
	updatedRun.Status = types.RunComplete
	updatedRun.EndedAt = &ended
	if err := view.Append(ctx, eventlog.NewRunUpdate(&updatedRun, oldRun)); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// fail marks the run and its streaming assistant message as errored, best
// effort, and returns err wrapped for the caller. Finalization failures are
// logged rather than allowed to mask the original error.
func (c *Coordinator) fail(ctx context.Context, view *eventlog.View, session *types.SessionIndex, runID types.RunID, err error) error {
	now := time.Now().UTC()
	if rerr := view.Refresh(ctx); rerr != nil {
		slog.Warn("failed to refresh view while failing run", "run", runID, "error", rerr)
	}
	cols := view.Collections()

	if run, ok := cols.Run(runID); ok && run.Status == types.RunRunning {
		for _, msg := range cols.Messages {
			if msg.RunID != runID || terminal(msg.Status) {
				continue
			}
			if msg.Role != types.RoleAssistant && msg.Role != types.RoleToolCall {
				continue
			}
			updated := *msg
			updated.Status = types.MessageError
			updated.UpdatedAt = now
			if aerr := view.Append(ctx, eventlog.NewMessageUpdate(&updated, msg)); aerr != nil {
				slog.Warn("failed to mark message errored", "run", runID, "message", msg.ID, "error", aerr)
			}
		}

		ended := now
		updatedRun := *run
		updatedRun.Status = types.RunError
		updatedRun.EndedAt = &ended
		updatedRun.Error = err.Error()
		if aerr := view.Append(ctx, eventlog.NewRunUpdate(&updatedRun, run)); aerr != nil {
			slog.Warn("failed to mark run errored", "run", runID, "error", aerr)
		}
	}

	if c.metrics != nil {
		c.metrics.RunsFinished.WithLabelValues(string(session.Context), string(types.RunError)).Inc()
	}
	slog.Error("run failed", "run", runID, "error", err)
	return &UpstreamError{Err: err}
}

// recoverStale transitions running runs that have shown no activity within
// the stale threshold to error, along with their streaming assistant
// messages. It returns how many runs it reclaimed.
func (c *Coordinator) recoverStale(ctx context.Context, view *eventlog.View, now time.Time) (int, error) {
	cols := view.Collections()

	var stale []types.Run
	for _, run := range cols.Runs {
		if run.Status == types.RunRunning && now.Sub(run.StartedAt) > c.staleAfter {
			stale = append(stale, *run)
		}
	}

	recovered := 0
	for i := range stale {
		old := stale[i]
		for _, msg := range view.Collections().Messages {
			if msg.RunID != old.ID || terminal(msg.Status) {
				continue
			}
			if msg.Role != types.RoleAssistant && msg.Role != types.RoleToolCall {
				continue
			}
			updated := *msg
			updated.Status = types.MessageError
			updated.UpdatedAt = now
			if err := view.Append(ctx, eventlog.NewMessageUpdate(&updated, msg)); err != nil {
				if errors.Is(err, eventlog.ErrStaleUpdate) {
					continue
				}
				return recovered, fmt.Errorf("failed to recover message %s: %w", msg.ID, err)
			}
		}

		ended := now
		updated := old
		updated.Status = types.RunError
		updated.EndedAt = &ended
		updated.Error = fmt.Sprintf("run abandoned: no terminal status within %s", c.staleAfter)
		if err := view.Append(ctx, eventlog.NewRunUpdate(&updated, &old)); err != nil {
			if errors.Is(err, eventlog.ErrStaleUpdate) {
				continue
			}
			return recovered, fmt.Errorf("failed to recover run %s: %w", old.ID, err)
		}
		recovered++
		slog.Info("recovered stale run", "stream", view.Stream(), "run", old.ID, "started_at", old.StartedAt)
		if c.metrics != nil {
			c.metrics.StaleRunsRecovered.Inc()
		}
	}
	return recovered, nil
}

// updateSession refreshes the session's bookkeeping after a completed run.
// Failures here do not fail the run.
func (c *Coordinator) updateSession(ctx context.Context, session *types.SessionIndex, runID types.RunID, userText string) {
	if session.Title == "" {
		session.Title = deriveTitle(userText)
	}
	session.MessageCount += 2
	session.LastRunID = runID
	if err := c.sessions.Update(ctx, session); err != nil {
		slog.Warn("failed to update session bookkeeping", "session", session.SessionID, "error", err)
	}
}

func (c *Coordinator) systemPrompt(session *types.SessionIndex) string {
	var b strings.Builder
	b.WriteString("You are CadPilot, an assistant embedded in a collaborative CAD application.\n\n")
	switch session.Context {
	case types.ContextEditor:
		b.WriteString("The user has a part open in the editor. Use the modeling tools to inspect and modify the active design. Tool calls execute inside the user's editor; report results in terms of the features you created or changed.\n")
	default:
		b.WriteString("The user is on the dashboard. Use the workspace tools to organize projects, folders, documents, and branches. Destructive operations require the user's confirmation; proceed only after the tool result confirms the action.\n")
	}
	names := c.registry.Names(session.Context)
	if len(names) > 0 {
		b.WriteString("\nAvailable tools: ")
		b.WriteString(strings.Join(names, ", "))
		b.WriteString("\n")
	}
	return b.String()
}

func activeRun(cols *eventlog.Collections) (*types.Run, bool) {
	for _, run := range cols.Runs {
		if run.Status == types.RunRunning {
			return run, true
		}
	}
	return nil, false
}

func terminal(s types.MessageStatus) bool {
	return s == types.MessageComplete || s == types.MessageError
}

// needsSeparator reports whether streamed text resuming after a tool
// round-trip should be preceded by a paragraph break: the text so far ends a
// sentence and the new delta opens a capitalized one.
func needsSeparator(sofar, next string) bool {
	tail := strings.TrimRight(sofar, " \t\n")
	if tail == "" {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(tail)
	if last != '.' && last != '!' && last != '?' {
		return false
	}
	first, _ := utf8.DecodeRuneInString(strings.TrimLeft(next, " "))
	return unicode.IsUpper(first)
}

// rawJSON stores a tool result verbatim when it is already JSON, or wraps it
// as a JSON string otherwise.
func rawJSON(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	encoded, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return encoded
}

func deriveTitle(text string) string {
	if i := strings.IndexAny(text, "\r\n"); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes-1]) + "…"
	}
	return text
}
