// internal/coordinator/coordinator_test.go
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/user/cadpilot/internal/bridge"
	"github.com/user/cadpilot/internal/eventlog"
	"github.com/user/cadpilot/internal/metrics"
	"github.com/user/cadpilot/internal/state"
	"github.com/user/cadpilot/internal/tools"
	"github.com/user/cadpilot/internal/types"
	"github.com/user/cadpilot/pkg/llm"
	"github.com/user/cadpilot/pkg/llm/llmtest"
)

type fixture struct {
	coordinator *Coordinator
	log         *state.LogStore
	sessions    *state.SessionStore
	sessionID   types.SessionID
}

func newFixture(t *testing.T, provider llm.Provider) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := state.NewLogStore(dir)
	sessions := state.NewSessionStore(dir)

	session, err := sessions.Create(context.Background(), types.ContextDashboard)
	if err != nil {
		t.Fatal(err)
	}

	registry := tools.NewRegistry()
	registry.Register(types.ContextDashboard, &tools.Definition{
		Name:        "create_project",
		Description: "Create a project",
		Parameters:  json.RawMessage(`{"type":"object"}`),
		Exec: func(ctx context.Context, args json.RawMessage) (string, error) {
			return `{"project_id":"p1"}`, nil
		},
	})

	c := New(Config{
		Log:      log,
		Sessions: sessions,
		Provider: provider,
		Registry: registry,
		Bridge:   bridge.New(log, bridge.WithTimeout(time.Second)),
		Metrics:  metrics.New(prometheus.NewRegistry()),
	})

	return &fixture{
		coordinator: c,
		log:         log,
		sessions:    sessions,
		sessionID:   session.SessionID,
	}
}

// newEditorFixture builds a coordinator over an editor session with a single
// remote tool, so tests can play the editor side of the bridge exchange.
func newEditorFixture(t *testing.T, provider llm.Provider, timeout time.Duration) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := state.NewLogStore(dir)
	sessions := state.NewSessionStore(dir)

	session, err := sessions.Create(context.Background(), types.ContextEditor)
	if err != nil {
		t.Fatal(err)
	}

	registry := tools.NewRegistry()
	registry.Register(types.ContextEditor, &tools.Definition{
		Name:        "extrude",
		Description: "Extrude a sketch profile",
		Parameters:  json.RawMessage(`{"type":"object"}`),
		Remote:      true,
	})

	c := New(Config{
		Log:      log,
		Sessions: sessions,
		Provider: provider,
		Registry: registry,
		Bridge:   bridge.New(log, bridge.WithTimeout(timeout)),
		Metrics:  metrics.New(prometheus.NewRegistry()),
	})

	return &fixture{
		coordinator: c,
		log:         log,
		sessions:    sessions,
		sessionID:   session.SessionID,
	}
}

// answerToolCall plays the editor: it watches the stream for a tool_call with
// the given name and appends the tool_result the client would publish.
func (f *fixture) answerToolCall(ctx context.Context, tool, payload string) {
	view := eventlog.NewView(f.log, f.sessionID)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := view.Refresh(ctx); err != nil {
			return
		}
		for _, m := range view.Collections().Messages {
			if m.Role != types.RoleToolCall || m.ToolName != tool {
				continue
			}
			now := time.Now().UTC()
			res := &types.Message{
				ID:              types.NewMessageID(),
				RunID:           m.RunID,
				Role:            types.RoleToolResult,
				Status:          types.MessageComplete,
				ToolCallID:      m.ToolCallID,
				ToolResult:      json.RawMessage(payload),
				ParentMessageID: m.ParentMessageID,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			view.Append(ctx, eventlog.NewMessageInsert(res))
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (f *fixture) collections(t *testing.T) *eventlog.Collections {
	t.Helper()
	view := eventlog.NewView(f.log, f.sessionID)
	if err := view.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	return view.Collections()
}

func TestStartRunHappyPath(t *testing.T) {
	provider := llmtest.NewProvider([]llmtest.Step{
		{Content: "Hello "},
		{Content: "world."},
	})
	f := newFixture(t, provider)

	result, err := f.coordinator.StartRun(context.Background(), f.sessionID, "say hello")
	if err != nil {
		t.Fatal(err)
	}

	cols := f.collections(t)

	run, ok := cols.Run(result.RunID)
	if !ok {
		t.Fatal("expected run in log")
	}
	if run.Status != types.RunComplete {
		t.Errorf("expected complete run, got %s", run.Status)
	}
	if run.EndedAt == nil {
		t.Error("expected EndedAt on a terminal run")
	}

	user, _ := cols.Message(result.UserMessageID)
	if user == nil || user.Content != "say hello" || user.Status != types.MessageComplete {
		t.Errorf("unexpected user message: %+v", user)
	}

	asst, _ := cols.Message(result.AssistantMessageID)
	if asst == nil || asst.Status != types.MessageComplete {
		t.Fatalf("unexpected assistant message: %+v", asst)
	}
	if asst.Content != "Hello world." {
		t.Errorf("expected assembled content, got %q", asst.Content)
	}

	if len(cols.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(cols.Chunks))
	}
	for i, ch := range cols.Chunks {
		if ch.Seq != i {
			t.Errorf("chunk %d: expected dense seq %d, got %d", i, i, ch.Seq)
		}
		if ch.MessageID != result.AssistantMessageID {
			t.Errorf("chunk %d: wrong message id", i)
		}
	}
}

func TestStartRunUpdatesSessionBookkeeping(t *testing.T) {
	provider := llmtest.NewProvider([]llmtest.Step{{Content: "Done."}})
	f := newFixture(t, provider)

	result, err := f.coordinator.StartRun(context.Background(), f.sessionID, "Set up a workspace for the new enclosure designs please")
	if err != nil {
		t.Fatal(err)
	}

	session, err := f.sessions.Get(context.Background(), f.sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if session.MessageCount != 2 {
		t.Errorf("expected message count 2, got %d", session.MessageCount)
	}
	if session.LastRunID != result.RunID {
		t.Errorf("expected last run %s, got %s", result.RunID, session.LastRunID)
	}
	if session.Title == "" {
		t.Error("expected title derived from first user message")
	}
	if !strings.HasPrefix(session.Title, "Set up a workspace") {
		t.Errorf("unexpected title: %q", session.Title)
	}
}

func TestStartRunRejectsEmptyText(t *testing.T) {
	f := newFixture(t, llmtest.NewProvider())

	_, err := f.coordinator.StartRun(context.Background(), f.sessionID, "   \n ")
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	if n := len(f.collections(t).Runs); n != 0 {
		t.Errorf("validation failure must not touch the log, found %d runs", n)
	}
}

func TestStartRunConflict(t *testing.T) {
	f := newFixture(t, llmtest.NewProvider())
	ctx := context.Background()

	// A recent run is still in flight.
	active := &types.Run{
		ID:                 types.NewRunID(),
		Status:             types.RunRunning,
		UserMessageID:      types.NewMessageID(),
		AssistantMessageID: types.NewMessageID(),
		StartedAt:          time.Now().UTC(),
	}
	if err := f.log.Append(ctx, f.sessionID, eventlog.NewRunInsert(active)); err != nil {
		t.Fatal(err)
	}
	before, _ := f.log.Read(ctx, f.sessionID, 0)

	_, err := f.coordinator.StartRun(ctx, f.sessionID, "another turn")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.ActiveRunID != active.ID {
		t.Errorf("expected active run %s, got %s", active.ID, conflict.ActiveRunID)
	}

	after, _ := f.log.Read(ctx, f.sessionID, 0)
	if len(after) != len(before) {
		t.Errorf("conflict must not append events: %d before, %d after", len(before), len(after))
	}
}

func TestStartRunRecoversStaleRun(t *testing.T) {
	provider := llmtest.NewProvider([]llmtest.Step{{Content: "Fresh start."}})
	f := newFixture(t, provider)
	ctx := context.Background()

	// An abandoned run from ten minutes ago, its assistant message still
	// streaming.
	asstID := types.NewMessageID()
	stale := &types.Run{
		ID:                 types.NewRunID(),
		Status:             types.RunRunning,
		UserMessageID:      types.NewMessageID(),
		AssistantMessageID: asstID,
		StartedAt:          time.Now().UTC().Add(-10 * time.Minute),
	}
	staleAsst := &types.Message{
		ID:        asstID,
		RunID:     stale.ID,
		Role:      types.RoleAssistant,
		Status:    types.MessageStreaming,
		CreatedAt: stale.StartedAt,
		UpdatedAt: stale.StartedAt,
	}
	if err := f.log.Append(ctx, f.sessionID, eventlog.NewRunInsert(stale)); err != nil {
		t.Fatal(err)
	}
	if err := f.log.Append(ctx, f.sessionID, eventlog.NewMessageInsert(staleAsst)); err != nil {
		t.Fatal(err)
	}

	result, err := f.coordinator.StartRun(ctx, f.sessionID, "try again")
	if err != nil {
		t.Fatal(err)
	}

	cols := f.collections(t)
	recovered, _ := cols.Run(stale.ID)
	if recovered.Status != types.RunError {
		t.Errorf("expected stale run marked error, got %s", recovered.Status)
	}
	if recovered.Error == "" {
		t.Error("expected an error description on the recovered run")
	}
	orphan, _ := cols.Message(asstID)
	if orphan.Status != types.MessageError {
		t.Errorf("expected orphaned assistant message marked error, got %s", orphan.Status)
	}

	fresh, _ := cols.Run(result.RunID)
	if fresh.Status != types.RunComplete {
		t.Errorf("expected new run to complete, got %s", fresh.Status)
	}
}

func TestStartRunToolCallFlow(t *testing.T) {
	provider := llmtest.NewProvider([]llmtest.Step{
		{Content: "Creating the project now."},
		{CallTool: "create_project", Args: json.RawMessage(`{"name":"Brackets"}`)},
		{Content: "The project is ready."},
	})
	f := newFixture(t, provider)

	result, err := f.coordinator.StartRun(context.Background(), f.sessionID, "make a project")
	if err != nil {
		t.Fatal(err)
	}

	cols := f.collections(t)

	var call, res *types.Message
	for _, m := range cols.Messages {
		switch m.Role {
		case types.RoleToolCall:
			call = m
		case types.RoleToolResult:
			res = m
		}
	}
	if call == nil {
		t.Fatal("expected a tool_call message")
	}
	if call.ToolName != "create_project" || call.Status != types.MessageComplete {
		t.Errorf("unexpected tool call: %+v", call)
	}
	if call.RequiresApproval {
		t.Error("auto-level tool must not require approval")
	}
	if call.ParentMessageID != result.AssistantMessageID {
		t.Error("tool call must link to the assistant message")
	}

	if res == nil {
		t.Fatal("expected a tool_result message")
	}
	if res.ToolCallID != call.ToolCallID {
		t.Error("tool result must pair with the call id")
	}
	if string(res.ToolResult) != `{"project_id":"p1"}` {
		t.Errorf("unexpected tool result: %s", res.ToolResult)
	}

	// Text resuming after a completed sentence and a tool round-trip gets a
	// paragraph break.
	asst, _ := cols.Message(result.AssistantMessageID)
	if asst.Content != "Creating the project now.\n\nThe project is ready." {
		t.Errorf("unexpected assistant content: %q", asst.Content)
	}
}

func TestStartRunRemoteToolKeepsSingleResult(t *testing.T) {
	provider := llmtest.NewProvider([]llmtest.Step{
		{CallTool: "extrude", Args: json.RawMessage(`{"distance":5}`)},
		{Content: "Extruded the profile."},
	})
	f := newEditorFixture(t, provider, 5*time.Second)
	ctx := context.Background()

	// The editor writes the tool_result into the stream itself; the
	// coordinator must not add a second one when the provider reports the
	// round-trip back.
	go f.answerToolCall(ctx, "extrude", `{"feature_id":"f9"}`)

	result, err := f.coordinator.StartRun(ctx, f.sessionID, "extrude the sketch")
	if err != nil {
		t.Fatal(err)
	}

	cols := f.collections(t)

	var call *types.Message
	var results []*types.Message
	for _, m := range cols.Messages {
		switch m.Role {
		case types.RoleToolCall:
			call = m
		case types.RoleToolResult:
			results = append(results, m)
		}
	}
	if call == nil {
		t.Fatal("expected a tool_call message")
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly one tool_result for the call, got %d", len(results))
	}
	if results[0].ToolCallID != call.ToolCallID {
		t.Error("tool result must pair with the call id")
	}
	if string(results[0].ToolResult) != `{"feature_id":"f9"}` {
		t.Errorf("expected the editor's payload to stand: %s", results[0].ToolResult)
	}
	if call.Status != types.MessageComplete {
		t.Errorf("expected tool call to reach complete, got %s", call.Status)
	}

	asst, _ := cols.Message(result.AssistantMessageID)
	if asst.Content != "Extruded the profile." {
		t.Errorf("unexpected assistant content: %q", asst.Content)
	}
}

func TestStartRunRemoteToolTimeoutErrorsCall(t *testing.T) {
	provider := llmtest.NewProvider([]llmtest.Step{
		{CallTool: "extrude"},
	})
	// Nobody answers on the editor side; the bridge gives up quickly.
	f := newEditorFixture(t, provider, 200*time.Millisecond)

	_, err := f.coordinator.StartRun(context.Background(), f.sessionID, "extrude the sketch")
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if !errors.Is(err, llm.ErrAbort) {
		t.Fatalf("expected an aborted turn, got %v", err)
	}

	cols := f.collections(t)
	var call *types.Message
	for _, m := range cols.Messages {
		if m.Role == types.RoleToolCall {
			call = m
		}
	}
	if call == nil {
		t.Fatal("expected a tool_call message")
	}
	if call.Status != types.MessageError {
		t.Errorf("expected abandoned tool call marked error, got %s", call.Status)
	}
	if len(cols.Runs) != 1 || cols.Runs[0].Status != types.RunError {
		t.Error("expected the run to finish in error")
	}
}

func TestStartRunNoSeparatorMidSentence(t *testing.T) {
	provider := llmtest.NewProvider([]llmtest.Step{
		{Content: "The project is called "},
		{CallTool: "create_project"},
		{Content: "Brackets, as requested."},
	})
	f := newFixture(t, provider)

	result, err := f.coordinator.StartRun(context.Background(), f.sessionID, "make a project")
	if err != nil {
		t.Fatal(err)
	}

	asst, _ := f.collections(t).Message(result.AssistantMessageID)
	if asst.Content != "The project is called Brackets, as requested." {
		t.Errorf("mid-sentence resume must not get a break: %q", asst.Content)
	}
}

func TestStartRunProviderErrorFinalizes(t *testing.T) {
	provider := llmtest.NewProvider([]llmtest.Step{
		{Content: "Starting"},
		{Err: errors.New("upstream exploded")},
	})
	f := newFixture(t, provider)

	_, err := f.coordinator.StartRun(context.Background(), f.sessionID, "do something")
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}

	cols := f.collections(t)
	if len(cols.Runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(cols.Runs))
	}
	run := cols.Runs[0]
	if run.Status != types.RunError {
		t.Errorf("expected run marked error, got %s", run.Status)
	}
	if !strings.Contains(run.Error, "upstream exploded") {
		t.Errorf("expected cause recorded on run, got %q", run.Error)
	}
	asst, _ := cols.Message(run.AssistantMessageID)
	if asst.Status != types.MessageError {
		t.Errorf("expected assistant message marked error, got %s", asst.Status)
	}
}

func TestStartRunHonorsCallerRunID(t *testing.T) {
	provider := llmtest.NewProvider([]llmtest.Step{{Content: "ok"}})
	f := newFixture(t, provider)

	want := types.RunID("run-fixed")
	result, err := f.coordinator.StartRun(context.Background(), f.sessionID, "hello", WithRunID(want))
	if err != nil {
		t.Fatal(err)
	}
	if result.RunID != want {
		t.Errorf("expected run id %s, got %s", want, result.RunID)
	}
}

func TestSweepSessionRecoversWithoutNewTurn(t *testing.T) {
	f := newFixture(t, llmtest.NewProvider())
	ctx := context.Background()

	stale := &types.Run{
		ID:                 types.NewRunID(),
		Status:             types.RunRunning,
		UserMessageID:      types.NewMessageID(),
		AssistantMessageID: types.NewMessageID(),
		StartedAt:          time.Now().UTC().Add(-10 * time.Minute),
	}
	if err := f.log.Append(ctx, f.sessionID, eventlog.NewRunInsert(stale)); err != nil {
		t.Fatal(err)
	}

	n, err := f.coordinator.SweepSession(ctx, f.sessionID, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered run, got %d", n)
	}

	run, _ := f.collections(t).Run(stale.ID)
	if run.Status != types.RunError {
		t.Errorf("expected error status, got %s", run.Status)
	}

	// A second sweep finds nothing.
	n, err = f.coordinator.SweepSession(ctx, f.sessionID, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected idempotent sweep, recovered %d", n)
	}
}
