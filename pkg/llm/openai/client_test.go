package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/user/cadpilot/pkg/llm"
)

// sse writes one SSE data line per payload followed by [DONE].
func sse(w http.ResponseWriter, payloads ...string) {
	for _, p := range payloads {
		fmt.Fprintf(w, "data: %s\n\n", p)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func collect(t *testing.T, ch <-chan llm.StreamEvent) []llm.StreamEvent {
	t.Helper()
	var events []llm.StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestStreamContentOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`{"choices":[{"delta":{"content":"Hello "}}]}`,
			`{"choices":[{"delta":{"content":"world."}}]}`,
		)
	}))
	defer srv.Close()

	client := New(&llm.Config{BaseURL: srv.URL, Model: "test"})
	ch, err := client.Stream(context.Background(), "system", []llm.Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	events := collect(t, ch)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Delta != "Hello " || events[1].Delta != "world." {
		t.Errorf("unexpected deltas: %+v", events[:2])
	}
	last := events[len(events)-1]
	if last.Kind != llm.EventDone || last.Err != nil {
		t.Errorf("expected clean done, got %+v", last)
	}
}

func TestStreamExecutesToolsBetweenRounds(t *testing.T) {
	round := 0
	var secondRequest chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		round++
		if round == 1 {
			// Arguments split across chunks to exercise the accumulator.
			sse(w,
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":"{\"id\":"}}]}}]}`,
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"p1\"}"}}]}}]}`,
			)
			return
		}
		json.NewDecoder(r.Body).Decode(&secondRequest)
		sse(w, `{"choices":[{"delta":{"content":"Found it."}}]}`)
	}))
	defer srv.Close()

	var gotArgs string
	tool := llm.Tool{
		Type:     "function",
		Function: llm.Function{Name: "lookup", Parameters: json.RawMessage(`{"type":"object"}`)},
		Exec: func(ctx context.Context, args json.RawMessage) (string, error) {
			gotArgs = string(args)
			return `{"name":"Brackets"}`, nil
		},
	}

	client := New(&llm.Config{BaseURL: srv.URL, Model: "test"})
	ch, err := client.Stream(context.Background(), "", []llm.Message{{Role: "user", Content: "which project?"}}, []llm.Tool{tool})
	if err != nil {
		t.Fatal(err)
	}

	events := collect(t, ch)
	var kinds []llm.EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	want := []llm.EventKind{llm.EventToolCall, llm.EventToolResult, llm.EventContent, llm.EventDone}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}

	if gotArgs != `{"id":"p1"}` {
		t.Errorf("accumulator produced %q", gotArgs)
	}
	if events[1].Result != `{"name":"Brackets"}` {
		t.Errorf("unexpected tool result: %q", events[1].Result)
	}

	// The second round must carry the tool exchange back to the model.
	foundTool := false
	for _, m := range secondRequest.Messages {
		if m.Role == "tool" && m.ToolCallID == "call_1" {
			foundTool = true
		}
	}
	if !foundTool {
		t.Error("expected tool message in second request")
	}
}

func TestStreamToolErrorFeedsBack(t *testing.T) {
	round := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		round++
		if round == 1 {
			sse(w, `{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"boom","arguments":"{}"}}]}}]}`)
			return
		}
		sse(w, `{"choices":[{"delta":{"content":"Understood."}}]}`)
	}))
	defer srv.Close()

	tool := llm.Tool{
		Type:     "function",
		Function: llm.Function{Name: "boom"},
		Exec: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "", errors.New("disk full")
		},
	}

	client := New(&llm.Config{BaseURL: srv.URL, Model: "test"})
	ch, err := client.Stream(context.Background(), "", nil, []llm.Tool{tool})
	if err != nil {
		t.Fatal(err)
	}

	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Kind != llm.EventDone || last.Err != nil {
		t.Fatalf("an ordinary tool error must not abort the turn: %+v", last)
	}

	var result llm.StreamEvent
	for _, ev := range events {
		if ev.Kind == llm.EventToolResult {
			result = ev
		}
	}
	if result.Result == "" || !json.Valid([]byte(result.Result)) {
		t.Fatalf("expected JSON error payload, got %q", result.Result)
	}
}

func TestStreamAbortErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w, `{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"remote","arguments":"{}"}}]}}]}`)
	}))
	defer srv.Close()

	tool := llm.Tool{
		Type:     "function",
		Function: llm.Function{Name: "remote"},
		Exec: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "", fmt.Errorf("%w: no result", llm.ErrAbort)
		},
	}

	client := New(&llm.Config{BaseURL: srv.URL, Model: "test"})
	ch, err := client.Stream(context.Background(), "", nil, []llm.Tool{tool})
	if err != nil {
		t.Fatal(err)
	}

	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Kind != llm.EventDone || !errors.Is(last.Err, llm.ErrAbort) {
		t.Fatalf("expected fatal abort, got %+v", last)
	}
}

func TestStreamAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := New(&llm.Config{BaseURL: srv.URL, Model: "test"})
	ch, err := client.Stream(context.Background(), "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Kind != llm.EventDone || last.Err == nil {
		t.Fatalf("expected terminal error event, got %+v", last)
	}
}
