package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/user/cadpilot/pkg/llm"
)

// Client implements the llm.Provider interface for OpenAI-compatible APIs
// using server-sent-event streaming. Tool calls requested by the model are
// executed between rounds and fed back as tool messages; the consumer sees
// the whole turn as one event stream.
type Client struct {
	config     *llm.Config
	httpClient *http.Client
}

const defaultMaxRounds = 8

// New creates a new OpenAI-compatible streaming client.
func New(config *llm.Config) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

var _ llm.Provider = (*Client)(nil)

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []requestMessage `json:"messages"`
	Tools       []llm.Tool       `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float32         `json:"temperature,omitempty"`
	Stream      bool             `json:"stream"`
}

// requestMessage is the OpenAI message format for requests.
type requestMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// streamChunk is one SSE data payload from the completions endpoint.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// toolCallDelta is an incremental tool-call fragment; arguments arrive
// across multiple chunks and are concatenated by index.
type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// Stream runs the model conversation for one turn, executing requested
// tools between rounds, and emits typed events on the returned channel.
func (c *Client) Stream(ctx context.Context, system string, messages []llm.Message, tools []llm.Tool) (<-chan llm.StreamEvent, error) {
	maxRounds := c.config.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}

	reqMessages := make([]requestMessage, 0, len(messages)+1)
	if system != "" {
		reqMessages = append(reqMessages, requestMessage{Role: "system", Content: system})
	}
	for _, msg := range messages {
		rm := requestMessage{Role: msg.Role, Content: msg.Content}
		if msg.Role == "tool" && len(msg.Tools) > 0 {
			rm.ToolCallID = msg.Tools[0].ID
		} else if len(msg.Tools) > 0 {
			rm.ToolCalls = msg.Tools
		}
		reqMessages = append(reqMessages, rm)
	}

	byName := make(map[string]llm.Tool, len(tools))
	for _, t := range tools {
		byName[t.Function.Name] = t
	}

	ch := make(chan llm.StreamEvent)
	go func() {
		defer close(ch)

		for round := 0; round < maxRounds; round++ {
			content, toolCalls, err := c.streamRound(ctx, reqMessages, tools, ch)
			if err != nil {
				ch <- llm.StreamEvent{Kind: llm.EventDone, Err: err}
				return
			}

			if len(toolCalls) == 0 {
				ch <- llm.StreamEvent{Kind: llm.EventDone}
				return
			}

			reqMessages = append(reqMessages, requestMessage{
				Role:      "assistant",
				Content:   content,
				ToolCalls: toolCalls,
			})

			for _, tc := range toolCalls {
				ch <- llm.StreamEvent{
					Kind:       llm.EventToolCall,
					ToolCallID: tc.ID,
					ToolName:   tc.Function.Name,
					ToolArgs:   tc.Function.Arguments,
				}

				result, fatal := c.execute(ctx, byName, tc)
				if fatal != nil {
					ch <- llm.StreamEvent{Kind: llm.EventDone, Err: fatal}
					return
				}

				ch <- llm.StreamEvent{
					Kind:       llm.EventToolResult,
					ToolCallID: tc.ID,
					Result:     result,
				}

				reqMessages = append(reqMessages, requestMessage{
					Role:       "tool",
					Content:    result,
					ToolCallID: tc.ID,
				})
			}
		}

		ch <- llm.StreamEvent{Kind: llm.EventDone, Err: fmt.Errorf("max tool rounds (%d) exceeded", maxRounds)}
	}()

	return ch, nil
}

// execute runs a single requested tool. Failures become error payloads so
// the model can react instead of the turn aborting, except errors wrapping
// llm.ErrAbort, which are returned as fatal.
func (c *Client) execute(ctx context.Context, byName map[string]llm.Tool, tc llm.ToolCall) (string, error) {
	tool, ok := byName[tc.Function.Name]
	if !ok || tool.Exec == nil {
		return fmt.Sprintf(`{"error":"unknown tool %q"}`, tc.Function.Name), nil
	}
	result, err := tool.Exec(ctx, tc.Function.Arguments)
	if err != nil {
		if errors.Is(err, llm.ErrAbort) {
			return "", err
		}
		data, _ := json.Marshal(map[string]string{"error": err.Error()})
		return string(data), nil
	}
	return result, nil
}

// streamRound issues one streaming completions request, forwarding content
// deltas onto ch and accumulating any tool calls the model requests.
func (c *Client) streamRound(ctx context.Context, messages []requestMessage, tools []llm.Tool, ch chan<- llm.StreamEvent) (string, []llm.ToolCall, error) {
	reqBody := chatRequest{
		Model:    c.config.Model,
		Messages: messages,
		Stream:   true,
	}
	if len(tools) > 0 {
		reqBody.Tools = tools
	}
	if c.config.MaxTokens > 0 {
		reqBody.MaxTokens = c.config.MaxTokens
	}
	if c.config.Temperature != 0 {
		temp := c.config.Temperature
		reqBody.Temperature = &temp
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := c.config.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var content strings.Builder
	acc := newToolCallAccumulator()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return "", nil, fmt.Errorf("parsing stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			content.WriteString(delta.Content)
			ch <- llm.StreamEvent{Kind: llm.EventContent, Delta: delta.Content}
		}
		for _, tcd := range delta.ToolCalls {
			acc.add(tcd)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", nil, fmt.Errorf("reading stream: %w", err)
	}

	return content.String(), acc.calls(), nil
}

// toolCallAccumulator reassembles tool calls whose arguments arrive split
// across stream chunks.
type toolCallAccumulator struct {
	order []int
	byIdx map[int]*accumulatedCall
}

type accumulatedCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIdx: make(map[int]*accumulatedCall)}
}

func (a *toolCallAccumulator) add(d toolCallDelta) {
	call, ok := a.byIdx[d.Index]
	if !ok {
		call = &accumulatedCall{}
		a.byIdx[d.Index] = call
		a.order = append(a.order, d.Index)
	}
	if d.ID != "" {
		call.id = d.ID
	}
	if d.Function.Name != "" {
		call.name = d.Function.Name
	}
	call.args.WriteString(d.Function.Arguments)
}

func (a *toolCallAccumulator) calls() []llm.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		call := a.byIdx[idx]
		args := call.args.String()
		if args == "" {
			args = "{}"
		}
		out = append(out, llm.ToolCall{
			ID:   call.id,
			Type: "function",
			Function: llm.FunctionCall{
				Name:      call.name,
				Arguments: json.RawMessage(args),
			},
		})
	}
	return out
}
