package httplog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/user/cadpilot/internal/eventlog"
	"github.com/user/cadpilot/internal/types"
)

// Client implements eventlog.Log against a remote log service over HTTP.
// The service exposes:
//
//	PUT  /streams/{id}                  create (idempotent)
//	POST /streams/{id}/events           append, returns the assigned seq
//	GET  /streams/{id}/events?from=N    ordered events with seq > N
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Config holds connection settings for the log service.
type Config struct {
	BaseURL string
	APIKey  string
}

// New creates a log service client.
func New(config *Config) *Client {
	return &Client{
		baseURL: config.BaseURL,
		apiKey:  config.APIKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

var _ eventlog.Log = (*Client)(nil)

func (c *Client) streamURL(stream types.SessionID) string {
	return c.baseURL + "/streams/" + url.PathEscape(string(stream))
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("log service error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// Create creates the stream if it doesn't exist.
func (c *Client) Create(ctx context.Context, stream types.SessionID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.streamURL(stream), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	_, err = c.do(req)
	return err
}

// appendResponse is the body returned by the append endpoint.
type appendResponse struct {
	Seq int64 `json:"seq"`
}

// Append appends one event. The service assigns the sequence number, which
// is written back into the event.
func (c *Client) Append(ctx context.Context, stream types.SessionID, event *eventlog.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.streamURL(stream)+"/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	respBody, err := c.do(req)
	if err != nil {
		return err
	}

	var ar appendResponse
	if err := json.Unmarshal(respBody, &ar); err != nil {
		return fmt.Errorf("parsing append response: %w", err)
	}
	event.Seq = ar.Seq
	return nil
}

// readResponse is the body returned by the read endpoint.
type readResponse struct {
	Events []*eventlog.Event `json:"events"`
}

// Read returns ordered events with sequence numbers greater than from.
func (c *Client) Read(ctx context.Context, stream types.SessionID, from int64) ([]*eventlog.Event, error) {
	u := c.streamURL(stream) + "/events?from=" + strconv.FormatInt(from, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var rr readResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return nil, fmt.Errorf("parsing read response: %w", err)
	}
	return rr.Events, nil
}
