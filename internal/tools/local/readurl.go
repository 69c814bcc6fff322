package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/cadpilot/internal/tools"
)

const maxReadURLChars = 50000

var readURLClient = &http.Client{Timeout: 30 * time.Second}

// NewReadURL returns the read_url tool: fetch a page and return its content
// as markdown. Used by the dashboard assistant for reference lookups.
func NewReadURL() *tools.Definition {
	return &tools.Definition{
		Name:        "read_url",
		Description: "Fetch a URL and return its content as markdown",
		Parameters: objSchema(map[string]string{
			"url": "The URL to fetch",
		}, []string{"url"}),
		Exec: execReadURL,
	}
}

func execReadURL(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if params.URL == "" {
		return "", fmt.Errorf("url is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Cadpilot/1.0")

	resp, err := readURLClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP error: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	md, err := htmltomarkdown.ConvertString(string(body))
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}

	if len(md) > maxReadURLChars {
		md = md[:maxReadURLChars] + "\n\n[Content truncated]"
	}
	return md, nil
}
