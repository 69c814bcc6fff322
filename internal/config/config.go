package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	Listen        string `json:"listen"`
	MaxConcurrent int    `json:"max_concurrent"`

	StaleAfter      string `json:"stale_after"`
	SweepSchedule   string `json:"sweep_schedule"`
	ApprovalTimeout string `json:"approval_timeout"`
	BridgeTimeout   string `json:"bridge_timeout"`

	Log struct {
		Backend string `json:"backend"`
		BaseURL string `json:"base_url"`
		Token   string `json:"token"`
	} `json:"log"`

	LLM struct {
		Provider         string  `json:"provider"`
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		Model            string  `json:"model"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
		MaxRounds        int     `json:"max_rounds"`
	} `json:"llm"`

	Approval struct {
		AutoApproveAll bool     `json:"auto_approve_all"`
		AllowTools     []string `json:"allow_tools"`
		DenyTools      []string `json:"deny_tools"`
	} `json:"approval"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".cadpilot"),
		MaxConcurrent: 8,
	}
	cfg.LogLevel = "info"
	cfg.Listen = ":8321"
	cfg.StaleAfter = "5m"
	cfg.SweepSchedule = "@every 1m"
	cfg.ApprovalTimeout = "5m"
	cfg.BridgeTimeout = "60s"
	cfg.Log.Backend = "file"
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 4000
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.LLM.MaxRounds = 8

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if token := os.Getenv("CADPILOT_LOG_TOKEN"); token != "" {
		cfg.Log.Token = token
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}

// StaleAfterDuration parses the stale-run threshold, falling back to the
// default when the configured value does not parse.
func (c *Config) StaleAfterDuration() time.Duration {
	return parseDuration(c.StaleAfter, 5*time.Minute)
}

// ApprovalTimeoutDuration parses the confirm-tool wait bound.
func (c *Config) ApprovalTimeoutDuration() time.Duration {
	return parseDuration(c.ApprovalTimeout, 5*time.Minute)
}

// BridgeTimeoutDuration parses the remote-tool wait bound.
func (c *Config) BridgeTimeoutDuration() time.Duration {
	return parseDuration(c.BridgeTimeout, 60*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
