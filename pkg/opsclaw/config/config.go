// Package config defines the opsclaw configuration, its defaults and the
// helpers that load it from YAML, the environment and the OS keyring.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	// Name is the assistant name shown in the identity block.
	Name string `yaml:"name"`

	// Workspace is the directory every filesystem and shell tool is confined to.
	Workspace string `yaml:"workspace"`

	Agent     AgentConfig     `yaml:"agent"`
	Provider  ProviderConfig  `yaml:"provider"`
	Session   SessionConfig   `yaml:"session"`
	Tools     ToolsConfig     `yaml:"tools"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AgentConfig configures the agent loop.
type AgentConfig struct {
	Model              string  `yaml:"model"`
	MaxTokens          int     `yaml:"max_tokens"`
	Temperature        float64 `yaml:"temperature"`
	MaxToolIterations  int     `yaml:"max_tool_iterations"`
	MaxHistoryMessages int     `yaml:"max_history_messages"`
}

// ProviderConfig configures the OpenAI-compatible model endpoint.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`

	// APIKey may hold a ${VAR} reference that is expanded at load time.
	APIKey string `yaml:"api_key"`

	// Proxy is an optional http(s):// or socks5:// proxy URL.
	Proxy string `yaml:"proxy"`

	Timeout time.Duration `yaml:"timeout"`
}

// SessionConfig configures session persistence.
type SessionConfig struct {
	// Store is "file" (one JSON file per session) or "sqlite".
	Store       string `yaml:"store"`
	Dir         string `yaml:"dir"`
	MaxMessages int    `yaml:"max_messages"`
}

// ToolsConfig configures the built-in tools.
type ToolsConfig struct {
	ExecTimeout      time.Duration `yaml:"exec_timeout"`
	MaxExecTimeout   time.Duration `yaml:"max_exec_timeout"`
	BraveAPIKey      string        `yaml:"brave_api_key"`
	SearchMaxResults int           `yaml:"search_max_results"`
	FetchMaxChars    int           `yaml:"fetch_max_chars"`
	GuardEnabled     bool          `yaml:"guard_enabled"`
	AuditLog         string        `yaml:"audit_log"`
}

// GatewayConfig configures the HTTP channel.
type GatewayConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
}

// QueueConfig configures per-session debouncing of inbound messages.
type QueueConfig struct {
	DebounceMs int `yaml:"debounce_ms"`
	MaxPending int `yaml:"max_pending"`
}

// SchedulerConfig holds the scheduled jobs.
type SchedulerConfig struct {
	Jobs []JobConfig `yaml:"jobs"`
}

// JobConfig is one cron job that injects a message into the agent.
type JobConfig struct {
	ID       string `yaml:"id"`
	Schedule string `yaml:"schedule"`
	Message  string `yaml:"message"`
	Channel  string `yaml:"channel,omitempty"`
	ChatID   string `yaml:"chat_id,omitempty"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Name:      "OpsClaw",
		Workspace: "~/.opsclaw/ops",
		Agent: AgentConfig{
			Model:              "anthropic/claude-sonnet-4",
			MaxTokens:          8192,
			Temperature:        0.7,
			MaxToolIterations:  20,
			MaxHistoryMessages: 20,
		},
		Provider: ProviderConfig{
			BaseURL: "https://openrouter.ai/api/v1",
			APIKey:  "${OPSCLAW_API_KEY}",
			Timeout: 120 * time.Second,
		},
		Session: SessionConfig{
			Store:       "file",
			Dir:         "~/.opsclaw/sessions",
			MaxMessages: 100,
		},
		Tools: ToolsConfig{
			ExecTimeout:      60 * time.Second,
			MaxExecTimeout:   10 * time.Minute,
			SearchMaxResults: 5,
			FetchMaxChars:    50000,
			GuardEnabled:     true,
		},
		Gateway: GatewayConfig{
			Addr: "127.0.0.1:18790",
		},
		Queue: QueueConfig{
			DebounceMs: 1000,
			MaxPending: 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WorkspacePath returns the workspace with ~ expanded.
func (c *Config) WorkspacePath() string {
	return ExpandHome(c.Workspace)
}

// SessionDir returns the session directory with ~ expanded.
func (c *Config) SessionDir() string {
	return ExpandHome(c.Session.Dir)
}

// Validate reports configuration errors that would prevent startup.
func (c *Config) Validate() error {
	var errs []error
	if c.Workspace == "" {
		errs = append(errs, errors.New("workspace is required"))
	}
	if c.Agent.Model == "" {
		errs = append(errs, errors.New("agent.model is required"))
	}
	if c.Agent.MaxToolIterations <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_tool_iterations must be positive, got %d", c.Agent.MaxToolIterations))
	}
	if c.Agent.MaxHistoryMessages < 0 {
		errs = append(errs, fmt.Errorf("agent.max_history_messages must not be negative, got %d", c.Agent.MaxHistoryMessages))
	}
	if c.Session.MaxMessages <= 0 {
		errs = append(errs, fmt.Errorf("session.max_messages must be positive, got %d", c.Session.MaxMessages))
	}
	switch c.Session.Store {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("session.store must be \"file\" or \"sqlite\", got %q", c.Session.Store))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}
	seen := make(map[string]bool)
	for i, job := range c.Scheduler.Jobs {
		if job.Schedule == "" || job.Message == "" {
			errs = append(errs, fmt.Errorf("scheduler.jobs[%d]: schedule and message are required", i))
		}
		if job.ID != "" && seen[job.ID] {
			errs = append(errs, fmt.Errorf("scheduler.jobs[%d]: duplicate id %q", i, job.ID))
		}
		seen[job.ID] = true
	}
	return errors.Join(errs...)
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
