package tools

import (
	"log/slog"
	"net/http"
	"time"
)

// BuiltinConfig configures RegisterBuiltins.
type BuiltinConfig struct {
	Workspace        string
	ExecTimeout      time.Duration
	MaxExecTimeout   time.Duration
	BraveAPIKey      string
	SearchMaxResults int
	FetchMaxChars    int

	// HTTPClient is shared by the web tools. Nil uses a 30s default.
	HTTPClient *http.Client

	// Guard checks and audits exec. Nil disables both.
	Guard *CommandGuard

	// Sink receives messages from the message tool. Nil skips the tool.
	Sink OutboundSink
}

// RegisterBuiltins registers the built-in tools on r.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig, logger *slog.Logger) {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	r.Register(NewReadFileTool(cfg.Workspace))
	r.Register(NewWriteFileTool(cfg.Workspace))
	r.Register(NewEditFileTool(cfg.Workspace))
	r.Register(NewListDirTool(cfg.Workspace))
	r.Register(NewExecTool(cfg.Workspace, cfg.ExecTimeout, cfg.MaxExecTimeout, cfg.Guard, logger))
	r.Register(NewWebSearchTool(cfg.BraveAPIKey, cfg.SearchMaxResults, client))
	r.Register(NewWebFetchTool(cfg.FetchMaxChars, client))
	if cfg.Sink != nil {
		r.Register(NewMessageTool(cfg.Sink))
	}

	logger.Debug("built-in tools registered", "count", r.Count(), "workspace", cfg.Workspace)
}
