package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jholhewres/opsclaw/pkg/opsclaw/agent"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/bus"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/config"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/provider"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/session"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/tools"
)

// runtime is the wired agent stack shared by the agent, gateway and mcp
// commands.
type runtime struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	registry *tools.Registry
	sessions *session.Manager
	guard    *tools.CommandGuard
	loop     *agent.AgentLoop
}

// buildRuntime wires provider, tools, sessions and the agent loop from cfg.
// b may be nil; the message tool is then left out.
func buildRuntime(cfg *config.Config, b *bus.MessageBus, logger *slog.Logger) (*runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	config.ResolveAPIKey(cfg, logger)

	httpClient, err := provider.NewHTTPClient(cfg.Provider.Proxy, cfg.Provider.Timeout)
	if err != nil {
		return nil, err
	}

	guard := tools.NewCommandGuard(tools.GuardConfig{
		Enabled:      cfg.Tools.GuardEnabled,
		AuditLogPath: config.ExpandHome(cfg.Tools.AuditLog),
	}, logger)

	builtins := tools.BuiltinConfig{
		Workspace:        workspace,
		ExecTimeout:      cfg.Tools.ExecTimeout,
		MaxExecTimeout:   cfg.Tools.MaxExecTimeout,
		BraveAPIKey:      cfg.Tools.BraveAPIKey,
		SearchMaxResults: cfg.Tools.SearchMaxResults,
		FetchMaxChars:    cfg.Tools.FetchMaxChars,
		HTTPClient:       httpClient,
		Guard:            guard,
	}
	if b != nil {
		builtins.Sink = b
	}
	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, builtins, logger)

	sessions, err := session.Open(cfg.Session.Store, cfg.SessionDir(), cfg.Session.MaxMessages, logger)
	if err != nil {
		guard.Close()
		return nil, err
	}

	client := provider.NewOpenAIClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, httpClient, logger)
	builder := agent.NewContextBuilder(workspace, agent.WithName(cfg.Name))
	loop := agent.NewAgentLoop(client, registry, sessions, builder, agent.Config{
		Model:              cfg.Agent.Model,
		MaxTokens:          cfg.Agent.MaxTokens,
		Temperature:        cfg.Agent.Temperature,
		MaxIterations:      cfg.Agent.MaxToolIterations,
		MaxHistoryMessages: cfg.Agent.MaxHistoryMessages,
		DebounceMs:         cfg.Queue.DebounceMs,
		MaxPending:         cfg.Queue.MaxPending,
	}, b, logger)

	return &runtime{
		cfg:      cfg,
		bus:      b,
		registry: registry,
		sessions: sessions,
		guard:    guard,
		loop:     loop,
	}, nil
}

// Close releases the session store and the audit log.
func (r *runtime) Close() error {
	return errors.Join(r.sessions.Close(), r.guard.Close())
}
