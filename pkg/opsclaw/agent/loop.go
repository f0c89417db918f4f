package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/opsclaw/pkg/opsclaw/bus"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/provider"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/session"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/tools"
)

const (
	// DefaultMaxIterations caps model calls per inbound message.
	DefaultMaxIterations = 20

	// DefaultMaxHistoryMessages is how many session messages are replayed
	// to the model.
	DefaultMaxHistoryMessages = 20

	// completedFallback replaces an empty final reply.
	completedFallback = "Task completed."
)

// ErrMaxIterations is returned when the model keeps calling tools past the
// iteration cap.
var ErrMaxIterations = errors.New("max iterations exceeded")

// ProviderFailureError wraps an error from the model provider.
type ProviderFailureError struct {
	Err error
}

func (e *ProviderFailureError) Error() string {
	return fmt.Sprintf("provider error: %v", e.Err)
}

func (e *ProviderFailureError) Unwrap() error { return e.Err }

// Config holds the loop parameters.
type Config struct {
	Model              string
	MaxTokens          int
	Temperature        float64
	MaxIterations      int
	MaxHistoryMessages int

	// Queue settings used by Run.
	DebounceMs int
	MaxPending int
}

// AgentLoop processes inbound messages against one provider, tool registry
// and session manager.
type AgentLoop struct {
	provider provider.Provider
	registry *tools.Registry
	sessions *session.Manager
	builder  *ContextBuilder
	bus      *bus.MessageBus
	cfg      Config
	logger   *slog.Logger
}

// NewAgentLoop creates a loop. b may be nil when Run is never used.
func NewAgentLoop(p provider.Provider, registry *tools.Registry, sessions *session.Manager,
	builder *ContextBuilder, cfg Config, b *bus.MessageBus, logger *slog.Logger) *AgentLoop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = DefaultMaxHistoryMessages
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentLoop{
		provider: p,
		registry: registry,
		sessions: sessions,
		builder:  builder,
		bus:      b,
		cfg:      cfg,
		logger:   logger.With("component", "agent"),
	}
}

// Registry returns the loop's tool registry.
func (l *AgentLoop) Registry() *tools.Registry { return l.registry }

// Sessions returns the loop's session manager.
func (l *AgentLoop) Sessions() *session.Manager { return l.sessions }

// ProcessMessage runs one inbound message to completion and returns the
// reply, which is never nil. Failures are reported in the reply content
// with an "Error: " prefix. The returned error is non-nil only when ctx was
// already done, in which case the model is not called. The user message
// and the reply are appended to the session on every path.
func (l *AgentLoop) ProcessMessage(ctx context.Context, msg bus.InboundMessage) (*bus.OutboundMessage, error) {
	key := msg.SessionKey()
	logger := l.logger.With("session", key)
	start := time.Now()

	var (
		content string
		usage   provider.Usage
	)
	ctxErr := ctx.Err()
	err := ctxErr
	if err == nil {
		content, usage, err = l.runLoop(ctx, key, msg, logger)
	}
	if err != nil {
		logger.Error("agent run failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		content = "Error: " + err.Error()
	} else {
		logger.Info("agent run complete",
			"duration_ms", time.Since(start).Milliseconds(),
			"prompt_tokens", usage.PromptTokens,
			"completion_tokens", usage.CompletionTokens,
		)
	}

	saveErr := l.sessions.Update(key, func(s *session.Session) {
		s.AddMessage(provider.RoleUser, msg.Content)
		s.AddMessage(provider.RoleAssistant, content)
	})
	if saveErr != nil {
		logger.Error("failed to save session", "error", saveErr)
	}

	out := bus.NewOutbound(msg.Channel, msg.ChatID, content)
	out.ReplyTo = msg.ID
	return &out, ctxErr
}

// ProcessDirect handles a message typed at the CLI. sessionKey is
// "channel:chat_id"; an empty key means "cli:direct".
func (l *AgentLoop) ProcessDirect(ctx context.Context, content, sessionKey string) (string, error) {
	channel, chatID := "cli", "direct"
	if sessionKey != "" {
		if c, id, ok := strings.Cut(sessionKey, ":"); ok {
			channel, chatID = c, id
		} else {
			chatID = sessionKey
		}
	}

	out, err := l.ProcessMessage(ctx, bus.NewInbound(channel, "user", chatID, content))
	return out.Content, err
}

func (l *AgentLoop) runLoop(ctx context.Context, key string, msg bus.InboundMessage, logger *slog.Logger) (string, provider.Usage, error) {
	var total provider.Usage

	history := l.sessions.History(key, l.cfg.MaxHistoryMessages)
	messages := l.builder.BuildMessages(history, msg.Content)
	defs := l.registry.Definitions()

	ctx = tools.WithMessageContext(ctx, msg.Channel, msg.ChatID)

	logger.Debug("agent run started",
		"history_entries", len(history),
		"tools_available", len(defs),
		"max_iterations", l.cfg.MaxIterations,
	)

	iteration := 0
	for {
		if iteration >= l.cfg.MaxIterations {
			return "", total, ErrMaxIterations
		}

		llmStart := time.Now()
		resp, err := l.provider.Chat(ctx, provider.ChatRequest{
			Model:       l.cfg.Model,
			Messages:    messages,
			Tools:       defs,
			ToolChoice:  provider.ToolChoiceAuto,
			MaxTokens:   l.cfg.MaxTokens,
			Temperature: l.cfg.Temperature,
		})
		if err != nil {
			return "", total, &ProviderFailureError{Err: err}
		}

		total.PromptTokens += resp.Usage.PromptTokens
		total.CompletionTokens += resp.Usage.CompletionTokens
		total.TotalTokens += resp.Usage.TotalTokens

		logger.Debug("LLM call complete",
			"turn", iteration+1,
			"duration_ms", time.Since(llmStart).Milliseconds(),
			"tool_calls", len(resp.ToolCalls),
			"finish_reason", resp.FinishReason,
		)

		if !resp.HasToolCalls() {
			if resp.Content == "" {
				return completedFallback, total, nil
			}
			return resp.Content, total, nil
		}

		messages = l.builder.AddAssistantMessage(messages, resp.Content, resp.ToolCalls)
		for _, call := range resp.ToolCalls {
			result := l.executeTool(ctx, call, logger)
			messages = l.builder.AddToolResult(messages, call.ID, call.Name, result)
		}
		iteration++
	}
}

// executeTool runs one call. Errors become tool content so the model can
// react to them.
func (l *AgentLoop) executeTool(ctx context.Context, call provider.ToolCall, logger *slog.Logger) string {
	if call.RawArguments != "" {
		return fmt.Sprintf("Error: invalid arguments for %s: not a JSON object", call.Name)
	}
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	result, err := l.registry.Execute(ctx, call.Name, args)
	if err != nil {
		logger.Warn("tool failed",
			"tool", call.Name,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return "Error: " + err.Error()
	}
	logger.Debug("tool executed",
		"tool", call.Name,
		"duration_ms", time.Since(start).Milliseconds(),
		"result_len", len(result),
	)
	return result
}

// Run consumes the inbound bus until ctx ends. Messages for one session are
// debounced and processed one turn at a time; sessions run concurrently.
// Replies are published to the outbound bus.
func (l *AgentLoop) Run(ctx context.Context) error {
	if l.bus == nil {
		return errors.New("agent loop has no message bus")
	}

	queue := NewQueue(l.cfg.DebounceMs, l.cfg.MaxPending, func(_ string, msgs []bus.InboundMessage) {
		l.handleBatch(ctx, msgs)
	}, l.logger)

	l.logger.Info("agent loop started")
	for {
		msg, ok := l.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		queue.Enqueue(msg.SessionKey(), msg)
	}

	queue.Stop()
	l.logger.Info("agent loop stopped")
	return nil
}

func (l *AgentLoop) handleBatch(ctx context.Context, msgs []bus.InboundMessage) {
	if len(msgs) == 0 {
		return
	}
	msg := msgs[len(msgs)-1]
	msg.Content = CombineMessages(msgs)

	out, err := l.ProcessMessage(ctx, msg)
	if err != nil {
		return
	}
	if ids := BatchIDs(msgs); len(ids) > 1 {
		out.Metadata = map[string]any{bus.MetaBatchIDs: ids}
	}
	if err := l.bus.PublishOutbound(ctx, *out); err != nil {
		l.logger.Warn("failed to publish reply", "session", msg.SessionKey(), "error", err)
	}
}
