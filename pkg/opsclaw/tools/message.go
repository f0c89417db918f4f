package tools

import (
	"context"
	"errors"

	"github.com/jholhewres/opsclaw/pkg/opsclaw/bus"
)

// OutboundSink accepts messages for delivery to chat channels.
type OutboundSink interface {
	PublishOutbound(ctx context.Context, msg bus.OutboundMessage) error
}

// MessageContext identifies the conversation a tool call belongs to.
type MessageContext struct {
	Channel string
	ChatID  string
}

type messageContextKey struct{}

// WithMessageContext attaches the current channel and chat to ctx.
func WithMessageContext(ctx context.Context, channel, chatID string) context.Context {
	return context.WithValue(ctx, messageContextKey{}, MessageContext{Channel: channel, ChatID: chatID})
}

// MessageContextFrom returns the conversation attached to ctx, if any.
func MessageContextFrom(ctx context.Context) (MessageContext, bool) {
	mc, ok := ctx.Value(messageContextKey{}).(MessageContext)
	return mc, ok
}

// MessageTool sends a message to a chat channel.
type MessageTool struct {
	sink OutboundSink
}

// NewMessageTool creates a message tool writing to sink.
func NewMessageTool(sink OutboundSink) *MessageTool {
	return &MessageTool{sink: sink}
}

func (t *MessageTool) Name() string { return "message" }

func (t *MessageTool) Description() string {
	return "Send a message to a chat channel. Defaults to the current conversation."
}

func (t *MessageTool) Parameters() map[string]any {
	return schema(map[string]any{
		"content": prop("string", "Message content"),
		"channel": prop("string", "Target channel (defaults to current)"),
		"chat_id": prop("string", "Target chat ID (defaults to current)"),
	}, "content")
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	content, err := StringArg(args, "content")
	if err != nil {
		return "", err
	}
	channel, err := OptionalStringArg(args, "channel")
	if err != nil {
		return "", err
	}
	chatID, err := OptionalStringArg(args, "chat_id")
	if err != nil {
		return "", err
	}

	current, _ := MessageContextFrom(ctx)
	if channel == "" {
		channel = current.Channel
	}
	if chatID == "" {
		chatID = current.ChatID
	}
	if channel == "" {
		return "", errors.New("no channel specified")
	}
	if chatID == "" {
		return "", errors.New("no chat_id specified")
	}

	if err := t.sink.PublishOutbound(ctx, bus.NewOutbound(channel, chatID, content)); err != nil {
		return "", err
	}
	return "Message sent", nil
}
