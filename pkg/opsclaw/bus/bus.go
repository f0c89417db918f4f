// Package bus carries messages between chat channels and the agent loop.
package bus

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBufferSize is the capacity of each bus queue.
const DefaultBufferSize = 256

// MetaBatchIDs is the metadata key listing the inbound message IDs a
// message stands for: duplicates folded into an inbound message, or every
// message answered by a combined reply.
const MetaBatchIDs = "batch_ids"

// InboundMessage is a message received from a channel.
type InboundMessage struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel"`
	SenderID  string         `json:"sender_id"`
	ChatID    string         `json:"chat_id"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Media     []string       `json:"media,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewInbound creates an inbound message stamped with a fresh ID and the current time.
func NewInbound(channel, senderID, chatID, content string) InboundMessage {
	return InboundMessage{
		ID:        uuid.NewString(),
		Channel:   channel,
		SenderID:  senderID,
		ChatID:    chatID,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// SessionKey returns the conversation key "channel:chat_id".
func (m InboundMessage) SessionKey() string {
	return SessionKey(m.Channel, m.ChatID)
}

// SessionKey derives the session key for a channel and chat.
func SessionKey(channel, chatID string) string {
	return channel + ":" + chatID
}

// OutboundMessage is a message to deliver to a channel.
type OutboundMessage struct {
	ID       string         `json:"id"`
	Channel  string         `json:"channel"`
	ChatID   string         `json:"chat_id"`
	Content  string         `json:"content"`
	ReplyTo  string         `json:"reply_to,omitempty"`
	Media    []string       `json:"media,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Answers reports whether m is the reply to the inbound message id.
func (m OutboundMessage) Answers(id string) bool {
	if id == "" {
		return false
	}
	if m.ReplyTo == id {
		return true
	}
	return slices.Contains(BatchIDs(m.Metadata), id)
}

// BatchIDs returns the IDs stored under MetaBatchIDs.
func BatchIDs(metadata map[string]any) []string {
	switch ids := metadata[MetaBatchIDs].(type) {
	case []string:
		return ids
	case []any:
		out := make([]string, 0, len(ids))
		for _, v := range ids {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// NewOutbound creates an outbound message with a fresh ID.
func NewOutbound(channel, chatID, content string) OutboundMessage {
	return OutboundMessage{
		ID:      uuid.NewString(),
		Channel: channel,
		ChatID:  chatID,
		Content: content,
	}
}

// MessageBus holds the inbound and outbound queues.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

// New creates a bus whose queues hold size messages each.
func New(size int) *MessageBus {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		outbound: make(chan OutboundMessage, size),
	}
}

// PublishInbound enqueues a message for the agent. It blocks while the
// queue is full and returns ctx.Err() if ctx ends first.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound waits for the next inbound message.
// ok is false when ctx ends.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (msg InboundMessage, ok bool) {
	select {
	case msg = <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a message for delivery to its channel.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	select {
	case b.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeOutbound waits for the next outbound message.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (msg OutboundMessage, ok bool) {
	select {
	case msg = <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// OutboundHandler delivers one message to a channel.
type OutboundHandler func(ctx context.Context, msg OutboundMessage) error

// OutboundDispatcher routes outbound messages to per-channel handlers.
type OutboundDispatcher struct {
	bus    *MessageBus
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]OutboundHandler
	fallback OutboundHandler
}

// NewOutboundDispatcher creates a dispatcher reading from b.
func NewOutboundDispatcher(b *MessageBus, logger *slog.Logger) *OutboundDispatcher {
	return &OutboundDispatcher{
		bus:      b,
		logger:   logger.With("component", "dispatcher"),
		handlers: make(map[string]OutboundHandler),
	}
}

// Subscribe sets the handler for a channel, replacing any previous one.
func (d *OutboundDispatcher) Subscribe(channel string, h OutboundHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[channel] = h
}

// SetFallback sets the handler for channels nobody subscribed to.
func (d *OutboundDispatcher) SetFallback(h OutboundHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = h
}

// Run dispatches outbound messages until ctx ends.
func (d *OutboundDispatcher) Run(ctx context.Context) {
	for {
		msg, ok := d.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		d.dispatch(ctx, msg)
	}
}

func (d *OutboundDispatcher) dispatch(ctx context.Context, msg OutboundMessage) {
	d.mu.RLock()
	h, ok := d.handlers[msg.Channel]
	if !ok && d.fallback != nil {
		h, ok = d.fallback, true
	}
	d.mu.RUnlock()

	if !ok {
		d.logger.Warn("no handler for channel, dropping message",
			"channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}
	if err := h(ctx, msg); err != nil {
		d.logger.Error("outbound delivery failed",
			"channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
	}
}
