package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/opsclaw/pkg/opsclaw/agent"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/bus"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/provider"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/session"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/tools"
)

// sequenceProvider returns its responses in order, then repeats the last.
type sequenceProvider struct {
	mu        sync.Mutex
	responses []*provider.ChatResponse
	n         int
}

func (p *sequenceProvider) Chat(context.Context, provider.ChatRequest) (*provider.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := min(p.n, len(p.responses)-1)
	p.n++
	return p.responses[i], nil
}

func TestPostMessageThroughBusDeliversToolMessages(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(16)

	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sessions := session.NewManager(store, 100, logger)

	registry := tools.NewRegistry()
	registry.Register(tools.NewMessageTool(b))

	p := &sequenceProvider{responses: []*provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{{
			ID:        "m1",
			Name:      "message",
			Arguments: map[string]any{"content": "heads up"},
		}}},
		{Content: "done", FinishReason: "stop"},
	}}
	loop := agent.NewAgentLoop(p, registry, sessions, agent.NewContextBuilder(t.TempDir()),
		agent.Config{Model: "test", DebounceMs: 10}, b, logger)

	srv := New(Config{Inbound: b, ReplyTimeout: 5 * time.Second}, nil, sessions, nil, logger)
	dispatcher := bus.NewOutboundDispatcher(b, logger)
	dispatcher.Subscribe(Channel, srv.Deliver)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = loop.Run(ctx) }()
	go func() { defer wg.Done(); dispatcher.Run(ctx) }()
	defer func() {
		cancel()
		wg.Wait()
	}()

	h := srv.Handler()
	rec := do(t, h, http.MethodPost, "/v1/messages", `{"chat_id":"room","content":"ping"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var out bus.OutboundMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Content != "done" || out.ChatID != "room" || out.ReplyTo == "" {
		t.Errorf("reply = %+v", out)
	}

	rec = do(t, h, http.MethodGet, "/v1/chats/room/outbox", "", "")
	var box struct {
		Messages []bus.OutboundMessage `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &box); err != nil {
		t.Fatal(err)
	}
	if len(box.Messages) != 1 || box.Messages[0].Content != "heads up" || box.Messages[0].Channel != Channel {
		t.Errorf("outbox = %+v", box.Messages)
	}

	rec = do(t, h, http.MethodGet, "/v1/chats/room/outbox", "", "")
	box.Messages = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &box); err != nil {
		t.Fatal(err)
	}
	if len(box.Messages) != 0 {
		t.Errorf("outbox not drained: %+v", box.Messages)
	}

	if s, ok := sessions.Lookup("http:room"); !ok || s.Len() != 2 {
		t.Errorf("session http:room not persisted")
	}
}

type silentInbound struct{}

func (silentInbound) PublishInbound(context.Context, bus.InboundMessage) error { return nil }

func TestPostMessageReplyTimeout(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(Config{Inbound: silentInbound{}, ReplyTimeout: 20 * time.Millisecond}, nil, nil, nil, logger)

	rec := do(t, srv.Handler(), http.MethodPost, "/v1/messages", `{"content":"hello"}`, "")
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rec.Code)
	}
}

func TestDeliverKeepsUnclaimedMessages(t *testing.T) {
	srv, _ := newTestGateway(t, "")
	for i := 0; i < maxOutbox+5; i++ {
		_ = srv.Deliver(context.Background(), bus.NewOutbound(Channel, "c", "note"))
	}
	srv.mu.Lock()
	n := len(srv.outbox["c"])
	srv.mu.Unlock()
	if n != maxOutbox {
		t.Errorf("outbox holds %d, want %d", n, maxOutbox)
	}
}
