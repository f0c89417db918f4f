package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/opsclaw/pkg/opsclaw/bus"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/provider"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/session"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider returns its responses in order and then repeats the last.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*provider.ChatResponse
	err       error
	requests  []provider.ChatRequest
}

func (p *scriptedProvider) Chat(_ context.Context, req provider.ChatRequest) (*provider.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	i := len(p.requests) - 1
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return p.responses[i], nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type countingTool struct {
	mu    sync.Mutex
	runs  int
	reply string
	err   error
	ctxs  []tools.MessageContext
}

func (t *countingTool) Name() string               { return "counter" }
func (t *countingTool) Description() string        { return "counts executions" }
func (t *countingTool) Parameters() map[string]any { return map[string]any{"type": "object"} }

func (t *countingTool) Execute(ctx context.Context, _ map[string]any) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs++
	if mc, ok := tools.MessageContextFrom(ctx); ok {
		t.ctxs = append(t.ctxs, mc)
	}
	return t.reply, t.err
}

func toolCall(id string) *provider.ChatResponse {
	return &provider.ChatResponse{
		ToolCalls: []provider.ToolCall{{ID: id, Name: "counter", Arguments: map[string]any{}}},
	}
}

func text(s string) *provider.ChatResponse {
	return &provider.ChatResponse{Content: s, FinishReason: "stop"}
}

type fixture struct {
	loop     *AgentLoop
	provider *scriptedProvider
	tool     *countingTool
	sessions *session.Manager
}

func newFixture(t *testing.T, maxIterations int, responses ...*provider.ChatResponse) *fixture {
	t.Helper()
	workspace := t.TempDir()

	store, err := session.NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	sessions := session.NewManager(store, 100, discardLogger())

	tool := &countingTool{reply: "counted"}
	registry := tools.NewRegistry()
	registry.Register(tool)

	p := &scriptedProvider{responses: responses}
	builder := NewContextBuilder(workspace)
	loop := NewAgentLoop(p, registry, sessions, builder, Config{
		Model:         "test-model",
		MaxIterations: maxIterations,
	}, bus.New(8), discardLogger())

	return &fixture{loop: loop, provider: p, tool: tool, sessions: sessions}
}

func (f *fixture) stored(t *testing.T, key string) []session.Message {
	t.Helper()
	s, ok := f.sessions.Lookup(key)
	if !ok {
		t.Fatalf("session %q not found", key)
	}
	return s.Messages
}

func TestProcessMessageNoToolCalls(t *testing.T) {
	f := newFixture(t, 5, text("hi there"))

	out, err := f.loop.ProcessMessage(context.Background(), bus.NewInbound("telegram", "u1", "chat456", "hello"))
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if out.Content != "hi there" {
		t.Errorf("content = %q", out.Content)
	}
	if out.Channel != "telegram" || out.ChatID != "chat456" {
		t.Errorf("reply routed to %s:%s", out.Channel, out.ChatID)
	}
	if n := f.provider.calls(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
	if f.tool.runs != 0 {
		t.Errorf("tool runs = %d, want 0", f.tool.runs)
	}

	msgs := f.stored(t, "telegram:chat456")
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hello" {
		t.Errorf("first stored = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "hi there" {
		t.Errorf("second stored = %+v", msgs[1])
	}
}

func TestProcessMessageOneToolCall(t *testing.T) {
	f := newFixture(t, 5, toolCall("call_1"), text("done"))

	out, err := f.loop.ProcessMessage(context.Background(), bus.NewInbound("cli", "u", "direct", "run it"))
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if out.Content != "done" {
		t.Errorf("content = %q", out.Content)
	}
	if n := f.provider.calls(); n != 2 {
		t.Errorf("provider calls = %d, want 2", n)
	}
	if f.tool.runs != 1 {
		t.Errorf("tool runs = %d, want 1", f.tool.runs)
	}

	// Second request carries the assistant tool call and its result.
	second := f.provider.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != provider.RoleTool || last.ToolCallID != "call_1" || last.Content != "counted" {
		t.Errorf("tool result message = %+v", last)
	}
	prev := second[len(second)-2]
	if prev.Role != provider.RoleAssistant || len(prev.ToolCalls) != 1 {
		t.Errorf("assistant message = %+v", prev)
	}

	if msgs := f.stored(t, "cli:direct"); len(msgs) != 2 {
		t.Errorf("stored %d messages, want 2 (tool turns are not persisted)", len(msgs))
	}
}

func TestProcessMessageMaxIterations(t *testing.T) {
	f := newFixture(t, 5, toolCall("loop"))

	out, err := f.loop.ProcessMessage(context.Background(), bus.NewInbound("cli", "u", "direct", "spin"))
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if n := f.provider.calls(); n != 5 {
		t.Errorf("provider calls = %d, want 5", n)
	}
	if !strings.HasPrefix(out.Content, "Error: ") || !strings.Contains(out.Content, ErrMaxIterations.Error()) {
		t.Errorf("content = %q", out.Content)
	}

	msgs := f.stored(t, "cli:direct")
	if len(msgs) != 2 || msgs[1].Content != out.Content {
		t.Errorf("stored = %+v", msgs)
	}
}

func TestProcessMessageSessionsAreIndependent(t *testing.T) {
	f := newFixture(t, 5, text("ok"))
	ctx := context.Background()

	if _, err := f.loop.ProcessMessage(ctx, bus.NewInbound("telegram", "u", "chat1", "from telegram")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.loop.ProcessMessage(ctx, bus.NewInbound("whatsapp", "u", "chat1", "from whatsapp")); err != nil {
		t.Fatal(err)
	}

	tg := f.stored(t, "telegram:chat1")
	wa := f.stored(t, "whatsapp:chat1")
	if len(tg) != 2 || len(wa) != 2 {
		t.Fatalf("lengths = %d, %d", len(tg), len(wa))
	}
	if tg[0].Content != "from telegram" || wa[0].Content != "from whatsapp" {
		t.Errorf("histories leaked: %q / %q", tg[0].Content, wa[0].Content)
	}

	// The whatsapp request must not carry telegram history.
	second := f.provider.requests[1].Messages
	if len(second) != 2 {
		t.Errorf("whatsapp request has %d messages, want system + user", len(second))
	}
}

func TestProcessMessageProviderFailure(t *testing.T) {
	f := newFixture(t, 5)
	f.provider.err = &provider.APIError{Status: 500, Body: "boom"}

	out, err := f.loop.ProcessMessage(context.Background(), bus.NewInbound("cli", "u", "direct", "hello"))
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if !strings.HasPrefix(out.Content, "Error: provider error:") {
		t.Errorf("content = %q", out.Content)
	}
	if n := f.provider.calls(); n != 1 {
		t.Errorf("provider calls = %d, want 1 (no retry)", n)
	}
	if msgs := f.stored(t, "cli:direct"); len(msgs) != 2 {
		t.Errorf("stored %d messages, want 2", len(msgs))
	}
}

func TestProcessMessageEmptyContent(t *testing.T) {
	f := newFixture(t, 5, text(""))

	out, err := f.loop.ProcessMessage(context.Background(), bus.NewInbound("cli", "u", "direct", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != "Task completed." {
		t.Errorf("content = %q", out.Content)
	}
}

func TestProcessMessageToolErrorsBecomeContent(t *testing.T) {
	f := newFixture(t, 5,
		&provider.ChatResponse{ToolCalls: []provider.ToolCall{
			{ID: "a", Name: "counter", Arguments: map[string]any{}},
			{ID: "b", Name: "missing", Arguments: map[string]any{}},
		}},
		text("recovered"),
	)
	f.tool.err = errors.New("disk on fire")

	out, err := f.loop.ProcessMessage(context.Background(), bus.NewInbound("cli", "u", "direct", "go"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != "recovered" {
		t.Errorf("content = %q", out.Content)
	}

	msgs := f.provider.requests[1].Messages
	a, b := msgs[len(msgs)-2], msgs[len(msgs)-1]
	if a.ToolCallID != "a" || a.Content != "Error: disk on fire" {
		t.Errorf("first result = %+v", a)
	}
	if b.ToolCallID != "b" || !strings.HasPrefix(b.Content, "Error: tool not found") {
		t.Errorf("second result = %+v", b)
	}
}

func TestProcessMessageAttachesMessageContext(t *testing.T) {
	f := newFixture(t, 5, toolCall("c"), text("ok"))

	if _, err := f.loop.ProcessMessage(context.Background(), bus.NewInbound("telegram", "u", "chat9", "x")); err != nil {
		t.Fatal(err)
	}
	if len(f.tool.ctxs) != 1 {
		t.Fatalf("tool saw %d message contexts", len(f.tool.ctxs))
	}
	if mc := f.tool.ctxs[0]; mc.Channel != "telegram" || mc.ChatID != "chat9" {
		t.Errorf("message context = %+v", mc)
	}
}

func TestProcessMessageReplaysHistory(t *testing.T) {
	f := newFixture(t, 5, text("one"), text("two"))
	ctx := context.Background()

	if _, err := f.loop.ProcessDirect(ctx, "first", ""); err != nil {
		t.Fatal(err)
	}
	reply, err := f.loop.ProcessDirect(ctx, "second", "")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "two" {
		t.Errorf("reply = %q", reply)
	}

	msgs := f.provider.requests[1].Messages
	if len(msgs) != 4 {
		t.Fatalf("second request has %d messages, want 4", len(msgs))
	}
	if msgs[1].Content != "first" || msgs[2].Content != "one" || msgs[3].Content != "second" {
		t.Errorf("messages = %+v", msgs)
	}
	if f.provider.requests[0].ToolChoice != provider.ToolChoiceAuto || len(f.provider.requests[0].Tools) != 1 {
		t.Errorf("request tools = %d, choice = %q", len(f.provider.requests[0].Tools), f.provider.requests[0].ToolChoice)
	}
}

func TestProcessDirectSessionKey(t *testing.T) {
	f := newFixture(t, 5, text("ok"))

	if _, err := f.loop.ProcessDirect(context.Background(), "hi", "telegram:chat7"); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.sessions.Lookup("telegram:chat7"); !ok {
		t.Error("session telegram:chat7 not created")
	}
}

func TestProcessMessageCancelledContext(t *testing.T) {
	f := newFixture(t, 5, text("ok"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := f.loop.ProcessMessage(ctx, bus.NewInbound("cli", "u", "direct", "x"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if out == nil || out.Content != "Error: context canceled" {
		t.Fatalf("reply = %+v", out)
	}
	if f.provider.calls() != 0 {
		t.Error("provider called after cancellation")
	}

	msgs := f.stored(t, "cli:direct")
	if len(msgs) != 2 || msgs[0].Content != "x" || msgs[1].Content != "Error: context canceled" {
		t.Errorf("stored = %+v", msgs)
	}
}

func TestRunAnswersEveryMessageInBatch(t *testing.T) {
	f := newFixture(t, 5, text("both"))
	f.loop.cfg.DebounceMs = 50
	b := f.loop.bus

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.loop.Run(ctx)
	}()

	first := bus.NewInbound("http", "u", "c1", "one")
	second := bus.NewInbound("http", "u", "c1", "two")
	_ = b.PublishInbound(ctx, first)
	_ = b.PublishInbound(ctx, second)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	out, ok := b.ConsumeOutbound(waitCtx)
	if !ok {
		t.Fatal("no outbound reply")
	}
	if !out.Answers(first.ID) || !out.Answers(second.ID) {
		t.Errorf("reply %+v does not answer both messages", out)
	}
	if n := f.provider.calls(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}

	cancel()
	<-done
}

func TestRunPublishesReplies(t *testing.T) {
	f := newFixture(t, 5, text("pong"))
	f.loop.cfg.DebounceMs = 10
	b := f.loop.bus

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.loop.Run(ctx)
	}()

	if err := b.PublishInbound(ctx, bus.NewInbound("telegram", "u", "c1", "ping")); err != nil {
		t.Fatal(err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	out, ok := b.ConsumeOutbound(waitCtx)
	if !ok {
		t.Fatal("no outbound reply")
	}
	if out.Content != "pong" || out.Channel != "telegram" || out.ChatID != "c1" {
		t.Errorf("outbound = %+v", out)
	}

	cancel()
	<-done
}

func TestRunWithoutBus(t *testing.T) {
	f := newFixture(t, 5, text("x"))
	f.loop.bus = nil
	if err := f.loop.Run(context.Background()); err == nil {
		t.Error("expected error without a bus")
	}
}

func TestWriteFileThroughLoopCreatesParents(t *testing.T) {
	f := newFixture(t, 5,
		&provider.ChatResponse{ToolCalls: []provider.ToolCall{{
			ID:   "w",
			Name: "write_file",
			Arguments: map[string]any{
				"path":    "a/b/c/notes.txt",
				"content": "hello world",
			},
		}}},
		text("written"),
	)
	workspace := f.loop.builder.workspace
	f.loop.registry.Register(tools.NewWriteFileTool(workspace))

	if _, err := f.loop.ProcessDirect(context.Background(), "write", ""); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(workspace, "a", "b", "c", "notes.txt"))
	if err != nil {
		t.Fatalf("file not written: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("content = %q", data)
	}

	msgs := f.provider.requests[1].Messages
	result := msgs[len(msgs)-1].Content
	if !strings.HasPrefix(result, "11 BYTES WRITTEN TO ") {
		t.Errorf("tool result = %q", result)
	}
}

func TestProcessMessageRejectsNonObjectArguments(t *testing.T) {
	f := newFixture(t, 5,
		&provider.ChatResponse{ToolCalls: []provider.ToolCall{{ID: "bad", Name: "counter", RawArguments: "[1,2]"}}},
		text("ok"),
	)

	if _, err := f.loop.ProcessMessage(context.Background(), bus.NewInbound("cli", "u", "direct", "x")); err != nil {
		t.Fatal(err)
	}
	if f.tool.runs != 0 {
		t.Errorf("tool ran %d times with invalid arguments", f.tool.runs)
	}
	msgs := f.provider.requests[1].Messages
	if got := msgs[len(msgs)-1].Content; !strings.HasPrefix(got, "Error: invalid arguments for counter") {
		t.Errorf("tool result = %q", got)
	}
}
