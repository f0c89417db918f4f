// Package agent runs the tool-calling loop that turns one inbound message
// into model calls, tool executions and a final reply.
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/opsclaw/pkg/opsclaw/provider"
)

// BootstrapFiles are read from the workspace root, in this order, and
// injected into the system prompt when present.
var BootstrapFiles = []string{"DIRECTIVE.md", "PERSONA.md", "SUBJECT.md", "TOOLS.md"}

// MemoryFile is the long-term memory file, relative to the workspace.
const MemoryFile = "lifepod/MEMORY.md"

const (
	sectionSeparator = "\n\n---\n\n"
	maxFileChars     = 20000
)

// ContextBuilder assembles the messages sent to the model.
type ContextBuilder struct {
	workspace string
	name      string
	now       func() time.Time
}

// ContextOption configures a ContextBuilder.
type ContextOption func(*ContextBuilder)

// WithClock overrides the clock used in the identity block.
func WithClock(now func() time.Time) ContextOption {
	return func(c *ContextBuilder) { c.now = now }
}

// WithName sets the assistant name used in the identity block.
func WithName(name string) ContextOption {
	return func(c *ContextBuilder) { c.name = name }
}

// NewContextBuilder creates a builder for workspace.
func NewContextBuilder(workspace string, opts ...ContextOption) *ContextBuilder {
	c := &ContextBuilder{
		workspace: workspace,
		name:      "OpsClaw",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BuildSystemPrompt returns the identity block, the bootstrap files and
// the memory file, separated by horizontal rules. Missing or empty files
// are skipped.
func (c *ContextBuilder) BuildSystemPrompt() string {
	parts := []string{c.identity()}

	for _, name := range BootstrapFiles {
		if content := c.readWorkspaceFile(name); content != "" {
			parts = append(parts, fmt.Sprintf("## %s\n\n%s", name, content))
		}
	}

	if memory := c.readWorkspaceFile(MemoryFile); memory != "" {
		parts = append(parts, "# Memory\n\n"+memory)
	}

	return strings.Join(parts, sectionSeparator)
}

func (c *ContextBuilder) identity() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", c.name)
	fmt.Fprintf(&b, "You are %s, an operations assistant with access to tools for files, shell commands, the web and messaging.\n\n", c.name)

	b.WriteString("## Current Time\n\n")
	b.WriteString(c.now().Format("2006-01-02 15:04 (Monday)"))
	b.WriteString("\n\n")

	b.WriteString("## Workspace\n\n")
	fmt.Fprintf(&b, "Your workspace is %s. File and shell tools are confined to it; relative paths resolve against it.\n", c.workspace)
	fmt.Fprintf(&b, "Long-term notes live in %s. Update it with write_file or edit_file when you learn something worth keeping.\n\n", MemoryFile)

	b.WriteString("## Tool Use\n\n")
	b.WriteString("Call tools directly instead of describing what you would do. ")
	b.WriteString("Read a file before editing it. edit_file needs old_text that matches exactly once.\n")
	b.WriteString("Tool results in capitals (FILE NOT FOUND, TIMEOUT AFTER ...) describe a failure you can recover from.\n")
	b.WriteString("Reply to the user with plain text; use the message tool only to reach another chat.\n\n")

	fmt.Fprintf(&b, "Runtime: os=%s/%s", runtime.GOOS, runtime.GOARCH)
	return b.String()
}

func (c *ContextBuilder) readWorkspaceFile(rel string) string {
	data, err := os.ReadFile(filepath.Join(c.workspace, rel))
	if err != nil {
		return ""
	}
	text := strings.TrimSpace(string(data))
	if len(text) > maxFileChars {
		cut := maxFileChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "\n\n... [truncated]"
	}
	return text
}

// BuildMessages returns the system prompt, then history unchanged, then
// the new user message.
func (c *ContextBuilder) BuildMessages(history []provider.Message, text string) []provider.Message {
	msgs := make([]provider.Message, 0, len(history)+2)
	msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: c.BuildSystemPrompt()})
	msgs = append(msgs, history...)
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: text})
	return msgs
}

// AddToolResult appends the result of one tool call.
func (c *ContextBuilder) AddToolResult(msgs []provider.Message, callID, name, result string) []provider.Message {
	return append(msgs, provider.Message{
		Role:       provider.RoleTool,
		Content:    result,
		ToolCallID: callID,
		Name:       name,
	})
}

// AddAssistantMessage appends an assistant turn. Content may be empty.
func (c *ContextBuilder) AddAssistantMessage(msgs []provider.Message, content string, calls []provider.ToolCall) []provider.Message {
	return append(msgs, provider.Message{
		Role:      provider.RoleAssistant,
		Content:   content,
		ToolCalls: calls,
	})
}
