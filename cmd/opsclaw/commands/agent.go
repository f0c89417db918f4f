package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/opsclaw/pkg/opsclaw/bus"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/config"
)

// newAgentCmd creates the `opsclaw agent` command.
func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Chat with the agent from the terminal",
		Long: `Send one message with -m, or start an interactive session.

Examples:
  opsclaw agent -m "list the files in the workspace"
  opsclaw agent -s telegram:chat456
  opsclaw agent`,
		RunE: runAgent,
	}
	cmd.Flags().StringP("message", "m", "", "send one message and exit")
	cmd.Flags().StringP("session", "s", "cli:direct", "session key (channel:chat_id)")
	return cmd
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	// The bus only feeds the message tool here; nothing dispatches it, so
	// sends from the CLI are printed instead.
	b := bus.New(0)
	rt, err := buildRuntime(cfg, b, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	go printOutbound(ctx, b, out)

	message, _ := cmd.Flags().GetString("message")
	sessionKey, _ := cmd.Flags().GetString("session")
	r := newRenderer(out)

	if message != "" {
		reply, err := rt.loop.ProcessDirect(ctx, message, sessionKey)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, r.render(reply))
		return nil
	}

	return runREPL(ctx, rt, sessionKey, r, out)
}

func runREPL(ctx context.Context, rt *runtime, sessionKey string, r *renderer, out io.Writer) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(config.ExpandHome("~/.opsclaw"), "history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("starting readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(out, "%s ready (session %s). Type 'exit' to quit.\n\n", rt.cfg.Name, sessionKey)

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if err != nil { // io.EOF on Ctrl-D
			return nil
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit", "/exit", "/quit":
			return nil
		}

		reply, err := rt.loop.ProcessDirect(ctx, line, sessionKey)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%s\n\n", r.render(reply))
	}
}

// printOutbound shows messages the agent sends with the message tool.
func printOutbound(ctx context.Context, b *bus.MessageBus, out io.Writer) {
	for {
		msg, ok := b.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		fmt.Fprintf(out, "[to %s:%s] %s\n", msg.Channel, msg.ChatID, msg.Content)
	}
}

// renderer formats replies as markdown when stdout is a terminal.
type renderer struct {
	tr *glamour.TermRenderer
}

func newRenderer(out io.Writer) *renderer {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return &renderer{}
	}
	width := 100
	if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 20 {
		width = w - 4
	}
	tr, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return &renderer{}
	}
	return &renderer{tr: tr}
}

func (r *renderer) render(text string) string {
	if r.tr == nil {
		return text
	}
	rendered, err := r.tr.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(rendered, "\n")
}
