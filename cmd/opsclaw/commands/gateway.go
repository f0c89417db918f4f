package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/opsclaw/pkg/opsclaw/bus"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/gateway"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/mcp"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/scheduler"
)

// newGatewayCmd creates the `opsclaw gateway` command.
func newGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the agent with the HTTP gateway and scheduler",
		Long: `Start the long-running service: the message bus, the agent loop, the
outbound dispatcher, the cron scheduler and the HTTP gateway (with the MCP
SSE transport under /mcp). Stops on SIGINT or SIGTERM.

Examples:
  opsclaw gateway
  opsclaw gateway --addr 0.0.0.0:18790`,
		RunE: runGateway,
	}
	cmd.Flags().String("addr", "", "listen address (overrides gateway.addr)")
	return cmd
}

func runGateway(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Gateway.Addr = addr
	}

	logger, closer, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	b := bus.New(0)
	rt, err := buildRuntime(cfg, b, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := bus.NewOutboundDispatcher(b, logger)
	// Only the HTTP channel is served here; other channels are logged.
	dispatcher.SetFallback(func(_ context.Context, msg bus.OutboundMessage) error {
		logger.Info("outbound message",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"content", msg.Content,
		)
		return nil
	})

	sched := scheduler.New(rt.loop, b, logger)
	for _, jc := range cfg.Scheduler.Jobs {
		if _, err := sched.Add(scheduler.JobFromConfig(jc)); err != nil {
			return fmt.Errorf("scheduler job %q: %w", jc.ID, err)
		}
	}

	mcpServer := mcp.New(rt.registry, logger)
	srv := gateway.New(gateway.Config{
		Addr:      cfg.Gateway.Addr,
		AuthToken: cfg.Gateway.AuthToken,
		MCP:       mcp.NewSSETransport(mcpServer, "/mcp", logger).Handler(),
		Inbound:   b,
	}, rt.loop, rt.sessions, rt.registry.Count, logger)
	dispatcher.Subscribe(gateway.Channel, srv.Deliver)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.loop.Run(gctx) })
	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	logger.Info("OpsClaw gateway running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"addr", cfg.Gateway.Addr,
		"tools", rt.registry.Count(),
		"jobs", len(cfg.Scheduler.Jobs),
	)

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
