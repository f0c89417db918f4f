package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/opsclaw/pkg/opsclaw/mcp"
)

// newMCPCmd creates the `opsclaw mcp` command.
func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tools over MCP on stdio",
		Long: `Expose the workspace tools to an MCP client (editors, other agents) over
JSON-RPC on stdin and stdout. Logs go to stderr.

Example client entry:
  {"command": "opsclaw", "args": ["mcp"]}`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger, closer, err := newLogger(cmd, cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			// No bus: the message tool has nowhere to deliver.
			rt, err := buildRuntime(cfg, nil, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return mcp.New(rt.registry, logger).ServeStdio(ctx)
		},
	}
}
