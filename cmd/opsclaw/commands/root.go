// Package commands implements the opsclaw CLI.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/opsclaw/pkg/opsclaw/config"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/logging"
)

// NewRootCmd creates the root `opsclaw` command.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "opsclaw",
		Short: "Tool-calling operations assistant",
		Long: `OpsClaw is an operations assistant that answers messages by calling a
language model and running tools (files, shell, web, messaging) inside a
workspace directory.

Examples:
  opsclaw onboard
  opsclaw agent -m "how much disk is left?"
  opsclaw agent
  opsclaw gateway`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			config.LoadDotEnv()
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "config file (default: auto-discover)")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newAgentCmd(),
		newGatewayCmd(),
		newSessionsCmd(),
		newCronCmd(),
		newConfigCmd(),
		newOnboardCmd(),
		newMCPCmd(),
		newCompletionCmd(),
	)
	return root
}

// resolveConfig loads the config from --config, auto-discovers one, or
// falls back to defaults. path is empty when defaults are used.
func resolveConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		return config.DefaultConfig(), "", nil
	}

	cfg, err := config.LoadConfigFromFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config from %s: %w", path, err)
	}
	return cfg, path, nil
}

// configPathForWrite returns --config or the default config location.
func configPathForWrite(cmd *cobra.Command) string {
	if path, _ := cmd.Root().PersistentFlags().GetString("config"); path != "" {
		return path
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.DefaultConfigPath()
}

// newLogger builds the process logger. Logs go to stderr so stdout stays
// free for replies and the MCP stdio stream.
func newLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, io.Closer, error) {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger, closer, err := logging.New(cfg.Logging, os.Stderr, verbose)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}
