package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/opsclaw/pkg/opsclaw/config"
)

// newConfigCmd creates the `opsclaw config` command.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage OpsClaw configuration.

Examples:
  opsclaw config init
  opsclaw config show
  opsclaw config validate`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigValidateCmd(),
	)
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, _ := cmd.Root().PersistentFlags().GetString("config")
			if target == "" {
				target = config.DefaultConfigPath()
			}

			if _, err := os.Stat(target); err == nil {
				return fmt.Errorf("%s already exists. Remove it first or edit it directly", target)
			}

			if err := config.SaveConfigToFile(config.DefaultConfig(), target); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created %s with default configuration.\n", target)
			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintln(out, "  1. Set OPSCLAW_API_KEY (or run: opsclaw onboard)")
			fmt.Fprintln(out, "  2. Run: opsclaw agent")
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			// Secrets were expanded at load time; never print them.
			redact(&cfg.Provider.APIKey)
			redact(&cfg.Tools.BraveAPIKey)
			redact(&cfg.Gateway.AuthToken)

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if path == "" {
				path = "(defaults)"
			}
			fmt.Fprintf(out, "# Loaded from: %s\n\n", path)
			fmt.Fprint(out, string(data))
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if path == "" {
				return fmt.Errorf("no config file found.\nRun 'opsclaw config init' to create one, or use --config <path>")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config: %s\n", path)
			fmt.Fprintf(out, "  Name:       %s\n", cfg.Name)
			fmt.Fprintf(out, "  Workspace:  %s\n", cfg.WorkspacePath())
			fmt.Fprintf(out, "  Model:      %s\n", cfg.Agent.Model)
			fmt.Fprintf(out, "  Endpoint:   %s\n", cfg.Provider.BaseURL)
			fmt.Fprintf(out, "  Sessions:   %s (%s)\n", cfg.Session.Store, cfg.SessionDir())
			fmt.Fprintf(out, "  Jobs:       %d\n", len(cfg.Scheduler.Jobs))
			fmt.Fprintln(out, "\nConfiguration is valid.")
			return nil
		},
	}
}

// loadOrDefault loads path for editing, or returns defaults when it does
// not exist. ${VAR} references are kept as written.
func loadOrDefault(path string) (*config.Config, error) {
	cfg, err := config.LoadRawConfigFromFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}
	return cfg, nil
}

func redact(s *string) {
	if *s != "" {
		*s = "********"
	}
}
