package commands

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jholhewres/opsclaw/pkg/opsclaw/config"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/logging"
)

// newOnboardCmd creates the `opsclaw onboard` command.
func newOnboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard",
		Long: `Asks for the assistant name, workspace, model endpoint and API key, then
writes the config file and stores the key in the OS keyring (or in
~/.opsclaw/.env when no keyring is available).

Examples:
  opsclaw onboard
  opsclaw onboard --config ./opsclaw.yaml
  opsclaw onboard --reset-key`,
		RunE: runOnboard,
	}
	cmd.Flags().Bool("reset-key", false, "remove the API key from the OS keyring before setup")
	return cmd
}

type onboardAnswers struct {
	name      string
	workspace string
	baseURL   string
	model     string
	apiKey    string
	store     string
	braveKey  string
	overwrite bool
}

func runOnboard(cmd *cobra.Command, _ []string) error {
	if reset, _ := cmd.Flags().GetBool("reset-key"); reset {
		if err := config.DeleteKeyring(config.KeyringAPIKey); err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "No API key removed from the OS keyring: %v\n", err)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "API key removed from the OS keyring.")
		}
	}

	path := configPathForWrite(cmd)
	cfg, err := loadOrDefault(path)
	if err != nil {
		return err
	}

	a := onboardAnswers{
		name:      cfg.Name,
		workspace: cfg.Workspace,
		baseURL:   cfg.Provider.BaseURL,
		model:     cfg.Agent.Model,
		store:     cfg.Session.Store,
		overwrite: true,
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Assistant name").Value(&a.name).Validate(required("name")),
			huh.NewInput().Title("Workspace directory").
				Description("File and shell tools are confined to this directory.").
				Value(&a.workspace).Validate(required("workspace")),
		),
		huh.NewGroup(
			huh.NewInput().Title("API base URL").
				Description("Any OpenAI-compatible endpoint.").
				Value(&a.baseURL).Validate(validURL),
			huh.NewInput().Title("Model").Value(&a.model).Validate(required("model")),
			huh.NewInput().Title("API key").
				Description("Leave empty to keep the current key or set OPSCLAW_API_KEY later.").
				EchoMode(huh.EchoModePassword).Value(&a.apiKey),
		),
		huh.NewGroup(
			huh.NewSelect[string]().Title("Session storage").
				Options(
					huh.NewOption("JSON files", "file"),
					huh.NewOption("SQLite database", "sqlite"),
				).Value(&a.store),
			huh.NewInput().Title("Brave Search API key (optional)").
				EchoMode(huh.EchoModePassword).Value(&a.braveKey),
			huh.NewConfirm().Title(fmt.Sprintf("Write %s?", path)).Value(&a.overwrite),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Fprintln(cmd.OutOrStdout(), "Setup cancelled.")
			return nil
		}
		return err
	}
	if !a.overwrite {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing written.")
		return nil
	}

	cfg.Name = strings.TrimSpace(a.name)
	cfg.Workspace = strings.TrimSpace(a.workspace)
	cfg.Provider.BaseURL = strings.TrimSpace(a.baseURL)
	cfg.Agent.Model = strings.TrimSpace(a.model)
	cfg.Session.Store = a.store

	out := cmd.OutOrStdout()
	if key := strings.TrimSpace(a.apiKey); key != "" {
		where, err := storeAPIKey(key)
		if err != nil {
			return err
		}
		cfg.Provider.APIKey = "${OPSCLAW_API_KEY}"
		fmt.Fprintf(out, "API key stored in %s.\n", where)
	}
	if key := strings.TrimSpace(a.braveKey); key != "" {
		if err := writeDotEnv("BRAVE_API_KEY", key); err != nil {
			return err
		}
		cfg.Tools.BraveAPIKey = "${BRAVE_API_KEY}"
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.SaveConfigToFile(cfg, path); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.WorkspacePath(), 0o755); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}

	fmt.Fprintf(out, "Config written to %s.\n", path)
	fmt.Fprintln(out, "\nNext: opsclaw agent")
	return nil
}

// storeAPIKey saves the key in the OS keyring, falling back to the .env
// file.
func storeAPIKey(value string) (string, error) {
	if config.KeyringAvailable() {
		if err := config.MigrateKeyToKeyring(value, logging.Discard()); err == nil {
			return "the OS keyring", nil
		}
	}
	if err := writeDotEnv("OPSCLAW_API_KEY", value); err != nil {
		return "", err
	}
	return dotEnvPath(), nil
}

func dotEnvPath() string {
	return filepath.Join(config.ExpandHome("~/.opsclaw"), ".env")
}

// writeDotEnv sets one variable in ~/.opsclaw/.env, keeping the others.
func writeDotEnv(name, value string) error {
	path := dotEnvPath()
	env, err := godotenv.Read(path)
	if err != nil {
		env = map[string]string{}
	}
	env[name] = value

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := godotenv.Write(env, path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}

func required(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

func validURL(s string) error {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("enter an http(s) URL")
	}
	return nil
}
