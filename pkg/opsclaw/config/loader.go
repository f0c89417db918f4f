package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadConfigFromFile reads and parses a YAML configuration file.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return ParseConfig(data)
}

// LoadRawConfigFromFile reads a config without expanding ${VAR}
// references. Use it when the config will be written back.
func LoadRawConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return parseRaw(data)
}

// ParseConfig parses YAML bytes into a Config.
// Starts with defaults and overlays values from the YAML.
func ParseConfig(data []byte) (*Config, error) {
	cfg, err := parseRaw(data)
	if err != nil {
		return nil, err
	}

	cfg.Provider.APIKey = expandEnvRefs(cfg.Provider.APIKey)
	cfg.Tools.BraveAPIKey = expandEnvRefs(cfg.Tools.BraveAPIKey)
	cfg.Gateway.AuthToken = expandEnvRefs(cfg.Gateway.AuthToken)

	return cfg, nil
}

func parseRaw(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// SaveConfigToFile writes a Config as YAML to the specified path.
func SaveConfigToFile(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// FindConfigFile searches for config files in standard locations.
// Returns the path of the first found, or empty string.
func FindConfigFile() string {
	candidates := []string{
		"opsclaw.yaml",
		"opsclaw.yml",
		"config.yaml",
		"config.yml",
		ExpandHome("~/.opsclaw/config.yaml"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// DefaultConfigPath is where `config init` and `onboard` write by default.
func DefaultConfigPath() string {
	return ExpandHome("~/.opsclaw/config.yaml")
}

// LoadDotEnv loads .env files into the process environment. Existing
// variables are never overridden and missing files are ignored.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env", ExpandHome("~/.opsclaw/.env")}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = godotenv.Load(p)
	}
}

var envRefPattern = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// expandEnvRefs resolves a value of the exact form ${VAR}. An unset
// variable leaves the reference in place so it can be detected later.
func expandEnvRefs(value string) string {
	m := envRefPattern.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return value
	}
	if v, ok := os.LookupEnv(m[1]); ok && v != "" {
		return v
	}
	return value
}

func isEnvReference(value string) bool {
	return envRefPattern.MatchString(strings.TrimSpace(value))
}
