package config

// Secrets are resolved in this order:
//  1. OS keyring (Secret Service, Keychain, Credential Manager)
//  2. config value, after ${VAR} expansion
//  3. OPSCLAW_API_KEY / OPENROUTER_API_KEY environment variables

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "opsclaw"

	// KeyringAPIKey is the keyring entry holding the model API key.
	KeyringAPIKey = "api_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__opsclaw_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveAPIKey fills cfg.Provider.APIKey from the keyring, the config or
// the environment, in that order. It leaves the key empty when none is found.
func ResolveAPIKey(cfg *Config, logger *slog.Logger) {
	if val := GetKeyring(KeyringAPIKey); val != "" {
		cfg.Provider.APIKey = val
		logger.Debug("API key loaded from OS keyring")
		return
	}

	if cfg.Provider.APIKey != "" && !isEnvReference(cfg.Provider.APIKey) {
		logger.Debug("API key loaded from config")
		return
	}

	for _, name := range []string{"OPSCLAW_API_KEY", "OPENROUTER_API_KEY"} {
		if v := os.Getenv(name); v != "" {
			cfg.Provider.APIKey = v
			logger.Debug("API key loaded from environment", "var", name)
			return
		}
	}

	cfg.Provider.APIKey = ""
	logger.Warn("no API key found, run: opsclaw onboard")
}

// MigrateKeyToKeyring stores an API key in the OS keyring.
func MigrateKeyToKeyring(apiKey string, logger *slog.Logger) error {
	if err := StoreKeyring(KeyringAPIKey, apiKey); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	logger.Info("API key stored in OS keyring", "service", keyringService)
	return nil
}
