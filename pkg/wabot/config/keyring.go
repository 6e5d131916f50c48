// Package config – keyring.go stores the completion API key in the
// operating system's keyring (Secret Service, Keychain, Credential Manager).
//
// Priority for resolving the key:
//  1. OS keyring
//  2. PERPLEXITY_API_KEY (environment or .env)
//  3. perplexity.api_key in the config file
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "wabot"

	// keyringAPIKey is the key name for the completion API key.
	keyringAPIKey = "perplexity_api_key"
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

// StoreAPIKey saves the completion API key to the OS keyring.
func StoreAPIKey(value string) error {
	if err := StoreKeyring(keyringAPIKey, value); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	return nil
}

// DeleteAPIKey removes the completion API key from the OS keyring.
func DeleteAPIKey() error {
	return DeleteKeyring(keyringAPIKey)
}

// ResolveAPIKey resolves the completion API key through the priority chain
// and stores the result in cfg. It reports whether a key was found.
func ResolveAPIKey(cfg *Config, logger *slog.Logger) bool {
	if val := GetKeyring(keyringAPIKey); val != "" {
		cfg.Perplexity.APIKey = val
		logger.Debug("API key loaded from OS keyring")
		return true
	}

	if val := os.Getenv(EnvAPIKey); val != "" {
		cfg.Perplexity.APIKey = val
		logger.Debug("API key loaded from environment")
		return true
	}

	if cfg.Perplexity.APIKey != "" && !IsEnvReference(cfg.Perplexity.APIKey) {
		logger.Debug("API key loaded from config")
		return true
	}

	cfg.Perplexity.APIKey = ""
	logger.Warn("no API key found. Set " + EnvAPIKey + " or run: wabot config set-key")
	return false
}

// ReadPassword reads a line from the terminal without echo.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
