// Package config – loader.go reads the configuration file with credential
// handling through environment variables and .env files.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables read by the loader.
const (
	EnvAPIKey       = "PERPLEXITY_API_KEY"
	EnvLogLevel     = "LOG_LEVEL"
	EnvDatabasePath = "DATABASE_PATH"
)

// ErrNoConfig is returned when no configuration file can be found.
var ErrNoConfig = errors.New("no configuration file found")

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR.
//
// Capture groups:
//   - Group 1: variable name (${} syntax)
//   - Group 2: modifier ("-" default, "?" error)
//   - Group 3: default value or error message
//   - Group 4: variable name (bare $VAR)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadConfigFromFile reads, expands and parses a configuration file, then
// applies environment overrides. The result is not validated.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	expandHomePaths(cfg)
	resolveSecrets(cfg)
	applyEnvOverrides(cfg)
	checkFilePermissions(path)

	return cfg, nil
}

// ParseConfig decodes YAML (or JSON, which YAML accepts) on top of
// DefaultConfig.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// SaveConfigToFile writes cfg to path, as JSON when the path ends in .json
// and YAML otherwise. The existing file is copied to path+".bak" first and
// the API key is written back as an environment reference when it came
// from the environment.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.Perplexity.APIKey = sanitizeSecret(cfg.Perplexity.APIKey, EnvAPIKey)

	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(&sanitized, "", "  ")
		if err == nil {
			data = append(data, '\n')
		}
	} else {
		data, err = yaml.Marshal(&sanitized)
	}
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// Refuse to write something we could not read back.
	if _, err := ParseConfig(data); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".bak", existing, 0o600); err != nil {
			return fmt.Errorf("writing config backup: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches the standard locations and returns the first
// existing file, or "".
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"app.json",
		"wabot.yaml",
		"configs/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// LoadEnvFile loads an explicit env file, overriding variables already set.
func LoadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	envMap, err := godotenv.Parse(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	for key, value := range envMap {
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("setting %s: %w", key, err)
		}
	}
	return nil
}

// AuditSecrets warns when the API key is written in the config file.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	key := cfg.Perplexity.APIKey
	if key != "" && !IsEnvReference(key) && os.Getenv(EnvAPIKey) != key && looksLikeRealKey(key) {
		logger.Warn("API key appears to be hardcoded in config. "+
			"Use environment variable "+EnvAPIKey+" instead.",
			"hint", "Set 'api_key: ${"+EnvAPIKey+"}' or run: wabot config set-key")
	}
}

// ---------- Internal ----------

// loadEnvFiles loads .env and .env.local without overriding the
// environment.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces environment references in input. Unset plain
// references are kept; an unset ${VAR:?msg} becomes an "ERROR:VAR:msg"
// marker picked up by expandEnvVarsWithValidation.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		varName, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if val, ok := os.LookupEnv(bare); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		switch modifier {
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			return "ERROR:" + varName + ":" + value
		case "-":
			return value
		}
		return match
	})
}

// expandEnvVarsWithValidation is expandEnvVars that fails on an unset
// required variable.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	idx := strings.Index(result, "ERROR:")
	if idx < 0 {
		return result, nil
	}
	rest := result[idx+len("ERROR:"):]
	varName, msg, found := strings.Cut(rest, ":")
	if !found {
		return "", fmt.Errorf("config error: malformed error marker")
	}
	if nl := strings.IndexAny(msg, "\r\n\""); nl >= 0 {
		msg = msg[:nl]
	}
	return "", fmt.Errorf("config error: %s - %s", varName, msg)
}

// resolveSecrets fills the API key from the environment when the config
// leaves it empty or as an unresolved reference.
func resolveSecrets(cfg *Config) {
	if cfg.Perplexity.APIKey == "" || IsEnvReference(cfg.Perplexity.APIKey) {
		cfg.Perplexity.APIKey = os.Getenv(EnvAPIKey)
	}
}

// applyEnvOverrides applies LOG_LEVEL and DATABASE_PATH.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvDatabasePath); v != "" {
		cfg.Database.Path = v
	}
}

// expandHomePaths expands "~/" in file paths from the config. Relative
// paths stay relative to the working directory.
func expandHomePaths(cfg *Config) {
	cfg.Database.Path = expandHome(cfg.Database.Path)
	cfg.WhatsApp.SessionDB = expandHome(cfg.WhatsApp.SessionDB)
	cfg.Logging.File = expandHome(cfg.Logging.File)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// sanitizeSecret replaces a secret that came from envVar with a reference
// to it.
func sanitizeSecret(value, envVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	if os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	if GetKeyring(keyringAPIKey) == value {
		return ""
	}
	return value
}

// IsEnvReference reports whether s is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

// looksLikeRealKey heuristically checks whether s is an actual key.
func looksLikeRealKey(s string) bool {
	if IsEnvReference(s) {
		return false
	}
	return strings.HasPrefix(s, "pplx-") || len(s) > 20
}

// checkFilePermissions warns if the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
