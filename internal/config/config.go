// Package config handles loading and validating relay configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the cloudrelay server.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Accounts AccountsConfig `koanf:"accounts"`
	Dispatch DispatchConfig `koanf:"dispatch"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Log      LogConfig      `koanf:"log"`
}

// ServerConfig holds client-facing HTTP settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	// Token is the shared bearer token clients must present. Empty
	// disables client auth.
	Token string `koanf:"token"`
}

// AccountsConfig holds the persisted account list settings.
type AccountsConfig struct {
	Path  string `koanf:"path"`
	Max   int    `koanf:"max"`
	Watch bool   `koanf:"watch"`
}

// DispatchConfig tunes the retry engine.
type DispatchConfig struct {
	FallbackEnabled bool          `koanf:"fallback_enabled"`
	DefaultCooldown time.Duration `koanf:"default_cooldown"`
	MaxWait         time.Duration `koanf:"max_wait"`
	MaxRetries      int           `koanf:"max_retries"`
	MaxEmptyRetries int           `koanf:"max_empty_retries"`
}

// UpstreamConfig holds the backend endpoints and protocol limits.
type UpstreamConfig struct {
	// Endpoints are tried in order on retryable failures.
	Endpoints             []string      `koanf:"endpoints"`
	TokenURL              string        `koanf:"token_url"`
	RequestTimeout        time.Duration `koanf:"request_timeout"`
	GeminiMaxOutputTokens int           `koanf:"gemini_max_output_tokens"`
	SignatureTTL          time.Duration `koanf:"signature_ttl"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level string `koanf:"level"`
}

// defaults is the baseline every other layer overrides.
var defaults = map[string]interface{}{
	"server.port":          8080,
	"server.read_timeout":  "30s",
	"server.write_timeout": "600s",

	"accounts.path":  "accounts.json",
	"accounts.max":   10,
	"accounts.watch": true,

	"dispatch.fallback_enabled":  true,
	"dispatch.default_cooldown":  "10s",
	"dispatch.max_wait":          "120s",
	"dispatch.max_retries":       5,
	"dispatch.max_empty_retries": 2,

	"upstream.endpoints": []string{
		"https://daily-cloudcode-pa.googleapis.com",
		"https://cloudcode-pa.googleapis.com",
	},
	"upstream.token_url":                "https://oauth2.googleapis.com/token",
	"upstream.request_timeout":          "600s",
	"upstream.gemini_max_output_tokens": 16384,
	"upstream.signature_ttl":            "2h",

	"log.level": "info",
}

// Load builds the configuration from three layers: baked-in defaults, an
// optional YAML file, and CLOUDRELAY_* environment variables. An empty
// path skips the file layer.
func Load(path string) (*Config, error) {
	// Load .env into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Environment overrides. Double underscore separates nesting levels so
	// keys that themselves contain underscores stay addressable:
	//   CLOUDRELAY_SERVER__PORT           -> server.port
	//   CLOUDRELAY_DISPATCH__MAX_RETRIES  -> dispatch.max_retries
	if err := k.Load(env.Provider("CLOUDRELAY_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "CLOUDRELAY_")),
			"__", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand a ${VAR_NAME} placeholder in the client token so the secret
	// can live in the environment rather than the YAML file.
	if strings.HasPrefix(cfg.Server.Token, "${") && strings.HasSuffix(cfg.Server.Token, "}") {
		cfg.Server.Token = os.Getenv(cfg.Server.Token[2 : len(cfg.Server.Token)-1])
	}

	return &cfg, nil
}
