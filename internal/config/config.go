// Package config holds the boot configuration for the Sentra gateway.
//
// Boot config covers process-level concerns only: listen address, database
// DSN, provider credentials, telemetry. Runtime behaviour (safety rules,
// moderation thresholds, escalation routes, system settings) lives in
// Postgres and is served through internal/settings.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// Config is the root boot configuration for the Sentra gateway.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database,omitempty"`
	Admin      AdminConfig      `json:"admin,omitempty"`
	LLM        LLMConfig        `json:"llm"`
	Moderation ModerationConfig `json:"moderation"`
	Safety     SafetyConfig     `json:"safety"`
	Log        LogConfig        `json:"log,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig configures Postgres.
// URL is NEVER read from the config file (secret) — only from env DATABASE_URL.
type DatabaseConfig struct {
	URL string `json:"-"` // from env DATABASE_URL only
}

// AdminConfig configures the admin API surface.
// Key is NEVER read from the config file (secret) — only from env ADMIN_KEY.
type AdminConfig struct {
	Key string `json:"-"` // from env ADMIN_KEY only

	// FailuresPerMinute caps rejected admin-auth attempts per remote host
	// before further attempts are answered without a key comparison.
	FailuresPerMinute int `json:"failures_per_minute,omitempty"`
}

// LLMConfig configures the completion provider.
// APIKey comes from env LLM_API_KEY only.
type LLMConfig struct {
	Provider    string  `json:"provider"` // "anthropic" (default) or "openai"
	Model       string  `json:"model"`
	APIKey      string  `json:"-"` // from env LLM_API_KEY only
	BaseURL     string  `json:"base_url,omitempty"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// ModerationConfig configures the hosted moderation endpoint.
// APIKey comes from env MODERATION_API_KEY only. An empty key disables the
// moderation stage; the pipeline then records every turn as skipped.
type ModerationConfig struct {
	APIKey  string `json:"-"` // from env MODERATION_API_KEY only
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
}

// SafetyConfig carries boot defaults for the safety pipeline. Both values
// can be superseded at runtime by the system settings table.
type SafetyConfig struct {
	MaxInputChars int `json:"max_input_chars"`
	CacheTTLMS    int `json:"cache_ttl_ms"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level string `json:"level,omitempty"` // "debug", "info" (default), "warn", "error"
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
// When enabled, spans are exported to an OTLP-compatible backend
// (Jaeger, Tempo, Datadog, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS, for local dev
	ServiceName string            `json:"service_name,omitempty"` // default "sentra-gateway"
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (auth tokens etc.)
}

// Validate checks that everything `serve` needs is present.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Admin.Key == "" {
		return fmt.Errorf("ADMIN_KEY is required")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required")
	}
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	return nil
}

// Hash returns a short SHA-256 fingerprint of the non-secret config,
// printed by `sentra doctor` so deployments can be compared.
func (c *Config) Hash() string {
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}
