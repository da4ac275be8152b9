package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Admin: AdminConfig{
			FailuresPerMinute: 30,
		},
		LLM: LLMConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-5-20250929",
			MaxTokens:   1024,
			Temperature: 0.7,
		},
		Moderation: ModerationConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "omni-moderation-latest",
		},
		Safety: SafetyConfig{
			MaxInputChars: 2000,
			CacheTTLMS:    300_000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; env vars alone can configure the gateway.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	// Secrets are env-only.
	envStr("DATABASE_URL", &c.Database.URL)
	envStr("ADMIN_KEY", &c.Admin.Key)
	envStr("LLM_API_KEY", &c.LLM.APIKey)
	envStr("MODERATION_API_KEY", &c.Moderation.APIKey)

	envStr("SENTRA_HOST", &c.Server.Host)
	envInt("PORT", &c.Server.Port)

	envInt("MAX_INPUT_CHARS", &c.Safety.MaxInputChars)
	envInt("CACHE_TTL_MS", &c.Safety.CacheTTLMS)

	envStr("SENTRA_LLM_PROVIDER", &c.LLM.Provider)
	envStr("SENTRA_LLM_MODEL", &c.LLM.Model)
	envStr("SENTRA_LLM_BASE_URL", &c.LLM.BaseURL)
	envStr("SENTRA_MODERATION_BASE_URL", &c.Moderation.BaseURL)
	envStr("SENTRA_MODERATION_MODEL", &c.Moderation.Model)

	envStr("SENTRA_LOG_LEVEL", &c.Log.Level)

	envStr("SENTRA_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("SENTRA_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("SENTRA_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("SENTRA_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SENTRA_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by `sentra doctor` to print the effective config safely. Secrets are
// tagged `json:"-"` so the round trip drops them; set ones are re-added as
// the mask so the output shows which secrets are present.
func (c *Config) MaskedCopy() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	if c.Database.URL != "" {
		cp.Database.URL = secretMask
	}
	if c.Admin.Key != "" {
		cp.Admin.Key = secretMask
	}
	if c.LLM.APIKey != "" {
		cp.LLM.APIKey = secretMask
	}
	if c.Moderation.APIKey != "" {
		cp.Moderation.APIKey = secretMask
	}
	return cp
}
