package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Provider: "anthropic",
				Model:    "claude-sonnet-4-5",
			},
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18890,
		},
		Sessions: SessionsConfig{
			Storage: "~/.clawgate/sessions",
			DMScope: "main",
			MainKey: "main",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
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

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CLAWGATE_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("CLAWGATE_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("CLAWGATE_DISCORD_TOKEN", &c.Channels.Discord.Token)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("CLAWGATE_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("CLAWGATE_MODEL", &c.Agents.Defaults.Model)
	envStr("CLAWGATE_SESSIONS_STORAGE", &c.Sessions.Storage)

	envStr("CLAWGATE_HOST", &c.Gateway.Host)
	if v := os.Getenv("CLAWGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("CLAWGATE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CLAWGATE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CLAWGATE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CLAWGATE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields
// masked, for exposure to gateway clients.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)

	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// SessionsDir returns the expanded session storage directory.
func (c *Config) SessionsDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Sessions.Storage)
}

// CronStorePath returns the expanded cron job store path, defaulting to a
// cron/ subdirectory of the session storage.
func (c *Config) CronStorePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Cron.Storage != "" {
		return ExpandHome(c.Cron.Storage)
	}
	return filepath.Join(ExpandHome(c.Sessions.Storage), "cron", "jobs.json")
}

// ModelCatalogPath returns the expanded model catalog path, defaulting to a
// models.json next to the session storage directory.
func (c *Config) ModelCatalogPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Models.Catalog != "" {
		return ExpandHome(c.Models.Catalog)
	}
	return filepath.Join(filepath.Dir(ExpandHome(c.Sessions.Storage)), "models.json")
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
