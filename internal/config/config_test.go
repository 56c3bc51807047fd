package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agents.Defaults.Provider != "anthropic" {
		t.Fatalf("default provider = %q", cfg.Agents.Defaults.Provider)
	}
	if cfg.Sessions.MainKey != "main" || cfg.Sessions.DMScope != "main" {
		t.Fatalf("session defaults = %+v", cfg.Sessions)
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
	// comments are allowed
	sessions: { storage: "/tmp/claw-sessions", dm_scope: "per-peer" },
	bindings: [
		{ agentId: "support", match: { channel: "telegram" } },
	],
}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sessions.Storage != "/tmp/claw-sessions" {
		t.Fatalf("storage = %q", cfg.Sessions.Storage)
	}
	if len(cfg.Bindings) != 1 || cfg.Bindings[0].AgentID != "support" {
		t.Fatalf("bindings = %+v", cfg.Bindings)
	}

	rc := cfg.ToRouteConfig()
	if rc.DMScope != "per-peer" {
		t.Fatalf("route dm scope = %q", rc.DMScope)
	}
	if len(rc.Bindings) != 1 || rc.Bindings[0].Channel != "telegram" {
		t.Fatalf("route bindings = %+v", rc.Bindings)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLAWGATE_TELEGRAM_TOKEN", "tg-secret")
	t.Setenv("CLAWGATE_PORT", "9999")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channels.Telegram.Token != "tg-secret" {
		t.Fatalf("telegram token = %q", cfg.Channels.Telegram.Token)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Fatal("telegram not auto-enabled by env token")
	}
	if cfg.Gateway.Port != 9999 {
		t.Fatalf("port = %d", cfg.Gateway.Port)
	}
}

func TestMaskedCopyHidesSecrets(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Token = "gw-secret"
	cfg.Channels.Discord.Token = "dc-secret"

	cp := cfg.MaskedCopy()
	if cp.Gateway.Token != secretMask || cp.Channels.Discord.Token != secretMask {
		t.Fatalf("secrets not masked: %+v", cp.Gateway)
	}
	if cfg.Gateway.Token != "gw-secret" {
		t.Fatal("original mutated")
	}
}

func TestToRouteConfigDefaultAgent(t *testing.T) {
	cfg := Default()
	if rc := cfg.ToRouteConfig(); rc.DefaultAgent != "" {
		t.Fatalf("default agent = %q, want empty without configuration", rc.DefaultAgent)
	}

	cfg.Agents.List = map[string]AgentSpec{"support": {Default: true}}
	if rc := cfg.ToRouteConfig(); rc.DefaultAgent != "support" {
		t.Fatalf("default agent = %q, want support", rc.DefaultAgent)
	}
}

func TestActiveHoursContains(t *testing.T) {
	at := func(hhmm string) time.Time {
		tm, err := time.Parse("2006-01-02 15:04", "2026-03-10 "+hhmm)
		if err != nil {
			t.Fatal(err)
		}
		return tm
	}

	day := &ActiveHoursConfig{Start: "09:00", End: "17:00"}
	if !day.Contains(at("09:00")) || !day.Contains(at("12:30")) {
		t.Error("daytime window rejects in-window instants")
	}
	if day.Contains(at("08:59")) || day.Contains(at("17:00")) {
		t.Error("daytime window accepts out-of-window instants")
	}

	night := &ActiveHoursConfig{Start: "22:00", End: "06:00"}
	if !night.Contains(at("23:15")) || !night.Contains(at("05:59")) {
		t.Error("overnight window rejects in-window instants")
	}
	if night.Contains(at("12:00")) {
		t.Error("overnight window accepts midday")
	}

	var unset *ActiveHoursConfig
	if !unset.Contains(time.Now()) {
		t.Error("nil window must contain every instant")
	}
	partial := &ActiveHoursConfig{Start: "09:00"}
	if !partial.Contains(at("03:00")) {
		t.Error("incomplete window must contain every instant")
	}
}

func TestFlexibleStringSlice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{ channels: { telegram: { allow_from: [123456, "alice"] } } }`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := []string(cfg.Channels.Telegram.AllowFrom)
	if len(got) != 2 || got[0] != "123456" || got[1] != "alice" {
		t.Fatalf("allow_from = %v", got)
	}
}
