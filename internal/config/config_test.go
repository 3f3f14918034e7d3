package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg == nil {
		t.Fatal("Default returned nil")
	}
	if cfg.Gateway.Host != DefaultGatewayHost {
		t.Errorf("host = %q, want %q", cfg.Gateway.Host, DefaultGatewayHost)
	}
	if cfg.Gateway.Port != DefaultGatewayPort {
		t.Errorf("port = %d, want %d", cfg.Gateway.Port, DefaultGatewayPort)
	}
	if cfg.Bot.IgnoreMode != IgnoreNone {
		t.Errorf("ignore-mode = %q, want none", cfg.Bot.IgnoreMode)
	}
	if cfg.Bot.SendSpacingMs != DefaultSendSpacingMs {
		t.Errorf("send-spacing-ms = %d, want %d", cfg.Bot.SendSpacingMs, DefaultSendSpacingMs)
	}
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Bot.Timezone != DefaultTimezone {
		t.Errorf("timezone = %q, want %q", cfg.Bot.Timezone, DefaultTimezone)
	}
}

func TestLoad_File(t *testing.T) {
	doc := `
[WechatAPIServer]
host = "10.0.0.2"
port = 9100

[XYBot]
admins = ["wxid_admin"]
ignore-mode = "whitelist"
whitelist = ["wxid_friend"]
timezone = "UTC"
send-spacing-ms = 500
`
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Gateway.Host != "10.0.0.2" || cfg.Gateway.Port != 9100 {
		t.Errorf("gateway = %s:%d, want 10.0.0.2:9100", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if cfg.Bot.IgnoreMode != IgnoreWhitelist {
		t.Errorf("ignore-mode = %q, want whitelist", cfg.Bot.IgnoreMode)
	}
	if !cfg.IsAdmin("wxid_admin") {
		t.Error("wxid_admin should be admin")
	}
	if cfg.IsAdmin("wxid_other") {
		t.Error("wxid_other should not be admin")
	}
	if cfg.SendSpacing() != 500*time.Millisecond {
		t.Errorf("SendSpacing = %v, want 500ms", cfg.SendSpacing())
	}
	// Defaults survive a partial document.
	if cfg.Database.UsersURL != "data/xybot.db" {
		t.Errorf("users-url = %q, want default", cfg.Database.UsersURL)
	}
}

func TestLoad_ParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("not [valid toml"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoad_BadIgnoreMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[XYBot]\nignore-mode = \"bogus\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown ignore-mode")
	}
}

func TestLoad_BadTimezone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[XYBot]\ntimezone = \"Mars/Olympus\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown timezone")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("XYBOT_GATEWAY_HOST", "192.168.1.5")
	t.Setenv("XYBOT_GATEWAY_PORT", "9999")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Gateway.Host != "192.168.1.5" {
		t.Errorf("host = %q, want env override", cfg.Gateway.Host)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Gateway.Port)
	}
}

func TestLoadPluginConfig(t *testing.T) {
	dataDir := t.TempDir()
	dir := filepath.Join(dataDir, "plugins.d")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "signin.toml"), []byte("greeting = \"gm\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var out struct {
		Greeting string `toml:"greeting"`
	}
	out.Greeting = "default"
	if err := LoadPluginConfig(dataDir, "signin", &out); err != nil {
		t.Fatalf("LoadPluginConfig error: %v", err)
	}
	if out.Greeting != "gm" {
		t.Errorf("greeting = %q, want gm", out.Greeting)
	}

	// Missing file keeps defaults.
	out.Greeting = "default"
	if err := LoadPluginConfig(dataDir, "absent", &out); err != nil {
		t.Fatalf("LoadPluginConfig missing file error: %v", err)
	}
	if out.Greeting != "default" {
		t.Errorf("greeting = %q, want default", out.Greeting)
	}
}

func TestRoundTrip_Save(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	orig := Default()
	orig.Bot.Admins = []string{"wxid_admin"}

	if err := Save(path, orig); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(loaded.Bot.Admins) != 1 || loaded.Bot.Admins[0] != "wxid_admin" {
		t.Errorf("admins = %v, want [wxid_admin]", loaded.Bot.Admins)
	}
}
