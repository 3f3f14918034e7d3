// Package config loads the top-level TOML document and per-plugin
// companion documents, with documented defaults and an optional
// filesystem watcher for reload.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultGatewayHost   = "127.0.0.1"
	DefaultGatewayPort   = 9000
	DefaultWSPath        = "/ws"
	DefaultTimezone      = "Asia/Shanghai"
	DefaultSendSpacingMs = 1000
	DefaultSigninMin     = 3
	DefaultSigninMax     = 20
	DefaultSigninCycle   = 7
	DefaultSigninCap     = 5
)

// IgnoreMode gates inbound dispatch.
type IgnoreMode string

const (
	IgnoreNone      IgnoreMode = "none"
	IgnoreWhitelist IgnoreMode = "whitelist"
	IgnoreBlacklist IgnoreMode = "blacklist"
)

type Config struct {
	Gateway  GatewayConfig  `toml:"WechatAPIServer"`
	Bot      BotConfig      `toml:"XYBot"`
	Database DatabaseConfig `toml:"Database"`
	WebUI    WebUIConfig    `toml:"WebUI"`
}

type GatewayConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	WSPath  string `toml:"ws-path"`
	Mode    string `toml:"mode"`
	DataDir string `toml:"data-dir"`
	// Command, when set, is the gateway binary the supervisor launches
	// as a child process. Empty means connect to an already-running one.
	Command string `toml:"command"`
}

type BotConfig struct {
	Admins           []string   `toml:"admins"`
	DisabledPlugins  []string   `toml:"disabled-plugins"`
	IgnoreMode       IgnoreMode `toml:"ignore-mode"`
	Whitelist        []string   `toml:"whitelist"`
	Blacklist        []string   `toml:"blacklist"`
	IgnoreProtection bool       `toml:"ignore-protection"`
	Timezone         string     `toml:"timezone"`
	AutoRestart      bool       `toml:"auto-restart"`
	SendSpacingMs    int        `toml:"send-spacing-ms"`

	SigninMin   int `toml:"signin-min-points"`
	SigninMax   int `toml:"signin-max-points"`
	SigninCycle int `toml:"signin-streak-cycle"`
	SigninCap   int `toml:"signin-streak-cap"`
}

type DatabaseConfig struct {
	UsersURL  string `toml:"users-url"`
	KVURL     string `toml:"keyval-url"`
	MsgLogURL string `toml:"msglog-url"`
}

// WebUIConfig is parsed so a shared config file round-trips; the core
// never serves the admin UI.
type WebUIConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:    DefaultGatewayHost,
			Port:    DefaultGatewayPort,
			WSPath:  DefaultWSPath,
			Mode:    "release",
			DataDir: "data",
		},
		Bot: BotConfig{
			IgnoreMode:    IgnoreNone,
			Timezone:      DefaultTimezone,
			SendSpacingMs: DefaultSendSpacingMs,
			SigninMin:     DefaultSigninMin,
			SigninMax:     DefaultSigninMax,
			SigninCycle:   DefaultSigninCycle,
			SigninCap:     DefaultSigninCap,
		},
		Database: DatabaseConfig{
			UsersURL:  "data/xybot.db",
			KVURL:     "data/keyval",
			MsgLogURL: "data/message.db",
		},
		WebUI: WebUIConfig{Port: 8080},
	}
}

// Load reads path and overlays it on the defaults. A missing file is
// not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if host := os.Getenv("XYBOT_GATEWAY_HOST"); host != "" {
		cfg.Gateway.Host = host
	}
	if port := os.Getenv("XYBOT_GATEWAY_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Gateway.Port = parsed
		}
	}
	if dir := os.Getenv("XYBOT_DATA_DIR"); dir != "" {
		cfg.Gateway.DataDir = dir
	}

	return cfg.normalize()
}

func (c *Config) normalize() (*Config, error) {
	switch c.Bot.IgnoreMode {
	case IgnoreNone, IgnoreWhitelist, IgnoreBlacklist:
	case "":
		c.Bot.IgnoreMode = IgnoreNone
	default:
		return nil, fmt.Errorf("unknown ignore-mode %q", c.Bot.IgnoreMode)
	}

	if c.Bot.Timezone == "" {
		c.Bot.Timezone = DefaultTimezone
	}
	if _, err := time.LoadLocation(c.Bot.Timezone); err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Bot.Timezone, err)
	}
	if c.Bot.SendSpacingMs <= 0 {
		c.Bot.SendSpacingMs = DefaultSendSpacingMs
	}
	if c.Bot.SigninCycle <= 0 {
		c.Bot.SigninCycle = DefaultSigninCycle
	}
	if c.Bot.SigninMax < c.Bot.SigninMin {
		c.Bot.SigninMax = c.Bot.SigninMin
	}
	if c.Gateway.WSPath == "" {
		c.Gateway.WSPath = DefaultWSPath
	}
	return c, nil
}

// Location returns the configured IANA zone. normalize guarantees it
// parses.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Bot.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SendSpacing is the inter-send delay for the outbound queue.
func (c *Config) SendSpacing() time.Duration {
	return time.Duration(c.Bot.SendSpacingMs) * time.Millisecond
}

// IsAdmin reports whether wxid holds elevated commands.
func (c *Config) IsAdmin(wxid string) bool {
	for _, id := range c.Bot.Admins {
		if id == wxid {
			return true
		}
	}
	return false
}

// PluginConfigPath locates a plugin's companion document under the
// data dir.
func PluginConfigPath(dataDir, plugin string) string {
	return filepath.Join(dataDir, "plugins.d", plugin+".toml")
}

// LoadPluginConfig decodes a plugin's companion document into out. A
// missing file leaves out untouched so plugin defaults survive.
func LoadPluginConfig(dataDir, plugin string, out any) error {
	data, err := os.ReadFile(PluginConfigPath(dataDir, plugin))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read plugin config %s: %w", plugin, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse plugin config %s: %w", plugin, err)
	}
	return nil
}

// Save writes cfg back to path, creating parent directories.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
