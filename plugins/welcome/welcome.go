// Package welcome greets new group members and, when configured,
// auto-accepts friend requests.
package welcome

import (
	"context"
	"fmt"
	"strings"

	"github.com/yydsdd211/xybot/internal/config"
	"github.com/yydsdd211/xybot/internal/event"
	"github.com/yydsdd211/xybot/internal/plugin"
	"github.com/yydsdd211/xybot/internal/risk"
)

const Name = "welcome"

type pluginConfig struct {
	GroupWelcome   string `toml:"group-welcome"`
	AutoAccept     bool   `toml:"auto-accept-friends"`
	FriendGreeting string `toml:"friend-greeting"`
}

type Plugin struct {
	cfg *config.Config
	pc  pluginConfig
}

func New(cfg *config.Config) (plugin.Plugin, error) {
	pc := pluginConfig{
		GroupWelcome:   "欢迎加入本群！",
		FriendGreeting: "你好，我是 XYBot，很高兴认识你！",
	}
	if err := config.LoadPluginConfig(cfg.Gateway.DataDir, Name, &pc); err != nil {
		return nil, err
	}
	return &Plugin{cfg: cfg, pc: pc}, nil
}

func (p *Plugin) Meta() plugin.Meta {
	return plugin.Meta{
		Name:        Name,
		Description: "group member greetings and friend auto-accept",
		Author:      "xybot",
		Version:     "1.0.1",
	}
}

func (p *Plugin) Handlers() []plugin.HandlerSpec {
	return []plugin.HandlerSpec{
		{Kind: event.KindSystem, Priority: plugin.DefaultPriority, Fn: p.onSystem},
		{Kind: event.KindFriendRequest, Priority: plugin.DefaultPriority, Fn: p.onFriendRequest},
	}
}

func (p *Plugin) Jobs() []plugin.JobSpec { return nil }

func (p *Plugin) Start(h plugin.Host) error { return nil }
func (p *Plugin) Stop() error               { return nil }

// onSystem watches for member-joined notices in groups.
func (p *Plugin) onSystem(ctx context.Context, h plugin.Host, ev *event.Event) (plugin.Action, error) {
	if !ev.IsGroup || p.pc.GroupWelcome == "" {
		return plugin.ActionContinue, nil
	}
	if !strings.Contains(ev.Text, "加入了群聊") && !strings.Contains(ev.Text, "加入群聊") {
		return plugin.ActionContinue, nil
	}
	if _, err := h.SendText(ctx, ev.FromConv, p.pc.GroupWelcome); err != nil {
		return plugin.ActionContinue, fmt.Errorf("group welcome %s: %w", ev.FromConv, err)
	}
	return plugin.ActionContinue, nil
}

func (p *Plugin) onFriendRequest(ctx context.Context, h plugin.Host, ev *event.Event) (plugin.Action, error) {
	if !p.pc.AutoAccept {
		return plugin.ActionContinue, nil
	}
	if h.RiskBlocked(risk.VerbAcceptFriend) {
		return plugin.ActionConsumed, fmt.Errorf("accept friend %s: banned in protection window", ev.Sender)
	}
	if err := h.AcceptFriend(ctx, ev.Scene, ev.V1, ev.V2); err != nil {
		return plugin.ActionConsumed, fmt.Errorf("accept friend %s: %w", ev.Sender, err)
	}
	if p.pc.FriendGreeting != "" {
		if _, err := h.SendText(ctx, ev.Sender, p.pc.FriendGreeting); err != nil {
			return plugin.ActionConsumed, fmt.Errorf("greet %s: %w", ev.Sender, err)
		}
	}
	return plugin.ActionConsumed, nil
}
