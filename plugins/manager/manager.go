// Package manager is the in-chat admin surface: plugin lifecycle
// commands, point grants, and bot status. It is always loaded and can
// never be disabled.
package manager

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yydsdd211/xybot/internal/config"
	"github.com/yydsdd211/xybot/internal/event"
	"github.com/yydsdd211/xybot/internal/plugin"
)

const Name = plugin.ManagerName

const banner = "----XYBot----"

// Controller is the slice of the registry the manager drives;
// *plugin.Registry satisfies it.
type Controller interface {
	List() []plugin.Record
	Load(name string) error
	Disable(name string) error
	Unload(name string) error
	Reload(name string) error
	ReloadAll() (ok []string, failed map[string]error)
}

type Plugin struct {
	cfg   *config.Config
	ctl   func() Controller
	start time.Time
}

// Factory builds the manager's constructor. The controller is
// resolved lazily because the registry that owns this factory does not
// exist yet when the table is assembled.
func Factory(ctl func() Controller) plugin.Factory {
	return func(cfg *config.Config) (plugin.Plugin, error) {
		return &Plugin{cfg: cfg, ctl: ctl, start: time.Now()}, nil
	}
}

func (p *Plugin) Meta() plugin.Meta {
	return plugin.Meta{
		Name:        Name,
		Description: "admin commands for plugins, points, and status",
		Author:      "xybot",
		Version:     "2.0.0",
	}
}

func (p *Plugin) Handlers() []plugin.HandlerSpec {
	// High priority so admin commands run before ordinary plugins can
	// consume the event.
	return []plugin.HandlerSpec{
		{Kind: event.KindText, Priority: 90, Fn: p.onText},
		{Kind: event.KindAt, Priority: 90, Fn: p.onText},
	}
}

func (p *Plugin) Jobs() []plugin.JobSpec { return nil }

func (p *Plugin) Start(h plugin.Host) error { return nil }
func (p *Plugin) Stop() error               { return nil }

func (p *Plugin) onText(ctx context.Context, h plugin.Host, ev *event.Event) (plugin.Action, error) {
	fields := strings.Fields(strings.TrimSpace(ev.Text))
	if len(fields) == 0 {
		return plugin.ActionContinue, nil
	}

	switch fields[0] {
	case "/plugin", "/status", "/points":
	default:
		return plugin.ActionContinue, nil
	}

	if !p.cfg.IsAdmin(ev.Sender) {
		return plugin.ActionConsumed, p.reply(ctx, h, ev, banner+"\n该命令仅限管理员使用")
	}

	switch fields[0] {
	case "/plugin":
		return plugin.ActionConsumed, p.pluginCmd(ctx, h, ev, fields[1:])
	case "/status":
		return plugin.ActionConsumed, p.statusCmd(ctx, h, ev)
	case "/points":
		return plugin.ActionConsumed, p.pointsCmd(ctx, h, ev, fields[1:])
	}
	return plugin.ActionContinue, nil
}

func (p *Plugin) pluginCmd(ctx context.Context, h plugin.Host, ev *event.Event, args []string) error {
	ctl := p.ctl()
	if len(args) == 0 {
		return p.reply(ctx, h, ev, banner+"\n用法: /plugin list|enable|disable|unload|reload|reload_all [name]")
	}

	switch args[0] {
	case "list":
		var sb strings.Builder
		sb.WriteString(banner)
		for _, rec := range ctl.List() {
			state := "disabled"
			if rec.Enabled {
				state = "enabled"
			}
			fmt.Fprintf(&sb, "\n%s v%s [%s] %s", rec.Meta.Name, rec.Meta.Version, state, rec.Meta.Description)
		}
		return p.reply(ctx, h, ev, sb.String())
	case "reload_all":
		ok, failed := ctl.ReloadAll()
		msg := fmt.Sprintf("%s\n重载完成: %d 成功", banner, len(ok))
		for name, err := range failed {
			msg += fmt.Sprintf("\n失败 %s: %v", name, err)
		}
		return p.reply(ctx, h, ev, msg)
	}

	if len(args) < 2 {
		return p.reply(ctx, h, ev, banner+"\n缺少插件名")
	}
	name := args[1]
	var err error
	switch args[0] {
	case "enable":
		err = ctl.Load(name)
	case "disable":
		err = ctl.Disable(name)
	case "unload":
		err = ctl.Unload(name)
	case "reload":
		err = ctl.Reload(name)
	default:
		return p.reply(ctx, h, ev, fmt.Sprintf("%s\n未知子命令 %q", banner, args[0]))
	}
	if err != nil {
		return p.reply(ctx, h, ev, fmt.Sprintf("%s\n%s %s 失败: %v", banner, args[0], name, err))
	}
	return p.reply(ctx, h, ev, fmt.Sprintf("%s\n%s %s 成功", banner, args[0], name))
}

func (p *Plugin) statusCmd(ctx context.Context, h plugin.Host, ev *event.Event) error {
	msgCount, _ := h.KV().IncrBy("bot:stats:message_count", 0)
	userCount, _ := h.KV().IncrBy("bot:stats:user_count", 0)

	uptime := time.Since(p.start).Round(time.Second)
	msg := fmt.Sprintf("%s\n账号: %s (%s)\n运行时长: %s\n消息数: %d\n用户数: %d",
		banner, h.Nickname(), h.Wxid(), uptime, msgCount, userCount)
	return p.reply(ctx, h, ev, msg)
}

func (p *Plugin) pointsCmd(ctx context.Context, h plugin.Host, ev *event.Event, args []string) error {
	if len(args) != 3 || args[0] != "grant" {
		return p.reply(ctx, h, ev, banner+"\n用法: /points grant <wxid> <n>")
	}
	target := args[1]
	if len(ev.AtList) == 1 {
		target = ev.AtList[0]
	}
	n, err := strconv.Atoi(args[2])
	if err != nil {
		return p.reply(ctx, h, ev, banner+"\n数量无效")
	}
	if err := h.Users().AddPoints(target, n); err != nil {
		return p.reply(ctx, h, ev, fmt.Sprintf("%s\n发放失败: %v", banner, err))
	}
	return p.reply(ctx, h, ev, fmt.Sprintf("%s\n已向 %s 发放 %d 积分", banner, target, n))
}

func (p *Plugin) reply(ctx context.Context, h plugin.Host, ev *event.Event, text string) error {
	var err error
	if ev.IsGroup {
		_, err = h.SendAtText(ctx, ev.FromConv, text, ev.Sender)
	} else {
		_, err = h.SendText(ctx, ev.FromConv, text)
	}
	return err
}
