// Package signin implements the daily check-in command: a random
// point reward plus a streak bonus.
package signin

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/yydsdd211/xybot/internal/config"
	"github.com/yydsdd211/xybot/internal/event"
	"github.com/yydsdd211/xybot/internal/plugin"
	"github.com/yydsdd211/xybot/internal/store"
)

const Name = "signin"

const banner = "----XYBot----"

// pluginConfig is the companion document under plugins.d/signin.toml.
type pluginConfig struct {
	Commands []string `toml:"commands"`
}

type Plugin struct {
	cfg      *config.Config
	commands map[string]bool
	loc      *time.Location
}

func New(cfg *config.Config) (plugin.Plugin, error) {
	pc := pluginConfig{Commands: []string{"签到", "/signin"}}
	if err := config.LoadPluginConfig(cfg.Gateway.DataDir, Name, &pc); err != nil {
		return nil, err
	}
	commands := make(map[string]bool, len(pc.Commands))
	for _, cmd := range pc.Commands {
		commands[cmd] = true
	}
	return &Plugin{cfg: cfg, commands: commands, loc: cfg.Location()}, nil
}

func (p *Plugin) Meta() plugin.Meta {
	return plugin.Meta{
		Name:        Name,
		Description: "daily check-in with streak bonuses",
		Author:      "xybot",
		Version:     "1.1.0",
	}
}

func (p *Plugin) Handlers() []plugin.HandlerSpec {
	return []plugin.HandlerSpec{
		{Kind: event.KindText, Priority: plugin.DefaultPriority, Fn: p.onText},
		{Kind: event.KindAt, Priority: plugin.DefaultPriority, Fn: p.onText},
	}
}

func (p *Plugin) Jobs() []plugin.JobSpec { return nil }

func (p *Plugin) Start(h plugin.Host) error { return nil }
func (p *Plugin) Stop() error               { return nil }

func (p *Plugin) onText(ctx context.Context, h plugin.Host, ev *event.Event) (plugin.Action, error) {
	if !p.commands[strings.TrimSpace(ev.Text)] {
		return plugin.ActionContinue, nil
	}

	streak, err := h.Users().Signin(ev.Sender, time.Now().In(p.loc))
	if errors.Is(err, store.ErrAlreadySignedIn) {
		reply := fmt.Sprintf("%s\n今天已经签到过了，连续签到 %d 天", banner, streak)
		return plugin.ActionConsumed, p.reply(ctx, h, ev, reply)
	}
	if err != nil {
		return plugin.ActionConsumed, fmt.Errorf("signin %s: %w", ev.Sender, err)
	}

	points := p.reward(streak)
	if err := h.Users().AddPoints(ev.Sender, points); err != nil {
		return plugin.ActionConsumed, fmt.Errorf("signin reward %s: %w", ev.Sender, err)
	}

	total, _ := h.Users().GetPoints(ev.Sender)
	reply := fmt.Sprintf("%s\n签到成功！获得 %d 积分（连续 %d 天），当前积分 %d",
		banner, points, streak, total)
	return plugin.ActionConsumed, p.reply(ctx, h, ev, reply)
}

// reward is a uniform draw from [min, max] plus a streak bonus capped
// at the configured maximum.
func (p *Plugin) reward(streak int) int {
	min, max := p.cfg.Bot.SigninMin, p.cfg.Bot.SigninMax
	points := min
	if max > min {
		points += rand.Intn(max - min + 1)
	}
	bonus := streak / p.cfg.Bot.SigninCycle
	if bonus > p.cfg.Bot.SigninCap {
		bonus = p.cfg.Bot.SigninCap
	}
	return points + bonus
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
