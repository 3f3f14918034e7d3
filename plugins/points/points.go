// Package points exposes balance queries, a leaderboard, and
// peer-to-peer transfers.
package points

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/yydsdd211/xybot/internal/config"
	"github.com/yydsdd211/xybot/internal/event"
	"github.com/yydsdd211/xybot/internal/plugin"
	"github.com/yydsdd211/xybot/internal/store"
)

const Name = "points"

const banner = "----XYBot----"

type pluginConfig struct {
	QueryCommands       []string `toml:"query-commands"`
	LeaderboardCommands []string `toml:"leaderboard-commands"`
	TransferCommand     string   `toml:"transfer-command"`
	LeaderboardSize     int      `toml:"leaderboard-size"`
}

type Plugin struct {
	cfg *config.Config
	pc  pluginConfig
}

func New(cfg *config.Config) (plugin.Plugin, error) {
	pc := pluginConfig{
		QueryCommands:       []string{"积分", "/points"},
		LeaderboardCommands: []string{"排行榜", "/leaderboard"},
		TransferCommand:     "转账",
		LeaderboardSize:     10,
	}
	if err := config.LoadPluginConfig(cfg.Gateway.DataDir, Name, &pc); err != nil {
		return nil, err
	}
	if pc.LeaderboardSize <= 0 {
		pc.LeaderboardSize = 10
	}
	return &Plugin{cfg: cfg, pc: pc}, nil
}

func (p *Plugin) Meta() plugin.Meta {
	return plugin.Meta{
		Name:        Name,
		Description: "point balances, leaderboard, transfers",
		Author:      "xybot",
		Version:     "1.0.2",
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
	text := strings.TrimSpace(ev.Text)

	if contains(p.pc.QueryCommands, text) {
		points, err := h.Users().GetPoints(ev.Sender)
		if err != nil {
			return plugin.ActionConsumed, fmt.Errorf("query points %s: %w", ev.Sender, err)
		}
		return plugin.ActionConsumed, p.reply(ctx, h, ev,
			fmt.Sprintf("%s\n当前积分：%d", banner, points))
	}

	if contains(p.pc.LeaderboardCommands, text) {
		return plugin.ActionConsumed, p.leaderboard(ctx, h, ev)
	}

	if fields := strings.Fields(text); len(fields) == 3 && fields[0] == p.pc.TransferCommand {
		// Canonical order is "转账 <amount> <target>"; tolerate the
		// swapped form by picking whichever field is numeric.
		amount, to := fields[1], fields[2]
		if _, err := strconv.Atoi(amount); err != nil {
			if _, err := strconv.Atoi(to); err == nil {
				amount, to = to, amount
			}
		}
		return plugin.ActionConsumed, p.transfer(ctx, h, ev, to, amount)
	}

	return plugin.ActionContinue, nil
}

func (p *Plugin) leaderboard(ctx context.Context, h plugin.Host, ev *event.Event) error {
	entries, err := h.Users().Leaderboard(p.pc.LeaderboardSize)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(banner)
	sb.WriteString("\n积分排行榜")
	for i, entry := range entries {
		name, err := h.GetNickname(ctx, entry.UserID)
		if err != nil || name == "" {
			name = entry.UserID
		}
		fmt.Fprintf(&sb, "\n%d. %s：%d", i+1, name, entry.Points)
	}
	return p.reply(ctx, h, ev, sb.String())
}

func (p *Plugin) transfer(ctx context.Context, h plugin.Host, ev *event.Event, to, amount string) error {
	n, err := strconv.Atoi(amount)
	if err != nil || n <= 0 {
		return p.reply(ctx, h, ev, banner+"\n转账金额无效")
	}
	// In groups the target may come in as an at-mention.
	if len(ev.AtList) == 1 {
		to = ev.AtList[0]
	}

	err = h.Users().TransferPoints(ev.Sender, to, n)
	if errors.Is(err, store.ErrInsufficientPoints) {
		return p.reply(ctx, h, ev, banner+"\n积分不足，转账失败")
	}
	if err != nil {
		return fmt.Errorf("transfer %s -> %s: %w", ev.Sender, to, err)
	}
	srcLeft, _ := h.Users().GetPoints(ev.Sender)
	dstNow, _ := h.Users().GetPoints(to)
	return p.reply(ctx, h, ev, fmt.Sprintf("%s\n转账成功：%d 积分 -> %s\n你的余额：%d，对方余额：%d",
		banner, n, to, srcLeft, dstNow))
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

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
