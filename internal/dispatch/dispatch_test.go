package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/yydsdd211/xybot/internal/config"
	"github.com/yydsdd211/xybot/internal/event"
	"github.com/yydsdd211/xybot/internal/plugin"
	"github.com/yydsdd211/xybot/internal/risk"
)

func textEvent(from, sender, text string) *event.Event {
	return &event.Event{
		Kind:     event.KindText,
		FromConv: from,
		Sender:   sender,
		IsGroup:  event.IsGroupConv(from),
		Text:     text,
	}
}

func record(order *[]string, name string, action plugin.Action) plugin.HandlerFunc {
	return func(ctx context.Context, h plugin.Host, ev *event.Event) (plugin.Action, error) {
		*order = append(*order, name)
		return action, nil
	}
}

func TestChainPriorityOrder(t *testing.T) {
	d := New(config.Default(), nil, nil)
	var order []string
	d.Bind("a", []plugin.HandlerSpec{
		{Kind: event.KindText, Priority: 10, Fn: record(&order, "low", plugin.ActionContinue)},
		{Kind: event.KindText, Priority: 90, Fn: record(&order, "high", plugin.ActionContinue)},
	})
	d.Bind("b", []plugin.HandlerSpec{
		{Kind: event.KindText, Priority: 50, Fn: record(&order, "mid-b1", plugin.ActionContinue)},
		{Kind: event.KindText, Priority: 50, Fn: record(&order, "mid-b2", plugin.ActionContinue)},
	})

	d.Dispatch(context.Background(), textEvent("wxid_peer", "wxid_peer", "hi"))

	want := []string{"high", "mid-b1", "mid-b2", "low"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestConsumedStopsChain(t *testing.T) {
	d := New(config.Default(), nil, nil)
	var order []string
	d.Bind("a", []plugin.HandlerSpec{
		{Kind: event.KindText, Priority: 90, Fn: record(&order, "first", plugin.ActionConsumed)},
		{Kind: event.KindText, Priority: 10, Fn: record(&order, "second", plugin.ActionContinue)},
	})

	d.Dispatch(context.Background(), textEvent("wxid_peer", "wxid_peer", "hi"))

	if len(order) != 1 || order[0] != "first" {
		t.Errorf("order = %v, want only the consuming handler", order)
	}
}

func TestHandlerErrorContinuesChain(t *testing.T) {
	d := New(config.Default(), nil, nil)
	var order []string
	d.Bind("a", []plugin.HandlerSpec{
		{Kind: event.KindText, Priority: 90, Fn: func(ctx context.Context, h plugin.Host, ev *event.Event) (plugin.Action, error) {
			order = append(order, "failing")
			return plugin.ActionContinue, errors.New("boom")
		}},
		{Kind: event.KindText, Priority: 10, Fn: record(&order, "after", plugin.ActionContinue)},
	})

	d.Dispatch(context.Background(), textEvent("wxid_peer", "wxid_peer", "hi"))

	if len(order) != 2 || order[1] != "after" {
		t.Errorf("order = %v, errors must not break the chain", order)
	}
}

func TestHandlerPanicContinuesChain(t *testing.T) {
	d := New(config.Default(), nil, nil)
	var order []string
	d.Bind("a", []plugin.HandlerSpec{
		{Kind: event.KindText, Priority: 90, Fn: func(ctx context.Context, h plugin.Host, ev *event.Event) (plugin.Action, error) {
			panic("handler bug")
		}},
		{Kind: event.KindText, Priority: 10, Fn: record(&order, "survivor", plugin.ActionContinue)},
	})

	d.Dispatch(context.Background(), textEvent("wxid_peer", "wxid_peer", "hi"))

	if len(order) != 1 || order[0] != "survivor" {
		t.Errorf("order = %v, panics must not break the chain", order)
	}
}

func TestHandlersGetIsolatedCopies(t *testing.T) {
	d := New(config.Default(), nil, nil)
	var second string
	d.Bind("a", []plugin.HandlerSpec{
		{Kind: event.KindText, Priority: 90, Fn: func(ctx context.Context, h plugin.Host, ev *event.Event) (plugin.Action, error) {
			ev.Text = "mutated"
			return plugin.ActionContinue, nil
		}},
		{Kind: event.KindText, Priority: 10, Fn: func(ctx context.Context, h plugin.Host, ev *event.Event) (plugin.Action, error) {
			second = ev.Text
			return plugin.ActionContinue, nil
		}},
	})

	original := textEvent("wxid_peer", "wxid_peer", "untouched")
	d.Dispatch(context.Background(), original)

	if second != "untouched" {
		t.Errorf("second handler saw %q, mutations leaked", second)
	}
	if original.Text != "untouched" {
		t.Errorf("original event mutated: %q", original.Text)
	}
}

func TestWhitelistMode(t *testing.T) {
	cfg := config.Default()
	cfg.Bot.IgnoreMode = config.IgnoreWhitelist
	cfg.Bot.Whitelist = []string{"wxid_friend", "allowed@chatroom"}
	d := New(cfg, nil, nil)

	var hits int
	d.Bind("a", []plugin.HandlerSpec{
		{Kind: event.KindText, Priority: 50, Fn: func(ctx context.Context, h plugin.Host, ev *event.Event) (plugin.Action, error) {
			hits++
			return plugin.ActionContinue, nil
		}},
	})

	tests := []struct {
		name string
		ev   *event.Event
		want int
	}{
		{"listed conversation", textEvent("wxid_friend", "wxid_friend", "hi"), 1},
		{"listed group", textEvent("allowed@chatroom", "wxid_stranger", "hi"), 2},
		{"listed sender in unlisted group", textEvent("other@chatroom", "wxid_friend", "hi"), 3},
		{"unlisted both", textEvent("wxid_stranger", "wxid_stranger", "hi"), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d.Dispatch(context.Background(), tt.ev)
			if hits != tt.want {
				t.Errorf("hits = %d, want %d", hits, tt.want)
			}
		})
	}
}

func TestBlacklistMode(t *testing.T) {
	cfg := config.Default()
	cfg.Bot.IgnoreMode = config.IgnoreBlacklist
	cfg.Bot.Blacklist = []string{"wxid_spammer"}
	d := New(cfg, nil, nil)

	var hits int
	d.Bind("a", []plugin.HandlerSpec{
		{Kind: event.KindText, Priority: 50, Fn: func(ctx context.Context, h plugin.Host, ev *event.Event) (plugin.Action, error) {
			hits++
			return plugin.ActionContinue, nil
		}},
	})

	d.Dispatch(context.Background(), textEvent("wxid_spammer", "wxid_spammer", "buy now"))
	d.Dispatch(context.Background(), textEvent("group@chatroom", "wxid_spammer", "buy now"))
	d.Dispatch(context.Background(), textEvent("wxid_ok", "wxid_ok", "hi"))
	if hits != 1 {
		t.Errorf("hits = %d, want 1 (only the clean sender)", hits)
	}
}

func TestRiskGateDropsOutboundKinds(t *testing.T) {
	gate, err := risk.NewGate(filepath.Join(t.TempDir(), "risk.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := gate.UpdateLoginTime(false); err != nil {
		t.Fatal(err)
	}

	d := New(config.Default(), gate, nil)
	var hits int
	count := func(ctx context.Context, h plugin.Host, ev *event.Event) (plugin.Action, error) {
		hits++
		return plugin.ActionContinue, nil
	}
	d.Bind("a", []plugin.HandlerSpec{
		{Kind: event.KindText, Priority: 50, Fn: count},
		{Kind: event.KindSystem, Priority: 50, Fn: count},
	})

	d.Dispatch(context.Background(), textEvent("wxid_peer", "wxid_peer", "hi"))
	if hits != 0 {
		t.Errorf("outbound-capable kind dispatched inside protection window")
	}

	sys := &event.Event{Kind: event.KindSystem, FromConv: "wxid_peer", Sender: "wxid_peer"}
	d.Dispatch(context.Background(), sys)
	if hits != 1 {
		t.Errorf("system events should pass the risk gate, hits = %d", hits)
	}

	gate.Disabled = true
	d.Dispatch(context.Background(), textEvent("wxid_peer", "wxid_peer", "hi"))
	if hits != 2 {
		t.Errorf("ignore-protection should bypass the gate, hits = %d", hits)
	}
}

func TestUnbindRemovesOwnHandlersOnly(t *testing.T) {
	d := New(config.Default(), nil, nil)
	var order []string
	d.Bind("a", []plugin.HandlerSpec{{Kind: event.KindText, Priority: 50, Fn: record(&order, "a", plugin.ActionContinue)}})
	d.Bind("b", []plugin.HandlerSpec{{Kind: event.KindText, Priority: 50, Fn: record(&order, "b", plugin.ActionContinue)}})

	d.Unbind("a")
	d.Dispatch(context.Background(), textEvent("wxid_peer", "wxid_peer", "hi"))

	if len(order) != 1 || order[0] != "b" {
		t.Errorf("order = %v, want only b", order)
	}
	if d.Handlers(event.KindText) != 1 {
		t.Errorf("handlers = %d, want 1", d.Handlers(event.KindText))
	}
}

func TestRebindReplacesNotDuplicates(t *testing.T) {
	d := New(config.Default(), nil, nil)
	var order []string
	spec := []plugin.HandlerSpec{{Kind: event.KindText, Priority: 50, Fn: record(&order, "a", plugin.ActionContinue)}}
	d.Bind("a", spec)
	d.Bind("a", spec)

	d.Dispatch(context.Background(), textEvent("wxid_peer", "wxid_peer", "hi"))
	if len(order) != 1 {
		t.Errorf("handler ran %d times, rebind must not duplicate", len(order))
	}
}
