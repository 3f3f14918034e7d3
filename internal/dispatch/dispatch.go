// Package dispatch routes decoded events through plugin handler
// chains: filter, risk check, then priority-ordered invocation.
package dispatch

import (
	"context"
	"log"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/yydsdd211/xybot/internal/config"
	"github.com/yydsdd211/xybot/internal/event"
	"github.com/yydsdd211/xybot/internal/plugin"
	"github.com/yydsdd211/xybot/internal/risk"
)

// outboundKinds are the event kinds whose handlers typically send
// replies; only these are dropped while the risk gate is engaged.
var outboundKinds = map[event.Kind]bool{
	event.KindText:          true,
	event.KindAt:            true,
	event.KindImage:         true,
	event.KindVoice:         true,
	event.KindVideo:         true,
	event.KindFile:          true,
	event.KindEmoji:         true,
	event.KindQuote:         true,
	event.KindPat:           true,
	event.KindFriendRequest: true,
}

type binding struct {
	owner string
	spec  plugin.HandlerSpec
	seq   int
}

// Dispatcher holds the handler tables. It implements plugin.Binder so
// the registry can rebind on load and reload.
type Dispatcher struct {
	cfg  *config.Config
	gate *risk.Gate
	host plugin.Host

	mu     sync.RWMutex
	chains map[event.Kind][]binding
	seq    int
}

func New(cfg *config.Config, gate *risk.Gate, host plugin.Host) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		gate:   gate,
		host:   host,
		chains: make(map[event.Kind][]binding),
	}
}

// Bind registers a plugin's handlers, replacing any previous bindings
// for the same owner. Within one call, registration order is kept for
// equal priorities.
func (d *Dispatcher) Bind(owner string, specs []plugin.HandlerSpec) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unbindLocked(owner)
	for _, spec := range specs {
		d.seq++
		d.chains[spec.Kind] = append(d.chains[spec.Kind], binding{owner: owner, spec: spec, seq: d.seq})
	}
	for kind := range d.chains {
		d.sortChainLocked(kind)
	}
}

// Unbind removes every handler owned by a plugin.
func (d *Dispatcher) Unbind(owner string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unbindLocked(owner)
}

func (d *Dispatcher) unbindLocked(owner string) {
	for kind, chain := range d.chains {
		kept := chain[:0]
		for _, b := range chain {
			if b.owner != owner {
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			delete(d.chains, kind)
			continue
		}
		d.chains[kind] = kept
	}
}

// Sort by priority descending; equal priorities keep registration
// order.
func (d *Dispatcher) sortChainLocked(kind event.Kind) {
	chain := d.chains[kind]
	sort.SliceStable(chain, func(i, j int) bool {
		if chain[i].spec.Priority != chain[j].spec.Priority {
			return chain[i].spec.Priority > chain[j].spec.Priority
		}
		return chain[i].seq < chain[j].seq
	})
}

// Handlers reports the chain length for a kind, for the admin surface.
func (d *Dispatcher) Handlers(kind event.Kind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.chains[kind])
}

// Dispatch runs one event through its chain. Dispatch is serial per
// caller; the supervisor invokes it from the single inbound loop.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *event.Event) {
	if !d.allowed(ev) {
		log.Printf("[dispatch] dropped %s from %s by ignore mode", ev.Kind, ev.FromConv)
		return
	}
	if outboundKinds[ev.Kind] && d.gate != nil && d.gate.Blocked(risk.VerbSend) {
		log.Printf("[dispatch] dropped %s from %s, inside protection window", ev.Kind, ev.FromConv)
		return
	}

	d.mu.RLock()
	chain := append([]binding(nil), d.chains[ev.Kind]...)
	d.mu.RUnlock()

	for _, b := range chain {
		action := d.invoke(ctx, b, ev.Clone())
		if action == plugin.ActionConsumed {
			return
		}
	}
}

// invoke runs one handler, containing panics so the chain survives.
func (d *Dispatcher) invoke(ctx context.Context, b binding, ev *event.Event) (action plugin.Action) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[dispatch] handler %s/%s panicked: %v\n%s", b.owner, ev.Kind, r, debug.Stack())
			action = plugin.ActionContinue
		}
	}()

	action, err := b.spec.Fn(ctx, d.host, ev)
	if err != nil {
		log.Printf("[dispatch] handler %s/%s: %v", b.owner, ev.Kind, err)
	}
	return action
}

// allowed applies the ignore-mode filter against both the conversation
// and the concrete sender.
func (d *Dispatcher) allowed(ev *event.Event) bool {
	switch d.cfg.Bot.IgnoreMode {
	case config.IgnoreWhitelist:
		return contains(d.cfg.Bot.Whitelist, ev.FromConv) || contains(d.cfg.Bot.Whitelist, ev.Sender)
	case config.IgnoreBlacklist:
		return !contains(d.cfg.Bot.Blacklist, ev.FromConv) && !contains(d.cfg.Bot.Blacklist, ev.Sender)
	default:
		return true
	}
}

func contains(list []string, id string) bool {
	for _, item := range list {
		if item == id {
			return true
		}
	}
	return false
}
