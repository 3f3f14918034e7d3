// Package bot is the supervisor: it owns startup order, the inbound
// loop, and ordered shutdown.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/yydsdd211/xybot/internal/config"
	"github.com/yydsdd211/xybot/internal/decoder"
	"github.com/yydsdd211/xybot/internal/dispatch"
	"github.com/yydsdd211/xybot/internal/gateway"
	"github.com/yydsdd211/xybot/internal/plugin"
	"github.com/yydsdd211/xybot/internal/protocol"
	"github.com/yydsdd211/xybot/internal/risk"
	"github.com/yydsdd211/xybot/internal/sched"
	"github.com/yydsdd211/xybot/internal/sendqueue"
	"github.com/yydsdd211/xybot/internal/store"
	"github.com/yydsdd211/xybot/plugins"
	"github.com/yydsdd211/xybot/plugins/manager"
)

const (
	statsMessageCount = "bot:stats:message_count"
	statsUserCount    = "bot:stats:user_count"
	startTimeKey      = "start_time"

	queueDrainGrace = 5 * time.Second
)

// ErrRestart asks the caller to rebuild the Bot and run it again. It
// is returned after a clean shutdown triggered by a config edit with
// auto-restart enabled.
var ErrRestart = errors.New("restart requested")

// Options carries test seams, mirroring nothing the config file says.
type Options struct {
	// SignalChan replaces the OS signal subscription in tests.
	SignalChan chan os.Signal
	// Factories overrides the built-in plugin table.
	Factories map[string]plugin.Factory
	// ConfigPath, when set, is watched for edits; with auto-restart
	// enabled an edit makes Run return ErrRestart after shutdown.
	ConfigPath string
	// LogDir, when set, mirrors the log stream into daily files there
	// and keeps the tail cursor in KV for the admin process.
	LogDir string
}

// Bot wires every subsystem together.
type Bot struct {
	cfg    *config.Config
	client *gateway.Client
	proc   *gateway.Process
	gate   *risk.Gate
	users  *store.Users
	kv     *store.KV
	msglog *store.MsgLog
	queue  *sendqueue.Queue
	sched  *sched.Scheduler

	registry   *plugin.Registry
	dispatcher *dispatch.Dispatcher
	dec        *decoder.Decoder
	host       *host

	opts       Options
	queueStop  context.CancelFunc
	signalChan chan os.Signal

	// dispMu pauses frame handling while a re-login is in flight.
	dispMu    sync.RWMutex
	reloginCh chan struct{}
}

func New(cfg *config.Config) (*Bot, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg *config.Config, opts Options) (*Bot, error) {
	dataDir := cfg.Gateway.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	users, err := store.OpenUsers(cfg.Database.UsersURL, cfg.Location())
	if err != nil {
		return nil, fmt.Errorf("open users store: %w", err)
	}
	kv, err := store.OpenKV(cfg.Database.KVURL)
	if err != nil {
		users.Close()
		return nil, fmt.Errorf("open keyval store: %w", err)
	}
	msglog, err := store.OpenMsgLog(cfg.Database.MsgLogURL)
	if err != nil {
		users.Close()
		kv.Close()
		return nil, fmt.Errorf("open message log: %w", err)
	}

	gate, err := risk.NewGate(filepath.Join(dataDir, "risk.json"))
	if err != nil {
		users.Close()
		kv.Close()
		msglog.Close()
		return nil, fmt.Errorf("open risk gate: %w", err)
	}
	gate.Disabled = cfg.Bot.IgnoreProtection

	client := gateway.NewClient(cfg.Gateway.Host, cfg.Gateway.Port)

	b := &Bot{
		cfg:        cfg,
		client:     client,
		proc:       gateway.NewProcess(cfg.Gateway.Command, dataDir, client),
		gate:       gate,
		users:      users,
		kv:         kv,
		msglog:     msglog,
		queue:      sendqueue.New(cfg.SendSpacing()),
		sched:      sched.New(cfg.Location()),
		opts:       opts,
		signalChan: opts.SignalChan,
		reloginCh:  make(chan struct{}, 1),
	}
	return b, nil
}

// Run executes the startup sequence and blocks until shutdown.
func (b *Bot) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if b.opts.LogDir != "" {
		if err := b.startLogging(ctx, b.opts.LogDir); err != nil {
			log.Printf("[bot] file logging disabled: %v", err)
		}
	}

	// Gateway first: nothing else works without it.
	if err := b.proc.Start(ctx); err != nil {
		b.closeStores()
		return fmt.Errorf("gateway startup: %w", err)
	}

	login, err := b.client.Login(ctx, b.cfg.Gateway.DataDir)
	if err != nil {
		b.proc.Stop()
		b.closeStores()
		return fmt.Errorf("login: %w", err)
	}
	if err := b.gate.UpdateLoginTime(login.Awakened); err != nil {
		log.Printf("[bot] risk gate update: %v", err)
	}
	if err := b.client.AutoHeartbeatStart(ctx); err != nil {
		log.Printf("[bot] auto heartbeat: %v", err)
	}

	b.host = &host{
		cfg:       b.cfg,
		client:    b.client,
		queue:     b.queue,
		users:     b.users,
		kv:        b.kv,
		msglog:    b.msglog,
		gate:      b.gate,
		wxid:      login.Wxid,
		nickname:  login.Nickname,
		loggedOut: b.noteLoggedOut,
	}
	b.dec = decoder.New(login.Wxid, b.client, nil, b.msglog)
	b.dispatcher = dispatch.New(b.cfg, b.gate, b.host)

	factories := b.opts.Factories
	if factories == nil {
		factories = plugins.All(func() manager.Controller { return b.registry })
	}
	b.registry = plugin.NewRegistry(ctx, factories, b.cfg, b.host, b.dispatcher, b.sched)

	// The queue worker survives ctx cancellation briefly so in-flight
	// sends can finish during shutdown.
	queueCtx, queueStop := context.WithCancel(context.Background())
	b.queueStop = queueStop
	go b.queue.Run(queueCtx)

	go b.kv.Sweep(ctx)
	go b.msglog.GC(ctx)

	if err := b.registry.LoadAll(); err != nil {
		log.Printf("[bot] plugin load: %v", err)
	}
	b.sched.Start(ctx)

	// A crashed previous run must not leave a stale start marker.
	if err := b.kv.Delete(startTimeKey); err != nil {
		log.Printf("[bot] clear start marker: %v", err)
	}

	backlog, err := b.client.DrainBacklog(ctx)
	if err != nil {
		log.Printf("[bot] backlog drain: %v", err)
	}
	b.handleFrames(ctx, backlog)

	feed := gateway.NewFeed(b.cfg.Gateway.Host, b.cfg.Gateway.Port, b.cfg.Gateway.WSPath, login.Wxid,
		func(frames []protocol.Frame) { b.handleFrames(ctx, frames) })
	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[bot] feed: %v", err)
		}
	}()

	if err := b.kv.Set(startTimeKey, strconv.FormatInt(time.Now().Unix(), 10), 0); err != nil {
		log.Printf("[bot] write start marker: %v", err)
	}
	log.Printf("[bot] %s (%s) is receiving", login.Nickname, login.Wxid)

	restartCh := make(chan struct{}, 1)
	if b.opts.ConfigPath != "" {
		watcher := config.NewWatcher(b.opts.ConfigPath, b.cfg)
		watcher.OnChange = func(next *config.Config) {
			log.Printf("[bot] config reloaded from %s", b.opts.ConfigPath)
			if next.Bot.AutoRestart {
				select {
				case restartCh <- struct{}{}:
				default:
				}
			}
		}
		if err := watcher.Start(ctx); err != nil {
			log.Printf("[bot] config watch: %v", err)
		}
	}

	sigCh := b.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}

	var runErr error
loop:
	for {
		select {
		case <-sigCh:
			log.Printf("[bot] shutdown signal received")
			break loop
		case <-restartCh:
			log.Printf("[bot] config changed, restarting")
			runErr = ErrRestart
			break loop
		case <-b.reloginCh:
			if err := b.relogin(ctx); err != nil {
				log.Printf("[bot] re-login: %v", err)
			}
		case <-ctx.Done():
			break loop
		}
	}

	b.shutdown(cancel)
	return runErr
}

// noteLoggedOut nudges the supervisor into the awaken flow. Safe from
// any goroutine; repeat notices collapse into one.
func (b *Bot) noteLoggedOut() {
	select {
	case b.reloginCh <- struct{}{}:
	default:
	}
}

// relogin pauses frame handling, re-runs the login flow against the
// saved device, and resumes. The send queue keeps draining throughout;
// its items fail fast until the session is back.
func (b *Bot) relogin(ctx context.Context) error {
	b.dispMu.Lock()
	defer b.dispMu.Unlock()

	log.Printf("[bot] session lost, attempting awaken login")
	res, err := b.client.Login(ctx, b.cfg.Gateway.DataDir)
	if err != nil {
		return fmt.Errorf("awaken login: %w", err)
	}
	if err := b.gate.UpdateLoginTime(res.Awakened); err != nil {
		log.Printf("[bot] risk gate update: %v", err)
	}
	if err := b.client.AutoHeartbeatStart(ctx); err != nil {
		log.Printf("[bot] auto heartbeat: %v", err)
	}
	log.Printf("[bot] %s (%s) is receiving again", res.Nickname, res.Wxid)
	return nil
}

// handleFrames decodes and dispatches serially; event N fully
// completes before N+1 starts.
func (b *Bot) handleFrames(ctx context.Context, frames []protocol.Frame) {
	for _, frame := range frames {
		b.handleFrame(ctx, frame)
	}
}

func (b *Bot) handleFrame(ctx context.Context, frame protocol.Frame) {
	b.dispMu.RLock()
	defer b.dispMu.RUnlock()

	ev, err := b.dec.Decode(ctx, frame)
	if err != nil {
		log.Printf("[bot] decode: %v", err)
		if errors.Is(err, protocol.ErrLoggedOut) {
			b.noteLoggedOut()
		}
		return
	}
	if ev == nil {
		return
	}
	b.bumpStats(ev.Sender)
	b.dispatcher.Dispatch(ctx, ev)
}

func (b *Bot) bumpStats(sender string) {
	if _, err := b.kv.IncrBy(statsMessageCount, 1); err != nil {
		log.Printf("[bot] stats: %v", err)
		return
	}
	seenKey := "bot:seen:" + sender
	exists, err := b.kv.Exists(seenKey)
	if err != nil || exists {
		return
	}
	if err := b.kv.Set(seenKey, "1", 0); err != nil {
		return
	}
	_, _ = b.kv.IncrBy(statsUserCount, 1)
}

// shutdown tears everything down in reverse order of startup.
func (b *Bot) shutdown(cancel context.CancelFunc) {
	b.sched.Stop()
	b.registry.StopAll()
	cancel() // closes the feed and maintenance loops

	// Give queued sends a short grace period before cutting the worker.
	deadline := time.Now().Add(queueDrainGrace)
	for b.queue.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	b.queueStop()

	if err := b.client.AutoHeartbeatStop(context.Background()); err != nil {
		log.Printf("[bot] heartbeat stop: %v", err)
	}
	b.proc.Stop()
	b.closeStores()
	log.Printf("[bot] shutdown complete")
}

func (b *Bot) closeStores() {
	if err := b.users.Close(); err != nil {
		log.Printf("[bot] close users store: %v", err)
	}
	if err := b.msglog.Close(); err != nil {
		log.Printf("[bot] close message log: %v", err)
	}
	if err := b.kv.Close(); err != nil {
		log.Printf("[bot] close keyval store: %v", err)
	}
}
