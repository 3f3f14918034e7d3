// Package plugin defines the plugin contract: what a plugin exposes to
// the registry and what the host exposes back to plugins.
package plugin

import (
	"context"

	"github.com/yydsdd211/xybot/internal/config"
	"github.com/yydsdd211/xybot/internal/event"
	"github.com/yydsdd211/xybot/internal/gateway"
	"github.com/yydsdd211/xybot/internal/risk"
	"github.com/yydsdd211/xybot/internal/sched"
	"github.com/yydsdd211/xybot/internal/store"
)

// Action is a handler's verdict on the rest of the chain.
type Action int

const (
	// ActionContinue lets later handlers see the event.
	ActionContinue Action = iota
	// ActionConsumed stops the chain.
	ActionConsumed
)

// Priority bounds for handler ordering; higher runs first.
const (
	MinPriority     = 0
	MaxPriority     = 99
	DefaultPriority = 50
)

// HandlerFunc processes one event. The event is the handler's own
// copy; mutations never reach other handlers.
type HandlerFunc func(ctx context.Context, h Host, ev *event.Event) (Action, error)

// HandlerSpec binds a handler to an event kind at a priority.
type HandlerSpec struct {
	Kind     event.Kind
	Priority int
	Fn       HandlerFunc
}

// JobSpec is a scheduled method. The full job id is
// "<plugin>.<Name>".
type JobSpec struct {
	Name    string
	Trigger sched.Trigger
	Fn      func(ctx context.Context, h Host)
}

// Meta is the descriptive record kept even for disabled plugins.
type Meta struct {
	Name        string
	Description string
	Author      string
	Version     string
}

// Plugin is one loadable unit. Start runs after handlers are bound;
// Stop runs before they are unbound.
type Plugin interface {
	Meta() Meta
	Handlers() []HandlerSpec
	Jobs() []JobSpec
	Start(h Host) error
	Stop() error
}

// Factory constructs a fresh plugin instance. Reload discards the old
// instance and calls the factory again, re-reading config.
type Factory func(cfg *config.Config) (Plugin, error)

// Host is the capability surface handed to plugins. All send helpers
// route through the outbound queue and block until the send completes.
type Host interface {
	// Identity of the logged-in account.
	Wxid() string
	Nickname() string

	// Send helpers.
	SendText(ctx context.Context, to, content string) (*gateway.SendResult, error)
	SendAtText(ctx context.Context, to, content string, at ...string) (*gateway.SendResult, error)
	SendImage(ctx context.Context, to string, image []byte) (*gateway.SendResult, error)
	SendVoice(ctx context.Context, to string, voice []byte, format int) (*gateway.SendResult, error)
	SendVideo(ctx context.Context, to string, video, thumbnail []byte) (*gateway.SendResult, error)
	SendLink(ctx context.Context, to, url, title, description, thumbURL string) (*gateway.SendResult, error)
	SendCard(ctx context.Context, to, cardWxid, cardNickname string) (*gateway.SendResult, error)
	SendApp(ctx context.Context, to, xml string, msgType int) (*gateway.SendResult, error)
	SendEmoji(ctx context.Context, to, md5 string, totalLen int) (*gateway.SendResult, error)
	ForwardFile(ctx context.Context, to, content string) (*gateway.SendResult, error)
	ForwardImage(ctx context.Context, to, content string) (*gateway.SendResult, error)
	ForwardVideo(ctx context.Context, to, content string) (*gateway.SendResult, error)
	Revoke(ctx context.Context, to string, sent *gateway.SendResult) error

	// Contact and group helpers.
	GetNickname(ctx context.Context, wxid string) (string, error)
	GetContact(ctx context.Context, wxid string) (*gateway.Contact, error)
	ListContacts(ctx context.Context) ([]string, error)
	GroupMembers(ctx context.Context, chatroom string) ([]gateway.Contact, error)
	AcceptFriend(ctx context.Context, scene int, v1, v2 string) error
	InviteToGroup(ctx context.Context, chatroom string, members []string) error

	// Repositories.
	Users() *store.Users
	KV() *store.KV
	MsgLog() *store.MsgLog

	// RiskBlocked reports whether a verb is inside its protection
	// window.
	RiskBlocked(verb risk.Verb) bool

	Config() *config.Config
}
