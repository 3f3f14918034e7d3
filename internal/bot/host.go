package bot

import (
	"context"
	"errors"
	"fmt"

	"github.com/yydsdd211/xybot/internal/config"
	"github.com/yydsdd211/xybot/internal/gateway"
	"github.com/yydsdd211/xybot/internal/plugin"
	"github.com/yydsdd211/xybot/internal/protocol"
	"github.com/yydsdd211/xybot/internal/risk"
	"github.com/yydsdd211/xybot/internal/sendqueue"
	"github.com/yydsdd211/xybot/internal/store"
)

// host is the capability surface handed to plugins. Every send helper
// funnels through the outbound queue; the queue worker is what
// actually talks to the gateway.
type host struct {
	cfg    *config.Config
	client *gateway.Client
	queue  *sendqueue.Queue
	users  *store.Users
	kv     *store.KV
	msglog *store.MsgLog
	gate   *risk.Gate

	wxid     string
	nickname string

	// loggedOut is called when the gateway reports the session gone on
	// an outbound verb, so the supervisor can re-login.
	loggedOut func()
}

var _ plugin.Host = (*host)(nil)

func (h *host) Wxid() string     { return h.wxid }
func (h *host) Nickname() string { return h.nickname }

// send funnels one verb through the queue and waits for its slot.
func (h *host) send(ctx context.Context, fn func(ctx context.Context) (*gateway.SendResult, error)) (*gateway.SendResult, error) {
	if h.gate.Blocked(risk.VerbSend) {
		return nil, protocol.ErrRiskBlocked
	}
	item := h.queue.Enqueue(func(qctx context.Context) (any, error) {
		return fn(qctx)
	})
	result, err := item.Wait(ctx)
	if err != nil {
		return nil, h.noteErr(err)
	}
	sent, _ := result.(*gateway.SendResult)
	return sent, nil
}

// noteErr forwards session-gone failures to the supervisor and hands
// the error back unchanged.
func (h *host) noteErr(err error) error {
	if err != nil && h.loggedOut != nil && errors.Is(err, protocol.ErrLoggedOut) {
		h.loggedOut()
	}
	return err
}

func (h *host) SendText(ctx context.Context, to, content string) (*gateway.SendResult, error) {
	return h.send(ctx, func(qctx context.Context) (*gateway.SendResult, error) {
		return h.client.SendTextMsg(qctx, to, content)
	})
}

func (h *host) SendAtText(ctx context.Context, to, content string, at ...string) (*gateway.SendResult, error) {
	return h.send(ctx, func(qctx context.Context) (*gateway.SendResult, error) {
		return h.client.SendTextMsg(qctx, to, content, at...)
	})
}

func (h *host) SendImage(ctx context.Context, to string, image []byte) (*gateway.SendResult, error) {
	return h.send(ctx, func(qctx context.Context) (*gateway.SendResult, error) {
		return h.client.SendImageMsg(qctx, to, image)
	})
}

func (h *host) SendVoice(ctx context.Context, to string, voice []byte, format int) (*gateway.SendResult, error) {
	return h.send(ctx, func(qctx context.Context) (*gateway.SendResult, error) {
		return h.client.SendVoiceMsg(qctx, to, voice, format)
	})
}

func (h *host) SendVideo(ctx context.Context, to string, video, thumbnail []byte) (*gateway.SendResult, error) {
	return h.send(ctx, func(qctx context.Context) (*gateway.SendResult, error) {
		return h.client.SendVideoMsg(qctx, to, video, thumbnail)
	})
}

func (h *host) SendLink(ctx context.Context, to, url, title, description, thumbURL string) (*gateway.SendResult, error) {
	return h.send(ctx, func(qctx context.Context) (*gateway.SendResult, error) {
		return h.client.SendShareLink(qctx, to, url, title, description, thumbURL)
	})
}

func (h *host) SendCard(ctx context.Context, to, cardWxid, cardNickname string) (*gateway.SendResult, error) {
	return h.send(ctx, func(qctx context.Context) (*gateway.SendResult, error) {
		return h.client.SendCardMsg(qctx, to, cardWxid, cardNickname, "")
	})
}

func (h *host) SendApp(ctx context.Context, to, xml string, msgType int) (*gateway.SendResult, error) {
	return h.send(ctx, func(qctx context.Context) (*gateway.SendResult, error) {
		return h.client.SendAppMsg(qctx, to, xml, msgType)
	})
}

func (h *host) SendEmoji(ctx context.Context, to, md5 string, totalLen int) (*gateway.SendResult, error) {
	return h.send(ctx, func(qctx context.Context) (*gateway.SendResult, error) {
		return h.client.SendEmojiMsg(qctx, to, md5, totalLen)
	})
}

func (h *host) ForwardFile(ctx context.Context, to, content string) (*gateway.SendResult, error) {
	return h.send(ctx, func(qctx context.Context) (*gateway.SendResult, error) {
		return h.client.SendCDNFileMsg(qctx, to, content)
	})
}

func (h *host) ForwardImage(ctx context.Context, to, content string) (*gateway.SendResult, error) {
	return h.send(ctx, func(qctx context.Context) (*gateway.SendResult, error) {
		return h.client.SendCDNImgMsg(qctx, to, content)
	})
}

func (h *host) ForwardVideo(ctx context.Context, to, content string) (*gateway.SendResult, error) {
	return h.send(ctx, func(qctx context.Context) (*gateway.SendResult, error) {
		return h.client.SendCDNVideoMsg(qctx, to, content)
	})
}

func (h *host) Revoke(ctx context.Context, to string, sent *gateway.SendResult) error {
	if sent == nil {
		return fmt.Errorf("revoke: no send result")
	}
	if h.gate.Blocked(risk.VerbRevoke) {
		return protocol.ErrRiskBlocked
	}
	item := h.queue.Enqueue(func(qctx context.Context) (any, error) {
		return nil, h.client.RevokeMsg(qctx, to, sent.ClientMsgID, sent.CreateTime, sent.NewMsgID)
	})
	_, err := item.Wait(ctx)
	return h.noteErr(err)
}

// Contact helpers hit the gateway directly; they have no send-rate
// ceiling.

func (h *host) GetNickname(ctx context.Context, wxid string) (string, error) {
	return h.client.GetNickname(ctx, wxid)
}

func (h *host) GetContact(ctx context.Context, wxid string) (*gateway.Contact, error) {
	contacts, err := h.client.GetContact(ctx, wxid)
	if err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		return nil, fmt.Errorf("contact %s not found", wxid)
	}
	return &contacts[0], nil
}

func (h *host) ListContacts(ctx context.Context) ([]string, error) {
	return h.client.ListContacts(ctx)
}

func (h *host) GroupMembers(ctx context.Context, chatroom string) ([]gateway.Contact, error) {
	return h.client.GetChatroomMemberDetail(ctx, chatroom)
}

func (h *host) AcceptFriend(ctx context.Context, scene int, v1, v2 string) error {
	if h.gate.Blocked(risk.VerbAcceptFriend) {
		return protocol.ErrRiskBlocked
	}
	item := h.queue.Enqueue(func(qctx context.Context) (any, error) {
		return nil, h.client.AcceptFriend(qctx, scene, v1, v2)
	})
	_, err := item.Wait(ctx)
	return h.noteErr(err)
}

func (h *host) InviteToGroup(ctx context.Context, chatroom string, members []string) error {
	if h.gate.Blocked(risk.VerbInvite) {
		return protocol.ErrRiskBlocked
	}
	item := h.queue.Enqueue(func(qctx context.Context) (any, error) {
		return nil, h.client.InviteChatroomMember(qctx, chatroom, members)
	})
	_, err := item.Wait(ctx)
	return h.noteErr(err)
}

func (h *host) Users() *store.Users   { return h.users }
func (h *host) KV() *store.KV         { return h.kv }
func (h *host) MsgLog() *store.MsgLog { return h.msglog }

func (h *host) RiskBlocked(verb risk.Verb) bool { return h.gate.Blocked(verb) }

func (h *host) Config() *config.Config { return h.cfg }
