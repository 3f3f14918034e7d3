// Package risk implements the login-age gate that refuses dangerous
// outbound verbs for a window after a fresh-device login.
package risk

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultWindow covers ordinary outbound verbs.
	DefaultWindow = 4 * time.Hour
	// QRCodeWindow covers chatroom QR exposure, which the provider
	// flags far longer.
	QRCodeWindow = 24 * time.Hour
)

// Verb names the outbound operations the gate knows per-verb windows
// for. Anything unlisted uses DefaultWindow.
type Verb string

const (
	VerbSend         Verb = "send"
	VerbAcceptFriend Verb = "accept_friend"
	VerbInvite       Verb = "invite_chatroom_member"
	VerbAddMember    Verb = "add_chatroom_member"
	VerbChatroomQR   Verb = "chatroom_qrcode"
	VerbRevoke       Verb = "revoke"
)

// windows codifies the audit of the per-verb protection spans.
var windows = map[Verb]time.Duration{
	VerbSend:         DefaultWindow,
	VerbAcceptFriend: DefaultWindow,
	VerbInvite:       DefaultWindow,
	VerbAddMember:    DefaultWindow,
	VerbRevoke:       DefaultWindow,
	VerbChatroomQR:   QRCodeWindow,
}

type state struct {
	LoginTime int64 `json:"login_time"`
}

// Gate persists the last login timestamp and answers whether an
// operation is currently forbidden.
type Gate struct {
	path string

	mu        sync.RWMutex
	loginTime time.Time

	// Disabled mirrors the ignore-protection config flag; when set the
	// gate always allows.
	Disabled bool

	now func() time.Time // injectable clock for tests
}

func NewGate(path string) (*Gate, error) {
	g := &Gate{path: path, now: time.Now}
	if err := g.load(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gate) load() error {
	data, err := os.ReadFile(g.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read risk state: %w", err)
	}
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parse risk state: %w", err)
	}
	if s.LoginTime > 0 {
		g.loginTime = time.Unix(s.LoginTime, 0)
	}
	return nil
}

// UpdateLoginTime records a fresh login. Awaken logins reuse a known
// device and do not reset the window; callers pass awaken=true there.
func (g *Gate) UpdateLoginTime(awaken bool) error {
	if awaken {
		return nil
	}

	g.mu.Lock()
	g.loginTime = g.now()
	ts := g.loginTime.Unix()
	g.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(g.path), 0755); err != nil {
		return fmt.Errorf("create risk state dir: %w", err)
	}
	data, err := json.Marshal(state{LoginTime: ts})
	if err != nil {
		return fmt.Errorf("marshal risk state: %w", err)
	}
	if err := os.WriteFile(g.path, data, 0644); err != nil {
		return fmt.Errorf("write risk state: %w", err)
	}
	log.Printf("[risk] login time recorded, protection window open")
	return nil
}

// Blocked reports whether verb is forbidden right now.
func (g *Gate) Blocked(verb Verb) bool {
	if g.Disabled {
		return false
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.loginTime.IsZero() {
		return false
	}
	window, ok := windows[verb]
	if !ok {
		window = DefaultWindow
	}
	return g.now().Before(g.loginTime.Add(window))
}

// Remaining returns how long verb stays blocked, zero when allowed.
func (g *Gate) Remaining(verb Verb) time.Duration {
	if g.Disabled {
		return 0
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.loginTime.IsZero() {
		return 0
	}
	window, ok := windows[verb]
	if !ok {
		window = DefaultWindow
	}
	left := g.loginTime.Add(window).Sub(g.now())
	if left < 0 {
		return 0
	}
	return left
}
