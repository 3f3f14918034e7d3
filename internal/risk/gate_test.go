package risk

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	g, err := NewGate(filepath.Join(t.TempDir(), "risk.json"))
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestGate_NeverLoggedIn(t *testing.T) {
	g := newTestGate(t)
	if g.Blocked(VerbSend) {
		t.Error("gate should allow before any recorded login")
	}
}

func TestGate_WindowArithmetic(t *testing.T) {
	g := newTestGate(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }
	if err := g.UpdateLoginTime(false); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		elapsed time.Duration
		verb    Verb
		blocked bool
	}{
		{"send at 1h", time.Hour, VerbSend, true},
		{"invite at 1h", time.Hour, VerbInvite, true},
		{"send at 4h+1s", 4*time.Hour + time.Second, VerbSend, false},
		{"invite at 4h+1s", 4*time.Hour + time.Second, VerbInvite, false},
		{"qr at 5h", 5 * time.Hour, VerbChatroomQR, true},
		{"qr at 24h+1s", 24*time.Hour + time.Second, VerbChatroomQR, false},
		{"unknown verb uses default", time.Hour, Verb("bogus"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g.now = func() time.Time { return base.Add(tt.elapsed) }
			if got := g.Blocked(tt.verb); got != tt.blocked {
				t.Errorf("Blocked(%s) = %v, want %v", tt.verb, got, tt.blocked)
			}
		})
	}
}

func TestGate_AwakenDoesNotReset(t *testing.T) {
	g := newTestGate(t)
	if err := g.UpdateLoginTime(true); err != nil {
		t.Fatal(err)
	}
	if g.Blocked(VerbSend) {
		t.Error("awaken login must not open the protection window")
	}
}

func TestGate_Disabled(t *testing.T) {
	g := newTestGate(t)
	if err := g.UpdateLoginTime(false); err != nil {
		t.Fatal(err)
	}
	g.Disabled = true
	if g.Blocked(VerbSend) {
		t.Error("disabled gate must always allow")
	}
	if g.Remaining(VerbSend) != 0 {
		t.Error("disabled gate should report zero remaining")
	}
}

func TestGate_PersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.json")
	g, err := NewGate(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.UpdateLoginTime(false); err != nil {
		t.Fatal(err)
	}

	g2, err := NewGate(path)
	if err != nil {
		t.Fatal(err)
	}
	if !g2.Blocked(VerbSend) {
		t.Error("reloaded gate should still block inside the window")
	}
}

func TestGate_Remaining(t *testing.T) {
	g := newTestGate(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }
	if err := g.UpdateLoginTime(false); err != nil {
		t.Fatal(err)
	}

	g.now = func() time.Time { return base.Add(3 * time.Hour) }
	if got := g.Remaining(VerbSend); got != time.Hour {
		t.Errorf("Remaining = %v, want 1h", got)
	}
	g.now = func() time.Time { return base.Add(10 * time.Hour) }
	if got := g.Remaining(VerbSend); got != 0 {
		t.Errorf("Remaining = %v, want 0", got)
	}
}
