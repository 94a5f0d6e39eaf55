// Copyright 2024-2026 Aiku AI

package relay

import "testing"

func TestEchoGuard(t *testing.T) {
	t.Parallel()
	g := NewEchoGuard("")

	tests := []struct {
		name   string
		author string
		body   string
		want   bool
	}{
		{"other author", "alice", "hello", true},
		{"other author with token", "alice", "[ECHO] hi", true},
		{"own message", "Discord", "hello", false},
		{"own echo", "Discord", "[ECHO] hello", true},
		{"token not at start", "Discord", "say [ECHO] hello", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := g.Allow(tt.author, "Discord", tt.body); got != tt.want {
				t.Errorf("Allow(%q, %q): got %v, want %v", tt.author, tt.body, got, tt.want)
			}
		})
	}
}

func TestEchoGuardCustomToken(t *testing.T) {
	t.Parallel()
	g := NewEchoGuard("!!")
	if g.Token() != "!!" {
		t.Errorf("Token: got %q, want %q", g.Token(), "!!")
	}
	if g.Allow("bot", "bot", "[ECHO] x") {
		t.Error("default token accepted when a custom one is configured")
	}
	if !g.Allow("bot", "bot", "!!x") {
		t.Error("custom token rejected")
	}
}

func TestEchoGuardNoIdentity(t *testing.T) {
	t.Parallel()
	g := NewEchoGuard("")
	if !g.Allow("", "", "hello") {
		t.Error("unknown identity must not suppress messages")
	}
}
