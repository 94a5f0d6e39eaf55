// Copyright 2024-2026 Aiku AI

package relay

import "strings"

// DefaultEchoToken marks a message the bridge itself posted on purpose and
// that must be relayed anyway.
const DefaultEchoToken = "[ECHO]"

// EchoGuard stops the bridge from relaying its own messages back across.
type EchoGuard struct {
	token string
}

// NewEchoGuard creates a guard exempting messages that start with token.
// An empty token falls back to DefaultEchoToken.
func NewEchoGuard(token string) EchoGuard {
	if token == "" {
		token = DefaultEchoToken
	}
	return EchoGuard{token: token}
}

// Token returns the echo token in use.
func (g EchoGuard) Token() string {
	return g.token
}

// Allow reports whether a message by author may be relayed given the
// bridge's own identity. Messages from anyone else pass. Messages from the
// bridge pass only when prefixed with the echo token, and are relayed with
// the token in place.
func (g EchoGuard) Allow(author, identity, body string) bool {
	if identity == "" || author != identity {
		return true
	}
	return strings.HasPrefix(body, g.token)
}
