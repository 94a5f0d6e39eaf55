// Copyright 2024-2026 Aiku AI

// Package mention rewrites human-readable @name/#name tokens in game chat
// text into the external service's native mention markup, and turns native
// markup back into readable text for the game.
package mention

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/aiku/ecolink/pkg/platform"
)

var (
	tagRe           = regexp.MustCompile(`<[^>]*>`)
	globalMentionRe = regexp.MustCompile(`@(everyone|here)`)
	// A mention token runs from '@' or '#' up to whitespace, the end of the
	// text, or the start of the next token.
	tokenRe = regexp.MustCompile(`[@#][^\s@#]+`)
	// <@id>, <@!id>, <@&id> and <#id>.
	nativeRe = regexp.MustCompile(`<(@!?|@&|#)(\w+)>`)
)

// zeroWidthSpace keeps "@everyone" readable while stopping the ping.
const zeroWidthSpace = "\u200b"

// Context is the destination channel a message is being translated for.
type Context struct {
	Members  []platform.Member
	Roles    []platform.Role
	Channels []platform.Channel

	AllowUserMentions    bool
	AllowRoleMentions    bool
	AllowChannelMentions bool
	AllowGlobalMentions  bool
}

// StripTags removes game markup tags such as <b> or <color=#fff>.
func StripTags(s string) string {
	return tagRe.ReplaceAllString(s, "")
}

// NeutralizeGlobalMentions breaks @everyone and @here so they render as
// text but do not ping.
func NeutralizeGlobalMentions(s string) string {
	return globalMentionRe.ReplaceAllString(s, "@"+zeroWidthSpace+"$1")
}

// Translate strips game tags, neutralizes global mentions when the context
// forbids them, and rewrites @name/#name tokens into native mentions.
// Unknown names pass through unchanged.
func Translate(body string, ctx Context) string {
	body = StripTags(body)
	if !ctx.AllowGlobalMentions {
		body = NeutralizeGlobalMentions(body)
	}
	body = tokenRe.ReplaceAllStringFunc(body, func(token string) string {
		return translateToken(token, ctx)
	})
	if !ctx.AllowGlobalMentions {
		// A partial match can rebuild one from the surrounding text.
		body = NeutralizeGlobalMentions(body)
	}
	return body
}

// FormatForPlatform renders a game chat line for the external service as
// "**sender**: text". Any '@' in the sender name is dropped so the sender
// never pings themselves.
func FormatForPlatform(sender, body string, ctx Context) string {
	sender = strings.ReplaceAll(StripTags(sender), "@", "")
	return "**" + sender + "**: " + Translate(body, ctx)
}

func translateToken(token string, ctx Context) string {
	prefix, rest := token[:1], foldCase(token[1:])

	switch prefix {
	case "@":
		if ctx.AllowRoleMentions {
			for _, role := range ctx.Roles {
				if !role.Mentionable {
					continue
				}
				if out, ok := replaceCandidate(prefix, rest, role.Name, role.Mention); ok {
					return out
				}
			}
		}
		if ctx.AllowUserMentions {
			for _, member := range ctx.Members {
				if out, ok := replaceCandidate(prefix, rest, member.DisplayName, member.Mention); ok {
					return out
				}
			}
		}
	case "#":
		if ctx.AllowChannelMentions {
			for _, ch := range ctx.Channels {
				if out, ok := replaceCandidate(prefix, rest, ch.Name, ch.Mention); ok {
					return out
				}
			}
		}
	}
	return token
}

// folded is a lower-cased token that remembers where each of its bytes
// came from in the original text.
type folded struct {
	text string
	orig string
	// starts maps a byte offset in text to the offset of the same rune in
	// orig, or -1 inside a multi-byte rune.
	starts []int
}

// foldCase lower-cases s rune by rune. Lower-casing can change a rune's
// encoded length, so offsets are tracked per rune.
func foldCase(s string) folded {
	var b strings.Builder
	starts := make([]int, 0, len(s)+1)
	for i, r := range s {
		n, _ := b.WriteRune(unicode.ToLower(r))
		starts = append(starts, i)
		for range n - 1 {
			starts = append(starts, -1)
		}
	}
	starts = append(starts, len(s))
	return folded{text: b.String(), orig: s, starts: starts}
}

// slice returns the original text behind text[from:to].
func (f folded) slice(from, to int) (string, bool) {
	start, end := f.starts[from], f.starts[to]
	if start < 0 || end < 0 {
		return "", false
	}
	return f.orig[start:end], true
}

// replaceCandidate substitutes mention for name inside the token when the
// lower-cased token contains it. An exact hit yields the bare mention; a
// partial hit keeps every other character of the token, prefix included,
// so the surrounding text survives in its original case.
func replaceCandidate(prefix string, token folded, name, mention string) (string, bool) {
	if name == "" || mention == "" {
		return "", false
	}
	name = strings.ToLower(name)
	idx := strings.Index(token.text, name)
	if idx < 0 {
		return "", false
	}
	if token.text == name {
		return mention, true
	}
	end := idx + len(name)
	before, okBefore := token.slice(0, idx)
	after, okAfter := token.slice(end, len(token.text))
	if !okBefore || !okAfter {
		before, after = token.text[:idx], token.text[end:]
	}
	return prefix + before + mention + after, true
}

// Names maps native IDs to display names for Readable.
type Names struct {
	Users    map[string]string
	Roles    map[string]string
	Channels map[string]string
}

// Readable replaces native user, role and channel markup with @name and
// #name. Markup for unknown IDs is left untouched.
func Readable(body string, names Names) string {
	return nativeRe.ReplaceAllStringFunc(body, func(m string) string {
		sub := nativeRe.FindStringSubmatch(m)
		kind, id := sub[1], sub[2]
		var (
			name string
			ok   bool
		)
		switch kind {
		case "@", "@!":
			name, ok = names.Users[id]
		case "@&":
			name, ok = names.Roles[id]
		case "#":
			name, ok = names.Channels[id]
			if ok {
				return "#" + name
			}
		}
		if !ok {
			return m
		}
		return "@" + name
	})
}

// Nametag renders a name bold and in the bridge's accent color using game
// markup.
func Nametag(name string) string {
	return "<b><color=#7289DAFF>" + name + "</color></b>"
}

// FormatForGame renders an external message for game chat as
// "#channel nametag: text".
func FormatForGame(gameChannel, nametag, readable string) string {
	return "#" + gameChannel + " " + nametag + ": " + readable
}
