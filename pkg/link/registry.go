// Copyright 2024-2026 Aiku AI

package link

import (
	"slices"
	"strings"
	"sync"

	"github.com/aiku/ecolink/pkg/platform"
)

// Correction records a configured channel name that had to be normalized.
type Correction struct {
	Kind string
	From string
	To   string
}

// Registry holds the current set of pairings. It is replaced wholesale on
// configuration reload and read concurrently by event handlers and timers.
type Registry struct {
	mu       sync.RWMutex
	chat     []ChannelLink
	status   []StatusLink
	snippets []ChannelRef
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Replace installs a new set of pairings, normalizing each one. The returned
// corrections list every channel name that was rewritten.
func (r *Registry) Replace(chat []ChannelLink, status []StatusLink, snippets []ChannelRef) []Correction {
	var corrections []Correction
	newChat := make([]ChannelLink, 0, len(chat))
	for _, l := range chat {
		norm, changed := Normalize(l)
		if changed {
			corrections = append(corrections, Correction{Kind: "chat link", From: l.Channel, To: norm.Channel})
		}
		newChat = append(newChat, norm)
	}
	newStatus := make([]StatusLink, 0, len(status))
	for _, s := range status {
		ref, changed := s.ChannelRef.Normalize()
		if changed {
			corrections = append(corrections, Correction{Kind: "status link", From: s.Channel, To: ref.Channel})
		}
		newStatus = append(newStatus, StatusLink{ChannelRef: ref})
	}
	newSnippets := make([]ChannelRef, 0, len(snippets))
	for _, s := range snippets {
		ref, changed := s.Normalize()
		if changed {
			corrections = append(corrections, Correction{Kind: "snippet channel", From: s.Channel, To: ref.Channel})
		}
		newSnippets = append(newSnippets, ref)
	}

	r.mu.Lock()
	r.chat = newChat
	r.status = newStatus
	r.snippets = newSnippets
	r.mu.Unlock()
	return corrections
}

// ChatLinks returns a copy of the configured chat pairings.
func (r *Registry) ChatLinks() []ChannelLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.chat)
}

// StatusLinks returns a copy of the configured status pairings.
func (r *Registry) StatusLinks() []StatusLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.status)
}

// SnippetChannels returns a copy of the configured snippet sources.
func (r *Registry) SnippetChannels() []ChannelRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.snippets)
}

// ForGameChannel returns the first pairing whose game channel equals name,
// ignoring case and a leading '#'.
func (r *Registry) ForGameChannel(name string) (ChannelLink, bool) {
	links := r.LinksForGameChannel(name)
	if len(links) == 0 {
		return ChannelLink{}, false
	}
	return links[0], true
}

// LinksForGameChannel returns every pairing for the game channel. Duplicate
// pairings are returned as-is and relay twice.
func (r *Registry) LinksForGameChannel(name string) []ChannelLink {
	name = strings.TrimPrefix(name, "#")
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ChannelLink
	for _, l := range r.chat {
		if strings.EqualFold(l.GameChannel, name) {
			out = append(out, l)
		}
	}
	return out
}

// ForPlatformChannel resolves a pairing by the external channel alone. The
// configured channel is compared verbatim first, so raw IDs resolve, then by
// normalized name.
func (r *Registry) ForPlatformChannel(nameOrID string) (ChannelLink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.chat {
		if l.Channel == nameOrID {
			return l, true
		}
	}
	norm := platform.NormalizeChannelName(nameOrID)
	for _, l := range r.chat {
		if platform.NormalizeChannelName(l.Channel) == norm {
			return l, true
		}
	}
	return ChannelLink{}, false
}

// LinksForPlatformChannel returns every pairing that points at the live
// channel in the given guild.
func (r *Registry) LinksForPlatformChannel(guild platform.Guild, channel platform.Channel) []ChannelLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ChannelLink
	for _, l := range r.chat {
		if l.Matches(guild, channel) {
			out = append(out, l)
		}
	}
	return out
}

// IsSnippetChannel reports whether the live channel is a snippet source.
func (r *Registry) IsSnippetChannel(guild platform.Guild, channel platform.Channel) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.snippets {
		if s.Matches(guild, channel) {
			return true
		}
	}
	return false
}
