// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"sync"

	"github.com/aiku/ecolink/pkg/platform"
)

// EventKind tags what happened. Components subscribe to the kinds they
// react to.
type EventKind int

const (
	EventGameMessage EventKind = iota + 1
	EventPlatformMessage
	EventPlatformReady
	EventGuildAvailable
	EventReconnected
	EventTokenChanged
	EventConfigChanged
)

func (k EventKind) String() string {
	switch k {
	case EventGameMessage:
		return "game_message"
	case EventPlatformMessage:
		return "platform_message"
	case EventPlatformReady:
		return "platform_ready"
	case EventGuildAvailable:
		return "guild_available"
	case EventReconnected:
		return "reconnected"
	case EventTokenChanged:
		return "token_changed"
	case EventConfigChanged:
		return "config_changed"
	default:
		return "unknown"
	}
}

// GameMessage is a chat line sent in the game.
type GameMessage struct {
	Sender  string
	Channel string
	Body    string
}

// Event is one occurrence delivered to subscribers. Only the field matching
// Kind is set.
type Event struct {
	Kind     EventKind
	Game     *GameMessage
	Platform *platform.Message
	Guild    platform.Guild
}

// EventHandler reacts to an event.
type EventHandler func(ctx context.Context, evt Event)

type subscription struct {
	name   string
	kinds  map[EventKind]struct{}
	handle EventHandler
}

// Dispatcher delivers events to subscribers in registration order.
type Dispatcher struct {
	mu   sync.RWMutex
	subs []subscription
}

// Subscribe registers handle for the given kinds.
func (d *Dispatcher) Subscribe(name string, handle EventHandler, kinds ...EventKind) {
	set := make(map[EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	d.mu.Lock()
	d.subs = append(d.subs, subscription{name: name, kinds: set, handle: handle})
	d.mu.Unlock()
}

// Dispatch calls every subscriber of evt.Kind and returns how many ran.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) int {
	d.mu.RLock()
	var targets []EventHandler
	for _, s := range d.subs {
		if _, ok := s.kinds[evt.Kind]; ok {
			targets = append(targets, s.handle)
		}
	}
	d.mu.RUnlock()

	for _, handle := range targets {
		handle(ctx, evt)
	}
	return len(targets)
}

// Subscribers returns the names subscribed to kind, in order.
func (d *Dispatcher) Subscribers(kind EventKind) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var names []string
	for _, s := range d.subs {
		if _, ok := s.kinds[kind]; ok {
			names = append(names, s.name)
		}
	}
	return names
}
