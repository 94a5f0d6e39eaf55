// Copyright 2024-2026 Aiku AI

// Package platform defines the narrow collaborator interfaces the relay core
// consumes from the chat services it bridges, plus the value types that flow
// across them.
package platform

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotConnected      = errors.New("not connected")
	ErrGuildNotFound     = errors.New("guild not found")
	ErrChannelNotFound   = errors.New("channel not found")
	ErrPermissionMissing = errors.New("permission missing")
)

// Permission is a capability the bot account must hold in a channel.
type Permission int

const (
	PermissionSendMessages Permission = iota + 1
	PermissionReadMessageHistory
	PermissionManageMessages
)

func (p Permission) String() string {
	switch p {
	case PermissionSendMessages:
		return "SendMessages"
	case PermissionReadMessageHistory:
		return "ReadMessageHistory"
	case PermissionManageMessages:
		return "ManageMessages"
	default:
		return "Unknown"
	}
}

// Guild is a server (Discord) or team (Mattermost).
type Guild struct {
	ID   string
	Name string
}

// Channel is a text channel inside a guild. Mention is the native markup
// that pings the channel, e.g. "<#123>" on Discord.
type Channel struct {
	ID      string
	GuildID string
	Name    string
	Mention string
}

// Member is a user as seen from one guild.
type Member struct {
	ID          string
	Username    string
	DisplayName string
	Mention     string
}

// Role is a guild role. Only mentionable roles may be pinged.
type Role struct {
	ID          string
	Name        string
	Mentionable bool
	Mention     string
}

// Message is an inbound message event from the external chat service.
type Message struct {
	ID          string
	ChannelID   string
	ChannelName string
	GuildID     string
	GuildName   string

	AuthorID   string
	AuthorName string
	// AuthorDisplayName is the guild-specific display name, if any.
	AuthorDisplayName string
	IsBotSelf         bool

	Body                string
	MentionedUserIDs    []string
	MentionedRoleIDs    []string
	MentionedChannelIDs []string
}

// DisplayName returns the best available human-readable author name.
func (m *Message) DisplayName() string {
	if m.AuthorDisplayName != "" {
		return m.AuthorDisplayName
	}
	return m.AuthorName
}

// MessageHandle identifies a message that was sent successfully.
type MessageHandle struct {
	ID        string
	ChannelID string
}

// Directory is the read-only view of guild/channel/member data. All lookups
// are served from the adapter's cache and never block on the network.
type Directory interface {
	Guilds() []Guild
	GuildByNameOrID(nameOrID string) (Guild, bool)
	ChannelByNameOrID(guildID, nameOrID string) (Channel, bool)
	Channels(guildID string) []Channel
	Members(guildID string) []Member
	MemberByID(guildID, userID string) (Member, bool)
	Roles(guildID string) []Role
	HasPermission(channel Channel, perm Permission) bool
}

// Transport sends and fetches messages. Implementations must honour the
// context deadline.
type Transport interface {
	Send(ctx context.Context, channel Channel, text string) (*MessageHandle, error)
	FetchMessages(ctx context.Context, channel Channel, limit int) ([]Message, error)
}

// Service is a connected external chat service.
type Service interface {
	Directory
	Transport
	// SelfID is the user ID of the bot account, or "" before the
	// service is ready.
	SelfID() string
}

// GameChat is the game server's chat system.
type GameChat interface {
	// SendChat posts text to a game chat channel. channel is the game
	// channel name without the leading '#'.
	SendChat(ctx context.Context, channel, text string) error
	// BotName is the synthetic identity the bridge posts as.
	BotName() string
}

// NormalizeChannelName applies the external service's channel naming
// convention: lower-case, spaces replaced by dashes.
func NormalizeChannelName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "-")
}

// FindGuild resolves a guild by ID or case-insensitive name.
func FindGuild(guilds []Guild, nameOrID string) (Guild, bool) {
	for _, g := range guilds {
		if g.ID == nameOrID {
			return g, true
		}
	}
	for _, g := range guilds {
		if strings.EqualFold(g.Name, nameOrID) {
			return g, true
		}
	}
	return Guild{}, false
}

// FindChannel resolves a channel by ID, then by exact name, then by
// normalized name.
func FindChannel(channels []Channel, nameOrID string) (Channel, bool) {
	for _, ch := range channels {
		if ch.ID == nameOrID {
			return ch, true
		}
	}
	for _, ch := range channels {
		if ch.Name == nameOrID {
			return ch, true
		}
	}
	norm := NormalizeChannelName(nameOrID)
	for _, ch := range channels {
		if NormalizeChannelName(ch.Name) == norm {
			return ch, true
		}
	}
	return Channel{}, false
}

// Listener receives events from a connected external chat service.
type Listener interface {
	HandleReady(ctx context.Context)
	HandleGuildAvailable(ctx context.Context, guild Guild)
	HandleReconnected(ctx context.Context)
	HandlePlatformMessage(ctx context.Context, msg *Message)
}

// GameListener receives chat lines from the game.
type GameListener interface {
	HandleGameMessage(ctx context.Context, sender, channel, body string)
}

// Connectable is a Service that owns its connection.
type Connectable interface {
	Open(ctx context.Context, token string, listener Listener) error
	Close() error
}

// GameConnectable is a GameChat that owns its connection.
type GameConnectable interface {
	Open(ctx context.Context, listener GameListener) error
	Close() error
}
