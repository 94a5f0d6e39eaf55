// Copyright 2024-2026 Aiku AI

// Package discord connects the bridge to Discord through a bot session.
package discord

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/aiku/ecolink/pkg/platform"
)

// Intents are the gateway intents the bridge needs: guild and channel
// state, members for nicknames and message content for relaying.
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsMessageContent

// Discord only fills mention_channels for crossposts, so channel mentions
// are read from the content.
var channelMentionRe = regexp.MustCompile(`<#(\d+)>`)

// Client implements platform.Service on top of a discordgo session.
type Client struct {
	mu      sync.RWMutex
	session *discordgo.Session

	log zerolog.Logger
}

var (
	_ platform.Service     = (*Client)(nil)
	_ platform.Connectable = (*Client)(nil)
)

// New creates a disconnected client.
func New(log zerolog.Logger) *Client {
	return &Client{log: log.With().Str("component", "discord").Logger()}
}

// Open starts a bot session with token and routes its events to listener.
func (c *Client) Open(ctx context.Context, token string, listener platform.Listener) error {
	if token == "" {
		return fmt.Errorf("failed to open discord session: %w", platform.ErrNotConnected)
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = Intents
	session.StateEnabled = true

	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		c.log.Info().Str("user", r.User.Username).Int("guilds", len(r.Guilds)).Msg("Discord session ready")
		listener.HandleReady(ctx)
	})
	session.AddHandler(func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		listener.HandleGuildAvailable(ctx, toGuild(g.Guild))
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		c.log.Info().Msg("Discord session resumed")
		listener.HandleReconnected(ctx)
	})
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Message == nil || m.GuildID == "" {
			return
		}
		listener.HandlePlatformMessage(ctx, c.convertMessage(m.Message))
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}

	c.mu.Lock()
	old := c.session
	c.session = session
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Close ends the session. It is safe to call when not connected.
func (c *Client) Close() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	if err := session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

func (c *Client) current() *discordgo.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Client) state() *discordgo.State {
	if s := c.current(); s != nil {
		return s.State
	}
	return nil
}

// SelfID returns the bot user ID once the session is ready.
func (c *Client) SelfID() string {
	st := c.state()
	if st == nil {
		return ""
	}
	st.RLock()
	defer st.RUnlock()
	if st.User == nil {
		return ""
	}
	return st.User.ID
}

func (c *Client) Guilds() []platform.Guild {
	st := c.state()
	if st == nil {
		return nil
	}
	st.RLock()
	defer st.RUnlock()
	guilds := make([]platform.Guild, 0, len(st.Guilds))
	for _, g := range st.Guilds {
		guilds = append(guilds, toGuild(g))
	}
	return guilds
}

func (c *Client) GuildByNameOrID(nameOrID string) (platform.Guild, bool) {
	return platform.FindGuild(c.Guilds(), nameOrID)
}

func (c *Client) ChannelByNameOrID(guildID, nameOrID string) (platform.Channel, bool) {
	return platform.FindChannel(c.Channels(guildID), nameOrID)
}

func (c *Client) guild(guildID string) *discordgo.Guild {
	st := c.state()
	if st == nil {
		return nil
	}
	g, err := st.Guild(guildID)
	if err != nil {
		return nil
	}
	return g
}

// Channels returns the text channels of a guild.
func (c *Client) Channels(guildID string) []platform.Channel {
	g := c.guild(guildID)
	if g == nil {
		return nil
	}
	st := c.state()
	st.RLock()
	defer st.RUnlock()
	var channels []platform.Channel
	for _, ch := range g.Channels {
		if ch.Type != discordgo.ChannelTypeGuildText && ch.Type != discordgo.ChannelTypeGuildNews {
			continue
		}
		channels = append(channels, toChannel(ch))
	}
	return channels
}

func (c *Client) Members(guildID string) []platform.Member {
	g := c.guild(guildID)
	if g == nil {
		return nil
	}
	st := c.state()
	st.RLock()
	defer st.RUnlock()
	members := make([]platform.Member, 0, len(g.Members))
	for _, m := range g.Members {
		if m.User == nil {
			continue
		}
		members = append(members, toMember(m))
	}
	return members
}

func (c *Client) MemberByID(guildID, userID string) (platform.Member, bool) {
	st := c.state()
	if st == nil {
		return platform.Member{}, false
	}
	m, err := st.Member(guildID, userID)
	if err != nil || m.User == nil {
		return platform.Member{}, false
	}
	return toMember(m), true
}

func (c *Client) Roles(guildID string) []platform.Role {
	g := c.guild(guildID)
	if g == nil {
		return nil
	}
	st := c.state()
	st.RLock()
	defer st.RUnlock()
	roles := make([]platform.Role, 0, len(g.Roles))
	for _, r := range g.Roles {
		roles = append(roles, toRole(r))
	}
	return roles
}

// HasPermission reports whether the bot holds perm in channel according to
// the cached guild state.
func (c *Client) HasPermission(channel platform.Channel, perm platform.Permission) bool {
	st := c.state()
	self := c.SelfID()
	if st == nil || self == "" {
		return false
	}
	perms, err := st.UserChannelPermissions(self, channel.ID)
	if err != nil {
		c.log.Debug().Err(err).Str("channel_id", channel.ID).Msg("Failed to compute channel permissions")
		return false
	}
	return hasPermission(perms, perm)
}

// Send posts text to channel.
func (c *Client) Send(ctx context.Context, channel platform.Channel, text string) (*platform.MessageHandle, error) {
	session := c.current()
	if session == nil {
		return nil, platform.ErrNotConnected
	}
	msg, err := session.ChannelMessageSend(channel.ID, text, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to send discord message: %w", err)
	}
	return &platform.MessageHandle{ID: msg.ID, ChannelID: msg.ChannelID}, nil
}

// FetchMessages returns up to limit recent messages of channel, newest
// first.
func (c *Client) FetchMessages(ctx context.Context, channel platform.Channel, limit int) ([]platform.Message, error) {
	session := c.current()
	if session == nil {
		return nil, platform.ErrNotConnected
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	msgs, err := session.ChannelMessages(channel.ID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == 403 {
			return nil, fmt.Errorf("failed to fetch discord messages: %w", platform.ErrPermissionMissing)
		}
		return nil, fmt.Errorf("failed to fetch discord messages: %w", err)
	}
	out := make([]platform.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.GuildID == "" {
			m.GuildID = channel.GuildID
		}
		out = append(out, *c.convertMessage(m))
	}
	return out, nil
}

func (c *Client) convertMessage(m *discordgo.Message) *platform.Message {
	var guildName, channelName string
	if g := c.guild(m.GuildID); g != nil {
		guildName = g.Name
	}
	if st := c.state(); st != nil {
		if ch, err := st.Channel(m.ChannelID); err == nil {
			channelName = ch.Name
		}
	}
	return toMessage(m, c.SelfID(), guildName, channelName)
}

func toGuild(g *discordgo.Guild) platform.Guild {
	return platform.Guild{ID: g.ID, Name: g.Name}
}

func toChannel(ch *discordgo.Channel) platform.Channel {
	return platform.Channel{ID: ch.ID, GuildID: ch.GuildID, Name: ch.Name, Mention: ch.Mention()}
}

func toMember(m *discordgo.Member) platform.Member {
	return platform.Member{
		ID:          m.User.ID,
		Username:    m.User.Username,
		DisplayName: m.DisplayName(),
		Mention:     m.User.Mention(),
	}
}

func toRole(r *discordgo.Role) platform.Role {
	return platform.Role{ID: r.ID, Name: r.Name, Mentionable: r.Mentionable, Mention: r.Mention()}
}

func toMessage(m *discordgo.Message, selfID, guildName, channelName string) *platform.Message {
	msg := &platform.Message{
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		ChannelName: channelName,
		GuildID:     m.GuildID,
		GuildName:   guildName,
		Body:        m.Content,
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorName = m.Author.Username
		msg.AuthorDisplayName = m.Author.DisplayName()
		msg.IsBotSelf = selfID != "" && m.Author.ID == selfID
	}
	if m.Member != nil && m.Member.Nick != "" {
		msg.AuthorDisplayName = m.Member.Nick
	}
	for _, u := range m.Mentions {
		msg.MentionedUserIDs = append(msg.MentionedUserIDs, u.ID)
	}
	msg.MentionedRoleIDs = append(msg.MentionedRoleIDs, m.MentionRoles...)
	for _, ch := range m.MentionChannels {
		msg.MentionedChannelIDs = append(msg.MentionedChannelIDs, ch.ID)
	}
	for _, match := range channelMentionRe.FindAllStringSubmatch(m.Content, -1) {
		if !slices.Contains(msg.MentionedChannelIDs, match[1]) {
			msg.MentionedChannelIDs = append(msg.MentionedChannelIDs, match[1])
		}
	}
	return msg
}

func hasPermission(perms int64, perm platform.Permission) bool {
	var bit int64
	switch perm {
	case platform.PermissionSendMessages:
		bit = discordgo.PermissionSendMessages
	case platform.PermissionReadMessageHistory:
		bit = discordgo.PermissionReadMessageHistory
	case platform.PermissionManageMessages:
		bit = discordgo.PermissionManageMessages
	default:
		return false
	}
	return perms&discordgo.PermissionViewChannel != 0 && perms&bit == bit
}
