// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/mo"

	"github.com/aiku/ecolink/pkg/link"
	"github.com/aiku/ecolink/pkg/mention"
	"github.com/aiku/ecolink/pkg/platform"
	"github.com/aiku/ecolink/pkg/relay"
	"github.com/aiku/ecolink/pkg/verify"
)

// RelayEcoMessage processes a game chat line: it is logged and relayed to
// every linked channel.
func (c *Connector) RelayEcoMessage(ctx context.Context, sender, channelTag, body string) {
	c.events.Dispatch(ctx, Event{
		Kind: EventGameMessage,
		Game: &GameMessage{Sender: sender, Channel: channelTag, Body: body},
	})
}

// RelayPlatformMessage processes a message from the external service: it
// is logged, relayed to the game and may refresh the snippet cache.
func (c *Connector) RelayPlatformMessage(ctx context.Context, msg *platform.Message) {
	c.events.Dispatch(ctx, Event{Kind: EventPlatformMessage, Platform: msg})
}

// RelayStats returns the relay outcome counters since the last
// configuration change.
func (c *Connector) RelayStats() relay.Stats {
	return c.relay.Load().Stats()
}

// GetLinkForChannel resolves a link by game channel name, falling back to
// the external channel name or ID.
func (c *Connector) GetLinkForChannel(name string) (link.ChannelLink, bool) {
	if l, ok := c.registry.ForGameChannel(name); ok {
		return l, true
	}
	return c.registry.ForPlatformChannel(name)
}

// GetSnippet returns the cached snippet body for key.
func (c *Connector) GetSnippet(key string) mo.Option[string] {
	return c.snippets.Get(key)
}

// ListSnippetKeys returns every cached snippet key.
func (c *Connector) ListSnippetKeys() []string {
	return c.snippets.Keys()
}

// ReloadSnippets rescans the snippet channels.
func (c *Connector) ReloadSnippets(ctx context.Context) int {
	return c.snippets.Reload(ctx)
}

// TriggerVerification runs a verification pass and waits for it.
func (c *Connector) TriggerVerification(scope verify.Scope) {
	c.verifier.Trigger(scope)
}

// UnverifiedLinks returns the IDs of links not verified yet.
func (c *Connector) UnverifiedLinks() []string {
	return c.verifier.Unverified()
}

// PlaySnippet returns the snippet for key, or a message listing the known
// keys when there is none.
func (c *Connector) PlaySnippet(key string) string {
	if text, ok := c.GetSnippet(key).Get(); ok {
		return text
	}
	keys := c.ListSnippetKeys()
	if len(keys) == 0 {
		return "There are no registered snippets"
	}
	return fmt.Sprintf("No snippet with key %q found. Available snippets: %s", key, strings.Join(keys, ", "))
}

func (c *Connector) connected() bool {
	return c.Status() == StatusConnected
}

// ListGuilds describes every guild the bot is in.
func (c *Connector) ListGuilds() string {
	if !c.connected() {
		return "Not connected to the chat service"
	}
	guilds := c.service.Guilds()
	if len(guilds) == 0 {
		return "The bot is not in any guild"
	}
	var sb strings.Builder
	sb.WriteString("Connected guilds:")
	for _, g := range guilds {
		fmt.Fprintf(&sb, "\n- %s (%s)", g.Name, g.ID)
	}
	return sb.String()
}

// ListChannels describes the text channels of a guild.
func (c *Connector) ListChannels(guildNameOrID string) string {
	if !c.connected() {
		return "Not connected to the chat service"
	}
	guild, ok := c.service.GuildByNameOrID(guildNameOrID)
	if !ok {
		return "No guild of that name or ID found"
	}
	channels := c.service.Channels(guild.ID)
	if len(channels) == 0 {
		return fmt.Sprintf("%s has no text channels", guild.Name)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Channels in %s:", guild.Name)
	for _, ch := range channels {
		fmt.Fprintf(&sb, "\n- %s (%s)", ch.Name, ch.ID)
	}
	return sb.String()
}

// SendMessageToChannel posts message to a channel as sender, using the
// mention policy of the channel's link when it has one.
func (c *Connector) SendMessageToChannel(ctx context.Context, sender, guildNameOrID, channelNameOrID, message string) string {
	if !c.connected() {
		return "Not connected to the chat service"
	}
	guild, ok := c.service.GuildByNameOrID(guildNameOrID)
	if !ok {
		return "No guild of that name or ID found"
	}
	channel, ok := c.service.ChannelByNameOrID(guild.ID, channelNameOrID)
	if !ok {
		return "No channel of that name or ID found in that guild"
	}
	if !c.service.HasPermission(channel, platform.PermissionSendMessages) {
		return "Missing permission to send messages in that channel"
	}

	mctx := mention.Context{
		Members:              c.service.Members(guild.ID),
		Roles:                c.service.Roles(guild.ID),
		Channels:             c.service.Channels(guild.ID),
		AllowUserMentions:    true,
		AllowRoleMentions:    true,
		AllowChannelMentions: true,
	}
	if links := c.registry.LinksForPlatformChannel(guild, channel); len(links) > 0 {
		l := links[0]
		mctx.AllowUserMentions = l.AllowUserMentions
		mctx.AllowRoleMentions = l.AllowRoleMentions
		mctx.AllowChannelMentions = l.AllowChannelMentions
		mctx.AllowGlobalMentions = l.AllowGlobalMentions
	}
	text := mention.FormatForPlatform(sender, message, mctx)

	sendCtx, cancel := context.WithTimeout(ctx, c.sendTimeout())
	defer cancel()
	if _, err := c.service.Send(sendCtx, channel, text); err != nil {
		c.log.Warn().Err(err).
			Str("sender", sender).
			Str("channel_id", channel.ID).
			Msg("Failed to send operator message")
		return "Failed to send message: " + err.Error()
	}
	c.log.Info().Str("sender", sender).Str("channel_id", channel.ID).Msg("Sent operator message")
	return "Message sent"
}

func (c *Connector) sendTimeout() time.Duration {
	if d := c.Config().SendTimeout; d > 0 {
		return d
	}
	return 10 * time.Second
}

// SendMessageToDefault posts message to the sender's default channel.
func (c *Connector) SendMessageToDefault(ctx context.Context, sender, message string) string {
	opt, err := c.players.DefaultChannel(ctx, sender)
	if err != nil {
		c.log.Warn().Err(err).Str("player", sender).Msg("Failed to load player config")
		return "Failed to load your player settings"
	}
	ref, ok := opt.Get()
	if !ok {
		return "No default channel is set. Set one before sending without a channel."
	}
	return c.SendMessageToChannel(ctx, sender, ref.Guild, ref.Channel, message)
}

// SetDefaultChannel stores the channel sender's messages go to when no
// channel is given.
func (c *Connector) SetDefaultChannel(ctx context.Context, sender, guildNameOrID, channelNameOrID string) string {
	ref, _ := link.ChannelRef{Guild: guildNameOrID, Channel: channelNameOrID}.Normalize()
	if !ref.Valid() {
		return "Both a guild and a channel are required"
	}
	if _, err := c.players.GetOrCreate(ctx, sender); err != nil {
		c.log.Warn().Err(err).Str("player", sender).Msg("Failed to create player config")
		return "Failed to load your player settings"
	}
	if err := c.players.SetDefaultChannel(ctx, sender, ref); err != nil {
		c.log.Warn().Err(err).Str("player", sender).Msg("Failed to save default channel")
		return "Failed to save your default channel"
	}
	return fmt.Sprintf("Default channel set to %s", ref.ID())
}
