// Copyright 2024-2026 Aiku AI

// Package relay forwards chat messages between the game and the external
// chat service across configured channel links.
package relay

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/ecolink/pkg/link"
	"github.com/aiku/ecolink/pkg/mention"
	"github.com/aiku/ecolink/pkg/platform"
)

// State is the stage a message reached before it was forwarded or dropped.
type State int

const (
	StateReceived State = iota
	StateLinkResolved
	StateDirectionChecked
	StateEchoChecked
	StateTranslated
	StateForwarded
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateLinkResolved:
		return "link_resolved"
	case StateDirectionChecked:
		return "direction_checked"
	case StateEchoChecked:
		return "echo_checked"
	case StateTranslated:
		return "translated"
	case StateForwarded:
		return "forwarded"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// DropReason explains why a message was not forwarded.
type DropReason string

const (
	DropEmpty              DropReason = "empty"
	DropCommand            DropReason = "command"
	DropLinkNotFound       DropReason = "link_not_found"
	DropDirection          DropReason = "direction"
	DropEcho               DropReason = "echo"
	DropChannelUnreachable DropReason = "channel_unreachable"
	DropTransportFailure   DropReason = "transport_failure"
)

// Outcome is the result of relaying one message across one link.
type Outcome struct {
	Link   link.ChannelLink
	State  State
	Reason DropReason
	Text   string
	Handle *platform.MessageHandle
}

func dropped(l link.ChannelLink, reason DropReason) Outcome {
	return Outcome{Link: l, State: StateDropped, Reason: reason}
}

// Config tunes relay behaviour.
type Config struct {
	// CommandPrefix marks external messages addressed to a bot; they are
	// never relayed.
	CommandPrefix string
	EchoToken     string
	SendTimeout   time.Duration
}

// Stats counts relay outcomes since start.
type Stats struct {
	Forwarded int64
	Dropped   int64
}

// Relay moves messages between the game chat and the external service. It
// keeps no per-message state, so messages in different channels may be
// handled concurrently.
type Relay struct {
	registry *link.Registry
	service  platform.Service
	game     platform.GameChat
	guard    EchoGuard
	cfg      Config

	forwarded atomic.Int64
	dropped   atomic.Int64

	log zerolog.Logger
}

// New creates a relay over the given registry and endpoints.
func New(log zerolog.Logger, registry *link.Registry, service platform.Service, game platform.GameChat, cfg Config) *Relay {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Relay{
		registry: registry,
		service:  service,
		game:     game,
		guard:    NewEchoGuard(cfg.EchoToken),
		cfg:      cfg,
		log:      log.With().Str("component", "relay").Logger(),
	}
}

// Stats returns the outcome counters.
func (r *Relay) Stats() Stats {
	return Stats{Forwarded: r.forwarded.Load(), Dropped: r.dropped.Load()}
}

func (r *Relay) count(outcomes []Outcome) []Outcome {
	for _, o := range outcomes {
		if o.State == StateForwarded {
			r.forwarded.Add(1)
		} else {
			r.dropped.Add(1)
		}
	}
	return outcomes
}

// RelayGameMessage forwards a game chat line to every link of its channel.
// channelTag is the game channel, with or without its leading '#'.
func (r *Relay) RelayGameMessage(ctx context.Context, sender, channelTag, body string) []Outcome {
	log := r.log.With().
		Str("direction", "game_to_platform").
		Str("sender", sender).
		Str("game_channel", channelTag).
		Logger()

	if strings.TrimSpace(mention.StripTags(body)) == "" {
		return r.count([]Outcome{dropped(link.ChannelLink{}, DropEmpty)})
	}

	links := r.registry.LinksForGameChannel(channelTag)
	if len(links) == 0 {
		log.Trace().Msg("No link for game channel")
		return r.count([]Outcome{dropped(link.ChannelLink{}, DropLinkNotFound)})
	}

	outcomes := make([]Outcome, 0, len(links))
	for _, l := range links {
		outcomes = append(outcomes, r.gameToPlatform(ctx, log, l, sender, body))
	}
	return r.count(outcomes)
}

func (r *Relay) gameToPlatform(ctx context.Context, log zerolog.Logger, l link.ChannelLink, sender, body string) Outcome {
	log = log.With().Str("link", l.ID()).Logger()

	if !l.Direction.ToPlatform() {
		log.Trace().Msg("Link does not relay game messages")
		return dropped(l, DropDirection)
	}

	if !r.guard.Allow(sender, r.game.BotName(), body) {
		log.Trace().Msg("Skipping own message (echo prevention)")
		return dropped(l, DropEcho)
	}

	guild, ok := r.service.GuildByNameOrID(l.Guild)
	if !ok {
		log.Debug().Msg("Guild of link is not available")
		return dropped(l, DropChannelUnreachable)
	}
	channel, ok := r.service.ChannelByNameOrID(guild.ID, l.Channel)
	if !ok {
		log.Debug().Msg("Channel of link is not available")
		return dropped(l, DropChannelUnreachable)
	}

	text := mention.FormatForPlatform(sender, body, mention.Context{
		Members:              r.service.Members(guild.ID),
		Roles:                r.service.Roles(guild.ID),
		Channels:             r.service.Channels(guild.ID),
		AllowUserMentions:    l.AllowUserMentions,
		AllowRoleMentions:    l.AllowRoleMentions,
		AllowChannelMentions: l.AllowChannelMentions,
		AllowGlobalMentions:  l.AllowGlobalMentions,
	})

	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()
	handle, err := r.service.Send(sendCtx, channel, text)
	if err != nil {
		log.Warn().Err(err).Str("channel_id", channel.ID).Msg("Failed to send message to platform")
		o := dropped(l, DropTransportFailure)
		o.Text = text
		return o
	}
	log.Debug().Str("channel_id", channel.ID).Msg("Relayed game message")
	return Outcome{Link: l, State: StateForwarded, Text: text, Handle: handle}
}

// RelayPlatformMessage forwards an external message to the game channel of
// every link it belongs to.
func (r *Relay) RelayPlatformMessage(ctx context.Context, msg *platform.Message) []Outcome {
	log := r.log.With().
		Str("direction", "platform_to_game").
		Str("author_id", msg.AuthorID).
		Str("channel", msg.ChannelName).
		Str("guild", msg.GuildName).
		Logger()

	if strings.TrimSpace(msg.Body) == "" {
		return r.count([]Outcome{dropped(link.ChannelLink{}, DropEmpty)})
	}
	if r.cfg.CommandPrefix != "" && strings.HasPrefix(msg.Body, r.cfg.CommandPrefix) {
		log.Trace().Msg("Skipping bot command")
		return r.count([]Outcome{dropped(link.ChannelLink{}, DropCommand)})
	}

	guild := platform.Guild{ID: msg.GuildID, Name: msg.GuildName}
	channel := platform.Channel{ID: msg.ChannelID, GuildID: msg.GuildID, Name: msg.ChannelName}
	links := r.registry.LinksForPlatformChannel(guild, channel)
	if len(links) == 0 {
		log.Trace().Msg("No link for platform channel")
		return r.count([]Outcome{dropped(link.ChannelLink{}, DropLinkNotFound)})
	}

	outcomes := make([]Outcome, 0, len(links))
	for _, l := range links {
		outcomes = append(outcomes, r.platformToGame(ctx, log, l, msg))
	}
	return r.count(outcomes)
}

func (r *Relay) platformToGame(ctx context.Context, log zerolog.Logger, l link.ChannelLink, msg *platform.Message) Outcome {
	log = log.With().Str("link", l.ID()).Logger()

	if !l.Direction.ToGame() {
		log.Trace().Msg("Link does not relay platform messages")
		return dropped(l, DropDirection)
	}

	author, self := msg.AuthorID, r.service.SelfID()
	if msg.IsBotSelf {
		author, self = "self", "self"
	}
	body := msg.Body
	if !r.guard.Allow(author, self, body) {
		log.Trace().Msg("Skipping own message (echo prevention)")
		return dropped(l, DropEcho)
	}

	nametag := msg.AuthorName
	if member, ok := r.service.MemberByID(msg.GuildID, msg.AuthorID); ok && member.DisplayName != "" {
		nametag = mention.Nametag(member.DisplayName)
	}
	text := mention.FormatForGame(l.GameChannel, nametag, mention.Readable(body, r.mentionNames(msg)))

	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()
	if err := r.game.SendChat(sendCtx, l.GameChannel, text); err != nil {
		log.Warn().Err(err).Msg("Failed to send message to game chat")
		o := dropped(l, DropTransportFailure)
		o.Text = text
		return o
	}
	log.Debug().Str("game_channel", l.GameChannel).Msg("Relayed platform message")
	return Outcome{Link: l, State: StateForwarded, Text: text}
}

func (r *Relay) mentionNames(msg *platform.Message) mention.Names {
	names := mention.Names{
		Users:    make(map[string]string, len(msg.MentionedUserIDs)),
		Roles:    make(map[string]string, len(msg.MentionedRoleIDs)),
		Channels: make(map[string]string, len(msg.MentionedChannelIDs)),
	}
	for _, id := range msg.MentionedUserIDs {
		if member, ok := r.service.MemberByID(msg.GuildID, id); ok {
			names.Users[id] = member.DisplayName
		}
	}
	if len(msg.MentionedRoleIDs) > 0 {
		for _, role := range r.service.Roles(msg.GuildID) {
			names.Roles[role.ID] = role.Name
		}
	}
	if len(msg.MentionedChannelIDs) > 0 {
		for _, ch := range r.service.Channels(msg.GuildID) {
			names.Channels[ch.ID] = ch.Name
		}
	}
	return names
}
