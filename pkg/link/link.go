// Copyright 2024-2026 Aiku AI

// Package link holds the configured channel pairings between the game chat
// and the external chat service, and resolves them in either direction.
package link

import (
	"fmt"
	"strings"

	"github.com/aiku/ecolink/pkg/platform"
)

// Direction restricts which way messages flow across a ChannelLink.
type Direction string

const (
	DirectionGameToPlatform Direction = "game_to_platform"
	DirectionPlatformToGame Direction = "platform_to_game"
	DirectionDuplex         Direction = "duplex"
)

// Valid reports whether d is a known direction. The empty direction is
// treated as duplex.
func (d Direction) Valid() bool {
	switch d {
	case "", DirectionGameToPlatform, DirectionPlatformToGame, DirectionDuplex:
		return true
	}
	return false
}

// ToPlatform reports whether game messages may be relayed to the platform.
func (d Direction) ToPlatform() bool {
	return d == "" || d == DirectionDuplex || d == DirectionGameToPlatform
}

// ToGame reports whether platform messages may be relayed to the game.
func (d Direction) ToGame() bool {
	return d == "" || d == DirectionDuplex || d == DirectionPlatformToGame
}

// ChannelRef points at a channel on the external chat service. Guild is a
// guild name or ID, Channel a channel name or ID.
type ChannelRef struct {
	Guild   string `yaml:"guild"`
	Channel string `yaml:"channel"`
}

// Valid reports whether both halves of the reference are filled in.
func (r ChannelRef) Valid() bool {
	return r.Guild != "" && r.Channel != ""
}

// Normalize lower-cases the channel and replaces spaces with dashes. The
// bool result reports whether anything changed.
func (r ChannelRef) Normalize() (ChannelRef, bool) {
	norm := platform.NormalizeChannelName(r.Channel)
	if norm == r.Channel {
		return r, false
	}
	r.Channel = norm
	return r, true
}

// ID is the composite key used for status pairings.
func (r ChannelRef) ID() string {
	return fmt.Sprintf("%s - %s", r.Guild, r.Channel)
}

// Matches reports whether the reference points at the given live channel.
// The configured channel is tried verbatim first so raw IDs work, then as a
// name.
func (r ChannelRef) Matches(guild platform.Guild, channel platform.Channel) bool {
	if r.Guild != guild.ID && !strings.EqualFold(r.Guild, guild.Name) {
		return false
	}
	if r.Channel == channel.ID {
		return true
	}
	return r.Channel == channel.Name || r.Channel == platform.NormalizeChannelName(channel.Name)
}

// ChannelLink pairs a game chat channel with a channel on the external
// service, along with the mention policy applied to relayed text.
type ChannelLink struct {
	ChannelRef `yaml:",inline"`

	GameChannel string    `yaml:"game_channel"`
	Direction   Direction `yaml:"direction"`

	AllowUserMentions    bool `yaml:"allow_user_mentions"`
	AllowRoleMentions    bool `yaml:"allow_role_mentions"`
	AllowChannelMentions bool `yaml:"allow_channel_mentions"`
	AllowGlobalMentions  bool `yaml:"allow_global_mentions"`
}

// ID is the composite key identifying the pairing in verification reports.
func (l ChannelLink) ID() string {
	return fmt.Sprintf("%s - %s <--> %s (Chat Link)", l.Guild, l.Channel, l.GameChannel)
}

// Valid reports whether every required field is set.
func (l ChannelLink) Valid() bool {
	return l.ChannelRef.Valid() && l.GameChannel != "" && l.Direction.Valid()
}

// Normalize returns l with its external channel brought to the service's
// naming convention. It is pure and idempotent.
func Normalize(l ChannelLink) (ChannelLink, bool) {
	ref, changed := l.ChannelRef.Normalize()
	l.ChannelRef = ref
	return l, changed
}

// StatusLink is a channel the bridge keeps a server status message in. It is
// only verified here; rendering lives elsewhere.
type StatusLink struct {
	ChannelRef `yaml:",inline"`
}

// ID is the composite key identifying the status pairing.
func (s StatusLink) ID() string {
	return s.ChannelRef.ID() + " (Eco Status)"
}
