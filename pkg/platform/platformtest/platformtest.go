// Copyright 2024-2026 Aiku AI

// Package platformtest provides in-memory fakes of the platform interfaces
// for tests.
package platformtest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/aiku/ecolink/pkg/platform"
)

// SentMessage records one call to Service.Send.
type SentMessage struct {
	Channel platform.Channel
	Text    string
}

// Service is a fake external chat service. All permissions are granted
// unless listed in Denied.
type Service struct {
	mu sync.Mutex

	self     string
	guilds   []platform.Guild
	channels map[string][]platform.Channel
	members  map[string][]platform.Member
	roles    map[string][]platform.Role
	denied   map[string]map[platform.Permission]bool
	history  map[string][]platform.Message

	sendErr  error
	fetchErr error
	sent     []SentMessage
	fetches  int
}

var _ platform.Service = (*Service)(nil)

// NewService creates an empty fake whose bot account has the given ID.
func NewService(selfID string) *Service {
	return &Service{
		self:     selfID,
		channels: make(map[string][]platform.Channel),
		members:  make(map[string][]platform.Member),
		roles:    make(map[string][]platform.Role),
		denied:   make(map[string]map[platform.Permission]bool),
		history:  make(map[string][]platform.Message),
	}
}

// AddGuild registers a guild.
func (s *Service) AddGuild(id, name string) platform.Guild {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := platform.Guild{ID: id, Name: name}
	s.guilds = append(s.guilds, g)
	return g
}

// AddChannel registers a text channel in a guild.
func (s *Service) AddChannel(guildID, id, name string) platform.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := platform.Channel{ID: id, GuildID: guildID, Name: name, Mention: "<#" + id + ">"}
	s.channels[guildID] = append(s.channels[guildID], ch)
	return ch
}

// AddMember registers a guild member.
func (s *Service) AddMember(guildID, id, displayName string) platform.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := platform.Member{ID: id, Username: displayName, DisplayName: displayName, Mention: "<@" + id + ">"}
	s.members[guildID] = append(s.members[guildID], m)
	return m
}

// AddRole registers a guild role.
func (s *Service) AddRole(guildID, id, name string, mentionable bool) platform.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := platform.Role{ID: id, Name: name, Mentionable: mentionable, Mention: "<@&" + id + ">"}
	s.roles[guildID] = append(s.roles[guildID], r)
	return r
}

// Deny revokes a permission in a channel.
func (s *Service) Deny(channelID string, perm platform.Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied[channelID] == nil {
		s.denied[channelID] = make(map[platform.Permission]bool)
	}
	s.denied[channelID][perm] = true
}

// SetHistory sets the messages FetchMessages returns for a channel.
func (s *Service) SetHistory(channelID string, msgs ...platform.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[channelID] = msgs
}

// FailSends makes every Send return err. Pass nil to recover.
func (s *Service) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// FailFetches makes every FetchMessages return err. Pass nil to recover.
func (s *Service) FailFetches(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErr = err
}

// Sent returns a copy of every message sent so far.
func (s *Service) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sent)
}

// Fetches returns how many times FetchMessages was called.
func (s *Service) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *Service) SelfID() string {
	return s.self
}

func (s *Service) Guilds() []platform.Guild {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.guilds)
}

func (s *Service) GuildByNameOrID(nameOrID string) (platform.Guild, bool) {
	return platform.FindGuild(s.Guilds(), nameOrID)
}

func (s *Service) ChannelByNameOrID(guildID, nameOrID string) (platform.Channel, bool) {
	return platform.FindChannel(s.Channels(guildID), nameOrID)
}

func (s *Service) Channels(guildID string) []platform.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.channels[guildID])
}

func (s *Service) Members(guildID string) []platform.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.members[guildID])
}

func (s *Service) MemberByID(guildID, userID string) (platform.Member, bool) {
	for _, m := range s.Members(guildID) {
		if m.ID == userID {
			return m, true
		}
	}
	return platform.Member{}, false
}

func (s *Service) Roles(guildID string) []platform.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.roles[guildID])
}

func (s *Service) HasPermission(channel platform.Channel, perm platform.Permission) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.denied[channel.ID][perm]
}

func (s *Service) Send(_ context.Context, channel platform.Channel, text string) (*platform.MessageHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.sent = append(s.sent, SentMessage{Channel: channel, Text: text})
	return &platform.MessageHandle{ID: fmt.Sprintf("msg-%d", len(s.sent)), ChannelID: channel.ID}, nil
}

func (s *Service) FetchMessages(_ context.Context, channel platform.Channel, limit int) ([]platform.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	msgs := s.history[channel.ID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return slices.Clone(msgs), nil
}

// GameMessage records one call to Game.SendChat.
type GameMessage struct {
	Channel string
	Text    string
}

// Game is a fake game chat.
type Game struct {
	mu      sync.Mutex
	botName string
	err     error
	sent    []GameMessage
}

var _ platform.GameChat = (*Game)(nil)

// NewGame creates a fake game chat whose bridge identity is botName.
func NewGame(botName string) *Game {
	return &Game{botName: botName}
}

func (g *Game) BotName() string {
	return g.botName
}

// Fail makes every SendChat return err. Pass nil to recover.
func (g *Game) Fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

func (g *Game) SendChat(_ context.Context, channel, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.sent = append(g.sent, GameMessage{Channel: channel, Text: text})
	return nil
}

// Sent returns a copy of every game message sent so far.
func (g *Game) Sent() []GameMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.sent)
}
