// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mattermost connects the bridge to a Mattermost server. Teams are
// exposed as guilds and open or private channels as channels.
package mattermost

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/ecolink/pkg/platform"
)

const membersPerPage = 200

// Client implements platform.Service against the Mattermost REST API and
// websocket.
type Client struct {
	serverURL string

	mu       sync.RWMutex
	api      *model.Client4
	wsClient *model.WebSocketClient
	self     *model.User
	listener platform.Listener

	teams    []*model.Team
	channels map[string][]*model.Channel // by team ID
	byID     map[string]*model.Channel
	users    map[string]*model.User
	members  map[string][]string // team ID to user IDs
	admin    map[string]bool     // channel IDs the bot administers

	// stopChan belongs to the current session. Close closes it and Open
	// replaces it, so a closed client can be opened again.
	stopChan chan struct{}

	log zerolog.Logger
}

var (
	_ platform.Service     = (*Client)(nil)
	_ platform.Connectable = (*Client)(nil)
)

// New creates a client for the server at serverURL. Nothing connects until
// Open.
func New(log zerolog.Logger, serverURL string) *Client {
	return &Client{
		serverURL: strings.TrimSuffix(serverURL, "/"),
		log:       log.With().Str("component", "mattermost").Logger(),
	}
}

// Open authenticates with token, loads the team and channel state and
// starts listening on the websocket.
func (c *Client) Open(ctx context.Context, token string, listener platform.Listener) error {
	if token == "" {
		return fmt.Errorf("failed to open mattermost session: %w", platform.ErrNotConnected)
	}
	c.mu.Lock()
	c.listener = listener
	c.mu.Unlock()
	stop := c.newSession()

	if err := c.connectAPI(ctx, token); err != nil {
		return err
	}
	if err := c.connectWebSocket(ctx, stop); err != nil {
		return err
	}

	listener.HandleReady(ctx)
	for _, g := range c.Guilds() {
		listener.HandleGuildAvailable(ctx, g)
	}
	return nil
}

// newSession ends the previous session, if any, and returns the stop signal
// of a new one.
func (c *Client) newSession() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopChan != nil {
		close(c.stopChan)
	}
	c.stopChan = make(chan struct{})
	return c.stopChan
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func (c *Client) connectAPI(ctx context.Context, token string) error {
	api := model.NewAPIv4Client(c.serverURL)
	api.SetToken(token)

	me, _, err := api.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify mattermost session: %w", err)
	}
	c.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	c.mu.Lock()
	c.api = api
	c.self = me
	c.mu.Unlock()

	return c.refresh(ctx)
}

// refresh reloads teams, channels and members the bot can see.
func (c *Client) refresh(ctx context.Context) error {
	api, self := c.client()
	if api == nil {
		return platform.ErrNotConnected
	}

	teams, _, err := api.GetTeamsForUser(ctx, self.Id, "")
	if err != nil {
		return fmt.Errorf("failed to get teams: %w", err)
	}

	channels := make(map[string][]*model.Channel, len(teams))
	byID := make(map[string]*model.Channel)
	members := make(map[string][]string, len(teams))
	admin := make(map[string]bool)
	userIDs := make(map[string]struct{})

	for _, team := range teams {
		chs, _, err := api.GetChannelsForTeamForUser(ctx, team.Id, self.Id, false, "")
		if err != nil {
			c.log.Warn().Err(err).Str("team_id", team.Id).Msg("Failed to get team channels")
			continue
		}
		seen := make(map[string]struct{})
		for _, ch := range chs {
			if ch.DeleteAt != 0 || (ch.Type != model.ChannelTypeOpen && ch.Type != model.ChannelTypePrivate) {
				continue
			}
			channels[team.Id] = append(channels[team.Id], ch)
			byID[ch.Id] = ch

			chMembers, _, err := api.GetChannelMembers(ctx, ch.Id, 0, membersPerPage, "")
			if err != nil {
				c.log.Warn().Err(err).Str("channel_id", ch.Id).Msg("Failed to get channel members")
				continue
			}
			for _, member := range chMembers {
				if member.UserId == self.Id && member.SchemeAdmin {
					admin[ch.Id] = true
				}
				if _, ok := seen[member.UserId]; !ok {
					seen[member.UserId] = struct{}{}
					members[team.Id] = append(members[team.Id], member.UserId)
				}
				userIDs[member.UserId] = struct{}{}
			}
		}
	}

	c.mu.RLock()
	users := make(map[string]*model.User, len(userIDs))
	for id := range userIDs {
		if u, ok := c.users[id]; ok {
			users[id] = u
		}
	}
	c.mu.RUnlock()
	for id := range userIDs {
		if _, ok := users[id]; ok {
			continue
		}
		u, _, err := api.GetUser(ctx, id, "")
		if err != nil {
			c.log.Debug().Err(err).Str("user_id", id).Msg("Failed to get user")
			continue
		}
		users[id] = u
	}

	c.mu.Lock()
	c.teams = teams
	c.channels = channels
	c.byID = byID
	c.members = members
	c.users = users
	c.admin = admin
	c.mu.Unlock()

	c.log.Debug().Int("teams", len(teams)).Int("channels", len(byID)).Msg("Loaded mattermost state")
	return nil
}

func (c *Client) connectWebSocket(ctx context.Context, stop <-chan struct{}) error {
	api, _ := c.client()
	wsURL := httpToWS(c.serverURL)
	ws, err := model.NewWebSocketClient4(wsURL, api.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()

	c.mu.Lock()
	if stopped(stop) {
		c.mu.Unlock()
		ws.Close()
		return platform.ErrNotConnected
	}
	c.wsClient = ws
	c.mu.Unlock()

	go c.listenWebSocket(ctx, ws, stop)

	c.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (c *Client) listenWebSocket(ctx context.Context, ws *model.WebSocketClient, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case event, ok := <-ws.EventChannel:
			if !ok {
				c.log.Warn().Msg("WebSocket event channel closed, reconnecting")
				c.handleWebSocketDisconnect(ctx, stop)
				return
			}
			if event == nil {
				continue
			}
			c.handleEvent(ctx, event)
		}
	}
}

func (c *Client) handleWebSocketDisconnect(ctx context.Context, stop <-chan struct{}) {
	if stopped(stop) {
		return
	}
	if err := c.connectWebSocket(ctx, stop); err != nil {
		c.log.Error().Err(err).Msg("Failed to reconnect WebSocket")
		return
	}
	if err := c.refresh(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Failed to reload state after reconnect")
	}
	if l := c.currentListener(); l != nil {
		l.HandleReconnected(ctx)
	}
}

// Close stops the websocket listener. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	stop := c.stopChan
	c.stopChan = nil
	ws := c.wsClient
	c.wsClient = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	if ws != nil {
		ws.Close()
	}
	return nil
}

func (c *Client) client() (*model.Client4, *model.User) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.api, c.self
}

func (c *Client) currentListener() platform.Listener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listener
}

// SelfID returns the bot user ID once authenticated.
func (c *Client) SelfID() string {
	_, self := c.client()
	if self == nil {
		return ""
	}
	return self.Id
}

func (c *Client) Guilds() []platform.Guild {
	c.mu.RLock()
	defer c.mu.RUnlock()
	guilds := make([]platform.Guild, 0, len(c.teams))
	for _, t := range c.teams {
		guilds = append(guilds, toGuild(t))
	}
	return guilds
}

// GuildByNameOrID matches a team by ID, display name or URL name.
func (c *Client) GuildByNameOrID(nameOrID string) (platform.Guild, bool) {
	if g, ok := platform.FindGuild(c.Guilds(), nameOrID); ok {
		return g, true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.teams {
		if strings.EqualFold(t.Name, nameOrID) {
			return toGuild(t), true
		}
	}
	return platform.Guild{}, false
}

func (c *Client) ChannelByNameOrID(guildID, nameOrID string) (platform.Channel, bool) {
	return platform.FindChannel(c.Channels(guildID), nameOrID)
}

func (c *Client) Channels(guildID string) []platform.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	chs := c.channels[guildID]
	if len(chs) == 0 {
		return nil
	}
	out := make([]platform.Channel, 0, len(chs))
	for _, ch := range chs {
		out = append(out, toChannel(ch))
	}
	return out
}

func (c *Client) Members(guildID string) []platform.Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.members[guildID]
	out := make([]platform.Member, 0, len(ids))
	for _, id := range ids {
		if u, ok := c.users[id]; ok {
			out = append(out, toMember(u))
		}
	}
	return out
}

func (c *Client) MemberByID(guildID, userID string) (platform.Member, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !slices.Contains(c.members[guildID], userID) {
		return platform.Member{}, false
	}
	u, ok := c.users[userID]
	if !ok {
		return platform.Member{}, false
	}
	return toMember(u), true
}

// Roles returns nothing: Mattermost has no mentionable roles.
func (c *Client) Roles(string) []platform.Role {
	return nil
}

// HasPermission approximates channel permissions from membership. The bot
// can post and read history in every channel it is a member of, and
// manage messages where it is a channel or system admin.
func (c *Client) HasPermission(channel platform.Channel, perm platform.Permission) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.byID[channel.ID]; !ok {
		return false
	}
	switch perm {
	case platform.PermissionSendMessages, platform.PermissionReadMessageHistory:
		return true
	case platform.PermissionManageMessages:
		return c.admin[channel.ID] || (c.self != nil && c.self.IsSystemAdmin())
	default:
		return false
	}
}

// Send posts text to channel.
func (c *Client) Send(ctx context.Context, channel platform.Channel, text string) (*platform.MessageHandle, error) {
	api, _ := c.client()
	if api == nil {
		return nil, platform.ErrNotConnected
	}
	created, _, err := api.CreatePost(ctx, &model.Post{ChannelId: channel.ID, Message: text})
	if err != nil {
		return nil, fmt.Errorf("failed to create post: %w", err)
	}
	return &platform.MessageHandle{ID: created.Id, ChannelID: channel.ID}, nil
}

// FetchMessages returns up to limit recent user posts of channel, newest
// first.
func (c *Client) FetchMessages(ctx context.Context, channel platform.Channel, limit int) ([]platform.Message, error) {
	api, _ := c.client()
	if api == nil {
		return nil, platform.ErrNotConnected
	}
	if limit <= 0 {
		limit = 60
	}
	postList, _, err := api.GetPostsForChannel(ctx, channel.ID, 0, limit, "", false, false)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch posts: %w", err)
	}

	posts := postList.ToSlice()
	slices.SortFunc(posts, func(a, b *model.Post) int {
		switch {
		case a.CreateAt > b.CreateAt:
			return -1
		case a.CreateAt < b.CreateAt:
			return 1
		default:
			return 0
		}
	})

	out := make([]platform.Message, 0, len(posts))
	for _, post := range posts {
		// Skip system messages.
		if post.Type != "" && post.Type != model.PostTypeDefault {
			continue
		}
		out = append(out, *c.convertPost(post))
	}
	return out, nil
}

func toGuild(t *model.Team) platform.Guild {
	name := t.DisplayName
	if name == "" {
		name = t.Name
	}
	return platform.Guild{ID: t.Id, Name: name}
}

func toChannel(ch *model.Channel) platform.Channel {
	return platform.Channel{ID: ch.Id, GuildID: ch.TeamId, Name: ch.Name, Mention: "~" + ch.Name}
}

func toMember(u *model.User) platform.Member {
	return platform.Member{
		ID:          u.Id,
		Username:    u.Username,
		DisplayName: displayName(u),
		Mention:     "@" + u.Username,
	}
}

// displayName prefers the nickname, then the full name, then the username.
func displayName(u *model.User) string {
	if u.Nickname != "" {
		return u.Nickname
	}
	if full := strings.TrimSpace(u.FirstName + " " + u.LastName); full != "" {
		return full
	}
	return u.Username
}
