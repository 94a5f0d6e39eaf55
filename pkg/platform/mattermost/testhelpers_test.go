// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/ecolink/pkg/platform"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and provides canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Users maps user ID to model.User for GetUser/GetMe responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// ChannelMembers maps channel ID to member list.
	ChannelMembers map[string]model.ChannelMembers
	// Teams maps user ID to team list.
	Teams map[string][]*model.Team
	// ChannelsForTeamUser maps "teamID:userID" to channel list.
	ChannelsForTeamUser map[string][]*model.Channel
	// Posts maps channel ID to PostList.
	Posts map[string]*model.PostList
	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool
}

func newFakeMM(t *testing.T) *fakeMM {
	t.Helper()
	f := &fakeMM{
		Users:               make(map[string]*model.User),
		TokenToUser:         make(map[string]string),
		ChannelMembers:      make(map[string]model.ChannelMembers),
		Teams:               make(map[string][]*model.Team),
		ChannelsForTeamUser: make(map[string][]*model.Channel),
		Posts:               make(map[string]*model.PostList),
		FailEndpoints:       make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	for prefix := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, prefix) {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake error"})
			return
		}
	}

	path := r.URL.Path
	parts := strings.Split(path, "/")

	switch {
	// GET /api/v4/users/me
	case r.Method == "GET" && path == "/api/v4/users/me":
		uid := f.resolveToken(r)
		if uid == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
			return
		}
		if u, ok := f.Users[uid]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/users/{user_id}/teams/{team_id}/channels
	case r.Method == "GET" && strings.Contains(path, "/teams/") && strings.HasSuffix(path, "/channels"):
		if len(parts) >= 7 {
			if chs, ok := f.ChannelsForTeamUser[parts[6]+":"+parts[4]]; ok {
				_ = json.NewEncoder(w).Encode(chs)
				return
			}
		}
		_ = json.NewEncoder(w).Encode([]*model.Channel{})

	// GET /api/v4/users/{user_id}/teams
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/") && strings.HasSuffix(path, "/teams"):
		if teams, ok := f.Teams[parts[4]]; ok {
			_ = json.NewEncoder(w).Encode(teams)
			return
		}
		_ = json.NewEncoder(w).Encode([]*model.Team{})

	// GET /api/v4/users/{user_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/") && len(parts) == 5:
		if u, ok := f.Users[parts[4]]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/channels/{channel_id}/members
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/") && strings.HasSuffix(path, "/members"):
		if members, ok := f.ChannelMembers[parts[4]]; ok {
			_ = json.NewEncoder(w).Encode(members)
			return
		}
		_ = json.NewEncoder(w).Encode(model.ChannelMembers{})

	// GET /api/v4/channels/{channel_id}/posts
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/") && strings.HasSuffix(path, "/posts"):
		if pl, ok := f.Posts[parts[4]]; ok {
			_ = json.NewEncoder(w).Encode(pl)
			return
		}
		_ = json.NewEncoder(w).Encode(model.NewPostList())

	// POST /api/v4/posts
	case r.Method == "POST" && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = "created-post-id"
		_ = json.NewEncoder(w).Encode(&post)

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

// seed populates a team "Eco Server" with two open channels, one private
// channel the bot administers, a direct channel and three users.
func (f *fakeMM) seed() {
	f.Users["bot-id"] = &model.User{Id: "bot-id", Username: "ecolink", Roles: "system_user"}
	f.Users["u1"] = &model.User{Id: "u1", Username: "bob", Nickname: "Bobby"}
	f.Users["u2"] = &model.User{Id: "u2", Username: "alice", FirstName: "Alice", LastName: "Smith"}
	f.TokenToUser["test-token"] = "bot-id"
	f.Teams["bot-id"] = []*model.Team{{Id: "t1", Name: "eco", DisplayName: "Eco Server"}}
	f.ChannelsForTeamUser["t1:bot-id"] = []*model.Channel{
		{Id: "c1", TeamId: "t1", Name: "eco-chat", DisplayName: "Eco Chat", Type: model.ChannelTypeOpen},
		{Id: "c2", TeamId: "t1", Name: "snippets", DisplayName: "Snippets", Type: model.ChannelTypeOpen},
		{Id: "c3", TeamId: "t1", Name: "staff", DisplayName: "Staff", Type: model.ChannelTypePrivate},
		{Id: "d1", TeamId: "", Name: "bot-id__u1", Type: model.ChannelTypeDirect},
		{Id: "old", TeamId: "t1", Name: "archived", Type: model.ChannelTypeOpen, DeleteAt: 1},
	}
	f.ChannelMembers["c1"] = model.ChannelMembers{
		{UserId: "bot-id", ChannelId: "c1"},
		{UserId: "u1", ChannelId: "c1"},
		{UserId: "u2", ChannelId: "c1"},
	}
	f.ChannelMembers["c3"] = model.ChannelMembers{
		{UserId: "bot-id", ChannelId: "c3", SchemeAdmin: true},
		{UserId: "u1", ChannelId: "c3"},
	}
}

// newTestClient creates a client authenticated against a seeded fake
// server, without a websocket.
func newTestClient(t *testing.T) (*Client, *fakeMM) {
	t.Helper()
	f := newFakeMM(t)
	f.seed()
	c := New(zerolog.Nop(), f.Server.URL+"/")
	if err := c.connectAPI(context.Background(), "test-token"); err != nil {
		t.Fatalf("connectAPI: %v", err)
	}
	return c, f
}

// recordingListener captures platform events.
type recordingListener struct {
	mu       sync.Mutex
	messages []*platform.Message
	guilds   []platform.Guild
	ready    int
}

func (l *recordingListener) HandleReady(context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ready++
}

func (l *recordingListener) HandleGuildAvailable(_ context.Context, g platform.Guild) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.guilds = append(l.guilds, g)
}

func (l *recordingListener) HandleReconnected(context.Context) {}

func (l *recordingListener) HandlePlatformMessage(_ context.Context, msg *platform.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *recordingListener) Messages() []*platform.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*platform.Message(nil), l.messages...)
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

func postJSON(t *testing.T, post *model.Post) string {
	t.Helper()
	data, err := json.Marshal(post)
	if err != nil {
		t.Fatalf("marshal post: %v", err)
	}
	return string(data)
}
