// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/ecolink/pkg/platform"
)

func TestHTTPToWS(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"https://mm.example.com", "wss://mm.example.com"},
		{"http://localhost:8065", "ws://localhost:8065"},
		{"ws://already", "ws://already"},
	}
	for _, tt := range tests {
		if got := httpToWS(tt.in); got != tt.want {
			t.Errorf("httpToWS(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConnectAPILoadsState(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t)

	if got := c.SelfID(); got != "bot-id" {
		t.Errorf("SelfID: got %q, want %q", got, "bot-id")
	}
	guilds := c.Guilds()
	if len(guilds) != 1 || guilds[0].ID != "t1" || guilds[0].Name != "Eco Server" {
		t.Fatalf("Guilds: got %+v", guilds)
	}
	for _, name := range []string{"t1", "eco server", "eco"} {
		if _, ok := c.GuildByNameOrID(name); !ok {
			t.Errorf("GuildByNameOrID(%q): not found", name)
		}
	}

	var names []string
	for _, ch := range c.Channels("t1") {
		names = append(names, ch.Name)
	}
	if want := []string{"eco-chat", "snippets", "staff"}; !slices.Equal(names, want) {
		t.Errorf("Channels: got %v, want %v", names, want)
	}
	ch, ok := c.ChannelByNameOrID("t1", "Eco Chat")
	if !ok || ch.ID != "c1" || ch.Mention != "~eco-chat" {
		t.Errorf("ChannelByNameOrID(Eco Chat): got %+v, %v", ch, ok)
	}
}

func TestMembers(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t)

	members := c.Members("t1")
	if len(members) != 3 {
		t.Fatalf("Members: got %d, want 3", len(members))
	}
	bob, ok := c.MemberByID("t1", "u1")
	if !ok || bob.DisplayName != "Bobby" || bob.Mention != "@bob" {
		t.Errorf("MemberByID(u1): got %+v, %v", bob, ok)
	}
	alice, ok := c.MemberByID("t1", "u2")
	if !ok || alice.DisplayName != "Alice Smith" {
		t.Errorf("MemberByID(u2): got %+v, %v", alice, ok)
	}
	if _, ok := c.MemberByID("t2", "u1"); ok {
		t.Error("MemberByID in another team: got a member")
	}
	if roles := c.Roles("t1"); roles != nil {
		t.Errorf("Roles: got %v, want nil", roles)
	}
}

func TestHasPermission(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t)
	chat := platform.Channel{ID: "c1"}
	staff := platform.Channel{ID: "c3"}

	tests := []struct {
		channel platform.Channel
		perm    platform.Permission
		want    bool
	}{
		{chat, platform.PermissionSendMessages, true},
		{chat, platform.PermissionReadMessageHistory, true},
		{chat, platform.PermissionManageMessages, false},
		{staff, platform.PermissionManageMessages, true},
		{platform.Channel{ID: "d1"}, platform.PermissionSendMessages, false},
		{platform.Channel{ID: "old"}, platform.PermissionSendMessages, false},
	}
	for _, tt := range tests {
		if got := c.HasPermission(tt.channel, tt.perm); got != tt.want {
			t.Errorf("HasPermission(%s, %s): got %v, want %v", tt.channel.ID, tt.perm, got, tt.want)
		}
	}
}

func TestSend(t *testing.T) {
	t.Parallel()
	c, f := newTestClient(t)

	handle, err := c.Send(context.Background(), platform.Channel{ID: "c1"}, "**Alice**: hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if handle.ID != "created-post-id" || handle.ChannelID != "c1" {
		t.Errorf("handle: got %+v", handle)
	}
	var found bool
	for _, call := range f.Calls() {
		if call.Method == "POST" && call.Path == "/api/v4/posts" {
			found = strings.Contains(call.Body, `"channel_id":"c1"`) && strings.Contains(call.Body, "**Alice**: hi")
		}
	}
	if !found {
		t.Error("CreatePost was not called with the channel and text")
	}

	f.FailEndpoints["/api/v4/posts"] = true
	if _, err := c.Send(context.Background(), platform.Channel{ID: "c1"}, "x"); err == nil {
		t.Error("Send: want error when the server fails")
	}
}

func TestFetchMessages(t *testing.T) {
	t.Parallel()
	c, f := newTestClient(t)

	pl := model.NewPostList()
	for _, p := range []*model.Post{
		{Id: "p1", ChannelId: "c2", UserId: "u1", Message: "[Snippet] [old] first", CreateAt: 100},
		{Id: "p2", ChannelId: "c2", UserId: "u2", Message: "[Snippet] [new] second", CreateAt: 300},
		{Id: "p3", ChannelId: "c2", UserId: "u1", Message: "bob joined", CreateAt: 200, Type: model.PostTypeJoinChannel},
	} {
		pl.AddPost(p)
		pl.AddOrder(p.Id)
	}
	f.Posts["c2"] = pl

	msgs, err := c.FetchMessages(context.Background(), platform.Channel{ID: "c2", GuildID: "t1"}, 50)
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("FetchMessages: got %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != "p2" || msgs[1].ID != "p1" {
		t.Errorf("order: got %s, %s; want newest first", msgs[0].ID, msgs[1].ID)
	}
	if msgs[0].AuthorName != "alice" || msgs[0].ChannelName != "snippets" || msgs[0].GuildName != "Eco Server" {
		t.Errorf("converted message: got %+v", msgs[0])
	}
}

func TestNotConnected(t *testing.T) {
	t.Parallel()
	c := New(zerolog.Nop(), "http://localhost")
	ctx := context.Background()
	if _, err := c.Send(ctx, platform.Channel{ID: "c1"}, "hi"); !errors.Is(err, platform.ErrNotConnected) {
		t.Errorf("Send: got %v, want ErrNotConnected", err)
	}
	if _, err := c.FetchMessages(ctx, platform.Channel{ID: "c1"}, 1); !errors.Is(err, platform.ErrNotConnected) {
		t.Errorf("FetchMessages: got %v, want ErrNotConnected", err)
	}
	if err := c.Open(ctx, "", &recordingListener{}); !errors.Is(err, platform.ErrNotConnected) {
		t.Errorf("Open with empty token: got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestListenerResumesAfterReopen(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t)
	l := &recordingListener{}
	c.listener = l
	ctx := context.Background()

	first := c.newSession()
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !stopped(first) {
		t.Fatal("Close did not stop the first session")
	}

	stop := c.newSession()
	if stopped(stop) {
		t.Fatal("reopened session is already stopped")
	}
	events := make(chan *model.WebSocketEvent, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.listenWebSocket(ctx, &model.WebSocketClient{EventChannel: events}, stop)
	}()

	events <- newWebSocketEvent(model.WebsocketEventPosted, "c1", map[string]any{
		"post": postJSON(t, &model.Post{Id: "p1", ChannelId: "c1", UserId: "u1", Message: "after reopen"}),
	})
	deadline := time.Now().Add(2 * time.Second)
	for len(l.Messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if msgs := l.Messages(); len(msgs) != 1 || msgs[0].Body != "after reopen" {
		t.Fatalf("messages after reopen: got %+v", msgs)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener still running after Close")
	}
}

func TestNewSessionEndsPrevious(t *testing.T) {
	t.Parallel()
	c := New(zerolog.Nop(), "http://localhost")
	first := c.newSession()
	second := c.newSession()
	if !stopped(first) {
		t.Error("opening a new session should stop the previous one")
	}
	if stopped(second) {
		t.Error("current session should not be stopped")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !stopped(second) {
		t.Error("Close should stop the current session")
	}
}

func TestConnectAPIBadToken(t *testing.T) {
	t.Parallel()
	f := newFakeMM(t)
	f.seed()
	c := New(zerolog.Nop(), f.Server.URL)
	if err := c.connectAPI(context.Background(), "wrong"); err == nil {
		t.Error("connectAPI with an unknown token: want error")
	}
}
