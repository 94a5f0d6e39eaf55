// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/ecolink/pkg/link"
	"github.com/aiku/ecolink/pkg/platform"
	"github.com/aiku/ecolink/pkg/platform/platformtest"
)

type relayFixture struct {
	relay    *Relay
	service  *platformtest.Service
	game     *platformtest.Game
	registry *link.Registry
}

func newRelayFixture(t *testing.T, links ...link.ChannelLink) *relayFixture {
	t.Helper()
	svc := platformtest.NewService("bot-1")
	svc.AddGuild("g1", "Eco Server")
	svc.AddChannel("g1", "c1", "eco-chat")
	svc.AddChannel("g1", "c2", "trade")
	svc.AddMember("g1", "u1", "Bob")
	svc.AddMember("g1", "u2", "Alice")
	svc.AddRole("g1", "r1", "Bobcat", true)

	game := platformtest.NewGame("Discord")
	reg := link.NewRegistry()
	if len(links) == 0 {
		links = []link.ChannelLink{{
			ChannelRef:        link.ChannelRef{Guild: "Eco Server", Channel: "eco-chat"},
			GameChannel:       "General",
			AllowUserMentions: true,
			AllowRoleMentions: true,
		}}
	}
	reg.Replace(links, nil, nil)

	return &relayFixture{
		relay:    New(zerolog.Nop(), reg, svc, game, Config{CommandPrefix: "?"}),
		service:  svc,
		game:     game,
		registry: reg,
	}
}

func platformMessage(body string) *platform.Message {
	return &platform.Message{
		ID:          "m1",
		ChannelID:   "c1",
		ChannelName: "eco-chat",
		GuildID:     "g1",
		GuildName:   "Eco Server",
		AuthorID:    "u2",
		AuthorName:  "alice",
		Body:        body,
	}
}

func TestRelayGameMessage(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t)

	outcomes := f.relay.RelayGameMessage(context.Background(), "Carol", "#General", "hi @Bob")
	if len(outcomes) != 1 || outcomes[0].State != StateForwarded {
		t.Fatalf("outcomes: got %+v", outcomes)
	}
	sent := f.service.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent: got %d messages, want 1", len(sent))
	}
	if sent[0].Channel.ID != "c1" {
		t.Errorf("channel: got %q, want %q", sent[0].Channel.ID, "c1")
	}
	if want := "**Carol**: hi <@u1>"; sent[0].Text != want {
		t.Errorf("text: got %q, want %q", sent[0].Text, want)
	}
}

func TestRelayGameMessageNoLink(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t)

	outcomes := f.relay.RelayGameMessage(context.Background(), "Carol", "Trade", "hello")
	if len(outcomes) != 1 || outcomes[0].Reason != DropLinkNotFound {
		t.Fatalf("outcomes: got %+v", outcomes)
	}
	if len(f.service.Sent()) != 0 {
		t.Error("message sent without a link")
	}
}

func TestRelayEchoSuppression(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t)

	out := f.relay.RelayGameMessage(context.Background(), "Discord", "General", "#General Bob: hi")
	if out[0].Reason != DropEcho {
		t.Errorf("own message: got %+v, want echo drop", out[0])
	}
	if len(f.service.Sent()) != 0 {
		t.Fatal("own message was forwarded")
	}

	out = f.relay.RelayGameMessage(context.Background(), "Discord", "General", "[ECHO] announcement")
	if out[0].State != StateForwarded {
		t.Fatalf("echo message: got %+v, want forwarded", out[0])
	}
	sent := f.service.Sent()
	// The echoed message is relayed as-is, token included.
	if len(sent) != 1 || sent[0].Text != "**Discord**: [ECHO] announcement" {
		t.Errorf("echo message: got %+v", sent)
	}
}

func TestRelayPlatformMessage(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t)
	msg := platformMessage("ping <@u1> and <@&r1> in <#c2>")
	msg.MentionedUserIDs = []string{"u1"}
	msg.MentionedRoleIDs = []string{"r1"}
	msg.MentionedChannelIDs = []string{"c2"}

	outcomes := f.relay.RelayPlatformMessage(context.Background(), msg)
	if len(outcomes) != 1 || outcomes[0].State != StateForwarded {
		t.Fatalf("outcomes: got %+v", outcomes)
	}
	sent := f.game.Sent()
	if len(sent) != 1 {
		t.Fatalf("game sent: got %d, want 1", len(sent))
	}
	want := "#General <b><color=#7289DAFF>Alice</color></b>: ping @Bob and @Bobcat in #trade"
	if sent[0].Text != want {
		t.Errorf("text: got %q, want %q", sent[0].Text, want)
	}
	if sent[0].Channel != "General" {
		t.Errorf("channel: got %q, want %q", sent[0].Channel, "General")
	}
}

func TestRelayPlatformMessageUnknownAuthor(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t)
	msg := platformMessage("hello")
	msg.AuthorID = "stranger"
	msg.AuthorName = "stranger"

	f.relay.RelayPlatformMessage(context.Background(), msg)
	sent := f.game.Sent()
	if len(sent) != 1 || sent[0].Text != "#General stranger: hello" {
		t.Errorf("game sent: got %+v", sent)
	}
}

func TestRelayPlatformMessageFilters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*platform.Message)
		reason DropReason
	}{
		{"command prefix", func(m *platform.Message) { m.Body = "?help" }, DropCommand},
		{"empty", func(m *platform.Message) { m.Body = "  " }, DropEmpty},
		{"own message", func(m *platform.Message) { m.IsBotSelf = true }, DropEcho},
		{"own id", func(m *platform.Message) { m.AuthorID = "bot-1" }, DropEcho},
		{"unlinked channel", func(m *platform.Message) { m.ChannelID, m.ChannelName = "c2", "trade" }, DropLinkNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newRelayFixture(t)
			msg := platformMessage("hello")
			tt.mutate(msg)
			out := f.relay.RelayPlatformMessage(context.Background(), msg)
			if len(out) != 1 || out[0].Reason != tt.reason {
				t.Errorf("outcome: got %+v, want reason %q", out, tt.reason)
			}
			if len(f.game.Sent()) != 0 {
				t.Error("filtered message reached the game")
			}
		})
	}
}

func TestRelayDirectionEnforcement(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t, link.ChannelLink{
		ChannelRef:  link.ChannelRef{Guild: "Eco Server", Channel: "eco-chat"},
		GameChannel: "General",
		Direction:   link.DirectionGameToPlatform,
	})

	out := f.relay.RelayPlatformMessage(context.Background(), platformMessage("hello"))
	if out[0].Reason != DropDirection {
		t.Errorf("platform to game: got %+v, want direction drop", out[0])
	}
	if len(f.game.Sent()) != 0 {
		t.Fatal("game_to_platform link relayed a platform message to the game")
	}

	out = f.relay.RelayGameMessage(context.Background(), "Carol", "General", "hello")
	if out[0].State != StateForwarded {
		t.Errorf("game to platform: got %+v, want forwarded", out[0])
	}
}

func TestRelayPlatformToGameOnlyLink(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t, link.ChannelLink{
		ChannelRef:  link.ChannelRef{Guild: "Eco Server", Channel: "eco-chat"},
		GameChannel: "General",
		Direction:   link.DirectionPlatformToGame,
	})

	out := f.relay.RelayGameMessage(context.Background(), "Carol", "General", "hello")
	if out[0].Reason != DropDirection {
		t.Errorf("game to platform: got %+v, want direction drop", out[0])
	}
	if len(f.service.Sent()) != 0 {
		t.Error("platform_to_game link relayed a game message")
	}
}

func TestRelayUnreachableChannel(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t, link.ChannelLink{
		ChannelRef:  link.ChannelRef{Guild: "Eco Server", Channel: "gone"},
		GameChannel: "General",
	})
	out := f.relay.RelayGameMessage(context.Background(), "Carol", "General", "hello")
	if out[0].Reason != DropChannelUnreachable {
		t.Errorf("outcome: got %+v, want channel_unreachable", out[0])
	}
}

func TestRelayTransportFailure(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t)
	f.service.FailSends(errors.New("rate limited"))

	out := f.relay.RelayGameMessage(context.Background(), "Carol", "General", "hello")
	if out[0].Reason != DropTransportFailure {
		t.Errorf("outcome: got %+v, want transport_failure", out[0])
	}
	if !strings.Contains(out[0].Text, "hello") {
		t.Errorf("translated text missing from failed outcome: %q", out[0].Text)
	}

	f.game.Fail(errors.New("server down"))
	out = f.relay.RelayPlatformMessage(context.Background(), platformMessage("hi"))
	if out[0].Reason != DropTransportFailure {
		t.Errorf("platform outcome: got %+v, want transport_failure", out[0])
	}

	stats := f.relay.Stats()
	if stats.Forwarded != 0 || stats.Dropped != 2 {
		t.Errorf("stats: got %+v, want 0 forwarded and 2 dropped", stats)
	}
}

func TestRelayDuplicateLinks(t *testing.T) {
	t.Parallel()
	l := link.ChannelLink{
		ChannelRef:  link.ChannelRef{Guild: "Eco Server", Channel: "eco-chat"},
		GameChannel: "General",
	}
	f := newRelayFixture(t, l, l)

	f.relay.RelayGameMessage(context.Background(), "Carol", "General", "hello")
	if got := len(f.service.Sent()); got != 2 {
		t.Errorf("duplicate links: got %d sends, want 2", got)
	}
}
