// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"slices"
	"testing"
)

func TestDispatcherRoutesByKind(t *testing.T) {
	t.Parallel()
	var d Dispatcher
	var calls []string
	record := func(name string) EventHandler {
		return func(_ context.Context, evt Event) {
			calls = append(calls, name+":"+evt.Kind.String())
		}
	}
	d.Subscribe("a", record("a"), EventGameMessage, EventPlatformMessage)
	d.Subscribe("b", record("b"), EventPlatformMessage)
	d.Subscribe("c", record("c"), EventConfigChanged)

	if n := d.Dispatch(context.Background(), Event{Kind: EventPlatformMessage}); n != 2 {
		t.Errorf("Dispatch(platform_message): got %d handlers, want 2", n)
	}
	if n := d.Dispatch(context.Background(), Event{Kind: EventReconnected}); n != 0 {
		t.Errorf("Dispatch(reconnected): got %d handlers, want 0", n)
	}
	want := []string{"a:platform_message", "b:platform_message"}
	if !slices.Equal(calls, want) {
		t.Errorf("calls: got %v, want %v", calls, want)
	}
}

func TestConnectorSubscriptions(t *testing.T) {
	t.Parallel()
	f := newConnectorFixture(t, testConfig(t), Options{})

	tests := []struct {
		kind EventKind
		want []string
	}{
		{EventGameMessage, []string{"relay"}},
		{EventPlatformMessage, []string{"relay", "snippets"}},
		{EventPlatformReady, []string{"snippets", "verifier"}},
		{EventGuildAvailable, []string{"snippets", "verifier"}},
		{EventReconnected, []string{"verifier"}},
		{EventTokenChanged, []string{"verifier"}},
		{EventConfigChanged, []string{"snippets", "verifier"}},
	}
	for _, tt := range tests {
		if got := f.conn.events.Subscribers(tt.kind); !slices.Equal(got, tt.want) {
			t.Errorf("Subscribers(%s): got %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestEventKindString(t *testing.T) {
	t.Parallel()
	if got := EventKind(0).String(); got != "unknown" {
		t.Errorf("EventKind(0): got %q, want %q", got, "unknown")
	}
	if got := EventGuildAvailable.String(); got != "guild_available" {
		t.Errorf("EventGuildAvailable: got %q", got)
	}
}
