// Copyright 2024-2026 Aiku AI

// Package snippet keeps the reusable text blocks posted in designated
// snippet channels, keyed by the name in their header.
package snippet

import (
	"context"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"
	"go.mau.fi/util/exsync"

	"github.com/aiku/ecolink/pkg/link"
	"github.com/aiku/ecolink/pkg/platform"
)

// "[Snippet] [key] body", tag case-insensitive, body may span lines.
var snippetRe = regexp.MustCompile(`(?is)^\s*\[snippet\]\s*\[([^\]]+)\]\s*(.*)$`)

// Parse extracts a snippet from a message body. Bodies without the snippet
// header are not snippets and report false.
func Parse(body string) (key, text string, ok bool) {
	m := snippetRe.FindStringSubmatch(body)
	if m == nil {
		return "", "", false
	}
	key = strings.ToLower(strings.TrimSpace(m[1]))
	if key == "" {
		return "", "", false
	}
	return key, strings.TrimSpace(m[2]), true
}

// Options tunes how snippet channels are scanned.
type Options struct {
	FetchLimit   int
	FetchTimeout time.Duration
	// ReloadDelay defers reloads requested with ScheduleReload.
	ReloadDelay time.Duration
}

// Cache maps snippet keys to bodies. Every reload replaces the whole map.
type Cache struct {
	registry *link.Registry
	service  platform.Service
	opts     Options

	reloadMu sync.Mutex
	snippets *exsync.Map[string, string]

	timerMu sync.Mutex
	pending *time.Timer
	stopped bool

	log zerolog.Logger
}

// NewCache creates an empty cache that scans the registry's snippet
// channels through service.
func NewCache(log zerolog.Logger, registry *link.Registry, service platform.Service, opts Options) *Cache {
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = 100
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.ReloadDelay <= 0 {
		opts.ReloadDelay = 3 * time.Second
	}
	return &Cache{
		registry: registry,
		service:  service,
		opts:     opts,
		snippets: exsync.NewMap[string, string](),
		log:      log.With().Str("component", "snippets").Logger(),
	}
}

// Reload rescans every snippet channel and swaps in the result. Channels
// that cannot be resolved, read, or fetched contribute nothing. It returns
// the number of snippets now cached.
func (c *Cache) Reload(ctx context.Context) int {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	found := make(map[string]string)
	for _, ref := range c.registry.SnippetChannels() {
		c.scan(ctx, ref, found)
	}
	c.snippets.SwapData(found)
	c.log.Debug().Int("count", len(found)).Msg("Reloaded snippets")
	return len(found)
}

// ScheduleReload reloads the cache after the reload delay. Calls made while
// a reload is pending share it.
func (c *Cache) ScheduleReload(ctx context.Context) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.stopped || c.pending != nil {
		return
	}
	c.pending = time.AfterFunc(c.opts.ReloadDelay, func() {
		c.timerMu.Lock()
		if c.stopped {
			c.timerMu.Unlock()
			return
		}
		c.pending = nil
		c.timerMu.Unlock()
		c.Reload(ctx)
	})
}

// Stop cancels a pending scheduled reload and ignores later ones.
func (c *Cache) Stop() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	c.stopped = true
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
}

func (c *Cache) scan(ctx context.Context, ref link.ChannelRef, into map[string]string) {
	log := c.log.With().Str("guild", ref.Guild).Str("channel", ref.Channel).Logger()

	guild, ok := c.service.GuildByNameOrID(ref.Guild)
	if !ok {
		log.Debug().Msg("Snippet guild not available")
		return
	}
	channel, ok := c.service.ChannelByNameOrID(guild.ID, ref.Channel)
	if !ok {
		log.Debug().Msg("Snippet channel not available")
		return
	}
	if !c.service.HasPermission(channel, platform.PermissionReadMessageHistory) {
		log.Debug().Msg("Missing read history permission in snippet channel")
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()
	msgs, err := c.service.FetchMessages(fetchCtx, channel, c.opts.FetchLimit)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch snippet channel messages")
		return
	}
	// Messages arrive newest first, so the newest post of a key wins.
	for _, msg := range msgs {
		key, text, ok := Parse(msg.Body)
		if !ok {
			continue
		}
		if _, exists := into[key]; !exists {
			into[key] = text
		}
	}
}

// HandleMessage reloads the cache when msg was posted in a snippet channel.
// It reports whether a reload happened.
func (c *Cache) HandleMessage(ctx context.Context, msg *platform.Message) bool {
	guild := platform.Guild{ID: msg.GuildID, Name: msg.GuildName}
	channel := platform.Channel{ID: msg.ChannelID, GuildID: msg.GuildID, Name: msg.ChannelName}
	if !c.registry.IsSnippetChannel(guild, channel) {
		return false
	}
	c.Reload(ctx)
	return true
}

// Get returns the snippet body for key, ignoring case.
func (c *Cache) Get(key string) mo.Option[string] {
	text, ok := c.snippets.Get(strings.ToLower(strings.TrimSpace(key)))
	if !ok {
		return mo.None[string]()
	}
	return mo.Some(text)
}

// Keys returns every cached key in sorted order.
func (c *Cache) Keys() []string {
	keys := make([]string, 0, c.snippets.Len())
	for k := range c.snippets.Iter() {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Len returns the number of cached snippets.
func (c *Cache) Len() int {
	return c.snippets.Len()
}
