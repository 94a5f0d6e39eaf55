// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/aiku/ecolink/pkg/chatlog"
	"github.com/aiku/ecolink/pkg/link"
	"github.com/aiku/ecolink/pkg/platform"
	"github.com/aiku/ecolink/pkg/player"
	"github.com/aiku/ecolink/pkg/relay"
	"github.com/aiku/ecolink/pkg/snippet"
	"github.com/aiku/ecolink/pkg/verify"
)

// ClientStatus describes the state of the external service connection.
type ClientStatus string

const (
	StatusNotStarted ClientStatus = "No connection attempt made"
	StatusSettingUp  ClientStatus = "Setting up client"
	StatusConnecting ClientStatus = "Attempting connection..."
	StatusConnected  ClientStatus = "Connection successful"
	StatusFailed     ClientStatus = "Connection failed"
)

// Options carries the optional collaborators of a Connector.
type Options struct {
	// Players stores per-player preferences. Defaults to an in-memory
	// store.
	Players player.Store
	// Chatlog, when set, receives every processed chat message.
	Chatlog *chatlog.Writer
	// OnVerificationReport is called with unverified link IDs whenever
	// they are reported.
	OnVerificationReport func(unverified []string)
}

// Connector owns the bridge components and routes events between them.
type Connector struct {
	cfgMu  sync.RWMutex
	config *Config

	service platform.Service
	game    platform.GameChat

	registry *link.Registry
	relay    atomic.Pointer[relay.Relay]
	verifier *verify.Verifier
	snippets *snippet.Cache
	players  player.Store
	chatlog  *chatlog.Writer
	events   Dispatcher

	status atomic.Value

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc

	baseLog zerolog.Logger
	log     zerolog.Logger
}

var (
	_ platform.Listener     = (*Connector)(nil)
	_ platform.GameListener = (*Connector)(nil)
)

// New builds every component from cfg. Nothing connects until Start.
func New(log zerolog.Logger, cfg *Config, service platform.Service, game platform.GameChat, opts Options) *Connector {
	c := &Connector{
		config:   cfg,
		service:  service,
		game:     game,
		registry: link.NewRegistry(),
		players:  opts.Players,
		chatlog:  opts.Chatlog,
		baseLog:  log,
		log:      log.With().Str("component", "connector").Logger(),
	}
	if c.players == nil {
		c.players = player.NewMemoryStore()
	}
	c.status.Store(StatusNotStarted)

	c.applyLinks(cfg)
	c.relay.Store(c.newRelay(cfg))
	c.verifier = verify.New(log, c.registry, service, verify.Options{
		Timeout:     cfg.Verification.Timeout,
		ReadyDelay:  cfg.Verification.ReadyDelay,
		GuildDelay:  cfg.Verification.GuildDelay,
		StaticCheck: func() []string { return c.Config().StaticProblems() },
		OnReport:    opts.OnVerificationReport,
	})
	c.snippets = snippet.NewCache(log, c.registry, service, snippet.Options{
		FetchLimit:   cfg.Snippets.FetchLimit,
		FetchTimeout: cfg.SendTimeout,
		ReloadDelay:  cfg.Verification.GuildDelay,
	})
	c.subscribe()
	return c
}

func (c *Connector) newRelay(cfg *Config) *relay.Relay {
	return relay.New(c.baseLog, c.registry, c.service, c.game, relay.Config{
		CommandPrefix: cfg.CommandPrefix,
		EchoToken:     cfg.EchoToken,
		SendTimeout:   cfg.SendTimeout,
	})
}

func (c *Connector) applyLinks(cfg *Config) {
	corrections := c.registry.Replace(cfg.ChatLinks, cfg.StatusChannels, cfg.SnippetChannels)
	for _, corr := range corrections {
		c.log.Info().
			Str("kind", corr.Kind).
			Str("from", corr.From).
			Str("to", corr.To).
			Msg("Corrected channel name to match the platform naming convention")
	}
}

func (c *Connector) subscribe() {
	if c.chatlog != nil {
		c.events.Subscribe("chatlog", func(_ context.Context, evt Event) {
			switch evt.Kind {
			case EventGameMessage:
				c.chatlog.RecordGameMessage(evt.Game.Sender, evt.Game.Body)
			case EventPlatformMessage:
				c.chatlog.RecordPlatformMessage(evt.Platform)
			}
		}, EventGameMessage, EventPlatformMessage)
	}

	c.events.Subscribe("relay", func(ctx context.Context, evt Event) {
		r := c.relay.Load()
		switch evt.Kind {
		case EventGameMessage:
			r.RelayGameMessage(ctx, evt.Game.Sender, evt.Game.Channel, evt.Game.Body)
		case EventPlatformMessage:
			r.RelayPlatformMessage(ctx, evt.Platform)
		}
	}, EventGameMessage, EventPlatformMessage)

	c.events.Subscribe("snippets", func(ctx context.Context, evt Event) {
		switch evt.Kind {
		case EventPlatformMessage:
			c.snippets.HandleMessage(ctx, evt.Platform)
		case EventGuildAvailable:
			// Guild data may arrive after ready.
			c.snippets.ScheduleReload(ctx)
		default:
			c.snippets.Reload(ctx)
		}
	}, EventPlatformMessage, EventPlatformReady, EventGuildAvailable, EventConfigChanged)

	c.events.Subscribe("verifier", func(_ context.Context, evt Event) {
		switch evt.Kind {
		case EventPlatformReady:
			c.verifier.OnReady()
		case EventGuildAvailable:
			c.verifier.OnGuildAvailable()
		case EventReconnected:
			c.verifier.Reset()
			c.verifier.OnReady()
		case EventTokenChanged:
			c.verifier.Reset()
		case EventConfigChanged:
			c.verifier.Trigger(verify.ScopeAll)
		}
	}, EventPlatformReady, EventGuildAvailable, EventReconnected, EventTokenChanged, EventConfigChanged)
}

// Config returns the active configuration.
func (c *Connector) Config() *Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.config
}

// Status returns the external service connection state.
func (c *Connector) Status() ClientStatus {
	return c.status.Load().(ClientStatus)
}

func (c *Connector) setStatus(s ClientStatus) {
	c.status.Store(s)
}

// Start runs static verification and connects the game and the external
// service. Connection failures are logged and reflected in Status rather
// than returned.
func (c *Connector) Start(ctx context.Context) error {
	started := false
	c.startOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("connector already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.verifier.Start()
	c.verifier.Trigger(verify.ScopeStatic)

	if gc, ok := c.game.(platform.GameConnectable); ok {
		if err := gc.Open(ctx, c); err != nil {
			c.log.Error().Err(err).Msg("Failed to connect to game chat")
		}
	}
	c.connectService(ctx)
	return nil
}

func (c *Connector) connectService(ctx context.Context) {
	c.setStatus(StatusSettingUp)
	conn, ok := c.service.(platform.Connectable)
	if !ok {
		c.setStatus(StatusConnected)
		return
	}
	c.setStatus(StatusConnecting)
	if err := conn.Open(ctx, c.Config().BotToken, c); err != nil {
		c.setStatus(StatusFailed)
		c.log.Error().Err(err).Msg("Failed to connect to chat service")
		return
	}
	c.log.Info().Str("platform", c.Config().Platform).Msg("Connected to chat service")
}

// Stop tears down every component. It is safe to call more than once.
func (c *Connector) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.verifier.Stop()
		c.snippets.Stop()
		if conn, ok := c.service.(platform.Connectable); ok {
			if err := conn.Close(); err != nil {
				c.log.Warn().Err(err).Msg("Failed to close chat service connection")
			}
		}
		if gc, ok := c.game.(platform.GameConnectable); ok {
			if err := gc.Close(); err != nil {
				c.log.Warn().Err(err).Msg("Failed to close game chat connection")
			}
		}
		if c.chatlog != nil {
			if err := c.chatlog.Stop(); err != nil {
				c.log.Warn().Err(err).Msg("Failed to close chat log")
			}
		}
		if err := c.players.Close(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to close player store")
		}
		c.log.Info().Msg("Connector stopped")
	})
}

// ApplyConfig swaps in a new configuration. Channel links are
// re-normalized, the connection is restarted when the bot token changed,
// and every link is verified again.
func (c *Connector) ApplyConfig(ctx context.Context, cfg *Config) {
	c.cfgMu.Lock()
	old := c.config
	c.config = cfg
	c.cfgMu.Unlock()

	c.applyLinks(cfg)
	c.relay.Store(c.newRelay(cfg))

	if old.BotToken != cfg.BotToken {
		c.log.Info().Msg("Bot token changed, restarting chat service connection")
		c.events.Dispatch(ctx, Event{Kind: EventTokenChanged})
		c.restartService(ctx)
	}
	c.events.Dispatch(ctx, Event{Kind: EventConfigChanged})
}

func (c *Connector) restartService(ctx context.Context) {
	conn, ok := c.service.(platform.Connectable)
	if !ok {
		return
	}
	if err := conn.Close(); err != nil {
		c.log.Warn().Err(err).Msg("Failed to close chat service connection")
	}
	c.connectService(ctx)
}

// HandleReady implements platform.Listener.
func (c *Connector) HandleReady(ctx context.Context) {
	c.setStatus(StatusConnected)
	c.events.Dispatch(ctx, Event{Kind: EventPlatformReady})
}

// HandleGuildAvailable implements platform.Listener.
func (c *Connector) HandleGuildAvailable(ctx context.Context, guild platform.Guild) {
	c.log.Debug().Str("guild", guild.Name).Msg("Guild available")
	c.events.Dispatch(ctx, Event{Kind: EventGuildAvailable, Guild: guild})
}

// HandleReconnected implements platform.Listener.
func (c *Connector) HandleReconnected(ctx context.Context) {
	c.setStatus(StatusConnected)
	c.events.Dispatch(ctx, Event{Kind: EventReconnected})
}

// HandlePlatformMessage implements platform.Listener.
func (c *Connector) HandlePlatformMessage(ctx context.Context, msg *platform.Message) {
	c.RelayPlatformMessage(ctx, msg)
}

// HandleGameMessage implements platform.GameListener.
func (c *Connector) HandleGameMessage(ctx context.Context, sender, channel, body string) {
	c.RelayEcoMessage(ctx, sender, channel, body)
}
