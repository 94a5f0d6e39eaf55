// Copyright 2024-2026 Aiku AI

// Package game connects the bridge to the game server's chat feed over a
// websocket carrying JSON frames.
package game

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aiku/ecolink/pkg/platform"
)

// FrameChat is the only frame type carried in either direction.
const FrameChat = "chat"

// Frame is one JSON message on the chat feed.
type Frame struct {
	Type    string `json:"type"`
	Sender  string `json:"sender"`
	Channel string `json:"channel"`
	Body    string `json:"body"`
}

// DefaultRetryIntervals are the waits between reconnection attempts. The
// last interval repeats until the client is closed.
var DefaultRetryIntervals = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// Options configures a Client.
type Options struct {
	URL     string
	BotName string
	// Header is sent with every dial, e.g. for an auth token.
	Header         http.Header
	RetryIntervals []time.Duration
}

// Client is a game chat connection that reconnects until closed.
type Client struct {
	opts   Options
	dialer *websocket.Dialer

	connMu  sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}

	log zerolog.Logger
}

var (
	_ platform.GameChat        = (*Client)(nil)
	_ platform.GameConnectable = (*Client)(nil)
)

// New creates a disconnected client.
func New(log zerolog.Logger, opts Options) *Client {
	if len(opts.RetryIntervals) == 0 {
		opts.RetryIntervals = DefaultRetryIntervals
	}
	return &Client{
		opts:     opts,
		dialer:   websocket.DefaultDialer,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
		log:      log.With().Str("component", "game").Logger(),
	}
}

// BotName returns the name the bridge posts under in game chat.
func (c *Client) BotName() string {
	return c.opts.BotName
}

// Open dials the chat feed and starts delivering chat frames to listener.
// The first dial must succeed. Later disconnects are retried in the
// background.
func (c *Client) Open(ctx context.Context, listener platform.GameListener) error {
	if c.opts.URL == "" {
		return fmt.Errorf("game chat url is not configured")
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.setConn(conn)
	go c.run(ctx, conn, listener)
	c.log.Info().Str("url", c.opts.URL).Msg("Connected to game chat")
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial game chat: %w", err)
	}
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.conn = conn
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) stopped() bool {
	select {
	case <-c.stopChan:
		return true
	default:
		return false
	}
}

// run reads frames from conn and reconnects whenever the read fails.
func (c *Client) run(ctx context.Context, conn *websocket.Conn, listener platform.GameListener) {
	defer close(c.done)
	for {
		c.readLoop(ctx, conn, listener)
		c.setConn(nil)
		_ = conn.Close()
		if c.stopped() {
			return
		}
		c.log.Warn().Msg("Game chat connection lost, reconnecting")
		conn = c.reconnect(ctx)
		if conn == nil {
			return
		}
		c.setConn(conn)
		c.log.Info().Msg("Reconnected to game chat")
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, listener platform.GameListener) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if !c.stopped() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("Game chat read failed")
			}
			return
		}
		if frame.Type != FrameChat {
			c.log.Trace().Str("type", frame.Type).Msg("Ignoring game frame")
			continue
		}
		listener.HandleGameMessage(ctx, frame.Sender, frame.Channel, frame.Body)
	}
}

// reconnect dials until it succeeds, returning nil once the client is
// closed or ctx is done.
func (c *Client) reconnect(ctx context.Context) *websocket.Conn {
	for attempt := 0; ; attempt++ {
		wait := c.opts.RetryIntervals[min(attempt, len(c.opts.RetryIntervals)-1)]
		select {
		case <-c.stopChan:
			return nil
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		conn, err := c.dial(ctx)
		if err == nil {
			return conn
		}
		c.log.Debug().Err(err).Int("attempt", attempt+1).Msg("Game chat reconnect failed")
	}
}

// SendChat posts text to a game channel as the bridge.
func (c *Client) SendChat(ctx context.Context, channel, text string) error {
	conn := c.currentConn()
	if conn == nil {
		return platform.ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	}
	err := conn.WriteJSON(Frame{Type: FrameChat, Sender: c.opts.BotName, Channel: channel, Body: text})
	if err != nil {
		return fmt.Errorf("failed to send game chat: %w", err)
	}
	return nil
}

// Close stops reconnecting and closes the connection. It is safe to call
// more than once and before Open.
func (c *Client) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopChan)
		conn := c.currentConn()
		if conn == nil {
			return
		}
		c.writeMu.Lock()
		werr := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			err = fmt.Errorf("failed to close game chat: %w", werr)
		}
		_ = conn.Close()
		select {
		case <-c.done:
		case <-time.After(time.Second):
		}
	})
	return err
}
