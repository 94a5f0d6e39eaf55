// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/ecolink/pkg/platform"
)

// handleEvent dispatches a Mattermost WebSocket event to the listener.
func (c *Client) handleEvent(ctx context.Context, evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		c.handlePosted(ctx, evt)
	case model.WebsocketEventChannelCreated,
		model.WebsocketEventChannelUpdated,
		model.WebsocketEventUserAdded,
		model.WebsocketEventUserRemoved,
		model.WebsocketEventAddedToTeam:
		c.handleMembershipChange(ctx, evt)
	default:
		c.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

// parsePostedEvent extracts a post from a WebSocket event. Returns (nil, nil)
// to skip silently, (nil, err) to log an error, or (post, nil) to proceed.
// Posts by the bot itself are kept: the relay decides whether they echo.
func (c *Client) parsePostedEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("posted event missing post data")
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	// Skip non-default post types (system messages).
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	// Skip channels outside the loaded teams, such as direct messages.
	c.mu.RLock()
	_, known := c.byID[post.ChannelId]
	c.mu.RUnlock()
	if !known {
		c.log.Trace().Str("channel_id", post.ChannelId).Msg("Skipping post in unknown channel")
		return nil, nil
	}

	return &post, nil
}

func (c *Client) handlePosted(ctx context.Context, evt *model.WebSocketEvent) {
	post, err := c.parsePostedEvent(evt)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to parse posted event")
		return
	}
	if post == nil {
		return
	}

	c.log.Debug().
		Str("post_id", post.Id).
		Str("channel_id", post.ChannelId).
		Str("user_id", post.UserId).
		Msg("Received new message")

	if l := c.currentListener(); l != nil {
		l.HandlePlatformMessage(ctx, c.convertPost(post))
	}
}

// handleMembershipChange reloads the cached state and announces the teams
// again so pending links get another verification pass.
func (c *Client) handleMembershipChange(ctx context.Context, evt *model.WebSocketEvent) {
	c.log.Debug().Str("event_type", string(evt.EventType())).Msg("Channel membership changed")
	if err := c.refresh(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Failed to reload mattermost state")
		return
	}
	l := c.currentListener()
	if l == nil {
		return
	}
	for _, g := range c.Guilds() {
		l.HandleGuildAvailable(ctx, g)
	}
}

func (c *Client) convertPost(post *model.Post) *platform.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	msg := &platform.Message{
		ID:        post.Id,
		ChannelID: post.ChannelId,
		AuthorID:  post.UserId,
		Body:      post.Message,
		IsBotSelf: c.self != nil && post.UserId == c.self.Id,
	}
	if ch, ok := c.byID[post.ChannelId]; ok {
		msg.ChannelName = ch.Name
		msg.GuildID = ch.TeamId
		for _, t := range c.teams {
			if t.Id == ch.TeamId {
				msg.GuildName = toGuild(t).Name
				break
			}
		}
	}
	if u, ok := c.users[post.UserId]; ok {
		msg.AuthorName = u.Username
		msg.AuthorDisplayName = displayName(u)
	}
	return msg
}
