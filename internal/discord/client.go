// Package discord implements dispatch.Platform on top of discordgo.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"

	"github.com/ppiankov/rsscord/internal/dispatch"
)

// Client is a bot session bound to one guild: the configured one, or the
// first guild the bot has joined.
type Client struct {
	session *discordgo.Session
	guildID string

	ready     chan struct{}
	readyOnce sync.Once
}

func New(token, guildID string) (*Client, error) {
	if token == "" {
		return nil, errors.New("discord token is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds

	return &Client{session: session, guildID: guildID, ready: make(chan struct{})}, nil
}

func (c *Client) Open() error {
	c.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		log.WithFields(log.Fields{
			"user":   r.User.String(),
			"guilds": len(r.Guilds),
		}).Info("Bot logged in")
		c.readyOnce.Do(func() { close(c.ready) })
	})
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	return nil
}

// WaitReady blocks until the gateway has delivered the Ready event, which
// fills the guild list, or until ctx is done.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Close() error {
	return c.session.Close()
}

func (c *Client) Guild(_ context.Context) (string, error) {
	if c.guildID != "" {
		return c.guildID, nil
	}
	c.session.State.RLock()
	defer c.session.State.RUnlock()
	if len(c.session.State.Guilds) == 0 {
		return "", dispatch.ErrNoGuild
	}
	return c.session.State.Guilds[0].ID, nil
}

func (c *Client) ListChannels(ctx context.Context, guildID string) ([]dispatch.Channel, error) {
	channels, err := c.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}

	out := make([]dispatch.Channel, 0, len(channels))
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		out = append(out, dispatch.Channel{ID: ch.ID, Name: ch.Name})
	}
	return out, nil
}

func (c *Client) FindChannel(ctx context.Context, guildID, name string) (dispatch.Channel, bool, error) {
	channels, err := c.ListChannels(ctx, guildID)
	if err != nil {
		return dispatch.Channel{}, false, err
	}
	for _, ch := range channels {
		if ch.Name == name {
			return ch, true, nil
		}
	}
	return dispatch.Channel{}, false, nil
}

func (c *Client) CreateChannel(ctx context.Context, guildID, name, topic string) (dispatch.Channel, error) {
	ch, err := c.session.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name:  name,
		Type:  discordgo.ChannelTypeGuildText,
		Topic: topic,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return dispatch.Channel{}, mapError(err)
	}
	return dispatch.Channel{ID: ch.ID, Name: ch.Name}, nil
}

func (c *Client) SendMessage(ctx context.Context, channelID string, msg dispatch.Message) error {
	if _, err := c.session.ChannelMessageSendEmbed(channelID, Embed(msg), discordgo.WithContext(ctx)); err != nil {
		return mapError(err)
	}
	return nil
}

// Embed converts a message into a rich embed.
func Embed(msg dispatch.Message) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       msg.Title,
		URL:         msg.URL,
		Description: msg.Description,
		Color:       msg.Color,
	}
	if !msg.Timestamp.IsZero() {
		embed.Timestamp = msg.Timestamp.UTC().Format(time.RFC3339)
	}
	if msg.Author != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   "👤 Author",
			Value:  msg.Author,
			Inline: true,
		})
	}
	if msg.Footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: msg.Footer}
	}
	if msg.Thumbnail != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: msg.Thumbnail}
	}
	return embed
}

// mapError folds HTTP 403 responses into dispatch.ErrForbidden and Unknown
// Channel responses into dispatch.ErrUnknownChannel.
func mapError(err error) error {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return err
	}
	if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownChannel {
		return fmt.Errorf("%w: %v", dispatch.ErrUnknownChannel, err)
	}
	if restErr.Response == nil {
		return err
	}
	switch restErr.Response.StatusCode {
	case http.StatusForbidden:
		return fmt.Errorf("%w: %v", dispatch.ErrForbidden, err)
	case http.StatusNotFound:
		// A bare 404 with no API error code comes from a channel route.
		if restErr.Message == nil {
			return fmt.Errorf("%w: %v", dispatch.ErrUnknownChannel, err)
		}
	}
	return err
}
