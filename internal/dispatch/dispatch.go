// Package dispatch delivers normalized posts to destination channels on a
// chat platform, creating each channel the first time it is needed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/ppiankov/rsscord/internal/feed"
	"github.com/ppiankov/rsscord/internal/metrics"
)

var (
	// ErrForbidden is returned by a Platform when the bot lacks permission
	// to create a channel or send a message.
	ErrForbidden = errors.New("forbidden by platform")
	// ErrNoGuild means the bot has not joined any guild yet.
	ErrNoGuild = errors.New("not joined to any guild")
	// ErrUnknownChannel is returned by a Platform when a channel it was
	// given no longer exists, usually because someone deleted it.
	ErrUnknownChannel = errors.New("unknown channel")
)

const (
	DefaultSummaryLimit = 500
	DefaultColor        = 0x00AAFF
	DefaultTopicFormat  = "RSS feed updates for %s"

	titleLimit  = 256
	authorLimit = 1024
	footerLimit = 2048
	ellipsis    = "..."
)

// Channel is a destination channel on the platform.
type Channel struct {
	ID   string
	Name string
}

// Message is a platform-neutral rendering of a post.
type Message struct {
	Title       string
	URL         string
	Description string
	Author      string
	Footer      string
	Thumbnail   string
	Color       int
	Timestamp   time.Time
}

// Platform is the chat platform the dispatcher talks to. Implementations
// wrap permission failures in ErrForbidden and deleted channels in
// ErrUnknownChannel.
type Platform interface {
	Guild(ctx context.Context) (string, error)
	ListChannels(ctx context.Context, guildID string) ([]Channel, error)
	FindChannel(ctx context.Context, guildID, name string) (Channel, bool, error)
	CreateChannel(ctx context.Context, guildID, name, topic string) (Channel, error)
	SendMessage(ctx context.Context, channelID string, msg Message) error
}

type Options struct {
	SummaryLimit int
	Color        int
	TopicFormat  string
}

// ChannelCache is the process-local set of channels known to exist.
type ChannelCache struct {
	mu     sync.RWMutex
	byName map[string]Channel
}

func NewChannelCache() *ChannelCache {
	return &ChannelCache{byName: make(map[string]Channel)}
}

func (c *ChannelCache) Get(name string) (Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.byName[name]
	return ch, ok
}

func (c *ChannelCache) Put(ch Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName[ch.Name] = ch
}

// Delete forgets name so the next lookup goes back to the platform.
func (c *ChannelCache) Delete(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byName, name)
}

func (c *ChannelCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byName)
}

type Dispatcher struct {
	platform Platform
	cache    *ChannelCache
	opts     Options
	metrics  *metrics.Metrics
	inflight singleflight.Group
}

func New(platform Platform, opts Options, m *metrics.Metrics) *Dispatcher {
	if opts.SummaryLimit <= 0 {
		opts.SummaryLimit = DefaultSummaryLimit
	}
	if opts.Color == 0 {
		opts.Color = DefaultColor
	}
	if opts.TopicFormat == "" {
		opts.TopicFormat = DefaultTopicFormat
	}
	return &Dispatcher{
		platform: platform,
		cache:    NewChannelCache(),
		opts:     opts,
		metrics:  m,
	}
}

// Cache exposes the known-channel cache.
func (d *Dispatcher) Cache() *ChannelCache {
	return d.cache
}

// Ready returns ErrNoGuild until the bot has joined a guild.
func (d *Dispatcher) Ready(ctx context.Context) error {
	_, err := d.platform.Guild(ctx)
	return err
}

// Warm fills the cache with the guild's existing channels and then ensures a
// channel exists for every name given. Per-channel failures are logged.
func (d *Dispatcher) Warm(ctx context.Context, names []string) error {
	guild, err := d.platform.Guild(ctx)
	if err != nil {
		return err
	}

	existing, err := d.platform.ListChannels(ctx, guild)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	for _, ch := range existing {
		d.cache.Put(ch)
	}

	for _, name := range names {
		if _, err := d.EnsureChannel(ctx, name); err != nil {
			log.WithError(err).WithField("channel", name).Warn("Could not ensure channel at startup")
		}
	}
	log.WithFields(log.Fields{
		"guild":    guild,
		"existing": len(existing),
		"known":    d.cache.Len(),
	}).Info("Channel cache warmed")
	return nil
}

// EnsureChannel returns the channel called name, creating it if the platform
// has none. Concurrent calls for the same name share one platform round trip
// and a cached result is never looked up again.
func (d *Dispatcher) EnsureChannel(ctx context.Context, name string) (Channel, error) {
	if ch, ok := d.cache.Get(name); ok {
		return ch, nil
	}

	v, err, _ := d.inflight.Do(name, func() (any, error) {
		if ch, ok := d.cache.Get(name); ok {
			return ch, nil
		}

		guild, err := d.platform.Guild(ctx)
		if err != nil {
			return Channel{}, err
		}

		ch, found, err := d.platform.FindChannel(ctx, guild, name)
		if err != nil {
			return Channel{}, fmt.Errorf("find channel %s: %w", name, err)
		}
		if !found {
			ch, err = d.platform.CreateChannel(ctx, guild, name, fmt.Sprintf(d.opts.TopicFormat, name))
			if err != nil {
				if errors.Is(err, ErrForbidden) {
					log.WithField("channel", name).Error("No permission to create channel")
				}
				return Channel{}, fmt.Errorf("create channel %s: %w", name, err)
			}
			d.metrics.ChannelCreated()
			log.WithFields(log.Fields{"channel": name, "id": ch.ID}).Info("Created channel")
		}

		d.cache.Put(ch)
		return ch, nil
	})
	if err != nil {
		return Channel{}, err
	}
	return v.(Channel), nil
}

// Deliver formats post and sends it to ch. The caller has already marked the
// post seen, so a failure here drops the notification. A channel the platform
// no longer knows is evicted from the cache so the next EnsureChannel finds
// or recreates it.
func (d *Dispatcher) Deliver(ctx context.Context, ch Channel, post feed.Post, feedTitle string) error {
	msg := Format(post, feedTitle, d.opts)
	if err := d.platform.SendMessage(ctx, ch.ID, msg); err != nil {
		switch {
		case errors.Is(err, ErrForbidden):
			d.metrics.DeliveryFailed("forbidden")
			log.WithField("channel", ch.Name).Error("No permission to send message")
		case errors.Is(err, ErrUnknownChannel):
			d.cache.Delete(ch.Name)
			d.metrics.DeliveryFailed("unknown_channel")
			log.WithFields(log.Fields{"channel": ch.Name, "id": ch.ID}).Warn("Channel no longer exists, dropped from cache")
		default:
			d.metrics.DeliveryFailed("error")
		}
		return fmt.Errorf("send to %s: %w", ch.Name, err)
	}

	d.metrics.PostDelivered()
	log.WithFields(log.Fields{
		"channel": ch.Name,
		"title":   truncate(post.Title, 50, ellipsis),
	}).Info("Posted")
	return nil
}

// Format renders post as a Message: the summary is cut to the configured
// limit with an ellipsis marker, and the footer names the source feed. Title,
// author and footer are capped at the platform's embed field limits.
func Format(post feed.Post, feedTitle string, opts Options) Message {
	limit := opts.SummaryLimit
	if limit <= 0 {
		limit = DefaultSummaryLimit
	}
	color := opts.Color
	if color == 0 {
		color = DefaultColor
	}

	return Message{
		Title:       truncate(post.Title, titleLimit-len(ellipsis), ellipsis),
		URL:         post.Link,
		Description: truncate(post.Summary, limit, ellipsis),
		Author:      truncate(post.Author, authorLimit-len(ellipsis), ellipsis),
		Footer:      truncate("Source: "+feedTitle, footerLimit-len(ellipsis), ellipsis),
		Thumbnail:   post.Image,
		Color:       color,
		Timestamp:   post.Published,
	}
}

// truncate keeps the first n runes of s and appends marker when anything was
// cut. The marker is appended past n, matching the display limit of the body.
func truncate(s string, n int, marker string) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i] + marker
		}
		count++
	}
	return s
}
