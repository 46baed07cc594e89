package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/ppiankov/rsscord/internal/config"
	"github.com/ppiankov/rsscord/internal/discord"
	"github.com/ppiankov/rsscord/internal/dispatch"
	"github.com/ppiankov/rsscord/internal/feed"
	"github.com/ppiankov/rsscord/internal/metrics"
	"github.com/ppiankov/rsscord/internal/store"
)

func newFetcher(cfg *config.Config) *feed.Fetcher {
	return feed.NewFetcher(feed.Options{
		Timeout:   cfg.Poll.FetchTimeout.Duration,
		Retries:   cfg.Poll.FetchRetries,
		UserAgent: cfg.Poll.UserAgent,
	})
}

func newDispatcher(cfg *config.Config, platform dispatch.Platform, m *metrics.Metrics) *dispatch.Dispatcher {
	return dispatch.New(platform, dispatch.Options{
		SummaryLimit: cfg.Delivery.SummaryLimit,
		Color:        cfg.Delivery.Color,
		TopicFormat:  cfg.Discord.ChannelTopic,
	}, m)
}

// openDiscord connects the bot. The caller closes the returned client.
func openDiscord(cfg *config.Config) (*discord.Client, error) {
	if cfg.Discord.Token == "" {
		return nil, fmt.Errorf("discord token not set: export %s", cfg.Discord.TokenEnv)
	}
	client, err := discord.New(cfg.Discord.Token, cfg.Discord.GuildID)
	if err != nil {
		return nil, err
	}
	if err := client.Open(); err != nil {
		return nil, err
	}
	return client, nil
}

// warmChannels ensures a channel exists for every registered feed. It is best
// effort: the poll cycle ensures channels again before delivering.
func warmChannels(ctx context.Context, db *store.Store, d *dispatch.Dispatcher) {
	feeds, err := db.ListFeeds(ctx)
	if err != nil {
		log.WithError(err).Warn("Could not list feeds for startup channel pass")
		return
	}
	names := lo.Map(feeds, func(f store.Feed, _ int) string { return f.ChannelName })

	if err := d.Warm(ctx, names); err != nil {
		if errors.Is(err, dispatch.ErrNoGuild) {
			log.Warn("Bot is not in any guild yet, channels will be created once it joins")
			return
		}
		log.WithError(err).Warn("Startup channel pass failed")
	}
}
