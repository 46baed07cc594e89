package poller

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ppiankov/rsscord/internal/dispatch"
	"github.com/ppiankov/rsscord/internal/store"
)

const DefaultWatchInterval = 2 * time.Second

// ChannelRequests is the durable queue subscribe writes to.
type ChannelRequests interface {
	PendingChannelRequests(ctx context.Context) ([]store.ChannelRequest, error)
	AckChannelRequest(ctx context.Context, feedID int64) error
}

type ChannelEnsurer interface {
	EnsureChannel(ctx context.Context, name string) (dispatch.Channel, error)
}

// Watcher creates channels for newly subscribed feeds ahead of the next poll
// cycle. It drains on its own interval and whenever its Signal fires.
type Watcher struct {
	requests ChannelRequests
	ensurer  ChannelEnsurer
	signal   *Signal
	interval time.Duration
}

func NewWatcher(requests ChannelRequests, ensurer ChannelEnsurer, signal *Signal, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	return &Watcher{requests: requests, ensurer: ensurer, signal: signal, interval: interval}
}

// Drain processes every pending request and returns how many were
// acknowledged. A request stays queued when the channel could not be ensured
// for a transient reason; a permission failure is logged and acknowledged
// since retrying cannot help until an operator acts, and the poll cycle will
// try again anyway.
func (w *Watcher) Drain(ctx context.Context) (int, error) {
	pending, err := w.requests.PendingChannelRequests(ctx)
	if err != nil {
		return 0, err
	}

	acked := 0
	for _, req := range pending {
		logger := log.WithFields(log.Fields{"feed_id": req.FeedID, "channel": req.ChannelName})

		_, err := w.ensurer.EnsureChannel(ctx, req.ChannelName)
		switch {
		case errors.Is(err, dispatch.ErrNoGuild):
			return acked, nil
		case errors.Is(err, dispatch.ErrForbidden):
			logger.WithError(err).Error("Cannot create channel for new feed")
		case err != nil:
			logger.WithError(err).Warn("Channel creation failed, will retry")
			continue
		default:
			logger.Debug("Channel ready for new feed")
		}

		if err := w.requests.AckChannelRequest(ctx, req.FeedID); err != nil {
			return acked, err
		}
		acked++
	}
	return acked, nil
}

// Run drains until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("Channel watcher failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-w.signal.C():
		}
	}
}
