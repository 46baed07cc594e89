// Package poller runs the periodic feed poll cycle and the fast watcher that
// creates channels for newly subscribed feeds.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/rsscord/internal/dispatch"
	"github.com/ppiankov/rsscord/internal/feed"
	"github.com/ppiankov/rsscord/internal/metrics"
	"github.com/ppiankov/rsscord/internal/store"
)

const (
	DefaultInterval = 5 * time.Minute
	DefaultWorkers  = 4
)

type Store interface {
	ListFeeds(ctx context.Context) ([]store.Feed, error)
	HasSeen(ctx context.Context, feedID int64, fingerprint string) (bool, error)
	RecordSeen(ctx context.Context, feedID int64, fingerprint string, at time.Time) (bool, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, feedURL string) (*gofeed.Feed, error)
}

// Deliverer is the part of dispatch.Dispatcher the engine drives.
type Deliverer interface {
	Ready(ctx context.Context) error
	EnsureChannel(ctx context.Context, name string) (dispatch.Channel, error)
	Deliver(ctx context.Context, ch dispatch.Channel, post feed.Post, feedTitle string) error
}

type Options struct {
	Interval time.Duration
	Workers  int
}

// CycleResult summarizes one pass over the registry.
type CycleResult struct {
	ID        string
	Feeds     int
	Skipped   int // channel could not be ensured
	Failed    int // fetch failed
	New       int // entries recorded in the ledger
	Delivered int
	Duration  time.Duration
}

func (r *CycleResult) add(o feedResult) {
	r.Skipped += o.skipped
	r.Failed += o.failed
	r.New += o.recorded
	r.Delivered += o.delivered
}

type feedResult struct {
	skipped   int
	failed    int
	recorded  int
	delivered int
}

type Engine struct {
	store     Store
	fetcher   Fetcher
	deliverer Deliverer
	metrics   *metrics.Metrics
	opts      Options
	now       func() time.Time
}

func NewEngine(st Store, fetcher Fetcher, deliverer Deliverer, m *metrics.Metrics, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Engine{
		store:     st,
		fetcher:   fetcher,
		deliverer: deliverer,
		metrics:   m,
		opts:      opts,
		now:       time.Now,
	}
}

// RunCycle polls every registered feed once. Feeds are processed in parallel
// up to the worker limit; entries of one feed are handled in feed order.
// Failures of a single feed are logged and never abort the cycle. Without a
// joined guild nothing is fetched or recorded.
func (e *Engine) RunCycle(ctx context.Context) (CycleResult, error) {
	start := e.now()
	result := CycleResult{ID: uuid.NewString()}
	logger := log.WithField("cycle", result.ID)

	if err := e.deliverer.Ready(ctx); err != nil {
		if errors.Is(err, dispatch.ErrNoGuild) {
			logger.Warn("Bot is not in any guild, skipping cycle")
			return result, nil
		}
		return result, fmt.Errorf("check platform: %w", err)
	}

	feeds, err := e.store.ListFeeds(ctx)
	if err != nil {
		return result, fmt.Errorf("list feeds: %w", err)
	}
	result.Feeds = len(feeds)
	logger.WithField("feeds", len(feeds)).Info("Poll cycle started")

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for _, f := range feeds {
		g.Go(func() error {
			r := e.pollFeed(gctx, logger, f)
			mu.Lock()
			result.add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = e.now().Sub(start)
	e.metrics.CycleFinished(result.Duration)
	logger.WithFields(log.Fields{
		"feeds":     result.Feeds,
		"new":       result.New,
		"delivered": result.Delivered,
		"skipped":   result.Skipped,
		"failed":    result.Failed,
		"duration":  result.Duration.Round(time.Millisecond),
	}).Info("Poll cycle finished")
	return result, ctx.Err()
}

func (e *Engine) pollFeed(ctx context.Context, logger *log.Entry, f store.Feed) feedResult {
	var r feedResult
	logger = logger.WithFields(log.Fields{"feed_id": f.ID, "channel": f.ChannelName})

	// The channel is ensured first so a permission problem leaves the
	// feed's entries unrecorded and they are delivered once it is fixed.
	ch, err := e.deliverer.EnsureChannel(ctx, f.ChannelName)
	if err != nil {
		logger.WithError(err).Warn("Skipping feed, channel unavailable")
		e.metrics.FeedSkipped()
		r.skipped++
		return r
	}

	parsed, err := e.fetcher.Fetch(ctx, f.URL)
	if err != nil {
		logger.WithError(err).WithField("url", f.URL).Warn("Failed to fetch feed")
		e.metrics.FetchFailed()
		r.failed++
		return r
	}

	for _, item := range parsed.Items {
		if ctx.Err() != nil {
			return r
		}
		if item == nil {
			continue
		}

		fp := feed.Fingerprint(item)
		seen, err := e.store.HasSeen(ctx, f.ID, fp)
		if err != nil {
			logger.WithError(err).Error("Failed to check seen post")
			continue
		}
		if seen {
			continue
		}

		post := feed.Normalize(item)
		recorded, err := e.store.RecordSeen(ctx, f.ID, fp, e.now())
		if err != nil {
			logger.WithError(err).Error("Failed to record post")
			continue
		}
		if !recorded {
			// Another cycle accepted it first.
			continue
		}
		r.recorded++

		if err := e.deliverer.Deliver(ctx, ch, post, f.Title); err != nil {
			logger.WithError(err).WithField("title", post.Title).Warn("Delivery failed, post dropped")
			continue
		}
		r.delivered++
	}
	return r
}

// Run executes a cycle immediately and then once per interval until ctx is
// done. Cycle errors are logged; the next tick retries.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	log.WithField("interval", e.opts.Interval).Info("Poller started")
	for {
		if _, err := e.RunCycle(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("Poll cycle failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
