// Package registry manages feed subscriptions and binds each feed to a
// unique destination channel name.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	log "github.com/sirupsen/logrus"

	"github.com/ppiankov/rsscord/internal/store"
)

// ErrDuplicate is returned when the URL is already subscribed.
var ErrDuplicate = errors.New("feed already exists")

// ValidationError rejects malformed subscribe input before any I/O.
type ValidationError struct {
	Input  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid feed url %q: %s", e.Input, e.Reason)
}

// InvalidFeedError means the URL is well formed but did not yield a feed.
type InvalidFeedError struct {
	URL string
	Err error
}

func (e *InvalidFeedError) Error() string {
	return fmt.Sprintf("invalid rss feed %s: %v", e.URL, e.Err)
}

func (e *InvalidFeedError) Unwrap() error {
	return e.Err
}

// Notifier is poked after a successful subscribe so channel creation does not
// wait for the next poll.
type Notifier interface {
	Notify()
}

type Store interface {
	CreateFeed(ctx context.Context, in store.FeedInput) (store.Feed, error)
	FeedByURL(ctx context.Context, url string) (store.Feed, error)
	GetFeed(ctx context.Context, id int64) (store.Feed, error)
	DeleteFeed(ctx context.Context, id int64) error
	ListFeeds(ctx context.Context) ([]store.Feed, error)
	ChannelNameTaken(ctx context.Context, name string) (bool, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, feedURL string) (*gofeed.Feed, error)
}

// maxNameAttempts bounds retries when a concurrent subscribe claims the same
// channel name between our check and insert.
const maxNameAttempts = 5

type Registry struct {
	store    Store
	fetcher  Fetcher
	notifier Notifier
	now      func() time.Time
}

// New builds a registry. notifier may be nil when subscribe runs in a
// different process from the channel watcher; the durable channel request
// written alongside the feed still reaches it.
func New(st Store, fetcher Fetcher, notifier Notifier) *Registry {
	return &Registry{store: st, fetcher: fetcher, notifier: notifier, now: time.Now}
}

// Subscribe validates rawURL, fetches it once to prove it is a feed, and
// stores it under a channel name derived from the feed title.
func (r *Registry) Subscribe(ctx context.Context, rawURL string) (store.Feed, error) {
	feedURL, err := ValidateURL(rawURL)
	if err != nil {
		return store.Feed{}, err
	}

	if _, err := r.store.FeedByURL(ctx, feedURL); err == nil {
		return store.Feed{}, ErrDuplicate
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Feed{}, fmt.Errorf("look up feed: %w", err)
	}

	parsed, err := r.fetcher.Fetch(ctx, feedURL)
	if err != nil {
		return store.Feed{}, &InvalidFeedError{URL: feedURL, Err: err}
	}

	title := strings.TrimSpace(parsed.Title)
	if title == "" {
		title = feedURL
	}

	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		name, err := r.uniqueChannelName(ctx, ChannelName(title))
		if err != nil {
			return store.Feed{}, err
		}

		f, err := r.store.CreateFeed(ctx, store.FeedInput{
			URL:         feedURL,
			Title:       title,
			ChannelName: name,
			CreatedAt:   r.now(),
		})
		switch {
		case errors.Is(err, store.ErrDuplicateURL):
			return store.Feed{}, ErrDuplicate
		case errors.Is(err, store.ErrDuplicateChannel):
			continue
		case err != nil:
			return store.Feed{}, fmt.Errorf("create feed: %w", err)
		}

		log.WithFields(log.Fields{
			"feed_id": f.ID,
			"url":     f.URL,
			"channel": f.ChannelName,
			"entries": len(parsed.Items),
		}).Info("Subscribed feed")
		if r.notifier != nil {
			r.notifier.Notify()
		}
		return f, nil
	}
	return store.Feed{}, fmt.Errorf("create feed: no free channel name for %q after %d attempts", title, maxNameAttempts)
}

// Unsubscribe removes the feed and its seen-post history.
func (r *Registry) Unsubscribe(ctx context.Context, feedID int64) error {
	if err := r.store.DeleteFeed(ctx, feedID); err != nil {
		return err
	}
	log.WithField("feed_id", feedID).Info("Unsubscribed feed")
	return nil
}

func (r *Registry) Get(ctx context.Context, feedID int64) (store.Feed, error) {
	return r.store.GetFeed(ctx, feedID)
}

// List returns feeds in subscription order with their tracked post counts.
func (r *Registry) List(ctx context.Context) ([]store.Feed, error) {
	return r.store.ListFeeds(ctx)
}

func (r *Registry) uniqueChannelName(ctx context.Context, base string) (string, error) {
	candidate := base
	for i := 1; ; i++ {
		taken, err := r.store.ChannelNameTaken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = withSuffix(base, i)
	}
}

// ValidateURL trims rawURL and requires an absolute http(s) URL with a host.
func ValidateURL(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", &ValidationError{Input: rawURL, Reason: "url is required"}
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", &ValidationError{Input: rawURL, Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &ValidationError{Input: rawURL, Reason: "scheme must be http or https"}
	}
	if u.Host == "" {
		return "", &ValidationError{Input: rawURL, Reason: "host is required"}
	}
	return trimmed, nil
}
