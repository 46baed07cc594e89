// Package feed fetches syndication feeds and turns their entries into
// deduplicated, normalized posts.
package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mmcdole/gofeed"
)

const (
	DefaultFetchTimeout = 30 * time.Second
	DefaultRetries      = 3
	DefaultUserAgent    = "Mozilla/5.0 (compatible; rsscord/1.0; +https://github.com/ppiankov/rsscord)"
)

// FetchError reports a feed that could not be downloaded or parsed.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type Options struct {
	Timeout   time.Duration
	Retries   int
	UserAgent string
}

// Fetcher downloads and parses RSS, Atom and JSON feeds.
type Fetcher struct {
	client  *http.Client
	parser  *gofeed.Parser
	timeout time.Duration
	retries int

	// newBackOff returns the delay policy between attempts; tests swap it
	// for a zero backoff.
	newBackOff func() backoff.BackOff
}

func NewFetcher(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultFetchTimeout
	}
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: &uaTransport{base: http.DefaultTransport, userAgent: opts.UserAgent},
	}
	parser := gofeed.NewParser()
	parser.Client = client
	parser.UserAgent = opts.UserAgent

	return &Fetcher{
		client:     client,
		parser:     parser,
		timeout:    opts.Timeout,
		retries:    opts.Retries,
		newBackOff: exponentialBackOff,
	}
}

// exponentialBackOff waits 1s, 2s, 4s between attempts.
func exponentialBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 8 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// MaxDuration is the longest a single Fetch can take: every attempt running
// into the client timeout plus the backoff waits between attempts.
func (f *Fetcher) MaxDuration() time.Duration {
	total := time.Duration(f.retries) * f.timeout
	b := f.newBackOff()
	for range f.retries - 1 {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		total += wait
	}
	return total
}

// uaTransport injects a User-Agent header into every request.
type uaTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(req)
}

// Fetch downloads feedURL and parses it. Transient failures (timeouts,
// refused connections, 5xx) are retried; everything else fails fast. A
// feed with zero entries and no parse error is valid and returned as such.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	op := func() (*gofeed.Feed, error) {
		parsed, err := f.parser.ParseURLWithContext(feedURL, ctx)
		if err == nil {
			return parsed, nil
		}
		if ctx.Err() != nil || !isRetryableError(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(f.newBackOff(), uint64(f.retries-1)), ctx)
	parsed, err := backoff.RetryWithData(op, policy)
	if err != nil {
		return nil, &FetchError{URL: feedURL, Err: err}
	}
	return parsed, nil
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var httpErr gofeed.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	s := err.Error()
	return strings.Contains(s, "timeout") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "no such host")
}
