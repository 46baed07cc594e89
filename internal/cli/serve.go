package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/rsscord/internal/admin"
	"github.com/ppiankov/rsscord/internal/feed"
	"github.com/ppiankov/rsscord/internal/metrics"
	"github.com/ppiankov/rsscord/internal/poller"
	"github.com/ppiankov/rsscord/internal/registry"
	"github.com/ppiankov/rsscord/internal/store"
)

const (
	readyTimeout    = 15 * time.Second
	shutdownTimeout = 10 * time.Second

	// adminTimeoutMargin covers the store write and channel request that
	// follow the fetch in a subscribe call.
	adminTimeoutMargin = 15 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot: poll feeds, create channels and serve the subscription API",
	RunE:  serveAction,
}

func serveAction(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	client, err := openDiscord(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	d := newDispatcher(cfg, client, m)
	fetcher := newFetcher(cfg)
	wake := poller.NewSignal()
	reg := registry.New(db, fetcher, wake)

	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	if err := client.WaitReady(readyCtx); err != nil {
		log.WithError(err).Warn("Discord did not report ready, continuing")
	}
	cancel()
	warmChannels(ctx, db, d)

	engine := poller.NewEngine(db, fetcher, d, m, poller.Options{
		Interval: cfg.Poll.Interval.Duration,
		Workers:  cfg.Poll.Workers,
	})
	watcher := poller.NewWatcher(db, d, wake, cfg.Poll.WatchInterval.Duration)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	if cfg.AdminEnabled() {
		srv := &http.Server{Addr: cfg.Admin.Addr, Handler: admin.NewRouter(reg, adminTimeout(fetcher)), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error { return serveHTTP(gctx, srv, "admin") })
	}
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error { return serveHTTP(gctx, srv, "metrics") })
	}

	fmt.Printf("rsscord %s running, polling every %s. Press Ctrl+C to stop.\n", Version, cfg.Poll.Interval.Duration)
	err = g.Wait()
	fmt.Println("Shutting down.")
	return err
}

// adminTimeout bounds an admin request. A subscribe call fetches the feed
// with retries, so the bound follows the fetch settings.
func adminTimeout(f *feed.Fetcher) time.Duration {
	return f.MaxDuration() + adminTimeoutMargin
}

// serveHTTP runs srv until ctx is done, then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.WithField("addr", srv.Addr).Infof("%s server listening", name)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
