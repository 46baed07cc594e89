package cli

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ppiankov/rsscord/internal/poller"
	"github.com/ppiankov/rsscord/internal/store"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run a single poll cycle and exit",
	RunE:  pollAction,
}

func pollAction(cmd *cobra.Command, _ []string) error {
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

	ctx := cmd.Context()
	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	if err := client.WaitReady(readyCtx); err != nil {
		log.WithError(err).Warn("Discord did not report ready, continuing")
	}
	cancel()

	d := newDispatcher(cfg, client, nil)
	fetcher := newFetcher(cfg)

	// Pending channel requests from 'feed add' are settled first.
	watcher := poller.NewWatcher(db, d, nil, cfg.Poll.WatchInterval.Duration)
	if _, err := watcher.Drain(ctx); err != nil {
		log.WithError(err).Warn("Could not process pending channel requests")
	}

	engine := poller.NewEngine(db, fetcher, d, nil, poller.Options{Workers: cfg.Poll.Workers})
	res, err := engine.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}

	fmt.Printf("Polled %d feeds: %d new, %d delivered", res.Feeds, res.New, res.Delivered)
	if res.Skipped > 0 {
		fmt.Printf(" (%d skipped)", res.Skipped)
	}
	if res.Failed > 0 {
		fmt.Printf(" (%d failed)", res.Failed)
	}
	fmt.Println()
	return nil
}
