package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/ppiankov/rsscord/internal/registry"
	"github.com/ppiankov/rsscord/internal/store"
)

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Manage feed subscriptions",
}

var feedAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Subscribe to a feed",
	Args:  cobra.ExactArgs(1),
	RunE:  feedAddAction,
}

var feedRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Unsubscribe a feed and forget its posts",
	Args:    cobra.ExactArgs(1),
	RunE:    feedRemoveAction,
}

var feedListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List subscribed feeds",
	Args:    cobra.NoArgs,
	RunE:    feedListAction,
}

func init() {
	feedCmd.AddCommand(feedAddCmd, feedRemoveCmd, feedListCmd)
}

// openRegistry loads config and opens the store. The registry has no
// in-process notifier: a running server picks the new feed up through the
// channel request stored with it.
func openRegistry() (*registry.Registry, *store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return registry.New(db, newFetcher(cfg), nil), db, nil
}

func feedAddAction(cmd *cobra.Command, args []string) error {
	reg, db, err := openRegistry()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	f, err := reg.Subscribe(cmd.Context(), args[0])
	if err != nil {
		var ferr *registry.InvalidFeedError
		switch {
		case errors.Is(err, registry.ErrDuplicate):
			return fmt.Errorf("feed already exists: %s", args[0])
		case errors.As(err, &ferr):
			return fmt.Errorf("not a valid RSS feed: %w", ferr.Err)
		}
		return err
	}

	fmt.Printf("Added feed %d: %s -> #%s\n", f.ID, f.Title, f.ChannelName)
	return nil
}

func feedRemoveAction(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid feed id %q", args[0])
	}

	reg, db, err := openRegistry()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := reg.Unsubscribe(cmd.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("feed %d not found", id)
		}
		return err
	}
	fmt.Printf("Removed feed %d.\n", id)
	return nil
}

func feedListAction(cmd *cobra.Command, _ []string) error {
	reg, db, err := openRegistry()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	feeds, err := reg.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("list feeds: %w", err)
	}
	printFeeds(os.Stdout, feeds, time.Now())
	return nil
}

func printFeeds(w io.Writer, feeds []store.Feed, now time.Time) {
	if len(feeds) == 0 {
		fmt.Fprintln(w, "No feeds. Add one with 'rsscord feed add <url>'.")
		return
	}

	maxChan := 7 // "Channel"
	for _, f := range feeds {
		if len(f.ChannelName)+1 > maxChan {
			maxChan = len(f.ChannelName) + 1
		}
	}
	if maxChan > 40 {
		maxChan = 40
	}

	fmt.Fprintf(w, "%4s  %-*s  %5s  %-14s  %s\n", "ID", maxChan, "Channel", "Posts", "Added", "Feed")
	for _, f := range feeds {
		name := "#" + f.ChannelName
		if len(name) > maxChan {
			name = name[:maxChan-1] + "…"
		}
		fmt.Fprintf(w, "%4d  %-*s  %5s  %-14s  %s\n",
			f.ID, maxChan, name, humanize.Comma(int64(f.PostCount)), humanize.RelTime(f.CreatedAt, now, "ago", "from now"), f.Title)
		fmt.Fprintf(w, "%4s  %-*s  %5s  %-14s  %s\n", "", maxChan, "", "", "", f.URL)
	}
	fmt.Fprintf(w, "\n%d feeds, %s posts tracked\n", len(feeds), humanize.Comma(int64(totalPosts(feeds))))
}

func totalPosts(feeds []store.Feed) int {
	return lo.SumBy(feeds, func(f store.Feed) int { return f.PostCount })
}
