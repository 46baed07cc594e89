package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rsscord/internal/config"
	"github.com/ppiankov/rsscord/internal/store"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, database and credentials",
	RunE:  doctorAction,
}

func doctorAction(cmd *cobra.Command, _ []string) error {
	ok := true

	// Config dir
	if info, err := os.Stat(configDir); err != nil || !info.IsDir() {
		printCheck(false, "config directory %s", configDir)
		ok = false
	} else {
		printCheck(true, "config directory %s", configDir)
	}

	// Config file
	cfg, err := config.Load(configDir)
	if err != nil {
		printCheck(false, "config.yaml: %v", err)
		ok = false
	} else {
		printCheck(true, "config.yaml (interval %s, %d workers)", cfg.Poll.Interval.Duration, cfg.Poll.Workers)
	}

	if cfg != nil {
		// Token
		if cfg.Discord.Token == "" {
			printCheck(false, "discord token: %s is not set", cfg.Discord.TokenEnv)
			ok = false
		} else {
			printCheck(true, "discord token from %s", cfg.Discord.TokenEnv)
		}
		if cfg.Discord.GuildID == "" {
			printInfo("no guild_id configured, the bot will use the first guild it joins")
		}

		// Database
		db, err := store.Open(cfg.Storage.Path)
		if err != nil {
			printCheck(false, "database: %v", err)
			ok = false
		} else {
			defer func() { _ = db.Close() }()
			if !checkDatabase(cmd.Context(), db, cfg.Storage.Path) {
				ok = false
			}
		}
	}

	if !ok {
		return fmt.Errorf("some checks failed")
	}
	fmt.Println("\nAll checks passed.")
	return nil
}

func checkDatabase(ctx context.Context, db *store.Store, path string) bool {
	version, err := db.SchemaVersion(ctx)
	if err != nil {
		printCheck(false, "database %s: %v", path, err)
		return false
	}
	printCheck(true, "database %s (schema v%d)", path, version)

	feeds, err := db.ListFeeds(ctx)
	if err != nil {
		printCheck(false, "feeds: %v", err)
		return false
	}
	printInfo("%d feeds, %d posts tracked", len(feeds), totalPosts(feeds))

	pending, err := db.PendingChannelRequests(ctx)
	if err != nil {
		printCheck(false, "channel requests: %v", err)
		return false
	}
	if len(pending) > 0 {
		printInfo("%d feeds waiting for their channel (is 'rsscord serve' running?)", len(pending))
	}
	return true
}

func printCheck(pass bool, format string, args ...any) {
	mark := "FAIL"
	if pass {
		mark = " OK "
	}
	fmt.Printf("[%s] %s\n", mark, fmt.Sprintf(format, args...))
}

func printInfo(format string, args ...any) {
	fmt.Printf("[INFO] %s\n", fmt.Sprintf(format, args...))
}
