package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rsscord/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config directory with an example config",
	RunE:  initAction,
}

func initAction(_ *cobra.Command, _ []string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	configPath := filepath.Join(configDir, config.DefaultConfigFile)
	wrote, err := writeIfNotExists(configPath, []byte(exampleConfig))
	if err != nil {
		return err
	}

	if !wrote {
		fmt.Printf("Config directory %s already initialized.\n", configDir)
	} else {
		fmt.Printf("Initialized %s. Export %s with your bot token, then run 'rsscord serve'.\n",
			configDir, config.DefaultTokenEnv)
	}
	return nil
}

// writeIfNotExists writes data to path if the file does not exist.
// Returns true if the file was created.
func writeIfNotExists(path string, data []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("  exists: %s\n", path)
		return false, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("  created: %s\n", path)
	return true, nil
}

const exampleConfig = `# rsscord configuration

discord:
  token_env: DISCORD_TOKEN
  # guild_id: "123456789012345678"   # defaults to the first guild the bot joined
  channel_topic: "RSS feed updates for %s"

storage:
  path: .rsscord/rsscord.db

poll:
  interval: 5m          # RSS_CHECK_INTERVAL (minutes) overrides this
  watch_interval: 2s    # how quickly channels appear for new subscriptions
  workers: 4
  fetch_timeout: 30s
  fetch_retries: 3

delivery:
  summary_limit: 500
  color: 0x00AAFF

admin:
  addr: "127.0.0.1:8089"  # "-" disables the subscription API

metrics:
  addr: ""                # e.g. ":9090" to expose /metrics

log:
  level: info
  format: text
`
