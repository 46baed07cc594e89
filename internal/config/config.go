package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFile    = "config.yaml"
	DefaultTokenEnv      = "DISCORD_TOKEN"
	DefaultChannelTopic  = "RSS feed updates for %s"
	DefaultStoragePath   = ".rsscord/rsscord.db"
	DefaultPollInterval  = 5 * time.Minute
	DefaultWatchInterval = 2 * time.Second
	DefaultWorkers       = 4
	DefaultFetchTimeout  = 30 * time.Second
	DefaultFetchRetries  = 3
	DefaultSummaryLimit  = 500
	DefaultColor         = 0x00AAFF
	DefaultAdminAddr     = "127.0.0.1:8089"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"

	// IntervalEnv overrides poll.interval, in minutes.
	IntervalEnv = "RSS_CHECK_INTERVAL"
)

// Duration wraps time.Duration for YAML unmarshaling from strings like "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	Discord  DiscordConfig  `yaml:"discord"`
	Storage  StorageConfig  `yaml:"storage"`
	Poll     PollConfig     `yaml:"poll"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Admin    AdminConfig    `yaml:"admin"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

type DiscordConfig struct {
	TokenEnv     string `yaml:"token_env"`
	GuildID      string `yaml:"guild_id"`
	ChannelTopic string `yaml:"channel_topic"`

	// Resolved from env var at load time.
	Token string `yaml:"-"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type PollConfig struct {
	Interval      Duration `yaml:"interval"`
	WatchInterval Duration `yaml:"watch_interval"`
	Workers       int      `yaml:"workers"`
	FetchTimeout  Duration `yaml:"fetch_timeout"`
	FetchRetries  int      `yaml:"fetch_retries"`
	UserAgent     string   `yaml:"user_agent"`
}

type DeliveryConfig struct {
	SummaryLimit int `yaml:"summary_limit"`
	Color        int `yaml:"color"`
}

type AdminConfig struct {
	// Addr is the listen address of the subscription API. "-" disables it.
	Addr string `yaml:"addr"`
}

type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables it.
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AdminEnabled reports whether the subscription API should listen.
func (c *Config) AdminEnabled() bool {
	return c.Admin.Addr != "-"
}

// Load reads config.yaml from dir, applies defaults, resolves env vars, and validates.
func Load(dir string) (*Config, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("config dir is required")
	}

	path := filepath.Join(dir, DefaultConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := resolveEnv(&cfg); err != nil {
		return nil, fmt.Errorf("resolve env: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Discord.TokenEnv == "" {
		cfg.Discord.TokenEnv = DefaultTokenEnv
	}
	if cfg.Discord.ChannelTopic == "" {
		cfg.Discord.ChannelTopic = DefaultChannelTopic
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultStoragePath
	}
	if cfg.Poll.Interval.Duration == 0 {
		cfg.Poll.Interval.Duration = DefaultPollInterval
	}
	if cfg.Poll.WatchInterval.Duration == 0 {
		cfg.Poll.WatchInterval.Duration = DefaultWatchInterval
	}
	if cfg.Poll.Workers == 0 {
		cfg.Poll.Workers = DefaultWorkers
	}
	if cfg.Poll.FetchTimeout.Duration == 0 {
		cfg.Poll.FetchTimeout.Duration = DefaultFetchTimeout
	}
	if cfg.Poll.FetchRetries == 0 {
		cfg.Poll.FetchRetries = DefaultFetchRetries
	}
	if cfg.Delivery.SummaryLimit == 0 {
		cfg.Delivery.SummaryLimit = DefaultSummaryLimit
	}
	if cfg.Delivery.Color == 0 {
		cfg.Delivery.Color = DefaultColor
	}
	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = DefaultAdminAddr
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}

func resolveEnv(cfg *Config) error {
	cfg.Discord.Token = os.Getenv(cfg.Discord.TokenEnv)

	if raw := strings.TrimSpace(os.Getenv(IntervalEnv)); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			return fmt.Errorf("%s: want a positive number of minutes, got %q", IntervalEnv, raw)
		}
		cfg.Poll.Interval.Duration = time.Duration(minutes) * time.Minute
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Poll.Interval.Duration < 0 {
		return errors.New("poll.interval: must be positive")
	}
	if cfg.Poll.WatchInterval.Duration < 0 {
		return errors.New("poll.watch_interval: must be positive")
	}
	if cfg.Poll.Workers < 0 {
		return fmt.Errorf("poll.workers: must be positive, got %d", cfg.Poll.Workers)
	}
	if cfg.Poll.FetchRetries < 0 {
		return fmt.Errorf("poll.fetch_retries: must be positive, got %d", cfg.Poll.FetchRetries)
	}
	if cfg.Delivery.SummaryLimit < 0 {
		return fmt.Errorf("delivery.summary_limit: must be positive, got %d", cfg.Delivery.SummaryLimit)
	}
	if cfg.Delivery.Color < 0 || cfg.Delivery.Color > 0xFFFFFF {
		return fmt.Errorf("delivery.color: %#x is not an RGB color", cfg.Delivery.Color)
	}
	if !strings.Contains(cfg.Discord.ChannelTopic, "%s") {
		return errors.New("discord.channel_topic: must contain %s for the channel name")
	}

	if _, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch cfg.Log.Format {
	case "text", "json":
		// valid
	default:
		return fmt.Errorf("log.format: unknown format %q (want text or json)", cfg.Log.Format)
	}

	return nil
}
