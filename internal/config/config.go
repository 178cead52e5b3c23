package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFile      = "config.yaml"
	DefaultStoragePath     = ".feedrelay/feedrelay.db"
	DefaultInterval        = 20 * time.Minute
	DefaultMaxEntries      = 3
	DefaultMaxImages       = 10
	DefaultSendConcurrency = 10
	DefaultMessageEvery    = 500 * time.Millisecond
	DefaultFetchTimeout    = 30 * time.Second
	DefaultImageTimeout    = 20 * time.Second
)

// Duration wraps time.Duration for YAML unmarshaling from strings like "20m".
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
	Feeds     FeedsConfig     `yaml:"feeds"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Transport TransportConfig `yaml:"transport"`
	Translate TranslateConfig `yaml:"translate"`
	Health    HealthConfig    `yaml:"health"`
	Storage   StorageConfig   `yaml:"storage"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
}

type FeedsConfig struct {
	Host       string   `yaml:"host"`
	BackupHost string   `yaml:"backup_host"`
	Timeout    Duration `yaml:"timeout"`
}

type ScheduleConfig struct {
	Interval   Duration `yaml:"interval"`
	QuietStart string   `yaml:"quiet_start"`
	QuietEnd   string   `yaml:"quiet_end"`
}

type TransportConfig struct {
	URL            string `yaml:"url"`
	AccessTokenEnv string `yaml:"access_token_env"`
	BotID          int64  `yaml:"bot_id"`
	BotName        string `yaml:"bot_name"`

	// Resolved from env var at load time.
	AccessToken string `yaml:"-"`
}

type TranslateConfig struct {
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`

	// Resolved from env var at load time.
	APIKey string `yaml:"-"`
}

type HealthConfig struct {
	URL string `yaml:"url"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type DeliveryConfig struct {
	MaxEntries      int      `yaml:"max_entries"`
	MaxImages       int      `yaml:"max_images"`
	SendConcurrency int      `yaml:"send_concurrency"`
	MessageEvery    Duration `yaml:"message_every"`
	ImageTimeout    Duration `yaml:"image_timeout"`
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
	resolveEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultStoragePath
	}
	if cfg.Schedule.Interval.Duration == 0 {
		cfg.Schedule.Interval.Duration = DefaultInterval
	}
	if cfg.Feeds.Timeout.Duration == 0 {
		cfg.Feeds.Timeout.Duration = DefaultFetchTimeout
	}
	if cfg.Delivery.MaxEntries == 0 {
		cfg.Delivery.MaxEntries = DefaultMaxEntries
	}
	if cfg.Delivery.MaxImages == 0 {
		cfg.Delivery.MaxImages = DefaultMaxImages
	}
	if cfg.Delivery.SendConcurrency == 0 {
		cfg.Delivery.SendConcurrency = DefaultSendConcurrency
	}
	if cfg.Delivery.MessageEvery.Duration == 0 {
		cfg.Delivery.MessageEvery.Duration = DefaultMessageEvery
	}
	if cfg.Delivery.ImageTimeout.Duration == 0 {
		cfg.Delivery.ImageTimeout.Duration = DefaultImageTimeout
	}
}

func resolveEnv(cfg *Config) {
	if cfg.Transport.AccessTokenEnv != "" {
		cfg.Transport.AccessToken = os.Getenv(cfg.Transport.AccessTokenEnv)
	}
	if cfg.Translate.APIKeyEnv != "" {
		cfg.Translate.APIKey = os.Getenv(cfg.Translate.APIKeyEnv)
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Feeds.Host) == "" {
		return errors.New("feeds.host is required")
	}

	if (cfg.Schedule.QuietStart == "") != (cfg.Schedule.QuietEnd == "") {
		return errors.New("schedule: quiet_start and quiet_end must be set together")
	}
	if cfg.Schedule.QuietStart != "" {
		if _, err := ParseClock(cfg.Schedule.QuietStart); err != nil {
			return fmt.Errorf("schedule.quiet_start: %w", err)
		}
		if _, err := ParseClock(cfg.Schedule.QuietEnd); err != nil {
			return fmt.Errorf("schedule.quiet_end: %w", err)
		}
	}

	if cfg.Delivery.MaxEntries < 0 || cfg.Delivery.SendConcurrency < 1 {
		return errors.New("delivery: max_entries must be >= 0 and send_concurrency >= 1")
	}

	return nil
}

// Clock is a time of day as minutes since midnight.
type Clock int

// ParseClock parses a "HH:MM" string.
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("clock %q: bad hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q: bad minute", s)
	}
	return Clock(h*60 + m), nil
}

// QuietWindow reports whether t falls inside the configured quiet window.
// A window whose end is before its start wraps past midnight.
func (sc ScheduleConfig) QuietWindow(t time.Time) bool {
	if sc.QuietStart == "" || sc.QuietEnd == "" {
		return false
	}
	start, err := ParseClock(sc.QuietStart)
	if err != nil {
		return false
	}
	end, err := ParseClock(sc.QuietEnd)
	if err != nil {
		return false
	}
	now := Clock(t.Hour()*60 + t.Minute())
	if start <= end {
		return now >= start && now < end
	}
	return now >= start || now < end
}
