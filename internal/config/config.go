package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // forum.timezone must resolve on hosts without zoneinfo

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigDir     = ".forumspy"
	DefaultConfigFile    = "config.yaml"
	DefaultForumRoot     = "https://forum.starmen.net"
	DefaultSpyPath       = "/forum/spy.ajax"
	DefaultUserAgent     = "discord-forum-spy-bot"
	DefaultTimezone      = "America/Chicago"
	DefaultTimeout       = 30 * time.Second
	DefaultInterval      = 15 * time.Second
	DefaultRetryInterval = 30 * time.Second
	DefaultDestination   = "discord"
	DefaultWebhookEnv    = "FORUM_SPY_DISCORD_WEBHOOK_URL"
	DefaultStorageKind   = "file"
	DefaultFilePath      = "delivered.txt"
	DefaultSQLitePath    = "forumspy.db"
	DefaultRedisKey      = "forumspy:delivered"
	DefaultRetain        = 500
	DefaultFixturesDir   = "fixtures"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultAttempts      = 5
	DefaultRetryDelay    = 5 * time.Second
	DefaultMinInterval   = time.Second
)

// DefaultExcludedBoards are boards whose posts are never relayed.
var DefaultExcludedBoards = []string{"/forum/Community/mafia", "/forum/Community/mafiB"}

// Duration wraps time.Duration for YAML unmarshaling from strings like "15s".
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
	Forum       ForumConfig       `yaml:"forum"`
	Poll        PollConfig        `yaml:"poll"`
	Destination DestinationConfig `yaml:"destination"`
	Storage     StorageConfig     `yaml:"storage"`
	Fixtures    FixturesConfig    `yaml:"fixtures"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`

	// Dir is the directory config.yaml was read from. Relative paths in
	// the config resolve against it.
	Dir string `yaml:"-"`
}

type ForumConfig struct {
	Root           string   `yaml:"root"`
	SpyPath        string   `yaml:"spy_path"`
	Referer        string   `yaml:"referer"`
	UserAgent      string   `yaml:"user_agent"`
	Timezone       string   `yaml:"timezone"`
	Timeout        Duration `yaml:"timeout"`
	ExcludedBoards []string `yaml:"excluded_boards"`
	ResolveNames   *bool    `yaml:"resolve_names"`
}

type PollConfig struct {
	Interval      Duration `yaml:"interval"`
	RetryInterval Duration `yaml:"retry_interval"`
	Prime         *bool    `yaml:"prime"`
}

type DestinationConfig struct {
	Kind          string `yaml:"kind"`
	WebhookURLEnv string `yaml:"webhook_url_env"`
	Username      string `yaml:"username"`

	// Zero values keep the preset of the destination kind.
	MaxBodyLength      int     `yaml:"max_body_length"`
	MaxAttachments     *int    `yaml:"max_attachments"`
	TruncationMarker   string  `yaml:"truncation_marker"`
	QuoteSnippetLength int     `yaml:"quote_snippet_length"`
	MinQuoteLength     int     `yaml:"min_quote_length"`
	EmptyBodyText      *string `yaml:"empty_body_text"`

	Retry RetryConfig `yaml:"retry"`

	// Resolved from env var at load time.
	WebhookURL string `yaml:"-"`
}

type RetryConfig struct {
	Attempts    int      `yaml:"attempts"`
	Delay       Duration `yaml:"delay"`
	MinInterval Duration `yaml:"min_interval"`
}

type StorageConfig struct {
	Kind   string      `yaml:"kind"`
	Path   string      `yaml:"path"`
	Retain int         `yaml:"retain"`
	Redis  RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	Key         string `yaml:"key"`

	// Resolved from env var at load time.
	Password string `yaml:"-"`
}

type FixturesConfig struct {
	Dir string `yaml:"dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
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
	cfg.Dir = dir

	applyDefaults(&cfg)
	resolveEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	f := &cfg.Forum
	if f.Root == "" {
		f.Root = DefaultForumRoot
	}
	f.Root = strings.TrimRight(f.Root, "/")
	if f.SpyPath == "" {
		f.SpyPath = DefaultSpyPath
	}
	if f.Referer == "" {
		f.Referer = f.Root + "/forum/spy"
	}
	if f.UserAgent == "" {
		f.UserAgent = DefaultUserAgent
	}
	if f.Timezone == "" {
		f.Timezone = DefaultTimezone
	}
	if f.Timeout.Duration == 0 {
		f.Timeout.Duration = DefaultTimeout
	}
	if f.ExcludedBoards == nil {
		f.ExcludedBoards = append([]string(nil), DefaultExcludedBoards...)
	}
	if f.ResolveNames == nil {
		f.ResolveNames = boolPtr(true)
	}

	p := &cfg.Poll
	if p.Interval.Duration == 0 {
		p.Interval.Duration = DefaultInterval
	}
	if p.RetryInterval.Duration == 0 {
		p.RetryInterval.Duration = DefaultRetryInterval
	}
	if p.Prime == nil {
		p.Prime = boolPtr(true)
	}

	d := &cfg.Destination
	if d.Kind == "" {
		d.Kind = DefaultDestination
	}
	if d.WebhookURLEnv == "" {
		d.WebhookURLEnv = DefaultWebhookEnv
	}
	if d.Retry.Attempts == 0 {
		d.Retry.Attempts = DefaultAttempts
	}
	if d.Retry.Delay.Duration == 0 {
		d.Retry.Delay.Duration = DefaultRetryDelay
	}
	if d.Retry.MinInterval.Duration == 0 {
		d.Retry.MinInterval.Duration = DefaultMinInterval
	}

	s := &cfg.Storage
	if s.Kind == "" {
		s.Kind = DefaultStorageKind
	}
	if s.Path == "" {
		switch s.Kind {
		case "sqlite":
			s.Path = DefaultSQLitePath
		case "file":
			s.Path = DefaultFilePath
		}
	}
	if s.Retain == 0 {
		s.Retain = DefaultRetain
	}
	if s.Redis.Key == "" {
		s.Redis.Key = DefaultRedisKey
	}

	if cfg.Fixtures.Dir == "" {
		cfg.Fixtures.Dir = DefaultFixturesDir
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}

func resolveEnv(cfg *Config) {
	if cfg.Destination.WebhookURLEnv != "" {
		cfg.Destination.WebhookURL = strings.TrimSpace(os.Getenv(cfg.Destination.WebhookURLEnv))
	}
	if cfg.Storage.Redis.PasswordEnv != "" {
		cfg.Storage.Redis.Password = os.Getenv(cfg.Storage.Redis.PasswordEnv)
	}
}

func validate(cfg *Config) error {
	u, err := url.Parse(cfg.Forum.Root)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("forum.root: %q is not an absolute url", cfg.Forum.Root)
	}
	if !strings.HasPrefix(cfg.Forum.SpyPath, "/") {
		return fmt.Errorf("forum.spy_path: %q must start with /", cfg.Forum.SpyPath)
	}
	if _, err := time.LoadLocation(cfg.Forum.Timezone); err != nil {
		return fmt.Errorf("forum.timezone: %w", err)
	}
	if cfg.Forum.Timeout.Duration < 0 {
		return errors.New("forum.timeout: must not be negative")
	}

	if cfg.Poll.Interval.Duration < time.Second {
		return fmt.Errorf("poll.interval: %s is shorter than 1s", cfg.Poll.Interval.Duration)
	}
	if cfg.Poll.RetryInterval.Duration < 0 {
		return errors.New("poll.retry_interval: must not be negative")
	}

	d := cfg.Destination
	switch d.Kind {
	case "discord", "slack":
		// valid
	default:
		return fmt.Errorf("destination.kind: unknown kind %q (want discord or slack)", d.Kind)
	}
	if d.MaxBodyLength < 0 {
		return errors.New("destination.max_body_length: must not be negative")
	}
	if d.MaxAttachments != nil && *d.MaxAttachments < 0 {
		return errors.New("destination.max_attachments: must not be negative")
	}
	if d.Retry.Attempts < 0 {
		return errors.New("destination.retry.attempts: must not be negative")
	}

	s := cfg.Storage
	switch s.Kind {
	case "file", "sqlite":
		if s.Path == "" {
			return fmt.Errorf("storage.path: required for %s storage", s.Kind)
		}
	case "redis":
		if s.Redis.Addr == "" {
			return errors.New("storage.redis.addr: required for redis storage")
		}
	default:
		return fmt.Errorf("storage.kind: unknown kind %q (want file, sqlite or redis)", s.Kind)
	}
	if s.Retain < 0 {
		return errors.New("storage.retain: must not be negative")
	}

	switch cfg.Log.Format {
	case "text", "json":
		// valid
	default:
		return fmt.Errorf("log.format: unknown format %q (want text or json)", cfg.Log.Format)
	}

	return nil
}

// Resolve returns path joined to the config dir unless it is absolute.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Dir, path)
}

// Location returns the forum's time zone. It is validated by Load.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Forum.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RequireWebhook reports a missing webhook URL. Only commands that send
// need one.
func (c *Config) RequireWebhook() error {
	if c.Destination.WebhookURL == "" {
		return fmt.Errorf("destination: webhook url is empty; set %s", c.Destination.WebhookURLEnv)
	}
	return nil
}

func boolPtr(v bool) *bool { return &v }
