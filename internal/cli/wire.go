package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ppiankov/forumspy/internal/config"
	"github.com/ppiankov/forumspy/internal/dispatch"
	"github.com/ppiankov/forumspy/internal/forum"
	"github.com/ppiankov/forumspy/internal/harness"
	"github.com/ppiankov/forumspy/internal/logging"
	"github.com/ppiankov/forumspy/internal/message"
	"github.com/ppiankov/forumspy/internal/source"
	"github.com/ppiankov/forumspy/internal/tracker"
)

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	return logging.New(level, cfg.Log.Format, os.Stderr)
}

// destination returns the preset for the configured kind with any
// overrides from config applied.
func destination(cfg config.DestinationConfig) message.Destination {
	d := message.Discord()
	if cfg.Kind == "slack" {
		d = message.Slack()
	}
	if cfg.MaxBodyLength > 0 {
		d.MaxBodyLength = cfg.MaxBodyLength
	}
	if cfg.MaxAttachments != nil {
		d.MaxAttachments = *cfg.MaxAttachments
	}
	if cfg.TruncationMarker != "" {
		d.TruncationMarker = cfg.TruncationMarker
	}
	if cfg.QuoteSnippetLength > 0 {
		d.QuoteSnippetLength = cfg.QuoteSnippetLength
	}
	if cfg.MinQuoteLength > 0 {
		d.MinQuoteLength = cfg.MinQuoteLength
	}
	if cfg.EmptyBodyText != nil {
		d.EmptyBodyText = *cfg.EmptyBodyText
	} else if utf8.RuneCountInString(d.EmptyBodyText) > d.MaxBodyLength {
		// The preset placeholder does not fit a small limit.
		d.EmptyBodyText = ""
	}
	if utf8.RuneCountInString(d.SnipText) > d.MaxBodyLength {
		d.SnipText = ""
	}
	return d
}

func newPipeline(cfg *config.Config) (harness.Pipeline, error) {
	norm, err := forum.NewNormalizer(forum.NormalizerOptions{
		BaseURL:  cfg.Forum.Root,
		Location: cfg.Location(),
	})
	if err != nil {
		return harness.Pipeline{}, fmt.Errorf("create normalizer: %w", err)
	}
	formatter, err := message.NewFormatter(destination(cfg.Destination))
	if err != nil {
		return harness.Pipeline{}, fmt.Errorf("destination: %w", err)
	}
	return harness.Pipeline{Normalizer: norm, Formatter: formatter}, nil
}

func newSpy(cfg *config.Config) (*source.Spy, error) {
	spy, err := source.NewSpy(source.SpyOptions{
		Root:      cfg.Forum.Root,
		SpyPath:   cfg.Forum.SpyPath,
		Referer:   cfg.Forum.Referer,
		UserAgent: cfg.Forum.UserAgent,
		Timeout:   cfg.Forum.Timeout.Duration,
	})
	if err != nil {
		return nil, fmt.Errorf("create spy source: %w", err)
	}
	return spy, nil
}

func openStore(ctx context.Context, cfg *config.Config) (tracker.Store, error) {
	s := cfg.Storage
	switch s.Kind {
	case "file":
		return tracker.OpenFile(cfg.Resolve(s.Path))
	case "sqlite":
		return tracker.OpenSQLite(cfg.Resolve(s.Path))
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     s.Redis.Addr,
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis %s: %w", s.Redis.Addr, err)
		}
		return tracker.NewRedisStore(client, s.Redis.Key), nil
	default:
		return nil, fmt.Errorf("unknown storage kind %q", s.Kind)
	}
}

// openTracker opens the configured store and loads it. The caller closes
// the returned store.
func openTracker(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*tracker.Tracker, tracker.Store, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open delivery store: %w", err)
	}
	tr := tracker.New(store, tracker.Options{Retain: cfg.Storage.Retain, Logger: log})
	if err := tr.Load(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("load delivery state: %w", err)
	}
	return tr, store, nil
}

// openDryRunTracker loads a copy of the delivery state into memory. The
// configured store is read but never written, even when it is corrupt.
// recovered reports a corrupt store, which a real run would have reset.
func openDryRunTracker(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (tr *tracker.Tracker, recovered bool, err error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, false, fmt.Errorf("open delivery store: %w", err)
	}
	defer func() { _ = store.Close() }()

	ids, err := store.Load(ctx)
	switch {
	case errors.Is(err, tracker.ErrCorruptStore):
		log.WithError(err).Warn("delivery store is corrupt; dry run starts empty")
		ids, recovered = nil, true
	case err != nil:
		return nil, false, fmt.Errorf("load delivery state: %w", err)
	}

	tr = tracker.New(tracker.NewMemoryStore(ids...), tracker.Options{Retain: cfg.Storage.Retain, Logger: log})
	if err := tr.Load(ctx); err != nil {
		return nil, false, fmt.Errorf("load delivery state: %w", err)
	}
	return tr, recovered, nil
}

func retryOptions(cfg config.RetryConfig) dispatch.RetryOptions {
	return dispatch.RetryOptions{
		Attempts:    cfg.Attempts,
		RetryDelay:  cfg.Delay.Duration,
		MinInterval: cfg.MinInterval.Duration,
	}
}

func newDispatcher(cfg *config.Config, log logrus.FieldLogger) (dispatch.Dispatcher, error) {
	if err := cfg.RequireWebhook(); err != nil {
		return nil, err
	}
	d := cfg.Destination
	switch d.Kind {
	case "slack":
		return dispatch.NewSlack(dispatch.SlackOptions{
			WebhookURL: d.WebhookURL,
			Username:   d.Username,
			Retry:      retryOptions(d.Retry),
		})
	default:
		return dispatch.NewDiscord(dispatch.DiscordOptions{
			WebhookURL: d.WebhookURL,
			Username:   d.Username,
			Retry:      retryOptions(d.Retry),
			Logger:     log,
		})
	}
}
