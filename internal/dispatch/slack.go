package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/ppiankov/forumspy/internal/message"
)

// SlackOptions configures a Slack incoming-webhook dispatcher.
type SlackOptions struct {
	WebhookURL string
	Username   string
	Timeout    time.Duration
	Retry      RetryOptions
}

// Slack posts each message as one webhook attachment.
type Slack struct {
	url      string
	username string
	client   *http.Client
	pacer    *pacer
}

// NewSlack creates a Slack dispatcher.
func NewSlack(opts SlackOptions) (*Slack, error) {
	if strings.TrimSpace(opts.WebhookURL) == "" {
		return nil, errors.New("slack: webhook url is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Slack{
		url:      opts.WebhookURL,
		username: opts.Username,
		client:   &http.Client{Timeout: timeout},
		pacer:    newPacer(opts.Retry),
	}, nil
}

func buildSlackMessage(msg message.Message, username string) *slack.WebhookMessage {
	att := slack.Attachment{
		Color:      fmt.Sprintf("#%06x", msg.Color),
		Fallback:   msg.Title + ": " + msg.Body,
		AuthorName: msg.Title,
		AuthorLink: msg.AuthorURL,
		AuthorIcon: msg.Thumbnail,
		Text:       msg.Body,
		Footer:     msg.URL,
		MarkdownIn: []string{"text"},
	}
	if len(msg.Attachments) > 0 {
		att.ImageURL = msg.Attachments[0]
	}
	if ts, err := time.Parse(time.RFC3339, msg.Timestamp); err == nil {
		att.Ts = json.Number(strconv.FormatInt(ts.Unix(), 10))
	}
	return &slack.WebhookMessage{
		Username:    username,
		Attachments: []slack.Attachment{att},
	}
}

// Send posts msg. Slack's client reports any non-2xx status as an error;
// every failure is retried.
func (s *Slack) Send(ctx context.Context, msg message.Message) error {
	wm := buildSlackMessage(msg, s.username)
	err := s.pacer.do(ctx, func(ctx context.Context) attemptResult {
		err := slack.PostWebhookCustomHTTPContext(ctx, s.url, s.client, wm)
		return attemptResult{err: err, retryable: err != nil && ctx.Err() == nil}
	})
	if err != nil {
		return fmt.Errorf("slack: send %s: %w", msg.SourceID, err)
	}
	return nil
}
