package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ppiankov/forumspy/internal/logging"
	"github.com/ppiankov/forumspy/internal/message"
)

const maxDiscordEmbeds = 10

// DiscordOptions configures a Discord webhook dispatcher.
type DiscordOptions struct {
	WebhookURL string
	Username   string // overrides the webhook's name when set
	Timeout    time.Duration
	Retry      RetryOptions
	Logger     logrus.FieldLogger
}

// Discord posts messages as webhook embeds.
type Discord struct {
	url      string
	username string
	client   *http.Client
	pacer    *pacer
	log      logrus.FieldLogger
}

// NewDiscord creates a Discord dispatcher.
func NewDiscord(opts DiscordOptions) (*Discord, error) {
	if strings.TrimSpace(opts.WebhookURL) == "" {
		return nil, errors.New("discord: webhook url is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	d := &Discord{
		url:      opts.WebhookURL,
		username: opts.Username,
		client:   &http.Client{Timeout: timeout},
		pacer:    newPacer(opts.Retry),
		log:      opts.Logger,
	}
	if d.log == nil {
		d.log = logging.Discard()
	}
	return d, nil
}

type discordPayload struct {
	Username        string          `json:"username,omitempty"`
	Embeds          []discordEmbed  `json:"embeds"`
	AllowedMentions discordMentions `json:"allowed_mentions"`
}

type discordMentions struct {
	Parse []string `json:"parse"`
}

type discordEmbed struct {
	Author      *discordAuthor `json:"author,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Thumbnail   *discordImage  `json:"thumbnail,omitempty"`
	Image       *discordImage  `json:"image,omitempty"`
}

type discordAuthor struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

type discordImage struct {
	URL string `json:"url"`
}

func buildDiscordPayload(msg message.Message, username string) discordPayload {
	desc := msg.Body
	if msg.URL != "" {
		desc += "\n\n" + msg.URL
	}

	main := discordEmbed{
		Description: desc,
		URL:         msg.URL,
		Color:       msg.Color,
	}
	if msg.Title != "" {
		main.Author = &discordAuthor{Name: msg.Title, URL: msg.AuthorURL}
	}
	if msg.Thumbnail != "" {
		main.Thumbnail = &discordImage{URL: msg.Thumbnail}
	}
	if _, err := time.Parse(time.RFC3339, msg.Timestamp); err == nil {
		main.Timestamp = msg.Timestamp
	}

	embeds := []discordEmbed{main}
	for i, img := range msg.Attachments {
		if i == 0 {
			embeds[0].Image = &discordImage{URL: img}
			continue
		}
		if len(embeds) == maxDiscordEmbeds {
			break
		}
		// Embeds sharing a url are shown as one gallery.
		embeds = append(embeds, discordEmbed{URL: msg.URL, Image: &discordImage{URL: img}})
	}

	return discordPayload{
		Username:        username,
		Embeds:          embeds,
		AllowedMentions: discordMentions{Parse: []string{}},
	}
}

// Send posts msg, retrying rate limits, server errors and transport failures.
func (d *Discord) Send(ctx context.Context, msg message.Message) error {
	body, err := json.Marshal(buildDiscordPayload(msg, d.username))
	if err != nil {
		return fmt.Errorf("discord: encode payload: %w", err)
	}

	attempt := 0
	err = d.pacer.do(ctx, func(ctx context.Context) attemptResult {
		attempt++
		res := d.post(ctx, body)
		if res.err != nil {
			d.log.WithFields(logrus.Fields{
				"post":    msg.SourceID,
				"attempt": attempt,
			}).WithError(res.err).Warn("discord send failed")
		}
		return res
	})
	if err != nil {
		return fmt.Errorf("discord: send %s: %w", msg.SourceID, err)
	}
	return nil
}

func (d *Discord) post(ctx context.Context, body []byte) attemptResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return attemptResult{err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return attemptResult{err: err, retryable: ctx.Err() == nil}
	}
	defer func() { _ = resp.Body.Close() }()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return attemptResult{}
	case resp.StatusCode == http.StatusTooManyRequests:
		return attemptResult{
			err:       fmt.Errorf("rate limited: %s", strings.TrimSpace(string(detail))),
			retryable: true,
			wait:      retryAfter(resp.Header.Get("Retry-After"), detail),
		}
	case resp.StatusCode >= 500:
		return attemptResult{err: fmt.Errorf("status %d", resp.StatusCode), retryable: true}
	default:
		return attemptResult{err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))}
	}
}

// retryAfter reads the wait from the Retry-After header, or from the
// retry_after field of the JSON body. Both are in seconds.
func retryAfter(header string, body []byte) time.Duration {
	if secs, err := strconv.ParseFloat(strings.TrimSpace(header), 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	var payload struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.RetryAfter > 0 {
		return time.Duration(payload.RetryAfter * float64(time.Second))
	}
	return 0
}
