package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/forumspy/internal/message"
)

func sampleMessage() message.Message {
	return message.Message{
		Title:       "alice",
		Body:        "Hello world",
		Attachments: []string{"https://img.example.org/1.png", "https://img.example.org/2.png"},
		SourceID:    "post7",
		URL:         "https://forum.example.net/forum/t/?page=1#post7",
		AuthorURL:   "https://forum.example.net/members/alice",
		Thumbnail:   "https://forum.example.net/sprites/alice.png",
		Timestamp:   "2020-10-17T19:03:11Z",
		Color:       0x001228,
	}
}

// statusSequence serves the given statuses in order, repeating the last.
func statusSequence(t *testing.T, statuses []int, header http.Header, bodies chan<- []byte) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&hits, 1))
		if bodies != nil {
			b, _ := io.ReadAll(r.Body)
			bodies <- b
		}
		status := statuses[len(statuses)-1]
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		for k, v := range header {
			w.Header()[k] = v
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func testDiscord(t *testing.T, url string, retry RetryOptions) (*Discord, *[]time.Duration) {
	t.Helper()
	d, err := NewDiscord(DiscordOptions{WebhookURL: url, Retry: retry})
	require.NoError(t, err)
	var waits []time.Duration
	d.pacer.sleep = func(_ context.Context, dur time.Duration) error {
		waits = append(waits, dur)
		return nil
	}
	return d, &waits
}

func TestNewDiscord_RequiresURL(t *testing.T) {
	_, err := NewDiscord(DiscordOptions{})
	assert.Error(t, err)
}

func TestDiscord_Payload(t *testing.T) {
	bodies := make(chan []byte, 1)
	srv, _ := statusSequence(t, []int{http.StatusNoContent}, nil, bodies)
	d, _ := testDiscord(t, srv.URL, RetryOptions{MinInterval: -1})

	require.NoError(t, d.Send(context.Background(), sampleMessage()))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(<-bodies, &payload))

	mentions := payload["allowed_mentions"].(map[string]any)
	assert.Equal(t, []any{}, mentions["parse"])

	embeds := payload["embeds"].([]any)
	require.Len(t, embeds, 2)
	main := embeds[0].(map[string]any)
	assert.Equal(t, "Hello world\n\nhttps://forum.example.net/forum/t/?page=1#post7", main["description"])
	assert.Equal(t, "alice", main["author"].(map[string]any)["name"])
	assert.Equal(t, "https://forum.example.net/members/alice", main["author"].(map[string]any)["url"])
	assert.Equal(t, "https://img.example.org/1.png", main["image"].(map[string]any)["url"])
	assert.Equal(t, "https://forum.example.net/sprites/alice.png", main["thumbnail"].(map[string]any)["url"])
	assert.Equal(t, "2020-10-17T19:03:11Z", main["timestamp"])
	assert.EqualValues(t, 0x001228, main["color"])

	extra := embeds[1].(map[string]any)
	assert.Equal(t, main["url"], extra["url"])
	assert.Equal(t, "https://img.example.org/2.png", extra["image"].(map[string]any)["url"])
}

func TestDiscord_PayloadDropsRawTimestamp(t *testing.T) {
	msg := sampleMessage()
	msg.Timestamp = "Oct 17 2020, yesterday-ish"
	msg.Attachments = []string{}

	p := buildDiscordPayload(msg, "")
	require.Len(t, p.Embeds, 1)
	assert.Empty(t, p.Embeds[0].Timestamp)
	assert.Nil(t, p.Embeds[0].Image)
}

func TestDiscord_RetriesServerErrors(t *testing.T) {
	srv, hits := statusSequence(t, []int{500, 502, 204}, nil, nil)
	d, waits := testDiscord(t, srv.URL, RetryOptions{Attempts: 5, RetryDelay: 5 * time.Second, MinInterval: -1})

	require.NoError(t, d.Send(context.Background(), sampleMessage()))
	assert.EqualValues(t, 3, atomic.LoadInt32(hits))
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, *waits)
}

func TestDiscord_RateLimitUsesRetryAfter(t *testing.T) {
	srv, hits := statusSequence(t, []int{429, 204}, http.Header{"Retry-After": []string{"2.5"}}, nil)
	d, waits := testDiscord(t, srv.URL, RetryOptions{MinInterval: -1})

	require.NoError(t, d.Send(context.Background(), sampleMessage()))
	assert.EqualValues(t, 2, atomic.LoadInt32(hits))
	assert.Equal(t, []time.Duration{2500 * time.Millisecond}, *waits)
}

func TestDiscord_ClientErrorIsNotRetried(t *testing.T) {
	srv, hits := statusSequence(t, []int{400}, nil, nil)
	d, _ := testDiscord(t, srv.URL, RetryOptions{MinInterval: -1})

	err := d.Send(context.Background(), sampleMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "post7")
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))
}

func TestDiscord_GivesUpAfterAttempts(t *testing.T) {
	srv, hits := statusSequence(t, []int{503}, nil, nil)
	d, waits := testDiscord(t, srv.URL, RetryOptions{Attempts: 3, MinInterval: -1})

	require.Error(t, d.Send(context.Background(), sampleMessage()))
	assert.EqualValues(t, 3, atomic.LoadInt32(hits))
	assert.Len(t, *waits, 2)
}

func TestDiscord_MinIntervalBetweenSends(t *testing.T) {
	srv, _ := statusSequence(t, []int{204}, nil, nil)
	d, waits := testDiscord(t, srv.URL, RetryOptions{MinInterval: time.Second})
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.pacer.now = func() time.Time { return clock }

	require.NoError(t, d.Send(context.Background(), sampleMessage()))
	require.NoError(t, d.Send(context.Background(), sampleMessage()))
	assert.Equal(t, []time.Duration{time.Second}, *waits)
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, retryAfter("3", nil))
	assert.Equal(t, 1500*time.Millisecond, retryAfter("", []byte(`{"retry_after": 1.5}`)))
	assert.Equal(t, time.Duration(0), retryAfter("soon", []byte("nope")))
}

func TestSlack_PostsAttachment(t *testing.T) {
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- b
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	s, err := NewSlack(SlackOptions{WebhookURL: srv.URL, Username: "forumspy", Retry: RetryOptions{MinInterval: -1}})
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), sampleMessage()))

	var payload struct {
		Username    string `json:"username"`
		Attachments []struct {
			Color      string `json:"color"`
			AuthorName string `json:"author_name"`
			Text       string `json:"text"`
			ImageURL   string `json:"image_url"`
			Footer     string `json:"footer"`
		} `json:"attachments"`
	}
	require.NoError(t, json.Unmarshal(<-bodies, &payload))
	assert.Equal(t, "forumspy", payload.Username)
	require.Len(t, payload.Attachments, 1)
	att := payload.Attachments[0]
	assert.Equal(t, "#001228", att.Color)
	assert.Equal(t, "alice", att.AuthorName)
	assert.Equal(t, "Hello world", att.Text)
	assert.Equal(t, "https://img.example.org/1.png", att.ImageURL)
	assert.Equal(t, sampleMessage().URL, att.Footer)
}

func TestSlack_RetriesFailures(t *testing.T) {
	srv, hits := statusSequence(t, []int{500, 200}, nil, nil)
	s, err := NewSlack(SlackOptions{WebhookURL: srv.URL, Retry: RetryOptions{Attempts: 2, MinInterval: -1}})
	require.NoError(t, err)
	s.pacer.sleep = func(context.Context, time.Duration) error { return nil }

	require.NoError(t, s.Send(context.Background(), sampleMessage()))
	assert.EqualValues(t, 2, atomic.LoadInt32(hits))
}

func TestPacer_StopsOnCancelledContext(t *testing.T) {
	p := newPacer(RetryOptions{Attempts: 3, RetryDelay: time.Hour, MinInterval: -1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := p.do(ctx, func(context.Context) attemptResult {
		calls++
		return attemptResult{err: assert.AnError, retryable: true}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Writer{W: &buf}.Send(context.Background(), sampleMessage()))

	line := strings.TrimSpace(buf.String())
	var got message.Message
	require.NoError(t, json.Unmarshal([]byte(line), &got))
	assert.Equal(t, sampleMessage(), got)
}
