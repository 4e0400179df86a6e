// Package dispatch delivers messages to chat webhooks.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ppiankov/forumspy/internal/message"
)

const (
	defaultAttempts    = 5
	defaultRetryDelay  = 5 * time.Second
	defaultMinInterval = 1 * time.Second
	defaultTimeout     = 30 * time.Second
)

// Dispatcher sends one message. A nil error means the destination accepted
// it.
type Dispatcher interface {
	Send(ctx context.Context, msg message.Message) error
}

// RetryOptions controls how a webhook dispatcher retries and paces sends.
type RetryOptions struct {
	Attempts    int           // total tries per message
	RetryDelay  time.Duration // wait after a failed try
	MinInterval time.Duration // minimum gap between two sends
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.Attempts <= 0 {
		o.Attempts = defaultAttempts
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	} else if o.RetryDelay == 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.MinInterval < 0 {
		o.MinInterval = 0
	} else if o.MinInterval == 0 {
		o.MinInterval = defaultMinInterval
	}
	return o
}

// attemptResult is the outcome of one try.
type attemptResult struct {
	err       error
	retryable bool
	wait      time.Duration // overrides RetryDelay when positive
}

// pacer retries a send and keeps sends at least MinInterval apart.
type pacer struct {
	opts  RetryOptions
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	last  time.Time
}

func newPacer(opts RetryOptions) *pacer {
	return &pacer{opts: opts.withDefaults(), sleep: sleepContext, now: time.Now}
}

func (p *pacer) do(ctx context.Context, try func(ctx context.Context) attemptResult) error {
	var last error
	for attempt := 1; attempt <= p.opts.Attempts; attempt++ {
		if !p.last.IsZero() {
			if gap := p.opts.MinInterval - p.now().Sub(p.last); gap > 0 {
				if err := p.sleep(ctx, gap); err != nil {
					return err
				}
			}
		}

		res := try(ctx)
		p.last = p.now()
		if res.err == nil {
			return nil
		}
		last = res.err
		if !res.retryable || attempt == p.opts.Attempts {
			break
		}

		wait := p.opts.RetryDelay
		if res.wait > 0 {
			wait = res.wait
		}
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return last
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Writer prints messages as JSON lines instead of sending them.
type Writer struct {
	W io.Writer
}

func (w Writer) Send(_ context.Context, msg message.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = fmt.Fprintf(w.W, "%s\n", data)
	return err
}
