// Package relay runs the polling cycle: fetch the spy listing, find new
// posts, format them and deliver them in order.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ppiankov/forumspy/internal/dispatch"
	"github.com/ppiankov/forumspy/internal/forum"
	"github.com/ppiankov/forumspy/internal/logging"
	"github.com/ppiankov/forumspy/internal/message"
	"github.com/ppiankov/forumspy/internal/tracker"
)

// Cycle results counted in forumspy_cycles_total.
const (
	ResultOK         = "ok"
	ResultPartial    = "partial"
	ResultFetchError = "fetch_error"
	ResultMalformed  = "malformed"
)

// Fetcher returns the current listing document.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// NameResolver looks up a member's display name from their profile.
type NameResolver interface {
	ResolveName(ctx context.Context, profileURL string) (string, error)
}

// Options wires a Relay. Resolver, Metrics and Logger are optional.
type Options struct {
	Fetcher        Fetcher
	Dispatcher     dispatch.Dispatcher
	Tracker        *tracker.Tracker
	Normalizer     *forum.Normalizer
	Formatter      *message.Formatter
	Resolver       NameResolver
	ExcludedBoards []string // permalink substrings, matched case-insensitively
	Prime          bool     // record the first listing without sending it
	Metrics        *Metrics
	Logger         logrus.FieldLogger
}

// Result summarizes one cycle.
type Result struct {
	ID        string
	Fragments int
	Sent      int
	Seen      int
	Skipped   int
	Excluded  int
	Primed    int
	Failed    int
}

// Relay moves new forum posts to the destination.
type Relay struct {
	opts    Options
	log     logrus.FieldLogger
	started bool
	names   map[string]string
}

// New validates opts and returns a Relay.
func New(opts Options) (*Relay, error) {
	switch {
	case opts.Fetcher == nil:
		return nil, errors.New("relay: fetcher is required")
	case opts.Dispatcher == nil:
		return nil, errors.New("relay: dispatcher is required")
	case opts.Tracker == nil:
		return nil, errors.New("relay: tracker is required")
	case opts.Normalizer == nil:
		return nil, errors.New("relay: normalizer is required")
	case opts.Formatter == nil:
		return nil, errors.New("relay: formatter is required")
	}
	r := &Relay{opts: opts, log: opts.Logger, names: make(map[string]string)}
	if r.log == nil {
		r.log = logging.Discard()
	}
	return r, nil
}

// RunCycle runs one fetch-and-deliver pass. It returns an error only when
// the listing could not be fetched or read; failures of single posts are
// logged and counted, and those posts are retried next cycle.
func (r *Relay) RunCycle(ctx context.Context) (Result, error) {
	res := Result{ID: uuid.NewString()}
	log := r.log.WithField("cycle", res.ID)
	start := time.Now()

	doc, err := r.opts.Fetcher.Fetch(ctx)
	if err != nil {
		r.opts.Metrics.cycle(ResultFetchError, time.Since(start).Seconds())
		return res, fmt.Errorf("fetch listing: %w", err)
	}

	frags, err := forum.Extract(doc)
	if err != nil {
		r.opts.Metrics.cycle(ResultMalformed, time.Since(start).Seconds())
		return res, fmt.Errorf("extract listing: %w", err)
	}
	res.Fragments = len(frags)

	prime := r.opts.Prime && !r.started && r.opts.Tracker.Len() == 0
	if prime && r.opts.Tracker.Recovered() {
		// Posts that failed before the corruption would be lost.
		log.Warn("delivery state was reset; sending current posts instead of priming")
		prime = false
	}
	r.started = true
	if prime {
		log.WithField("posts", len(frags)).Info("priming delivery state; current posts will not be sent")
	}

	inBatch := make(map[string]bool, len(frags))
	for _, frag := range frags {
		if ctx.Err() != nil {
			break
		}

		post, skipped := r.opts.Normalizer.Normalize(frag)
		if skipped != nil {
			log.WithFields(logrus.Fields{
				"post":   skipped.ID,
				"reason": skipped.Reason,
			}).Warn(skipped.Error())
			res.Skipped++
			r.opts.Metrics.post(OutcomeSkipped)
			continue
		}

		if inBatch[post.ID] {
			continue
		}
		inBatch[post.ID] = true

		plog := log.WithField("post", post.ID)
		if !r.opts.Tracker.IsNew(post.ID) {
			res.Seen++
			r.opts.Metrics.post(OutcomeSeen)
			continue
		}

		switch {
		case prime:
			if r.record(ctx, plog, post.ID) {
				res.Primed++
				r.opts.Metrics.post(OutcomePrimed)
			}
			continue
		case r.excluded(post):
			plog.WithField("url", post.Permalink).Debug("post is on an excluded board")
			if r.record(ctx, plog, post.ID) {
				res.Excluded++
				r.opts.Metrics.post(OutcomeExcluded)
			}
			continue
		}

		r.resolveName(ctx, plog, &post)
		msg := r.opts.Formatter.Format(post)

		if err := r.opts.Dispatcher.Send(ctx, msg); err != nil {
			plog.WithError(err).Warn("dispatch failed; will retry next cycle")
			res.Failed++
			r.opts.Metrics.post(OutcomeFailed)
			continue
		}
		// Sent but unrecorded posts are sent again next cycle.
		r.record(ctx, plog, post.ID)
		res.Sent++
		r.opts.Metrics.post(OutcomeSent)
		plog.WithField("author", post.Author).Info("post relayed")
	}

	result := ResultOK
	if res.Failed > 0 {
		result = ResultPartial
	}
	r.opts.Metrics.cycle(result, time.Since(start).Seconds())
	r.opts.Metrics.setTracked(r.opts.Tracker.Len())

	log.WithFields(logrus.Fields{
		"fragments": res.Fragments,
		"sent":      res.Sent,
		"seen":      res.Seen,
		"skipped":   res.Skipped,
		"excluded":  res.Excluded,
		"primed":    res.Primed,
		"failed":    res.Failed,
	}).Debug("cycle done")

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (r *Relay) record(ctx context.Context, log logrus.FieldLogger, id string) bool {
	if err := r.opts.Tracker.MarkDelivered(ctx, id); err != nil {
		log.WithError(err).Error("could not record delivery")
		return false
	}
	return true
}

func (r *Relay) excluded(post forum.Post) bool {
	link := strings.ToLower(post.Permalink)
	for _, board := range r.opts.ExcludedBoards {
		if board != "" && strings.Contains(link, strings.ToLower(board)) {
			return true
		}
	}
	return false
}

// resolveName replaces a guessed author name with the one on the member's
// profile. Lookups are cached; a failed lookup keeps the guess.
func (r *Relay) resolveName(ctx context.Context, log logrus.FieldLogger, post *forum.Post) {
	if !post.AuthorGuessed || r.opts.Resolver == nil || post.AuthorURL == "" {
		return
	}
	if name, ok := r.names[post.AuthorURL]; ok {
		post.Author, post.AuthorGuessed = name, false
		return
	}
	name, err := r.opts.Resolver.ResolveName(ctx, post.AuthorURL)
	if err != nil {
		log.WithError(err).Debug("keeping guessed author name")
		return
	}
	r.names[post.AuthorURL] = name
	post.Author, post.AuthorGuessed = name, false
}

// Run polls until ctx is cancelled, waiting interval between cycles and
// retryInterval after a failed one. The tracker is saved on the way out.
func (r *Relay) Run(ctx context.Context, interval, retryInterval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("relay: interval must be positive, got %s", interval)
	}
	if retryInterval <= 0 {
		retryInterval = interval
	}

	for {
		wait := interval
		if _, err := r.RunCycle(ctx); err != nil && ctx.Err() == nil {
			r.log.WithError(err).Warn("cycle failed")
			wait = retryInterval
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			if err := r.opts.Tracker.Save(context.WithoutCancel(ctx)); err != nil {
				return fmt.Errorf("save delivery state: %w", err)
			}
			return nil
		case <-t.C:
		}
	}
}
