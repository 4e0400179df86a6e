// Package tracker remembers which posts have already been delivered.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/ppiankov/forumspy/internal/logging"
)

// ErrCorruptStore is returned by a Store whose persisted data cannot be read
// back. The tracker treats such a store as empty.
var ErrCorruptStore = errors.New("corrupt delivery store")

// DefaultRetain is the number of most recent ids kept when Options.Retain is
// not set.
const DefaultRetain = 500

// Store persists delivered post ids in delivery order.
type Store interface {
	// Load returns every stored id, oldest first. An absent store is empty.
	Load(ctx context.Context) ([]string, error)
	// Append durably records one id.
	Append(ctx context.Context, id string) error
	// Replace atomically rewrites the store to hold exactly ids.
	Replace(ctx context.Context, ids []string) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats describes a store's contents.
type Stats struct {
	Count int
	Last  time.Time // when the newest id was recorded, if known
	Size  int64     // bytes on disk, if known
}

// Options configures a Tracker.
type Options struct {
	Retain int
	Logger logrus.FieldLogger
}

// Tracker answers whether a post is new and records deliveries. It is not
// safe for concurrent use; one cycle runs at a time.
type Tracker struct {
	store  Store
	retain int
	log    logrus.FieldLogger

	order     []string
	seen      map[string]struct{}
	stored    int // ids currently in the store, including pruned ones
	recovered bool
}

// New returns a Tracker backed by store. Call Load before use.
func New(store Store, opts Options) *Tracker {
	t := &Tracker{
		store:  store,
		retain: opts.Retain,
		log:    opts.Logger,
		seen:   make(map[string]struct{}),
	}
	if t.retain <= 0 {
		t.retain = DefaultRetain
	}
	if t.log == nil {
		t.log = logging.Discard()
	}
	return t
}

// Load reads the delivered ids from the store. An absent or empty store means
// nothing was delivered yet. A corrupt store is reported, reset and treated
// as empty; other errors are returned.
func (t *Tracker) Load(ctx context.Context) error {
	t.order = nil
	t.seen = make(map[string]struct{})
	t.stored = 0
	t.recovered = false

	ids, err := t.store.Load(ctx)
	if errors.Is(err, ErrCorruptStore) {
		t.log.WithError(err).Warn("delivery store is corrupt; starting empty")
		if err := t.store.Replace(ctx, nil); err != nil {
			return fmt.Errorf("reset corrupt store: %w", err)
		}
		t.recovered = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("load delivery store: %w", err)
	}

	for _, id := range ids {
		if _, ok := t.seen[id]; ok {
			continue
		}
		t.seen[id] = struct{}{}
		t.order = append(t.order, id)
	}
	t.stored = len(ids)
	t.prune()

	t.log.WithField("ids", len(t.order)).Debug("delivery state loaded")
	return nil
}

// Recovered reports whether the last Load found a corrupt store and reset it.
// The delivery history is unknown in that case, not empty.
func (t *Tracker) Recovered() bool {
	return t.recovered
}

// IsNew reports whether id has not been delivered.
func (t *Tracker) IsNew(id string) bool {
	_, ok := t.seen[id]
	return !ok
}

// MarkDelivered records id as delivered. It is idempotent, and the id is
// durable in the store before it returns nil. On error the tracker is
// unchanged.
func (t *Tracker) MarkDelivered(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if !t.IsNew(id) {
		return nil
	}
	if err := t.store.Append(ctx, id); err != nil {
		return fmt.Errorf("record %s: %w", id, err)
	}

	t.seen[id] = struct{}{}
	t.order = append(t.order, id)
	t.stored++
	t.prune()

	if t.stored >= 2*t.retain {
		if err := t.compact(ctx); err != nil {
			t.log.WithError(err).Warn("compact delivery store")
		}
	}
	return nil
}

// Save compacts the store down to the retained ids when it holds more.
func (t *Tracker) Save(ctx context.Context) error {
	if t.stored == len(t.order) {
		return nil
	}
	return t.compact(ctx)
}

// Len returns the number of retained ids.
func (t *Tracker) Len() int {
	return len(t.order)
}

// IDs returns the retained ids, oldest first.
func (t *Tracker) IDs() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

func (t *Tracker) prune() {
	excess := len(t.order) - t.retain
	if excess <= 0 {
		return
	}
	for _, id := range t.order[:excess] {
		delete(t.seen, id)
	}
	t.order = append([]string(nil), t.order[excess:]...)
}

func (t *Tracker) compact(ctx context.Context) error {
	if err := t.store.Replace(ctx, t.order); err != nil {
		return fmt.Errorf("compact delivery store: %w", err)
	}
	t.stored = len(t.order)
	return nil
}

// ValidateID checks that id can be stored: non-empty, at most 256 bytes and
// free of whitespace and control characters.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("post id is empty")
	}
	if len(id) > 256 {
		return fmt.Errorf("post id is %d bytes, max 256", len(id))
	}
	if strings.IndexFunc(id, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r) || r == unicode.ReplacementChar
	}) >= 0 {
		return fmt.Errorf("post id %q contains invalid characters", id)
	}
	return nil
}
