package tracker

import (
	"context"
	"time"
)

// MemoryStore keeps ids in process memory. It backs dry runs, which read the
// real delivery state but must not change it.
type MemoryStore struct {
	ids  []string
	last time.Time
}

// NewMemoryStore returns a store preloaded with ids.
func NewMemoryStore(ids ...string) *MemoryStore {
	return &MemoryStore{ids: append([]string(nil), ids...)}
}

func (s *MemoryStore) Load(context.Context) ([]string, error) {
	return append([]string(nil), s.ids...), nil
}

func (s *MemoryStore) Append(_ context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	s.ids = append(s.ids, id)
	s.last = time.Now()
	return nil
}

func (s *MemoryStore) Replace(_ context.Context, ids []string) error {
	s.ids = append([]string(nil), ids...)
	return nil
}

func (s *MemoryStore) Stats(context.Context) (Stats, error) {
	return Stats{Count: len(s.ids), Last: s.last}, nil
}

func (s *MemoryStore) Close() error { return nil }
