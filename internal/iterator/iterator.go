// Package iterator presents DB-resident collections as lazy, restartable,
// chunked streams in a deterministic order. Iterators are finite and
// single-pass once consumption has begun.
package iterator

import (
	"context"
	"errors"
)

// ErrExhausted is an error value for an iterator that has no more items to
// produce. The iterators in this package do not return it; they report
// exhaustion through Chunk.Exhausted.
var ErrExhausted = errors.New("iterator exhausted")

// Chunk is a bounded batch of items produced by one NextChunkWithSize call.
type Chunk[T any] struct {
	Items     []T
	Exhausted bool
}

// Iterator is the common contract all three iterator families implement.
type Iterator[T any] interface {
	// NextChunkWithSize returns up to n items, or an exhausted chunk if the
	// source is drained.
	NextChunkWithSize(ctx context.Context, n int) (Chunk[T], error)
	// Close releases any backing resources (DB cursors, open upstream
	// sources). Safe to call multiple times.
	Close() error
}

// PageFetcher retrieves the next page of items after a given offset. It is
// the single-source adapter between an iterator and a concrete data store
// (GORM query, in-memory slice, etc).
type PageFetcher[T any] func(ctx context.Context, offset, limit int) ([]T, error)

// singleSource iterates rows associated with one entity id via offset-based
// chunked fetches.
type singleSource[T any] struct {
	fetch     PageFetcher[T]
	offset    int
	exhausted bool
	closed    bool
}

// NewSingleSource creates an iterator over a single logical source (e.g.
// mapping rules for a proxy), fetched a page at a time via fetch.
func NewSingleSource[T any](fetch PageFetcher[T]) Iterator[T] {
	return &singleSource[T]{fetch: fetch}
}

func (s *singleSource[T]) NextChunkWithSize(ctx context.Context, n int) (Chunk[T], error) {
	if s.closed || s.exhausted {
		return Chunk[T]{Exhausted: true}, nil
	}
	if n <= 0 {
		n = 1
	}

	items, err := s.fetch(ctx, s.offset, n)
	if err != nil {
		return Chunk[T]{}, err
	}
	s.offset += len(items)
	if len(items) < n {
		s.exhausted = true
	}
	return Chunk[T]{Items: items, Exhausted: len(items) == 0}, nil
}

func (s *singleSource[T]) Close() error {
	s.closed = true
	return nil
}

// PrioritizedSource pairs a PageFetcher with a priority key used to order
// items drawn from multiple sources during a merge.
type PrioritizedSource[T any] struct {
	Priority int
	Fetch    PageFetcher[T]
}

// multiSource merges several per-source streams, draining each source's
// buffered pages in priority order (lower Priority value first), then
// appending the next source once the current one is exhausted. This
// matches ordering by stored priority_order ascending.
type multiSource[T any] struct {
	sources []*singleSource[T]
	index   int
	closed  bool
}

// NewMultiSource merges multiple per-source streams ordered by priority.
func NewMultiSource[T any](sources []PrioritizedSource[T]) Iterator[T] {
	ordered := make([]PrioritizedSource[T], len(sources))
	copy(ordered, sources)
	// Stable ascending sort by priority; ties preserve input order, which
	// callers are expected to have sorted by creation time then id already.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].Priority < ordered[j-1].Priority; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	m := &multiSource[T]{}
	for _, s := range ordered {
		m.sources = append(m.sources, &singleSource[T]{fetch: s.Fetch})
	}
	return m
}

func (m *multiSource[T]) NextChunkWithSize(ctx context.Context, n int) (Chunk[T], error) {
	if m.closed {
		return Chunk[T]{Exhausted: true}, nil
	}

	for m.index < len(m.sources) {
		chunk, err := m.sources[m.index].NextChunkWithSize(ctx, n)
		if err != nil {
			return Chunk[T]{}, err
		}
		if len(chunk.Items) > 0 {
			return Chunk[T]{Items: chunk.Items}, nil
		}
		m.index++
	}
	return Chunk[T]{Exhausted: true}, nil
}

func (m *multiSource[T]) Close() error {
	m.closed = true
	for _, s := range m.sources {
		_ = s.Close()
	}
	return nil
}
