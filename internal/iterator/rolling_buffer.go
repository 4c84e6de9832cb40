package iterator

import (
	"context"
	"sync"
)

// RollingBufferConfig tunes the channel rolling-buffer iterator.
type RollingBufferConfig struct {
	// InitialBufferSize seeds the look-ahead buffer; matches the caller's
	// requested chunk size by default.
	InitialBufferSize int
	// RefillThreshold is the fraction of the buffer consumed (0-1) that
	// triggers a refill. Default 0.8.
	RefillThreshold float64
	// MaxBufferSizeFactor bounds buffer growth: MaxBufferSize = Initial * factor.
	MaxBufferSizeFactor int
	// MaxOpenSources caps how many upstream sources a single refill reads
	// from; they are read one after another, not in parallel.
	MaxOpenSources int
}

// DefaultRollingBufferConfig returns the spec defaults.
func DefaultRollingBufferConfig(initial int) RollingBufferConfig {
	return RollingBufferConfig{
		InitialBufferSize:   initial,
		RefillThreshold:     0.8,
		MaxBufferSizeFactor: 5,
		MaxOpenSources:      2,
	}
}

// RollingBuffer produces channels across all of a proxy's active stream
// sources with a bounded look-ahead buffer, refilling once consumption
// crosses the configured threshold, and a cap on how many upstream sources
// one refill reads from.
type RollingBuffer[T any] struct {
	cfg     RollingBufferConfig
	sources []PageFetcher[T]

	mu         sync.Mutex
	buffer     []T
	bufferSize int
	consumed   int
	offsets    []int // per-source next offset
	srcIndex   int
	drained    []bool
	closed     bool
}

// NewRollingBuffer creates a rolling-buffer iterator over the given
// per-source fetchers, processed in the order provided.
func NewRollingBuffer[T any](cfg RollingBufferConfig, sources []PageFetcher[T]) *RollingBuffer[T] {
	if cfg.InitialBufferSize <= 0 {
		cfg.InitialBufferSize = 1
	}
	if cfg.RefillThreshold <= 0 {
		cfg.RefillThreshold = 0.8
	}
	if cfg.MaxBufferSizeFactor <= 0 {
		cfg.MaxBufferSizeFactor = 5
	}
	if cfg.MaxOpenSources <= 0 {
		cfg.MaxOpenSources = 2
	}
	return &RollingBuffer[T]{
		cfg:        cfg,
		sources:    sources,
		bufferSize: cfg.InitialBufferSize,
		offsets:    make([]int, len(sources)),
		drained:    make([]bool, len(sources)),
	}
}

func (rb *RollingBuffer[T]) maxBufferSize() int {
	return rb.cfg.InitialBufferSize * rb.cfg.MaxBufferSizeFactor
}

// NextChunkWithSize returns up to n items from the rolling buffer, refilling
// from upstream sources as needed. n is honored as an upper bound on top of
// the buffer's own sizing.
func (rb *RollingBuffer[T]) NextChunkWithSize(ctx context.Context, n int) (Chunk[T], error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return Chunk[T]{Exhausted: true}, nil
	}

	if rb.shouldRefillLocked() {
		if err := rb.refillLocked(ctx); err != nil {
			return Chunk[T]{}, err
		}
	}

	if len(rb.buffer) == 0 {
		return Chunk[T]{Exhausted: true}, nil
	}

	take := n
	if take <= 0 || take > len(rb.buffer) {
		take = len(rb.buffer)
	}

	items := rb.buffer[:take]
	rb.buffer = rb.buffer[take:]
	rb.consumed += take

	return Chunk[T]{Items: items}, nil
}

func (rb *RollingBuffer[T]) shouldRefillLocked() bool {
	if len(rb.buffer) == 0 {
		return true
	}
	threshold := float64(rb.bufferSize) * rb.cfg.RefillThreshold
	return float64(rb.consumed) >= threshold
}

// refillLocked grows bufferSize up to the hard cap, then reads the next page
// from up to MaxOpenSources sources one after another, appending each page to
// the buffer; it stops after the first source that returns a full page.
func (rb *RollingBuffer[T]) refillLocked(ctx context.Context) error {
	rb.consumed = 0
	if rb.bufferSize < rb.maxBufferSize() {
		rb.bufferSize = rb.bufferSize * 2
		if rb.bufferSize > rb.maxBufferSize() {
			rb.bufferSize = rb.maxBufferSize()
		}
	}

	open := 0
	for rb.srcIndex < len(rb.sources) && open < rb.cfg.MaxOpenSources {
		if rb.drained[rb.srcIndex] {
			rb.srcIndex++
			continue
		}

		items, err := rb.sources[rb.srcIndex](ctx, rb.offsets[rb.srcIndex], rb.bufferSize)
		if err != nil {
			return err
		}
		rb.offsets[rb.srcIndex] += len(items)
		rb.buffer = append(rb.buffer, items...)

		if len(items) < rb.bufferSize {
			rb.drained[rb.srcIndex] = true
			rb.srcIndex++
		} else {
			open++
			break
		}
		open++
	}

	return nil
}

// Close releases any buffered state. The rolling buffer itself holds no
// external resources beyond what its PageFetchers manage.
func (rb *RollingBuffer[T]) Close() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.buffer = nil
	return nil
}

var _ Iterator[int] = (*RollingBuffer[int])(nil)
