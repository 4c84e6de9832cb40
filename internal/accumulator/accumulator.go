// Package accumulator collects items drained from an iterator into memory,
// a temp file, or a hybrid of the two, transparently spilling under
// pressure.
package accumulator

import (
	"context"
	"fmt"

	"github.com/streamgrid/playout/internal/iterator"
	"github.com/streamgrid/playout/pkg/diskslice"
)

// Strategy selects how an Accumulator stores drained items.
type Strategy int

const (
	// InMemory collects everything in a plain slice; fails if SoftCapItems
	// is exceeded.
	InMemory Strategy = iota
	// FileSpill appends every item straight to a temp file.
	FileSpill
	// Hybrid keeps items in memory up to a threshold, then spills the tail
	// and subsequent items to disk. Default strategy.
	Hybrid
)

// Config tunes an Accumulator.
type Config struct {
	Strategy Strategy
	// SoftCapItems bounds InMemory; zero means unbounded.
	SoftCapItems int
	// SpillThresholdBytes is the estimated-memory point at which Hybrid
	// (and FileSpill's underlying diskslice) spills to disk.
	SpillThresholdBytes int64
	// EstimatedItemSize feeds diskslice's spill-prediction heuristic.
	EstimatedItemSize int
	// TempDir overrides the default temp directory for spilled files.
	TempDir string
	// Name identifies this accumulator's temp files for diagnostics.
	Name string
}

// DefaultConfig returns the spec's defaults: Hybrid, spilling past 50MB.
func DefaultConfig() Config {
	return Config{
		Strategy:            Hybrid,
		SpillThresholdBytes: 50 * 1024 * 1024,
		EstimatedItemSize:   256,
		Name:                "accumulator",
	}
}

// Stats reports on a completed accumulation.
type Stats struct {
	ItemCount       int
	EstimatedMemMB  float64
	Strategy        Strategy
	Spilled         bool
}

// Accumulator drains an iterator into a chosen storage strategy and replays
// items in original insertion order.
type Accumulator[T any] struct {
	cfg Config

	memItems []T
	disk     *diskslice.DiskSlice[T]
	count    int
}

// New creates an Accumulator. Disk-backed strategies lazily create their
// temp file on first spill, so New never touches the filesystem.
func New[T any](cfg Config) (*Accumulator[T], error) {
	if cfg.SpillThresholdBytes <= 0 {
		cfg.SpillThresholdBytes = DefaultConfig().SpillThresholdBytes
	}
	if cfg.EstimatedItemSize <= 0 {
		cfg.EstimatedItemSize = DefaultConfig().EstimatedItemSize
	}
	if cfg.Name == "" {
		cfg.Name = DefaultConfig().Name
	}
	return &Accumulator[T]{cfg: cfg}, nil
}

// AccumulateFromIterator drains it to completion into the accumulator.
func (a *Accumulator[T]) AccumulateFromIterator(ctx context.Context, it iterator.Iterator[T], chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = 256
	}
	for {
		chunk, err := it.NextChunkWithSize(ctx, chunkSize)
		if err != nil {
			return fmt.Errorf("draining iterator: %w", err)
		}
		for _, item := range chunk.Items {
			if err := a.add(item); err != nil {
				return err
			}
		}
		if chunk.Exhausted {
			return nil
		}
	}
}

// Add appends a single item, used directly by callers that already have
// items in hand rather than an Iterator.
func (a *Accumulator[T]) Add(item T) error {
	return a.add(item)
}

func (a *Accumulator[T]) add(item T) error {
	switch a.cfg.Strategy {
	case InMemory:
		if a.cfg.SoftCapItems > 0 && len(a.memItems) >= a.cfg.SoftCapItems {
			return fmt.Errorf("accumulator %q exceeded soft cap of %d items", a.cfg.Name, a.cfg.SoftCapItems)
		}
		a.memItems = append(a.memItems, item)

	case FileSpill:
		if a.disk == nil {
			ds, err := diskslice.New[T](a.diskOptions())
			if err != nil {
				return fmt.Errorf("creating spill file: %w", err)
			}
			a.disk = ds
		}
		if err := a.disk.Append(item); err != nil {
			return fmt.Errorf("spilling item: %w", err)
		}

	case Hybrid:
		if a.disk != nil {
			if err := a.disk.Append(item); err != nil {
				return fmt.Errorf("spilling item: %w", err)
			}
			break
		}
		a.memItems = append(a.memItems, item)
		if int64(len(a.memItems))*int64(a.cfg.EstimatedItemSize) >= a.cfg.SpillThresholdBytes {
			ds, err := diskslice.New[T](a.diskOptions())
			if err != nil {
				return fmt.Errorf("creating spill file: %w", err)
			}
			if err := ds.AppendSlice(a.memItems); err != nil {
				return fmt.Errorf("spilling tail to disk: %w", err)
			}
			a.disk = ds
			a.memItems = nil
		}

	default:
		return fmt.Errorf("unknown accumulator strategy %d", a.cfg.Strategy)
	}

	a.count++
	return nil
}

func (a *Accumulator[T]) diskOptions() diskslice.Options {
	return diskslice.Options{
		MemoryThreshold:   a.cfg.SpillThresholdBytes,
		TempDir:           a.cfg.TempDir,
		EstimatedItemSize: a.cfg.EstimatedItemSize,
		Name:              a.cfg.Name,
	}
}

// IntoItems returns items in original insertion order and releases any
// backing temp files. The Accumulator must not be reused afterward.
func (a *Accumulator[T]) IntoItems() ([]T, error) {
	if a.disk == nil {
		items := a.memItems
		a.memItems = nil
		return items, nil
	}

	items := make([]T, 0, a.count)
	items = append(items, a.memItems...)

	if err := a.disk.For(func(_ int, item *T) bool {
		items = append(items, *item)
		return true
	}); err != nil {
		return nil, fmt.Errorf("reading spilled items: %w", err)
	}

	if err := a.disk.Close(); err != nil {
		return nil, fmt.Errorf("releasing spill file: %w", err)
	}
	a.disk = nil
	a.memItems = nil

	return items, nil
}

// GetStats reports the accumulator's current state without consuming it.
func (a *Accumulator[T]) GetStats() Stats {
	spilled := a.disk != nil
	memMB := float64(len(a.memItems)*a.cfg.EstimatedItemSize) / (1024 * 1024)
	return Stats{
		ItemCount:      a.count,
		EstimatedMemMB: memMB,
		Strategy:       a.cfg.Strategy,
		Spilled:        spilled,
	}
}

// Close removes any backing temp files without reading them, used when a
// run is cancelled or errors out before IntoItems is called.
func (a *Accumulator[T]) Close() error {
	if a.disk == nil {
		return nil
	}
	err := a.disk.Close()
	a.disk = nil
	return err
}
