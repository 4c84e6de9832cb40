// Package memctx tracks process memory usage across a regeneration run and
// derives a discrete pressure level that pipeline stages and the chunk-size
// manager use to pace their work.
package memctx

import (
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Pressure is a discrete memory pressure level.
type Pressure int

const (
	Optimal Pressure = iota
	Moderate
	High
	Critical
	Emergency
)

func (p Pressure) String() string {
	switch p {
	case Optimal:
		return "optimal"
	case Moderate:
		return "moderate"
	case High:
		return "high"
	case Critical:
		return "critical"
	case Emergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// stageRecord tracks one bracketed stage.
type stageRecord struct {
	name      string
	startedAt time.Time
	startRSS  int64
	peakRSS   int64
	endRSS    int64
	duration  time.Duration
	escalated bool
}

// StageReport summarizes one completed stage for Analyze.
type StageReport struct {
	Name       string
	Duration   time.Duration
	DeltaBytes int64
	PeakBytes  int64
	Escalated  bool
}

// Report is the post-run summary produced by Analyze.
type Report struct {
	TotalGrowthBytes  int64
	LargestImpact     string
	Escalations       int
	Stages            []StageReport
	CleanupSuggested  bool
}

// Thresholds are the RSS/limit (or growth/baseline) ratios at which pressure
// crosses into each band. Ratios below Moderate are Optimal; ratios above
// Emergency are Emergency (a ratio equal to Emergency is still Critical).
type Thresholds struct {
	Moderate  float64
	High      float64
	Critical  float64
	Emergency float64
}

// DefaultThresholds returns the operator-tunable defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Moderate: 0.60, High: 0.75, Critical: 0.85, Emergency: 0.95}
}

// Context is the single source of truth for memory state across a run.
type Context struct {
	mu sync.Mutex

	logger     *slog.Logger
	limitMB    int64
	baselineB  int64
	thresholds Thresholds
	proc       *process.Process

	stages  []*stageRecord
	current *stageRecord

	minPressureInStage Pressure
	lastPressure       Pressure
}

// Option configures a Context.
type Option func(*Context)

// WithLimitMB sets the configured memory limit in megabytes. Zero means
// pressure derives from growth ratio against the baseline instead.
func WithLimitMB(limitMB int64) Option {
	return func(c *Context) { c.limitMB = limitMB }
}

// WithLogger attaches a logger for escalation events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Context) { c.logger = logger }
}

// WithThresholds overrides the default pressure-band ratios.
func WithThresholds(t Thresholds) Option {
	return func(c *Context) { c.thresholds = t }
}

// New creates a Context and records the baseline RSS for this process.
func New(opts ...Option) *Context {
	c := &Context{
		logger:     slog.Default(),
		thresholds: DefaultThresholds(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		c.proc = proc
	}
	c.baselineB = c.sampleRSS()
	return c
}

// sampleRSS reads current RSS via gopsutil, falling back to Go runtime
// memstats (HeapAlloc) if the process sampler errors, so pressure is never
// reported as unknown absent a genuine unrecoverable error.
func (c *Context) sampleRSS() int64 {
	if c.proc != nil {
		if info, err := c.proc.MemoryInfo(); err == nil && info != nil {
			return int64(info.RSS)
		}
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return int64(stats.HeapAlloc)
}

// StartStage brackets the beginning of a named pipeline stage.
func (c *Context) StartStage(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rss := c.sampleRSS()
	rec := &stageRecord{
		name:      name,
		startedAt: time.Now(),
		startRSS:  rss,
		peakRSS:   rss,
	}
	c.current = rec
	c.minPressureInStage = c.pressureForBytes(rss)
	c.lastPressure = c.minPressureInStage
}

// Observe takes an ad-hoc sample, updating the current stage's peak.
func (c *Context) Observe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observeLocked()
}

func (c *Context) observeLocked() {
	rss := c.sampleRSS()
	if c.current != nil && rss > c.current.peakRSS {
		c.current.peakRSS = rss
	}

	p := c.pressureForBytes(rss)
	// Pressure is monotonic-within-stage: never reported below the minimum
	// observed during the stage.
	if p < c.minPressureInStage {
		p = c.minPressureInStage
	} else {
		c.minPressureInStage = p
	}

	if p == Emergency && c.lastPressure != Emergency {
		c.logger.Warn("memory pressure escalated to emergency",
			slog.String("stage", c.stageName()),
			slog.Int64("rss_bytes", rss))
		if c.current != nil {
			c.current.escalated = true
		}
	}
	c.lastPressure = p
}

func (c *Context) stageName() string {
	if c.current == nil {
		return ""
	}
	return c.current.name
}

// CompleteStage closes out the current stage, recording its duration and
// delta RSS.
func (c *Context) CompleteStage(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.name != name {
		return
	}

	c.observeLocked()
	c.current.endRSS = c.sampleRSS()
	c.current.duration = time.Since(c.current.startedAt)
	c.stages = append(c.stages, c.current)
	c.current = nil
}

// ShouldCleanup reports whether pressure is high enough to warrant an
// out-of-band cleanup pass (pressure >= High, or the configured limit has
// been exceeded).
func (c *Context) ShouldCleanup() bool {
	return c.CurrentPressure() >= High
}

// CurrentPressure returns the current memory pressure level.
func (c *Context) CurrentPressure() Pressure {
	c.mu.Lock()
	defer c.mu.Unlock()

	rss := c.sampleRSS()
	p := c.pressureForBytes(rss)
	if p < c.minPressureInStage {
		p = c.minPressureInStage
	}
	return p
}

// pressureForBytes maps an RSS sample to a discrete pressure level using the
// configured limit, or growth against the baseline when no limit is set.
func (c *Context) pressureForBytes(rss int64) Pressure {
	if c.limitMB > 0 {
		limitB := c.limitMB * 1024 * 1024
		if limitB <= 0 {
			return Emergency
		}
		ratio := float64(rss) / float64(limitB)
		return c.pressureForRatio(ratio)
	}

	if c.baselineB <= 0 {
		return Emergency
	}
	growth := float64(rss) / float64(c.baselineB)
	// Growth ratio of 1.0 (no growth) maps to Optimal; treat growth beyond
	// 4x baseline as saturating the same bands used for the limit case.
	return c.pressureForRatio(growth / 4.0)
}

func (c *Context) pressureForRatio(ratio float64) Pressure {
	t := c.thresholds
	switch {
	case ratio < t.Moderate:
		return Optimal
	case ratio < t.High:
		return Moderate
	case ratio < t.Critical:
		return High
	case ratio <= t.Emergency:
		return Critical
	default:
		return Emergency
	}
}

// Analyze produces a post-run report summarizing growth, the largest-impact
// stage, pressure escalations, and whether cleanup is suggested.
func (c *Context) Analyze() *Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := &Report{}
	var largest *stageRecord
	finalRSS := c.baselineB

	for _, s := range c.stages {
		delta := s.peakRSS - s.startRSS
		report.Stages = append(report.Stages, StageReport{
			Name:       s.name,
			Duration:   s.duration,
			DeltaBytes: delta,
			PeakBytes:  s.peakRSS,
			Escalated:  s.escalated,
		})
		if s.escalated {
			report.Escalations++
		}
		if largest == nil || delta > (largest.peakRSS-largest.startRSS) {
			largest = s
		}
		if s.endRSS > finalRSS {
			finalRSS = s.endRSS
		}
	}

	if largest != nil {
		report.LargestImpact = largest.name
	}
	report.TotalGrowthBytes = finalRSS - c.baselineB
	report.CleanupSuggested = c.lastPressure >= High

	sort.SliceStable(report.Stages, func(i, j int) bool {
		return report.Stages[i].DeltaBytes > report.Stages[j].DeltaBytes
	})

	return report
}
