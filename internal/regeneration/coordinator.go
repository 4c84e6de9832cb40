// Package regeneration coordinates automatic and manual proxy regeneration
// requests, debouncing bursts of upstream ingestion events into a single
// scheduled run per proxy and bounding how many regenerations execute
// concurrently.
package regeneration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streamgrid/playout/internal/models"
)

// ErrAlreadyActive is returned when a manual regeneration is requested for a
// proxy that already has one running.
var ErrAlreadyActive = errors.New("regeneration already active for this proxy")

// SourceType distinguishes stream from EPG source completion events.
type SourceType string

const (
	SourceStream SourceType = "stream"
	SourceEPG    SourceType = "epg"
)

// Event signals completion of an upstream ingestion.
type Event struct {
	SourceID   models.ULID
	SourceType SourceType
}

// IngestionStateManager reports whether any of a proxy's upstream sources
// are currently ingesting. The coordinator treats "ingesting right now" as
// the retry-worthy condition; it does not itself schedule future retries.
type IngestionStateManager interface {
	IsAnyIngesting() bool
}

// ProxyLookup resolves which active, auto-regenerating proxies are linked
// to a given upstream source, and a proxy's full set of upstream source ids.
type ProxyLookup interface {
	ProxiesForSource(ctx context.Context, sourceID models.ULID, sourceType SourceType) ([]*models.StreamProxy, error)
	UpstreamSourceIDs(ctx context.Context, proxyID models.ULID) ([]models.ULID, error)
}

// Runner executes a regeneration for a single proxy. Implementations wrap
// the pipeline orchestrator (see internal/pipeline).
type Runner interface {
	Regenerate(ctx context.Context, proxyID models.ULID) error
}

// Config tunes coordinator timing and concurrency.
type Config struct {
	// DelaySeconds is how long a scheduled automatic run waits before
	// executing, absorbing further debounced events.
	DelaySeconds int
	// RetryDelaySeconds is used when upstream sources are still ingesting
	// at schedule time.
	RetryDelaySeconds int
	// MaxConcurrent bounds the number of regenerations executing at once.
	MaxConcurrent int
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		DelaySeconds:      15,
		RetryDelaySeconds: 30,
		MaxConcurrent:     2,
	}
}

type scheduledTask struct {
	timer  *time.Timer
	cancel context.CancelFunc
}

type runningTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator tracks pending and active regenerations per proxy.
type Coordinator struct {
	cfg Config

	states   IngestionStateManager
	proxies  ProxyLookup
	runner   Runner
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[models.ULID]*scheduledTask
	active  map[models.ULID]*runningTask

	sem chan struct{}

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a Coordinator. The returned Coordinator owns background
// goroutines until Shutdown is called.
func New(cfg Config, states IngestionStateManager, proxies ProxyLookup, runner Runner, logger *slog.Logger) *Coordinator {
	if cfg.DelaySeconds <= 0 {
		cfg.DelaySeconds = DefaultConfig().DelaySeconds
	}
	if cfg.RetryDelaySeconds <= 0 {
		cfg.RetryDelaySeconds = DefaultConfig().RetryDelaySeconds
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		states:     states,
		proxies:    proxies,
		runner:     runner,
		logger:     logger.With("component", "regeneration_coordinator"),
		pending:    make(map[models.ULID]*scheduledTask),
		active:     make(map[models.ULID]*runningTask),
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// HandleEvent processes an upstream ingestion-completion event, scheduling
// regeneration for every linked, active, auto-regenerating proxy.
func (c *Coordinator) HandleEvent(ctx context.Context, event Event) {
	proxies, err := c.proxies.ProxiesForSource(ctx, event.SourceID, event.SourceType)
	if err != nil {
		c.logger.Error("looking up proxies for source", slog.String("error", err.Error()))
		return
	}

	for _, p := range proxies {
		if !p.IsActive || !p.AutoRegenerate {
			continue
		}
		c.scheduleAutomatic(ctx, p.ID)
	}
}

func (c *Coordinator) scheduleAutomatic(ctx context.Context, proxyID models.ULID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, active := c.active[proxyID]; active {
		c.logger.Debug("dropping event, regeneration already active", slog.String("proxy_id", proxyID.String()))
		return
	}

	// Debouncing: a new event for a proxy already pending coalesces with
	// the outstanding schedule by cancelling and replacing the timer.
	if existing, ok := c.pending[proxyID]; ok {
		existing.timer.Stop()
		existing.cancel()
		delete(c.pending, proxyID)
	}

	delay := time.Duration(c.cfg.DelaySeconds) * time.Second
	if c.sourcesNeedRetry(ctx, proxyID) {
		delay = time.Duration(c.cfg.RetryDelaySeconds) * time.Second
	}

	c.scheduleLocked(proxyID, delay)
}

// sourcesNeedRetry reports whether any of the proxy's upstream sources are
// currently ingesting.
func (c *Coordinator) sourcesNeedRetry(ctx context.Context, proxyID models.ULID) bool {
	if c.states == nil {
		return false
	}
	if _, err := c.proxies.UpstreamSourceIDs(ctx, proxyID); err != nil {
		c.logger.Warn("listing upstream sources", slog.String("error", err.Error()))
		return false
	}
	return c.states.IsAnyIngesting()
}

func (c *Coordinator) scheduleLocked(proxyID models.ULID, delay time.Duration) {
	taskCtx, cancel := context.WithCancel(c.rootCtx)
	timer := time.AfterFunc(delay, func() {
		c.runScheduled(taskCtx, proxyID)
	})
	c.pending[proxyID] = &scheduledTask{timer: timer, cancel: cancel}
}

// RequestManual triggers an immediate regeneration, skipping the debounce
// delay but not the active-ingestion check.
func (c *Coordinator) RequestManual(ctx context.Context, proxyID models.ULID) error {
	c.mu.Lock()
	if _, active := c.active[proxyID]; active {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	if existing, ok := c.pending[proxyID]; ok {
		existing.timer.Stop()
		existing.cancel()
		delete(c.pending, proxyID)
	}

	taskCtx, cancel := context.WithCancel(c.rootCtx)
	c.pending[proxyID] = &scheduledTask{timer: time.NewTimer(0), cancel: cancel}
	c.mu.Unlock()

	c.runScheduled(taskCtx, proxyID)
	return nil
}

// runScheduled moves a proxy from pending to active and, once a concurrency
// slot is free, executes the regeneration.
func (c *Coordinator) runScheduled(ctx context.Context, proxyID models.ULID) {
	c.mu.Lock()
	if _, stillPending := c.pending[proxyID]; !stillPending {
		c.mu.Unlock()
		return // cancelled by a debounce or shutdown
	}
	delete(c.pending, proxyID)

	if c.states != nil && c.states.IsAnyIngesting() {
		c.mu.Unlock()
		c.logger.Info("aborting scheduled regeneration, ingestion active", slog.String("proxy_id", proxyID.String()))
		return
	}

	select {
	case c.sem <- struct{}{}:
	default:
		c.mu.Unlock()
		c.logger.Warn("dropping regeneration, concurrency cap reached", slog.String("proxy_id", proxyID.String()))
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.active[proxyID] = &runningTask{cancel: cancel, done: done}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(done)
		defer func() { <-c.sem }()
		defer cancel()

		if err := c.runner.Regenerate(runCtx, proxyID); err != nil {
			c.logger.Error("regeneration failed",
				slog.String("proxy_id", proxyID.String()),
				slog.String("error", err.Error()))
		}

		c.mu.Lock()
		delete(c.active, proxyID)
		c.mu.Unlock()
	}()
}

// Shutdown cancels all pending timers and cooperatively cancels active
// regenerations, waiting up to timeout for them to finish.
func (c *Coordinator) Shutdown(timeout time.Duration) error {
	c.mu.Lock()
	for proxyID, task := range c.pending {
		task.timer.Stop()
		task.cancel()
		delete(c.pending, proxyID)
	}
	for _, task := range c.active {
		task.cancel()
	}
	c.mu.Unlock()

	c.rootCancel()

	waitDone := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("regeneration coordinator shutdown timed out after %v", timeout)
	}
}

// ActiveCount returns the number of regenerations currently executing.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// PendingCount returns the number of regenerations scheduled but not yet
// executing.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
