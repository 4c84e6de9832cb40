package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/streamgrid/playout/internal/memctx"
)

// defaultMaxConsecutiveFailures is how many times in a row a plugin may
// fail before it is skipped in favor of the stage's native implementation.
// It stays skipped until Reload clears it.
const defaultMaxConsecutiveFailures = 3

// StageEnvelope is the serialized request handed to a plugin in place of a
// stage's native Execute call: the identifying metadata a plugin needs plus
// an opaque chunk of the stage's input. The chunk format is a contract
// between a given stage and the plugins registered against it; the
// orchestrator treats it as opaque bytes.
type StageEnvelope struct {
	StageID    string          `json:"stage_id"`
	ProxyID    string          `json:"proxy_id"`
	ChunkIndex int             `json:"chunk_index"`
	Chunk      json.RawMessage `json:"chunk,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

// PluginResult is the serialized response from a plugin, shaped to map
// directly onto StageResult so the orchestrator never needs to know a
// plugin's internal types.
type PluginResult struct {
	RecordsProcessed int             `json:"records_processed"`
	RecordsModified  int             `json:"records_modified"`
	Message          string          `json:"message,omitempty"`
	Artifacts        json.RawMessage `json:"artifacts,omitempty"`
}

// Plugin is an alternate implementation of one or more stages. A plugin
// advertises the stage names it can run, its memory footprint, and whether
// it can tolerate a given memory pressure level; the orchestrator prefers a
// registered, healthy plugin over a stage's native Execute and falls back
// to native whenever the plugin declines the call or errors.
type Plugin interface {
	// Name identifies the plugin, e.g. for logging and failure tracking.
	Name() string

	// Version is the plugin's own version string.
	Version() string

	// SupportedStages lists the stage IDs this plugin can run in place of.
	SupportedStages() []string

	// MemoryRequirementBytes is the plugin's expected peak memory use.
	MemoryRequirementBytes() int64

	// CanHandleMemoryPressure reports whether the plugin should be tried
	// at all at the given pressure level; plugins that need the whole
	// input in memory typically decline once pressure reaches Critical.
	CanHandleMemoryPressure(level memctx.Pressure) bool

	// Run executes the stage for the given envelope and returns a result.
	Run(ctx context.Context, envelope StageEnvelope) (*PluginResult, error)
}

// pluginEntry tracks one registered plugin's consecutive-failure state.
type pluginEntry struct {
	plugin Plugin

	mu                  sync.Mutex
	consecutiveFailures int
	skipped             bool
}

func (e *pluginEntry) recordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFailures = 0
	e.skipped = false
}

// recordFailure increments the failure count and returns true if this
// failure just caused the plugin to become skipped.
func (e *pluginEntry) recordFailure(maxFailures int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFailures++
	if e.consecutiveFailures >= maxFailures && !e.skipped {
		e.skipped = true
		return true
	}
	return false
}

func (e *pluginEntry) isSkipped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.skipped
}

func (e *pluginEntry) reload() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.skipped = false
	e.consecutiveFailures = 0
}

// PluginRegistry maps stage IDs to the plugins registered to handle them,
// tracking per-plugin consecutive-failure state so a persistently broken
// plugin stops being offered a chance to run until explicitly reloaded.
type PluginRegistry struct {
	mu                     sync.RWMutex
	byStage                map[string][]*pluginEntry
	maxConsecutiveFailures int
	logger                 *slog.Logger
}

// NewPluginRegistry creates an empty registry. logger may be nil.
func NewPluginRegistry(logger *slog.Logger) *PluginRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &PluginRegistry{
		byStage:                make(map[string][]*pluginEntry),
		maxConsecutiveFailures: defaultMaxConsecutiveFailures,
		logger:                 logger,
	}
}

// Register adds a plugin for every stage it declares support for.
func (r *PluginRegistry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := &pluginEntry{plugin: p}
	for _, stageID := range p.SupportedStages() {
		r.byStage[stageID] = append(r.byStage[stageID], entry)
	}
}

// selected pairs a plugin with the registry/entry bookkeeping needed to
// record the outcome of running it.
type selectedPlugin struct {
	plugin Plugin
	entry  *pluginEntry
}

// Select returns the first non-skipped, pressure-tolerant plugin registered
// for stageID, or nil if none qualifies and the caller should fall back to
// the stage's native Execute.
func (r *PluginRegistry) Select(stageID string, level memctx.Pressure) *selectedPlugin {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entry := range r.byStage[stageID] {
		if entry.isSkipped() {
			continue
		}
		if !entry.plugin.CanHandleMemoryPressure(level) {
			continue
		}
		return &selectedPlugin{plugin: entry.plugin, entry: entry}
	}
	return nil
}

// RecordSuccess clears a plugin's consecutive-failure count.
func (r *PluginRegistry) RecordSuccess(sel *selectedPlugin) {
	if r == nil || sel == nil {
		return
	}
	sel.entry.recordSuccess()
}

// RecordFailure increments a plugin's consecutive-failure count, skipping it
// once the threshold is crossed.
func (r *PluginRegistry) RecordFailure(sel *selectedPlugin) {
	if r == nil || sel == nil {
		return
	}
	if sel.entry.recordFailure(r.maxConsecutiveFailures) {
		r.logger.Warn("plugin skipped after consecutive failures",
			slog.String("plugin", sel.plugin.Name()),
			slog.String("version", sel.plugin.Version()),
			slog.Int("max_consecutive_failures", r.maxConsecutiveFailures),
		)
	}
}

// Reload clears the skip state for every plugin registered against stageID,
// making them eligible to run again. Passing "" reloads every plugin.
func (r *PluginRegistry) Reload(stageID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if stageID == "" {
		seen := make(map[*pluginEntry]bool)
		for _, entries := range r.byStage {
			for _, e := range entries {
				if !seen[e] {
					e.reload()
					seen[e] = true
				}
			}
		}
		return
	}
	for _, e := range r.byStage[stageID] {
		e.reload()
	}
}
