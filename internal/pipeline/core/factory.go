package core

import (
	"log/slog"

	"github.com/streamgrid/playout/internal/chunksize"
	"github.com/streamgrid/playout/internal/memctx"
	"github.com/streamgrid/playout/internal/models"
	"github.com/streamgrid/playout/internal/repository"
	"github.com/streamgrid/playout/internal/storage"
)

// Dependencies bundles all dependencies needed by pipeline stages.
// This reduces parameter count and makes dependency injection cleaner.
type Dependencies struct {
	ChannelRepo         repository.ChannelRepository
	EpgProgramRepo      repository.EpgProgramRepository
	FilterRepo          repository.FilterRepository
	DataMappingRuleRepo repository.DataMappingRuleRepository
	Sandbox             *storage.Sandbox
	Logger              *slog.Logger
	// BaseURL is the base URL for constructing fully qualified URLs (e.g., "http://localhost:8080").
	// Used by the logo caching stage to generate absolute URLs for cached logos.
	BaseURL string
	// MemoryLimitMB configures the per-run memory tracker, if non-zero.
	MemoryLimitMB int64
	// MemoryThresholds overrides the default pressure-band ratios; the zero
	// value uses memctx.DefaultThresholds.
	MemoryThresholds memctx.Thresholds
	// ChunkSize configures the per-run chunk-size manager. Zero uses the
	// package default.
	ChunkSize chunksize.Config
	// Plugins are registered against the orchestrator created by Create,
	// letting a stage's native Execute be overridden. Nil means no stage
	// ever runs through a plugin.
	Plugins *PluginRegistry
}

// StageConstructor is a function that creates a stage given dependencies.
type StageConstructor func(deps *Dependencies) Stage

// Factory creates configured Orchestrator instances with all required stages.
type Factory struct {
	deps              *Dependencies
	stageConstructors []StageConstructor
}

// NewFactory creates a new pipeline Factory.
func NewFactory(deps *Dependencies) *Factory {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Factory{
		deps:              deps,
		stageConstructors: make([]StageConstructor, 0),
	}
}

// RegisterStage adds a stage constructor to the factory.
// Stages are executed in the order they are registered.
func (f *Factory) RegisterStage(constructor StageConstructor) {
	f.stageConstructors = append(f.stageConstructors, constructor)
}

// Create creates a new Orchestrator configured for the given proxy.
// The returned orchestrator includes all registered stages.
func (f *Factory) Create(proxy *models.StreamProxy) (*Orchestrator, error) {
	// Determine output directory from OutputPath or default
	outputDir := proxy.OutputPath
	if outputDir == "" {
		outputDir = "output"
	}

	// Resolve within sandbox
	resolvedOutput, err := f.deps.Sandbox.ResolvePath(outputDir)
	if err != nil {
		return nil, err
	}

	// Build stages from constructors
	stages := make([]Stage, 0, len(f.stageConstructors))
	for _, constructor := range f.stageConstructors {
		stage := constructor(f.deps)
		stages = append(stages, stage)
	}

	orchestrator := NewOrchestrator(proxy, stages, resolvedOutput, f.deps.Logger)

	chunkCfg := f.deps.ChunkSize
	if chunkCfg.DefaultSize <= 0 {
		chunkCfg = chunksize.DefaultConfig()
	}

	thresholds := f.deps.MemoryThresholds
	if thresholds == (memctx.Thresholds{}) {
		thresholds = memctx.DefaultThresholds()
	}

	memCtx := memctx.New(
		memctx.WithLimitMB(f.deps.MemoryLimitMB),
		memctx.WithLogger(f.deps.Logger),
		memctx.WithThresholds(thresholds),
	)
	orchestrator.SetMemoryTracker(memCtx)
	orchestrator.SetChunkSizer(chunksize.New(chunkCfg, memCtx))
	if f.deps.Plugins != nil {
		orchestrator.SetPluginRegistry(f.deps.Plugins)
	}

	return orchestrator, nil
}

// OrchestratorFactory defines the interface for creating orchestrators.
type OrchestratorFactory interface {
	Create(proxy *models.StreamProxy) (*Orchestrator, error)
}

// Ensure Factory implements OrchestratorFactory.
var _ OrchestratorFactory = (*Factory)(nil)
