// Package pipeline provides a composable pipeline architecture for proxy generation.
// Each stage implements the Stage interface and operates on shared State.
//
// The pipeline is organized into several sub-packages:
//   - core: Orchestrator, interfaces, and base types
//   - shared: Utilities shared between stages
//   - stages/*: Individual stage implementations
package pipeline

import (
	"log/slog"

	"github.com/streamgrid/playout/internal/chunksize"
	"github.com/streamgrid/playout/internal/config"
	"github.com/streamgrid/playout/internal/ingestor"
	"github.com/streamgrid/playout/internal/memctx"
	"github.com/streamgrid/playout/internal/pipeline/core"
	"github.com/streamgrid/playout/internal/pipeline/stages/datamapping"
	"github.com/streamgrid/playout/internal/pipeline/stages/filtering"
	"github.com/streamgrid/playout/internal/pipeline/stages/generatem3u"
	"github.com/streamgrid/playout/internal/pipeline/stages/generatexmltv"
	"github.com/streamgrid/playout/internal/pipeline/stages/ingestionguard"
	"github.com/streamgrid/playout/internal/pipeline/stages/loadchannels"
	"github.com/streamgrid/playout/internal/pipeline/stages/loadprograms"
	"github.com/streamgrid/playout/internal/pipeline/stages/logocaching"
	"github.com/streamgrid/playout/internal/pipeline/stages/numbering"
	"github.com/streamgrid/playout/internal/pipeline/stages/publish"
	"github.com/streamgrid/playout/internal/repository"
	"github.com/streamgrid/playout/internal/storage"
)

// Re-export core types for convenience.
type (
	// Stage is a single step in the pipeline.
	Stage = core.Stage

	// State holds shared data between stages.
	State = core.State

	// Result is the outcome of pipeline execution.
	Result = core.Result

	// StageResult is the outcome of a single stage.
	StageResult = core.StageResult

	// Orchestrator executes stages in sequence.
	Orchestrator = core.Orchestrator

	// OrchestratorFactory creates orchestrators.
	OrchestratorFactory = core.OrchestratorFactory

	// Factory creates orchestrators.
	Factory = core.Factory

	// Dependencies bundles stage dependencies.
	Dependencies = core.Dependencies

	// Config holds pipeline configuration.
	Config = core.Config

	// Builder provides fluent factory construction.
	Builder = core.Builder

	// Artifact represents stage output.
	Artifact = core.Artifact

	// ArtifactType identifies artifact content.
	ArtifactType = core.ArtifactType

	// ProcessingStage indicates processing state.
	ProcessingStage = core.ProcessingStage

	// ProgressReporter allows progress tracking.
	ProgressReporter = core.ProgressReporter

	// StageConstructor creates stages from dependencies.
	StageConstructor = core.StageConstructor
)

// Re-export artifact types.
const (
	ArtifactTypeChannels = core.ArtifactTypeChannels
	ArtifactTypePrograms = core.ArtifactTypePrograms
	ArtifactTypeM3U      = core.ArtifactTypeM3U
	ArtifactTypeXMLTV    = core.ArtifactTypeXMLTV
)

// Re-export processing stages.
const (
	ProcessingStageRaw       = core.ProcessingStageRaw
	ProcessingStageFiltered  = core.ProcessingStageFiltered
	ProcessingStageNumbered  = core.ProcessingStageNumbered
	ProcessingStageGenerated = core.ProcessingStageGenerated
	ProcessingStagePublished = core.ProcessingStagePublished
)

// Re-export errors.
var (
	ErrNoSources              = core.ErrNoSources
	ErrNoChannels             = core.ErrNoChannels
	ErrPipelineAlreadyRunning = core.ErrPipelineAlreadyRunning
	ErrStageNotFound          = core.ErrStageNotFound
	ErrInvalidConfiguration   = core.ErrInvalidConfiguration
)

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return core.NewBuilder()
}

// NewState creates a new pipeline state.
var NewState = core.NewState

// NewFactory creates a new pipeline factory with the given dependencies.
func NewFactory(deps *Dependencies) *Factory {
	return core.NewFactory(deps)
}

// NewDefaultFactory creates a factory with the standard stage configuration.
// If stateManager is nil, ingestion guard stage is skipped.
// If logoCacher is nil, logo caching stage is skipped.
// baseURL is used to construct fully qualified URLs for cached logos (e.g., "http://localhost:8080").
// pipelineCfg tunes memory pressure tracking, chunk sizing, and the
// ingestion guard's poll cadence; its zero value falls back to the package
// defaults for each.
func NewDefaultFactory(
	channelRepo repository.ChannelRepository,
	epgProgramRepo repository.EpgProgramRepository,
	filterRepo repository.FilterRepository,
	dataMappingRuleRepo repository.DataMappingRuleRepository,
	sandbox *storage.Sandbox,
	logger *slog.Logger,
	logoCacher logocaching.LogoCacher,
	stateManager *ingestor.StateManager,
	baseURL string,
	pipelineCfg config.PipelineConfig,
) *Factory {
	deps := &Dependencies{
		ChannelRepo:         channelRepo,
		EpgProgramRepo:      epgProgramRepo,
		FilterRepo:          filterRepo,
		DataMappingRuleRepo: dataMappingRuleRepo,
		Sandbox:             sandbox,
		Logger:              logger,
		BaseURL:             baseURL,
		MemoryLimitMB:       int64(pipelineCfg.MemoryLimitMB),
		MemoryThresholds: memctx.Thresholds{
			Moderate:  pipelineCfg.PressureModerate,
			High:      pipelineCfg.PressureHigh,
			Critical:  pipelineCfg.PressureCritical,
			Emergency: pipelineCfg.PressureEmergency,
		},
		ChunkSize: chunksize.Config{
			DefaultSize: pipelineCfg.ChunkSize,
			Floor:       pipelineCfg.ChunkSizeFloor,
			MaxFactor:   pipelineCfg.ChunkSizeMaxFactor,
		},
	}

	factory := NewFactory(deps)

	// Register default stages in execution order
	// Ingestion guard is FIRST to ensure data consistency
	if stateManager != nil {
		factory.RegisterStage(func(deps *core.Dependencies) core.Stage {
			guard := ingestionguard.New(stateManager)
			if pipelineCfg.GuardPollInterval > 0 {
				guard.WithPollInterval(pipelineCfg.GuardPollInterval)
			}
			if pipelineCfg.GuardMaxAttempts > 0 {
				guard.WithMaxAttempts(pipelineCfg.GuardMaxAttempts)
			}
			if deps.Logger != nil {
				guard.WithLogger(deps.Logger)
			}
			return guard
		})
	}

	factory.RegisterStage(loadchannels.NewConstructor())
	factory.RegisterStage(loadprograms.NewConstructor())
	factory.RegisterStage(datamapping.NewConstructor())
	factory.RegisterStage(filtering.NewConstructor())
	factory.RegisterStage(numbering.NewConstructor())

	// Logo caching (optional - only if cacher provided)
	if logoCacher != nil {
		factory.RegisterStage(logocaching.NewConstructor(logoCacher))
	}

	factory.RegisterStage(generatem3u.NewConstructor())
	factory.RegisterStage(generatexmltv.NewConstructor())
	factory.RegisterStage(publish.NewConstructor())

	return factory
}

// Stage IDs for reference.
const (
	StageIDIngestionGuard = ingestionguard.StageID
	StageIDLoadChannels   = loadchannels.StageID
	StageIDLoadPrograms   = loadprograms.StageID
	StageIDFiltering      = filtering.StageID
	StageIDDataMapping    = datamapping.StageID
	StageIDNumbering      = numbering.StageID
	StageIDLogoCaching    = logocaching.StageID
	StageIDGenerateM3U    = generatem3u.StageID
	StageIDGenerateXMLTV  = generatexmltv.StageID
	StageIDPublish        = publish.StageID
)
