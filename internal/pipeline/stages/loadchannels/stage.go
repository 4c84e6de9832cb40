// Package loadchannels implements the channel loading pipeline stage.
package loadchannels

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/streamgrid/playout/internal/iterator"
	"github.com/streamgrid/playout/internal/models"
	"github.com/streamgrid/playout/internal/pipeline/core"
	"github.com/streamgrid/playout/internal/pipeline/shared"
	"github.com/streamgrid/playout/internal/repository"
)

const (
	// StageID is the unique identifier for this stage.
	StageID = "load_channels"
	// StageName is the human-readable name for this stage.
	StageName = "Load Channels"

	// defaultChunkSize is the page size requested from the rolling buffer
	// when the orchestrator has no chunk sizer configured.
	defaultChunkSize = 500
)

// Stage loads channels from all configured stream sources.
type Stage struct {
	shared.BaseStage
	channelRepo repository.ChannelRepository
	logger      *slog.Logger
}

// New creates a new load channels stage.
func New(channelRepo repository.ChannelRepository) *Stage {
	return &Stage{
		BaseStage:   shared.NewBaseStage(StageID, StageName),
		channelRepo: channelRepo,
	}
}

// Capabilities advertises that channel loading streams its input in chunks
// off the rolling buffer rather than requiring every source drained up
// front, and reports its preferred chunk size for the orchestrator's
// chunk-size request step.
func (s *Stage) Capabilities() core.StageCapabilities {
	return core.StageCapabilities{
		SupportsStreaming:  true,
		PreferredChunkSize: defaultChunkSize,
	}
}

// NewConstructor returns a stage constructor for use with the factory.
func NewConstructor() core.StageConstructor {
	return func(deps *core.Dependencies) core.Stage {
		s := New(deps.ChannelRepo)
		if deps.Logger != nil {
			s.logger = deps.Logger.With("stage", StageID)
		}
		return s
	}
}

// Execute loads channels from all sources in the state.
func (s *Stage) Execute(ctx context.Context, state *core.State) (*core.StageResult, error) {
	result := shared.NewResult()

	// T017: Return clear error when no sources configured
	if len(state.Sources) == 0 {
		return result, core.ErrNoSources
	}

	// T027: Log stage start
	s.log(ctx, slog.LevelInfo, "starting channel load",
		slog.Int("source_count", len(state.Sources)))

	channelMap := make(map[string]*models.Channel)
	totalChannels := 0

	var active []*models.StreamSource
	fetchers := make([]iterator.PageFetcher[*models.Channel], 0, len(state.Sources))
	perSourceCount := make(map[string]int)

	for _, source := range state.Sources {
		if !models.BoolVal(source.Enabled) {
			s.log(ctx, slog.LevelDebug, "skipping disabled source",
				slog.String("source_id", source.ID.String()),
				slog.String("source_name", source.Name))
			continue
		}

		src := source
		active = append(active, src)
		fetchers = append(fetchers, func(ctx context.Context, offset, limit int) ([]*models.Channel, error) {
			channels, _, err := s.channelRepo.GetBySourceIDPaginated(ctx, src.ID, offset, limit)
			if err != nil {
				return nil, fmt.Errorf("loading channels from source %s (%s): %w", src.ID, src.Name, err)
			}
			perSourceCount[src.ID.String()] += len(channels)
			return channels, nil
		})
	}

	chunkSize := defaultChunkSize
	if state.ChunkSizer != nil {
		chunkSize = state.ChunkSizer.RequestChunkSize(StageID, chunkSize)
	}

	// [Channel Rolling Buffer over active sources]: interleave reads across
	// every enabled source with a bounded look-ahead instead of draining one
	// source fully before starting the next.
	rb := iterator.NewRollingBuffer(iterator.DefaultRollingBufferConfig(chunkSize), fetchers)
	defer rb.Close()

	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		chunk, err := rb.NextChunkWithSize(ctx, chunkSize)
		if err != nil {
			s.log(ctx, slog.LevelError, "failed to load channels from sources", slog.String("error", err.Error()))
			return result, err
		}
		if chunk.Exhausted {
			break
		}

		for _, ch := range chunk.Items {
			state.Channels = append(state.Channels, ch)
			totalChannels++

			// Build channel map for EPG matching
			if ch.TvgID != "" {
				// Only add if not already present (priority ordering)
				if _, exists := channelMap[ch.TvgID]; !exists {
					channelMap[ch.TvgID] = ch
				}
			}
		}
	}

	for _, source := range active {
		// T028: Log source processing
		s.log(ctx, slog.LevelInfo, "loaded channels from source",
			slog.String("source_id", source.ID.String()),
			slog.String("source_name", source.Name),
			slog.Int("channel_count", perSourceCount[source.ID.String()]))
	}

	state.ChannelMap = channelMap

	result.RecordsProcessed = totalChannels
	result.Message = fmt.Sprintf("Loaded %d channels from %d sources", totalChannels, len(state.Sources))

	// T029: Log stage completion
	s.log(ctx, slog.LevelInfo, "channel load complete",
		slog.Int("total_channels", totalChannels),
		slog.Int("unique_tvg_ids", len(channelMap)))

	// Create artifact for loaded channels
	artifact := core.NewArtifact(core.ArtifactTypeChannels, core.ProcessingStageRaw, StageID).
		WithRecordCount(totalChannels)
	result.Artifacts = append(result.Artifacts, artifact)

	return result, nil
}

// log logs a message if the logger is set.
func (s *Stage) log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	if s.logger != nil {
		s.logger.Log(ctx, level, msg, attrs...)
	}
}

// Ensure Stage implements core.Stage and advertises its capabilities.
var (
	_ core.Stage                = (*Stage)(nil)
	_ core.CapabilityAdvertiser = (*Stage)(nil)
)
