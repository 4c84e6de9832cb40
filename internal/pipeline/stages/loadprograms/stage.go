// Package loadprograms implements the EPG program loading pipeline stage.
package loadprograms

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/streamgrid/playout/internal/iterator"
	"github.com/streamgrid/playout/internal/models"
	"github.com/streamgrid/playout/internal/pipeline/core"
	"github.com/streamgrid/playout/internal/pipeline/shared"
	"github.com/streamgrid/playout/internal/repository"
)

const (
	// StageID is the unique identifier for this stage.
	StageID = "load_programs"
	// StageName is the human-readable name for this stage.
	StageName = "Load Programs"
	// DefaultDaysAhead is the default number of days forward to load EPG data for.
	DefaultDaysAhead = 7
	// DefaultDaysBehind is the default number of days in the past to retain,
	// so a proxy regenerated mid-program still shows what's currently airing.
	DefaultDaysBehind = 1

	// defaultChunkSize is the page size requested from the multi-source
	// iterator when the orchestrator has no chunk sizer configured.
	defaultChunkSize = 500
)

// Stage loads EPG programs for the channels in the pipeline.
type Stage struct {
	shared.BaseStage
	programRepo repository.EpgProgramRepository
	daysAhead   int
	daysBehind  int
	logger      *slog.Logger
}

// New creates a new load programs stage.
func New(programRepo repository.EpgProgramRepository) *Stage {
	return &Stage{
		BaseStage:   shared.NewBaseStage(StageID, StageName),
		programRepo: programRepo,
		daysAhead:   DefaultDaysAhead,
		daysBehind:  DefaultDaysBehind,
	}
}

// NewConstructor returns a stage constructor for use with the factory.
func NewConstructor() core.StageConstructor {
	return func(deps *core.Dependencies) core.Stage {
		s := New(deps.EpgProgramRepo)
		if deps.Logger != nil {
			s.logger = deps.Logger.With("stage", StageID)
		}
		return s
	}
}

// WithDaysAhead sets how many days forward of EPG data to load.
func (s *Stage) WithDaysAhead(days int) *Stage {
	s.daysAhead = days
	return s
}

// WithDaysBehind sets how many days of already-started programs to retain.
func (s *Stage) WithDaysBehind(days int) *Stage {
	s.daysBehind = days
	return s
}

// Capabilities advertises that program loading streams its input a chunk
// at a time off the multi-source iterator.
func (s *Stage) Capabilities() core.StageCapabilities {
	return core.StageCapabilities{
		SupportsStreaming:  true,
		PreferredChunkSize: defaultChunkSize,
	}
}

// Execute loads EPG programs for all channels with matching TvgIDs, using a
// multi-source iterator over the proxy's active EPG sources ordered by
// priority so lower-priority sources never shadow rows from a higher one
// while both are still being drained.
func (s *Stage) Execute(ctx context.Context, state *core.State) (*core.StageResult, error) {
	result := shared.NewResult()

	if len(state.EpgSources) == 0 || len(state.ChannelMap) == 0 {
		s.log(ctx, slog.LevelInfo, "skipping program load - no EPG sources or channels",
			slog.Int("epg_source_count", len(state.EpgSources)),
			slog.Int("channel_map_size", len(state.ChannelMap)))
		result.Message = "No EPG sources or no channels with TvgIDs"
		return result, nil
	}

	daysAhead := s.daysAhead
	if daysAhead <= 0 {
		daysAhead = DefaultDaysAhead
	}
	daysBehind := s.daysBehind
	if daysBehind < 0 {
		daysBehind = DefaultDaysBehind
	}

	s.log(ctx, slog.LevelInfo, "starting program load",
		slog.Int("epg_source_count", len(state.EpgSources)),
		slog.Int("channel_count", len(state.ChannelMap)),
		slog.Int("days_ahead", daysAhead),
		slog.Int("days_behind", daysBehind))

	tvgIDs := make(map[string]bool, len(state.ChannelMap))
	for tvgID := range state.ChannelMap {
		tvgIDs[tvgID] = true
	}

	now := time.Now()
	windowStart := now.Add(-time.Duration(daysBehind) * 24 * time.Hour)
	windowEnd := now.Add(time.Duration(daysAhead) * 24 * time.Hour)

	var active []*models.EpgSource
	sourceCounts := make(map[string]int)
	sources := make([]iterator.PrioritizedSource[*models.EpgProgram], 0, len(state.EpgSources))

	for _, source := range state.EpgSources {
		if !source.Enabled {
			s.log(ctx, slog.LevelDebug, "skipping disabled EPG source",
				slog.String("source_id", source.ID.String()),
				slog.String("source_name", source.Name))
			continue
		}

		src := source
		active = append(active, src)
		sources = append(sources, iterator.PrioritizedSource[*models.EpgProgram]{
			Priority: src.Priority,
			Fetch: func(ctx context.Context, offset, limit int) ([]*models.EpgProgram, error) {
				progs, err := s.programRepo.GetBySourceIDWindowPaginated(ctx, src.ID, windowStart, windowEnd, offset, limit)
				if err != nil {
					return nil, fmt.Errorf("loading programs from source %s (%s): %w", src.ID, src.Name, err)
				}
				return progs, nil
			},
		})
	}

	chunkSize := defaultChunkSize
	if state.ChunkSizer != nil {
		chunkSize = state.ChunkSizer.RequestChunkSize(StageID, chunkSize)
	}

	multi := iterator.NewMultiSource(sources)
	defer multi.Close()

	programs := make([]*models.EpgProgram, 0)

	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		chunk, err := multi.NextChunkWithSize(ctx, chunkSize)
		if err != nil {
			s.log(ctx, slog.LevelError, "failed to load programs from sources", slog.String("error", err.Error()))
			state.AddError(fmt.Errorf("loading EPG programs: %w", err))
			break
		}
		if chunk.Exhausted {
			break
		}

		for _, prog := range chunk.Items {
			if !tvgIDs[prog.ChannelID] {
				continue
			}
			programs = append(programs, prog)
			sourceCounts[prog.SourceID.String()]++
		}
	}

	for _, source := range active {
		s.log(ctx, slog.LevelInfo, "loaded programs from EPG source",
			slog.String("source_id", source.ID.String()),
			slog.String("source_name", source.Name),
			slog.Int("priority", source.Priority),
			slog.Int("program_count", sourceCounts[source.ID.String()]))
	}

	state.Programs = programs

	result.RecordsProcessed = len(programs)
	result.Message = fmt.Sprintf("Loaded %d programs from %d EPG sources", len(programs), len(state.EpgSources))

	s.log(ctx, slog.LevelInfo, "program load complete",
		slog.Int("total_programs", len(programs)))

	artifact := core.NewArtifact(core.ArtifactTypePrograms, core.ProcessingStageRaw, StageID).
		WithRecordCount(len(programs))
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
