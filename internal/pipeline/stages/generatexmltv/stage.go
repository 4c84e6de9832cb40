// Package generatexmltv implements the XMLTV generation pipeline stage.
package generatexmltv

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/streamgrid/playout/internal/models"
	"github.com/streamgrid/playout/internal/pipeline/core"
	"github.com/streamgrid/playout/internal/pipeline/shared"
	"github.com/streamgrid/playout/pkg/xmltv"
)

const (
	// StageID is the unique identifier for this stage.
	StageID = "generate_xmltv"
	// StageName is the human-readable name for this stage.
	StageName = "Generate XMLTV"
	// MetadataKeyTempPath is the metadata key for the temp file path.
	MetadataKeyTempPath = "xmltv_temp_path"

	// DefaultMaxProgramsPerChannel caps how many programmes a single
	// channel contributes to the output, applied after sorting by start
	// time so the earliest-airing programmes are always kept.
	DefaultMaxProgramsPerChannel = 1000
)

// dedupeKey identifies a programme for deduplicate_programs purposes.
type dedupeKey struct {
	channelID string
	start     int64
	stop      int64
	title     string
}

// Stage generates an XMLTV file from the pipeline programs.
type Stage struct {
	shared.BaseStage
	logger                *slog.Logger
	deduplicatePrograms   bool
	maxProgramsPerChannel int
}

// New creates a new XMLTV generation stage with deduplication enabled and
// the default per-channel programme cap.
func New() *Stage {
	return &Stage{
		BaseStage:             shared.NewBaseStage(StageID, StageName),
		deduplicatePrograms:   true,
		maxProgramsPerChannel: DefaultMaxProgramsPerChannel,
	}
}

// NewConstructor returns a stage constructor for use with the factory.
func NewConstructor() core.StageConstructor {
	return func(deps *core.Dependencies) core.Stage {
		s := New()
		if deps != nil && deps.Logger != nil {
			s.logger = deps.Logger.With("stage", StageID)
		}
		return s
	}
}

// WithDeduplicatePrograms toggles deduplicate_programs.
func (s *Stage) WithDeduplicatePrograms(enabled bool) *Stage {
	s.deduplicatePrograms = enabled
	return s
}

// WithMaxProgramsPerChannel sets max_programs_per_channel. Zero or negative
// disables the cap.
func (s *Stage) WithMaxProgramsPerChannel(max int) *Stage {
	s.maxProgramsPerChannel = max
	return s
}

// Execute generates the XMLTV file. EPG Generation never fails the
// pipeline: if the real writer can't produce output (file creation,
// header, or footer errors), a minimal valid XMLTV document is emitted in
// its place and the failure is recorded as a non-fatal state error instead
// of being returned.
func (s *Stage) Execute(ctx context.Context, state *core.State) (*core.StageResult, error) {
	result := shared.NewResult()

	s.log(ctx, slog.LevelInfo, "starting XMLTV generation",
		slog.Int("input_channels", len(state.Channels)),
		slog.Int("input_programs", len(state.Programs)))

	outputPath := filepath.Join(state.TempDir, fmt.Sprintf("%s.xml", state.ProxyID))

	channelsWritten, programCount, err := s.writeXMLTV(ctx, state, outputPath)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		state.AddError(fmt.Errorf("xmltv generation degraded to minimal output: %w", err))
		s.log(ctx, slog.LevelError, "xmltv generation failed, falling back to minimal document",
			slog.String("output_path", outputPath),
			slog.String("error", err.Error()))

		if ferr := writeMinimalXMLTV(outputPath, err); ferr != nil {
			s.log(ctx, slog.LevelError, "failed to write minimal XMLTV fallback",
				slog.String("error", ferr.Error()))
			result.Message = "XMLTV generation failed; no output written"
			return result, nil
		}
		channelsWritten, programCount = 0, 0
		result.Message = "XMLTV generation degraded: wrote minimal valid document"
	} else {
		result.Message = fmt.Sprintf("Generated XMLTV with %d channels and %d programs", channelsWritten, programCount)
	}

	state.ProgramCount = programCount
	state.SetMetadata(MetadataKeyTempPath, outputPath)

	var fileSize int64
	if info, statErr := os.Stat(outputPath); statErr == nil {
		fileSize = info.Size()
	}

	result.RecordsProcessed = programCount

	s.log(ctx, slog.LevelInfo, "XMLTV generation complete",
		slog.Int("channel_count", channelsWritten),
		slog.Int("program_count", programCount),
		slog.Int64("file_size_bytes", fileSize),
		slog.String("output_path", outputPath))

	artifact := core.NewArtifact(core.ArtifactTypeXMLTV, core.ProcessingStageGenerated, StageID).
		WithFilePath(outputPath).
		WithRecordCount(programCount).
		WithFileSize(fileSize).
		WithMetadata("channel_count", channelsWritten)
	result.Artifacts = append(result.Artifacts, artifact)

	return result, nil
}

// writeXMLTV performs the actual write; any error here is handled by the
// caller as a non-fatal, minimal-document fallback, except for context
// cancellation which propagates as-is.
func (s *Stage) writeXMLTV(ctx context.Context, state *core.State, outputPath string) (channelsWritten, programCount int, err error) {
	file, err := os.Create(outputPath)
	if err != nil {
		return 0, 0, fmt.Errorf("creating XMLTV file: %w", err)
	}
	defer file.Close()

	writer := xmltv.NewWriter(file)

	if err := writer.WriteHeader(); err != nil {
		return 0, 0, fmt.Errorf("writing XMLTV header: %w", err)
	}

	channelsWrittenSet := make(map[string]bool)
	for _, ch := range state.Channels {
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		default:
		}

		if ch.TvgID == "" || channelsWrittenSet[ch.TvgID] {
			continue
		}

		xmlCh := shared.ChannelToXMLTVChannel(ch)
		if err := writer.WriteChannel(xmlCh); err != nil {
			state.AddError(fmt.Errorf("writing channel %s: %w", ch.TvgID, err))
			continue
		}
		channelsWrittenSet[ch.TvgID] = true
	}

	// Sort by channel then start time: deterministic output, and required
	// before applying max_programs_per_channel so the cap always keeps the
	// earliest-airing programmes for a channel rather than an arbitrary slice.
	sortedPrograms := make([]*models.EpgProgram, len(state.Programs))
	copy(sortedPrograms, state.Programs)
	sort.Slice(sortedPrograms, func(i, j int) bool {
		if sortedPrograms[i].ChannelID != sortedPrograms[j].ChannelID {
			return sortedPrograms[i].ChannelID < sortedPrograms[j].ChannelID
		}
		return sortedPrograms[i].Start.Before(sortedPrograms[j].Start)
	})

	seen := make(map[dedupeKey]bool)
	perChannelCount := make(map[string]int)

	const batchSize = 1000
	totalPrograms := len(sortedPrograms)
	programCount = 0

	for i, prog := range sortedPrograms {
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		default:
		}

		if prog.Title == "" {
			state.AddError(fmt.Errorf("program skipped: empty title for channel %q", prog.ChannelID))
			continue
		}

		if !channelsWrittenSet[prog.ChannelID] {
			continue
		}

		if s.deduplicatePrograms {
			key := dedupeKey{
				channelID: prog.ChannelID,
				start:     prog.Start.Unix(),
				stop:      prog.Stop.Unix(),
				title:     prog.Title,
			}
			if seen[key] {
				continue
			}
			seen[key] = true
		}

		if s.maxProgramsPerChannel > 0 && perChannelCount[prog.ChannelID] >= s.maxProgramsPerChannel {
			continue
		}

		xmlProg := shared.ProgramToXMLTVProgramme(prog)
		if err := writer.WriteProgramme(xmlProg); err != nil {
			state.AddError(fmt.Errorf("writing program %s: %w", prog.Title, err))
			continue
		}

		perChannelCount[prog.ChannelID]++
		programCount++

		if (i+1)%batchSize == 0 {
			batchNum := (i + 1) / batchSize
			totalBatches := (totalPrograms + batchSize - 1) / batchSize
			s.log(ctx, slog.LevelDebug, "XMLTV generation batch progress",
				slog.Int("batch_num", batchNum),
				slog.Int("total_batches", totalBatches),
				slog.Int("items_processed", i+1),
				slog.Int("total_items", totalPrograms))
		}
	}

	if err := writer.WriteFooter(); err != nil {
		return 0, 0, fmt.Errorf("writing XMLTV footer: %w", err)
	}

	return len(channelsWrittenSet), programCount, nil
}

// writeMinimalXMLTV emits a structurally valid, channel-less XMLTV document
// carrying only a comment describing why full generation failed, so
// downstream consumers never see a missing or truncated file.
func writeMinimalXMLTV(outputPath string, cause error) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer file.Close()

	return writeMinimalXMLTVTo(file, cause)
}

func writeMinimalXMLTVTo(w io.Writer, cause error) error {
	_, err := fmt.Fprintf(w, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<!-- xmltv generation degraded: %s -->\n<tv></tv>\n", cause.Error())
	return err
}

// log logs a message if the logger is set.
func (s *Stage) log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	if s.logger != nil {
		s.logger.Log(ctx, level, msg, attrs...)
	}
}

// Ensure Stage implements core.Stage.
var _ core.Stage = (*Stage)(nil)
