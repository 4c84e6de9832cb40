// Package publish implements the file publishing pipeline stage.
package publish

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/streamgrid/playout/internal/pipeline/core"
	"github.com/streamgrid/playout/internal/pipeline/shared"
	"github.com/streamgrid/playout/internal/pipeline/stages/generatem3u"
	"github.com/streamgrid/playout/internal/pipeline/stages/generatexmltv"
	"github.com/streamgrid/playout/internal/storage"
)

const (
	// StageID is the unique identifier for this stage.
	StageID = "publish"
	// StageName is the human-readable name for this stage.
	StageName = "Publish"
)

// Stage atomically publishes generated files to the output directory.
type Stage struct {
	shared.BaseStage
	sandbox *storage.Sandbox
	logger  *slog.Logger
}

// New creates a new publish stage.
func New(sandbox *storage.Sandbox) *Stage {
	return &Stage{
		BaseStage: shared.NewBaseStage(StageID, StageName),
		sandbox:   sandbox,
	}
}

// NewConstructor returns a stage constructor for use with the factory.
func NewConstructor() core.StageConstructor {
	return func(deps *core.Dependencies) core.Stage {
		s := New(deps.Sandbox)
		if deps.Logger != nil {
			s.logger = deps.Logger.With("stage", StageID)
		}
		return s
	}
}

// Execute delivers the generated M3U and XMLTV files to the sink selected by
// state.OutputSink (Production by default): Production renames temp files
// into the proxy's output directory, Preview copies them into the stage's
// sandbox under a preview-specific name, and InMemory reads them into the
// result artifacts without touching disk.
func (s *Stage) Execute(ctx context.Context, state *core.State) (*core.StageResult, error) {
	result := shared.NewResult()

	sink := state.OutputSink
	if sink == "" {
		sink = core.OutputSinkProduction
	}

	var publishOne func(ctx context.Context, srcPath string, artifactType core.ArtifactType, destName string) (core.Artifact, error)
	switch sink {
	case core.OutputSinkInMemory:
		publishOne = s.publishInMemory
	case core.OutputSinkPreview:
		publishOne = s.publishPreview
	case core.OutputSinkProduction:
		if err := os.MkdirAll(state.OutputDir, 0755); err != nil {
			return result, fmt.Errorf("creating output directory: %w", err)
		}
		publishOne = func(ctx context.Context, srcPath string, artifactType core.ArtifactType, destName string) (core.Artifact, error) {
			return s.publishProduction(ctx, srcPath, artifactType, state.OutputDir, destName)
		}
	default:
		return result, fmt.Errorf("unknown output sink %q", sink)
	}

	filesPublished := 0

	if m3uPath, ok := state.GetMetadata(generatem3u.MetadataKeyTempPath); ok {
		artifact, err := publishOne(ctx, m3uPath.(string), core.ArtifactTypeM3U, fmt.Sprintf("%s.m3u", state.ProxyID))
		if err != nil {
			return result, fmt.Errorf("publishing M3U: %w", err)
		}
		filesPublished++
		result.Artifacts = append(result.Artifacts, artifact)
	}

	if xmltvPath, ok := state.GetMetadata(generatexmltv.MetadataKeyTempPath); ok {
		artifact, err := publishOne(ctx, xmltvPath.(string), core.ArtifactTypeXMLTV, fmt.Sprintf("%s.xml", state.ProxyID))
		if err != nil {
			return result, fmt.Errorf("publishing XMLTV: %w", err)
		}
		filesPublished++
		result.Artifacts = append(result.Artifacts, artifact)
	}

	result.RecordsProcessed = filesPublished
	result.Message = fmt.Sprintf("Published %d files via %s sink", filesPublished, sink)

	return result, nil
}

// publishProduction moves a file from temp to the proxy's output directory.
func (s *Stage) publishProduction(ctx context.Context, srcPath string, artifactType core.ArtifactType, outputDir, destName string) (core.Artifact, error) {
	if err := s.publishFile(ctx, srcPath, outputDir, destName); err != nil {
		return core.Artifact{}, err
	}
	destPath := filepath.Join(outputDir, destName)
	artifact := core.NewArtifact(artifactType, core.ProcessingStagePublished, StageID).
		WithFilePath(destPath)
	if info, err := os.Stat(destPath); err == nil {
		artifact = artifact.WithFileSize(info.Size())
	}
	return artifact, nil
}

// publishPreview copies a file into the stage's sandbox under a
// preview-specific path, leaving the production output directory untouched.
func (s *Stage) publishPreview(ctx context.Context, srcPath string, artifactType core.ArtifactType, destName string) (core.Artifact, error) {
	select {
	case <-ctx.Done():
		return core.Artifact{}, ctx.Err()
	default:
	}

	if s.sandbox == nil {
		return core.Artifact{}, fmt.Errorf("preview sink requires a sandbox")
	}

	relPath := filepath.Join("preview", fmt.Sprintf("preview-%s", destName))
	if err := s.sandbox.AtomicPublish(srcPath, relPath); err != nil {
		return core.Artifact{}, fmt.Errorf("publishing preview file: %w", err)
	}

	absPath, err := s.sandbox.ResolvePath(relPath)
	if err != nil {
		return core.Artifact{}, fmt.Errorf("resolving preview path: %w", err)
	}

	s.log(slog.LevelDebug, "published preview file", slog.String("dest", absPath))

	artifact := core.NewArtifact(artifactType, core.ProcessingStagePublished, StageID).
		WithFilePath(absPath)
	if size, err := s.sandbox.Size(relPath); err == nil {
		artifact = artifact.WithFileSize(size)
	}
	return artifact, nil
}

// publishInMemory reads a generated file's content into the artifact rather
// than writing it anywhere; the source temp file is left for the caller (or
// the pipeline's temp-dir cleanup) to remove.
func (s *Stage) publishInMemory(ctx context.Context, srcPath string, artifactType core.ArtifactType, destName string) (core.Artifact, error) {
	select {
	case <-ctx.Done():
		return core.Artifact{}, ctx.Err()
	default:
	}

	data, err := os.ReadFile(srcPath)
	if err != nil {
		return core.Artifact{}, fmt.Errorf("reading generated file: %w", err)
	}

	artifact := core.NewArtifact(artifactType, core.ProcessingStagePublished, StageID).
		WithContent(data)
	return artifact, nil
}

// publishFile atomically moves a file from temp to output directory.
// It uses os.Rename() for atomic publishing on the same filesystem.
// If source and destination are on different filesystems, it falls back
// to copy-then-rename for atomicity.
func (s *Stage) publishFile(ctx context.Context, srcPath, destDir, destName string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	destPath := filepath.Join(destDir, destName)

	// Try direct rename first (atomic if same filesystem)
	if err := os.Rename(srcPath, destPath); err == nil {
		s.log(slog.LevelDebug, "published file via direct rename",
			slog.String("src", srcPath),
			slog.String("dest", destPath))
		return nil
	}

	// Fall back to copy-then-rename for cross-filesystem scenarios
	// This ensures atomicity even when temp and output are on different filesystems
	s.log(slog.LevelDebug, "falling back to copy-then-rename",
		slog.String("src", srcPath),
		slog.String("dest", destPath))

	return s.copyThenRename(ctx, srcPath, destPath)
}

// copyThenRename copies a file to a temp location in the destination directory,
// then renames it to the final path. This ensures atomic publishing even when
// the source and destination are on different filesystems.
func (s *Stage) copyThenRename(ctx context.Context, srcPath, destPath string) error {
	tempDestPath := destPath + ".tmp"

	// Open source file
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer srcFile.Close()

	// Create temp destination file
	tempFile, err := os.Create(tempDestPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	// Copy with context cancellation check
	copyErr := func() error {
		defer tempFile.Close()

		// Copy in chunks to allow for cancellation checks
		buf := make([]byte, 32*1024) // 32KB buffer
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			n, err := srcFile.Read(buf)
			if n > 0 {
				if _, writeErr := tempFile.Write(buf[:n]); writeErr != nil {
					return fmt.Errorf("writing to temp file: %w", writeErr)
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("reading source file: %w", err)
			}
		}
		return nil
	}()

	if copyErr != nil {
		// Clean up temp file on failure
		os.Remove(tempDestPath)
		return copyErr
	}

	// Atomic rename (temp and dest are now on same filesystem)
	if err := os.Rename(tempDestPath, destPath); err != nil {
		// Clean up temp file on failure
		os.Remove(tempDestPath)
		return fmt.Errorf("renaming to final path: %w", err)
	}

	return nil
}

// log logs a message if the logger is set.
func (s *Stage) log(level slog.Level, msg string, attrs ...any) {
	if s.logger != nil {
		s.logger.Log(context.Background(), level, msg, attrs...)
	}
}

// Ensure Stage implements core.Stage.
var _ core.Stage = (*Stage)(nil)
