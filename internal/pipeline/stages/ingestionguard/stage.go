// Package ingestionguard implements the ingestion guard pipeline stage.
// This stage waits for any active ingestions to complete before allowing
// the pipeline to proceed, ensuring consistent data during generation.
package ingestionguard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/streamgrid/playout/internal/ingestor"
	"github.com/streamgrid/playout/internal/pipeline/core"
	"github.com/streamgrid/playout/internal/pipeline/shared"
)

const (
	// StageID is the unique identifier for this stage.
	StageID = "ingestion_guard"
	// StageName is the human-readable name for this stage.
	StageName = "Ingestion Guard"

	// DefaultPollInterval is the default interval between checks.
	DefaultPollInterval = 15 * time.Second
	// DefaultMaxAttempts is the default number of poll attempts before proceeding anyway.
	DefaultMaxAttempts = 20
)

// StateChecker is an interface for checking ingestion state.
// This allows for testing without depending on the full StateManager.
type StateChecker interface {
	IsAnyIngesting() bool
	ActiveIngestionCount() int
	GetAllStates() []*ingestor.IngestionState
}

// Stage waits for active ingestions to complete before proceeding.
type Stage struct {
	shared.BaseStage
	stateChecker StateChecker
	pollInterval time.Duration
	maxAttempts  int
	enabled      bool
	logger       *slog.Logger
}

// New creates a new ingestion guard stage.
func New(stateChecker StateChecker) *Stage {
	return &Stage{
		BaseStage:    shared.NewBaseStage(StageID, StageName),
		stateChecker: stateChecker,
		pollInterval: DefaultPollInterval,
		maxAttempts:  DefaultMaxAttempts,
		enabled:      true,
	}
}

// NewConstructor returns a stage constructor for use with the factory.
func NewConstructor(stateChecker StateChecker) core.StageConstructor {
	return func(deps *core.Dependencies) core.Stage {
		s := New(stateChecker)
		if deps.Logger != nil {
			s.logger = deps.Logger.With("stage", StageID)
		}
		return s
	}
}

// WithPollInterval sets the polling interval.
func (s *Stage) WithPollInterval(interval time.Duration) *Stage {
	if interval > 0 {
		s.pollInterval = interval
	}
	return s
}

// WithMaxAttempts sets the maximum number of poll attempts before proceeding anyway.
func (s *Stage) WithMaxAttempts(maxAttempts int) *Stage {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	return s
}

// WithEnabled enables or disables the guard.
func (s *Stage) WithEnabled(enabled bool) *Stage {
	s.enabled = enabled
	return s
}

// WithLogger sets the logger.
func (s *Stage) WithLogger(logger *slog.Logger) *Stage {
	s.logger = logger.With("stage", StageID)
	return s
}

// Execute waits for any active ingestions to complete.
func (s *Stage) Execute(ctx context.Context, state *core.State) (*core.StageResult, error) {
	result := shared.NewResult()

	// If disabled, skip the guard
	if !s.enabled {
		result.Message = "Ingestion guard disabled, skipping"
		s.log(slog.LevelDebug, "ingestion guard disabled", nil)
		return result, nil
	}

	// If no state checker is configured, skip
	if s.stateChecker == nil {
		result.Message = "No state checker configured, skipping"
		s.log(slog.LevelWarn, "ingestion guard has no state checker", nil)
		return result, nil
	}

	// Check if any ingestion is active
	if !s.stateChecker.IsAnyIngesting() {
		result.Message = "No active ingestions, proceeding"
		s.log(slog.LevelDebug, "no active ingestions", nil)
		return result, nil
	}

	// Log that we're waiting
	activeCount := s.stateChecker.ActiveIngestionCount()
	s.log(slog.LevelInfo, "waiting for active ingestions to complete",
		slog.Int("active_count", activeCount),
		slog.Int("max_attempts", s.maxAttempts))

	startTime := time.Now()
	attempts := 0

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-ticker.C:
			attempts++

			if !s.stateChecker.IsAnyIngesting() {
				// All ingestions complete
				elapsed := time.Since(startTime)
				result.Message = fmt.Sprintf("Waited %v for %d ingestion(s) to complete (%d/%d attempts)",
					elapsed.Round(time.Millisecond), activeCount, attempts, s.maxAttempts)
				result.RecordsProcessed = activeCount

				s.log(slog.LevelInfo, "ingestions complete, proceeding",
					slog.Duration("wait_time", elapsed),
					slog.Int("attempts", attempts))

				result.Artifacts = append(result.Artifacts, s.waitArtifact(elapsed, attempts, activeCount))
				return result, nil
			}

			if attempts >= s.maxAttempts {
				// Non-fatal: log a warning and proceed regardless of remaining ingestions.
				elapsed := time.Since(startTime)
				activeStates := s.stateChecker.GetAllStates()
				activeNames := make([]string, 0, len(activeStates))
				for _, as := range activeStates {
					if as.Status == "ingesting" {
						activeNames = append(activeNames, as.SourceName)
					}
				}

				result.Message = fmt.Sprintf("Proceeding after %d/%d attempts with %d ingestion(s) still active (%v)",
					attempts, s.maxAttempts, len(activeNames), activeNames)
				result.RecordsProcessed = activeCount

				s.log(slog.LevelWarn, "ingestion guard exhausted attempts, proceeding anyway",
					slog.Duration("wait_time", elapsed),
					slog.Int("attempts", attempts),
					slog.Any("still_active", activeNames))

				result.Artifacts = append(result.Artifacts, s.waitArtifact(elapsed, attempts, activeCount))
				return result, nil
			}

			// Log progress periodically
			if attempts%5 == 0 {
				currentCount := s.stateChecker.ActiveIngestionCount()
				s.log(slog.LevelDebug, "still waiting for ingestions",
					slog.Int("active_count", currentCount),
					slog.Int("attempts", attempts))
			}
		}
	}
}

// waitArtifact records how long the guard waited and how many poll attempts it made.
func (s *Stage) waitArtifact(elapsed time.Duration, attempts, ingestionsWaited int) *core.Artifact {
	return core.NewArtifact(core.ArtifactTypeChannels, core.ProcessingStageRaw, StageID).
		WithMetadata("wait_time_ms", elapsed.Milliseconds()).
		WithMetadata("poll_attempts", attempts).
		WithMetadata("ingestions_waited", ingestionsWaited)
}

// log logs a message if the logger is set.
func (s *Stage) log(level slog.Level, msg string, attrs ...any) {
	if s.logger != nil {
		s.logger.Log(context.Background(), level, msg, attrs...)
	}
}

// Ensure Stage implements core.Stage.
var _ core.Stage = (*Stage)(nil)
