package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/streamgrid/playout/internal/config"
	"github.com/streamgrid/playout/internal/database"
	"github.com/streamgrid/playout/internal/ingestor"
	"github.com/streamgrid/playout/internal/logoprefetch"
	"github.com/streamgrid/playout/internal/models"
	"github.com/streamgrid/playout/internal/pipeline"
	"github.com/streamgrid/playout/internal/progress"
	"github.com/streamgrid/playout/internal/repository"
	"github.com/streamgrid/playout/internal/storage"
	"github.com/spf13/cobra"
)

var regenerateProxyName string

var regenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Regenerate proxy playlist and guide output",
	Long: `Runs the proxy regeneration pipeline: loads ingested channels and programs,
applies data mapping, filtering and numbering, caches logo artwork, and
publishes the combined M3U playlist and XMLTV guide.

Without --proxy, every active proxy is regenerated in turn.`,
	RunE: runRegenerate,
}

func init() {
	regenerateCmd.Flags().StringVar(&regenerateProxyName, "proxy", "", "name of the single proxy to regenerate (default: all active proxies)")
	rootCmd.AddCommand(regenerateCmd)
}

func runRegenerate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := slog.Default()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("closing database", slog.String("error", err.Error()))
		}
	}()

	sandbox, err := storage.NewSandbox(cfg.Storage.BaseDir)
	if err != nil {
		return fmt.Errorf("creating sandbox: %w", err)
	}

	logoCache, err := storage.NewLogoCache(cfg.Storage.LogoPath())
	if err != nil {
		return fmt.Errorf("creating logo cache: %w", err)
	}
	logoCacher := logoprefetch.New(logoCache, logger)

	proxyRepo := repository.NewStreamProxyRepository(db.DB)
	channelRepo := repository.NewChannelRepository(db.DB)
	epgProgramRepo := repository.NewEpgProgramRepository(db.DB)
	filterRepo := repository.NewFilterRepository(db.DB)
	dataMappingRuleRepo := repository.NewDataMappingRuleRepository(db.DB)

	stateManager := ingestor.NewStateManager()

	baseURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	factory := pipeline.NewDefaultFactory(
		channelRepo,
		epgProgramRepo,
		filterRepo,
		dataMappingRuleRepo,
		sandbox,
		logger,
		logoCacher,
		stateManager,
		baseURL,
		cfg.Pipeline,
	)

	progressSvc := progress.NewService(logger)
	progressSvc.Start()
	defer progressSvc.Stop()

	proxies, err := resolveProxies(ctx, proxyRepo, regenerateProxyName)
	if err != nil {
		return err
	}
	if len(proxies) == 0 {
		logger.Warn("no proxies to regenerate")
		return nil
	}

	var failures int
	for _, proxy := range proxies {
		if err := regenerateOne(ctx, logger, factory, progressSvc, proxyRepo, proxy); err != nil {
			logger.Error("proxy regeneration failed",
				slog.String("proxy", proxy.Name),
				slog.String("error", err.Error()))
			failures++
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d proxies failed to regenerate", failures, len(proxies))
	}
	return nil
}

// resolveProxies returns the proxy (or proxies) to regenerate for this run.
func resolveProxies(ctx context.Context, repo repository.StreamProxyRepository, name string) ([]*models.StreamProxy, error) {
	if name == "" {
		return repo.GetActive(ctx)
	}

	proxy, err := repo.GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("looking up proxy %q: %w", name, err)
	}
	if proxy == nil {
		return nil, fmt.Errorf("proxy %q not found", name)
	}
	return []*models.StreamProxy{proxy}, nil
}

// regenerateOne runs the pipeline for a single proxy and records the outcome.
func regenerateOne(
	ctx context.Context,
	logger *slog.Logger,
	factory *pipeline.Factory,
	progressSvc *progress.Service,
	proxyRepo repository.StreamProxyRepository,
	proxy *models.StreamProxy,
) error {
	sources, err := proxyRepo.GetSources(ctx, proxy.ID)
	if err != nil {
		return fmt.Errorf("loading sources: %w", err)
	}
	epgSources, err := proxyRepo.GetEpgSources(ctx, proxy.ID)
	if err != nil {
		return fmt.Errorf("loading EPG sources: %w", err)
	}

	orchestrator, err := factory.Create(proxy)
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}
	orchestrator.SetSources(sources)
	orchestrator.SetEpgSources(epgSources)

	stages := []progress.StageInfo{
		{ID: pipeline.StageIDLoadChannels, Name: "Load Channels", Weight: 0.2},
		{ID: pipeline.StageIDLoadPrograms, Name: "Load Programs", Weight: 0.1},
		{ID: pipeline.StageIDDataMapping, Name: "Data Mapping", Weight: 0.1},
		{ID: pipeline.StageIDFiltering, Name: "Filtering", Weight: 0.1},
		{ID: pipeline.StageIDNumbering, Name: "Numbering", Weight: 0.1},
		{ID: pipeline.StageIDLogoCaching, Name: "Logo Caching", Weight: 0.15},
		{ID: pipeline.StageIDGenerateM3U, Name: "Generate M3U", Weight: 0.1},
		{ID: pipeline.StageIDGenerateXMLTV, Name: "Generate XMLTV", Weight: 0.1},
		{ID: pipeline.StageIDPublish, Name: "Publish", Weight: 0.05},
	}
	opManager, err := progressSvc.StartOperation(progress.OpProxyRegeneration, proxy.ID, "proxy", proxy.Name, stages)
	if err != nil {
		return fmt.Errorf("starting progress operation: %w", err)
	}
	orchestrator.SetProgressReporter(opManager)

	if err := proxyRepo.UpdateStatus(ctx, proxy.ID, models.StreamProxyStatusGenerating, ""); err != nil {
		logger.Warn("updating proxy status", slog.String("error", err.Error()))
	}

	result, err := orchestrator.Execute(ctx)
	if err != nil {
		opManager.Fail(err)
		_ = proxyRepo.UpdateStatus(ctx, proxy.ID, models.StreamProxyStatusFailed, err.Error())
		return err
	}

	opManager.Complete(fmt.Sprintf("regenerated %d channels, %d programs", result.ChannelCount, result.ProgramCount))

	if err := proxyRepo.UpdateLastGeneration(ctx, proxy.ID, result.ChannelCount, result.ProgramCount); err != nil {
		logger.Warn("updating last generation", slog.String("error", err.Error()))
	}
	if err := proxyRepo.UpdateStatus(ctx, proxy.ID, models.StreamProxyStatusSuccess, ""); err != nil {
		logger.Warn("updating proxy status", slog.String("error", err.Error()))
	}

	logger.Info("proxy regenerated",
		slog.String("proxy", proxy.Name),
		slog.Int("channels", result.ChannelCount),
		slog.Int("programs", result.ProgramCount),
		slog.Duration("duration", result.Duration))

	return nil
}
