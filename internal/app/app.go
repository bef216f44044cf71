// Package app assembles the job store, executor and their collaborators
// from a resolved configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/trainjobs/internal/config"
	"github.com/3leaps/trainjobs/pkg/artifacts"
	"github.com/3leaps/trainjobs/pkg/jobregistry"
	"github.com/3leaps/trainjobs/pkg/journal"
	"github.com/3leaps/trainjobs/pkg/provider"
	"github.com/3leaps/trainjobs/pkg/provider/file"
	"github.com/3leaps/trainjobs/pkg/provider/s3"
	"github.com/3leaps/trainjobs/pkg/simulate"
)

// App holds the wired components. Journal is nil when disabled.
type App struct {
	Config    *config.Config
	Store     *jobregistry.Store
	Executor  *jobregistry.Executor
	Journal   *journal.Journal
	Sink      provider.Sink
	Finalizer *artifacts.Finalizer
	Simulator *simulate.ElapsedSimulator

	logger *zap.Logger
}

// Build opens every component described by cfg. On error, anything already
// opened is closed again.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(ctx)
		}
	}()

	storeOpts := []jobregistry.StoreOption{
		jobregistry.WithLogger(logger.Named("store")),
	}
	if cfg.Journal.Enabled {
		a.Journal, err = journal.Open(ctx, journal.Config{Path: cfg.Journal.Path},
			journal.WithLogger(logger.Named("journal")))
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		storeOpts = append(storeOpts, jobregistry.WithObserver(a.Journal))
	}

	a.Store, err = jobregistry.NewStore(cfg.Store.Path, storeOpts...)
	if err != nil {
		return nil, err
	}

	a.Sink, err = NewSink(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Finalizer = artifacts.New(a.Sink,
		artifacts.WithLogger(logger.Named("artifacts")),
		artifacts.WithRunIDMode(RunIDMode(cfg)))

	a.Simulator = &simulate.ElapsedSimulator{
		QueuedFor:       cfg.Simulator.QueuedFor,
		RunningFor:      cfg.Simulator.RunningFor,
		RunningProgress: cfg.Simulator.RunningProgress,
	}

	a.Executor = jobregistry.NewExecutor(a.Store, jobregistry.StaticSettings(Settings(cfg)),
		jobregistry.WithFinalizer(a.Finalizer),
		jobregistry.WithExecutorLogger(logger.Named("executor")))

	logger.Info("Job services ready",
		zap.String("store_path", a.Store.Path()),
		zap.String("executor_mode", string(Settings(cfg).Mode)),
		zap.Bool("journal", a.Journal != nil),
		zap.String("artifact_sink", cfg.Artifacts.Sink))
	return a, nil
}

// Close stops live runs and releases the journal and sink.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Executor != nil {
		if err := a.Executor.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("executor shutdown: %w", err))
		}
	}
	if a.Journal != nil {
		if err := a.Journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	if a.Sink != nil {
		if err := a.Sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close artifact sink: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Settings converts executor config into the settings the executor reads.
func Settings(cfg *config.Config) jobregistry.Settings {
	return jobregistry.Settings{
		Mode:          jobregistry.ParseModePolicy(cfg.Executor.Mode),
		RunnerCommand: cfg.Executor.RunnerCmd,
		Timeout:       cfg.Executor.Timeout,
		Epochs:        cfg.Executor.Epochs,
		ArtifactsDir:  cfg.Executor.ArtifactsDir,
		WorkDir:       cfg.Executor.WorkDir,
		GracePeriod:   cfg.Executor.GracePeriod,
	}
}

func RunIDMode(cfg *config.Config) jobregistry.RunIDMode {
	if strings.EqualFold(cfg.Executor.RunIDMode, string(jobregistry.RunIDStrict)) {
		return jobregistry.RunIDStrict
	}
	return jobregistry.RunIDLegacy
}

// NewSink opens the artifact sink selected by cfg.Artifacts.Sink.
func NewSink(ctx context.Context, cfg *config.Config) (provider.Sink, error) {
	switch provider.ProviderType(strings.ToLower(cfg.Artifacts.Sink)) {
	case provider.ProviderS3:
		sc := cfg.Artifacts.S3
		p, err := s3.New(ctx, s3.Config{
			Bucket:         sc.Bucket,
			Region:         sc.Region,
			Endpoint:       sc.Endpoint,
			Profile:        sc.Profile,
			Prefix:         sc.Prefix,
			ForcePathStyle: sc.ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 artifact sink: %w", err)
		}
		return p, nil
	case provider.ProviderFile, "":
		p, err := file.New(file.Config{BaseDir: cfg.Executor.ArtifactsDir})
		if err != nil {
			return nil, fmt.Errorf("open file artifact sink: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown artifact sink %q", cfg.Artifacts.Sink)
	}
}
