package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/trainjobs/internal/app"
	"github.com/3leaps/trainjobs/internal/config"
	"github.com/3leaps/trainjobs/internal/observability"
	"github.com/3leaps/trainjobs/internal/server"
	"github.com/3leaps/trainjobs/internal/server/handlers"
	"github.com/3leaps/trainjobs/internal/server/middleware"
	"github.com/3leaps/trainjobs/pkg/jobregistry"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job API server",
	Long: `Run the HTTP API backed by the job table, the executor and (when
enabled) the transition journal.

Examples:
  trainjobs serve
  trainjobs serve --host 0.0.0.0 --port 9000
  TRAINJOBS_EXECUTOR_MODE=mock trainjobs serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (server.port)")
}

func serveOverrides(cmd *cobra.Command) map[string]any {
	overrides := map[string]any{}
	if cmd.Flags().Changed("host") {
		overrides["server.host"] = serveHost
	}
	if cmd.Flags().Changed("port") {
		overrides["server.port"] = servePort
	}
	return overrides
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Context(), serveOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if err := observability.InitServerLogger(cfg.Logging, binaryName); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	logger := observability.ServerLogger
	defer func() { _ = logger.Sync() }()
	middleware.PanicLogger = logger

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open job services", err)
	}

	health := handlers.InitHealthManager(versionInfo.Version)
	health.SetStarted(false)
	registerHealthChecks(health, cfg, a)

	srv := server.New(cfg.Server.Host, cfg.Server.Port, serverOptions(cfg, a, logger)...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		health.SetStarted(true)
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		health.SetStarted(false)
		return errors.Join(srv.Shutdown(shutdownCtx), a.Close(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	logger.Info("Server stopped")
	return nil
}

func serverOptions(cfg *config.Config, a *app.App, logger *zap.Logger) []server.Option {
	jobsCfg := handlers.JobsConfig{
		Executor:  a.Executor,
		Simulator: a.Simulator,
		Finalizer: a.Finalizer,
		RunIDMode: app.RunIDMode(cfg),
		Logger:    logger.Named("api"),
	}
	diag := handlers.Diagnostics{
		Executor:     a.Executor,
		ArtifactSink: cfg.Artifacts.Sink,
		DevMode:      cfg.Server.DevMode,
		AuthRequired: cfg.Server.AuthRequired(),
	}
	if a.Journal != nil {
		jobsCfg.Events = a.Journal
		diag.Journal = a.Journal
	}

	opts := []server.Option{
		server.WithJobs(handlers.NewJobs(jobsCfg)),
		server.WithDiagnostics(diag),
		server.WithLogger(logger.Named("http")),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	}
	if cfg.Server.AuthRequired() {
		opts = append(opts, server.WithAPIToken(cfg.Server.APIToken))
	}
	if rl := cfg.Server.RateLimit; rl.Enabled && rl.RPS > 0 {
		opts = append(opts, server.WithRateLimiter(middleware.NewRateLimiter(rl.RPS, rl.Burst)))
	}
	return opts
}

func registerHealthChecks(health *handlers.HealthManager, cfg *config.Config, a *app.App) {
	if !cfg.Health.Enabled {
		return
	}
	health.SetTimeout(cfg.Health.Timeout)
	health.RegisterChecker("job_store", handlers.StoreChecker{Store: a.Store})
	health.RegisterChecker("store_dir", handlers.WritableDirChecker{Dir: filepath.Dir(a.Store.Path())})
	health.RegisterChecker("runner", runnerHealthChecker{settings: app.Settings(cfg)})
	if a.Journal != nil {
		health.RegisterChecker("journal", handlers.PingChecker{Target: a.Journal})
	}
}

// runnerHealthChecker fails when real execution is forced but the runner
// executable cannot be found.
type runnerHealthChecker struct {
	settings jobregistry.Settings
}

func (c runnerHealthChecker) CheckHealth(ctx context.Context) error {
	if !c.settings.UseReal() {
		return nil
	}
	if len(c.settings.RunnerCommand) == 0 {
		return errors.New("executor mode is real but no runner command is configured")
	}
	if _, err := exec.LookPath(c.settings.RunnerCommand[0]); err != nil {
		return fmt.Errorf("runner %q not found: %w", c.settings.RunnerCommand[0], err)
	}
	return nil
}
