package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/trainjobs/internal/app"
	"github.com/3leaps/trainjobs/internal/config"
	"github.com/3leaps/trainjobs/internal/observability"
	"github.com/3leaps/trainjobs/internal/server/handlers"
	"github.com/3leaps/trainjobs/pkg/jobregistry"
	"github.com/3leaps/trainjobs/pkg/journal"
	"github.com/3leaps/trainjobs/pkg/provider"
)

var doctorProvider string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Check the job table, journal, runner and artifact sink described by the
current configuration and suggest fixes for common issues.

Examples:
  trainjobs doctor
  trainjobs doctor --provider s3   # include AWS credential checks`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Force provider-specific checks (s3)")
}

// doctorReport numbers check lines and remembers failures.
type doctorReport struct {
	logger *zap.Logger
	num    int
	total  int
	failed []string
}

func (r *doctorReport) pass(name, detail string, fields ...zap.Field) {
	r.num++
	r.logger.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", r.num, r.total, name, detail), fields...)
}

func (r *doctorReport) warn(name, detail string, fields ...zap.Field) {
	r.num++
	r.logger.Warn(fmt.Sprintf("[%d/%d] Checking %s... ⚠️  %s", r.num, r.total, name, detail), fields...)
}

func (r *doctorReport) fail(name, detail string, fields ...zap.Field) {
	r.num++
	r.failed = append(r.failed, name)
	r.logger.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %s", r.num, r.total, name, detail), fields...)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger
	logger.Info("=== " + binaryName + " doctor ===")
	logger.Info("")

	cfg, err := loadConfig(ctx, nil)
	if err != nil {
		logger.Error("Configuration is invalid", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	s3Checks := strings.EqualFold(doctorProvider, string(provider.ProviderS3)) ||
		strings.EqualFold(cfg.Artifacts.Sink, string(provider.ProviderS3))
	report := &doctorReport{logger: logger, total: 7}
	if s3Checks {
		report.total++
	}

	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		report.pass("Go version", goVersion, zap.String("go_version", goVersion))
	} else {
		report.warn("Go version", goVersion+" (recommended: go1.23+)", zap.String("go_version", goVersion))
	}

	if v := crucible.GetVersion(); v.Gofulmen != "" {
		report.pass("Fulmen libraries", "gofulmen v"+v.Gofulmen,
			zap.String("gofulmen_version", v.Gofulmen),
			zap.String("crucible_version", v.Crucible))
	} else {
		report.warn("Fulmen libraries", "version metadata unavailable")
	}

	checkJobTable(report, cfg)
	checkStoreDir(report, cfg)
	checkJournal(ctx, report, cfg)
	checkRunner(ctx, report, cfg)
	checkArtifactSink(report, cfg)

	if s3Checks {
		runS3Checks(ctx, report)
	}

	logger.Info("")
	logger.Info("=== End Diagnostics ===")
	if len(report.failed) > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Doctor found problems",
			fmt.Errorf("failed checks: %s", strings.Join(report.failed, ", ")))
	}
	logger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", binaryName))
	return nil
}

func checkJobTable(report *doctorReport, cfg *config.Config) {
	path := cfg.Store.Path
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		report.pass("job table", "not created yet ("+path+")", zap.String("store_path", path))
		return
	}
	store, err := jobregistry.NewStore(path)
	if err != nil {
		report.fail("job table", err.Error(), zap.String("store_path", path))
		return
	}
	d := store.Diagnostics()
	if d.CorruptedFile != "" {
		report.fail("job table", "unreadable table quarantined to "+d.CorruptedFile,
			zap.String("store_path", path),
			zap.String("corrupted_file", d.CorruptedFile))
		return
	}
	report.pass("job table", fmt.Sprintf("%d records in %s", d.Records, path),
		zap.String("store_path", path),
		zap.Int("records", d.Records))
}

func checkStoreDir(report *doctorReport, cfg *config.Config) {
	dir := filepath.Dir(cfg.Store.Path)
	if IsReadOnly() {
		report.warn("store directory", "skipped write probe (readonly)", zap.String("dir", dir))
		return
	}
	if err := handlers.ProbeWritable(dir); err != nil {
		report.fail("store directory", "not writable: "+err.Error(), zap.String("dir", dir))
		return
	}
	report.pass("store directory", "writable "+dir, zap.String("dir", dir))
}

func checkJournal(ctx context.Context, report *doctorReport, cfg *config.Config) {
	if !cfg.Journal.Enabled {
		report.pass("transition journal", "disabled")
		return
	}
	if _, err := os.Stat(cfg.Journal.Path); errors.Is(err, os.ErrNotExist) && IsReadOnly() {
		report.warn("transition journal", "not created yet (readonly)", zap.String("path", cfg.Journal.Path))
		return
	}
	j, err := journal.Open(ctx, journal.Config{Path: cfg.Journal.Path})
	if err != nil {
		report.fail("transition journal", err.Error(), zap.String("path", cfg.Journal.Path))
		return
	}
	defer func() { _ = j.Close() }()
	if err := j.Ping(ctx); err != nil {
		report.fail("transition journal", err.Error(), zap.String("path", cfg.Journal.Path))
		return
	}
	report.pass("transition journal", "sqlite schema v"+fmt.Sprint(journal.SchemaVersion)+" at "+cfg.Journal.Path,
		zap.String("path", cfg.Journal.Path))
}

func checkRunner(ctx context.Context, report *doctorReport, cfg *config.Config) {
	settings := app.Settings(cfg)
	if !settings.UseReal() {
		report.pass("executor", fmt.Sprintf("mode=%s, jobs will be simulated", settings.Mode),
			zap.String("mode", string(settings.Mode)))
		return
	}
	if err := (runnerHealthChecker{settings: settings}).CheckHealth(ctx); err != nil {
		report.fail("executor", err.Error(), zap.String("mode", string(settings.Mode)))
		return
	}
	report.pass("executor", fmt.Sprintf("mode=%s runner=%s", settings.Mode, settings.RunnerCommand[0]),
		zap.Strings("runner_cmd", settings.RunnerCommand))
}

func checkArtifactSink(report *doctorReport, cfg *config.Config) {
	if strings.EqualFold(cfg.Artifacts.Sink, string(provider.ProviderS3)) {
		report.pass("artifact sink", "s3://"+cfg.Artifacts.S3.Bucket+"/"+cfg.Artifacts.S3.Prefix,
			zap.String("bucket", cfg.Artifacts.S3.Bucket))
		return
	}
	dir := cfg.Executor.ArtifactsDir
	if IsReadOnly() {
		report.warn("artifact sink", "skipped write probe (readonly)", zap.String("dir", dir))
		return
	}
	if err := handlers.ProbeWritable(dir); err != nil {
		report.fail("artifact sink", "not writable: "+err.Error(), zap.String("dir", dir))
		return
	}
	report.pass("artifact sink", "writable "+dir, zap.String("dir", dir))
}

// runS3Checks verifies AWS credentials can be resolved.
func runS3Checks(ctx context.Context, report *doctorReport) {
	report.logger.Info("")
	report.logger.Info("S3 Provider Checks:")

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		report.fail("AWS credentials", "cannot load AWS config", zap.Error(err))
		printAWSCredentialsHelp()
		return
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		report.fail("AWS credentials", "cannot retrieve credentials", zap.Error(err))
		printAWSCredentialsHelp()
		return
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	report.pass("AWS credentials", "found credentials via "+source,
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("credential_source", source))
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	logger := observability.CLILogger
	logger.Info("")
	logger.Info("To configure AWS credentials:")
	logger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	logger.Info("  2. Run 'aws configure' to set up a profile, or")
	logger.Info("  3. Use an IAM role when running on AWS infrastructure")
	logger.Info("")
	logger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set artifacts.s3.endpoint")
	logger.Info("")
}
