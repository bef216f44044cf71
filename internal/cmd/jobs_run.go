package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/trainjobs/internal/app"
	"github.com/3leaps/trainjobs/internal/observability"
	"github.com/3leaps/trainjobs/pkg/jobregistry"
	"github.com/3leaps/trainjobs/pkg/output"
	"github.com/3leaps/trainjobs/pkg/simulate"
)

// exitJobFailed is returned when the job ends failed without an exit code
// of its own to propagate.
const exitJobFailed = 1

const runPollInterval = 200 * time.Millisecond

var (
	runRunID       string
	runModelType   string
	runFeatureMode string
	runMode        string
)

var jobsRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one job in the foreground and stream its logs",
	Long: `Run a single job in this process, printing its log lines and status
changes until it finishes. The job is recorded in the job table like any
other. Ctrl-C requests cancellation and waits for the runner to exit.

The exit status is 0 when the job succeeds and non-zero otherwise.

Examples:
  trainjobs jobs run --run-id smoke
  trainjobs jobs run --mode real --output json`,
	Args: cobra.NoArgs,
	RunE: runJobsRun,
}

func init() {
	jobsCmd.AddCommand(jobsRunCmd)
	jobsRunCmd.Flags().StringVar(&runRunID, "run-id", "", "Run id (default: run-<unix time>)")
	jobsRunCmd.Flags().StringVar(&runModelType, "model", "lstm", "Model type")
	jobsRunCmd.Flags().StringVar(&runFeatureMode, "feature-mode", "univariate", "Feature mode")
	jobsRunCmd.Flags().StringVar(&runMode, "mode", "", "Override executor.mode (auto, mock or real)")
}

// runSink receives what the foreground loop observes.
type runSink interface {
	Log(ctx context.Context, line jobregistry.LogLine) error
	Status(ctx context.Context, rec jobregistry.JobRecord) error
	Summary(ctx context.Context, sum *output.SummaryRecord) error
}

type textRunSink struct{ w io.Writer }

func (s textRunSink) Log(_ context.Context, line jobregistry.LogLine) error {
	writeLogLine(s.w, line)
	return nil
}

func (s textRunSink) Status(_ context.Context, rec jobregistry.JobRecord) error {
	_, _ = fmt.Fprintf(s.w, "==> status=%s step=%s progress=%d%%\n", rec.Status, rec.Step, rec.Progress)
	return nil
}

func (s textRunSink) Summary(_ context.Context, sum *output.SummaryRecord) error {
	exit := "-"
	if sum.ExitCode != nil {
		exit = fmt.Sprint(*sum.ExitCode)
	}
	_, _ = fmt.Fprintf(s.w, "==> finished status=%s exit_code=%s duration=%s\n", sum.Status, exit, sum.DurationHuman)
	if sum.ErrorMessage != "" {
		_, _ = fmt.Fprintf(s.w, "==> error: %s\n", sum.ErrorMessage)
	}
	return nil
}

type jsonlRunSink struct{ w *output.JSONLWriter }

func (s jsonlRunSink) Log(ctx context.Context, line jobregistry.LogLine) error {
	return s.w.WriteLog(ctx, line)
}

func (s jsonlRunSink) Status(ctx context.Context, rec jobregistry.JobRecord) error {
	return s.w.WriteStatus(ctx, &output.StatusRecord{
		Status:   string(rec.Status),
		Step:     rec.Step,
		Progress: rec.Progress,
		Message:  rec.Message,
	})
}

func (s jsonlRunSink) Summary(ctx context.Context, sum *output.SummaryRecord) error {
	return s.w.WriteSummary(ctx, sum)
}

func runJobsRun(cmd *cobra.Command, _ []string) error {
	if err := refuseReadOnly("run jobs"); err != nil {
		return err
	}
	format, err := outputFormat()
	if err != nil {
		return err
	}
	if format == output.FormatYAML {
		return exitError(foundry.ExitInvalidArgument, "Invalid --output", errors.New("jobs run streams table or json (JSONL) output"))
	}

	overrides := map[string]any{}
	if runMode != "" {
		overrides["executor.mode"] = runMode
	}
	cfg, err := loadConfig(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	logger := observability.CLILogger

	a, err := app.Build(cmd.Context(), cfg, logger)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open job services", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), app.Settings(cfg).EffectiveGracePeriod()+5*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("Shutdown incomplete", zap.Error(err))
		}
	}()

	now := time.Now()
	runID := runRunID
	if runID == "" {
		runID = fmt.Sprintf("run-%d", now.Unix())
	}
	runID, err = jobregistry.ValidateRunID(runID, app.RunIDMode(cfg))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --run-id", err)
	}

	rec := jobregistry.NewJobRecord(runID, runModelType, runFeatureMode, now)
	if err := a.Executor.Submit(rec); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to record job", err)
	}
	logger.Debug("Job submitted",
		zap.String("job_id", rec.JobID),
		zap.String("run_id", rec.RunID),
		zap.String("execution_mode", string(rec.ExecutionMode)))

	var sink runSink = textRunSink{w: cmd.OutOrStdout()}
	if format == output.FormatJSON {
		jw := output.NewJSONLWriter(cmd.OutOrStdout(), rec.JobID, rec.RunID)
		defer func() { _ = jw.Close() }()
		sink = jsonlRunSink{w: jw}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	final, canceled, err := followJob(ctx, a, rec.JobID, sink)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Lost track of job", err)
	}

	sum := &output.SummaryRecord{
		Status:       string(final.Status),
		ExitCode:     final.ExitCode,
		ErrorMessage: final.ErrorMessage,
		LogLines:     len(a.Executor.Logs(final.JobID, 0, jobregistry.MaxLogLines)),
	}
	sum.Duration = time.Since(now)
	sum.DurationHuman = sum.Duration.Truncate(time.Millisecond).String()
	_ = sink.Summary(context.WithoutCancel(ctx), sum)

	switch {
	case canceled && final.Status != jobregistry.StatusSucceeded:
		return exitError(foundry.ExitSignalInt, "Job cancelled", context.Canceled)
	case final.Status == jobregistry.StatusSucceeded:
		return nil
	default:
		code := exitJobFailed
		if final.ExitCode != nil && *final.ExitCode > 0 {
			code = *final.ExitCode
		}
		msg := final.ErrorMessage
		if msg == "" {
			msg = final.Message
		}
		return exitError(code, "Job "+string(final.Status), errors.New(msg))
	}
}

// followJob streams logs and status changes until the job is terminal. The
// first ctx cancellation requests a cancel; the loop then keeps following
// until the executor has wound the job down.
func followJob(ctx context.Context, a *app.App, jobID string, sink runSink) (jobregistry.JobRecord, bool, error) {
	out := context.WithoutCancel(ctx)
	interrupt := ctx.Done()
	canceled := false
	offset := 0
	lastStatus := jobregistry.Status("")

	ticker := time.NewTicker(runPollInterval)
	defer ticker.Stop()

	for {
		cur, err := currentRecord(out, a, jobID)
		if err != nil {
			return jobregistry.JobRecord{}, canceled, err
		}

		lines := a.Executor.Logs(jobID, offset, jobregistry.MaxLogLines)
		for _, l := range lines {
			_ = sink.Log(out, l)
		}
		offset += len(lines)

		if cur.Status != lastStatus {
			lastStatus = cur.Status
			_ = sink.Status(out, *cur)
		}

		if cur.Status.IsTerminal() {
			if done, ok := a.Executor.Done(jobID); ok {
				<-done
				for _, l := range a.Executor.Logs(jobID, offset, jobregistry.MaxLogLines) {
					_ = sink.Log(out, l)
				}
			}
			return *cur, canceled, nil
		}

		select {
		case <-interrupt:
			interrupt = nil
			canceled = true
			if _, err := a.Executor.Cancel(jobID); err != nil {
				observability.CLILogger.Warn("Cancel failed", zap.String("job_id", jobID), zap.Error(err))
			}
		case <-ticker.C:
		}
	}
}

// currentRecord returns the job, advancing mock jobs and finalizing their
// artifacts on success.
func currentRecord(ctx context.Context, a *app.App, jobID string) (*jobregistry.JobRecord, error) {
	rec, ok := a.Store.Get(jobID)
	if !ok {
		return nil, jobregistry.ErrJobNotFound
	}
	if rec.ExecutionMode != jobregistry.ModeMock || rec.Status.IsTerminal() {
		return rec, nil
	}
	advanced, finished, err := simulate.Advance(a.Store, a.Simulator, jobID, time.Now())
	if err != nil {
		return nil, err
	}
	if finished {
		if err := a.Finalizer.Finalize(ctx, *advanced); err != nil {
			observability.CLILogger.Warn("Artifact finalization failed",
				zap.String("job_id", jobID),
				zap.Error(err))
		}
	}
	return advanced, nil
}
