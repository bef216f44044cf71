package cmd

import (
	"fmt"
	"io"
	"math"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/trainjobs/internal/config"
	"github.com/3leaps/trainjobs/internal/observability"
	"github.com/3leaps/trainjobs/pkg/jobregistry"
	"github.com/3leaps/trainjobs/pkg/output"
	"github.com/3leaps/trainjobs/pkg/simulate"
)

var (
	jobsOutput string
	jobsServer string
	jobsToken  string

	jobsListLimit int
	jobsListMatch string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage training jobs",
	Long: `Inspect and control training jobs.

list and status read the job table directly and work without a running
server. submit, cancel, logs and events talk to the API (--server).
run executes a single job in the foreground.

Job ids may be shortened to any unique prefix.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)

	jobsCmd.PersistentFlags().StringVarP(&jobsOutput, "output", "o", "table", "Output format: table, json or yaml")
	jobsCmd.PersistentFlags().StringVar(&jobsServer, "server", "", "API base URL (default: http://<server.host>:<server.port>)")
	jobsCmd.PersistentFlags().StringVar(&jobsToken, "token", "", "API token (default: server.api_token)")

	jobsListCmd.Flags().IntVar(&jobsListLimit, "limit", 10, "Maximum number of jobs to show (0 = all)")
	jobsListCmd.Flags().StringVar(&jobsListMatch, "match", "", "Only show jobs whose run_id matches this glob (supports **)")
}

func outputFormat() (output.Format, error) {
	f, err := output.ParseFormat(jobsOutput)
	if err != nil {
		return "", exitError(foundry.ExitInvalidArgument, "Invalid --output", err)
	}
	return f, nil
}

// openLocalStore opens the configured job table and the simulator used to
// present mock jobs the way the server would.
func openLocalStore(cmd *cobra.Command) (*jobregistry.Store, simulate.Simulator, error) {
	cfg, err := loadConfig(cmd.Context(), nil)
	if err != nil {
		return nil, nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if _, err := os.Stat(cfg.Store.Path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil, exitError(foundry.ExitFileNotFound, "Job table not found", fmt.Errorf("%s does not exist", cfg.Store.Path))
		}
		return nil, nil, exitError(foundry.ExitFileReadError, "Cannot read job table", err)
	}
	store, err := jobregistry.NewStore(cfg.Store.Path, jobregistry.WithLogger(observability.CLILogger))
	if err != nil {
		return nil, nil, exitError(foundry.ExitFileReadError, "Cannot open job table", err)
	}
	if d := store.Diagnostics(); d.CorruptedFile != "" {
		observability.CLILogger.Warn("Job table was unreadable and has been set aside",
			zap.String("corrupted_file", d.CorruptedFile))
	}
	sim := &simulate.ElapsedSimulator{
		QueuedFor:       cfg.Simulator.QueuedFor,
		RunningFor:      cfg.Simulator.RunningFor,
		RunningProgress: cfg.Simulator.RunningProgress,
	}
	return store, sim, nil
}

// presentRecord returns the simulated view of a mock job without persisting.
func presentRecord(sim simulate.Simulator, rec jobregistry.JobRecord, now time.Time) jobregistry.JobRecord {
	view := rec.Clone()
	if sim != nil {
		sim.Apply(view, now)
	}
	return *view
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	format, err := outputFormat()
	if err != nil {
		return err
	}
	pattern := strings.TrimSpace(jobsListMatch)
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return exitError(foundry.ExitInvalidArgument, "Invalid --match pattern", fmt.Errorf("%q is not a valid glob", pattern))
	}
	store, sim, err := openLocalStore(cmd)
	if err != nil {
		return err
	}

	limit := jobsListLimit
	if limit <= 0 {
		limit = math.MaxInt
	}
	now := time.Now()
	jobs := make([]jobregistry.JobRecord, 0)
	for _, rec := range store.ListRecent(math.MaxInt) {
		if pattern != "" {
			if ok, _ := doublestar.Match(pattern, rec.RunID); !ok {
				continue
			}
		}
		jobs = append(jobs, presentRecord(sim, rec, now))
		if len(jobs) == limit {
			break
		}
	}

	out := cmd.OutOrStdout()
	if format != output.FormatTable {
		return output.Encode(out, format, jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}
	writeJobsTable(out, jobs)
	return nil
}

func writeJobsTable(out io.Writer, jobs []jobregistry.JobRecord) {
	w := output.NewTable(out)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tRUN ID\tSTATUS\tSTEP\tPROGRESS\tMODE\tCREATED")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%s\t%s\n",
			j.JobID,
			orDash(j.RunID),
			j.Status,
			orDash(j.Step),
			j.Progress,
			orDash(string(j.ExecutionMode)),
			j.CreatedTime().UTC().Format(time.RFC3339),
		)
	}
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	format, err := outputFormat()
	if err != nil {
		return err
	}
	store, sim, err := openLocalStore(cmd)
	if err != nil {
		return err
	}
	jobID, err := resolveJobID(store, args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}
	rec, ok := store.Get(jobID)
	if !ok {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", jobregistry.ErrJobNotFound)
	}
	view := presentRecord(sim, *rec, time.Now())

	out := cmd.OutOrStdout()
	if format != output.FormatTable {
		return output.Encode(out, format, view)
	}
	writeJobStatus(out, view)
	return nil
}

func writeJobStatus(out io.Writer, rec jobregistry.JobRecord) {
	_, _ = fmt.Fprintf(out, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(out, "run_id=%s\n", rec.RunID)
	_, _ = fmt.Fprintf(out, "status=%s\n", rec.Status)
	_, _ = fmt.Fprintf(out, "step=%s\n", rec.Step)
	_, _ = fmt.Fprintf(out, "progress=%d\n", rec.Progress)
	_, _ = fmt.Fprintf(out, "model_type=%s\n", rec.ModelType)
	_, _ = fmt.Fprintf(out, "feature_mode=%s\n", rec.FeatureMode)
	_, _ = fmt.Fprintf(out, "execution_mode=%s\n", rec.ExecutionMode)
	_, _ = fmt.Fprintf(out, "created_at=%s\n", rec.CreatedTime().UTC().Format(time.RFC3339))
	if rec.UpdatedAt != "" {
		_, _ = fmt.Fprintf(out, "updated_at=%s\n", rec.UpdatedAt)
	}
	if rec.Message != "" {
		_, _ = fmt.Fprintf(out, "message=%s\n", rec.Message)
	}
	if rec.ErrorMessage != "" {
		_, _ = fmt.Fprintf(out, "error_message=%s\n", rec.ErrorMessage)
	}
	if rec.Canceled {
		_, _ = fmt.Fprintln(out, "canceled=true")
	}
	if rec.ExitCode != nil {
		_, _ = fmt.Fprintf(out, "exit_code=%d\n", *rec.ExitCode)
	}
}

// resolveJobID accepts a full job id or a unique prefix of one.
func resolveJobID(store *jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}
	if _, ok := store.Get(input); ok {
		return input, nil
	}

	matches := make([]string, 0, 2)
	for _, j := range store.ListRecent(math.MaxInt) {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("job not found: %s", input)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("job id prefix %q is ambiguous (%d matches)", input, len(matches))
	}
}

// apiBaseURL resolves --server, falling back to the configured listen
// address. Wildcard hosts are dialed on loopback.
func apiBaseURL(cfg *config.Config) (string, error) {
	if s := strings.TrimSpace(jobsServer); s != "" {
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return "", fmt.Errorf("invalid --server %q", s)
		}
		return strings.TrimRight(s, "/"), nil
	}
	host := cfg.Server.Host
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)), nil
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
