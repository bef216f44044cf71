package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	apperrors "github.com/3leaps/trainjobs/internal/errors"
	"github.com/3leaps/trainjobs/internal/server/handlers"
	"github.com/3leaps/trainjobs/internal/server/middleware"
	"github.com/3leaps/trainjobs/pkg/jobregistry"
	"github.com/3leaps/trainjobs/pkg/journal"
	"github.com/3leaps/trainjobs/pkg/output"
)

const (
	apiTimeout         = 15 * time.Second
	followPollInterval = time.Second
)

var (
	submitRunID       string
	submitModelType   string
	submitFeatureMode string

	logsOffset int
	logsLimit  int
	logsFollow bool

	eventsLimit int
)

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job to the server",
	Args:  cobra.NoArgs,
	RunE:  runJobsSubmit,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Request cancellation of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show buffered log lines for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsEventsCmd = &cobra.Command{
	Use:   "events <job_id>",
	Short: "Show the recorded status transitions of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsEvents,
}

func init() {
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsLogsCmd)
	jobsCmd.AddCommand(jobsEventsCmd)

	jobsSubmitCmd.Flags().StringVar(&submitRunID, "run-id", "", "Run id (default: run-<unix time>)")
	jobsSubmitCmd.Flags().StringVar(&submitModelType, "model", "", "Model type (default: lstm)")
	jobsSubmitCmd.Flags().StringVar(&submitFeatureMode, "feature-mode", "", "Feature mode (default: univariate)")

	jobsLogsCmd.Flags().IntVar(&logsOffset, "offset", 0, "Skip this many lines")
	jobsLogsCmd.Flags().IntVar(&logsLimit, "limit", 200, "Maximum lines per request (1-1000)")
	jobsLogsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Keep polling until the job is terminal")

	jobsEventsCmd.Flags().IntVar(&eventsLimit, "limit", journal.DefaultLimit, "Maximum events to show")
}

// APIError is a non-ok response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(cmd *cobra.Command) (*apiClient, error) {
	cfg, err := loadConfig(cmd.Context(), nil)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	base, err := apiBaseURL(cfg)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid --server", err)
	}
	token := strings.TrimSpace(jobsToken)
	if token == "" {
		token = cfg.Server.APIToken
	}
	return &apiClient{base: base, token: token, http: &http.Client{Timeout: apiTimeout}}, nil
}

// do sends a request and decodes the data member of the envelope into out.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(middleware.APITokenHeader, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var env apperrors.HTTPErrorResponse
		if jerr := json.Unmarshal(raw, &env); jerr != nil || env.Error.Code == "" {
			return &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(raw))}
		}
		return &APIError{Status: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message}
	}

	env := struct {
		OK   bool            `json:"ok"`
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// remoteError maps client failures onto exit codes.
func remoteError(message string, err error) error {
	if errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitSignalInt, message, err)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusNotFound:
			return exitError(foundry.ExitFileNotFound, message, err)
		case apiErr.Status < http.StatusInternalServerError:
			return exitError(foundry.ExitInvalidArgument, message, err)
		}
	}
	return exitError(foundry.ExitExternalServiceUnavailable, message, err)
}

func refuseReadOnly(action string) error {
	if IsReadOnly() {
		return exitError(foundry.ExitInvalidArgument, "readonly mode enabled: refusing to "+action,
			fmt.Errorf("disable --readonly or unset TRAINJOBS_READONLY"))
	}
	return nil
}

type submitResult struct {
	JobID         string                    `json:"job_id"`
	RunID         string                    `json:"run_id"`
	Status        jobregistry.Status        `json:"status"`
	Message       string                    `json:"message"`
	ExecutionMode jobregistry.ExecutionMode `json:"execution_mode"`
	Correlation   handlers.Correlation      `json:"correlation"`
}

func runJobsSubmit(cmd *cobra.Command, _ []string) error {
	if err := refuseReadOnly("submit jobs"); err != nil {
		return err
	}
	format, err := outputFormat()
	if err != nil {
		return err
	}
	client, err := newAPIClient(cmd)
	if err != nil {
		return err
	}

	body := map[string]string{}
	if submitRunID != "" {
		body["run_id"] = submitRunID
	}
	if submitModelType != "" {
		body["model_type"] = submitModelType
	}
	if submitFeatureMode != "" {
		body["feature_mode"] = submitFeatureMode
	}

	var res submitResult
	if err := client.do(cmd.Context(), http.MethodPost, "/api/v1/jobs", body, &res); err != nil {
		return remoteError("Submit failed", err)
	}
	out := cmd.OutOrStdout()
	if format != output.FormatTable {
		return output.Encode(out, format, res)
	}
	_, _ = fmt.Fprintf(out, "job_id=%s\nrun_id=%s\nstatus=%s\nexecution_mode=%s\n",
		res.JobID, res.RunID, res.Status, res.ExecutionMode)
	return nil
}

type cancelResult struct {
	Job      handlers.JobPayload `json:"job"`
	Signaled bool                `json:"signaled"`
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	if err := refuseReadOnly("cancel jobs"); err != nil {
		return err
	}
	format, err := outputFormat()
	if err != nil {
		return err
	}
	client, err := newAPIClient(cmd)
	if err != nil {
		return err
	}

	var res cancelResult
	path := "/api/v1/jobs/" + url.PathEscape(strings.TrimSpace(args[0])) + "/cancel"
	if err := client.do(cmd.Context(), http.MethodPost, path, nil, &res); err != nil {
		return remoteError("Cancel failed", err)
	}
	out := cmd.OutOrStdout()
	if format != output.FormatTable {
		return output.Encode(out, format, res)
	}
	_, _ = fmt.Fprintf(out, "job_id=%s\nstatus=%s\ncanceled=%t\nsignaled=%t\n",
		res.Job.JobID, res.Job.Status, res.Job.Canceled, res.Signaled)
	return nil
}

type logsResult struct {
	JobID string                    `json:"job_id"`
	Lines []handlers.LogLinePayload `json:"lines"`
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	format, err := outputFormat()
	if err != nil {
		return err
	}
	if logsOffset < 0 || logsLimit < 1 || logsLimit > 1000 {
		return exitError(foundry.ExitInvalidArgument, "Invalid paging", fmt.Errorf("offset must be >= 0 and limit between 1 and 1000"))
	}
	client, err := newAPIClient(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	jobID := url.PathEscape(strings.TrimSpace(args[0]))
	out := cmd.OutOrStdout()
	offset := logsOffset
	for {
		var res logsResult
		path := fmt.Sprintf("/api/v1/jobs/%s/logs?offset=%d&limit=%d", jobID, offset, logsLimit)
		if err := client.do(ctx, http.MethodGet, path, nil, &res); err != nil {
			return remoteError("Fetching logs failed", err)
		}
		if !logsFollow {
			if format != output.FormatTable {
				return output.Encode(out, format, res)
			}
			for _, l := range res.Lines {
				writeLogLine(out, l.LogLine)
			}
			return nil
		}

		for _, l := range res.Lines {
			if format != output.FormatTable {
				if err := output.Encode(out, output.FormatJSON, l); err != nil {
					return err
				}
				continue
			}
			writeLogLine(out, l.LogLine)
		}
		offset += len(res.Lines)
		if len(res.Lines) == logsLimit {
			continue
		}

		var job handlers.JobPayload
		if err := client.do(ctx, http.MethodGet, "/api/v1/jobs/"+jobID, nil, &job); err != nil {
			return remoteError("Fetching job failed", err)
		}
		if job.Status.IsTerminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return exitError(foundry.ExitSignalInt, "Log follow cancelled", ctx.Err())
		case <-time.After(followPollInterval):
		}
	}
}

func writeLogLine(out io.Writer, l jobregistry.LogLine) {
	_, _ = fmt.Fprintf(out, "%s %-5s [%s] %s\n", l.TS, l.Level, l.Source, l.Message)
}

type eventsResult struct {
	JobID  string          `json:"job_id"`
	Events []journal.Event `json:"events"`
}

func runJobsEvents(cmd *cobra.Command, args []string) error {
	format, err := outputFormat()
	if err != nil {
		return err
	}
	client, err := newAPIClient(cmd)
	if err != nil {
		return err
	}

	var res eventsResult
	path := "/api/v1/jobs/" + url.PathEscape(strings.TrimSpace(args[0])) + "/events?limit=" + strconv.Itoa(eventsLimit)
	if err := client.do(cmd.Context(), http.MethodGet, path, nil, &res); err != nil {
		return remoteError("Fetching events failed", err)
	}
	out := cmd.OutOrStdout()
	if format != output.FormatTable {
		return output.Encode(out, format, res)
	}
	if len(res.Events) == 0 {
		_, _ = fmt.Fprintln(out, "No events recorded")
		return nil
	}
	w := output.NewTable(out)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "RECORDED\tSTATUS\tSTEP\tPROGRESS\tEXIT\tMESSAGE")
	for _, ev := range res.Events {
		exit := "-"
		if ev.ExitCode != nil {
			exit = strconv.Itoa(*ev.ExitCode)
		}
		msg := ev.Message
		if ev.ErrorMessage != "" {
			msg = ev.ErrorMessage
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
			ev.RecordedAt.UTC().Format(time.RFC3339), ev.Status, orDash(ev.Step), ev.Progress, exit, orDash(msg))
	}
	return nil
}
