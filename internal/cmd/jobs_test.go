package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/trainjobs/internal/config"
	"github.com/3leaps/trainjobs/internal/server/middleware"
	"github.com/3leaps/trainjobs/pkg/jobregistry"
)

// jobsEnv points every config path at a temp directory.
type jobsEnv struct {
	dir       string
	storePath string
}

func newJobsEnv(t *testing.T) *jobsEnv {
	t.Helper()
	dir := t.TempDir()
	env := &jobsEnv{dir: dir, storePath: filepath.Join(dir, "jobs_store.json")}
	t.Setenv("TRAINJOBS_CONFIG", "")
	t.Setenv("TRAINJOBS_STORE_PATH", env.storePath)
	t.Setenv("TRAINJOBS_ARTIFACTS_DIR", filepath.Join(dir, "artifacts"))
	t.Setenv("TRAINJOBS_JOURNAL_ENABLED", "false")
	t.Setenv("TRAINJOBS_JOURNAL_PATH", filepath.Join(dir, "journal.db"))
	t.Setenv("TRAINJOBS_EXECUTOR_MODE", "mock")
	return env
}

// seed writes two finished real jobs and one fresh mock job.
func (e *jobsEnv) seed(t *testing.T) []*jobregistry.JobRecord {
	t.Helper()
	store, err := jobregistry.NewStore(e.storePath)
	require.NoError(t, err)

	base := time.Now().Add(-time.Hour)
	zero := 0
	one := 1
	recs := []*jobregistry.JobRecord{
		{
			JobID: "job-aaa111", RunID: "exp-1", ModelType: "lstm", FeatureMode: "univariate",
			CreatedAt: jobregistry.EpochSeconds(base), Status: jobregistry.StatusSucceeded,
			Step: "finished", Progress: 100, ExecutionMode: jobregistry.ModeReal, ExitCode: &zero,
		},
		{
			JobID: "job-aab222", RunID: "baseline", ModelType: "gru", FeatureMode: "multivariate",
			CreatedAt: jobregistry.EpochSeconds(base.Add(time.Minute)), Status: jobregistry.StatusFailed,
			Step: "failed", Progress: 40, ExecutionMode: jobregistry.ModeReal, ExitCode: &one,
			ErrorMessage: "runner exited with code 1",
		},
	}
	fresh := jobregistry.NewJobRecord("exp-2", "lstm", "univariate", time.Now())
	fresh.JobID = "job-bbb333"
	recs = append(recs, fresh)

	for _, r := range recs {
		require.NoError(t, store.Upsert(r))
	}
	return recs
}

func resetCommandState(t *testing.T) {
	t.Helper()
	jobsOutput = "table"
	jobsServer = ""
	jobsToken = ""
	jobsListLimit = 10
	jobsListMatch = ""
	storePath = ""
	cfgFile = ""
	submitRunID = ""
	submitModelType = ""
	submitFeatureMode = ""
	logsOffset = 0
	logsLimit = 200
	logsFollow = false
	runRunID = ""
	runModelType = "lstm"
	runFeatureMode = "univariate"
	runMode = ""
	doctorProvider = ""
	resetReadOnly(t)
}

// executeCommand runs the root command with args and returns its stdout.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetCommandState(t)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(args)

	err := rootCmd.ExecuteContext(context.Background())

	rootCmd.SetArgs(nil)
	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	resetCommandState(t)
	return buf.String(), err
}

func TestJobsList_Table(t *testing.T) {
	env := newJobsEnv(t)
	env.seed(t)

	out, err := executeCommand(t, "jobs", "list")
	require.NoError(t, err)

	assert.Contains(t, out, "JOB ID")
	assert.Contains(t, out, "job-aaa111")
	assert.Contains(t, out, "baseline")
	assert.Contains(t, out, "exp-2")
}

func TestJobsList_JSONWithMatchAndLimit(t *testing.T) {
	env := newJobsEnv(t)
	env.seed(t)

	out, err := executeCommand(t, "jobs", "list", "-o", "json", "--match", "exp-*")
	require.NoError(t, err)

	var jobs []jobregistry.JobRecord
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 2)
	assert.Equal(t, "exp-2", jobs[0].RunID)
	assert.Equal(t, "exp-1", jobs[1].RunID)

	out, err = executeCommand(t, "jobs", "list", "-o", "json", "--limit", "1")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-bbb333", jobs[0].JobID)
}

func TestJobsList_DoesNotPersistSimulation(t *testing.T) {
	env := newJobsEnv(t)
	env.seed(t)
	before, err := os.ReadFile(env.storePath)
	require.NoError(t, err)

	_, err = executeCommand(t, "jobs", "list", "-o", "json")
	require.NoError(t, err)

	after, err := os.ReadFile(env.storePath)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestJobsList_Errors(t *testing.T) {
	env := newJobsEnv(t)
	env.seed(t)

	_, err := executeCommand(t, "jobs", "list", "-o", "xml")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))

	_, err = executeCommand(t, "jobs", "list", "--match", "exp-[")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))

	_, err = executeCommand(t, "jobs", "list", "--store", filepath.Join(env.dir, "missing.json"))
	require.Error(t, err)
	assert.Equal(t, foundry.ExitFileNotFound, ExitCode(err))
}

func TestJobsList_Empty(t *testing.T) {
	env := newJobsEnv(t)
	store, err := jobregistry.NewStore(env.storePath)
	require.NoError(t, err)
	rec := jobregistry.NewJobRecord("only", "lstm", "univariate", time.Now())
	require.NoError(t, store.Upsert(rec))

	out, err := executeCommand(t, "jobs", "list", "--match", "nothing-*")
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs found")
}

func TestJobsStatus_PrefixAndFormats(t *testing.T) {
	env := newJobsEnv(t)
	env.seed(t)

	out, err := executeCommand(t, "jobs", "status", "job-aab")
	require.NoError(t, err)
	assert.Contains(t, out, "job_id=job-aab222")
	assert.Contains(t, out, "status=failed")
	assert.Contains(t, out, "exit_code=1")
	assert.Contains(t, out, "error_message=runner exited with code 1")

	out, err = executeCommand(t, "jobs", "status", "job-aaa111", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "run_id: exp-1")
	assert.Contains(t, out, "status: succeeded")

	_, err = executeCommand(t, "jobs", "status", "job-aa")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")

	_, err = executeCommand(t, "jobs", "status", "job-zzz")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
}

func TestResolveJobID(t *testing.T) {
	env := newJobsEnv(t)
	env.seed(t)
	store, err := jobregistry.NewStore(env.storePath)
	require.NoError(t, err)

	id, err := resolveJobID(store, "job-bbb333")
	require.NoError(t, err)
	assert.Equal(t, "job-bbb333", id)

	id, err = resolveJobID(store, "  job-b ")
	require.NoError(t, err)
	assert.Equal(t, "job-bbb333", id)

	_, err = resolveJobID(store, "")
	assert.Error(t, err)
}

func TestAPIBaseURL(t *testing.T) {
	defer func() { jobsServer = "" }()
	cfg := &config.Config{Server: config.ServerConfig{Host: "0.0.0.0", Port: 9000}}

	jobsServer = ""
	got, err := apiBaseURL(cfg)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9000", got)

	cfg.Server.Host = "::1"
	got, err = apiBaseURL(cfg)
	require.NoError(t, err)
	assert.Equal(t, "http://[::1]:9000", got)

	jobsServer = "http://jobs.internal:8080/"
	got, err = apiBaseURL(cfg)
	require.NoError(t, err)
	assert.Equal(t, "http://jobs.internal:8080", got)

	jobsServer = "jobs.internal"
	_, err = apiBaseURL(cfg)
	assert.Error(t, err)
}

func TestAPIClient_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get(middleware.APITokenHeader) != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"ok":false,"error":{"code":"UNAUTHORIZED","message":"missing token"}}`))
			return
		}
		switch r.URL.Path {
		case "/api/v1/jobs/job-1":
			_, _ = w.Write([]byte(`{"ok":true,"data":{"job_id":"job-1","status":"running"}}`))
		case "/broken":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"ok":false,"error":{"code":"JOB_NOT_FOUND","message":"job not found"}}`))
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	client := &apiClient{base: srv.URL, token: "secret", http: srv.Client()}

	var got struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	require.NoError(t, client.do(ctx, http.MethodGet, "/api/v1/jobs/job-1", nil, &got))
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "running", got.Status)

	err := client.do(ctx, http.MethodGet, "/api/v1/jobs/job-2", nil, &got)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "JOB_NOT_FOUND", apiErr.Code)
	assert.Equal(t, foundry.ExitFileNotFound, ExitCode(remoteError("Status failed", err)))

	err = client.do(ctx, http.MethodGet, "/broken", nil, nil)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "upstream down", apiErr.Message)
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(remoteError("Status failed", err)))

	anon := &apiClient{base: srv.URL, http: srv.Client()}
	err = anon.do(ctx, http.MethodGet, "/api/v1/jobs/job-1", nil, nil)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "UNAUTHORIZED", apiErr.Code)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(remoteError("Status failed", err)))
}

func TestRemoteError_Canceled(t *testing.T) {
	err := remoteError("Submit failed", context.Canceled)
	assert.Equal(t, foundry.ExitSignalInt, ExitCode(err))
}

func TestJobsSubmit_Remote(t *testing.T) {
	newJobsEnv(t)

	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/jobs", r.URL.Path)
		assert.Equal(t, "tok", r.Header.Get(middleware.APITokenHeader))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true,"data":{"job_id":"job-new","run_id":"exp-9","status":"queued","execution_mode":"mock"}}`))
	}))
	defer srv.Close()

	out, err := executeCommand(t, "jobs", "submit", "--server", srv.URL, "--token", "tok", "--run-id", "exp-9", "--model", "gru")
	require.NoError(t, err)
	assert.Contains(t, out, "job_id=job-new")
	assert.Contains(t, out, "execution_mode=mock")
	assert.Equal(t, map[string]string{"run_id": "exp-9", "model_type": "gru"}, body)
}

func TestJobsRun_MockSucceeds(t *testing.T) {
	env := newJobsEnv(t)
	t.Setenv("TRAINJOBS_SIMULATOR_QUEUED_FOR", "10ms")
	t.Setenv("TRAINJOBS_SIMULATOR_RUNNING_FOR", "20ms")

	out, err := executeCommand(t, "jobs", "run", "--run-id", "smoke")
	require.NoError(t, err)
	assert.Contains(t, out, "==> status=")
	assert.Contains(t, out, "==> finished status=succeeded")

	store, err := jobregistry.NewStore(env.storePath)
	require.NoError(t, err)
	jobs := store.ListRecent(10)
	require.Len(t, jobs, 1)
	assert.Equal(t, "smoke", jobs[0].RunID)
	assert.Equal(t, jobregistry.StatusSucceeded, jobs[0].Status)
}

func TestJobsRun_JSONLines(t *testing.T) {
	newJobsEnv(t)
	t.Setenv("TRAINJOBS_SIMULATOR_QUEUED_FOR", "10ms")
	t.Setenv("TRAINJOBS_SIMULATOR_RUNNING_FOR", "20ms")

	out, err := executeCommand(t, "jobs", "run", "--run-id", "smoke-json", "-o", "json")
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace([]byte(out)), []byte("\n"))
	require.NotEmpty(t, lines)
	var last struct {
		Type  string `json:"type"`
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &last))
	assert.Equal(t, "trainjobs.summary.v1", last.Type)
	assert.Equal(t, "smoke-json", last.RunID)
}

func TestJobsRun_RejectsBadInput(t *testing.T) {
	newJobsEnv(t)

	_, err := executeCommand(t, "jobs", "run", "-o", "yaml")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))

	_, err = executeCommand(t, "jobs", "run", "--mode", "sometimes")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
}

func TestOrDash(t *testing.T) {
	assert.Equal(t, "-", orDash(""))
	assert.Equal(t, "-", orDash("  "))
	assert.Equal(t, "x", orDash("x"))
}
