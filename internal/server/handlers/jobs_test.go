package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/trainjobs/internal/errors"
	"github.com/3leaps/trainjobs/pkg/jobregistry"
	"github.com/3leaps/trainjobs/pkg/journal"
	"github.com/3leaps/trainjobs/pkg/simulate"
)

type jobsFixture struct {
	jobs     *Jobs
	exec     *jobregistry.Executor
	router   chi.Router
	now      time.Time
	finished atomic.Int32
}

func newJobsFixture(t *testing.T, events EventLister) *jobsFixture {
	t.Helper()
	store, err := jobregistry.NewStore(filepath.Join(t.TempDir(), "jobs_store.json"))
	require.NoError(t, err)
	exec := jobregistry.NewExecutor(store, jobregistry.StaticSettings{Mode: jobregistry.PolicyMock})

	f := &jobsFixture{exec: exec, now: time.Unix(1_700_000_000, 0)}
	f.jobs = NewJobs(JobsConfig{
		Executor:  exec,
		Simulator: simulate.NewElapsedSimulator(),
		Finalizer: jobregistry.FinalizerFunc(func(ctx context.Context, rec jobregistry.JobRecord) error {
			f.finished.Add(1)
			return nil
		}),
		Events: events,
		Now:    func() time.Time { return f.now },
	})

	r := chi.NewRouter()
	r.Post("/api/v1/jobs", f.jobs.Submit)
	r.Get("/api/v1/jobs", f.jobs.List)
	r.Get("/api/v1/jobs/{jobID}", f.jobs.Get)
	r.Post("/api/v1/jobs/{jobID}/cancel", f.jobs.Cancel)
	r.Get("/api/v1/jobs/{jobID}/logs", f.jobs.Logs)
	r.Get("/api/v1/jobs/{jobID}/events", f.jobs.Events)
	f.router = r
	return f
}

func (f *jobsFixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(apperrors.WithRequestID(req.Context(), "req-test"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func (f *jobsFixture) submit(t *testing.T, body string) string {
	t.Helper()
	rec, out := f.do(t, http.MethodPost, "/api/v1/jobs", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	return out["data"].(map[string]any)["job_id"].(string)
}

func data(out map[string]any) map[string]any {
	return out["data"].(map[string]any)
}

func errorCode(out map[string]any) string {
	return out["error"].(map[string]any)["code"].(string)
}

func TestJobs_SubmitDefaults(t *testing.T) {
	f := newJobsFixture(t, nil)

	rec, out := f.do(t, http.MethodPost, "/api/v1/jobs", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, out["ok"])

	d := data(out)
	assert.True(t, strings.HasPrefix(d["job_id"].(string), "job-"))
	assert.Equal(t, "run-1700000000", d["run_id"])
	assert.Equal(t, "queued", d["status"])
	assert.Equal(t, "mock", d["execution_mode"])

	corr := d["correlation"].(map[string]any)
	assert.Equal(t, "req-test", corr["request_id"])
	assert.Equal(t, d["job_id"], corr["job_id"])

	stored, ok := f.exec.Store().Get(d["job_id"].(string))
	require.True(t, ok)
	assert.Equal(t, DefaultModelType, stored.ModelType)
	assert.Equal(t, DefaultFeatureMode, stored.FeatureMode)
}

func TestJobs_SubmitAliases(t *testing.T) {
	f := newJobsFixture(t, nil)

	id := f.submit(t, `{"runId":"r-camel","model":"gru","feature_mode":"multivariate"}`)
	stored, ok := f.exec.Store().Get(id)
	require.True(t, ok)
	assert.Equal(t, "r-camel", stored.RunID)
	assert.Equal(t, "gru", stored.ModelType)
	assert.Equal(t, "multivariate", stored.FeatureMode)

	id = f.submit(t, `{"run_id":"r-snake","runId":"ignored","model_type":"tcn","model":"ignored"}`)
	stored, _ = f.exec.Store().Get(id)
	assert.Equal(t, "r-snake", stored.RunID)
	assert.Equal(t, "tcn", stored.ModelType)
}

func TestJobs_SubmitValidation(t *testing.T) {
	f := newJobsFixture(t, nil)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"malformed body", `{"run_id":`, ""},
		{"path separator", `{"run_id":"a/b"}`, "run_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := f.do(t, http.MethodPost, "/api/v1/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, false, out["ok"])
			assert.Equal(t, apperrors.CodeValidation, errorCode(out))
			if tt.field != "" {
				details := out["error"].(map[string]any)["details"].(map[string]any)
				assert.Equal(t, tt.field, details["field"])
			}
		})
	}
	assert.Empty(t, f.exec.Store().ListRecent(10))
}

func TestJobs_SubmitStrictRunID(t *testing.T) {
	f := newJobsFixture(t, nil)
	f.jobs.runIDMode = jobregistry.RunIDStrict

	rec, _ := f.do(t, http.MethodPost, "/api/v1/jobs", `{"run_id":"loose-id"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.submit(t, `{"run_id":"20240101_120000_abc1234"}`)
}

func TestJobs_GetAdvancesMockJob(t *testing.T) {
	f := newJobsFixture(t, nil)
	id := f.submit(t, `{"run_id":"r1"}`)

	f.now = f.now.Add(2 * time.Second)
	rec, out := f.do(t, http.MethodGet, "/api/v1/jobs/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", data(out)["status"])
	assert.Equal(t, float64(simulate.DefaultRunningProgress), data(out)["progress"])
	assert.Equal(t, int32(0), f.finished.Load())

	f.now = f.now.Add(5 * time.Second)
	_, out = f.do(t, http.MethodGet, "/api/v1/jobs/"+id, "")
	assert.Equal(t, "succeeded", data(out)["status"])
	assert.Equal(t, float64(100), data(out)["progress"])

	// Reading a terminal job again does not finalize twice.
	f.do(t, http.MethodGet, "/api/v1/jobs/"+id, "")
	assert.Equal(t, int32(1), f.finished.Load())

	stored, _ := f.exec.Store().Get(id)
	assert.Equal(t, jobregistry.StatusSucceeded, stored.Status)
}

func TestJobs_GetNotFound(t *testing.T) {
	f := newJobsFixture(t, nil)
	rec, out := f.do(t, http.MethodGet, "/api/v1/jobs/job-missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.CodeNotFound, errorCode(out))
}

func TestJobs_List(t *testing.T) {
	f := newJobsFixture(t, nil)
	for _, run := range []string{"exp-a-1", "exp-a-2", "exp-b-1"} {
		f.submit(t, `{"run_id":"`+run+`"}`)
		f.now = f.now.Add(10 * time.Millisecond)
	}

	_, out := f.do(t, http.MethodGet, "/api/v1/jobs", "")
	jobs := data(out)["jobs"].([]any)
	require.Len(t, jobs, 3)
	assert.Equal(t, "exp-b-1", jobs[0].(map[string]any)["run_id"])

	_, out = f.do(t, http.MethodGet, "/api/v1/jobs?limit=1", "")
	assert.Len(t, data(out)["jobs"].([]any), 1)

	_, out = f.do(t, http.MethodGet, "/api/v1/jobs?match=exp-a-*", "")
	jobs = data(out)["jobs"].([]any)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.True(t, strings.HasPrefix(j.(map[string]any)["run_id"].(string), "exp-a-"))
	}
}

func TestJobs_ListRejectsBadParams(t *testing.T) {
	f := newJobsFixture(t, nil)
	for _, q := range []string{"limit=0", "limit=101", "limit=abc", "match=%5B"} {
		t.Run(q, func(t *testing.T) {
			rec, out := f.do(t, http.MethodGet, "/api/v1/jobs?"+q, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, apperrors.CodeValidation, errorCode(out))
		})
	}
}

func TestJobs_CancelMockJob(t *testing.T) {
	f := newJobsFixture(t, nil)
	id := f.submit(t, `{"run_id":"r1"}`)

	rec, out := f.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	d := data(out)
	assert.Equal(t, false, d["signaled"])
	job := d["job"].(map[string]any)
	assert.Equal(t, "canceled", job["status"])
	assert.Equal(t, true, job["canceled"])

	// Canceling a terminal job is a no-op.
	rec, out = f.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "canceled", data(out)["job"].(map[string]any)["status"])
	assert.Equal(t, int32(0), f.finished.Load())
}

func TestJobs_CancelNotFound(t *testing.T) {
	f := newJobsFixture(t, nil)
	rec, _ := f.do(t, http.MethodPost, "/api/v1/jobs/job-nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobs_MockLogs(t *testing.T) {
	f := newJobsFixture(t, nil)
	id := f.submit(t, `{"run_id":"r1"}`)

	rec, out := f.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	lines := data(out)["lines"].([]any)
	require.Len(t, lines, 3)
	first := lines[0].(map[string]any)
	assert.Equal(t, "job accepted", first["message"])
	assert.Equal(t, simulate.SourceMock, first["source"])
	assert.Equal(t, id, first["job_id"])
	assert.Equal(t, "r1", first["run_id"])
	assert.Equal(t, "req-test", first["request_id"])

	_, out = f.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/logs?offset=2&limit=5", "")
	assert.Len(t, data(out)["lines"].([]any), 1)

	_, out = f.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/logs?offset=10", "")
	assert.Empty(t, data(out)["lines"].([]any))
}

func TestJobs_LogsRejectsBadParams(t *testing.T) {
	f := newJobsFixture(t, nil)
	id := f.submit(t, `{"run_id":"r1"}`)
	for _, q := range []string{"offset=-1", "limit=0", "limit=1001"} {
		rec, _ := f.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/logs?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestJobs_EventsDisabled(t *testing.T) {
	f := newJobsFixture(t, nil)
	id := f.submit(t, `{"run_id":"r1"}`)
	rec, out := f.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/events", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, apperrors.CodeServiceUnavailable, errorCode(out))
}

func TestJobs_EventsFromJournal(t *testing.T) {
	j, err := journal.Open(context.Background(), journal.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	f := newJobsFixture(t, j)
	id := f.submit(t, `{"run_id":"r1"}`)
	stored, _ := f.exec.Store().Get(id)
	require.NoError(t, j.Append(context.Background(), *stored))

	rec, out := f.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := data(out)["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "queued", events[0].(map[string]any)["status"])
}
