package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/trainjobs/internal/errors"
	"github.com/3leaps/trainjobs/internal/server/handlers"
	"github.com/3leaps/trainjobs/internal/server/middleware"
	"github.com/3leaps/trainjobs/pkg/jobregistry"
	"github.com/3leaps/trainjobs/pkg/simulate"
)

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	store, err := jobregistry.NewStore(filepath.Join(t.TempDir(), "jobs_store.json"))
	require.NoError(t, err)
	exec := jobregistry.NewExecutor(store, jobregistry.StaticSettings{Mode: jobregistry.PolicyMock})

	base := []Option{
		WithJobs(handlers.NewJobs(handlers.JobsConfig{
			Executor:  exec,
			Simulator: simulate.NewElapsedSimulator(),
		})),
		WithDiagnostics(handlers.Diagnostics{Executor: exec, DevMode: true}),
	}
	return New("127.0.0.1", 0, append(base, opts...)...)
}

func serve(srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_NotFoundEnvelope(t *testing.T) {
	srv := New("127.0.0.1", 0)
	rec := serve(srv, http.MethodGet, "/does-not-exist", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.OK)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := New("127.0.0.1", 0)
	rec := serve(srv, http.MethodPost, "/version", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
}

func TestServer_Port(t *testing.T) {
	for _, port := range []int{8080, 9000, 0} {
		srv := New("127.0.0.1", port)
		assert.Equal(t, port, srv.Port())
	}
	assert.Equal(t, "127.0.0.1:8080", New("127.0.0.1", 8080).Addr())
}

func TestServer_RoutesRegistered(t *testing.T) {
	handlers.InitHealthManager("test")
	srv := newTestServer(t)

	for _, ep := range []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/health/live", http.StatusOK},
		{http.MethodGet, "/health/ready", http.StatusOK},
		{http.MethodGet, "/health/startup", http.StatusOK},
		{http.MethodGet, "/version", http.StatusOK},
		{http.MethodGet, "/api/v1/diagnostics", http.StatusOK},
		{http.MethodGet, "/api/v1/jobs", http.StatusOK},
		{http.MethodPost, "/api/v1/jobs", http.StatusAccepted},
		{http.MethodGet, "/api/v1/jobs/job-missing", http.StatusNotFound},
	} {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			rec := serve(srv, ep.method, ep.path, "", nil)
			assert.Equal(t, ep.want, rec.Code, rec.Body.String())
		})
	}
}

func TestServer_JobsNotMountedWithoutExecutor(t *testing.T) {
	rec := serve(New("127.0.0.1", 0), http.MethodGet, "/api/v1/jobs", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_SecurityHeadersAndRequestID(t *testing.T) {
	srv := newTestServer(t)
	rec := serve(srv, http.MethodGet, "/api/v1/jobs", "", map[string]string{
		middleware.RequestIDHeader: "req-client00001",
	})
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "req-client00001", rec.Header().Get(middleware.RequestIDHeader))

	var body struct {
		Data struct {
			Correlation handlers.Correlation `json:"correlation"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "req-client00001", body.Data.Correlation.RequestID)
}

func TestServer_APIToken(t *testing.T) {
	handlers.InitHealthManager("test")
	srv := newTestServer(t, WithAPIToken("s3cret"))

	assert.Equal(t, http.StatusUnauthorized, serve(srv, http.MethodGet, "/api/v1/jobs", "", nil).Code)
	assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/api/v1/jobs", "",
		map[string]string{middleware.APITokenHeader: "s3cret"}).Code)

	// Diagnostics and health stay open.
	assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/api/v1/diagnostics", "", nil).Code)
	assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/health/live", "", nil).Code)
}

func TestServer_SubmitRateLimited(t *testing.T) {
	srv := newTestServer(t, WithRateLimiter(middleware.NewRateLimiter(0.001, 1)))

	assert.Equal(t, http.StatusAccepted, serve(srv, http.MethodPost, "/api/v1/jobs", "", nil).Code)
	rec := serve(srv, http.MethodPost, "/api/v1/jobs", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Reads are not throttled.
	assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/api/v1/jobs", "", nil).Code)
}
