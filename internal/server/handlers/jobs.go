package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/trainjobs/internal/errors"
	"github.com/3leaps/trainjobs/pkg/jobregistry"
	"github.com/3leaps/trainjobs/pkg/journal"
	"github.com/3leaps/trainjobs/pkg/simulate"
)

const (
	DefaultModelType   = "lstm"
	DefaultFeatureMode = "univariate"

	defaultListLimit = 10
	maxListLimit     = 100
	defaultLogLimit  = 200
	maxLogLimit      = 1000
	maxBodyBytes     = 1 << 20
)

// EventLister reads the transition history of a job.
type EventLister interface {
	List(ctx context.Context, jobID string, limit int) ([]journal.Event, error)
}

// JobsConfig holds the collaborators of the job endpoints. Simulator,
// Finalizer and Events are optional.
type JobsConfig struct {
	Executor  *jobregistry.Executor
	Simulator simulate.Simulator
	Finalizer jobregistry.Finalizer
	Events    EventLister
	RunIDMode jobregistry.RunIDMode
	Logger    *zap.Logger
	Now       func() time.Time
}

// Jobs serves the /api/v1/jobs endpoints.
type Jobs struct {
	exec      *jobregistry.Executor
	store     *jobregistry.Store
	sim       simulate.Simulator
	finalizer jobregistry.Finalizer
	events    EventLister
	runIDMode jobregistry.RunIDMode
	logger    *zap.Logger
	now       func() time.Time
}

func NewJobs(cfg JobsConfig) *Jobs {
	j := &Jobs{
		exec:      cfg.Executor,
		sim:       cfg.Simulator,
		finalizer: cfg.Finalizer,
		events:    cfg.Events,
		runIDMode: cfg.RunIDMode,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if cfg.Executor != nil {
		j.store = cfg.Executor.Store()
	}
	if j.logger == nil {
		j.logger = zap.NewNop()
	}
	if j.now == nil {
		j.now = time.Now
	}
	return j
}

// Correlation ties a response to the request and job it concerns.
type Correlation struct {
	RequestID string `json:"request_id"`
	JobID     string `json:"job_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

// JobPayload is the API view of a job record.
type JobPayload struct {
	JobID         string                    `json:"job_id"`
	RunID         string                    `json:"run_id"`
	ModelType     string                    `json:"model_type"`
	FeatureMode   string                    `json:"feature_mode"`
	Status        jobregistry.Status        `json:"status"`
	Message       string                    `json:"message"`
	ErrorMessage  string                    `json:"error_message"`
	Step          string                    `json:"step"`
	Progress      int                       `json:"progress"`
	CreatedAt     string                    `json:"created_at"`
	UpdatedAt     string                    `json:"updated_at"`
	Canceled      bool                      `json:"canceled"`
	ExecutionMode jobregistry.ExecutionMode `json:"execution_mode"`
	ExitCode      *int                      `json:"exit_code"`
	Correlation   Correlation               `json:"correlation"`
}

// LogLinePayload is a log line enriched with correlation ids.
type LogLinePayload struct {
	jobregistry.LogLine
	RequestID string `json:"request_id"`
	JobID     string `json:"job_id"`
	RunID     string `json:"run_id"`
}

type submitRequest struct {
	RunID       string `json:"run_id"`
	RunIDCamel  string `json:"runId"`
	ModelType   string `json:"model_type"`
	Model       string `json:"model"`
	FeatureMode string `json:"feature_mode"`
}

func correlation(r *http.Request, rec *jobregistry.JobRecord) Correlation {
	c := Correlation{RequestID: apperrors.RequestIDFromContext(r.Context())}
	if rec != nil {
		c.JobID = rec.JobID
		c.RunID = rec.RunID
	}
	return c
}

func toPayload(r *http.Request, rec *jobregistry.JobRecord) JobPayload {
	return JobPayload{
		JobID:         rec.JobID,
		RunID:         rec.RunID,
		ModelType:     rec.ModelType,
		FeatureMode:   rec.FeatureMode,
		Status:        rec.Status,
		Message:       rec.Message,
		ErrorMessage:  rec.ErrorMessage,
		Step:          rec.Step,
		Progress:      rec.Progress,
		CreatedAt:     jobregistry.Timestamp(rec.CreatedTime()),
		UpdatedAt:     rec.UpdatedAt,
		Canceled:      rec.Canceled,
		ExecutionMode: rec.ExecutionMode,
		ExitCode:      rec.ExitCode,
		Correlation:   correlation(r, rec),
	}
}

// Submit handles POST /api/v1/jobs.
func (j *Jobs) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, r, apperrors.NewValidationError("invalid request body").WithDetails("cause", err.Error()))
		return
	}

	now := j.now()
	runID := firstNonEmpty(req.RunID, req.RunIDCamel)
	if runID == "" {
		runID = fmt.Sprintf("run-%d", now.Unix())
	}
	runID, err := jobregistry.ValidateRunID(runID, j.runIDMode)
	if err != nil {
		respondWithError(w, r, apperrors.NewValidationError(err.Error()).WithDetails("field", "run_id"))
		return
	}

	rec := jobregistry.NewJobRecord(
		runID,
		firstNonEmpty(req.ModelType, req.Model, DefaultModelType),
		firstNonEmpty(req.FeatureMode, DefaultFeatureMode),
		now,
	)
	if err := j.exec.Submit(rec); err != nil {
		j.logger.Error("Failed to submit job",
			zap.String("job_id", rec.JobID),
			zap.String("run_id", rec.RunID),
			zap.Error(err))
		respondWithError(w, r, err)
		return
	}

	j.logger.Info("Job submitted",
		zap.String("job_id", rec.JobID),
		zap.String("run_id", rec.RunID),
		zap.String("execution_mode", string(rec.ExecutionMode)),
		zap.String("request_id", apperrors.RequestIDFromContext(r.Context())))

	writeData(w, http.StatusAccepted, map[string]any{
		"job_id":         rec.JobID,
		"run_id":         rec.RunID,
		"status":         rec.Status,
		"message":        rec.Message,
		"execution_mode": rec.ExecutionMode,
		"correlation":    correlation(r, rec),
	})
}

// List handles GET /api/v1/jobs?limit=&match=.
func (j *Jobs) List(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultListLimit, 1, maxListLimit)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	pattern := strings.TrimSpace(r.URL.Query().Get("match"))
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		respondWithError(w, r, apperrors.NewValidationError("invalid match pattern").WithDetails("field", "match"))
		return
	}

	scan := limit
	if pattern != "" {
		scan = math.MaxInt
	}
	recs := j.store.ListRecent(scan)
	jobs := make([]JobPayload, 0, limit)
	for i := range recs {
		if pattern != "" {
			if ok, _ := doublestar.Match(pattern, recs[i].RunID); !ok {
				continue
			}
		}
		rec := j.refresh(r.Context(), &recs[i])
		jobs = append(jobs, toPayload(r, rec))
		if len(jobs) == limit {
			break
		}
	}
	writeData(w, http.StatusOK, map[string]any{
		"jobs":        jobs,
		"correlation": correlation(r, nil),
	})
}

// Get handles GET /api/v1/jobs/{jobID}.
func (j *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	rec, ok := j.lookup(w, r)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, toPayload(r, j.refresh(r.Context(), rec)))
}

// Cancel handles POST /api/v1/jobs/{jobID}/cancel.
func (j *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	signaled, err := j.exec.Cancel(jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	rec, ok := j.store.Get(jobID)
	if !ok {
		respondWithError(w, r, jobregistry.ErrJobNotFound)
		return
	}
	j.logger.Info("Cancel handled",
		zap.String("job_id", jobID),
		zap.Bool("signaled", signaled),
		zap.String("status", string(rec.Status)))

	writeData(w, http.StatusOK, map[string]any{
		"job":      toPayload(r, j.refresh(r.Context(), rec)),
		"signaled": signaled,
	})
}

// Logs handles GET /api/v1/jobs/{jobID}/logs?offset=&limit=.
func (j *Jobs) Logs(w http.ResponseWriter, r *http.Request) {
	offset, err := intParam(r, "offset", 0, 0, math.MaxInt32)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit", defaultLogLimit, 1, maxLogLimit)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	rec, ok := j.lookup(w, r)
	if !ok {
		return
	}

	lines := j.exec.Logs(rec.JobID, offset, limit)
	if _, live := j.exec.Runtime(rec.JobID); !live {
		cur := j.refresh(r.Context(), rec)
		lines = simulate.Window(simulate.MockLogs(*cur, j.now()), offset, limit)
	}

	corr := correlation(r, rec)
	out := make([]LogLinePayload, 0, len(lines))
	for _, line := range lines {
		out = append(out, LogLinePayload{LogLine: line, RequestID: corr.RequestID, JobID: corr.JobID, RunID: corr.RunID})
	}
	writeData(w, http.StatusOK, map[string]any{
		"job_id":      rec.JobID,
		"lines":       out,
		"correlation": corr,
	})
}

// Events handles GET /api/v1/jobs/{jobID}/events.
func (j *Jobs) Events(w http.ResponseWriter, r *http.Request) {
	if j.events == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("transition journal is disabled"))
		return
	}
	limit, err := intParam(r, "limit", journal.DefaultLimit, 1, 10*journal.DefaultLimit)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	rec, ok := j.lookup(w, r)
	if !ok {
		return
	}
	events, err := j.events.List(r.Context(), rec.JobID, limit)
	if err != nil {
		respondWithError(w, r, apperrors.WrapStorage(err, "transition journal unavailable"))
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"job_id":      rec.JobID,
		"events":      events,
		"correlation": correlation(r, rec),
	})
}

func (j *Jobs) lookup(w http.ResponseWriter, r *http.Request) (*jobregistry.JobRecord, bool) {
	rec, ok := j.store.Get(chi.URLParam(r, "jobID"))
	if !ok {
		respondWithError(w, r, jobregistry.ErrJobNotFound)
		return nil, false
	}
	return rec, true
}

// refresh advances a mock job to its simulated state, persists the change
// and materializes artifacts on the transition into succeeded. Real jobs
// and terminal records are returned unchanged. A failed persist still
// returns the simulated view.
func (j *Jobs) refresh(ctx context.Context, rec *jobregistry.JobRecord) *jobregistry.JobRecord {
	if j.sim == nil || rec.ExecutionMode != jobregistry.ModeMock || rec.Status.IsTerminal() {
		return rec
	}
	now := j.now()
	updated, finished, err := simulate.Advance(j.store, j.sim, rec.JobID, now)
	if err != nil {
		j.logger.Warn("Failed to persist simulated job state",
			zap.String("job_id", rec.JobID),
			zap.Error(err))
		view := rec.Clone()
		j.sim.Apply(view, now)
		return view
	}
	if finished && j.finalizer != nil {
		if err := j.finalizer.Finalize(ctx, *updated); err != nil {
			j.logger.Error("Artifact finalization failed",
				zap.String("job_id", updated.JobID),
				zap.String("run_id", updated.RunID),
				zap.Error(err))
		}
	}
	return updated
}

func intParam(r *http.Request, name string, def, min, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		return 0, apperrors.NewValidationError(
			fmt.Sprintf("%s must be an integer between %d and %d", name, min, max)).
			WithDetails("field", name)
	}
	return v, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
