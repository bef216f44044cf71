package jobregistry

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a training job.
//
// NOTE: These values are persisted in the job table and are part of the
// stable on-disk contract.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// IsTerminal reports whether no further status transitions are allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// ExecutionMode records how a job was executed. It is decided once at
// submission and never changes afterwards.
type ExecutionMode string

const (
	ModeMock ExecutionMode = "mock"
	ModeReal ExecutionMode = "real"
)

// JobRecord is the persisted state snapshot of one job.
//
// Optional text fields are written as empty strings; a null in an older
// table decodes to the empty string.
type JobRecord struct {
	JobID         string        `json:"job_id"`
	RunID         string        `json:"run_id"`
	ModelType     string        `json:"model_type"`
	FeatureMode   string        `json:"feature_mode"`
	CreatedAt     float64       `json:"created_at"`
	Status        Status        `json:"status"`
	Message       string        `json:"message"`
	Step          string        `json:"step"`
	Progress      int           `json:"progress"`
	UpdatedAt     string        `json:"updated_at"`
	ErrorMessage  string        `json:"error_message"`
	Canceled      bool          `json:"canceled"`
	ExecutionMode ExecutionMode `json:"execution_mode"`
	ExitCode      *int          `json:"exit_code"`
}

// NewJobRecord returns a queued record with a fresh job id.
func NewJobRecord(runID, modelType, featureMode string, now time.Time) *JobRecord {
	return &JobRecord{
		JobID:         NewJobID(),
		RunID:         strings.TrimSpace(runID),
		ModelType:     strings.TrimSpace(modelType),
		FeatureMode:   strings.TrimSpace(featureMode),
		CreatedAt:     EpochSeconds(now),
		Status:        StatusQueued,
		Message:       "job accepted",
		Step:          "queued",
		ExecutionMode: ModeMock,
	}
}

// Clone returns a deep copy of the record.
func (r *JobRecord) Clone() *JobRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.ExitCode != nil {
		code := *r.ExitCode
		out.ExitCode = &code
	}
	return &out
}

// CreatedTime converts created_at back into a time.Time.
func (r *JobRecord) CreatedTime() time.Time {
	sec := int64(r.CreatedAt)
	nsec := int64((r.CreatedAt - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// SetErrorMessage sets error_message unless one is already present.
func (r *JobRecord) SetErrorMessage(msg string) {
	if r.ErrorMessage == "" {
		r.ErrorMessage = msg
	}
}

// NewJobID returns an opaque job identifier of the form job-<12 hex>.
func NewJobID() string {
	return "job-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// EpochSeconds converts t to fractional Unix seconds.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Timestamp formats t the way updated_at and log lines are written.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func intPtr(v int) *int {
	return &v
}
