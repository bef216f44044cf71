package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record types for streamed job output.
const (
	// TypeLog carries one job log line.
	TypeLog = "trainjobs.log.v1"

	// TypeStatus carries a job status change.
	TypeStatus = "trainjobs.status.v1"

	// TypeSummary is emitted once when the job reaches a terminal state.
	TypeSummary = "trainjobs.summary.v1"
)

// Record is the envelope for every JSONL line. Data holds the type-specific
// payload.
type Record struct {
	Type  string          `json:"type"`
	TS    time.Time       `json:"ts"`
	JobID string          `json:"job_id"`
	RunID string          `json:"run_id"`
	Data  json.RawMessage `json:"data"`
}

// StatusRecord is the payload of TypeStatus.
type StatusRecord struct {
	Status   string `json:"status"`
	Step     string `json:"step"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

// SummaryRecord is the payload of TypeSummary.
type SummaryRecord struct {
	Status        string        `json:"status"`
	ExitCode      *int          `json:"exit_code"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	LogLines      int           `json:"log_lines"`
	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
}

var ErrWriterClosed = errors.New("writer is closed")

// WriteError wraps failures while emitting a record.
type WriteError struct {
	Op  string // "marshal_data", "marshal_record" or "write"
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
