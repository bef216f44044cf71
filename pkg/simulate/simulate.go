// Package simulate advances mock-mode jobs through their lifecycle based on
// elapsed time, so the API behaves the same without a runner configured.
package simulate

import (
	"time"

	"github.com/3leaps/trainjobs/pkg/jobregistry"
)

// Default phase boundaries, measured from created_at.
const (
	DefaultQueuedFor       = 1 * time.Second
	DefaultRunningFor      = 3 * time.Second
	DefaultRunningProgress = 55
)

// SourceMock tags synthesized log lines.
const SourceMock = "mock"

// Simulator derives the current state of a mock job.
type Simulator interface {
	// Apply updates rec in place and reports whether anything changed.
	// Records that are not mock-mode are never touched.
	Apply(rec *jobregistry.JobRecord, now time.Time) bool
}

// ElapsedSimulator moves a job queued -> running -> succeeded as time passes.
type ElapsedSimulator struct {
	QueuedFor       time.Duration
	RunningFor      time.Duration
	RunningProgress int
}

func NewElapsedSimulator() *ElapsedSimulator {
	return &ElapsedSimulator{
		QueuedFor:       DefaultQueuedFor,
		RunningFor:      DefaultRunningFor,
		RunningProgress: DefaultRunningProgress,
	}
}

func (s *ElapsedSimulator) Apply(rec *jobregistry.JobRecord, now time.Time) bool {
	if rec == nil || rec.ExecutionMode != jobregistry.ModeMock || rec.Status.IsTerminal() {
		return false
	}

	next := *rec
	if rec.Canceled {
		next.Status = jobregistry.StatusCanceled
		next.Step = "canceled"
		next.Progress = 100
		next.Message = "cancel accepted"
		next.SetErrorMessage("canceled by user request")
	} else {
		elapsed := now.Sub(rec.CreatedTime())
		switch {
		case elapsed < s.QueuedFor:
			next.Status = jobregistry.StatusQueued
			next.Step = "queued"
			next.Progress = 0
			next.Message = "job accepted"
		case elapsed < s.RunningFor:
			next.Status = jobregistry.StatusRunning
			next.Step = "training"
			next.Progress = s.RunningProgress
			next.Message = "training"
		default:
			next.Status = jobregistry.StatusSucceeded
			next.Step = "finished"
			next.Progress = 100
			next.Message = "completed"
		}
	}

	changed := next.Status != rec.Status || next.Step != rec.Step ||
		next.Progress != rec.Progress || next.Message != rec.Message ||
		next.ErrorMessage != rec.ErrorMessage
	*rec = next
	return changed
}

// MockLogs synthesizes the log lines shown for a job that has no runtime.
func MockLogs(rec jobregistry.JobRecord, now time.Time) []jobregistry.LogLine {
	created := rec.CreatedTime()
	return []jobregistry.LogLine{
		{TS: jobregistry.Timestamp(created), Level: jobregistry.LevelInfo, Source: SourceMock, Message: "job accepted"},
		{TS: jobregistry.Timestamp(created.Truncate(time.Second)), Level: jobregistry.LevelInfo, Source: SourceMock, Message: "preprocessing"},
		{TS: jobregistry.Timestamp(now), Level: jobregistry.LevelInfo, Source: SourceMock, Message: "status=" + string(rec.Status)},
	}
}

// Window returns lines[offset:offset+limit], clipped to the slice.
func Window(lines []jobregistry.LogLine, offset, limit int) []jobregistry.LogLine {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || offset >= len(lines) {
		return []jobregistry.LogLine{}
	}
	end := offset + limit
	if end > len(lines) {
		end = len(lines)
	}
	return lines[offset:end]
}

// Advance applies sim to the stored job and persists any change inside the
// store's update lock, so concurrent readers observe each transition once.
// finished reports whether this call moved the job into succeeded. Real and
// terminal jobs are returned unchanged.
func Advance(store *jobregistry.Store, sim Simulator, jobID string, now time.Time) (rec *jobregistry.JobRecord, finished bool, err error) {
	rec, err = store.Update(jobID, func(r *jobregistry.JobRecord) error {
		wasTerminal := r.Status.IsTerminal()
		if !sim.Apply(r, now) {
			return jobregistry.ErrSkipUpdate
		}
		finished = !wasTerminal && r.Status == jobregistry.StatusSucceeded
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return rec, finished, nil
}
