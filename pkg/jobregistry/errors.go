package jobregistry

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound indicates no record exists for the requested job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrSkipUpdate may be returned from an Update callback to leave the
	// record untouched. Update then returns the current record and a nil error.
	ErrSkipUpdate = errors.New("skip update")

	// ErrAlreadySubmitted is returned by Submit for a job that already ran
	// in real mode or has reached a terminal status.
	ErrAlreadySubmitted = errors.New("job already submitted")
)

// StorageError reports a failure to persist the job table.
type StorageError struct {
	// Op is the step that failed (e.g., "lock", "write", "rename").
	Op string

	// Path is the table file being written.
	Path string

	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("job store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err is (or wraps) a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// TransitionError is returned when a write would move a record out of a
// terminal status.
type TransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}
