package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/3leaps/trainjobs/pkg/jobregistry"
)

// JSONLWriter streams job records as newline-delimited JSON. It is safe for
// concurrent use; each record is written as one complete line.
type JSONLWriter struct {
	w     io.Writer
	jobID string
	runID string
	now   func() time.Time

	mu     sync.Mutex
	closed bool
}

func NewJSONLWriter(w io.Writer, jobID, runID string) *JSONLWriter {
	return &JSONLWriter{
		w:     w,
		jobID: jobID,
		runID: runID,
		now:   time.Now,
	}
}

func (jw *JSONLWriter) WriteLog(ctx context.Context, line jobregistry.LogLine) error {
	return jw.writeRecord(ctx, TypeLog, line)
}

func (jw *JSONLWriter) WriteStatus(ctx context.Context, status *StatusRecord) error {
	return jw.writeRecord(ctx, TypeStatus, status)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

// Close stops further writes. The underlying writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	recordBytes, err := json.Marshal(Record{
		Type:  recordType,
		TS:    jw.now().UTC(),
		JobID: jw.jobID,
		RunID: jw.runID,
		Data:  dataBytes,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// writeAll loops over short writes so a line is never truncated.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
