package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/trainjobs/pkg/jobregistry"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatTable, false},
		{"table", FormatTable, false},
		{"JSON", FormatJSON, false},
		{" yaml ", FormatYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncode_YAMLUsesJSONFieldNames(t *testing.T) {
	rec := jobregistry.NewJobRecord("r1", "lstm", "univariate", time.Unix(1_700_000_000, 0))

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, FormatYAML, rec))

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, rec.JobID, doc["job_id"])
	assert.Equal(t, "r1", doc["run_id"])
	assert.Equal(t, "queued", doc["status"])
	assert.Nil(t, doc["exit_code"])
}

func TestEncode_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, FormatJSON, []string{"a"}))
	assert.Equal(t, "[\n  \"a\"\n]\n", buf.String())

	assert.Error(t, Encode(&buf, FormatTable, nil))
}

func TestJSONLWriter_WriteLog(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "run-1")

	line := jobregistry.LogLine{TS: "2024-01-15T12:00:00Z", Level: jobregistry.LevelInfo, Source: jobregistry.SourceStdout, Message: "epoch 1/1"}
	require.NoError(t, w.WriteLog(context.Background(), line))

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeLog, record.Type)
	assert.Equal(t, "job-123", record.JobID)
	assert.Equal(t, "run-1", record.RunID)
	assert.False(t, record.TS.IsZero())

	var got jobregistry.LogLine
	require.NoError(t, json.Unmarshal(record.Data, &got))
	assert.Equal(t, line, got)
}

func TestJSONLWriter_StatusAndSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-1", "run-1")
	code := 3

	require.NoError(t, w.WriteStatus(context.Background(), &StatusRecord{Status: "running", Step: "training", Progress: 5}))
	require.NoError(t, w.WriteSummary(context.Background(), &SummaryRecord{
		Status:        "failed",
		ExitCode:      &code,
		ErrorMessage:  "runner exited with code 3",
		Duration:      2 * time.Second,
		DurationHuman: "2s",
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, second Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, TypeStatus, first.Type)
	assert.Equal(t, TypeSummary, second.Type)

	var sum SummaryRecord
	require.NoError(t, json.Unmarshal(second.Data, &sum))
	require.NotNil(t, sum.ExitCode)
	assert.Equal(t, 3, *sum.ExitCode)
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-1", "run-1")
	require.NoError(t, w.Close())
	err := w.WriteLog(context.Background(), jobregistry.LogLine{Message: "late"})
	assert.ErrorIs(t, err, ErrWriterClosed)
	assert.Zero(t, buf.Len())
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-1", "run-1")

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.WriteLog(context.Background(), jobregistry.LogLine{Message: strings.Repeat("x", 200)})
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, n)
	for _, l := range lines {
		var r Record
		assert.NoError(t, json.Unmarshal([]byte(l), &r))
	}
}

func TestJSONLWriter_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	err := NewJSONLWriter(&buf, "job-1", "run-1").WriteLog(ctx, jobregistry.LogLine{})
	assert.ErrorIs(t, err, context.Canceled)
}

type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (w *shortWriteWriter) Write(p []byte) (int, error) {
	if len(p) > w.bytesPerWrite {
		p = p[:w.bytesPerWrite]
	}
	return w.buf.Write(p)
}

type zeroWriteWriter struct{}

func (zeroWriteWriter) Write(p []byte) (int, error) { return 0, nil }

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func TestJSONLWriter_ShortAndFailedWrites(t *testing.T) {
	sw := &shortWriteWriter{bytesPerWrite: 7}
	require.NoError(t, NewJSONLWriter(sw, "job-1", "run-1").WriteLog(context.Background(), jobregistry.LogLine{Message: "hello"}))
	var r Record
	require.NoError(t, json.Unmarshal(sw.buf.Bytes(), &r))

	err := NewJSONLWriter(zeroWriteWriter{}, "job-1", "run-1").WriteLog(context.Background(), jobregistry.LogLine{})
	assert.ErrorIs(t, err, io.ErrShortWrite)

	err = NewJSONLWriter(failingWriter{}, "job-1", "run-1").WriteLog(context.Background(), jobregistry.LogLine{})
	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "write", we.Op)
}
