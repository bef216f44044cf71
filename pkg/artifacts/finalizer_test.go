package artifacts

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/trainjobs/pkg/jobregistry"
	"github.com/3leaps/trainjobs/pkg/provider"
	"github.com/3leaps/trainjobs/pkg/provider/file"
)

func succeededRecord(runID string) jobregistry.JobRecord {
	rec := jobregistry.NewJobRecord(runID, "lstm", "univariate", time.Now())
	rec.Status = jobregistry.StatusSucceeded
	return *rec
}

func TestFinalizer_WritesAllArtifacts(t *testing.T) {
	base := t.TempDir()
	sink, err := file.New(file.Config{BaseDir: base})
	require.NoError(t, err)

	rec := succeededRecord("r1")
	require.NoError(t, New(sink).Finalize(context.Background(), rec))

	b, err := os.ReadFile(filepath.Join(base, "metrics", "r1.json"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, "r1", doc["run_id"])
	assert.Equal(t, map[string]any{"model_type": "lstm", "feature_mode": "univariate"}, doc["config"])

	report, err := os.ReadFile(filepath.Join(base, "reports", "r1.md"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(report), "# Run Report"))
	assert.Contains(t, string(report), "- model: lstm")

	b, err = os.ReadFile(filepath.Join(base, "runs", "r1.meta.json"))
	require.NoError(t, err)
	var meta runMeta
	require.NoError(t, json.Unmarshal(b, &meta))
	assert.Equal(t, rec.JobID, meta.JobID)
	assert.Equal(t, jobregistry.StatusSucceeded, meta.Status)
}

func TestFinalizer_KeepsExistingArtifacts(t *testing.T) {
	base := t.TempDir()
	sink, err := file.New(file.Config{BaseDir: base})
	require.NoError(t, err)

	own := `{"run_id":"r2","metrics":{"rmse":0.5}}`
	require.NoError(t, os.MkdirAll(filepath.Join(base, "metrics"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "metrics", "r2.json"), []byte(own), 0o644))

	f := New(sink)
	require.NoError(t, f.Finalize(context.Background(), succeededRecord("r2")))
	require.NoError(t, f.Finalize(context.Background(), succeededRecord("r2")))

	b, err := os.ReadFile(filepath.Join(base, "metrics", "r2.json"))
	require.NoError(t, err)
	assert.Equal(t, own, string(b))
}

func TestFinalizer_RejectsUnsafeRunID(t *testing.T) {
	sink, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	err = New(sink).Finalize(context.Background(), succeededRecord("../etc"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path separators")
}

// flakySink fails the first n PutObject calls with a retryable error.
type flakySink struct {
	mu       sync.Mutex
	failures int
	puts     map[string][]byte
}

func (s *flakySink) PutObject(_ context.Context, key string, body io.Reader, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return &provider.ProviderError{Op: "PutObject", Provider: provider.ProviderS3, Key: key, Err: provider.ErrThrottled}
	}
	b, _ := io.ReadAll(body)
	s.puts[key] = b
	return nil
}

func (s *flakySink) Head(_ context.Context, key string) (*provider.ObjectMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.puts[key]; ok {
		return &provider.ObjectMeta{Key: key, Size: int64(len(b))}, nil
	}
	return nil, &provider.ProviderError{Op: "Head", Provider: provider.ProviderS3, Key: key, Err: provider.ErrNotFound}
}

func (s *flakySink) Close() error { return nil }

func TestFinalizer_RetriesThrottledWrites(t *testing.T) {
	sink := &flakySink{failures: 2, puts: map[string][]byte{}}
	f := New(sink, WithRetry(3, time.Millisecond))

	require.NoError(t, f.Finalize(context.Background(), succeededRecord("r3")))
	assert.Len(t, sink.puts, 3)
}

func TestFinalizer_GivesUpAfterAttempts(t *testing.T) {
	sink := &flakySink{failures: 10, puts: map[string][]byte{}}
	f := New(sink, WithRetry(2, time.Millisecond))

	err := f.Finalize(context.Background(), succeededRecord("r4"))
	require.Error(t, err)
	assert.True(t, provider.IsRetryable(err))
	assert.Contains(t, err.Error(), MetricsKey("r4"))
}

// countingSink fails every PutObject with err.
type countingSink struct {
	flakySink
	err   error
	calls int
}

func (s *countingSink) PutObject(_ context.Context, key string, _ io.Reader, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return &provider.ProviderError{Op: "PutObject", Provider: provider.ProviderS3, Key: key, Err: s.err}
}

func TestFinalizer_DoesNotRetryPermanentErrors(t *testing.T) {
	sink := &countingSink{flakySink: flakySink{puts: map[string][]byte{}}, err: provider.ErrAccessDenied}
	f := New(sink, WithRetry(5, time.Millisecond))

	err := f.Finalize(context.Background(), succeededRecord("r5"))
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrAccessDenied)
	assert.Equal(t, 1, sink.calls)
}

func TestFinalizer_StopsRetryingWhenContextEnds(t *testing.T) {
	sink := &countingSink{flakySink: flakySink{puts: map[string][]byte{}}, err: provider.ErrThrottled}
	f := New(sink, WithRetry(50, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := f.Finalize(ctx, succeededRecord("r6"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, 1, sink.calls)
}
