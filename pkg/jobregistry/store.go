package jobregistry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// quarantineLayout is the UTC suffix appended to a corrupt table file.
const quarantineLayout = "20060102T150405Z"

// Observer is notified after a record has been durably persisted.
type Observer interface {
	RecordTransition(rec JobRecord)
}

// Diagnostics summarizes the store for health endpoints.
type Diagnostics struct {
	Path          string `json:"path"`
	LockPath      string `json:"lock_path"`
	Records       int    `json:"records"`
	CorruptedFile string `json:"corrupted_file"`
	LastSaveError string `json:"last_save_error"`
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger used for load and save failures.
func WithLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver registers an observer for persisted records.
func WithObserver(o Observer) StoreOption {
	return func(s *Store) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithClock overrides the time source used for updated_at and quarantine names.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is the durable job table.
//
// The whole table lives in a single JSON file:
//
//	{"jobs": [ {...}, {...} ]}
//
// Every write rewrites the file through a temp sibling and a rename while
// holding an exclusive flock on <path>.lock, so readers in other processes
// never observe a partial file.
type Store struct {
	path     string
	lockPath string

	mu      sync.Mutex
	order   []string
	jobs    map[string]*JobRecord
	broken  string
	saveErr string

	logger    *zap.Logger
	observers []Observer
	now       func() time.Time
}

type table struct {
	Jobs []*JobRecord `json:"jobs"`
}

// NewStore opens the table at path, loading any existing records.
func NewStore(path string, opts ...StoreOption) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("job store path is empty")
	}
	s := &Store{
		path:     path,
		lockPath: path + ".lock",
		jobs:     make(map[string]*JobRecord),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.load()
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) LockPath() string {
	return s.lockPath
}

func (s *Store) load() {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err == nil && !json.Valid(b) {
		err = fmt.Errorf("invalid JSON")
	}
	if err != nil {
		s.quarantine(err)
		return
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		return
	}
	var entries []json.RawMessage
	if raw, ok := top["jobs"]; !ok || json.Unmarshal(raw, &entries) != nil {
		return
	}

	skipped := 0
	for _, entry := range entries {
		var rec JobRecord
		if err := json.Unmarshal(entry, &rec); err != nil {
			skipped++
			continue
		}
		if strings.TrimSpace(rec.JobID) == "" {
			skipped++
			continue
		}
		s.put(&rec)
	}
	if skipped > 0 {
		s.logger.Warn("Skipped malformed job records",
			zap.String("path", s.path),
			zap.Int("skipped", skipped))
	}
}

// quarantine moves an unreadable table aside so it is never overwritten.
func (s *Store) quarantine(cause error) {
	target := s.path + ".corrupt." + s.now().UTC().Format(quarantineLayout)
	for i := 1; ; i++ {
		if _, err := os.Lstat(target); errors.Is(err, fs.ErrNotExist) {
			break
		}
		target = fmt.Sprintf("%s.corrupt.%s-%d", s.path, s.now().UTC().Format(quarantineLayout), i)
	}
	if err := os.Rename(s.path, target); err != nil {
		s.broken = s.path
		s.logger.Error("Failed to quarantine corrupt job store",
			zap.String("path", s.path),
			zap.Error(err))
	} else {
		s.broken = target
	}
	s.logger.Error("Job store file is corrupt, starting empty",
		zap.String("path", s.path),
		zap.String("corrupted_file", s.broken),
		zap.Error(cause))
}

func (s *Store) put(rec *JobRecord) {
	if _, ok := s.jobs[rec.JobID]; !ok {
		s.order = append(s.order, rec.JobID)
	}
	s.jobs[rec.JobID] = rec
}

// Upsert stamps updated_at, replaces the stored copy of rec and persists
// the table. The in-memory copy keeps the update even if the write fails.
// A stored cancel flag and a stored real execution mode survive a stale
// copy; both are written back onto rec.
func (s *Store) Upsert(rec *JobRecord) error {
	if rec == nil {
		return fmt.Errorf("job record is nil")
	}
	if strings.TrimSpace(rec.JobID) == "" {
		return fmt.Errorf("job_id is required")
	}

	s.mu.Lock()
	if cur, ok := s.jobs[rec.JobID]; ok {
		if cur.Status.IsTerminal() && rec.Status != cur.Status {
			s.mu.Unlock()
			return &TransitionError{JobID: rec.JobID, From: cur.Status, To: rec.Status}
		}
		rec.Canceled = rec.Canceled || cur.Canceled
		if cur.ExecutionMode == ModeReal {
			rec.ExecutionMode = ModeReal
		}
	}
	rec.UpdatedAt = Timestamp(s.now())
	stored := rec.Clone()
	s.put(stored)
	err := s.saveLocked()
	snapshot := *stored
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.notify(snapshot)
	return nil
}

// Update applies fn to the stored record and persists the result as one
// read-modify-write. fn may return ErrSkipUpdate to leave the record as is.
func (s *Store) Update(jobID string, fn func(*JobRecord) error) (*JobRecord, error) {
	s.mu.Lock()
	cur, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrJobNotFound
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		s.mu.Unlock()
		if errors.Is(err, ErrSkipUpdate) {
			return cur.Clone(), nil
		}
		return nil, err
	}
	if next.JobID != jobID {
		s.mu.Unlock()
		return nil, fmt.Errorf("job %s: job_id is immutable", jobID)
	}
	if cur.Status.IsTerminal() && next.Status != cur.Status {
		s.mu.Unlock()
		return nil, &TransitionError{JobID: jobID, From: cur.Status, To: next.Status}
	}

	next.UpdatedAt = Timestamp(s.now())
	s.put(next)
	err := s.saveLocked()
	snapshot := *next
	s.mu.Unlock()

	if err != nil {
		return snapshot.Clone(), err
	}
	s.notify(snapshot)
	return snapshot.Clone(), nil
}

// Get returns a copy of the record for jobID.
func (s *Store) Get(jobID string) (*JobRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// ListRecent returns up to limit records, newest created_at first.
func (s *Store) ListRecent(limit int) []JobRecord {
	if limit <= 0 {
		return []JobRecord{}
	}
	s.mu.Lock()
	out := make([]JobRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.jobs[id].Clone())
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Diagnostics reports the table location, size and failure markers.
func (s *Store) Diagnostics() Diagnostics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Diagnostics{
		Path:          s.path,
		LockPath:      s.lockPath,
		Records:       len(s.jobs),
		CorruptedFile: s.broken,
		LastSaveError: s.saveErr,
	}
}

func (s *Store) notify(rec JobRecord) {
	for _, o := range s.observers {
		o.RecordTransition(rec)
	}
}

// saveLocked rewrites the table. Caller holds s.mu.
func (s *Store) saveLocked() error {
	err := s.writeTable()
	if err != nil {
		s.saveErr = err.Error()
		s.logger.Error("Failed to save job store",
			zap.String("path", s.path),
			zap.Error(err))
		return err
	}
	s.saveErr = ""
	return nil
}

func (s *Store) writeTable() error {
	t := table{Jobs: make([]*JobRecord, 0, len(s.order))}
	for _, id := range s.order {
		t.Jobs = append(t.Jobs, s.jobs[id])
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(t); err != nil {
		return &StorageError{Op: "marshal", Path: s.path, Err: err}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &StorageError{Op: "mkdir", Path: s.path, Err: err}
	}

	unlock, err := lockFile(s.lockPath)
	if err != nil {
		return &StorageError{Op: "lock", Path: s.path, Err: err}
	}
	defer unlock()

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return &StorageError{Op: "create temp", Path: s.path, Err: err}
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return &StorageError{Op: "write", Path: s.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StorageError{Op: "close", Path: s.path, Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return &StorageError{Op: "rename", Path: s.path, Err: err}
	}
	return nil
}

// lockFile takes an exclusive advisory lock on path. The lock file itself
// is left in place.
func lockFile(path string) (func(), error) {
	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return nil, err
	}
	return func() { _ = fl.Unlock() }, nil
}
