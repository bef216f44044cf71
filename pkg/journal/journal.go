// Package journal keeps an append-only history of job state transitions in
// a local SQLite database. The job table only holds the latest snapshot;
// the journal answers "how did this job get here".
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/3leaps/trainjobs/pkg/jobregistry"
)

const (
	driverName   = "sqlite"
	DefaultLimit = 200
	writeTimeout = 5 * time.Second
)

type Config struct {
	// Path is a local filesystem path to the journal database, or ":memory:".
	Path string
}

// Event is one recorded transition.
type Event struct {
	ID           int64     `json:"id"`
	JobID        string    `json:"job_id"`
	RunID        string    `json:"run_id"`
	Status       string    `json:"status"`
	Step         string    `json:"step"`
	Progress     int       `json:"progress"`
	Message      string    `json:"message"`
	ErrorMessage string    `json:"error_message"`
	ExitCode     *int      `json:"exit_code"`
	RecordedAt   time.Time `json:"recorded_at"`
}

type Option func(*Journal)

func WithLogger(logger *zap.Logger) Option {
	return func(j *Journal) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// Journal implements jobregistry.Observer.
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	last map[string]string
}

var _ jobregistry.Observer = (*Journal)(nil)

// Open opens (and creates if needed) the journal database and applies the
// schema.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Journal, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	if err := configureSQLite(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	j := &Journal{
		db:     db,
		logger: zap.NewNop(),
		now:    time.Now,
		last:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Ping checks the database is reachable.
func (j *Journal) Ping(ctx context.Context) error {
	if j == nil || j.db == nil {
		return errors.New("journal is not open")
	}
	return j.db.PingContext(ctx)
}

// RecordTransition appends rec when its status or step differs from the
// last one recorded for the job. Failures are logged, never returned.
func (j *Journal) RecordTransition(rec jobregistry.JobRecord) {
	key := string(rec.Status) + "|" + rec.Step
	j.mu.Lock()
	if j.last[rec.JobID] == key {
		j.mu.Unlock()
		return
	}
	j.last[rec.JobID] = key
	j.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := j.Append(ctx, rec); err != nil {
		j.logger.Warn("Failed to journal job transition",
			zap.String("job_id", rec.JobID),
			zap.String("status", string(rec.Status)),
			zap.Error(err))
	}
}

// Append unconditionally records rec.
func (j *Journal) Append(ctx context.Context, rec jobregistry.JobRecord) error {
	var exitCode sql.NullInt64
	if rec.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*rec.ExitCode), Valid: true}
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO job_events (job_id, run_id, status, step, progress, message, error_message, exit_code, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.RunID, string(rec.Status), rec.Step, rec.Progress,
		rec.Message, rec.ErrorMessage, exitCode,
		j.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// List returns the recorded events for jobID, oldest first.
func (j *Journal) List(ctx context.Context, jobID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, job_id, run_id, status, step, progress, message, error_message, exit_code, recorded_at
		 FROM job_events WHERE job_id = ? ORDER BY id ASC LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Event{}
	for rows.Next() {
		var (
			ev       Event
			exitCode sql.NullInt64
			recorded string
		)
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.RunID, &ev.Status, &ev.Step, &ev.Progress,
			&ev.Message, &ev.ErrorMessage, &exitCode, &recorded); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			ev.ExitCode = &code
		}
		if ts, err := time.Parse(time.RFC3339Nano, recorded); err == nil {
			ev.RecordedAt = ts
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job events: %w", err)
	}
	return out, nil
}

func buildDSN(cfg Config) (string, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("journal path is required")
	}
	if path == ":memory:" {
		return path, nil
	}
	dir := filepath.Dir(filepath.Clean(path))
	if dir != "." && dir != string(filepath.Separator) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create journal directory: %w", err)
		}
	}
	return "file:" + filepath.Clean(path), nil
}

func configureSQLite(ctx context.Context, db *sql.DB, dsn string) error {
	// A single connection keeps ":memory:" databases shared and avoids
	// writer contention on files.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if dsn == ":memory:" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}
