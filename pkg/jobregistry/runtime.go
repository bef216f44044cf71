package jobregistry

import (
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// MaxLogLines is the number of lines retained per job; older lines are dropped.
	MaxLogLines = 5000

	// MaxLineLength bounds a single log line, in runes.
	MaxLineLength = 2000
)

// Log levels.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Log sources.
const (
	SourceRuntime = "runtime"
	SourceStdout  = "stdout"
	SourceStderr  = "stderr"
)

// LogLine is one buffered line of job output or executor narration.
type LogLine struct {
	TS      string `json:"ts"`
	Level   string `json:"level"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

// Runtime is the in-memory companion of a real job: the live process and a
// bounded ring of log lines. It is never persisted.
type Runtime struct {
	jobID string

	mu       sync.Mutex
	ring     []LogLine
	head     int
	size     int
	process  *os.Process
	started  time.Time
	finished time.Time
	now      func() time.Time

	exited chan struct{}
	done   chan struct{}
	term   terminator
}

func newRuntime(jobID string, now func() time.Time) *Runtime {
	if now == nil {
		now = time.Now
	}
	return &Runtime{
		jobID:  jobID,
		ring:   make([]LogLine, MaxLogLines),
		now:    now,
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// JobID returns the id of the job this runtime belongs to.
func (r *Runtime) JobID() string {
	return r.jobID
}

// AppendLog sanitizes message and appends it, evicting the oldest line once
// the ring is full.
func (r *Runtime) AppendLog(level, message, source string) {
	line := LogLine{
		Level:   level,
		Source:  source,
		Message: sanitizeLine(message),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	line.TS = Timestamp(r.now())
	idx := (r.head + r.size) % len(r.ring)
	r.ring[idx] = line
	if r.size < len(r.ring) {
		r.size++
	} else {
		r.head = (r.head + 1) % len(r.ring)
	}
}

// ReadLogs returns a copy of up to limit lines starting at offset, oldest
// first. Offsets past the end yield an empty slice.
func (r *Runtime) ReadLogs(offset, limit int) []LogLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || offset >= r.size {
		return []LogLine{}
	}
	end := offset + limit
	if end > r.size {
		end = r.size
	}
	out := make([]LogLine, 0, end-offset)
	for i := offset; i < end; i++ {
		out = append(out, r.ring[(r.head+i)%len(r.ring)])
	}
	return out
}

// Len returns the number of buffered lines.
func (r *Runtime) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *Runtime) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func (r *Runtime) FinishedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// Exited reports whether the process has been reaped.
func (r *Runtime) Exited() bool {
	select {
	case <-r.exited:
		return true
	default:
		return false
	}
}

// Done is closed once the terminal record has been persisted.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

func (r *Runtime) setProcess(p *os.Process) {
	r.mu.Lock()
	r.process = p
	r.started = r.now()
	r.mu.Unlock()
}

func (r *Runtime) proc() *os.Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.process
}

func (r *Runtime) markFinished() {
	r.mu.Lock()
	r.finished = r.now()
	r.mu.Unlock()
}

// sanitizeLine strips trailing line terminators and truncates to
// MaxLineLength runes without splitting a multi-byte character.
func sanitizeLine(s string) string {
	s = strings.TrimRight(s, "\r\n")
	if utf8.RuneCountInString(s) <= MaxLineLength {
		return s
	}
	n := 0
	for i := range s {
		if n == MaxLineLength {
			return s[:i]
		}
		n++
	}
	return s
}
