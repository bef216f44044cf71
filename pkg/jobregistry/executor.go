package jobregistry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TimeoutExitCode is recorded when a run is killed for exceeding its timeout.
const TimeoutExitCode = -int(syscall.SIGKILL)

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

func WithResolver(r CommandResolver) ExecutorOption {
	return func(e *Executor) {
		if r != nil {
			e.resolver = r
		}
	}
}

func WithFinalizer(f Finalizer) ExecutorOption {
	return func(e *Executor) {
		e.finalizer = f
	}
}

func WithExecutorLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Executor decides how a job runs and supervises real runs.
//
// A real run is a child process in its own process group. Three goroutines
// serve it: one pump per output stream and one that waits for exit (or the
// timeout), resolves the terminal status and persists it exactly once.
type Executor struct {
	store     *Store
	settings  SettingsProvider
	resolver  CommandResolver
	finalizer Finalizer
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	runtimes map[string]*Runtime
	wg       sync.WaitGroup
}

func NewExecutor(store *Store, settings SettingsProvider, opts ...ExecutorOption) *Executor {
	if settings == nil {
		settings = StaticSettings{}
	}
	e := &Executor{
		store:    store,
		settings: settings,
		resolver: TemplateResolver{},
		logger:   zap.NewNop(),
		now:      time.Now,
		runtimes: make(map[string]*Runtime),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Store() *Store {
	return e.store
}

// Settings returns the settings the next submission would use.
func (e *Executor) Settings() Settings {
	return e.settings.Settings()
}

// Submit freezes the execution mode of rec, persists it and, for real runs,
// starts the process. A job that is already real or terminal is refused
// with ErrAlreadySubmitted. Otherwise only storage failures are returned;
// a failed spawn is recorded on the job instead.
func (e *Executor) Submit(rec *JobRecord) error {
	if e == nil || e.store == nil {
		return fmt.Errorf("executor is not initialized")
	}
	if rec == nil {
		return fmt.Errorf("job record is nil")
	}

	s := e.settings.Settings()
	mode := ModeMock
	if s.UseReal() {
		mode = ModeReal
	}

	if _, ok := e.store.Get(rec.JobID); ok {
		stored, err := e.store.Update(rec.JobID, func(cur *JobRecord) error {
			if cur.ExecutionMode == ModeReal || cur.Status.IsTerminal() {
				return ErrAlreadySubmitted
			}
			cur.ExecutionMode = mode
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrAlreadySubmitted) {
				return fmt.Errorf("submit %s: %w", rec.JobID, err)
			}
			return err
		}
		*rec = *stored
	} else {
		rec.ExecutionMode = mode
		if err := e.store.Upsert(rec); err != nil {
			return err
		}
	}

	if mode == ModeMock {
		return nil
	}
	return e.start(rec, s)
}

func (e *Executor) start(rec *JobRecord, s Settings) error {
	rt := newRuntime(rec.JobID, e.now)
	e.mu.Lock()
	e.runtimes[rec.JobID] = rt
	e.mu.Unlock()

	name, args, err := e.resolver.Resolve(*rec, s)
	if err != nil {
		return e.spawnFailed(rec, rt, err)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return e.spawnFailed(rec, rt, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return e.spawnFailed(rec, rt, err)
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = s.WorkDir
	cmd.Env = os.Environ()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return e.spawnFailed(rec, rt, err)
	}
	// The child holds its own copies of the write ends.
	closeAll(stdoutW, stderrW)

	rt.setProcess(cmd.Process)
	argv := append([]string{name}, args...)
	rt.AppendLog(LevelInfo, fmt.Sprintf("spawned pid=%d cmd=%s", cmd.Process.Pid, strings.Join(argv, " ")), SourceRuntime)
	e.logger.Info("Spawned runner",
		zap.String("job_id", rec.JobID),
		zap.String("run_id", rec.RunID),
		zap.Int("pid", cmd.Process.Pid))

	updated, persistErr := e.store.Update(rec.JobID, func(r *JobRecord) error {
		if r.Status.IsTerminal() {
			return ErrSkipUpdate
		}
		r.Status = StatusRunning
		r.Step = "training"
		r.Progress = 5
		r.Message = "runner started"
		return nil
	})
	if updated != nil {
		*rec = *updated
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	e.wg.Add(3)
	go e.pump(rt, stdoutR, LevelInfo, SourceStdout, &pumps)
	go e.pump(rt, stderrR, LevelWarn, SourceStderr, &pumps)
	go e.waitAndFinalize(rt, cmd, s, &pumps)

	// A cancel that landed before the process existed could not signal it.
	if updated != nil && updated.Canceled {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			rt.term.run(cmd.Process, rt.exited, s.EffectiveGracePeriod())
		}()
	}

	if persistErr != nil {
		return persistErr
	}
	return nil
}

func (e *Executor) spawnFailed(rec *JobRecord, rt *Runtime, cause error) error {
	msg := fmt.Sprintf("executor spawn failed: %v", cause)
	rt.AppendLog(LevelError, msg, SourceRuntime)
	e.logger.Error("Failed to spawn runner",
		zap.String("job_id", rec.JobID),
		zap.Error(cause))

	updated, err := e.store.Update(rec.JobID, func(r *JobRecord) error {
		if r.Status.IsTerminal() {
			return ErrSkipUpdate
		}
		r.Status = StatusFailed
		r.Step = "failed"
		r.Progress = 100
		r.ErrorMessage = msg
		r.Message = "runner failed to start"
		return nil
	})
	if updated != nil {
		*rec = *updated
	}
	close(rt.exited)
	rt.markFinished()
	close(rt.done)
	return err
}

func (e *Executor) pump(rt *Runtime, r *os.File, level, source string, pumps *sync.WaitGroup) {
	defer e.wg.Done()
	defer pumps.Done()
	defer func() { _ = r.Close() }()

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			rt.AppendLog(level, line, source)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				e.logger.Debug("Output stream closed",
					zap.String("job_id", rt.jobID),
					zap.String("source", source),
					zap.Error(err))
			}
			return
		}
	}
}

func (e *Executor) waitAndFinalize(rt *Runtime, cmd *exec.Cmd, s Settings, pumps *sync.WaitGroup) {
	defer e.wg.Done()

	timeout := s.EffectiveTimeout()
	grace := s.EffectiveGracePeriod()

	var (
		guard  sync.Mutex
		exited bool
		fired  bool
	)
	timerDone := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		defer close(timerDone)
		guard.Lock()
		if exited {
			guard.Unlock()
			return
		}
		guard.Unlock()
		fired = rt.term.run(cmd.Process, rt.exited, grace)
	})

	_ = cmd.Wait()
	guard.Lock()
	exited = true
	close(rt.exited)
	guard.Unlock()
	if !timer.Stop() {
		<-timerDone
	}

	exitCode := exitCodeOf(cmd.ProcessState)
	if fired {
		exitCode = TimeoutExitCode
		rt.AppendLog(LevelError, fmt.Sprintf("timeout exceeded (%ds)", int(timeout/time.Second)), SourceRuntime)
	}

	// Let the pumps drain what the process wrote before it exited.
	drained := make(chan struct{})
	go func() {
		pumps.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(grace):
	}

	e.finalize(rt, exitCode)
}

func (e *Executor) finalize(rt *Runtime, exitCode int) {
	jobID := rt.jobID

	if cur, ok := e.store.Get(jobID); ok && !cur.Canceled && exitCode == 0 && e.finalizer != nil {
		// The finalizer sees the record as it is about to be persisted.
		resolveTerminal(cur, exitCode)
		if err := e.finalizer.Finalize(context.Background(), *cur); err != nil {
			rt.AppendLog(LevelError, fmt.Sprintf("artifact finalization failed: %v", err), SourceRuntime)
			e.logger.Error("Artifact finalization failed",
				zap.String("job_id", jobID),
				zap.String("run_id", cur.RunID),
				zap.Error(err))
		}
	}

	rec, err := e.store.Update(jobID, func(r *JobRecord) error {
		if r.Status.IsTerminal() {
			return ErrSkipUpdate
		}
		resolveTerminal(r, exitCode)
		return nil
	})
	switch {
	case errors.Is(err, ErrJobNotFound):
		e.logger.Warn("Finished job has no record", zap.String("job_id", jobID))
	case err != nil:
		e.logger.Error("Failed to persist terminal job state",
			zap.String("job_id", jobID),
			zap.Error(err))
	default:
		e.logger.Info("Runner finished",
			zap.String("job_id", jobID),
			zap.String("status", string(rec.Status)),
			zap.Int("exit_code", exitCode))
	}

	rt.markFinished()
	rt.AppendLog(LevelInfo, fmt.Sprintf("process finished exit_code=%d", exitCode), SourceRuntime)
	close(rt.done)
}

// resolveTerminal applies the terminal status for exitCode. A cancel request
// always wins over the observed exit code.
func resolveTerminal(r *JobRecord, exitCode int) {
	r.ExitCode = intPtr(exitCode)
	r.Progress = 100
	switch {
	case r.Canceled:
		r.Status = StatusCanceled
		r.Step = "canceled"
		r.Message = "cancel accepted"
		r.SetErrorMessage("canceled by user request")
	case exitCode == 0:
		r.Status = StatusSucceeded
		r.Step = "finished"
		r.Message = "completed"
	default:
		r.Status = StatusFailed
		r.Step = "failed"
		r.Message = "failed"
		r.SetErrorMessage(fmt.Sprintf("runner exited with code %d", exitCode))
	}
}

func exitCodeOf(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return ps.ExitCode()
}

// Cancel flags jobID as canceled and terminates its process if one is live.
// It reports whether a process was signalled. Terminal jobs are left as is.
func (e *Executor) Cancel(jobID string) (bool, error) {
	cur, ok := e.store.Get(jobID)
	if !ok {
		return false, ErrJobNotFound
	}
	if cur.Status.IsTerminal() {
		return false, nil
	}
	rec, err := e.store.Update(jobID, func(r *JobRecord) error {
		if r.Status.IsTerminal() {
			return ErrSkipUpdate
		}
		r.Canceled = true
		r.Message = "cancel requested"
		return nil
	})
	if err != nil {
		return false, err
	}
	if !rec.Canceled {
		return false, nil
	}

	rt, ok := e.Runtime(jobID)
	if !ok {
		return false, nil
	}
	p := rt.proc()
	if p == nil || rt.Exited() {
		return false, nil
	}
	rt.AppendLog(LevelWarn, "cancel requested", SourceRuntime)
	e.logger.Info("Cancel requested", zap.String("job_id", jobID), zap.Int("pid", p.Pid))
	rt.term.run(p, rt.exited, e.settings.Settings().EffectiveGracePeriod())
	return true, nil
}

// Logs returns buffered lines for a real job; other jobs yield an empty slice.
func (e *Executor) Logs(jobID string, offset, limit int) []LogLine {
	rt, ok := e.Runtime(jobID)
	if !ok {
		return []LogLine{}
	}
	return rt.ReadLogs(offset, limit)
}

// Runtime returns the live companion of a real job.
func (e *Executor) Runtime(jobID string) (*Runtime, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.runtimes[jobID]
	return rt, ok
}

// Done returns a channel closed once the job's terminal state is persisted.
func (e *Executor) Done(jobID string) (<-chan struct{}, bool) {
	rt, ok := e.Runtime(jobID)
	if !ok {
		return nil, false
	}
	return rt.done, true
}

// Shutdown terminates every live process and waits for the supervising
// goroutines, or for ctx to expire.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	live := make([]*Runtime, 0, len(e.runtimes))
	for _, rt := range e.runtimes {
		if rt.proc() != nil && !rt.Exited() {
			live = append(live, rt)
		}
	}
	e.mu.Unlock()

	grace := e.settings.Settings().EffectiveGracePeriod()
	var g errgroup.Group
	for _, rt := range live {
		g.Go(func() error {
			rt.AppendLog(LevelWarn, "executor shutting down", SourceRuntime)
			rt.term.run(rt.proc(), rt.exited, grace)
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
