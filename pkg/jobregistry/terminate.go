package jobregistry

import (
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// TermState tracks how far the termination of a process group has gone.
type TermState int32

const (
	TermRunning TermState = iota
	TermRequested
	TermGracePeriod
	TermForceKilled
)

func (s TermState) String() string {
	switch s {
	case TermRequested:
		return "terminate-requested"
	case TermGracePeriod:
		return "grace-period"
	case TermForceKilled:
		return "force-killed"
	default:
		return "running"
	}
}

// terminator runs SIGTERM, grace wait, SIGKILL at most once per process.
type terminator struct {
	once  sync.Once
	state atomic.Int32
}

func (t *terminator) State() TermState {
	return TermState(t.state.Load())
}

func (t *terminator) set(s TermState) {
	t.state.Store(int32(s))
}

// run signals p's process group and escalates to SIGKILL if the process has
// not exited within grace. Later callers block until the first run is done.
// It reports whether this call delivered the signals.
func (t *terminator) run(p *os.Process, exited <-chan struct{}, grace time.Duration) bool {
	started := false
	t.once.Do(func() {
		if p == nil {
			return
		}
		select {
		case <-exited:
			return
		default:
		}

		started = true
		t.set(TermRequested)
		signalGroup(p, syscall.SIGTERM)

		t.set(TermGracePeriod)
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-exited:
			return
		case <-timer.C:
		}

		t.set(TermForceKilled)
		signalGroup(p, syscall.SIGKILL)
	})
	return started
}

// signalGroup delivers sig to the whole process group, falling back to the
// leader alone when the group cannot be signalled.
func signalGroup(p *os.Process, sig syscall.Signal) {
	if err := syscall.Kill(-p.Pid, sig); err != nil {
		_ = p.Signal(sig)
	}
}

// TerminationState reports the termination progress for this runtime.
func (r *Runtime) TerminationState() TermState {
	return r.term.State()
}
