package runner

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/me/stagerun/internal/suite"
)

// Process is one live worker as seen by the ProcessManager.
type Process interface {
	Pid() int
	// Interrupt asks the worker to wind down (SIGINT).
	Interrupt() error
	// Kill forcibly terminates the worker and its process group.
	Kill() error
	// Wait blocks until the worker has exited.
	Wait() error
}

// Launcher starts a worker for a suite whose dependencies are locked.
type Launcher interface {
	Launch(s *suite.Suite) (Process, error)
}

type exitEvent struct {
	pid int
	err error
}

type workerState struct {
	suite      *suite.Suite
	proc       Process
	interrupts int
	startedAt  time.Time
}

// ProcessManager starts workers and tracks them until they exit. One
// goroutine per worker forwards the exit into a channel that Wait
// drains. Escalation is three steps per worker: interrupt, interrupt
// again, kill.
type ProcessManager struct {
	logger   *slog.Logger
	launcher Launcher
	fallback *suite.Timeout
	now      func() time.Time
	workers  map[int]*workerState
	exits    chan exitEvent
}

// NewProcessManager returns a manager using fallback as the timeout for
// suites that declare none. A nil fallback disables timeouts for them.
func NewProcessManager(launcher Launcher, fallback *suite.Timeout, logger *slog.Logger) *ProcessManager {
	return &ProcessManager{
		logger:   logger.With("component", "procs"),
		launcher: launcher,
		fallback: fallback,
		now:      time.Now,
		workers:  make(map[int]*workerState),
		exits:    make(chan exitEvent, 16),
	}
}

// Start launches a worker for s and begins tracking it. On success the
// suite is marked started; on failure nothing is recorded and the
// caller decides what to do with the suite.
func (m *ProcessManager) Start(s *suite.Suite) error {
	proc, err := m.launcher.Launch(s)
	if err != nil {
		return fmt.Errorf("launching worker for %q: %w", s.Name(), err)
	}
	now := m.now()
	s.MarkStarted(now)
	m.workers[proc.Pid()] = &workerState{suite: s, proc: proc, startedAt: now}
	m.logger.Info("suite started",
		"suite", s.Name(), "pid", proc.Pid(), "deps", s.ResolvedDeps())
	go func(pid int, proc Process) {
		m.exits <- exitEvent{pid: pid, err: proc.Wait()}
	}(proc.Pid(), proc)
	return nil
}

// Running reports the number of live workers.
func (m *ProcessManager) Running() int { return len(m.workers) }

// Wait blocks up to d for a worker exit, then reaps every exit that has
// arrived by that point and returns the finished suites. With no live
// workers it returns immediately.
func (m *ProcessManager) Wait(d time.Duration) []*suite.Suite {
	if len(m.workers) == 0 {
		return nil
	}
	var finished []*suite.Suite
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case ev := <-m.exits:
		finished = append(finished, m.reap(ev))
	case <-timer.C:
		return nil
	}
	for {
		select {
		case ev := <-m.exits:
			finished = append(finished, m.reap(ev))
		default:
			return finished
		}
	}
}

func (m *ProcessManager) reap(ev exitEvent) *suite.Suite {
	st, ok := m.workers[ev.pid]
	if !ok {
		panic(fmt.Sprintf("procmanager: exit event for unknown pid %d", ev.pid))
	}
	delete(m.workers, ev.pid)
	now := m.now()
	st.suite.MarkFinished(now)
	elapsed := now.Sub(st.startedAt).Round(time.Millisecond)
	if ev.err != nil {
		m.logger.Warn("suite finished with error",
			"suite", st.suite.Name(), "elapsed", elapsed, "error", ev.err)
	} else {
		m.logger.Info("suite finished", "suite", st.suite.Name(), "elapsed", elapsed)
	}
	return st.suite
}

// HandleSignals brings every worker up to the escalation level implied
// by the number of shutdown requests: request n escalates workers to
// step n-1, so the first request never touches a running worker.
func (m *ProcessManager) HandleSignals(requests int) {
	for _, st := range m.inPidOrder() {
		for st.interrupts < requests-1 {
			m.escalate(st)
		}
	}
}

// HandleTimeouts escalates workers whose current deadline has passed:
// the soft timeout first, then the hard total, then the kill total. At
// most one step per worker per call.
func (m *ProcessManager) HandleTimeouts(now time.Time) {
	for _, st := range m.inPidOrder() {
		t := st.suite.Timeout()
		if t == nil {
			t = m.fallback
		}
		if t == nil {
			continue
		}
		var limit time.Duration
		switch st.interrupts {
		case 0:
			limit = t.Soft
		case 1:
			limit = t.HardTotal()
		default:
			limit = t.KillTotal()
		}
		if elapsed := now.Sub(st.startedAt); elapsed > limit {
			m.logger.Warn("suite over time limit",
				"suite", st.suite.Name(),
				"elapsed", elapsed.Round(time.Second),
				"limit", limit)
			m.escalate(st)
		}
	}
}

func (m *ProcessManager) escalate(st *workerState) {
	st.interrupts++
	if st.interrupts <= 2 {
		m.logger.Warn("interrupting suite", "suite", st.suite.Name(), "attempt", st.interrupts)
		if err := st.proc.Interrupt(); err != nil {
			m.logger.Error("interrupt failed", "suite", st.suite.Name(), "error", err)
		}
		return
	}
	m.logger.Warn("killing suite", "suite", st.suite.Name())
	if err := st.proc.Kill(); err != nil {
		m.logger.Error("kill failed", "suite", st.suite.Name(), "error", err)
	}
}

func (m *ProcessManager) inPidOrder() []*workerState {
	pids := make([]int, 0, len(m.workers))
	for pid := range m.workers {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	states := make([]*workerState, len(pids))
	for i, pid := range pids {
		states[i] = m.workers[pid]
	}
	return states
}
