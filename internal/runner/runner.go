// Package runner schedules suites stage by stage. Within a stage every
// suite whose dependencies can be locked runs concurrently in its own
// worker process; the rest wait and are retried each tick. Stages are
// barriers: the next stage starts once the previous one has drained.
package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/me/stagerun/internal/suite"
)

// StageStatus is a point-in-time snapshot of one stage, published to
// every sink once per scheduler tick.
type StageStatus struct {
	Stage          string  `json:"stage"`
	Pending        int     `json:"pending"`
	Running        int     `json:"running"`
	Finished       int     `json:"finished"`
	Total          int     `json:"total"`
	DepsFree       int     `json:"deps_free"`
	DepsInUse      int     `json:"deps_in_use"`
	Interrupted    bool    `json:"interrupted"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// Percent is the share of finished suites, 0 to 100.
func (s StageStatus) Percent() int {
	if s.Total == 0 {
		return 100
	}
	return s.Finished * 100 / s.Total
}

// StatusSink receives stage snapshots as the run progresses.
type StatusSink interface {
	Publish(StageStatus)
}

// Config carries the runner's knobs.
type Config struct {
	// Poll is the tick length while workers run. Defaults to a second.
	Poll time.Duration
	// Timeout applies to suites that declare none. Nil disables it.
	Timeout  *suite.Timeout
	Launcher Launcher
	Shutdown *ShutdownMonitor
	Sinks    []StatusSink
	Logger   *slog.Logger
}

// Report sums up one Run.
type Report struct {
	// Ran holds every suite that reached FINISHED, whether its worker
	// succeeded, failed or was killed.
	Ran []*suite.Suite
	// Abandoned holds suites that never started: shutdown arrived
	// first, or their dependencies can never be satisfied.
	Abandoned []*suite.Suite
	// Interrupted reports whether a shutdown request cut the run short.
	Interrupted bool
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Runner drives the stages of a collection.
type Runner struct {
	poll     time.Duration
	fallback *suite.Timeout
	launcher Launcher
	shutdown *ShutdownMonitor
	sinks    []StatusSink
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config) *Runner {
	poll := cfg.Poll
	if poll <= 0 {
		poll = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	shutdown := cfg.Shutdown
	if shutdown == nil {
		shutdown = NewShutdownMonitor(logger)
	}
	return &Runner{
		poll:     poll,
		fallback: cfg.Timeout,
		launcher: cfg.Launcher,
		shutdown: shutdown,
		sinks:    cfg.Sinks,
		logger:   logger.With("component", "runner"),
		now:      time.Now,
	}
}

// Run executes every stage of the collection in name order. Cancelling
// ctx counts as one shutdown request: running suites finish, nothing
// new starts.
func (r *Runner) Run(ctx context.Context, coll *suite.Collection) *Report {
	rep := &Report{StartedAt: r.now()}
	for _, st := range coll.Stages() {
		if r.requests(ctx) > 0 {
			r.logger.Warn("skipping stage", "stage", st.Name(), "suites", st.Len())
			collectPending(st, rep)
			continue
		}
		r.runStage(ctx, st, rep)
	}
	rep.Interrupted = r.requests(ctx) > 0
	rep.FinishedAt = r.now()
	return rep
}

// requests folds context cancellation into the shutdown count.
func (r *Runner) requests(ctx context.Context) int {
	n := r.shutdown.Count()
	if n == 0 && ctx.Err() != nil {
		n = 1
	}
	return n
}

func (r *Runner) runStage(ctx context.Context, st *suite.Stage, rep *Report) {
	logger := r.logger.With("stage", st.Name())
	deps := NewDepManager(st, r.logger)
	procs := NewProcessManager(r.launcher, r.fallback, r.logger)
	procs.now = r.now

	start := r.now()
	logger.Info("stage starting", "suites", st.Len(), "deps", deps.PoolSize())
	interrupted := false
	r.publish(st, deps, start, interrupted)

	for {
		counts := st.StatusCounts()
		if !((counts[suite.StatusPending] > 0 && !interrupted) || procs.Running() > 0) {
			break
		}

		requests := r.requests(ctx)
		if requests > 0 && !interrupted {
			interrupted = true
			logger.Warn("shutdown requested, no further suites will start",
				"pending", counts[suite.StatusPending])
		}
		procs.HandleSignals(requests)
		procs.HandleTimeouts(r.now())

		for _, s := range procs.Wait(r.poll) {
			deps.Free(s)
			rep.Ran = append(rep.Ran, s)
		}

		stalled := false
		if !interrupted {
			stalled = r.startPending(st, deps, procs, rep, logger)
		}
		r.publish(st, deps, start, interrupted)
		if stalled {
			break
		}
	}

	collectPending(st, rep)
	r.publish(st, deps, start, interrupted)
	counts := st.StatusCounts()
	logger.Info("stage finished",
		"elapsed", r.now().Sub(start).Round(time.Millisecond),
		"finished", counts[suite.StatusFinished],
		"abandoned", counts[suite.StatusPending])
}

// startPending launches every pending suite whose deps lock, in the
// order the suites were read. It reports a stall: nothing started,
// nothing running and the whole pool free means the remaining pending
// suites can never be satisfied.
func (r *Runner) startPending(st *suite.Stage, deps *DepManager, procs *ProcessManager, rep *Report, logger *slog.Logger) bool {
	started := 0
	for _, s := range st.Suites() {
		if s.Status() != suite.StatusPending {
			continue
		}
		if !deps.TryLock(s) {
			continue
		}
		if err := procs.Start(s); err != nil {
			logger.Error("worker launch failed", "suite", s.Name(), "error", err)
			now := r.now()
			s.MarkStarted(now)
			s.MarkFinished(now)
			deps.Free(s)
			rep.Ran = append(rep.Ran, s)
			continue
		}
		started++
	}
	if started > 0 || procs.Running() > 0 || deps.InUseCount() > 0 {
		return false
	}
	stalled := false
	for _, s := range st.Suites() {
		if s.Status() == suite.StatusPending {
			logger.Error("dependencies can never be satisfied, abandoning suite",
				"suite", s.Name(), "static", s.Static(), "dynamic", s.DynamicNames())
			stalled = true
		}
	}
	return stalled
}

func (r *Runner) publish(st *suite.Stage, deps *DepManager, start time.Time, interrupted bool) {
	counts := st.StatusCounts()
	status := StageStatus{
		Stage:          st.Name(),
		Pending:        counts[suite.StatusPending],
		Running:        counts[suite.StatusStarted],
		Finished:       counts[suite.StatusFinished],
		Total:          st.Len(),
		DepsFree:       deps.AvailableCount(),
		DepsInUse:      deps.InUseCount(),
		Interrupted:    interrupted,
		ElapsedSeconds: r.now().Sub(start).Seconds(),
	}
	for _, sink := range r.sinks {
		sink.Publish(status)
	}
}

func collectPending(st *suite.Stage, rep *Report) {
	for _, s := range st.Suites() {
		if s.Status() == suite.StatusPending {
			rep.Abandoned = append(rep.Abandoned, s)
		}
	}
}
