package runner

import (
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// ShutdownMonitor counts shutdown requests. The scheduler reads the
// count every tick: one request stops new launches, each further
// request escalates the pressure on running workers.
type ShutdownMonitor struct {
	logger *slog.Logger
	count  atomic.Int64
}

func NewShutdownMonitor(logger *slog.Logger) *ShutdownMonitor {
	return &ShutdownMonitor{logger: logger.With("component", "shutdown")}
}

// Install registers for SIGINT and SIGTERM. The returned function
// releases the handler again.
func (m *ShutdownMonitor) Install() func() {
	ch := make(chan os.Signal, 8)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				n := m.Request()
				switch n {
				case 1:
					m.logger.Warn("shutdown requested, waiting for running suites",
						"signal", sig.String())
				default:
					m.logger.Warn("shutdown requested again",
						"signal", sig.String(), "requests", n)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// Request records one shutdown request and returns the new total.
func (m *ShutdownMonitor) Request() int {
	return int(m.count.Add(1))
}

// Count returns the number of shutdown requests seen so far.
func (m *ShutdownMonitor) Count() int {
	return int(m.count.Load())
}
