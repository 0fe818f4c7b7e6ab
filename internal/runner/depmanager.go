package runner

import (
	"fmt"
	"log/slog"

	"github.com/me/stagerun/internal/suite"
)

// DepManager owns the dependency pool of one stage. Every static name
// and every dynamic option declared by the stage's suites is a
// resource, and a resource is either available or held by exactly one
// running suite.
type DepManager struct {
	logger    *slog.Logger
	all       map[string]bool
	available map[string]bool
	inUse     map[string]bool
}

func NewDepManager(st *suite.Stage, logger *slog.Logger) *DepManager {
	m := &DepManager{
		logger:    logger.With("component", "deps", "stage", st.Name()),
		all:       make(map[string]bool),
		available: make(map[string]bool),
		inUse:     make(map[string]bool),
	}
	for _, s := range st.Suites() {
		for _, dep := range s.Static() {
			m.all[dep] = true
		}
		for _, name := range s.DynamicNames() {
			for _, opt := range s.DynamicOptions(name) {
				m.all[opt] = true
			}
		}
	}
	for dep := range m.all {
		m.available[dep] = true
	}
	return m
}

// TryLock reserves everything s needs: all of its static deps plus one
// available option per dynamic dep. On success the picks are committed
// on the suite and the resources move to in use; a failed attempt
// changes nothing.
func (m *DepManager) TryLock(s *suite.Suite) bool {
	for _, dep := range s.Static() {
		if !m.available[dep] {
			return false
		}
	}
	picks, ok := s.CandidateMatching(func(opt string) bool { return m.available[opt] })
	if !ok {
		return false
	}
	s.CommitMatching(picks)
	deps := s.ResolvedDeps()
	for _, dep := range deps {
		m.take(dep, s.Name())
	}
	m.logger.Debug("locked deps", "suite", s.Name(), "deps", deps)
	return true
}

// Free returns the resolved deps of s to the pool. Freeing a resource
// that is not in use is a scheduler bug and panics.
func (m *DepManager) Free(s *suite.Suite) {
	deps := s.ResolvedDeps()
	for _, dep := range deps {
		if !m.inUse[dep] {
			panic(fmt.Sprintf("depmanager: freeing %q for %q but it is not in use", dep, s.Name()))
		}
		delete(m.inUse, dep)
		m.available[dep] = true
	}
	m.logger.Debug("freed deps", "suite", s.Name(), "deps", deps)
}

func (m *DepManager) take(dep, suiteName string) {
	if !m.available[dep] {
		panic(fmt.Sprintf("depmanager: locking %q for %q but it is not available", dep, suiteName))
	}
	delete(m.available, dep)
	m.inUse[dep] = true
}

// PoolSize returns the total number of resources in the stage's pool.
func (m *DepManager) PoolSize() int { return len(m.all) }

// AvailableCount returns how many resources are currently free.
func (m *DepManager) AvailableCount() int { return len(m.available) }

// InUseCount returns how many resources are currently held.
func (m *DepManager) InUseCount() int { return len(m.inUse) }
