// Package suite holds the schedulable unit of test work: the Suite with
// its static and dynamic resource dependencies, the timeout policy, and
// the stage/collection grouping the scheduler consumes.
package suite

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"
)

// MaxNameBytes bounds the encoded length of a suite name. Names become
// path components under the output directory.
const MaxNameBytes = 255

// identRe matches stage names, dependency names, and dynamic option names.
var identRe = regexp.MustCompile(`^[a-zA-Z0-9:][a-zA-Z0-9:._-]*$`)

// ValidIdent reports whether s is a legal stage, dependency, or option name.
func ValidIdent(s string) bool {
	return identRe.MatchString(s)
}

var (
	// ErrNoViableOption is returned when a dynamic dependency's option
	// set, minus the suite's own static dependencies, is empty.
	ErrNoViableOption = errors.New("dynamic dependency has no viable option")

	// ErrNameTooLong is returned when a suite name exceeds MaxNameBytes.
	ErrNameTooLong = errors.New("suite name too long")

	// ErrBadIdent is returned for stage, dependency, or option names that
	// do not match the identifier pattern.
	ErrBadIdent = errors.New("invalid identifier")
)

// Status is the lifecycle state of a Suite. Transitions are monotonic:
// PENDING -> STARTED -> FINISHED, never backwards.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusStarted  Status = "STARTED"
	StatusFinished Status = "FINISHED"
)

func (s Status) String() string {
	return string(s)
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusStarted:
		return 1
	case StatusFinished:
		return 2
	}
	return -1
}

// Stats aggregates selection statistics over one suite or a group of
// suites. Per suite, StaticDeps and DynamicOptions count each name once,
// so at the stage level they count the number of suites referencing the
// name.
type Stats struct {
	Suites         int
	Tests          int
	Tags           map[string]int
	StaticDeps     map[string]int
	DynamicOptions map[string]int
}

// NewStats returns a zero Stats with initialized maps.
func NewStats() Stats {
	return Stats{
		Tags:           make(map[string]int),
		StaticDeps:     make(map[string]int),
		DynamicOptions: make(map[string]int),
	}
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Suites += o.Suites
	s.Tests += o.Tests
	for k, v := range o.Tags {
		s.Tags[k] += v
	}
	for k, v := range o.StaticDeps {
		s.StaticDeps[k] += v
	}
	for k, v := range o.DynamicOptions {
		s.DynamicOptions[k] += v
	}
}

// Clone returns a deep copy.
func (s Stats) Clone() Stats {
	c := NewStats()
	c.Add(s)
	return c
}

// Config carries everything the metadata reader extracts for one suite.
type Config struct {
	Name    string
	Source  string
	Stage   string
	Static  []string
	Dynamic map[string][]string
	Timeout *Timeout
	Vars    map[string]any
	Tests   int
	Tags    []string
}

// Suite is one schedulable unit of test work.
type Suite struct {
	name   string
	source string
	stage  string

	static   map[string]struct{}
	dynamic  map[string]*dynDep
	dynNames []string // sorted; fixes matching iteration order

	timeout *Timeout
	vars    map[string]any

	status     Status
	startedAt  time.Time
	finishedAt time.Time
	committed  bool

	stats Stats
}

// New validates cfg and builds a Suite. Every dynamic dependency must
// keep at least one option after the suite's own static names are
// subtracted from its option set.
func New(cfg Config) (*Suite, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("suite name is empty")
	}
	if len(cfg.Name) > MaxNameBytes {
		return nil, fmt.Errorf("suite %q: %w (%d bytes, max %d)", cfg.Name, ErrNameTooLong, len(cfg.Name), MaxNameBytes)
	}
	if !ValidIdent(cfg.Stage) {
		return nil, fmt.Errorf("suite %q: stage %q: %w", cfg.Name, cfg.Stage, ErrBadIdent)
	}

	s := &Suite{
		name:    cfg.Name,
		source:  cfg.Source,
		stage:   cfg.Stage,
		static:  make(map[string]struct{}, len(cfg.Static)),
		dynamic: make(map[string]*dynDep, len(cfg.Dynamic)),
		timeout: cfg.Timeout,
		status:  StatusPending,
		stats:   NewStats(),
	}

	for _, dep := range cfg.Static {
		if !ValidIdent(dep) {
			return nil, fmt.Errorf("suite %q: static dependency %q: %w", cfg.Name, dep, ErrBadIdent)
		}
		s.static[dep] = struct{}{}
	}

	for name, options := range cfg.Dynamic {
		if !ValidIdent(name) {
			return nil, fmt.Errorf("suite %q: dynamic dependency %q: %w", cfg.Name, name, ErrBadIdent)
		}
		var viable []string
		seen := make(map[string]struct{}, len(options))
		for _, opt := range options {
			if !ValidIdent(opt) {
				return nil, fmt.Errorf("suite %q: dynamic dependency %q: option %q: %w", cfg.Name, name, opt, ErrBadIdent)
			}
			if _, dup := seen[opt]; dup {
				continue
			}
			seen[opt] = struct{}{}
			// Options already claimed by the suite's own static set can
			// never satisfy the slot.
			if _, taken := s.static[opt]; taken {
				continue
			}
			viable = append(viable, opt)
		}
		if len(viable) == 0 {
			return nil, fmt.Errorf("suite %q: dynamic dependency %q (options %v): %w", cfg.Name, name, options, ErrNoViableOption)
		}
		sort.Strings(viable)
		s.dynamic[name] = &dynDep{name: name, options: viable}
		s.dynNames = append(s.dynNames, name)
	}
	sort.Strings(s.dynNames)

	if len(cfg.Vars) > 0 {
		s.vars = make(map[string]any, len(cfg.Vars))
		for k, v := range cfg.Vars {
			s.vars[k] = v
		}
	}

	s.stats.Suites = 1
	s.stats.Tests = cfg.Tests
	for _, tag := range cfg.Tags {
		s.stats.Tags[tag]++
	}
	for dep := range s.static {
		s.stats.StaticDeps[dep] = 1
	}
	s.recountDynamicOptions()

	return s, nil
}

func (s *Suite) Name() string      { return s.name }
func (s *Suite) Source() string    { return s.source }
func (s *Suite) Stage() string     { return s.stage }
func (s *Suite) Timeout() *Timeout { return s.timeout }
func (s *Suite) Status() Status    { return s.status }

// StartedAt is the time the worker was launched; zero while PENDING.
func (s *Suite) StartedAt() time.Time { return s.startedAt }

// FinishedAt is the time the worker was reaped; zero until FINISHED.
func (s *Suite) FinishedAt() time.Time { return s.finishedAt }

// Vars returns the loop-binding variables, nil when the suite was not
// produced by loop expansion.
func (s *Suite) Vars() map[string]any {
	if s.vars == nil {
		return nil
	}
	c := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		c[k] = v
	}
	return c
}

// Static returns the static dependency names, sorted.
func (s *Suite) Static() []string {
	deps := make([]string, 0, len(s.static))
	for dep := range s.static {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	return deps
}

// HasStatic reports whether dep is one of the suite's static dependencies.
func (s *Suite) HasStatic(dep string) bool {
	_, ok := s.static[dep]
	return ok
}

// DynamicNames returns the dynamic dependency names, sorted.
func (s *Suite) DynamicNames() []string {
	return append([]string(nil), s.dynNames...)
}

// DynamicOptions returns the current candidate options of the named
// dynamic dependency.
func (s *Suite) DynamicOptions(name string) []string {
	d, ok := s.dynamic[name]
	if !ok {
		panic(fmt.Sprintf("suite %q: unknown dynamic dependency %q", s.name, name))
	}
	return append([]string(nil), d.options...)
}

// Stats returns a copy of the suite's selection statistics.
func (s *Suite) Stats() Stats {
	return s.stats.Clone()
}

// MarkStarted records the worker launch. Only valid from PENDING.
func (s *Suite) MarkStarted(t time.Time) {
	s.transition(StatusStarted)
	s.startedAt = t
}

// MarkFinished records the worker exit. Only valid from STARTED.
func (s *Suite) MarkFinished(t time.Time) {
	s.transition(StatusFinished)
	s.finishedAt = t
}

func (s *Suite) transition(next Status) {
	if next.rank() != s.status.rank()+1 {
		panic(fmt.Sprintf("suite %q: invalid status transition %s -> %s", s.name, s.status, next))
	}
	s.status = next
}

// NarrowDynamic keeps only the options of the named dynamic dependency
// for which keep returns true, propagating the removal into the suite's
// statistics. Returns the number of options remaining.
func (s *Suite) NarrowDynamic(name string, keep func(string) bool) int {
	d, ok := s.dynamic[name]
	if !ok {
		panic(fmt.Sprintf("suite %q: unknown dynamic dependency %q", s.name, name))
	}
	d.narrow(keep)
	s.recountDynamicOptions()
	return len(d.options)
}

// recountDynamicOptions rebuilds the per-suite dynamic option counter as
// the union over all dynamic dependencies, one count per option.
func (s *Suite) recountDynamicOptions() {
	union := make(map[string]int)
	for _, d := range s.dynamic {
		for _, opt := range d.options {
			union[opt] = 1
		}
	}
	s.stats.DynamicOptions = union
}
