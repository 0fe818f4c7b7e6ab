package suite

import (
	"fmt"
	"sort"
)

// Stage groups the suites sharing one stage name. Stages are execution
// barriers: the scheduler finishes every suite of one stage before it
// starts the next.
type Stage struct {
	name   string
	suites []*Suite
	stats  Stats
}

func (st *Stage) Name() string { return st.name }

// Suites returns the stage's suites in insertion order.
func (st *Stage) Suites() []*Suite {
	return append([]*Suite(nil), st.suites...)
}

func (st *Stage) Len() int { return len(st.suites) }

// Stats returns the aggregated selection statistics of the stage.
func (st *Stage) Stats() Stats {
	return st.stats.Clone()
}

// StatusCounts tallies the stage's suites by lifecycle state.
func (st *Stage) StatusCounts() map[Status]int {
	counts := make(map[Status]int, 3)
	for _, s := range st.suites {
		counts[s.Status()]++
	}
	return counts
}

// Admitter decides whether a suite belongs in a collection. It may
// mutate the suite while deciding, narrowing dynamic option sets.
type Admitter interface {
	Admit(*Suite) bool
}

// Collection is the filtered corpus of one run, grouped by stage.
type Collection struct {
	admit   Admitter
	stages  map[string]*Stage
	byName  map[string]*Suite
	skipped int
}

// NewCollection builds an empty collection. admit may be nil, admitting
// every suite.
func NewCollection(admit Admitter) *Collection {
	return &Collection{
		admit:  admit,
		stages: make(map[string]*Stage),
		byName: make(map[string]*Suite),
	}
}

// Insert offers s to the collection. It reports whether the suite was
// admitted; filtered suites are counted but not kept. Two admitted
// suites with the same name would collide in the output directory, so
// duplicates are an error.
func (c *Collection) Insert(s *Suite) (bool, error) {
	if c.admit != nil && !c.admit.Admit(s) {
		c.skipped++
		return false, nil
	}
	if prev, ok := c.byName[s.Name()]; ok {
		return false, fmt.Errorf("duplicate suite name %q (stages %q and %q)", s.Name(), prev.Stage(), s.Stage())
	}
	st, ok := c.stages[s.Stage()]
	if !ok {
		st = &Stage{name: s.Stage(), stats: NewStats()}
		c.stages[s.Stage()] = st
	}
	st.suites = append(st.suites, s)
	st.stats.Add(s.Stats())
	c.byName[s.Name()] = s
	return true, nil
}

// Stage returns the named stage, or nil.
func (c *Collection) Stage(name string) *Stage {
	return c.stages[name]
}

// StageNames returns the stage names in execution order, which is
// lexical order.
func (c *Collection) StageNames() []string {
	names := make([]string, 0, len(c.stages))
	for name := range c.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stages returns the stages in execution order.
func (c *Collection) Stages() []*Stage {
	names := c.StageNames()
	stages := make([]*Stage, 0, len(names))
	for _, name := range names {
		stages = append(stages, c.stages[name])
	}
	return stages
}

// Len is the number of admitted suites.
func (c *Collection) Len() int {
	return len(c.byName)
}

// Skipped is the number of suites the admitter rejected.
func (c *Collection) Skipped() int {
	return c.skipped
}

// Stats aggregates the statistics of every admitted suite.
func (c *Collection) Stats() Stats {
	total := NewStats()
	for _, st := range c.stages {
		total.Add(st.stats)
	}
	return total
}
