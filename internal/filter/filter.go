// Package filter implements suite selection expressions.
//
// An expression has the form (deps|stage)(=|~)value[,value...]. Values
// prefixed with "!" are exclusions. For dependency filters "=" keeps
// only suites whose dependencies are fully covered by the included
// names, while "~" keeps suites touching at least one of them. Stage
// filters support "=" only.
package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/me/stagerun/internal/suite"
)

var exprRe = regexp.MustCompile(`^(deps|stage)([=~])(.+)$`)

// Filter configuration errors, reported before anything runs.
var (
	ErrBadExpr   = errors.New("invalid filter expression")
	ErrBadValue  = errors.New("invalid filter value")
	ErrStageOp   = errors.New(`stage filters support only "="`)
	ErrMixedMode = errors.New(`mixing "=" and "~" dependency filters is not allowed`)
)

// Mode is the dependency matching mode picked by the operator of the
// deps filters.
type Mode int

const (
	// ModeNone means no deps filter was given.
	ModeNone Mode = iota
	// ModeOnly ("=") admits suites whose deps are covered by the
	// included names.
	ModeOnly
	// ModeAny ("~") admits suites with at least one included static dep.
	ModeAny
)

// Filters is the aggregate of all -f expressions of a run. The zero
// value (or Parse(nil)) admits every suite.
type Filters struct {
	active    bool
	mode      Mode
	depsIncl  map[string]bool
	depsExcl  map[string]bool
	stageIncl map[string]bool
	stageExcl map[string]bool
}

// Parse builds Filters from raw -f arguments. Arguments are combined:
// includes and excludes of the same kind accumulate across expressions,
// and all deps expressions must agree on one operator.
func Parse(args []string) (*Filters, error) {
	f := &Filters{
		depsIncl:  make(map[string]bool),
		depsExcl:  make(map[string]bool),
		stageIncl: make(map[string]bool),
		stageExcl: make(map[string]bool),
	}
	for _, arg := range args {
		if err := f.add(arg); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *Filters) add(arg string) error {
	m := exprRe.FindStringSubmatch(arg)
	if m == nil {
		return fmt.Errorf("%w: %q", ErrBadExpr, arg)
	}
	kind, op, raw := m[1], m[2], m[3]
	if kind == "stage" && op == "~" {
		return fmt.Errorf("%w: %q", ErrStageOp, arg)
	}
	if kind == "deps" {
		mode := ModeOnly
		if op == "~" {
			mode = ModeAny
		}
		if f.mode != ModeNone && f.mode != mode {
			return fmt.Errorf("%w: %q", ErrMixedMode, arg)
		}
		f.mode = mode
	}

	incl, excl := f.depsIncl, f.depsExcl
	if kind == "stage" {
		incl, excl = f.stageIncl, f.stageExcl
	}
	for _, val := range strings.Split(raw, ",") {
		target := incl
		if strings.HasPrefix(val, "!") {
			target = excl
			val = val[1:]
		}
		if !suite.ValidIdent(val) {
			return fmt.Errorf("%w: %q in %q", ErrBadValue, val, arg)
		}
		target[val] = true
	}
	f.active = true
	return nil
}

// Mode returns the dependency matching mode in effect.
func (f *Filters) Mode() Mode {
	return f.mode
}

// Admit reports whether s passes the filters. Exclusions permanently
// narrow the suite's dynamic option sets; a dynamic dependency left
// with no options rejects the suite. In "=" mode inclusions narrow the
// option sets too and the suite must still have a complete assignment
// of distinct options afterwards. In "~" mode only static deps can
// satisfy the inclusion list.
func (f *Filters) Admit(s *suite.Suite) bool {
	if f == nil || !f.active {
		return true
	}
	if f.stageExcl[s.Stage()] {
		return false
	}
	if len(f.stageIncl) > 0 && !f.stageIncl[s.Stage()] {
		return false
	}

	for _, dep := range s.Static() {
		if f.depsExcl[dep] {
			return false
		}
	}
	if len(f.depsExcl) > 0 {
		for _, name := range s.DynamicNames() {
			left := s.NarrowDynamic(name, func(opt string) bool { return !f.depsExcl[opt] })
			if left == 0 {
				return false
			}
		}
	}

	switch f.mode {
	case ModeOnly:
		if len(f.depsIncl) == 0 {
			return true
		}
		for _, dep := range s.Static() {
			if !f.depsIncl[dep] {
				return false
			}
		}
		for _, name := range s.DynamicNames() {
			left := s.NarrowDynamic(name, func(opt string) bool { return f.depsIncl[opt] })
			if left == 0 {
				return false
			}
		}
		if len(s.DynamicNames()) > 0 {
			if _, ok := s.CandidateMatching(nil); !ok {
				return false
			}
		}
	case ModeAny:
		if len(f.depsIncl) == 0 {
			return true
		}
		// Only static deps can satisfy a "~" inclusion; dynamic
		// options are never consulted here.
		for _, dep := range s.Static() {
			if f.depsIncl[dep] {
				return true
			}
		}
		return false
	}
	return true
}
