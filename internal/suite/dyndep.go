package suite

import (
	"fmt"
	"sort"
)

// dynDep is one dynamic dependency slot: a set of candidate option names
// of which exactly one is bound when the suite locks its dependencies.
// The bound value is write-once.
type dynDep struct {
	name     string
	options  []string // sorted, deduplicated, never contains the suite's static names
	value    string
	resolved bool
}

// resolve binds the slot to option. Binding twice is a programming error.
func (d *dynDep) resolve(option string) {
	if d.resolved {
		panic(fmt.Sprintf("dynamic dependency %q: already resolved to %q", d.name, d.value))
	}
	d.value = option
	d.resolved = true
}

// resolvedValue returns the bound option. Reading before the slot is
// bound is a programming error.
func (d *dynDep) resolvedValue() string {
	if !d.resolved {
		panic(fmt.Sprintf("dynamic dependency %q: read before resolution", d.name))
	}
	return d.value
}

// narrow drops every option for which keep returns false.
func (d *dynDep) narrow(keep func(string) bool) {
	kept := d.options[:0]
	for _, opt := range d.options {
		if keep(opt) {
			kept = append(kept, opt)
		}
	}
	d.options = kept
}

// CandidateMatching computes an assignment of one distinct option to each
// dynamic dependency, considering only options for which available
// returns true. A nil available admits every option. The search is a
// standard augmenting-path matching over the dependency/option bipartite
// graph, so a suite like A in {x,y}, B in {x} resolves B to x and A to y
// regardless of iteration order.
//
// The returned map is keyed by dependency name. It is a proposal only:
// nothing on the suite changes until CommitMatching. The second return
// is false when no complete assignment exists.
func (s *Suite) CandidateMatching(available func(string) bool) (map[string]string, bool) {
	if len(s.dynNames) == 0 {
		return map[string]string{}, true
	}

	admits := func(opt string) bool {
		return available == nil || available(opt)
	}

	// A dependency whose filtered option set is empty can never be
	// assigned, so skip the search entirely.
	for _, name := range s.dynNames {
		viable := false
		for _, opt := range s.dynamic[name].options {
			if admits(opt) {
				viable = true
				break
			}
		}
		if !viable {
			return nil, false
		}
	}

	owner := make(map[string]string, len(s.dynNames)) // option -> dependency holding it
	var assign func(name string, seen map[string]bool) bool
	assign = func(name string, seen map[string]bool) bool {
		for _, opt := range s.dynamic[name].options {
			if !admits(opt) || seen[opt] {
				continue
			}
			seen[opt] = true
			holder, taken := owner[opt]
			if !taken || assign(holder, seen) {
				owner[opt] = name
				return true
			}
		}
		return false
	}

	for _, name := range s.dynNames {
		if !assign(name, make(map[string]bool)) {
			return nil, false
		}
	}

	picks := make(map[string]string, len(owner))
	for opt, name := range owner {
		picks[name] = opt
	}
	return picks, true
}

// CommitMatching binds the proposal produced by CandidateMatching into
// the suite's dynamic slots. It must be called exactly once, with a
// complete assignment; anything else is a programming error.
func (s *Suite) CommitMatching(picks map[string]string) {
	if s.committed {
		panic(fmt.Sprintf("suite %q: matching committed twice", s.name))
	}
	if len(picks) != len(s.dynNames) {
		panic(fmt.Sprintf("suite %q: incomplete matching: %d assignments for %d dependencies", s.name, len(picks), len(s.dynNames)))
	}
	for _, name := range s.dynNames {
		opt, ok := picks[name]
		if !ok {
			panic(fmt.Sprintf("suite %q: matching misses dynamic dependency %q", s.name, name))
		}
		d := s.dynamic[name]
		if !contains(d.options, opt) {
			panic(fmt.Sprintf("suite %q: dynamic dependency %q: %q is not a candidate option", s.name, name, opt))
		}
		d.resolve(opt)
	}
	s.committed = true
}

// Committed reports whether the suite's dynamic slots are bound.
func (s *Suite) Committed() bool {
	return s.committed
}

// ResolvedDynamic returns the bound option per dynamic dependency.
// Calling it before CommitMatching is a programming error.
func (s *Suite) ResolvedDynamic() map[string]string {
	out := make(map[string]string, len(s.dynNames))
	for _, name := range s.dynNames {
		out[name] = s.dynamic[name].resolvedValue()
	}
	return out
}

// ResolvedDeps returns every dependency name the suite holds once its
// matching is committed: the static names plus the bound option of each
// dynamic slot, sorted and deduplicated.
func (s *Suite) ResolvedDeps() []string {
	set := make(map[string]struct{}, len(s.static)+len(s.dynNames))
	for dep := range s.static {
		set[dep] = struct{}{}
	}
	for _, name := range s.dynNames {
		set[s.dynamic[name].resolvedValue()] = struct{}{}
	}
	deps := make([]string, 0, len(set))
	for dep := range set {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	return deps
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
