// Package stats renders selection statistics over a suite collection,
// the body of the stagerun stats command.
package stats

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/me/stagerun/internal/suite"
)

type sections struct {
	deps    bool
	dynamic bool
	static  bool
	stages  bool
	suites  bool
	tags    bool
	totals  bool
}

func parseSelection(selection string) (sections, error) {
	var sel sections
	for _, s := range strings.Split(selection, ",") {
		switch strings.TrimSpace(s) {
		case "all":
			return sections{
				deps: true, dynamic: true, static: true,
				stages: true, suites: true, tags: true, totals: true,
			}, nil
		case "deps":
			sel.deps = true
		case "dynamic":
			sel.dynamic = true
		case "static":
			sel.static = true
		case "stages":
			sel.stages = true
		case "suites":
			sel.suites = true
		case "tags":
			sel.tags = true
		case "totals":
			sel.totals = true
		default:
			return sel, fmt.Errorf("unknown value in stats selection: %q", s)
		}
	}
	return sel, nil
}

// Render writes the selected statistics sections. selection is a comma
// list of totals, stages, tags, suites, deps, static, dynamic, or all.
// The deps section folds static and dynamic into one and supersedes
// both.
func Render(w io.Writer, coll *suite.Collection, selection string) error {
	sel, err := parseSelection(selection)
	if err != nil {
		return err
	}

	if sel.totals {
		renderTotals(w, coll)
	}
	if sel.stages {
		renderStages(w, coll)
	}
	if sel.tags {
		renderTags(w, coll)
	}
	if sel.suites {
		renderSuites(w, coll)
	}
	if sel.deps {
		renderDeps(w, coll)
		return nil
	}
	if sel.dynamic {
		renderDynamic(w, coll)
	}
	if sel.static {
		renderStatic(w, coll)
	}
	return nil
}

func renderTotals(w io.Writer, coll *suite.Collection) {
	title(w, "Totals")
	total := coll.Stats()
	depsTotal := make(map[string]bool, len(total.StaticDeps)+len(total.DynamicOptions))
	for name := range total.StaticDeps {
		depsTotal[name] = true
	}
	for name := range total.DynamicOptions {
		depsTotal[name] = true
	}
	fmt.Fprintf(w, "Stages: %d\n", len(coll.StageNames()))
	fmt.Fprintf(w, "Suites: %d\n", total.Suites)
	fmt.Fprintf(w, "Tests: %d\n", total.Tests)
	fmt.Fprintf(w, "Tags: %d\n", len(total.Tags))
	fmt.Fprintf(w, "Deps total: %d\n", len(depsTotal))
	fmt.Fprintf(w, "  static: %d\n", len(total.StaticDeps))
	fmt.Fprintf(w, "  dynamic: %d\n", len(total.DynamicOptions))
	fmt.Fprintln(w)
}

func renderStages(w io.Writer, coll *suite.Collection) {
	title(w, "Stages")
	for _, st := range coll.Stages() {
		s := st.Stats()
		fmt.Fprintf(w, "%s: %d %s, %d %s\n",
			st.Name(),
			s.Suites, plural(s.Suites, "Suite"),
			s.Tests, plural(s.Tests, "Test"))
	}
	fmt.Fprintln(w)
}

func renderTags(w io.Writer, coll *suite.Collection) {
	title(w, "Tags")
	tags := coll.Stats().Tags
	for _, name := range sortedKeys(tags) {
		fmt.Fprintf(w, "%s: %d %s\n", name, tags[name], plural(tags[name], "Test"))
	}
	fmt.Fprintln(w)
}

func renderSuites(w io.Writer, coll *suite.Collection) {
	title(w, "Suites")
	for _, st := range coll.Stages() {
		fmt.Fprintf(w, "Stage %s\n", st.Name())
		suites := st.Suites()
		sort.Slice(suites, func(i, j int) bool { return suites[i].Name() < suites[j].Name() })
		for _, s := range suites {
			vars := s.Vars()
			if len(vars) == 0 {
				fmt.Fprintf(w, "  %s\n", s.Source())
				continue
			}
			pairs := make([]string, 0, len(vars))
			for _, name := range sortedVarKeys(vars) {
				pairs = append(pairs, fmt.Sprintf("%s=%q", name, fmt.Sprint(vars[name])))
			}
			fmt.Fprintf(w, "  %s: %s\n", s.Source(), strings.Join(pairs, ", "))
		}
		fmt.Fprintln(w)
	}
}

func renderStatic(w io.Writer, coll *suite.Collection) {
	title(w, "Static deps")
	deps := coll.Stats().StaticDeps
	for _, name := range sortedKeys(deps) {
		fmt.Fprintf(w, "  %s: %d %s\n", name, deps[name], plural(deps[name], "Suite"))
	}
	fmt.Fprintln(w)
}

func renderDynamic(w io.Writer, coll *suite.Collection) {
	title(w, "Dynamic deps")
	deps := coll.Stats().DynamicOptions
	for _, name := range sortedKeys(deps) {
		fmt.Fprintf(w, "  %s: %d %s\n", name, deps[name], plural(deps[name], "Suite"))
	}
	fmt.Fprintln(w)
}

func renderDeps(w io.Writer, coll *suite.Collection) {
	title(w, "Deps")
	total := coll.Stats()
	combined := make(map[string]int, len(total.StaticDeps)+len(total.DynamicOptions))
	for name, n := range total.StaticDeps {
		combined[name] += n
	}
	for name, n := range total.DynamicOptions {
		combined[name] += n
	}
	for _, name := range sortedKeys(combined) {
		n := combined[name]
		fmt.Fprintf(w, "%s: %d %s (static: %d, dynamic: %d)\n",
			name, n, plural(n, "Suite"),
			total.StaticDeps[name], total.DynamicOptions[name])
	}
	fmt.Fprintln(w)
}

// title centers the section name in a 40 column banner of = fillers.
func title(w io.Writer, name string) {
	const total = 40
	fillers := total - len(name) - 2
	before := fillers / 2
	after := fillers - before
	fmt.Fprintf(w, "%s %s %s\n",
		strings.Repeat("=", before), name, strings.Repeat("=", after))
}

func plural(n int, unit string) string {
	if n == 1 {
		return unit
	}
	return unit + "s"
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedVarKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
