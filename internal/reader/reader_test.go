package reader

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/me/stagerun/internal/suite"
)

// mockSource is the map-backed Source used by extraction tests.
type mockSource struct {
	meta map[string]any
	vars map[string]any
}

func newMockSource(meta map[string]any, vars map[string]any) *mockSource {
	m := &mockSource{meta: meta, vars: make(map[string]any)}
	for k, v := range vars {
		m.vars[k] = v
	}
	return m
}

func (m *mockSource) SetVariables(vars map[string]any) {
	for k, v := range vars {
		m.vars[k] = v
	}
}

func (m *mockSource) ReplaceVariables(s string) (string, error) {
	var firstErr error
	out := varRe.ReplaceAllStringFunc(s, func(ref string) string {
		name := strings.TrimSpace(ref[2 : len(ref)-1])
		v, ok := m.vars[name]
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("undefined variable %q", name)
			}
			return ref
		}
		return Stringify(v)
	})
	return out, firstErr
}

func (m *mockSource) VariableValue(expr string) (any, error) {
	v, ok := m.vars[expr]
	if !ok {
		return nil, fmt.Errorf("undefined variable %q", expr)
	}
	return v, nil
}

func (m *mockSource) Metadata(key string) (any, bool) {
	v, ok := m.meta[key]
	return v, ok
}

// loopName matches a loop-expanded suite name with its hex suffix.
func loopName(base string) *regexp.Regexp {
	return regexp.MustCompile("^" + regexp.QuoteMeta(base) + ` [0-9a-f]{8}$`)
}

func TestExtractSingle(t *testing.T) {
	src := newMockSource(map[string]any{
		"name":    "net smoke",
		"stage":   "10-infra",
		"timeout": "300",
		"deps":    []string{"db"},
		"tests":   []Test{{Name: "ping", Command: []string{"ping"}, Tags: []string{"net"}}},
	}, nil)

	cfgs, err := Extract(src, "net.suite.yaml")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(cfgs) != 1 {
		t.Fatalf("Extract returned %d configs, want 1", len(cfgs))
	}
	cfg := cfgs[0]
	if cfg.Name != "net smoke" || cfg.Stage != "10-infra" || cfg.Source != "net.suite.yaml" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Timeout == nil || cfg.Timeout.Soft != 300*time.Second {
		t.Errorf("Timeout = %+v, want soft 300s", cfg.Timeout)
	}
	if cfg.Timeout.Hard != suite.DefaultHard || cfg.Timeout.Kill != suite.DefaultKill {
		t.Errorf("Timeout paddings = %+v, want defaults", cfg.Timeout)
	}
	if len(cfg.Static) != 1 || cfg.Static[0] != "db" {
		t.Errorf("Static = %v, want [db]", cfg.Static)
	}
	if cfg.Tests != 1 || len(cfg.Tags) != 1 || cfg.Tags[0] != "net" {
		t.Errorf("Tests/Tags = %d/%v", cfg.Tests, cfg.Tags)
	}
}

func TestExtractRequiredMetadata(t *testing.T) {
	if _, err := Extract(newMockSource(map[string]any{"stage": "s"}, nil), "x"); err == nil {
		t.Error("Extract without name = nil error")
	}
	if _, err := Extract(newMockSource(map[string]any{"name": "n"}, nil), "x"); err == nil {
		t.Error("Extract without stage = nil error")
	}
}

func TestExtractDepsForms(t *testing.T) {
	src := newMockSource(map[string]any{
		"name":  "api",
		"stage": "20-app",
		"deps":  []string{"db", "${backends}", "${primary}", "ANY port IN ${ports}"},
	}, map[string]any{
		"backends": []any{"b1", "b2"},
		"primary":  "p0",
		"ports":    []any{"eth0", "eth1"},
	})

	cfgs, err := Extract(src, "api.suite.yaml")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	cfg := cfgs[0]
	want := []string{"db", "b1", "b2", "p0"}
	if len(cfg.Static) != len(want) {
		t.Fatalf("Static = %v, want %v", cfg.Static, want)
	}
	for i, name := range want {
		if cfg.Static[i] != name {
			t.Errorf("Static[%d] = %q, want %q", i, cfg.Static[i], name)
		}
	}
	options := cfg.Dynamic["port"]
	if len(options) != 2 || options[0] != "eth0" || options[1] != "eth1" {
		t.Errorf("Dynamic[port] = %v, want [eth0 eth1]", options)
	}
}

func TestExtractDepsErrors(t *testing.T) {
	vars := map[string]any{
		"empty":  []any{},
		"scalar": "x",
		"ports":  []any{"eth0"},
	}
	tests := []struct {
		deps []string
		want string
	}{
		{[]string{"ANY port IN ${empty}"}, "is empty"},
		{[]string{"ANY port IN ${scalar}"}, "is not a list"},
		{[]string{"ANY port IN eth0"}, "must be a ${...} expression"},
		{[]string{"ANY port IN ${ports}", "ANY port IN ${ports}"}, "declared twice"},
		{[]string{"${nope}"}, "undefined variable"},
	}
	for _, tt := range tests {
		src := newMockSource(map[string]any{
			"name": "n", "stage": "s", "deps": tt.deps,
		}, vars)
		_, err := Extract(src, "x")
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("Extract(deps=%v) error = %v, want containing %q", tt.deps, err, tt.want)
		}
	}
}

func TestExtractForList(t *testing.T) {
	src := newMockSource(map[string]any{
		"name":  "load ${model}",
		"stage": "30-perf",
		"for":   "model IN ${models}",
		"deps":  []string{"${model}"},
	}, map[string]any{
		"models": []any{"alpha", "beta"},
	})

	cfgs, err := Extract(src, "load.suite.yaml")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(cfgs) != 2 {
		t.Fatalf("Extract returned %d configs, want 2", len(cfgs))
	}
	for i, base := range []string{"load alpha", "load beta"} {
		if !loopName(base).MatchString(cfgs[i].Name) {
			t.Errorf("Name[%d] = %q, want %q plus hex suffix", i, cfgs[i].Name, base)
		}
	}
	if len(cfgs[0].Static) != 1 || cfgs[0].Static[0] != "alpha" {
		t.Errorf("Static[0] = %v, want [alpha]", cfgs[0].Static)
	}
	if cfgs[1].Vars["model"] != "beta" {
		t.Errorf("Vars[1] = %v, want model=beta", cfgs[1].Vars)
	}
	if cfgs[0].Name == cfgs[1].Name {
		t.Error("loop-expanded names collide")
	}
}

func TestExtractForZip(t *testing.T) {
	src := newMockSource(map[string]any{
		"name":  "conn ${host}",
		"stage": "30-perf",
		"for":   "host, budget IN ${rows}",
	}, map[string]any{
		"rows": []any{[]any{"fast", 10}, []any{"slow", 99}},
	})

	cfgs, err := Extract(src, "conn.suite.yaml")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(cfgs) != 2 {
		t.Fatalf("Extract returned %d configs, want 2", len(cfgs))
	}
	if cfgs[0].Vars["host"] != "fast" || cfgs[0].Vars["budget"] != 10 {
		t.Errorf("Vars[0] = %v, want host=fast budget=10", cfgs[0].Vars)
	}
	if !loopName("conn slow").MatchString(cfgs[1].Name) {
		t.Errorf("Name[1] = %q, want conn slow plus hex suffix", cfgs[1].Name)
	}
}

func TestExtractForMapSortsKeys(t *testing.T) {
	src := newMockSource(map[string]any{
		"name":  "lim ${key}",
		"stage": "40-limits",
		"for":   "key, val IN ${limits}",
	}, map[string]any{
		"limits": map[string]any{"b": 2, "a": 1},
	})

	cfgs, err := Extract(src, "lim.suite.yaml")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(cfgs) != 2 {
		t.Fatalf("Extract returned %d configs, want 2", len(cfgs))
	}
	if !loopName("lim a").MatchString(cfgs[0].Name) || !loopName("lim b").MatchString(cfgs[1].Name) {
		t.Errorf("Names = %q, %q, want lim a / lim b order", cfgs[0].Name, cfgs[1].Name)
	}
	if cfgs[0].Vars["val"] != 1 || cfgs[1].Vars["val"] != 2 {
		t.Errorf("Vars = %v, %v", cfgs[0].Vars, cfgs[1].Vars)
	}
}

func TestExtractForErrors(t *testing.T) {
	vars := map[string]any{
		"models": []any{"alpha"},
		"rows":   []any{[]any{"x"}},
		"mixed":  []any{"scalar"},
		"limits": map[string]any{"a": 1},
		"n":      5,
	}
	tests := []struct {
		decl string
		want string
	}{
		{"model ${models}", "invalid for declaration"},
		{"model IN models", "must be a ${...} expression"},
		{"k IN ${limits}", "needs exactly 2 variables"},
		{"a, b IN ${rows}", "expected 2 values, got 1"},
		{"a, b IN ${mixed}", "expected a list of 2 values"},
		{"model IN ${n}", "must be a list or map"},
		{"model IN ${nope}", "undefined variable"},
	}
	for _, tt := range tests {
		src := newMockSource(map[string]any{
			"name": "n", "stage": "s", "for": tt.decl,
		}, vars)
		_, err := Extract(src, "x")
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("Extract(for=%q) error = %v, want containing %q", tt.decl, err, tt.want)
		}
	}
}

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDocument(t *testing.T) {
	path := writeDoc(t, t.TempDir(), "netpool.suite.yaml", `
stage: 10-infra
vars:
  retries: 3
deps:
  - db
timeout: "120,30"
tests:
  - name: ping
    command: [ping, -c, "1", localhost]
    tags: [net]
`)
	doc, err := LoadDocument(path)
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	if doc.Name != "netpool" {
		t.Errorf("Name = %q, want the file stem", doc.Name)
	}
	if doc.Stage != "10-infra" || doc.Timeout != "120,30" {
		t.Errorf("doc = %+v", doc)
	}
	if doc.Vars["retries"] != 3 {
		t.Errorf("Vars = %v", doc.Vars)
	}
	if len(doc.Tests) != 1 || len(doc.Tests[0].Command) != 4 {
		t.Errorf("Tests = %+v", doc.Tests)
	}
}

func TestLoadDocumentErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"empty.suite.yaml", "", "document is empty"},
		{"typo.suite.yaml", "stge: x\n", "field stge not found"},
		{"nostage.suite.yaml", "name: x\n", "stage is required"},
		{"noname.suite.yaml", "stage: s\ntests:\n  - command: [ls]\n", "has no name"},
		{"nocmd.suite.yaml", "stage: s\ntests:\n  - name: t\n", "has no command"},
	}
	for _, tt := range tests {
		path := writeDoc(t, dir, tt.name, tt.content)
		_, err := LoadDocument(path)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("LoadDocument(%s) error = %v, want containing %q", tt.name, err, tt.want)
		}
	}
}

func TestDocumentSourceExtract(t *testing.T) {
	path := writeDoc(t, t.TempDir(), "bench.suite.yaml", `
name: bench ${host}
stage: 30-perf
vars:
  rows:
    - [fast, 10]
    - [slow, 99]
  ports: [eth0, eth1]
for: host, budget IN ${rows}
deps:
  - db
  - ANY port IN ${ports}
tests:
  - name: run
    command: [./bench.sh, "${host}"]
`)
	doc, err := LoadDocument(path)
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	cfgs, err := Extract(NewDocumentSource(doc), path)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(cfgs) != 2 {
		t.Fatalf("Extract returned %d configs, want 2", len(cfgs))
	}
	if !loopName("bench fast").MatchString(cfgs[0].Name) {
		t.Errorf("Name[0] = %q, want bench fast plus hex suffix", cfgs[0].Name)
	}
	if len(cfgs[0].Static) != 1 || cfgs[0].Static[0] != "db" {
		t.Errorf("Static = %v, want [db]", cfgs[0].Static)
	}
	if options := cfgs[1].Dynamic["port"]; len(options) != 2 {
		t.Errorf("Dynamic[port] = %v, want both ports", options)
	}
	if cfgs[1].Vars["host"] != "slow" {
		t.Errorf("Vars[1] = %v, want host=slow", cfgs[1].Vars)
	}
	if cfgs[0].Tests != 1 {
		t.Errorf("Tests = %d, want 1", cfgs[0].Tests)
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	a := writeDoc(t, dir, "a/x.suite.yaml", "stage: s\n")
	b := writeDoc(t, dir, "b/y.suite.yaml", "stage: s\n")
	writeDoc(t, dir, "b/notes.yaml", "stage: s\n")

	files, err := Discover([]string{dir})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(files) != 2 || files[0] != a || files[1] != b {
		t.Errorf("Discover = %v, want [%s %s]", files, a, b)
	}

	plain := writeDoc(t, dir, "explicit.yaml", "stage: s\n")
	files, err = Discover([]string{plain})
	if err != nil || len(files) != 1 || files[0] != plain {
		t.Errorf("Discover(file) = %v, %v, want the file itself", files, err)
	}

	if _, err := Discover([]string{filepath.Join(dir, "gone")}); err == nil {
		t.Error("Discover(missing path) = nil error")
	}
}

func TestReaderRead(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "one.suite.yaml", `
stage: 10-infra
tests:
  - name: t
    command: [/bin/true]
`)
	writeDoc(t, dir, "two.suite.yaml", `
stage: 20-app
deps: [db]
tests:
  - name: t
    command: [/bin/true]
`)
	writeDoc(t, dir, "bad.suite.yaml", "name: broken\n")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coll := suite.NewCollection(nil)
	errs := New(logger).Read([]string{dir}, coll)
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "stage is required") {
		t.Fatalf("Read errors = %v, want the one bad file", errs)
	}
	if coll.Len() != 2 {
		t.Errorf("collection holds %d suites, want 2", coll.Len())
	}
	if names := coll.StageNames(); len(names) != 2 || names[0] != "10-infra" {
		t.Errorf("StageNames = %v", names)
	}
}

func TestReaderReadNoFiles(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	errs := New(logger).Read([]string{t.TempDir()}, suite.NewCollection(nil))
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "no *"+Ext+" files") {
		t.Errorf("Read errors = %v, want no-files error", errs)
	}
}
