// Package reader loads *.suite.yaml documents and turns them into
// schedulable suites: it resolves variables, parses dependency and
// timeout declarations, and expands for-loops into one suite per
// iteration.
package reader

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/me/stagerun/internal/suite"
)

// Source provides the metadata and variable scope of one suite
// document. Extraction is written against this interface; tests use a
// map-backed fake.
type Source interface {
	// SetVariables merges bindings into the variable scope.
	SetVariables(vars map[string]any)
	// ReplaceVariables interpolates every ${...} in s into a string.
	ReplaceVariables(s string) (string, error)
	// VariableValue resolves one expression (the inside of a ${...})
	// to a typed value.
	VariableValue(expr string) (any, error)
	// Metadata returns a declaration by key. "name", "stage", "timeout"
	// and "for" are strings, "deps" is []string, "tests" is []Test.
	Metadata(key string) (any, bool)
}

type documentSource struct {
	doc    *Document
	engine *Engine
}

// NewDocumentSource wraps a parsed document and its variable scope.
func NewDocumentSource(doc *Document) Source {
	return &documentSource{doc: doc, engine: NewEngine(doc.Vars)}
}

func (s *documentSource) SetVariables(vars map[string]any) {
	s.engine.SetAll(vars)
}

func (s *documentSource) ReplaceVariables(str string) (string, error) {
	return s.engine.Replace(str)
}

func (s *documentSource) VariableValue(expr string) (any, error) {
	return s.engine.Eval(expr)
}

func (s *documentSource) Metadata(key string) (any, bool) {
	switch key {
	case "name":
		return s.doc.Name, s.doc.Name != ""
	case "stage":
		return s.doc.Stage, s.doc.Stage != ""
	case "timeout":
		return s.doc.Timeout, s.doc.Timeout != ""
	case "for":
		return s.doc.For, s.doc.For != ""
	case "deps":
		return s.doc.Deps, len(s.doc.Deps) > 0
	case "tests":
		return s.doc.Tests, len(s.doc.Tests) > 0
	}
	return nil, false
}

var (
	anyRe = regexp.MustCompile(`^ANY\s+(\S+)\s+[iI][nN]\s+(.+)$`)
	forRe = regexp.MustCompile(`^(\S+(?:\s*,\s*\S+)*?)\s+[iI][nN]\s+(.+)$`)
)

// Extract turns one suite document into suite configs: a single one
// normally, one per iteration under a for declaration. Loop-expanded
// suites get a random hex suffix so their names stay unique.
func Extract(src Source, path string) ([]suite.Config, error) {
	bindings, err := forBindings(src)
	if err != nil {
		return nil, err
	}
	if bindings == nil {
		cfg, err := buildConfig(src, path, nil)
		if err != nil {
			return nil, err
		}
		return []suite.Config{cfg}, nil
	}

	cfgs := make([]suite.Config, 0, len(bindings))
	for _, vars := range bindings {
		src.SetVariables(vars)
		cfg, err := buildConfig(src, path, vars)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, nil
}

func buildConfig(src Source, path string, loopVars map[string]any) (suite.Config, error) {
	cfg := suite.Config{Source: path, Vars: loopVars}

	rawName, ok := metadataString(src, "name")
	if !ok {
		return cfg, fmt.Errorf("suite name is missing")
	}
	name, err := src.ReplaceVariables(rawName)
	if err != nil {
		return cfg, fmt.Errorf("suite name: %w", err)
	}
	if loopVars != nil {
		name += " " + shortID()
	}
	cfg.Name = name

	rawStage, ok := metadataString(src, "stage")
	if !ok {
		return cfg, fmt.Errorf("stage is required")
	}
	if cfg.Stage, err = src.ReplaceVariables(rawStage); err != nil {
		return cfg, fmt.Errorf("stage: %w", err)
	}

	if raw, ok := metadataString(src, "timeout"); ok {
		resolved, err := src.ReplaceVariables(raw)
		if err != nil {
			return cfg, fmt.Errorf("timeout: %w", err)
		}
		if cfg.Timeout, err = suite.ParseTimeout(resolved); err != nil {
			return cfg, err
		}
	}

	if raw, ok := src.Metadata("deps"); ok {
		entries, isList := raw.([]string)
		if !isList {
			return cfg, fmt.Errorf("deps: unexpected type %T", raw)
		}
		if err := parseDeps(src, entries, &cfg); err != nil {
			return cfg, err
		}
	}

	if raw, ok := src.Metadata("tests"); ok {
		tests, isList := raw.([]Test)
		if !isList {
			return cfg, fmt.Errorf("tests: unexpected type %T", raw)
		}
		cfg.Tests = len(tests)
		for _, t := range tests {
			cfg.Tags = append(cfg.Tags, t.Tags...)
		}
	}
	return cfg, nil
}

// parseDeps classifies each deps entry. "ANY <name> IN <expr>" declares
// a dynamic dependency whose expr must resolve to a non-empty list of
// option names; anything else is a static name, where a pure ${...}
// reference to a list expands into several static names.
func parseDeps(src Source, entries []string, cfg *suite.Config) error {
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if m := anyRe.FindStringSubmatch(entry); m != nil {
			name := m[1]
			options, err := resolveOptionList(src, strings.TrimSpace(m[2]))
			if err != nil {
				return fmt.Errorf("dynamic dependency %q: %w", entry, err)
			}
			if cfg.Dynamic == nil {
				cfg.Dynamic = make(map[string][]string)
			}
			if _, dup := cfg.Dynamic[name]; dup {
				return fmt.Errorf("dynamic dependency %q declared twice", name)
			}
			cfg.Dynamic[name] = options
			continue
		}

		if expr, ok := InnerExpr(entry); ok {
			val, err := src.VariableValue(expr)
			if err != nil {
				return fmt.Errorf("dependency %q: %w", entry, err)
			}
			if list, isList := StringList(val); isList {
				cfg.Static = append(cfg.Static, list...)
				continue
			}
			cfg.Static = append(cfg.Static, Stringify(val))
			continue
		}

		resolved, err := src.ReplaceVariables(entry)
		if err != nil {
			return fmt.Errorf("dependency %q: %w", entry, err)
		}
		cfg.Static = append(cfg.Static, resolved)
	}
	return nil
}

func resolveOptionList(src Source, rawExpr string) ([]string, error) {
	expr, ok := InnerExpr(rawExpr)
	if !ok {
		return nil, fmt.Errorf("options must be a ${...} expression, got %q", rawExpr)
	}
	val, err := src.VariableValue(expr)
	if err != nil {
		return nil, err
	}
	options, isList := StringList(val)
	if !isList {
		return nil, fmt.Errorf("${%s} is not a list", expr)
	}
	if len(options) == 0 {
		return nil, fmt.Errorf("${%s} is empty", expr)
	}
	return options, nil
}

// forBindings expands a for declaration into one variable map per
// iteration. A list source binds one name per element, or zips multiple
// names against list elements of matching width; a map source needs
// exactly two names for key and value. Returns nil without a
// declaration.
func forBindings(src Source) ([]map[string]any, error) {
	raw, ok := metadataString(src, "for")
	if !ok {
		return nil, nil
	}
	m := forRe.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return nil, fmt.Errorf("invalid for declaration %q", raw)
	}
	names := splitNames(m[1])
	expr, ok := InnerExpr(strings.TrimSpace(m[2]))
	if !ok {
		return nil, fmt.Errorf("for source must be a ${...} expression, got %q", m[2])
	}
	val, err := src.VariableValue(expr)
	if err != nil {
		return nil, err
	}

	switch v := val.(type) {
	case map[string]any:
		if len(names) != 2 {
			return nil, fmt.Errorf("for over a map needs exactly 2 variables, got %d", len(names))
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		bindings := make([]map[string]any, 0, len(keys))
		for _, k := range keys {
			bindings = append(bindings, map[string]any{names[0]: k, names[1]: v[k]})
		}
		return bindings, nil
	case []any:
		bindings := make([]map[string]any, 0, len(v))
		for i, row := range v {
			b, err := bindRow(names, row)
			if err != nil {
				return nil, fmt.Errorf("for element %d: %w", i+1, err)
			}
			bindings = append(bindings, b)
		}
		return bindings, nil
	default:
		return nil, fmt.Errorf("for source ${%s} must be a list or map", expr)
	}
}

func bindRow(names []string, row any) (map[string]any, error) {
	if len(names) == 1 {
		return map[string]any{names[0]: row}, nil
	}
	cols, ok := row.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of %d values", len(names))
	}
	if len(cols) != len(names) {
		return nil, fmt.Errorf("expected %d values, got %d", len(names), len(cols))
	}
	b := make(map[string]any, len(names))
	for i, name := range names {
		b[name] = cols[i]
	}
	return b, nil
}

func splitNames(raw string) []string {
	parts := strings.Split(raw, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			names = append(names, p)
		}
	}
	return names
}

func metadataString(src Source, key string) (string, bool) {
	v, ok := src.Metadata(key)
	if !ok {
		return "", false
	}
	s, isStr := v.(string)
	return s, isStr && s != ""
}

// shortID is the suffix appended to loop-expanded suite names.
func shortID() string {
	return uuid.NewString()[:8]
}

// Discover resolves each path into suite documents: files are taken as
// given, directories are walked recursively for *.suite.yaml files in
// lexical order.
func Discover(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), Ext) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

// Reader loads suite documents from disk into a collection.
type Reader struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Reader {
	return &Reader{logger: logger.With("component", "reader")}
}

// Read loads every suite document under the given paths into coll. It
// returns one error per file that failed; suites from files that parsed
// are kept either way.
func (r *Reader) Read(paths []string, coll *suite.Collection) []error {
	files, err := Discover(paths)
	if err != nil {
		return []error{err}
	}
	if len(files) == 0 {
		return []error{fmt.Errorf("no *%s files under %s", Ext, strings.Join(paths, ", "))}
	}
	var errs []error
	for _, file := range files {
		if err := r.readFile(file, coll); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *Reader) readFile(path string, coll *suite.Collection) error {
	doc, err := LoadDocument(path)
	if err != nil {
		return err
	}
	cfgs, err := Extract(NewDocumentSource(doc), path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for _, cfg := range cfgs {
		s, err := suite.New(cfg)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		admitted, err := coll.Insert(s)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if !admitted {
			r.logger.Debug("suite filtered out", "suite", s.Name(), "source", path)
		}
	}
	return nil
}
