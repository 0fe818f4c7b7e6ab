package reader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Ext is the file name suffix of suite documents.
const Ext = ".suite.yaml"

// Document is one parsed suite file, before variable resolution and
// loop expansion.
type Document struct {
	// Name defaults to the file name without Ext.
	Name string `yaml:"name"`
	// Stage is required and groups suites into scheduling barriers.
	Stage string `yaml:"stage"`
	// Vars seed the document's variable scope.
	Vars map[string]any `yaml:"vars"`
	// Deps lists static dependency names and "ANY <name> IN <expr>"
	// dynamic declarations.
	Deps []string `yaml:"deps"`
	// Timeout is "soft[,hard[,kill]]" in seconds.
	Timeout string `yaml:"timeout"`
	// For declares loop expansion: "<name>[, <name>] IN <expr>".
	For string `yaml:"for"`
	// Tests run sequentially inside one worker.
	Tests []Test `yaml:"tests"`
}

// Test is a single command to run.
type Test struct {
	Name    string   `yaml:"name"`
	Command []string `yaml:"command"`
	Tags    []string `yaml:"tags"`
}

// LoadDocument reads and validates one suite file. Unknown fields are
// rejected so typos surface instead of being ignored.
func LoadDocument(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: document is empty", path)
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if doc.Name == "" {
		doc.Name = strings.TrimSuffix(filepath.Base(path), Ext)
	}
	if doc.Stage == "" {
		return nil, fmt.Errorf("%s: stage is required", path)
	}
	for i, t := range doc.Tests {
		if t.Name == "" {
			return nil, fmt.Errorf("%s: test %d has no name", path, i+1)
		}
		if len(t.Command) == 0 {
			return nil, fmt.Errorf("%s: test %q has no command", path, t.Name)
		}
	}
	return &doc, nil
}
