package fixture

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// LoadError is a CUE fixture error, positioned when CUE knows where it
// occurred.
type LoadError struct {
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

func cueError(err error) error {
	le := &LoadError{Message: err.Error()}
	if pos := cueerrors.Positions(err); len(pos) > 0 {
		le.Pos = pos[0]
	}
	return le
}

// Load reads the fixtures in one file, choosing the format by extension.
func Load(path string) ([]*Fixture, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		f, err := LoadYAML(path)
		if err != nil {
			return nil, err
		}
		return []*Fixture{f}, nil
	case ".cue":
		return LoadCUE(path)
	}
	return nil, fmt.Errorf("%s: not a fixture file (want .yaml, .yml or .cue)", path)
}

// LoadYAML reads and validates a YAML fixture file. Unknown fields are
// rejected.
func LoadYAML(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture file: %w", err)
	}

	var f Fixture
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("%s: failed to parse YAML: %w", path, err)
	}
	f.Path = path

	if errs := Validate(&f); len(errs) > 0 {
		return nil, fmt.Errorf("%s: %w", path, ValidationErrors(errs))
	}
	return &f, nil
}

// LoadCUE reads a CUE fixture file. The file holds either one fixture
// under "fixture" or several under "fixtures", keyed by name:
//
//	fixtures: eq_lookup: {
//		tables: [...]
//		query: {...}
//	}
//
// Fixtures are checked against closed definitions, so unknown fields
// are errors, and then validated like YAML fixtures.
func LoadCUE(path string) ([]*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture file: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("fixture schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Fixture"))

	value := ctx.CompileBytes(data, cue.Filename(path))
	if err := value.Err(); err != nil {
		return nil, cueError(err)
	}

	var out []*Fixture
	if one := value.LookupPath(cue.ParsePath("fixture")); one.Exists() {
		f, err := decodeCUE(def, one, path, "")
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if many := value.LookupPath(cue.ParsePath("fixtures")); many.Exists() {
		iter, err := many.Fields()
		if err != nil {
			return nil, cueError(err)
		}
		for iter.Next() {
			f, err := decodeCUE(def, iter.Value(), path, iter.Label())
			if err != nil {
				return nil, fmt.Errorf("fixtures.%s: %w", iter.Label(), err)
			}
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: no fixture or fixtures field", path)
	}
	return out, nil
}

// decodeCUE checks v against the fixture definition and decodes it. A
// fixture without a name takes label.
func decodeCUE(def, v cue.Value, path, label string) (*Fixture, error) {
	if label != "" && !v.LookupPath(cue.ParsePath("name")).Exists() {
		v = v.FillPath(cue.ParsePath("name"), label)
	}
	v = def.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(err)
	}

	var f Fixture
	if err := v.Decode(&f); err != nil {
		return nil, fmt.Errorf("decoding fixture: %w", err)
	}
	f.Path = path

	if errs := Validate(&f); len(errs) > 0 {
		return nil, fmt.Errorf("%s: %w", path, ValidationErrors(errs))
	}
	return &f, nil
}

// LoadDir loads every fixture file directly inside dir, in file name
// order. Fixture names must be unique within the directory.
func LoadDir(dir string) ([]*Fixture, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture directory: %w", err)
	}
	var out []*Fixture
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !IsFixtureFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		fs, err := Load(path)
		if err != nil {
			return nil, err
		}
		for _, f := range fs {
			if prev, dup := seen[f.Name]; dup {
				return nil, fmt.Errorf("fixture %s defined in both %s and %s", f.Name, prev, path)
			}
			seen[f.Name] = path
		}
		out = append(out, fs...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no fixtures found in %s", dir)
	}
	return out, nil
}

// IsFixtureFile reports whether name has a fixture file extension.
func IsFixtureFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".cue":
		return true
	}
	return false
}
