// Package schema checks scenario and config documents against the CUE
// definitions in fedlog.cue.
//
// The Go loaders still decode into their own structs and run the
// checks that need more than one document (node references, cross-field
// timing rules). The schema catches unknown keys, wrong types and
// out-of-range values with a path to the offending field.
package schema

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
)

//go:embed fedlog.cue
var source []byte

// Definitions in fedlog.cue.
const (
	DefScenario = "#Scenario"
	DefConfig   = "#Config"
)

// Error lists the schema violations found in one document.
type Error struct {
	Definition string
	Problems   []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", strings.TrimPrefix(e.Definition, "#"), strings.Join(e.Problems, "; "))
}

// A cue.Context is not safe for concurrent use.
var mu sync.Mutex

var compiled = sync.OnceValues(func() (cue.Value, error) {
	v := cuecontext.New().CompileBytes(source, cue.Filename("fedlog.cue"))
	if err := v.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("compile schema: %w", err)
	}
	return v, nil
})

// CheckScenario validates scenario YAML. filename only labels positions.
func CheckScenario(filename string, data []byte) error {
	f, err := cueyaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", filename, err)
	}

	mu.Lock()
	defer mu.Unlock()
	root, err := compiled()
	if err != nil {
		return err
	}
	doc := root.Context().BuildFile(f)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("build %s: %w", filename, err)
	}
	return check(root, DefScenario, doc)
}

// CheckConfig validates a decoded config document, as produced by
// decoding TOML into a map.
func CheckConfig(doc map[string]any) error {
	mu.Lock()
	defer mu.Unlock()
	root, err := compiled()
	if err != nil {
		return err
	}
	v := root.Context().Encode(doc)
	if err := v.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return check(root, DefConfig, v)
}

func check(root cue.Value, def string, doc cue.Value) error {
	unified := root.LookupPath(cue.ParsePath(def)).Unify(doc)
	err := unified.Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}

	var problems []string
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if path := e.Path(); len(path) > 0 {
			msg = strings.Join(path, ".") + ": " + msg
		}
		problems = append(problems, msg)
	}
	slices.Sort(problems)
	return &Error{Definition: def, Problems: slices.Compact(problems)}
}
