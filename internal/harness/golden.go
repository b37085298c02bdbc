package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/fedlog/internal/ir"
)

// TraceSnapshot captures the trace and final event counts of a scenario.
// It is serialized as canonical JSON for byte-stable comparison.
type TraceSnapshot struct {
	ScenarioName string           `json:"scenario_name"`
	Trace        []TraceEvent     `json:"trace"`
	Heads        map[string]int64 `json:"heads"`
}

// canonical converts the snapshot to IR values.
func (s *TraceSnapshot) canonical() ir.IRObject {
	trace := make(ir.IRArray, len(s.Trace))
	for i, ev := range s.Trace {
		obj := ir.IRObject{
			"step":     ir.IRInt(ev.Step),
			"op":       ir.IRString(ev.Op),
			"node":     ir.IRString(ev.Node),
			"merged":   ir.IRInt(ev.Merged),
			"rejected": ir.IRInt(ev.Rejected),
		}
		if ev.Peer != "" {
			obj["peer"] = ir.IRString(ev.Peer)
		}
		if ev.Label != "" {
			obj["label"] = ir.IRString(ev.Label)
		}
		if ev.Outcome != "" {
			obj["outcome"] = ir.IRString(ev.Outcome)
		}
		trace[i] = obj
	}

	heads := ir.IRObject{}
	for name, n := range s.Heads {
		heads[name] = ir.IRInt(n)
	}

	return ir.IRObject{
		"scenario_name": ir.IRString(s.ScenarioName),
		"trace":         trace,
		"heads":         heads,
	}
}

// Marshal returns the canonical JSON of the snapshot.
func (s *TraceSnapshot) Marshal() ([]byte, error) {
	return ir.MarshalCanonical(s.canonical())
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(t.Context(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace against the golden
// file for scenarioName.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		Heads:        result.Heads,
	}
	data, err := snapshot.Marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
