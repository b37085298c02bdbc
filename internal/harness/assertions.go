package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/fedlog/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Node     string
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s", e.Type)
	if e.Node != "" {
		fmt.Fprintf(&buf, " on %s", e.Node)
	}
	fmt.Fprintf(&buf, "\n  Expected: %s\n  Actual: %s", e.Expected, e.Actual)
	return buf.String()
}

// EvaluateAssertions evaluates all assertions against the harness's
// final state. Returns a message per failed assertion.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := h.evaluate(ctx, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func (h *Harness) evaluate(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertConverged:
		return h.assertConverged(ctx, a)
	case AssertHas, AssertMissing:
		return h.assertMembership(ctx, a)
	case AssertCount:
		n, err := h.nodes[a.Node].log.Count(ctx)
		if err != nil {
			return err
		}
		if n != a.Count {
			return &AssertionError{Type: a.Type, Node: a.Node, Expected: fmt.Sprintf("%d events", a.Count), Actual: fmt.Sprintf("%d events", n)}
		}
		return nil
	case AssertPeerStatus:
		got, err := h.peerStatus(ctx, a.Node, a.Peer)
		if err != nil {
			return err
		}
		if got != a.Status {
			return &AssertionError{Type: a.Type, Node: a.Node, Expected: a.Peer + " " + a.Status, Actual: a.Peer + " " + got}
		}
		return nil
	case AssertCursor:
		p, err := h.nodes[a.Node].engine.Registry().Get(ctx, h.nodes[a.Peer].engine.Self())
		if err != nil {
			return err
		}
		if p.LastKnownSeq != a.Count {
			return &AssertionError{Type: a.Type, Node: a.Node, Expected: fmt.Sprintf("cursor %d for %s", a.Count, a.Peer), Actual: fmt.Sprintf("cursor %d", p.LastKnownSeq)}
		}
		return nil
	case AssertCausal:
		return h.assertCausal(ctx, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertConverged checks that every listed node holds the same set of
// event IDs.
func (h *Harness) assertConverged(ctx context.Context, a Assertion) error {
	names := a.Nodes
	if len(names) == 0 {
		names = h.order
	}

	var (
		first string
		want  []string
	)
	for _, name := range names {
		ids, err := h.eventIDs(ctx, h.nodes[name])
		if err != nil {
			return err
		}
		if first == "" {
			first, want = name, ids
			continue
		}
		if !slices.Equal(ids, want) {
			return &AssertionError{
				Type:     a.Type,
				Node:     name,
				Expected: fmt.Sprintf("same %d events as %s", len(want), first),
				Actual:   fmt.Sprintf("%d events, %d differ", len(ids), symmetricDifference(ids, want)),
			}
		}
	}
	return nil
}

// assertMembership checks has and missing assertions by label.
func (h *Harness) assertMembership(ctx context.Context, a Assertion) error {
	n := h.nodes[a.Node]
	var wrong []string
	for _, label := range a.Events {
		id, ok := h.labels[label]
		if !ok {
			return fmt.Errorf("unknown event label %q", label)
		}
		has, err := n.log.Has(ctx, id)
		if err != nil {
			return err
		}
		if has != (a.Type == AssertHas) {
			wrong = append(wrong, label)
		}
	}
	if len(wrong) == 0 {
		return nil
	}
	verb := "present"
	if a.Type == AssertMissing {
		verb = "absent"
	}
	return &AssertionError{Type: a.Type, Node: a.Node, Expected: fmt.Sprintf("%v %s", a.Events, verb), Actual: fmt.Sprintf("%v not %s", wrong, verb)}
}

// assertCausal checks, in local order, that every event the node
// authored carries an HLC above every event it held before.
func (h *Harness) assertCausal(ctx context.Context, a Assertion) error {
	n := h.nodes[a.Node]
	events, err := h.events(ctx, n)
	if err != nil {
		return err
	}
	self := n.engine.Self()
	var seen ir.Timestamp
	for _, ev := range events {
		if ev.Origin == self && !seen.IsZero() && !seen.Before(ev.HLC) {
			return &AssertionError{
				Type:     a.Type,
				Node:     a.Node,
				Expected: fmt.Sprintf("event at seq %d after %s", ev.LocalSeq, seen),
				Actual:   ev.HLC.String(),
			}
		}
		if seen.Before(ev.HLC) {
			seen = ev.HLC
		}
	}
	return nil
}

// eventIDs returns n's event IDs, sorted.
func (h *Harness) eventIDs(ctx context.Context, n *node) ([]string, error) {
	events, err := h.events(ctx, n)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	slices.Sort(ids)
	return ids, nil
}

// symmetricDifference counts elements in exactly one of two sorted
// slices.
func symmetricDifference(a, b []string) int {
	i, j, n := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch strings.Compare(a[i], b[j]) {
		case 0:
			i++
			j++
		case -1:
			n++
			i++
		default:
			n++
			j++
		}
	}
	return n + len(a) - i + len(b) - j
}
