package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fedlog/internal/ir"
	"github.com/roach88/fedlog/internal/schema"
)

// Scenario defines a federation scenario: a set of instances, a flow of
// steps driven against them, and assertions on the converged state.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Nodes are the instances, created before the flow runs.
	Nodes []NodeSpec `yaml:"nodes"`

	// Flow is executed in order. Background work (the reciprocal half
	// of a mutual registration) settles after every step.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final state of every node.
	Assertions []Assertion `yaml:"assertions"`
}

// NodeSpec describes one instance.
type NodeSpec struct {
	Name string `yaml:"name"`

	// Tier is the tier this instance claims. Defaults to device-bound.
	Tier string `yaml:"tier,omitempty"`

	// Policy overrides the default trust policy.
	Policy *PolicySpec `yaml:"policy,omitempty"`

	// Relay forwards pushed events to the node's other peers.
	Relay bool `yaml:"relay,omitempty"`

	// MaxDrift overrides the HLC drift bound ("60s").
	MaxDrift string `yaml:"max_drift,omitempty"`
}

// PolicySpec is a trust policy in scenario form. Unset fields keep the
// default.
type PolicySpec struct {
	MinTier       string `yaml:"min_auth_tier,omitempty"`
	RequireMutual *bool  `yaml:"require_mutual,omitempty"`
	MaxPeers      *int   `yaml:"max_peers,omitempty"`
}

// Step is one action. Exactly one of the action fields is set.
type Step struct {
	Register *LinkStep    `yaml:"register,omitempty"`
	Remove   *LinkStep    `yaml:"remove,omitempty"`
	Append   *AppendStep  `yaml:"append,omitempty"`
	Push     *NodeStep    `yaml:"push,omitempty"`
	Pull     *PullStep    `yaml:"pull,omitempty"`
	Cut      *LinkStep    `yaml:"cut,omitempty"`
	Restore  *LinkStep    `yaml:"restore,omitempty"`
	Advance  *AdvanceStep `yaml:"advance,omitempty"`

	// Expect checks the step's outcome. Which fields apply depends on
	// the action.
	Expect *Expect `yaml:"expect,omitempty"`
}

// LinkStep names an ordered pair of nodes. For register and remove,
// From acts on To.
type LinkStep struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// NodeStep names a node.
type NodeStep struct {
	Node string `yaml:"node"`
}

// PullStep pulls on Node, from every active peer or only From.
type PullStep struct {
	Node string `yaml:"node"`
	From string `yaml:"from,omitempty"`
}

// AppendStep appends a message authored on Node.
type AppendStep struct {
	Node string `yaml:"node"`

	// As labels the event for assertions. Defaults to "<node>#<n>",
	// n counting the node's appends from 1.
	As string `yaml:"as,omitempty"`

	Channel string `yaml:"channel,omitempty"`
	Content string `yaml:"content"`

	// Kind appends a payload of another kind with Fields as its body.
	Kind   string            `yaml:"kind,omitempty"`
	Fields map[string]string `yaml:"fields,omitempty"`
}

// AdvanceStep moves Node's wall clock forward.
type AdvanceStep struct {
	Node string `yaml:"node"`
	By   string `yaml:"by"`
}

// Expect is the expected outcome of a step.
type Expect struct {
	// register
	Accepted *bool  `yaml:"accepted,omitempty"`
	Reason   string `yaml:"reason,omitempty"`
	Status   string `yaml:"status,omitempty"`

	// push, pull
	Merged   *int     `yaml:"merged,omitempty"`
	Rejected *int     `yaml:"rejected,omitempty"`
	Reasons  []string `yaml:"reasons,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Node is the node inspected (has, missing, count, peer_status, cursor).
	Node string `yaml:"node,omitempty"`

	// Nodes lists the nodes compared by converged. Empty means all.
	Nodes []string `yaml:"nodes,omitempty"`

	// Events are event labels (has, missing).
	Events []string `yaml:"events,omitempty"`

	// Peer is the peer record inspected (peer_status, cursor).
	Peer string `yaml:"peer,omitempty"`

	// Status is the expected peer status, or "absent" (peer_status).
	Status string `yaml:"status,omitempty"`

	// Count is the expected number of events (count) or cursor (cursor).
	Count int64 `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged  = "converged"
	AssertHas        = "has"
	AssertMissing    = "missing"
	AssertCount      = "count"
	AssertPeerStatus = "peer_status"
	AssertCursor     = "cursor"
	AssertCausal     = "causal_order"
)

// StatusAbsent is the peer_status of a peer with no record.
const StatusAbsent = "absent"

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return parseScenario(path, data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	return parseScenario("scenario.yaml", data)
}

func parseScenario(name string, data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if err := schema.CheckScenario(name, data); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks required fields and that every node reference
// resolves.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("nodes list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	nodes := make(map[string]bool, len(s.Nodes))
	for i, n := range s.Nodes {
		if n.Name == "" {
			return fmt.Errorf("nodes[%d]: name is required", i)
		}
		if nodes[n.Name] {
			return fmt.Errorf("nodes[%d]: duplicate node %q", i, n.Name)
		}
		nodes[n.Name] = true
		if n.Tier != "" {
			if _, err := ir.ParseTier(n.Tier); err != nil {
				return fmt.Errorf("nodes[%d]: %w", i, err)
			}
		}
		if n.Policy != nil && n.Policy.MinTier != "" {
			if _, err := ir.ParseTier(n.Policy.MinTier); err != nil {
				return fmt.Errorf("nodes[%d].policy: %w", i, err)
			}
		}
		if n.MaxDrift != "" {
			if _, err := time.ParseDuration(n.MaxDrift); err != nil {
				return fmt.Errorf("nodes[%d]: max_drift: %w", i, err)
			}
		}
	}

	known := func(name string) bool { return nodes[name] }
	for i, step := range s.Flow {
		if err := validateStep(step, known); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a, known); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, known func(string) bool) error {
	set := 0
	var refs []string
	if step.Register != nil {
		set++
		refs = append(refs, step.Register.From, step.Register.To)
	}
	if step.Remove != nil {
		set++
		refs = append(refs, step.Remove.From, step.Remove.To)
	}
	if step.Append != nil {
		set++
		refs = append(refs, step.Append.Node)
		if step.Append.Kind == "" && step.Append.Content == "" {
			return fmt.Errorf("append: content is required")
		}
	}
	if step.Push != nil {
		set++
		refs = append(refs, step.Push.Node)
	}
	if step.Pull != nil {
		set++
		refs = append(refs, step.Pull.Node)
		if step.Pull.From != "" {
			refs = append(refs, step.Pull.From)
		}
	}
	if step.Cut != nil {
		set++
		refs = append(refs, step.Cut.From, step.Cut.To)
	}
	if step.Restore != nil {
		set++
		refs = append(refs, step.Restore.From, step.Restore.To)
	}
	if step.Advance != nil {
		set++
		refs = append(refs, step.Advance.Node)
		if _, err := time.ParseDuration(step.Advance.By); err != nil {
			return fmt.Errorf("advance: by: %w", err)
		}
	}

	if set != 1 {
		return fmt.Errorf("exactly one action is required, got %d", set)
	}
	for _, ref := range refs {
		if !known(ref) {
			return fmt.Errorf("unknown node %q", ref)
		}
	}
	return nil
}

func validateAssertion(a Assertion, known func(string) bool) error {
	needNode := func() error {
		if a.Node == "" {
			return fmt.Errorf("node is required for %s", a.Type)
		}
		if !known(a.Node) {
			return fmt.Errorf("unknown node %q", a.Node)
		}
		return nil
	}
	needPeer := func() error {
		if err := needNode(); err != nil {
			return err
		}
		if a.Peer == "" || !known(a.Peer) {
			return fmt.Errorf("known peer is required for %s", a.Type)
		}
		return nil
	}

	switch a.Type {
	case "":
		return fmt.Errorf("type is required")
	case AssertConverged:
		for _, n := range a.Nodes {
			if !known(n) {
				return fmt.Errorf("unknown node %q", n)
			}
		}
	case AssertHas, AssertMissing:
		if len(a.Events) == 0 {
			return fmt.Errorf("events list is required for %s", a.Type)
		}
		return needNode()
	case AssertCount, AssertCausal:
		return needNode()
	case AssertPeerStatus:
		if a.Status == "" {
			return fmt.Errorf("status is required for peer_status")
		}
		return needPeer()
	case AssertCursor:
		return needPeer()
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
