// Package harness runs multi-instance federation scenarios.
//
// A scenario declares a set of instances, drives registrations,
// appends, pushes, pulls and network partitions against them, and then
// asserts on what every instance ended up holding. Instances run the
// real sync engine over an in-process syncer.MemNetwork.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: partition_heals
//	description: "Events written during a partition arrive after it heals"
//	nodes:
//	  - name: alpha
//	  - name: beta
//	    policy: { require_mutual: false }
//	flow:
//	  - register: { from: alpha, to: beta }
//	    expect: { accepted: true, status: active }
//	  - cut: { from: alpha, to: beta }
//	  - append: { node: alpha, content: "written offline" }
//	  - restore: { from: alpha, to: beta }
//	  - pull: { node: beta }
//	    expect: { merged: 1 }
//	assertions:
//	  - type: converged
//	  - type: has
//	    node: beta
//	    events: ["alpha#1"]
//
// # Steps
//
//   - register: From registers with To (both halves of a mutual handshake settle)
//   - remove: From removes its record of To
//   - append: a message (or a payload of any kind) authored on Node
//   - push: Node pushes everything it authored to its active peers
//   - pull: Node pulls from every active peer, or only From
//   - cut, restore: sever or heal the link between From and To
//   - advance: move Node's wall clock forward
//
// # Assertion Types
//
//   - converged: the listed nodes (default all) hold the same event IDs
//   - has, missing: Node does or does not hold the labelled events
//   - count: Node holds exactly Count events
//   - peer_status: Node holds Peer as active, pending or absent
//   - cursor: Node's last_known_seq for Peer equals Count
//   - causal_order: events Node authored follow everything it held
//
// # Deterministic Testing
//
// Identities are derived from node names (testutil.NamedIdentity), wall
// clocks are fake and only move on advance steps, pulls run peer by peer
// in registration order, and background work settles after every step.
// Traces carry labels instead of keys or event IDs, so the same scenario
// always produces the same trace for golden file comparison.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/partition_heals.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
