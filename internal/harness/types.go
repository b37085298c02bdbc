package harness

// TraceEvent is one executed step. Keys, event IDs and timestamps are
// left out so a trace depends only on the scenario, not on key material.
type TraceEvent struct {
	Step    int    `json:"step"`
	Op      string `json:"op"`
	Node    string `json:"node"`
	Peer    string `json:"peer,omitempty"`
	Label   string `json:"label,omitempty"`
	Outcome string `json:"outcome,omitempty"`

	// Merged and Rejected count events for push and pull steps.
	Merged   int `json:"merged"`
	Rejected int `json:"rejected"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace lists executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors lists failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`

	// Heads maps node name to its final event count.
	Heads map[string]int64 `json:"heads,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Heads:  make(map[string]int64),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
