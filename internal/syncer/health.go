package syncer

import (
	"sync"
	"time"

	"github.com/roach88/fedlog/internal/ir"
)

// peerHealth is what we have observed about a peer's reachability.
// It is in memory only; a restart begins with every peer unknown.
type peerHealth struct {
	Reachable   bool
	Contacted   bool
	LastError   string
	Failures    int
	Rejections  int
	PeerHead    int64
	LastContact time.Time
	Streaming   bool
}

type healthTable struct {
	mu  sync.Mutex
	now func() time.Time
	m   map[ir.PublicKey]*peerHealth
}

func newHealthTable(now func() time.Time) *healthTable {
	return &healthTable{now: now, m: make(map[ir.PublicKey]*peerHealth)}
}

// entry returns the record for key, creating it. Caller holds mu.
func (h *healthTable) entry(key ir.PublicKey) *peerHealth {
	ph, ok := h.m[key]
	if !ok {
		ph = &peerHealth{}
		h.m[key] = ph
	}
	return ph
}

// success records a completed exchange. head is the peer's latest
// local_seq as it reported it; negative means not reported.
func (h *healthTable) success(key ir.PublicKey, head int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ph := h.entry(key)
	ph.Reachable = true
	ph.Contacted = true
	ph.LastError = ""
	ph.Failures = 0
	ph.LastContact = h.now()
	if head > ph.PeerHead {
		ph.PeerHead = head
	}
}

func (h *healthTable) failure(key ir.PublicKey, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ph := h.entry(key)
	ph.Reachable = false
	ph.Contacted = true
	ph.LastError = err.Error()
	ph.Failures++
}

func (h *healthTable) rejected(key ir.PublicKey, n int) {
	if n == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entry(key).Rejections += n
}

func (h *healthTable) setStreaming(key ir.PublicKey, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entry(key).Streaming = on
}

func (h *healthTable) get(key ir.PublicKey) peerHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ph, ok := h.m[key]; ok {
		return *ph
	}
	return peerHealth{}
}

func (h *healthTable) forget(key ir.PublicKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.m, key)
}
