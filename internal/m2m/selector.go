package m2m

import (
	"sync"

	"github.com/mtzanidakis/minions/internal/protocol"
)

// Selector picks one agent among those matching a capability.
type Selector interface {
	Pick(capability string, candidates []protocol.AgentDescriptor) (protocol.AgentDescriptor, bool)
}

// RoundRobin picks the least recently assigned candidate, ties broken by
// agent id. Assignment order is tracked per agent, across capabilities.
type RoundRobin struct {
	mu   sync.Mutex
	seq  uint64
	last map[string]uint64
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{last: make(map[string]uint64)}
}

func (r *RoundRobin) Pick(_ string, candidates []protocol.AgentDescriptor) (protocol.AgentDescriptor, bool) {
	if len(candidates) == 0 {
		return protocol.AgentDescriptor{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	best := -1
	for i, c := range candidates {
		if best < 0 {
			best = i
			continue
		}
		b := candidates[best]
		cl, bl := r.last[c.AgentID], r.last[b.AgentID]
		if cl < bl || (cl == bl && c.AgentID < b.AgentID) {
			best = i
		}
	}
	r.seq++
	r.last[candidates[best].AgentID] = r.seq
	return candidates[best], true
}

// FirstMatch always picks the lowest agent id.
type FirstMatch struct{}

func (FirstMatch) Pick(_ string, candidates []protocol.AgentDescriptor) (protocol.AgentDescriptor, bool) {
	if len(candidates) == 0 {
		return protocol.AgentDescriptor{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.AgentID < best.AgentID {
			best = c
		}
	}
	return best, true
}
