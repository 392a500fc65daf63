package icon_loader

import (
	"sort"
	"sync"

	"thumbview/internal/category"
)

// Descriptor describes the resource a slot wants. It is never mutated once
// it has been queued.
type Descriptor struct {
	Key         string
	PersistedID int64
	Category    category.Category
}

type pendingRequest struct {
	slot Slot
	desc Descriptor
}

// pendingTable holds at most one desired resource per slot.
type pendingTable struct {
	mu       sync.Mutex
	requests map[Slot]Descriptor
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		requests: make(map[Slot]Descriptor),
	}
}

func (p *pendingTable) put(slot Slot, desc Descriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests[slot] = desc
}

func (p *pendingTable) get(slot Slot) (Descriptor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, ok := p.requests[slot]
	return d, ok
}

func (p *pendingTable) remove(slot Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.requests, slot)
}

// removeIf deletes the entry for slot only if it still wants desc.
func (p *pendingTable) removeIf(slot Slot, desc Descriptor) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.requests[slot]; ok && cur == desc {
		delete(p.requests, slot)
		return true
	}
	return false
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.requests)
}

func (p *pendingTable) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = make(map[Slot]Descriptor)
}

func (p *pendingTable) snapshot() []pendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]pendingRequest, 0, len(p.requests))
	for slot, desc := range p.requests {
		out = append(out, pendingRequest{slot: slot, desc: desc})
	}
	return out
}

// descriptors returns one descriptor per distinct key, ordered by key.
func (p *pendingTable) descriptors() []Descriptor {
	p.mu.Lock()
	byKey := make(map[string]Descriptor, len(p.requests))
	for _, desc := range p.requests {
		if prev, ok := byKey[desc.Key]; ok && prev.PersistedID != 0 {
			continue
		}
		byKey[desc.Key] = desc
	}
	p.mu.Unlock()

	out := make([]Descriptor, 0, len(byKey))
	for _, desc := range byKey {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
