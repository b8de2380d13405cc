// Package lru implements the least-recently-used replacement policy:
// CACHE::find_victim picks the way whose last-used cycle is most distant.
// Grounded on original_source/replacement/lru/lru.cc.
package lru

import (
	"github.com/memsim/memsim/internal/cache"
	"github.com/memsim/memsim/internal/packet"
)

// Policy tracks one cache's per-way last-used cycle. Construct it with New,
// which sizes the table from the cache's geometry; Initialize resets every
// way's last-used cycle to 0.
type Policy struct {
	ways          int
	lastUsedCycle []uint64
}

// New constructs an LRU policy for a cache with the given set/way counts.
// Call Initialize before use, matching the cache.Replacement contract's
// own initialize_replacement step.
func New(sets, ways int) *Policy {
	p := &Policy{ways: ways}
	p.lastUsedCycle = make([]uint64, sets*ways)
	return p
}

// Initialize implements cache.Replacement.
func (p *Policy) Initialize() {
	for i := range p.lastUsedCycle {
		p.lastUsedCycle[i] = 0
	}
}

// FindVictim returns the way in set whose last_used_cycle is smallest (the
// original's std::min_element over the set's slice).
func (p *Policy) FindVictim(cpu uint8, instrID uint64, set int, setBlocks []cache.Block, ip, addr uint64, accessType packet.AccessType) int {
	base := set * p.ways
	victim := 0
	min := p.lastUsedCycle[base]
	for w := 1; w < p.ways; w++ {
		if p.lastUsedCycle[base+w] < min {
			min = p.lastUsedCycle[base+w]
			victim = w
		}
	}
	return victim
}

// UpdateReplacementState records the current cycle as this way's last use,
// skipping writeback hits (original_source: "Skip this for writeback hits").
func (p *Policy) UpdateReplacementState(cpu uint8, set, way int, addr, ip, victimAddr uint64, accessType packet.AccessType, hit bool, cycle uint64) {
	if hit && accessType == packet.Writeback {
		return
	}
	p.lastUsedCycle[set*p.ways+way] = cycle
}

// FinalStats implements cache.Replacement; LRU reports nothing extra.
func (p *Policy) FinalStats() {}
