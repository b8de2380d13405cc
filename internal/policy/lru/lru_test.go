package lru

import (
	"testing"

	"github.com/memsim/memsim/internal/cache"
	"github.com/memsim/memsim/internal/packet"
)

func TestFindVictimPicksLeastRecentlyUsed(t *testing.T) {
	p := New(1, 4)
	p.Initialize()

	blocks := make([]cache.Block, 4)
	for cycle, way := range []int{0, 1, 2, 3} {
		p.UpdateReplacementState(0, 0, way, 0, 0, 0, packet.Load, false, uint64(cycle+1))
	}
	// Ways used at cycles 1,2,3,4 respectively; way 0 is the oldest.
	victim := p.FindVictim(0, 0, 0, blocks, 0, 0, packet.Load)
	if victim != 0 {
		t.Fatalf("victim = %d, want 0 (least recently used)", victim)
	}

	p.UpdateReplacementState(0, 0, 0, 0, 0, 0, packet.Load, false, 10)
	victim = p.FindVictim(0, 0, 0, blocks, 0, 0, packet.Load)
	if victim != 1 {
		t.Fatalf("victim = %d, want 1 after way 0 was refreshed", victim)
	}
}

func TestUpdateSkipsWritebackHits(t *testing.T) {
	p := New(1, 2)
	p.Initialize()
	p.UpdateReplacementState(0, 0, 0, 0, 0, 0, packet.Load, false, 5)
	p.UpdateReplacementState(0, 0, 1, 0, 0, 0, packet.Load, false, 1)

	// A writeback hit on way 1 should not bump its last-used cycle.
	p.UpdateReplacementState(0, 0, 1, 0, 0, 0, packet.Writeback, true, 100)

	victim := p.FindVictim(0, 0, 0, make([]cache.Block, 2), 0, 0, packet.Load)
	if victim != 1 {
		t.Fatalf("victim = %d, want 1 (writeback hit must not refresh recency)", victim)
	}
}
