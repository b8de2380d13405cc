// Package vmem provides the deterministic virtual-memory model the page
// table walker consults for page-structure-table offsets and synthetic
// physical addresses. This simulator performs no functional emulation
// (spec.md Non-goals): there is no real backing page-table memory, only a
// deterministic function from (VA, level) to a physical location, stable
// enough that repeated walks of the same VA region resolve to the same
// page-structure-cache entries and DRAM rows.
package vmem

import "github.com/memsim/memsim/internal/bitutil"

// PageOffsetBits is the in-page offset width (4KiB pages).
const PageOffsetBits = 12

// frameSalt scrambles a VA's upper bits into a page-aligned synthetic
// physical frame, distinct from the VA's own numeric value.
const frameSalt = 0x9E3779B97F4A7C15

// Model describes one CPU's page-table geometry: Levels tables, each
// indexed by IndexBits of the VA, each table entry PTEBytes wide.
type Model struct {
	Levels    int
	IndexBits int
	PTEBytes  int
}

// TopLevel is the translation_level assigned to a fresh walk's first table
// read (spec.md §4.3 step 1).
func (m Model) TopLevel() int { return m.Levels - 1 }

// IndexBitsPerLevel reports the VA bit width each page-structure level
// indexes with.
func (m Model) IndexBitsPerLevel() int { return m.IndexBits }

// Offset extracts the page-table index this level contributes, per
// spec.md §4.3 step 3 ("get_offset(V, level)").
func (m Model) Offset(va uint64, level int) uint64 {
	shift := PageOffsetBits + level*m.IndexBits
	return (va >> uint(shift)) & bitutil.Bitmask(m.IndexBits)
}

// GetPTEPA computes the physical address of the page-structure entry for
// va at the given (non-leaf) level, given the page-structure base resolved
// at the level above (spec.md §4.3 step 4's splice_bits(walk_base,
// walk_offset, LOG2_PAGE_SIZE)).
func (m Model) GetPTEPA(base uint64, va uint64, level int) uint64 {
	offset := m.Offset(va, level+1) * uint64(m.PTEBytes)
	return bitutil.SpliceBits(base, offset, PageOffsetBits)
}

// NextTableBase derives the synthetic physical frame the page-structure
// entry at (va, level) points to — i.e. what "reading" that PTE produces.
func (m Model) NextTableBase(cr3, va uint64, level int) uint64 {
	key := va >> uint(PageOffsetBits+level*m.IndexBits)
	return (cr3 ^ (key * frameSalt)) &^ bitutil.Bitmask(PageOffsetBits)
}

// VAddrToPA computes the final physical address once the level-0 page
// table entry resolves to frame, combining it with va's own page offset
// (spec.md §4.3 "va_to_pa at level 0").
func (m Model) VAddrToPA(frame, va uint64) uint64 {
	return bitutil.SpliceBits(frame, va, PageOffsetBits)
}
