package dram

import "github.com/memsim/memsim/internal/bitutil"

// Geometry describes a DRAM address layout (spec.md §4.2 "Address decode"):
// low-to-high, block offset | channel | bank | column | rank | row, each
// field lg2(count) bits wide.
type Geometry struct {
	BlockSize int
	Channels  int
	Banks     int
	Columns   int
	Ranks     int
	Rows      int
}

func (g Geometry) offsetBits() int  { return bitutil.Lg2(uint64(g.BlockSize)) }
func (g Geometry) channelBits() int { return bitutil.Lg2(uint64(g.Channels)) }
func (g Geometry) bankBits() int    { return bitutil.Lg2(uint64(g.Banks)) }
func (g Geometry) columnBits() int  { return bitutil.Lg2(uint64(g.Columns)) }
func (g Geometry) rankBits() int    { return bitutil.Lg2(uint64(g.Ranks)) }

func (g Geometry) field(addr uint64, shift, width int) int {
	return int((addr >> uint(shift)) & bitutil.Bitmask(width))
}

// Channel extracts the channel field of addr.
func (g Geometry) Channel(addr uint64) int {
	return g.field(addr, g.offsetBits(), g.channelBits())
}

// Bank extracts the bank field of addr.
func (g Geometry) Bank(addr uint64) int {
	return g.field(addr, g.offsetBits()+g.channelBits(), g.bankBits())
}

// Column extracts the column field of addr.
func (g Geometry) Column(addr uint64) int {
	return g.field(addr, g.offsetBits()+g.channelBits()+g.bankBits(), g.columnBits())
}

// Rank extracts the rank field of addr.
func (g Geometry) Rank(addr uint64) int {
	return g.field(addr, g.offsetBits()+g.channelBits()+g.bankBits()+g.columnBits(), g.rankBits())
}

// Row extracts the row field of addr (everything above rank).
func (g Geometry) Row(addr uint64) int {
	shift := g.offsetBits() + g.channelBits() + g.bankBits() + g.columnBits() + g.rankBits()
	return int(addr >> uint(shift))
}

// BankIndex flattens (rank, bank) into a single index into a channel's bank
// array.
func (g Geometry) BankIndex(addr uint64) int {
	return g.Rank(addr)*g.Banks + g.Bank(addr)
}
