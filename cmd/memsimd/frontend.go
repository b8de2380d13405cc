package main

import (
	"github.com/memsim/memsim/internal/cache"
	"github.com/memsim/memsim/internal/packet"
	"github.com/memsim/memsim/internal/trace"
)

// memOp is one memory reference derived from a trace instruction's source or
// destination memory slots.
type memOp struct {
	addr uint64
	typ  packet.AccessType
	ip   uint64
}

// ops splits one trace instruction into its constituent memory references:
// every nonzero SourceMemory entry becomes a Load, every nonzero
// DestinationMemory entry becomes an RFO (spec.md §2's core-to-L1 data flow).
// RFO, not Writeback, is used here: Writeback is reserved for a cache's own
// eviction-forwarding path and skips the replacement policy's recency
// update on a hit, which a store must not do. Every op carries the issuing
// instruction's IP, so per-IP replacement/prefetcher state (internal/policy/
// stride's tracker table) is keyed correctly instead of collapsing to one
// global entry.
func ops(instr trace.Instruction) []memOp {
	var out []memOp
	for _, a := range instr.SourceMemory {
		if a != 0 {
			out = append(out, memOp{addr: a, typ: packet.Load, ip: instr.IP})
		}
	}
	for _, a := range instr.DestinationMemory {
		if a != 0 {
			out = append(out, memOp{addr: a, typ: packet.RFO, ip: instr.IP})
		}
	}
	return out
}

// frontend drives one CPU's trace through its L1: one outstanding memory
// access at a time, retried every cycle until admitted, then blocked until
// ReturnData signals completion before the next op (or next instruction) is
// issued.
type frontend struct {
	id uint8
	r  trace.Reader
	l1 *cache.Cache

	curOps []memOp
	opIdx  int

	pending bool

	fetched uint64
	retired uint64
	eof     bool
}

func newFrontend(id uint8, r trace.Reader, l1 *cache.Cache) *frontend {
	return &frontend{id: id, r: r, l1: l1}
}

// Operate implements clock.Operable: admit the current op if none is
// in-flight, pulling fresh instructions from the trace as prior ones
// complete (spec.md §8 "Trace EOF -> graceful simulator shutdown").
func (f *frontend) Operate() {
	if f.pending {
		return
	}
	for f.opIdx >= len(f.curOps) {
		if f.eof {
			return
		}
		instr, err := f.r.Get()
		if err != nil {
			f.eof = true
			return
		}
		f.fetched++
		f.curOps = ops(instr)
		f.opIdx = 0
		if len(f.curOps) == 0 {
			f.retired++
		}
	}

	op := f.curOps[f.opIdx]
	p := packet.Packet{
		Address:  op.addr,
		VAddress: op.addr,
		Type:     op.typ,
		CPU:      f.id,
		IP:       op.ip,
		InstrID:  f.fetched,
		ToReturn: []packet.Sink{f},
	}

	var admitted bool
	if op.typ == packet.Load {
		admitted = f.l1.AddRQ(p)
	} else {
		admitted = f.l1.AddWQ(p)
	}
	if admitted {
		f.pending = true
	}
}

// ReturnData implements packet.Sink: the in-flight access has completed,
// advance to the next memory op (or retire the instruction if that was the
// last one).
func (f *frontend) ReturnData(p *packet.Packet) {
	f.pending = false
	f.opIdx++
	if f.opIdx >= len(f.curOps) {
		f.retired++
	}
}

// EOF reports whether the underlying trace reader is exhausted.
func (f *frontend) EOF() bool { return f.eof }

// Drained reports whether this front-end has nothing left to do: the trace
// is exhausted and no access is in flight.
func (f *frontend) Drained() bool {
	return f.eof && !f.pending && f.opIdx >= len(f.curOps)
}

// Retired returns the count of fully-completed instructions, for a final
// stats snapshot (instructions, not just memory ops, are the unit spec.md
// §6 reports IPC against).
func (f *frontend) Retired() uint64 { return f.retired }
