package main

import (
	"io"
	"testing"

	"github.com/memsim/memsim/internal/cache"
	"github.com/memsim/memsim/internal/config"
	"github.com/memsim/memsim/internal/packet"
	"github.com/memsim/memsim/internal/trace"
)

func TestOpsSplitsSourceAndDestinationMemory(t *testing.T) {
	instr := trace.Instruction{
		IP:                0xabc,
		SourceMemory:      [4]uint64{0x1000, 0, 0x2000, 0},
		DestinationMemory: [2]uint64{0x3000, 0},
	}
	got := ops(instr)
	if len(got) != 3 {
		t.Fatalf("len(ops) = %d, want 3", len(got))
	}
	if got[0].addr != 0x1000 || got[0].typ != packet.Load || got[0].ip != 0xabc {
		t.Fatalf("ops[0] = %+v, want Load 0x1000 ip=0xabc", got[0])
	}
	if got[1].addr != 0x2000 || got[1].typ != packet.Load || got[1].ip != 0xabc {
		t.Fatalf("ops[1] = %+v, want Load 0x2000 ip=0xabc", got[1])
	}
	if got[2].addr != 0x3000 || got[2].typ != packet.RFO || got[2].ip != 0xabc {
		t.Fatalf("ops[2] = %+v, want RFO 0x3000 ip=0xabc", got[2])
	}
}

func TestOpsSkipsZeroAddresses(t *testing.T) {
	instr := trace.Instruction{} // no memory operands: a pure-register instruction
	if got := ops(instr); len(got) != 0 {
		t.Fatalf("len(ops) = %d, want 0 for a register-only instruction", len(got))
	}
}

// fakeReader yields a fixed instruction list then io.EOF.
type fakeReader struct {
	instrs []trace.Instruction
	i      int
}

func (r *fakeReader) Get() (trace.Instruction, error) {
	if r.i >= len(r.instrs) {
		return trace.Instruction{}, io.EOF
	}
	instr := r.instrs[r.i]
	r.i++
	return instr, nil
}

func (r *fakeReader) EOF() bool { return r.i >= len(r.instrs) }

// fakeDownstream is an always-accepting memory below the L1 under test;
// flush delivers every queued reply synchronously.
type fakeDownstream struct {
	rq, wq []packet.Packet
}

func (f *fakeDownstream) AddRQ(p packet.Packet) bool { f.rq = append(f.rq, p); return true }
func (f *fakeDownstream) AddWQ(p packet.Packet) bool { f.wq = append(f.wq, p); return true }
func (f *fakeDownstream) AddPQ(p packet.Packet) bool { return true }

func (f *fakeDownstream) flush() {
	pend := append(f.rq, f.wq...)
	f.rq, f.wq = nil, nil
	for _, p := range pend {
		pp := p
		for _, s := range pp.ToReturn {
			s.ReturnData(&pp)
		}
	}
}

func newTestL1(down *fakeDownstream) *cache.Cache {
	cfg := config.Cache{
		Sets: 4, Ways: 2, OffsetBits: 6,
		MSHRSize: 4, MaxReadPerCycle: 2, MaxWritePerCycle: 2, MaxPrefetchPerCycle: 2, MaxFillPerCycle: 2,
		FillLatency: 1,
	}
	qcfg := config.Queue{RQSize: 4, WQSize: 4, PQSize: 4, HitLatency: 1}
	return cache.New("L1D", cfg, qcfg, nil, down, func(uint8) bool { return true }, nil, nil)
}

func drive(c *cache.Cache, down *fakeDownstream, fe *frontend, cycle *uint64, n int) {
	for i := 0; i < n; i++ {
		c.SetCycle(*cycle)
		fe.Operate()
		c.Operate()
		down.flush()
		*cycle++
	}
}

func TestFrontendDrainsTraceOneAccessAtATime(t *testing.T) {
	down := &fakeDownstream{}
	l1 := newTestL1(down)
	r := &fakeReader{instrs: []trace.Instruction{
		{SourceMemory: [4]uint64{0x1000}},
		{DestinationMemory: [2]uint64{0x2000}},
	}}
	fe := newFrontend(0, r, l1)

	var cycle uint64
	drive(l1, down, fe, &cycle, 20)

	if !fe.Drained() {
		t.Fatal("frontend should be drained after its two instructions complete")
	}
	if fe.Retired() != 2 {
		t.Fatalf("Retired() = %d, want 2", fe.Retired())
	}
}

func TestFrontendOneOutstandingAccess(t *testing.T) {
	down := &fakeDownstream{}
	l1 := newTestL1(down)
	// Two loads in one instruction: the second must not be issued until the
	// first's ReturnData has landed.
	r := &fakeReader{instrs: []trace.Instruction{
		{SourceMemory: [4]uint64{0x1000, 0x5000}},
	}}
	fe := newFrontend(0, r, l1)

	l1.SetCycle(0)
	fe.Operate() // issues the first load
	if !fe.pending {
		t.Fatal("first load should be in flight")
	}
	if fe.opIdx != 0 {
		t.Fatalf("opIdx = %d, want 0 before the first load completes", fe.opIdx)
	}

	fe.Operate() // still pending: must not advance or issue the second op
	if fe.opIdx != 0 || !fe.pending {
		t.Fatal("frontend issued a second access while the first was still outstanding")
	}
}

func TestFrontendStampsPacketIPFromInstruction(t *testing.T) {
	down := &fakeDownstream{}
	l1 := newTestL1(down)
	r := &fakeReader{instrs: []trace.Instruction{
		{IP: 0x4040, SourceMemory: [4]uint64{0x1000}},
	}}
	fe := newFrontend(0, r, l1)

	// Drive the load to a miss so it's forwarded downstream, carrying
	// whatever IP the front-end stamped onto the original packet.
	var cycle uint64
	for i := 0; i < 3 && len(down.rq) == 0; i++ {
		l1.SetCycle(cycle)
		fe.Operate()
		l1.Operate()
		cycle++
	}

	if len(down.rq) != 1 {
		t.Fatalf("downstream rq = %d, want 1", len(down.rq))
	}
	if got := down.rq[0].IP; got != 0x4040 {
		t.Fatalf("forwarded packet IP = %#x, want 0x4040", got)
	}
}

func TestFrontendRetiresInstructionWithNoMemoryOps(t *testing.T) {
	down := &fakeDownstream{}
	l1 := newTestL1(down)
	r := &fakeReader{instrs: []trace.Instruction{{}}} // register-only instruction
	fe := newFrontend(0, r, l1)

	var cycle uint64
	drive(l1, down, fe, &cycle, 2)

	if fe.Retired() != 1 {
		t.Fatalf("Retired() = %d, want 1", fe.Retired())
	}
	if !fe.Drained() {
		t.Fatal("frontend should be drained once its sole instruction retires and the trace is exhausted")
	}
}
