// Package queue implements the read/write/prefetch queue triplet fronting
// each cache level (spec.md §4.1): address-based deduplication,
// write-to-read forwarding, and deferred-translation rotation.
//
// The collision-scan shape (collect entries not yet forward_checked, fold
// later arrivals into earlier ones, mark survivors checked) is grounded on
// microbatch.Batcher's collect-while-predicate-holds loop, keyed here on
// block address instead of a flush timer.
package queue

import (
	"github.com/memsim/memsim/internal/bitutil"
	"github.com/memsim/memsim/internal/packet"
)

// Config sizes one cache's queue triplet (spec.md §4.1).
type Config struct {
	RQSize          int
	WQSize          int
	PQSize          int
	HitLatency      uint64
	MatchOffsetBits bool
}

// Counters tallies the admission/collision events spec.md §6 reports.
type Counters struct {
	RQAccess, RQToCache, RQFull, RQMerged uint64
	WQAccess, WQToCache, WQFull, WQMerged, WQForward uint64
	PQAccess, PQToCache, PQFull, PQMerged uint64
}

// Consumer is the downstream a translating queue issues translation reads
// to (spec.md §4.1 (a)): the PTW.
type Consumer interface {
	AddRQ(p packet.Packet) bool
}

// Kind mirrors the access_type-adjacent queue selector in spec.md §6
// (get_occupancy/get_size's kind parameter).
type Kind int

const (
	KindMSHR Kind = iota
	KindRQ
	KindWQ
	KindPQ
)

// Triplet is one cache's WQ/RQ/PQ. The zero value is not usable; construct
// with New.
type Triplet struct {
	name string
	cfg  Config

	offsetBits int // block-offset bit width, for collision granularity

	translating bool
	translator  Consumer

	warmupComplete func(cpu uint8) bool

	rq, wq, pq []packet.Packet

	cycle uint64

	Counters Counters
}

const pageLog2 = 12 // LOG2_PAGE_SIZE, matching original_source's 4KiB pages

// New constructs a queue triplet. translator is nil for a non-translating
// queue; a non-nil translator makes this a translating queue (spec.md
// §4.1's two variants).
func New(name string, cfg Config, offsetBits int, translator Consumer, warmupComplete func(cpu uint8) bool) *Triplet {
	return &Triplet{
		name:           name,
		cfg:            cfg,
		offsetBits:     offsetBits,
		translating:    translator != nil,
		translator:     translator,
		warmupComplete: warmupComplete,
	}
}

// SetCycle updates the triplet's view of current_cycle. The owning cache
// calls this at the start of its own Operate, before Operate/AddRQ/etc are
// invoked (spec.md §5: cross-component calls observe the callee's last
// known current_cycle).
func (t *Triplet) SetCycle(cycle uint64) { t.cycle = cycle }

func (t *Triplet) eventCycleOnAdmit(cpu uint8) uint64 {
	// spec.md §9 note 2: warmup_complete(cpu) ? current_cycle+HIT_LATENCY : current_cycle
	if t.warmupComplete != nil && t.warmupComplete(cpu) {
		return t.cycle + t.cfg.HitLatency
	}
	return t.cycle
}

// insertBeforeParkedTail inserts p into queue just ahead of the first
// translation-parked entry (event_cycle == NeverCycle), preserving the
// "front() is always the earliest-ready fully-translated entry" invariant.
func insertBeforeParkedTail(queue []packet.Packet, p packet.Packet) []packet.Packet {
	idx := len(queue)
	for i, e := range queue {
		if e.EventCycle == packet.NeverCycle {
			idx = i
			break
		}
	}
	queue = append(queue, packet.Packet{})
	copy(queue[idx+1:], queue[idx:])
	queue[idx] = p
	return queue
}

// AddRQ admits a read/RFO request (spec.md §4.1 "Admission").
func (t *Triplet) AddRQ(p packet.Packet) bool {
	t.Counters.RQAccess++
	if len(t.rq) >= t.cfg.RQSize {
		t.Counters.RQFull++
		return false
	}
	fwd := p.Clone()
	fwd.Flags.ForwardChecked = false
	fwd.Flags.TranslateIssued = false
	fwd.EventCycle = t.eventCycleOnAdmit(p.CPU)
	t.rq = insertBeforeParkedTail(t.rq, fwd)
	t.Counters.RQToCache++
	return true
}

// AddWQ admits a write (spec.md §4.1 "Admission"; spec.md §9 note 1: single
// increment of WQ_ACCESS, not the original's apparent double-increment).
func (t *Triplet) AddWQ(p packet.Packet) bool {
	t.Counters.WQAccess++
	if len(t.wq) >= t.cfg.WQSize {
		t.Counters.WQFull++
		return false
	}
	fwd := p.Clone()
	fwd.Flags.ForwardChecked = false
	fwd.Flags.TranslateIssued = false
	fwd.EventCycle = t.eventCycleOnAdmit(p.CPU)
	t.wq = insertBeforeParkedTail(t.wq, fwd)
	t.Counters.WQToCache++
	return true
}

// AddPQ admits a prefetch (spec.md §4.1 "Admission").
func (t *Triplet) AddPQ(p packet.Packet) bool {
	t.Counters.PQAccess++
	if len(t.pq) >= t.cfg.PQSize {
		t.Counters.PQFull++
		return false
	}
	fwd := p.Clone()
	fwd.Flags.ForwardChecked = false
	fwd.Flags.TranslateIssued = false
	fwd.EventCycle = t.eventCycleOnAdmit(p.CPU)
	t.pq = insertBeforeParkedTail(t.pq, fwd)
	t.Counters.PQToCache++
	return true
}

func front(queue []packet.Packet) (*packet.Packet, bool) {
	if len(queue) == 0 {
		return nil, false
	}
	return &queue[0], true
}

// WQFront, RQFront, PQFront expose the dispatchable head of each queue, for
// the owning cache's handle_* stages to consume.
func (t *Triplet) WQFront() (*packet.Packet, bool) { return front(t.wq) }
func (t *Triplet) RQFront() (*packet.Packet, bool) { return front(t.rq) }
func (t *Triplet) PQFront() (*packet.Packet, bool) { return front(t.pq) }

// PopWQFront, PopRQFront, PopPQFront remove the head entry once serviced.
func (t *Triplet) PopWQFront() { t.wq = popFront(t.wq) }
func (t *Triplet) PopRQFront() { t.rq = popFront(t.rq) }
func (t *Triplet) PopPQFront() { t.pq = popFront(t.pq) }

func popFront(queue []packet.Packet) []packet.Packet {
	if len(queue) == 0 {
		return queue
	}
	return queue[1:]
}

func readyFront(queue []packet.Packet, cycle uint64, translating bool) bool {
	if len(queue) == 0 {
		return false
	}
	head := queue[0]
	if head.EventCycle > cycle {
		return false
	}
	if translating && (head.Address == 0 || head.Address == head.VAddress) {
		return false
	}
	return true
}

// WQHasReady, RQHasReady, PQHasReady report "front is translated (if this
// is a translating queue) AND front.event_cycle <= current_cycle"
// (spec.md §4.1).
func (t *Triplet) WQHasReady() bool { return readyFront(t.wq, t.cycle, t.translating) }
func (t *Triplet) RQHasReady() bool { return readyFront(t.rq, t.cycle, t.translating) }
func (t *Triplet) PQHasReady() bool { return readyFront(t.pq, t.cycle, t.translating) }

// Occupancy and Size report queue depth/capacity for the kinds this triplet
// owns (spec.md §6 get_occupancy/get_size; MSHR is reported by the cache,
// not the triplet).
func (t *Triplet) Occupancy(kind Kind) int {
	switch kind {
	case KindRQ:
		return len(t.rq)
	case KindWQ:
		return len(t.wq)
	case KindPQ:
		return len(t.pq)
	}
	return 0
}

func (t *Triplet) Size(kind Kind) int {
	switch kind {
	case KindRQ:
		return t.cfg.RQSize
	case KindWQ:
		return t.cfg.WQSize
	case KindPQ:
		return t.cfg.PQSize
	}
	return 0
}

// Operate enforces the three collision properties (spec.md §4.1 (1)-(3)),
// then, for a translating queue, issues translation requests and rotates
// unresolved entries to the tail (spec.md §4.1 (a)-(b)).
func (t *Triplet) Operate() {
	t.checkCollision()
	if t.translating {
		t.issueTranslation()
		t.detectMisses()
	}
}

func (t *Triplet) blockShamt(matchOffsetOverride bool) int {
	if matchOffsetOverride {
		return 0
	}
	return t.offsetBits
}

// checkCollision implements spec.md §4.1 (1)-(3).
func (t *Triplet) checkCollision() {
	writeShamt := t.blockShamt(t.cfg.MatchOffsetBits)
	readShamt := t.offsetBits

	// (1) WQ write coalescing.
	out := t.wq[:0]
	for i := range t.wq {
		e := t.wq[i]
		if e.Flags.ForwardChecked {
			out = append(out, e)
			continue
		}
		merged := false
		for _, prior := range out {
			if bitutil.AddrEq(prior.Address, e.Address, writeShamt) {
				merged = true
				break
			}
		}
		if merged {
			t.Counters.WQMerged++
			continue
		}
		e.Flags.ForwardChecked = true
		out = append(out, e)
	}
	t.wq = out

	// (2) RQ: forward from WQ, else (3) merge within RQ.
	rqOut := t.rq[:0]
	for i := range t.rq {
		e := t.rq[i]
		if e.Flags.ForwardChecked {
			rqOut = append(rqOut, e)
			continue
		}
		if wqIdx := findAddr(t.wq, e.Address, writeShamt); wqIdx >= 0 {
			e.Data = t.wq[wqIdx].Data
			for _, s := range e.ToReturn {
				s.ReturnData(&e)
			}
			t.Counters.WQForward++
			continue
		}
		if priorIdx := findAddrIn(rqOut, e.Address, readShamt); priorIdx >= 0 {
			rqOut[priorIdx].DependsOnMe = packet.MergeDependsOnMe(rqOut[priorIdx].DependsOnMe, e.DependsOnMe)
			rqOut[priorIdx].ToReturn = packet.MergeSinks(rqOut[priorIdx].ToReturn, e.ToReturn)
			t.Counters.RQMerged++
			continue
		}
		e.Flags.ForwardChecked = true
		rqOut = append(rqOut, e)
	}
	t.rq = rqOut

	// PQ: forward from WQ, else merge within PQ (no instruction dependents).
	pqOut := t.pq[:0]
	for i := range t.pq {
		e := t.pq[i]
		if e.Flags.ForwardChecked {
			pqOut = append(pqOut, e)
			continue
		}
		if wqIdx := findAddr(t.wq, e.Address, writeShamt); wqIdx >= 0 {
			e.Data = t.wq[wqIdx].Data
			for _, s := range e.ToReturn {
				s.ReturnData(&e)
			}
			t.Counters.WQForward++
			continue
		}
		if priorIdx := findAddrIn(pqOut, e.Address, readShamt); priorIdx >= 0 {
			pqOut[priorIdx].ToReturn = packet.MergeSinks(pqOut[priorIdx].ToReturn, e.ToReturn)
			t.Counters.PQMerged++
			continue
		}
		e.Flags.ForwardChecked = true
		pqOut = append(pqOut, e)
	}
	t.pq = pqOut
}

func findAddr(queue []packet.Packet, addr uint64, shamt int) int {
	for i, e := range queue {
		if bitutil.AddrEq(e.Address, addr, shamt) {
			return i
		}
	}
	return -1
}

func findAddrIn(queue []packet.Packet, addr uint64, shamt int) int {
	return findAddr(queue, addr, shamt)
}

// issueTranslation implements spec.md §4.1 (a): for each entry still
// holding address == v_address, emit a translation request to the PTW.
func (t *Triplet) issueTranslation() {
	t.doIssueTranslation(t.wq)
	t.doIssueTranslation(t.rq)
	t.doIssueTranslation(t.pq)
}

func (t *Triplet) doIssueTranslation(queue []packet.Packet) {
	for i := range queue {
		e := &queue[i]
		if e.Flags.TranslateIssued || e.Address != e.VAddress {
			continue
		}
		fwd := e.Clone()
		fwd.Type = packet.Load
		fwd.ToReturn = []packet.Sink{t}
		if t.translator.AddRQ(fwd) {
			e.Flags.TranslateIssued = true
			e.Address = 0
		}
	}
}

// detectMisses implements spec.md §4.1 (b): entries awaiting translation
// return are rotated to the tail with event_cycle = ∞.
func (t *Triplet) detectMisses() {
	t.wq = rotateUnresolved(t.wq)
	t.rq = rotateUnresolved(t.rq)
	t.pq = rotateUnresolved(t.pq)
}

// rotateUnresolved stable-partitions the queue into translated entries
// (dispatchable, kept in arrival order) followed by entries still awaiting
// a translation return (parked with event_cycle = ∞, kept in arrival
// order). Resolution can land anywhere in the queue — ReturnData matches by
// page, not position — so a stable partition is used rather than a single
// split point.
func rotateUnresolved(queue []packet.Packet) []packet.Packet {
	resolved := make([]packet.Packet, 0, len(queue))
	pending := make([]packet.Packet, 0, len(queue))
	for _, e := range queue {
		if e.Address == 0 {
			e.EventCycle = packet.NeverCycle
			pending = append(pending, e)
		} else {
			resolved = append(resolved, e)
		}
	}
	return append(resolved, pending...)
}

// ReturnData implements spec.md §4.1 "Translation return": splice the
// returned frame into every entry on the same virtual page, across all
// three queues, taking the minimum with the existing event_cycle to
// preserve earlier readiness.
func (t *Triplet) ReturnData(p *packet.Packet) {
	t.spliceReturn(t.wq, p)
	t.spliceReturn(t.rq, p)
	t.spliceReturn(t.pq, p)
}

func (t *Triplet) spliceReturn(queue []packet.Packet, p *packet.Packet) {
	for i := range queue {
		e := &queue[i]
		if e.VAddress>>pageLog2 != p.VAddress>>pageLog2 {
			continue
		}
		e.Address = bitutil.SpliceBits(p.Data, e.VAddress, pageLog2)
		ready := t.eventCycleOnAdmit(e.CPU)
		if ready < e.EventCycle {
			e.EventCycle = ready
		}
	}
}
