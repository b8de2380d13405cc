// Package ptw implements the page-table walker: a multi-level walk over
// page-structure caches (PSCL), an MSHR tracking in-flight translations,
// and recursive fill-then-step-down resolution (spec.md §4.3). Grounded on
// original_source/src/ptw.cc.
package ptw

import (
	"fmt"
	"sort"

	"github.com/memsim/memsim/internal/config"
	"github.com/memsim/memsim/internal/packet"
	"github.com/memsim/memsim/internal/simerr"
	"github.com/memsim/memsim/internal/stats"
	"github.com/memsim/memsim/internal/vmem"
)

// Downstream is the memory this walker issues page-structure reads to
// (typically a lower cache level, ultimately backed by DRAM).
type Downstream interface {
	AddRQ(p packet.Packet) bool
}

// pscl is one page-structure cache: a small FIFO-evicted map from a VA
// prefix (the bits above this level's page-structure index) to the
// physical base it resolved to.
type pscl struct {
	shift    uint
	capacity int
	order    []uint64
	entries  map[uint64]uint64
}

func newPSCL(shift uint, capacity int) *pscl {
	return &pscl{shift: shift, capacity: capacity, entries: make(map[uint64]uint64, capacity)}
}

func (c *pscl) key(va uint64) uint64 { return va >> c.shift }

func (c *pscl) lookup(va uint64) (uint64, bool) {
	v, ok := c.entries[c.key(va)]
	return v, ok
}

func (c *pscl) install(va, base uint64) {
	k := c.key(va)
	if _, exists := c.entries[k]; exists {
		c.entries[k] = base
		return
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[k] = base
	c.order = append(c.order, k)
}

type mshrEntry struct {
	pkt              packet.Packet
	translationLevel int
	cr3              uint64
	eventCycle       uint64
}

type pendingIssue struct {
	pkt   packet.Packet
	base  uint64
	level int
}

// Counters tallies the events spec.md §6 reports for the PTW.
type Counters struct {
	RQAccess, RQFull uint64
	Reads, Fills     uint64
}

const pscDefaultCapacity = 8

// Walker is the page-table walker for one CPU's translations.
type Walker struct {
	vmem Model

	maxRead  int
	maxFill  int
	rqSize   int
	mshrSize int

	levelLatency []uint64

	cr3 func(cpu uint8) uint64

	downstream Downstream

	rq    []packet.Packet
	mshr  []mshrEntry
	pscls []*pscl // indexed by level, pscls[0] unused (level 0 is the leaf PTE table, never cached)

	pending []pendingIssue

	cycle uint64

	Counters Counters
}

// Model is the subset of vmem.Model the walker needs; kept as an interface
// boundary so tests can substitute a deterministic fake if desired, though
// *vmem.Model satisfies it directly.
type Model interface {
	TopLevel() int
	IndexBitsPerLevel() int
	Offset(va uint64, level int) uint64
	GetPTEPA(base, va uint64, level int) uint64
	NextTableBase(cr3, va uint64, level int) uint64
	VAddrToPA(frame, va uint64) uint64
}

// New constructs a walker. cr3 resolves a CPU's page-table root.
func New(cfg config.PTW, model Model, downstream Downstream, cr3 func(cpu uint8) uint64) *Walker {
	levelLatency := make([]uint64, cfg.Levels)
	for i := range levelLatency {
		if i < len(cfg.LevelLatency) {
			levelLatency[i] = uint64(cfg.LevelLatency[i])
		}
	}
	w := &Walker{
		vmem:         model,
		maxRead:      cfg.MaxRead,
		maxFill:      cfg.MaxFill,
		rqSize:       cfg.RQSize,
		mshrSize:     cfg.MSHRSize,
		levelLatency: levelLatency,
		cr3:          cr3,
		downstream:   downstream,
		pscls:        make([]*pscl, cfg.Levels),
	}
	for l := 1; l < cfg.Levels; l++ {
		w.pscls[l] = newPSCL(uint(vmem.PageOffsetBits+l*model.IndexBitsPerLevel()), pscDefaultCapacity)
	}
	return w
}

// SetCycle updates current_cycle, mirroring queue.Triplet/dram.Channel.
func (w *Walker) SetCycle(cycle uint64) { w.cycle = cycle }

// AddRQ admits a translation request (spec.md §4.3 "Duplicate handling").
func (w *Walker) AddRQ(p packet.Packet) bool {
	w.Counters.RQAccess++
	page := p.VAddress >> vmem.PageOffsetBits
	for _, e := range w.rq {
		if e.VAddress>>vmem.PageOffsetBits == page {
			panic(&simerr.InvariantViolation{
				Component: "ptw",
				Message:   "duplicate page-aligned VA admitted to RQ",
			})
		}
	}
	if len(w.rq) >= w.rqSize {
		w.Counters.RQFull++
		return false
	}
	q := p.Clone()
	q.CycleEnqueued = w.cycle
	w.rq = append(w.rq, q)
	return true
}

// Operate runs one cycle: fill completion, then retry of queued step-down
// reads, then issue of fresh walks from the RQ (handleFill → drainPending →
// handleRead).
func (w *Walker) Operate() {
	w.handleFill()
	w.drainPending()
	w.handleRead()
}

// walkLevel resolves the PSCL-overridden (walk_base, walk_init_level) for
// va, per spec.md §4.3 step 2: every cache from top-level inward is
// consulted, and a deeper hit overrides a shallower one.
func (w *Walker) walkLevel(cpuCR3, va uint64) (base uint64, level int) {
	base = cpuCR3
	level = w.vmem.TopLevel()
	for l := w.vmem.TopLevel(); l >= 1; l-- {
		if hit, ok := w.pscls[l].lookup(va); ok {
			base = hit
			level = l - 1
		}
	}
	return base, level
}

// issueWalk emits one page-structure read (spec.md §4.3 step 4). On
// downstream rejection it reports failure without consuming anything, so
// the caller can retry later.
func (w *Walker) issueWalk(p packet.Packet, base uint64, level int) bool {
	if len(w.mshr) >= w.mshrSize {
		return false
	}
	readAddr := w.vmem.GetPTEPA(base, p.VAddress, level)
	fwd := p.Clone()
	fwd.Type = packet.Translation
	fwd.Address = readAddr
	fwd.TranslationLevel = uint8(level)
	fwd.ToReturn = []packet.Sink{w}
	if !w.downstream.AddRQ(fwd) {
		return false
	}
	w.mshr = append(w.mshr, mshrEntry{pkt: p, translationLevel: level, cr3: base, eventCycle: packet.NeverCycle})
	w.Counters.Reads++
	return true
}

// handleRead admits up to maxRead fresh walks from the RQ (spec.md §4.3
// steps 1-4).
func (w *Walker) handleRead() {
	admitted := 0
	for admitted < w.maxRead && len(w.rq) > 0 {
		p := w.rq[0]
		base, level := w.walkLevel(w.cr3(p.CPU), p.VAddress)
		if !w.issueWalk(p, base, level) {
			break
		}
		w.rq = w.rq[1:]
		admitted++
	}
}

// drainPending retries recursive-step continuations queued by handleFill
// (spec.md §4.3 "Fill handling": each non-leaf fill steps the walk to
// translation_level-1, itself subject to downstream admission and MSHR
// capacity like any other read).
func (w *Walker) drainPending() {
	next := w.pending[:0]
	for _, pend := range w.pending {
		if !w.issueWalk(pend.pkt, pend.base, pend.level) {
			next = append(next, pend)
		}
	}
	w.pending = next
}

// handleFill processes up to maxFill ready MSHR entries (spec.md §4.3
// "Fill handling").
func (w *Walker) handleFill() {
	sort.Slice(w.mshr, func(i, j int) bool { return w.mshr[i].eventCycle < w.mshr[j].eventCycle })

	processed := 0
	i := 0
	for i < len(w.mshr) && processed < w.maxFill {
		e := w.mshr[i]
		if e.eventCycle == packet.NeverCycle || e.eventCycle > w.cycle {
			i++
			continue
		}
		w.mshr = append(w.mshr[:i], w.mshr[i+1:]...)
		w.completeFill(e)
		processed++
	}
}

func (w *Walker) completeFill(e mshrEntry) {
	w.Counters.Fills++
	if e.translationLevel == 0 {
		frame := w.vmem.NextTableBase(e.cr3, e.pkt.VAddress, 0)
		pa := w.vmem.VAddrToPA(frame, e.pkt.VAddress)
		final := e.pkt
		final.Address = pa
		final.Data = frame
		for _, s := range final.ToReturn {
			s.ReturnData(&final)
		}
		return
	}

	nextBase := w.vmem.NextTableBase(e.cr3, e.pkt.VAddress, e.translationLevel)
	w.pscls[e.translationLevel].install(e.pkt.VAddress, nextBase)
	w.pending = append(w.pending, pendingIssue{pkt: e.pkt, base: nextBase, level: e.translationLevel - 1})
}

// ReturnData implements packet.Sink: a page-structure read has completed,
// schedule its fill after the configured per-level latency.
func (w *Walker) ReturnData(p *packet.Packet) {
	for i := range w.mshr {
		e := &w.mshr[i]
		if e.pkt.VAddress == p.VAddress && e.translationLevel == int(p.TranslationLevel) && e.eventCycle == packet.NeverCycle {
			latency := uint64(0)
			if e.translationLevel < len(w.levelLatency) {
				latency = w.levelLatency[e.translationLevel]
			}
			e.eventCycle = w.cycle + latency
			return
		}
	}
}

// Occupancy and Size report RQ/MSHR depth for spec.md §6's get_occupancy /
// get_size contract.
func (w *Walker) Occupancy(mshr bool) int {
	if mshr {
		return len(w.mshr)
	}
	return len(w.rq)
}

func (w *Walker) Size(mshr bool) int {
	if mshr {
		return w.mshrSize
	}
	return w.rqSize
}

// StatFields returns this walker's counters, prefixed by the caller-supplied
// label (one walker exists per CPU, so callers disambiguate with e.g.
// "ptw0", "ptw1"). Because it takes a label, *Walker does not itself
// satisfy stats.Fields.
func (w *Walker) StatFields(label string) stats.Snapshot {
	return stats.Snapshot{
		label + ".rq_access": w.Counters.RQAccess,
		label + ".rq_full":   w.Counters.RQFull,
		label + ".reads":     w.Counters.Reads,
		label + ".fills":     w.Counters.Fills,
	}
}

// Progress returns a monotonically increasing count of completed
// page-structure fills (one per walk level), for the deadlock detector.
func (w *Walker) Progress() uint64 { return w.Counters.Fills }

// Dump renders this walker's in-flight occupancy for a deadlock diagnostic.
func (w *Walker) Dump(label string) string {
	return fmt.Sprintf("%s: mshr=%d/%d rq=%d/%d", label, len(w.mshr), w.mshrSize, len(w.rq), w.rqSize)
}
