// Package dram implements the DRAM controller: bank-aware scheduling,
// row-buffer management, shared-bus arbitration, and read/write-mode
// switching (spec.md §4.2). Grounded on
// original_source/inc/dram_controller.h and
// original_source/src/dram_controller.cc.
package dram

import (
	"fmt"

	"github.com/memsim/memsim/internal/config"
	"github.com/memsim/memsim/internal/packet"
	"github.com/memsim/memsim/internal/stats"
)

// Counters tallies the per-channel events spec.md §6 reports.
type Counters struct {
	RQAccess, RQFull uint64
	WQAccess, WQFull uint64
	RQRowBufferHit, RQRowBufferMiss uint64
	WQRowBufferHit, WQRowBufferMiss uint64
	DBusCycleCongested uint64
	DBusCountCongested uint64
}

type bankSlot struct {
	valid        bool
	rowBufferHit bool
	hasOpenRow   bool
	openRow      int
	row          int
	eventCycle   uint64
	pkt          packet.Packet
}

// nsToCycles converts a duration in nanoseconds to a channel-cycle count at
// the given I/O frequency, rounding up (spec.md §4.2 "Timings").
func nsToCycles(ns float64, ioFreqMHz int) uint64 {
	cycles := ns * float64(ioFreqMHz) / 1000.0
	c := uint64(cycles)
	if float64(c) < cycles {
		c++
	}
	return c
}

// Channel is one DRAM channel: its own RQ/WQ, bank array, and bus state.
type Channel struct {
	geom Geometry

	rqSize, wqSize int

	tRP, tRCD, tCAS, turnaround uint64
	dbusReturnTime              uint64

	rq, wq []packet.Packet
	banks  []bankSlot

	activeIdx          int
	dbusCycleAvailable uint64

	mode WriteMode

	cycle  uint64
	warmup func() bool

	congestion *CycleWindow

	Counters Counters
}

// NewChannel constructs one channel from the simulator's DRAM config.
func NewChannel(cfg config.DRAM, warmup func() bool) *Channel {
	geom := Geometry{
		BlockSize: cfg.BlockSize,
		Channels:  cfg.Channels,
		Banks:     cfg.Banks,
		Columns:   cfg.Columns,
		Ranks:     cfg.Ranks,
		Rows:      cfg.Rows,
	}
	dbusReturnTime := uint64(cfg.BlockSize) / uint64(cfg.ChannelWidth)
	if uint64(cfg.BlockSize)%uint64(cfg.ChannelWidth) != 0 {
		dbusReturnTime++
	}
	return &Channel{
		geom:               geom,
		rqSize:             cfg.RQSize,
		wqSize:             cfg.WQSize,
		tRP:                nsToCycles(cfg.TRPNanos, cfg.IOFreqMHz),
		tRCD:               nsToCycles(cfg.TRCDNanos, cfg.IOFreqMHz),
		tCAS:               nsToCycles(cfg.TCASNanos, cfg.IOFreqMHz),
		turnaround:         nsToCycles(cfg.TurnaroundNanos, cfg.IOFreqMHz),
		dbusReturnTime:     dbusReturnTime,
		banks:              make([]bankSlot, cfg.Ranks*cfg.Banks),
		activeIdx:          -1,
		warmup:             warmup,
		congestion:         NewCycleWindow(256),
	}
}

// SetCycle updates the channel's current_cycle, mirroring queue.Triplet.
func (c *Channel) SetCycle(cycle uint64) { c.cycle = cycle }

func highWatermark(size int) int { return size * 7 / 8 }
func lowWatermark(size int) int  { return size * 6 / 8 }

// AddRQ admits a read (spec.md §4.2 "Admission").
func (c *Channel) AddRQ(p packet.Packet) bool {
	c.Counters.RQAccess++
	if len(c.rq) >= c.rqSize {
		c.Counters.RQFull++
		return false
	}
	fwd := p.Clone()
	fwd.EventCycle = c.cycle
	fwd.Flags.Scheduled = false
	c.rq = append(c.rq, fwd)
	return true
}

// AddPQ is an alias for AddRQ (spec.md §4.2 "Admission").
func (c *Channel) AddPQ(p packet.Packet) bool { return c.AddRQ(p) }

// AddWQ admits a write (spec.md §4.2 "Admission").
func (c *Channel) AddWQ(p packet.Packet) bool {
	c.Counters.WQAccess++
	if len(c.wq) >= c.wqSize {
		c.Counters.WQFull++
		return false
	}
	fwd := p.Clone()
	fwd.EventCycle = c.cycle
	fwd.Flags.Scheduled = false
	c.wq = append(c.wq, fwd)
	return true
}

// Operate runs one cycle's six-step state machine (spec.md §4.2).
func (c *Channel) Operate() {
	if c.warmup != nil && !c.warmup() {
		c.flushWarmup()
		return
	}
	c.checkCollision()
	c.completeActive()
	c.switchMode()
	c.arbitrateBus()
	c.scheduleBanks()
}

// flushWarmup implements spec.md §4.2 step 1.
func (c *Channel) flushWarmup() {
	for i := range c.rq {
		p := c.rq[i]
		for _, s := range p.ToReturn {
			s.ReturnData(&p)
		}
	}
	c.rq = c.rq[:0]
	c.wq = c.wq[:0]
}

// checkCollision implements spec.md §4.2 step 2: same semantics as §4.1,
// simplified (no PQ, only within-queue merge, no WQ-to-RQ forwarding since
// writes at this level are retired, not observed).
func (c *Channel) checkCollision() {
	c.rq = mergeSameBlock(c.rq, c.geom)
	c.wq = mergeSameBlock(c.wq, c.geom)
}

func mergeSameBlock(queue []packet.Packet, geom Geometry) []packet.Packet {
	out := queue[:0]
	for i := range queue {
		e := queue[i]
		merged := false
		for j := range out {
			if sameBlock(out[j].Address, e.Address, geom) {
				out[j].DependsOnMe = packet.MergeDependsOnMe(out[j].DependsOnMe, e.DependsOnMe)
				out[j].ToReturn = packet.MergeSinks(out[j].ToReturn, e.ToReturn)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, e)
		}
	}
	return out
}

func sameBlock(a, b uint64, geom Geometry) bool {
	shift := uint(geom.offsetBits())
	return a>>shift == b>>shift
}

// completeActive implements spec.md §4.2 step 3.
func (c *Channel) completeActive() {
	if c.activeIdx < 0 {
		return
	}
	slot := &c.banks[c.activeIdx]
	if slot.eventCycle > c.cycle {
		return
	}
	for _, s := range slot.pkt.ToReturn {
		s.ReturnData(&slot.pkt)
	}
	// The row stays open after completion — only precharge (turnBus) or a
	// future miss on this bank clears it.
	*slot = bankSlot{hasOpenRow: slot.hasOpenRow, openRow: slot.openRow, row: slot.row}
	c.activeIdx = -1
}

// switchMode implements spec.md §4.2 step 4.
func (c *Channel) switchMode() {
	wqOccu, rqOccu := len(c.wq), len(c.rq)
	switch c.mode.Load() {
	case ModeRead:
		if wqOccu >= highWatermark(c.wqSize) || (rqOccu == 0 && wqOccu > 0) {
			c.turnBus(ModeRead, ModeWrite)
		}
	case ModeWrite:
		if wqOccu == 0 || (rqOccu > 0 && wqOccu < lowWatermark(c.wqSize)) {
			c.turnBus(ModeWrite, ModeRead)
		}
	}
}

func (c *Channel) turnBus(from, to Mode) {
	for i := range c.banks {
		if i == c.activeIdx || !c.banks[i].valid {
			continue
		}
		slot := &c.banks[i]
		if slot.eventCycle < c.cycle+c.tCAS {
			slot.hasOpenRow = false
		}
		pkt := slot.pkt
		pkt.Flags.Scheduled = false
		// This bank is ready for another request: invalidate the in-flight
		// entry and requeue its packet, but leave the row-buffer state
		// (hasOpenRow/openRow/row) intact — it reflects physical DRAM state
		// that doesn't change just because the bank_request slot frees up.
		slot.valid = false
		slot.pkt = packet.Packet{}
		slot.eventCycle = 0
		c.requeue(pkt, from)
	}
	if c.activeIdx >= 0 {
		c.dbusCycleAvailable = c.banks[c.activeIdx].eventCycle + c.turnaround
	} else {
		c.dbusCycleAvailable = c.cycle + c.turnaround
	}
	c.mode.TryTransition(from, to)
}

func (c *Channel) requeue(pkt packet.Packet, from Mode) {
	pkt.EventCycle = c.cycle
	if from == ModeWrite {
		c.wq = append(c.wq, pkt)
	} else {
		c.rq = append(c.rq, pkt)
	}
}

// arbitrateBus implements spec.md §4.2 step 5.
func (c *Channel) arbitrateBus() {
	best := -1
	for i := range c.banks {
		if !c.banks[i].valid {
			continue
		}
		if best < 0 || c.banks[i].eventCycle < c.banks[best].eventCycle {
			best = i
		}
	}
	if best < 0 {
		return
	}
	if c.banks[best].eventCycle > c.cycle {
		return
	}
	if c.activeIdx >= 0 {
		c.Counters.DBusCycleCongested += c.banks[c.activeIdx].eventCycle - c.cycle
		c.Counters.DBusCountCongested++
		c.congestion.Record(c.cycle)
		return
	}
	if c.dbusCycleAvailable > c.cycle {
		c.Counters.DBusCycleCongested += c.dbusCycleAvailable - c.cycle
		c.Counters.DBusCountCongested++
		c.congestion.Record(c.cycle)
		return
	}
	slot := &c.banks[best]
	if slot.pkt.Type == packet.RFO || slot.pkt.Type == packet.Writeback {
		if slot.rowBufferHit {
			c.Counters.WQRowBufferHit++
		} else {
			c.Counters.WQRowBufferMiss++
		}
	} else {
		if slot.rowBufferHit {
			c.Counters.RQRowBufferHit++
		} else {
			c.Counters.RQRowBufferMiss++
		}
	}
	slot.eventCycle = c.cycle + c.dbusReturnTime
	c.activeIdx = best
}

// scheduleBanks implements spec.md §4.2 step 6. The queue entry is removed
// once installed: from this point on the bank slot is the sole authoritative
// record of the in-flight request (it drives completion and, unlike the
// growable Go slice backing rq/wq, is a fixed-size array naturally reused
// once the slot is freed).
func (c *Channel) scheduleBanks() {
	queue := &c.rq
	if c.mode.Load() == ModeWrite {
		queue = &c.wq
	}

	idx := -1
	for i := range *queue {
		if idx < 0 || (*queue)[i].EventCycle < (*queue)[idx].EventCycle {
			idx = i
		}
	}
	if idx < 0 {
		return
	}
	p := (*queue)[idx]
	if p.EventCycle > c.cycle {
		return
	}
	bankIdx := c.geom.BankIndex(p.Address)
	slot := &c.banks[bankIdx]
	if slot.valid {
		return
	}

	row := c.geom.Row(p.Address)
	hit := slot.hasOpenRow && slot.openRow == row
	latency := c.tCAS
	if !hit {
		latency += c.tRP + c.tRCD
	}

	p.Flags.Scheduled = true
	p.EventCycle = packet.NeverCycle

	*slot = bankSlot{
		valid:        true,
		rowBufferHit: hit,
		hasOpenRow:   true,
		openRow:      row,
		row:          row,
		eventCycle:   c.cycle + latency,
		pkt:          p,
	}

	*queue = append((*queue)[:idx], (*queue)[idx+1:]...)
}

// CongestionRate reports the fraction of the last window cycles spent with
// the bus busy when a request was ready to transfer.
func (c *Channel) CongestionRate(window uint64) float64 {
	return c.congestion.Rate(c.cycle, window)
}

// Controller fronts every DRAM channel, routing requests by the address's
// channel field (spec.md §4.2).
type Controller struct {
	channels []*Channel
	geom     Geometry
}

// NewController builds a controller with cfg.Channels channels.
func NewController(cfg config.DRAM, warmup func() bool) *Controller {
	ctrl := &Controller{
		geom: Geometry{
			BlockSize: cfg.BlockSize,
			Channels:  cfg.Channels,
			Banks:     cfg.Banks,
			Columns:   cfg.Columns,
			Ranks:     cfg.Ranks,
			Rows:      cfg.Rows,
		},
	}
	for i := 0; i < cfg.Channels; i++ {
		ctrl.channels = append(ctrl.channels, NewChannel(cfg, warmup))
	}
	return ctrl
}

// Channels exposes the per-channel controllers, e.g. for stats collection.
func (ctrl *Controller) Channels() []*Channel { return ctrl.channels }

// SetCycle propagates the current cycle to every channel.
func (ctrl *Controller) SetCycle(cycle uint64) {
	for _, ch := range ctrl.channels {
		ch.SetCycle(cycle)
	}
}

// Operate runs every channel's per-cycle state machine.
func (ctrl *Controller) Operate() {
	for _, ch := range ctrl.channels {
		ch.Operate()
	}
}

// AddRQ routes a read to its channel.
func (ctrl *Controller) AddRQ(p packet.Packet) bool {
	return ctrl.channels[ctrl.geom.Channel(p.Address)].AddRQ(p)
}

// AddPQ routes a prefetch to its channel.
func (ctrl *Controller) AddPQ(p packet.Packet) bool {
	return ctrl.channels[ctrl.geom.Channel(p.Address)].AddPQ(p)
}

// AddWQ routes a write to its channel.
func (ctrl *Controller) AddWQ(p packet.Packet) bool {
	return ctrl.channels[ctrl.geom.Channel(p.Address)].AddWQ(p)
}

// StatFields implements stats.Fields: every channel's counters, flattened
// and prefixed by channel index (spec.md §6 "Stats output": row-buffer
// hits/misses, queue-full counts, bus-congested cycles and count).
func (ctrl *Controller) StatFields() stats.Snapshot {
	snap := make(stats.Snapshot, len(ctrl.channels)*9)
	for i, ch := range ctrl.channels {
		prefix := fmt.Sprintf("dram.ch%d.", i)
		snap[prefix+"rq_access"] = ch.Counters.RQAccess
		snap[prefix+"rq_full"] = ch.Counters.RQFull
		snap[prefix+"wq_access"] = ch.Counters.WQAccess
		snap[prefix+"wq_full"] = ch.Counters.WQFull
		snap[prefix+"rq_row_buffer_hit"] = ch.Counters.RQRowBufferHit
		snap[prefix+"rq_row_buffer_miss"] = ch.Counters.RQRowBufferMiss
		snap[prefix+"wq_row_buffer_hit"] = ch.Counters.WQRowBufferHit
		snap[prefix+"wq_row_buffer_miss"] = ch.Counters.WQRowBufferMiss
		snap[prefix+"dbus_cycle_congested"] = ch.Counters.DBusCycleCongested
		snap[prefix+"dbus_count_congested"] = ch.Counters.DBusCountCongested
	}
	return snap
}

// Progress returns a monotonically increasing count of completed DRAM
// transfers across every channel, for the deadlock detector.
func (ctrl *Controller) Progress() uint64 {
	var total uint64
	for _, ch := range ctrl.channels {
		total += ch.Counters.RQRowBufferHit + ch.Counters.RQRowBufferMiss + ch.Counters.WQRowBufferHit + ch.Counters.WQRowBufferMiss
	}
	return total
}

// Dump renders every channel's queue occupancy for a deadlock diagnostic.
func (ctrl *Controller) Dump() string {
	s := ""
	for i, ch := range ctrl.channels {
		s += fmt.Sprintf("ch%d: rq=%d wq=%d ", i, len(ch.rq), len(ch.wq))
	}
	return s
}
