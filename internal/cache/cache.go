// Package cache implements one cache level: a set-associative tag array
// sitting behind a queue.Triplet, a bounded MSHR tracking outstanding
// misses, and a fill pipeline that installs returning blocks and evicts
// victims chosen by a pluggable replacement policy. Prefetch generation and
// tag-array bookkeeping are likewise routed through a pluggable callback
// (spec.md §6 "Cache callbacks").
//
// There is no reference CACHE class in original_source/ (cache_queues.cc
// covers only the queue triplet, already adapted into internal/queue); the
// tag array, MSHR, and handle_fill/handle_writeback/handle_read/
// handle_prefetch pipeline here are grounded on spec.md §3's "Cache block"
// / "PTW state" data models and §4.4's fixed operate order, using the same
// MSHR-entry-with-waiters shape internal/ptw already established for its
// own miss tracking.
package cache

import (
	"fmt"
	"sort"

	"github.com/memsim/memsim/internal/bitutil"
	"github.com/memsim/memsim/internal/config"
	"github.com/memsim/memsim/internal/packet"
	"github.com/memsim/memsim/internal/queue"
	"github.com/memsim/memsim/internal/stats"
)

// Block is the external-facing cache line state (spec.md §3 "Cache block").
type Block struct {
	Valid    bool
	Dirty    bool
	Prefetch bool
	Address  uint64
	CPU      uint8

	// PrefetchMeta is opaque state a Prefetcher attaches at fill time and
	// receives back on the next access (spec.md §6 cache_fill/cache_operate
	// "metadata" round-trip).
	PrefetchMeta uint32
}

// Replacement is the pluggable victim-selection callback (spec.md §6).
type Replacement interface {
	Initialize()
	FindVictim(cpu uint8, instrID uint64, set int, setBlocks []Block, ip, addr uint64, accessType packet.AccessType) int
	UpdateReplacementState(cpu uint8, set, way int, addr, ip, victimAddr uint64, accessType packet.AccessType, hit bool, cycle uint64)
	FinalStats()
}

// Prefetcher is the pluggable prefetch-generation callback (spec.md §6).
// CycleOperate is given an issue closure rather than a virtual call back
// into the cache, since Go has no implicit enclosing-object "this": calling
// issue(addr) is prefetcher_cycle_operate's "this->prefetch_line" (which,
// like the original, carries no CPU argument of its own).
type Prefetcher interface {
	Initialize()
	CycleOperate(issue func(addr uint64) bool)
	CacheOperate(addr, ip uint64, hit bool, accessType packet.AccessType, metadata uint32) uint32
	CacheFill(addr uint64, set, way int, prefetch bool, evictedAddr uint64, metadata uint32) uint32
	FinalStats()
}

// Downstream is the next level this cache forwards misses, writebacks, and
// prefetch fetches to (another Cache, a dram.Controller, or in a
// translating cache's case the front door of the next queue.Triplet).
type Downstream interface {
	AddRQ(p packet.Packet) bool
	AddWQ(p packet.Packet) bool
	AddPQ(p packet.Packet) bool
}

// mshrEntry tracks one outstanding miss, possibly merging several waiting
// packets onto the same block address (spec.md §4.1 (3)'s merge discipline,
// reused here for post-queue misses rather than pre-queue duplicates).
type mshrEntry struct {
	address    uint64
	fillLevel  uint8
	cpu        uint8
	instrID    uint64
	ip         uint64
	accessType packet.AccessType
	prefetch   bool
	meta       uint32
	waiters    []packet.Packet
	eventCycle uint64 // packet.NeverCycle until the downstream reply lands
	issueCycle uint64 // cycle the miss was issued downstream, for latency accounting
}

// Counters tallies the hit/miss/eviction events spec.md §6 "Stats output"
// reports for a cache level.
type Counters struct {
	ReadHits, ReadMisses         uint64
	PrefetchHits, PrefetchMisses uint64
	Writebacks                   uint64
	Evictions, DirtyEvictions    uint64
	MSHRFull                     uint64
	MissLatencyCycles            uint64
	MissLatencyCount             uint64
}

// Cache is one cache level.
type Cache struct {
	name string
	cfg  config.Cache

	offsetBits int
	setBits    uint

	blocks []Block

	front      *queue.Triplet
	downstream Downstream
	repl       Replacement
	pf         Prefetcher

	mshr            []mshrEntry
	pendingWriteback []packet.Packet

	cycle uint64

	Counters Counters
}

// New constructs a cache level. translator is non-nil only for a
// translating cache (spec.md §4.1's two queue-triplet variants); repl/pf
// may be nil, in which case victim selection always picks way 0 and no
// prefetches are generated.
func New(name string, cfg config.Cache, qcfg config.Queue, translator queue.Consumer, downstream Downstream, warmupComplete func(cpu uint8) bool, repl Replacement, pf Prefetcher) *Cache {
	front := queue.New(name, queue.Config{
		RQSize:          qcfg.RQSize,
		WQSize:          qcfg.WQSize,
		PQSize:          qcfg.PQSize,
		HitLatency:      uint64(qcfg.HitLatency),
		MatchOffsetBits: qcfg.MatchOffsetBits,
	}, cfg.OffsetBits, translator, warmupComplete)

	c := &Cache{
		name:       name,
		cfg:        cfg,
		offsetBits: cfg.OffsetBits,
		setBits:    uint(bitutil.Lg2(uint64(cfg.Sets))),
		blocks:     make([]Block, cfg.Sets*cfg.Ways),
		front:      front,
		downstream: downstream,
		repl:       repl,
		pf:         pf,
	}
	if repl != nil {
		repl.Initialize()
	}
	if pf != nil {
		pf.Initialize()
	}
	return c
}

// SetCycle updates current_cycle on this cache and its front queue triplet.
func (c *Cache) SetCycle(cycle uint64) {
	c.cycle = cycle
	c.front.SetCycle(cycle)
}

// AddRQ, AddWQ, AddPQ admit a request at this cache's front door,
// delegating directly to its queue triplet (spec.md §4.1 "Admission").
func (c *Cache) AddRQ(p packet.Packet) bool { return c.front.AddRQ(p) }
func (c *Cache) AddWQ(p packet.Packet) bool { return c.front.AddWQ(p) }
func (c *Cache) AddPQ(p packet.Packet) bool { return c.front.AddPQ(p) }

func blockAddr(addr uint64, offsetBits int) uint64 {
	return addr &^ bitutil.Bitmask(offsetBits)
}

func (c *Cache) setIndex(addr uint64) int {
	return int((addr >> uint(c.offsetBits)) & bitutil.Bitmask(int(c.setBits)))
}

func (c *Cache) findWay(set int, addr uint64) int {
	base := set * c.cfg.Ways
	for w := 0; w < c.cfg.Ways; w++ {
		if c.blocks[base+w].Valid && c.blocks[base+w].Address == addr {
			return w
		}
	}
	return -1
}

func (c *Cache) findFreeWay(set int) int {
	base := set * c.cfg.Ways
	for w := 0; w < c.cfg.Ways; w++ {
		if !c.blocks[base+w].Valid {
			return w
		}
	}
	return -1
}

// installBlock places addr into set, evicting a victim if every way is
// occupied (spec.md §6 find_victim/update_replacement_state/cache_fill). The
// caller must already know addr is not resident in set.
func (c *Cache) installBlock(set int, addr uint64, cpu uint8, instrID uint64, ip uint64, accessType packet.AccessType, dirty, prefetch bool, meta uint32, fillLevel uint8) int {
	base := set * c.cfg.Ways
	way := c.findFreeWay(set)
	if way < 0 {
		way = 0
		if c.repl != nil {
			if v := c.repl.FindVictim(cpu, instrID, set, c.blocks[base:base+c.cfg.Ways], ip, addr, accessType); v >= 0 && v < c.cfg.Ways {
				way = v
			}
		}
	}

	blk := &c.blocks[base+way]
	var victimAddr uint64
	if blk.Valid {
		victimAddr = blk.Address
		c.Counters.Evictions++
		if blk.Dirty {
			c.Counters.DirtyEvictions++
			wb := packet.Packet{Address: blk.Address, VAddress: blk.Address, Type: packet.Writeback, CPU: blk.CPU, FillLevel: fillLevel}
			if !c.downstream.AddWQ(wb) {
				c.pendingWriteback = append(c.pendingWriteback, wb)
			}
		}
	}

	fillMeta := meta
	if c.pf != nil {
		fillMeta = c.pf.CacheFill(addr, set, way, prefetch, victimAddr, meta)
	}
	*blk = Block{Valid: true, Dirty: dirty, Prefetch: prefetch, Address: addr, CPU: cpu, PrefetchMeta: fillMeta}
	if c.repl != nil {
		c.repl.UpdateReplacementState(cpu, set, way, addr, ip, victimAddr, accessType, false, c.cycle)
	}
	return way
}

// allocateMiss records a miss against the MSHR, merging onto an existing
// entry for the same block if one exists (spec.md §4.1 (3)'s merge
// discipline, reused here for post-tag-check misses), else issuing a new
// downstream read/prefetch. Returns false if the caller should retry next
// cycle (MSHR full or downstream rejected) without consuming the packet.
func (c *Cache) allocateMiss(p packet.Packet, prefetch bool) bool {
	addr := blockAddr(p.Address, c.offsetBits)
	for i := range c.mshr {
		if c.mshr[i].address == addr {
			c.mshr[i].waiters = append(c.mshr[i].waiters, p)
			return true
		}
	}
	if len(c.mshr) >= c.cfg.MSHRSize {
		c.Counters.MSHRFull++
		return false
	}

	fwd := p.Clone()
	fwd.Address = addr
	fwd.ToReturn = []packet.Sink{c}

	var ok bool
	if prefetch {
		ok = c.downstream.AddPQ(fwd)
	} else {
		ok = c.downstream.AddRQ(fwd)
	}
	if !ok {
		return false
	}

	c.mshr = append(c.mshr, mshrEntry{
		address:    addr,
		fillLevel:  p.FillLevel,
		cpu:        p.CPU,
		instrID:    p.InstrID,
		ip:         p.IP,
		accessType: p.Type,
		prefetch:   prefetch,
		waiters:    []packet.Packet{p},
		eventCycle: packet.NeverCycle,
		issueCycle: c.cycle,
	})
	return true
}

// ReturnData implements packet.Sink: the downstream reply for an
// outstanding miss has arrived. Schedules the fill after FillLatency rather
// than installing immediately, mirroring how internal/ptw schedules its own
// fills off ReturnData.
func (c *Cache) ReturnData(p *packet.Packet) {
	addr := blockAddr(p.Address, c.offsetBits)
	for i := range c.mshr {
		e := &c.mshr[i]
		if e.address == addr && e.eventCycle == packet.NeverCycle {
			e.eventCycle = c.cycle + uint64(c.cfg.FillLatency)
			return
		}
	}
}

// Operate runs one cycle in spec.md §4.4's fixed cache order: handle_fill →
// handle_writeback → handle_read → handle_prefetch → queues.operate().
func (c *Cache) Operate() {
	c.handleFill()
	c.handleWriteback()
	c.handleRead()
	c.handlePrefetch()
	c.front.Operate()
}

func (c *Cache) handleFill() {
	sort.Slice(c.mshr, func(i, j int) bool { return c.mshr[i].eventCycle < c.mshr[j].eventCycle })

	processed := 0
	i := 0
	for i < len(c.mshr) && processed < c.cfg.MaxFillPerCycle {
		e := c.mshr[i]
		if e.eventCycle == packet.NeverCycle || e.eventCycle > c.cycle {
			i++
			continue
		}
		c.mshr = append(c.mshr[:i], c.mshr[i+1:]...)
		c.completeFill(e)
		processed++
	}
}

func (c *Cache) completeFill(e mshrEntry) {
	set := c.setIndex(e.address)
	if c.findWay(set, e.address) < 0 {
		c.installBlock(set, e.address, e.cpu, e.instrID, e.ip, e.accessType, false, e.prefetch, e.meta, e.fillLevel)
	}
	c.Counters.MissLatencyCycles += c.cycle - e.issueCycle
	c.Counters.MissLatencyCount++
	for _, w := range e.waiters {
		final := w
		for _, s := range final.ToReturn {
			s.ReturnData(&final)
		}
	}
}

func (c *Cache) retryPendingWriteback() {
	next := c.pendingWriteback[:0]
	for _, wb := range c.pendingWriteback {
		if !c.downstream.AddWQ(wb) {
			next = append(next, wb)
		}
	}
	c.pendingWriteback = next
}

func (c *Cache) handleWriteback() {
	c.retryPendingWriteback()

	processed := 0
	for processed < c.cfg.MaxWritePerCycle && c.front.WQHasReady() {
		p, _ := c.front.WQFront()
		addr := blockAddr(p.Address, c.offsetBits)
		set := c.setIndex(addr)
		if way := c.findWay(set, addr); way >= 0 {
			blk := &c.blocks[set*c.cfg.Ways+way]
			blk.Dirty = true
			if c.repl != nil {
				c.repl.UpdateReplacementState(p.CPU, set, way, addr, p.IP, 0, p.Type, true, c.cycle)
			}
		} else {
			c.installBlock(set, addr, p.CPU, p.InstrID, p.IP, p.Type, true, false, 0, p.FillLevel)
		}
		final := *p
		for _, s := range final.ToReturn {
			s.ReturnData(&final)
		}
		c.front.PopWQFront()
		c.Counters.Writebacks++
		processed++
	}
}

func (c *Cache) handleRead() {
	processed := 0
	for processed < c.cfg.MaxReadPerCycle && c.front.RQHasReady() {
		p, _ := c.front.RQFront()
		addr := blockAddr(p.Address, c.offsetBits)
		set := c.setIndex(addr)
		if way := c.findWay(set, addr); way >= 0 {
			c.Counters.ReadHits++
			blk := &c.blocks[set*c.cfg.Ways+way]
			if c.pf != nil {
				blk.PrefetchMeta = c.pf.CacheOperate(addr, p.IP, true, p.Type, blk.PrefetchMeta)
			}
			if c.repl != nil {
				c.repl.UpdateReplacementState(p.CPU, set, way, addr, p.IP, 0, p.Type, true, c.cycle)
			}
			blk.Prefetch = false
			final := *p
			for _, s := range final.ToReturn {
				s.ReturnData(&final)
			}
			c.front.PopRQFront()
			processed++
			continue
		}
		c.Counters.ReadMisses++
		if !c.allocateMiss(*p, false) {
			break
		}
		c.front.PopRQFront()
		processed++
	}
}

func (c *Cache) handlePrefetch() {
	if c.pf != nil {
		c.pf.CycleOperate(func(addr uint64) bool {
			return c.front.AddPQ(packet.Packet{Address: addr, VAddress: addr, Type: packet.Prefetch})
		})
	}

	processed := 0
	for processed < c.cfg.MaxPrefetchPerCycle && c.front.PQHasReady() {
		p, _ := c.front.PQFront()
		addr := blockAddr(p.Address, c.offsetBits)
		set := c.setIndex(addr)
		if way := c.findWay(set, addr); way >= 0 {
			c.Counters.PrefetchHits++
			blk := &c.blocks[set*c.cfg.Ways+way]
			if c.pf != nil {
				blk.PrefetchMeta = c.pf.CacheOperate(addr, p.IP, true, p.Type, blk.PrefetchMeta)
			}
			final := *p
			for _, s := range final.ToReturn {
				s.ReturnData(&final)
			}
			c.front.PopPQFront()
			processed++
			continue
		}
		c.Counters.PrefetchMisses++
		if !c.allocateMiss(*p, true) {
			break
		}
		c.front.PopPQFront()
		processed++
	}
}

// Occupancy and Size report MSHR/RQ/WQ/PQ depth for spec.md §6's
// get_occupancy/get_size contract (kind 0 = MSHR is handled here; 1-3
// delegate to the front queue triplet).
func (c *Cache) Occupancy(kind queue.Kind) int {
	if kind == queue.KindMSHR {
		return len(c.mshr)
	}
	return c.front.Occupancy(kind)
}

func (c *Cache) Size(kind queue.Kind) int {
	if kind == queue.KindMSHR {
		return c.cfg.MSHRSize
	}
	return c.front.Size(kind)
}

// Name returns the label this cache was constructed with (e.g. "L1D",
// "LLC"), used to tag stats snapshots.
func (c *Cache) Name() string { return c.name }

// QueueCounters returns the front queue triplet's counters, so a stats
// snapshot can report queue-full/merge/forward counts alongside this
// cache's own hit/miss counters.
func (c *Cache) QueueCounters() queue.Counters { return c.front.Counters }

// StatFields implements stats.Fields: every counter this cache and its
// front queue triplet track, flattened and prefixed with this cache's
// name (spec.md §6 "Stats output").
func (c *Cache) StatFields() stats.Snapshot {
	qc := c.front.Counters
	var avgMissLatency uint64
	if c.Counters.MissLatencyCount > 0 {
		avgMissLatency = c.Counters.MissLatencyCycles / c.Counters.MissLatencyCount
	}
	return stats.Snapshot{
		c.name + ".read_hits":            c.Counters.ReadHits,
		c.name + ".read_misses":          c.Counters.ReadMisses,
		c.name + ".prefetch_hits":        c.Counters.PrefetchHits,
		c.name + ".prefetch_misses":      c.Counters.PrefetchMisses,
		c.name + ".writebacks":           c.Counters.Writebacks,
		c.name + ".evictions":            c.Counters.Evictions,
		c.name + ".dirty_evictions":      c.Counters.DirtyEvictions,
		c.name + ".mshr_full":            c.Counters.MSHRFull,
		c.name + ".avg_miss_latency":     avgMissLatency,
		c.name + ".rq_access":            qc.RQAccess,
		c.name + ".rq_full":              qc.RQFull,
		c.name + ".rq_merged":            qc.RQMerged,
		c.name + ".wq_access":            qc.WQAccess,
		c.name + ".wq_full":              qc.WQFull,
		c.name + ".wq_merged":            qc.WQMerged,
		c.name + ".wq_forward":           qc.WQForward,
	}
}

// Progress returns a monotonically increasing count of completed accesses,
// for the deadlock detector's forward-progress check.
func (c *Cache) Progress() uint64 {
	return c.Counters.ReadHits + c.Counters.ReadMisses + c.Counters.PrefetchHits + c.Counters.PrefetchMisses + c.Counters.Writebacks
}

// Dump renders this cache's in-flight occupancy for a deadlock diagnostic.
func (c *Cache) Dump() string {
	return fmt.Sprintf("%s: mshr=%d/%d rq=%d wq=%d pq=%d", c.name,
		len(c.mshr), c.cfg.MSHRSize,
		c.front.Occupancy(queue.KindRQ), c.front.Occupancy(queue.KindWQ), c.front.Occupancy(queue.KindPQ))
}

