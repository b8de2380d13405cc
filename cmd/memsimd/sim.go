package main

import (
	"strconv"

	"github.com/memsim/memsim/internal/cache"
	"github.com/memsim/memsim/internal/clock"
	"github.com/memsim/memsim/internal/config"
	"github.com/memsim/memsim/internal/dram"
	"github.com/memsim/memsim/internal/memlog"
	"github.com/memsim/memsim/internal/policy/lru"
	"github.com/memsim/memsim/internal/policy/stride"
	"github.com/memsim/memsim/internal/ptw"
	"github.com/memsim/memsim/internal/stats"
	"github.com/memsim/memsim/internal/trace"
	"github.com/memsim/memsim/internal/vmem"
)

// cpu is one simulated core's private hierarchy: its own L1/L2, a PTW, and
// the front-end driver feeding it instructions. The LLC and DRAM controller
// are shared across every cpu (spec.md §2's data flow: "L2 queues -> LLC ->
// DRAM channel", LLC being the last private-to-shared hinge).
type cpu struct {
	id  uint8
	l1  *cache.Cache
	l2  *cache.Cache
	ptw *ptw.Walker
	fe  *frontend
}

// Simulator wires one LLC, one DRAM controller, and a configurable number
// of per-CPU private hierarchies (L1, L2, PTW) behind a single clocked
// orchestrator (spec.md §4.4), with phase/ROI stats recording and a
// deadlock detector layered on top.
type Simulator struct {
	cfg  config.Config
	clk  *clock.Clock
	llc  *cache.Cache
	dram *dram.Controller
	cpus []*cpu
	rec  *stats.Recorder
	dead *stats.DeadlockDetector
	log  *memlog.Logger
	cr3  map[uint8]uint64
}

// New builds a Simulator for nCPUs cores sharing one LLC and DRAM
// controller, logging through log (nil discards output).
func New(cfg config.Config, nCPUs int, log *memlog.Logger) *Simulator {
	if log == nil {
		log = memlog.Discard()
	}

	clk := clock.New()
	dramCtrl := dram.NewController(cfg.DRAM, func() bool { return true })
	// DRAM runs on its own clock domain at IOFreqMHz, distinct from the core/
	// cache domain's GlobalRateMHz (original_source/inc/dram_controller.h's
	// MEMORY_CONTROLLER is constructed with its own freq_scale, separate from
	// io_freq).
	dramFreqScale := float64(cfg.Clock.GlobalRateMHz) / float64(cfg.DRAM.IOFreqMHz)
	clk.RegisterScaled("dram", dramCtrl, dramFreqScale)

	llc := cache.New("LLC", cfg.Hierarchy.LLCCache, cfg.Hierarchy.LLCQueue, nil, dramCtrl, alwaysWarm,
		lru.New(cfg.Hierarchy.LLCCache.Sets, cfg.Hierarchy.LLCCache.Ways), nil)
	clk.Register("LLC", llc)

	sim := &Simulator{
		cfg:  cfg,
		clk:  clk,
		llc:  llc,
		dram: dramCtrl,
		log:  log,
		cr3:  make(map[uint8]uint64, nCPUs),
		rec:  stats.NewRecorder(log, llc, dramCtrl),
		dead: stats.NewDeadlockDetector(log, 4, 10000),
	}
	sim.dead.Register(stats.Source{Name: "LLC", Progress: llc.Progress, Dump: llc.Dump})
	sim.dead.Register(stats.Source{Name: "DRAM", Progress: dramCtrl.Progress, Dump: dramCtrl.Dump})

	for i := 0; i < nCPUs; i++ {
		sim.addCPU(uint8(i))
	}
	return sim
}

func alwaysWarm(uint8) bool { return true }

func (s *Simulator) addCPU(id uint8) {
	s.cr3[id] = uint64(id)*0x1000000 + 0xC0000000

	vm := vmem.Model{
		Levels:    s.cfg.PTW.Levels,
		IndexBits: s.cfg.PTW.IndexBits,
		PTEBytes:  s.cfg.PTW.PTEBytes,
	}

	walker := ptw.New(s.cfg.PTW, vm, s.llc, func(cpu uint8) uint64 { return s.cr3[cpu] })
	s.clk.Register(statsLabel(id, "ptw"), walker)

	l2 := cache.New(statsLabel(id, "L2"), s.cfg.Hierarchy.L2Cache, s.cfg.Hierarchy.L2Queue, nil, s.llc, alwaysWarm,
		lru.New(s.cfg.Hierarchy.L2Cache.Sets, s.cfg.Hierarchy.L2Cache.Ways), nil)
	s.clk.Register(statsLabel(id, "L2"), l2)

	l1 := cache.New(statsLabel(id, "L1D"), s.cfg.Hierarchy.L1Cache, s.cfg.Hierarchy.L1Queue, walker, l2, alwaysWarm,
		lru.New(s.cfg.Hierarchy.L1Cache.Sets, s.cfg.Hierarchy.L1Cache.Ways),
		stride.New(s.cfg.Hierarchy.L1Cache.OffsetBits, vmem.PageOffsetBits))
	s.clk.Register(statsLabel(id, "L1D"), l1)

	c := &cpu{id: id, l1: l1, l2: l2, ptw: walker}
	s.cpus = append(s.cpus, c)

	s.rec.AddSource(l1)
	s.rec.AddSource(l2)
	s.dead.Register(stats.Source{Name: statsLabel(id, "L1D"), Progress: l1.Progress, Dump: l1.Dump})
	s.dead.Register(stats.Source{Name: statsLabel(id, "L2"), Progress: l2.Progress, Dump: l2.Dump})
	s.dead.Register(stats.Source{Name: statsLabel(id, "ptw"), Progress: walker.Progress, Dump: func() string { return walker.Dump(statsLabel(id, "ptw")) }})
}

func statsLabel(id uint8, name string) string {
	return name + "#" + strconv.Itoa(int(id))
}

// Attach wires a trace reader as cpu id's front-end. Must be called before
// Run.
func (s *Simulator) Attach(id uint8, r trace.Reader) {
	for _, c := range s.cpus {
		if c.id == id {
			c.fe = newFrontend(id, r, c.l1)
			s.clk.Register(statsLabel(id, "frontend"), c.fe)
			return
		}
	}
}

// Run advances the clock until every attached front-end has drained (its
// trace reached EOF and every in-flight packet completed), or maxCycles
// elapses first (spec.md §8: "Trace EOF -> graceful simulator shutdown:
// drain in-flight packets up to a cycle budget, then emit final stats").
// It returns the number of cycles actually run.
func (s *Simulator) Run(maxCycles uint64) uint64 {
	s.rec.BeginPhase()
	var ran uint64
	for ran = 0; ran < maxCycles; ran++ {
		if s.allDrained() {
			break
		}
		s.clk.Tick()
		s.dead.Check(s.clk.Cycle())
	}
	s.rec.EndPhase()
	return ran
}

func (s *Simulator) allDrained() bool {
	for _, c := range s.cpus {
		if c.fe == nil || !c.fe.Drained() {
			return false
		}
	}
	return true
}

// Snapshot returns the final phase's recorded stat fields.
func (s *Simulator) Snapshot() stats.Snapshot {
	return s.rec.CurrentPhase()
}
