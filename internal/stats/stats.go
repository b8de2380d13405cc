// Package stats implements phase/ROI stat snapshots and a deadlock
// detector. Snapshot/phase bookkeeping is grounded on
// original_source/src/dram_controller.cc's `MEMORY_CONTROLLER::begin_phase`
// / `end_phase` / `print_phase_stats` (warmup-phase stats are recorded,
// then overwritten by a fresh region-of-interest phase once warmup ends).
// The deadlock detector's batched, cursor-driven sweep is grounded on
// eventloop/registry.go's `Scavenge(batchSize int)`: rather than rescanning
// every tracked entry on every call, a ring cursor advances through a
// bounded batch per call, amortizing the check's cost across many cycles.
// Logs through internal/memlog.
package stats

import "github.com/memsim/memsim/internal/memlog"

// Source is one component tracked for progress and phase reporting: a name,
// a snapshot function returning a monotonically increasing count of
// completed operations (e.g. a cache's hits+misses, a DRAM channel's
// scheduled requests, a PTW's completed fills), and an optional dump of its
// current in-flight state for deadlock diagnostics.
type Source struct {
	Name     string
	Progress func() uint64
	Dump     func() string
}

// Snapshot is one phase's worth of named counter readings, keyed by the
// caller-supplied label (e.g. "L1D.read_hits", "dram.ch0.rq_row_buffer_hit").
// Fields() supplies the readings; Recorder copies them at BeginPhase/
// EndPhase boundaries the way MEMORY_CONTROLLER::begin_phase snapshots
// sim_stats and end_phase appends it to roi_stats.
type Snapshot map[string]uint64

// Fields is anything a Recorder can snapshot: the caches and the DRAM
// controller implement this by reading their counters out into a flat map
// of labeled values. The PTW's StatFields takes a label and so does not.
type Fields interface {
	StatFields() Snapshot
}

// Recorder accumulates per-phase snapshots from a fixed set of Fields
// sources, mirroring begin_phase/end_phase/print_phase_stats: warmup-phase
// readings are recorded and then superseded once the region of interest
// begins.
type Recorder struct {
	sources []Fields
	phases  []Snapshot // one entry per BeginPhase call, most recent last
	roi     []Snapshot // phases promoted via EndPhase (region-of-interest history)
	log     *memlog.Logger
}

// NewRecorder constructs a Recorder over the given sources. A nil log
// discards all phase-report output.
func NewRecorder(log *memlog.Logger, sources ...Fields) *Recorder {
	if log == nil {
		log = memlog.Discard()
	}
	return &Recorder{sources: sources, log: log}
}

// AddSource registers an additional Fields source, for components (like a
// per-CPU cache) constructed after the Recorder itself.
func (r *Recorder) AddSource(f Fields) {
	r.sources = append(r.sources, f)
}

// BeginPhase opens a new phase, snapshotting every source's current
// counters (MEMORY_CONTROLLER::begin_phase: "for each channel, emplace a
// fresh sim_stats entry").
func (r *Recorder) BeginPhase() {
	r.phases = append(r.phases, r.snapshot())
}

// EndPhase closes the current phase, refreshing its snapshot with every
// source's current counters before promoting it into the region-of-interest
// history (MEMORY_CONTROLLER::end_phase: "push the current sim_stats entry
// onto roi_stats" — that entry has accumulated all of the phase's counters
// by the time end_phase runs, which here means re-reading the sources
// rather than reusing the baseline BeginPhase captured).
func (r *Recorder) EndPhase() {
	if len(r.phases) == 0 {
		return
	}
	r.phases[len(r.phases)-1] = r.snapshot()
	r.roi = append(r.roi, r.phases[len(r.phases)-1])
}

func (r *Recorder) snapshot() Snapshot {
	merged := make(Snapshot)
	for _, s := range r.sources {
		for k, v := range s.StatFields() {
			merged[k] = v
		}
	}
	return merged
}

// CurrentPhase returns the most recently begun phase's snapshot, or nil if
// no phase has started.
func (r *Recorder) CurrentPhase() Snapshot {
	if len(r.phases) == 0 {
		return nil
	}
	return r.phases[len(r.phases)-1]
}

// ROI returns the promoted region-of-interest phase snapshots in order.
func (r *Recorder) ROI() []Snapshot {
	return r.roi
}

// LogPhase emits the most recent phase's snapshot as a structured log
// event, the equivalent of MEMORY_CONTROLLER::print_phase_stats's
// console dump.
func (r *Recorder) LogPhase(label string) {
	snap := r.CurrentPhase()
	ev := r.log.Info().Field("phase", label)
	for k, v := range snap {
		ev = ev.Field(k, v)
	}
	ev.Log("phase stats")
}

// DeadlockDetector periodically samples every registered Source's progress
// counter and reports a stall once a full sweep shows no change from the
// previous sweep, repeated for threshold consecutive sweeps.
type DeadlockDetector struct {
	sources   []Source
	batch     int
	threshold int
	log       *memlog.Logger

	cursor    int
	sweepSum  uint64
	lastSweep uint64
	primed    bool
	stalls    int
}

// NewDeadlockDetector constructs a detector scanning at most batch sources
// per Check call, reporting once threshold consecutive full sweeps see no
// aggregate progress. A nil log discards diagnostic output; non-positive
// batch/threshold fall back to 8 and 1 respectively.
func NewDeadlockDetector(log *memlog.Logger, batch, threshold int) *DeadlockDetector {
	if batch <= 0 {
		batch = 8
	}
	if threshold <= 0 {
		threshold = 1
	}
	if log == nil {
		log = memlog.Discard()
	}
	return &DeadlockDetector{batch: batch, threshold: threshold, log: log}
}

// Register adds a component to the sweep.
func (d *DeadlockDetector) Register(s Source) {
	d.sources = append(d.sources, s)
}

// Check advances the sweep cursor by one batch. Call it once per global
// clock tick. When a full rotation across every registered source
// completes, the aggregate progress is compared against the previous
// rotation's (the very first rotation only primes that baseline — zero
// total progress on a cold simulator isn't yet a stall); threshold stalled
// rotations in a row trigger a diagnostic dump through the logger and
// reset the stall count (so a persisting stall keeps being reported
// rather than only once).
func (d *DeadlockDetector) Check(cycle uint64) {
	if len(d.sources) == 0 {
		return
	}
	end := d.cursor + d.batch
	if end > len(d.sources) {
		end = len(d.sources)
	}
	for _, s := range d.sources[d.cursor:end] {
		d.sweepSum += s.Progress()
	}
	d.cursor = end
	if d.cursor < len(d.sources) {
		return
	}

	d.cursor = 0
	if d.primed {
		if d.sweepSum == d.lastSweep {
			d.stalls++
		} else {
			d.stalls = 0
		}
	}
	d.primed = true
	d.lastSweep = d.sweepSum
	d.sweepSum = 0

	if d.stalls >= d.threshold {
		d.dump(cycle)
		d.stalls = 0
	}
}

func (d *DeadlockDetector) dump(cycle uint64) {
	ev := d.log.Warning().Field("cycle", cycle)
	for _, s := range d.sources {
		if s.Dump == nil {
			continue
		}
		ev = ev.Field(s.Name, s.Dump())
	}
	ev.Log("no forward progress detected")
}
