// Package clock implements the global scheduler: a fixed-order, per-tick
// fan-out over frequency-scaled Operable components (spec.md §4.4). Grounded
// on eventloop.Loop.tick()'s ordered phase fan-out (runTimers,
// processInternalQueue, processExternal, drainMicrotasks, poll,
// registry.Scavenge), stripped of its concurrency, I/O polling, and
// cancellation machinery: this scheduler is single-threaded, has no
// goroutines, and every component's operate() runs to completion before the
// next one starts.
package clock

// Operable is anything the scheduler can advance by one local cycle. Every
// simulator component (queue.Triplet, cache.Cache, dram.Controller,
// ptw.Walker) implements it.
type Operable interface {
	Operate()
}

// Cycler additionally accepts the component's own advancing cycle count, so
// its internal event_cycle bookkeeping stays in step with how far the
// scheduler has actually advanced it (distinct from the global cycle when
// frequency scaling is in effect).
type Cycler interface {
	Operable
	SetCycle(cycle uint64)
}

// component is one registered Operable, tracked with its own fractional
// phase accumulator so components running faster or slower than the global
// rate still advance deterministically (spec.md: "Frequency scaling is
// local_rate = global_rate / freq_scale; fractional advances accumulate").
type component struct {
	name       string
	op         Operable
	rate       float64 // local_rate = global_rate / freq_scale, in local cycles per global tick
	phase      float64 // accumulated fractional local cycles not yet consumed
	localCycle uint64
}

// Clock is the global scheduler: an ordered list of components, each
// advanced in registration order every global tick. Registration order is
// the "fixed deterministic order set at initialization" the ordering
// guarantees in spec.md §4.4 depend on.
type Clock struct {
	components []*component
	cycle      uint64
}

// New constructs an empty global scheduler.
func New() *Clock {
	return &Clock{}
}

// Register adds a component that advances once per global tick (freqScale
// of 1): its local_rate equals the global rate.
func (c *Clock) Register(name string, op Operable) {
	c.RegisterScaled(name, op, 1)
}

// RegisterScaled adds a component whose local clock runs at global_rate /
// freqScale. A freqScale of 1 advances in lockstep with the global tick; a
// freqScale greater than 1 advances less than once per tick (its phase
// accumulates across several global ticks before crossing 1); a freqScale
// between 0 and 1 advances more than once per tick.
func (c *Clock) RegisterScaled(name string, op Operable, freqScale float64) {
	if freqScale <= 0 {
		freqScale = 1
	}
	c.components = append(c.components, &component{name: name, op: op, rate: 1 / freqScale})
}

// Cycle returns the number of global ticks advanced so far.
func (c *Clock) Cycle() uint64 { return c.cycle }

// LocalCycle returns the named component's own advancing cycle count, or 0
// if no component was registered under that name.
func (c *Clock) LocalCycle(name string) uint64 {
	for _, comp := range c.components {
		if comp.name == name {
			return comp.localCycle
		}
	}
	return 0
}

// Tick advances the global clock by one: every component whose accumulated
// phase reaches at least 1 runs Operate() (possibly more than once, for a
// component running faster than the global rate), with its local cycle
// count advanced by one per run and pushed via SetCycle when the component
// implements Cycler. Component order within a tick is the fixed
// registration order (spec.md §4.4: "components execute in a fixed
// deterministic order set at initialization").
func (c *Clock) Tick() {
	c.cycle++
	for _, comp := range c.components {
		comp.phase += comp.rate
		for comp.phase >= 1 {
			comp.phase--
			comp.localCycle++
			if cy, ok := comp.op.(Cycler); ok {
				cy.SetCycle(comp.localCycle)
			}
			comp.op.Operate()
		}
	}
}

// Run advances the global clock by n ticks.
func (c *Clock) Run(n uint64) {
	for i := uint64(0); i < n; i++ {
		c.Tick()
	}
}

// RunUntil advances the global clock one tick at a time until done reports
// true, or maxCycles global ticks have elapsed (guards against a stalled
// simulation spinning forever; spec.md's deadlock detector is the
// diagnostic layer this backstops — see internal/stats).
func (c *Clock) RunUntil(maxCycles uint64, done func() bool) (ran uint64) {
	for ran = 0; ran < maxCycles; ran++ {
		if done() {
			return ran
		}
		c.Tick()
	}
	return ran
}
