package stats

import "testing"

type fakeFields struct {
	snap Snapshot
}

func (f fakeFields) StatFields() Snapshot { return f.snap }

func TestRecorderBeginEndPhase(t *testing.T) {
	src := fakeFields{snap: Snapshot{"cache.read_hits": 10}}
	r := NewRecorder(nil, src)

	r.BeginPhase()
	if got := r.CurrentPhase()["cache.read_hits"]; got != 10 {
		t.Fatalf("CurrentPhase = %d, want 10", got)
	}
	r.EndPhase()

	src.snap["cache.read_hits"] = 20
	r.BeginPhase()
	if got := r.CurrentPhase()["cache.read_hits"]; got != 20 {
		t.Fatalf("CurrentPhase after second BeginPhase = %d, want 20", got)
	}
	r.EndPhase()

	roi := r.ROI()
	if len(roi) != 2 {
		t.Fatalf("len(ROI()) = %d, want 2", len(roi))
	}
	if roi[0]["cache.read_hits"] != 10 || roi[1]["cache.read_hits"] != 20 {
		t.Fatalf("ROI snapshots = %v, want [10 20]", roi)
	}
}

func TestEndPhaseReflectsCountersAccumulatedAfterBeginPhase(t *testing.T) {
	src := fakeFields{snap: Snapshot{"cache.read_hits": 0}}
	r := NewRecorder(nil, src)

	r.BeginPhase()
	// Counters accumulate after the phase opens, as they would while a
	// simulation runs between BeginPhase and EndPhase.
	src.snap["cache.read_hits"] = 42
	r.EndPhase()

	if got := r.CurrentPhase()["cache.read_hits"]; got != 42 {
		t.Fatalf("CurrentPhase() after EndPhase = %d, want 42 (live counters, not the BeginPhase baseline)", got)
	}
	roi := r.ROI()
	if len(roi) != 1 || roi[0]["cache.read_hits"] != 42 {
		t.Fatalf("ROI() = %v, want a single phase with cache.read_hits=42", roi)
	}
}

func TestDeadlockDetectorFlagsStall(t *testing.T) {
	progress := uint64(0)
	fired := 0
	d := NewDeadlockDetector(nil, 2, 2)
	d.Register(Source{Name: "a", Progress: func() uint64 { return progress }})
	d.Register(Source{Name: "b", Progress: func() uint64 { return 0 }})

	// First sweep establishes the baseline; no stall yet possible.
	d.Check(1)
	if d.stalls != 0 {
		t.Fatalf("stalls after first sweep = %d, want 0", d.stalls)
	}

	// Two more stalled sweeps (progress never advances) should cross the
	// threshold of 2 and fire.
	_ = fired
	d.Check(2)
	if d.stalls != 1 {
		t.Fatalf("stalls after second stalled sweep = %d, want 1", d.stalls)
	}
	d.Check(3)
	// Crossing threshold resets the counter.
	if d.stalls != 0 {
		t.Fatalf("stalls after reaching threshold = %d, want reset to 0", d.stalls)
	}
}

func TestDeadlockDetectorResetsOnProgress(t *testing.T) {
	progress := uint64(0)
	d := NewDeadlockDetector(nil, 1, 3)
	d.Register(Source{Name: "a", Progress: func() uint64 { return progress }})

	d.Check(1) // baseline
	d.Check(2) // stall 1
	progress = 5
	d.Check(3) // progress advanced: stall count resets
	if d.stalls != 0 {
		t.Fatalf("stalls = %d, want 0 after progress advanced", d.stalls)
	}
}

func TestDeadlockDetectorBatchesAcrossCalls(t *testing.T) {
	calls := 0
	d := NewDeadlockDetector(nil, 1, 1)
	d.Register(Source{Name: "a", Progress: func() uint64 { calls++; return 0 }})
	d.Register(Source{Name: "b", Progress: func() uint64 { calls++; return 0 }})

	d.Check(1)
	if calls != 1 {
		t.Fatalf("calls after first Check = %d, want 1 (batch size 1)", calls)
	}
	d.Check(2)
	if calls != 2 {
		t.Fatalf("calls after second Check = %d, want 2", calls)
	}
}
