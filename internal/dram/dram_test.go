package dram

import (
	"testing"

	"github.com/memsim/memsim/internal/config"
	"github.com/memsim/memsim/internal/packet"
)

func warmedUp() bool { return true }

func sameBankRowAddrs(cfg config.DRAM) (a, b uint64) {
	// offsetBits=6, channelBits=0, bankBits=3, columnBits=10, rankBits=0
	const bank, row = 2, 5
	a = uint64(row)<<19 | uint64(100)<<9 | uint64(bank)<<6
	b = uint64(row)<<19 | uint64(200)<<9 | uint64(bank)<<6
	_ = cfg
	return a, b
}

// TestRowBufferHitAfterReopen exercises scenario 3: a second read to the
// same (bank, row) as a completed first read schedules with only tCAS
// latency, since the row buffer is still open.
func TestRowBufferHitAfterReopen(t *testing.T) {
	cfg := config.Default().DRAM
	ch := NewChannel(cfg, warmedUp)
	addrA, addrB := sameBankRowAddrs(cfg)
	bankIdx := ch.geom.BankIndex(addrA)

	if !ch.AddRQ(packet.Packet{Address: addrA, VAddress: addrA, Type: packet.Load}) {
		t.Fatal("first read should admit")
	}

	const injectAt = 30 // well before addrA's row-miss latency (~120 cycles) elapses
	injected := false

	var (
		scheduledAt uint64
		gotHit      bool
		gotEvent    uint64
		sawSchedule bool
		prevValid   bool
	)

	for i := 0; i < 400 && !sawSchedule; i++ {
		cycle := uint64(i)
		ch.SetCycle(cycle)
		if !injected && i == injectAt {
			if !ch.AddRQ(packet.Packet{Address: addrB, VAddress: addrB, Type: packet.Load}) {
				t.Fatal("second read should admit")
			}
			injected = true
		}
		ch.Operate()

		slot := ch.banks[bankIdx]
		isB := slot.valid && slot.pkt.Address == addrB
		if isB && !prevValid {
			scheduledAt = cycle
			gotHit = slot.rowBufferHit
			gotEvent = slot.eventCycle
			sawSchedule = true
		}
		prevValid = isB
	}

	if !sawSchedule {
		t.Fatal("second read was never scheduled onto the bank")
	}
	if ch.Counters.RQRowBufferMiss != 1 {
		t.Fatalf("expected exactly one row-buffer miss (the first read), got %d", ch.Counters.RQRowBufferMiss)
	}
	if !gotHit {
		t.Fatal("expected second read to hit the still-open row")
	}
	if want := scheduledAt + ch.tCAS; gotEvent != want {
		t.Fatalf("scheduling event_cycle = %d, want current_cycle(%d)+tCAS(%d) = %d", gotEvent, scheduledAt, ch.tCAS, want)
	}
}

// TestModeSwitchHysteresis exercises scenario 4: entering write-mode at the
// high watermark, staying in write-mode through the dead zone between the
// low and high watermarks, and exiting once below the low watermark.
func TestModeSwitchHysteresis(t *testing.T) {
	cfg := config.Default().DRAM
	cfg.WQSize = 64
	cfg.RQSize = 64
	ch := NewChannel(cfg, warmedUp)

	fillWQ(ch, 56)
	ch.SetCycle(0)
	ch.switchMode()
	if ch.mode.Load() != ModeWrite {
		t.Fatalf("expected write-mode at wq_occupancy=56 (HIGH_WM=56), got %s", ch.mode.Load())
	}

	drainWQ(ch, 56-49)
	addRead(ch)
	ch.switchMode()
	if ch.mode.Load() != ModeWrite {
		t.Fatalf("expected to remain in write-mode at wq_occupancy=49 with RQ non-empty, got %s", ch.mode.Load())
	}

	drainWQ(ch, 49-47)
	ch.switchMode()
	if ch.mode.Load() != ModeRead {
		t.Fatalf("expected read-mode at wq_occupancy=47 (LOW_WM=48), got %s", ch.mode.Load())
	}
}

// TestArbitrateBusRecordsCongestionWhileBusActive covers the common case
// where a ready bank can't be promoted because the data bus is already
// mid-transfer for another bank, not just because dbus_cycle_available
// hasn't yet elapsed.
func TestArbitrateBusRecordsCongestionWhileBusActive(t *testing.T) {
	cfg := config.Default().DRAM
	ch := NewChannel(cfg, warmedUp)
	ch.SetCycle(100)

	// Bank 0 is on the bus, mid-transfer, completing 5 cycles from now.
	ch.banks[0] = bankSlot{valid: true, eventCycle: ch.cycle + 5, pkt: packet.Packet{Address: 0x1000}}
	ch.activeIdx = 0

	// Bank 1 finished its row access and is ready to go on the bus right now.
	ch.banks[1] = bankSlot{valid: true, eventCycle: ch.cycle, pkt: packet.Packet{Address: 0x2000}}

	ch.arbitrateBus()

	if ch.Counters.DBusCountCongested != 1 {
		t.Fatalf("DBusCountCongested = %d, want 1", ch.Counters.DBusCountCongested)
	}
	if ch.Counters.DBusCycleCongested != 5 {
		t.Fatalf("DBusCycleCongested = %d, want 5 (active bank's remaining eventCycle-cycle)", ch.Counters.DBusCycleCongested)
	}
	if ch.activeIdx != 0 {
		t.Fatalf("activeIdx = %d, want unchanged 0 (bus still busy)", ch.activeIdx)
	}
}

// TestTurnBusPreservesRowBufferStateWhenNotTCASGated covers the case where a
// non-active bank's eventCycle is still far enough out (>= cycle+tCAS) that
// its open row must survive a mode switch, even though the bank's in-flight
// request is invalidated and requeued unconditionally.
func TestTurnBusPreservesRowBufferStateWhenNotTCASGated(t *testing.T) {
	cfg := config.Default().DRAM
	ch := NewChannel(cfg, warmedUp)
	ch.SetCycle(100)
	ch.activeIdx = -1

	pkt := packet.Packet{Address: 0x1000, VAddress: 0x1000, Type: packet.Load}
	ch.banks[3] = bankSlot{
		valid:      true,
		hasOpenRow: true,
		openRow:    7,
		row:        7,
		eventCycle: ch.cycle + ch.tCAS + 50, // well beyond the tCAS-gated clear
		pkt:        pkt,
	}

	ch.turnBus(ModeRead, ModeWrite)

	slot := ch.banks[3]
	if slot.valid {
		t.Fatal("bank should be invalidated unconditionally on a mode switch")
	}
	if !slot.hasOpenRow || slot.openRow != 7 || slot.row != 7 {
		t.Fatalf("row-buffer state should survive invalidation when eventCycle >= cycle+tCAS, got %+v", slot)
	}
	if len(ch.rq) != 1 || ch.rq[0].Address != 0x1000 {
		t.Fatalf("expected the bank's packet requeued onto rq, got %v", ch.rq)
	}
}

// TestTurnBusClearsOpenRowWhenWithinTCAS covers the complementary case: a
// bank whose eventCycle is within tCAS of the current cycle has its open row
// cleared (it was still precharging/activating, so no row is reliably open).
func TestTurnBusClearsOpenRowWhenWithinTCAS(t *testing.T) {
	cfg := config.Default().DRAM
	ch := NewChannel(cfg, warmedUp)
	ch.SetCycle(100)
	ch.activeIdx = -1

	pkt := packet.Packet{Address: 0x1000, VAddress: 0x1000, Type: packet.Load}
	ch.banks[3] = bankSlot{
		valid:      true,
		hasOpenRow: true,
		openRow:    7,
		row:        7,
		eventCycle: ch.cycle, // within tCAS of now
		pkt:        pkt,
	}

	ch.turnBus(ModeRead, ModeWrite)

	slot := ch.banks[3]
	if slot.valid {
		t.Fatal("bank should be invalidated on a mode switch")
	}
	if slot.hasOpenRow {
		t.Fatal("open row should be cleared when eventCycle < cycle+tCAS")
	}
	if len(ch.rq) != 1 || ch.rq[0].Address != 0x1000 {
		t.Fatalf("expected the bank's packet requeued onto rq, got %v", ch.rq)
	}
}

func fillWQ(ch *Channel, n int) {
	for i := 0; i < n; i++ {
		addr := uint64(i) << 12
		ch.wq = append(ch.wq, packet.Packet{Address: addr, VAddress: addr, Type: packet.RFO, EventCycle: packet.NeverCycle})
	}
}

func drainWQ(ch *Channel, n int) {
	if n > len(ch.wq) {
		n = len(ch.wq)
	}
	ch.wq = ch.wq[n:]
}

func addRead(ch *Channel) {
	ch.rq = append(ch.rq, packet.Packet{Address: 0xabc000, VAddress: 0xabc000, Type: packet.Load, EventCycle: packet.NeverCycle})
}
