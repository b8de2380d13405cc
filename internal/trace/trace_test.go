package trace

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

func encodeStandard(t *testing.T, buf *bytes.Buffer, rec wireRecord) {
	t.Helper()
	if err := binary.Write(buf, binary.LittleEndian, rec); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

func encodeCloudsuite(t *testing.T, buf *bytes.Buffer, rec cloudsuiteRecord) {
	t.Helper()
	if err := binary.Write(buf, binary.LittleEndian, rec); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

func TestStandardReaderDecodesRecords(t *testing.T) {
	var buf bytes.Buffer
	encodeStandard(t, &buf, wireRecord{
		IP:                   0x400000,
		IsBranch:             1,
		BranchTaken:          1,
		SourceRegisters:      [NumInstrSources]uint8{1, 2, 0, 0},
		DestinationRegisters: [NumInstrDestinations]uint8{3, 0},
		SourceMemory:         [NumInstrSources]uint64{0xdeadbeef, 0, 0, 0},
	})
	encodeStandard(t, &buf, wireRecord{IP: 0x400004})

	r := NewStandardReader(&buf)

	first, err := r.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first.IP != 0x400000 || !first.IsBranch || !first.BranchTaken {
		t.Fatalf("first = %+v", first)
	}
	if first.SourceRegisters[0] != 1 || first.SourceRegisters[1] != 2 {
		t.Fatalf("source registers = %v", first.SourceRegisters)
	}
	if first.SourceMemory[0] != 0xdeadbeef {
		t.Fatalf("source memory = %v", first.SourceMemory)
	}
	if first.ASID != ([2]uint8{}) {
		t.Fatalf("ASID = %v, want zero for a standard trace", first.ASID)
	}

	second, err := r.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if second.IP != 0x400004 {
		t.Fatalf("second.IP = %#x, want %#x", second.IP, 0x400004)
	}

	if _, err := r.Get(); err != io.EOF {
		t.Fatalf("Get at exhaustion = %v, want io.EOF", err)
	}
	if !r.EOF() {
		t.Fatalf("EOF() = false after exhaustion")
	}
}

func TestCloudsuiteReaderDecodesASID(t *testing.T) {
	var buf bytes.Buffer
	encodeCloudsuite(t, &buf, cloudsuiteRecord{
		wireRecord: wireRecord{IP: 0x1000},
		ASID:       [2]uint8{2, 5},
	})

	r := NewCloudsuiteReader(&buf)
	instr, err := r.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if instr.ASID != [2]uint8{2, 5} {
		t.Fatalf("ASID = %v, want [2 5]", instr.ASID)
	}
}

func TestReaderRefillsAcrossBufferBoundary(t *testing.T) {
	var buf bytes.Buffer
	const n = bufferSize + 10
	for i := 0; i < n; i++ {
		encodeStandard(t, &buf, wireRecord{IP: uint64(i)})
	}

	r := NewStandardReader(&buf)
	for i := 0; i < n; i++ {
		instr, err := r.Get()
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if instr.IP != uint64(i) {
			t.Fatalf("Get(%d).IP = %d, want %d", i, instr.IP, i)
		}
	}
	if _, err := r.Get(); err != io.EOF {
		t.Fatalf("Get past end = %v, want io.EOF", err)
	}
}

func TestEOFFalseWhileBufferHasInstructions(t *testing.T) {
	var buf bytes.Buffer
	encodeStandard(t, &buf, wireRecord{IP: 1})
	encodeStandard(t, &buf, wireRecord{IP: 2})

	r := NewStandardReader(&buf)
	if _, err := r.Get(); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.EOF() {
		t.Fatalf("EOF() = true with a buffered instruction remaining")
	}
}
