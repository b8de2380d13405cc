// Package trace decodes binary instruction-trace records into Instruction
// values the simulator's front-end feeds to the core (spec.md §6: the core
// consumes a trace of memory requests "produced by a front-end"). Trace file
// *parsing* is out of scope for the core (spec.md §1); this package supplies
// only the record layout and the Reader contract, grounded on
// original_source/inc/tracereader.h's `tracereader`/`impl_get<T>` template
// (the excerpt doesn't carry instruction.h, so field layout follows
// ChampSim's public input_instr record).
package trace

import (
	"bufio"
	"encoding/binary"
	"io"
)

// NumInstrDestinations and NumInstrSources size the fixed register/memory
// arrays every instruction record carries, matching ChampSim's
// NUM_INSTR_DESTINATIONS / NUM_INSTR_SOURCES constants.
const (
	NumInstrDestinations = 2
	NumInstrSources      = 4
)

const (
	// bufferSize mirrors tracereader::buffer_size: how many records a
	// refill pulls in at once.
	bufferSize = 128
	// refreshThresh mirrors tracereader::refresh_thresh: the buffer
	// occupancy that triggers the next refill.
	refreshThresh = 1
)

// Instruction is the decoded form of one trace record.
type Instruction struct {
	IP          uint64
	IsBranch    bool
	BranchTaken bool

	DestinationRegisters [NumInstrDestinations]uint8
	SourceRegisters      [NumInstrSources]uint8
	DestinationMemory    [NumInstrDestinations]uint64
	SourceMemory         [NumInstrSources]uint64

	// ASID identifies the originating process on a Cloudsuite trace; both
	// entries are zero for a standard single-process trace.
	ASID [2]uint8
}

// wireRecord is the on-disk layout of a standard (non-Cloudsuite) record.
type wireRecord struct {
	IP                   uint64
	IsBranch             uint8
	BranchTaken          uint8
	DestinationRegisters [NumInstrDestinations]uint8
	SourceRegisters      [NumInstrSources]uint8
	DestinationMemory    [NumInstrDestinations]uint64
	SourceMemory         [NumInstrSources]uint64
}

func (r wireRecord) toInstruction() Instruction {
	return Instruction{
		IP:                   r.IP,
		IsBranch:             r.IsBranch != 0,
		BranchTaken:          r.BranchTaken != 0,
		DestinationRegisters: r.DestinationRegisters,
		SourceRegisters:      r.SourceRegisters,
		DestinationMemory:    r.DestinationMemory,
		SourceMemory:         r.SourceMemory,
	}
}

// cloudsuiteRecord extends wireRecord with the per-record ASID pair
// Cloudsuite (multi-process) traces carry.
type cloudsuiteRecord struct {
	wireRecord
	ASID [2]uint8
}

func (r cloudsuiteRecord) toInstruction() Instruction {
	instr := r.wireRecord.toInstruction()
	instr.ASID = r.ASID
	return instr
}

// Reader yields decoded instructions one at a time until the underlying
// trace is exhausted.
type Reader interface {
	// Get returns the next instruction. It returns io.EOF once the trace
	// is exhausted (spec.md §8: "Trace EOF -> graceful simulator
	// shutdown").
	Get() (Instruction, error)
	// EOF reports whether the source has been fully drained: every
	// buffered instruction has been consumed and no further record could
	// be decoded.
	EOF() bool
}

// reader double-buffers a trace: tracereader::impl_get<T> keeps a small
// deque (instr_buffer) and calls refresh_buffer once its size drops to
// refresh_thresh, decoupling read() syscalls from per-instruction
// consumption. This does the same with a Go slice used as a FIFO ring,
// refilling from the wrapped io.Reader in bufferSize-record chunks.
type reader struct {
	src    *bufio.Reader
	decode func(io.Reader) (Instruction, error)
	buf    []Instruction
	eof    bool
}

func newReader(src io.Reader, decode func(io.Reader) (Instruction, error)) *reader {
	return &reader{src: bufio.NewReaderSize(src, 64*1024), decode: decode}
}

// NewStandardReader wraps src as a standard (non-Cloudsuite) trace.
func NewStandardReader(src io.Reader) Reader {
	return newReader(src, decodeStandard)
}

// NewCloudsuiteReader wraps src as a Cloudsuite trace, whose records carry
// an extra per-instruction ASID pair.
func NewCloudsuiteReader(src io.Reader) Reader {
	return newReader(src, decodeCloudsuite)
}

func (r *reader) refill() {
	if r.eof {
		return
	}
	for len(r.buf) < bufferSize {
		instr, err := r.decode(r.src)
		if err != nil {
			r.eof = true
			return
		}
		r.buf = append(r.buf, instr)
	}
}

func (r *reader) Get() (Instruction, error) {
	if len(r.buf) <= refreshThresh {
		r.refill()
	}
	if len(r.buf) == 0 {
		return Instruction{}, io.EOF
	}
	instr := r.buf[0]
	r.buf = r.buf[1:]
	return instr, nil
}

func (r *reader) EOF() bool { return r.eof && len(r.buf) == 0 }

func decodeStandard(src io.Reader) (Instruction, error) {
	var rec wireRecord
	if err := binary.Read(src, binary.LittleEndian, &rec); err != nil {
		return Instruction{}, err
	}
	return rec.toInstruction(), nil
}

func decodeCloudsuite(src io.Reader) (Instruction, error) {
	var rec cloudsuiteRecord
	if err := binary.Read(src, binary.LittleEndian, &rec); err != nil {
		return Instruction{}, err
	}
	return rec.toInstruction(), nil
}
