// Package config loads simulator-wide tunables from a TOML document. Field
// defaults mirror original_source/inc/champsim_constants.h's constants,
// expressed as struct fields with documented defaults instead of
// preprocessor macros.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Queue holds per-cache queue-triplet sizing (spec.md §4.1).
type Queue struct {
	RQSize         int `toml:"rq_size"`
	WQSize         int `toml:"wq_size"`
	PQSize         int `toml:"pq_size"`
	HitLatency     int `toml:"hit_latency"`
	MatchOffsetBits bool `toml:"match_offset_bits"`
}

// DRAM holds DRAM channel geometry and timings (spec.md §4.2).
type DRAM struct {
	Channels     int `toml:"channels"`
	Ranks        int `toml:"ranks"`
	Banks        int `toml:"banks"`
	Rows         int `toml:"rows"`
	Columns      int `toml:"columns"`
	ChannelWidth int `toml:"channel_width_bytes"`
	BlockSize    int `toml:"block_size_bytes"`
	RQSize       int `toml:"rq_size"`
	WQSize       int `toml:"wq_size"`

	IOFreqMHz int `toml:"io_freq_mhz"`

	TRPNanos        float64 `toml:"t_rp_ns"`
	TRCDNanos       float64 `toml:"t_rcd_ns"`
	TCASNanos       float64 `toml:"t_cas_ns"`
	TurnaroundNanos float64 `toml:"dbus_turnaround_ns"`
}

// PTW holds page-table-walker sizing (spec.md §4.3).
type PTW struct {
	Levels       int   `toml:"levels"`
	IndexBits    int   `toml:"index_bits"`
	MSHRSize     int   `toml:"mshr_size"`
	MaxRead      int   `toml:"max_read"`
	MaxFill      int   `toml:"max_fill"`
	RQSize       int   `toml:"rq_size"`
	PTEBytes     int   `toml:"pte_bytes"`
	LevelLatency []int `toml:"level_latency"`
}

// Clock holds the clocked-orchestrator's frequency scaling (spec.md §4.4).
type Clock struct {
	GlobalRateMHz int `toml:"global_rate_mhz"`
}

// Cache sizes one cache level's tag array and miss pipeline (spec.md §2
// "Cache level", §4.4 handle_fill/handle_writeback/handle_read/
// handle_prefetch ordering). Sets must be a power of two.
type Cache struct {
	Sets       int `toml:"sets"`
	Ways       int `toml:"ways"`
	OffsetBits int `toml:"offset_bits"`

	MSHRSize int `toml:"mshr_size"`

	MaxReadPerCycle     int `toml:"max_read_per_cycle"`
	MaxWritePerCycle    int `toml:"max_write_per_cycle"`
	MaxPrefetchPerCycle int `toml:"max_prefetch_per_cycle"`
	MaxFillPerCycle     int `toml:"max_fill_per_cycle"`

	FillLatency int `toml:"fill_latency"`
}

// Hierarchy sizes the three cache levels a CPU sits behind (spec.md §2
// "Data flow: CPU -> L1 queues -> L1 cache -> L2 queues -> L2 cache -> LLC
// queues -> LLC -> DRAM channel"). Each level has its own queue sizing
// alongside its tag-array sizing, since queue depth and cache capacity
// both grow moving away from the CPU.
type Hierarchy struct {
	L1Queue  Queue `toml:"l1_queue"`
	L1Cache  Cache `toml:"l1_cache"`
	L2Queue  Queue `toml:"l2_queue"`
	L2Cache  Cache `toml:"l2_cache"`
	LLCQueue Queue `toml:"llc_queue"`
	LLCCache Cache `toml:"llc_cache"`
}

// Config is the top-level simulator configuration document.
type Config struct {
	Hierarchy Hierarchy `toml:"hierarchy"`
	DRAM      DRAM      `toml:"dram"`
	PTW       PTW       `toml:"ptw"`
	Clock     Clock     `toml:"clock"`
}

// Default returns the configuration used when no TOML document overrides
// it, sized the way original_source/inc/champsim_constants.h sizes a
// single-channel, 4-level-paging, 64-byte-block system.
func Default() Config {
	return Config{
		Hierarchy: Hierarchy{
			L1Queue: Queue{
				RQSize:          16,
				WQSize:          16,
				PQSize:          16,
				HitLatency:      4,
				MatchOffsetBits: true,
			},
			L1Cache: Cache{
				Sets:                64,
				Ways:                12,
				OffsetBits:          6,
				MSHRSize:            16,
				MaxReadPerCycle:     2,
				MaxWritePerCycle:    2,
				MaxPrefetchPerCycle: 1,
				MaxFillPerCycle:     2,
				FillLatency:         1,
			},
			L2Queue: Queue{
				RQSize:          32,
				WQSize:          32,
				PQSize:          32,
				HitLatency:      8,
				MatchOffsetBits: false,
			},
			L2Cache: Cache{
				Sets:                1024,
				Ways:                8,
				OffsetBits:          6,
				MSHRSize:            32,
				MaxReadPerCycle:     2,
				MaxWritePerCycle:    2,
				MaxPrefetchPerCycle: 2,
				MaxFillPerCycle:     2,
				FillLatency:         4,
			},
			LLCQueue: Queue{
				RQSize:          64,
				WQSize:          64,
				PQSize:          64,
				HitLatency:      20,
				MatchOffsetBits: false,
			},
			LLCCache: Cache{
				Sets:                2048,
				Ways:                16,
				OffsetBits:          6,
				MSHRSize:            64,
				MaxReadPerCycle:     4,
				MaxWritePerCycle:    4,
				MaxPrefetchPerCycle: 2,
				MaxFillPerCycle:     4,
				FillLatency:         8,
			},
		},
		DRAM: DRAM{
			Channels:        1,
			Ranks:           1,
			Banks:           8,
			Rows:            65536,
			Columns:         1024,
			ChannelWidth:    8,
			BlockSize:       64,
			RQSize:          64,
			WQSize:          64,
			IOFreqMHz:       3200,
			TRPNanos:        12.5,
			TRCDNanos:       12.5,
			TCASNanos:       12.5,
			TurnaroundNanos: 7.5,
		},
		PTW: PTW{
			Levels:       4,
			IndexBits:    9,
			MSHRSize:     8,
			MaxRead:      1,
			MaxFill:      1,
			RQSize:       16,
			PTEBytes:     8,
			LevelLatency: []int{100, 100, 100, 100},
		},
		Clock: Clock{
			GlobalRateMHz: 4000,
		},
	}
}

// Load parses a TOML document, applying it on top of Default().
func Load(data []byte) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode toml: %w", err)
	}
	return cfg, nil
}
