// Command memsimd drives the memory-hierarchy simulator against one binary
// instruction trace per simulated core, printing final phase statistics as
// JSON. Flag parsing here is deliberately minimal: the core's scope is the
// simulator itself, not a full-featured CLI.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/google/renameio/v2"
	"github.com/joeycumines/logiface"
	"github.com/pbnjay/memory"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/memsim/memsim/internal/config"
	"github.com/memsim/memsim/internal/memlog"
	"github.com/memsim/memsim/internal/trace"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to a TOML config overriding the defaults")
		statsPath  = flag.String("stats", "", "path to write the final stats snapshot as JSON (stdout if empty)")
		cycles     = flag.Uint64("cycles", 100_000_000, "maximum cycles to simulate before forcing shutdown")
		cloudsuite = flag.Bool("cloudsuite", false, "decode traces as the Cloudsuite (multi-process) record layout")
		verbose    = flag.Bool("v", false, "log structured diagnostics to stderr")
	)
	flag.Parse()

	// One positional trace path per simulated core (spec.md §1's scope is
	// the memory system driven by a trace, not workload generation).
	tracePaths := flag.Args()
	if len(tracePaths) == 0 {
		fmt.Fprintln(os.Stderr, "memsimd: usage: memsimd [flags] trace.bin [trace2.bin ...]")
		return 2
	}

	if _, err := maxprocs.Set(maxprocs.Logger(func(string, ...any) {})); err != nil {
		fmt.Fprintf(os.Stderr, "memsimd: maxprocs.Set: %v\n", err)
	}
	if _, err := memlimit.SetGoMemLimitWithOptions(); err != nil {
		fmt.Fprintf(os.Stderr, "memsimd: automemlimit: %v\n", err)
	}

	var log *memlog.Logger
	if *verbose {
		log = memlog.New(os.Stderr, logiface.LevelInformational)
	} else {
		log = memlog.Discard()
	}

	cfg := config.Default()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "memsimd: read config: %v\n", err)
			return 1
		}
		cfg, err = config.Load(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "memsimd: %v\n", err)
			return 1
		}
	}

	if dramBytes := hierarchyDRAMBytes(cfg); dramBytes > memory.TotalMemory() {
		fmt.Fprintf(os.Stderr, "memsimd: warning: configured DRAM capacity (%d bytes) exceeds host RAM (%d bytes)\n",
			dramBytes, memory.TotalMemory())
	}

	sim := New(cfg, len(tracePaths), log)
	for id, path := range tracePaths {
		traceFile, err := os.Open(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "memsimd: open trace %q: %v\n", path, err)
			return 1
		}
		defer traceFile.Close()

		var reader trace.Reader
		if *cloudsuite {
			reader = trace.NewCloudsuiteReader(traceFile)
		} else {
			reader = trace.NewStandardReader(traceFile)
		}
		sim.Attach(uint8(id), reader)
	}

	ran := sim.Run(*cycles)
	snap := sim.Snapshot()
	snap["cycles_run"] = ran

	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "memsimd: marshal stats: %v\n", err)
		return 1
	}
	out = append(out, '\n')

	if *statsPath == "" {
		os.Stdout.Write(out)
		return 0
	}
	if err := renameio.WriteFile(*statsPath, out, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "memsimd: write stats: %v\n", err)
		return 1
	}
	return 0
}

// hierarchyDRAMBytes estimates the modeled DRAM capacity from the
// configured channel geometry, for the host-RAM sanity warning.
func hierarchyDRAMBytes(cfg config.Config) uint64 {
	d := cfg.DRAM
	perChannel := uint64(d.Ranks) * uint64(d.Banks) * uint64(d.Rows) * uint64(d.Columns) * uint64(d.ChannelWidth)
	return perChannel * uint64(d.Channels)
}
