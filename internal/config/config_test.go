package config

import "testing"

func TestDefaultHierarchyLevelsAreDistinctlySized(t *testing.T) {
	cfg := Default()
	h := cfg.Hierarchy

	if h.L1Cache.Sets >= h.L2Cache.Sets || h.L2Cache.Sets >= h.LLCCache.Sets {
		t.Fatalf("expected strictly increasing set counts L1<L2<LLC, got %d, %d, %d",
			h.L1Cache.Sets, h.L2Cache.Sets, h.LLCCache.Sets)
	}
	if h.L1Queue.HitLatency >= h.L2Queue.HitLatency || h.L2Queue.HitLatency >= h.LLCQueue.HitLatency {
		t.Fatalf("expected strictly increasing hit latency L1<L2<LLC, got %d, %d, %d",
			h.L1Queue.HitLatency, h.L2Queue.HitLatency, h.LLCQueue.HitLatency)
	}
	if !h.L1Queue.MatchOffsetBits {
		t.Fatal("L1 queue should match on offset bits (spec.md's per-cache-line-offset collision granularity for the cache closest to the core)")
	}
}

func TestLoadOverridesDefaultsFromTOML(t *testing.T) {
	doc := []byte(`
[hierarchy.l1_cache]
sets = 128
ways = 8

[dram]
channels = 2

[clock]
global_rate_mhz = 5000
`)
	cfg, err := Load(doc)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hierarchy.L1Cache.Sets != 128 || cfg.Hierarchy.L1Cache.Ways != 8 {
		t.Fatalf("L1Cache = %+v, want Sets=128 Ways=8", cfg.Hierarchy.L1Cache)
	}
	if cfg.DRAM.Channels != 2 {
		t.Fatalf("DRAM.Channels = %d, want 2", cfg.DRAM.Channels)
	}
	if cfg.Clock.GlobalRateMHz != 5000 {
		t.Fatalf("Clock.GlobalRateMHz = %d, want 5000", cfg.Clock.GlobalRateMHz)
	}
	// Fields not present in the document fall through to Default()'s values.
	if cfg.Hierarchy.L2Cache.Sets != Default().Hierarchy.L2Cache.Sets {
		t.Fatalf("L2Cache.Sets = %d, want unchanged default %d",
			cfg.Hierarchy.L2Cache.Sets, Default().Hierarchy.L2Cache.Sets)
	}
	if cfg.PTW.Levels != Default().PTW.Levels {
		t.Fatalf("PTW.Levels = %d, want unchanged default %d", cfg.PTW.Levels, Default().PTW.Levels)
	}
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	if _, err := Load([]byte("not = [valid toml")); err == nil {
		t.Fatal("expected an error decoding malformed TOML")
	}
}
