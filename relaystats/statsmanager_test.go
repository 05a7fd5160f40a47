// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package relaystats

import (
	"math"
	"testing"
	"time"

	"github.com/meshforge/relaykit/relaydb"
)

// approxEqual returns whether two scores are equal within floating point
// tolerance.
func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// TestRelayStatsScore ensures the combined score formula weights and clamps
// the sub-scores as documented, including neutral treatment of sub-metrics
// with no samples.
func TestRelayStatsScore(t *testing.T) {
	tests := []struct {
		name  string
		stats RelayStats
		want  float64
	}{{
		name:  "no samples at all is neutral",
		stats: RelayStats{},
		want:  5,
	}, {
		name: "only success history",
		stats: RelayStats{
			Successes: 10,
		},
		// Neutral response, connect, and stability with a perfect
		// success ratio.
		want: 0.4*5 + 0.2*5 + 0.2*5 + 0.2*10,
	}, {
		name: "mixed history",
		stats: RelayStats{
			AvgResponseMs: 500,
			ResponseCount: 4,
			AvgConnectMs:  200,
			ConnectCount:  2,
			AvgSessionMs:  150000,
			SessionCount:  3,
			Successes:     8,
			Failures:      2,
		},
		want: 0.4*5 + 0.2*8 + 0.2*5 + 0.2*8,
	}, {
		name: "perfect relay",
		stats: RelayStats{
			AvgResponseMs: 0,
			ResponseCount: 10,
			AvgConnectMs:  0,
			ConnectCount:  10,
			AvgSessionMs:  300000,
			SessionCount:  10,
			Successes:     25,
		},
		want: 10,
	}, {
		name: "terrible relay",
		stats: RelayStats{
			AvgResponseMs: 2000,
			ResponseCount: 10,
			AvgConnectMs:  1500,
			ConnectCount:  10,
			AvgSessionMs:  1000,
			SessionCount:  10,
			Failures:      10,
		},
		want: 0.2 * (1000.0 / 30000.0),
	}, {
		name: "latency beyond the scale clamps to zero",
		stats: RelayStats{
			AvgResponseMs: 100000,
			ResponseCount: 3,
			AvgConnectMs:  100000,
			ConnectCount:  3,
		},
		// Stability and success stay neutral.
		want: 0.2*5 + 0.2*5,
	}}
	for _, test := range tests {
		got := test.stats.Score()
		if !approxEqual(got, test.want) {
			t.Errorf("%s: unexpected score -- got %v, want %v",
				test.name, got, test.want)
			continue
		}
		if got < 0 || got > 10 {
			t.Errorf("%s: score out of range: %v", test.name, got)
		}
	}
}

// TestEMARecording ensures the first sample for a metric replaces the
// average outright and later samples blend with the documented smoothing
// factor.
func TestEMARecording(t *testing.T) {
	const addr = "wss://relay.example.com"
	sm := New(&Config{})

	sm.RecordResponse(addr, 100*time.Millisecond)
	rs, ok := sm.Stats(addr)
	if !ok {
		t.Fatal("relay not tracked after first sample")
	}
	if !approxEqual(rs.AvgResponseMs, 100) {
		t.Fatalf("first sample did not replace: got %v", rs.AvgResponseMs)
	}

	sm.RecordResponse(addr, 200*time.Millisecond)
	rs, _ = sm.Stats(addr)
	// 0.3*200 + 0.7*100
	if !approxEqual(rs.AvgResponseMs, 130) {
		t.Fatalf("unexpected blended average: got %v", rs.AvgResponseMs)
	}
	if rs.ResponseCount != 2 {
		t.Fatalf("unexpected sample count: got %d", rs.ResponseCount)
	}
}

// TestScoreUnknown ensures a relay with no entry scores exactly the neutral
// value.
func TestScoreUnknown(t *testing.T) {
	sm := New(&Config{})
	if got := sm.Score("wss://never.seen.example.com"); got != 5 {
		t.Fatalf("unknown relay score: got %v, want 5", got)
	}
}

// seedResponses records the given response latency the given number of times
// so the smoothed average equals the sample exactly.
func seedResponses(sm *StatsManager, addr string, d time.Duration, n int) {
	for i := 0; i < n; i++ {
		sm.RecordResponse(addr, d)
	}
}

// TestAdaptiveTimeout ensures the adaptive timeout derivation defaults,
// scales, caps, and clamps as documented.
func TestAdaptiveTimeout(t *testing.T) {
	const def = 10 * time.Second

	tests := []struct {
		name string
		seed func(sm *StatsManager, addr string)
		want time.Duration
	}{{
		name: "no samples returns default",
		seed: func(sm *StatsManager, addr string) {},
		want: def,
	}, {
		name: "too few samples returns default",
		seed: func(sm *StatsManager, addr string) {
			seedResponses(sm, addr, 400*time.Millisecond, 2)
		},
		want: def,
	}, {
		name: "twice the observed average",
		seed: func(sm *StatsManager, addr string) {
			seedResponses(sm, addr, 400*time.Millisecond, 3)
		},
		want: 800 * time.Millisecond,
	}, {
		name: "clamped to the minimum",
		seed: func(sm *StatsManager, addr string) {
			seedResponses(sm, addr, 100*time.Millisecond, 3)
		},
		want: 300 * time.Millisecond,
	}, {
		name: "clamped to the maximum",
		seed: func(sm *StatsManager, addr string) {
			seedResponses(sm, addr, 1500*time.Millisecond, 3)
		},
		want: 2000 * time.Millisecond,
	}, {
		name: "flaky relay capped to fail fast",
		seed: func(sm *StatsManager, addr string) {
			seedResponses(sm, addr, 400*time.Millisecond, 3)
			sm.RecordSuccess(addr)
			for i := 0; i < 6; i++ {
				sm.RecordFailure(addr)
			}
		},
		want: 500 * time.Millisecond,
	}, {
		name: "half success rate is not flaky",
		seed: func(sm *StatsManager, addr string) {
			seedResponses(sm, addr, 400*time.Millisecond, 3)
			for i := 0; i < 3; i++ {
				sm.RecordSuccess(addr)
				sm.RecordFailure(addr)
			}
		},
		want: 800 * time.Millisecond,
	}, {
		name: "flaky cap does not raise a low timeout",
		seed: func(sm *StatsManager, addr string) {
			seedResponses(sm, addr, 150*time.Millisecond, 3)
			sm.RecordSuccess(addr)
			for i := 0; i < 6; i++ {
				sm.RecordFailure(addr)
			}
		},
		want: 300 * time.Millisecond,
	}}
	for _, test := range tests {
		const addr = "wss://relay.example.com"
		sm := New(&Config{})
		test.seed(sm, addr)

		got := sm.AdaptiveTimeout(addr, def)
		if got != test.want {
			t.Errorf("%s: unexpected timeout -- got %v, want %v",
				test.name, got, test.want)
		}
	}
}

// TestFlushAndReload ensures dirty entries are persisted as a batch and that
// a fresh manager over the same store sees them, while unparsable records
// degrade to a neutral score instead of failing the load.
func TestFlushAndReload(t *testing.T) {
	db, err := relaydb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error opening store: %v", err)
	}
	defer db.Close()

	const good = "wss://good.example.com"
	const bad = "wss://bad.example.com"

	sm := New(&Config{DB: db})
	seedResponses(sm, good, 400*time.Millisecond, 3)
	sm.RecordSuccess(good)
	if err := sm.Flush(); err != nil {
		t.Fatalf("unexpected error flushing: %v", err)
	}

	// Plant an unparsable record alongside the good one.
	if err := db.Put(perfKey(bad), []byte("not json")); err != nil {
		t.Fatalf("unexpected error planting bad record: %v", err)
	}

	sm2 := New(&Config{DB: db})
	sm2.Start()
	defer sm2.Stop()

	rs, ok := sm2.Stats(good)
	if !ok {
		t.Fatal("entry did not survive reload")
	}
	if !approxEqual(rs.AvgResponseMs, 400) || rs.ResponseCount != 3 {
		t.Fatalf("unexpected reloaded metrics: %+v", rs)
	}
	if rs.Successes != 1 {
		t.Fatalf("unexpected reloaded successes: %d", rs.Successes)
	}

	if got := sm2.Score(bad); got != 5 {
		t.Fatalf("unparsable entry not neutral: got %v", got)
	}
}

// TestFlushClearsDirty ensures a successful flush empties the dirty set so
// unchanged entries are not rewritten on the next interval.
func TestFlushClearsDirty(t *testing.T) {
	db, err := relaydb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error opening store: %v", err)
	}
	defer db.Close()

	sm := New(&Config{DB: db})
	sm.RecordSuccess("wss://relay.example.com")
	if err := sm.Flush(); err != nil {
		t.Fatalf("unexpected error flushing: %v", err)
	}

	sm.mtx.Lock()
	dirty := len(sm.dirty)
	sm.mtx.Unlock()
	if dirty != 0 {
		t.Fatalf("dirty set not cleared: %d entries", dirty)
	}
}
