// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package relaystats implements a concurrency-safe performance scoreboard
// for relay peers.
//
// The scoreboard ingests raw observations from the rest of the system, such
// as response and connect latencies, session durations, and per-request
// outcomes, and condenses them into two derived values per relay: a score in
// the range [0,10] used to order candidate relays, and an adaptive timeout
// used to bound how long a dispatch is willing to wait on that relay.
//
// Latency style metrics are smoothed with an exponential moving average so a
// single outlier cannot whipsaw relay selection, while outcome counters are
// kept whole.  Relays with no recorded history score a neutral 5 so absence
// of data never penalizes nor favors a candidate.
//
// Entries are held authoritative in memory and flushed in batches to the
// durable store on a fixed interval, so a crash costs at most one interval
// of metric history.
package relaystats

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshforge/relaykit/relayaddr"
	"github.com/meshforge/relaykit/relaydb"
)

const (
	// emaAlpha is the smoothing factor applied when blending a new latency
	// sample into an existing average.  The first sample for a metric
	// replaces the average outright.
	emaAlpha = 0.3

	// neutralScore is the score reported for relays or sub-metrics with no
	// recorded history.
	neutralScore = 5.0

	// Sub-score weights.  They must sum to 1.
	responseWeight  = 0.4
	connectWeight   = 0.2
	stabilityWeight = 0.2
	successWeight   = 0.2

	// stabilityTargetMs is the average session duration in milliseconds
	// in which each point of stability score is earned.  Sessions
	// averaging ten times this saturate the sub-score at 10.
	stabilityTargetMs = 30000

	// minResponseSamples is the number of response samples required before
	// the adaptive timeout is derived from observed latency rather than
	// the caller's default.
	minResponseSamples = 3

	// flakyMinQueries and flakyMaxSuccessRate describe the threshold past
	// which a relay is considered flaky enough to fail fast against.
	flakyMinQueries     = 5
	flakyMaxSuccessRate = 0.5

	// flakyTimeoutCap is the adaptive timeout cap applied to flaky relays.
	flakyTimeoutCap = 500 * time.Millisecond

	// minAdaptiveTimeout and maxAdaptiveTimeout bound every derived
	// adaptive timeout.
	minAdaptiveTimeout = 300 * time.Millisecond
	maxAdaptiveTimeout = 2000 * time.Millisecond

	// defaultFlushInterval is the interval dirty entries are flushed to
	// the durable store on when no override is provided.
	defaultFlushInterval = time.Second * 30
)

// perfKeyPrefix namespaces scoreboard entries within the durable store.
var perfKeyPrefix = []byte("perf/")

// perfKey returns the durable store key for the given canonical relay
// address.
func perfKey(canon string) []byte {
	key := make([]byte, 0, len(perfKeyPrefix)+len(canon))
	key = append(key, perfKeyPrefix...)
	key = append(key, canon...)
	return key
}

// RelayStats houses the rolling performance metrics tracked for a single
// relay.  Latency averages are exponential moving averages in milliseconds.
type RelayStats struct {
	// Address is the canonical address of the relay.
	Address string `json:"address"`

	// AvgResponseMs is the smoothed request/response latency and
	// ResponseCount the number of samples behind it.
	AvgResponseMs float64 `json:"avgresponsems"`
	ResponseCount int     `json:"responsecount"`

	// AvgConnectMs is the smoothed connection establishment latency and
	// ConnectCount the number of samples behind it.
	AvgConnectMs float64 `json:"avgconnectms"`
	ConnectCount int     `json:"connectcount"`

	// AvgSessionMs is the smoothed connection session duration and
	// SessionCount the number of samples behind it.
	AvgSessionMs float64 `json:"avgsessionms"`
	SessionCount int     `json:"sessioncount"`

	// Successes and Failures count completed request outcomes.
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// clamp limits v to the inclusive range [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// timeScore maps an average latency in milliseconds onto [0,10] where 0ms
// scores 10 and anything at or above 1000ms scores 0.
func timeScore(avgMs float64) float64 {
	return clamp((1000-avgMs)/100, 0, 10)
}

// ema blends a new sample into the existing average.  The first sample
// replaces the average outright rather than blending against an assumed
// default.
func ema(old float64, samples int, sample float64) float64 {
	if samples == 0 {
		return sample
	}
	return emaAlpha*sample + (1-emaAlpha)*old
}

// Score derives the combined [0,10] score from the entry's metrics.  Each
// sub-metric with no recorded samples contributes the neutral score so
// partially observed relays are not skewed by formula defaults.
func (rs *RelayStats) Score() float64 {
	response := neutralScore
	if rs.ResponseCount > 0 {
		response = timeScore(rs.AvgResponseMs)
	}
	connect := neutralScore
	if rs.ConnectCount > 0 {
		connect = timeScore(rs.AvgConnectMs)
	}
	stability := neutralScore
	if rs.SessionCount > 0 {
		stability = clamp(rs.AvgSessionMs/stabilityTargetMs, 0, 10)
	}
	success := neutralScore
	if total := rs.Successes + rs.Failures; total > 0 {
		success = float64(rs.Successes) / float64(total) * 10
	}

	combined := responseWeight*response + connectWeight*connect +
		stabilityWeight*stability + successWeight*success
	return clamp(combined, 0, 10)
}

// Config holds the configuration options related to the stats manager.
type Config struct {
	// DB is the durable store scoreboard entries are persisted to.  The
	// scoreboard is kept in memory only when it is nil.
	DB *relaydb.DB

	// FlushInterval is the interval dirty entries are flushed to the
	// durable store on.
	//
	// Defaults to 30 seconds when zero.
	FlushInterval time.Duration
}

// StatsManager tracks rolling performance metrics per relay and derives
// relay scores and adaptive timeouts from them.  It is safe for concurrent
// access.
type StatsManager struct {
	started  int32
	shutdown int32

	cfg Config

	mtx    sync.Mutex
	relays map[string]*RelayStats
	dirty  map[string]struct{}

	wg   sync.WaitGroup
	quit chan struct{}
}

// New returns a new relay stats manager.  Use Start to begin the background
// persistence harness and Stop to end it.
func New(cfg *Config) *StatsManager {
	sm := StatsManager{
		cfg:    *cfg,
		relays: make(map[string]*RelayStats),
		dirty:  make(map[string]struct{}),
		quit:   make(chan struct{}),
	}
	if sm.cfg.FlushInterval <= 0 {
		sm.cfg.FlushInterval = defaultFlushInterval
	}
	return &sm
}

// canonical normalizes the provided relay address so all internal
// bookkeeping keys on a single form.
func canonical(addr string) string {
	c, err := relayaddr.Canonicalize(addr)
	if err != nil {
		return addr
	}
	return c
}

// entry returns the tracked entry for the given canonical address, creating
// it when needed, and marks it dirty for the next flush.
//
// This function MUST be called with the manager mutex held.
func (sm *StatsManager) entry(canon string) *RelayStats {
	rs := sm.relays[canon]
	if rs == nil {
		rs = &RelayStats{Address: canon}
		sm.relays[canon] = rs
	}
	sm.dirty[canon] = struct{}{}
	return rs
}

// RecordResponse records an observed request/response latency for the given
// relay.
func (sm *StatsManager) RecordResponse(addr string, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	sm.mtx.Lock()
	defer sm.mtx.Unlock()

	rs := sm.entry(canonical(addr))
	rs.AvgResponseMs = ema(rs.AvgResponseMs, rs.ResponseCount, ms)
	rs.ResponseCount++
}

// RecordConnect records an observed connection establishment latency for the
// given relay.
func (sm *StatsManager) RecordConnect(addr string, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	sm.mtx.Lock()
	defer sm.mtx.Unlock()

	rs := sm.entry(canonical(addr))
	rs.AvgConnectMs = ema(rs.AvgConnectMs, rs.ConnectCount, ms)
	rs.ConnectCount++
}

// RecordSessionEnd records the duration of a connection session that just
// ended for the given relay.
func (sm *StatsManager) RecordSessionEnd(addr string, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	sm.mtx.Lock()
	defer sm.mtx.Unlock()

	rs := sm.entry(canonical(addr))
	rs.AvgSessionMs = ema(rs.AvgSessionMs, rs.SessionCount, ms)
	rs.SessionCount++
}

// RecordSuccess records a successfully completed request against the given
// relay.
func (sm *StatsManager) RecordSuccess(addr string) {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()

	sm.entry(canonical(addr)).Successes++
}

// RecordFailure records a failed request against the given relay.
func (sm *StatsManager) RecordFailure(addr string) {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()

	sm.entry(canonical(addr)).Failures++
}

// Score returns the combined [0,10] score for the given relay.  Relays with
// no recorded history score the neutral 5.
func (sm *StatsManager) Score(addr string) float64 {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()

	rs := sm.relays[canonical(addr)]
	if rs == nil {
		return neutralScore
	}
	return rs.Score()
}

// AdaptiveTimeout returns the timeout a dispatch should apply when waiting
// on the given relay.  The caller's default is returned until enough
// response samples exist, after which the timeout follows twice the observed
// average latency.  Relays with an established record of failure are capped
// so dispatches fail fast, and every derived timeout is clamped to the range
// [300ms, 2s].
func (sm *StatsManager) AdaptiveTimeout(addr string, def time.Duration) time.Duration {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()

	rs := sm.relays[canonical(addr)]
	if rs == nil || rs.ResponseCount < minResponseSamples {
		return def
	}

	timeout := time.Duration(2*rs.AvgResponseMs) * time.Millisecond

	total := rs.Successes + rs.Failures
	if total > flakyMinQueries {
		rate := float64(rs.Successes) / float64(total)
		if rate < flakyMaxSuccessRate && timeout > flakyTimeoutCap {
			timeout = flakyTimeoutCap
		}
	}

	if timeout < minAdaptiveTimeout {
		timeout = minAdaptiveTimeout
	}
	if timeout > maxAdaptiveTimeout {
		timeout = maxAdaptiveTimeout
	}
	return timeout
}

// Stats returns a copy of the tracked metrics for the given relay along with
// whether the relay has ever been observed.
func (sm *StatsManager) Stats(addr string) (RelayStats, bool) {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()

	rs := sm.relays[canonical(addr)]
	if rs == nil {
		return RelayStats{}, false
	}
	return *rs, true
}

// loadStats populates the in-memory scoreboard from the durable store.
// Entries that fail to parse are skipped so a damaged record degrades that
// relay to a neutral score rather than failing startup.
func (sm *StatsManager) loadStats() {
	if sm.cfg.DB == nil {
		return
	}

	sm.mtx.Lock()
	defer sm.mtx.Unlock()

	iter := sm.cfg.DB.NewIterator(perfKeyPrefix)
	defer iter.Release()

	var loaded, skipped int
	for iter.Next() {
		var rs RelayStats
		if err := json.Unmarshal(iter.Value(), &rs); err != nil {
			log.Warnf("Skipping unparsable scoreboard entry %s: %v",
				iter.Key(), err)
			skipped++
			continue
		}
		if rs.Address == "" {
			skipped++
			continue
		}
		sm.relays[rs.Address] = &rs
		loaded++
	}
	if err := iter.Error(); err != nil {
		log.Errorf("Failed to iterate scoreboard entries: %v", err)
		return
	}
	log.Infof("Loaded performance metrics for %d relays", loaded)
	if skipped > 0 {
		log.Warnf("Discarded %d unparsable scoreboard entries", skipped)
	}
}

// Flush writes every dirty scoreboard entry to the durable store in a single
// transaction.  Entries remain dirty when the flush fails so they are
// retried on the next interval.
func (sm *StatsManager) Flush() error {
	if sm.cfg.DB == nil {
		return nil
	}

	// Snapshot the dirty entries so the store write happens outside the
	// manager mutex.
	sm.mtx.Lock()
	if len(sm.dirty) == 0 {
		sm.mtx.Unlock()
		return nil
	}
	pending := make(map[string][]byte, len(sm.dirty))
	for canon := range sm.dirty {
		rs := sm.relays[canon]
		if rs == nil {
			continue
		}
		serialized, err := json.Marshal(rs)
		if err != nil {
			sm.mtx.Unlock()
			return err
		}
		pending[canon] = serialized
	}
	sm.mtx.Unlock()

	err := sm.cfg.DB.Update(func(tx relaydb.Tx) error {
		for canon, serialized := range pending {
			if err := tx.Put(perfKey(canon), serialized); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Errorf("Failed to flush %d scoreboard entries: %v",
			len(pending), err)
		return err
	}

	sm.mtx.Lock()
	for canon := range pending {
		delete(sm.dirty, canon)
	}
	sm.mtx.Unlock()

	log.Debugf("Flushed %d scoreboard entries", len(pending))
	return nil
}

// statsHandler is the manager's main handler.  It periodically flushes dirty
// entries to the durable store and must be run as a goroutine.
func (sm *StatsManager) statsHandler() {
	flushTicker := time.NewTicker(sm.cfg.FlushInterval)
	defer flushTicker.Stop()

out:
	for {
		select {
		case <-flushTicker.C:
			sm.Flush()

		case <-sm.quit:
			break out
		}
	}
	sm.Flush()
	sm.wg.Done()
	log.Trace("Stats handler done")
}

// Start begins the core stats manager.  Previously saved metrics are loaded
// from the durable store and a handler is launched that periodically flushes
// dirty entries back.
func (sm *StatsManager) Start() {
	// Already started?
	if atomic.AddInt32(&sm.started, 1) != 1 {
		return
	}

	log.Trace("Starting relay stats manager")

	sm.loadStats()

	sm.wg.Add(1)
	go sm.statsHandler()
}

// Stop gracefully shuts down the stats manager by stopping the handler and
// flushing any dirty entries to the durable store.
func (sm *StatsManager) Stop() error {
	if atomic.AddInt32(&sm.shutdown, 1) != 1 {
		log.Warnf("Stats manager is already in the process of " +
			"shutting down")
		return nil
	}

	log.Infof("Stats manager shutting down")
	close(sm.quit)
	sm.wg.Wait()
	return nil
}
