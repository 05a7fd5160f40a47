// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package healthmgr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshforge/relaykit/relayaddr"
)

const (
	// healthFilename is the name of the file the health table is saved to
	// inside the configured directory.
	healthFilename = "relayhealth.json"

	// dumpInterval is the interval used to dump the health table to disk
	// while the manager is running.  The table is also dumped on shutdown.
	dumpInterval = time.Minute * 2

	// serializationVersion is the current version of the on-disk format.
	serializationVersion = 1

	// defaultBaseDelay is the backoff applied after the first consecutive
	// failure when no override is provided.
	defaultBaseDelay = time.Second * 5

	// defaultMaxDelay caps the exponential backoff growth when no override
	// is provided.
	defaultMaxDelay = time.Minute * 5

	// defaultMaxFailures is the number of consecutive failures after which
	// a relay is declared dead when no override is provided.
	defaultMaxFailures = 5
)

// RelayState identifies the liveness state of a tracked relay.
type RelayState uint8

const (
	// StateOnline is the state of a relay whose most recent recorded
	// outcome was a success.  Relays that have never been observed are
	// also treated as online.
	StateOnline RelayState = iota

	// StateOffline is the state of a relay with at least one consecutive
	// failure that has not yet crossed the dead threshold.  Offline relays
	// become usable again once their backoff window elapses.
	StateOffline

	// StateDead is the state of a relay that has accumulated the maximum
	// number of consecutive failures.  Dead relays remain unusable until a
	// success is recorded for them.
	StateDead
)

// String returns the RelayState as a human-readable name.
func (s RelayState) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	case StateDead:
		return "dead"
	}
	return fmt.Sprintf("unknown state (%d)", uint8(s))
}

// RelayHealth houses the tracked liveness information for a single relay.
type RelayHealth struct {
	// Address is the canonical address of the relay.
	Address string

	// State is the current liveness verdict.
	State RelayState

	// FailureCount is the number of consecutive failures recorded since
	// the last success.
	FailureCount int

	// LastSuccess is the time the most recent success was recorded.  It is
	// the zero time when no success has ever been recorded.
	LastSuccess time.Time

	// LastFailure is the time the most recent failure was recorded.  It is
	// the zero time when no failure has ever been recorded.
	LastFailure time.Time

	// BackoffUntil is the time before which the relay should not be
	// contacted again.  It is the zero time when no backoff is in effect.
	BackoffUntil time.Time
}

// serializedRelayHealth is the on-disk form of a single tracked relay.  Times
// are stored as Unix seconds with zero meaning never.
type serializedRelayHealth struct {
	Address      string `json:"address"`
	State        uint8  `json:"state"`
	FailureCount int    `json:"failurecount"`
	LastSuccess  int64  `json:"lastsuccess"`
	LastFailure  int64  `json:"lastfailure"`
	BackoffUntil int64  `json:"backoffuntil"`
}

// serializedHealthTable is the on-disk form of the full health table.
type serializedHealthTable struct {
	Version int                      `json:"version"`
	Relays  []*serializedRelayHealth `json:"relays"`
}

// Config holds the configuration options related to the health manager.
type Config struct {
	// DataDir is the directory the health table is persisted to.  The
	// table is kept in memory only when it is empty.
	DataDir string

	// BaseDelay is the backoff applied after the first consecutive
	// failure.  Each additional consecutive failure doubles it.
	//
	// Defaults to 5 seconds when zero.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff growth.
	//
	// Defaults to 5 minutes when zero.
	MaxDelay time.Duration

	// MaxFailures is the number of consecutive failures after which a
	// relay is declared dead.
	//
	// Defaults to 5 when zero.
	MaxFailures int
}

// HealthManager tracks connection outcomes per relay and answers whether a
// relay is currently worth contacting.  It is safe for concurrent access.
type HealthManager struct {
	started  int32
	shutdown int32

	cfg  Config
	path string

	mtx     sync.Mutex
	relays  map[string]*RelayHealth
	changed bool

	wg   sync.WaitGroup
	quit chan struct{}
}

// New returns a new relay health manager.  Use Start to begin the background
// persistence harness and Stop to end it.
func New(cfg *Config) *HealthManager {
	hm := HealthManager{
		cfg:    *cfg,
		relays: make(map[string]*RelayHealth),
		quit:   make(chan struct{}),
	}
	if hm.cfg.BaseDelay <= 0 {
		hm.cfg.BaseDelay = defaultBaseDelay
	}
	if hm.cfg.MaxDelay <= 0 {
		hm.cfg.MaxDelay = defaultMaxDelay
	}
	if hm.cfg.MaxFailures <= 0 {
		hm.cfg.MaxFailures = defaultMaxFailures
	}
	if hm.cfg.DataDir != "" {
		hm.path = filepath.Join(hm.cfg.DataDir, healthFilename)
	}
	return &hm
}

// canonical normalizes the provided relay address so all internal bookkeeping
// keys on a single form.  Addresses that cannot be canonicalized are tracked
// under their raw form rather than dropped since a failure verdict for a
// malformed address is still a useful failure verdict.
func canonical(addr string) string {
	c, err := relayaddr.Canonicalize(addr)
	if err != nil {
		return addr
	}
	return c
}

// backoffDelay returns the backoff duration for the given consecutive failure
// count.  The delay doubles with each failure and is capped at the configured
// maximum.
func (hm *HealthManager) backoffDelay(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	// Shifting past the cap would overflow for large counts, so stop
	// doubling as soon as the cap is reached.
	delay := hm.cfg.BaseDelay
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= hm.cfg.MaxDelay {
			return hm.cfg.MaxDelay
		}
	}
	if delay > hm.cfg.MaxDelay {
		return hm.cfg.MaxDelay
	}
	return delay
}

// entry returns the tracked entry for the given canonical address, creating
// it when needed.
//
// This function MUST be called with the manager mutex held.
func (hm *HealthManager) entry(canon string) *RelayHealth {
	rh := hm.relays[canon]
	if rh == nil {
		rh = &RelayHealth{Address: canon}
		hm.relays[canon] = rh
	}
	return rh
}

// RecordSuccess records a successful interaction with the given relay.  The
// failure count and any backoff window are cleared, which also revives relays
// previously declared dead.
func (hm *HealthManager) RecordSuccess(addr string) {
	canon := canonical(addr)

	hm.mtx.Lock()
	defer hm.mtx.Unlock()

	rh := hm.entry(canon)
	prevState := rh.State
	rh.State = StateOnline
	rh.FailureCount = 0
	rh.LastSuccess = time.Now()
	rh.BackoffUntil = time.Time{}
	hm.changed = true

	if prevState == StateDead {
		log.Infof("Relay %s revived after successful contact", canon)
	}
}

// RecordFailure records a failed interaction with the given relay.  The
// consecutive failure count is incremented, a new backoff window is computed
// from it, and the relay is declared dead once the count reaches the
// configured maximum.
func (hm *HealthManager) RecordFailure(addr string) {
	canon := canonical(addr)

	hm.mtx.Lock()
	defer hm.mtx.Unlock()

	rh := hm.entry(canon)
	rh.FailureCount++
	rh.LastFailure = time.Now()
	delay := hm.backoffDelay(rh.FailureCount)
	rh.BackoffUntil = rh.LastFailure.Add(delay)
	if rh.FailureCount >= hm.cfg.MaxFailures {
		if rh.State != StateDead {
			log.Infof("Relay %s declared dead after %d consecutive "+
				"failures", canon, rh.FailureCount)
		}
		rh.State = StateDead
	} else {
		rh.State = StateOffline
	}
	hm.changed = true

	log.Debugf("Relay %s failure %d, backing off %v", canon,
		rh.FailureCount, delay)
}

// IsHealthy returns whether the given relay is currently worth contacting.
// Relays that have never been observed are healthy.  Dead relays are not
// healthy regardless of elapsed time, while offline relays become healthy
// again once their backoff window elapses.
func (hm *HealthManager) IsHealthy(addr string) bool {
	canon := canonical(addr)

	hm.mtx.Lock()
	defer hm.mtx.Unlock()

	rh := hm.relays[canon]
	if rh == nil {
		return true
	}
	if rh.State == StateDead {
		return false
	}
	return !time.Now().Before(rh.BackoffUntil)
}

// Filter returns the subset of the given relay addresses that are currently
// healthy.  The relative order of the input is preserved.
func (hm *HealthManager) Filter(addrs []string) []string {
	healthy := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if hm.IsHealthy(addr) {
			healthy = append(healthy, addr)
		}
	}
	return healthy
}

// Health returns a copy of the tracked health information for the given relay
// along with whether the relay has ever been observed.
func (hm *HealthManager) Health(addr string) (RelayHealth, bool) {
	canon := canonical(addr)

	hm.mtx.Lock()
	defer hm.mtx.Unlock()

	rh := hm.relays[canon]
	if rh == nil {
		return RelayHealth{}, false
	}
	return *rh, true
}

// All returns a copy of every tracked relay health entry.
func (hm *HealthManager) All() []RelayHealth {
	hm.mtx.Lock()
	defer hm.mtx.Unlock()

	all := make([]RelayHealth, 0, len(hm.relays))
	for _, rh := range hm.relays {
		all = append(all, *rh)
	}
	return all
}

// healthHandler is the manager's main handler.  It periodically dumps the
// health table to disk and must be run as a goroutine.
func (hm *HealthManager) healthHandler() {
	dumpTicker := time.NewTicker(dumpInterval)
	defer dumpTicker.Stop()

out:
	for {
		select {
		case <-dumpTicker.C:
			hm.saveHealth()

		case <-hm.quit:
			break out
		}
	}
	hm.saveHealth()
	hm.wg.Done()
	log.Trace("Health handler done")
}

// saveHealth saves the health table to the configured file.  The file is
// written to a temporary path and renamed into place so a crash mid-write
// cannot corrupt an existing table.  Nothing is written when the table has
// not changed since the last save.
func (hm *HealthManager) saveHealth() {
	hm.mtx.Lock()
	defer hm.mtx.Unlock()

	if hm.path == "" || !hm.changed {
		return
	}

	table := serializedHealthTable{
		Version: serializationVersion,
		Relays:  make([]*serializedRelayHealth, 0, len(hm.relays)),
	}
	unixOrZero := func(t time.Time) int64 {
		if t.IsZero() {
			return 0
		}
		return t.Unix()
	}
	for _, rh := range hm.relays {
		table.Relays = append(table.Relays, &serializedRelayHealth{
			Address:      rh.Address,
			State:        uint8(rh.State),
			FailureCount: rh.FailureCount,
			LastSuccess:  unixOrZero(rh.LastSuccess),
			LastFailure:  unixOrZero(rh.LastFailure),
			BackoffUntil: unixOrZero(rh.BackoffUntil),
		})
	}

	tmpfile := hm.path + ".new"
	w, err := os.Create(tmpfile)
	if err != nil {
		log.Errorf("Error creating file %s: %v", tmpfile, err)
		return
	}
	enc := json.NewEncoder(w)
	if err := enc.Encode(&table); err != nil {
		w.Close()
		log.Errorf("Failed to encode file %s: %v", tmpfile, err)
		return
	}
	if err := w.Close(); err != nil {
		log.Errorf("Error closing file %s: %v", tmpfile, err)
		return
	}
	if err := os.Rename(tmpfile, hm.path); err != nil {
		log.Errorf("Error writing file %s: %v", hm.path, err)
		return
	}
	hm.changed = false
}

// loadHealth loads the previously saved health table from the configured
// file.  A missing file is not an error and results in an empty table, as
// does a file that fails to parse, in which case the offending file is
// removed.
func (hm *HealthManager) loadHealth() {
	hm.mtx.Lock()
	defer hm.mtx.Unlock()

	if hm.path == "" {
		return
	}

	err := hm.deserializeHealth(hm.path)
	if err == nil {
		log.Infof("Loaded health information for %d relays",
			len(hm.relays))
		return
	}
	if os.IsNotExist(err) {
		return
	}

	log.Errorf("Failed to parse file %s: %v", hm.path, err)
	// if it is invalid we nuke the old one unconditionally.
	if err := os.Remove(hm.path); err != nil {
		log.Warnf("Failed to remove corrupt health file %s: %v",
			hm.path, err)
	}
	hm.relays = make(map[string]*RelayHealth)
}

// deserializeHealth reads the health table from the given file path into the
// in-memory map.
//
// This function MUST be called with the manager mutex held.
func (hm *HealthManager) deserializeHealth(path string) error {
	r, err := os.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	var table serializedHealthTable
	dec := json.NewDecoder(r)
	if err := dec.Decode(&table); err != nil {
		return fmt.Errorf("error reading %s: %w", path, err)
	}
	if table.Version != serializationVersion {
		return fmt.Errorf("unknown version %v in serialized health "+
			"table", table.Version)
	}

	timeOrZero := func(u int64) time.Time {
		if u == 0 {
			return time.Time{}
		}
		return time.Unix(u, 0)
	}
	for _, srh := range table.Relays {
		if srh.Address == "" {
			return fmt.Errorf("serialized health entry with empty " +
				"address")
		}
		hm.relays[srh.Address] = &RelayHealth{
			Address:      srh.Address,
			State:        RelayState(srh.State),
			FailureCount: srh.FailureCount,
			LastSuccess:  timeOrZero(srh.LastSuccess),
			LastFailure:  timeOrZero(srh.LastFailure),
			BackoffUntil: timeOrZero(srh.BackoffUntil),
		}
	}
	return nil
}

// Start begins the core health manager.  Previously saved health information
// is loaded from disk and a handler is launched that periodically saves it
// back.
func (hm *HealthManager) Start() {
	// Already started?
	if atomic.AddInt32(&hm.started, 1) != 1 {
		return
	}

	log.Trace("Starting relay health manager")

	hm.loadHealth()

	hm.wg.Add(1)
	go hm.healthHandler()
}

// Stop gracefully shuts down the health manager by stopping the handler and
// flushing the health table to disk.
func (hm *HealthManager) Stop() error {
	if atomic.AddInt32(&hm.shutdown, 1) != 1 {
		log.Warnf("Health manager is already in the process of " +
			"shutting down")
		return nil
	}

	log.Infof("Health manager shutting down")
	close(hm.quit)
	hm.wg.Wait()
	return nil
}
