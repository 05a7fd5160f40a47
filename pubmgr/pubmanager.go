// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pubmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meshforge/relaykit/relayaddr"
	"github.com/meshforge/relaykit/relaydb"
	"github.com/meshforge/relaykit/relaysel"
	"github.com/meshforge/relaykit/wire"
)

const (
	// defaultSendTimeout is the per-relay send timeout used when the
	// configuration does not provide one and the stats tracker has no
	// better estimate for the relay.
	defaultSendTimeout = 10 * time.Second

	// pubReqKeyPrefix is the database key prefix under which publish
	// requests are persisted.
	pubReqKeyPrefix = "pubreq/"
)

// ResultStatus identifies the outcome of dispatching a record to a single
// relay.
type ResultStatus uint8

const (
	// ResultPending indicates the dispatch has not completed yet.
	ResultPending ResultStatus = iota

	// ResultSuccess indicates the relay accepted the record.
	ResultSuccess

	// ResultFailed indicates the relay rejected the record, the send
	// failed, or the per-relay timeout elapsed.
	ResultFailed
)

// String returns the ResultStatus in human-readable form.
func (s ResultStatus) String() string {
	switch s {
	case ResultPending:
		return "pending"
	case ResultSuccess:
		return "success"
	case ResultFailed:
		return "failed"
	}
	return fmt.Sprintf("unknown status (%d)", uint8(s))
}

// AggregateStatus summarizes the per-relay results of a publish request.
type AggregateStatus uint8

const (
	// StatusPending indicates at least one relay has not reported a
	// result yet.
	StatusPending AggregateStatus = iota

	// StatusPartial indicates some relays accepted the record and some
	// failed.
	StatusPartial

	// StatusSuccess indicates every relay accepted the record.
	StatusSuccess

	// StatusFailed indicates no relay accepted the record.  A request
	// that resolved zero relays is failed immediately.
	StatusFailed
)

// String returns the AggregateStatus in human-readable form.
func (s AggregateStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusPartial:
		return "partial"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("unknown status (%d)", uint8(s))
}

// RelayResult is the outcome of dispatching a record to a single relay.
type RelayResult struct {
	// Relay is the canonical relay address.
	Relay string `json:"relay"`

	// Status is the current dispatch outcome.
	Status ResultStatus `json:"status"`

	// StartedAt is when the dispatch began.
	StartedAt time.Time `json:"startedAt"`

	// CompletedAt is when the dispatch finished.  It is the zero time
	// while the dispatch is still pending.
	CompletedAt time.Time `json:"completedAt"`

	// Err is the failure reason when Status is ResultFailed.
	Err string `json:"err,omitempty"`
}

// PublishRequest is the durable record of a single publish.  It is created
// when the publish is initiated, mutated as per-relay results arrive, and no
// longer changes once every relay has resolved unless the request is retried.
//
// Accessors on PublishManager return deep copies, so callers may retain and
// inspect a request without synchronization.
type PublishRequest struct {
	// ID uniquely identifies the request.
	ID string `json:"id"`

	// RecordID is the ID of the published record.
	RecordID string `json:"recordId"`

	// Record is the signed record that was published.
	Record *wire.Event `json:"record"`

	// CreatedAt is when the publish was initiated.
	CreatedAt time.Time `json:"createdAt"`

	// Policy is the relay selection policy the publish used.
	Policy relaysel.Policy `json:"policy"`

	// Source reports which tier of the selection cascade produced the
	// target relays.
	Source relaysel.Source `json:"source"`

	// ResolvedRelays is the final target relay list in dispatch order.
	ResolvedRelays []string `json:"resolvedRelays"`

	// Results holds the current per-relay result, keyed by canonical
	// relay address.
	Results map[string]*RelayResult `json:"results"`

	// History holds per-relay results that were superseded by a retry,
	// in the order they were replaced.
	History []RelayResult `json:"history,omitempty"`

	// Aggregate summarizes the current per-relay results.
	Aggregate AggregateStatus `json:"aggregate"`
}

// snapshot returns a deep copy of the request.
//
// This function MUST be called with the manager lock held (for reads).
func (r *PublishRequest) snapshot() *PublishRequest {
	cp := *r
	if r.Record != nil {
		cp.Record = r.Record.Clone()
	}
	cp.ResolvedRelays = append([]string(nil), r.ResolvedRelays...)
	cp.Results = make(map[string]*RelayResult, len(r.Results))
	for relay, res := range r.Results {
		resCopy := *res
		cp.Results[relay] = &resCopy
	}
	cp.History = append([]RelayResult(nil), r.History...)
	return &cp
}

// computeAggregate derives the aggregate status from the current per-relay
// results.  It is idempotent and safe to invoke redundantly.
func computeAggregate(req *PublishRequest) AggregateStatus {
	var pending, success int
	for _, res := range req.Results {
		switch res.Status {
		case ResultPending:
			pending++
		case ResultSuccess:
			success++
		}
	}
	switch {
	case len(req.Results) == 0:
		return StatusFailed
	case pending > 0:
		return StatusPending
	case success == len(req.Results):
		return StatusSuccess
	case success == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// StatusNotification describes an aggregate status recomputation of a
// publish request.
type StatusNotification struct {
	// RequestID identifies the publish request.
	RequestID string

	// Status is the aggregate status after the recomputation.
	Status AggregateStatus
}

// Resolver selects target relays for an outgoing record.
type Resolver interface {
	// Resolve produces the target relay list for the given record under
	// the given policy.
	Resolve(policy relaysel.Policy, rec *wire.Event, opts *relaysel.Options) (*relaysel.Resolution, error)
}

// HealthTracker is the subset of the liveness tracker the orchestrator
// reports dispatch outcomes to.
type HealthTracker interface {
	RecordSuccess(addr string)
	RecordFailure(addr string)
}

// StatsTracker is the subset of the performance scoreboard the orchestrator
// reports dispatch outcomes to and derives per-relay timeouts from.
type StatsTracker interface {
	RecordResponse(addr string, d time.Duration)
	RecordSuccess(addr string)
	RecordFailure(addr string)
	AdaptiveTimeout(addr string, def time.Duration) time.Duration
}

// Options customizes a single publish.  The callbacks are invoked from the
// dispatch goroutines and must not block.
type Options struct {
	// Relays supplies the exact target relays for PolicyExplicit.  It is
	// ignored for PolicyAutomatic.
	Relays []string

	// AdditionalRelays are merged into the resolved target list
	// regardless of policy.
	AdditionalRelays []string

	// IncludeUnhealthy bypasses the liveness tracker during resolution.
	IncludeUnhealthy bool

	// OnRelayStatus is invoked with a copy of the per-relay result each
	// time a relay completes.
	OnRelayStatus func(requestID string, result RelayResult)

	// OnStatusChange is invoked each time the aggregate status of the
	// request is recomputed, including recomputations that leave the
	// status unchanged.
	OnStatusChange func(requestID string, status AggregateStatus)
}

// requestCallbacks holds the per-publish callbacks.  They are kept outside
// the request itself so requests stay serializable.
type requestCallbacks struct {
	onRelayStatus  func(string, RelayResult)
	onStatusChange func(string, AggregateStatus)
}

// Config holds the configuration options related to the publish manager.
type Config struct {
	// Resolver selects target relays for outgoing records.
	//
	// This field is required.
	Resolver Resolver

	// Send delivers the record to a single relay and blocks until the
	// relay acknowledges it, the send fails, or the context is done.
	//
	// This field is required.
	Send func(ctx context.Context, relay string, rec *wire.Event) error

	// Health receives dispatch outcomes for liveness tracking.  May be
	// nil.
	Health HealthTracker

	// Stats receives dispatch outcomes and timings and supplies adaptive
	// per-relay timeouts.  May be nil.
	Stats StatsTracker

	// DB is the database publish requests are persisted to.  Requests
	// are kept in memory only when it is nil.
	DB *relaydb.DB

	// DefaultTimeout is the per-relay send timeout used when the stats
	// tracker has no better estimate.
	//
	// Defaults to 10 seconds when zero.
	DefaultTimeout time.Duration
}

// PublishManager orchestrates durable record publishes across multiple
// relays.  It is safe for concurrent access.
type PublishManager struct {
	started  int32
	shutdown int32

	cfg Config
	wg  sync.WaitGroup

	mtx       sync.Mutex
	requests  map[string]*PublishRequest
	callbacks map[string]requestCallbacks
	subs      map[uint64]func(StatusNotification)
	subID     uint64
}

// New returns a new publish manager for the given configuration.
func New(cfg *Config) (*PublishManager, error) {
	if cfg.Resolver == nil {
		return nil, makeError(ErrResolverNil, "resolver may not be nil")
	}
	if cfg.Send == nil {
		return nil, makeError(ErrSendNil, "send callback may not be nil")
	}

	c := *cfg
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultSendTimeout
	}
	return &PublishManager{
		cfg:       c,
		requests:  make(map[string]*PublishRequest),
		callbacks: make(map[string]requestCallbacks),
		subs:      make(map[uint64]func(StatusNotification)),
	}, nil
}

// requestKey returns the database key for the given request ID.
func requestKey(id string) []byte {
	return []byte(pubReqKeyPrefix + id)
}

// persistLocked writes the request to the database.  Persistence failures
// are logged and do not affect the in-memory request.
//
// This function MUST be called with the manager lock held (for reads).
func (pm *PublishManager) persistLocked(req *PublishRequest) {
	if pm.cfg.DB == nil {
		return
	}
	b, err := json.Marshal(req)
	if err != nil {
		log.Errorf("Failed to serialize publish request %s: %v", req.ID, err)
		return
	}
	if err := pm.cfg.DB.Put(requestKey(req.ID), b); err != nil {
		log.Errorf("Failed to persist publish request %s: %v", req.ID, err)
	}
}

// loadRequests restores persisted publish requests.  Entries that fail to
// deserialize are skipped.  Results that were still pending when the process
// last stopped can no longer complete, so they are marked failed and the
// aggregate is recomputed.
func (pm *PublishManager) loadRequests() {
	if pm.cfg.DB == nil {
		return
	}

	var interrupted int
	iter := pm.cfg.DB.NewIterator([]byte(pubReqKeyPrefix))
	defer iter.Release()
	pm.mtx.Lock()
	for iter.Next() {
		var req PublishRequest
		if err := json.Unmarshal(iter.Value(), &req); err != nil {
			log.Warnf("Skipping unparsable publish request %q: %v",
				iter.Key(), err)
			continue
		}

		var dirty bool
		for _, res := range req.Results {
			if res.Status != ResultPending {
				continue
			}
			res.Status = ResultFailed
			res.CompletedAt = time.Now()
			res.Err = "publish interrupted by shutdown"
			interrupted++
			dirty = true
		}
		if dirty {
			req.Aggregate = computeAggregate(&req)
			pm.persistLocked(&req)
		}
		pm.requests[req.ID] = &req
	}
	numRequests := len(pm.requests)
	pm.mtx.Unlock()

	log.Infof("Loaded %d publish requests (%d interrupted dispatches)",
		numRequests, interrupted)
}

// notify delivers an aggregate status notification to all subscribers.
//
// This function MUST NOT be called with the manager lock held.
func (pm *PublishManager) notify(id string, status AggregateStatus) {
	pm.mtx.Lock()
	fns := make([]func(StatusNotification), 0, len(pm.subs))
	for _, fn := range pm.subs {
		fns = append(fns, fn)
	}
	pm.mtx.Unlock()

	note := StatusNotification{RequestID: id, Status: status}
	for _, fn := range fns {
		fn(note)
	}
}

// completeRelay records the outcome of a single dispatch, recomputes the
// aggregate status, persists the request, and fires the relevant callbacks.
// Outcomes for relays that are no longer pending, such as a late completion
// racing a retry, are discarded.
func (pm *PublishManager) completeRelay(id, relay string, sendErr error) {
	pm.mtx.Lock()
	req, ok := pm.requests[id]
	if !ok {
		pm.mtx.Unlock()
		return
	}
	res, ok := req.Results[relay]
	if !ok || res.Status != ResultPending {
		pm.mtx.Unlock()
		return
	}

	res.CompletedAt = time.Now()
	if sendErr != nil {
		res.Status = ResultFailed
		res.Err = sendErr.Error()
	} else {
		res.Status = ResultSuccess
	}
	req.Aggregate = computeAggregate(req)

	resCopy := *res
	status := req.Aggregate
	cbs := pm.callbacks[id]
	pm.persistLocked(req)
	pm.mtx.Unlock()

	if cbs.onRelayStatus != nil {
		cbs.onRelayStatus(id, resCopy)
	}
	if cbs.onStatusChange != nil {
		cbs.onStatusChange(id, status)
	}
	pm.notify(id, status)
}

// dispatch delivers the record to a single relay, reports the outcome to the
// health and stats trackers, and records the result on the request.  The
// send is bounded by the adaptive timeout for the relay.
func (pm *PublishManager) dispatch(ctx context.Context, id, relay string, rec *wire.Event) {
	defer pm.wg.Done()

	timeout := pm.cfg.DefaultTimeout
	if pm.cfg.Stats != nil {
		timeout = pm.cfg.Stats.AdaptiveTimeout(relay, timeout)
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := pm.cfg.Send(sendCtx, relay, rec)
	elapsed := time.Since(start)

	if err != nil {
		log.Debugf("Publish %s to %s failed after %v: %v", id, relay,
			elapsed, err)
		if pm.cfg.Health != nil {
			pm.cfg.Health.RecordFailure(relay)
		}
		if pm.cfg.Stats != nil {
			pm.cfg.Stats.RecordFailure(relay)
		}
	} else {
		log.Tracef("Publish %s to %s acknowledged in %v", id, relay,
			elapsed)
		if pm.cfg.Health != nil {
			pm.cfg.Health.RecordSuccess(relay)
		}
		if pm.cfg.Stats != nil {
			pm.cfg.Stats.RecordSuccess(relay)
			pm.cfg.Stats.RecordResponse(relay, elapsed)
		}
	}

	pm.completeRelay(id, relay, err)
}

// containsRelay returns whether the given canonical relay address is already
// present in relays.
func containsRelay(relays []string, addr string) bool {
	for _, relay := range relays {
		if relay == addr {
			return true
		}
	}
	return false
}

// Publish resolves target relays for the given signed record and dispatches
// it to all of them concurrently.  It returns a snapshot of the new publish
// request immediately; per-relay outcomes arrive through the request
// accessors, the per-publish callbacks, and the subscription registry.
//
// A publish that resolves zero usable relays produces a request with an
// immediate failed aggregate and no dispatches.  Resolution never falls back
// across policies, so an error is returned only for malformed input such as
// an unknown policy.
//
// The context bounds the individual sends.  Canceling it fails any dispatch
// still in flight.
func (pm *PublishManager) Publish(ctx context.Context, rec *wire.Event, policy relaysel.Policy, opts *Options) (*PublishRequest, error) {
	if opts == nil {
		opts = &Options{}
	}

	selOpts := &relaysel.Options{
		Relays:           opts.Relays,
		IncludeUnhealthy: opts.IncludeUnhealthy,
	}
	resolution, err := pm.cfg.Resolver.Resolve(policy, rec, selOpts)
	if err != nil {
		return nil, err
	}

	targets := append([]string(nil), resolution.Relays...)
	for _, addr := range relayaddr.CanonicalizeSlice(opts.AdditionalRelays) {
		if !containsRelay(targets, addr) {
			targets = append(targets, addr)
		}
	}

	now := time.Now()
	req := &PublishRequest{
		ID:             uuid.New().String(),
		RecordID:       rec.ID,
		Record:         rec.Clone(),
		CreatedAt:      now,
		Policy:         policy,
		Source:         resolution.Source,
		ResolvedRelays: targets,
		Results:        make(map[string]*RelayResult, len(targets)),
	}
	for _, relay := range targets {
		req.Results[relay] = &RelayResult{
			Relay:     relay,
			Status:    ResultPending,
			StartedAt: now,
		}
	}
	req.Aggregate = computeAggregate(req)

	pm.mtx.Lock()
	pm.requests[req.ID] = req
	pm.callbacks[req.ID] = requestCallbacks{
		onRelayStatus:  opts.OnRelayStatus,
		onStatusChange: opts.OnStatusChange,
	}
	pm.persistLocked(req)
	status := req.Aggregate
	snap := req.snapshot()
	pm.mtx.Unlock()

	if opts.OnStatusChange != nil {
		opts.OnStatusChange(req.ID, status)
	}
	pm.notify(req.ID, status)

	if len(targets) == 0 {
		log.Warnf("Publish %s of record %s resolved no usable relays "+
			"(%d candidates before filtering)", req.ID, rec.ID,
			resolution.OriginalCount)
		return snap, nil
	}

	log.Debugf("Publishing record %s to %d relays (request %s, source %v)",
		rec.ID, len(targets), req.ID, resolution.Source)
	for _, relay := range targets {
		pm.wg.Add(1)
		go pm.dispatch(ctx, req.ID, relay, req.Record)
	}
	return snap, nil
}

// Retry re-dispatches the record of an existing publish request.  When no
// relays are named, every relay whose current result is failed is retried.
// Named relays must belong to the request and may include previously
// successful relays; relays that are still in flight are skipped either way.
//
// The superseded per-relay results are moved to the request history and
// fresh pending entries take their place, so the full dispatch record is
// retained across retries.
func (pm *PublishManager) Retry(ctx context.Context, id string, relays ...string) (*PublishRequest, error) {
	pm.mtx.Lock()
	req, ok := pm.requests[id]
	if !ok {
		pm.mtx.Unlock()
		str := fmt.Sprintf("no publish request with id %q", id)
		return nil, makeError(ErrUnknownRequest, str)
	}

	var targets []string
	if len(relays) > 0 {
		for _, addr := range relayaddr.CanonicalizeSlice(relays) {
			res, ok := req.Results[addr]
			if ok && res.Status != ResultPending &&
				!containsRelay(targets, addr) {

				targets = append(targets, addr)
			}
		}
	} else {
		for _, relay := range req.ResolvedRelays {
			res := req.Results[relay]
			if res != nil && res.Status == ResultFailed {
				targets = append(targets, relay)
			}
		}
	}
	if len(targets) == 0 {
		pm.mtx.Unlock()
		str := fmt.Sprintf("no retryable relays for publish request %s", id)
		return nil, makeError(ErrNothingToRetry, str)
	}

	now := time.Now()
	for _, relay := range targets {
		prev := req.Results[relay]
		req.History = append(req.History, *prev)
		req.Results[relay] = &RelayResult{
			Relay:     relay,
			Status:    ResultPending,
			StartedAt: now,
		}
	}
	req.Aggregate = computeAggregate(req)

	status := req.Aggregate
	cbs := pm.callbacks[id]
	rec := req.Record
	pm.persistLocked(req)
	snap := req.snapshot()
	pm.mtx.Unlock()

	if cbs.onStatusChange != nil {
		cbs.onStatusChange(id, status)
	}
	pm.notify(id, status)

	log.Debugf("Retrying publish %s to %d relays", id, len(targets))
	for _, relay := range targets {
		pm.wg.Add(1)
		go pm.dispatch(ctx, id, relay, rec)
	}
	return snap, nil
}

// Request returns a deep copy of the publish request with the given ID.
func (pm *PublishManager) Request(id string) (*PublishRequest, bool) {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()

	req, ok := pm.requests[id]
	if !ok {
		return nil, false
	}
	return req.snapshot(), true
}

// Requests returns deep copies of all known publish requests ordered oldest
// first.
func (pm *PublishManager) Requests() []*PublishRequest {
	pm.mtx.Lock()
	reqs := make([]*PublishRequest, 0, len(pm.requests))
	for _, req := range pm.requests {
		reqs = append(reqs, req.snapshot())
	}
	pm.mtx.Unlock()

	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
	return reqs
}

// Subscribe registers a callback for aggregate status notifications and
// returns an ID that may be used to unsubscribe.  The current status of
// every known request is replayed to the callback before Subscribe returns,
// so subscribers never miss the latest state.  The callback is invoked from
// dispatch goroutines and must not block.
func (pm *PublishManager) Subscribe(fn func(StatusNotification)) uint64 {
	pm.mtx.Lock()
	pm.subID++
	id := pm.subID
	pm.subs[id] = fn

	replay := make([]*PublishRequest, 0, len(pm.requests))
	for _, req := range pm.requests {
		replay = append(replay, req)
	}
	sort.Slice(replay, func(i, j int) bool {
		return replay[i].CreatedAt.Before(replay[j].CreatedAt)
	})
	notes := make([]StatusNotification, 0, len(replay))
	for _, req := range replay {
		notes = append(notes, StatusNotification{
			RequestID: req.ID,
			Status:    req.Aggregate,
		})
	}
	pm.mtx.Unlock()

	for _, note := range notes {
		fn(note)
	}
	return id
}

// Unsubscribe removes the subscription with the given ID.
func (pm *PublishManager) Unsubscribe(id uint64) {
	pm.mtx.Lock()
	delete(pm.subs, id)
	pm.mtx.Unlock()
}

// Start restores persisted publish requests and begins accepting publishes.
func (pm *PublishManager) Start() {
	// Already started?
	if atomic.AddInt32(&pm.started, 1) != 1 {
		return
	}

	log.Trace("Starting publish manager")
	pm.loadRequests()
}

// Stop waits for all in-flight dispatches to complete.  Callers should
// cancel the contexts passed to Publish and Retry first to avoid waiting on
// slow relays.
func (pm *PublishManager) Stop() error {
	if atomic.AddInt32(&pm.shutdown, 1) != 1 {
		log.Warnf("Publish manager is already in the process of shutting down")
		return nil
	}

	log.Infof("Publish manager shutting down")
	pm.wg.Wait()
	return nil
}
