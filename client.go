// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/meshforge/relaykit/authmgr"
	"github.com/meshforge/relaykit/connmgr"
	"github.com/meshforge/relaykit/healthmgr"
	"github.com/meshforge/relaykit/pubmgr"
	"github.com/meshforge/relaykit/relayaddr"
	"github.com/meshforge/relaykit/relaydb"
	"github.com/meshforge/relaykit/relaysel"
	"github.com/meshforge/relaykit/relaystats"
	"github.com/meshforge/relaykit/wire"
	"github.com/meshforge/relaykit/writeq"

	"github.com/decred/dcrd/container/lru"
	"github.com/decred/go-socks/socks"
	"github.com/gorilla/websocket"
)

const (
	// defaultHandshakeTimeout is the maximum amount of time to wait for
	// the websocket upgrade to complete.
	defaultHandshakeTimeout = time.Second * 30

	// maxFrameSize is the maximum size of a single frame read from a
	// relay.  Connections that exceed it are dropped by the websocket
	// layer.
	maxFrameSize = 1 << 19 // 512 KiB

	// seenCacheLimit is the number of recently archived record IDs kept
	// to suppress duplicate archival when several relays deliver the
	// same record.
	seenCacheLimit = 10000

	// eventsPartition is the write queue partition ingested records are
	// archived under.
	eventsPartition = "events"

	// kindRelayList identifies records whose tags declare the author's
	// advertised write relays.
	kindRelayList = 10002

	// authRequiredPrefix is the refusal message prefix relays use to
	// signal that a record needs an authenticated session.
	authRequiredPrefix = "auth-required:"

	// outboxKeyPrefix prefixes author outbox directory entries in the
	// store.
	outboxKeyPrefix = "outbox/"
)

// outboxKey returns the database key for the given author's outbox entry.
func outboxKey(author string) []byte {
	return []byte(outboxKeyPrefix + author)
}

// outboxEntry is the serialized form of an author's advertised write relays.
type outboxEntry struct {
	Relays    []string `json:"relays"`
	UpdatedAt int64    `json:"updatedAt"`
}

// pendingAck identifies an in-flight publish awaiting the relay's
// acknowledgment frame.
type pendingAck struct {
	relay string
	id    string
}

// ackResult is the decoded acknowledgment for a single published record.
type ackResult struct {
	accepted bool
	message  string
}

// connWaiter resolves every publish blocked on the same relay dial.  The
// done channel is closed exactly once with err set beforehand.
type connWaiter struct {
	done chan struct{}
	err  error
}

// client wires the relay managers into a running engine: frames read by the
// connection manager are decoded and routed to the auth manager and the
// ingest queue, publishes are delivered over managed connections and matched
// to relay acknowledgments, and connection outcomes feed the health and
// stats trackers.
type client struct {
	cfg *config

	db     *relaydb.DB
	health *healthmgr.HealthManager
	stats  *relaystats.StatsManager
	rsel   *relaysel.Resolver
	auth   *authmgr.AuthManager
	wq     *writeq.WriteManager
	cmgr   *connmgr.ConnManager
	pub    *pubmgr.PublishManager

	wsDialer   websocket.Dialer
	seenEvents *lru.Set[string]

	// ready is closed once Run has started every owned manager.
	ready chan struct{}

	mtx         sync.Mutex
	conns       map[string]bool
	dialWaiters map[string]*connWaiter
	acks        map[pendingAck]chan ackResult
	authSent    map[string]string
}

// newClient builds the relay engine from the given configuration and opened
// database.  Use Run to start it.
func newClient(cfg *config, db *relaydb.DB) (*client, error) {
	c := client{
		cfg:         cfg,
		db:          db,
		seenEvents:  lru.NewSet[string](seenCacheLimit),
		ready:       make(chan struct{}),
		conns:       make(map[string]bool),
		dialWaiters: make(map[string]*connWaiter),
		acks:        make(map[pendingAck]chan ackResult),
		authSent:    make(map[string]string),
	}

	// Raw TCP dials go through the configured SOCKS proxy when one is
	// set.
	var netDialer net.Dialer
	dialContext := netDialer.DialContext
	if cfg.Proxy != "" {
		proxy := &socks.Proxy{
			Addr:     cfg.Proxy,
			Username: cfg.ProxyUser,
			Password: cfg.ProxyPass,
		}
		dialContext = proxy.DialContext
		rkitLog.Infof("Dialing relays via proxy %s", cfg.Proxy)
	}
	c.wsDialer = websocket.Dialer{
		NetDialContext:   dialContext,
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	defaultPref, err := authmgr.ParsePreference(cfg.AuthPreference)
	if err != nil {
		return nil, err
	}

	c.health = healthmgr.New(&healthmgr.Config{
		DataDir: cfg.DataDir,
	})
	c.stats = relaystats.New(&relaystats.Config{
		DB: db,
	})
	c.rsel = relaysel.New(&relaysel.Config{
		Directory: &c,
		Health:    c.health,
		Scorer:    c.stats,
		Fallback:  cfg.FallbackRelays,
	})
	c.auth, err = authmgr.New(&authmgr.Config{
		Respond:           c.respondAuth,
		DB:                db,
		DefaultPreference: defaultPref,
	})
	if err != nil {
		return nil, err
	}
	c.wq, err = writeq.New(&writeq.Config{
		Store: relaydb.NewQueueStore(db),
		OnDropped: func(items []writeq.Item, err error) {
			rkitLog.Errorf("Dropped %d queued %s: %v", len(items),
				pickNoun(len(items), "write", "writes"), err)
		},
	})
	if err != nil {
		return nil, err
	}
	c.cmgr, err = connmgr.New(&connmgr.Config{
		Dial:            c.dialRelay,
		OnPeerAdded:     c.onPeerAdded,
		OnConnect:       c.onConnect,
		OnConnectFailed: c.onConnectFailed,
		OnDisconnect:    c.onDisconnect,
		OnFrame:         c.handleFrame,
	})
	if err != nil {
		return nil, err
	}
	c.pub, err = pubmgr.New(&pubmgr.Config{
		Resolver:       c.rsel,
		Send:           c.sendEvent,
		Health:         c.health,
		Stats:          c.stats,
		DB:             db,
		DefaultTimeout: cfg.PublishTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &c, nil
}

// dialRelay establishes the websocket transport to the given canonical relay
// address.  It satisfies the connection manager's dial callback.
func (c *client) dialRelay(ctx context.Context, addr string) (connmgr.Conn, error) {
	conn, resp, err := c.wsDialer.DialContext(ctx, addr, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (handshake status %d)", err,
				resp.StatusCode)
		}
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

// onPeerAdded is invoked once when a relay address first comes under
// connection management.
func (c *client) onPeerAdded(addr string) {
	rkitLog.Debugf("Relay %s is now managed", addr)
}

// onConnect records the dial outcome and releases publishes waiting on the
// connection.
func (c *client) onConnect(addr string, connectTime time.Duration) {
	rkitLog.Infof("Connected to %s in %v", addr, connectTime)
	c.stats.RecordConnect(addr, connectTime)
	c.health.RecordSuccess(addr)

	c.mtx.Lock()
	c.conns[addr] = true
	c.mtx.Unlock()
	c.resolveDial(addr, nil)
}

// onConnectFailed records the dial failure and releases publishes waiting on
// the connection.
func (c *client) onConnectFailed(addr string, err error) {
	rkitLog.Debugf("Connection to %s failed: %v", addr, err)
	c.health.RecordFailure(addr)
	c.resolveDial(addr, err)
}

// onDisconnect records the end of a relay session and resets the relay's
// handshake state.
func (c *client) onDisconnect(addr string, session time.Duration, err error) {
	if err != nil {
		rkitLog.Infof("Lost connection to %s after %v: %v", addr,
			session, err)
		c.health.RecordFailure(addr)
	} else {
		rkitLog.Infof("Disconnected from %s after %v", addr, session)
	}
	c.stats.RecordSessionEnd(addr, session)
	c.auth.HandleDisconnect(addr)

	c.mtx.Lock()
	c.conns[addr] = false
	delete(c.authSent, addr)
	c.mtx.Unlock()
}

// resolveDial releases every publish currently waiting for the given relay
// dial to settle.
func (c *client) resolveDial(addr string, err error) {
	c.mtx.Lock()
	w := c.dialWaiters[addr]
	delete(c.dialWaiters, addr)
	c.mtx.Unlock()

	if w != nil {
		w.err = err
		close(w.done)
	}
}

// ensureConnected establishes a managed connection to the relay when one is
// not already up, blocking until the connection is ready, the dial settles
// with a failure, or the context is done.  Concurrent callers targeting the
// same relay share a single dial.
func (c *client) ensureConnected(ctx context.Context, relay string) error {
	c.mtx.Lock()
	if c.conns[relay] {
		c.mtx.Unlock()
		return nil
	}
	w := c.dialWaiters[relay]
	fresh := w == nil
	if fresh {
		w = &connWaiter{done: make(chan struct{})}
		c.dialWaiters[relay] = w
	}
	c.mtx.Unlock()

	if fresh {
		err := c.cmgr.Connect(ctx, relay, false)
		if err != nil && !errors.Is(err, connmgr.ErrDuplicateConnection) {
			c.resolveDial(relay, err)
		}
		// A duplicate registration means a dial is already in flight
		// or the connection raced up; the connection callbacks settle
		// the waiter either way.
	}

	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleFrame decodes a raw frame read from a relay connection and routes it
// to the interested subsystem.  It is invoked from the connection's read
// goroutine, so it must not block for long.
func (c *client) handleFrame(relay string, data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		rkitLog.Debugf("Discarding frame from %s: %v", relay, err)
		return
	}

	switch f.Kind {
	case frameEvent:
		c.ingest(relay, f.Event)

	case frameAuth:
		rkitLog.Debugf("Authentication challenge from %s", relay)
		c.auth.HandleChallenge(relay, f.Challenge)

	case frameOK:
		c.handleAck(relay, f)

	case framePing:
		// Application-level pings are answered in place.  Control
		// frames the websocket layer exchanges never reach here.
		if err := c.cmgr.Send(relay, encodePongFrame()); err != nil {
			rkitLog.Debugf("Unable to answer ping from %s: %v",
				relay, err)
		}

	case framePong:
	}
}

// handleAck routes a relay acknowledgment to the publish awaiting it, or to
// the auth manager when it answers the challenge last responded to on the
// relay.
func (c *client) handleAck(relay string, f *frame) {
	key := pendingAck{relay: relay, id: f.ID}
	c.mtx.Lock()
	ch, ok := c.acks[key]
	if ok {
		delete(c.acks, key)
	}
	challenge, authPending := c.authSent[relay]
	c.mtx.Unlock()

	if ok {
		ch <- ackResult{accepted: f.Accepted, message: f.Message}
		return
	}

	if authPending && challenge == f.ID {
		c.mtx.Lock()
		delete(c.authSent, relay)
		c.mtx.Unlock()
		if f.Accepted {
			c.auth.HandleAuthOK(relay)
		} else {
			c.auth.HandleAuthFailed(relay)
		}
		return
	}

	rkitLog.Debugf("Unmatched acknowledgment from %s for %q", relay, f.ID)
}

// respondAuth delivers the response to an authentication challenge over the
// relay's managed connection.  It satisfies the auth manager's respond
// callback; the relay's acknowledgment is matched back to the handshake in
// handleAck.
func (c *client) respondAuth(ctx context.Context, relay, challenge string) error {
	payload, err := encodeAuthFrame(challenge)
	if err != nil {
		return err
	}

	c.mtx.Lock()
	c.authSent[relay] = challenge
	c.mtx.Unlock()

	if err := c.cmgr.Send(relay, payload); err != nil {
		c.mtx.Lock()
		delete(c.authSent, relay)
		c.mtx.Unlock()
		return err
	}
	return nil
}

// ingest archives a record observed on a relay and maintains the author
// outbox directory automatic relay selection draws from.
func (c *client) ingest(relay string, ev *wire.Event) {
	ev.MarkSeenOn(relay)

	// Keep one archived copy per record even when several relays deliver
	// it.
	if c.seenEvents.Contains(ev.ID) {
		return
	}
	c.seenEvents.Put(ev.ID)

	payload, err := ev.Serialize()
	if err != nil {
		rkitLog.Errorf("Unable to serialize record %s: %v", ev.ID, err)
		return
	}
	if err := c.wq.Enqueue(eventsPartition, payload); err != nil {
		rkitLog.Warnf("Unable to queue record %s for archival: %v",
			ev.ID, err)
	}

	if ev.Kind == kindRelayList {
		c.updateOutbox(ev)
	}
}

// updateOutbox replaces the stored write relay declaration for the record's
// author unless a newer declaration is already on record.
func (c *client) updateOutbox(ev *wire.Event) {
	relays := make([]string, 0, len(ev.Tags))
	for _, tag := range ev.Tags {
		// ["r", "<relay>"] declares a relay used for both reading and
		// writing while a third "read" or "write" element narrows it.
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		if len(tag) >= 3 && tag[2] != "write" {
			continue
		}
		relays = append(relays, tag[1])
	}
	relays = relayaddr.CanonicalizeSlice(relays)

	key := outboxKey(ev.Author)
	if serialized, err := c.db.Get(key); err == nil && serialized != nil {
		var prev outboxEntry
		if err := json.Unmarshal(serialized, &prev); err == nil &&
			prev.UpdatedAt >= ev.CreatedAt {
			return
		}
	}

	serialized, err := json.Marshal(&outboxEntry{
		Relays:    relays,
		UpdatedAt: ev.CreatedAt,
	})
	if err != nil {
		return
	}
	if err := c.db.Put(key, serialized); err != nil {
		rkitLog.Warnf("Unable to store outbox declaration for %s: %v",
			ev.Author, err)
		return
	}
	c.rsel.InvalidateAuthor(ev.Author)
	rkitLog.Debugf("Updated outbox declaration for %s (%d %s)", ev.Author,
		len(relays), pickNoun(len(relays), "relay", "relays"))
}

// WriteRelays returns the author's stored write relay declaration.  It
// satisfies the resolver's directory interface.
func (c *client) WriteRelays(author string) ([]string, error) {
	serialized, err := c.db.Get(outboxKey(author))
	if err != nil || serialized == nil {
		return nil, err
	}
	var entry outboxEntry
	if err := json.Unmarshal(serialized, &entry); err != nil {
		return nil, fmt.Errorf("corrupt outbox entry for %s: %w",
			author, err)
	}
	return entry.Relays, nil
}

// awaitAuthOutcome blocks until the relay's handshake reaches a settled
// state or the context is done, and returns that state.
func (c *client) awaitAuthOutcome(ctx context.Context, relay string) authmgr.AuthStatus {
	done := make(chan authmgr.AuthStatus, 1)
	id := c.auth.Subscribe(func(n authmgr.Notification) {
		if n.Relay != relay {
			return
		}
		switch n.Status {
		case authmgr.StatusAuthenticated, authmgr.StatusFailed:
			select {
			case done <- n.Status:
			default:
			}
		}
	})
	defer c.auth.Unsubscribe(id)

	select {
	case status := <-done:
		return status
	case <-ctx.Done():
		return authmgr.StatusFailed
	}
}

// authenticate answers the relay's parked challenge and blocks until the
// relay acknowledges the response, the attempt fails, or the context is
// done.
func (c *client) authenticate(ctx context.Context, relay string) error {
	// Watch for the outcome before kicking the attempt so the relay's
	// acknowledgment cannot slip by between the two.
	done := make(chan authmgr.AuthStatus, 1)
	id := c.auth.Subscribe(func(n authmgr.Notification) {
		if n.Relay != relay {
			return
		}
		switch n.Status {
		case authmgr.StatusAuthenticated, authmgr.StatusFailed:
			select {
			case done <- n.Status:
			default:
			}
		}
	})
	defer c.auth.Unsubscribe(id)

	err := c.auth.Authenticate(relay)
	switch {
	case errors.Is(err, authmgr.ErrAlreadyAuthenticated):
		return nil
	case errors.Is(err, authmgr.ErrAuthPending):
		// Wait for the in-flight attempt below.
	case err != nil:
		return err
	}

	var status authmgr.AuthStatus
	select {
	case status = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if status != authmgr.StatusAuthenticated {
		return fmt.Errorf("authentication with %s failed", relay)
	}
	return nil
}

// sendEvent delivers the record to the relay over its managed connection and
// blocks until the relay acknowledges it, the send fails, or the context is
// done.  It satisfies the publish manager's send callback.
//
// Relays that refuse the record pending authentication are answered
// according to the relay's preference and the record is then retried once on
// the authenticated session.
func (c *client) sendEvent(ctx context.Context, relay string, ev *wire.Event) error {
	if err := c.ensureConnected(ctx, relay); err != nil {
		return err
	}

	// A handshake already racing its acknowledgment finishes first so
	// the record lands on the authenticated session.
	if c.auth.Status(relay) == authmgr.StatusAuthenticating {
		c.awaitAuthOutcome(ctx, relay)
	}

	res, err := c.deliver(ctx, relay, ev)
	if err != nil {
		return err
	}
	if res.accepted {
		return nil
	}

	if strings.HasPrefix(res.message, authRequiredPrefix) &&
		c.auth.Preference(relay) == authmgr.PrefAlways {

		if err := c.authenticate(ctx, relay); err != nil {
			return err
		}
		res, err = c.deliver(ctx, relay, ev)
		if err != nil {
			return err
		}
		if res.accepted {
			return nil
		}
	}

	return fmt.Errorf("relay refused record: %s", res.message)
}

// deliver writes the record's publish frame to the relay and waits for the
// matching acknowledgment.
func (c *client) deliver(ctx context.Context, relay string, ev *wire.Event) (ackResult, error) {
	payload, err := encodeEventFrame(ev)
	if err != nil {
		return ackResult{}, err
	}

	key := pendingAck{relay: relay, id: ev.ID}
	ch := make(chan ackResult, 1)
	c.mtx.Lock()
	if _, exists := c.acks[key]; exists {
		c.mtx.Unlock()
		return ackResult{}, fmt.Errorf("record %s is already in flight "+
			"to %s", ev.ID, relay)
	}
	c.acks[key] = ch
	c.mtx.Unlock()
	defer func() {
		c.mtx.Lock()
		delete(c.acks, key)
		c.mtx.Unlock()
	}()

	if err := c.cmgr.Send(relay, payload); err != nil {
		return ackResult{}, err
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return ackResult{}, ctx.Err()
	}
}

// publishFile publishes the serialized record in the given file to its
// resolved relays and blocks until the publish settles or the context is
// done.
func (c *client) publishFile(ctx context.Context, path string) error {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	ev, err := wire.DeserializeEvent(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	req, err := c.pub.Publish(ctx, ev, relaysel.PolicyAutomatic, nil)
	if err != nil {
		return err
	}
	rkitLog.Infof("Publishing record %s to %d %s (request %s)", ev.ID,
		len(req.ResolvedRelays),
		pickNoun(len(req.ResolvedRelays), "relay", "relays"), req.ID)

	// Pending means relays are still in flight; every other aggregate is
	// settled.
	done := make(chan pubmgr.AggregateStatus, 1)
	subID := c.pub.Subscribe(func(n pubmgr.StatusNotification) {
		if n.RequestID != req.ID || n.Status == pubmgr.StatusPending {
			return
		}
		select {
		case done <- n.Status:
		default:
		}
	})
	defer c.pub.Unsubscribe(subID)

	var status pubmgr.AggregateStatus
	select {
	case status = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	final, ok := c.pub.Request(req.ID)
	if !ok {
		return fmt.Errorf("publish request %s is no longer tracked", req.ID)
	}
	accepted := 0
	for _, result := range final.Results {
		if result.Status == pubmgr.ResultSuccess {
			accepted++
		} else if result.Err != "" {
			rkitLog.Warnf("Relay %s refused record: %s", result.Relay,
				result.Err)
		}
	}
	rkitLog.Infof("Publish %s finished %s: %d/%d %s accepted", req.ID,
		status, accepted, len(final.Results),
		pickNoun(len(final.Results), "relay", "relays"))
	if status == pubmgr.StatusFailed {
		return fmt.Errorf("record %s was not accepted by any relay", ev.ID)
	}
	return nil
}

// Run starts every owned manager, connects the pinned relays, and blocks
// until the context is canceled and the managers have all stopped.
func (c *client) Run(ctx context.Context) {
	c.health.Start()
	c.stats.Start()
	c.pub.Start()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.cmgr.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		c.auth.Run(ctx)
	}()

	for _, relay := range c.cfg.Relays {
		if err := c.cmgr.Connect(ctx, relay, true); err != nil {
			rkitLog.Warnf("Unable to manage pinned relay %s: %v",
				relay, err)
		}
	}
	close(c.ready)

	<-ctx.Done()
	wg.Wait()

	// Release any publishes still waiting on a dial; the connection
	// manager is gone and will not settle them.
	c.mtx.Lock()
	waiters := c.dialWaiters
	c.dialWaiters = make(map[string]*connWaiter)
	c.mtx.Unlock()
	for _, w := range waiters {
		w.err = errors.New("shutting down")
		close(w.done)
	}

	// Orderly teardown: settle outstanding publish work, flush the write
	// queue, and dump the trackers.
	if err := c.pub.Stop(); err != nil {
		rkitLog.Errorf("Unable to stop publish manager: %v", err)
	}
	if err := c.wq.Close(); err != nil {
		rkitLog.Errorf("Unable to flush write queue: %v", err)
	}
	if err := c.stats.Stop(); err != nil {
		rkitLog.Errorf("Unable to stop stats manager: %v", err)
	}
	if err := c.health.Stop(); err != nil {
		rkitLog.Errorf("Unable to stop health manager: %v", err)
	}
}
