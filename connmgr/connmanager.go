// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshforge/relaykit/relayaddr"
)

// maxRetryDuration is the max duration of time retrying of a permanent
// connection is allowed to grow to.  This is necessary since the retry logic
// uses a backoff mechanism which increases the interval base times the number
// of retries that have been done.
var maxRetryDuration = time.Minute * 5

const (
	// defaultRetryDuration is the default duration of time for retrying
	// permanent connections.
	defaultRetryDuration = time.Second * 5

	// defaultPingInterval is the default interval at which pings are
	// written to idle connections to keep intermediaries from timing
	// them out.
	defaultPingInterval = time.Minute

	// sendQueueLen is the number of outbound frames buffered per
	// connection before sends start failing.
	sendQueueLen = 256
)

// ConnState represents the state of the requested connection.
type ConnState uint32

// ConnState can be either pending, established, disconnected or failed.  When
// a new connection is requested, it is attempted and categorized as
// established or failed depending on the connection result.  An established
// connection which was disconnected is categorized as disconnected.
const (
	ConnPending ConnState = iota
	ConnEstablished
	ConnDisconnected
	ConnFailed
	ConnCanceled
)

// Conn is the subset of a websocket connection the connection manager
// drives.  It is satisfied by *websocket.Conn.
type Conn interface {
	// ReadMessage reads the next data frame from the connection.
	ReadMessage() (messageType int, p []byte, err error)

	// WriteMessage writes a frame with the given type and payload.  It
	// must only be called from a single goroutine at a time.
	WriteMessage(messageType int, data []byte) error

	// Close closes the underlying network connection without sending or
	// waiting for a close message.
	Close() error
}

// RelayConn is a managed connection to a relay.  If permanent, the
// connection will be retried on disconnection.
type RelayConn struct {
	// state is the current connection state.  It must only be used
	// atomically.
	state uint32

	// The following fields are owned by the connection handler and must
	// not be accessed outside of it.
	//
	// retryCount is the number of times a permanent connection that
	// fails to connect has been retried since the last successful
	// connection.
	//
	// conn is the underlying websocket connection.  It will be nil
	// before a connection has been established.
	//
	// send delivers outbound frames to the writer goroutine of the
	// established connection.
	//
	// writerDone is closed to stop the writer goroutine when the
	// connection is torn down.
	//
	// connectedAt is when the current connection was established.
	retryCount  uint32
	conn        Conn
	send        chan []byte
	writerDone  chan struct{}
	connectedAt time.Time

	// Addr is the canonical relay address to connect to.
	Addr string

	// Permanent specifies whether or not the connection represents what
	// should be treated as a permanent connection, meaning the
	// connection manager will try to always maintain the connection
	// including retries with increasing backoff timeouts.
	Permanent bool
}

// updateState updates the state of the relay connection.
func (c *RelayConn) updateState(state ConnState) {
	atomic.StoreUint32(&c.state, uint32(state))
}

// State is the connection state of the relay connection.
func (c *RelayConn) State() ConnState {
	return ConnState(atomic.LoadUint32(&c.state))
}

// Config holds the configuration options related to the connection manager.
type Config struct {
	// Dial establishes the websocket connection to the given canonical
	// relay address.  The daemon typically builds this from a
	// websocket.Dialer, optionally routed through a SOCKS proxy.
	//
	// This field is required.
	Dial func(ctx context.Context, addr string) (Conn, error)

	// RetryDuration is the base duration to wait before retrying
	// permanent connections.  The wait grows linearly with the number of
	// consecutive failures and is capped at five minutes.
	//
	// Defaults to 5 seconds.
	RetryDuration time.Duration

	// Timeout specifies the amount of time to wait for a connection
	// to complete before giving up.
	Timeout time.Duration

	// PingInterval is the interval at which pings are written to idle
	// connections.
	//
	// Defaults to one minute.
	PingInterval time.Duration

	// OnPeerAdded is a callback that is fired once when a relay address
	// first comes under management, before any connection to it is
	// established.  A relay removed with Remove fires it again if it is
	// later re-added.
	OnPeerAdded func(addr string)

	// OnConnect is a callback that is fired when a connection is
	// established, with the time the dial took.
	OnConnect func(addr string, connectTime time.Duration)

	// OnConnectFailed is a callback that is fired when a connection
	// attempt fails.
	OnConnectFailed func(addr string, err error)

	// OnDisconnect is a callback that is fired when an established
	// connection is torn down, with the duration of the session and the
	// error that broke the connection.  The error is nil for requested
	// disconnects.
	OnDisconnect func(addr string, session time.Duration, err error)

	// OnFrame is a callback that is fired for every data frame read
	// from a connection.  It is invoked from the connection's read
	// goroutine, so frames from one relay are delivered in order and
	// the callback must not block for long.
	OnFrame func(addr string, data []byte)
}

// registerPending is used to register a pending connection attempt.  By
// registering pending connection attempts we allow callers to cancel pending
// connection attempts before they're successful or in the case they're no
// longer wanted.
type registerPending struct {
	c    *RelayConn
	done chan error
}

// handleConnected is used to queue a successful connection.
type handleConnected struct {
	c       *RelayConn
	conn    Conn
	elapsed time.Duration
}

// handleFailed is used to report a failed connection attempt.
type handleFailed struct {
	c   *RelayConn
	err error
}

// handleBroken is used to report an established connection whose read or
// write loop observed an error.
type handleBroken struct {
	addr string
	conn Conn
	err  error
}

// handleDisconnected is used to disconnect, and optionally remove, a
// connection.
type handleDisconnected struct {
	addr   string
	remove bool
	done   chan error
}

// handleSend is used to queue an outbound frame on a connection.
type handleSend struct {
	addr string
	data []byte
	done chan error
}

// queryConnected is used to fetch the addresses of established connections.
type queryConnected struct {
	reply chan []string
}

// ConnManager provides a manager to handle persistent websocket connections
// to relays, keyed by canonical relay address.
type ConnManager struct {
	// The following fields are used for lifecycle management of the
	// connection manager.
	wg   sync.WaitGroup
	quit chan struct{}

	// cfg specifies the configuration of the connection manager and is
	// set at creation time and treated as immutable after that.
	cfg Config

	// requests is used internally to interact with the connection
	// handler goroutine.
	requests chan interface{}
}

// reportBroken notifies the connection handler that an established
// connection observed an error on its read or write loop.
func (cm *ConnManager) reportBroken(addr string, conn Conn, err error) {
	select {
	case cm.requests <- handleBroken{addr, conn, err}:
	case <-cm.quit:
	}
}

// readLoop delivers inbound frames to the OnFrame callback until the
// connection errors.  It must be run as a goroutine.
func (cm *ConnManager) readLoop(addr string, conn Conn) {
	defer cm.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			cm.reportBroken(addr, conn, err)
			return
		}
		if cm.cfg.OnFrame != nil {
			cm.cfg.OnFrame(addr, data)
		}
	}
}

// writeLoop is the single writer for an established connection.  It writes
// queued frames and periodic pings until the connection is torn down.  It
// must be run as a goroutine.
func (cm *ConnManager) writeLoop(addr string, conn Conn, send chan []byte, writerDone chan struct{}) {
	defer cm.wg.Done()

	ticker := time.NewTicker(cm.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-send:
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				cm.reportBroken(addr, conn, err)
				return
			}

		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cm.reportBroken(addr, conn, err)
				return
			}

		case <-writerDone:
			// Attempt a clean close before the connection is torn
			// down.
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(
					websocket.CloseNormalClosure, ""))
			return

		case <-cm.quit:
			return
		}
	}
}

// retryConn schedules a reconnection attempt for a permanent connection
// with a wait that grows linearly with the number of consecutive failures.
//
// This function is part of the connection handler and must not be called
// outside of it.
func (cm *ConnManager) retryConn(ctx context.Context, c *RelayConn) {
	c.retryCount++
	d := time.Duration(c.retryCount) * cm.cfg.RetryDuration
	if d > maxRetryDuration {
		d = maxRetryDuration
	}
	log.Debugf("Retrying connection to %s in %v", c.Addr, d)
	time.AfterFunc(d, func() {
		cm.connect(ctx, c)
	})
}

// dropConn tears down an established connection, fires the disconnect
// callback, and schedules a retry for permanent connections unless the
// relay is being removed.
//
// This function is part of the connection handler and must not be called
// outside of it.
func (cm *ConnManager) dropConn(ctx context.Context, pending, conns map[string]*RelayConn, c *RelayConn, remove bool, err error) {
	session := time.Since(c.connectedAt)
	close(c.writerDone)
	c.conn.Close()
	c.conn = nil
	delete(conns, c.Addr)

	if cm.cfg.OnDisconnect != nil {
		go cm.cfg.OnDisconnect(c.Addr, session, err)
	}

	if !remove && c.Permanent {
		c.updateState(ConnPending)
		log.Debugf("Reconnecting to %s", c.Addr)
		pending[c.Addr] = c
		cm.retryConn(ctx, c)
		return
	}
	c.updateState(ConnDisconnected)
}

// connHandler handles all connection related requests.  It must be run as a
// goroutine.
//
// The connection handler owns the pending and established connection maps,
// so all state transitions flow through it.
func (cm *ConnManager) connHandler(ctx context.Context) {
	var (
		// pending holds connections that are dialing or awaiting a
		// retry.
		pending = make(map[string]*RelayConn)

		// conns holds all established connections.
		conns = make(map[string]*RelayConn)

		// known tracks every address currently under management so
		// the peer added callback fires exactly once per addition.
		known = make(map[string]struct{})
	)

out:
	for {
		select {
		case req := <-cm.requests:
			switch msg := req.(type) {
			case registerPending:
				c := msg.c
				if _, ok := conns[c.Addr]; ok {
					msg.done <- Error{
						Description: fmt.Sprintf("already "+
							"connected to %s", c.Addr),
						Err: ErrDuplicateConnection,
					}
					continue
				}
				if _, ok := pending[c.Addr]; ok {
					msg.done <- Error{
						Description: fmt.Sprintf("connection "+
							"to %s already pending", c.Addr),
						Err: ErrDuplicateConnection,
					}
					continue
				}

				c.updateState(ConnPending)
				pending[c.Addr] = c
				if _, ok := known[c.Addr]; !ok {
					known[c.Addr] = struct{}{}
					if cm.cfg.OnPeerAdded != nil {
						go cm.cfg.OnPeerAdded(c.Addr)
					}
				}
				msg.done <- nil

			case handleConnected:
				c := msg.c
				if _, ok := pending[c.Addr]; !ok {
					msg.conn.Close()
					log.Debugf("Ignoring connection for "+
						"canceled relay %s", c.Addr)
					continue
				}

				delete(pending, c.Addr)
				c.updateState(ConnEstablished)
				c.conn = msg.conn
				c.send = make(chan []byte, sendQueueLen)
				c.writerDone = make(chan struct{})
				c.connectedAt = time.Now()
				c.retryCount = 0
				conns[c.Addr] = c
				log.Debugf("Connected to %s in %v", c.Addr,
					msg.elapsed)

				cm.wg.Add(2)
				go cm.readLoop(c.Addr, msg.conn)
				go cm.writeLoop(c.Addr, msg.conn, c.send,
					c.writerDone)

				if cm.cfg.OnConnect != nil {
					go cm.cfg.OnConnect(c.Addr, msg.elapsed)
				}

			case handleFailed:
				c := msg.c
				if _, ok := pending[c.Addr]; !ok {
					log.Debugf("Ignoring failure for "+
						"canceled relay %s", c.Addr)
					continue
				}

				c.updateState(ConnFailed)
				log.Debugf("Failed to connect to %s: %v",
					c.Addr, msg.err)
				if cm.cfg.OnConnectFailed != nil {
					go cm.cfg.OnConnectFailed(c.Addr, msg.err)
				}

				if c.Permanent {
					cm.retryConn(ctx, c)
				} else {
					delete(pending, c.Addr)
					delete(known, c.Addr)
				}

			case handleBroken:
				c, ok := conns[msg.addr]
				if !ok || c.conn != msg.conn {
					// Stale notification from a superseded
					// connection.
					continue
				}
				log.Debugf("Connection to %s broken: %v",
					msg.addr, msg.err)
				cm.dropConn(ctx, pending, conns, c, false, msg.err)

			case handleDisconnected:
				if c, ok := conns[msg.addr]; ok {
					log.Debugf("Disconnected from %s", msg.addr)
					cm.dropConn(ctx, pending, conns, c,
						msg.remove, nil)
					if msg.remove {
						delete(known, msg.addr)
					}
					msg.done <- nil
					continue
				}
				if c, ok := pending[msg.addr]; ok {
					c.updateState(ConnCanceled)
					delete(pending, msg.addr)
					delete(known, msg.addr)
					log.Debugf("Canceled connection to %s",
						msg.addr)
					msg.done <- nil
					continue
				}
				msg.done <- Error{
					Description: fmt.Sprintf("no connection "+
						"to %s", msg.addr),
					Err: ErrNotConnected,
				}

			case handleSend:
				c, ok := conns[msg.addr]
				if !ok {
					msg.done <- Error{
						Description: fmt.Sprintf("no "+
							"connection to %s", msg.addr),
						Err: ErrNotConnected,
					}
					continue
				}
				select {
				case c.send <- msg.data:
					msg.done <- nil
				default:
					msg.done <- Error{
						Description: fmt.Sprintf("send "+
							"queue for %s is full",
							msg.addr),
						Err: ErrSendQueueFull,
					}
				}

			case queryConnected:
				addrs := make([]string, 0, len(conns))
				for addr := range conns {
					addrs = append(addrs, addr)
				}
				sort.Strings(addrs)
				msg.reply <- addrs
			}

		case <-ctx.Done():
			break out
		}
	}

	// Tear down all established connections on the way out.  The
	// disconnect callbacks run synchronously so callers that stop their
	// trackers after Run returns still observe the final sessions.
	for _, c := range conns {
		session := time.Since(c.connectedAt)
		c.conn.Close()
		c.updateState(ConnDisconnected)
		if cm.cfg.OnDisconnect != nil {
			cm.cfg.OnDisconnect(c.Addr, session, nil)
		}
	}

	cm.wg.Done()
	log.Trace("Connection handler done")
}

// connect dials the relay of the given connection and reports the result to
// the connection handler.
//
// The connection attempt will be ignored if the connection manager has been
// shut down by canceling the lifecycle context the Run method was invoked
// with, the provided context is canceled, or the connection was canceled
// while a retry was pending.
//
// Note that the context parameter to this function and the lifecycle context
// may be independent.
func (cm *ConnManager) connect(ctx context.Context, c *RelayConn) {
	// Ignore during shutdown.
	select {
	case <-cm.quit:
		return
	default:
	}

	// Report an already canceled caller context as a failed attempt so
	// the pending registration is cleaned up.
	if err := ctx.Err(); err != nil {
		select {
		case cm.requests <- handleFailed{c, err}:
		case <-cm.quit:
		}
		return
	}

	// During the time we wait for a retry there is a chance that this
	// connection was already canceled.
	if c.State() == ConnCanceled {
		log.Debugf("Ignoring connect for canceled relay %s", c.Addr)
		return
	}

	log.Debugf("Attempting to connect to %s", c.Addr)

	if cm.cfg.Timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cm.cfg.Timeout)
		defer cancel()
	}
	start := time.Now()
	conn, err := cm.cfg.Dial(ctx, c.Addr)
	if err != nil {
		select {
		case cm.requests <- handleFailed{c, err}:
		case <-cm.quit:
		}
		return
	}

	select {
	case cm.requests <- handleConnected{c, conn, time.Since(start)}:
	case <-cm.quit:
		conn.Close()
	}
}

// Connect registers the relay with the connection manager and dials it
// asynchronously.  The dial outcome is reported through the OnConnect and
// OnConnectFailed callbacks.  Permanent connections are redialed with a
// linear backoff whenever they fail or break.
//
// An error is returned when the address cannot be canonicalized or the relay
// already has an established or pending connection.
func (cm *ConnManager) Connect(ctx context.Context, addr string, permanent bool) error {
	canon, err := relayaddr.Canonicalize(addr)
	if err != nil {
		return err
	}

	c := &RelayConn{Addr: canon, Permanent: permanent}
	done := make(chan error, 1)
	select {
	case cm.requests <- registerPending{c, done}:
	case <-cm.quit:
		return Error{Description: "connection manager stopped", Err: ErrStopped}
	}

	// Wait for the registration to add the pending connection to the
	// connection handler's internal state.
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-cm.quit:
		return Error{Description: "connection manager stopped", Err: ErrStopped}
	}

	go cm.connect(ctx, c)
	return nil
}

// Disconnect closes the connection to the given relay.  Permanent
// connections are redialed after the retry duration; use Remove to drop a
// relay entirely.  Disconnecting a relay whose dial or retry is still
// pending cancels the attempt.
func (cm *ConnManager) Disconnect(addr string) error {
	return cm.disconnect(addr, false)
}

// Remove closes any connection to the given relay and removes it from
// management, canceling pending retries.
func (cm *ConnManager) Remove(addr string) error {
	return cm.disconnect(addr, true)
}

func (cm *ConnManager) disconnect(addr string, remove bool) error {
	canon, err := relayaddr.Canonicalize(addr)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	select {
	case cm.requests <- handleDisconnected{canon, remove, done}:
	case <-cm.quit:
		return Error{Description: "connection manager stopped", Err: ErrStopped}
	}
	select {
	case err := <-done:
		return err
	case <-cm.quit:
		return Error{Description: "connection manager stopped", Err: ErrStopped}
	}
}

// Send queues a frame for delivery to the given relay.  It returns an error
// when there is no established connection to the relay or its send queue is
// full; it does not wait for the frame to be written to the network.
func (cm *ConnManager) Send(addr string, data []byte) error {
	canon, err := relayaddr.Canonicalize(addr)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	select {
	case cm.requests <- handleSend{canon, data, done}:
	case <-cm.quit:
		return Error{Description: "connection manager stopped", Err: ErrStopped}
	}
	select {
	case err := <-done:
		return err
	case <-cm.quit:
		return Error{Description: "connection manager stopped", Err: ErrStopped}
	}
}

// Connected returns the canonical addresses of all established connections,
// sorted.
func (cm *ConnManager) Connected() []string {
	reply := make(chan []string, 1)
	select {
	case cm.requests <- queryConnected{reply}:
	case <-cm.quit:
		return nil
	}
	select {
	case addrs := <-reply:
		return addrs
	case <-cm.quit:
		return nil
	}
}

// Run starts the connection manager and blocks until the provided context is
// canceled.  All connections are torn down on the way out.
func (cm *ConnManager) Run(ctx context.Context) {
	log.Trace("Starting connection manager")

	// Start the connection handler goroutine.
	cm.wg.Add(1)
	go cm.connHandler(ctx)

	// Shutdown the connection manager when the context is canceled.
	cm.wg.Add(1)
	go func() {
		<-ctx.Done()
		close(cm.quit)
		cm.wg.Done()
	}()

	cm.wg.Wait()
	log.Trace("Connection manager stopped")
}

// New returns a new connection manager with the provided configuration.
//
// Use Run to start connecting to relays.
func New(cfg *Config) (*ConnManager, error) {
	if cfg.Dial == nil {
		return nil, ErrDialNil
	}

	// Default to sane values.
	c := *cfg // Copy so caller can't mutate.
	if c.RetryDuration <= 0 {
		c.RetryDuration = defaultRetryDuration
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	cm := ConnManager{
		cfg:      c,
		requests: make(chan interface{}),
		quit:     make(chan struct{}),
	}
	return &cm, nil
}
