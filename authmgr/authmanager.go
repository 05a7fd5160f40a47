// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package authmgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meshforge/relaykit/relayaddr"
	"github.com/meshforge/relaykit/relaydb"
)

const (
	// defaultChallengeTTL is how long a received challenge is honored
	// when no override is provided.
	defaultChallengeTTL = time.Minute * 5

	// defaultAuthTimeout is how long an authentication attempt waits for
	// the relay's acknowledgment before counting as failed when no
	// override is provided.
	defaultAuthTimeout = time.Second * 5
)

// authPrefKeyPrefix namespaces persisted relay preferences within the
// durable store.
var authPrefKeyPrefix = []byte("authpref/")

// authPrefKey returns the durable store key for the given canonical relay
// address.
func authPrefKey(canon string) []byte {
	key := make([]byte, 0, len(authPrefKeyPrefix)+len(canon))
	key = append(key, authPrefKeyPrefix...)
	key = append(key, canon...)
	return key
}

// Preference identifies how challenges from a relay are acted on.
type Preference uint8

const (
	// PrefAsk parks challenges for the caller to inspect and decide.
	PrefAsk Preference = iota

	// PrefAlways answers challenges immediately without involving the
	// caller.
	PrefAlways

	// PrefNever records challenges but suppresses prompting and never
	// answers automatically.
	PrefNever
)

// String returns the Preference as a human-readable name.
func (p Preference) String() string {
	switch p {
	case PrefAsk:
		return "ask"
	case PrefAlways:
		return "always"
	case PrefNever:
		return "never"
	}
	return fmt.Sprintf("unknown preference (%d)", uint8(p))
}

// ParsePreference converts a human-readable preference name into its
// Preference value.
func ParsePreference(s string) (Preference, error) {
	switch s {
	case "ask":
		return PrefAsk, nil
	case "always":
		return PrefAlways, nil
	case "never":
		return PrefNever, nil
	}
	return 0, ErrUnknownPreference
}

// AuthStatus identifies where a relay connection is in the handshake cycle.
type AuthStatus uint8

const (
	// StatusNone means no challenge is on record for the relay.
	StatusNone AuthStatus = iota

	// StatusChallengeReceived means an unexpired challenge is parked and
	// awaiting a decision.
	StatusChallengeReceived

	// StatusAuthenticating means a response was sent and the attempt is
	// racing the relay's acknowledgment against the timeout.
	StatusAuthenticating

	// StatusAuthenticated means the relay acknowledged the response.
	StatusAuthenticated

	// StatusFailed means the most recent attempt failed, timed out, or
	// was refused by the relay.  A fresh challenge restarts the cycle.
	StatusFailed
)

// String returns the AuthStatus as a human-readable name.
func (s AuthStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusChallengeReceived:
		return "challenge_received"
	case StatusAuthenticating:
		return "authenticating"
	case StatusAuthenticated:
		return "authenticated"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("unknown status (%d)", uint8(s))
}

// Challenge describes a parked challenge awaiting a decision.
type Challenge struct {
	// Relay is the canonical address of the relay that issued the
	// challenge.
	Relay string

	// Challenge is the opaque challenge string to be committed to by the
	// response record.
	Challenge string

	// ReceivedAt and ExpiresAt bound the window in which the challenge
	// is honored.
	ReceivedAt time.Time
	ExpiresAt  time.Time

	// Preference is the relay's effective preference at the time of the
	// query.
	Preference Preference
}

// Notification describes an authentication status change for a relay.
type Notification struct {
	// Relay is the canonical address of the relay.
	Relay string

	// Status is the status the relay transitioned to.
	Status AuthStatus
}

// peerAuth is the internal handshake state tracked per relay.
type peerAuth struct {
	relay      string
	status     AuthStatus
	challenge  string
	receivedAt time.Time

	// attempt identifies the current authentication attempt so results
	// and timeouts from superseded attempts are ignored.
	attempt uint64

	// rejected suppresses prompting and auto-authentication for the
	// rest of the connection session after a remembered rejection.
	rejected bool

	// timer fires the attempt timeout while authenticating.
	timer *time.Timer
}

// The following types are used within the request channel to queue work to
// the handler goroutine, which owns all handshake state.

// challengeMsg records a challenge observed on a relay connection.
type challengeMsg struct {
	relay     string
	challenge string
}

// authResultMsg records the relay's acknowledgment of an attempt.
type authResultMsg struct {
	relay string
	ok    bool
}

// sendFailedMsg records a response that could not be delivered.
type sendFailedMsg struct {
	relay   string
	attempt uint64
	err     error
}

// authTimeoutMsg records an attempt that outlived the timeout.
type authTimeoutMsg struct {
	relay   string
	attempt uint64
}

// disconnectMsg records a closed relay connection.
type disconnectMsg struct {
	relay string
}

// authenticateMsg requests an authentication attempt for a parked challenge.
type authenticateMsg struct {
	relay string
	reply chan error
}

// rejectMsg discards a parked challenge or in-flight attempt.
type rejectMsg struct {
	relay    string
	remember bool
	reply    chan struct{}
}

// statusMsg queries the current status of a relay.
type statusMsg struct {
	relay string
	reply chan AuthStatus
}

// shouldPromptMsg queries whether the caller should surface a prompt for a
// relay.
type shouldPromptMsg struct {
	relay string
	reply chan bool
}

// pendingMsg queries every parked challenge.
type pendingMsg struct {
	reply chan []Challenge
}

// setPrefMsg updates and persists the preference for a relay.
type setPrefMsg struct {
	relay string
	pref  Preference
	reply chan error
}

// prefMsg queries the effective preference for a relay.
type prefMsg struct {
	relay string
	reply chan Preference
}

// subscribeMsg registers a status notification callback.
type subscribeMsg struct {
	fn    func(Notification)
	reply chan uint64
}

// unsubscribeMsg removes a status notification callback.
type unsubscribeMsg struct {
	id uint64
}

// Config holds the configuration options related to the auth manager.
type Config struct {
	// Respond builds, signs, and delivers the response record committing
	// to the given challenge over the relay's connection.  It is invoked
	// outside the manager's handler goroutine and may block on network
	// I/O.  This field is required.
	Respond func(ctx context.Context, relay, challenge string) error

	// DB is the durable store relay preferences are persisted to.
	// Preferences are kept in memory only when it is nil.
	DB *relaydb.DB

	// DefaultPreference is the preference applied to relays without a
	// stored one.  The zero value is PrefAsk.
	DefaultPreference Preference

	// ChallengeTTL is how long a received challenge is honored.
	//
	// Defaults to 5 minutes when zero.
	ChallengeTTL time.Duration

	// AuthTimeout is how long an attempt waits for the relay's
	// acknowledgment before counting as failed.
	//
	// Defaults to 5 seconds when zero.
	AuthTimeout time.Duration
}

// AuthManager tracks the challenge-response handshake state of every relay
// connection and acts on challenges according to per-relay preferences.  It
// is safe for concurrent access.
type AuthManager struct {
	cfg      Config
	requests chan interface{}
	quit     chan struct{}
	wg       sync.WaitGroup
}

// New returns a new auth manager with the provided configuration.
//
// Use Run to start the handler that processes connection events.
func New(cfg *Config) (*AuthManager, error) {
	if cfg.Respond == nil {
		return nil, ErrRespondNil
	}
	am := AuthManager{
		cfg:      *cfg, // Copy so caller can't mutate
		requests: make(chan interface{}),
		quit:     make(chan struct{}),
	}
	if am.cfg.ChallengeTTL <= 0 {
		am.cfg.ChallengeTTL = defaultChallengeTTL
	}
	if am.cfg.AuthTimeout <= 0 {
		am.cfg.AuthTimeout = defaultAuthTimeout
	}
	return &am, nil
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

// loadPrefs populates the preference map from the durable store.  Values
// that fail to parse are skipped.
func (am *AuthManager) loadPrefs(prefs map[string]Preference) {
	if am.cfg.DB == nil {
		return
	}

	iter := am.cfg.DB.NewIterator(authPrefKeyPrefix)
	defer iter.Release()

	for iter.Next() {
		relay := string(iter.Key()[len(authPrefKeyPrefix):])
		pref, err := ParsePreference(string(iter.Value()))
		if err != nil {
			log.Warnf("Skipping unparsable auth preference for %s",
				relay)
			continue
		}
		prefs[relay] = pref
	}
	if err := iter.Error(); err != nil {
		log.Errorf("Failed to iterate auth preferences: %v", err)
		return
	}
	log.Debugf("Loaded auth preferences for %d relays", len(prefs))
}

// authHandler processes every handshake event and query.  It owns all
// handshake state and must be run as a goroutine.
func (am *AuthManager) authHandler(ctx context.Context) {
	var (
		// peers holds the handshake state of every tracked relay.
		peers = make(map[string]*peerAuth)

		// prefs holds the stored per-relay preferences.
		prefs = make(map[string]Preference)

		// subs holds the registered notification callbacks.
		subs      = make(map[uint64]func(Notification))
		nextSubID uint64
	)

	am.loadPrefs(prefs)

	// notify reports a status change to every subscriber.  Callbacks run
	// on the handler goroutine and must not call back into the manager.
	notify := func(relay string, status AuthStatus) {
		for _, fn := range subs {
			fn(Notification{Relay: relay, Status: status})
		}
	}

	// preference returns the effective preference for a relay.
	preference := func(relay string) Preference {
		if pref, ok := prefs[relay]; ok {
			return pref
		}
		return am.cfg.DefaultPreference
	}

	// stopTimer stops and clears any pending attempt timeout.
	stopTimer := func(pa *peerAuth) {
		if pa.timer != nil {
			pa.timer.Stop()
			pa.timer = nil
		}
	}

	// expire clears a parked challenge that has outlived its TTL.  It is
	// applied wherever state is read so expiry needs no background timer.
	expire := func(pa *peerAuth) {
		if pa.status != StatusChallengeReceived {
			return
		}
		if time.Since(pa.receivedAt) <= am.cfg.ChallengeTTL {
			return
		}
		log.Debugf("Challenge from %s expired", pa.relay)
		pa.status = StatusNone
		pa.challenge = ""
		notify(pa.relay, StatusNone)
	}

	// startAuth launches an authentication attempt for the relay's
	// parked challenge.  The response is delivered outside the handler
	// goroutine, and the attempt counter ties any asynchronous outcome
	// back to this attempt.
	startAuth := func(pa *peerAuth) {
		pa.attempt++
		pa.status = StatusAuthenticating
		attempt := pa.attempt
		relay := pa.relay
		challenge := pa.challenge

		pa.timer = time.AfterFunc(am.cfg.AuthTimeout, func() {
			select {
			case am.requests <- authTimeoutMsg{relay, attempt}:
			case <-am.quit:
			}
		})

		go func() {
			err := am.cfg.Respond(ctx, relay, challenge)
			if err == nil {
				return
			}
			select {
			case am.requests <- sendFailedMsg{relay, attempt, err}:
			case <-am.quit:
			}
		}()

		log.Debugf("Authenticating to %s (attempt %d)", relay, attempt)
		notify(relay, StatusAuthenticating)
	}

out:
	for {
		select {
		case req := <-am.requests:
			switch msg := req.(type) {
			case challengeMsg:
				pa := peers[msg.relay]
				if pa == nil {
					pa = &peerAuth{relay: msg.relay}
					peers[msg.relay] = pa
				}

				// A fresh challenge restarts the cycle from any
				// state, including failed and authenticated.
				stopTimer(pa)
				pa.status = StatusChallengeReceived
				pa.challenge = msg.challenge
				pa.receivedAt = time.Now()
				notify(pa.relay, StatusChallengeReceived)

				switch preference(pa.relay) {
				case PrefAlways:
					if pa.rejected {
						log.Debugf("Challenge from %s "+
							"recorded, rejected this "+
							"session", pa.relay)
						continue
					}
					startAuth(pa)
				case PrefNever:
					log.Debugf("Challenge from %s recorded, "+
						"auto-auth disabled", pa.relay)
				}

			case authResultMsg:
				pa := peers[msg.relay]
				if pa == nil {
					continue
				}
				if msg.ok {
					if pa.status != StatusAuthenticating {
						log.Debugf("Ignoring stray auth "+
							"ack from %s", msg.relay)
						continue
					}
					stopTimer(pa)
					pa.status = StatusAuthenticated
					pa.challenge = ""
					log.Infof("Authenticated to %s", pa.relay)
					notify(pa.relay, StatusAuthenticated)
					continue
				}

				// A refusal fails the handshake from any
				// active state.
				switch pa.status {
				case StatusChallengeReceived, StatusAuthenticating,
					StatusAuthenticated:

					stopTimer(pa)
					pa.status = StatusFailed
					pa.challenge = ""
					log.Warnf("Authentication to %s refused",
						pa.relay)
					notify(pa.relay, StatusFailed)
				}

			case sendFailedMsg:
				pa := peers[msg.relay]
				if pa == nil || pa.attempt != msg.attempt ||
					pa.status != StatusAuthenticating {
					continue
				}
				stopTimer(pa)
				pa.status = StatusFailed
				pa.challenge = ""
				log.Warnf("Failed to send auth response to %s: %v",
					msg.relay, msg.err)
				notify(pa.relay, StatusFailed)

			case authTimeoutMsg:
				pa := peers[msg.relay]
				if pa == nil || pa.attempt != msg.attempt ||
					pa.status != StatusAuthenticating {
					continue
				}
				pa.timer = nil
				pa.status = StatusFailed
				pa.challenge = ""
				log.Warnf("Authentication to %s timed out after "+
					"%v", msg.relay, am.cfg.AuthTimeout)
				notify(pa.relay, StatusFailed)

			case disconnectMsg:
				pa := peers[msg.relay]
				if pa == nil {
					continue
				}
				stopTimer(pa)
				delete(peers, msg.relay)
				if pa.status != StatusNone {
					notify(msg.relay, StatusNone)
				}

			case authenticateMsg:
				pa := peers[msg.relay]
				if pa != nil {
					expire(pa)
				}
				switch {
				case pa == nil || pa.status == StatusNone ||
					pa.status == StatusFailed:
					msg.reply <- ErrNoChallenge
				case pa.status == StatusAuthenticating:
					msg.reply <- ErrAuthPending
				case pa.status == StatusAuthenticated:
					msg.reply <- ErrAlreadyAuthenticated
				default:
					// An explicit attempt overrides any
					// remembered rejection.
					pa.rejected = false
					startAuth(pa)
					msg.reply <- nil
				}

			case rejectMsg:
				pa := peers[msg.relay]
				if pa != nil && (pa.status == StatusChallengeReceived ||
					pa.status == StatusAuthenticating) {

					stopTimer(pa)
					pa.status = StatusNone
					pa.challenge = ""
					log.Debugf("Challenge from %s rejected",
						msg.relay)
					notify(msg.relay, StatusNone)
				}
				if msg.remember {
					if pa == nil {
						pa = &peerAuth{relay: msg.relay}
						peers[msg.relay] = pa
					}
					pa.rejected = true
				} else if pa != nil && pa.status == StatusNone &&
					!pa.rejected {

					delete(peers, msg.relay)
				}
				msg.reply <- struct{}{}

			case statusMsg:
				pa := peers[msg.relay]
				if pa == nil {
					msg.reply <- StatusNone
					continue
				}
				expire(pa)
				msg.reply <- pa.status

			case shouldPromptMsg:
				pa := peers[msg.relay]
				if pa == nil {
					msg.reply <- false
					continue
				}
				expire(pa)
				msg.reply <- pa.status == StatusChallengeReceived &&
					!pa.rejected &&
					preference(msg.relay) == PrefAsk

			case pendingMsg:
				var pending []Challenge
				for _, pa := range peers {
					expire(pa)
					if pa.status != StatusChallengeReceived ||
						pa.rejected {

						continue
					}
					pending = append(pending, Challenge{
						Relay:      pa.relay,
						Challenge:  pa.challenge,
						ReceivedAt: pa.receivedAt,
						ExpiresAt: pa.receivedAt.Add(
							am.cfg.ChallengeTTL),
						Preference: preference(pa.relay),
					})
				}
				sort.Slice(pending, func(i, j int) bool {
					return pending[i].Relay < pending[j].Relay
				})
				msg.reply <- pending

			case setPrefMsg:
				prefs[msg.relay] = msg.pref
				var err error
				if am.cfg.DB != nil {
					err = am.cfg.DB.Put(authPrefKey(msg.relay),
						[]byte(msg.pref.String()))
				}
				msg.reply <- err

			case prefMsg:
				msg.reply <- preference(msg.relay)

			case subscribeMsg:
				nextSubID++
				subs[nextSubID] = msg.fn

				// Replay the current status of every tracked
				// relay so the subscriber needs no separate
				// priming query.
				for _, pa := range peers {
					expire(pa)
					msg.fn(Notification{
						Relay:  pa.relay,
						Status: pa.status,
					})
				}
				msg.reply <- nextSubID

			case unsubscribeMsg:
				delete(subs, msg.id)
			}

		case <-ctx.Done():
			break out
		}
	}

	// Stop any pending attempt timers on the way out.
	for _, pa := range peers {
		stopTimer(pa)
	}

	am.wg.Done()
	log.Trace("Auth handler done")
}

// Run starts the auth manager and blocks until the provided context is
// cancelled.
func (am *AuthManager) Run(ctx context.Context) {
	log.Trace("Starting auth manager")

	am.wg.Add(1)
	go am.authHandler(ctx)

	// Release request submitters when the context is canceled.
	am.wg.Add(1)
	go func() {
		<-ctx.Done()
		close(am.quit)
		am.wg.Done()
	}()

	am.wg.Wait()
	log.Trace("Auth manager stopped")
}

// post submits a request to the handler goroutine unless the manager has
// stopped.
func (am *AuthManager) post(msg interface{}) bool {
	select {
	case am.requests <- msg:
		return true
	case <-am.quit:
		return false
	}
}

// HandleChallenge records a challenge observed on the given relay's
// connection and, when the relay's preference is always, answers it
// immediately.
func (am *AuthManager) HandleChallenge(relay, challenge string) {
	am.post(challengeMsg{canonical(relay), challenge})
}

// HandleAuthOK records the relay's acknowledgment that the current
// authentication attempt succeeded.
func (am *AuthManager) HandleAuthOK(relay string) {
	am.post(authResultMsg{canonical(relay), true})
}

// HandleAuthFailed records the relay's refusal of the handshake.
func (am *AuthManager) HandleAuthFailed(relay string) {
	am.post(authResultMsg{canonical(relay), false})
}

// HandleDisconnect clears all handshake state for the given relay.  Stored
// preferences are unaffected.
func (am *AuthManager) HandleDisconnect(relay string) {
	am.post(disconnectMsg{canonical(relay)})
}

// Authenticate answers the parked challenge for the given relay.  It returns
// ErrNoChallenge when no unexpired challenge is on record, ErrAuthPending
// when an attempt is already in flight, and ErrAlreadyAuthenticated when the
// session is already authenticated.  Delivery and acknowledgment happen
// asynchronously; subscribe to notifications to observe the outcome.
func (am *AuthManager) Authenticate(relay string) error {
	reply := make(chan error, 1)
	if !am.post(authenticateMsg{canonical(relay), reply}) {
		return ErrManagerStopped
	}
	select {
	case err := <-reply:
		return err
	case <-am.quit:
		return ErrManagerStopped
	}
}

// Reject discards the parked challenge or in-flight attempt for the given
// relay.  When rememberForSession is set, later challenges from the relay
// are still tracked but neither prompt nor auto-authenticate until the
// relay disconnects or Authenticate is called explicitly.  Rejecting a
// relay with nothing parked only records the remembered rejection.
func (am *AuthManager) Reject(relay string, rememberForSession bool) {
	reply := make(chan struct{}, 1)
	if !am.post(rejectMsg{canonical(relay), rememberForSession, reply}) {
		return
	}
	select {
	case <-reply:
	case <-am.quit:
	}
}

// Status returns the current handshake status of the given relay.
func (am *AuthManager) Status(relay string) AuthStatus {
	reply := make(chan AuthStatus, 1)
	if !am.post(statusMsg{canonical(relay), reply}) {
		return StatusNone
	}
	select {
	case status := <-reply:
		return status
	case <-am.quit:
		return StatusNone
	}
}

// ShouldPrompt returns whether the caller should surface an authentication
// prompt for the given relay, that is whether an unexpired challenge is
// parked and the relay's preference is ask.
func (am *AuthManager) ShouldPrompt(relay string) bool {
	reply := make(chan bool, 1)
	if !am.post(shouldPromptMsg{canonical(relay), reply}) {
		return false
	}
	select {
	case should := <-reply:
		return should
	case <-am.quit:
		return false
	}
}

// PendingChallenges returns every parked unexpired challenge ordered by
// relay address.
func (am *AuthManager) PendingChallenges() []Challenge {
	reply := make(chan []Challenge, 1)
	if !am.post(pendingMsg{reply}) {
		return nil
	}
	select {
	case pending := <-reply:
		return pending
	case <-am.quit:
		return nil
	}
}

// SetPreference updates and persists the challenge preference for the given
// relay.
func (am *AuthManager) SetPreference(relay string, pref Preference) error {
	reply := make(chan error, 1)
	if !am.post(setPrefMsg{canonical(relay), pref, reply}) {
		return ErrManagerStopped
	}
	select {
	case err := <-reply:
		return err
	case <-am.quit:
		return ErrManagerStopped
	}
}

// Preference returns the effective challenge preference for the given relay.
func (am *AuthManager) Preference(relay string) Preference {
	reply := make(chan Preference, 1)
	if !am.post(prefMsg{canonical(relay), reply}) {
		return am.cfg.DefaultPreference
	}
	select {
	case pref := <-reply:
		return pref
	case <-am.quit:
		return am.cfg.DefaultPreference
	}
}

// Subscribe registers a callback for handshake status notifications and
// returns an id for Unsubscribe.  The current status of every tracked relay
// is replayed to the callback before Subscribe returns.  Callbacks run on
// the manager's handler goroutine and must not block or call back into the
// manager.
func (am *AuthManager) Subscribe(fn func(Notification)) uint64 {
	reply := make(chan uint64, 1)
	if !am.post(subscribeMsg{fn, reply}) {
		return 0
	}
	select {
	case id := <-reply:
		return id
	case <-am.quit:
		return 0
	}
}

// Unsubscribe removes the callback registered under the given id.
func (am *AuthManager) Unsubscribe(id uint64) {
	am.post(unsubscribeMsg{id})
}
