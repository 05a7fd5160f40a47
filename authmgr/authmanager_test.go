// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package authmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meshforge/relaykit/relaydb"
)

// mockResponder implements the Respond callback while recording every
// invocation and signalling a channel so tests can wait for delivery.
type mockResponder struct {
	mtx     sync.Mutex
	calls   []string
	err     error
	invoked chan struct{}
}

func newMockResponder() *mockResponder {
	return &mockResponder{invoked: make(chan struct{}, 16)}
}

func (m *mockResponder) respond(ctx context.Context, relay, challenge string) error {
	m.mtx.Lock()
	m.calls = append(m.calls, challenge)
	err := m.err
	m.mtx.Unlock()

	select {
	case m.invoked <- struct{}{}:
	default:
	}
	return err
}

func (m *mockResponder) callCount() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.calls)
}

// waitInvoked waits for the responder to be invoked or fails the test.
func (m *mockResponder) waitInvoked(t *testing.T) {
	t.Helper()

	select {
	case <-m.invoked:
	case <-time.After(time.Second):
		t.Fatal("responder was not invoked")
	}
}

// notifyRecorder collects status notifications for later inspection.
type notifyRecorder struct {
	mtx   sync.Mutex
	notes []Notification
}

func (r *notifyRecorder) record(n Notification) {
	r.mtx.Lock()
	r.notes = append(r.notes, n)
	r.mtx.Unlock()
}

func (r *notifyRecorder) all() []Notification {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	notes := make([]Notification, len(r.notes))
	copy(notes, r.notes)
	return notes
}

// runTestManager returns a running auth manager that is shut down when the
// test completes.
func runTestManager(t *testing.T, cfg *Config) *AuthManager {
	t.Helper()

	am, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error creating manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		am.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return am
}

// waitStatus polls until the relay reaches the wanted status or fails the
// test after a timeout.
func waitStatus(t *testing.T, am *AuthManager, relay string, want AuthStatus) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if am.Status(relay) == want {
			return
		}
		time.Sleep(time.Millisecond * 5)
	}
	t.Fatalf("relay %s never reached status %v (currently %v)", relay,
		want, am.Status(relay))
}

// TestParsePreference ensures preference names round trip through their
// string forms and unknown names are rejected.
func TestParsePreference(t *testing.T) {
	for _, pref := range []Preference{PrefAsk, PrefAlways, PrefNever} {
		parsed, err := ParsePreference(pref.String())
		if err != nil {
			t.Fatalf("%v: unexpected error: %v", pref, err)
		}
		if parsed != pref {
			t.Fatalf("%v: round trip produced %v", pref, parsed)
		}
	}
	if _, err := ParsePreference("sometimes"); !errors.Is(err, ErrUnknownPreference) {
		t.Fatalf("unexpected error for unknown name: %v", err)
	}
}

// TestRespondRequired ensures constructing a manager without a responder
// fails.
func TestRespondRequired(t *testing.T) {
	if _, err := New(&Config{}); !errors.Is(err, ErrRespondNil) {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestAskFlow exercises the full handshake under the default ask preference:
// park the challenge, prompt, authenticate on request, and acknowledge.
func TestAskFlow(t *testing.T) {
	const relay = "wss://relay.example.com"
	responder := newMockResponder()
	am := runTestManager(t, &Config{Respond: responder.respond})

	am.HandleChallenge(relay, "c1")
	if got := am.Status(relay); got != StatusChallengeReceived {
		t.Fatalf("unexpected status: %v", got)
	}
	if !am.ShouldPrompt(relay) {
		t.Fatal("expected a prompt for an ask relay")
	}

	pending := am.PendingChallenges()
	if len(pending) != 1 {
		t.Fatalf("unexpected pending count: %d", len(pending))
	}
	if pending[0].Relay != relay || pending[0].Challenge != "c1" {
		t.Fatalf("unexpected pending challenge: %+v", pending[0])
	}
	if pending[0].Preference != PrefAsk {
		t.Fatalf("unexpected pending preference: %v", pending[0].Preference)
	}

	if err := am.Authenticate(relay); err != nil {
		t.Fatalf("unexpected error authenticating: %v", err)
	}
	responder.waitInvoked(t)
	if got := am.Status(relay); got != StatusAuthenticating {
		t.Fatalf("unexpected status while in flight: %v", got)
	}
	if am.ShouldPrompt(relay) {
		t.Fatal("prompt still raised while authenticating")
	}
	if err := am.Authenticate(relay); !errors.Is(err, ErrAuthPending) {
		t.Fatalf("unexpected error for concurrent attempt: %v", err)
	}

	am.HandleAuthOK(relay)
	waitStatus(t, am, relay, StatusAuthenticated)
	if err := am.Authenticate(relay); !errors.Is(err, ErrAlreadyAuthenticated) {
		t.Fatalf("unexpected error when already authenticated: %v", err)
	}
}

// TestAutoAuthAlways ensures a relay with the always preference is answered
// without any caller involvement.
func TestAutoAuthAlways(t *testing.T) {
	const relay = "wss://relay.example.com"
	responder := newMockResponder()
	am := runTestManager(t, &Config{Respond: responder.respond})

	if err := am.SetPreference(relay, PrefAlways); err != nil {
		t.Fatalf("unexpected error setting preference: %v", err)
	}

	am.HandleChallenge(relay, "c1")
	responder.waitInvoked(t)
	if got := am.Status(relay); got != StatusAuthenticating {
		t.Fatalf("unexpected status: %v", got)
	}

	am.HandleAuthOK(relay)
	waitStatus(t, am, relay, StatusAuthenticated)
}

// TestNeverSuppresses ensures a relay with the never preference records the
// challenge without prompting or answering, while an explicit request still
// works.
func TestNeverSuppresses(t *testing.T) {
	const relay = "wss://relay.example.com"
	responder := newMockResponder()
	am := runTestManager(t, &Config{Respond: responder.respond})

	if err := am.SetPreference(relay, PrefNever); err != nil {
		t.Fatalf("unexpected error setting preference: %v", err)
	}

	am.HandleChallenge(relay, "c1")
	if got := am.Status(relay); got != StatusChallengeReceived {
		t.Fatalf("challenge not recorded: %v", got)
	}
	if am.ShouldPrompt(relay) {
		t.Fatal("never relay raised a prompt")
	}
	time.Sleep(time.Millisecond * 20)
	if got := responder.callCount(); got != 0 {
		t.Fatalf("never relay was answered automatically %d times", got)
	}

	// An explicit request overrides the stored preference.
	if err := am.Authenticate(relay); err != nil {
		t.Fatalf("unexpected error authenticating: %v", err)
	}
	responder.waitInvoked(t)
}

// TestAuthFailed ensures a refusal fails the handshake and a fresh challenge
// restarts the cycle afterwards.
func TestAuthFailed(t *testing.T) {
	const relay = "wss://relay.example.com"
	responder := newMockResponder()
	am := runTestManager(t, &Config{Respond: responder.respond})

	am.HandleChallenge(relay, "c1")
	if err := am.Authenticate(relay); err != nil {
		t.Fatalf("unexpected error authenticating: %v", err)
	}
	responder.waitInvoked(t)

	am.HandleAuthFailed(relay)
	waitStatus(t, am, relay, StatusFailed)
	if err := am.Authenticate(relay); !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("unexpected error in failed state: %v", err)
	}

	am.HandleChallenge(relay, "c2")
	if got := am.Status(relay); got != StatusChallengeReceived {
		t.Fatalf("fresh challenge did not restart the cycle: %v", got)
	}
}

// TestAuthTimeout ensures an attempt that never sees an acknowledgment is
// failed by the timeout.
func TestAuthTimeout(t *testing.T) {
	const relay = "wss://relay.example.com"
	responder := newMockResponder()
	am := runTestManager(t, &Config{
		Respond:     responder.respond,
		AuthTimeout: time.Millisecond * 15,
	})

	am.HandleChallenge(relay, "c1")
	if err := am.Authenticate(relay); err != nil {
		t.Fatalf("unexpected error authenticating: %v", err)
	}
	waitStatus(t, am, relay, StatusFailed)
}

// TestSendFailure ensures a response that cannot be delivered fails the
// attempt.
func TestSendFailure(t *testing.T) {
	const relay = "wss://relay.example.com"
	responder := newMockResponder()
	responder.err = errors.New("connection gone")
	am := runTestManager(t, &Config{Respond: responder.respond})

	am.HandleChallenge(relay, "c1")
	if err := am.Authenticate(relay); err != nil {
		t.Fatalf("unexpected error authenticating: %v", err)
	}
	waitStatus(t, am, relay, StatusFailed)
}

// TestChallengeExpiry ensures an expired challenge reads as cleared and can
// no longer be answered.
func TestChallengeExpiry(t *testing.T) {
	const relay = "wss://relay.example.com"
	responder := newMockResponder()
	am := runTestManager(t, &Config{
		Respond:      responder.respond,
		ChallengeTTL: time.Millisecond * 10,
	})

	am.HandleChallenge(relay, "c1")
	time.Sleep(time.Millisecond * 30)

	if got := am.Status(relay); got != StatusNone {
		t.Fatalf("expired challenge still visible: %v", got)
	}
	if am.ShouldPrompt(relay) {
		t.Fatal("expired challenge still prompting")
	}
	if got := am.PendingChallenges(); len(got) != 0 {
		t.Fatalf("expired challenge still pending: %v", got)
	}
	if err := am.Authenticate(relay); !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("unexpected error answering expired challenge: %v", err)
	}
}

// TestDisconnectClears ensures a disconnect drops all handshake state while
// leaving the stored preference intact.
func TestDisconnectClears(t *testing.T) {
	const relay = "wss://relay.example.com"
	responder := newMockResponder()
	am := runTestManager(t, &Config{Respond: responder.respond})

	if err := am.SetPreference(relay, PrefAlways); err != nil {
		t.Fatalf("unexpected error setting preference: %v", err)
	}
	am.HandleChallenge(relay, "c1")
	responder.waitInvoked(t)

	am.HandleDisconnect(relay)
	waitStatus(t, am, relay, StatusNone)
	if got := am.Preference(relay); got != PrefAlways {
		t.Fatalf("preference lost on disconnect: %v", got)
	}

	// A late acknowledgment for the dropped session must be ignored.
	am.HandleAuthOK(relay)
	if got := am.Status(relay); got != StatusNone {
		t.Fatalf("stray ack resurrected state: %v", got)
	}
}

// TestReject ensures rejecting a parked challenge clears it.
func TestReject(t *testing.T) {
	const relay = "wss://relay.example.com"
	responder := newMockResponder()
	am := runTestManager(t, &Config{Respond: responder.respond})

	am.HandleChallenge(relay, "c1")
	am.Reject(relay, false)

	if got := am.Status(relay); got != StatusNone {
		t.Fatalf("rejected challenge still visible: %v", got)
	}
	if err := am.Authenticate(relay); !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("unexpected error after rejection: %v", err)
	}
}

// TestRejectRemembered ensures a rejection remembered for the session
// suppresses prompting and auto-authentication until the relay disconnects,
// while an explicit authenticate call still overrides it.
func TestRejectRemembered(t *testing.T) {
	const relay = "wss://relay.example.com"
	responder := newMockResponder()
	am := runTestManager(t, &Config{
		Respond:           responder.respond,
		DefaultPreference: PrefAlways,
	})

	am.HandleChallenge(relay, "c1")
	responder.waitInvoked(t)
	am.Reject(relay, true)
	waitStatus(t, am, relay, StatusNone)

	// A fresh challenge is tracked but neither prompts nor triggers an
	// automatic attempt.
	am.HandleChallenge(relay, "c2")
	waitStatus(t, am, relay, StatusChallengeReceived)
	if am.ShouldPrompt(relay) {
		t.Fatal("rejected relay still prompts")
	}
	if pending := am.PendingChallenges(); len(pending) != 0 {
		t.Fatalf("rejected relay listed as pending: %v", pending)
	}
	if got := responder.callCount(); got != 1 {
		t.Fatalf("auto-auth fired despite rejection: %d responses", got)
	}

	// An explicit attempt overrides the remembered rejection.
	if err := am.Authenticate(relay); err != nil {
		t.Fatalf("unexpected error overriding rejection: %v", err)
	}
	am.HandleAuthOK(relay)
	waitStatus(t, am, relay, StatusAuthenticated)

	// Disconnecting forgets the rejection, so the next challenge
	// auto-authenticates again.
	am.HandleDisconnect(relay)
	waitStatus(t, am, relay, StatusNone)
	am.HandleChallenge(relay, "c3")
	waitStatus(t, am, relay, StatusAuthenticating)
}

// TestSubscribeReplay ensures a new subscriber immediately receives the
// current status of every tracked relay and follows transitions afterwards,
// and that unsubscribing stops delivery.
func TestSubscribeReplay(t *testing.T) {
	const relayA = "wss://a.example.com"
	const relayB = "wss://b.example.com"
	responder := newMockResponder()
	am := runTestManager(t, &Config{Respond: responder.respond})

	am.HandleChallenge(relayA, "c1")
	am.HandleChallenge(relayB, "c2")
	am.HandleAuthFailed(relayB)
	waitStatus(t, am, relayB, StatusFailed)

	rec := &notifyRecorder{}
	id := am.Subscribe(rec.record)
	if id == 0 {
		t.Fatal("unexpected zero subscription id")
	}

	replayed := make(map[string]AuthStatus)
	for _, n := range rec.all() {
		replayed[n.Relay] = n.Status
	}
	if replayed[relayA] != StatusChallengeReceived {
		t.Fatalf("unexpected replayed status for %s: %v", relayA,
			replayed[relayA])
	}
	if replayed[relayB] != StatusFailed {
		t.Fatalf("unexpected replayed status for %s: %v", relayB,
			replayed[relayB])
	}

	// Live transitions are delivered after the replay.
	am.HandleDisconnect(relayA)
	waitStatus(t, am, relayA, StatusNone)
	var sawNone bool
	for _, n := range rec.all() {
		if n.Relay == relayA && n.Status == StatusNone {
			sawNone = true
		}
	}
	if !sawNone {
		t.Fatal("live transition not delivered to subscriber")
	}

	am.Unsubscribe(id)
	before := len(rec.all())
	am.HandleChallenge(relayA, "c3")
	waitStatus(t, am, relayA, StatusChallengeReceived)
	if got := len(rec.all()); got != before {
		t.Fatalf("unsubscribed callback still delivered: %d -> %d",
			before, got)
	}
}

// TestPreferencePersistence ensures stored preferences survive a restart via
// the durable store.
func TestPreferencePersistence(t *testing.T) {
	const relay = "wss://relay.example.com"
	db, err := relaydb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error opening store: %v", err)
	}
	defer db.Close()

	responder := newMockResponder()
	am := runTestManager(t, &Config{Respond: responder.respond, DB: db})
	if err := am.SetPreference(relay, PrefNever); err != nil {
		t.Fatalf("unexpected error setting preference: %v", err)
	}

	am2 := runTestManager(t, &Config{Respond: responder.respond, DB: db})
	if got := am2.Preference(relay); got != PrefNever {
		t.Fatalf("preference did not survive restart: %v", got)
	}
}
