// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"testing"
	"time"

	"github.com/meshforge/relaykit/relaydb"
	"github.com/meshforge/relaykit/wire"
)

// newTestClient returns a running client backed by temporary directories.
// The client's managers are torn down when the test completes.
func newTestClient(t *testing.T) *client {
	t.Helper()

	db, err := relaydb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tcfg := &config{
		DataDir:        t.TempDir(),
		AuthPreference: defaultAuthPreference,
		PublishTimeout: defaultPublishTimeout,
	}
	c, err := newClient(tcfg, db)
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	select {
	case <-c.ready:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for the client to start")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for the client to stop")
		}
	})
	return c
}

// TestIngestDedupe ensures a record delivered by several relays is archived
// exactly once.
func TestIngestDedupe(t *testing.T) {
	c := newTestClient(t)

	ev := &wire.Event{
		ID:        "dup-record",
		Author:    "author-a",
		Kind:      1,
		Content:   "hello",
		CreatedAt: 1700000000,
	}
	raw, err := encodeEventFrame(ev)
	if err != nil {
		t.Fatalf("unexpected error encoding frame: %v", err)
	}

	c.handleFrame("wss://relay1.example.com", raw)
	c.handleFrame("wss://relay2.example.com", raw)
	if err := c.wq.ForceFlush(); err != nil {
		t.Fatalf("unexpected error flushing queue: %v", err)
	}

	payloads, err := relaydb.NewQueueStore(c.db).ReadPartition(eventsPartition)
	if err != nil {
		t.Fatalf("unexpected error reading archive: %v", err)
	}
	if len(payloads) != 1 {
		t.Fatalf("unexpected archived copies: got %d, want 1", len(payloads))
	}
	got, err := wire.DeserializeEvent(payloads[0])
	if err != nil {
		t.Fatalf("unexpected error decoding archived record: %v", err)
	}
	if got.ID != ev.ID {
		t.Fatalf("unexpected archived record: got %s, want %s", got.ID,
			ev.ID)
	}
}

// TestUpdateOutbox ensures relay list records maintain the author outbox
// directory, honoring write markers and declaration recency.
func TestUpdateOutbox(t *testing.T) {
	c := newTestClient(t)

	ev := &wire.Event{
		ID:     "relay-list-1",
		Author: "author-a",
		Kind:   kindRelayList,
		Tags: [][]string{
			{"r", "wss://both.example.com"},
			{"r", "wss://write.example.com", "write"},
			{"r", "wss://read.example.com", "read"},
			{"p", "wss://other.example.com"},
			{"r"},
		},
		CreatedAt: 2000,
	}
	c.updateOutbox(ev)

	relays, err := c.WriteRelays("author-a")
	if err != nil {
		t.Fatalf("unexpected error reading outbox: %v", err)
	}
	want := []string{"wss://both.example.com", "wss://write.example.com"}
	if len(relays) != len(want) {
		t.Fatalf("unexpected write relays: got %v, want %v", relays, want)
	}
	for i := range want {
		if relays[i] != want[i] {
			t.Fatalf("unexpected write relay at %d: got %s, want %s",
				i, relays[i], want[i])
		}
	}

	// An older declaration must not replace the stored one.
	older := &wire.Event{
		ID:        "relay-list-0",
		Author:    "author-a",
		Kind:      kindRelayList,
		Tags:      [][]string{{"r", "wss://stale.example.com"}},
		CreatedAt: 1000,
	}
	c.updateOutbox(older)
	relays, err = c.WriteRelays("author-a")
	if err != nil {
		t.Fatalf("unexpected error reading outbox: %v", err)
	}
	if len(relays) != 2 || relays[0] != "wss://both.example.com" {
		t.Fatalf("stale declaration replaced outbox: %v", relays)
	}

	// A newer declaration replaces it.
	newer := &wire.Event{
		ID:        "relay-list-2",
		Author:    "author-a",
		Kind:      kindRelayList,
		Tags:      [][]string{{"r", "wss://fresh.example.com"}},
		CreatedAt: 3000,
	}
	c.updateOutbox(newer)
	relays, err = c.WriteRelays("author-a")
	if err != nil {
		t.Fatalf("unexpected error reading outbox: %v", err)
	}
	if len(relays) != 1 || relays[0] != "wss://fresh.example.com" {
		t.Fatalf("newer declaration did not replace outbox: %v", relays)
	}
}

// TestWriteRelaysUnknownAuthor ensures authors without a stored declaration
// resolve to no relays without an error.
func TestWriteRelaysUnknownAuthor(t *testing.T) {
	c := newTestClient(t)

	relays, err := c.WriteRelays("nobody")
	if err != nil {
		t.Fatalf("unexpected error reading outbox: %v", err)
	}
	if relays != nil {
		t.Fatalf("unexpected relays for unknown author: %v", relays)
	}
}

// TestHandleAckRouting ensures relay acknowledgments reach the publish
// waiting on them and clear pending handshake bookkeeping.
func TestHandleAckRouting(t *testing.T) {
	c := newTestClient(t)
	const relay = "wss://relay.example.com"

	// A registered publish ack must receive the decoded outcome.
	ch := make(chan ackResult, 1)
	c.mtx.Lock()
	c.acks[pendingAck{relay: relay, id: "record-1"}] = ch
	c.mtx.Unlock()

	c.handleFrame(relay, []byte(`["OK","record-1",false,"blocked: spam"]`))
	select {
	case res := <-ch:
		if res.accepted {
			t.Fatal("refusal reported as accepted")
		}
		if res.message != "blocked: spam" {
			t.Fatalf("unexpected refusal message: %q", res.message)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish ack")
	}
	c.mtx.Lock()
	remaining := len(c.acks)
	c.mtx.Unlock()
	if remaining != 0 {
		t.Fatalf("pending ack table not cleared: %d entries", remaining)
	}

	// An ack matching the challenge last responded to on the relay
	// settles the handshake bookkeeping.
	c.mtx.Lock()
	c.authSent[relay] = "nonce-1"
	c.mtx.Unlock()

	c.handleFrame(relay, []byte(`["OK","nonce-1",true,""]`))
	c.mtx.Lock()
	_, stillPending := c.authSent[relay]
	c.mtx.Unlock()
	if stillPending {
		t.Fatal("acknowledged handshake still pending")
	}

	// Unmatched acks are ignored.
	c.handleFrame(relay, []byte(`["OK","unknown",true,""]`))
}
