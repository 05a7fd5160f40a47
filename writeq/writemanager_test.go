// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package writeq

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

// storeBatch records one WriteBatch invocation.
type storeBatch struct {
	key      string
	payloads [][]byte
}

// mockStore implements the Store interface with configurable induced
// failures and an optional gate that holds every write until released.
type mockStore struct {
	mtx      sync.Mutex
	batches  []storeBatch
	failures map[string]int

	// entered receives a signal when WriteBatch is entered and gate,
	// when non-nil, holds the write until an error (or nil) is sent.
	entered chan struct{}
	gate    chan error
}

func newMockStore() *mockStore {
	return &mockStore{
		failures: make(map[string]int),
		entered:  make(chan struct{}, 16),
	}
}

func (s *mockStore) WriteBatch(key string, payloads [][]byte) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	if s.gate != nil {
		if err := <-s.gate; err != nil {
			return err
		}
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if n := s.failures[key]; n > 0 {
		s.failures[key] = n - 1
		return errors.New("induced storage failure")
	}
	s.batches = append(s.batches, storeBatch{key: key, payloads: payloads})
	return nil
}

func (s *mockStore) batchCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.batches)
}

func (s *mockStore) batch(i int) storeBatch {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.batches[i]
}

// waitBatches polls until the store has seen the wanted number of batches or
// fails the test after a timeout.
func waitBatches(t *testing.T, s *mockStore, want int) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.batchCount() >= want {
			return
		}
		time.Sleep(time.Millisecond * 5)
	}
	t.Fatalf("store never saw %d batches (got %d)", want, s.batchCount())
}

// newTestManager returns a write manager over the given store with triggers
// disabled by default so tests control flushing explicitly.
func newTestManager(t *testing.T, store Store, cfg *Config) *WriteManager {
	t.Helper()

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Store = store
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10000
	}
	if cfg.FlushDelay == 0 {
		cfg.FlushDelay = time.Hour
	}
	wm, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error creating manager: %v", err)
	}
	t.Cleanup(func() { wm.Close() })
	return wm
}

// TestStoreRequired ensures constructing a manager without a store fails.
func TestStoreRequired(t *testing.T) {
	if _, err := New(&Config{}); !errors.Is(err, ErrStoreNil) {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestBatchSizeTrigger ensures reaching the batch size triggers a background
// flush without caller involvement.
func TestBatchSizeTrigger(t *testing.T) {
	store := newMockStore()
	wm := newTestManager(t, store, &Config{BatchSize: 3})

	for i := 0; i < 3; i++ {
		if err := wm.Enqueue("events", []byte{byte(i)}); err != nil {
			t.Fatalf("unexpected error enqueueing: %v", err)
		}
	}
	waitBatches(t, store, 1)

	got := store.batch(0)
	if got.key != "events" || len(got.payloads) != 3 {
		t.Fatalf("unexpected batch: key %q with %d payloads", got.key,
			len(got.payloads))
	}
}

// TestDelayTrigger ensures the flush delay flushes a queue that never
// reaches the batch size.
func TestDelayTrigger(t *testing.T) {
	store := newMockStore()
	wm := newTestManager(t, store, &Config{FlushDelay: time.Millisecond * 15})

	if err := wm.Enqueue("events", []byte("lonely")); err != nil {
		t.Fatalf("unexpected error enqueueing: %v", err)
	}
	waitBatches(t, store, 1)

	if got := wm.Len(); got != 0 {
		t.Fatalf("queue not drained by delay flush: %d items", got)
	}
}

// TestPartitionGrouping ensures a flush performs one transaction per
// partition in first-seen order with item order preserved inside each group.
func TestPartitionGrouping(t *testing.T) {
	store := newMockStore()
	wm := newTestManager(t, store, nil)

	err := wm.EnqueueBatch([]Item{
		{PartitionKey: "a", Payload: []byte("a1")},
		{PartitionKey: "b", Payload: []byte("b1")},
		{PartitionKey: "a", Payload: []byte("a2")},
		{PartitionKey: "b", Payload: []byte("b2")},
		{PartitionKey: "c", Payload: []byte("c1")},
	})
	if err != nil {
		t.Fatalf("unexpected error enqueueing: %v", err)
	}
	if err := wm.Flush(); err != nil {
		t.Fatalf("unexpected error flushing: %v", err)
	}

	wantBatches := []storeBatch{
		{key: "a", payloads: [][]byte{[]byte("a1"), []byte("a2")}},
		{key: "b", payloads: [][]byte{[]byte("b1"), []byte("b2")}},
		{key: "c", payloads: [][]byte{[]byte("c1")}},
	}
	if got := store.batchCount(); got != len(wantBatches) {
		t.Fatalf("unexpected transaction count: got %d, want %d", got,
			len(wantBatches))
	}
	for i, want := range wantBatches {
		got := store.batch(i)
		if got.key != want.key {
			t.Fatalf("batch %d: got partition %q, want %q", i,
				got.key, want.key)
		}
		if len(got.payloads) != len(want.payloads) {
			t.Fatalf("batch %d: got %d payloads, want %d", i,
				len(got.payloads), len(want.payloads))
		}
		for j := range want.payloads {
			if !bytes.Equal(got.payloads[j], want.payloads[j]) {
				t.Fatalf("batch %d payload %d: got %s, want %s",
					i, j, got.payloads[j], want.payloads[j])
			}
		}
	}
}

// TestHardCap ensures an enqueue that finds the queue at the hard maximum
// flushes synchronously before accepting the new item.
func TestHardCap(t *testing.T) {
	store := newMockStore()
	wm := newTestManager(t, store, &Config{MaxQueue: 5})

	for i := 0; i < 5; i++ {
		if err := wm.Enqueue("events", []byte{byte(i)}); err != nil {
			t.Fatalf("unexpected error enqueueing item %d: %v", i, err)
		}
	}
	if got := store.batchCount(); got != 0 {
		t.Fatalf("flush happened below the cap: %d batches", got)
	}

	// The sixth item does not fit, so this enqueue must flush inline.
	if err := wm.Enqueue("events", []byte{5}); err != nil {
		t.Fatalf("unexpected error enqueueing over cap: %v", err)
	}
	if got := store.batchCount(); got != 1 {
		t.Fatalf("no synchronous flush at the cap: %d batches", got)
	}
	if got := len(store.batch(0).payloads); got != 5 {
		t.Fatalf("unexpected flushed size: %d", got)
	}
	if got := wm.Len(); got != 1 {
		t.Fatalf("new item not queued after forced flush: %d", got)
	}
}

// TestFailureRequeue ensures a failed transaction returns every unwritten
// item to the front of the queue in order and that a later flush retries
// them successfully.
func TestFailureRequeue(t *testing.T) {
	store := newMockStore()
	store.failures["a"] = 1
	wm := newTestManager(t, store, nil)

	err := wm.EnqueueBatch([]Item{
		{PartitionKey: "a", Payload: []byte("a1")},
		{PartitionKey: "a", Payload: []byte("a2")},
		{PartitionKey: "b", Payload: []byte("b1")},
	})
	if err != nil {
		t.Fatalf("unexpected error enqueueing: %v", err)
	}

	if err := wm.Flush(); !errors.Is(err, ErrFlushFailed) {
		t.Fatalf("unexpected flush error: %v", err)
	}
	if got := wm.Len(); got != 3 {
		t.Fatalf("unwritten items not requeued: %d", got)
	}
	if got := store.batchCount(); got != 0 {
		t.Fatalf("unexpected partial write: %d batches", got)
	}

	// The induced failure is consumed, so a retry drains everything in
	// the original order.
	if err := wm.Flush(); err != nil {
		t.Fatalf("unexpected error retrying flush: %v", err)
	}
	if got := wm.Len(); got != 0 {
		t.Fatalf("queue not drained by retry: %d items", got)
	}
	if got := store.batchCount(); got != 2 {
		t.Fatalf("unexpected transaction count: %d", got)
	}
	if got := store.batch(0); got.key != "a" || len(got.payloads) != 2 {
		t.Fatalf("unexpected first batch: key %q with %d payloads",
			got.key, len(got.payloads))
	}
	if got := store.batch(1); got.key != "b" || len(got.payloads) != 1 {
		t.Fatalf("unexpected second batch: key %q with %d payloads",
			got.key, len(got.payloads))
	}
}

// TestFailureDrop ensures items a failed flush cannot requeue without
// exceeding the hard maximum are reported through the drop callback rather
// than silently lost.
func TestFailureDrop(t *testing.T) {
	store := newMockStore()
	store.gate = make(chan error)

	var droppedMtx sync.Mutex
	var dropped []Item
	var droppedErr error
	cfg := &Config{
		MaxQueue: 3,
		OnDropped: func(items []Item, err error) {
			droppedMtx.Lock()
			dropped = append(dropped, items...)
			droppedErr = err
			droppedMtx.Unlock()
		},
	}
	wm := newTestManager(t, store, cfg)

	for i := 0; i < 3; i++ {
		if err := wm.Enqueue("a", []byte{byte(i)}); err != nil {
			t.Fatalf("unexpected error enqueueing: %v", err)
		}
	}

	flushErr := make(chan error, 1)
	go func() { flushErr <- wm.Flush() }()

	// Once the flush is inside the store, refill the queue so the failed
	// batch no longer fits, then release the store with a failure.
	<-store.entered
	for i := 0; i < 3; i++ {
		if err := wm.Enqueue("b", []byte{byte(i)}); err != nil {
			t.Fatalf("unexpected error refilling queue: %v", err)
		}
	}
	store.gate <- errors.New("storage offline")

	if err := <-flushErr; !errors.Is(err, ErrFlushFailed) {
		t.Fatalf("unexpected flush error: %v", err)
	}

	droppedMtx.Lock()
	defer droppedMtx.Unlock()
	if len(dropped) != 3 {
		t.Fatalf("unexpected dropped count: %d", len(dropped))
	}
	for _, item := range dropped {
		if item.PartitionKey != "a" {
			t.Fatalf("unexpected dropped partition: %q",
				item.PartitionKey)
		}
	}
	if droppedErr == nil {
		t.Fatal("drop callback missing the cause")
	}
	if got := wm.Len(); got != 3 {
		t.Fatalf("refilled items disturbed: %d", got)
	}

	// Unblock the eventual Close flush of the refilled items.
	store.gate = nil
}

// TestConcurrentFlush ensures concurrent flush calls serialize onto a single
// transaction instead of racing duplicates.
func TestConcurrentFlush(t *testing.T) {
	store := newMockStore()
	wm := newTestManager(t, store, nil)

	if err := wm.Enqueue("events", []byte("once")); err != nil {
		t.Fatalf("unexpected error enqueueing: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- wm.Flush()
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected flush error: %v", err)
		}
	}
	if got := store.batchCount(); got != 1 {
		t.Fatalf("concurrent flushes raced: %d batches", got)
	}
}

// TestClose ensures closing drains the queue and refuses later enqueues.
func TestClose(t *testing.T) {
	store := newMockStore()
	wm := newTestManager(t, store, nil)

	if err := wm.Enqueue("events", []byte("last")); err != nil {
		t.Fatalf("unexpected error enqueueing: %v", err)
	}
	if err := wm.Close(); err != nil {
		t.Fatalf("unexpected error closing: %v", err)
	}
	if got := store.batchCount(); got != 1 {
		t.Fatalf("close did not drain the queue: %d batches", got)
	}

	err := wm.Enqueue("events", []byte("too late"))
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("unexpected error after close: %v", err)
	}
	if err := wm.Close(); err != nil {
		t.Fatalf("unexpected error closing twice: %v", err)
	}
}
