// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package writeq implements a batched, backpressured write path to durable
// storage.
//
// Write-heavy ingestion produces items far faster than one-transaction-per
// -item storage can absorb, so items queue in memory and are flushed in
// batches.  A flush is triggered by whichever comes first: the queue
// reaching the batch size, or a fixed delay elapsing since the first
// unflushed item arrived.  Each flush takes the whole queue atomically,
// groups items by partition key, and performs one storage transaction per
// partition group, so transaction count scales with the number of
// partitions touched rather than the number of items.
//
// Memory use is bounded by a hard queue maximum: an enqueue that finds the
// queue full performs an immediate synchronous flush before the new item is
// accepted.  Flushes never race each other; a flush already in progress is
// awaited rather than doubled.  Items a failed flush cannot return to the
// queue are handed to the configured drop callback so nothing is lost
// silently.
package writeq

import (
	"fmt"
	"sync"
	"time"
)

const (
	// defaultBatchSize is the queue length that triggers a flush when no
	// override is provided.
	defaultBatchSize = 50

	// defaultFlushDelay is the longest an unflushed item waits in the
	// queue when no override is provided.
	defaultFlushDelay = time.Second * 2

	// defaultMaxQueue is the hard queue maximum when no override is
	// provided.
	defaultMaxQueue = 1000
)

// Item is a single queued write.
type Item struct {
	// PartitionKey groups items that must share a storage transaction.
	PartitionKey string

	// Payload is the opaque serialized item.
	Payload []byte
}

// Store is the durable storage a write manager flushes to.
type Store interface {
	// WriteBatch durably writes all payloads belonging to one partition
	// group within a single transaction.  Either every payload is
	// written or none are.
	WriteBatch(partitionKey string, payloads [][]byte) error
}

// Config holds the configuration options related to the write manager.
type Config struct {
	// Store is the durable storage flushed to.  This field is required.
	Store Store

	// BatchSize is the queue length that triggers a flush.
	//
	// Defaults to 50 when zero.
	BatchSize int

	// FlushDelay is the longest an unflushed item waits in the queue
	// before a flush is triggered.
	//
	// Defaults to 2 seconds when zero.
	FlushDelay time.Duration

	// MaxQueue is the hard queue maximum.  An enqueue that finds the
	// queue at this size flushes synchronously before accepting the new
	// item.
	//
	// Defaults to 1000 when zero.
	MaxQueue int

	// OnDropped is invoked with items that were dropped because a failed
	// flush could not return them to the queue without exceeding
	// MaxQueue.  It may be nil.  It must not call back into the write
	// manager.
	OnDropped func(items []Item, err error)
}

// WriteManager queues writes in memory and flushes them to durable storage
// in partition-grouped batches.  It is safe for concurrent access.
type WriteManager struct {
	cfg Config

	// flushMtx serializes flushes.  Acquiring it awaits any in-flight
	// flush.
	flushMtx sync.Mutex

	mtx        sync.Mutex
	queue      []Item
	delayTimer *time.Timer
	closed     bool

	flushSignal chan struct{}
	quit        chan struct{}
	wg          sync.WaitGroup
}

// New returns a new write manager with the provided configuration.
func New(cfg *Config) (*WriteManager, error) {
	if cfg.Store == nil {
		return nil, makeError(ErrStoreNil, "config: store cannot be nil")
	}
	wm := WriteManager{
		cfg:         *cfg, // Copy so caller can't mutate
		flushSignal: make(chan struct{}, 1),
		quit:        make(chan struct{}),
	}
	if wm.cfg.BatchSize <= 0 {
		wm.cfg.BatchSize = defaultBatchSize
	}
	if wm.cfg.FlushDelay <= 0 {
		wm.cfg.FlushDelay = defaultFlushDelay
	}
	if wm.cfg.MaxQueue <= 0 {
		wm.cfg.MaxQueue = defaultMaxQueue
	}

	wm.wg.Add(1)
	go wm.flushHandler()
	return &wm, nil
}

// signalFlush nudges the flush handler without blocking.  A signal is
// dropped when one is already pending since a single flush drains the whole
// queue anyway.
func (wm *WriteManager) signalFlush() {
	select {
	case wm.flushSignal <- struct{}{}:
	default:
	}
}

// armDelayTimer starts the flush delay for the first unflushed item.
//
// This function MUST be called with the queue mutex held.
func (wm *WriteManager) armDelayTimer() {
	if wm.delayTimer != nil {
		return
	}
	wm.delayTimer = time.AfterFunc(wm.cfg.FlushDelay, wm.signalFlush)
}

// flushHandler runs flushes triggered by the delay timer and the batch-size
// threshold.  It must be run as a goroutine.
func (wm *WriteManager) flushHandler() {
out:
	for {
		select {
		case <-wm.flushSignal:
			if err := wm.flush(); err != nil {
				log.Errorf("Background flush failed: %v", err)
			}

		case <-wm.quit:
			break out
		}
	}
	wm.wg.Done()
	log.Trace("Flush handler done")
}

// takeAll atomically removes and returns the entire queue.
func (wm *WriteManager) takeAll() []Item {
	wm.mtx.Lock()
	defer wm.mtx.Unlock()

	items := wm.queue
	wm.queue = nil
	if wm.delayTimer != nil {
		wm.delayTimer.Stop()
		wm.delayTimer = nil
	}
	return items
}

// requeueFront returns unwritten items to the front of the queue in their
// original order, provided the hard maximum allows it.  Items that do not
// fit are reported through the drop callback.
func (wm *WriteManager) requeueFront(items []Item, cause error) {
	wm.mtx.Lock()
	if len(items)+len(wm.queue) <= wm.cfg.MaxQueue {
		wm.queue = append(items, wm.queue...)
		// Re-arm the delay so the retained items are retried even if
		// nothing else is enqueued.
		wm.armDelayTimer()
		wm.mtx.Unlock()
		log.Warnf("Returned %d unflushed items to the queue: %v",
			len(items), cause)
		return
	}
	wm.mtx.Unlock()

	log.Errorf("Dropping %d items that no longer fit the queue: %v",
		len(items), cause)
	if wm.cfg.OnDropped != nil {
		wm.cfg.OnDropped(items, cause)
	}
}

// flush writes everything currently queued to the store, one transaction per
// partition group.  A flush already in progress is awaited first, so
// concurrent flushes never race.  On a failed transaction the unwritten
// items are returned to the front of the queue when the hard maximum
// allows, and reported dropped otherwise.
func (wm *WriteManager) flush() error {
	wm.flushMtx.Lock()
	defer wm.flushMtx.Unlock()

	items := wm.takeAll()
	if len(items) == 0 {
		return nil
	}

	// Group the items by partition while remembering the order in which
	// partitions were first seen so transactions happen in arrival order.
	groups := make(map[string][][]byte)
	var order []string
	for _, item := range items {
		if _, ok := groups[item.PartitionKey]; !ok {
			order = append(order, item.PartitionKey)
		}
		groups[item.PartitionKey] = append(groups[item.PartitionKey],
			item.Payload)
	}

	written := make(map[string]struct{}, len(order))
	for _, key := range order {
		err := wm.cfg.Store.WriteBatch(key, groups[key])
		if err != nil {
			// Return every item that is not durably written,
			// including the groups never attempted, in original
			// order.
			var unwritten []Item
			for _, item := range items {
				if _, ok := written[item.PartitionKey]; !ok {
					unwritten = append(unwritten, item)
				}
			}
			wm.requeueFront(unwritten, err)
			str := fmt.Sprintf("failed to flush partition %q: %v",
				key, err)
			return makeError(ErrFlushFailed, str)
		}
		written[key] = struct{}{}
	}

	log.Debugf("Flushed %d items across %d partitions", len(items),
		len(order))
	return nil
}

// Enqueue adds a single item to the queue.  See EnqueueBatch for the queue
// admission semantics.
func (wm *WriteManager) Enqueue(partitionKey string, payload []byte) error {
	return wm.EnqueueBatch([]Item{{
		PartitionKey: partitionKey,
		Payload:      payload,
	}})
}

// EnqueueBatch adds items to the queue.  Items are accepted immediately
// unless the queue is at its hard maximum, in which case an immediate
// synchronous flush makes room first; if the queue is still full afterwards
// the items are refused with ErrQueueFull.  Reaching the batch size triggers
// an asynchronous flush, and the first unflushed item arms the flush delay.
func (wm *WriteManager) EnqueueBatch(items []Item) error {
	if len(items) == 0 {
		return nil
	}

	wm.mtx.Lock()
	if wm.closed {
		wm.mtx.Unlock()
		return makeError(ErrQueueClosed, "enqueue on closed queue")
	}

	// Backpressure: force room before accepting more items.
	if len(wm.queue)+len(items) > wm.cfg.MaxQueue {
		wm.mtx.Unlock()
		if err := wm.flush(); err != nil {
			return err
		}
		wm.mtx.Lock()
		if wm.closed {
			wm.mtx.Unlock()
			return makeError(ErrQueueClosed, "enqueue on closed queue")
		}
		if len(wm.queue)+len(items) > wm.cfg.MaxQueue {
			wm.mtx.Unlock()
			str := fmt.Sprintf("queue at hard maximum %d",
				wm.cfg.MaxQueue)
			return makeError(ErrQueueFull, str)
		}
	}

	wm.queue = append(wm.queue, items...)
	wm.armDelayTimer()
	reached := len(wm.queue) >= wm.cfg.BatchSize
	wm.mtx.Unlock()

	if reached {
		wm.signalFlush()
	}
	return nil
}

// Flush synchronously writes everything currently queued, awaiting any
// in-flight flush first.
func (wm *WriteManager) Flush() error {
	return wm.flush()
}

// ForceFlush synchronously drains the queue, repeating flushes until no
// items remain, including items enqueued while earlier passes were writing.
// It stops at the first flush error.
func (wm *WriteManager) ForceFlush() error {
	for {
		if err := wm.flush(); err != nil {
			return err
		}
		if wm.Len() == 0 {
			return nil
		}
	}
}

// Len returns the number of items currently queued.
func (wm *WriteManager) Len() int {
	wm.mtx.Lock()
	defer wm.mtx.Unlock()
	return len(wm.queue)
}

// Close stops the background flusher, drains the queue, and refuses any
// further enqueues.  It returns the error of the final flush, if any.
func (wm *WriteManager) Close() error {
	wm.mtx.Lock()
	if wm.closed {
		wm.mtx.Unlock()
		return nil
	}
	wm.closed = true
	wm.mtx.Unlock()

	close(wm.quit)
	wm.wg.Wait()
	return wm.ForceFlush()
}
