// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package relaydb

import (
	"fmt"
	"sync/atomic"
	"time"
)

// QueueStore adapts the store to serve as the durable sink of a write queue.
// Every stored payload is keyed under its partition with a strictly
// increasing sequence number, so iterating a partition prefix yields the
// payloads in the order they were written.
//
// The sequence is seeded from the wall clock when the store is created,
// which keeps keys written after a restart ordered behind the previous
// run's.  All methods are safe for concurrent access.
type QueueStore struct {
	db  *DB
	seq atomic.Uint64
}

// NewQueueStore returns a queue store backed by the given database.
func NewQueueStore(db *DB) *QueueStore {
	qs := QueueStore{db: db}
	qs.seq.Store(uint64(time.Now().UnixNano()))
	return &qs
}

// queueKey returns the storage key for the next payload of the given
// partition.
func (qs *QueueStore) queueKey(partitionKey string) []byte {
	return []byte(fmt.Sprintf("%s/%016x", partitionKey, qs.seq.Add(1)))
}

// WriteBatch atomically stores the payloads under the given partition.
// Either every payload is durably written or none is.
func (qs *QueueStore) WriteBatch(partitionKey string, payloads [][]byte) error {
	return qs.db.Update(func(tx Tx) error {
		for _, payload := range payloads {
			if err := tx.Put(qs.queueKey(partitionKey), payload); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadPartition returns every payload stored under the given partition in
// the order it was written.
func (qs *QueueStore) ReadPartition(partitionKey string) ([][]byte, error) {
	var payloads [][]byte
	iter := qs.db.NewIterator([]byte(partitionKey + "/"))
	defer iter.Release()
	for iter.Next() {
		payload := make([]byte, len(iter.Value()))
		copy(payload, iter.Value())
		payloads = append(payloads, payload)
	}
	if err := iter.Error(); err != nil {
		return nil, convertLdbErr(err, "failed to iterate partition "+
			partitionKey)
	}
	return payloads, nil
}
