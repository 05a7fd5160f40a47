// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package relaydb

import (
	"bytes"
	"fmt"
	"testing"
)

// TestQueueStoreOrdering ensures payloads written across several batches are
// read back in the order they were written and are isolated per partition.
func TestQueueStoreOrdering(t *testing.T) {
	db := openTestDB(t)
	qs := NewQueueStore(db)

	var want [][]byte
	for batch := 0; batch < 3; batch++ {
		payloads := make([][]byte, 0, 4)
		for i := 0; i < 4; i++ {
			payloads = append(payloads,
				[]byte(fmt.Sprintf("event-%d-%d", batch, i)))
		}
		if err := qs.WriteBatch("events", payloads); err != nil {
			t.Fatalf("unexpected error writing batch %d: %v", batch, err)
		}
		want = append(want, payloads...)
	}
	if err := qs.WriteBatch("other", [][]byte{[]byte("x")}); err != nil {
		t.Fatalf("unexpected error writing other partition: %v", err)
	}

	got, err := qs.ReadPartition("events")
	if err != nil {
		t.Fatalf("unexpected error reading partition: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected payload count: got %d, want %d", len(got),
			len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("unexpected payload at %d: got %s, want %s", i,
				got[i], want[i])
		}
	}

	// A partition whose name prefixes another must not see its payloads.
	got, err = qs.ReadPartition("event")
	if err != nil {
		t.Fatalf("unexpected error reading partition: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("unexpected payloads in empty partition: %d", len(got))
	}
}

// TestQueueStoreReopen ensures a queue store created over a reopened database
// keeps appending after the previously stored payloads.
func TestQueueStoreReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("unexpected error opening store: %v", err)
	}
	qs := NewQueueStore(db)
	if err := qs.WriteBatch("events", [][]byte{[]byte("first")}); err != nil {
		t.Fatalf("unexpected error writing batch: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("unexpected error closing store: %v", err)
	}

	db, err = Open(dir)
	if err != nil {
		t.Fatalf("unexpected error reopening store: %v", err)
	}
	defer db.Close()

	qs = NewQueueStore(db)
	if err := qs.WriteBatch("events", [][]byte{[]byte("second")}); err != nil {
		t.Fatalf("unexpected error writing batch: %v", err)
	}

	got, err := qs.ReadPartition("events")
	if err != nil {
		t.Fatalf("unexpected error reading partition: %v", err)
	}
	want := [][]byte{[]byte("first"), []byte("second")}
	if len(got) != len(want) {
		t.Fatalf("unexpected payload count: got %d, want %d", len(got),
			len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("unexpected payload at %d: got %s, want %s", i,
				got[i], want[i])
		}
	}
}
