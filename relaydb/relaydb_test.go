// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package relaydb

import (
	"bytes"
	"errors"
	"testing"
)

// openTestDB returns a store backed by a fresh temporary directory that is
// closed when the test completes.
func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestErrorKindStringer tests the stringized output for the ErrorKind type.
func TestErrorKindStringer(t *testing.T) {
	tests := []struct {
		in   ErrorKind
		want string
	}{
		{ErrDbNotOpen, "ErrDbNotOpen"},
		{ErrCorruption, "ErrCorruption"},
		{ErrTxClosed, "ErrTxClosed"},
		{ErrStore, "ErrStore"},
	}
	for i, test := range tests {
		result := test.in.Error()
		if result != test.want {
			t.Errorf("#%d: got: %s want: %s", i, result, test.want)
			continue
		}
	}
}

// TestErrorKindIsAs ensures both ErrorKind and Error can be identified as
// being a specific error kind via errors.Is and unwrapped via errors.As.
func TestErrorKindIsAs(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		target    error
		wantMatch bool
		wantAs    ErrorKind
	}{{
		name:      "ErrDbNotOpen == ErrDbNotOpen",
		err:       ErrDbNotOpen,
		target:    ErrDbNotOpen,
		wantMatch: true,
		wantAs:    ErrDbNotOpen,
	}, {
		name:      "Error.ErrDbNotOpen == ErrDbNotOpen",
		err:       makeError(ErrDbNotOpen, ""),
		target:    ErrDbNotOpen,
		wantMatch: true,
		wantAs:    ErrDbNotOpen,
	}, {
		name:      "Error.ErrDbNotOpen != ErrCorruption",
		err:       makeError(ErrDbNotOpen, ""),
		target:    ErrCorruption,
		wantMatch: false,
		wantAs:    ErrDbNotOpen,
	}}
	for _, test := range tests {
		result := errors.Is(test.err, test.target)
		if result != test.wantMatch {
			t.Errorf("%s: incorrect error identification -- got %v, "+
				"want %v", test.name, result, test.wantMatch)
			continue
		}

		var kind ErrorKind
		if !errors.As(test.err, &kind) {
			t.Errorf("%s: unable to unwrap to error kind", test.name)
			continue
		}
		if kind != test.wantAs {
			t.Errorf("%s: unexpected unwrapped error kind -- got "+
				"%v, want %v", test.name, kind, test.wantAs)
			continue
		}
	}
}

// TestBasicOps ensures the basic get/has/put/delete methods behave as
// documented, including the nil result for missing keys.
func TestBasicOps(t *testing.T) {
	db := openTestDB(t)

	key := []byte("perf/wss://relay.example.com")
	val := []byte(`{"score":5}`)

	// Missing keys return nil without an error.
	got, err := db.Get(key)
	if err != nil {
		t.Fatalf("unexpected error getting missing key: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing key, got %x", got)
	}
	has, err := db.Has(key)
	if err != nil {
		t.Fatalf("unexpected error checking missing key: %v", err)
	}
	if has {
		t.Fatal("missing key reported as present")
	}

	if err := db.Put(key, val); err != nil {
		t.Fatalf("unexpected error putting key: %v", err)
	}
	got, err = db.Get(key)
	if err != nil {
		t.Fatalf("unexpected error getting key: %v", err)
	}
	if !bytes.Equal(got, val) {
		t.Fatalf("unexpected value: got %s, want %s", got, val)
	}

	if err := db.Delete(key); err != nil {
		t.Fatalf("unexpected error deleting key: %v", err)
	}
	has, err = db.Has(key)
	if err != nil {
		t.Fatalf("unexpected error checking deleted key: %v", err)
	}
	if has {
		t.Fatal("deleted key reported as present")
	}

	// Deleting a missing key is not an error.
	if err := db.Delete(key); err != nil {
		t.Fatalf("unexpected error deleting missing key: %v", err)
	}
}

// TestUpdateAtomicity ensures updates inside a transaction are applied
// together on success and discarded together when the callback errors.
func TestUpdateAtomicity(t *testing.T) {
	db := openTestDB(t)

	keyA, keyB := []byte("a"), []byte("b")

	err := db.Update(func(tx Tx) error {
		if err := tx.Put(keyA, []byte{1}); err != nil {
			return err
		}
		return tx.Put(keyB, []byte{2})
	})
	if err != nil {
		t.Fatalf("unexpected error committing update: %v", err)
	}
	for _, key := range [][]byte{keyA, keyB} {
		has, err := db.Has(key)
		if err != nil || !has {
			t.Fatalf("key %s missing after commit (err %v)", key, err)
		}
	}

	// A failed update must leave all keys untouched.
	errSentinel := errors.New("boom")
	err = db.Update(func(tx Tx) error {
		if err := tx.Delete(keyA); err != nil {
			return err
		}
		if err := tx.Put(keyB, []byte{99}); err != nil {
			return err
		}
		return errSentinel
	})
	if !errors.Is(err, errSentinel) {
		t.Fatalf("unexpected error from failed update: %v", err)
	}
	has, err := db.Has(keyA)
	if err != nil || !has {
		t.Fatalf("rolled back delete was applied (err %v)", err)
	}
	got, err := db.Get(keyB)
	if err != nil {
		t.Fatalf("unexpected error getting key: %v", err)
	}
	if !bytes.Equal(got, []byte{2}) {
		t.Fatalf("rolled back put was applied: got %x", got)
	}
}

// TestIteratorPrefix ensures prefix iteration only visits keys under the
// prefix and in lexicographic order.
func TestIteratorPrefix(t *testing.T) {
	db := openTestDB(t)

	pairs := map[string]string{
		"perf/a":     "1",
		"perf/b":     "2",
		"perf/c":     "3",
		"authpref/a": "4",
		"pubreq/a":   "5",
	}
	for k, v := range pairs {
		if err := db.Put([]byte(k), []byte(v)); err != nil {
			t.Fatalf("unexpected error putting key %s: %v", k, err)
		}
	}

	iter := db.NewIterator([]byte("perf/"))
	defer iter.Release()

	var keys []string
	for iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		t.Fatalf("unexpected iterator error: %v", err)
	}

	want := []string{"perf/a", "perf/b", "perf/c"}
	if len(keys) != len(want) {
		t.Fatalf("unexpected keys: got %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("unexpected key at %d: got %s, want %s", i,
				keys[i], want[i])
		}
	}
}

// TestReopen ensures data written to the store survives closing and
// reopening it.
func TestReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("unexpected error opening store: %v", err)
	}
	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("unexpected error putting key: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("unexpected error closing store: %v", err)
	}

	db, err = Open(dir)
	if err != nil {
		t.Fatalf("unexpected error reopening store: %v", err)
	}
	defer db.Close()

	got, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("unexpected error getting key: %v", err)
	}
	if !bytes.Equal(got, []byte("v")) {
		t.Fatalf("unexpected value after reopen: got %s", got)
	}
}

// TestClosedDB ensures operations on a closed store fail with the
// ErrDbNotOpen kind.
func TestClosedDB(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error opening store: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("unexpected error closing store: %v", err)
	}

	if _, err := db.Get([]byte("k")); !errors.Is(err, ErrDbNotOpen) {
		t.Fatalf("unexpected error kind from closed get: %v", err)
	}
	if err := db.Put([]byte("k"), []byte("v")); !errors.Is(err, ErrDbNotOpen) {
		t.Fatalf("unexpected error kind from closed put: %v", err)
	}
}
