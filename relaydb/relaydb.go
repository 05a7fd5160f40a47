// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package relaydb provides the durable key/value store backing the client
// state that must survive restarts, such as relay performance statistics,
// per-relay authentication preferences, and publish request records.
//
// The store is a thin wrapper around a leveldb database.  Callers namespace
// their keys with a prefix and use the iterator support to walk everything
// under that prefix.  Atomic multi-key updates are available through the
// Update method which runs the caller's function inside a single leveldb
// transaction.
package relaydb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// dbName is the name of the directory the store lives in under the
// configured data directory.
const dbName = "relaystate"

// Tx represents a store transaction inside which multiple keys may be read
// and written atomically.  The transaction is committed when the function
// passed to Update returns nil and is rolled back otherwise.
type Tx interface {
	// Get returns the value for the given key.  It returns nil for both
	// the value and the error when the key does not exist.
	Get(key []byte) ([]byte, error)

	// Has returns whether the given key exists.
	Has(key []byte) (bool, error)

	// Put sets the value for the given key.  It overwrites any previous
	// value.
	Put(key, value []byte) error

	// Delete removes the given key.  Deleting a key that does not exist
	// is not an error.
	Delete(key []byte) error
}

// Iterator iterates over a range of the store's key/value pairs.  It is NOT
// safe for concurrent use, but it is safe to use multiple iterators
// concurrently, with each in a dedicated goroutine.
type Iterator = iterator.Iterator

// DB provides durable key/value storage backed by leveldb.  All methods are
// safe for concurrent access.
type DB struct {
	ldb *leveldb.DB
}

// convertLdbErr converts the passed leveldb error into a store error with an
// equivalent error kind and the passed description.  The original error text
// is included in the description.
func convertLdbErr(ldbErr error, desc string) Error {
	var kind = ErrStore

	switch {
	// Database corruption errors.
	case ldberrors.IsCorrupted(ldbErr):
		kind = ErrCorruption

	// Database open/create errors.
	case errors.Is(ldbErr, leveldb.ErrClosed):
		kind = ErrDbNotOpen

	// Transaction errors.
	case errors.Is(ldbErr, leveldb.ErrSnapshotReleased):
		kind = ErrTxClosed
	case errors.Is(ldbErr, leveldb.ErrIterReleased):
		kind = ErrTxClosed
	}

	// Include the original error in the description.
	desc = fmt.Sprintf("%s: %v", desc, ldbErr)

	return makeError(kind, desc)
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// Open loads (or creates when needed) the durable store inside the provided
// data directory and returns a handle to it.
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, dbName)

	// Ensure the full path to the database exists.
	dbExists := fileExists(dbPath)
	if !dbExists {
		// The error can be ignored here since the call to
		// leveldb.OpenFile will fail if the directory couldn't be
		// created.
		//
		// NOTE: It is important that os.MkdirAll is only called if the
		// database does not exist since it has proven to misbehave on
		// some less supported OSes when the directory already exists.
		_ = os.MkdirAll(dataDir, 0700)
	}

	// Open the database (will create it if needed).
	log.Infof("Loading relay state database from '%s'", dbPath)
	opts := opt.Options{
		ErrorIfExist: !dbExists,
		Strict:       opt.DefaultStrict,
		Compression:  opt.NoCompression,
		Filter:       filter.NewBloomFilter(10),
	}
	ldb, err := leveldb.OpenFile(dbPath, &opts)
	if err != nil {
		return nil, convertLdbErr(err, "failed to open relay state "+
			"database")
	}

	log.Info("Relay state database loaded")

	return &DB{ldb: ldb}, nil
}

// Get returns the value for the given key.  It returns nil for both the
// value and the error when the key does not exist.
//
// It is safe to modify the contents of the returned slice, and it is safe to
// modify the contents of the argument after Get returns.
func (db *DB) Get(key []byte) ([]byte, error) {
	serialized, err := db.ldb.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		str := fmt.Sprintf("failed to get key %x", key)
		return nil, convertLdbErr(err, str)
	}
	return serialized, nil
}

// Has returns whether the given key exists.
func (db *DB) Has(key []byte) (bool, error) {
	has, err := db.ldb.Has(key, nil)
	if err != nil {
		str := fmt.Sprintf("failed to check key %x", key)
		return false, convertLdbErr(err, str)
	}
	return has, nil
}

// Put sets the value for the given key.  It overwrites any previous value
// and is written through to disk before returning.
func (db *DB) Put(key, value []byte) error {
	err := db.ldb.Put(key, value, nil)
	if err != nil {
		str := fmt.Sprintf("failed to put key %x", key)
		return convertLdbErr(err, str)
	}
	return nil
}

// Delete removes the given key.  Deleting a key that does not exist is not
// an error.
func (db *DB) Delete(key []byte) error {
	err := db.ldb.Delete(key, nil)
	if err != nil {
		str := fmt.Sprintf("failed to delete key %x", key)
		return convertLdbErr(err, str)
	}
	return nil
}

// ldbTx wraps a leveldb transaction to implement the Tx interface.
type ldbTx struct {
	tx *leveldb.Transaction
}

// Ensure ldbTx implements the Tx interface.
var _ Tx = (*ldbTx)(nil)

// Get returns the value for the given key within the transaction.  It
// returns nil for both the value and the error when the key does not exist.
func (t *ldbTx) Get(key []byte) ([]byte, error) {
	serialized, err := t.tx.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		str := fmt.Sprintf("failed to get key %x", key)
		return nil, convertLdbErr(err, str)
	}
	return serialized, nil
}

// Has returns whether the given key exists within the transaction.
func (t *ldbTx) Has(key []byte) (bool, error) {
	has, err := t.tx.Has(key, nil)
	if err != nil {
		str := fmt.Sprintf("failed to check key %x", key)
		return false, convertLdbErr(err, str)
	}
	return has, nil
}

// Put sets the value for the given key within the transaction.
func (t *ldbTx) Put(key, value []byte) error {
	err := t.tx.Put(key, value, nil)
	if err != nil {
		str := fmt.Sprintf("failed to put key %x", key)
		return convertLdbErr(err, str)
	}
	return nil
}

// Delete removes the given key within the transaction.
func (t *ldbTx) Delete(key []byte) error {
	err := t.tx.Delete(key, nil)
	if err != nil {
		str := fmt.Sprintf("failed to delete key %x", key)
		return convertLdbErr(err, str)
	}
	return nil
}

// Update invokes the passed function in the context of a store transaction.
// Any errors returned from the user-supplied function will cause the
// transaction to be rolled back and are returned from this function.
// Otherwise, the transaction is committed when the user-supplied function
// returns a nil error.
//
// Note: A leveldb.Transaction is used rather than a leveldb.Batch because
// callers flush grouped updates periodically rather than one key at a time,
// and transactions use significantly less memory when atomically updating a
// larger amount of data.
func (db *DB) Update(fn func(tx Tx) error) error {
	ldbTxn, err := db.ldb.OpenTransaction()
	if err != nil {
		return convertLdbErr(err, "failed to open transaction")
	}

	if err := fn(&ldbTx{tx: ldbTxn}); err != nil {
		ldbTxn.Discard()
		return err
	}

	if err := ldbTxn.Commit(); err != nil {
		ldbTxn.Discard()
		return convertLdbErr(err, "failed to commit transaction")
	}
	return nil
}

// NewIterator returns an iterator over the key/value pairs in the store.
//
// The prefix parameter allows for slicing the iterator to only contain keys
// with the given prefix.  A nil prefix iterates the entire store.
//
// NOTE: The contents of any slice returned by the iterator should NOT be
// modified unless noted otherwise.
//
// The iterator must be released after use, by calling the Release method.
func (db *DB) NewIterator(prefix []byte) Iterator {
	var slice *util.Range
	if prefix != nil {
		slice = util.BytesPrefix(prefix)
	}
	return db.ldb.NewIterator(slice, nil)
}

// Close cleanly shuts down the store and syncs all data.  All operations on
// the store after Close fail with ErrDbNotOpen.
func (db *DB) Close() error {
	if err := db.ldb.Close(); err != nil {
		return convertLdbErr(err, "failed to close relay state "+
			"database")
	}
	return nil
}
