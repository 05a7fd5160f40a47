// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package writeq

// ErrorKind identifies a kind of error.  It has full support for errors.Is
// and errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific Error.
const (
	// ErrStoreNil indicates the configuration is missing the durable
	// store the queue writes through to.
	ErrStoreNil = ErrorKind("ErrStoreNil")

	// ErrQueueFull indicates an item was refused because the queue is at
	// its hard maximum even after forcing a flush.
	ErrQueueFull = ErrorKind("ErrQueueFull")

	// ErrQueueClosed indicates an operation was attempted on a closed
	// queue.
	ErrQueueClosed = ErrorKind("ErrQueueClosed")

	// ErrFlushFailed indicates a flush transaction failed.  The unwritten
	// items were either returned to the queue or reported dropped.
	ErrFlushFailed = ErrorKind("ErrFlushFailed")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies an error related to the write queue.  It has full support
// for errors.Is and errors.As, so the caller can ascertain the specific
// reason for the error by checking the underlying error.
type Error struct {
	Err         error
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// makeError creates an Error given a set of arguments.
func makeError(kind ErrorKind, desc string) Error {
	return Error{Err: kind, Description: desc}
}
