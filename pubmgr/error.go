// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pubmgr

// ErrorKind identifies a kind of error.  It has full support for errors.Is
// and errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific Error.
const (
	// ErrSendNil indicates the configuration is missing the send
	// callback used to deliver records to relays.
	ErrSendNil = ErrorKind("ErrSendNil")

	// ErrResolverNil indicates the configuration is missing the relay
	// resolver.
	ErrResolverNil = ErrorKind("ErrResolverNil")

	// ErrUnknownRequest indicates the referenced publish request does
	// not exist.
	ErrUnknownRequest = ErrorKind("ErrUnknownRequest")

	// ErrNothingToRetry indicates a retry matched no relays, either
	// because every targeted relay is still in flight or because none of
	// the named relays belong to the request.
	ErrNothingToRetry = ErrorKind("ErrNothingToRetry")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies an error related to publishing.  It has full support for
// errors.Is and errors.As, so the caller can ascertain the specific reason
// for the error by checking the underlying error.
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
