// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

type Err string

func (e Err) Error() string { return string(e) }

type Error struct {
	Description string
	Err         error
}

func (e Error) Error() string { return e.Description }
func (e Error) Unwrap() error { return e.Err }

var (
	// ErrDialNil is used to indicate that Dial cannot be nil in
	// the configuration.
	ErrDialNil = Err("ErrDialNil")

	// ErrDuplicateConnection indicates a connection to the relay is
	// already established or pending.
	ErrDuplicateConnection = Err("ErrDuplicateConnection")

	// ErrNotConnected indicates there is no established connection to
	// the relay.
	ErrNotConnected = Err("ErrNotConnected")

	// ErrSendQueueFull indicates the send queue for the relay connection
	// is full.
	ErrSendQueueFull = Err("ErrSendQueueFull")

	// ErrStopped indicates an operation was requested after the
	// connection manager began shutting down.
	ErrStopped = Err("ErrStopped")
)
