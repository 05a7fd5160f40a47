// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package authmgr

type Err string

func (e Err) Error() string { return string(e) }

var (
	// ErrRespondNil is used to indicate that Respond cannot be nil in
	// the configuration.
	ErrRespondNil = Err("ErrRespondNil")

	// ErrNoChallenge indicates an authentication attempt was requested
	// for a relay with no unexpired challenge on record.
	ErrNoChallenge = Err("ErrNoChallenge")

	// ErrAuthPending indicates an authentication attempt is already in
	// flight for the relay.
	ErrAuthPending = Err("ErrAuthPending")

	// ErrAlreadyAuthenticated indicates the relay session is already
	// authenticated.
	ErrAlreadyAuthenticated = Err("ErrAlreadyAuthenticated")

	// ErrManagerStopped indicates the manager is no longer running.
	ErrManagerStopped = Err("ErrManagerStopped")

	// ErrUnknownPreference indicates a preference string could not be
	// parsed.
	ErrUnknownPreference = Err("ErrUnknownPreference")
)
