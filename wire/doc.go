// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package wire defines the records exchanged with relays on decentralized
publish/subscribe networks.

An Event is the unit of publication: an immutable, signed record
identified by an opaque ID and attributed to an opaque author identity.
A Filter is the query object used to request matching events from a
relay.  This package deliberately stops at the record level; the framing
used to move records over a particular transport or protocol revision is
the concern of whichever layer owns the connection.
*/
package wire
