// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package healthmgr implements a concurrency-safe liveness tracker for relay
peers.

# Liveness Overview

Relays on a decentralized publish/subscribe network come and go as they
please, and a client has no authority to consult about which of them are
currently reachable.  The only trustworthy signal is the client's own
experience: every connection attempt either succeeds or fails.  This
package turns that stream of outcomes into a per-relay health verdict that
the rest of the system can use to avoid wasting sockets and timeouts on
relays that are down.

Each relay is tracked with a failure count and an exponential backoff
window.  Consecutive failures double the backoff delay up to a configured
maximum, and once the failure count crosses a threshold the relay is
declared dead.  Dead relays are not excluded forever: any later recorded
success fully resets the entry, so a relay that comes back is healed
without operator intervention.

The tracker persists its table to a JSON file on an interval and again on
shutdown, so verdicts survive process restarts.  A missing or corrupt file
degrades to an empty table rather than an error.
*/
package healthmgr
