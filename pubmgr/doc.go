// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package pubmgr orchestrates durable record publishes across multiple relays.

A publish resolves its target relays through an injected resolver, dispatches
the record to every target concurrently, and tracks a per-relay result inside
a persistent publish request.  The aggregate status of a request is
recomputed as individual relays complete:

  - pending: at least one relay has not reported a result yet
  - success: every relay accepted the record
  - failed: every relay rejected the record or timed out
  - partial: a mix of accepted and failed relays

Per-relay failures never abort the remaining dispatches and are reported as
structured result entries rather than errors.  Each outcome is also fed back
into the optional health and stats trackers so future relay selection reflects
observed behavior.

Completed requests may be retried.  A retry re-dispatches to the relays that
failed (or to an explicit subset) and records fresh result entries while the
superseded entries are retained as history.

All requests are persisted, so the full publish record survives restarts and
can be queried or retried later.
*/
package pubmgr
