// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package authmgr implements the per-relay challenge-response authentication
state machine.

# Handshake Overview

Some relays demand that a client prove control of its identity key before
accepting writes.  The relay opens the exchange by sending a random
challenge string over the connection.  The client answers by signing a
record that commits to that challenge and sending it back, and the relay
acknowledges with an explicit success or failure.

Each relay connection advances independently through the states none,
challenge received, authenticating, authenticated, and failed.  A
disconnect returns a relay to none from any state, and a fresh challenge
restarts the cycle no matter what came before it, so failure is never a
dead end.

Whether a challenge is acted on is governed by a per-relay preference:
always answers challenges immediately without involving the user, never
records the challenge but suppresses any prompting, and ask (the default)
parks the challenge for the caller to inspect and decide.  Preferences are
persisted to the durable store so they survive restarts.

Challenges are only honored for a fixed period after receipt.  Expiry is
enforced lazily when state is next read rather than by a background timer.
An authentication attempt races the relay's acknowledgment against a fixed
timeout, and a timeout counts as a failure.

The manager itself never touches the network: the configured Respond
callback is invoked to build, sign, and deliver the response record, which
keeps key handling and transport outside this package.  Interested callers
subscribe to status notifications and immediately receive the current
status of every tracked relay on subscription.
*/
package authmgr
