// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meshforge/relaykit/wire"
)

// Relay frames are JSON arrays whose first element names the frame kind.
const (
	frameEvent = "EVENT"
	frameAuth  = "AUTH"
	frameOK    = "OK"
	framePing  = "PING"
	framePong  = "PONG"
)

// frame is a single decoded relay message.  Only the fields relevant to the
// frame kind are set.
type frame struct {
	// Kind is one of the frame kind constants.
	Kind string

	// SubID is the subscription an incoming event was delivered under.
	// It is empty for the two element EVENT form.
	SubID string

	// Event is the record carried by an EVENT frame.
	Event *wire.Event

	// Challenge is the nonce carried by an AUTH frame.
	Challenge string

	// ID names the record or challenge an OK frame acknowledges.
	ID string

	// Accepted reports whether the relay accepted the acknowledged item.
	Accepted bool

	// Message is the relay-provided detail accompanying a refusal or
	// acceptance.  It may be empty.
	Message string
}

// decodeFrame parses a raw relay frame:
//
//	["EVENT", "<subscription id>", {event}] or ["EVENT", {event}]
//	["AUTH", "<challenge>"]
//	["OK", "<id>", <accepted>, "<message>"]
//	["PING"] and ["PONG"]
//
// The OK message element is optional.  Unknown frame kinds and frames whose
// elements do not decode return an error.
func decodeFrame(data []byte) (*frame, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if len(elems) == 0 {
		return nil, errors.New("malformed frame: empty array")
	}
	var kind string
	if err := json.Unmarshal(elems[0], &kind); err != nil {
		return nil, fmt.Errorf("malformed frame kind: %w", err)
	}

	f := frame{Kind: kind}
	switch kind {
	case frameEvent:
		// The record is always the final element.  The three element
		// form carries the subscription identifier between the kind
		// and the record.
		switch len(elems) {
		case 2:
		case 3:
			err := json.Unmarshal(elems[1], &f.SubID)
			if err != nil {
				return nil, fmt.Errorf("malformed subscription "+
					"id: %w", err)
			}
		default:
			return nil, fmt.Errorf("EVENT frame with %d elements",
				len(elems))
		}
		ev, err := wire.DeserializeEvent(elems[len(elems)-1])
		if err != nil {
			return nil, err
		}
		f.Event = ev

	case frameAuth:
		if len(elems) != 2 {
			return nil, fmt.Errorf("AUTH frame with %d elements",
				len(elems))
		}
		if err := json.Unmarshal(elems[1], &f.Challenge); err != nil {
			return nil, fmt.Errorf("malformed challenge: %w", err)
		}

	case frameOK:
		if len(elems) < 3 || len(elems) > 4 {
			return nil, fmt.Errorf("OK frame with %d elements",
				len(elems))
		}
		if err := json.Unmarshal(elems[1], &f.ID); err != nil {
			return nil, fmt.Errorf("malformed acknowledgment id: %w",
				err)
		}
		if err := json.Unmarshal(elems[2], &f.Accepted); err != nil {
			return nil, fmt.Errorf("malformed accepted flag: %w", err)
		}
		if len(elems) == 4 {
			if err := json.Unmarshal(elems[3], &f.Message); err != nil {
				return nil, fmt.Errorf("malformed message: %w", err)
			}
		}

	case framePing, framePong:

	default:
		return nil, fmt.Errorf("unknown frame kind %q", kind)
	}

	return &f, nil
}

// encodeEventFrame builds the frame that publishes a record to a relay.
func encodeEventFrame(ev *wire.Event) ([]byte, error) {
	return json.Marshal([]interface{}{frameEvent, ev})
}

// authResponse is the envelope an authentication response frame carries.
// It echoes the challenge it answers so the relay's acknowledgment can be
// matched back to the handshake.
type authResponse struct {
	Challenge string `json:"challenge"`
}

// encodeAuthFrame builds the response frame committing to the given
// challenge.
func encodeAuthFrame(challenge string) ([]byte, error) {
	return json.Marshal([]interface{}{frameAuth, authResponse{
		Challenge: challenge,
	}})
}

// encodePongFrame answers an application-level ping.
func encodePongFrame() []byte {
	return []byte(`["PONG"]`)
}
