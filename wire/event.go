// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrMalformedEvent is returned when deserializing bytes that do not
	// decode to a structurally valid event.
	ErrMalformedEvent = errors.New("malformed event")
)

// Event is a single signed record in the shared event log.  Events are
// immutable once signed; relaykit treats the ID, Author, and Sig fields as
// opaque strings produced and verified by an external signing layer.
type Event struct {
	// ID is the unique identifier of the event.  It is derived from the
	// serialized event content by the signing layer and is treated as
	// opaque here.
	ID string `json:"id"`

	// Author is the identity of the event creator, typically an encoded
	// public key.
	Author string `json:"author"`

	// Kind partitions the event space by application-level record type.
	Kind uint32 `json:"kind"`

	// Tags carries structured key/values attached to the event.  Each tag
	// is a non-empty slice whose first element names the tag.
	Tags [][]string `json:"tags"`

	// Content is the application payload.
	Content string `json:"content"`

	// CreatedAt is the author-asserted creation time as seconds since the
	// Unix epoch.
	CreatedAt int64 `json:"created_at"`

	// Sig is the signature over the serialized event.  Verification is the
	// responsibility of the signing layer.
	Sig string `json:"sig"`

	// SeenOn records the canonical addresses of relays this event has been
	// observed on.  It is client-side provenance bookkeeping, not part of
	// the signed record, and is never serialized.
	SeenOn []string `json:"-"`
}

// Timestamp returns the event creation time as a time.Time.
func (e *Event) Timestamp() time.Time {
	return time.Unix(e.CreatedAt, 0)
}

// Tag returns the values of the first tag with the given name and whether
// such a tag exists.  The returned slice excludes the name element.
func (e *Event) Tag(name string) ([]string, bool) {
	for _, tag := range e.Tags {
		if len(tag) > 0 && tag[0] == name {
			return tag[1:], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the event.  The provenance set is copied as
// well so callers may annotate the clone without affecting the original.
func (e *Event) Clone() *Event {
	c := *e
	if e.Tags != nil {
		c.Tags = make([][]string, len(e.Tags))
		for i, tag := range e.Tags {
			c.Tags[i] = append([]string(nil), tag...)
		}
	}
	c.SeenOn = append([]string(nil), e.SeenOn...)
	return &c
}

// MarkSeenOn appends the provided canonical relay address to the event's
// provenance set unless it is already present.
func (e *Event) MarkSeenOn(addr string) {
	for _, have := range e.SeenOn {
		if have == addr {
			return
		}
	}
	e.SeenOn = append(e.SeenOn, addr)
}

// Serialize encodes the event to its canonical JSON representation.
func (e *Event) Serialize() ([]byte, error) {
	return json.Marshal(e)
}

// DeserializeEvent decodes an event from its JSON representation.
func DeserializeEvent(b []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, ErrMalformedEvent
	}
	if e.ID == "" {
		return nil, ErrMalformedEvent
	}
	return &e, nil
}
