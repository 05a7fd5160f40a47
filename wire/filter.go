// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

// Filter describes the set of events a caller is interested in.  All
// populated fields must match for an event to satisfy the filter; values
// within a single field match disjunctively.  The zero value matches every
// event.
type Filter struct {
	// IDs restricts matches to events with one of the given IDs.
	IDs []string `json:"ids,omitempty"`

	// Authors restricts matches to events created by one of the given
	// author identities.
	Authors []string `json:"authors,omitempty"`

	// Kinds restricts matches to events of one of the given kinds.
	Kinds []uint32 `json:"kinds,omitempty"`

	// Tags restricts matches to events carrying, for every entry, a tag
	// with the entry's name and at least one of the entry's values.
	Tags map[string][]string `json:"tags,omitempty"`

	// Since restricts matches to events created at or after the given Unix
	// time when non-zero.
	Since int64 `json:"since,omitempty"`

	// Until restricts matches to events created at or before the given
	// Unix time when non-zero.
	Until int64 `json:"until,omitempty"`

	// Limit advises the relay of the maximum number of initial results
	// wanted.  Zero means no preference.
	Limit int `json:"limit,omitempty"`
}

// matchAny reports whether want is empty or contains got.
func matchAny(want []string, got string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if w == got {
			return true
		}
	}
	return false
}

// Matches reports whether the event satisfies the filter.
func (f *Filter) Matches(e *Event) bool {
	if e == nil {
		return false
	}
	if !matchAny(f.IDs, e.ID) {
		return false
	}
	if !matchAny(f.Authors, e.Author) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == e.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for name, values := range f.Tags {
		tagVals, ok := e.Tag(name)
		if !ok {
			return false
		}
		found := len(values) == 0
		for _, v := range values {
			for _, tv := range tagVals {
				if v == tv {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != 0 && e.CreatedAt < f.Since {
		return false
	}
	if f.Until != 0 && e.CreatedAt > f.Until {
		return false
	}
	return true
}
