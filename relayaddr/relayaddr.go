// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package relayaddr provides the canonical string form of relay addresses.
//
// Every map in relaykit that is keyed by relay identity keys on the
// canonical form produced by this package, never on caller-supplied raw
// strings.  Two addresses that refer to the same network endpoint must
// canonicalize to an identical string, so normalization handles scheme and
// host case folding, default ports, and trailing slashes.
package relayaddr

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidAddress describes an address that cannot be canonicalized, such
// as one with no host or an unsupported scheme.
var ErrInvalidAddress = errors.New("invalid relay address")

// Canonicalize normalizes a raw relay address to its canonical form:
// lowercased websocket scheme and host, default ports removed, userinfo,
// query, and fragment dropped, and trailing slashes stripped from the path.
// The http and https schemes are accepted as aliases for ws and wss since
// relay directories frequently advertise them interchangeably.
//
// Canonicalize is idempotent: applying it to its own output returns the
// same string.
func Canonicalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidAddress, raw, err)
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "ws", "wss":
	case "http":
		scheme = "ws"
	case "https":
		scheme = "wss"
	case "":
		return "", fmt.Errorf("%w: %q: missing scheme", ErrInvalidAddress,
			raw)
	default:
		return "", fmt.Errorf("%w: %q: unsupported scheme %q",
			ErrInvalidAddress, raw, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: %q: missing host", ErrInvalidAddress, raw)
	}

	// Bracket IPv6 literals so the host/port join below remains parseable.
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	port := u.Port()
	switch {
	case port == "":
	case scheme == "ws" && port == "80":
		port = ""
	case scheme == "wss" && port == "443":
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}

	path := u.EscapedPath()
	for strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}

	return scheme + "://" + host + path, nil
}

// CanonicalizeSlice canonicalizes every address in the slice, silently
// dropping addresses that fail to normalize, and removes duplicates while
// preserving the order of first occurrence.
func CanonicalizeSlice(raw []string) []string {
	result := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, addr := range raw {
		canon, err := Canonicalize(addr)
		if err != nil {
			continue
		}
		if _, ok := seen[canon]; ok {
			continue
		}
		seen[canon] = struct{}{}
		result = append(result, canon)
	}
	return result
}

// Equal reports whether two raw addresses canonicalize to the same relay
// identity.  Addresses that fail to canonicalize are never equal to
// anything, including themselves.
func Equal(a, b string) bool {
	ca, err := Canonicalize(a)
	if err != nil {
		return false
	}
	cb, err := Canonicalize(b)
	if err != nil {
		return false
	}
	return ca == cb
}
