// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sampleconfig

import (
	_ "embed"
)

// sampleRelaykitConf is a string containing the commented example config for
// relaykit.
//
//go:embed sample-relaykit.conf
var sampleRelaykitConf string

// Relaykit returns a string containing the commented example config for
// relaykit.
func Relaykit() string {
	return sampleRelaykitConf
}
