// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

//go:build !unix

package limits

// SetLimits is a no-op on platforms without adjustable file descriptor
// limits.
func SetLimits() error {
	return nil
}
