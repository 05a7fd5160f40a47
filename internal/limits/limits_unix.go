// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

//go:build unix

package limits

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	// fileLimitWant is the preferred soft limit on open file descriptors.
	// Each relay connection holds a descriptor and the database holds
	// several more, so the typical platform default of 1024 leaves little
	// headroom.
	fileLimitWant = 4096

	// fileLimitMin is the minimum acceptable soft limit on open file
	// descriptors.
	fileLimitMin = 1024
)

// SetLimits raises the soft limit on open file descriptors to the preferred
// value when the hard limit allows it.  An error is returned when even the
// minimum acceptable limit cannot be obtained.
func SetLimits() error {
	var rLimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		return err
	}
	if rLimit.Cur >= fileLimitWant {
		return nil
	}

	want := uint64(fileLimitWant)
	if want > rLimit.Max {
		// Fall back to the hard limit when the preferred value is not
		// allowed.
		want = rLimit.Max
	}
	if want < fileLimitMin {
		return fmt.Errorf("need at least %d file descriptors, hard "+
			"limit is %d", fileLimitMin, rLimit.Max)
	}

	rLimit.Cur = want
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &rLimit)
}
