// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package version provides a single location to house the version information
// for relaykit and other utilities provided in the same repository.
package version

import (
	"fmt"
	"strings"
	"sync"
)

const (
	// semanticAlphabet defines the allowed characters for the pre-release
	// and build metadata portions of a semantic version string.
	semanticAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-."

	// These constants define the application version and follow the
	// semantic versioning 2.0.0 spec (https://semver.org/).
	Major = 0
	Minor = 1
	Patch = 0

	// preRelease contains the prerelease name of the application.  It is
	// a variable so it can be modified at link time (e.g.
	// `-ldflags "-X github.com/meshforge/relaykit/internal/version.preRelease=rc1"`).
	// It must only contain characters from the semantic version alphabet.
	preRelease = "pre"
)

// buildMetadata defines additional build metadata.  It is modified at link
// time for official releases.  It must only contain characters from the
// semantic version alphabet.
var buildMetadata = ""

// NormalizeString returns the passed string stripped of all characters
// which are not valid according to the semantic versioning guidelines for
// pre-release and build metadata strings.  In particular they MUST only
// contain characters in semanticAlphabet.
func NormalizeString(str string) string {
	var result strings.Builder
	for _, r := range str {
		if strings.ContainsRune(semanticAlphabet, r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

var (
	once          sync.Once
	cachedVersion string
)

// String returns the application version as a properly formed string per the
// semantic versioning 2.0.0 spec (https://semver.org/).  The build metadata
// is populated from the version control system when it is not overridden at
// link time.
func String() string {
	once.Do(func() {
		version := fmt.Sprintf("%d.%d.%d", Major, Minor, Patch)

		normalizedPreRel := NormalizeString(preRelease)
		if normalizedPreRel != "" {
			version += "-" + normalizedPreRel
		}

		metadata := buildMetadata
		if metadata == "" {
			metadata = vcsCommitID()
		}
		metadata = NormalizeString(metadata)
		if metadata != "" {
			version += "+" + metadata
		}

		cachedVersion = version
	})
	return cachedVersion
}
