// Copyright (c) 2019-2020 The scuttle-chat developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package version provides the application version string.
package version

import "fmt"

const (
	major = 0
	minor = 1
	patch = 0

	// preRelease is appended to the version string for non-final builds.
	preRelease = "pre"
)

// String returns the application version as a semver string.
func String() string {
	s := fmt.Sprintf("%d.%d.%d", major, minor, patch)
	if preRelease != "" {
		s += "-" + preRelease
	}
	return s
}
