// SPDX-License-Identifier: MIT

// Package version carries build identification, populated through
// ldflags by the release pipeline.
package version

var (
	// Version is the release tag, or the fallback for local builds.
	Version = "v0.3.0"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)
