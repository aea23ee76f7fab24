// Package version carries build identification, injected at link time with
// -ldflags.
package version

import "fmt"

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"
	// GitSHA is the source revision the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String renders the one-line build identification.
func String() string {
	return fmt.Sprintf("aquascan %s (%s, built %s)", Version, GitSHA, BuildTime)
}
