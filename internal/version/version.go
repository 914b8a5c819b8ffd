// Package version carries build metadata set with -ldflags.
package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String describes the build for the version command.
func String() string {
	return fmt.Sprintf("pcload %s (commit: %s, built: %s)", Version, GitSHA, BuildTime)
}

// UserAgent identifies remote fetches of point cloud sources.
func UserAgent() string { return "pcload/" + Version }
