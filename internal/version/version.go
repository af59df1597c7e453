// Package version holds build-time metadata, overridden via -ldflags at
// release build time (e.g. -X github.com/wisbric/aiproxy/internal/version.Version=1.2.3).
package version

var (
	// Version is the semantic version of this build.
	Version = "dev"
	// Commit is the git commit SHA this build was produced from.
	Commit = "unknown"
)
