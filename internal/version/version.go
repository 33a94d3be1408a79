// Package version provides version information for the side-channel tools
package version

import (
	"fmt"
	"runtime"
)

// Build-time variables that can be set via ldflags
var (
	// Version is the release of the side-channel tools
	Version = "0.3.0"

	// GitCommit is the git sha1 that was compiled
	GitCommit = "unknown"

	// BuildDate is the date the binary was built
	BuildDate = "unknown"
)

// GetVersion returns the short version string, with the abbreviated commit
// when one was stamped in.
func GetVersion() string {
	if len(GitCommit) > 7 && GitCommit != "unknown" {
		return fmt.Sprintf("%s-%s", Version, GitCommit[:7])
	}
	return Version
}

// GetVersionInfo returns formatted version information for appName
func GetVersionInfo(appName string) string {
	result := fmt.Sprintf("%s version %s", appName, GetVersion())
	if BuildDate != "unknown" {
		result += fmt.Sprintf("\nBuilt: %s", BuildDate)
	}
	result += fmt.Sprintf("\nGo: %s", runtime.Version())
	result += fmt.Sprintf("\nPlatform: %s/%s", runtime.GOOS, runtime.GOARCH)
	return result
}
