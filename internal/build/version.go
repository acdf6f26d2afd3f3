package build

import (
	"fmt"
	"runtime"
)

// Version components. Only the string variables can be set at build time
// via -ldflags -X; the numeric components are fixed in source.
var (
	// appMajor, appMinor, and appPatch define the semantic version.
	appMajor = 0
	appMinor = 1
	appPatch = 0

	// appPreRelease marks the release track. Empty for tagged releases.
	appPreRelease = "beta"

	// Commit is the git commit hash, injected by the build script.
	Commit string
)

// GoVersion is the version of the Go toolchain the binary was built with.
var GoVersion = runtime.Version()

// Version returns the semantic version string.
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if appPreRelease != "" {
		version = fmt.Sprintf("%s-%s", version, appPreRelease)
	}

	return version
}
