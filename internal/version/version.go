// Package version reports the domaind build. The variables are set with
// -ldflags "-X github.com/spin-stack/domaind/internal/version.Version=v0.3.0".
package version

import (
	"fmt"
	"runtime"

	"github.com/containerd/log"
)

var (
	// Version is the release, or "dev" for local builds.
	Version = "dev"

	// GitCommit is the commit the binary was built from.
	GitCommit = "unknown"

	// BuildDate is the build time, RFC3339.
	BuildDate = "unknown"
)

// Info returns the full build description.
func Info() string {
	return fmt.Sprintf("domaind %s (commit: %s, built: %s, go: %s)",
		Version, GitCommit, BuildDate, runtime.Version())
}

// Fields returns the build description as log fields.
func Fields() log.Fields {
	return log.Fields{
		"version": Version,
		"commit":  GitCommit,
		"go":      runtime.Version(),
	}
}
