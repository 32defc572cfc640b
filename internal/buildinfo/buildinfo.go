// Package buildinfo carries version metadata stamped at link time.
package buildinfo

import (
	"fmt"
	"runtime"
)

// Version is overridden with -ldflags "-X github.com/pingsantohq/readiness/internal/buildinfo.Version=...".
var Version = "0.0.1"

// UserAgent identifies a component in outbound HTTP requests.
func UserAgent(component string) string {
	return fmt.Sprintf("readiness-%s/%s", component, Version)
}

// Software describes the running build for posture reports.
func Software() string {
	return fmt.Sprintf("readiness %s (%s, %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
