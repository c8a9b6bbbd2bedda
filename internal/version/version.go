// Package version carries build metadata injected with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/ramiqadoumi/go-task-scheduler/internal/version.Version=v1.2.0"
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }

// String is the one-line form logged at startup.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s, %s)", Version, GitCommit, BuildTime, GoVersion())
}
