// Package buildinfo holds version and build metadata stamped at compile
// time via ldflags:
//
//	go build -ldflags "-X github.com/nugget/fieldnode/internal/buildinfo.Version=v0.3.0"
package buildinfo

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns build and runtime info as a map, keyed the way the
// version command and the retained info document print them.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// Started reports when the process started.
func Started() time.Time {
	return startTime
}

// LogGroup returns the build fields as a single slog group, for the
// first line a node logs.
func LogGroup() slog.Attr {
	return slog.Group("build",
		slog.String("version", Version),
		slog.String("commit", GitCommit),
		slog.String("built", BuildTime),
		slog.String("go", runtime.Version()),
	)
}

// String returns a one-line summary.
func String() string {
	return fmt.Sprintf("fieldnode %s (%s, %s/%s) built %s", Version, GitCommit, runtime.GOOS, runtime.GOARCH, BuildTime)
}
