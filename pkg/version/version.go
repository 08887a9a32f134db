// Package version holds the build-time version string, overridden via
// -ldflags at build time.
package version

// Version is stamped at build time with -X github.com/netobs/netobs/pkg/version.Version=...
var Version = "unknown"
