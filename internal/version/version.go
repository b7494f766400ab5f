// Package version holds the build version, overridden at link time
// with -ldflags "-X drivein/internal/version.Version=...".
package version

var Version = "dev"
