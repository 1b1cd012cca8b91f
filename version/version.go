// Package version holds the build version, stamped at link time.
package version

// Version is set via -ldflags at build time.
var Version = "0.0.0"
