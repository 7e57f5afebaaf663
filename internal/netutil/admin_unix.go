//go:build !windows

// Package netutil holds host checks made before any tunnel is brought up.
package netutil

import "os"

// IsAdmin reports whether the process runs as root.
func IsAdmin() bool {
	return os.Geteuid() == 0
}
