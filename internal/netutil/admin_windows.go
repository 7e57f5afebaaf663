//go:build windows

package netutil

import "golang.org/x/sys/windows"

// IsAdmin reports whether the process token is elevated. Tunnel interfaces
// and routes cannot be configured otherwise.
func IsAdmin() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}
