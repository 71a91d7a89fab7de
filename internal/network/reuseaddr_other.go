//go:build !unix && !windows

package network

import "syscall"

// No SO_REUSEADDR on this platform; the default bind behaviour applies.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
