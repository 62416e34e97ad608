//go:build linux

package sockets

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// bindToDevice returns a Control hook that pins the socket to ifname via SO_BINDTODEVICE.
func bindToDevice(ifname string) func(network, address string, c syscall.RawConn) error {
	if ifname == "" {
		return nil
	}
	return func(_network, _address string, c syscall.RawConn) error {
		var serr error
		if err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifname)
		}); err != nil {
			// RawConn.Control returned an error
			return err
		}
		return serr
	}
}
