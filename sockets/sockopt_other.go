//go:build !linux

package sockets

import (
	"fmt"
	"syscall"
)

// Only supported on Linux via SO_BINDTODEVICE
func bindToDevice(ifname string) func(network, address string, c syscall.RawConn) error {
	if ifname == "" {
		return nil
	}
	return func(_network, _address string, _ syscall.RawConn) error {
		return fmt.Errorf("binding to interface %q is only supported on linux", ifname)
	}
}
