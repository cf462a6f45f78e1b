//go:build unix

package udp

import (
	"net"
	"runtime"

	"golang.org/x/sys/unix"
)

// sendBufferSize returns the number of bytes of the socket send buffer that
// are available to datagrams.
func sendBufferSize(conn *net.UDPConn) (size int, err error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	if ctrlErr := raw.Control(func(fd uintptr) {
		size, err = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
	}); ctrlErr != nil {
		return 0, ctrlErr
	}

	// Linux doubles the requested buffer size to account for bookkeeping,
	// only half of it is available to write datagrams from user-space.
	if runtime.GOOS == "linux" {
		size /= 2
	}
	return size, err
}
