//go:build !unix

package udp

import "net"

// sendBufferSize returns 0 on platforms where the send buffer size cannot be
// inspected, leaving the buffer untouched.
func sendBufferSize(conn *net.UDPConn) (int, error) {
	return 0, nil
}
