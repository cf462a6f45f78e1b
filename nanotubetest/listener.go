// Package nanotubetest provides a UDP listener that records the datagrams it
// receives, to test code sending metrics with nanotube.
package nanotubetest

import (
	"net"
	"strings"
	"testing"
	"time"
)

// DefaultTimeout is how long Expect waits for each datagram.
const DefaultTimeout = 2 * time.Second

// Listener is a UDP server bound to a random loopback port that records the
// datagrams it receives.
type Listener struct {
	conn    *net.UDPConn
	packets chan []byte
	done    chan struct{}
}

// NewListener starts a listener, closed when tb completes.
func NewListener(tb testing.TB) *Listener {
	tb.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{
		IP: net.IPv4(127, 0, 0, 1),
	})
	if err != nil {
		tb.Fatal(err)
	}

	l := &Listener{
		conn:    conn,
		packets: make(chan []byte, 1024),
		done:    make(chan struct{}),
	}

	go l.run()
	tb.Cleanup(func() {
		close(l.done)
		l.conn.Close()
	})
	return l
}

func (l *Listener) run() {
	defer close(l.packets)

	for {
		b := make([]byte, 65536)

		n, err := l.conn.Read(b)
		if err != nil {
			return
		}

		select {
		case l.packets <- b[:n]:
		case <-l.done:
			return
		}
	}
}

// Host returns the IP address the listener is bound to.
func (l *Listener) Host() string {
	return l.addr().IP.String()
}

// Port returns the port the listener is bound to.
func (l *Listener) Port() int {
	return l.addr().Port
}

// Addr returns the host:port address of the listener.
func (l *Listener) Addr() string {
	return l.addr().String()
}

func (l *Listener) addr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Next waits up to timeout for the next datagram.
func (l *Listener) Next(timeout time.Duration) ([]byte, bool) {
	select {
	case p, ok := <-l.packets:
		return p, ok
	case <-time.After(timeout):
		return nil, false
	}
}

// Expect fails tb unless the next datagrams received are exactly want, in
// order.
func (l *Listener) Expect(tb testing.TB, want ...string) {
	tb.Helper()

	for _, w := range want {
		p, ok := l.Next(DefaultTimeout)
		if !ok {
			tb.Errorf("timeout waiting for %q", w)
			return
		}
		if string(p) != w {
			tb.Errorf("unexpected datagram received: %q != %q", string(p), w)
		}
	}
}

// Collect gathers n datagrams, failing tb if they don't arrive in time.
func (l *Listener) Collect(tb testing.TB, n int) [][]byte {
	tb.Helper()

	packets := make([][]byte, 0, n)
	for len(packets) != n {
		p, ok := l.Next(DefaultTimeout)
		if !ok {
			tb.Fatalf("timeout after receiving %d of %d datagrams", len(packets), n)
		}
		packets = append(packets, p)
	}
	return packets
}

// Lines gathers n datagrams and returns the metric lines they carry.
func (l *Listener) Lines(tb testing.TB, n int) []string {
	tb.Helper()

	var lines []string
	for _, p := range l.Collect(tb, n) {
		for _, line := range strings.Split(string(p), "\n") {
			if line != "" {
				lines = append(lines, line)
			}
		}
	}
	return lines
}

// Quiet fails tb if a datagram is received within d.
func (l *Listener) Quiet(tb testing.TB, d time.Duration) {
	tb.Helper()

	if p, ok := l.Next(d); ok {
		tb.Errorf("unexpected datagram received: %q", string(p))
	}
}
