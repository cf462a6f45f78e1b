package udp

import (
	"bytes"
	"errors"
	"io"
	"net"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handler defines the interface that types must satisfy to process the metric
// lines received by a collector.
type Handler interface {
	// HandleLine is called for each line of the datagrams received, without
	// the newline terminator. The slice is only valid until HandleLine
	// returns.
	HandleLine(line []byte, addr net.Addr)
}

// HandlerFunc makes it possible for function types to be used as line
// handlers.
type HandlerFunc func([]byte, net.Addr)

// HandleLine calls f(line, addr).
func (f HandlerFunc) HandleLine(line []byte, addr net.Addr) {
	f(line, addr)
}

// ListenAndServe listens for UDP datagrams on addr and passes the metric lines
// they carry to handler.
func ListenAndServe(addr string, handler Handler) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	return Serve(conn, handler)
}

// Serve reads datagrams from conn until it is closed and passes the metric
// lines they carry to handler. Closing conn makes Serve return nil.
func Serve(conn net.PacketConn, handler Handler) error {
	defer conn.Close()

	concurrency := runtime.GOMAXPROCS(-1)
	if concurrency <= 0 {
		concurrency = 1
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return err
	}

	var errgrp errgroup.Group

	for i := 0; i < concurrency; i++ {
		errgrp.Go(func() error {
			err := serve(conn, handler)
			// Unblock the other readers.
			conn.Close()
			return err
		})
	}

	err := errgrp.Wait()
	switch {
	case err == nil:
	case errors.Is(err, net.ErrClosed):
	case errors.Is(err, io.EOF):
	case errors.Is(err, io.ErrClosedPipe):
	default:
		return err
	}

	return nil
}

func serve(conn net.PacketConn, handler Handler) error {
	b := make([]byte, 65536)

	for {
		n, addr, err := conn.ReadFrom(b)
		if err != nil {
			return err
		}

		for s := b[:n]; len(s) != 0; {
			line := s
			if i := bytes.IndexByte(s, '\n'); i < 0 {
				s = nil
			} else {
				line, s = s[:i], s[i+1:]
			}

			if len(line) != 0 {
				handler.HandleLine(line, addr)
			}
		}
	}
}
