package udp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/netip"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultPort is the port statsd and statsite collectors listen on.
	DefaultPort = 8125

	// DefaultPoolSize is the default number of send operations a messenger
	// can have in flight.
	DefaultPoolSize = 30

	// DefaultPacketsPerBatch is the default number of packets written by a
	// single send operation when streaming.
	DefaultPacketsPerBatch = 10

	// DefaultResolveTimeout bounds the time spent resolving a host name.
	DefaultResolveTimeout = 2 * time.Second

	// DefaultResolveRetry is how long a failed host name lookup is reported
	// again without querying the resolver.
	DefaultResolveRetry = time.Second
)

// Config carries the configuration of a Messenger.
type Config struct {
	// Host is the name or address of the collector, it cannot be empty.
	Host string

	// Port of the collector, defaults to DefaultPort.
	Port int

	// PacketSize is the maximum size of datagrams, defaults to
	// DefaultPacketSize.
	PacketSize int

	// PoolSize is the maximum number of concurrent send operations, sends
	// issued while all of them are in flight are dropped.
	PoolSize int

	// PacketsPerBatch is the default batch size of StreamAll.
	PacketsPerBatch int

	// Strict makes the messenger return transport errors to the caller
	// instead of discarding them. Host names are then resolved when the
	// messenger is created.
	Strict bool

	// ResolveTimeout bounds the time spent resolving Host when it is not an
	// IP address.
	ResolveTimeout time.Duration

	// ResolveRetry is how long the error of a failed lookup is kept before
	// Host is looked up again.
	ResolveRetry time.Duration

	// Resolver is used to look up Host, defaults to net.DefaultResolver.
	Resolver *net.Resolver

	// Logger receives the errors the messenger discards, defaults to the
	// apex/log package logger.
	Logger log.Interface

	// Fail is called with the errors raised by asynchronous writes. The
	// default logs them as warnings.
	Fail func(error)
}

func setConfigDefaults(config Config) Config {
	if config.Port == 0 {
		config.Port = DefaultPort
	}

	if config.PacketSize == 0 {
		config.PacketSize = DefaultPacketSize
	}

	if config.PoolSize == 0 {
		config.PoolSize = DefaultPoolSize
	}

	if config.PacketsPerBatch == 0 {
		config.PacketsPerBatch = DefaultPacketsPerBatch
	}

	if config.ResolveTimeout == 0 {
		config.ResolveTimeout = DefaultResolveTimeout
	}

	if config.ResolveRetry == 0 {
		config.ResolveRetry = DefaultResolveRetry
	}

	if config.Resolver == nil {
		config.Resolver = net.DefaultResolver
	}

	if config.Logger == nil {
		config.Logger = log.Log
	}

	if config.Fail == nil {
		config.Fail = makeFailFunc(config.Logger)
	}

	return config
}

// Stats is a snapshot of the counters of a messenger.
type Stats struct {
	// Packets is the number of datagrams written to the socket.
	Packets int64

	// Failures is the number of datagrams that could not be written.
	Failures int64

	// Drops is the number of sends or stream batches discarded because
	// every send operation was in flight.
	Drops int64
}

// A Messenger writes metric lines to a statsd or statsite collector.
//
// Each messenger owns one UDP socket. Sends are fire-and-forget: lines are
// packed into datagrams, handed to a goroutine that writes them, and the call
// returns without waiting for the writes to complete. The number of writes in
// flight is bounded by a pool of send operations; when it is exhausted the
// metrics are dropped.
//
// Messengers are safe to use concurrently from multiple goroutines.
type Messenger struct {
	host       string
	port       uint16
	strict     bool
	packetSize int
	batchSize  int
	timeout    time.Duration
	retry      time.Duration
	resolver   *net.Resolver
	logger     log.Interface
	fail       func(error)

	conn     *net.UDPConn
	ops      *Pool[*sendOp]
	endpoint atomic.Pointer[netip.AddrPort]
	lookups  singleflight.Group
	failure  atomic.Pointer[lookupFailure]

	packets  atomic.Int64
	failures atomic.Int64
	drops    atomic.Int64

	closed atomic.Bool
	once   sync.Once
}

// sendOp describes one asynchronous write of a list of datagrams.
type sendOp struct {
	addr    netip.AddrPort
	packets [][]byte
}

// lookupFailure is the outcome of the last failed lookup of the host name.
type lookupFailure struct {
	err error
	at  time.Time
}

func (op *sendOp) reset() {
	clear(op.packets)
	op.packets = op.packets[:0]
	op.addr = netip.AddrPort{}
}

// NewMessenger opens a socket to send metrics to the collector described by
// config.
func NewMessenger(config Config) (*Messenger, error) {
	config = setConfigDefaults(config)

	if strings.TrimSpace(config.Host) == "" {
		return nil, ErrInvalidArgument.New("host name or address cannot be empty")
	}

	if config.Port < 0 || config.Port > 65535 {
		return nil, ErrInvalidArgument.New("invalid port number: %d", config.Port)
	}

	if config.PacketSize < 0 || config.PoolSize < 0 || config.PacketsPerBatch < 0 {
		return nil, ErrInvalidArgument.New("packet size, pool size and batch size cannot be negative")
	}

	if config.ResolveTimeout < 0 || config.ResolveRetry < 0 {
		return nil, ErrInvalidArgument.New("resolve timeout and retry interval cannot be negative")
	}

	m := &Messenger{
		host:       config.Host,
		port:       uint16(config.Port),
		strict:     config.Strict,
		packetSize: config.PacketSize,
		batchSize:  config.PacketsPerBatch,
		timeout:    config.ResolveTimeout,
		retry:      config.ResolveRetry,
		resolver:   config.Resolver,
		logger:     config.Logger.WithField("addr", net.JoinHostPort(config.Host, strconv.Itoa(config.Port))),
		fail:       config.Fail,
		ops:        NewPool(config.PoolSize, func() *sendOp { return &sendOp{} }),
	}

	if addr, err := netip.ParseAddr(config.Host); err == nil {
		endpoint := netip.AddrPortFrom(addr.Unmap(), m.port)
		m.endpoint.Store(&endpoint)
	} else if m.strict {
		if _, err := m.resolve(); err != nil {
			return nil, err
		}
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, ErrTransport.Wrap(err, "opening a UDP socket")
	}
	m.conn = conn

	if err := growSendBuffer(conn, m.packetSize); err != nil {
		m.logger.WithError(err).Debug("nanotube: adjusting the socket send buffer failed")
	}

	return m, nil
}

// Addr returns the host:port pair the messenger sends to.
func (m *Messenger) Addr() string {
	return net.JoinHostPort(m.host, strconv.Itoa(int(m.port)))
}

// Endpoint returns the resolved address of the collector, and false if it
// was not resolved yet.
func (m *Messenger) Endpoint() (netip.AddrPort, bool) {
	if ep := m.endpoint.Load(); ep != nil {
		return *ep, true
	}
	return netip.AddrPort{}, false
}

// Stats returns the current values of the messenger counters.
func (m *Messenger) Stats() Stats {
	return Stats{
		Packets:  m.packets.Load(),
		Failures: m.failures.Load(),
		Drops:    m.drops.Load(),
	}
}

// Close closes the socket of m. It is safe to call more than once.
func (m *Messenger) Close() (err error) {
	m.once.Do(func() {
		m.closed.Store(true)
		if m.conn != nil {
			err = m.conn.Close()
		}
	})
	return
}

// SendAll packs every line into datagrams and writes them with a single send
// operation. The whole sequence is consumed before the call returns, so it
// must be finite; use StreamAll for unbounded sequences.
//
// The lines are silently dropped when no send operation is available.
func (m *Messenger) SendAll(lines iter.Seq[string]) error {
	if lines == nil {
		return ErrInvalidArgument.New("lines cannot be nil")
	}

	if m.closed.Load() {
		return m.discard(ErrTransport.New("sending to %s on a closed messenger", m.Addr()))
	}

	op, ok := m.ops.Acquire()
	if !ok {
		m.drops.Add(1)
		return nil
	}

	// The operation goes back to the pool unless dispatched, including when
	// the sequence of lines panics.
	dispatched := false
	defer func() {
		if !dispatched {
			m.release(op)
		}
	}()

	addr, err := m.resolve()
	if err != nil {
		return m.discard(err)
	}

	op.addr = addr
	for p := range Packets(lines, m.packetSize) {
		op.packets = append(op.packets, p)
	}

	dispatched = true
	m.dispatch(op)
	return nil
}

// StreamAll packs lines into datagrams and writes them in batches of
// packetsPerBatch datagrams, each batch with its own send operation. Lines
// are consumed as batches fill up, so the sequence may be unbounded.
//
// A batch is dropped when no send operation is available, streaming then goes
// on with the next one. A packetsPerBatch of zero selects the configured
// default.
func (m *Messenger) StreamAll(lines iter.Seq[string], packetsPerBatch int) error {
	if lines == nil {
		return ErrInvalidArgument.New("lines cannot be nil")
	}

	if packetsPerBatch <= 0 {
		packetsPerBatch = m.batchSize
	}

	for batch := range Batches(Packets(lines, m.packetSize), packetsPerBatch) {
		if m.closed.Load() {
			return m.discard(ErrTransport.New("sending to %s on a closed messenger", m.Addr()))
		}

		op, ok := m.ops.Acquire()
		if !ok {
			m.drops.Add(1)
			continue
		}

		addr, err := m.resolve()
		if err != nil {
			m.ops.Release(op)
			if err = m.discard(err); err != nil {
				return err
			}
			continue
		}

		op.addr = addr
		op.packets = append(op.packets, batch...)
		m.dispatch(op)
	}

	return nil
}

// resolve returns the endpoint of the collector. Host names are looked up once
// and the result is kept for the lifetime of the messenger. A failed lookup is
// not retried for the retry interval, sends fail fast in the meantime.
func (m *Messenger) resolve() (netip.AddrPort, error) {
	if ep := m.endpoint.Load(); ep != nil {
		return *ep, nil
	}

	if f := m.failure.Load(); f != nil && time.Since(f.at) < m.retry {
		return netip.AddrPort{}, f.err
	}

	v, err, _ := m.lookups.Do(m.host, func() (interface{}, error) {
		if ep := m.endpoint.Load(); ep != nil {
			return *ep, nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		addrs, err := m.resolver.LookupNetIP(ctx, "ip", m.host)
		switch {
		case err != nil:
			err = ErrTransport.Wrap(err, "resolving %s", m.host)
		case len(addrs) == 0:
			err = ErrTransport.New("no address found for %s", m.host)
		}
		if err != nil {
			m.failure.Store(&lookupFailure{err: err, at: time.Now()})
			return nil, err
		}

		ep := netip.AddrPortFrom(addrs[0].Unmap(), m.port)
		m.endpoint.Store(&ep)
		return ep, nil
	})
	if err != nil {
		return netip.AddrPort{}, err
	}

	return v.(netip.AddrPort), nil
}

func (m *Messenger) dispatch(op *sendOp) {
	if len(op.packets) == 0 {
		m.release(op)
		return
	}
	go m.send(op)
}

func (m *Messenger) send(op *sendOp) {
	defer m.release(op)

	for _, p := range op.packets {
		if _, err := m.conn.WriteToUDPAddrPort(p, op.addr); err != nil {
			m.failures.Add(1)
			if errors.Is(err, net.ErrClosed) {
				// The messenger was closed while the operation was in flight.
				return
			}
			m.handleError(ErrTransport.Wrap(err, "writing a datagram of %d bytes to %s", len(p), op.addr))
			continue
		}
		m.packets.Add(1)
	}
}

func (m *Messenger) release(op *sendOp) {
	op.reset()
	m.ops.Release(op)
}

// discard applies the error policy to err, returning it in strict mode and
// logging it otherwise.
func (m *Messenger) discard(err error) error {
	if m.strict {
		return err
	}
	m.logger.WithError(err).Debug("nanotube: discarding metrics")
	return nil
}

func (m *Messenger) handleError(err error) {
	defer m.handlePanic()
	m.fail(err)
}

func (m *Messenger) handlePanic() {
	if v := recover(); v != nil {
		stack := make([]byte, 32768)
		stack = stack[:runtime.Stack(stack, false)]
		m.logger.WithFields(log.Fields{
			"panic": fmt.Sprint(v),
			"stack": string(stack),
		}).Error("nanotube: error handler panicked [recovered]")
	}
}

func makeFailFunc(logger log.Interface) func(error) {
	return func(err error) { logger.WithError(err).Warn("nanotube: sending metrics failed") }
}

func growSendBuffer(conn *net.UDPConn, packetSize int) error {
	size, err := sendBufferSize(conn)
	if err != nil {
		return err
	}

	// The kernel refuses datagrams larger than the socket send buffer.
	if size != 0 && size < packetSize {
		return conn.SetWriteBuffer(packetSize)
	}

	return nil
}
