package nanotube

import (
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/segmentio/fasthash/fnv1a"

	"github.com/segmentio/nanotube/udp"
)

const (
	// DefaultMessengersPerDestination is the number of messengers a registry
	// keeps for each collector.
	DefaultMessengersPerDestination = 3

	registryShards = 16
)

// Registry shares messengers between the code sending metrics to the same
// collectors, without having to keep clients around.
//
// Messengers are created on first use of a host:port destination, up to a
// fixed number per destination, and are kept until the registry is closed.
// Sends issued while every messenger of a destination is busy are dropped.
//
// Messengers of a registry are created with the settings of the first
// configuration that used their destination, and always discard transport
// errors; configuration errors are still returned.
type Registry struct {
	size   int
	shards [registryShards]registryShard
}

type registryShard struct {
	mutex        sync.Mutex
	closed       bool
	destinations map[string]*destination
}

type destination struct {
	messengers *udp.Pool[*udp.Messenger]
	mutex      sync.Mutex
	closed     bool
	created    []*udp.Messenger
}

var (
	// DefaultRegistry is the registry used by the Send, Stream and Time
	// functions.
	DefaultRegistry = NewRegistry(DefaultMessengersPerDestination)
)

// Send publishes metrics to the collector of config using the default
// registry.
func Send(config Config, metrics ...Metric) error {
	return DefaultRegistry.Send(config, metrics...)
}

// Stream publishes a sequence of metrics to the collector of config using the
// default registry.
func Stream(config Config, metrics iter.Seq[Metric]) error {
	return DefaultRegistry.Stream(config, metrics)
}

// Time calls fn and publishes how long it took to the collector of config,
// using the default registry.
func Time(config Config, key string, fn func()) error {
	return DefaultRegistry.Time(config, key, fn)
}

// NewRegistry returns a registry keeping up to size messengers per
// destination.
func NewRegistry(size int) *Registry {
	if size <= 0 {
		size = DefaultMessengersPerDestination
	}
	return &Registry{size: size}
}

// Send publishes metrics to the collector of config.
func (r *Registry) Send(config Config, metrics ...Metric) error {
	return r.with(config, func(m *udp.Messenger, config Config) error {
		return m.SendAll(Lines(config.Prefix, config.Format, slices.Values(metrics)))
	})
}

// Stream publishes a sequence of metrics, which may be unbounded, to the
// collector of config.
func (r *Registry) Stream(config Config, metrics iter.Seq[Metric]) error {
	if metrics == nil {
		return ErrInvalidArgument.New("metrics cannot be nil")
	}
	return r.with(config, func(m *udp.Messenger, config Config) error {
		return m.StreamAll(Lines(config.Prefix, config.Format, metrics), 0)
	})
}

// Time calls fn and publishes how long it took as a timing metric named key.
func (r *Registry) Time(config Config, key string, fn func()) (err error) {
	start := time.Now()
	defer func() { err = r.Send(config, Duration(key, time.Since(start))) }()
	fn()
	return
}

// Len returns the number of destinations the registry has messengers for.
func (r *Registry) Len() (n int) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mutex.Lock()
		n += len(s.destinations)
		s.mutex.Unlock()
	}
	return
}

// Close closes every messenger created by the registry. Metrics sent after
// Close are dropped.
func (r *Registry) Close() error {
	for i := range r.shards {
		s := &r.shards[i]
		s.mutex.Lock()
		destinations := s.destinations
		s.destinations, s.closed = nil, true
		s.mutex.Unlock()

		for _, d := range destinations {
			d.close()
		}
	}
	return nil
}

func (r *Registry) with(config Config, do func(*udp.Messenger, Config) error) error {
	config = setConfigDefaults(config)

	if err := config.Validate(); err != nil {
		return err
	}

	d := r.lookup(config)
	if d == nil {
		return nil
	}

	m, ok := d.messengers.Acquire()
	if !ok {
		return nil
	}

	if m == nil {
		// The messenger could not be created, give the next send a chance
		// to build a new one.
		d.messengers.Discard()
		return nil
	}

	defer d.messengers.Release(m)
	return do(m, config)
}

func (r *Registry) lookup(config Config) *destination {
	addr := config.Addr()
	s := &r.shards[fnv1a.HashString64(addr)%registryShards]

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil
	}

	d := s.destinations[addr]
	if d == nil {
		if s.destinations == nil {
			s.destinations = make(map[string]*destination)
		}
		d = newDestination(r.size, config)
		s.destinations[addr] = d
	}

	return d
}

func newDestination(size int, config Config) *destination {
	config.Strict = false
	logger := config.Logger
	if logger == nil {
		logger = log.Log
	}

	d := &destination{}
	d.messengers = udp.NewPool(size, func() *udp.Messenger {
		m, err := udp.NewMessenger(config.messenger())
		if err != nil {
			logger.WithError(err).WithField("addr", config.Addr()).Warn("nanotube: creating a messenger failed")
			return nil
		}

		d.mutex.Lock()
		defer d.mutex.Unlock()

		if d.closed {
			m.Close()
			return nil
		}

		d.created = append(d.created, m)
		return m
	})

	return d
}

func (d *destination) close() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for _, m := range d.created {
		m.Close()
	}
	d.created, d.closed = nil, true
}
